// Package store provides SQLite-backed run history.
//
// Every recorded suite run keeps:
//   - Runs: suite name, start time, duration and overall pass
//   - Cases: one verdict per case, stored as JSON
//   - Lines: the timestamp-merged captured output of every case
//
// # Identity and Ordering
//
// Run IDs are UUIDv7 by default, so they sort by creation time. Listing
// queries order by start time, then ID. Captured lines keep their merged
// position, so a case log reads back in exactly the order the verdict
// engine saw it.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
