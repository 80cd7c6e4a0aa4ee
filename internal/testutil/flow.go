package testutil

import (
	"fmt"
	"sync/atomic"
)

// SequentialIDs generates run identifiers "<prefix>-0001", "<prefix>-0002", ...
//
// This enables golden snapshot comparison of reports and stored runs whose
// IDs would otherwise be random UUIDs.
//
// Thread-safety: SequentialIDs is safe for concurrent use.
type SequentialIDs struct {
	prefix string
	n      atomic.Int64
}

// NewSequentialIDs creates a generator. If prefix is empty, "run" is used.
func NewSequentialIDs(prefix string) *SequentialIDs {
	if prefix == "" {
		prefix = "run"
	}
	return &SequentialIDs{prefix: prefix}
}

// NewID returns the next identifier.
//
// Implements store.IDGenerator.
func (g *SequentialIDs) NewID() string {
	return fmt.Sprintf("%s-%04d", g.prefix, g.n.Add(1))
}
