// Package harness runs test cases against the system under test and
// aggregates their verdicts into a suite result.
//
// # Case execution
//
// RunCase expands a case into its launch plan, then drives the plan rank by
// rank:
//
//  1. Launch every process of the rank, honoring per-process launch delays
//  2. Wait until every process of the rank signals readiness
//  3. Move on to the next rank
//
// Once every rank is up, processes with completion lifetime are awaited
// (bounded by the exit timeout), then processes with signal lifetime are
// stopped and awaited. Faults of a failure-injection case run concurrently
// against their targets. The captured output of all processes is merged by
// timestamp and handed to verdict.Evaluate.
//
// A launch failure, a readiness failure or the case timeout stops the case
// early: every running process is terminated and the verdict records why.
//
// # Suite execution
//
// RunSuite runs cases in declared order. With Parallel > 1, consecutive
// cases marked independent run as a bounded-parallel batch, each case with
// its own port block. Results keep the declared order regardless of
// completion order.
//
// # Usage
//
//	h, err := harness.New(harness.Options{Config: cfg})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result := h.RunSuite(ctx, s)
//	if !result.Pass {
//	    for _, v := range result.Failing() {
//	        log.Println(v.Case, v.Outcome)
//	    }
//	}
package harness
