package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/tracebed/internal/capture"
	"github.com/roach88/tracebed/internal/harness"
	"github.com/roach88/tracebed/internal/testutil"
	"github.com/roach88/tracebed/internal/verdict"
)

// createTestStore creates a new store in a temp dir with sequential run IDs.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	s.SetIDGenerator(testutil.NewSequentialIDs("run"))
	t.Cleanup(func() { s.Close() })
	return s
}

func testLine(sec int, seq int64, process string, stream capture.Stream, text string) capture.Line {
	return capture.Line{
		Time:    testutil.Epoch.Add(time.Duration(sec) * time.Millisecond),
		Seq:     seq,
		Process: process,
		Role:    process,
		Stream:  stream,
		Text:    text,
	}
}

// testResult builds a suite result with a passing, a failing and a skipped case.
func testResult(started time.Time) *harness.SuiteResult {
	res := harness.NewSuiteResult("events")
	res.Started = started
	res.Duration = 1500 * time.Millisecond
	res.SuiteDigest = "5f1c0ffee"

	res.AddCase(harness.CaseResult{
		Index: 0,
		Verdict: verdict.Verdict{
			Case:     "pubsub",
			Outcome:  verdict.Pass,
			Duration: 700 * time.Millisecond,
			Processes: []verdict.ExitStatus{
				{Process: "server", Role: "server", Termination: verdict.Killed, Code: 143, Reason: "signal lifetime"},
				{Process: "client", Role: "client", Termination: verdict.Exited, Code: 0},
			},
		},
		Lines: []capture.Line{
			testLine(1, 1, "server", capture.Stdout, "listening on 127.0.0.1:7001"),
			testLine(2, 2, "client", capture.Stdout, "connected <ok> & ready"),
			testLine(2, 3, "client", capture.Stderr, "warning: slow"),
		},
	})
	res.AddCase(harness.CaseResult{
		Index: 1,
		Verdict: verdict.Verdict{
			Case:     "broken",
			Outcome:  verdict.Fail,
			Duration: 800 * time.Millisecond,
			Diagnostics: []verdict.Diagnostic{{
				Kind:    verdict.KindUnmatched,
				Rule:    "hello",
				Process: "client",
				Message: `rule "hello": expected 1 line(s) matching "hello", found 0`,
				Context: []capture.Line{testLine(5, 4, "client", capture.Stdout, "bye")},
			}},
		},
		Lines: []capture.Line{testLine(5, 4, "client", capture.Stdout, "bye")},
	})
	res.AddCase(harness.CaseResult{
		Index:   2,
		Verdict: verdict.SkippedCase("ipv6", "no ipv6 on CI"),
	})
	return res
}
