// Package report renders suite results for humans and machines.
//
// The JSON form is the stable interface: it is described by an embedded
// JSON Schema and is what `tracebed run --format json` wraps in the CLI
// response envelope. The text form is a table of cases followed by the
// diagnostics of every failing case.
package report

import (
	"encoding/json"
	"time"

	"github.com/roach88/tracebed/internal/harness"
	"github.com/roach88/tracebed/internal/verdict"
)

// Report is the serializable outcome of a suite run.
type Report struct {
	Suite string `json:"suite"`

	// RunID identifies the run in the history store. Empty when the run
	// was not recorded.
	RunID string `json:"run_id,omitempty"`

	Pass       bool           `json:"pass"`
	Started    time.Time      `json:"started"`
	DurationMS int64          `json:"duration_ms"`
	Summary    harness.Counts `json:"summary"`
	Cases      []Case         `json:"cases"`

	// Errors are suite-level problems, e.g. the suite timeout.
	Errors []string `json:"errors,omitempty"`
}

// Case is the reported outcome of one case.
type Case struct {
	Name        string               `json:"name"`
	Outcome     verdict.Outcome      `json:"outcome"`
	DurationMS  int64                `json:"duration_ms"`
	SkipReason  string               `json:"skip_reason,omitempty"`
	Diagnostics []verdict.Diagnostic `json:"diagnostics,omitempty"`
	Processes   []verdict.ExitStatus `json:"processes,omitempty"`
}

// New builds the report of res. runID may be empty.
func New(res *harness.SuiteResult, runID string) *Report {
	r := &Report{
		Suite:      res.Suite,
		RunID:      runID,
		Pass:       res.Pass,
		Started:    res.Started,
		DurationMS: res.Duration.Milliseconds(),
		Summary:    res.Counts(),
		Cases:      make([]Case, 0, len(res.Cases)),
		Errors:     res.Errors,
	}
	for _, c := range res.Cases {
		r.Cases = append(r.Cases, FromVerdict(c.Verdict))
	}
	return r
}

// FromVerdict converts a verdict into its reported form.
func FromVerdict(v verdict.Verdict) Case {
	return Case{
		Name:        v.Case,
		Outcome:     v.Outcome,
		DurationMS:  v.Duration.Milliseconds(),
		SkipReason:  v.SkipReason,
		Diagnostics: v.Diagnostics,
		Processes:   v.Processes,
	}
}

// Failing returns the cases that failed the suite.
func (r *Report) Failing() []Case {
	var out []Case
	for _, c := range r.Cases {
		if c.Outcome.Failed() {
			out = append(out, c)
		}
	}
	return out
}

// JSON encodes the report with two-space indentation and a trailing newline.
func (r *Report) JSON() ([]byte, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
