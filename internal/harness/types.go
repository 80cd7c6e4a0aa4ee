package harness

import (
	"time"

	"github.com/roach88/tracebed/internal/capture"
	"github.com/roach88/tracebed/internal/topology"
	"github.com/roach88/tracebed/internal/verdict"
)

// CaseResult is the outcome of one case execution.
type CaseResult struct {
	// Index is the case position in the suite.
	Index int `json:"index"`

	Verdict verdict.Verdict `json:"verdict"`

	// Plan is the launch plan the case ran. Nil for skipped cases and
	// cases whose plan could not be built.
	Plan *topology.Plan `json:"-"`

	// Lines is the timestamp-merged output of every process of the case.
	// Kept for the run store and for `tracebed logs`.
	Lines []capture.Line `json:"-"`

	// Interrupted is set when the suite context ended the case or kept it
	// from starting.
	Interrupted bool `json:"-"`
}

// SuiteResult is the outcome of a suite execution.
type SuiteResult struct {
	Suite string `json:"suite"`

	// SuiteDigest is the content identity of the suite that ran.
	SuiteDigest string `json:"suite_digest,omitempty"`

	// Pass indicates overall suite success.
	// True if no case ended fail, error or timeout. Skipped cases do not
	// fail the suite.
	Pass bool `json:"pass"`

	// Cases holds one result per case in declared order.
	Cases []CaseResult `json:"cases"`

	// Errors contains suite-level problems such as the suite timeout.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
}

// NewSuiteResult creates a passing result with no cases.
func NewSuiteResult(name string) *SuiteResult {
	return &SuiteResult{
		Suite:  name,
		Pass:   true,
		Cases:  []CaseResult{},
		Errors: []string{},
	}
}

// AddError adds a suite-level error and marks the result as failed.
func (r *SuiteResult) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddCase appends a case result, failing the suite if the case failed.
func (r *SuiteResult) AddCase(c CaseResult) {
	r.Cases = append(r.Cases, c)
	if c.Verdict.Outcome.Failed() {
		r.Pass = false
	}
}

// Verdicts returns the case verdicts in declared order.
func (r *SuiteResult) Verdicts() []verdict.Verdict {
	out := make([]verdict.Verdict, len(r.Cases))
	for i, c := range r.Cases {
		out[i] = c.Verdict
	}
	return out
}

// Failing returns the verdicts that failed the suite.
func (r *SuiteResult) Failing() []verdict.Verdict {
	var out []verdict.Verdict
	for _, c := range r.Cases {
		if c.Verdict.Outcome.Failed() {
			out = append(out, c.Verdict)
		}
	}
	return out
}

// Counts tallies case outcomes.
type Counts struct {
	Passed   int `json:"passed"`
	Failed   int `json:"failed"`
	Errored  int `json:"errored"`
	TimedOut int `json:"timed_out"`
	Skipped  int `json:"skipped"`
	Total    int `json:"total"`
}

// Counts tallies the outcomes of every case.
func (r *SuiteResult) Counts() Counts {
	var c Counts
	for _, cr := range r.Cases {
		c.Total++
		switch cr.Verdict.Outcome {
		case verdict.Pass:
			c.Passed++
		case verdict.Fail:
			c.Failed++
		case verdict.Error:
			c.Errored++
		case verdict.Timeout:
			c.TimedOut++
		case verdict.Skipped:
			c.Skipped++
		}
	}
	return c
}
