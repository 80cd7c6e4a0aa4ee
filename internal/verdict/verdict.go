// Package verdict decides the outcome of a test case from its captured
// output and the terminal state of its processes.
//
// Evaluation happens once every process of the case has reached a terminal
// state. The per-process logs are merged by capture timestamp beforehand, so
// the engine sees a single time-ordered log. Rules are independent of each
// other unless grouped in an OrderRule.
package verdict

import (
	"fmt"
	"time"

	"github.com/roach88/tracebed/internal/capture"
)

// Outcome is the classification of a case.
type Outcome string

const (
	Pass    Outcome = "pass"
	Fail    Outcome = "fail"
	Error   Outcome = "error"
	Timeout Outcome = "timeout"
	Skipped Outcome = "skipped"
)

// Failed reports whether the outcome fails the suite.
func (o Outcome) Failed() bool {
	return o == Fail || o == Error || o == Timeout
}

// Termination is how a process ended.
type Termination string

const (
	// Exited processes ended on their own with an exit code.
	Exited Termination = "exited"

	// Killed processes were stopped by the harness: signal lifetime,
	// fault injection or cancellation.
	Killed Termination = "killed"

	// TimedOut processes were killed because they outlived their timeout.
	TimedOut Termination = "timed_out"

	// NotStarted processes failed to launch or were never reached.
	NotStarted Termination = "not_started"
)

// IsKilled reports whether the process was killed, including by timeout.
func (t Termination) IsKilled() bool {
	return t == Killed || t == TimedOut
}

// ExitStatus summarizes the terminal state of one process.
type ExitStatus struct {
	Process     string      `json:"process"`
	Role        string      `json:"role"`
	Termination Termination `json:"termination"`
	Code        int         `json:"code"`

	// Reason explains a kill or a launch failure.
	Reason string `json:"reason,omitempty"`

	Started time.Time `json:"started,omitzero"`
	Ended   time.Time `json:"ended,omitzero"`
}

// String renders the status for humans, e.g. "exited 0" or "killed (fault)".
func (s ExitStatus) String() string {
	switch s.Termination {
	case Exited:
		return fmt.Sprintf("exited %d", s.Code)
	case Killed, TimedOut, NotStarted:
		if s.Reason != "" {
			return fmt.Sprintf("%s (%s)", s.Termination, s.Reason)
		}
	}
	return string(s.Termination)
}

// DiagnosticKind classifies a diagnostic.
type DiagnosticKind string

const (
	KindUnmatched       DiagnosticKind = "unmatched_rule"
	KindUnexpectedMatch DiagnosticKind = "unexpected_match"
	KindOrder           DiagnosticKind = "order_violation"
	KindExit            DiagnosticKind = "exit_mismatch"
	KindLaunch          DiagnosticKind = "launch_error"
	KindNotReady        DiagnosticKind = "not_ready"
	KindFault           DiagnosticKind = "fault"
	KindTimeout         DiagnosticKind = "timeout"
	KindAborted         DiagnosticKind = "aborted"
)

// Diagnostic describes one unmet expectation.
type Diagnostic struct {
	Kind    DiagnosticKind `json:"kind"`
	Rule    string         `json:"rule,omitempty"`
	Process string         `json:"process,omitempty"`
	Message string         `json:"message"`

	// Context is the captured output around the divergence.
	Context []capture.Line `json:"context,omitempty"`
}

// Verdict is the result of one case.
type Verdict struct {
	Case        string        `json:"case"`
	Outcome     Outcome       `json:"outcome"`
	Diagnostics []Diagnostic  `json:"diagnostics,omitempty"`
	Processes   []ExitStatus  `json:"processes,omitempty"`
	Duration    time.Duration `json:"duration"`
	SkipReason  string        `json:"skip_reason,omitempty"`
}

// ContextLines is the number of captured lines attached to a diagnostic.
const ContextLines = 10

// Evaluate computes the verdict of a case.
//
// lines must be the timestamp-merged log of every process of the case.
// A launch failure yields Error and a timed out process yields Timeout
// without evaluating rules; otherwise the case passes iff every rule is
// satisfied, every process ended in its accepted exit set and no extra
// diagnostic (an observation made while running the case) was given.
func Evaluate(caseName string, set ExpectationSet, lines []capture.Line, exits []ExitStatus, extra ...Diagnostic) Verdict {
	v := Verdict{
		Case:      caseName,
		Outcome:   Pass,
		Processes: append([]ExitStatus(nil), exits...),
	}

	for _, st := range exits {
		if st.Termination == NotStarted && st.Reason != "" {
			v.Outcome = Error
			v.Diagnostics = append(v.Diagnostics, Diagnostic{
				Kind:    KindLaunch,
				Process: st.Process,
				Message: fmt.Sprintf("%s failed to launch: %s", st.Process, st.Reason),
			})
		}
	}
	if v.Outcome == Error {
		return v
	}

	for _, st := range exits {
		if st.Termination == TimedOut {
			v.Outcome = Timeout
			msg := fmt.Sprintf("%s timed out", st.Process)
			if st.Reason != "" {
				msg = fmt.Sprintf("%s timed out: %s", st.Process, st.Reason)
			}
			v.Diagnostics = append(v.Diagnostics, Diagnostic{
				Kind:    KindTimeout,
				Process: st.Process,
				Message: msg,
				Context: tail(processLines(lines, st.Process), ContextLines),
			})
		}
	}
	if v.Outcome == Timeout {
		return v
	}

	v.Diagnostics = append(v.Diagnostics, extra...)

	prefix := set.prefix()
	for i := range set.Rules {
		if d, ok := checkRule(&set.Rules[i], lines, prefix); !ok {
			v.Diagnostics = append(v.Diagnostics, d)
		}
	}
	for i := range set.Ordered {
		if d, ok := checkOrder(&set.Ordered[i], lines, prefix); !ok {
			v.Diagnostics = append(v.Diagnostics, d)
		}
	}
	for _, st := range exits {
		if st.Termination == NotStarted {
			// Never reached; whatever stopped the case is diagnosed already.
			continue
		}
		accepted := set.ExitFor(st.Process, st.Role)
		if !accepted.Accepts(st) {
			v.Diagnostics = append(v.Diagnostics, Diagnostic{
				Kind:    KindExit,
				Process: st.Process,
				Message: fmt.Sprintf("%s %s, expected %s", st.Process, st, accepted),
				Context: tail(processLines(lines, st.Process), ContextLines),
			})
		}
	}

	if len(v.Diagnostics) > 0 {
		v.Outcome = Fail
	}
	return v
}

// Interrupted builds the verdict of a case cut short by its context.
// outcome is Timeout for deadlines and Error for cancellation.
func Interrupted(caseName string, outcome Outcome, reason string, lines []capture.Line, exits []ExitStatus) Verdict {
	return Verdict{
		Case:    caseName,
		Outcome: outcome,
		Diagnostics: []Diagnostic{{
			Kind:    KindAborted,
			Message: reason,
			Context: tail(lines, ContextLines),
		}},
		Processes: append([]ExitStatus(nil), exits...),
	}
}

// Errored builds the verdict of a case that could not be run.
func Errored(caseName string, err error, exits []ExitStatus) Verdict {
	return Verdict{
		Case:        caseName,
		Outcome:     Error,
		Diagnostics: []Diagnostic{{Kind: KindLaunch, Message: err.Error()}},
		Processes:   append([]ExitStatus(nil), exits...),
	}
}

// SkippedCase builds the verdict of a case marked skip.
func SkippedCase(caseName, reason string) Verdict {
	return Verdict{Case: caseName, Outcome: Skipped, SkipReason: reason}
}

func checkRule(r *Rule, lines []capture.Line, prefix string) (Diagnostic, bool) {
	var matched []capture.Line
	for _, line := range lines {
		if r.Matches(line, prefix) {
			matched = append(matched, line)
		}
	}

	if r.Absent {
		if len(matched) == 0 {
			return Diagnostic{}, true
		}
		return Diagnostic{
			Kind:    KindUnexpectedMatch,
			Rule:    r.Name,
			Process: matched[0].Process,
			Message: fmt.Sprintf("rule %q: expected no line matching %s, found %d", r.Name, r.describe(), len(matched)),
			Context: head(matched, ContextLines),
		}, false
	}

	if need := r.required(); len(matched) < need {
		scope := lines
		if r.Process != "" {
			scope = capture.Filter(lines, func(l capture.Line) bool {
				return l.Process == r.Process || l.Role == r.Process
			})
		}
		return Diagnostic{
			Kind:    KindUnmatched,
			Rule:    r.Name,
			Process: r.Process,
			Message: fmt.Sprintf("rule %q: expected %d line(s) matching %s, found %d", r.Name, need, r.describe(), len(matched)),
			Context: tail(scope, ContextLines),
		}, false
	}
	return Diagnostic{}, true
}

// checkOrder matches steps as a greedy earliest subsequence of lines.
func checkOrder(o *OrderRule, lines []capture.Line, prefix string) (Diagnostic, bool) {
	pos := 0
	for i := range o.Steps {
		step := &o.Steps[i]
		found := -1
		for j := pos; j < len(lines); j++ {
			if step.Matches(lines[j], prefix) {
				found = j
				break
			}
		}
		if found < 0 {
			after := "the start of the log"
			if i > 0 {
				after = fmt.Sprintf("step %d (%s)", i, o.Steps[i-1].Name)
			}
			return Diagnostic{
				Kind:    KindOrder,
				Rule:    o.Name,
				Process: step.Process,
				Message: fmt.Sprintf("ordered rule %q: step %d (%s) matching %s not found after %s",
					o.Name, i+1, step.Name, step.describe(), after),
				Context: head(lines[pos:], ContextLines),
			}, false
		}
		pos = found + 1
	}
	return Diagnostic{}, true
}

func processLines(lines []capture.Line, process string) []capture.Line {
	return capture.Filter(lines, func(l capture.Line) bool { return l.Process == process })
}

func tail(lines []capture.Line, n int) []capture.Line {
	if len(lines) <= n {
		return append([]capture.Line(nil), lines...)
	}
	return append([]capture.Line(nil), lines[len(lines)-n:]...)
}

func head(lines []capture.Line, n int) []capture.Line {
	if len(lines) <= n {
		return append([]capture.Line(nil), lines...)
	}
	return append([]capture.Line(nil), lines[:n]...)
}
