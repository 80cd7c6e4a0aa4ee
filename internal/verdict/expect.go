package verdict

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/roach88/tracebed/internal/capture"
)

// DefaultTracePrefix starts every trace line the system under test emits.
const DefaultTracePrefix = "-- "

// Rule matches captured output lines.
type Rule struct {
	// Name identifies the rule in diagnostics.
	Name string `json:"name"`

	// Process is a role or process name. Empty matches every process.
	Process string `json:"process,omitempty"`

	// Stream restricts matching to stdout or stderr.
	Stream capture.Stream `json:"stream,omitempty"`

	// Component and Category restrict matching to trace lines of one component.
	Component string `json:"component,omitempty"`
	Category  string `json:"category,omitempty"`

	// Pattern is a required substring. Ignored when Regex is set.
	Pattern string `json:"pattern,omitempty"`

	// Regex is a required match.
	Regex *regexp.Regexp `json:"-"`

	// MinCount is the number of matching lines needed. Zero means one.
	MinCount int `json:"min_count,omitempty"`

	// Absent rules pass only when no line matches.
	Absent bool `json:"absent,omitempty"`
}

type plainRule Rule

type ruleJSON struct {
	plainRule
	Regex string `json:"regex,omitempty"`
}

// MarshalJSON writes Regex as its source text.
func (r Rule) MarshalJSON() ([]byte, error) {
	out := ruleJSON{plainRule: plainRule(r)}
	if r.Regex != nil {
		out.Regex = r.Regex.String()
	}
	return json.Marshal(out)
}

// UnmarshalJSON compiles the regex field back into Regex.
func (r *Rule) UnmarshalJSON(data []byte) error {
	var in ruleJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*r = Rule(in.plainRule)
	if in.Regex != "" {
		re, err := regexp.Compile(in.Regex)
		if err != nil {
			return fmt.Errorf("rule %q: %w", r.Name, err)
		}
		r.Regex = re
	}
	return nil
}

// Matches reports whether line satisfies the rule's filters and pattern.
func (r *Rule) Matches(line capture.Line, tracePrefix string) bool {
	if r.Process != "" && r.Process != line.Process && r.Process != line.Role {
		return false
	}
	if !r.Stream.Matches(line.Stream) {
		return false
	}
	if r.Category != "" && !IsTraceLine(line.Text, tracePrefix, r.Category) {
		return false
	}
	switch {
	case r.Regex != nil:
		return r.Regex.MatchString(line.Text)
	case r.Pattern != "":
		return strings.Contains(line.Text, r.Pattern)
	}
	return true
}

func (r *Rule) required() int {
	if r.MinCount <= 0 {
		return 1
	}
	return r.MinCount
}

// describe renders the rule's matcher for diagnostics.
func (r *Rule) describe() string {
	var parts []string
	if r.Regex != nil {
		parts = append(parts, fmt.Sprintf("regex %q", r.Regex.String()))
	} else if r.Pattern != "" {
		parts = append(parts, fmt.Sprintf("%q", r.Pattern))
	}
	if r.Component != "" {
		parts = append(parts, fmt.Sprintf("trace of %s", r.Component))
	}
	if r.Process != "" {
		parts = append(parts, "from "+r.Process)
	}
	if r.Stream != "" && r.Stream != capture.AnyStream {
		parts = append(parts, "on "+string(r.Stream))
	}
	if len(parts) == 0 {
		return "any line"
	}
	return strings.Join(parts, " ")
}

// IsTraceLine reports whether text is a trace line of category.
// Trace lines look like "<prefix><timestamp> <Category>: <message>", e.g.
// "-- 10/18/26 09:12:44.120 Network: established tcp connection".
// The category is the first token after the prefix ending in a colon, so a
// category word inside the message does not count.
func IsTraceLine(text, prefix, category string) bool {
	if !strings.HasPrefix(text, prefix) {
		return false
	}
	for _, tok := range strings.Fields(text[len(prefix):]) {
		if strings.HasSuffix(tok, ":") {
			return tok == category+":"
		}
	}
	return false
}

// OrderRule requires its steps to match in declared order.
// Each step consumes one line; MinCount and Absent are not used on steps.
type OrderRule struct {
	Name  string `json:"name"`
	Steps []Rule `json:"steps"`
}

// ExitRange is an inclusive range of accepted exit codes.
type ExitRange struct {
	Lo int `json:"lo"`
	Hi int `json:"hi"`
}

// ExitSet is the set of accepted terminal states of a process.
type ExitSet struct {
	Ranges []ExitRange `json:"ranges,omitempty"`
	Killed bool        `json:"killed,omitempty"`
}

// SuccessOnly accepts exit code 0 only.
var SuccessOnly = ExitSet{Ranges: []ExitRange{{0, 0}}}

// ParseExitSet parses accepted statuses: codes ("0"), inclusive ranges
// ("1-3") and the word "killed".
func ParseExitSet(values []string) (ExitSet, error) {
	var set ExitSet
	if len(values) == 0 {
		return set, fmt.Errorf("no exit status given")
	}
	for _, raw := range values {
		v := strings.TrimSpace(raw)
		if strings.EqualFold(v, "killed") {
			set.Killed = true
			continue
		}

		lo, hi, isRange := strings.Cut(v, "-")
		if !isRange {
			hi = lo
		}
		l, err := strconv.Atoi(strings.TrimSpace(lo))
		if err != nil {
			return ExitSet{}, fmt.Errorf("invalid exit status %q", raw)
		}
		h, err := strconv.Atoi(strings.TrimSpace(hi))
		if err != nil {
			return ExitSet{}, fmt.Errorf("invalid exit status %q", raw)
		}
		if l < 0 || h > 255 || l > h {
			return ExitSet{}, fmt.Errorf("exit status %q is outside 0-255 or reversed", raw)
		}
		set.Ranges = append(set.Ranges, ExitRange{Lo: l, Hi: h})
	}
	sort.Slice(set.Ranges, func(i, j int) bool { return set.Ranges[i].Lo < set.Ranges[j].Lo })
	return set, nil
}

// MustParseExitSet is ParseExitSet for literals. It panics on error.
func MustParseExitSet(values ...string) ExitSet {
	set, err := ParseExitSet(values)
	if err != nil {
		panic(err)
	}
	return set
}

// WithKilled returns a copy of the set that also accepts killed processes.
func (s ExitSet) WithKilled() ExitSet {
	out := ExitSet{Ranges: append([]ExitRange(nil), s.Ranges...), Killed: true}
	return out
}

// Accepts reports whether a terminal status is in the set.
// Timed out processes are never accepted: a timeout is not an expected end.
func (s ExitSet) Accepts(st ExitStatus) bool {
	switch st.Termination {
	case Exited:
		for _, r := range s.Ranges {
			if st.Code >= r.Lo && st.Code <= r.Hi {
				return true
			}
		}
		return false
	case Killed:
		return s.Killed
	}
	return false
}

// String renders the set the way it is written in suites.
func (s ExitSet) String() string {
	var parts []string
	for _, r := range s.Ranges {
		if r.Lo == r.Hi {
			parts = append(parts, strconv.Itoa(r.Lo))
		} else {
			parts = append(parts, fmt.Sprintf("%d-%d", r.Lo, r.Hi))
		}
	}
	if s.Killed {
		parts = append(parts, "killed")
	}
	if len(parts) == 0 {
		return "nothing"
	}
	return strings.Join(parts, ", ")
}

// ExpectationSet is everything a case's captured output and exit statuses
// must satisfy. It is read-only during evaluation.
type ExpectationSet struct {
	Rules   []Rule      `json:"rules,omitempty"`
	Ordered []OrderRule `json:"ordered,omitempty"`

	// Exit maps a process name or role to its accepted statuses.
	// A process name entry takes precedence over its role's entry.
	Exit map[string]ExitSet `json:"exit,omitempty"`

	// TracePrefix starts trace lines. Empty means DefaultTracePrefix.
	TracePrefix string `json:"trace_prefix,omitempty"`
}

// ExitFor returns the accepted statuses of a process: the process name
// entry, else the role entry, else exit 0 only.
func (s *ExpectationSet) ExitFor(process, role string) ExitSet {
	if set, ok := s.Exit[process]; ok {
		return set
	}
	if set, ok := s.Exit[role]; ok {
		return set
	}
	return SuccessOnly
}

func (s *ExpectationSet) prefix() string {
	if s.TracePrefix == "" {
		return DefaultTracePrefix
	}
	return s.TracePrefix
}
