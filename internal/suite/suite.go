// Package suite parses test-suite descriptions into typed test cases.
//
// A suite is an ordered list of named cases. Each case is a tagged variant:
// its Kind selects the topology shape and exactly one matching parameter
// block, and it carries the raw trace mapping that Validate turns into a
// trace.Config. Descriptions may be written in YAML, JSON or CUE; all three
// are checked against the same schema and decoded strictly, so a misspelled
// field is an error rather than a silently ignored key.
package suite

import (
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/tracebed/internal/trace"
)

// Kind selects the topology shape of a case.
type Kind string

const (
	// KindClientServer is one server ranked before one or more clients.
	KindClientServer Kind = "client_server"

	// KindMultiClient is one server plus groups of concurrently launched clients.
	KindMultiClient Kind = "multi_client"

	// KindFailureInjection is a client-server topology with scheduled faults.
	KindFailureInjection Kind = "failure_injection"
)

// Kinds lists every supported kind in declaration order.
var Kinds = []Kind{KindClientServer, KindMultiClient, KindFailureInjection}

// Lifetime is how a process is expected to end.
type Lifetime string

const (
	// LifetimeCompletion processes exit on their own.
	LifetimeCompletion Lifetime = "completion"

	// LifetimeSignal processes run until the harness stops them.
	LifetimeSignal Lifetime = "signal"
)

// TraceCheck selects the trace correlation rules derived from a case's trace levels.
type TraceCheck string

const (
	// TraceCheckOff derives no rules.
	TraceCheckOff TraceCheck = "off"

	// TraceCheckPresent requires output from every component with a level above zero.
	TraceCheckPresent TraceCheck = "present"

	// TraceCheckStrict additionally requires components at level zero to stay silent.
	TraceCheckStrict TraceCheck = "strict"
)

// FaultAction is what a fault does to its target.
type FaultAction string

const (
	// FaultKill sends SIGKILL to the target's process group.
	FaultKill FaultAction = "kill"

	// FaultTerminate sends SIGTERM, escalating to SIGKILL after the grace period.
	FaultTerminate FaultAction = "terminate"
)

// Suite is a parsed suite description.
type Suite struct {
	// Name identifies the suite in reports, e.g. "DataStorm/events".
	Name string `yaml:"name" json:"name"`

	// Description is free text shown by plan and validate.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Cases run in declared order unless parallel execution is enabled.
	Cases []Case `yaml:"cases" json:"cases"`

	// Path is the file the suite was loaded from, if any.
	Path string `yaml:"-" json:"-"`
}

// Case is one test case instantiation.
type Case struct {
	// Name uniquely identifies the case within its suite.
	Name string `yaml:"name" json:"name"`

	// Description is free text shown in reports.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Kind selects the topology builder.
	Kind Kind `yaml:"kind" json:"kind"`

	// Trace maps component names to levels. Validated into TraceConfig().
	Trace map[string]any `yaml:"trace,omitempty" json:"trace,omitempty"`

	// CheckTrace derives expectation rules from Trace. Default off.
	CheckTrace TraceCheck `yaml:"check_trace,omitempty" json:"check_trace,omitempty"`

	// Timeout bounds the whole case. Zero uses the harness default.
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// Independent cases share no external resources and may run in parallel.
	Independent bool `yaml:"independent,omitempty" json:"independent,omitempty"`

	// Skip, when non-empty, is the reason the case is not run.
	Skip string `yaml:"skip,omitempty" json:"skip,omitempty"`

	// Exactly one parameter block, matching Kind, may be set.
	ClientServer     *ClientServer     `yaml:"client_server,omitempty" json:"client_server,omitempty"`
	MultiClient      *MultiClient      `yaml:"multi_client,omitempty" json:"multi_client,omitempty"`
	FailureInjection *FailureInjection `yaml:"failure_injection,omitempty" json:"failure_injection,omitempty"`

	// Expect declares output and exit expectations.
	Expect Expect `yaml:"expect,omitempty" json:"expect,omitempty"`

	traceConfig trace.Config
}

// TraceConfig returns the validated trace configuration.
// It is only populated once the owning suite passed Validate.
func (c *Case) TraceConfig() trace.Config {
	return c.traceConfig
}

// Skipped reports whether the case is marked to be skipped.
func (c *Case) Skipped() bool {
	return c.Skip != ""
}

// ClientServer parameterizes a client_server case.
type ClientServer struct {
	// Clients is the number of client processes. Default 1.
	Clients int `yaml:"clients,omitempty" json:"clients,omitempty"`

	// ServerLifetime is how the server ends. Default completion.
	ServerLifetime Lifetime `yaml:"server_lifetime,omitempty" json:"server_lifetime,omitempty"`
}

// ClientGroup is a set of identical clients sharing one role.
type ClientGroup struct {
	// Role selects the executable and argument template, e.g. "publisher".
	Role string `yaml:"role" json:"role"`

	// Count is the number of processes in the group. Default 1.
	Count int `yaml:"count,omitempty" json:"count,omitempty"`
}

// MultiClient parameterizes a multi_client case.
type MultiClient struct {
	// Groups lists the client groups. At least two clients in total.
	Groups []ClientGroup `yaml:"groups" json:"groups"`

	// Stagger delays each client launch after the first.
	Stagger time.Duration `yaml:"stagger,omitempty" json:"stagger,omitempty"`

	// ServerLifetime is how the server ends. Default completion.
	ServerLifetime Lifetime `yaml:"server_lifetime,omitempty" json:"server_lifetime,omitempty"`
}

// Fault is a scheduled disruption of one process.
type Fault struct {
	// Target is a process name, e.g. "server" or "client-2".
	Target string `yaml:"target" json:"target"`

	// Action is kill or terminate.
	Action FaultAction `yaml:"action" json:"action"`

	// After fires the fault a fixed delay after the target launched.
	After time.Duration `yaml:"after,omitempty" json:"after,omitempty"`

	// OnOutput fires the fault when the target prints a line containing it.
	OnOutput string `yaml:"on_output,omitempty" json:"on_output,omitempty"`
}

// FailureInjection parameterizes a failure_injection case.
type FailureInjection struct {
	// Clients is the number of client processes. Default 1.
	Clients int `yaml:"clients,omitempty" json:"clients,omitempty"`

	// ServerLifetime is how the server ends. Default completion.
	ServerLifetime Lifetime `yaml:"server_lifetime,omitempty" json:"server_lifetime,omitempty"`

	// Faults are applied independently of each other.
	Faults []Fault `yaml:"faults" json:"faults"`
}

// Expect declares what a case's output and exit statuses must satisfy.
type Expect struct {
	// Lines are independent rules over the merged output.
	Lines []LineRule `yaml:"lines,omitempty" json:"lines,omitempty"`

	// Ordered rules require their steps to match in declared order.
	Ordered []OrderedRule `yaml:"ordered,omitempty" json:"ordered,omitempty"`

	// Exit maps a role or process name to its accepted exit statuses.
	// Roles not listed must exit 0.
	Exit map[string]ExitSpec `yaml:"exit,omitempty" json:"exit,omitempty"`
}

// LineRule matches captured output lines.
type LineRule struct {
	// Name labels the rule in diagnostics. Defaults to the pattern.
	Name string `yaml:"name,omitempty" json:"name,omitempty"`

	// Process restricts matching to a role or process name.
	Process string `yaml:"process,omitempty" json:"process,omitempty"`

	// Stream is stdout, stderr or any (default).
	Stream string `yaml:"stream,omitempty" json:"stream,omitempty"`

	// Component restricts matching to trace lines of that component.
	Component string `yaml:"component,omitempty" json:"component,omitempty"`

	// Pattern is a substring the line must contain.
	Pattern string `yaml:"pattern,omitempty" json:"pattern,omitempty"`

	// Regex is a regular expression the line must match.
	Regex string `yaml:"regex,omitempty" json:"regex,omitempty"`

	// MinCount is the number of matching lines required. Default 1.
	MinCount int `yaml:"min_count,omitempty" json:"min_count,omitempty"`

	// Absent inverts the rule: no line may match.
	Absent bool `yaml:"absent,omitempty" json:"absent,omitempty"`
}

// OrderedRule is a sequence of line rules that must match in order.
type OrderedRule struct {
	Name  string     `yaml:"name" json:"name"`
	Steps []LineRule `yaml:"steps" json:"steps"`
}

// ExitSpec lists accepted exit statuses: codes ("0"), inclusive ranges
// ("1-3") or "killed". Scalars and integers are accepted in YAML.
type ExitSpec []string

// UnmarshalYAML accepts a single scalar or a sequence of scalars.
func (e *ExitSpec) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*e = ExitSpec{node.Value}
		return nil
	case yaml.SequenceNode:
		out := make(ExitSpec, 0, len(node.Content))
		for _, item := range node.Content {
			if item.Kind != yaml.ScalarNode {
				return &yaml.TypeError{Errors: []string{"exit statuses must be scalars"}}
			}
			out = append(out, item.Value)
		}
		*e = out
		return nil
	default:
		return &yaml.TypeError{Errors: []string{"exit statuses must be a scalar or a list"}}
	}
}

// Find returns the case with the given name.
func (s *Suite) Find(name string) (*Case, bool) {
	for i := range s.Cases {
		if s.Cases[i].Name == name {
			return &s.Cases[i], true
		}
	}
	return nil, false
}
