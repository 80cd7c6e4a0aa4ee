package suite

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/roach88/tracebed/internal/capture"
	"github.com/roach88/tracebed/internal/trace"
	"github.com/roach88/tracebed/internal/verdict"
)

// Validate checks a decoded suite against reg (the default registry when
// nil), applies parameter defaults and resolves every case's trace
// configuration. It returns the first problem as a *ConfigError.
//
// Validate is idempotent: running it on an already validated suite yields
// the same suite.
func Validate(s *Suite, reg *trace.Registry) error {
	if reg == nil {
		reg = trace.DefaultRegistry()
	}

	if strings.TrimSpace(s.Name) == "" {
		return invalid("", "name", "suite name is required")
	}
	if len(s.Cases) == 0 {
		return invalid("", "cases", "suite has no cases")
	}

	seen := make(map[string]bool, len(s.Cases))
	for i := range s.Cases {
		c := &s.Cases[i]
		if strings.TrimSpace(c.Name) == "" {
			return invalid("", fmt.Sprintf("cases[%d].name", i), "case name is required")
		}
		if seen[c.Name] {
			return invalid(c.Name, "name", "duplicate case name")
		}
		seen[c.Name] = true

		if err := validateCase(c, reg); err != nil {
			return err
		}
	}
	return nil
}

func validateCase(c *Case, reg *trace.Registry) error {
	cfg, err := trace.Validate(c.Trace, reg)
	if err != nil {
		return fromTrace(c.Name, err)
	}
	c.traceConfig = cfg

	if c.CheckTrace == "" {
		c.CheckTrace = TraceCheckOff
	}
	switch c.CheckTrace {
	case TraceCheckOff, TraceCheckPresent, TraceCheckStrict:
	default:
		return invalid(c.Name, "check_trace", "must be off, present or strict, got %q", c.CheckTrace)
	}
	if c.Timeout < 0 {
		return invalid(c.Name, "timeout", "must not be negative")
	}

	if err := validateParams(c); err != nil {
		return err
	}
	return validateExpect(c, reg)
}

// validateParams enforces the one-block-per-kind rule and fills defaults.
func validateParams(c *Case) error {
	blocks := map[Kind]bool{
		KindClientServer:     c.ClientServer != nil,
		KindMultiClient:      c.MultiClient != nil,
		KindFailureInjection: c.FailureInjection != nil,
	}
	if _, known := blocks[c.Kind]; !known {
		return Unsupported(c.Name, c.Kind)
	}
	for _, kind := range Kinds {
		if blocks[kind] && kind != c.Kind {
			return invalid(c.Name, string(kind), "parameter block does not match kind %q", c.Kind)
		}
	}

	switch c.Kind {
	case KindClientServer:
		if c.ClientServer == nil {
			c.ClientServer = &ClientServer{}
		}
		p := c.ClientServer
		if p.Clients == 0 {
			p.Clients = 1
		}
		if p.Clients < 1 {
			return invalid(c.Name, "client_server.clients", "must be at least 1")
		}
		lt, err := lifetime(c.Name, "client_server.server_lifetime", p.ServerLifetime)
		if err != nil {
			return err
		}
		p.ServerLifetime = lt

	case KindMultiClient:
		p := c.MultiClient
		if p == nil || len(p.Groups) == 0 {
			return invalid(c.Name, "multi_client.groups", "at least one client group is required")
		}
		total := 0
		roles := make(map[string]bool, len(p.Groups))
		for i := range p.Groups {
			g := &p.Groups[i]
			field := fmt.Sprintf("multi_client.groups[%d]", i)
			if g.Role == "" {
				return invalid(c.Name, field+".role", "role is required")
			}
			if g.Role == "server" {
				return invalid(c.Name, field+".role", "role %q is reserved", g.Role)
			}
			if roles[g.Role] {
				return invalid(c.Name, field+".role", "duplicate role %q", g.Role)
			}
			roles[g.Role] = true
			if g.Count == 0 {
				g.Count = 1
			}
			if g.Count < 1 {
				return invalid(c.Name, field+".count", "must be at least 1")
			}
			total += g.Count
		}
		if total < 2 {
			return invalid(c.Name, "multi_client.groups", "at least 2 clients are required, got %d", total)
		}
		if p.Stagger < 0 {
			return invalid(c.Name, "multi_client.stagger", "must not be negative")
		}
		lt, err := lifetime(c.Name, "multi_client.server_lifetime", p.ServerLifetime)
		if err != nil {
			return err
		}
		p.ServerLifetime = lt

	case KindFailureInjection:
		p := c.FailureInjection
		if p == nil || len(p.Faults) == 0 {
			return invalid(c.Name, "failure_injection.faults", "at least one fault is required")
		}
		if p.Clients == 0 {
			p.Clients = 1
		}
		if p.Clients < 1 {
			return invalid(c.Name, "failure_injection.clients", "must be at least 1")
		}
		lt, err := lifetime(c.Name, "failure_injection.server_lifetime", p.ServerLifetime)
		if err != nil {
			return err
		}
		p.ServerLifetime = lt
		for i, f := range p.Faults {
			field := fmt.Sprintf("failure_injection.faults[%d]", i)
			if f.Target == "" {
				return invalid(c.Name, field+".target", "target is required")
			}
			if f.Action != FaultKill && f.Action != FaultTerminate {
				return invalid(c.Name, field+".action", "must be kill or terminate, got %q", f.Action)
			}
			if (f.After > 0) == (f.OnOutput != "") {
				return invalid(c.Name, field, "exactly one of after or on_output is required")
			}
		}
	}
	return nil
}

func lifetime(caseName, field string, lt Lifetime) (Lifetime, error) {
	switch lt {
	case "":
		return LifetimeCompletion, nil
	case LifetimeCompletion, LifetimeSignal:
		return lt, nil
	}
	return "", invalid(caseName, field, "must be completion or signal, got %q", lt)
}

func validateExpect(c *Case, reg *trace.Registry) error {
	for i, r := range c.Expect.Lines {
		if err := validateRule(c.Name, fmt.Sprintf("expect.lines[%d]", i), r, reg); err != nil {
			return err
		}
	}

	for i, o := range c.Expect.Ordered {
		field := fmt.Sprintf("expect.ordered[%d]", i)
		if o.Name == "" {
			return invalid(c.Name, field+".name", "ordered rule name is required")
		}
		if len(o.Steps) == 0 {
			return invalid(c.Name, field+".steps", "ordered rule has no steps")
		}
		for j, step := range o.Steps {
			stepField := fmt.Sprintf("%s.steps[%d]", field, j)
			if step.Absent {
				return invalid(c.Name, stepField, "ordered steps cannot be absent")
			}
			if err := validateRule(c.Name, stepField, step, reg); err != nil {
				return err
			}
		}
	}

	for who, spec := range c.Expect.Exit {
		if _, err := verdict.ParseExitSet(spec); err != nil {
			return &ConfigError{
				Code:    ErrCodeInvalidSuite,
				Case:    c.Name,
				Field:   "expect.exit." + who,
				Message: err.Error(),
				Err:     err,
			}
		}
	}
	return nil
}

func validateRule(caseName, field string, r LineRule, reg *trace.Registry) error {
	if r.Pattern != "" && r.Regex != "" {
		return invalid(caseName, field, "pattern and regex are mutually exclusive")
	}
	if r.Pattern == "" && r.Regex == "" && r.Component == "" {
		return invalid(caseName, field, "one of pattern, regex or component is required")
	}
	if r.Regex != "" {
		if _, err := regexp.Compile(r.Regex); err != nil {
			return invalid(caseName, field+".regex", "%v", err)
		}
	}
	if r.Stream != "" && !capture.Stream(r.Stream).Valid() {
		return invalid(caseName, field+".stream", "must be stdout, stderr or any, got %q", r.Stream)
	}
	if r.Component != "" {
		if _, ok := reg.Lookup(r.Component); !ok {
			return &ConfigError{
				Code:    ErrCodeUnknownComponent,
				Case:    caseName,
				Field:   field + ".component",
				Message: fmt.Sprintf("component %q is not registered", r.Component),
			}
		}
	}
	if r.MinCount < 0 {
		return invalid(caseName, field+".min_count", "must not be negative")
	}
	if r.Absent && r.MinCount > 0 {
		return invalid(caseName, field, "absent rules cannot set min_count")
	}
	return nil
}

// Filter returns a copy of the suite holding only the cases whose name
// matches the glob pattern. An empty pattern keeps every case.
func (s *Suite) Filter(pattern string) (*Suite, error) {
	if pattern == "" {
		return s, nil
	}
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("invalid filter %q: %w", pattern, err)
	}

	out := *s
	out.Cases = nil
	for _, c := range s.Cases {
		if ok, _ := path.Match(pattern, c.Name); ok {
			out.Cases = append(out.Cases, c)
		}
	}
	if len(out.Cases) == 0 {
		return nil, fmt.Errorf("filter %q matches no case", pattern)
	}
	return &out, nil
}
