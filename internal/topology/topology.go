// Package topology expands a test case into a launch plan: the ordered
// process specs to start and the expectations their output must meet.
//
// Build is deterministic. Equal inputs yield equal plans with processes in
// the same order: ascending rank, then declared order within a rank. Every
// case kind has its own builder function; an unknown kind is a
// configuration error.
package topology

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/tracebed/internal/capture"
	"github.com/roach88/tracebed/internal/config"
	"github.com/roach88/tracebed/internal/suite"
	"github.com/roach88/tracebed/internal/verdict"
)

// Readiness is how a process signals that dependents may launch.
type Readiness struct {
	Pattern string        `json:"pattern,omitempty"`
	Delay   time.Duration `json:"delay,omitempty"`
}

// IsZero reports whether no readiness signal is configured.
func (r Readiness) IsZero() bool {
	return r.Pattern == "" && r.Delay == 0
}

// ProcessSpec describes one process to launch. It is immutable once built.
type ProcessSpec struct {
	// Name is unique within the case, e.g. "server" or "client-2".
	Name string `json:"name"`
	Role string `json:"role"`

	// Index is the process position in the plan.
	Index int `json:"index"`

	// Command is the executable. Empty when the role has none configured.
	Command string   `json:"command"`
	Args    []string `json:"args"`

	// Env is the sorted overlay applied on top of the ambient environment.
	Env []string `json:"env"`
	Dir string   `json:"dir,omitempty"`

	Lifetime suite.Lifetime `json:"lifetime"`

	// Rank orders launches: every process of a rank is ready before the
	// next rank starts.
	Rank int `json:"rank"`

	// LaunchDelay postpones the launch relative to its rank's start.
	LaunchDelay time.Duration `json:"launch_delay,omitempty"`

	Readiness    Readiness     `json:"readiness,omitzero"`
	ReadyTimeout time.Duration `json:"ready_timeout"`
	ExitTimeout  time.Duration `json:"exit_timeout"`

	// Port is the case's primary port, the one servers listen on.
	Port int `json:"port"`
}

// FaultSpec is a disruption scheduled against a process of the plan.
type FaultSpec struct {
	Target   string            `json:"target"`
	Action   suite.FaultAction `json:"action"`
	After    time.Duration     `json:"after,omitempty"`
	OnOutput string            `json:"on_output,omitempty"`
}

// Plan is the launch plan of one case.
type Plan struct {
	Case      string                 `json:"case"`
	Kind      suite.Kind             `json:"kind"`
	Processes []ProcessSpec          `json:"processes"`
	Faults    []FaultSpec            `json:"faults,omitempty"`
	Expect    verdict.ExpectationSet `json:"expect"`
	Ports     PortBlock              `json:"ports"`

	// Timeout bounds the whole case.
	Timeout time.Duration `json:"timeout"`

	// Grace is the wait between SIGTERM and SIGKILL.
	Grace time.Duration `json:"grace"`
}

// Ranks returns the distinct ranks of the plan in ascending order.
func (p *Plan) Ranks() []int {
	var ranks []int
	for _, spec := range p.Processes {
		if len(ranks) == 0 || ranks[len(ranks)-1] != spec.Rank {
			ranks = append(ranks, spec.Rank)
		}
	}
	return ranks
}

// Process returns the spec named name.
func (p *Plan) Process(name string) (ProcessSpec, bool) {
	for _, spec := range p.Processes {
		if spec.Name == name {
			return spec, true
		}
	}
	return ProcessSpec{}, false
}

// Input carries everything besides the case that shapes a plan.
type Input struct {
	Config *config.Config
	Ports  PortBlock
}

// builder adds the processes and faults of one kind to a plan.
type builder func(c *suite.Case, b *planBuilder) error

var builders = map[suite.Kind]builder{
	suite.KindClientServer:     buildClientServer,
	suite.KindMultiClient:      buildMultiClient,
	suite.KindFailureInjection: buildFailureInjection,
}

// Build expands a validated case into its launch plan.
func Build(c *suite.Case, in Input) (*Plan, error) {
	build, ok := builders[c.Kind]
	if !ok {
		return nil, suite.Unsupported(c.Name, c.Kind)
	}

	cfg := in.Config
	if cfg == nil {
		cfg = config.Default()
	}

	b := &planBuilder{
		c:   c,
		cfg: cfg,
		plan: &Plan{
			Case:    c.Name,
			Kind:    c.Kind,
			Ports:   in.Ports,
			Timeout: c.Timeout,
			Grace:   cfg.Timeouts.Grace,
		},
	}
	if b.plan.Timeout == 0 {
		b.plan.Timeout = cfg.Timeouts.Case
	}

	if err := build(c, b); err != nil {
		return nil, err
	}

	sort.SliceStable(b.plan.Processes, func(i, j int) bool {
		return b.plan.Processes[i].Rank < b.plan.Processes[j].Rank
	})
	for i := range b.plan.Processes {
		if err := b.finish(&b.plan.Processes[i], i); err != nil {
			return nil, err
		}
	}

	expect, err := b.expectations()
	if err != nil {
		return nil, err
	}
	b.plan.Expect = expect
	return b.plan, nil
}

type planBuilder struct {
	c    *suite.Case
	cfg  *config.Config
	plan *Plan
}

func (b *planBuilder) add(name, role string, rank int, lifetime suite.Lifetime) *ProcessSpec {
	b.plan.Processes = append(b.plan.Processes, ProcessSpec{
		Name:     name,
		Role:     role,
		Rank:     rank,
		Lifetime: lifetime,
	})
	return &b.plan.Processes[len(b.plan.Processes)-1]
}

func (b *planBuilder) addServer(lifetime suite.Lifetime) {
	spec := b.add(config.ServerRole, config.ServerRole, 0, lifetime)
	spec.Readiness = Readiness{Pattern: b.cfg.Readiness.Pattern, Delay: b.cfg.Readiness.Delay}
}

func (b *planBuilder) addClients(role string, count int) {
	for i := 1; i <= count; i++ {
		b.add(role+"-"+strconv.Itoa(i), role, 1, suite.LifetimeCompletion)
	}
}

func buildClientServer(c *suite.Case, b *planBuilder) error {
	p := c.ClientServer
	if p == nil {
		p = &suite.ClientServer{Clients: 1, ServerLifetime: suite.LifetimeCompletion}
	}
	b.addServer(p.ServerLifetime)
	b.addClients(config.ClientRole, max(p.Clients, 1))
	return nil
}

func buildMultiClient(c *suite.Case, b *planBuilder) error {
	p := c.MultiClient
	if p == nil || len(p.Groups) == 0 {
		return &suite.ConfigError{Code: suite.ErrCodeInvalidSuite, Case: c.Name, Field: "multi_client", Message: "no client groups"}
	}
	b.addServer(p.ServerLifetime)

	launched := 0
	for _, g := range p.Groups {
		for i := 1; i <= max(g.Count, 1); i++ {
			spec := b.add(g.Role+"-"+strconv.Itoa(i), g.Role, 1, suite.LifetimeCompletion)
			spec.LaunchDelay = time.Duration(launched) * p.Stagger
			launched++
		}
	}
	return nil
}

func buildFailureInjection(c *suite.Case, b *planBuilder) error {
	p := c.FailureInjection
	if p == nil || len(p.Faults) == 0 {
		return &suite.ConfigError{Code: suite.ErrCodeInvalidSuite, Case: c.Name, Field: "failure_injection", Message: "no faults"}
	}
	b.addServer(p.ServerLifetime)
	b.addClients(config.ClientRole, max(p.Clients, 1))

	for i, f := range p.Faults {
		found := false
		for _, spec := range b.plan.Processes {
			if spec.Name == f.Target {
				found = true
				break
			}
		}
		if !found {
			return &suite.ConfigError{
				Code:    suite.ErrCodeInvalidSuite,
				Case:    c.Name,
				Field:   fmt.Sprintf("failure_injection.faults[%d].target", i),
				Message: fmt.Sprintf("no process named %q in this topology", f.Target),
			}
		}
		b.plan.Faults = append(b.plan.Faults, FaultSpec{
			Target:   f.Target,
			Action:   f.Action,
			After:    f.After,
			OnOutput: f.OnOutput,
		})
	}
	return nil
}

// finish fills the command line, environment and timeouts of a spec once
// its final position is known.
func (b *planBuilder) finish(spec *ProcessSpec, index int) error {
	cfg := b.cfg
	tc := b.c.TraceConfig()

	spec.Index = index
	spec.Port = b.plan.Ports.Base
	spec.Dir = cfg.Dir
	spec.ReadyTimeout = cfg.Timeouts.Ready
	spec.ExitTimeout = cfg.Timeouts.Exit
	if exe, ok := cfg.Executable(spec.Role); ok {
		spec.Command = exe
	}

	args, err := renderArgs(cfg.ArgTemplates(spec.Role), TemplateData{
		Case:  b.c.Name,
		Role:  spec.Role,
		Name:  spec.Name,
		Index: index,
		Port:  b.plan.Ports.Base,
		Ports: b.plan.Ports.Ports(),
		Host:  b.plan.Ports.Host,
	})
	if err != nil {
		return fmt.Errorf("case %q, process %s: %w", b.c.Name, spec.Name, err)
	}
	if cfg.TraceRouting.UsesArgs() {
		args = append(args, tc.Args()...)
	}
	spec.Args = args

	env := make(map[string]string)
	for k, v := range cfg.Env {
		env[k] = v
	}
	env["TRACEBED_CASE"] = b.c.Name
	env["TRACEBED_ROLE"] = spec.Role
	env["TRACEBED_PROCESS"] = spec.Name
	env["TRACEBED_PORT"] = strconv.Itoa(b.plan.Ports.Base)
	if cfg.TraceRouting.UsesEnv() {
		for _, kv := range tc.Env() {
			k, v, _ := strings.Cut(kv, "=")
			env[k] = v
		}
	}
	spec.Env = sortedEnv(env)
	return nil
}

func sortedEnv(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// expectations converts the case's declared expectations and adds the
// rules implied by its trace levels and process lifetimes.
func (b *planBuilder) expectations() (verdict.ExpectationSet, error) {
	c := b.c
	set := verdict.ExpectationSet{
		TracePrefix: b.cfg.TracePrefix,
		Exit:        make(map[string]verdict.ExitSet),
	}

	for i, lr := range c.Expect.Lines {
		r, err := b.rule(lr, fmt.Sprintf("expect.lines[%d]", i))
		if err != nil {
			return set, err
		}
		set.Rules = append(set.Rules, r)
	}

	for i, o := range c.Expect.Ordered {
		order := verdict.OrderRule{Name: o.Name}
		for j, step := range o.Steps {
			r, err := b.rule(step, fmt.Sprintf("expect.ordered[%d].steps[%d]", i, j))
			if err != nil {
				return set, err
			}
			order.Steps = append(order.Steps, r)
		}
		set.Ordered = append(set.Ordered, order)
	}

	tc := c.TraceConfig()
	if c.CheckTrace == suite.TraceCheckPresent || c.CheckTrace == suite.TraceCheckStrict {
		for _, comp := range tc.Active() {
			set.Rules = append(set.Rules, verdict.Rule{
				Name:      "trace " + comp.Name,
				Component: comp.Name,
				Category:  comp.Category,
			})
		}
	}
	if c.CheckTrace == suite.TraceCheckStrict {
		for _, comp := range tc.Silent() {
			set.Rules = append(set.Rules, verdict.Rule{
				Name:      "silent " + comp.Name,
				Component: comp.Name,
				Category:  comp.Category,
				Absent:    true,
			})
		}
	}

	keys := make([]string, 0, len(c.Expect.Exit))
	for k := range c.Expect.Exit {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, who := range keys {
		if !b.names(who) {
			return set, b.unknownProcess("expect.exit."+who, who)
		}
		es, err := verdict.ParseExitSet(c.Expect.Exit[who])
		if err != nil {
			return set, &suite.ConfigError{Code: suite.ErrCodeInvalidSuite, Case: c.Name, Field: "expect.exit." + who, Message: err.Error(), Err: err}
		}
		set.Exit[who] = es
	}

	killable := make(map[string]bool)
	for _, spec := range b.plan.Processes {
		if spec.Lifetime == suite.LifetimeSignal {
			killable[spec.Name] = true
		}
	}
	for _, f := range b.plan.Faults {
		killable[f.Target] = true
	}
	for _, spec := range b.plan.Processes {
		if killable[spec.Name] {
			set.Exit[spec.Name] = set.ExitFor(spec.Name, spec.Role).WithKilled()
		}
	}
	return set, nil
}

// names reports whether who is a role or process name of the plan.
func (b *planBuilder) names(who string) bool {
	for _, spec := range b.plan.Processes {
		if spec.Name == who || spec.Role == who {
			return true
		}
	}
	return false
}

func (b *planBuilder) unknownProcess(field, who string) error {
	return &suite.ConfigError{
		Code:    suite.ErrCodeInvalidSuite,
		Case:    b.c.Name,
		Field:   field,
		Message: fmt.Sprintf("no role or process named %q in this topology", who),
	}
}

func (b *planBuilder) rule(lr suite.LineRule, field string) (verdict.Rule, error) {
	if lr.Process != "" && !b.names(lr.Process) {
		return verdict.Rule{}, b.unknownProcess(field+".process", lr.Process)
	}
	r := verdict.Rule{
		Name:      lr.Name,
		Process:   lr.Process,
		Stream:    capture.Stream(lr.Stream),
		Component: lr.Component,
		Pattern:   lr.Pattern,
		MinCount:  lr.MinCount,
		Absent:    lr.Absent,
	}
	if lr.Regex != "" {
		re, err := regexp.Compile(lr.Regex)
		if err != nil {
			return r, &suite.ConfigError{Code: suite.ErrCodeInvalidSuite, Case: b.c.Name, Field: field + ".regex", Message: err.Error(), Err: err}
		}
		r.Regex = re
	}
	if lr.Component != "" {
		comp, ok := b.c.TraceConfig().Registry().Lookup(lr.Component)
		if !ok {
			return r, &suite.ConfigError{Code: suite.ErrCodeUnknownComponent, Case: b.c.Name, Field: field + ".component", Message: fmt.Sprintf("component %q is not registered", lr.Component)}
		}
		r.Category = comp.Category
	}
	if r.Name == "" {
		switch {
		case lr.Pattern != "":
			r.Name = lr.Pattern
		case lr.Regex != "":
			r.Name = lr.Regex
		default:
			r.Name = "trace " + lr.Component
		}
	}
	return r, nil
}
