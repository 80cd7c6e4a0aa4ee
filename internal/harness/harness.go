package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/tracebed/internal/config"
	"github.com/roach88/tracebed/internal/suite"
	"github.com/roach88/tracebed/internal/supervisor"
	"github.com/roach88/tracebed/internal/topology"
	"github.com/roach88/tracebed/internal/verdict"
)

// Options configure a Harness.
type Options struct {
	// Config is the harness configuration. Default config.Default().
	Config *config.Config

	// Parallel bounds concurrently running independent cases.
	// Zero means Config.Parallel.
	Parallel int

	// FailFast skips the remaining cases after the first failing one.
	FailFast bool

	// Timeout bounds the whole suite. Zero means Config.Timeouts.Suite;
	// a negative value disables it.
	Timeout time.Duration

	// Logger receives orchestration events. Default discards.
	Logger *slog.Logger

	// Now stamps captured lines and results. Default time.Now.
	Now func() time.Time

	// OnCaseStart and OnCaseDone observe progress. They are called from
	// the goroutine running the case and must be safe for concurrent use.
	OnCaseStart func(index int, c *suite.Case)
	OnCaseDone  func(CaseResult)
}

// Harness runs cases and suites against the configured executables.
type Harness struct {
	cfg      *config.Config
	ports    topology.PortAllocator
	parallel int
	failFast bool
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time

	onStart func(int, *suite.Case)
	onDone  func(CaseResult)
}

// New creates a harness. The configuration must be valid.
func New(opts Options) (*Harness, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid harness config: %w", err)
	}

	h := &Harness{
		cfg:      cfg,
		ports:    topology.NewPortAllocator(cfg.Ports.Host, cfg.Ports.Base, cfg.Ports.Stride),
		parallel: opts.Parallel,
		failFast: opts.FailFast,
		timeout:  opts.Timeout,
		logger:   opts.Logger,
		now:      opts.Now,
		onStart:  opts.OnCaseStart,
		onDone:   opts.OnCaseDone,
	}
	if h.parallel <= 0 {
		h.parallel = cfg.Parallel
	}
	if h.parallel <= 0 {
		h.parallel = 1
	}
	if h.timeout == 0 {
		h.timeout = cfg.Timeouts.Suite
	}
	if h.logger == nil {
		h.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if h.now == nil {
		h.now = time.Now
	}
	return h, nil
}

// Config returns the harness configuration.
func (h *Harness) Config() *config.Config {
	return h.cfg
}

// Plan builds the launch plan of the case at position index.
func (h *Harness) Plan(c *suite.Case, index int) (*topology.Plan, error) {
	block, err := h.ports.Block(index)
	if err != nil {
		return nil, fmt.Errorf("case %q: %w", c.Name, err)
	}
	return topology.Build(c, topology.Input{Config: h.cfg, Ports: block})
}

// RunCase runs the case at position index of its suite and returns its
// result. It never returns an error: problems are part of the verdict.
func (h *Harness) RunCase(ctx context.Context, c *suite.Case, index int) CaseResult {
	start := h.now()
	if h.onStart != nil {
		h.onStart(index, c)
	}

	var res CaseResult
	switch {
	case c.Skipped():
		h.logger.Info("case skipped", "case", c.Name, "reason", c.Skip)
		res = CaseResult{Verdict: verdict.SkippedCase(c.Name, c.Skip)}
	default:
		plan, err := h.Plan(c, index)
		if err != nil {
			h.logger.Warn("plan failed", "case", c.Name, "error", err)
			res = CaseResult{Verdict: verdict.Errored(c.Name, err, nil)}
			res.Verdict.Duration = h.now().Sub(start)
		} else {
			res = h.RunPlan(ctx, plan)
		}
	}
	res.Index = index

	if h.onDone != nil {
		h.onDone(res)
	}
	return res
}

// RunPlan executes a launch plan and evaluates its expectations.
func (h *Harness) RunPlan(ctx context.Context, plan *topology.Plan) CaseResult {
	start := h.now()
	h.logger.Info("case started", "case", plan.Case, "kind", plan.Kind, "processes", len(plan.Processes), "port", plan.Ports.Base)

	caseCtx, cancel := ctx, context.CancelFunc(func() {})
	if plan.Timeout > 0 {
		caseCtx, cancel = context.WithTimeout(ctx, plan.Timeout)
	}
	defer cancel()

	r := &caseRun{
		plan:   plan,
		logger: h.logger.With("case", plan.Case),
		sup: supervisor.New(supervisor.Options{
			Grace:  plan.Grace,
			Logger: h.logger.With("case", plan.Case),
			Now:    h.now,
		}),
		procs:      make(map[string]*supervisor.Process),
		notStarted: make(map[string]verdict.ExitStatus),
	}

	faultCtx, stopFaults := context.WithCancel(caseCtx)
	if r.start(caseCtx, faultCtx) {
		r.await(caseCtx)
	} else {
		r.sup.StopAll("case aborted")
	}
	stopFaults()
	r.faults.Wait()

	v, interrupted := r.verdict(caseCtx, ctx)
	v.Duration = h.now().Sub(start)

	h.logger.Info("case finished", "case", plan.Case, "outcome", v.Outcome, "duration", v.Duration, "diagnostics", len(v.Diagnostics))
	return CaseResult{Verdict: v, Plan: plan, Lines: r.sup.Lines(), Interrupted: interrupted}
}

// caseRun is the state of one executing plan.
type caseRun struct {
	plan   *topology.Plan
	sup    *supervisor.Supervisor
	logger *slog.Logger
	faults sync.WaitGroup

	mu         sync.Mutex
	procs      map[string]*supervisor.Process
	notStarted map[string]verdict.ExitStatus
	extra      []verdict.Diagnostic
}

// start launches the plan rank by rank. It reports false when the case
// stopped early.
func (r *caseRun) start(ctx, faultCtx context.Context) bool {
	for _, rank := range r.plan.Ranks() {
		var launched []*supervisor.Process
		rankStart := time.Now()

		for _, spec := range r.plan.Processes {
			if spec.Rank != rank {
				continue
			}
			if !sleep(ctx, spec.LaunchDelay-time.Since(rankStart)) {
				return false
			}
			p, err := r.sup.Launch(ctx, spec)
			if err != nil {
				if ctx.Err() == nil {
					r.logger.Warn("launch failed", "process", spec.Name, "error", err)
					r.setNotStarted(supervisor.NotStarted(spec, err.Error()))
				}
				return false
			}
			r.mu.Lock()
			r.procs[spec.Name] = p
			r.mu.Unlock()
			r.scheduleFaults(faultCtx, p)
			launched = append(launched, p)
		}

		var g errgroup.Group
		for _, p := range launched {
			g.Go(func() error { return r.ready(ctx, p) })
		}
		if err := g.Wait(); err != nil {
			r.logger.Info("rank not ready", "rank", rank, "error", err)
			return false
		}
	}
	return true
}

func (r *caseRun) ready(ctx context.Context, p *supervisor.Process) error {
	timeout := p.Spec.ReadyTimeout
	err := r.sup.AwaitReady(ctx, p, timeout)
	switch {
	case err == nil:
		r.logger.Debug("process ready", "process", p.Spec.Name, "after", p.ReadyAt().Sub(p.StartedAt()))
		return nil
	case errors.Is(err, supervisor.ErrReadyTimeout):
		r.sup.Expire(p, fmt.Sprintf("not ready within %s", timeout))
	case errors.Is(err, supervisor.ErrExitedBeforeReady):
		r.addDiagnostic(verdict.Diagnostic{
			Kind:    verdict.KindNotReady,
			Process: p.Spec.Name,
			Message: fmt.Sprintf("%s exited before signalling readiness", p.Spec.Name),
			Context: p.Buffer().Tail(verdict.ContextLines),
		})
	}
	return fmt.Errorf("%s: %w", p.Spec.Name, err)
}

// await waits for completion processes, then stops and waits for signal
// processes.
func (r *caseRun) await(ctx context.Context) {
	var completion, signal []*supervisor.Process
	for _, spec := range r.plan.Processes {
		p := r.procs[spec.Name]
		if spec.Lifetime == suite.LifetimeSignal {
			signal = append(signal, p)
		} else {
			completion = append(completion, p)
		}
	}

	var g errgroup.Group
	for _, p := range completion {
		g.Go(func() error {
			r.sup.AwaitExit(ctx, p, p.Spec.ExitTimeout)
			return nil
		})
	}
	_ = g.Wait()

	for _, p := range signal {
		r.sup.Stop(p, "signal lifetime: dependents finished")
	}
	for _, p := range signal {
		g.Go(func() error {
			r.sup.AwaitExit(ctx, p, p.Spec.ExitTimeout)
			return nil
		})
	}
	_ = g.Wait()
}

// verdict evaluates the case. caseCtx is the case-scoped context and
// parent the suite context it derives from. The flag reports whether
// parent ended the case.
func (r *caseRun) verdict(caseCtx, parent context.Context) (verdict.Verdict, bool) {
	lines := r.sup.Lines()
	exits := r.exits()

	if err := caseCtx.Err(); err != nil {
		switch {
		case errors.Is(parent.Err(), context.Canceled):
			return verdict.Interrupted(r.plan.Case, verdict.Error, "aborted: run cancelled", lines, exits), true
		case parent.Err() != nil:
			return verdict.Interrupted(r.plan.Case, verdict.Timeout, "suite timeout reached", lines, exits), true
		default:
			return verdict.Interrupted(r.plan.Case, verdict.Timeout,
				fmt.Sprintf("case exceeded its timeout of %s", r.plan.Timeout), lines, exits), false
		}
	}

	r.mu.Lock()
	extra := append([]verdict.Diagnostic(nil), r.extra...)
	r.mu.Unlock()
	return verdict.Evaluate(r.plan.Case, r.plan.Expect, lines, exits, extra...), false
}

// exits summarizes every process of the plan in plan order.
func (r *caseRun) exits() []verdict.ExitStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]verdict.ExitStatus, 0, len(r.plan.Processes))
	for _, spec := range r.plan.Processes {
		if p, ok := r.procs[spec.Name]; ok {
			out = append(out, p.Status())
		} else if st, ok := r.notStarted[spec.Name]; ok {
			out = append(out, st)
		} else {
			out = append(out, supervisor.NotStarted(spec, ""))
		}
	}
	return out
}

func (r *caseRun) setNotStarted(st verdict.ExitStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notStarted[st.Process] = st
}

func (r *caseRun) addDiagnostic(d verdict.Diagnostic) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.extra = append(r.extra, d)
}

// sleep waits for d or until ctx ends. It reports whether d elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func describeFault(f topology.FaultSpec) string {
	var b strings.Builder
	b.WriteString(string(f.Action))
	b.WriteString(" ")
	b.WriteString(f.Target)
	if f.OnOutput != "" {
		fmt.Fprintf(&b, " on output %q", f.OnOutput)
	} else {
		fmt.Fprintf(&b, " after %s", f.After)
	}
	return b.String()
}
