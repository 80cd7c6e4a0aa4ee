package harness

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/tracebed/internal/suite"
	"github.com/roach88/tracebed/internal/supervisor"
	"github.com/roach88/tracebed/internal/topology"
	"github.com/roach88/tracebed/internal/verdict"
)

// scheduleFaults starts one goroutine per fault targeting p. Faults stop
// waiting when ctx ends.
func (r *caseRun) scheduleFaults(ctx context.Context, p *supervisor.Process) {
	for _, f := range r.plan.Faults {
		if f.Target != p.Spec.Name {
			continue
		}
		r.faults.Add(1)
		go func() {
			defer r.faults.Done()
			r.inject(ctx, f, p)
		}()
	}
}

// inject waits for the fault's trigger, then applies it. A target that
// ends before the trigger is a failed expectation: the case did not
// exercise the failure it declares.
func (r *caseRun) inject(ctx context.Context, f topology.FaultSpec, p *supervisor.Process) {
	var fired bool
	if f.OnOutput != "" {
		fired = awaitOutput(ctx, p, f.OnOutput)
	} else {
		fired = awaitDelay(ctx, p, f.After)
	}

	if !fired {
		select {
		case <-p.Done():
			if p.State() == supervisor.Exited {
				r.addDiagnostic(verdict.Diagnostic{
					Kind:    verdict.KindFault,
					Process: p.Spec.Name,
					Message: fmt.Sprintf("fault %q never fired: %s ended first", describeFault(f), p.Spec.Name),
					Context: p.Buffer().Tail(verdict.ContextLines),
				})
			}
		default:
		}
		return
	}

	reason := "fault: " + describeFault(f)
	r.logger.Info("injecting fault", "process", p.Spec.Name, "action", f.Action)
	switch f.Action {
	case suite.FaultKill:
		r.sup.Kill(p, reason)
	case suite.FaultTerminate:
		r.sup.Stop(p, reason)
	}
}

// awaitDelay reports whether d elapsed while p was still running.
func awaitDelay(ctx context.Context, p *supervisor.Process, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		select {
		case <-p.Done():
			return false
		default:
			return true
		}
	case <-p.Done():
		return false
	case <-ctx.Done():
		return false
	}
}

// awaitOutput reports whether p printed a line containing pattern before
// its output ended.
func awaitOutput(ctx context.Context, p *supervisor.Process, pattern string) bool {
	buf := p.Buffer()
	seen := 0
	for {
		changed := buf.Changed()
		for _, line := range buf.Since(seen) {
			seen++
			if strings.Contains(line.Text, pattern) {
				return true
			}
		}
		if buf.Closed() {
			return false
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return false
		}
	}
}
