package harness

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/tracebed/internal/suite"
	"github.com/roach88/tracebed/internal/verdict"
)

// RunSuite runs s with a harness built from opts.
func RunSuite(ctx context.Context, s *suite.Suite, opts Options) (*SuiteResult, error) {
	h, err := New(opts)
	if err != nil {
		return nil, err
	}
	return h.RunSuite(ctx, s), nil
}

// RunSuite runs every case of s and aggregates the verdicts.
//
// Cases run sequentially unless Parallel > 1, in which case every maximal
// run of consecutive independent cases forms a batch of at most Parallel
// concurrent cases. Results are in declared order either way.
func (h *Harness) RunSuite(ctx context.Context, s *suite.Suite) *SuiteResult {
	res := NewSuiteResult(s.Name)
	res.Started = h.now()
	if digest, err := suite.Digest(s); err != nil {
		h.logger.Warn("suite digest failed", "suite", s.Name, "error", err)
	} else {
		res.SuiteDigest = digest
	}

	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	h.logger.Info("suite started", "suite", s.Name, "cases", len(s.Cases), "parallel", h.parallel)

	results := make([]CaseResult, len(s.Cases))
	var stop atomic.Bool
	for _, batch := range h.batches(s.Cases) {
		if len(batch) == 1 {
			i := batch[0]
			results[i] = h.runGuarded(ctx, &s.Cases[i], i, &stop)
			continue
		}

		var g errgroup.Group
		g.SetLimit(h.parallel)
		for _, i := range batch {
			g.Go(func() error {
				results[i] = h.runGuarded(ctx, &s.Cases[i], i, &stop)
				return nil
			})
		}
		_ = g.Wait()
	}

	interrupted := false
	for _, r := range results {
		res.AddCase(r)
		interrupted = interrupted || r.Interrupted
	}
	// A deadline that passes after the last case finished is not an error.
	if interrupted {
		switch err := ctx.Err(); {
		case errors.Is(err, context.DeadlineExceeded):
			res.AddError(fmt.Sprintf("suite exceeded its timeout of %s", h.timeout))
		case err != nil:
			res.AddError("suite aborted: " + err.Error())
		}
	}
	res.Duration = h.now().Sub(res.Started)

	c := res.Counts()
	h.logger.Info("suite finished", "suite", s.Name, "pass", res.Pass,
		"passed", c.Passed, "failed", c.Failed+c.Errored+c.TimedOut, "skipped", c.Skipped)
	return res
}

// batches groups case indexes into execution batches.
func (h *Harness) batches(cases []suite.Case) [][]int {
	var out [][]int
	for i := 0; i < len(cases); {
		j := i + 1
		if h.parallel > 1 && cases[i].Independent {
			for j < len(cases) && cases[j].Independent {
				j++
			}
		}
		batch := make([]int, 0, j-i)
		for k := i; k < j; k++ {
			batch = append(batch, k)
		}
		out = append(out, batch)
		i = j
	}
	return out
}

// runGuarded runs a case unless fail-fast or the suite context stopped
// the run.
func (h *Harness) runGuarded(ctx context.Context, c *suite.Case, index int, stop *atomic.Bool) CaseResult {
	switch {
	case stop.Load():
		return CaseResult{Index: index, Verdict: verdict.SkippedCase(c.Name, "not run: an earlier case failed")}
	case ctx.Err() != nil:
		return CaseResult{Index: index, Verdict: verdict.SkippedCase(c.Name, "not run: "+ctx.Err().Error()), Interrupted: true}
	}

	res := h.RunCase(ctx, c, index)
	if h.failFast && res.Verdict.Outcome.Failed() {
		stop.Store(true)
	}
	return res
}
