package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/tracebed/internal/capture"
	"github.com/roach88/tracebed/internal/harness"
	"github.com/roach88/tracebed/internal/verdict"
)

// RunSummary is one row of run history.
type RunSummary struct {
	ID        string `json:"id"`
	Suite     string `json:"suite"`
	SuitePath string `json:"suite_path,omitempty"`

	// SuiteDigest identifies the suite content; equal digests mean the
	// same cases ran.
	SuiteDigest string `json:"suite_digest,omitempty"`

	Started  time.Time      `json:"started"`
	Duration time.Duration  `json:"duration"`
	Pass     bool           `json:"pass"`
	Errors   []string       `json:"errors,omitempty"`
	Counts   harness.Counts `json:"counts"`
}

// Runs returns the most recent runs, newest first. A limit <= 0 returns
// every run.
func (s *Store) Runs(ctx context.Context, limit int) ([]RunSummary, error) {
	query := `
		SELECT id, suite, suite_path, suite_hash, started, duration_ms, pass, errors
		FROM runs
		ORDER BY started DESC, id DESC
	`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []RunSummary{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}

	// Counts are filled after the cursor is closed: the pool holds a
	// single connection.
	rows.Close()
	for i := range runs {
		c, err := s.counts(ctx, runs[i].ID)
		if err != nil {
			return nil, err
		}
		runs[i].Counts = c
	}
	return runs, nil
}

// Run returns a run by full ID or unique ID prefix.
// Returns ErrNotFound if nothing matches; an ambiguous prefix is an error.
func (s *Store) Run(ctx context.Context, idOrPrefix string) (RunSummary, error) {
	if idOrPrefix == "" {
		return RunSummary{}, fmt.Errorf("run: empty id: %w", ErrNotFound)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, suite, suite_path, suite_hash, started, duration_ms, pass, errors
		FROM runs
		WHERE id = ? OR substr(id, 1, ?) = ?
		ORDER BY id ASC
		LIMIT 2
	`, idOrPrefix, len(idOrPrefix), idOrPrefix)
	if err != nil {
		return RunSummary{}, fmt.Errorf("query run: %w", err)
	}
	defer rows.Close()

	var found []RunSummary
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return RunSummary{}, err
		}
		if r.ID == idOrPrefix {
			found = []RunSummary{r}
			break
		}
		found = append(found, r)
	}
	if err := rows.Err(); err != nil {
		return RunSummary{}, fmt.Errorf("iterate run: %w", err)
	}
	rows.Close()

	switch len(found) {
	case 0:
		return RunSummary{}, fmt.Errorf("run %s: %w", idOrPrefix, ErrNotFound)
	case 1:
	default:
		return RunSummary{}, fmt.Errorf("run prefix %q is ambiguous", idOrPrefix)
	}

	r := found[0]
	c, err := s.counts(ctx, r.ID)
	if err != nil {
		return RunSummary{}, err
	}
	r.Counts = c
	return r, nil
}

// Latest returns the most recent run.
func (s *Store) Latest(ctx context.Context) (RunSummary, error) {
	runs, err := s.Runs(ctx, 1)
	if err != nil {
		return RunSummary{}, err
	}
	if len(runs) == 0 {
		return RunSummary{}, fmt.Errorf("latest run: %w", ErrNotFound)
	}
	return runs[0], nil
}

// Verdicts returns the case verdicts of a run in declared order.
func (s *Store) Verdicts(ctx context.Context, runID string) ([]verdict.Verdict, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT verdict FROM cases
		WHERE run_id = ?
		ORDER BY idx ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query verdicts: %w", err)
	}
	defer rows.Close()

	verdicts := []verdict.Verdict{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan verdict: %w", err)
		}
		v, err := unmarshalVerdict(data)
		if err != nil {
			return nil, err
		}
		verdicts = append(verdicts, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate verdicts: %w", err)
	}
	return verdicts, nil
}

// Lines returns the merged captured output of one case of a run.
// Returns ErrNotFound if the run has no case with that name.
func (s *Store) Lines(ctx context.Context, runID, caseName string) ([]capture.Line, error) {
	var idx int
	err := s.db.QueryRowContext(ctx, `
		SELECT idx FROM cases WHERE run_id = ? AND name = ?
	`, runID, caseName).Scan(&idx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("case %q in run %s: %w", caseName, runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query case: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT time, seq, process, role, stream, text
		FROM lines
		WHERE run_id = ? AND case_idx = ?
		ORDER BY pos ASC
	`, runID, idx)
	if err != nil {
		return nil, fmt.Errorf("query lines: %w", err)
	}
	defer rows.Close()

	lines := []capture.Line{}
	for rows.Next() {
		var (
			l      capture.Line
			ts     int64
			stream string
		)
		if err := rows.Scan(&ts, &l.Seq, &l.Process, &l.Role, &stream, &l.Text); err != nil {
			return nil, fmt.Errorf("scan line: %w", err)
		}
		l.Time = fromNanos(ts)
		l.Stream = capture.Stream(stream)
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lines: %w", err)
	}
	return lines, nil
}

// counts tallies case outcomes of a run.
func (s *Store) counts(ctx context.Context, runID string) (harness.Counts, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT outcome, COUNT(*) FROM cases
		WHERE run_id = ?
		GROUP BY outcome
		ORDER BY outcome ASC
	`, runID)
	if err != nil {
		return harness.Counts{}, fmt.Errorf("query counts: %w", err)
	}
	defer rows.Close()

	var c harness.Counts
	for rows.Next() {
		var (
			outcome string
			n       int
		)
		if err := rows.Scan(&outcome, &n); err != nil {
			return harness.Counts{}, fmt.Errorf("scan counts: %w", err)
		}
		c.Total += n
		switch verdict.Outcome(outcome) {
		case verdict.Pass:
			c.Passed = n
		case verdict.Fail:
			c.Failed = n
		case verdict.Error:
			c.Errored = n
		case verdict.Timeout:
			c.TimedOut = n
		case verdict.Skipped:
			c.Skipped = n
		}
	}
	if err := rows.Err(); err != nil {
		return harness.Counts{}, fmt.Errorf("iterate counts: %w", err)
	}
	return c, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (RunSummary, error) {
	var (
		r          RunSummary
		started    int64
		durationMS int64
		pass       int
		errs       string
	)
	if err := row.Scan(&r.ID, &r.Suite, &r.SuitePath, &r.SuiteDigest, &started, &durationMS, &pass, &errs); err != nil {
		return RunSummary{}, fmt.Errorf("scan run: %w", err)
	}
	r.Started = fromNanos(started)
	r.Duration = time.Duration(durationMS) * time.Millisecond
	r.Pass = pass != 0
	e, err := unmarshalErrors(errs)
	if err != nil {
		return RunSummary{}, err
	}
	if len(e) > 0 {
		r.Errors = e
	}
	return r, nil
}

// ShortID abbreviates a run ID for display.
func ShortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
