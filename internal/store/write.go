package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/tracebed/internal/harness"
)

// SaveRun records a suite result and returns the new run ID.
// The run, its case verdicts and captured lines are written in one
// transaction: either everything is recorded or nothing is.
func (s *Store) SaveRun(ctx context.Context, res *harness.SuiteResult, suitePath string) (string, error) {
	if res == nil {
		return "", errors.New("save run: nil result")
	}
	id := s.ids.NewID()

	errs, err := marshalErrors(res.Errors)
	if err != nil {
		return "", err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, suite, suite_path, suite_hash, started, duration_ms, pass, errors)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, id, res.Suite, suitePath, res.SuiteDigest, toNanos(res.Started), res.Duration.Milliseconds(), boolInt(res.Pass), errs)
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}

	for _, c := range res.Cases {
		if err := insertCase(ctx, tx, id, c); err != nil {
			return "", err
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit run %s: %w", id, err)
	}
	return id, nil
}

func insertCase(ctx context.Context, tx *sql.Tx, runID string, c harness.CaseResult) error {
	v, err := marshalVerdict(c.Verdict)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO cases (run_id, idx, name, outcome, duration_ms, verdict)
		VALUES (?, ?, ?, ?, ?, ?)
	`, runID, c.Index, c.Verdict.Case, string(c.Verdict.Outcome), c.Verdict.Duration.Milliseconds(), v)
	if err != nil {
		return fmt.Errorf("insert case %q: %w", c.Verdict.Case, err)
	}

	if len(c.Lines) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO lines (run_id, case_idx, pos, time, seq, process, role, stream, text)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare lines: %w", err)
	}
	defer stmt.Close()

	for pos, l := range c.Lines {
		_, err := stmt.ExecContext(ctx, runID, c.Index, pos, toNanos(l.Time), l.Seq,
			l.Process, l.Role, string(l.Stream), l.Text)
		if err != nil {
			return fmt.Errorf("insert line %d of case %q: %w", pos, c.Verdict.Case, err)
		}
	}
	return nil
}

// DeleteRun removes a run with its cases and lines.
func (s *Store) DeleteRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete run %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete run %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
