package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/inboxguard/inboxguard/pipeline"
)

// Run is one row of the run history.
type Run struct {
	RunID      string
	Mode       string
	StartedAt  time.Time
	FinishedAt *time.Time
	ExitCode   *int
	Total      int
	Succeeded  int
	Failed     int
}

// Outcome is one stored action outcome.
type Outcome struct {
	pipeline.ActionOutcome
	Digest string
}

// Runs returns the most recent runs, newest first.
func (l *Ledger) Runs(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT run_id, mode, started_at, finished_at, exit_code, total, succeeded, failed
		FROM runs ORDER BY started_at DESC, run_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var finished sql.NullTime
		var exit sql.NullInt64
		if err := rows.Scan(&r.RunID, &r.Mode, &r.StartedAt, &finished, &exit, &r.Total, &r.Succeeded, &r.Failed); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		if finished.Valid {
			t := finished.Time
			r.FinishedAt = &t
		}
		if exit.Valid {
			code := int(exit.Int64)
			r.ExitCode = &code
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Outcomes returns the stored outcomes of a run ordered by item id.
func (l *Ledger) Outcomes(ctx context.Context, runID string) ([]Outcome, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT item_id, score, action, succeeded, detail, duration_ms, digest
		FROM outcomes WHERE run_id = ? ORDER BY item_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query outcomes: %w", err)
	}
	defer rows.Close()

	var outcomes []Outcome
	for rows.Next() {
		var o Outcome
		var action string
		var durationMS int64
		if err := rows.Scan(&o.ItemID, &o.Score, &action, &o.Succeeded, &o.Detail, &durationMS, &o.Digest); err != nil {
			return nil, fmt.Errorf("failed to scan outcome: %w", err)
		}
		if o.Action, err = pipeline.ParseAction(action); err != nil {
			return nil, err
		}
		o.Duration = time.Duration(durationMS) * time.Millisecond
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}

// LastAction returns the most recent action successfully applied to a
// message with the given content digest.
func (l *Ledger) LastAction(ctx context.Context, digest string) (pipeline.Action, bool, error) {
	var action string
	err := l.db.QueryRowContext(ctx, `
		SELECT o.action FROM outcomes o JOIN runs r ON r.run_id = o.run_id
		WHERE o.digest = ? AND o.succeeded = 1
		ORDER BY r.started_at DESC LIMIT 1`, digest).Scan(&action)
	if err == sql.ErrNoRows {
		return pipeline.Safe, false, nil
	}
	if err != nil {
		return pipeline.Safe, false, fmt.Errorf("failed to query digest: %w", err)
	}
	a, err := pipeline.ParseAction(action)
	return a, err == nil, err
}
