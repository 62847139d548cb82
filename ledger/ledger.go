// Package ledger keeps a local history of pipeline runs and their action
// outcomes in a SQLite database. The schema is managed with golang-migrate
// from migrations embedded in the binary.
package ledger

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/inboxguard/inboxguard/logger"
	"github.com/inboxguard/inboxguard/pipeline"
	"github.com/inboxguard/inboxguard/pkg/metrics"
)

//go:embed migrations/*.sql
var MigrationsFS embed.FS

// Ledger is the run history database.
type Ledger struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the ledger at path and migrates it to the
// latest schema version.
func Open(ctx context.Context, path string) (*Ledger, error) {
	path = filepath.Clean(strings.TrimSpace(path))
	if path == "" || path == "." {
		return nil, fmt.Errorf("ledger path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}

	// Pragmas are per connection, so they go in the DSN for every pooled one.
	// A forked pipeline body may open the same file from another process.
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger ping failed: %w", err)
	}

	l := &Ledger{db: db, path: path}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Ledger) migrate() error {
	migrations, err := fs.Sub(MigrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to get migrations subdirectory: %w", err)
	}
	sourceDriver, err := iofs.New(migrations, ".")
	if err != nil {
		return fmt.Errorf("failed to create migration source driver: %w", err)
	}
	dbDriver, err := migratesqlite.WithInstance(l.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration db driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", dbDriver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to migrate ledger: %w", err)
	}
	return nil
}

// Version returns the applied schema version.
func (l *Ledger) Version() (uint, error) {
	var version uint
	var dirty bool
	err := l.db.QueryRow(`SELECT version, dirty FROM schema_migrations LIMIT 1`).Scan(&version, &dirty)
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	if dirty {
		return version, fmt.Errorf("ledger schema version %d is dirty", version)
	}
	return version, nil
}

// Path returns the database file.
func (l *Ledger) Path() string { return l.path }

func (l *Ledger) Close() error {
	if l.db == nil {
		return nil
	}
	logger.Debugf("[LEDGER] closing %s", l.path)
	return l.db.Close()
}

func observe(op string, err error) error {
	metrics.LedgerOperations.WithLabelValues(op, metrics.Result(err)).Inc()
	return err
}

// RecordRun implements pipeline.Recorder. It replaces any outcomes stored
// for the same run.
func (l *Ledger) RecordRun(ctx context.Context, result pipeline.RunResult) (err error) {
	defer func() { observe("record_run", err) }()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin ledger transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (run_id, mode, started_at, finished_at, total, succeeded, failed)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			mode = excluded.mode,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at,
			total = excluded.total,
			succeeded = excluded.succeeded,
			failed = excluded.failed`,
		result.RunID, result.Mode, result.StartedAt.UTC(), result.FinishedAt.UTC(),
		result.Summary.Total, result.Summary.Succeeded, result.Summary.Failed)
	if err != nil {
		return fmt.Errorf("failed to record run %s: %w", result.RunID, err)
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM outcomes WHERE run_id = ?`, result.RunID); err != nil {
		return fmt.Errorf("failed to replace outcomes of run %s: %w", result.RunID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO outcomes (run_id, item_id, score, action, succeeded, detail, duration_ms, digest)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare outcome insert: %w", err)
	}
	defer stmt.Close()

	for _, o := range result.Outcomes {
		_, err = stmt.ExecContext(ctx, result.RunID, o.ItemID, o.Score, o.Action.String(),
			o.Succeeded, o.Detail, o.Duration.Milliseconds(), result.Digests[o.ItemID])
		if err != nil {
			return fmt.Errorf("failed to record outcome of %s: %w", o.ItemID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run %s: %w", result.RunID, err)
	}
	return nil
}

// FinishRun stores the process exit code of a run. Runs that never reached
// the pipeline body get a row with no outcomes.
func (l *Ledger) FinishRun(ctx context.Context, runID string, startedAt time.Time, exitCode int) (err error) {
	defer func() { observe("finish_run", err) }()

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, started_at, finished_at, exit_code)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			exit_code = excluded.exit_code,
			finished_at = COALESCE(runs.finished_at, excluded.finished_at)`,
		runID, startedAt.UTC(), time.Now().UTC(), exitCode)
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", runID, err)
	}
	return nil
}

// Clear deletes all history. Used by the reset operation.
func (l *Ledger) Clear(ctx context.Context) (err error) {
	defer func() { observe("clear", err) }()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin ledger transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"outcomes", "runs"} {
		if _, err = tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	return tx.Commit()
}
