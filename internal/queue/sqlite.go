package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"widgetflow/internal/domain"
)

var (
	ErrEmpty = errors.New("no jobs ready")
	// ErrSuperseded means the job row was replaced while this run was in
	// flight; the run's queue bookkeeping no longer applies.
	ErrSuperseded = errors.New("job superseded")
)

const (
	// MaxRetry bounds attempts per job run; backoff between attempts is
	// linear (RetryDelayBase * attemptNumber) to keep worst-case latency
	// for a visible widget bounded.
	MaxRetry            = 3
	DefaultVisibility   = 60 // seconds a leased job may run before recovery
	DefaultRotationCron = "*/15 * * * *"
)

// EnsureSchema creates the queue tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS jobs (
  widget_id INTEGER PRIMARY KEY,
  run_token TEXT NOT NULL,
  kind TEXT NOT NULL CHECK(kind IN ('new_setup','update_only')),
  params TEXT NOT NULL DEFAULT '{}',
  state TEXT NOT NULL CHECK(state IN ('queued','running','succeeded','failed')) DEFAULT 'queued',
  attempts INTEGER NOT NULL DEFAULT 0,
  max_attempts INTEGER NOT NULL DEFAULT 3,
  next_run_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  last_error TEXT NOT NULL DEFAULT '',
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_jobs_ready ON jobs(state, next_run_at);
CREATE TABLE IF NOT EXISTS rotations (
  widget_id INTEGER PRIMARY KEY,
  cron_expr TEXT NOT NULL,
  next_run DATETIME NOT NULL,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_rotations_next_run ON rotations(next_run);
`
	_, err := db.Exec(schema)
	return err
}

type Repository interface {
	Enqueue(ctx context.Context, widgetID int, kind domain.JobKind, params map[string]string) (string, error)
	LeaseNext(ctx context.Context, now time.Time) (domain.RefreshJob, error)
	Retry(ctx context.Context, widgetID int, token, errMsg string, delay time.Duration) error
	Succeed(ctx context.Context, widgetID int, token string) error
	Fail(ctx context.Context, widgetID int, token, errMsg string) error
	Remove(ctx context.Context, widgetID int) error
	Get(ctx context.Context, widgetID int) (domain.RefreshJob, error)
	RecoverStale(ctx context.Context, now time.Time) (int, error)

	// Rotation operations (periodic re-enqueue of update_only jobs)
	SetRotation(ctx context.Context, widgetID int, cronExpr string, nextRun time.Time) error
	ClearRotation(ctx context.Context, widgetID int) error
	DueRotations(ctx context.Context, now time.Time) ([]Rotation, error)
	AdvanceRotation(ctx context.Context, widgetID int, nextRun time.Time) error
}

type Rotation struct {
	WidgetID int
	CronExpr string
	NextRun  time.Time
}

type sqliteRepo struct{ db *sql.DB }

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db} }

// Enqueue inserts or replaces the job row for widgetID. Replacement resets
// attempts and rotates the run token, so a queued job is cancelled outright
// and a running job becomes superseded: only the latest intent matters.
func (r *sqliteRepo) Enqueue(ctx context.Context, widgetID int, kind domain.JobKind, params map[string]string) (string, error) {
	token := "run_" + uuid.NewString()
	if params == nil {
		params = map[string]string{}
	}
	blob, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("encode params: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO jobs (widget_id,run_token,kind,params,state,attempts,max_attempts,next_run_at,last_error,created_at,updated_at)
VALUES (?,?,?,?, 'queued',0,?, CURRENT_TIMESTAMP,'', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
ON CONFLICT(widget_id) DO UPDATE SET
  run_token=excluded.run_token,
  kind=excluded.kind,
  params=excluded.params,
  state='queued',
  attempts=0,
  last_error='',
  next_run_at=CURRENT_TIMESTAMP,
  updated_at=CURRENT_TIMESTAMP
`, widgetID, token, kind, string(blob), MaxRetry)
	return token, err
}

func (r *sqliteRepo) LeaseNext(ctx context.Context, now time.Time) (domain.RefreshJob, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return domain.RefreshJob{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	row := tx.QueryRowContext(ctx, `
SELECT widget_id,run_token,kind,params,state,attempts,max_attempts,next_run_at,last_error,created_at,updated_at
FROM jobs
WHERE state='queued' AND next_run_at <= ?
ORDER BY next_run_at ASC, created_at ASC
LIMIT 1
`, now.UTC())
	var j domain.RefreshJob
	var paramsBlob string
	err = row.Scan(&j.WidgetID, &j.RunToken, &j.Kind, &paramsBlob, &j.State, &j.Attempts, &j.MaxAttempts, &j.NextRunAt, &j.LastError, &j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		err = nil
		if rbErr := tx.Rollback(); rbErr != nil {
			return domain.RefreshJob{}, rbErr
		}
		return domain.RefreshJob{}, ErrEmpty
	}
	if err != nil {
		return domain.RefreshJob{}, err
	}
	if jsonErr := json.Unmarshal([]byte(paramsBlob), &j.Params); jsonErr != nil {
		// Malformed params degrade to none rather than wedging the queue.
		j.Params = map[string]string{}
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE jobs SET state='running', updated_at=CURRENT_TIMESTAMP WHERE widget_id=? AND run_token=?`,
		j.WidgetID, j.RunToken)
	if err != nil {
		return domain.RefreshJob{}, err
	}
	if err = tx.Commit(); err != nil {
		return domain.RefreshJob{}, err
	}
	j.State = "running"
	return j, nil
}

// complete applies a terminal or retry update only if the run token still
// matches; a replaced row means the run was superseded.
func (r *sqliteRepo) complete(ctx context.Context, widgetID int, token, query string, args ...any) error {
	all := append([]any{}, args...)
	all = append(all, widgetID, token)
	res, err := r.db.ExecContext(ctx, query, all...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSuperseded
	}
	return nil
}

func (r *sqliteRepo) Retry(ctx context.Context, widgetID int, token, errMsg string, delay time.Duration) error {
	return r.complete(ctx, widgetID, token, `
UPDATE jobs
SET attempts = attempts + 1,
    state = CASE WHEN attempts + 1 >= max_attempts THEN 'failed' ELSE 'queued' END,
    next_run_at = datetime(CURRENT_TIMESTAMP, ?),
    last_error = ?,
    updated_at = CURRENT_TIMESTAMP
WHERE widget_id = ? AND run_token = ? AND state = 'running'
`, fmt.Sprintf("+%d seconds", int(delay.Seconds())), errMsg)
}

func (r *sqliteRepo) Succeed(ctx context.Context, widgetID int, token string) error {
	return r.complete(ctx, widgetID, token, `
UPDATE jobs SET state='succeeded', updated_at=CURRENT_TIMESTAMP
WHERE widget_id=? AND run_token=? AND state='running'`)
}

func (r *sqliteRepo) Fail(ctx context.Context, widgetID int, token, errMsg string) error {
	return r.complete(ctx, widgetID, token, `
UPDATE jobs SET state='failed', last_error=?, updated_at=CURRENT_TIMESTAMP
WHERE widget_id=? AND run_token=? AND state='running'`, errMsg)
}

func (r *sqliteRepo) Remove(ctx context.Context, widgetID int) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM jobs WHERE widget_id=?`, widgetID)
	return err
}

func (r *sqliteRepo) Get(ctx context.Context, widgetID int) (domain.RefreshJob, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT widget_id,run_token,kind,params,state,attempts,max_attempts,next_run_at,last_error,created_at,updated_at
FROM jobs WHERE widget_id=?`, widgetID)
	var j domain.RefreshJob
	var paramsBlob string
	if err := row.Scan(&j.WidgetID, &j.RunToken, &j.Kind, &paramsBlob, &j.State, &j.Attempts, &j.MaxAttempts, &j.NextRunAt, &j.LastError, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return domain.RefreshJob{}, err
	}
	if err := json.Unmarshal([]byte(paramsBlob), &j.Params); err != nil {
		j.Params = map[string]string{}
	}
	return j, nil
}

// RecoverStale requeues jobs stuck in running past the visibility window,
// e.g. after a crash mid-run. The run token is kept: the original runner is
// gone, not superseded.
func (r *sqliteRepo) RecoverStale(ctx context.Context, now time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE jobs
SET state='queued', next_run_at=CURRENT_TIMESTAMP, updated_at=CURRENT_TIMESTAMP
WHERE state='running' AND strftime('%s','now') - strftime('%s',updated_at) > ?`, DefaultVisibility)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *sqliteRepo) SetRotation(ctx context.Context, widgetID int, cronExpr string, nextRun time.Time) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO rotations (widget_id, cron_expr, next_run) VALUES (?,?,?)
ON CONFLICT(widget_id) DO UPDATE SET cron_expr=excluded.cron_expr, next_run=excluded.next_run
`, widgetID, cronExpr, nextRun.UTC())
	return err
}

func (r *sqliteRepo) ClearRotation(ctx context.Context, widgetID int) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM rotations WHERE widget_id=?`, widgetID)
	return err
}

func (r *sqliteRepo) DueRotations(ctx context.Context, now time.Time) ([]Rotation, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT widget_id, cron_expr, next_run FROM rotations WHERE next_run <= ? ORDER BY next_run`, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var due []Rotation
	for rows.Next() {
		var rot Rotation
		if err := rows.Scan(&rot.WidgetID, &rot.CronExpr, &rot.NextRun); err != nil {
			return nil, err
		}
		due = append(due, rot)
	}
	return due, rows.Err()
}

func (r *sqliteRepo) AdvanceRotation(ctx context.Context, widgetID int, nextRun time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE rotations SET next_run=? WHERE widget_id=?`, nextRun.UTC(), widgetID)
	return err
}
