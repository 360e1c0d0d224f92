package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"hostflow/internal/domain"
)

// EnsureSchema creates tables if they don't exist. Timestamps are stored as
// unix milliseconds so range predicates compare integers.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS jobs (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  id TEXT NOT NULL UNIQUE,
  type TEXT NOT NULL,
  args BLOB NOT NULL,
  state TEXT NOT NULL CHECK(state IN ('queued','running','failed')) DEFAULT 'queued',
  attempts INTEGER NOT NULL DEFAULT 0,
  last_error TEXT NOT NULL DEFAULT '',
  run_at INTEGER NOT NULL,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_ready ON jobs(type, state, run_at, seq);
CREATE TABLE IF NOT EXISTS job_attempts (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  job_id TEXT NOT NULL,
  job_type TEXT NOT NULL,
  finished_at INTEGER NOT NULL,
  success INTEGER NOT NULL DEFAULT 0,
  error TEXT
);
CREATE TABLE IF NOT EXISTS schedules (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  cron_expr TEXT NOT NULL,
  job_type TEXT NOT NULL,
  args BLOB NOT NULL,
  enabled INTEGER NOT NULL DEFAULT 1,
  last_run INTEGER,
  next_run INTEGER NOT NULL,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_schedules_next_run ON schedules(enabled, next_run);
`
	_, err := db.Exec(schema)
	return err
}

// SQLiteRepo implements Store, Recoverer and ScheduleStore on one database.
type SQLiteRepo struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteRepo(db *sql.DB) *SQLiteRepo { return &SQLiteRepo{db: db, now: time.Now} }

func ms(t time.Time) int64     { return t.UnixMilli() }
func fromMS(v int64) time.Time { return time.UnixMilli(v).UTC() }

func emptyArgs(b []byte) []byte {
	if len(b) == 0 {
		return []byte("{}")
	}
	return b
}

func (r *SQLiteRepo) Persist(ctx context.Context, j domain.Job) (string, error) {
	id := j.ID
	if id == "" {
		id = newJobID()
	}
	now := r.now()
	runAt := j.RunAt
	if runAt.IsZero() {
		runAt = now
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO jobs (id,type,args,state,attempts,last_error,run_at,created_at,updated_at)
VALUES (?,?,?,'queued',0,'',?,?,?)
`, id, j.Type, emptyArgs(j.Args), ms(runAt), ms(now), ms(now))
	if err != nil {
		return "", fmt.Errorf("persist job %s: %w", j.Type, err)
	}
	return id, nil
}

const jobColumns = `id,type,args,state,attempts,last_error,run_at,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.Job, error) {
	var j domain.Job
	var state string
	var runAt, created, updated int64
	if err := row.Scan(&j.ID, &j.Type, &j.Args, &state, &j.Attempts, &j.LastError, &runAt, &created, &updated); err != nil {
		return domain.Job{}, err
	}
	j.State = domain.JobState(state)
	j.RunAt = fromMS(runAt)
	j.CreatedAt = fromMS(created)
	j.UpdatedAt = fromMS(updated)
	return j, nil
}

func (r *SQLiteRepo) Dequeue(ctx context.Context, jobType string, now time.Time) (j domain.Job, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	row := tx.QueryRowContext(ctx, `
SELECT `+jobColumns+`
FROM jobs
WHERE type=? AND state='queued' AND run_at <= ?
ORDER BY seq ASC
LIMIT 1
`, jobType, ms(now))
	j, err = scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		err = domain.ErrEmpty
		return domain.Job{}, err
	}
	if err != nil {
		return domain.Job{}, err
	}

	_, err = tx.ExecContext(ctx, `UPDATE jobs SET state='running', attempts=attempts+1, updated_at=? WHERE id=?`, ms(r.now()), j.ID)
	if err != nil {
		return domain.Job{}, err
	}
	if err = tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	j.State = domain.JobRunning
	j.Attempts++
	return j, nil
}

func (r *SQLiteRepo) withAttempt(ctx context.Context, id string, success bool, errStr string, update string, args ...any) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var jobType string
	if err := tx.QueryRowContext(ctx, `SELECT type FROM jobs WHERE id=?`, id).Scan(&jobType); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
		}
		return err
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO job_attempts(job_id, job_type, finished_at, success, error) VALUES (?,?,?,?,?)`,
		id, jobType, ms(r.now()), success, errStr); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, update, args...); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *SQLiteRepo) MarkComplete(ctx context.Context, id string) error {
	return r.withAttempt(ctx, id, true, "", `DELETE FROM jobs WHERE id=?`, id)
}

func (r *SQLiteRepo) MarkFailed(ctx context.Context, id, reason string) error {
	return r.withAttempt(ctx, id, false, reason,
		`UPDATE jobs SET state='failed', last_error=?, updated_at=? WHERE id=?`, reason, ms(r.now()), id)
}

func (r *SQLiteRepo) Requeue(ctx context.Context, id string, runAt time.Time, reason string) error {
	return r.withAttempt(ctx, id, false, reason,
		`UPDATE jobs SET state='queued', last_error=?, run_at=?, updated_at=? WHERE id=?`, reason, ms(runAt), ms(r.now()), id)
}

// RecoverStale requeues jobs a previous process claimed but never finished.
// It assumes a single dispatching process per database.
func (r *SQLiteRepo) RecoverStale(ctx context.Context) (int, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE jobs SET state='queued', updated_at=? WHERE state='running'`, ms(r.now()))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *SQLiteRepo) Get(ctx context.Context, id string) (domain.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	return j, err
}

const scheduleColumns = `id,name,cron_expr,job_type,args,enabled,last_run,next_run,created_at,updated_at`

func scanSchedule(row rowScanner) (domain.Schedule, error) {
	var s domain.Schedule
	var lastRun sql.NullInt64
	var nextRun, created, updated int64
	if err := row.Scan(&s.ID, &s.Name, &s.CronExpr, &s.JobType, &s.Args, &s.Enabled, &lastRun, &nextRun, &created, &updated); err != nil {
		return domain.Schedule{}, err
	}
	if lastRun.Valid {
		t := fromMS(lastRun.Int64)
		s.LastRun = &t
	}
	s.NextRun = fromMS(nextRun)
	s.CreatedAt = fromMS(created)
	s.UpdatedAt = fromMS(updated)
	return s, nil
}

func (r *SQLiteRepo) CreateSchedule(ctx context.Context, s domain.Schedule) (string, error) {
	id := s.ID
	if id == "" {
		id = newScheduleID()
	}
	var lastRun sql.NullInt64
	if s.LastRun != nil {
		lastRun = sql.NullInt64{Int64: ms(*s.LastRun), Valid: true}
	}
	now := ms(r.now())
	_, err := r.db.ExecContext(ctx, `
INSERT INTO schedules (`+scheduleColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?)
`, id, s.Name, s.CronExpr, s.JobType, emptyArgs(s.Args), s.Enabled, lastRun, ms(s.NextRun), now, now)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (r *SQLiteRepo) GetSchedule(ctx context.Context, id string) (domain.Schedule, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id=?`, id)
	s, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Schedule{}, fmt.Errorf("schedule %s: %w", id, domain.ErrNotFound)
	}
	return s, err
}

func (r *SQLiteRepo) querySchedules(ctx context.Context, query string, args ...any) ([]domain.Schedule, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []domain.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}

func (r *SQLiteRepo) ListSchedules(ctx context.Context) ([]domain.Schedule, error) {
	return r.querySchedules(ctx, `SELECT `+scheduleColumns+` FROM schedules ORDER BY name`)
}

func (r *SQLiteRepo) UpdateSchedule(ctx context.Context, s domain.Schedule) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE schedules SET name=?,cron_expr=?,job_type=?,args=?,enabled=?,next_run=?,updated_at=?
WHERE id=?`, s.Name, s.CronExpr, s.JobType, emptyArgs(s.Args), s.Enabled, ms(s.NextRun), ms(r.now()), s.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("schedule %s: %w", s.ID, domain.ErrNotFound)
	}
	return nil
}

func (r *SQLiteRepo) DeleteSchedule(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM schedules WHERE id=?", id)
	return err
}

func (r *SQLiteRepo) GetDueSchedules(ctx context.Context, now time.Time) ([]domain.Schedule, error) {
	return r.querySchedules(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE enabled=1 AND next_run <= ? ORDER BY next_run`, ms(now))
}

func (r *SQLiteRepo) UpdateScheduleLastRun(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE schedules SET last_run=?,next_run=?,updated_at=? WHERE id=?`, ms(lastRun), ms(nextRun), ms(r.now()), id)
	return err
}
