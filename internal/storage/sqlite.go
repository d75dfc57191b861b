package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/udaykr117/durableq/internal/job"
)

const schema = `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		command TEXT NOT NULL,
		state TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 3,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		next_run_at INTEGER NOT NULL,
		last_error TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(state, next_run_at, created_at);

	CREATE TABLE IF NOT EXISTS config (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS job_executions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL,
		worker_id TEXT NOT NULL DEFAULT '',
		command TEXT NOT NULL DEFAULT '',
		started_at TEXT NOT NULL,
		completed_at TEXT NOT NULL,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		success INTEGER NOT NULL DEFAULT 0,
		timeout INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		output TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_job_executions_job ON job_executions(job_id);
	`

const jobColumns = `id, command, state, attempts, max_retries, created_at, updated_at, next_run_at, last_error`

// SQLiteStore keeps everything in one SQLite file. A single connection
// serializes access within the process; WAL and a busy timeout cover other
// processes (the CLI) touching the same file.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", "file:"+path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=1")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err = db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	for key, value := range Defaults {
		if _, err = db.Exec(`INSERT OR IGNORE INTO config (key, value) VALUES (?, ?)`, key, value); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to seed config: %w", err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteStore) Insert(ctx context.Context, j *job.Job) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID,
		j.Command,
		string(j.State),
		j.Attempts,
		j.MaxRetries,
		formatTime(j.CreatedAt),
		formatTime(j.UpdatedAt),
		toMillis(j.NextRunAt),
		j.LastError,
	)
	if err != nil {
		var sqErr sqlite3.Error
		if errors.As(err, &sqErr) && sqErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
			return fmt.Errorf("%w: %s", job.ErrDuplicateID, j.ID)
		}
		return storeErr("create job", err)
	}
	return nil
}

// ClaimNext selects and marks the job in one statement, so no other
// connection can observe it between the read and the write.
func (s *SQLiteStore) ClaimNext(ctx context.Context, now time.Time) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE jobs SET state = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE state = ? AND next_run_at <= ?
			ORDER BY created_at ASC, rowid ASC
			LIMIT 1
		)
		RETURNING `+jobColumns,
		string(job.StateProcessing),
		formatTime(now),
		string(job.StatePending),
		toMillis(now),
	)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("claim job", err)
	}
	return j, nil
}

func (s *SQLiteStore) Finalize(ctx context.Context, id string, u job.Update) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET state = ?, attempts = ?, next_run_at = ?, last_error = ?, updated_at = ?
		WHERE id = ?`,
		string(u.State),
		u.Attempts,
		toMillis(u.NextRunAt),
		u.LastError,
		formatTime(u.UpdatedAt),
		id,
	)
	if err != nil {
		return storeErr("finalize job", err)
	}
	return requireRow(res, id)
}

func (s *SQLiteStore) Requeue(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET state = ?, attempts = 0, next_run_at = ?, updated_at = ?
		WHERE id = ?`,
		string(job.StatePending),
		toMillis(now),
		formatTime(now),
		id,
	)
	if err != nil {
		return storeErr("requeue job", err)
	}
	return requireRow(res, id)
}

func (s *SQLiteStore) RequeueDead(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET state = ?, attempts = 0, next_run_at = ?, updated_at = ?
		WHERE id = ? AND state = ?`,
		string(job.StatePending),
		toMillis(now),
		formatTime(now),
		id,
		string(job.StateDead),
	)
	if err != nil {
		return storeErr("requeue dead job", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("requeue dead job", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", ErrNotDead, id)
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", job.ErrNotFound, id)
	}
	if err != nil {
		return nil, storeErr("get job", err)
	}
	return j, nil
}

func (s *SQLiteStore) List(ctx context.Context, state job.State) ([]*job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []any
	if state != "" {
		query += ` WHERE state = ?`
		args = append(args, string(state))
	}
	query += ` ORDER BY created_at ASC, rowid ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list jobs", err)
	}
	defer rows.Close()

	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, storeErr("scan job", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list jobs", err)
	}
	return jobs, nil
}

func (s *SQLiteStore) CountByState(ctx context.Context) (map[job.State]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, storeErr("count jobs", err)
	}
	defer rows.Close()

	counts := emptyCounts()
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, storeErr("scan job count", err)
		}
		counts[job.State(state)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("count jobs", err)
	}
	return counts, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*job.Job, error) {
	var (
		j                    job.Job
		state                string
		createdAt, updatedAt string
		nextRunAt            int64
	)
	if err := row.Scan(
		&j.ID,
		&j.Command,
		&state,
		&j.Attempts,
		&j.MaxRetries,
		&createdAt,
		&updatedAt,
		&nextRunAt,
		&j.LastError,
	); err != nil {
		return nil, err
	}
	j.State = job.State(state)
	j.NextRunAt = fromMillis(nextRunAt)

	var err error
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("invalid created_at %q: %w", createdAt, err)
	}
	if j.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("invalid updated_at %q: %w", updatedAt, err)
	}
	return &j, nil
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("read rows affected", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", job.ErrNotFound, id)
	}
	return nil
}

func emptyCounts() map[job.State]int {
	counts := make(map[job.State]int, len(job.States))
	for _, st := range job.States {
		counts[st] = 0
	}
	return counts
}
