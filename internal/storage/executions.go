package storage

import (
	"context"

	"github.com/udaykr117/durableq/internal/job"
)

func (s *SQLiteStore) RecordExecution(ctx context.Context, e job.Execution) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_executions (job_id, worker_id, command, started_at, completed_at, duration_ms, success, timeout, error, output)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.JobID,
		e.WorkerID,
		e.Command,
		formatTime(e.StartedAt),
		formatTime(e.CompletedAt),
		e.DurationMs,
		boolInt(e.Success),
		boolInt(e.Timeout),
		e.Error,
		job.TruncateOutput(e.Output),
	)
	return storeErr("record job execution", err)
}

func (s *SQLiteStore) RecentExecutions(ctx context.Context, jobID string, limit int) ([]job.Execution, error) {
	query := `
		SELECT job_id, worker_id, command, started_at, completed_at, duration_ms, success, timeout, error, output
		FROM job_executions`
	var args []any
	if jobID != "" {
		query += ` WHERE job_id = ?`
		args = append(args, jobID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, defaultLimit(limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("get recent executions", err)
	}
	defer rows.Close()

	var executions []job.Execution
	for rows.Next() {
		var (
			e                      job.Execution
			startedAt, completedAt string
			success, timeout       int
		)
		if err := rows.Scan(&e.JobID, &e.WorkerID, &e.Command, &startedAt, &completedAt,
			&e.DurationMs, &success, &timeout, &e.Error, &e.Output); err != nil {
			return nil, storeErr("scan execution", err)
		}
		e.StartedAt, _ = parseTime(startedAt)
		e.CompletedAt, _ = parseTime(completedAt)
		e.Success = success == 1
		e.Timeout = timeout == 1
		executions = append(executions, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("get recent executions", err)
	}
	return executions, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
