package queue

import (
	"context"
	"errors"
	"time"

	"github.com/udaykr117/durableq/internal/job"
	"github.com/udaykr117/durableq/internal/worker"
)

// statsWindow is how many recent executions Stats aggregates.
const statsWindow = 1000

type Status struct {
	Counts        map[job.State]int `json:"counts"`
	Total         int               `json:"total"`
	ActiveWorkers int               `json:"active_workers"`
	WorkerPID     int               `json:"worker_pid,omitempty"`
}

// Status counts jobs per state and reports workers running either in this
// process or in the one named by the pid file.
func (s *Service) Status(ctx context.Context) (Status, error) {
	counts, err := s.store.CountByState(ctx)
	if err != nil {
		return Status{}, err
	}
	st := Status{Counts: counts}
	for _, n := range counts {
		st.Total += n
	}

	s.mu.Lock()
	pool := s.pool
	s.mu.Unlock()
	switch {
	case pool != nil && pool.Running():
		st.ActiveWorkers = pool.Count()
	case s.opts.PIDFile != "":
		info, err := worker.RunningWorkers(s.opts.PIDFile)
		if err != nil && !errors.Is(err, worker.ErrNoWorkers) {
			s.opts.Logger.Printf("Warning: failed to read worker PID file: %v", err)
		}
		if err == nil {
			st.ActiveWorkers = info.Count
			st.WorkerPID = info.PID
		}
	}
	return st, nil
}

type Stats struct {
	Status
	TotalProcessed int64   `json:"total_processed"`
	TotalSucceeded int64   `json:"total_succeeded"`
	TotalFailed    int64   `json:"total_failed"`
	TotalTimeout   int64   `json:"total_timeout"`
	SuccessRate    float64 `json:"success_rate"`
	AvgDurationMs  float64 `json:"avg_duration_ms"`
	Recent24h      int64   `json:"recent_24h_count"`
}

// Stats summarizes the status and the most recent executions.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	st, err := s.Status(ctx)
	if err != nil {
		return Stats{}, err
	}
	execs, err := s.store.RecentExecutions(ctx, "", statsWindow)
	if err != nil {
		return Stats{}, err
	}
	return summarize(st, execs, time.Now()), nil
}

func summarize(st Status, execs []job.Execution, now time.Time) Stats {
	stats := Stats{Status: st}
	var recentMs int64
	since := now.Add(-24 * time.Hour)
	for _, e := range execs {
		stats.TotalProcessed++
		if e.Success {
			stats.TotalSucceeded++
		} else {
			stats.TotalFailed++
		}
		if e.Timeout {
			stats.TotalTimeout++
		}
		if e.StartedAt.After(since) {
			stats.Recent24h++
			recentMs += e.DurationMs
		}
	}
	if stats.TotalProcessed > 0 {
		stats.SuccessRate = float64(stats.TotalSucceeded) / float64(stats.TotalProcessed) * 100
	}
	if stats.Recent24h > 0 {
		stats.AvgDurationMs = float64(recentMs) / float64(stats.Recent24h)
	}
	return stats
}
