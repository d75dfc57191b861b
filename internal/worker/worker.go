// Package worker runs claimed jobs: a single claim/execute/finalize loop and
// a pool that owns several of them.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/udaykr117/durableq/internal/backoff"
	"github.com/udaykr117/durableq/internal/executor"
	"github.com/udaykr117/durableq/internal/job"
	"github.com/udaykr117/durableq/internal/metrics"
	"github.com/udaykr117/durableq/internal/storage"
)

const (
	DefaultPollInterval = time.Second

	finalizeAttempts = 3
)

// Runner executes one command. *executor.Executor implements it.
type Runner interface {
	Run(ctx context.Context, label, command string, timeout time.Duration) executor.Result
}

type Worker struct {
	ID           string
	Store        storage.Store
	Runner       Runner
	Backoff      *backoff.Policy
	PollInterval time.Duration
	Logger       *log.Logger
}

func New(id string, store storage.Store, runner Runner) *Worker {
	return &Worker{
		ID:           id,
		Store:        store,
		Runner:       runner,
		Backoff:      backoff.NewPolicy(store),
		PollInterval: DefaultPollInterval,
		Logger:       log.Default(),
	}
}

// Run polls until ctx is cancelled. Cancellation is observed between jobs
// and inside the sleep directive; a running OS command and its finalize
// always complete first.
func (w *Worker) Run(ctx context.Context) {
	w.logf("[%s] Started", w.ID)
	metrics.ActiveWorkers.Inc()
	defer metrics.ActiveWorkers.Dec()

	for {
		select {
		case <-ctx.Done():
			w.logf("[%s] Shutting down...", w.ID)
			return
		default:
		}

		claimed, err := w.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			w.logf("[%s] Error getting job: %v", w.ID, err)
			metrics.StoreErrorsTotal.WithLabelValues("claim").Inc()
		}
		if !claimed {
			w.idle(ctx)
		}
	}
}

// RunOnce claims at most one eligible job and processes it. It reports
// whether a job was claimed.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	j, err := w.Store.ClaimNext(ctx, time.Now())
	if err != nil {
		return false, err
	}
	if j == nil {
		return false, nil
	}
	metrics.JobsClaimedTotal.Inc()
	w.process(ctx, j)
	return true, nil
}

func (w *Worker) process(ctx context.Context, j *job.Job) {
	// Store writes must land even when shutdown starts mid-job.
	bg := context.WithoutCancel(ctx)

	w.logf("[%s] Processing job %s (%s)", w.ID, j.ID, j.Command)
	timeout := w.jobTimeout(bg)

	started := time.Now()
	res := w.Runner.Run(ctx, "["+w.ID+"]", j.Command, timeout)
	finished := time.Now()
	metrics.JobDurationSeconds.Observe(res.Duration.Seconds())

	if res.Stdout != "" {
		w.logf("[%s] Job %s stdout: %s", w.ID, j.ID, res.Stdout)
	}
	if res.Stderr != "" {
		w.logf("[%s] Job %s stderr: %s", w.ID, j.ID, res.Stderr)
	}

	outcome := job.Outcome{
		Succeeded:   res.Succeeded(),
		Interrupted: errors.Is(res.Err, executor.ErrInterrupted),
	}
	if res.Err != nil {
		outcome.Error = res.Err.Error()
	}
	u := j.Resolve(outcome, finished, func(attempts int) time.Duration {
		return w.Backoff.For(bg, attempts)
	})

	if err := w.finalize(bg, j.ID, u); err != nil {
		w.logf("[%s] Failed to finalize job %s, it stays in processing: %v", w.ID, j.ID, err)
		return
	}
	w.report(j, u, res)

	exec := job.Execution{
		JobID:       j.ID,
		WorkerID:    w.ID,
		Command:     j.Command,
		StartedAt:   started,
		CompletedAt: finished,
		DurationMs:  finished.Sub(started).Milliseconds(),
		Success:     res.Succeeded(),
		Timeout:     res.TimedOut,
		Error:       outcome.Error,
		Output:      res.Output(),
	}
	if err := w.Store.RecordExecution(bg, exec); err != nil {
		w.logf("[%s] Error recording execution of job %s: %v", w.ID, j.ID, err)
	}
}

func (w *Worker) report(j *job.Job, u job.Update, res executor.Result) {
	if res.TimedOut {
		metrics.JobsTimeoutTotal.Inc()
	}
	switch u.State {
	case job.StateCompleted:
		metrics.JobsCompletedTotal.Inc()
		w.logf("[%s] Job %s completed successfully", w.ID, j.ID)
	case job.StatePending:
		if u.Attempts == j.Attempts {
			w.logf("[%s] Job %s interrupted by shutdown, returned to pending", w.ID, j.ID)
			return
		}
		metrics.JobsFailedTotal.WithLabelValues(metrics.ResultRetry).Inc()
		delay := u.NextRunAt.Sub(u.UpdatedAt).Round(time.Millisecond)
		w.logf("[%s] Job %s failed (attempt %d of %d): %s, retrying in %v",
			w.ID, j.ID, u.Attempts, j.MaxRetries+1, u.LastError, delay)
	case job.StateDead:
		metrics.JobsFailedTotal.WithLabelValues(metrics.ResultDead).Inc()
		w.logf("[%s] Job %s failed (attempt %d of %d): %s, moved to DLQ after %d attempts",
			w.ID, j.ID, u.Attempts, j.MaxRetries+1, u.LastError, u.Attempts)
	}
}

// finalize retries transient store failures. The update holds absolute
// values, so a write that landed before its error was reported is harmless
// to repeat.
func (w *Worker) finalize(ctx context.Context, id string, u job.Update) error {
	var err error
	for i := 1; i <= finalizeAttempts; i++ {
		if err = w.Store.Finalize(ctx, id, u); err == nil {
			return nil
		}
		var se *storage.Error
		if !errors.As(err, &se) {
			return err
		}
		metrics.StoreErrorsTotal.WithLabelValues("finalize").Inc()
		w.logf("[%s] Error finalizing job %s (try %d of %d): %v", w.ID, id, i, finalizeAttempts, err)
		if i < finalizeAttempts {
			time.Sleep(w.pollInterval())
		}
	}
	return fmt.Errorf("failed to finalize job %s: %w", id, err)
}

// jobTimeout reads job_timeout in seconds; zero or an invalid value means
// no timeout.
func (w *Worker) jobTimeout(ctx context.Context) time.Duration {
	raw, err := w.Store.GetConfig(ctx, storage.ConfigJobTimeout)
	if err != nil {
		return 0
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil || secs <= 0 {
		return 0
	}
	return backoff.Scale(secs, time.Second)
}

func (w *Worker) idle(ctx context.Context) {
	t := time.NewTimer(w.pollInterval())
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func (w *Worker) pollInterval() time.Duration {
	if w.PollInterval <= 0 {
		return DefaultPollInterval
	}
	return w.PollInterval
}

func (w *Worker) logf(format string, args ...any) {
	if w.Logger != nil {
		w.Logger.Printf(format, args...)
	}
}
