// Package queue is the surface the CLI and dashboard call: enqueueing,
// listing, configuration, DLQ replay and the worker pool.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/udaykr117/durableq/internal/executor"
	"github.com/udaykr117/durableq/internal/job"
	"github.com/udaykr117/durableq/internal/metrics"
	"github.com/udaykr117/durableq/internal/storage"
	"github.com/udaykr117/durableq/internal/worker"
)

var (
	ErrNotDead        = storage.ErrNotDead
	ErrInvalidConfig  = errors.New("invalid config value")
	ErrPoolRunning    = worker.ErrPoolRunning
	ErrPoolNotRunning = worker.ErrPoolNotRunning
)

type Options struct {
	PollInterval time.Duration
	Shell        string
	// PIDFile, when set, marks a running pool for other processes.
	PIDFile string
	Logger  *log.Logger
}

type Service struct {
	store storage.Store
	opts  Options

	mu   sync.Mutex
	pool *worker.Pool
}

func New(store storage.Store, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Service{store: store, opts: opts}
}

func (s *Service) Store() storage.Store { return s.store }

// Spec describes a job to enqueue. A nil MaxRetries takes the configured
// max_retries and an empty ID gets a generated one.
type Spec struct {
	ID         string `json:"id,omitempty"`
	Command    string `json:"command"`
	MaxRetries *int   `json:"max_retries,omitempty"`
}

func (s *Service) Enqueue(ctx context.Context, spec Spec) (*job.Job, error) {
	maxRetries, err := s.maxRetries(ctx, spec.MaxRetries)
	if err != nil {
		return nil, err
	}
	j, err := job.New(spec.ID, spec.Command, maxRetries, time.Now())
	if err != nil {
		return nil, err
	}
	if err := s.store.Insert(ctx, j); err != nil {
		return nil, err
	}
	metrics.JobsEnqueuedTotal.Inc()
	return j, nil
}

func (s *Service) maxRetries(ctx context.Context, override *int) (int, error) {
	if override != nil {
		return *override, nil
	}
	raw, err := s.store.GetConfig(ctx, storage.ConfigMaxRetries)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		s.opts.Logger.Printf("Warning: invalid max_retries %q, using %s", raw, storage.Defaults[storage.ConfigMaxRetries])
		n, _ = strconv.Atoi(storage.Defaults[storage.ConfigMaxRetries])
	}
	return n, nil
}

// ItemError reports one rejected entry of a batch.
type ItemError struct {
	Index int
	ID    string
	Err   error
}

func (e ItemError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("job %d (%s): %v", e.Index+1, e.ID, e.Err)
	}
	return fmt.Sprintf("job %d: %v", e.Index+1, e.Err)
}

func (e ItemError) Unwrap() error { return e.Err }

type BatchResult struct {
	Jobs   []*job.Job
	Errors []ItemError
}

// EnqueueBatch inserts every valid spec. Rejected entries are reported and
// do not stop the rest; a store failure aborts the batch.
func (s *Service) EnqueueBatch(ctx context.Context, specs []Spec) (BatchResult, error) {
	var res BatchResult
	for i, spec := range specs {
		j, err := s.Enqueue(ctx, spec)
		if err != nil {
			var se *storage.Error
			if errors.As(err, &se) {
				return res, err
			}
			res.Errors = append(res.Errors, ItemError{Index: i, ID: spec.ID, Err: err})
			continue
		}
		res.Jobs = append(res.Jobs, j)
	}
	return res, nil
}

func (s *Service) ListJobs(ctx context.Context, state string) ([]*job.Job, error) {
	st, err := job.ParseState(state)
	if err != nil {
		return nil, err
	}
	return s.store.List(ctx, st)
}

func (s *Service) Get(ctx context.Context, id string) (*job.Job, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) RecentExecutions(ctx context.Context, jobID string, limit int) ([]job.Execution, error) {
	return s.store.RecentExecutions(ctx, jobID, limit)
}

// RequeueFromDLQ moves a dead job back to pending with its attempts reset.
func (s *Service) RequeueFromDLQ(ctx context.Context, id string) (*job.Job, error) {
	if err := s.store.RequeueDead(ctx, id, time.Now()); err != nil {
		return nil, err
	}
	metrics.JobsRequeuedTotal.Inc()
	return s.store.Get(ctx, id)
}

func (s *Service) DeadJobs(ctx context.Context) ([]*job.Job, error) {
	return s.store.List(ctx, job.StateDead)
}

// StartPool launches count workers in this process.
func (s *Service) StartPool(ctx context.Context, count int) (*worker.Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool != nil && s.pool.Running() {
		return nil, ErrPoolRunning
	}
	ex := executor.New(s.opts.Shell)
	ex.Logger = s.opts.Logger
	pool := worker.NewPool(s.store, worker.Options{
		Count:        count,
		PollInterval: s.opts.PollInterval,
		Runner:       ex,
		PIDFile:      s.opts.PIDFile,
		Logger:       s.opts.Logger,
	})
	if err := pool.Start(ctx); err != nil {
		return nil, err
	}
	s.pool = pool
	return pool, nil
}

// StopPool gracefully stops the pool started by StartPool.
func (s *Service) StopPool() error {
	s.mu.Lock()
	pool := s.pool
	s.mu.Unlock()
	if pool == nil {
		return ErrPoolNotRunning
	}
	return pool.Stop()
}
