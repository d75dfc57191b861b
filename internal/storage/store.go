// Package storage persists jobs, configuration and execution history.
//
// Every backend makes ClaimNext a single atomic read-modify-write: two
// concurrent callers never receive the same job. Finalize and Requeue write
// absolute values, so retrying a write that may have failed is safe.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/udaykr117/durableq/internal/job"
)

type Store interface {
	// Insert persists a new job. It returns job.ErrDuplicateID when the id
	// is taken.
	Insert(ctx context.Context, j *job.Job) error
	// ClaimNext moves the oldest eligible pending job to processing and
	// returns it, or returns nil when nothing is eligible at now.
	ClaimNext(ctx context.Context, now time.Time) (*job.Job, error)
	// Finalize writes the result of a processing job.
	Finalize(ctx context.Context, id string, u job.Update) error
	// Requeue forces a job back to pending with zero attempts, whatever
	// its current state.
	Requeue(ctx context.Context, id string, now time.Time) error
	// RequeueDead is Requeue guarded on the job being dead. It returns
	// ErrNotDead, and changes nothing, for a job in any other state.
	RequeueDead(ctx context.Context, id string, now time.Time) error

	Get(ctx context.Context, id string) (*job.Job, error)
	// List returns jobs in creation order; an empty state means all.
	List(ctx context.Context, state job.State) ([]*job.Job, error)
	CountByState(ctx context.Context) (map[job.State]int, error)

	// GetConfig falls back to Defaults for known keys and returns
	// ErrConfigNotFound otherwise.
	GetConfig(ctx context.Context, key string) (string, error)
	SetConfig(ctx context.Context, key, value string) error
	AllConfig(ctx context.Context) (map[string]string, error)

	RecordExecution(ctx context.Context, e job.Execution) error
	// RecentExecutions returns newest first; an empty jobID means all jobs.
	RecentExecutions(ctx context.Context, jobID string, limit int) ([]job.Execution, error)

	Close() error
}

const (
	ConfigMaxRetries  = "max_retries"
	ConfigBackoffBase = "backoff_base"
	ConfigBackoffMax  = "backoff_max"
	ConfigJobTimeout  = "job_timeout"
)

// Defaults are returned by GetConfig when a known key was never set.
var Defaults = map[string]string{
	ConfigMaxRetries:  "3",
	ConfigBackoffBase: "2",
	ConfigBackoffMax:  "0",
	ConfigJobTimeout:  "0",
}

var (
	ErrConfigNotFound = errors.New("config key not found")
	ErrNotDead        = errors.New("job is not in the dead letter queue")
)

// Error wraps a failure of the underlying store. Workers treat it as
// transient.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("failed to %s: %v", e.Op, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

// Open selects a backend from a store URL:
//
//	"" or "sqlite"        <dataDir>/jobs.db
//	"sqlite:///path.db"   the given file
//	"redis://host:port/n" a Redis server
//	"memory"              a process-local store
func Open(ctx context.Context, url, dataDir string) (Store, error) {
	switch {
	case url == "" || url == "sqlite":
		return NewSQLiteStore(filepath.Join(dataDir, "jobs.db"))
	case strings.HasPrefix(url, "sqlite://"):
		return NewSQLiteStore(strings.TrimPrefix(url, "sqlite://"))
	case strings.HasPrefix(url, "redis://"), strings.HasPrefix(url, "rediss://"):
		opts, err := redis.ParseURL(url)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		return NewRedisStore(ctx, redis.NewClient(opts), DefaultRedisPrefix)
	case url == "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported store %q", url)
	}
}

// Timestamps are stored as fixed-width UTC strings so that lexical order is
// chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC(), err
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func defaultLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	return limit
}
