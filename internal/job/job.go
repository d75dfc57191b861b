// Package job defines the persisted job record and its state machine.
package job

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateDead       State = "dead"
)

// States lists every state in lifecycle order.
var States = []State{StatePending, StateProcessing, StateCompleted, StateDead}

// MaxErrorLength bounds the stored last_error text, in characters.
const MaxErrorLength = 500

var (
	ErrInvalid           = errors.New("invalid job")
	ErrMissingCommand    = fmt.Errorf("%w: missing job command", ErrInvalid)
	ErrInvalidMaxRetries = fmt.Errorf("%w: max_retries must not be negative", ErrInvalid)
	ErrInvalidState      = fmt.Errorf("%w: unknown state", ErrInvalid)
	ErrDuplicateID       = errors.New("duplicate job id")
	ErrNotFound          = errors.New("job not found")
)

type Job struct {
	ID         string    `json:"id"`
	Command    string    `json:"command"`
	State      State     `json:"state"`
	Attempts   int       `json:"attempts"`
	MaxRetries int       `json:"max_retries"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	NextRunAt  time.Time `json:"next_run_at"`
	LastError  string    `json:"last_error,omitempty"`
}

// New builds a pending job that is eligible immediately. An empty id is
// replaced by a random UUID.
func New(id, command string, maxRetries int, now time.Time) (*Job, error) {
	command = NormalizeCommand(command)
	if command == "" {
		return nil, ErrMissingCommand
	}
	if maxRetries < 0 {
		return nil, ErrInvalidMaxRetries
	}
	if id = strings.TrimSpace(id); id == "" {
		id = uuid.NewString()
	}
	now = now.UTC()
	return &Job{
		ID:         id,
		Command:    command,
		State:      StatePending,
		MaxRetries: maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
		NextRunAt:  now,
	}, nil
}

// NormalizeCommand trims whitespace and one pair of wrapping single quotes,
// which shells leave in place when a command is quoted twice.
func NormalizeCommand(command string) string {
	command = strings.TrimSpace(command)
	if len(command) >= 2 && strings.HasPrefix(command, "'") && strings.HasSuffix(command, "'") {
		command = strings.TrimSpace(command[1 : len(command)-1])
	}
	return command
}

// ParseState accepts a state name case-insensitively. The empty string
// parses to the empty state, meaning "any".
func ParseState(s string) (State, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "", nil
	}
	for _, st := range States {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidState, s)
}

// Eligible reports whether the job may be claimed at now.
func (j *Job) Eligible(now time.Time) bool {
	return j.State == StatePending && !j.NextRunAt.After(now)
}

// Terminal reports whether no worker will touch the job again without a
// manual requeue.
func (j *Job) Terminal() bool {
	return j.State == StateCompleted || j.State == StateDead
}

// TruncateError shortens msg to MaxErrorLength characters.
func TruncateError(msg string) string {
	msg = strings.TrimSpace(msg)
	r := []rune(msg)
	if len(r) <= MaxErrorLength {
		return msg
	}
	return string(r[:MaxErrorLength])
}
