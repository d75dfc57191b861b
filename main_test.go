package main

import (
	"context"
	"errors"
	"testing"

	"github.com/udaykr117/durableq/internal/config"
	"github.com/udaykr117/durableq/internal/job"
	"github.com/udaykr117/durableq/internal/storage"
)

// runCLI runs one command line against a fresh data directory and returns
// the store the command opened.
func runCLI(t *testing.T, dir string, args ...string) (storage.Store, error) {
	t.Helper()
	t.Setenv(config.EnvDataDir, dir)
	t.Setenv(config.EnvStore, "")

	err := run(append([]string{"--data-dir", dir}, args...))
	return svc.Store(), err
}

func TestFailedCommandClosesStore(t *testing.T) {
	dir := t.TempDir()

	s, err := runCLI(t, dir, "dlq", "retry", "missing")
	if !errors.Is(err, job.ErrNotFound) {
		t.Fatalf("retry missing job: got %v, want ErrNotFound", err)
	}
	if store != nil {
		t.Errorf("store still set after failed command")
	}
	if _, err := s.CountByState(context.Background()); err == nil {
		t.Errorf("store still usable after failed command")
	}
}

func TestEnqueueWithNoValidJobsFails(t *testing.T) {
	dir := t.TempDir()

	s, err := runCLI(t, dir, "enqueue", `[{"id": "no-command"}]`)
	if !errors.Is(err, errNothingEnqueued) {
		t.Fatalf("enqueue: got %v, want errNothingEnqueued", err)
	}
	if _, err := s.CountByState(context.Background()); err == nil {
		t.Errorf("store still usable after failed enqueue")
	}

	if _, err := runCLI(t, dir, "enqueue", "--id", "ok", "echo", "hi"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := runCLI(t, dir, "status"); err != nil {
		t.Fatalf("status: %v", err)
	}
}
