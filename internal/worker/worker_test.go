package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/udaykr117/durableq/internal/backoff"
	"github.com/udaykr117/durableq/internal/executor"
	"github.com/udaykr117/durableq/internal/job"
	"github.com/udaykr117/durableq/internal/storage"
)

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func enqueue(t *testing.T, s storage.Store, id, command string, maxRetries int) {
	t.Helper()
	j, err := job.New(id, command, maxRetries, time.Now())
	if err != nil {
		t.Fatalf("new job: %v", err)
	}
	if err := s.Insert(context.Background(), j); err != nil {
		t.Fatalf("insert: %v", err)
	}
}

func waitForState(t *testing.T, s storage.Store, id string, want job.State, within time.Duration) *job.Job {
	t.Helper()
	deadline := time.Now().Add(within)
	for {
		j, err := s.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if j.State == want {
			return j
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s in state %s after %v, want %s", id, j.State, within, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func newTestPool(s storage.Store, count int, runner Runner) *Pool {
	logger := quietLogger()
	policy := backoff.NewPolicy(s)
	policy.Unit = time.Millisecond
	policy.Logger = logger
	if runner == nil {
		ex := executor.New("")
		ex.Logger = logger
		runner = ex
	}
	return NewPool(s, Options{
		Count:        count,
		PollInterval: 10 * time.Millisecond,
		Runner:       runner,
		Backoff:      policy,
		Logger:       logger,
	})
}

func startPool(t *testing.T, p *Pool) {
	t.Helper()
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { p.Stop() })
}

func TestEchoCompletes(t *testing.T) {
	s := storage.NewMemoryStore()
	enqueue(t, s, "hello", "echo hello", 3)
	startPool(t, newTestPool(s, 1, nil))

	j := waitForState(t, s, "hello", job.StateCompleted, 2*time.Second)
	if j.Attempts != 0 || j.LastError != "" {
		t.Errorf("completed job = %+v", j)
	}
	execs, err := s.RecentExecutions(context.Background(), "hello", 1)
	if err != nil || len(execs) != 1 {
		t.Fatalf("executions = %v, %v", execs, err)
	}
	if execs[0].Output != "hello" || !execs[0].Success || execs[0].WorkerID != "worker-1" {
		t.Errorf("execution = %+v", execs[0])
	}
}

func TestFailingJobGoesDead(t *testing.T) {
	s := storage.NewMemoryStore()
	enqueue(t, s, "fail", "exit 1", 2)
	startPool(t, newTestPool(s, 1, nil))

	j := waitForState(t, s, "fail", job.StateDead, 3*time.Second)
	if j.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", j.Attempts)
	}
	if j.LastError != "command exited with code 1" {
		t.Errorf("last_error = %q", j.LastError)
	}
	execs, _ := s.RecentExecutions(context.Background(), "fail", 10)
	if len(execs) != 3 {
		t.Errorf("recorded %d executions, want 3", len(execs))
	}
}

func TestSleepDirective(t *testing.T) {
	s := storage.NewMemoryStore()
	enqueue(t, s, "nap", "sleep 2", 0)
	start := time.Now()
	startPool(t, newTestPool(s, 1, nil))

	waitForState(t, s, "nap", job.StateCompleted, 4*time.Second)
	if elapsed := time.Since(start); elapsed < 2*time.Second {
		t.Errorf("completed after %v, want at least 2s", elapsed)
	}
}

// countingRunner records how many workers hold each job at once.
type countingRunner struct {
	mu      sync.Mutex
	holders map[string]*int32
	runs    map[string]int
	overlap atomic.Bool
}

func newCountingRunner() *countingRunner {
	return &countingRunner{holders: map[string]*int32{}, runs: map[string]int{}}
}

func (r *countingRunner) Run(_ context.Context, _, command string, _ time.Duration) executor.Result {
	r.mu.Lock()
	h, ok := r.holders[command]
	if !ok {
		h = new(int32)
		r.holders[command] = h
	}
	r.runs[command]++
	r.mu.Unlock()

	if atomic.AddInt32(h, 1) > 1 {
		r.overlap.Store(true)
	}
	time.Sleep(20 * time.Millisecond)
	atomic.AddInt32(h, -1)
	return executor.Result{}
}

func TestNoJobClaimedTwice(t *testing.T) {
	s := storage.NewMemoryStore()
	const jobs, workers = 5, 8
	for i := 0; i < jobs; i++ {
		enqueue(t, s, fmt.Sprintf("job%d", i), fmt.Sprintf("echo %d", i), 0)
	}
	runner := newCountingRunner()
	startPool(t, newTestPool(s, workers, runner))

	for i := 0; i < jobs; i++ {
		waitForState(t, s, fmt.Sprintf("job%d", i), job.StateCompleted, 2*time.Second)
	}
	if runner.overlap.Load() {
		t.Fatal("a job was held by two workers at once")
	}
	runner.mu.Lock()
	defer runner.mu.Unlock()
	for cmd, n := range runner.runs {
		if n != 1 {
			t.Errorf("%q ran %d times", cmd, n)
		}
	}
}

// blockingRunner holds every job until release is closed.
type blockingRunner struct {
	started chan string
	release chan struct{}
}

func (r *blockingRunner) Run(_ context.Context, _, command string, _ time.Duration) executor.Result {
	r.started <- command
	<-r.release
	return executor.Result{}
}

func TestStopWaitsForInFlightJob(t *testing.T) {
	s := storage.NewMemoryStore()
	enqueue(t, s, "long", "long-running", 0)
	runner := &blockingRunner{started: make(chan string, 1), release: make(chan struct{})}
	p := newTestPool(s, 2, runner)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	<-runner.started
	stopped := make(chan error, 1)
	go func() { stopped <- p.Stop() }()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a job was still running")
	case <-time.After(100 * time.Millisecond):
	}

	close(runner.release)
	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("stop: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the job finished")
	}

	j, _ := s.Get(context.Background(), "long")
	if j.State != job.StateCompleted {
		t.Errorf("state after shutdown = %s, want completed", j.State)
	}
	if p.Running() {
		t.Error("pool still running")
	}
	if err := p.Stop(); err != nil {
		t.Errorf("second stop: %v", err)
	}
}

func TestSleepInterruptedByStopIsRetried(t *testing.T) {
	s := storage.NewMemoryStore()
	// No retries left: counting the interruption as a failure would kill it.
	enqueue(t, s, "nap", "sleep 30", 0)
	p := newTestPool(s, 1, nil)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForState(t, s, "nap", job.StateProcessing, time.Second)

	done := make(chan struct{})
	go func() {
		p.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sleep directive did not observe shutdown")
	}

	j, _ := s.Get(context.Background(), "nap")
	if j.State != job.StatePending || j.Attempts != 0 || j.LastError != "" {
		t.Errorf("interrupted job = %+v", j)
	}
	if j.NextRunAt.After(time.Now()) {
		t.Errorf("next_run_at = %v, want immediately eligible", j.NextRunAt)
	}
	claimed, err := s.ClaimNext(context.Background(), time.Now())
	if err != nil || claimed == nil || claimed.ID != "nap" {
		t.Errorf("interrupted job not claimable: %v, %v", claimed, err)
	}
}

func TestPoolLifecycleErrors(t *testing.T) {
	s := storage.NewMemoryStore()
	p := newTestPool(s, 1, nil)
	if err := p.Stop(); !errors.Is(err, ErrPoolNotRunning) {
		t.Errorf("stop before start: %v", err)
	}
	startPool(t, p)
	if err := p.Start(context.Background()); !errors.Is(err, ErrPoolRunning) {
		t.Errorf("second start: %v", err)
	}

	bad := newTestPool(s, 0, nil)
	if err := bad.Start(context.Background()); !errors.Is(err, ErrInvalidCount) {
		t.Errorf("zero workers: %v", err)
	}
}

func TestSignalStopsOnce(t *testing.T) {
	s := storage.NewMemoryStore()
	p := newTestPool(s, 2, nil)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	sigs := make(chan os.Signal, 2)
	release := p.watchSignals(sigs)
	defer release()
	sigs <- os.Interrupt
	sigs <- syscall.SIGTERM

	waited := make(chan struct{})
	go func() {
		p.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(2 * time.Second):
		t.Fatal("signal did not stop the pool")
	}
	deadline := time.Now().Add(time.Second)
	for p.Running() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if p.Running() {
		t.Error("pool still marked running")
	}
}

func TestPIDFileLifecycle(t *testing.T) {
	s := storage.NewMemoryStore()
	path := filepath.Join(t.TempDir(), PIDFileName)
	p := newTestPool(s, 3, nil)
	p.opts.PIDFile = path
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	info, err := RunningWorkers(path)
	if err != nil {
		t.Fatalf("running workers: %v", err)
	}
	if info.PID != os.Getpid() || info.Count != 3 {
		t.Errorf("pid file = %+v", info)
	}

	p.Stop()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("pid file not removed: %v", err)
	}
	if _, err := RunningWorkers(path); !errors.Is(err, ErrNoWorkers) {
		t.Errorf("after stop: %v", err)
	}
}

// failingRunner fails every job.
type failingRunner struct{}

func (failingRunner) Run(context.Context, string, string, time.Duration) executor.Result {
	return executor.Result{Err: errors.New("boom")}
}

func TestRetryDelayFollowsConfiguredBase(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemoryStore()
	w := New("worker-1", s, failingRunner{})
	w.Logger = quietLogger()
	w.Backoff.Logger = w.Logger

	enqueue(t, s, "a", "x", 3)
	if claimed, err := w.RunOnce(ctx); !claimed || err != nil {
		t.Fatalf("run once: %v, %v", claimed, err)
	}
	j, _ := s.Get(ctx, "a")
	if j.State != job.StatePending || j.Attempts != 1 || j.LastError != "boom" {
		t.Fatalf("after first failure: %+v", j)
	}
	if d := j.NextRunAt.Sub(j.UpdatedAt); d != 2*time.Second {
		t.Errorf("delay = %v, want 2s", d)
	}

	if err := s.SetConfig(ctx, storage.ConfigBackoffBase, "3"); err != nil {
		t.Fatal(err)
	}
	enqueue(t, s, "b", "x", 3)
	if claimed, err := w.RunOnce(ctx); !claimed || err != nil {
		t.Fatalf("run once: %v, %v", claimed, err)
	}
	j, _ = s.Get(ctx, "b")
	if d := j.NextRunAt.Sub(j.UpdatedAt); d != 3*time.Second {
		t.Errorf("delay after config change = %v, want 3s", d)
	}

	if claimed, _ := w.RunOnce(ctx); claimed {
		t.Error("claimed a job that is still backing off")
	}
}

func TestJobTimeoutFromConfig(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemoryStore()
	if err := s.SetConfig(ctx, storage.ConfigJobTimeout, "0.2"); err != nil {
		t.Fatal(err)
	}
	ex := executor.New("")
	ex.Logger = quietLogger()
	w := New("worker-1", s, ex)
	w.Logger = quietLogger()

	enqueue(t, s, "slow", "exec sleep 5", 0)
	start := time.Now()
	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("timeout not applied, took %v", elapsed)
	}
	j, _ := s.Get(ctx, "slow")
	if j.State != job.StateDead {
		t.Errorf("state = %s, want dead", j.State)
	}
	execs, _ := s.RecentExecutions(ctx, "slow", 1)
	if len(execs) != 1 || !execs[0].Timeout {
		t.Errorf("execution = %+v", execs)
	}
}

func TestHugeJobTimeoutSaturates(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemoryStore()
	if err := s.SetConfig(ctx, storage.ConfigJobTimeout, "1e12"); err != nil {
		t.Fatal(err)
	}
	ex := executor.New("")
	ex.Logger = quietLogger()
	w := New("worker-1", s, ex)
	w.Logger = quietLogger()

	if got := w.jobTimeout(ctx); got != time.Duration(math.MaxInt64) {
		t.Fatalf("jobTimeout = %v, want max duration", got)
	}
	enqueue(t, s, "quick", "echo ok", 0)
	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if j, _ := s.Get(ctx, "quick"); j.State != job.StateCompleted {
		t.Errorf("state = %s, want completed", j.State)
	}
}

// flakyStore fails the first Finalize with a store error.
type flakyStore struct {
	storage.Store
	failures atomic.Int32
}

func (f *flakyStore) Finalize(ctx context.Context, id string, u job.Update) error {
	if f.failures.Add(-1) >= 0 {
		return &storage.Error{Op: "finalize job", Err: errors.New("database is locked")}
	}
	return f.Store.Finalize(ctx, id, u)
}

func TestFinalizeRetriesStoreErrors(t *testing.T) {
	ctx := context.Background()
	s := &flakyStore{Store: storage.NewMemoryStore()}
	s.failures.Store(2)
	w := New("worker-1", s, &countingRunner{holders: map[string]*int32{}, runs: map[string]int{}})
	w.Logger = quietLogger()
	w.PollInterval = time.Millisecond

	enqueue(t, s, "a", "echo", 0)
	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}
	j, _ := s.Get(ctx, "a")
	if j.State != job.StateCompleted {
		t.Errorf("state = %s, want completed", j.State)
	}
}
