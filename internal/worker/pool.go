package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/udaykr117/durableq/internal/backoff"
	"github.com/udaykr117/durableq/internal/executor"
	"github.com/udaykr117/durableq/internal/storage"
)

var (
	ErrPoolRunning    = errors.New("workers are already running")
	ErrPoolNotRunning = errors.New("no workers are running")
	ErrInvalidCount   = errors.New("worker count must be at least 1")
)

type Options struct {
	Count        int
	PollInterval time.Duration
	// Runner defaults to an executor using the default shell.
	Runner  Runner
	Backoff *backoff.Policy
	// PIDFile is written on Start and removed on Stop when set.
	PIDFile string
	Logger  *log.Logger
}

// Pool owns a set of workers sharing one store. Stop is graceful: it
// cancels the shared context and waits for every worker to return.
type Pool struct {
	store storage.Store
	opts  Options

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	done    chan struct{}
}

func NewPool(store storage.Store, opts Options) *Pool {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Runner == nil {
		ex := executor.New("")
		ex.Logger = opts.Logger
		opts.Runner = ex
	}
	if opts.Backoff == nil {
		opts.Backoff = backoff.NewPolicy(store)
		opts.Backoff.Logger = opts.Logger
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &Pool{store: store, opts: opts}
}

// Start launches Count workers. They run until ctx is cancelled or Stop is
// called.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return ErrPoolRunning
	}
	if p.opts.Count < 1 {
		return ErrInvalidCount
	}
	if p.opts.PIDFile != "" {
		if err := WritePIDFile(p.opts.PIDFile, p.opts.Count); err != nil {
			return err
		}
	}

	ctx, p.cancel = context.WithCancel(ctx)
	p.running = true
	p.done = make(chan struct{})

	for i := 0; i < p.opts.Count; i++ {
		w := &Worker{
			ID:           fmt.Sprintf("worker-%d", i+1),
			Store:        p.store,
			Runner:       p.opts.Runner,
			Backoff:      p.opts.Backoff,
			PollInterval: p.opts.PollInterval,
			Logger:       p.opts.Logger,
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			w.Run(ctx)
		}()
	}

	done := p.done
	go func() {
		p.wg.Wait()
		close(done)
	}()

	p.opts.Logger.Printf("Started %d workers (PID: %d)", p.opts.Count, os.Getpid())
	return nil
}

// Stop cancels every worker and blocks until all of them have finished
// their current job. Calling it again after shutdown returns nil.
func (p *Pool) Stop() error {
	p.mu.Lock()
	if p.done == nil {
		p.mu.Unlock()
		return ErrPoolNotRunning
	}
	cancel, done, wasRunning := p.cancel, p.done, p.running
	p.mu.Unlock()

	if wasRunning {
		p.opts.Logger.Println("Stopping workers...")
	}
	cancel()
	<-done

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		p.running = false
		if p.opts.PIDFile != "" {
			if err := os.Remove(p.opts.PIDFile); err != nil && !os.IsNotExist(err) {
				p.opts.Logger.Printf("Warning: failed to remove PID file: %v", err)
			}
		}
		p.opts.Logger.Println("All workers stopped")
	}
	return nil
}

// Wait blocks until every worker has returned, whoever stopped them.
func (p *Pool) Wait() {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (p *Pool) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Pool) Count() int { return p.opts.Count }

// StopOnSignal runs Stop on the first SIGINT or SIGTERM. Later signals are
// logged and ignored. The returned func detaches the handler.
func (p *Pool) StopOnSignal() func() {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	release := p.watchSignals(sigs)
	return func() {
		signal.Stop(sigs)
		release()
	}
}

func (p *Pool) watchSignals(sigs <-chan os.Signal) func() {
	quit := make(chan struct{})
	var once sync.Once
	go func() {
		for {
			select {
			case sig := <-sigs:
				first := false
				once.Do(func() { first = true })
				if !first {
					p.opts.Logger.Printf("Received %v, shutdown already in progress", sig)
					continue
				}
				p.opts.Logger.Printf("Received %v, stopping workers...", sig)
				go p.Stop()
			case <-quit:
				return
			}
		}
	}()
	var closeOnce sync.Once
	return func() { closeOnce.Do(func() { close(quit) }) }
}
