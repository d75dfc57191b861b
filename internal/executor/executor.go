// Package executor runs a job's command and classifies the result.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// ErrInterrupted is returned when a sleep directive is cut short by shutdown.
var ErrInterrupted = errors.New("interrupted by shutdown")

var sleepDirective = regexp.MustCompile(`(?i)^sleep\s+(\d+)\s*$`)

// Result is the classified outcome of one execution. Err is nil on success.
type Result struct {
	Stdout   string
	Stderr   string
	Err      error
	TimedOut bool
	Duration time.Duration
}

func (r Result) Succeeded() bool { return r.Err == nil }

// Output joins stdout and stderr for storage.
func (r Result) Output() string {
	switch {
	case r.Stderr == "":
		return r.Stdout
	case r.Stdout == "":
		return r.Stderr
	default:
		return r.Stdout + "\n" + r.Stderr
	}
}

type Executor struct {
	// Shell is invoked as `<Shell> -c <command>` (`/C` for cmd).
	Shell  string
	Logger *log.Logger
}

func New(shell string) *Executor {
	if shell == "" {
		shell = DefaultShell()
	}
	return &Executor{Shell: shell, Logger: log.Default()}
}

func DefaultShell() string {
	if runtime.GOOS == "windows" {
		return "cmd"
	}
	return "sh"
}

// ParseSleep reports the seconds of a `sleep N` directive.
func ParseSleep(command string) (int, bool) {
	m := sleepDirective.FindStringSubmatch(strings.TrimSpace(command))
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// Run executes command. ctx interrupts only the sleep directive; an OS
// command always runs to completion or until timeout (zero means none).
func (e *Executor) Run(ctx context.Context, label, command string, timeout time.Duration) Result {
	start := time.Now()
	var res Result
	if secs, ok := ParseSleep(command); ok {
		res = e.sleep(ctx, label, secs)
	} else {
		res = e.shell(context.WithoutCancel(ctx), command, timeout)
	}
	res.Duration = time.Since(start)
	return res
}

func (e *Executor) sleep(ctx context.Context, label string, secs int) Result {
	e.logf("%s Sleeping for %ds...", label, secs)
	t := time.NewTimer(time.Duration(secs) * time.Second)
	defer t.Stop()
	select {
	case <-t.C:
		e.logf("%s Woke up after %ds", label, secs)
		return Result{}
	case <-ctx.Done():
		e.logf("%s Sleep interrupted by shutdown", label)
		return Result{Err: ErrInterrupted}
	}
}

func (e *Executor) shell(ctx context.Context, command string, timeout time.Duration) Result {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	shell := e.Shell
	if shell == "" {
		shell = DefaultShell()
	}
	flag := "-c"
	if strings.EqualFold(shell, "cmd") || strings.EqualFold(shell, "cmd.exe") {
		flag = "/C"
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, shell, flag, command)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if timeout > 0 {
		// grandchildren may keep the pipes open after the shell is killed
		cmd.WaitDelay = time.Second
	}
	err := cmd.Run()

	res := Result{
		Stdout: strings.TrimSpace(stdout.String()),
		Stderr: strings.TrimSpace(stderr.String()),
	}
	if err == nil {
		return res
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.TimedOut = true
		res.Err = fmt.Errorf("job timeout after %v", timeout)
		return res
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if res.Stderr != "" {
			res.Err = fmt.Errorf("command exited with code %d: %s", exitErr.ExitCode(), res.Stderr)
		} else {
			res.Err = fmt.Errorf("command exited with code %d", exitErr.ExitCode())
		}
		return res
	}
	res.Err = fmt.Errorf("command execution failed: %w", err)
	return res
}

func (e *Executor) logf(format string, args ...any) {
	if e.Logger != nil {
		e.Logger.Printf(format, args...)
	}
}
