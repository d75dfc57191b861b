package worker

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

const PIDFileName = "worker.pid"

// ErrNoWorkers means no live worker process owns the pid file.
var ErrNoWorkers = errors.New("no workers are running")

// PIDInfo is the content of a pid file: the worker process and its pool size.
type PIDInfo struct {
	PID   int
	Count int
}

func PIDFilePath(dataDir string) string {
	return filepath.Join(dataDir, PIDFileName)
}

func WritePIDFile(path string, count int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	data := fmt.Sprintf("%d\n%d\n", os.Getpid(), count)
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	return nil
}

// ReadPIDFile parses a pid file. A missing second line counts as one worker.
func ReadPIDFile(path string) (PIDInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PIDInfo{}, err
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	var info PIDInfo
	if _, err := fmt.Sscanf(lines[0], "%d", &info.PID); err != nil {
		return PIDInfo{}, fmt.Errorf("invalid PID file format: %w", err)
	}
	info.Count = 1
	if len(lines) >= 2 {
		if _, err := fmt.Sscanf(lines[1], "%d", &info.Count); err != nil {
			info.Count = 1
		}
	}
	return info, nil
}

// Alive reports whether the recorded process still exists.
func (i PIDInfo) Alive() bool {
	process, err := os.FindProcess(i.PID)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

// RunningWorkers returns the pid file content when its process is alive.
// A stale file is removed.
func RunningWorkers(path string) (PIDInfo, error) {
	info, err := ReadPIDFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return PIDInfo{}, ErrNoWorkers
	}
	if err != nil {
		return PIDInfo{}, err
	}
	if !info.Alive() {
		os.Remove(path)
		return PIDInfo{}, ErrNoWorkers
	}
	return info, nil
}

// SignalStop asks the worker process recorded in path to shut down
// gracefully. The caller polls RunningWorkers to see it exit.
func SignalStop(path string) (PIDInfo, error) {
	info, err := RunningWorkers(path)
	if err != nil {
		return PIDInfo{}, err
	}
	process, err := os.FindProcess(info.PID)
	if err != nil {
		os.Remove(path)
		return PIDInfo{}, ErrNoWorkers
	}
	if err := process.Signal(os.Interrupt); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			os.Remove(path)
			return PIDInfo{}, ErrNoWorkers
		}
		return PIDInfo{}, fmt.Errorf("failed to send signal to worker process: %w", err)
	}
	return info, nil
}
