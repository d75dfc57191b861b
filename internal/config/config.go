// Package config resolves process settings from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	EnvDataDir      = "QUEUECTL_DATA_DIR"
	EnvStore        = "QUEUECTL_STORE"
	EnvPollInterval = "QUEUECTL_POLL_INTERVAL"
	EnvShell        = "QUEUECTL_SHELL"

	DefaultPollInterval = time.Second
)

type Settings struct {
	DataDir      string
	Store        string
	PollInterval time.Duration
	Shell        string
}

// Load reads every QUEUECTL_* variable, applying defaults for unset ones.
func Load() (Settings, error) {
	dataDir, err := GetDataDir()
	if err != nil {
		return Settings{}, err
	}
	s := Settings{
		DataDir:      dataDir,
		Store:        os.Getenv(EnvStore),
		PollInterval: DefaultPollInterval,
		Shell:        os.Getenv(EnvShell),
	}
	if raw := os.Getenv(EnvPollInterval); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return Settings{}, fmt.Errorf("invalid %s %q: must be a positive duration", EnvPollInterval, raw)
		}
		s.PollInterval = d
	}
	return s, nil
}

// GetDataDir returns QUEUECTL_DATA_DIR, else a data directory next to the
// executable, else one in the working directory.
func GetDataDir() (string, error) {
	if envDir := os.Getenv(EnvDataDir); envDir != "" {
		return envDir, nil
	}
	execPath, err := os.Executable()
	if err != nil {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("failed to get working directory: %w", err)
		}
		return filepath.Join(wd, "data"), nil
	}
	return filepath.Join(filepath.Dir(execPath), "data"), nil
}
