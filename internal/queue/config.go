package queue

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/udaykr117/durableq/internal/storage"
)

func (s *Service) GetConfig(ctx context.Context, key string) (string, error) {
	return s.store.GetConfig(ctx, normalizeKey(key))
}

func (s *Service) AllConfig(ctx context.Context) (map[string]string, error) {
	return s.store.AllConfig(ctx)
}

// SetConfig validates known keys before storing; unknown keys are kept
// verbatim. Dashed spellings such as max-retries are accepted.
func (s *Service) SetConfig(ctx context.Context, key, value string) error {
	key = normalizeKey(key)
	value = strings.TrimSpace(value)
	if err := validateConfig(key, value); err != nil {
		return err
	}
	return s.store.SetConfig(ctx, key, value)
}

func normalizeKey(key string) string {
	return strings.ReplaceAll(strings.TrimSpace(key), "-", "_")
}

func validateConfig(key, value string) error {
	switch key {
	case storage.ConfigMaxRetries:
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return fmt.Errorf("%w for %s: %q (must be an integer >= 0)", ErrInvalidConfig, key, value)
		}
	case storage.ConfigBackoffBase:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil || f < 1 {
			return fmt.Errorf("%w for %s: %q (must be a number >= 1)", ErrInvalidConfig, key, value)
		}
	case storage.ConfigJobTimeout, storage.ConfigBackoffMax:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil || f < 0 || math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w for %s: %q (must be a finite number >= 0)", ErrInvalidConfig, key, value)
		}
	case "":
		return fmt.Errorf("%w: empty key", ErrInvalidConfig)
	}
	return nil
}
