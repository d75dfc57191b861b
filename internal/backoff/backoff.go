// Package backoff computes retry delays for failed jobs.
package backoff

import (
	"context"
	"log"
	"math"
	"strconv"
	"time"
)

const (
	KeyBase = "backoff_base"
	KeyMax  = "backoff_max"

	DefaultBase = 2.0
)

// Delay returns base^attempts units. attempts below 1 count as 1. The result
// saturates at the largest time.Duration instead of overflowing.
func Delay(attempts int, base float64, unit time.Duration) time.Duration {
	if attempts <= 0 {
		attempts = 1
	}
	if unit <= 0 {
		unit = time.Second
	}
	return Scale(math.Pow(base, float64(attempts)), unit)
}

// Scale returns n units, saturating at the largest time.Duration. NaN and
// negative products give zero.
func Scale(n float64, unit time.Duration) time.Duration {
	d := n * float64(unit)
	if math.IsNaN(d) || d < 0 {
		return 0
	}
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// ConfigReader is the slice of the job store the policy needs.
type ConfigReader interface {
	GetConfig(ctx context.Context, key string) (string, error)
}

// Policy reads the configured base at every call so a `config set` takes
// effect on the next failure.
type Policy struct {
	Config ConfigReader
	// Unit scales the delay; zero means seconds.
	Unit   time.Duration
	Logger *log.Logger
}

func NewPolicy(cfg ConfigReader) *Policy {
	return &Policy{Config: cfg, Unit: time.Second, Logger: log.Default()}
}

// Base returns the configured backoff base, falling back to DefaultBase
// when the value is missing or unparsable.
func (p *Policy) Base(ctx context.Context) float64 {
	return p.float(ctx, KeyBase, DefaultBase)
}

// For returns the delay before the given post-increment attempt, capped by
// backoff_max when that is set to a positive number of units.
func (p *Policy) For(ctx context.Context, attempts int) time.Duration {
	d := Delay(attempts, p.Base(ctx), p.Unit)
	if limit := p.float(ctx, KeyMax, 0); limit > 0 {
		if capped := Scale(limit, p.unit()); capped > 0 && d > capped {
			d = capped
		}
	}
	return d
}

func (p *Policy) unit() time.Duration {
	if p.Unit <= 0 {
		return time.Second
	}
	return p.Unit
}

func (p *Policy) float(ctx context.Context, key string, def float64) float64 {
	raw, err := p.Config.GetConfig(ctx, key)
	if err != nil {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		if p.Logger != nil {
			p.Logger.Printf("Warning: invalid %s %q, using %v", key, raw, def)
		}
		return def
	}
	return v
}
