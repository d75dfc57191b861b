package backoff

import (
	"context"
	"errors"
	"io"
	"log"
	"math"
	"sync"
	"testing"
	"time"
)

type fakeConfig struct {
	mu     sync.Mutex
	values map[string]string
	reads  int
}

func (f *fakeConfig) GetConfig(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	v, ok := f.values[key]
	if !ok {
		return "", errors.New("not found")
	}
	return v, nil
}

func (f *fakeConfig) set(key, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = value
}

func TestDelay(t *testing.T) {
	tests := []struct {
		attempts int
		base     float64
		want     time.Duration
	}{
		{1, 2, 2 * time.Second},
		{2, 2, 4 * time.Second},
		{3, 2, 8 * time.Second},
		{0, 2, 2 * time.Second},
		{3, 3, 27 * time.Second},
		{2, 1.5, 2250 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := Delay(tt.attempts, tt.base, time.Second); got != tt.want {
			t.Errorf("Delay(%d, %v) = %v, want %v", tt.attempts, tt.base, got, tt.want)
		}
	}
}

func TestDelayMonotonic(t *testing.T) {
	prev := time.Duration(0)
	for a := 1; a <= 40; a++ {
		d := Delay(a, 2, time.Second)
		if d < prev {
			t.Fatalf("Delay(%d) = %v < previous %v", a, d, prev)
		}
		prev = d
	}
}

func TestDelaySaturates(t *testing.T) {
	if got := Delay(500, 2, time.Second); got != time.Duration(math.MaxInt64) {
		t.Fatalf("Delay(500) = %v, want max duration", got)
	}
}

func TestPolicyReadsBaseEachTime(t *testing.T) {
	cfg := &fakeConfig{values: map[string]string{KeyBase: "2"}}
	p := &Policy{Config: cfg, Unit: time.Second, Logger: log.New(io.Discard, "", 0)}
	ctx := context.Background()

	if got := p.For(ctx, 2); got != 4*time.Second {
		t.Fatalf("For(2) = %v, want 4s", got)
	}
	cfg.set(KeyBase, "3")
	if got := p.For(ctx, 2); got != 9*time.Second {
		t.Fatalf("after config change For(2) = %v, want 9s", got)
	}
}

func TestPolicyDefaultsAndCap(t *testing.T) {
	cfg := &fakeConfig{values: map[string]string{KeyBase: "not-a-number"}}
	p := &Policy{Config: cfg, Unit: time.Second, Logger: log.New(io.Discard, "", 0)}
	ctx := context.Background()

	if got := p.For(ctx, 3); got != 8*time.Second {
		t.Fatalf("invalid base should fall back to 2: got %v", got)
	}

	cfg.set(KeyBase, "10")
	cfg.set(KeyMax, "60")
	if got := p.For(ctx, 3); got != time.Minute {
		t.Fatalf("capped delay = %v, want 1m", got)
	}
	cfg.set(KeyMax, "0")
	if got := p.For(ctx, 3); got != 1000*time.Second {
		t.Fatalf("uncapped delay = %v, want 1000s", got)
	}
}

func TestScaleSaturates(t *testing.T) {
	longest := time.Duration(math.MaxInt64)
	tests := []struct {
		n    float64
		unit time.Duration
		want time.Duration
	}{
		{30, time.Second, 30 * time.Second},
		{1e12, time.Second, longest},
		{math.Inf(1), time.Second, longest},
		{math.NaN(), time.Second, 0},
		{-5, time.Second, 0},
	}
	for _, tt := range tests {
		if got := Scale(tt.n, tt.unit); got != tt.want {
			t.Errorf("Scale(%v, %v) = %v, want %v", tt.n, tt.unit, got, tt.want)
		}
	}
}

func TestPolicyHugeCapDoesNotWrap(t *testing.T) {
	cfg := &fakeConfig{values: map[string]string{KeyBase: "2", KeyMax: "1e12"}}
	p := &Policy{Config: cfg, Unit: time.Second, Logger: log.New(io.Discard, "", 0)}

	if got := p.For(context.Background(), 3); got != 8*time.Second {
		t.Fatalf("For(3) with huge cap = %v, want 8s", got)
	}
	if got := p.For(context.Background(), 500); got != time.Duration(math.MaxInt64) {
		t.Fatalf("For(500) with huge cap = %v, want max duration", got)
	}
}
