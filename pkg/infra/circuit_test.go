package infra

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func failingCall(context.Context) error { return errBoom }
func okCall(context.Context) error      { return nil }

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "n1", FailureThreshold: 3, ResetTimeout: time.Hour})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := b.Execute(ctx, failingCall); !errors.Is(err, errBoom) {
			t.Fatalf("attempt %d: err = %v, want boom", i, err)
		}
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %s, want open", b.State())
	}
	// Next call must be rejected without reaching the function.
	called := false
	err := b.Execute(ctx, func(context.Context) error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Error("function ran while circuit open")
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 2, ResetTimeout: time.Hour})
	ctx := context.Background()

	_ = b.Execute(ctx, failingCall)
	_ = b.Execute(ctx, okCall)
	_ = b.Execute(ctx, failingCall)
	if b.State() != StateClosed {
		t.Errorf("state = %s, want closed (failures are not consecutive)", b.State())
	}
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, ResetTimeout: 10 * time.Millisecond})
	ctx := context.Background()

	_ = b.Execute(ctx, failingCall)
	if b.State() != StateOpen {
		t.Fatalf("state = %s, want open", b.State())
	}
	time.Sleep(20 * time.Millisecond)

	// First call after the reset timeout is the probe; success closes.
	if err := b.Execute(ctx, okCall); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("state = %s, want closed after probe success", b.State())
	}
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, ResetTimeout: 10 * time.Millisecond})
	ctx := context.Background()

	_ = b.Execute(ctx, failingCall)
	time.Sleep(20 * time.Millisecond)
	_ = b.Execute(ctx, failingCall)
	if b.State() != StateOpen {
		t.Errorf("state = %s, want open after probe failure", b.State())
	}
}

func TestExecuteWithResult(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour})
	ctx := context.Background()

	got, err := ExecuteWithResult(ctx, b, func(context.Context) ([]float32, error) {
		return []float32{0.1, 0.2}, nil
	})
	if err != nil || len(got) != 2 {
		t.Fatalf("got %v, %v", got, err)
	}

	_, _ = ExecuteWithResult(ctx, b, func(context.Context) ([]float32, error) {
		return nil, errBoom
	})
	_, err = ExecuteWithResult(ctx, b, func(context.Context) ([]float32, error) {
		return []float32{0.3}, nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrCircuitOpen", err)
	}
}
