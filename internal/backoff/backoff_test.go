package backoff

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestRetry_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("called %d times, want 1", calls)
	}
}

func TestRetry_SucceedsSecondAttempt(t *testing.T) {
	fast := Policy{Base: time.Millisecond, Max: 5 * time.Millisecond}
	calls := 0
	err := fast.Retry(context.Background(), 3, func() error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Errorf("called %d times, want 2", calls)
	}
}

func TestRetry_AllAttemptsFail(t *testing.T) {
	fast := Policy{Base: time.Millisecond, Max: 5 * time.Millisecond}
	sentinel := errors.New("persistent failure")
	calls := 0
	err := fast.Retry(context.Background(), 3, func() error {
		calls++
		return sentinel
	})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if calls != 3 {
		t.Errorf("called %d times, want 3", calls)
	}
	if !errors.Is(err, sentinel) {
		t.Errorf("error chain does not contain sentinel: %v", err)
	}
}

func TestRetry_PermanentStopsImmediately(t *testing.T) {
	sentinel := errors.New("422 unprocessable")
	calls := 0
	err := Retry(context.Background(), 5, func() error {
		calls++
		return Permanent(sentinel)
	})
	if calls != 1 {
		t.Errorf("called %d times, want 1", calls)
	}
	if !errors.Is(err, sentinel) || !IsPermanent(err) {
		t.Errorf("err = %v, want permanent sentinel", err)
	}
}

func TestRetry_ContextCancelledBeforeAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Retry(ctx, 3, func() error {
		calls++
		return nil
	})
	if calls != 0 {
		t.Errorf("called %d times, want 0 (context already cancelled)", calls)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled in chain, got: %v", err)
	}
}

func TestRetry_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	calls := 0
	err := Retry(ctx, 10, func() error {
		calls++
		return errors.New("fail")
	})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if calls < 1 || calls >= 10 {
		t.Errorf("calls = %d, expected between 1 and 9", calls)
	}
}

func TestDelay_Increases(t *testing.T) {
	d0 := Default.Delay(0)
	d1 := Default.Delay(1)
	d2 := Default.Delay(2)

	// d0 ∈ [250ms, 500ms], d1 ∈ [500ms, 1s], d2 ∈ [1s, 2s]
	if d0 < 250*time.Millisecond || d0 > 500*time.Millisecond {
		t.Errorf("d0 = %v, expected [250ms, 500ms]", d0)
	}
	if d1 < 500*time.Millisecond || d1 > 1*time.Second {
		t.Errorf("d1 = %v, expected [500ms, 1s]", d1)
	}
	if d2 < 1*time.Second || d2 > 2*time.Second {
		t.Errorf("d2 = %v, expected [1s, 2s]", d2)
	}
}

func TestDelay_Capped(t *testing.T) {
	for _, attempt := range []int{10, 40, 1000} {
		d := Default.Delay(attempt)
		if d > Default.Max || d < Default.Max/2 {
			t.Errorf("Delay(%d) = %v, expected [%v, %v]", attempt, d, Default.Max/2, Default.Max)
		}
	}
}

func TestNewBackOff_ResetRestartsCurve(t *testing.T) {
	p := Policy{Base: 100 * time.Millisecond, Max: time.Second}
	b := p.NewBackOff()
	for range 10 {
		b.NextBackOff()
	}
	if d := b.NextBackOff(); d < p.Max/2 || d > p.Max {
		t.Errorf("capped interval = %v, expected [%v, %v]", d, p.Max/2, p.Max)
	}

	b.Reset()
	if d := b.NextBackOff(); d < p.Base/2 || d > p.Base {
		t.Errorf("interval after Reset = %v, expected [%v, %v]", d, p.Base/2, p.Base)
	}
}

func TestIsPermanent_ThroughWrapping(t *testing.T) {
	err := fmt.Errorf("pushing: %w", Permanent(errors.New("bad request")))
	if !IsPermanent(err) {
		t.Errorf("IsPermanent(%v) = false", err)
	}
	if IsPermanent(errors.New("timeout")) || Permanent(nil) != nil {
		t.Error("plain errors must not be permanent")
	}
}
