package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

var fastRetry = RetryConfig{Name: "test", MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	t.Parallel()
	calls := 0
	err := Retry(context.Background(), fastRetry, func(_ context.Context, attempt int) error {
		calls++
		if attempt != calls {
			t.Errorf("attempt = %d, want %d", attempt, calls)
		}
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestRetry_Exhausted(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	calls := 0
	err := Retry(context.Background(), fastRetry, func(context.Context, int) error {
		calls++
		return boom
	})
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("err = %v, want ErrRetriesExhausted", err)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, should wrap the last error", err)
	}
	if calls != 4 {
		t.Fatalf("calls = %d, want 4 (1 + 3 retries)", calls)
	}
}

func TestRetry_PermanentStopsImmediately(t *testing.T) {
	t.Parallel()
	boom := errors.New("output already emitted")
	calls := 0
	err := Retry(context.Background(), fastRetry, func(context.Context, int) error {
		calls++
		return Permanent(boom)
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if errors.Is(err, ErrRetriesExhausted) {
		t.Fatal("permanent error must not report exhaustion")
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestRetry_ContextCancelled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, RetryConfig{MaxRetries: 5, BaseDelay: time.Hour}, func(context.Context, int) error {
		calls++
		cancel()
		return errors.New("transient")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("cancellation reported as exhaustion: %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestPermanent_Nil(t *testing.T) {
	if Permanent(nil) != nil {
		t.Fatal("Permanent(nil) should be nil")
	}
}
