package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errMiss = errors.New("not yet")

func TestDo_StopsOnSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{Attempts: 3}, func(context.Context) error {
		calls++
		if calls < 2 {
			return errMiss
		}
		return nil
	}, nil)

	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	for _, attempts := range []int{1, 3, 5} {
		calls := 0
		err := Do(context.Background(), Policy{Attempts: attempts}, func(context.Context) error {
			calls++
			return errMiss
		}, nil)

		if !errors.Is(err, errMiss) {
			t.Errorf("attempts=%d: Do() error = %v, want errMiss", attempts, err)
		}
		if calls != attempts {
			t.Errorf("attempts=%d: calls = %d", attempts, calls)
		}
	}
}

func TestDo_ZeroAttemptsMeansOne(t *testing.T) {
	calls := 0
	_ = Do(context.Background(), Policy{}, func(context.Context) error {
		calls++
		return errMiss
	}, nil)

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDo_NoDelayAfterLastAttempt(t *testing.T) {
	const delay = 40 * time.Millisecond
	var notified []int

	start := time.Now()
	_ = Do(context.Background(), Policy{Attempts: 3, Delay: delay}, func(context.Context) error {
		return errMiss
	}, func(attempt int, err error, next time.Duration) {
		notified = append(notified, attempt)
		if next != delay {
			t.Errorf("next = %v, want %v", next, delay)
		}
	})
	elapsed := time.Since(start)

	// Two pauses between three attempts.
	if elapsed < 2*delay {
		t.Errorf("elapsed %v, want at least %v", elapsed, 2*delay)
	}
	if elapsed >= 3*delay+30*time.Millisecond {
		t.Errorf("elapsed %v suggests a pause after the final attempt", elapsed)
	}
	if len(notified) != 2 || notified[0] != 1 || notified[1] != 2 {
		t.Errorf("notified attempts = %v, want [1 2]", notified)
	}
}

func TestDo_Permanent(t *testing.T) {
	fatal := errors.New("bad request")
	calls := 0
	err := Do(context.Background(), Policy{Attempts: 5}, func(context.Context) error {
		calls++
		return Permanent(fatal)
	}, nil)

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if !errors.Is(err, fatal) {
		t.Errorf("Do() error = %v, want %v", err, fatal)
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, Policy{Attempts: 10, Delay: time.Hour}, func(context.Context) error {
		calls++
		cancel()
		return errMiss
	}, nil)

	if err == nil {
		t.Fatal("Do() should fail once the context is cancelled")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}
