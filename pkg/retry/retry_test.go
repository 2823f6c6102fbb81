package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var (
	errTransient = errors.New("timeout")
	errPermanent = errors.New("forbidden")
)

func isTransient(err error) bool { return errors.Is(err, errTransient) }

var fast = Policy{MaxRetries: 3, Initial: time.Millisecond, Max: 2 * time.Millisecond}

func TestDelay(t *testing.T) {
	t.Parallel()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{6, 3200 * time.Millisecond},
		{7, 5 * time.Second}, // capped at max
		{50, 5 * time.Second},
	}

	for _, tt := range tests {
		if got := (Policy{}).Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestDo_RetriesTransientUntilSuccess(t *testing.T) {
	t.Parallel()
	calls := 0
	var retries []int

	err := Do(context.Background(), fast, isTransient,
		func(attempt int, _ error, _ time.Duration) { retries = append(retries, attempt) },
		func(context.Context) error {
			calls++
			if calls < 3 {
				return errTransient
			}
			return nil
		})

	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 || len(retries) != 2 {
		t.Errorf("expected 3 calls and 2 retries, got %d calls %v", calls, retries)
	}
}

func TestDo_StopsOnPermanent(t *testing.T) {
	t.Parallel()
	calls := 0
	err := Do(context.Background(), fast, isTransient, nil, func(context.Context) error {
		calls++
		return errPermanent
	})
	if !errors.Is(err, errPermanent) || calls != 1 {
		t.Errorf("expected one call returning permanent error, got %d calls, %v", calls, err)
	}
}

func TestDo_ExhaustsRetries(t *testing.T) {
	t.Parallel()
	calls := 0
	err := Do(context.Background(), fast, isTransient, nil, func(context.Context) error {
		calls++
		return errTransient
	})
	if !errors.Is(err, errTransient) {
		t.Errorf("expected last transient error, got %v", err)
	}
	if calls != fast.MaxRetries+1 {
		t.Errorf("expected %d calls, got %d", fast.MaxRetries+1, calls)
	}
}

func TestDo_StopsWhenContextDone(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, Policy{MaxRetries: 10, Initial: time.Hour, Max: time.Hour}, isTransient, nil, func(context.Context) error {
		calls++
		cancel()
		return errTransient
	})
	if !errors.Is(err, errTransient) || calls != 1 {
		t.Errorf("expected to stop after cancellation, got %d calls, %v", calls, err)
	}
}
