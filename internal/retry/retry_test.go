package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

var (
	errConnReset     = errors.New("connection reset by peer")
	errNotProcessing = errors.New("job is not processing")
)

// outcomeWrite replays results in order and marks the not-processing
// conflict as permanent, the way the settlement queue guards its writes.
func outcomeWrite(results []error, calls *int) func() error {
	return func() error {
		err := results[*calls]
		*calls++
		if errors.Is(err, errNotProcessing) {
			return Permanent(fmt.Errorf("finish job call_1: %w", err))
		}
		return err
	}
}

func TestDo_OutcomeWrites(t *testing.T) {
	tests := []struct {
		name      string
		attempts  int
		results   []error
		wantErr   error
		wantCalls int
	}{
		{"first write lands", 3, []error{nil}, nil, 1},
		{"one dropped connection", 3, []error{errConnReset, nil}, nil, 2},
		{"store stays down", 3, []error{errConnReset, errConnReset, errConnReset}, errConnReset, 3},
		{"row already finished", 3, []error{errNotProcessing}, errNotProcessing, 1},
		{"conflict after a dropped connection", 3, []error{errConnReset, errNotProcessing}, errNotProcessing, 2},
		{"zero attempts still writes once", 0, []error{errConnReset}, errConnReset, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int
			err := Do(context.Background(), tt.attempts, time.Millisecond, outcomeWrite(tt.results, &calls))
			if tt.wantErr == nil && err != nil {
				t.Fatalf("expected success, got %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if IsPermanent(err) {
				t.Fatalf("Do must unwrap the permanent marker, got %T", err)
			}
			if calls != tt.wantCalls {
				t.Fatalf("expected %d writes, got %d", tt.wantCalls, calls)
			}
		})
	}
}

func TestDo_StopsWhenContextEnds(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	var calls int
	err := Do(ctx, 10, 200*time.Millisecond, func() error {
		calls++
		return errConnReset
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected the write to run once before the backoff was cut short, got %d", calls)
	}
}

func TestDoNotify_ReportsEachRetry(t *testing.T) {
	var attempts []int
	var delays []time.Duration
	var calls int
	err := DoNotify(context.Background(), 3, 4*time.Millisecond, func() error {
		calls++
		return errConnReset
	}, func(attempt int, err error, next time.Duration) {
		if !errors.Is(err, errConnReset) {
			t.Errorf("attempt %d reported %v", attempt, err)
		}
		attempts = append(attempts, attempt)
		delays = append(delays, next)
	})
	if !errors.Is(err, errConnReset) {
		t.Fatalf("expected the last write error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 writes, got %d", calls)
	}
	if len(attempts) != 2 || attempts[0] != 1 || attempts[1] != 2 {
		t.Fatalf("expected notify for attempts [1 2], got %v", attempts)
	}
	// base 4ms then 8ms, each within +-25%
	if delays[0] < 3*time.Millisecond || delays[0] > 5*time.Millisecond {
		t.Errorf("first backoff out of range: %v", delays[0])
	}
	if delays[1] < 6*time.Millisecond || delays[1] > 10*time.Millisecond {
		t.Errorf("second backoff out of range: %v", delays[1])
	}
}

func TestDoNotify_NoCallbackOnPermanent(t *testing.T) {
	err := DoNotify(context.Background(), 3, time.Millisecond, func() error {
		return Permanent(errNotProcessing)
	}, func(int, error, time.Duration) {
		t.Error("a permanent failure must not be retried")
	})
	if !errors.Is(err, errNotProcessing) {
		t.Fatalf("expected errNotProcessing, got %v", err)
	}
}

func TestJittered_Bounds(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := jittered(200 * time.Millisecond)
		if d < 150*time.Millisecond || d > 250*time.Millisecond {
			t.Fatalf("jittered delay %v outside 150ms..250ms", d)
		}
	}
	if d := jittered(0); d != 0 {
		t.Fatalf("expected zero delay to stay zero, got %v", d)
	}
}

func TestPermanent(t *testing.T) {
	if Permanent(nil) != nil {
		t.Fatal("Permanent(nil) should be nil")
	}
	wrapped := fmt.Errorf("mark success: %w", Permanent(errNotProcessing))
	if !IsPermanent(wrapped) {
		t.Fatal("the permanent marker should survive wrapping")
	}
	if !errors.Is(wrapped, errNotProcessing) {
		t.Fatal("Permanent should unwrap to the inner error")
	}
	if IsPermanent(errConnReset) {
		t.Fatal("a plain error is not permanent")
	}
}
