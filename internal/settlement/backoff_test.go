package settlement

import (
	"testing"
	"time"
)

func TestBackoff(t *testing.T) {
	base := time.Minute
	tests := []struct {
		retries int
		want    time.Duration
	}{
		{-1, time.Minute},
		{0, time.Minute},
		{1, 2 * time.Minute},
		{2, 4 * time.Minute},
		{5, 32 * time.Minute},
		{6, 32 * time.Minute},
		{100, 32 * time.Minute},
	}
	for _, tt := range tests {
		if got := Backoff(base, tt.retries); got != tt.want {
			t.Errorf("Backoff(%v, %d) = %v, want %v", base, tt.retries, got, tt.want)
		}
	}
}

func TestBackoff_StrictlyIncreasingUntilCap(t *testing.T) {
	base := 5 * time.Second
	prev := time.Duration(0)
	for n := 0; n <= MaxBackoffExponent; n++ {
		d := Backoff(base, n)
		if d <= prev {
			t.Fatalf("Backoff(%d) = %v, not greater than %v", n, d, prev)
		}
		if d <= 0 {
			t.Fatalf("Backoff(%d) = %v, want positive so nextRunAt lands in the future", n, d)
		}
		prev = d
	}
	if Backoff(base, MaxBackoffExponent+1) != prev {
		t.Fatal("Backoff must stay flat past the cap")
	}
}
