package testutil

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestWaitFor(t *testing.T) {
	tests := []struct {
		name      string
		readyIn   time.Duration
		timeout   time.Duration
		want      bool
		maxChecks int32
	}{
		{"already true", 0, time.Second, true, 1},
		{"becomes true", 20 * time.Millisecond, time.Second, true, 0},
		{"never true in time", time.Hour, 30 * time.Millisecond, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ready := time.Now().Add(tt.readyIn)
			var checks atomic.Int32
			got := WaitFor(t, tt.timeout, time.Millisecond, func() bool {
				checks.Add(1)
				return !time.Now().Before(ready)
			})
			if got != tt.want {
				t.Errorf("WaitFor() = %v, want %v", got, tt.want)
			}
			if tt.maxChecks > 0 && checks.Load() > tt.maxChecks {
				t.Errorf("expected at most %d checks, got %d", tt.maxChecks, checks.Load())
			}
		})
	}
}

func TestWaitFor_ChecksAtDeadline(t *testing.T) {
	start := time.Now()
	// The interval is longer than the timeout; only the deadline check can
	// see the condition flip.
	got := WaitFor(t, 20*time.Millisecond, time.Hour, func() bool {
		return time.Since(start) >= 10*time.Millisecond
	})
	if !got {
		t.Error("expected the deadline check to observe the condition")
	}
}
