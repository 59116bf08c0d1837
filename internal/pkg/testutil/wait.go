// Package testutil holds polling helpers for tests that watch asynchronous
// order processing.
package testutil

import (
	"testing"
	"time"
)

// WaitFor reports whether condition became true within timeout, checking it
// immediately and then every interval. The last check happens at the
// deadline so a slow transition is not missed by a coarse interval.
func WaitFor(t *testing.T, timeout, interval time.Duration, condition func() bool) bool {
	t.Helper()
	if condition() {
		return true
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(interval)
	defer tick.Stop()

	for {
		select {
		case <-tick.C:
			if condition() {
				return true
			}
		case <-deadline.C:
			return condition()
		}
	}
}
