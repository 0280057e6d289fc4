package testutils

import (
	"context"
	"testing"
	"time"
)

var (
	ConnectTimeout = 30 * time.Second
	// used by tests that wait on in-process signalling only
	SignalTimeout = 5 * time.Second
)

// WithTimeout polls f until it returns an empty string, failing the test with
// the last reported reason once ConnectTimeout elapses.
func WithTimeout(t testing.TB, f func() string) {
	t.Helper()
	WithTimeoutDuration(t, ConnectTimeout, f)
}

func WithTimeoutDuration(t testing.TB, timeout time.Duration, f func() string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	lastErr := ""
	for {
		select {
		case <-ctx.Done():
			t.Fatalf("did not reach expected state after %v: %s", timeout, lastErr)
			return
		case <-time.After(10 * time.Millisecond):
			lastErr = f()
			if lastErr == "" {
				return
			}
		}
	}
}
