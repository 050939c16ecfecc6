package testutil

import (
	"context"
	"testing"
	"time"
)

// NewTestContext returns a context cancelled after 5s or when the test ends.
func NewTestContext(t *testing.T) context.Context {
	t.Helper()

	return NewTestContextWithTimeout(t, 5*time.Second)
}

// NewTestContextWithTimeout returns a context cancelled after timeout or when
// the test ends.
func NewTestContextWithTimeout(t *testing.T, timeout time.Duration) context.Context {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)

	return ctx
}
