package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Posted is satisfied by bridge.Bridge.
type Posted interface {
	Posted() uint64
}

// AwaitPosted blocks until b has accepted at least n closures or ctx is
// done.
//
// Tick-driven tests use it to make "the background task finished" a
// precondition of the next Update, which keeps traces deterministic.
func AwaitPosted(ctx context.Context, b Posted, n uint64) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	for {
		if b.Posted() >= n {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %d posted closures, have %d: %w", n, b.Posted(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// WaitPosted is AwaitPosted for tests, with a two-second limit.
func WaitPosted(t testing.TB, b Posted, n uint64) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, AwaitPosted(ctx, b, n))
}
