//go:build integration

package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rezkam/workflowpool/queue"
)

// These tests run against a real PostgreSQL instance, pointed at by
// WORKFLOWPOOL_TEST_DSN, and are excluded from the default build.
func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	dsn := os.Getenv("WORKFLOWPOOL_TEST_DSN")
	if dsn == "" {
		t.Skip("WORKFLOWPOOL_TEST_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a, err := New(ctx, Config{DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestAdapterReserveCommitRoundTrip(t *testing.T) {
	a := newTestAdapter(t)

	require.NoError(t, a.Enqueue(queue.Payload{JobID: t.Name(), Priority: 3}))
	res, err := a.ReserveByID(t.Name())
	require.NoError(t, err)
	require.NotNil(t, res)
	require.Equal(t, 3, res.Payload.Priority)

	require.NoError(t, a.Commit(res.ID))

	stats := a.Stats()
	require.GreaterOrEqual(t, stats.Completed, 1)
}

func TestAdapterRetryDelaysVisibility(t *testing.T) {
	a := newTestAdapter(t)

	require.NoError(t, a.Enqueue(queue.Payload{JobID: t.Name()}))
	res, err := a.ReserveByID(t.Name())
	require.NoError(t, err)

	require.NoError(t, a.Retry(res.ID, 200*time.Millisecond))
	require.Empty(t, a.Peek(10))

	require.Eventually(t, func() bool {
		for _, p := range a.Peek(10) {
			if p.JobID == t.Name() {
				return true
			}
		}
		return false
	}, 2*time.Second, 50*time.Millisecond)
}
