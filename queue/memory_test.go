package queue

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeekOrdersByPriorityThenEnqueueOrder(t *testing.T) {
	q := NewMemory(0)
	require.NoError(t, q.Enqueue(Payload{JobID: "a", Priority: 1}))
	require.NoError(t, q.Enqueue(Payload{JobID: "b", Priority: 10}))
	require.NoError(t, q.Enqueue(Payload{JobID: "c", Priority: 5}))

	got := q.Peek(10)
	ids := make([]string, len(got))
	for i, p := range got {
		ids[i] = p.JobID
	}
	assert.Equal(t, []string{"b", "c", "a"}, ids)
}

func TestReserveByIDMovesJobFromWaitingToLeased(t *testing.T) {
	q := NewMemory(0)
	require.NoError(t, q.Enqueue(Payload{JobID: "a"}))

	res, err := q.ReserveByID("a")
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.Empty(t, q.Peek(10))
	assert.Equal(t, Stats{Waiting: 0, Leased: 1}, q.Stats())

	again, err := q.ReserveByID("a")
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestCommitDropsLeaseAndCountsCompleted(t *testing.T) {
	q := NewMemory(0)
	require.NoError(t, q.Enqueue(Payload{JobID: "a"}))
	res, err := q.ReserveByID("a")
	require.NoError(t, err)

	require.NoError(t, q.Commit(res.ID))
	assert.Equal(t, Stats{Completed: 1}, q.Stats())

	err = q.Commit(res.ID)
	var notFound ErrReservationNotFound
	assert.True(t, errors.As(err, &notFound))
}

func TestDiscardDropsLeaseAndCountsFailed(t *testing.T) {
	q := NewMemory(0)
	require.NoError(t, q.Enqueue(Payload{JobID: "a"}))
	res, err := q.ReserveByID("a")
	require.NoError(t, err)

	require.NoError(t, q.Discard(res.ID, errors.New("boom")))
	assert.Equal(t, Stats{Failed: 1}, q.Stats())
}

func TestRetryIsInvisibleUntilDelayElapses(t *testing.T) {
	q := NewMemory(0)
	require.NoError(t, q.Enqueue(Payload{JobID: "a"}))
	res, err := q.ReserveByID("a")
	require.NoError(t, err)

	require.NoError(t, q.Retry(res.ID, 30*time.Millisecond))
	assert.Empty(t, q.Peek(10), "must not be visible before delay elapses")

	require.Eventually(t, func() bool {
		return len(q.Peek(10)) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestRetryPayloadRetainsIdentity(t *testing.T) {
	q := NewMemory(0)
	require.NoError(t, q.Enqueue(Payload{JobID: "a", Priority: 7, Attempts: 1}))
	res, err := q.ReserveByID("a")
	require.NoError(t, err)

	res.Payload.Attempts = 2
	require.NoError(t, q.Retry(res.ID, 0))

	got := q.Peek(1)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].JobID)
	assert.Equal(t, 2, got[0].Attempts)
}

func TestRemoveOnlyAffectsWaitingJobs(t *testing.T) {
	q := NewMemory(0)
	require.NoError(t, q.Enqueue(Payload{JobID: "a"}))

	assert.True(t, q.Remove("a"))
	assert.False(t, q.Remove("a"))

	require.NoError(t, q.Enqueue(Payload{JobID: "b"}))
	_, err := q.ReserveByID("b")
	require.NoError(t, err)
	assert.False(t, q.Remove("b"), "leased jobs are not removable")
}

func TestEnqueueRespectsBound(t *testing.T) {
	q := NewMemory(1)
	require.NoError(t, q.Enqueue(Payload{JobID: "a"}))
	err := q.Enqueue(Payload{JobID: "b"})
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestJobIDNeverInBothWaitingAndLeased(t *testing.T) {
	q := NewMemory(0)
	require.NoError(t, q.Enqueue(Payload{JobID: "a"}))
	res, err := q.ReserveByID("a")
	require.NoError(t, err)
	require.NotNil(t, res)

	for _, p := range q.Peek(100) {
		assert.NotEqual(t, "a", p.JobID)
	}
}
