package redisqueue_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketspine/core"
	"marketspine/workqueue"
	"marketspine/workqueue/redisqueue"
)

func newQueue(t *testing.T) *redisqueue.Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return redisqueue.NewWithClient(client, "test:workqueue:")
}

func TestEnqueueRejectsDuplicateUniqueKey(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()

	item := workqueue.Item{Domain: "finra", Pipeline: "finra.ingest_week", PartitionKey: "tier=1"}
	_, err := q.Enqueue(ctx, item)
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, item)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrDuplicateWorkItem))
}

func TestClaimTransitionsToRunning(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()

	enqueued, err := q.Enqueue(ctx, workqueue.Item{Domain: "finra", Pipeline: "p", PartitionKey: "k"})
	require.NoError(t, err)

	claimed, err := q.Claim(ctx, "worker-1", nil)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, enqueued.ID, claimed.ID)
	assert.Equal(t, workqueue.StateRunning, claimed.State)
	assert.Equal(t, 1, claimed.AttemptCount)
}

func TestClaimReturnsNilWhenQueueEmpty(t *testing.T) {
	q := newQueue(t)
	claimed, err := q.Claim(context.Background(), "w", nil)
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestDoubleClaimOnlyOneWorkerWins(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()
	_, err := q.Enqueue(ctx, workqueue.Item{Domain: "finra", Pipeline: "p", PartitionKey: "k"})
	require.NoError(t, err)

	first, err := q.Claim(ctx, "worker-1", nil)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := q.Claim(ctx, "worker-2", nil)
	require.NoError(t, err)
	assert.Nil(t, second, "item is already RUNNING and not yet due, so no second claimant should win it")
}

func TestFailAtMaxAttemptsGoesToFailed(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()
	_, err := q.Enqueue(ctx, workqueue.Item{Domain: "finra", Pipeline: "p", PartitionKey: "k", MaxAttempts: 1})
	require.NoError(t, err)

	claimed, err := q.Claim(ctx, "w", nil)
	require.NoError(t, err)

	require.NoError(t, q.Fail(ctx, claimed.ID, errors.New("boom")))

	items, err := q.List(ctx, workqueue.Filter{Domain: "finra", State: workqueue.StateFailed})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "boom", items[0].LastError)
}

func TestCompleteRemovesItemFromDomainIndex(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()
	_, err := q.Enqueue(ctx, workqueue.Item{Domain: "finra", Pipeline: "p", PartitionKey: "k"})
	require.NoError(t, err)
	claimed, err := q.Claim(ctx, "w", nil)
	require.NoError(t, err)

	require.NoError(t, q.Complete(ctx, claimed.ID))

	items, err := q.List(ctx, workqueue.Filter{Domain: "finra"})
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestReapExpiredReturnsStaleRunningItemToPending(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()
	_, err := q.Enqueue(ctx, workqueue.Item{Domain: "finra", Pipeline: "p", PartitionKey: "k"})
	require.NoError(t, err)
	claimed, err := q.Claim(ctx, "w", nil)
	require.NoError(t, err)

	time.Sleep(2 * time.Millisecond)
	n, err := q.ReapExpired(ctx, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	items, err := q.List(ctx, workqueue.Filter{Domain: "finra", State: workqueue.StatePending})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, claimed.ID, items[0].ID)
}
