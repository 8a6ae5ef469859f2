package worker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketspine/core"
	"marketspine/dispatcher"
	"marketspine/registry"
	"marketspine/storage/memory"
	"marketspine/worker"
	"marketspine/workqueue"
	"marketspine/workqueue/sqlqueue"
)

type stubPipeline struct{ result core.PipelineResult }

func (p stubPipeline) Run() core.PipelineResult { return p.result }

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestPoolCompletesSuccessfulItem(t *testing.T) {
	reg := registry.NewPipelineRegistry()
	require.NoError(t, reg.Register("finra.ingest_week", func(ctx core.ExecutionContext, params core.Params) core.Pipeline {
		return stubPipeline{result: core.PipelineResult{Status: core.PipelineCompleted, RowCount: 7}}
	}))
	d := dispatcher.New(reg, nil)

	q := sqlqueue.New(memory.New())
	_, err := q.Enqueue(context.Background(), workqueue.Item{
		Domain: "finra", Pipeline: "finra.ingest_week", PartitionKey: "tier=1",
	})
	require.NoError(t, err)

	cfg := worker.DefaultConfig()
	cfg.Concurrency = 1
	cfg.PollInterval = 10 * time.Millisecond
	cfg.ReapInterval = 0

	pool := worker.NewPool(q, d, cfg, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()

	waitFor(t, time.Second, func() bool {
		items, err := q.List(context.Background(), workqueue.Filter{State: workqueue.StateComplete})
		return err == nil && len(items) == 1
	})
}

func TestPoolFailsItemOnPipelineError(t *testing.T) {
	reg := registry.NewPipelineRegistry()
	require.NoError(t, reg.Register("finra.ingest_week", func(ctx core.ExecutionContext, params core.Params) core.Pipeline {
		return stubPipeline{result: core.PipelineResult{
			Status: core.PipelineFailed, Error: errors.New("source unavailable"), Category: core.CategoryTransient,
		}}
	}))
	d := dispatcher.New(reg, nil)

	q := sqlqueue.New(memory.New())
	_, err := q.Enqueue(context.Background(), workqueue.Item{
		Domain: "finra", Pipeline: "finra.ingest_week", PartitionKey: "tier=1", MaxAttempts: 1,
	})
	require.NoError(t, err)

	cfg := worker.DefaultConfig()
	cfg.Concurrency = 1
	cfg.PollInterval = 10 * time.Millisecond
	cfg.ReapInterval = 0

	pool := worker.NewPool(q, d, cfg, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()

	waitFor(t, time.Second, func() bool {
		items, err := q.List(context.Background(), workqueue.Filter{State: workqueue.StateFailed})
		return err == nil && len(items) == 1
	})

	items, err := q.List(context.Background(), workqueue.Filter{State: workqueue.StateFailed})
	require.NoError(t, err)
	assert.Contains(t, items[0].LastError, "source unavailable")
}
