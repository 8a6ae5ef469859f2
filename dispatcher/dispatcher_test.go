package dispatcher_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketspine/core"
	"marketspine/dispatcher"
	"marketspine/registry"
)

type stubPipeline struct{ result core.PipelineResult }

func (p stubPipeline) Run() core.PipelineResult { return p.result }

func TestSubmitRunsRegisteredPipeline(t *testing.T) {
	reg := registry.NewPipelineRegistry()
	require.NoError(t, reg.Register("finra.ingest_week", func(ctx core.ExecutionContext, params core.Params) core.Pipeline {
		return stubPipeline{result: core.PipelineResult{Status: core.PipelineCompleted, RowCount: 42}}
	}))

	d := dispatcher.New(reg, nil)
	exec, err := d.Submit("finra.ingest_week", core.Params{"week_ending": "2025-12-22"}, core.TriggerScheduler, "")
	require.NoError(t, err)
	assert.Equal(t, core.PipelineCompleted, exec.Status)
	assert.Equal(t, int64(42), exec.Result.RowCount)
	assert.NotEmpty(t, exec.ExecutionContext.ExecutionID)
}

func TestSubmitUnknownPipelineFailsBeforeSideEffects(t *testing.T) {
	reg := registry.NewPipelineRegistry()
	d := dispatcher.New(reg, nil)

	exec, err := d.Submit("does.not.exist", nil, core.TriggerCLI, "")
	require.Error(t, err)
	assert.Nil(t, exec)
	assert.True(t, errors.Is(err, core.ErrPipelineNotFound))
}

func TestSubmitTracksStats(t *testing.T) {
	reg := registry.NewPipelineRegistry()
	require.NoError(t, reg.Register("p", func(ctx core.ExecutionContext, params core.Params) core.Pipeline {
		return stubPipeline{result: core.PipelineResult{
			Status: core.PipelineFailed, Error: errors.New("boom"), Category: core.CategoryTransient,
		}}
	}))

	d := dispatcher.New(reg, nil)
	exec, err := d.Submit("p", nil, core.TriggerCLI, "")
	require.NoError(t, err)

	state := d.Stats().Get(exec.ExecutionContext.ExecutionID)
	require.NotNil(t, state)
	assert.Equal(t, "failed", state.Status)

	summary := d.Stats().Summary()
	assert.Equal(t, 1, summary.Total)
	assert.Equal(t, 1, summary.ByStatus["failed"])
}

func TestSubmitInheritsBatchID(t *testing.T) {
	reg := registry.NewPipelineRegistry()
	require.NoError(t, reg.Register("p", func(ctx core.ExecutionContext, params core.Params) core.Pipeline {
		return stubPipeline{result: core.PipelineResult{Status: core.PipelineCompleted}}
	}))

	d := dispatcher.New(reg, nil)
	exec, err := d.Submit("p", nil, core.TriggerScheduler, "batch-xyz")
	require.NoError(t, err)
	assert.Equal(t, "batch-xyz", exec.ExecutionContext.BatchID)
}
