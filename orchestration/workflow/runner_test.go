package workflow_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketspine/core"
	"marketspine/dispatcher"
	"marketspine/orchestration/workflow"
	"marketspine/registry"
	"marketspine/storage/memory"
)

type stubPipeline struct{ result core.PipelineResult }

func (p stubPipeline) Run() core.PipelineResult { return p.result }

func newTestRunner(t *testing.T) (*workflow.Runner, *registry.PipelineRegistry) {
	t.Helper()
	reg := registry.NewPipelineRegistry()
	d := dispatcher.New(reg, nil)
	store := workflow.NewCheckpointStore(memory.New())
	return workflow.NewRunner(d, store, nil, nil), reg
}

func TestRunnerExecutesSequentialLambdaSteps(t *testing.T) {
	r, _ := newTestRunner(t)

	var order []string
	steps := []workflow.Step{
		{Name: "a", Kind: workflow.KindLambda, Handler: func(ctx workflow.Context, cfg map[string]interface{}) workflow.StepResult {
			order = append(order, "a")
			return workflow.Succeed(map[string]interface{}{"value": 1})
		}},
		{Name: "b", Kind: workflow.KindLambda, Handler: func(ctx workflow.Context, cfg map[string]interface{}) workflow.StepResult {
			order = append(order, "b")
			v, ok := ctx.GetOutput("a", "value")
			require.True(t, ok)
			assert.Equal(t, 1, v)
			return workflow.Succeed(nil)
		}},
	}

	initial := workflow.NewContext("batch-1", core.PartitionKey{"week_ending": "2025-12-22"}, nil)
	result := r.Run(context.Background(), workflow.Workflow{Name: "seq", Steps: steps}, initial)

	assert.Equal(t, workflow.PhaseCompleted, result.Status)
	assert.Equal(t, []string{"a", "b"}, order)
	assert.Equal(t, []string{"a", "b"}, result.CompletedSteps)
}

func TestRunnerStepOutputsNotVisibleToEarlierSteps(t *testing.T) {
	r, _ := newTestRunner(t)

	steps := []workflow.Step{
		{Name: "first", Kind: workflow.KindLambda, Handler: func(ctx workflow.Context, cfg map[string]interface{}) workflow.StepResult {
			_, ok := ctx.GetOutput("second", "value")
			assert.False(t, ok, "a step must not see outputs from steps after it")
			return workflow.Succeed(map[string]interface{}{"value": "from-first"})
		}},
		{Name: "second", Kind: workflow.KindLambda, Handler: func(ctx workflow.Context, cfg map[string]interface{}) workflow.StepResult {
			v, ok := ctx.GetOutput("first", "value")
			assert.True(t, ok)
			assert.Equal(t, "from-first", v)
			return workflow.Succeed(map[string]interface{}{"value": "from-second"})
		}},
	}

	initial := workflow.NewContext("batch-2", nil, nil)
	result := r.Run(context.Background(), workflow.Workflow{Name: "visibility", Steps: steps}, initial)
	assert.Equal(t, workflow.PhaseCompleted, result.Status)
}

func TestRunnerChoiceStepSkipsToTarget(t *testing.T) {
	r, _ := newTestRunner(t)

	var ran []string
	record := func(name string) workflow.LambdaHandler {
		return func(ctx workflow.Context, cfg map[string]interface{}) workflow.StepResult {
			ran = append(ran, name)
			return workflow.Succeed(nil)
		}
	}

	steps := []workflow.Step{
		{Name: "branch", Kind: workflow.KindChoice, Condition: func(ctx workflow.Context) bool {
			return false
		}, ThenStep: "then_only", ElseStep: "else_path"},
		{Name: "then_only", Kind: workflow.KindLambda, Handler: record("then_only")},
		{Name: "else_path", Kind: workflow.KindLambda, Handler: record("else_path")},
	}

	initial := workflow.NewContext("batch-3", nil, nil)
	result := r.Run(context.Background(), workflow.Workflow{Name: "branching", Steps: steps}, initial)

	assert.Equal(t, workflow.PhaseCompleted, result.Status)
	assert.Equal(t, []string{"else_path"}, ran)
	assert.Contains(t, result.SkippedSteps, "then_only")
}

func TestRunnerChoiceConditionPanicFailsWorkflowAtChoiceStep(t *testing.T) {
	r, _ := newTestRunner(t)

	steps := []workflow.Step{
		{Name: "bad_choice", Kind: workflow.KindChoice, Condition: func(ctx workflow.Context) bool {
			panic("boom")
		}, ThenStep: "x", ElseStep: "y"},
	}

	initial := workflow.NewContext("batch-4", nil, nil)
	result := r.Run(context.Background(), workflow.Workflow{Name: "panicking", Steps: steps}, initial)

	assert.Equal(t, workflow.PhaseFailed, result.Status)
	assert.Equal(t, "bad_choice", result.ErrorStep)
	require.Error(t, result.Err)
}

func TestRunnerMapStepEmptyItemsSucceedsTrivially(t *testing.T) {
	r, _ := newTestRunner(t)

	steps := []workflow.Step{
		{Name: "map_none", Kind: workflow.KindMap,
			Items:     func(ctx workflow.Context) []interface{} { return nil },
			ItemParam: "item",
			IteratorSteps: []workflow.Step{
				{Name: "inner", Kind: workflow.KindLambda, Handler: func(ctx workflow.Context, cfg map[string]interface{}) workflow.StepResult {
					t.Fatal("iterator must not run for an empty item set")
					return workflow.StepResult{}
				}},
			},
		},
	}

	initial := workflow.NewContext("batch-5", nil, nil)
	result := r.Run(context.Background(), workflow.Workflow{Name: "empty_map", Steps: steps}, initial)

	assert.Equal(t, workflow.PhaseCompleted, result.Status)
	count, ok := result.FinalContext.GetOutput("map_none", "item_count")
	require.True(t, ok)
	assert.Equal(t, 0, count)
}

func TestRunnerMapStepRunsEachItemConcurrently(t *testing.T) {
	r, _ := newTestRunner(t)

	steps := []workflow.Step{
		{Name: "map_items", Kind: workflow.KindMap,
			Items: func(ctx workflow.Context) []interface{} {
				return []interface{}{"a", "b", "c"}
			},
			ItemParam:      "item",
			MaxConcurrency: 3,
			IteratorSteps: []workflow.Step{
				{Name: "echo", Kind: workflow.KindLambda, Handler: func(ctx workflow.Context, cfg map[string]interface{}) workflow.StepResult {
					return workflow.Succeed(map[string]interface{}{"item": ctx.Params["item"]})
				}},
			},
		},
	}

	initial := workflow.NewContext("batch-6", nil, nil)
	result := r.Run(context.Background(), workflow.Workflow{Name: "fanout", Steps: steps}, initial)

	assert.Equal(t, workflow.PhaseCompleted, result.Status)
	count, ok := result.FinalContext.GetOutput("map_items", "item_count")
	require.True(t, ok)
	assert.Equal(t, 3, count)
}

func TestRunnerPipelineStepFailurePropagatesCategory(t *testing.T) {
	r, reg := newTestRunner(t)
	require.NoError(t, reg.Register("finra.ingest_week", func(ctx core.ExecutionContext, params core.Params) core.Pipeline {
		return stubPipeline{result: core.PipelineResult{
			Status: core.PipelineFailed, Error: errors.New("upstream unavailable"), Category: core.CategoryDependency,
		}}
	}))

	steps := []workflow.Step{
		{Name: "ingest", Kind: workflow.KindPipeline, PipelineName: "finra.ingest_week"},
	}

	initial := workflow.NewContext("batch-7", nil, nil)
	result := r.Run(context.Background(), workflow.Workflow{Name: "pipeline_fail", Steps: steps}, initial)

	assert.Equal(t, workflow.PhaseFailed, result.Status)
	assert.Equal(t, "ingest", result.ErrorStep)
	require.Error(t, result.Err)
}

func TestRunnerDryRunSkipsPipelineSubmission(t *testing.T) {
	r, reg := newTestRunner(t)
	called := false
	require.NoError(t, reg.Register("finra.ingest_week", func(ctx core.ExecutionContext, params core.Params) core.Pipeline {
		called = true
		return stubPipeline{result: core.PipelineResult{Status: core.PipelineCompleted}}
	}))

	steps := []workflow.Step{
		{Name: "ingest", Kind: workflow.KindPipeline, PipelineName: "finra.ingest_week"},
	}

	initial := workflow.NewContext("batch-8", nil, map[string]interface{}{"__dry_run__": true})
	result := r.Run(context.Background(), workflow.Workflow{Name: "dry_run", Steps: steps}, initial)

	assert.Equal(t, workflow.PhaseCompleted, result.Status)
	assert.False(t, called, "dry run must not submit the underlying pipeline")
}

func TestRunnerResumeContinuesAfterLastCheckpoint(t *testing.T) {
	reg := registry.NewPipelineRegistry()
	d := dispatcher.New(reg, nil)
	store := workflow.NewCheckpointStore(memory.New())
	r := workflow.NewRunner(d, store, nil, nil)

	require.NoError(t, reg.Register("finra.ingest_week", func(ctx core.ExecutionContext, params core.Params) core.Pipeline {
		return stubPipeline{result: core.PipelineResult{Status: core.PipelineCompleted, RowCount: 10}}
	}))

	var secondRan int
	steps := []workflow.Step{
		{Name: "ingest", Kind: workflow.KindPipeline, PipelineName: "finra.ingest_week"},
		{Name: "always_fails", Kind: workflow.KindLambda, Handler: func(ctx workflow.Context, cfg map[string]interface{}) workflow.StepResult {
			secondRan++
			if secondRan == 1 {
				return workflow.Fail(errors.New("transient blip"), core.CategoryTransient)
			}
			return workflow.Succeed(nil)
		}},
	}

	wf := workflow.Workflow{Name: "resumable", Steps: steps}
	initial := workflow.NewContext("batch-9", nil, nil)
	runID := initial.RunID

	first := r.Run(context.Background(), wf, initial)
	assert.Equal(t, workflow.PhaseFailed, first.Status)
	assert.Equal(t, []string{"ingest"}, first.CompletedSteps)

	second, err := r.ResumeRun(context.Background(), wf, runID)
	require.NoError(t, err)
	assert.Equal(t, workflow.PhaseCompleted, second.Status)
	assert.Contains(t, second.CompletedSteps, "ingest")
	assert.Contains(t, second.CompletedSteps, "always_fails")
	assert.Equal(t, 2, secondRan, "resume must not re-run the already-completed ingest step")
}

func TestRunnerWaitStepHonorsZeroDuration(t *testing.T) {
	r, _ := newTestRunner(t)
	steps := []workflow.Step{
		{Name: "no_wait", Kind: workflow.KindWait, WaitSeconds: 0},
	}
	initial := workflow.NewContext("batch-10", nil, nil)
	result := r.Run(context.Background(), workflow.Workflow{Name: "waiting", Steps: steps}, initial)
	assert.Equal(t, workflow.PhaseCompleted, result.Status)
}
