// Package workflow implements the v2 context-passing orchestration
// model: an ordered sequence of typed steps threaded through an
// immutable WorkflowContext, each step returning a StepResult that
// merges its output and param updates back into the context for the
// steps that follow.
package workflow

import (
	"time"

	"github.com/google/uuid"

	"marketspine/core"
)

// Context is the immutable value threaded through a workflow run. Every
// mutator returns a new Context with the change merged; the receiver is
// left untouched, so a checkpoint taken mid-run, or a MapStep fan-out
// handing each iteration its own sub-context, never risks a data race.
type Context struct {
	RunID          string
	TraceID        string
	BatchID        string
	StartedAt      time.Time
	Params         map[string]interface{}
	StepOutputs    map[string]map[string]interface{}
	Metadata       map[string]interface{}
	CheckpointID   string
	Partition      core.PartitionKey
	AsOfDate       time.Time
	CaptureID      string
	IdempotencyKey string
}

// NewContext mints a fresh Context for a new workflow run.
func NewContext(batchID string, partition core.PartitionKey, params map[string]interface{}) Context {
	if params == nil {
		params = map[string]interface{}{}
	}
	return Context{
		RunID:       uuid.NewString(),
		TraceID:     uuid.NewString(),
		BatchID:     batchID,
		StartedAt:   time.Now().UTC(),
		Params:      cloneMap(params),
		StepOutputs: map[string]map[string]interface{}{},
		Metadata:    map[string]interface{}{},
		Partition:   partition,
	}
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// WithParams returns a copy with updates merged into Params.
func (c Context) WithParams(updates map[string]interface{}) Context {
	out := c
	out.Params = cloneMap(c.Params)
	for k, v := range updates {
		out.Params[k] = v
	}
	return out
}

// WithStepOutput returns a copy recording stepName's output.
func (c Context) WithStepOutput(stepName string, output map[string]interface{}) Context {
	out := c
	out.StepOutputs = make(map[string]map[string]interface{}, len(c.StepOutputs)+1)
	for k, v := range c.StepOutputs {
		out.StepOutputs[k] = v
	}
	out.StepOutputs[stepName] = output
	return out
}

// WithCheckpoint returns a copy recording checkpointID.
func (c Context) WithCheckpoint(checkpointID string) Context {
	out := c
	out.CheckpointID = checkpointID
	return out
}

// GetOutput returns StepOutputs[stepName][key] and whether it was present.
func (c Context) GetOutput(stepName, key string) (interface{}, bool) {
	step, ok := c.StepOutputs[stepName]
	if !ok {
		return nil, false
	}
	v, ok := step[key]
	return v, ok
}

// DryRun reports whether __dry_run__ is set truthy in Params.
func (c Context) DryRun() bool {
	v, ok := c.Params["__dry_run__"]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// Sub derives a fresh child context for one MapStep iteration: a new
// RunID so its own checkpoint (if any) doesn't collide with the
// parent's, but the same TraceID/BatchID/Partition/CaptureID so related
// records still correlate, and itemParam bound into Params.
func (c Context) Sub(itemParam string, item interface{}) Context {
	out := c
	out.RunID = uuid.NewString()
	out.Params = cloneMap(c.Params)
	out.Params[itemParam] = item
	out.StepOutputs = map[string]map[string]interface{}{}
	out.CheckpointID = ""
	return out
}
