// Package dispatcher is the single entry point for executing a pipeline
// by name: resolve its factory from the registry, build an execution
// context, run it synchronously, and record the result.
package dispatcher

import (
	"time"

	"github.com/sirupsen/logrus"

	"marketspine/core"
	"marketspine/registry"
)

// Execution is the record the dispatcher returns for a submission:
// status, timing, and the pipeline's own result.
type Execution struct {
	ExecutionContext core.ExecutionContext
	PipelineName     string
	Params           core.Params
	Status           core.PipelineStatus
	Result           core.PipelineResult
	StartedAt        time.Time
	EndedAt          time.Time
	Duration         time.Duration
}

// Dispatcher resolves pipeline names against a PipelineRegistry and runs
// them synchronously. The dispatcher itself never forks goroutines or
// awaits; it is the leaf of the synchronous-runner contract every other
// orchestration layer (groups, workflows, scheduler) builds on.
type Dispatcher struct {
	registry *registry.PipelineRegistry
	log      *logrus.Entry
	stats    *Stats
}

// New builds a Dispatcher bound to registry. log may be nil, in which
// case a default logrus logger is used.
func New(reg *registry.PipelineRegistry, log *logrus.Entry) *Dispatcher {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Dispatcher{registry: reg, log: log, stats: NewStats(1000)}
}

// Submit resolves pipelineName, constructs the pipeline with a fresh
// ExecutionContext, runs it, and returns the resulting Execution record.
// batchID may be empty, in which case a new batch is minted (this
// submission is itself the root of its batch).
func (d *Dispatcher) Submit(pipelineName string, params core.Params, trigger core.TriggerSource, batchID string) (*Execution, error) {
	factory, err := d.registry.Get(pipelineName)
	if err != nil {
		return nil, err
	}

	ctx := core.NewExecutionContext(trigger, core.LaneNormal, batchID)
	log := d.log.WithFields(logrus.Fields{
		"execution_id": ctx.ExecutionID,
		"batch_id":     ctx.BatchID,
		"pipeline":     pipelineName,
	})

	exec := &Execution{
		ExecutionContext: ctx,
		PipelineName:     pipelineName,
		Params:           params,
		StartedAt:        time.Now(),
	}
	d.stats.Start(ctx.ExecutionID, pipelineName)

	log.Info("pipeline submitted")
	pipeline := factory(ctx, params)
	result := pipeline.Run()

	exec.Result = result
	exec.Status = result.Status
	exec.EndedAt = time.Now()
	exec.Duration = exec.EndedAt.Sub(exec.StartedAt)

	var runErr error
	if result.Status == core.PipelineFailed {
		runErr = result.Error
		log.WithError(runErr).WithField("category", result.Category).Warn("pipeline failed")
	} else {
		log.WithField("status", result.Status).Info("pipeline finished")
	}
	d.stats.Complete(ctx.ExecutionID, runErr)

	return exec, nil
}

// Stats exposes the dispatcher's bounded recent-execution tracker.
func (d *Dispatcher) Stats() *Stats { return d.stats }
