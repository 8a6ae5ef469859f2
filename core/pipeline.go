package core

// PipelineStatus is the terminal state of a single pipeline run.
type PipelineStatus string

const (
	PipelineCompleted PipelineStatus = "COMPLETED"
	PipelineFailed    PipelineStatus = "FAILED"
	PipelineSkipped   PipelineStatus = "SKIPPED"
)

// PipelineResult is returned by every pipeline's Run. Domains are forbidden
// from reaching into storage or orchestration themselves; the result is
// the entire surface the core observes.
type PipelineResult struct {
	Status    PipelineStatus
	Error     error
	Category  ErrorCategory
	Metrics   map[string]interface{}
	CaptureID string
	RowCount  int64
}

// Params is the opaque, domain-defined parameter bag threaded into a
// pipeline constructor. The core only ever inspects a handful of named
// keys (week_ending, tier, year, force, __step_outputs, __dry_run__, ...);
// everything else passes through untouched.
type Params map[string]interface{}

// Pipeline is the contract every registered pipeline factory must produce.
// Constructors take (ExecutionContext, Params); Run is synchronous.
type Pipeline interface {
	Run() PipelineResult
}

// Factory constructs a Pipeline bound to a specific execution context and
// parameter set. Registries store factories, not instances, so each
// submission gets a fresh pipeline.
type Factory func(ctx ExecutionContext, params Params) Pipeline
