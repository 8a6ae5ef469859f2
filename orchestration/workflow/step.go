package workflow

import (
	"time"

	"marketspine/core"
)

// StepStatus is a step's outcome after one execution attempt.
type StepStatus string

const (
	StepSuccess StepStatus = "SUCCESS"
	StepFailed  StepStatus = "FAILED"
	StepSkipped StepStatus = "SKIPPED"
)

// Event is a structured note a step can attach to its result (e.g.
// "rows_read=900"). The Runner neither logs a step's events nor returns
// them in its Result.
type Event struct {
	Name   string
	Fields map[string]interface{}
}

// Quality carries lightweight quality signals a step can attach to its
// result, independent of whether the step succeeded. The Runner does not
// persist them or return them in its Result.
type Quality struct {
	Checks map[string]bool
	Notes  []string
}

// StepResult is the universal envelope every step kind returns. Output
// is stored under the step's name in ctx.StepOutputs for steps that run
// later; ContextUpdates is merged into ctx.Params globally.
type StepResult struct {
	Success        bool
	Output         map[string]interface{}
	ContextUpdates map[string]interface{}
	Err            error
	Category       core.ErrorCategory
	Quality        *Quality
	Events         []Event
	// NextStep, set by a ChoiceStep, names the step to resume at; steps
	// between the choice and NextStep in source order are SKIPPED.
	NextStep string
}

// Succeed builds a successful StepResult.
func Succeed(output map[string]interface{}) StepResult {
	return StepResult{Success: true, Output: output}
}

// Fail builds a failed StepResult with the given error category.
func Fail(err error, category core.ErrorCategory) StepResult {
	return StepResult{Success: false, Err: err, Category: category}
}

// StepKind distinguishes the five step types a workflow may contain.
type StepKind string

const (
	KindLambda   StepKind = "lambda"
	KindPipeline StepKind = "pipeline"
	KindChoice   StepKind = "choice"
	KindWait     StepKind = "wait"
	KindMap      StepKind = "map"
)

// FailurePolicy governs a MapStep's behavior when some items fail.
type FailurePolicy string

const (
	FailFast      FailurePolicy = "fail_fast"
	CollectErrors FailurePolicy = "collect_errors"
)

// ErrorPolicyKind governs what the runner does when a step fails.
type ErrorPolicyKind string

const (
	// ErrorPolicyStop aborts the workflow and surfaces the error. The
	// zero value of ErrorPolicyKind behaves as Stop.
	ErrorPolicyStop ErrorPolicyKind = "stop"
	// ErrorPolicyContinue records the failure and proceeds to the next
	// step regardless.
	ErrorPolicyContinue ErrorPolicyKind = "continue"
	// ErrorPolicyRetry retries the step per RetryPolicy before falling
	// back to Stop.
	ErrorPolicyRetry ErrorPolicyKind = "retry"
)

// RetryPolicy is an explicit, opt-in per-step retry configuration. There
// is no implicit retry: a step without ErrorPolicyRetry fails once and
// applies its ErrorPolicy directly.
type RetryPolicy struct {
	MaxAttempts         int
	Base                time.Duration
	Multiplier          float64
	RetryableCategories []core.ErrorCategory
}

func (p RetryPolicy) allows(category core.ErrorCategory) bool {
	if len(p.RetryableCategories) == 0 {
		return category.Retryable()
	}
	for _, c := range p.RetryableCategories {
		if c == category {
			return true
		}
	}
	return false
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = time.Second
	}
	mult := p.Multiplier
	if mult <= 0 {
		mult = 2
	}
	d := base
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * mult)
	}
	return d
}

// LambdaHandler is the inline function a LambdaStep invokes.
type LambdaHandler func(ctx Context, config map[string]interface{}) StepResult

// ChoiceCondition is the pure, total predicate a ChoiceStep evaluates.
type ChoiceCondition func(ctx Context) (thenBranch bool)

// Step is one entry in a workflow's ordered step list. Exactly the
// fields relevant to Kind are populated; the runner ignores the rest.
type Step struct {
	Name       string
	Kind       StepKind
	Checkpoint bool // force a checkpoint write after this step completes

	// ErrorPolicy governs failure handling; zero value is ErrorPolicyStop.
	ErrorPolicy ErrorPolicyKind
	Retry       *RetryPolicy

	// KindLambda
	Handler LambdaHandler
	Config  map[string]interface{}

	// KindPipeline
	PipelineName string
	PipelineArgs map[string]interface{}

	// KindChoice
	Condition ChoiceCondition
	ThenStep  string
	ElseStep  string

	// KindWait
	WaitSeconds int
	WaitUntil   func(ctx Context) (seconds int)

	// KindMap
	Items           func(ctx Context) []interface{}
	ItemParam       string
	IteratorSteps   []Step
	MaxConcurrency  int
	MapFailurePolicy FailurePolicy
}
