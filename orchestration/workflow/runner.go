package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"marketspine/core"
	"marketspine/dispatcher"
	"marketspine/observability"
)

// RunPhase is the lifecycle state of a single workflow run. The table
// below mirrors the valid-transition-table idiom used for multi-phase
// execution tracking elsewhere in this module: a phase only ever moves
// to one of its declared successors.
type RunPhase string

const (
	PhaseRunning   RunPhase = "running"
	PhasePausing   RunPhase = "pausing"
	PhasePaused    RunPhase = "paused"
	PhaseResuming  RunPhase = "resuming"
	PhaseCancelled RunPhase = "cancelled"
	PhaseCompleted RunPhase = "completed"
	PhaseFailed    RunPhase = "failed"
)

var validRunTransitions = map[RunPhase][]RunPhase{
	PhaseRunning:  {PhasePausing, PhaseCancelled, PhaseCompleted, PhaseFailed},
	PhasePausing:  {PhasePaused, PhaseFailed},
	PhasePaused:   {PhaseResuming, PhaseCancelled},
	PhaseResuming: {PhaseRunning, PhaseFailed},
}

func (p RunPhase) canTransitionTo(target RunPhase) bool {
	for _, valid := range validRunTransitions[p] {
		if valid == target {
			return true
		}
	}
	return false
}

func (p RunPhase) isTerminal() bool {
	return p == PhaseCancelled || p == PhaseCompleted || p == PhaseFailed
}

// RunState is the tracked lifecycle state for one workflow run.
type RunState struct {
	RunID     string
	Phase     RunPhase
	ChangedAt time.Time
	Reason    string
}

// runTracker holds RunState for in-flight runs, guarded by a mutex since
// MapStep sub-runs execute concurrently.
type runTracker struct {
	mu    sync.Mutex
	runs  map[string]*RunState
}

func newRunTracker() *runTracker {
	return &runTracker{runs: make(map[string]*RunState)}
}

func (t *runTracker) start(runID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.runs[runID] = &RunState{RunID: runID, Phase: PhaseRunning, ChangedAt: time.Now()}
}

func (t *runTracker) transition(runID string, target RunPhase, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	state, ok := t.runs[runID]
	if !ok {
		return fmt.Errorf("workflow: run not tracked: %s", runID)
	}
	if !state.Phase.canTransitionTo(target) {
		return fmt.Errorf("workflow: invalid transition from %s to %s for run %s", state.Phase, target, runID)
	}
	state.Phase = target
	state.ChangedAt = time.Now()
	state.Reason = reason
	return nil
}

func (t *runTracker) get(runID string) (RunState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	state, ok := t.runs[runID]
	if !ok {
		return RunState{}, false
	}
	return *state, true
}

// Workflow is a named, ordered sequence of steps.
type Workflow struct {
	Name  string
	Steps []Step
}

// Result is returned by Run and Resume.
type Result struct {
	RunID          string
	WorkflowName   string
	Status         RunPhase
	FinalContext   Context
	CompletedSteps []string
	SkippedSteps   []string
	FailedSteps    []string // steps that failed under ErrorPolicyContinue
	ErrorStep      string
	Err            error
}

// Runner executes Workflows step by step, threading an immutable
// Context and, outside dry-run, checkpointing after each completed
// pipeline step and each completed step flagged Checkpoint.
type Runner struct {
	dispatcher  *dispatcher.Dispatcher
	checkpoints *CheckpointStore
	tracker     *runTracker
	log         *logrus.Entry
	metrics     *observability.Metrics
}

// NewRunner builds a Runner. log and metrics may be nil, in which case a
// default logrus logger and a fresh private metrics registry are used.
func NewRunner(d *dispatcher.Dispatcher, checkpoints *CheckpointStore, log *logrus.Entry, metrics *observability.Metrics) *Runner {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if metrics == nil {
		metrics = observability.NewMetrics("")
	}
	return &Runner{dispatcher: d, checkpoints: checkpoints, tracker: newRunTracker(), log: log, metrics: metrics}
}

// Run executes wf from its first step with the given initial context.
func (r *Runner) Run(ctx context.Context, wf Workflow, initial Context) Result {
	r.tracker.start(initial.RunID)
	return r.execute(ctx, wf, initial, 0)
}

// Resume takes no run id, so it has no checkpoint to load and always
// returns an error. ResumeRun is the form that resumes a run.
func (r *Runner) Resume(ctx context.Context, wf Workflow) (Result, error) {
	return r.resumeRun(ctx, wf, "")
}

// ResumeRun resumes a specific run id previously checkpointed: it
// re-enters wf at the step after the checkpoint's last completed step,
// using the checkpoint's context snapshot. Steps before that point are
// not re-executed.
func (r *Runner) ResumeRun(ctx context.Context, wf Workflow, runID string) (Result, error) {
	return r.resumeRun(ctx, wf, runID)
}

func (r *Runner) resumeRun(ctx context.Context, wf Workflow, runID string) (Result, error) {
	if runID == "" {
		return Result{}, fmt.Errorf("workflow: resume requires a run id")
	}
	cp, ok, err := r.checkpoints.Get(ctx, runID)
	if err != nil {
		return Result{}, fmt.Errorf("workflow: resume %s: %w", runID, err)
	}
	if !ok {
		return Result{}, fmt.Errorf("workflow: no checkpoint for run %s", runID)
	}

	startIndex := 0
	for i, step := range wf.Steps {
		if step.Name == cp.LastCompletedStep {
			startIndex = i + 1
			break
		}
	}

	r.tracker.start(runID)
	result := r.execute(ctx, wf, cp.ContextSnapshot, startIndex)
	for i := 0; i < startIndex; i++ {
		result.CompletedSteps = append([]string{wf.Steps[i].Name}, result.CompletedSteps...)
	}
	return result, nil
}

// execute runs wf.Steps[startIndex:] against runCtx, handling ChoiceStep
// skip-until-target semantics, checkpointing, and dry-run mode.
func (r *Runner) execute(ctx context.Context, wf Workflow, runCtx Context, startIndex int) Result {
	log := r.log.WithFields(logrus.Fields{"run_id": runCtx.RunID, "workflow": wf.Name})

	result := Result{RunID: runCtx.RunID, WorkflowName: wf.Name, Status: PhaseRunning}
	skipUntil := ""

	for i := startIndex; i < len(wf.Steps); i++ {
		step := wf.Steps[i]

		if skipUntil != "" {
			if step.Name != skipUntil {
				result.SkippedSteps = append(result.SkippedSteps, step.Name)
				continue
			}
			skipUntil = ""
		}

		select {
		case <-ctx.Done():
			r.tracker.transition(runCtx.RunID, PhaseFailed, "context cancelled")
			result.Status = PhaseFailed
			result.ErrorStep = step.Name
			result.Err = ctx.Err()
			result.FinalContext = runCtx
			return result
		default:
		}

		stepLog := log.WithField("step", step.Name)
		stepLog.Info("step started")
		stepStart := time.Now()

		stepResult := r.runWithRetry(ctx, step, runCtx, stepLog)
		stepDuration := time.Since(stepStart)

		if !stepResult.Success {
			stepLog.WithError(stepResult.Err).WithField("category", stepResult.Category).
				WithField("duration", stepDuration).Warn("step failed")

			switch step.ErrorPolicy {
			case ErrorPolicyContinue:
				r.metrics.RecordWorkflowStep(wf.Name, step.Name, string(step.Kind), "failed_continue", stepDuration)
				result.FailedSteps = append(result.FailedSteps, step.Name)
				runCtx = runCtx.WithStepOutput(step.Name, map[string]interface{}{"error": stepResult.Err.Error()})
				continue
			default: // ErrorPolicyStop and ErrorPolicyRetry (exhausted) both abort
				r.metrics.RecordWorkflowStep(wf.Name, step.Name, string(step.Kind), "failed", stepDuration)
				r.tracker.transition(runCtx.RunID, PhaseFailed, stepResult.Err.Error())
				result.Status = PhaseFailed
				result.ErrorStep = step.Name
				result.Err = stepResult.Err
				result.FinalContext = runCtx
				return result
			}
		}

		r.metrics.RecordWorkflowStep(wf.Name, step.Name, string(step.Kind), "completed", stepDuration)
		runCtx = runCtx.WithStepOutput(step.Name, stepResult.Output)
		if len(stepResult.ContextUpdates) > 0 {
			runCtx = runCtx.WithParams(stepResult.ContextUpdates)
		}
		result.CompletedSteps = append(result.CompletedSteps, step.Name)
		stepLog.WithField("duration", stepDuration).Info("step completed")

		if step.Kind == KindChoice && stepResult.NextStep != "" {
			skipUntil = stepResult.NextStep
		}

		if (step.Checkpoint || step.Kind == KindPipeline) && !runCtx.DryRun() {
			cp := Checkpoint{
				RunID:             runCtx.RunID,
				WorkflowName:      wf.Name,
				LastCompletedStep: step.Name,
				ContextSnapshot:   runCtx,
				CreatedAt:         time.Now().UTC(),
			}
			if err := r.checkpoints.Save(ctx, cp); err != nil {
				stepLog.WithError(err).Warn("checkpoint write failed")
			} else {
				runCtx = runCtx.WithCheckpoint(runCtx.RunID)
			}
		}
	}

	r.tracker.transition(runCtx.RunID, PhaseCompleted, "all steps completed")
	result.Status = PhaseCompleted
	result.FinalContext = runCtx
	if !runCtx.DryRun() {
		_ = r.checkpoints.Delete(ctx, runCtx.RunID)
	}
	return result
}

// runWithRetry invokes step once, and if it fails under ErrorPolicyRetry,
// retries per step.Retry up to MaxAttempts, sleeping with backoff between
// attempts and only retrying error categories the policy allows.
func (r *Runner) runWithRetry(ctx context.Context, step Step, runCtx Context, log *logrus.Entry) StepResult {
	result := r.runStep(ctx, step, runCtx)
	if result.Success || step.ErrorPolicy != ErrorPolicyRetry || step.Retry == nil {
		return result
	}

	policy := *step.Retry
	for attempt := 2; attempt <= policy.MaxAttempts; attempt++ {
		if !policy.allows(result.Category) {
			break
		}
		delay := policy.delay(attempt - 1)
		log.WithFields(logrus.Fields{"attempt": attempt, "delay": delay}).Info("retrying step")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return Fail(ctx.Err(), core.CategoryTimeout)
		}
		result = r.runStep(ctx, step, runCtx)
		if result.Success {
			return result
		}
	}
	return result
}

// runStep dispatches to the step-kind-specific executor.
func (r *Runner) runStep(ctx context.Context, step Step, runCtx Context) StepResult {
	switch step.Kind {
	case KindLambda:
		return r.runLambda(step, runCtx)
	case KindPipeline:
		return r.runPipeline(runCtx, step)
	case KindChoice:
		return r.runChoice(step, runCtx)
	case KindWait:
		return r.runWait(ctx, step, runCtx)
	case KindMap:
		return r.runMap(ctx, step, runCtx)
	default:
		return Fail(fmt.Errorf("workflow: unknown step kind %q for step %s", step.Kind, step.Name), core.CategoryConfiguration)
	}
}

func (r *Runner) runLambda(step Step, runCtx Context) StepResult {
	if step.Handler == nil {
		return Fail(fmt.Errorf("workflow: step %s has no handler", step.Name), core.CategoryConfiguration)
	}
	return step.Handler(runCtx, step.Config)
}

func (r *Runner) runPipeline(runCtx Context, step Step) StepResult {
	if runCtx.DryRun() {
		return Succeed(map[string]interface{}{"dry_run": true})
	}

	params := core.Params(cloneMap(runCtx.Params))
	for k, v := range step.PipelineArgs {
		params[k] = v
	}
	params["__step_outputs"] = runCtx.StepOutputs

	exec, err := r.dispatcher.Submit(step.PipelineName, params, core.TriggerScheduler, runCtx.BatchID)
	if err != nil {
		return Fail(err, core.CategoryOf(err))
	}
	if exec.Status == core.PipelineFailed {
		return StepResult{Success: false, Err: exec.Result.Error, Category: exec.Result.Category}
	}

	return Succeed(map[string]interface{}{
		"row_count":  exec.Result.RowCount,
		"capture_id": exec.Result.CaptureID,
		"metrics":    exec.Result.Metrics,
	})
}

func (r *Runner) runChoice(step Step, runCtx Context) (result StepResult) {
	defer func() {
		if rec := recover(); rec != nil {
			result = Fail(fmt.Errorf("workflow: choice step %s condition panicked: %v", step.Name, rec), core.CategoryInternal)
		}
	}()
	if step.Condition == nil {
		return Fail(fmt.Errorf("workflow: choice step %s has no condition", step.Name), core.CategoryConfiguration)
	}
	if step.Condition(runCtx) {
		return StepResult{Success: true, Output: map[string]interface{}{"branch": "then"}, NextStep: step.ThenStep}
	}
	return StepResult{Success: true, Output: map[string]interface{}{"branch": "else"}, NextStep: step.ElseStep}
}

func (r *Runner) runWait(ctx context.Context, step Step, runCtx Context) StepResult {
	seconds := step.WaitSeconds
	if step.WaitUntil != nil {
		seconds = step.WaitUntil(runCtx)
	}
	if seconds <= 0 {
		return Succeed(nil)
	}
	select {
	case <-time.After(time.Duration(seconds) * time.Second):
		return Succeed(map[string]interface{}{"waited_seconds": seconds})
	case <-ctx.Done():
		return Fail(ctx.Err(), core.CategoryTimeout)
	}
}

// mapItemResult pairs one MapStep iteration's outcome with its index so
// aggregation can preserve input order despite concurrent completion.
type mapItemResult struct {
	index  int
	result Result
}

func (r *Runner) runMap(ctx context.Context, step Step, runCtx Context) StepResult {
	if step.Items == nil {
		return Fail(fmt.Errorf("workflow: map step %s has no item source", step.Name), core.CategoryConfiguration)
	}
	items := step.Items(runCtx)
	if len(items) == 0 {
		return Succeed(map[string]interface{}{"item_count": 0, "outputs": []interface{}{}})
	}

	concurrency := step.MaxConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	policy := step.MapFailurePolicy
	if policy == "" {
		policy = FailFast
	}

	iterator := Workflow{Name: step.Name + ".iterator", Steps: step.IteratorSteps}

	results := make([]mapItemResult, len(items))
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	var firstErr error
	var mu sync.Mutex

	for i, item := range items {
		mu.Lock()
		abort := policy == FailFast && firstErr != nil
		mu.Unlock()
		if abort {
			break
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(index int, item interface{}) {
			defer wg.Done()
			defer func() { <-sem }()

			subCtx := runCtx.Sub(step.ItemParam, item)
			r.tracker.start(subCtx.RunID)
			subResult := r.execute(ctx, iterator, subCtx, 0)
			results[index] = mapItemResult{index: index, result: subResult}

			if subResult.Status != PhaseCompleted {
				mu.Lock()
				if firstErr == nil {
					firstErr = subResult.Err
				}
				mu.Unlock()
			}
		}(i, item)
	}
	wg.Wait()

	outputs := make([]map[string]interface{}, 0, len(items))
	for _, mr := range results {
		if mr.result.RunID == "" {
			continue // aborted before this index ran (FailFast)
		}
		outputs = append(outputs, mr.result.FinalContext.StepOutputs)
	}

	if policy == FailFast && firstErr != nil {
		return Fail(fmt.Errorf("workflow: map step %s aborted: %w", step.Name, firstErr), core.CategoryDependency)
	}
	if policy == CollectErrors && firstErr != nil {
		return StepResult{
			Success: true,
			Output: map[string]interface{}{
				"item_count": len(items),
				"outputs":    outputs,
				"had_errors": true,
			},
		}
	}

	return Succeed(map[string]interface{}{"item_count": len(items), "outputs": outputs})
}
