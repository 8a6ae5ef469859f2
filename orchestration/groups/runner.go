package groups

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"marketspine/core"
	"marketspine/dispatcher"
)

// StepStatus is a planned step's outcome within a single group run.
type StepStatus string

const (
	StepPending   StepStatus = "PENDING"
	StepRunning   StepStatus = "RUNNING"
	StepCompleted StepStatus = "COMPLETED"
	StepFailed    StepStatus = "FAILED"
	StepSkipped   StepStatus = "SKIPPED"
	StepCancelled StepStatus = "CANCELLED"
)

// GroupStatus is a group run's overall outcome, derived from its steps'
// statuses per the aggregation table.
type GroupStatus string

const (
	GroupPending   GroupStatus = "PENDING"
	GroupRunning   GroupStatus = "RUNNING"
	GroupCompleted GroupStatus = "COMPLETED"
	GroupFailed    GroupStatus = "FAILED"
	GroupCancelled GroupStatus = "CANCELLED"
	GroupPartial   GroupStatus = "PARTIAL"
)

// StepOutcome records one step's final status and dispatch result.
type StepOutcome struct {
	Name   string
	Status StepStatus
	Result *dispatcher.Execution
	Err    error
}

// GroupResult is what a GroupRunner returns for one plan execution.
type GroupResult struct {
	BatchID string
	Status  GroupStatus
	Steps   []StepOutcome
}

// aggregate derives GroupStatus from a set of step statuses per the
// group aggregation table: all COMPLETED -> COMPLETED; any RUNNING ->
// RUNNING; any FAILED with none RUNNING -> FAILED; any CANCELLED with
// no RUNNING/FAILED -> CANCELLED; all PENDING -> PENDING; else PARTIAL.
func aggregate(statuses []StepStatus) GroupStatus {
	counts := map[StepStatus]int{}
	for _, s := range statuses {
		counts[s]++
	}
	total := len(statuses)

	if counts[StepCompleted] == total {
		return GroupCompleted
	}
	if counts[StepRunning] > 0 {
		return GroupRunning
	}
	if counts[StepFailed] > 0 {
		return GroupFailed
	}
	if counts[StepCancelled] > 0 {
		return GroupCancelled
	}
	if counts[StepPending] == total {
		return GroupPending
	}
	return GroupPartial
}

// Runner executes an ExecutionPlan in sequential or parallel mode,
// submitting each planned step through a Dispatcher.
type Runner struct {
	dispatcher *dispatcher.Dispatcher
	log        *logrus.Entry
}

// NewRunner builds a Runner. log may be nil.
func NewRunner(d *dispatcher.Dispatcher, log *logrus.Entry) *Runner {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Runner{dispatcher: d, log: log}
}

// Run executes plan according to plan.Policy.Execution.
func (r *Runner) Run(plan *ExecutionPlan, trigger core.TriggerSource) GroupResult {
	switch plan.Policy.Execution {
	case Parallel:
		return r.runParallel(plan, trigger)
	default:
		return r.runSequential(plan, trigger)
	}
}

func (r *Runner) runSequential(plan *ExecutionPlan, trigger core.TriggerSource) GroupResult {
	log := r.log.WithFields(logrus.Fields{"group": plan.GroupName, "batch_id": plan.BatchID})
	outcomes := make([]StepOutcome, len(plan.Steps))
	stopped := false

	for i, step := range plan.Steps {
		if stopped {
			outcomes[i] = StepOutcome{Name: step.Name, Status: StepSkipped}
			continue
		}

		stepLog := log.WithField("step", step.Name)
		exec, err := r.dispatcher.Submit(step.PipelineRegistryKey, core.Params(step.Params), trigger, plan.BatchID)
		if err != nil {
			stepLog.WithError(err).Warn("step submission failed")
			outcomes[i] = StepOutcome{Name: step.Name, Status: StepFailed, Err: err}
			if plan.Policy.OnFailure != OnFailureContinue {
				stopped = true
			}
			continue
		}

		if exec.Status == core.PipelineFailed {
			stepLog.WithError(exec.Result.Error).Warn("step failed")
			outcomes[i] = StepOutcome{Name: step.Name, Status: StepFailed, Result: exec, Err: exec.Result.Error}
			if plan.Policy.OnFailure != OnFailureContinue {
				stopped = true
			}
			continue
		}

		outcomes[i] = StepOutcome{Name: step.Name, Status: StepCompleted, Result: exec}
	}

	return GroupResult{BatchID: plan.BatchID, Status: aggregate(statusesOf(outcomes)), Steps: outcomes}
}

// runParallel maintains a ready set of steps whose dependencies have all
// completed, submitting up to MaxConcurrency concurrently. On a failure
// with OnFailureStop, it refuses to submit further steps and waits for
// in-flight submissions to finish (cooperative cancellation: steps
// already running are not interrupted).
func (r *Runner) runParallel(plan *ExecutionPlan, trigger core.TriggerSource) GroupResult {
	log := r.log.WithFields(logrus.Fields{"group": plan.GroupName, "batch_id": plan.BatchID})

	concurrency := plan.Policy.MaxConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	status := make(map[string]StepStatus, len(plan.Steps))
	byName := make(map[string]PlannedStep, len(plan.Steps))
	for _, s := range plan.Steps {
		status[s.Name] = StepPending
		byName[s.Name] = s
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, concurrency)
	var stopRequested bool
	results := make(map[string]StepOutcome, len(plan.Steps))

	dependenciesSatisfied := func(s PlannedStep) bool {
		for _, dep := range s.DependsOn {
			if status[dep] != StepCompleted {
				return false
			}
		}
		return true
	}

	for {
		mu.Lock()
		var ready []string
		pendingRemains := false
		for _, s := range plan.Steps {
			if status[s.Name] == StepPending {
				pendingRemains = true
				if !stopRequested && dependenciesSatisfied(s) {
					ready = append(ready, s.Name)
				}
			}
		}
		if len(ready) == 0 {
			if !pendingRemains {
				mu.Unlock()
				break
			}
			// Nothing submittable: either cancellation is in effect, or
			// the remaining steps all depend on a step that failed.
			// Neither recovers, so the rest are SKIPPED.
			for _, s := range plan.Steps {
				if status[s.Name] == StepPending {
					status[s.Name] = StepSkipped
					results[s.Name] = StepOutcome{Name: s.Name, Status: StepSkipped}
				}
			}
			mu.Unlock()
			break
		}
		sort.Strings(ready)
		for _, name := range ready {
			status[name] = StepRunning
		}
		mu.Unlock()

		for _, name := range ready {
			step := byName[name]
			wg.Add(1)
			sem <- struct{}{}
			go func(step PlannedStep) {
				defer wg.Done()
				defer func() { <-sem }()

				stepLog := log.WithField("step", step.Name)
				exec, err := r.dispatcher.Submit(step.PipelineRegistryKey, core.Params(step.Params), trigger, plan.BatchID)

				mu.Lock()
				defer mu.Unlock()
				switch {
				case err != nil:
					stepLog.WithError(err).Warn("step submission failed")
					status[step.Name] = StepFailed
					results[step.Name] = StepOutcome{Name: step.Name, Status: StepFailed, Err: err}
					if plan.Policy.OnFailure != OnFailureContinue {
						stopRequested = true
					}
				case exec.Status == core.PipelineFailed:
					stepLog.WithError(exec.Result.Error).Warn("step failed")
					status[step.Name] = StepFailed
					results[step.Name] = StepOutcome{Name: step.Name, Status: StepFailed, Result: exec, Err: exec.Result.Error}
					if plan.Policy.OnFailure != OnFailureContinue {
						stopRequested = true
					}
				default:
					status[step.Name] = StepCompleted
					results[step.Name] = StepOutcome{Name: step.Name, Status: StepCompleted, Result: exec}
				}
			}(step)
		}
		wg.Wait()
	}

	outcomes := make([]StepOutcome, 0, len(plan.Steps))
	for _, s := range plan.Steps {
		if o, ok := results[s.Name]; ok {
			outcomes = append(outcomes, o)
		} else {
			outcomes = append(outcomes, StepOutcome{Name: s.Name, Status: status[s.Name]})
		}
	}

	return GroupResult{BatchID: plan.BatchID, Status: aggregate(statusesOf(outcomes)), Steps: outcomes}
}

func statusesOf(outcomes []StepOutcome) []StepStatus {
	out := make([]StepStatus, len(outcomes))
	for i, o := range outcomes {
		out[i] = o.Status
	}
	return out
}
