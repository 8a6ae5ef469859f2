package groups

import (
	"fmt"
	"sort"

	"marketspine/core"
)

// PlannedStep is one step after resolution: merged params and its
// position in topological order.
type PlannedStep struct {
	Name                string
	PipelineRegistryKey string
	DependsOn           []string
	Params              map[string]interface{}
	SequenceOrder       int
}

// ExecutionPlan is a resolved PipelineGroup ready for a GroupRunner.
type ExecutionPlan struct {
	BatchID      string
	GroupName    string
	GroupVersion string
	Steps        []PlannedStep
	Policy       Policy
}

// CycleDetectedError reports the back-edge path a three-color DFS found.
type CycleDetectedError struct {
	Path []string
}

func (e *CycleDetectedError) Error() string {
	return fmt.Sprintf("cycle detected: %v", e.Path)
}

func (e *CycleDetectedError) Unwrap() error { return core.ErrCycleDetected }

// color marks a step's three-color DFS state during cycle detection.
type color int

const (
	white color = iota
	gray
	black
)

// PipelineExists is consulted by Resolve when verifyRegistry is true, to
// confirm every step's pipeline_registry_key is actually registered.
type PipelineExists func(registryKey string) bool

// Resolver validates a PipelineGroup, detects cycles, topologically
// sorts its steps, and merges parameters.
type Resolver struct {
	verifyRegistry bool
	exists         PipelineExists
}

// NewResolver builds a Resolver. When verifyRegistry is true, exists is
// consulted for every step and an unresolved pipeline fails resolution.
func NewResolver(verifyRegistry bool, exists PipelineExists) *Resolver {
	return &Resolver{verifyRegistry: verifyRegistry, exists: exists}
}

// Resolve validates group, then produces its ExecutionPlan.
func (r *Resolver) Resolve(group PipelineGroup, runParams map[string]interface{}) (*ExecutionPlan, error) {
	if err := r.validate(group); err != nil {
		return nil, err
	}

	order, err := topoSort(group.Steps)
	if err != nil {
		return nil, err
	}

	byName := make(map[string]Step, len(group.Steps))
	for _, s := range group.Steps {
		byName[s.Name] = s
	}

	steps := make([]PlannedStep, 0, len(order))
	for i, name := range order {
		s := byName[name]
		steps = append(steps, PlannedStep{
			Name:                s.Name,
			PipelineRegistryKey: s.PipelineRegistryKey,
			DependsOn:           s.DependsOn,
			Params:              mergeParams(group.Defaults, runParams, s.Params),
			SequenceOrder:       i,
		})
	}

	return &ExecutionPlan{
		BatchID:      core.NewBatchID("group_" + group.Name),
		GroupName:    group.Name,
		GroupVersion: group.Version,
		Steps:        steps,
		Policy:       group.Policy,
	}, nil
}

func (r *Resolver) validate(group PipelineGroup) error {
	seen := make(map[string]bool, len(group.Steps))
	for _, s := range group.Steps {
		if seen[s.Name] {
			return core.NewError(core.CategoryInternal, fmt.Errorf("%w: duplicate step name %q in group %s", core.ErrCycleDetected, s.Name, group.Name))
		}
		seen[s.Name] = true
	}
	for _, s := range group.Steps {
		for _, dep := range s.DependsOn {
			if !seen[dep] {
				return core.NewError(core.CategoryDependency, fmt.Errorf("%w: step %s depends on unknown step %q", core.ErrDependencyMissing, s.Name, dep))
			}
		}
		if r.verifyRegistry && r.exists != nil && !r.exists(s.PipelineRegistryKey) {
			return core.NewError(core.CategoryDependency, fmt.Errorf("%w: step %s references unregistered pipeline %q", core.ErrDependencyMissing, s.Name, s.PipelineRegistryKey))
		}
	}
	return nil
}

// topoSort runs three-color DFS cycle detection, then Kahn's algorithm
// with lexicographic tie-break for a deterministic plan order.
func topoSort(steps []Step) ([]string, error) {
	deps := make(map[string][]string, len(steps))
	names := make([]string, 0, len(steps))
	for _, s := range steps {
		deps[s.Name] = s.DependsOn
		names = append(names, s.Name)
	}

	colors := make(map[string]color, len(steps))
	var path []string
	var visit func(name string) error
	visit = func(name string) error {
		switch colors[name] {
		case black:
			return nil
		case gray:
			cyclePath := append(append([]string{}, path...), name)
			return &CycleDetectedError{Path: cyclePath}
		}
		colors[name] = gray
		path = append(path, name)
		for _, dep := range deps[name] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		colors[name] = black
		return nil
	}

	sort.Strings(names)
	for _, n := range names {
		if err := visit(n); err != nil {
			return nil, err
		}
	}

	// Kahn's algorithm: indegree = number of steps this one depends on
	// (len(DependsOn)), and dependents maps each step to the steps that
	// depend on it. A step is ready when every step it depends on has
	// already been emitted.
	inDegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	for _, s := range steps {
		inDegree[s.Name] = len(s.DependsOn)
		for _, dep := range s.DependsOn {
			dependents[dep] = append(dependents[dep], s.Name)
		}
	}

	ready := make([]string, 0, len(steps))
	for _, n := range names {
		if inDegree[n] == 0 {
			ready = append(ready, n)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(steps))
	for len(ready) > 0 {
		sort.Strings(ready)
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)

		newlyReady := make([]string, 0)
		for _, child := range dependents[next] {
			inDegree[child]--
			if inDegree[child] == 0 {
				newlyReady = append(newlyReady, child)
			}
		}
		sort.Strings(newlyReady)
		ready = append(ready, newlyReady...)
	}

	if len(order) != len(steps) {
		return nil, &CycleDetectedError{Path: names}
	}
	return order, nil
}

// mergeParams applies the precedence floor < run_params < step.params.
func mergeParams(defaults, runParams, stepParams map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(defaults)+len(runParams)+len(stepParams))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range runParams {
		out[k] = v
	}
	for k, v := range stepParams {
		out[k] = v
	}
	return out
}
