package groups_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketspine/core"
	"marketspine/orchestration/groups"
)

func TestResolveOrdersByTopologicalSortWithLexicalTieBreak(t *testing.T) {
	group := groups.PipelineGroup{
		Name: "weekly_otc",
		Steps: []groups.Step{
			{Name: "calc", DependsOn: []string{"normalize"}},
			{Name: "ingest"},
			{Name: "normalize", DependsOn: []string{"ingest"}},
		},
	}

	r := groups.NewResolver(false, nil)
	plan, err := r.Resolve(group, nil)
	require.NoError(t, err)

	names := make([]string, len(plan.Steps))
	for i, s := range plan.Steps {
		names[i] = s.Name
	}
	assert.Equal(t, []string{"ingest", "normalize", "calc"}, names)
}

func TestResolveDetectsCycle(t *testing.T) {
	group := groups.PipelineGroup{
		Name: "cyclic",
		Steps: []groups.Step{
			{Name: "a", DependsOn: []string{"b"}},
			{Name: "b", DependsOn: []string{"a"}},
		},
	}

	r := groups.NewResolver(false, nil)
	_, err := r.Resolve(group, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrCycleDetected))
}

func TestResolveRejectsUnknownDependency(t *testing.T) {
	group := groups.PipelineGroup{
		Name: "broken",
		Steps: []groups.Step{
			{Name: "a", DependsOn: []string{"ghost"}},
		},
	}

	r := groups.NewResolver(false, nil)
	_, err := r.Resolve(group, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrDependencyMissing))
}

func TestResolveVerifiesRegistryWhenEnabled(t *testing.T) {
	group := groups.PipelineGroup{
		Name: "unregistered",
		Steps: []groups.Step{
			{Name: "a", PipelineRegistryKey: "finra.missing"},
		},
	}

	r := groups.NewResolver(true, func(key string) bool { return false })
	_, err := r.Resolve(group, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrDependencyMissing))
}

func TestResolveMergesParamsWithStepWinningTies(t *testing.T) {
	group := groups.PipelineGroup{
		Name:     "merge",
		Defaults: map[string]interface{}{"tier": "T1", "force": false},
		Steps: []groups.Step{
			{Name: "a", Params: map[string]interface{}{"force": true}},
		},
	}

	r := groups.NewResolver(false, nil)
	plan, err := r.Resolve(group, map[string]interface{}{"tier": "T2", "week_ending": "2025-12-22"})
	require.NoError(t, err)

	require.Len(t, plan.Steps, 1)
	params := plan.Steps[0].Params
	assert.Equal(t, "T2", params["tier"], "run_params overrides group defaults")
	assert.Equal(t, true, params["force"], "step params win over run_params")
	assert.Equal(t, "2025-12-22", params["week_ending"])
}

func TestResolveStampsBatchIDWithGroupPrefix(t *testing.T) {
	group := groups.PipelineGroup{Name: "weekly_otc", Steps: []groups.Step{{Name: "a"}}}
	r := groups.NewResolver(false, nil)
	plan, err := r.Resolve(group, nil)
	require.NoError(t, err)
	assert.Contains(t, plan.BatchID, "group_weekly_otc")
}
