package scheduler_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketspine/core"
	"marketspine/dispatcher"
	"marketspine/manifest"
	"marketspine/registry"
	"marketspine/scheduler"
	"marketspine/storage/memory"
)

// weeklyFriday is a minimal registry.PeriodStrategy: periods end on
// Friday, formatted as the date itself.
type weeklyFriday struct{}

func (weeklyFriday) DerivePeriodEnd(publishDate time.Time) time.Time {
	d := publishDate
	for d.Weekday() != time.Friday {
		d = d.AddDate(0, 0, -1)
	}
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
}

func (weeklyFriday) ValidateDate(d time.Time) error {
	if d.Weekday() != time.Friday {
		return errors.New("not a friday")
	}
	return nil
}

func (weeklyFriday) FormatForFilename(d time.Time) string { return d.Format("2006-01-02") }
func (weeklyFriday) FormatForDisplay(d time.Time) string  { return d.Format("Jan 2, 2006") }

// stubSource returns a fixed payload, or an error when failNext is true.
type stubSource struct {
	content  []byte
	failNext bool
}

func (s *stubSource) Fetch() (registry.Payload, error) {
	if s.failNext {
		return registry.Payload{}, core.NewError(core.CategoryTransient, errors.New("upstream 503"))
	}
	return registry.Payload{Content: s.content, Metadata: map[string]interface{}{"fetched": true}}, nil
}

type stubPipeline struct{ result core.PipelineResult }

func (p stubPipeline) Run() core.PipelineResult { return p.result }

func registerPipeline(t *testing.T, reg *registry.PipelineRegistry, name string, result core.PipelineResult) {
	t.Helper()
	require.NoError(t, reg.Register(name, func(ctx core.ExecutionContext, params core.Params) core.Pipeline {
		return stubPipeline{result: result}
	}))
}

func newTestScheduler(t *testing.T, cfg scheduler.Config) (*scheduler.Scheduler, *manifest.Store, *manifest.ReadinessStore) {
	t.Helper()
	engine := memory.New()
	manifestStore := manifest.New(engine)
	quality := manifest.NewQualityStore(engine)
	anomalies := manifest.NewAnomalyStore(engine)
	readiness := manifest.NewReadinessStore(engine)

	reg := registry.NewPipelineRegistry()
	registerPipeline(t, reg, cfg.IngestPipeline, core.PipelineResult{Status: core.PipelineCompleted, RowCount: 10})
	registerPipeline(t, reg, cfg.NormalizePipeline, core.PipelineResult{Status: core.PipelineCompleted, RowCount: 10})
	for _, name := range cfg.CalcPipelines {
		registerPipeline(t, reg, name, core.PipelineResult{Status: core.PipelineCompleted, RowCount: 1})
	}
	d := dispatcher.New(reg, nil)

	s := scheduler.New(cfg, manifestStore, quality, anomalies, readiness, d, nil, nil)
	return s, manifestStore, readiness
}

func baseConfig() scheduler.Config {
	return scheduler.Config{
		Domain:            "finra",
		Tiers:             []string{"t1", "t2"},
		RequiredTiers:     []string{"t1", "t2"},
		Period:            weeklyFriday{},
		IngestPipeline:    "finra.ingest",
		NormalizePipeline: "finra.normalize",
		CalcPipelines:     []string{"finra.calc"},
	}
}

func friday(t *testing.T) time.Time {
	t.Helper()
	d := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	require.Equal(t, time.Friday, d.Weekday())
	return d
}

func TestRunAllTiersHealthyProducesReadyWeekAndSuccessExit(t *testing.T) {
	cfg := baseConfig()
	cfg.Sources = map[string]registry.SourceStrategy{
		"t1": &stubSource{content: []byte("t1-data")},
		"t2": &stubSource{content: []byte("t2-data")},
	}
	s, _, readiness := newTestScheduler(t, cfg)

	week := friday(t)
	report := s.Run(context.Background(), []time.Time{week})

	require.Len(t, report.Weeks, 1)
	wr := report.Weeks[0]
	assert.True(t, wr.IsReady)
	assert.Empty(t, wr.BlockingIssues)
	assert.Equal(t, scheduler.ExitSuccess, report.ExitCode)

	entry, ok, err := readiness.Get(context.Background(), "finra", core.PartitionKey{"week_ending": cfg.Period.FormatForFilename(week)})
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, entry.IsReady)
}

func TestIngestSkipsUnchangedPartitionOnSecondRun(t *testing.T) {
	cfg := baseConfig()
	source := &stubSource{content: []byte("stable-content")}
	cfg.Sources = map[string]registry.SourceStrategy{"t1": source, "t2": source}
	s, _, _ := newTestScheduler(t, cfg)

	week := friday(t)
	first := s.Run(context.Background(), []time.Time{week})
	require.Equal(t, scheduler.OutcomeIngested, first.Weeks[0].Tiers[0].Ingest)

	second := s.Run(context.Background(), []time.Time{week})
	assert.Equal(t, scheduler.OutcomeUnchanged, second.Weeks[0].Tiers[0].Ingest)
}

func TestIngestReRunsWhenContentHashChanges(t *testing.T) {
	cfg := baseConfig()
	source := &stubSource{content: []byte("version-1")}
	cfg.Sources = map[string]registry.SourceStrategy{"t1": source, "t2": source}
	s, _, _ := newTestScheduler(t, cfg)

	week := friday(t)
	s.Run(context.Background(), []time.Time{week})

	source.content = []byte("version-2")
	report := s.Run(context.Background(), []time.Time{week})
	assert.Equal(t, scheduler.OutcomeIngested, report.Weeks[0].Tiers[0].Ingest)
}

func TestForceBypassesUnchangedSkip(t *testing.T) {
	cfg := baseConfig()
	source := &stubSource{content: []byte("stable-content")}
	cfg.Sources = map[string]registry.SourceStrategy{"t1": source, "t2": source}
	cfg.Force = true
	s, _, _ := newTestScheduler(t, cfg)

	week := friday(t)
	first := s.Run(context.Background(), []time.Time{week})
	require.Equal(t, scheduler.OutcomeIngested, first.Weeks[0].Tiers[0].Ingest)

	report := s.Run(context.Background(), []time.Time{week})
	assert.Equal(t, scheduler.OutcomeIngested, report.Weeks[0].Tiers[0].Ingest)
}

func TestOnePartitionFailureDoesNotBlockOthersAndExitsPartial(t *testing.T) {
	cfg := baseConfig()
	failing := &stubSource{failNext: true}
	healthy := &stubSource{content: []byte("healthy-data")}
	cfg.Sources = map[string]registry.SourceStrategy{"t1": failing, "t2": healthy}
	s, _, _ := newTestScheduler(t, cfg)

	week := friday(t)
	report := s.Run(context.Background(), []time.Time{week})

	wr := report.Weeks[0]
	assert.Equal(t, scheduler.OutcomeFailed, wr.Tiers[0].Ingest)
	assert.Equal(t, scheduler.OutcomeIngested, wr.Tiers[1].Ingest)
	assert.False(t, wr.IsReady)
	assert.Equal(t, scheduler.ExitPartial, report.ExitCode)
}

func TestAllWeeksFailingExitsAllFailed(t *testing.T) {
	cfg := baseConfig()
	failing := &stubSource{failNext: true}
	cfg.Sources = map[string]registry.SourceStrategy{"t1": failing, "t2": failing}
	s, _, _ := newTestScheduler(t, cfg)

	report := s.Run(context.Background(), []time.Time{friday(t)})
	assert.Equal(t, scheduler.ExitAllFailed, report.ExitCode)
}

func TestOnlyStageIngestSkipsNormalizeAndCalc(t *testing.T) {
	cfg := baseConfig()
	cfg.OnlyStage = scheduler.StageIngest
	cfg.Sources = map[string]registry.SourceStrategy{
		"t1": &stubSource{content: []byte("a")},
		"t2": &stubSource{content: []byte("b")},
	}
	s, manifestStore, _ := newTestScheduler(t, cfg)

	week := friday(t)
	report := s.Run(context.Background(), []time.Time{week})

	wr := report.Weeks[0]
	assert.Equal(t, scheduler.OutcomeIngested, wr.Tiers[0].Ingest)
	assert.Equal(t, scheduler.PartitionOutcome(""), wr.Tiers[0].Normalize)
	assert.Equal(t, scheduler.PartitionOutcome(""), wr.CalcOutcome)

	partition := core.PartitionKey{"week_ending": cfg.Period.FormatForFilename(week), "tier": "t1"}
	_, found, err := manifestStore.Query(context.Background(), "finra", partition, core.StageNormalized)
	require.NoError(t, err)
	assert.False(t, found, "normalize must not have run under --only-stage ingest")
}

func TestCalcDeferredUntilAllRequiredTiersNormalized(t *testing.T) {
	cfg := baseConfig()
	cfg.OnlyStage = scheduler.StageCalc
	s, _, _ := newTestScheduler(t, cfg)

	report := s.Run(context.Background(), []time.Time{friday(t)})
	assert.Equal(t, scheduler.OutcomeSkipped, report.Weeks[0].CalcOutcome)
	assert.False(t, report.Weeks[0].IsReady)
}

func TestFailFastStopsAfterFirstFailingWeek(t *testing.T) {
	cfg := baseConfig()
	failing := &stubSource{failNext: true}
	cfg.Sources = map[string]registry.SourceStrategy{"t1": failing, "t2": failing}
	cfg.FailFast = true
	s, _, _ := newTestScheduler(t, cfg)

	week1 := friday(t)
	week2 := week1.AddDate(0, 0, 7)
	report := s.Run(context.Background(), []time.Time{week1, week2})

	assert.Len(t, report.Weeks, 1, "fail-fast must stop before the second week runs")
}

func TestDryRunRecordsNothingToManifest(t *testing.T) {
	cfg := baseConfig()
	cfg.DryRun = true
	cfg.Sources = map[string]registry.SourceStrategy{
		"t1": &stubSource{content: []byte("a")},
		"t2": &stubSource{content: []byte("b")},
	}
	s, manifestStore, _ := newTestScheduler(t, cfg)

	week := friday(t)
	report := s.Run(context.Background(), []time.Time{week})
	assert.Equal(t, scheduler.OutcomeIngested, report.Weeks[0].Tiers[0].Ingest)

	partition := core.PartitionKey{"week_ending": cfg.Period.FormatForFilename(week), "tier": "t1"}
	_, found, err := manifestStore.Query(context.Background(), "finra", partition, core.StageRaw)
	require.NoError(t, err)
	assert.False(t, found, "dry run must not persist a manifest entry")
}

func TestSelectTargetsUsesExplicitDatesWhenGiven(t *testing.T) {
	explicit := []time.Time{friday(t)}
	targets, err := scheduler.SelectTargets(weeklyFriday{}, time.Now(), 0, explicit)
	require.NoError(t, err)
	assert.Equal(t, explicit, targets)
}

func TestSelectTargetsRejectsInvalidExplicitDate(t *testing.T) {
	notFriday := time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC)
	_, err := scheduler.SelectTargets(weeklyFriday{}, time.Now(), 0, []time.Time{notFriday})
	assert.Error(t, err)
}

func TestSelectTargetsWalksBackNWeeksFromLatest(t *testing.T) {
	asOf := time.Date(2026, 1, 16, 0, 0, 0, 0, time.UTC)
	targets, err := scheduler.SelectTargets(weeklyFriday{}, asOf, 3, nil)
	require.NoError(t, err)
	require.Len(t, targets, 3)
	assert.True(t, targets[0].Before(targets[1]))
	assert.True(t, targets[1].Before(targets[2]))
	assert.Equal(t, weeklyFriday{}.DerivePeriodEnd(asOf), targets[2])
}

func TestSelectTargetsRequiresPositiveLookbackWithoutExplicit(t *testing.T) {
	_, err := scheduler.SelectTargets(weeklyFriday{}, time.Now(), 0, nil)
	assert.Error(t, err)
}
