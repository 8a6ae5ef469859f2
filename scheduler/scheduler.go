package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"marketspine/core"
	"marketspine/dispatcher"
	"marketspine/manifest"
	"marketspine/observability"
	"marketspine/registry"
)

// Stage names accepted by --only-stage.
const (
	StageIngest    = "ingest"
	StageNormalize = "normalize"
	StageCalc      = "calc"
	StageAll       = "all"
)

// Exit codes per the CLI contract: 0 all partitions healthy, 1 partial
// failure (at least one partition failed and at least one succeeded),
// 2 all partitions failed or a critical error, 3 configuration error.
const (
	ExitSuccess       = 0
	ExitPartial       = 1
	ExitAllFailed     = 2
	ExitConfiguration = 3
)

// Config parameterizes one scheduler run. Sources/IngestPipeline/
// NormalizePipeline/CalcPipelines are dispatched by name through the
// registry the caller's domain has populated; the scheduler never
// embeds domain logic itself.
type Config struct {
	Domain            string
	Tiers             []string
	RequiredTiers     []string
	Period            registry.PeriodStrategy
	Sources           map[string]registry.SourceStrategy // keyed by tier
	IngestPipeline    string
	NormalizePipeline string
	CalcPipelines     []string
	Force             bool
	OnlyStage         string // "", "ingest", "normalize", "calc", "all"
	FailFast          bool
	DryRun            bool
}

func (c Config) runsStage(stage string) bool {
	if c.OnlyStage == "" || c.OnlyStage == StageAll {
		return true
	}
	return c.OnlyStage == stage
}

// PartitionOutcome is one partition's result within a phase.
type PartitionOutcome string

const (
	OutcomeIngested  PartitionOutcome = "INGESTED"
	OutcomeUnchanged PartitionOutcome = "UNCHANGED"
	OutcomeFailed    PartitionOutcome = "FAILED"
	OutcomeSkipped   PartitionOutcome = "SKIPPED"
)

// TierReport is one (week, tier)'s outcome across the phases that ran.
type TierReport struct {
	Tier      string
	Ingest    PartitionOutcome
	Normalize PartitionOutcome
	Err       error
}

// WeekReport is one target period's full result.
type WeekReport struct {
	Week           time.Time
	Tiers          []TierReport
	CalcOutcome    PartitionOutcome
	IsReady        bool
	BlockingIssues []string
}

// Report is the scheduler run's overall outcome.
type Report struct {
	Weeks    []WeekReport
	ExitCode int
}

// Scheduler drives the Phase 0-4 pipeline over a set of target periods.
type Scheduler struct {
	cfg       Config
	manifest  *manifest.Store
	quality   *manifest.QualityStore
	anomalies *manifest.AnomalyStore
	readiness *manifest.ReadinessStore
	dispatch  *dispatcher.Dispatcher
	metrics   *observability.Metrics
	log       *logrus.Entry
}

// New builds a Scheduler. metrics and log may be nil.
func New(cfg Config, manifestStore *manifest.Store, quality *manifest.QualityStore, anomalies *manifest.AnomalyStore, readiness *manifest.ReadinessStore, d *dispatcher.Dispatcher, metrics *observability.Metrics, log *logrus.Entry) *Scheduler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if metrics == nil {
		metrics = observability.NewMetrics("")
	}
	return &Scheduler{
		cfg: cfg, manifest: manifestStore, quality: quality, anomalies: anomalies,
		readiness: readiness, dispatch: d, metrics: metrics, log: log,
	}
}

// Run drives weeks through Phases 1-4 (Phase 0's target selection is the
// caller's responsibility via SelectTargets) and returns a Report with
// the CLI's exit code already computed.
func (s *Scheduler) Run(ctx context.Context, weeks []time.Time) Report {
	report := Report{Weeks: make([]WeekReport, 0, len(weeks))}
	anyFailed, anyHealthy := false, false

	for _, week := range weeks {
		wr := s.runWeek(ctx, week)
		report.Weeks = append(report.Weeks, wr)

		weekFailed := false
		for _, t := range wr.Tiers {
			if t.Ingest == OutcomeFailed || t.Normalize == OutcomeFailed {
				weekFailed = true
				anyFailed = true
			} else {
				anyHealthy = true
			}
		}
		if wr.CalcOutcome == OutcomeFailed {
			weekFailed = true
			anyFailed = true
		}
		if len(wr.Tiers) == 0 && !weekFailed {
			anyHealthy = true
		}

		if s.cfg.FailFast && weekFailed {
			break
		}
	}

	switch {
	case !anyFailed:
		report.ExitCode = ExitSuccess
	case anyFailed && anyHealthy:
		report.ExitCode = ExitPartial
	default:
		report.ExitCode = ExitAllFailed
	}
	return report
}

func (s *Scheduler) runWeek(ctx context.Context, week time.Time) WeekReport {
	batchID := core.NewBatchID(fmt.Sprintf("scheduler_%s_%s", s.cfg.Domain, s.cfg.Period.FormatForFilename(week)))
	wr := WeekReport{Week: week}

	for _, tier := range s.cfg.Tiers {
		tr := TierReport{Tier: tier}
		partition := core.PartitionKey{"week_ending": s.cfg.Period.FormatForFilename(week), "tier": tier}

		if s.cfg.runsStage(StageIngest) {
			start := time.Now()
			tr.Ingest = s.ingestPartition(ctx, partition, week, tier, batchID)
			s.metrics.RecordSchedulerPhase(StageIngest, string(tr.Ingest), time.Since(start))
		}
		if s.cfg.runsStage(StageNormalize) {
			start := time.Now()
			tr.Normalize = s.normalizePartition(ctx, partition, tr.Ingest, batchID)
			s.metrics.RecordSchedulerPhase(StageNormalize, string(tr.Normalize), time.Since(start))
		}
		wr.Tiers = append(wr.Tiers, tr)

		if s.cfg.FailFast && (tr.Ingest == OutcomeFailed || tr.Normalize == OutcomeFailed) {
			break
		}
	}

	if s.cfg.runsStage(StageCalc) {
		start := time.Now()
		wr.CalcOutcome = s.calcWeek(ctx, week, batchID)
		s.metrics.RecordSchedulerPhase(StageCalc, string(wr.CalcOutcome), time.Since(start))
	}

	wr.IsReady, wr.BlockingIssues = s.evaluateReadiness(ctx, week, wr)
	return wr
}

// ingestPartition is Phase 1 for one (week, tier) partition: fetch,
// hash, compare against the latest RAW capture, and either skip as
// UNCHANGED or submit the ingest pipeline for a fresh capture.
func (s *Scheduler) ingestPartition(ctx context.Context, partition core.PartitionKey, week time.Time, tier, batchID string) PartitionOutcome {
	log := s.log.WithFields(logrus.Fields{"week": s.cfg.Period.FormatForDisplay(week), "tier": tier})

	source, ok := s.cfg.Sources[tier]
	if !ok {
		s.recordAnomaly(ctx, partition, manifest.SeverityError, core.CategoryConfiguration,
			fmt.Sprintf("no source strategy registered for tier %s", tier))
		return OutcomeFailed
	}

	payload, err := source.Fetch()
	if err != nil {
		log.WithError(err).Warn("ingest fetch failed")
		s.recordAnomaly(ctx, partition, manifest.SeverityError, core.CategoryOf(err), err.Error())
		return OutcomeFailed
	}

	hash := manifest.ComputeContentHash(payload.Content)
	latest, found, err := s.manifest.Query(ctx, s.cfg.Domain, partition, core.StageRaw)
	if err != nil {
		log.WithError(err).Warn("manifest query failed")
		s.recordAnomaly(ctx, partition, manifest.SeverityError, core.CategoryInternal, err.Error())
		return OutcomeFailed
	}
	if found && latest.ContentHash == hash && !s.cfg.Force {
		log.Info("ingest unchanged, skipping")
		return OutcomeUnchanged
	}

	if s.cfg.DryRun {
		return OutcomeIngested
	}

	captureID := core.CaptureID(s.cfg.Domain, partition, time.Now())
	params := core.Params{
		"week_ending": s.cfg.Period.FormatForFilename(week),
		"tier":        tier,
		"capture_id":  captureID,
		"content":     payload.Content,
		"metadata":    payload.Metadata,
		"force":       s.cfg.Force,
	}

	exec, err := s.dispatch.Submit(s.cfg.IngestPipeline, params, core.TriggerScheduler, batchID)
	if err != nil || exec.Status == core.PipelineFailed {
		category, errMsg := core.CategoryInternal, ""
		if err != nil {
			errMsg = err.Error()
		} else {
			category, errMsg = exec.Result.Category, exec.Result.Error.Error()
		}
		log.WithError(fmt.Errorf("%s", errMsg)).Warn("ingest pipeline failed")
		s.recordAnomaly(ctx, partition, manifest.SeverityError, category, errMsg)
		return OutcomeFailed
	}

	if err := s.manifest.RecordCompletion(ctx, manifest.Entry{
		Domain: s.cfg.Domain, Pipeline: s.cfg.IngestPipeline, Partition: partition,
		Stage: core.StageRaw, CaptureID: captureID, RowCount: exec.Result.RowCount,
		ContentHash: hash, ExecutionID: exec.ExecutionContext.ExecutionID,
	}); err != nil {
		log.WithError(err).Warn("manifest record failed")
		return OutcomeFailed
	}

	s.metrics.RecordPipelineRun(s.cfg.Domain, s.cfg.IngestPipeline, string(exec.Status), exec.Duration, exec.Result.RowCount)
	return OutcomeIngested
}

// normalizePartition is Phase 2: requires a RAW manifest entry, then
// submits the normalize pipeline and records a NORMALIZED entry.
func (s *Scheduler) normalizePartition(ctx context.Context, partition core.PartitionKey, ingestOutcome PartitionOutcome, batchID string) PartitionOutcome {
	if ingestOutcome == OutcomeFailed {
		return OutcomeSkipped
	}

	raw, found, err := s.manifest.Query(ctx, s.cfg.Domain, partition, core.StageRaw)
	if err != nil || !found {
		s.recordAnomaly(ctx, partition, manifest.SeverityError, core.CategoryDependency, "no RAW manifest for normalize")
		return OutcomeFailed
	}

	if s.cfg.DryRun {
		return OutcomeIngested
	}

	params := core.Params{"capture_id": raw.CaptureID}
	exec, err := s.dispatch.Submit(s.cfg.NormalizePipeline, params, core.TriggerScheduler, batchID)
	if err != nil || exec.Status == core.PipelineFailed {
		s.recordAnomaly(ctx, partition, manifest.SeverityError, core.CategoryOf(err), "normalize pipeline failed")
		return OutcomeFailed
	}

	if err := s.manifest.RecordCompletion(ctx, manifest.Entry{
		Domain: s.cfg.Domain, Pipeline: s.cfg.NormalizePipeline, Partition: partition,
		Stage: core.StageNormalized, CaptureID: raw.CaptureID, RowCount: exec.Result.RowCount,
		ExecutionID: exec.ExecutionContext.ExecutionID,
	}); err != nil {
		return OutcomeFailed
	}
	s.metrics.RecordPipelineRun(s.cfg.Domain, s.cfg.NormalizePipeline, string(exec.Status), exec.Duration, exec.Result.RowCount)
	return OutcomeIngested
}

// calcWeek is Phase 3: cross-partition aggregation, gated on all
// required tiers having reached NORMALIZED for the week.
func (s *Scheduler) calcWeek(ctx context.Context, week time.Time, batchID string) PartitionOutcome {
	weekPartition := core.PartitionKey{"week_ending": s.cfg.Period.FormatForFilename(week)}

	for _, tier := range s.cfg.RequiredTiers {
		partition := core.PartitionKey{"week_ending": s.cfg.Period.FormatForFilename(week), "tier": tier}
		_, found, err := s.manifest.Query(ctx, s.cfg.Domain, partition, core.StageNormalized)
		if err != nil || !found {
			s.recordAnomaly(ctx, weekPartition, manifest.SeverityWarn, core.CategoryDependency,
				fmt.Sprintf("tier %s not yet NORMALIZED, calc deferred", tier))
			return OutcomeSkipped
		}
	}

	if len(s.cfg.CalcPipelines) == 0 {
		return OutcomeUnchanged
	}
	if s.cfg.DryRun {
		return OutcomeIngested
	}

	captureID := core.CaptureID(s.cfg.Domain, weekPartition, time.Now())
	for _, name := range s.cfg.CalcPipelines {
		exec, err := s.dispatch.Submit(name, core.Params{"week_ending": s.cfg.Period.FormatForFilename(week)}, core.TriggerScheduler, batchID)
		if err != nil || exec.Status == core.PipelineFailed {
			s.recordAnomaly(ctx, weekPartition, manifest.SeverityError, core.CategoryOf(err), fmt.Sprintf("calc pipeline %s failed", name))
			return OutcomeFailed
		}
		if err := s.manifest.RecordCompletion(ctx, manifest.Entry{
			Domain: s.cfg.Domain, Pipeline: name, Partition: weekPartition,
			Stage: core.StageComputed, CaptureID: captureID, RowCount: exec.Result.RowCount,
			ExecutionID: exec.ExecutionContext.ExecutionID,
		}); err != nil {
			return OutcomeFailed
		}
		s.metrics.RecordPipelineRun(s.cfg.Domain, name, string(exec.Status), exec.Duration, exec.Result.RowCount)
	}
	return OutcomeIngested
}

// evaluateReadiness is Phase 4: all required stages complete, all
// required tiers present, no unresolved blocking anomalies.
func (s *Scheduler) evaluateReadiness(ctx context.Context, week time.Time, wr WeekReport) (bool, []string) {
	weekPartition := core.PartitionKey{"week_ending": s.cfg.Period.FormatForFilename(week)}
	var issues []string

	for _, tr := range wr.Tiers {
		if tr.Ingest == OutcomeFailed {
			issues = append(issues, fmt.Sprintf("tier %s ingest failed", tr.Tier))
		}
		if tr.Normalize == OutcomeFailed || tr.Normalize == OutcomeSkipped {
			issues = append(issues, fmt.Sprintf("tier %s not normalized", tr.Tier))
		}
	}
	if wr.CalcOutcome == OutcomeFailed || wr.CalcOutcome == OutcomeSkipped {
		issues = append(issues, "calc phase incomplete")
	}

	anomalies, err := s.anomalies.ForPartition(ctx, s.cfg.Domain, weekPartition)
	if err == nil {
		for _, a := range anomalies {
			if a.ResolvedAt == nil && (a.Severity == manifest.SeverityError || a.Severity == manifest.SeverityCritical) {
				issues = append(issues, "unresolved anomaly: "+a.Message)
			}
		}
	}

	isReady := len(issues) == 0
	if err := s.readiness.Evaluate(ctx, manifest.ReadinessEntry{
		Domain: s.cfg.Domain, Partition: weekPartition, IsReady: isReady, BlockingIssues: issues,
	}); err != nil {
		s.log.WithError(err).Warn("readiness evaluation write failed")
	}
	s.metrics.RecordReadinessEvaluation(s.cfg.Domain, isReady)
	return isReady, issues
}

func (s *Scheduler) recordAnomaly(ctx context.Context, partition core.PartitionKey, severity manifest.AnomalySeverity, category core.ErrorCategory, message string) {
	if _, err := s.anomalies.Record(ctx, manifest.AnomalyEntry{
		Domain: s.cfg.Domain, Partition: partition, Severity: severity, Category: category, Message: message,
	}); err != nil {
		s.log.WithError(err).Warn("anomaly record failed")
	}
	s.metrics.RecordAnomaly(s.cfg.Domain, string(severity))
}
