package manifest

import (
	"context"
	"fmt"
	"time"

	"marketspine/core"
	"marketspine/storage"
)

// QualityEntry carries per-partition, per-stage metrics and the pass/fail
// verdict that gates readiness.
type QualityEntry struct {
	Domain        string
	Pipeline      string
	Partition     core.PartitionKey
	Stage         core.Stage
	CaptureID     string
	RecordCount   int64
	ValidCount    int64
	NullRate      float64
	Passed        bool
	FailureReason string
	Metrics       map[string]interface{}
	UpdatedAt     time.Time
}

func (q QualityEntry) key() string {
	return fmt.Sprintf("%s|%s|%s|%s|%s", q.Domain, q.Pipeline, q.Partition.Canonical(), q.Stage, q.CaptureID)
}

// QualityStore shares core_manifest's key shape and upsert discipline.
type QualityStore struct{ table storage.Table }

func NewQualityStore(engine storage.Engine) *QualityStore {
	return &QualityStore{table: engine.Table(storage.TableQuality)}
}

func (s *QualityStore) Record(ctx context.Context, q QualityEntry) error {
	q.UpdatedAt = time.Now().UTC()
	return s.table.Upsert(ctx, q.key(), storage.Row{
		"domain":         q.Domain,
		"pipeline":       q.Pipeline,
		"partition":      q.Partition.Canonical(),
		"stage":          string(q.Stage),
		"capture_id":     q.CaptureID,
		"record_count":   q.RecordCount,
		"valid_count":    q.ValidCount,
		"null_rate":      q.NullRate,
		"passed":         q.Passed,
		"failure_reason": q.FailureReason,
		"updated_at":     q.UpdatedAt.Format(time.RFC3339Nano),
	})
}

// RejectEntry is a single record that failed validation. Rejects are
// cumulative: a replay never overwrites a prior reject, it appends a new
// one keyed by capture_id so old captures remain inspectable.
type RejectEntry struct {
	Domain     string
	Pipeline   string
	Partition  core.PartitionKey
	CaptureID  string
	Row        map[string]interface{}
	ReasonCode string
	RecordedAt time.Time
}

type RejectStore struct{ table storage.Table }

func NewRejectStore(engine storage.Engine) *RejectStore {
	return &RejectStore{table: engine.Table(storage.TableRejects)}
}

func (s *RejectStore) Append(ctx context.Context, r RejectEntry) (string, error) {
	r.RecordedAt = time.Now().UTC()
	return s.table.Append(ctx, storage.Row{
		"domain":      r.Domain,
		"pipeline":    r.Pipeline,
		"partition":   r.Partition.Canonical(),
		"capture_id":  r.CaptureID,
		"row":         r.Row,
		"reason_code": r.ReasonCode,
		"recorded_at": r.RecordedAt.Format(time.RFC3339Nano),
	})
}

// AnomalySeverity grades an anomaly's urgency.
type AnomalySeverity string

const (
	SeverityInfo     AnomalySeverity = "INFO"
	SeverityWarn     AnomalySeverity = "WARN"
	SeverityError    AnomalySeverity = "ERROR"
	SeverityCritical AnomalySeverity = "CRITICAL"
)

// AnomalyEntry is a partition-level incident: ingest failure, source 5xx,
// schema drift.
type AnomalyEntry struct {
	Domain     string
	Pipeline   string
	Partition  core.PartitionKey
	Severity   AnomalySeverity
	Category   core.ErrorCategory
	Message    string
	DetectedAt time.Time
	ResolvedAt *time.Time
}

type AnomalyStore struct{ table storage.Table }

func NewAnomalyStore(engine storage.Engine) *AnomalyStore {
	return &AnomalyStore{table: engine.Table(storage.TableAnomalies)}
}

func (s *AnomalyStore) Record(ctx context.Context, a AnomalyEntry) (string, error) {
	if a.DetectedAt.IsZero() {
		a.DetectedAt = time.Now().UTC()
	}
	row := storage.Row{
		"domain":      a.Domain,
		"pipeline":    a.Pipeline,
		"partition":   a.Partition.Canonical(),
		"severity":    string(a.Severity),
		"category":    string(a.Category),
		"message":     a.Message,
		"detected_at": a.DetectedAt.Format(time.RFC3339Nano),
	}
	return s.table.Append(ctx, row)
}

// ForPartition returns every anomaly recorded for (domain, partition),
// in the order the storage engine's List returns them.
func (s *AnomalyStore) ForPartition(ctx context.Context, domain string, partition core.PartitionKey) ([]AnomalyEntry, error) {
	canonical := partition.Canonical()
	rows, err := s.table.List(ctx, func(r storage.Row) bool {
		return r["domain"] == domain && r["partition"] == canonical
	})
	if err != nil {
		return nil, fmt.Errorf("list anomalies: %w", err)
	}
	out := make([]AnomalyEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, AnomalyEntry{
			Domain:   asString(r["domain"]),
			Pipeline: asString(r["pipeline"]),
			Severity: AnomalySeverity(asString(r["severity"])),
			Category: core.ErrorCategory(asString(r["category"])),
			Message:  asString(r["message"]),
		})
	}
	return out, nil
}

// ReadinessEntry is the scheduler's final judgment about whether
// downstream consumers may see a partition.
type ReadinessEntry struct {
	Domain         string
	Partition      core.PartitionKey
	IsReady        bool
	BlockingIssues []string
	EvaluatedAt    time.Time
}

func (r ReadinessEntry) key() string {
	return fmt.Sprintf("%s|%s", r.Domain, r.Partition.Canonical())
}

type ReadinessStore struct{ table storage.Table }

func NewReadinessStore(engine storage.Engine) *ReadinessStore {
	return &ReadinessStore{table: engine.Table(storage.TableReadiness)}
}

func (s *ReadinessStore) Evaluate(ctx context.Context, r ReadinessEntry) error {
	r.EvaluatedAt = time.Now().UTC()
	return s.table.Upsert(ctx, r.key(), storage.Row{
		"domain":          r.Domain,
		"partition":       r.Partition.Canonical(),
		"is_ready":        r.IsReady,
		"blocking_issues": r.BlockingIssues,
		"evaluated_at":    r.EvaluatedAt.Format(time.RFC3339Nano),
	})
}

func (s *ReadinessStore) Get(ctx context.Context, domain string, partition core.PartitionKey) (ReadinessEntry, bool, error) {
	row, ok, err := s.table.Get(ctx, ReadinessEntry{Domain: domain, Partition: partition}.key())
	if err != nil || !ok {
		return ReadinessEntry{}, ok, err
	}
	issues, _ := row["blocking_issues"].([]string)
	if issues == nil {
		if raw, ok := row["blocking_issues"].([]interface{}); ok {
			for _, v := range raw {
				if s, ok := v.(string); ok {
					issues = append(issues, s)
				}
			}
		}
	}
	return ReadinessEntry{
		Domain:         asString(row["domain"]),
		IsReady:        row["is_ready"] == true,
		BlockingIssues: issues,
	}, true, nil
}
