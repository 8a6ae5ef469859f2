// Package manifest is the durable ledger recording that a partition has
// reached a stage under a given capture_id, plus the sibling quality,
// rejects, anomalies, and readiness stores that share its key shape and
// upsert discipline.
package manifest

import (
	"context"
	"fmt"
	"time"

	"marketspine/core"
	"marketspine/storage"
)

// Entry is a single core_manifest row: partition P of pipeline Q in
// domain D has reached stage S under capture_id, holding row_count rows.
type Entry struct {
	Domain      string
	Pipeline    string
	Partition   core.PartitionKey
	Stage       core.Stage
	CaptureID   string
	RowCount    int64
	ContentHash string
	UpdatedAt   time.Time
	ExecutionID string
}

// Key is the entry's unique key: (domain, pipeline, partition, stage,
// capture_id). Two entries for the same (partition, stage) with different
// capture_ids are different captures and both are retained.
func (e Entry) Key() string {
	return fmt.Sprintf("%s|%s|%s|%s|%s", e.Domain, e.Pipeline, e.Partition.Canonical(), e.Stage, e.CaptureID)
}

// Store is the manifest ledger. All operations are synchronous and
// transactional per call.
type Store struct {
	table storage.Table
}

// New wraps engine's core_manifest table as a manifest Store.
func New(engine storage.Engine) *Store {
	return &Store{table: engine.Table(storage.TableManifest)}
}

// RecordCompletion upserts by (domain, pipeline, partition_key, stage,
// capture_id): the same capture_id replaces row_count and updated_at in
// place (idempotent replay); a different capture_id is a new row, so
// history across captures is preserved.
func (s *Store) RecordCompletion(ctx context.Context, e Entry) error {
	e.UpdatedAt = time.Now().UTC()
	row := storage.Row{
		"domain":       e.Domain,
		"pipeline":     e.Pipeline,
		"partition":    e.Partition.Canonical(),
		"stage":        string(e.Stage),
		"capture_id":   e.CaptureID,
		"row_count":    e.RowCount,
		"content_hash": e.ContentHash,
		"updated_at":   e.UpdatedAt.Format(time.RFC3339Nano),
		"execution_id": e.ExecutionID,
	}
	return s.table.Upsert(ctx, e.Key(), row)
}

// Query returns the entry for (domain, partition, stage) with the
// greatest updated_at across all its captures, the "latest" view. It
// returns ok=false if no entry exists for that key regardless of stage
// when stage is empty, or for that exact stage when given.
func (s *Store) Query(ctx context.Context, domain string, partition core.PartitionKey, stage core.Stage) (Entry, bool, error) {
	canonical := partition.Canonical()
	rows, err := s.table.List(ctx, func(r storage.Row) bool {
		if r["domain"] != domain || r["partition"] != canonical {
			return false
		}
		return stage == "" || r["stage"] == string(stage)
	})
	if err != nil {
		return Entry{}, false, fmt.Errorf("query manifest: %w", err)
	}
	return latest(rows)
}

// LatestCapture returns the capture_id with the greatest updated_at for
// (domain, pipeline, partition), used by revision detection and "latest"
// views across stages.
func (s *Store) LatestCapture(ctx context.Context, domain, pipeline string, partition core.PartitionKey) (string, bool, error) {
	canonical := partition.Canonical()
	rows, err := s.table.List(ctx, func(r storage.Row) bool {
		return r["domain"] == domain && r["pipeline"] == pipeline && r["partition"] == canonical
	})
	if err != nil {
		return "", false, fmt.Errorf("latest capture: %w", err)
	}
	entry, ok, err := latest(rows)
	if err != nil || !ok {
		return "", ok, err
	}
	return entry.CaptureID, true, nil
}

// ComputeContentHash is a thin re-export of core.ContentHash so callers
// need only import manifest for ingest-phase revision detection.
func ComputeContentHash(b []byte) string { return core.ContentHash(b) }

func latest(rows []storage.Row) (Entry, bool, error) {
	var best *storage.Row
	var bestTime time.Time
	for i := range rows {
		ts, err := time.Parse(time.RFC3339Nano, asString(rows[i]["updated_at"]))
		if err != nil {
			return Entry{}, false, fmt.Errorf("parse updated_at: %w", err)
		}
		if best == nil || ts.After(bestTime) {
			row := rows[i]
			best = &row
			bestTime = ts
		}
	}
	if best == nil {
		return Entry{}, false, nil
	}
	return entryFromRow(*best), true, nil
}

func entryFromRow(r storage.Row) Entry {
	updatedAt, _ := time.Parse(time.RFC3339Nano, asString(r["updated_at"]))
	return Entry{
		Domain:      asString(r["domain"]),
		Pipeline:    asString(r["pipeline"]),
		Stage:       core.Stage(asString(r["stage"])),
		CaptureID:   asString(r["capture_id"]),
		RowCount:    asInt64(r["row_count"]),
		ContentHash: asString(r["content_hash"]),
		UpdatedAt:   updatedAt,
		ExecutionID: asString(r["execution_id"]),
	}
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func asInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
