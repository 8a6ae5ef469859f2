// Package storage abstracts the durable backend behind a small sync
// interface so manifest, quality, and work-queue records are portable
// across PostgreSQL, an embedded bbolt file, and a pure in-memory engine
// used by tests and single-process runs. No ORM: callers work with plain
// row maps over named logical tables, and the three engines are required
// to behave identically against the same contract test suite.
package storage

import "context"

// Row is a single record as column-name -> value. Concrete engines decide
// how to persist it (a JSONB blob in Postgres, JSON bytes in a bbolt
// bucket, or a live map in memory); callers never assume a representation.
type Row map[string]interface{}

// Filter selects rows during List/DeleteWhere scans.
type Filter func(Row) bool

// Table is a single logical table (core_manifest, core_quality, ...)
// addressed by a caller-computed unique key string. Upsert implements the
// insert-or-replace discipline manifest and work-queue both depend on;
// Append is for tables that are cumulative rather than keyed, like
// core_rejects.
type Table interface {
	// Upsert inserts a new row under key, or replaces the existing one.
	Upsert(ctx context.Context, key string, row Row) error
	// Get returns the row at key, or ok=false if absent.
	Get(ctx context.Context, key string) (row Row, ok bool, err error)
	// List returns every row matching filter (nil matches everything), in
	// first-insertion order for the memory and Postgres engines and in
	// key byte order for the embedded engine.
	List(ctx context.Context, filter Filter) ([]Row, error)
	// Delete removes the row at key. A missing key is not an error.
	Delete(ctx context.Context, key string) error
	// DeleteWhere removes every row matching filter and reports the count
	// removed. Used to scope ingest-phase replaces to a single capture_id.
	DeleteWhere(ctx context.Context, filter Filter) (int, error)
	// Append inserts row under a fresh, engine-assigned key and returns
	// it. Used by cumulative tables that are never overwritten in place.
	Append(ctx context.Context, row Row) (key string, err error)
}

// Engine is the storage adapter the rest of the module depends on. A
// concrete engine owns connection lifecycle and exposes named tables
// on demand; tables are created lazily on first use.
type Engine interface {
	Table(name string) Table
	// ReplaceCapture atomically removes every row matching filter from
	// table and inserts rows, all in one transaction where the backend
	// supports it. This is the ingest-phase "DELETE+INSERT for a
	// capture_id" primitive: a failed insert must not leave the deletion
	// applied, or a partial replay would silently drop rows.
	ReplaceCapture(ctx context.Context, table string, filter Filter, rows []KeyedRow) error
	Close() error
}

// KeyedRow pairs a unique key with the row to store at it, for bulk
// replace operations.
type KeyedRow struct {
	Key string
	Row Row
}

// Logical table names shared by manifest, quality, and work-queue stores.
const (
	TableManifest   = "core_manifest"
	TableQuality    = "core_quality"
	TableRejects    = "core_rejects"
	TableAnomalies  = "core_anomalies"
	TableReadiness  = "core_data_readiness"
	TableWorkItems  = "core_work_items"
	TableCheckpoint = "core_workflow_checkpoints"
)
