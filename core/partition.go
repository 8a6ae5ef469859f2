package core

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// PartitionKey maps dimension name to value (week_ending, tier, year, venue,
// symbol, ...). Two keys with the same dimensions in a different order are
// the same partition; Canonical produces the deterministic form used for
// storage, equality, and capture id computation.
type PartitionKey map[string]string

// Canonical renders the key as JSON with keys sorted lexicographically and
// no whitespace, per the canonicalization rule every stored partition_key
// and capture_id depends on.
func (p PartitionKey) Canonical() string {
	names := make([]string, 0, len(p))
	for k := range p {
		names = append(names, k)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteByte('{')
	for i, name := range names {
		if i > 0 {
			b.WriteByte(',')
		}
		key, _ := json.Marshal(name)
		val, _ := json.Marshal(p[name])
		b.Write(key)
		b.WriteByte(':')
		b.Write(val)
	}
	b.WriteByte('}')
	return b.String()
}

// Equal reports whether two partition keys canonicalize identically.
func (p PartitionKey) Equal(other PartitionKey) bool {
	return p.Canonical() == other.Canonical()
}

// CaptureID computes the deterministic snapshot identifier for a partition
// ingested on day. Same domain + same canonical partition + same calendar
// day always yields the same capture id, so re-runs on that day overwrite
// idempotently; a new day or a forced re-capture mints a new one.
func CaptureID(domain string, partition PartitionKey, day time.Time) string {
	return fmt.Sprintf("%s:%s:%s", domain, partition.Canonical(), day.UTC().Format("20060102"))
}

// Stage is a named point a partition has reached in a pipeline's lifecycle.
// RAW/NORMALIZED/AGGREGATED/COMPUTED are the spine-defined stages; domains
// may define additional stages, which the core treats opaquely.
type Stage string

const (
	StageRaw        Stage = "RAW"
	StageNormalized Stage = "NORMALIZED"
	StageAggregated Stage = "AGGREGATED"
	StageComputed   Stage = "COMPUTED"
)
