package manifest

import (
	"context"
	"fmt"

	"marketspine/core"
	"marketspine/storage"
)

// ReplaceDomainRows applies the "DELETE+INSERT scoped to capture_id"
// discipline domain output tables are required to follow: every row of
// (domain, partition) carrying captureID is removed and replaced by rows,
// atomically, so a same-day re-ingest never duplicates and a next-day
// re-ingest (a new capture_id) coexists with the rows of older captures.
func ReplaceDomainRows(ctx context.Context, engine storage.Engine, domainTable, domain string, partition core.PartitionKey, captureID string, rows []storage.Row) error {
	canonical := partition.Canonical()
	keyed := make([]storage.KeyedRow, 0, len(rows))
	for i, row := range rows {
		row["domain"] = domain
		row["partition"] = canonical
		row["capture_id"] = captureID
		keyed = append(keyed, storage.KeyedRow{
			Key: fmt.Sprintf("%s|%s|%s|%d", domain, canonical, captureID, i),
			Row: row,
		})
	}
	err := engine.ReplaceCapture(ctx, domainTable, func(r storage.Row) bool {
		return r["domain"] == domain && r["partition"] == canonical && r["capture_id"] == captureID
	}, keyed)
	if err != nil {
		return fmt.Errorf("replace domain rows for %s/%s: %w", domainTable, canonical, err)
	}
	return nil
}
