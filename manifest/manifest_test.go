package manifest_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketspine/core"
	"marketspine/manifest"
	"marketspine/storage/memory"
)

func TestRecordCompletionUpsertsSameCaptureID(t *testing.T) {
	ctx := context.Background()
	store := manifest.New(memory.New())
	partition := core.PartitionKey{"week_ending": "2025-12-22", "tier": "T1"}

	entry := manifest.Entry{
		Domain: "finra", Pipeline: "otc_transparency.ingest_week",
		Partition: partition, Stage: core.StageRaw,
		CaptureID: "finra:p:20251229", RowCount: 100,
	}
	require.NoError(t, store.RecordCompletion(ctx, entry))

	entry.RowCount = 150
	require.NoError(t, store.RecordCompletion(ctx, entry))

	got, ok, err := store.Query(ctx, "finra", partition, core.StageRaw)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(150), got.RowCount)
}

func TestLatestCaptureReturnsNewestAcrossCaptures(t *testing.T) {
	ctx := context.Background()
	store := manifest.New(memory.New())
	partition := core.PartitionKey{"week_ending": "2025-12-22"}

	older := manifest.Entry{
		Domain: "finra", Pipeline: "p", Partition: partition, Stage: core.StageRaw,
		CaptureID: "finra:p:20251229", RowCount: 48765,
	}
	require.NoError(t, store.RecordCompletion(ctx, older))
	time.Sleep(2 * time.Millisecond)

	newer := manifest.Entry{
		Domain: "finra", Pipeline: "p", Partition: partition, Stage: core.StageRaw,
		CaptureID: "finra:p:20251230", RowCount: 50123,
	}
	require.NoError(t, store.RecordCompletion(ctx, newer))

	capture, ok, err := store.LatestCapture(ctx, "finra", "p", partition)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "finra:p:20251230", capture)
}

func TestComputeContentHashStable(t *testing.T) {
	a := manifest.ComputeContentHash([]byte("hello"))
	b := manifest.ComputeContentHash([]byte("hello"))
	c := manifest.ComputeContentHash([]byte("world"))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 16)
}

func TestAnomalyStoreForPartition(t *testing.T) {
	ctx := context.Background()
	store := manifest.NewAnomalyStore(memory.New())
	partition := core.PartitionKey{"week_ending": "2025-12-29"}

	_, err := store.Record(ctx, manifest.AnomalyEntry{
		Domain: "finra", Partition: partition,
		Severity: manifest.SeverityError, Category: core.CategoryTransient,
		Message: "source returned 503",
	})
	require.NoError(t, err)

	anomalies, err := store.ForPartition(ctx, "finra", partition)
	require.NoError(t, err)
	require.Len(t, anomalies, 1)
	assert.Equal(t, manifest.SeverityError, anomalies[0].Severity)
}
