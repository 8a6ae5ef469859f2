package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewExecutionContextMintsBatchWhenEmpty(t *testing.T) {
	ctx := NewExecutionContext(TriggerScheduler, LaneNormal, "")
	assert.NotEmpty(t, ctx.ExecutionID)
	assert.NotEmpty(t, ctx.BatchID)
	assert.False(t, ctx.StartedAt.IsZero())
}

func TestNewExecutionContextInheritsBatch(t *testing.T) {
	ctx := NewExecutionContext(TriggerCLI, LaneNormal, "batch-123")
	assert.Equal(t, "batch-123", ctx.BatchID)
}

func TestChildSharesBatchButMintsExecutionID(t *testing.T) {
	parent := NewExecutionContext(TriggerAPI, LaneBackfill, "")
	child := parent.Child()

	assert.Equal(t, parent.BatchID, child.BatchID)
	assert.NotEqual(t, parent.ExecutionID, child.ExecutionID)
	require.Equal(t, LaneBackfill, child.Lane)
}

func TestCaptureIDIsDeterministic(t *testing.T) {
	p := PartitionKey{"week_ending": "2025-12-22", "tier": "T1"}
	day := parseDay(t, "2025-12-29")

	a := CaptureID("finra", p, day)
	b := CaptureID("finra", PartitionKey{"tier": "T1", "week_ending": "2025-12-22"}, day)

	assert.Equal(t, a, b, "capture id must not depend on map iteration order")
	assert.Equal(t, "finra:{\"tier\":\"T1\",\"week_ending\":\"2025-12-22\"}:20251229", a)
}

func TestCaptureIDChangesWithDay(t *testing.T) {
	p := PartitionKey{"week_ending": "2025-12-22"}
	a := CaptureID("finra", p, parseDay(t, "2025-12-29"))
	b := CaptureID("finra", p, parseDay(t, "2025-12-30"))
	assert.NotEqual(t, a, b)
}
