// Package core provides the execution primitives shared by every other
// package in the module: execution contexts, partition keys, capture ids,
// and the error taxonomy that anomaly records and step results are built
// from.
package core

import (
	"time"

	"github.com/google/uuid"
)

// TriggerSource identifies what caused an execution to be submitted.
type TriggerSource string

const (
	TriggerCLI       TriggerSource = "cli"
	TriggerAPI       TriggerSource = "api"
	TriggerScheduler TriggerSource = "scheduler"
	TriggerBackfill  TriggerSource = "backfill"
	TriggerTest      TriggerSource = "test"
)

// Lane segments executions for scheduling/priority purposes.
type Lane string

const (
	LaneNormal   Lane = "normal"
	LaneBackfill Lane = "backfill"
	LaneSlow     Lane = "slow"
)

// ExecutionContext is the identity and tracing envelope of a single pipeline
// run. It is immutable after creation; Child derives a new context that
// shares BatchID, the way a child execution inherits its parent's batch.
type ExecutionContext struct {
	ExecutionID   string
	BatchID       string
	TriggerSource TriggerSource
	Lane          Lane
	StartedAt     time.Time
}

// NewExecutionContext mints a fresh execution id. If batchID is empty, a new
// batch id is minted too, so a top-level submission gets its own batch.
func NewExecutionContext(trigger TriggerSource, lane Lane, batchID string) ExecutionContext {
	if batchID == "" {
		batchID = NewBatchID("")
	}
	return ExecutionContext{
		ExecutionID:   uuid.NewString(),
		BatchID:       batchID,
		TriggerSource: trigger,
		Lane:          lane,
		StartedAt:     time.Now().UTC(),
	}
}

// Child returns a new ExecutionContext for a nested run, sharing BatchID but
// minting a fresh ExecutionID and StartedAt. The parent is left untouched.
func (c ExecutionContext) Child() ExecutionContext {
	return ExecutionContext{
		ExecutionID:   uuid.NewString(),
		BatchID:       c.BatchID,
		TriggerSource: c.TriggerSource,
		Lane:          c.Lane,
		StartedAt:     time.Now().UTC(),
	}
}

// NewBatchID mints a batch id, optionally prefixed (e.g. "group_weekly-otc").
func NewBatchID(prefix string) string {
	id := uuid.NewString()
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
