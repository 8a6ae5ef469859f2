package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"marketspine/storage"
)

// Checkpoint is the durable (run_id, last_completed_step, context
// snapshot) record written, outside dry-run, after each successful
// pipeline step and each successful step flagged Checkpoint, so ResumeRun
// can re-enter a failed or paused run without re-executing completed steps.
// Unique per run_id: writing a new checkpoint for the same run replaces
// the previous one, since it only ever needs to advance.
type Checkpoint struct {
	RunID            string
	WorkflowName     string
	LastCompletedStep string
	ContextSnapshot  Context
	CreatedAt        time.Time
	ExpiresAt        *time.Time
}

// CheckpointStore persists Checkpoints in storage.TableCheckpoint.
type CheckpointStore struct {
	table storage.Table
}

// NewCheckpointStore builds a store over engine's checkpoint table.
func NewCheckpointStore(engine storage.Engine) *CheckpointStore {
	return &CheckpointStore{table: engine.Table(storage.TableCheckpoint)}
}

// Save writes or replaces the checkpoint for cp.RunID.
func (s *CheckpointStore) Save(ctx context.Context, cp Checkpoint) error {
	snapshot, err := json.Marshal(cp.ContextSnapshot)
	if err != nil {
		return fmt.Errorf("workflow: marshal checkpoint context: %w", err)
	}
	row := storage.Row{
		"run_id":              cp.RunID,
		"workflow_name":       cp.WorkflowName,
		"last_completed_step": cp.LastCompletedStep,
		"context_snapshot":    string(snapshot),
		"created_at":          cp.CreatedAt.Format(time.RFC3339Nano),
	}
	if cp.ExpiresAt != nil {
		row["expires_at"] = cp.ExpiresAt.Format(time.RFC3339Nano)
	}
	return s.table.Upsert(ctx, cp.RunID, row)
}

// Get returns the checkpoint for runID, or ok=false if none exists.
func (s *CheckpointStore) Get(ctx context.Context, runID string) (Checkpoint, bool, error) {
	row, ok, err := s.table.Get(ctx, runID)
	if err != nil {
		return Checkpoint{}, false, fmt.Errorf("workflow: get checkpoint %s: %w", runID, err)
	}
	if !ok {
		return Checkpoint{}, false, nil
	}

	cp := Checkpoint{
		RunID:             runID,
		WorkflowName:      asString(row, "workflow_name"),
		LastCompletedStep: asString(row, "last_completed_step"),
	}
	if snapshot, ok := row["context_snapshot"].(string); ok {
		if err := json.Unmarshal([]byte(snapshot), &cp.ContextSnapshot); err != nil {
			return Checkpoint{}, false, fmt.Errorf("workflow: unmarshal checkpoint context %s: %w", runID, err)
		}
	}
	if createdAt := asString(row, "created_at"); createdAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			cp.CreatedAt = t
		}
	}
	if expiresAt := asString(row, "expires_at"); expiresAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, expiresAt); err == nil {
			cp.ExpiresAt = &t
		}
	}
	return cp, true, nil
}

// Delete removes the checkpoint for runID, e.g. once a run completes.
func (s *CheckpointStore) Delete(ctx context.Context, runID string) error {
	return s.table.Delete(ctx, runID)
}

func asString(row storage.Row, key string) string {
	v, _ := row[key].(string)
	return v
}
