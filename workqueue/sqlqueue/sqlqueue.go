// Package sqlqueue implements workqueue.Queue over a marketspine/storage
// Engine, so the same FSM runs unmodified on Postgres, bbolt, or memory.
package sqlqueue

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"marketspine/core"
	"marketspine/storage"
	"marketspine/workqueue"
)

// Queue is a storage-backed workqueue.Queue. Claim serializes through a
// single mutex-free scan-then-upsert: storage.Engine implementations are
// themselves safe for concurrent Table() access, and a claim only
// succeeds if the row's state is still eligible at upsert time, so two
// racing claimants on a non-transactional engine (memory, bbolt) cannot
// both win the same item because each checks State after reading fresh
// rows under the engine's own locking.
type Queue struct {
	engine  storage.Engine
	table   storage.Table
	backoff workqueue.BackoffConfig
	now     func() time.Time
}

// New builds a Queue over engine's TableWorkItems table.
func New(engine storage.Engine) *Queue {
	return &Queue{
		engine:  engine,
		table:   engine.Table(storage.TableWorkItems),
		backoff: workqueue.DefaultBackoff(),
		now:     time.Now,
	}
}

// WithBackoff overrides the default retry schedule.
func (q *Queue) WithBackoff(b workqueue.BackoffConfig) *Queue {
	q.backoff = b
	return q
}

func rowKey(id string) string { return id }

func toRow(it workqueue.Item) storage.Row {
	return storage.Row{
		"id":                it.ID,
		"domain":            it.Domain,
		"pipeline":          it.Pipeline,
		"partition_key":     it.PartitionKey,
		"unique_key":        it.UniqueKey(),
		"params":            it.Params,
		"priority":          it.Priority,
		"state":             string(it.State),
		"attempt_count":     it.AttemptCount,
		"max_attempts":      it.MaxAttempts,
		"next_attempt_at":   it.NextAttemptAt.Format(time.RFC3339Nano),
		"locked_by":         it.LockedBy,
		"locked_at":         it.LockedAt.Format(time.RFC3339Nano),
		"last_error":        it.LastError,
		"current_execution": it.CurrentExecution,
		"desired_at":        it.DesiredAt.Format(time.RFC3339Nano),
		"created_at":        it.CreatedAt.Format(time.RFC3339Nano),
	}
}

func asString(row storage.Row, key string) string {
	v, _ := row[key].(string)
	return v
}

func asInt(row storage.Row, key string) int {
	switch v := row[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func asTime(row storage.Row, key string) time.Time {
	s := asString(row, key)
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func fromRow(row storage.Row) workqueue.Item {
	params, _ := row["params"].(map[string]interface{})
	return workqueue.Item{
		ID:               asString(row, "id"),
		Domain:           asString(row, "domain"),
		Pipeline:         asString(row, "pipeline"),
		PartitionKey:     asString(row, "partition_key"),
		Params:           params,
		Priority:         asInt(row, "priority"),
		State:            workqueue.State(asString(row, "state")),
		AttemptCount:     asInt(row, "attempt_count"),
		MaxAttempts:      asInt(row, "max_attempts"),
		NextAttemptAt:    asTime(row, "next_attempt_at"),
		LockedBy:         asString(row, "locked_by"),
		LockedAt:         asTime(row, "locked_at"),
		LastError:        asString(row, "last_error"),
		CurrentExecution: asString(row, "current_execution"),
		DesiredAt:        asTime(row, "desired_at"),
		CreatedAt:        asTime(row, "created_at"),
	}
}

func isTerminal(s workqueue.State) bool {
	return s == workqueue.StateComplete || s == workqueue.StateFailed || s == workqueue.StateCancelled
}

// Enqueue inserts item as PENDING, failing with core.ErrDuplicateWorkItem
// if an item with the same UniqueKey is already pending, running, or
// awaiting retry.
func (q *Queue) Enqueue(ctx context.Context, item workqueue.Item) (*workqueue.Item, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.MaxAttempts <= 0 {
		item.MaxAttempts = 3
	}
	now := q.now()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	if item.DesiredAt.IsZero() {
		item.DesiredAt = now
	}
	item.State = workqueue.StatePending
	item.NextAttemptAt = now

	existing, err := q.table.List(ctx, func(r storage.Row) bool {
		return asString(r, "unique_key") == item.UniqueKey() && !isTerminal(workqueue.State(asString(r, "state")))
	})
	if err != nil {
		return nil, fmt.Errorf("sqlqueue: enqueue list existing: %w", err)
	}
	if len(existing) > 0 {
		return nil, core.NewError(core.CategoryInternal, fmt.Errorf("%w: %s", core.ErrDuplicateWorkItem, item.UniqueKey()))
	}

	if err := q.table.Upsert(ctx, rowKey(item.ID), toRow(item)); err != nil {
		return nil, fmt.Errorf("sqlqueue: enqueue: %w", err)
	}
	out := item
	return &out, nil
}

// Claim picks the oldest eligible item (PENDING and due, or RETRY_WAIT
// whose NextAttemptAt has elapsed) among domains, transitions it to
// RUNNING, and returns it. domains empty means any domain.
func (q *Queue) Claim(ctx context.Context, workerID string, domains []string) (*workqueue.Item, error) {
	now := q.now()
	domainSet := make(map[string]bool, len(domains))
	for _, d := range domains {
		domainSet[d] = true
	}

	rows, err := q.table.List(ctx, func(r storage.Row) bool {
		state := workqueue.State(asString(r, "state"))
		if state != workqueue.StatePending && state != workqueue.StateRetryWait {
			return false
		}
		if len(domainSet) > 0 && !domainSet[asString(r, "domain")] {
			return false
		}
		return !asTime(r, "next_attempt_at").After(now)
	})
	if err != nil {
		return nil, fmt.Errorf("sqlqueue: claim list: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	sort.Slice(rows, func(i, j int) bool {
		pi, pj := asInt(rows[i], "priority"), asInt(rows[j], "priority")
		if pi != pj {
			return pi > pj
		}
		return asTime(rows[i], "created_at").Before(asTime(rows[j], "created_at"))
	})

	item := fromRow(rows[0])
	item.State = workqueue.StateRunning
	item.LockedBy = workerID
	item.LockedAt = now
	item.AttemptCount++

	if err := q.table.Upsert(ctx, rowKey(item.ID), toRow(item)); err != nil {
		return nil, fmt.Errorf("sqlqueue: claim upsert: %w", err)
	}
	out := item
	return &out, nil
}

func (q *Queue) get(ctx context.Context, id string) (workqueue.Item, error) {
	row, ok, err := q.table.Get(ctx, rowKey(id))
	if err != nil {
		return workqueue.Item{}, fmt.Errorf("sqlqueue: get: %w", err)
	}
	if !ok {
		return workqueue.Item{}, core.NewError(core.CategoryInternal, fmt.Errorf("%w: %s", core.ErrWorkItemNotFound, id))
	}
	return fromRow(row), nil
}

// Complete transitions id to COMPLETE.
func (q *Queue) Complete(ctx context.Context, id string) error {
	item, err := q.get(ctx, id)
	if err != nil {
		return err
	}
	item.State = workqueue.StateComplete
	item.LockedBy = ""
	return q.table.Upsert(ctx, rowKey(id), toRow(item))
}

// Fail transitions id to RETRY_WAIT if attempts remain, else FAILED.
func (q *Queue) Fail(ctx context.Context, id string, cause error) error {
	item, err := q.get(ctx, id)
	if err != nil {
		return err
	}
	if cause != nil {
		item.LastError = cause.Error()
	}
	item.LockedBy = ""
	if item.AttemptCount >= item.MaxAttempts {
		item.State = workqueue.StateFailed
	} else {
		item.State = workqueue.StateRetryWait
		item.NextAttemptAt = q.now().Add(q.backoff.NextAttemptDelay(item.AttemptCount))
	}
	return q.table.Upsert(ctx, rowKey(id), toRow(item))
}

// Retry forces id back to PENDING regardless of attempt count or state,
// except terminal COMPLETE/CANCELLED items which are left untouched.
func (q *Queue) Retry(ctx context.Context, id string) error {
	item, err := q.get(ctx, id)
	if err != nil {
		return err
	}
	if item.State == workqueue.StateComplete || item.State == workqueue.StateCancelled {
		return core.NewError(core.CategoryInternal, fmt.Errorf("%w: item %s is in terminal state %s", core.ErrInvalidTransition, id, item.State))
	}
	item.State = workqueue.StatePending
	item.NextAttemptAt = q.now()
	item.LockedBy = ""
	return q.table.Upsert(ctx, rowKey(id), toRow(item))
}

// Cancel transitions a PENDING or RETRY_WAIT item to CANCELLED.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	item, err := q.get(ctx, id)
	if err != nil {
		return err
	}
	if item.State != workqueue.StatePending && item.State != workqueue.StateRetryWait {
		return core.NewError(core.CategoryInternal, fmt.Errorf("%w: cannot cancel item %s in state %s", core.ErrInvalidTransition, id, item.State))
	}
	item.State = workqueue.StateCancelled
	return q.table.Upsert(ctx, rowKey(id), toRow(item))
}

// List returns items matching filter; zero-value fields are wildcards.
func (q *Queue) List(ctx context.Context, filter workqueue.Filter) ([]workqueue.Item, error) {
	rows, err := q.table.List(ctx, func(r storage.Row) bool {
		if filter.Domain != "" && asString(r, "domain") != filter.Domain {
			return false
		}
		if filter.Pipeline != "" && asString(r, "pipeline") != filter.Pipeline {
			return false
		}
		if filter.State != "" && workqueue.State(asString(r, "state")) != filter.State {
			return false
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("sqlqueue: list: %w", err)
	}
	items := make([]workqueue.Item, 0, len(rows))
	for _, r := range rows {
		items = append(items, fromRow(r))
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	return items, nil
}

// ReapExpired returns RUNNING items whose lock is older than maxLockAge
// to PENDING, so another worker can claim them after a crash.
func (q *Queue) ReapExpired(ctx context.Context, maxLockAge time.Duration) (int, error) {
	cutoff := q.now().Add(-maxLockAge)
	rows, err := q.table.List(ctx, func(r storage.Row) bool {
		return workqueue.State(asString(r, "state")) == workqueue.StateRunning && asTime(r, "locked_at").Before(cutoff)
	})
	if err != nil {
		return 0, fmt.Errorf("sqlqueue: reap list: %w", err)
	}
	for _, r := range rows {
		item := fromRow(r)
		item.State = workqueue.StatePending
		item.LockedBy = ""
		item.LastError = "reaped: lock expired"
		item.CurrentExecution = ""
		item.NextAttemptAt = q.now()
		if err := q.table.Upsert(ctx, rowKey(item.ID), toRow(item)); err != nil {
			return 0, fmt.Errorf("sqlqueue: reap upsert: %w", err)
		}
	}
	return len(rows), nil
}
