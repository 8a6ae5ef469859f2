// Package redisqueue implements workqueue.Queue over Redis, generalizing
// the BLPOP-FIFO-plus-processing-ZSET pattern into the full PENDING ->
// RUNNING -> {COMPLETE, RETRY_WAIT -> PENDING, FAILED} -> CANCELLED FSM
// with attempt counting and exponential backoff.
package redisqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"marketspine/core"
	"marketspine/workqueue"
)

// Config configures the Redis-backed queue.
type Config struct {
	RedisURL  string // defaults to SPINE_REDIS_URL, then redis://localhost:6379/0
	KeyPrefix string // defaults to "spine:workqueue:"
}

// Queue is a Redis-backed workqueue.Queue. Each item is a JSON blob at
// "{prefix}item:{id}"; a single ZSET "{prefix}due" orders every
// non-terminal item by NextAttemptAt so Claim can ask for the earliest
// eligible candidate directly instead of scanning. A plain string key
// "{prefix}unique:{uniqueKey}" enforces the Enqueue dedupe rule.
type Queue struct {
	client  *redis.Client
	prefix  string
	backoff workqueue.BackoffConfig
	now     func() time.Time
}

// New connects to Redis per cfg and returns a ready Queue.
func New(ctx context.Context, cfg Config) (*Queue, error) {
	url := cfg.RedisURL
	if url == "" {
		url = os.Getenv("SPINE_REDIS_URL")
	}
	if url == "" {
		url = "redis://localhost:6379/0"
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redisqueue: parse url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redisqueue: connect: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "spine:workqueue:"
	}
	return &Queue{client: client, prefix: prefix, backoff: workqueue.DefaultBackoff(), now: time.Now}, nil
}

// NewWithClient wraps an already-constructed client, for tests against
// miniredis.
func NewWithClient(client *redis.Client, prefix string) *Queue {
	if prefix == "" {
		prefix = "spine:workqueue:"
	}
	return &Queue{client: client, prefix: prefix, backoff: workqueue.DefaultBackoff(), now: time.Now}
}

// WithBackoff overrides the default retry schedule.
func (q *Queue) WithBackoff(b workqueue.BackoffConfig) *Queue {
	q.backoff = b
	return q
}

// Close releases the underlying Redis connection.
func (q *Queue) Close() error { return q.client.Close() }

func (q *Queue) itemKey(id string) string     { return q.prefix + "item:" + id }
func (q *Queue) uniqueKey(u string) string    { return q.prefix + "unique:" + u }
func (q *Queue) dueKey() string               { return q.prefix + "due" }
func (q *Queue) domainIndexKey(d string) string { return q.prefix + "domain:" + d }

func isTerminal(s workqueue.State) bool {
	return s == workqueue.StateComplete || s == workqueue.StateFailed || s == workqueue.StateCancelled
}

func (q *Queue) loadItem(ctx context.Context, id string) (workqueue.Item, error) {
	raw, err := q.client.Get(ctx, q.itemKey(id)).Result()
	if err == redis.Nil {
		return workqueue.Item{}, core.NewError(core.CategoryInternal, fmt.Errorf("%w: %s", core.ErrWorkItemNotFound, id))
	}
	if err != nil {
		return workqueue.Item{}, fmt.Errorf("redisqueue: load %s: %w", id, err)
	}
	var item workqueue.Item
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		return workqueue.Item{}, fmt.Errorf("redisqueue: decode %s: %w", id, err)
	}
	return item, nil
}

// saveItem persists item and keeps the due-ZSET and per-domain index
// consistent with its state: terminal items are removed from both.
func (q *Queue) saveItem(ctx context.Context, item workqueue.Item) error {
	raw, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("redisqueue: encode %s: %w", item.ID, err)
	}
	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.itemKey(item.ID), raw, 0)
	if isTerminal(item.State) {
		pipe.ZRem(ctx, q.dueKey(), item.ID)
		pipe.SRem(ctx, q.domainIndexKey(item.Domain), item.ID)
	} else {
		score := float64(item.NextAttemptAt.UnixNano())
		pipe.ZAdd(ctx, q.dueKey(), redis.Z{Score: score, Member: item.ID})
		pipe.SAdd(ctx, q.domainIndexKey(item.Domain), item.ID)
	}
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("redisqueue: save %s: %w", item.ID, err)
	}
	return nil
}

// Enqueue inserts item as PENDING, rejecting a duplicate UniqueKey via
// SetNX on the unique-key marker.
func (q *Queue) Enqueue(ctx context.Context, item workqueue.Item) (*workqueue.Item, error) {
	if item.ID == "" {
		item.ID = core.NewBatchID("work")
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

	ok, err := q.client.SetNX(ctx, q.uniqueKey(item.UniqueKey()), item.ID, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("redisqueue: enqueue dedupe check: %w", err)
	}
	if !ok {
		return nil, core.NewError(core.CategoryInternal, fmt.Errorf("%w: %s", core.ErrDuplicateWorkItem, item.UniqueKey()))
	}

	if err := q.saveItem(ctx, item); err != nil {
		q.client.Del(ctx, q.uniqueKey(item.UniqueKey()))
		return nil, err
	}
	out := item
	return &out, nil
}

// Claim scans the due-ZSET for the earliest eligible item (optionally
// restricted to domains), and optimistically transitions it to RUNNING
// using WATCH so a racing claimant backs off instead of double-claiming.
func (q *Queue) Claim(ctx context.Context, workerID string, domains []string) (*workqueue.Item, error) {
	now := q.now()
	domainSet := make(map[string]bool, len(domains))
	for _, d := range domains {
		domainSet[d] = true
	}

	candidates, err := q.client.ZRangeByScore(ctx, q.dueKey(), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now.UnixNano()), Count: 200,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redisqueue: claim scan: %w", err)
	}

	for _, id := range candidates {
		var claimed *workqueue.Item
		txErr := q.client.Watch(ctx, func(tx *redis.Tx) error {
			item, err := q.loadItem(ctx, id)
			if err != nil {
				return err
			}
			if item.State != workqueue.StatePending && item.State != workqueue.StateRetryWait {
				return nil
			}
			if len(domainSet) > 0 && !domainSet[item.Domain] {
				return nil
			}
			item.State = workqueue.StateRunning
			item.LockedBy = workerID
			item.LockedAt = now
			item.AttemptCount++

			raw, err := json.Marshal(item)
			if err != nil {
				return fmt.Errorf("redisqueue: encode %s: %w", item.ID, err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, q.itemKey(item.ID), raw, 0)
				pipe.ZRem(ctx, q.dueKey(), item.ID)
				return nil
			})
			if err != nil {
				return err
			}
			claimed = &item
			return nil
		}, q.itemKey(id))

		if txErr != nil {
			if txErr == redis.TxFailedErr {
				continue // another worker won the race; try the next candidate
			}
			return nil, fmt.Errorf("redisqueue: claim %s: %w", id, txErr)
		}
		if claimed != nil {
			return claimed, nil
		}
	}
	return nil, nil
}

// Complete transitions id to COMPLETE. Its unique-key marker is not
// released, so a completed partition's key cannot be enqueued again on
// this backend.
func (q *Queue) Complete(ctx context.Context, id string) error {
	item, err := q.loadItem(ctx, id)
	if err != nil {
		return err
	}
	item.State = workqueue.StateComplete
	item.LockedBy = ""
	return q.saveItem(ctx, item)
}

// Fail transitions id to RETRY_WAIT (attempts remain) or FAILED.
func (q *Queue) Fail(ctx context.Context, id string, cause error) error {
	item, err := q.loadItem(ctx, id)
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
	return q.saveItem(ctx, item)
}

// Retry forces id back to PENDING, refusing items in a terminal state.
func (q *Queue) Retry(ctx context.Context, id string) error {
	item, err := q.loadItem(ctx, id)
	if err != nil {
		return err
	}
	if item.State == workqueue.StateComplete || item.State == workqueue.StateCancelled {
		return core.NewError(core.CategoryInternal, fmt.Errorf("%w: item %s is in terminal state %s", core.ErrInvalidTransition, id, item.State))
	}
	item.State = workqueue.StatePending
	item.NextAttemptAt = q.now()
	item.LockedBy = ""
	return q.saveItem(ctx, item)
}

// Cancel transitions a PENDING or RETRY_WAIT item to CANCELLED.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	item, err := q.loadItem(ctx, id)
	if err != nil {
		return err
	}
	if item.State != workqueue.StatePending && item.State != workqueue.StateRetryWait {
		return core.NewError(core.CategoryInternal, fmt.Errorf("%w: cannot cancel item %s in state %s", core.ErrInvalidTransition, id, item.State))
	}
	item.State = workqueue.StateCancelled
	return q.saveItem(ctx, item)
}

// List returns items matching filter. With filter.Domain set it reads
// that domain's index, which holds every non-terminal item of the domain;
// otherwise it reads the due set, which holds PENDING and RETRY_WAIT
// items only (Claim removes an item from it). Terminal items are in
// neither, so List does not return COMPLETE, FAILED or CANCELLED items.
func (q *Queue) List(ctx context.Context, filter workqueue.Filter) ([]workqueue.Item, error) {
	var ids []string
	var err error
	if filter.Domain != "" {
		ids, err = q.client.SMembers(ctx, q.domainIndexKey(filter.Domain)).Result()
	} else {
		ids, err = q.client.ZRange(ctx, q.dueKey(), 0, -1).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("redisqueue: list: %w", err)
	}

	items := make([]workqueue.Item, 0, len(ids))
	for _, id := range ids {
		item, err := q.loadItem(ctx, id)
		if err != nil {
			continue
		}
		if filter.Pipeline != "" && item.Pipeline != filter.Pipeline {
			continue
		}
		if filter.State != "" && item.State != filter.State {
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// ReapExpired returns RUNNING items whose lock is older than maxLockAge
// to PENDING. Since running items are removed from the due-ZSET on
// claim, this walks every domain index to find them.
func (q *Queue) ReapExpired(ctx context.Context, maxLockAge time.Duration) (int, error) {
	domains, err := q.client.Keys(ctx, q.prefix+"domain:*").Result()
	if err != nil {
		return 0, fmt.Errorf("redisqueue: reap list domains: %w", err)
	}
	cutoff := q.now().Add(-maxLockAge)
	reaped := 0
	seen := make(map[string]bool)
	for _, domainKey := range domains {
		ids, err := q.client.SMembers(ctx, domainKey).Result()
		if err != nil {
			return reaped, fmt.Errorf("redisqueue: reap smembers %s: %w", domainKey, err)
		}
		for _, id := range ids {
			if seen[id] {
				continue
			}
			seen[id] = true
			item, err := q.loadItem(ctx, id)
			if err != nil {
				continue
			}
			if item.State != workqueue.StateRunning || !item.LockedAt.Before(cutoff) {
				continue
			}
			item.State = workqueue.StatePending
			item.LockedBy = ""
			item.LastError = "reaped: lock expired"
			item.CurrentExecution = ""
			item.NextAttemptAt = q.now()
			if err := q.saveItem(ctx, item); err != nil {
				return reaped, err
			}
			reaped++
		}
	}
	return reaped, nil
}
