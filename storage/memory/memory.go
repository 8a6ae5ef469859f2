// Package memory implements storage.Engine with nothing but Go maps
// guarded by a mutex. It is the default test double for manifest,
// quality, and work-queue stores, and backs the single-process
// "--db :memory:" run mode.
package memory

import (
	"context"
	"sync"

	"marketspine/storage"
)

// Engine is an in-memory storage.Engine. The zero value is not usable;
// construct with New.
type Engine struct {
	mu     sync.Mutex
	tables map[string]*table
}

// New returns a ready-to-use in-memory engine.
func New() *Engine {
	return &Engine{tables: make(map[string]*table)}
}

func (e *Engine) Table(name string) storage.Table {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tables[name]
	if !ok {
		t = &table{rows: make(map[string]storage.Row), order: nil}
		e.tables[name] = t
	}
	return t
}

// ReplaceCapture removes every row matching filter and inserts rows while
// holding the table's lock, so readers of the table never observe the
// deletion and the inserts half-applied.
func (e *Engine) ReplaceCapture(ctx context.Context, tableName string, filter storage.Filter, rows []storage.KeyedRow) error {
	e.mu.Lock()
	t, ok := e.tables[tableName]
	if !ok {
		t = &table{rows: make(map[string]storage.Row)}
		e.tables[tableName] = t
	}
	e.mu.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.order[:0:0]
	for _, key := range t.order {
		row, ok := t.rows[key]
		if ok && filter != nil && filter(row) {
			delete(t.rows, key)
			continue
		}
		kept = append(kept, key)
	}
	t.order = kept
	for _, kr := range rows {
		if _, exists := t.rows[kr.Key]; !exists {
			t.order = append(t.order, kr.Key)
		}
		t.rows[kr.Key] = cloneRow(kr.Row)
	}
	return nil
}

func (e *Engine) Close() error { return nil }

type table struct {
	mu    sync.Mutex
	rows  map[string]storage.Row
	order []string
	seq   int
}

func (t *table) Upsert(ctx context.Context, key string, row storage.Row) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.rows[key]; !exists {
		t.order = append(t.order, key)
	}
	t.rows[key] = cloneRow(row)
	return nil
}

func (t *table) Get(ctx context.Context, key string) (storage.Row, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	row, ok := t.rows[key]
	if !ok {
		return nil, false, nil
	}
	return cloneRow(row), true, nil
}

func (t *table) List(ctx context.Context, filter storage.Filter) ([]storage.Row, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []storage.Row
	for _, key := range t.order {
		row, ok := t.rows[key]
		if !ok {
			continue
		}
		if filter == nil || filter(row) {
			out = append(out, cloneRow(row))
		}
	}
	return out, nil
}

func (t *table) Delete(ctx context.Context, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.rows[key]; !ok {
		return nil
	}
	delete(t.rows, key)
	for i, k := range t.order {
		if k == key {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return nil
}

func (t *table) DeleteWhere(ctx context.Context, filter storage.Filter) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	kept := t.order[:0:0]
	for _, key := range t.order {
		row, ok := t.rows[key]
		if ok && filter != nil && filter(row) {
			delete(t.rows, key)
			removed++
			continue
		}
		kept = append(kept, key)
	}
	t.order = kept
	return removed, nil
}

func (t *table) Append(ctx context.Context, row storage.Row) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seq++
	key := syntheticKey(t.seq)
	t.order = append(t.order, key)
	t.rows[key] = cloneRow(row)
	return key, nil
}

func cloneRow(row storage.Row) storage.Row {
	out := make(storage.Row, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}

func syntheticKey(seq int) string {
	const digits = "0123456789"
	if seq == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for seq > 0 {
		i--
		buf[i] = digits[seq%10]
		seq /= 10
	}
	return "row-" + string(buf[i:])
}
