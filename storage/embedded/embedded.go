// Package embedded implements storage.Engine on top of a single bbolt
// file, the spine's embedded/"SQLite-like" in-process tier. Each logical
// table is a bucket; rows are stored as JSON values keyed by the caller's
// unique-key string.
package embedded

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"marketspine/storage"
)

// Engine is a bbolt-backed storage.Engine.
type Engine struct {
	db *bolt.DB
}

// Open opens (creating if absent) the bbolt file at path.
func Open(path string) (*Engine, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open embedded engine: %w", err)
	}
	return &Engine{db: db}, nil
}

func (e *Engine) Table(name string) storage.Table {
	return &table{db: e.db, bucket: []byte(name)}
}

// ReplaceCapture removes every row matching filter from tableName and
// inserts rows, in a single bbolt read-write transaction so a failed
// insert cannot leave the deletion applied on disk.
func (e *Engine) ReplaceCapture(ctx context.Context, tableName string, filter storage.Filter, rows []storage.KeyedRow) error {
	return e.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(tableName))
		if err != nil {
			return err
		}
		var toDelete [][]byte
		err = b.ForEach(func(k, v []byte) error {
			var row storage.Row
			if err := json.Unmarshal(v, &row); err != nil {
				return fmt.Errorf("unmarshal %s: %w", k, err)
			}
			if filter == nil || filter(row) {
				toDelete = append(toDelete, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		for _, kr := range rows {
			data, err := json.Marshal(kr.Row)
			if err != nil {
				return fmt.Errorf("marshal row: %w", err)
			}
			if err := b.Put([]byte(kr.Key), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (e *Engine) Close() error { return e.db.Close() }

type table struct {
	db     *bolt.DB
	bucket []byte
}

func (t *table) ensureBucket(tx *bolt.Tx) (*bolt.Bucket, error) {
	return tx.CreateBucketIfNotExists(t.bucket)
}

func (t *table) Upsert(ctx context.Context, key string, row storage.Row) error {
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("marshal row: %w", err)
	}
	return t.db.Update(func(tx *bolt.Tx) error {
		b, err := t.ensureBucket(tx)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

func (t *table) Get(ctx context.Context, key string) (storage.Row, bool, error) {
	var row storage.Row
	found := false
	err := t.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(t.bucket)
		if b == nil {
			return nil
		}
		data := b.Get([]byte(key))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &row)
	})
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}
	return row, found, nil
}

func (t *table) List(ctx context.Context, filter storage.Filter) ([]storage.Row, error) {
	var out []storage.Row
	err := t.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(t.bucket)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var row storage.Row
			if err := json.Unmarshal(v, &row); err != nil {
				return fmt.Errorf("unmarshal %s: %w", k, err)
			}
			if filter == nil || filter(row) {
				out = append(out, row)
			}
			return nil
		})
	})
	return out, err
}

func (t *table) Delete(ctx context.Context, key string) error {
	return t.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(t.bucket)
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

func (t *table) DeleteWhere(ctx context.Context, filter storage.Filter) (int, error) {
	removed := 0
	err := t.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(t.bucket)
		if b == nil {
			return nil
		}
		var toDelete [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var row storage.Row
			if err := json.Unmarshal(v, &row); err != nil {
				return fmt.Errorf("unmarshal %s: %w", k, err)
			}
			if filter == nil || filter(row) {
				key := append([]byte(nil), k...)
				toDelete = append(toDelete, key)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

func (t *table) Append(ctx context.Context, row storage.Row) (string, error) {
	var key string
	err := t.db.Update(func(tx *bolt.Tx) error {
		b, err := t.ensureBucket(tx)
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key = fmt.Sprintf("row-%d", seq)
		data, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("marshal row: %w", err)
		}
		return b.Put([]byte(key), data)
	})
	return key, err
}
