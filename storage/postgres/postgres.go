// Package postgres implements storage.Engine on PostgreSQL via pgx/pgxpool.
// Every logical table (core_manifest, core_work_items, ...) is stored as
// JSONB rows in a single physical table keyed by (table_name, row_key),
// so the schema this package requires is fixed regardless of which
// domains register which stages — concrete domain DDL stays out of core's
// scope, per the storage interface contract.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"marketspine/storage"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS spine_rows (
	table_name TEXT NOT NULL,
	row_key    TEXT NOT NULL,
	data       JSONB NOT NULL,
	seq        BIGSERIAL,
	PRIMARY KEY (table_name, row_key)
);
CREATE INDEX IF NOT EXISTS spine_rows_seq_idx ON spine_rows (table_name, seq);
`

// Engine is a PostgreSQL-backed storage.Engine.
type Engine struct {
	pool *pgxpool.Pool
}

// Open connects to connString (standard postgres:// DSN), pings it, and
// ensures the backing schema exists.
func Open(ctx context.Context, connString string) (*Engine, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaDDL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &Engine{pool: pool}, nil
}

func (e *Engine) Table(name string) storage.Table {
	return &table{pool: e.pool, name: name}
}

func (e *Engine) Close() error {
	e.pool.Close()
	return nil
}

// ReplaceCapture scopes the delete and the inserts to one transaction, so
// a failed insert cannot leave the capture_id's prior rows deleted.
func (e *Engine) ReplaceCapture(ctx context.Context, tableName string, filter storage.Filter, rows []storage.KeyedRow) error {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if filter != nil {
		existing, err := scanRows(ctx, tx, tableName)
		if err != nil {
			return err
		}
		for key, row := range existing {
			if filter(row) {
				if _, err := tx.Exec(ctx, `DELETE FROM spine_rows WHERE table_name = $1 AND row_key = $2`, tableName, key); err != nil {
					return fmt.Errorf("delete %s/%s: %w", tableName, key, err)
				}
			}
		}
	}

	for _, kr := range rows {
		data, err := json.Marshal(kr.Row)
		if err != nil {
			return fmt.Errorf("marshal row: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO spine_rows (table_name, row_key, data)
			VALUES ($1, $2, $3)
			ON CONFLICT (table_name, row_key) DO UPDATE SET data = EXCLUDED.data
		`, tableName, kr.Key, data)
		if err != nil {
			return fmt.Errorf("upsert %s/%s: %w", tableName, kr.Key, err)
		}
	}

	return tx.Commit(ctx)
}

type table struct {
	pool *pgxpool.Pool
	name string
}

func (t *table) Upsert(ctx context.Context, key string, row storage.Row) error {
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("marshal row: %w", err)
	}
	_, err = t.pool.Exec(ctx, `
		INSERT INTO spine_rows (table_name, row_key, data)
		VALUES ($1, $2, $3)
		ON CONFLICT (table_name, row_key) DO UPDATE SET data = EXCLUDED.data
	`, t.name, key, data)
	if err != nil {
		return fmt.Errorf("upsert %s/%s: %w", t.name, key, err)
	}
	return nil
}

func (t *table) Get(ctx context.Context, key string) (storage.Row, bool, error) {
	var data []byte
	err := t.pool.QueryRow(ctx, `SELECT data FROM spine_rows WHERE table_name = $1 AND row_key = $2`, t.name, key).Scan(&data)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get %s/%s: %w", t.name, key, err)
	}
	var row storage.Row
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, false, fmt.Errorf("unmarshal %s/%s: %w", t.name, key, err)
	}
	return row, true, nil
}

func (t *table) List(ctx context.Context, filter storage.Filter) ([]storage.Row, error) {
	rows, err := t.pool.Query(ctx, `SELECT data FROM spine_rows WHERE table_name = $1 ORDER BY seq`, t.name)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", t.name, err)
	}
	defer rows.Close()

	var out []storage.Row
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan %s: %w", t.name, err)
		}
		var row storage.Row
		if err := json.Unmarshal(data, &row); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", t.name, err)
		}
		if filter == nil || filter(row) {
			out = append(out, row)
		}
	}
	return out, rows.Err()
}

func (t *table) Delete(ctx context.Context, key string) error {
	_, err := t.pool.Exec(ctx, `DELETE FROM spine_rows WHERE table_name = $1 AND row_key = $2`, t.name, key)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", t.name, key, err)
	}
	return nil
}

func (t *table) DeleteWhere(ctx context.Context, filter storage.Filter) (int, error) {
	keyed, err := scanRowsPool(ctx, t.pool, t.name, filter)
	if err != nil {
		return 0, err
	}
	removed := 0
	for key := range keyed {
		if _, err := t.pool.Exec(ctx, `DELETE FROM spine_rows WHERE table_name = $1 AND row_key = $2`, t.name, key); err != nil {
			return removed, fmt.Errorf("delete %s/%s: %w", t.name, key, err)
		}
		removed++
	}
	return removed, nil
}

func (t *table) Append(ctx context.Context, row storage.Row) (string, error) {
	data, err := json.Marshal(row)
	if err != nil {
		return "", fmt.Errorf("marshal row: %w", err)
	}
	var key string
	err = t.pool.QueryRow(ctx, `
		INSERT INTO spine_rows (table_name, row_key, data)
		VALUES ($1, gen_random_uuid()::text, $2)
		RETURNING row_key
	`, t.name, data).Scan(&key)
	if err != nil {
		return "", fmt.Errorf("append %s: %w", t.name, err)
	}
	return key, nil
}

func scanRows(ctx context.Context, tx pgx.Tx, tableName string) (map[string]storage.Row, error) {
	rows, err := tx.Query(ctx, `SELECT row_key, data FROM spine_rows WHERE table_name = $1`, tableName)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", tableName, err)
	}
	defer rows.Close()

	out := make(map[string]storage.Row)
	for rows.Next() {
		var key string
		var data []byte
		if err := rows.Scan(&key, &data); err != nil {
			return nil, fmt.Errorf("scan %s: %w", tableName, err)
		}
		var row storage.Row
		if err := json.Unmarshal(data, &row); err != nil {
			return nil, fmt.Errorf("unmarshal %s/%s: %w", tableName, key, err)
		}
		out[key] = row
	}
	return out, rows.Err()
}

func scanRowsPool(ctx context.Context, pool *pgxpool.Pool, tableName string, filter storage.Filter) (map[string]storage.Row, error) {
	rows, err := pool.Query(ctx, `SELECT row_key, data FROM spine_rows WHERE table_name = $1`, tableName)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", tableName, err)
	}
	defer rows.Close()

	out := make(map[string]storage.Row)
	for rows.Next() {
		var key string
		var data []byte
		if err := rows.Scan(&key, &data); err != nil {
			return nil, fmt.Errorf("scan %s: %w", tableName, err)
		}
		var row storage.Row
		if err := json.Unmarshal(data, &row); err != nil {
			return nil, fmt.Errorf("unmarshal %s/%s: %w", tableName, key, err)
		}
		if filter == nil || filter(row) {
			out[key] = row
		}
	}
	return out, rows.Err()
}
