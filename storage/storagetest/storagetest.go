// Package storagetest is a table-driven contract suite run once per
// storage.Engine backend (memory, embedded, postgres) so all three are
// held to identical Upsert/Get/List/DeleteWhere/ReplaceCapture semantics.
package storagetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketspine/storage"
)

// Run exercises engine against the shared contract. Call it from each
// backend's own _test.go with a freshly constructed engine.
func Run(t *testing.T, engine storage.Engine) {
	t.Helper()
	ctx := context.Background()
	tbl := engine.Table("contract_rows")

	t.Run("upsert and get", func(t *testing.T) {
		require.NoError(t, tbl.Upsert(ctx, "k1", storage.Row{"a": "1"}))
		row, ok, err := tbl.Get(ctx, "k1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "1", row["a"])
	})

	t.Run("upsert replaces", func(t *testing.T) {
		require.NoError(t, tbl.Upsert(ctx, "k2", storage.Row{"a": "1"}))
		require.NoError(t, tbl.Upsert(ctx, "k2", storage.Row{"a": "2"}))
		row, ok, err := tbl.Get(ctx, "k2")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "2", row["a"])
	})

	t.Run("get missing", func(t *testing.T) {
		_, ok, err := tbl.Get(ctx, "does-not-exist")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("list with filter", func(t *testing.T) {
		fresh := engine.Table("filter_rows")
		require.NoError(t, fresh.Upsert(ctx, "a", storage.Row{"tier": "T1"}))
		require.NoError(t, fresh.Upsert(ctx, "b", storage.Row{"tier": "T2"}))
		rows, err := fresh.List(ctx, func(r storage.Row) bool { return r["tier"] == "T1" })
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, "T1", rows[0]["tier"])
	})

	t.Run("delete", func(t *testing.T) {
		fresh := engine.Table("delete_rows")
		require.NoError(t, fresh.Upsert(ctx, "k", storage.Row{"a": "1"}))
		require.NoError(t, fresh.Delete(ctx, "k"))
		_, ok, err := fresh.Get(ctx, "k")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("delete where", func(t *testing.T) {
		fresh := engine.Table("delete_where_rows")
		require.NoError(t, fresh.Upsert(ctx, "a", storage.Row{"capture_id": "C1"}))
		require.NoError(t, fresh.Upsert(ctx, "b", storage.Row{"capture_id": "C2"}))
		n, err := fresh.DeleteWhere(ctx, func(r storage.Row) bool { return r["capture_id"] == "C1" })
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		rows, err := fresh.List(ctx, nil)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, "C2", rows[0]["capture_id"])
	})

	t.Run("append assigns distinct keys", func(t *testing.T) {
		fresh := engine.Table("append_rows")
		k1, err := fresh.Append(ctx, storage.Row{"n": "1"})
		require.NoError(t, err)
		k2, err := fresh.Append(ctx, storage.Row{"n": "2"})
		require.NoError(t, err)
		assert.NotEqual(t, k1, k2)
		rows, err := fresh.List(ctx, nil)
		require.NoError(t, err)
		assert.Len(t, rows, 2)
	})

	t.Run("replace capture is all or nothing on success", func(t *testing.T) {
		require.NoError(t, engine.ReplaceCapture(ctx, "capture_rows",
			func(r storage.Row) bool { return r["capture_id"] == "C1" },
			[]storage.KeyedRow{{Key: "new-1", Row: storage.Row{"capture_id": "C2", "v": "x"}}},
		))
		capTbl := engine.Table("capture_rows")
		rows, err := capTbl.List(ctx, nil)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, "C2", rows[0]["capture_id"])
	})
}
