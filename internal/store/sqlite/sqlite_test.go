package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"stepwise.studio/internal/store"
	"stepwise.studio/internal/store/sqlstore"
)

func newTestDB(t *testing.T) *sqlstore.DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "stepwise.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seedAccount(t *testing.T, db store.Store, id string, balance int64) {
	t.Helper()
	ok, err := db.UniqueInsert(context.Background(), store.Insert{
		Table:  "accounts",
		Row:    store.Row{"id": id, "balance": balance, "disabled": false, "created_at": time.Now()},
		Unique: []string{"id"},
	})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestConditionalDecrementAgainstSQLite(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedAccount(t, db, "a1", 1)

	spend := store.Update{
		Table:     "accounts",
		Where:     []store.Cond{store.Eq("id", "a1"), store.Gte("balance", int64(1)), store.Eq("disabled", false)},
		Set:       []store.Assign{store.Incr("balance", -1)},
		Returning: []string{"balance"},
	}
	res, err := db.ConditionalUpdate(ctx, spend)
	require.NoError(t, err)
	require.True(t, res.Matched())
	require.Equal(t, int64(0), res.Rows[0].Int64("balance"))

	res, err = db.ConditionalUpdate(ctx, spend)
	require.NoError(t, err)
	require.False(t, res.Matched())
}

func TestConcurrentSpendsNeverOverdraw(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedAccount(t, db, "a1", 3)

	var wins atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := db.ConditionalUpdate(ctx, store.Update{
				Table: "accounts",
				Where: []store.Cond{store.Eq("id", "a1"), store.Gte("balance", int64(1))},
				Set:   []store.Assign{store.Incr("balance", -1)},
			})
			if err == nil && res.Matched() {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int64(3), wins.Load())

	row, ok, err := db.Read(ctx, store.Query{Table: "accounts", Columns: []string{"balance"}, Where: []store.Cond{store.Eq("id", "a1")}})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(0), row.Int64("balance"))
}

func TestUniqueInsertReportsConflict(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedAccount(t, db, "a1", 0)

	entry := func(id string) store.Insert {
		return store.Insert{
			Table: "ledger_entries",
			Row: store.Row{
				"id": id, "account_id": "a1", "kind": "purchase", "amount": int64(3),
				"balance_after": nil, "description": "", "external_event_id": "evt_1", "created_at": time.Now(),
			},
			Unique: []string{"external_event_id"},
		}
	}
	ok, err := db.UniqueInsert(ctx, entry("l1"))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = db.UniqueInsert(ctx, entry("l2"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTimestampsRoundTripAsUTC(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	created := time.Date(2024, 6, 1, 12, 30, 0, 0, time.FixedZone("X", 3600))
	_, err := db.UniqueInsert(ctx, store.Insert{
		Table:  "workshops",
		Row:    store.Row{"id": "w1", "owner_id": "u1", "title": "t", "created_at": created, "unlocked_at": nil},
		Unique: []string{"id"},
	})
	require.NoError(t, err)

	row, ok, err := db.Read(ctx, store.Query{Table: "workshops", Columns: []string{"created_at", "unlocked_at"}, Where: []store.Cond{store.Eq("id", "w1")}})
	require.NoError(t, err)
	require.True(t, ok)
	got, valid := row.Time("created_at")
	require.True(t, valid)
	require.True(t, got.Equal(created))
	require.True(t, row.IsNull("unlocked_at"))
}
