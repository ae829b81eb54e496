package instance

import (
	"database/sql"
	"path/filepath"
	"sync"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func openTestDB(t *testing.T, path string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", "file:"+path+"?_journal_mode=WAL&_busy_timeout=5000")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestIdentitySurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.db")

	db := openTestDB(t, path)
	reg, err := NewRegistry(db, zap.NewNop())
	require.NoError(t, err)
	first := reg.InstanceID()
	assert.NotEmpty(t, first)
	db.Close()

	db2 := openTestDB(t, path)
	reg2, err := NewRegistry(db2, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, first, reg2.InstanceID())
}

func TestNextCounterMonotonicPerPartition(t *testing.T) {
	db := openTestDB(t, filepath.Join(t.TempDir(), "node.db"))
	reg, err := NewRegistry(db, zap.NewNop())
	require.NoError(t, err)

	alloc := func(partition string) int64 {
		tx, err := db.Begin()
		require.NoError(t, err)
		counter, err := reg.NextCounter(tx, partition)
		require.NoError(t, err)
		require.NoError(t, tx.Commit())
		return counter
	}

	assert.Equal(t, int64(1), alloc("app/a"))
	assert.Equal(t, int64(2), alloc("app/a"))
	assert.Equal(t, int64(1), alloc("app/b"), "counters are per partition")
	assert.Equal(t, int64(3), alloc("app/a"))

	current, err := reg.CurrentCounter("app/a")
	require.NoError(t, err)
	assert.Equal(t, int64(3), current)
}

func TestNextCounterRollsBackWithTransaction(t *testing.T) {
	db := openTestDB(t, filepath.Join(t.TempDir(), "node.db"))
	reg, err := NewRegistry(db, zap.NewNop())
	require.NoError(t, err)

	tx, err := db.Begin()
	require.NoError(t, err)
	_, err = reg.NextCounter(tx, "app/a")
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	tx, err = db.Begin()
	require.NoError(t, err)
	counter, err := reg.NextCounter(tx, "app/a")
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	assert.Equal(t, int64(1), counter, "an aborted write must not burn a counter")
}

func TestNextCounterConcurrent(t *testing.T) {
	db := openTestDB(t, filepath.Join(t.TempDir(), "node.db"))
	reg, err := NewRegistry(db, zap.NewNop())
	require.NoError(t, err)

	const workers = 4
	const perWorker = 10

	var mu sync.Mutex
	seen := make(map[int64]bool)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				tx, err := db.Begin()
				if err != nil {
					t.Error(err)
					return
				}
				counter, err := reg.NextCounter(tx, "app/a")
				if err != nil {
					tx.Rollback()
					t.Error(err)
					return
				}
				if err := tx.Commit(); err != nil {
					t.Error(err)
					return
				}
				mu.Lock()
				if seen[counter] {
					t.Errorf("counter %d allocated twice", counter)
				}
				seen[counter] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, workers*perWorker)
	current, err := reg.CurrentCounter("app/a")
	require.NoError(t, err)
	assert.Equal(t, int64(workers*perWorker), current)
}

func TestPartitionCounters(t *testing.T) {
	db := openTestDB(t, filepath.Join(t.TempDir(), "node.db"))
	reg, err := NewRegistry(db, zap.NewNop())
	require.NoError(t, err)

	for _, partition := range []string{"app/a", "app/a", "app/b", "other/c"} {
		tx, err := db.Begin()
		require.NoError(t, err)
		_, err = reg.NextCounter(tx, partition)
		require.NoError(t, err)
		require.NoError(t, tx.Commit())
	}

	counters, err := reg.PartitionCounters("app")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"app/a": 2, "app/b": 1}, counters)
}
