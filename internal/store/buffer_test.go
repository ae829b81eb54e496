package store

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/calyptra/driftsync/internal/instance"
	"github.com/calyptra/driftsync/internal/model"
	"github.com/calyptra/driftsync/internal/resolve"
)

func newTestBuffer(t *testing.T) *Buffer {
	t.Helper()
	db, err := OpenDatabase(filepath.Join(t.TempDir(), "buffer.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	registry, err := instance.NewRegistry(db, zap.NewNop())
	require.NoError(t, err)
	_, err = NewStore(db, registry, resolve.NewResolver(nil, zap.NewNop()), 16, zap.NewNop())
	require.NoError(t, err)

	return NewBuffer(db, zap.NewNop())
}

func stagedRecords(n int) []model.Record {
	out := make([]model.Record, n)
	for i := range out {
		out[i] = model.Record{
			Key:       fmt.Sprintf("key-%03d", i),
			Partition: "app/users",
			Payload:   []byte(fmt.Sprintf("payload-%d", i)),
			Version:   model.Version{InstanceID: "origin", Counter: int64(i + 1)},
		}
	}
	return out
}

func TestBufferQueueAndPage(t *testing.T) {
	b := newTestBuffer(t)
	records := stagedRecords(5)

	total, err := b.Queue("s1", "app/users", records)
	require.NoError(t, err)
	assert.Equal(t, 5, total)

	page, err := b.Page("s1", "app/users", 0, 3)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, "key-000", page[0].Key)
	assert.Equal(t, "key-002", page[2].Key)

	page, err = b.Page("s1", "app/users", 3, 3)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "key-004", page[1].Key)
}

func TestBufferRequeueReplacesKey(t *testing.T) {
	b := newTestBuffer(t)
	records := stagedRecords(2)

	_, err := b.Queue("s1", "app/users", records)
	require.NoError(t, err)

	updated := records[0]
	updated.Payload = []byte("newer")
	updated.Version.Counter = 10
	total, err := b.Queue("s1", "app/users", []model.Record{updated})
	require.NoError(t, err)
	assert.Equal(t, 2, total, "same key keeps one row")

	page, err := b.Page("s1", "app/users", 0, 10)
	require.NoError(t, err)
	require.Len(t, page, 2)
	for _, rec := range page {
		if rec.Key == "key-000" {
			assert.Equal(t, []byte("newer"), rec.Payload)
		}
	}
}

func TestBufferSessionsIsolated(t *testing.T) {
	b := newTestBuffer(t)

	_, err := b.Queue("s1", "app/users", stagedRecords(3))
	require.NoError(t, err)
	_, err = b.Queue("s2", "app/users", stagedRecords(1))
	require.NoError(t, err)

	n, err := b.Count("s1", "app/users")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.NoError(t, b.Clear("s1"))
	n, err = b.Count("s1", "app/users")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = b.Count("s2", "app/users")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "clearing one session leaves others staged")
}

func TestBufferClearPartition(t *testing.T) {
	b := newTestBuffer(t)

	_, err := b.Queue("s1", "app/users", stagedRecords(2))
	require.NoError(t, err)
	_, err = b.Queue("s1", "app/sessions", stagedRecords(2))
	require.NoError(t, err)

	require.NoError(t, b.ClearPartition("s1", "app/users"))

	n, err := b.Count("s1", "app/users")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	n, err = b.Count("s1", "app/sessions")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestBufferPurge(t *testing.T) {
	b := newTestBuffer(t)

	_, err := b.Queue("s1", "app/users", stagedRecords(4))
	require.NoError(t, err)

	require.NoError(t, b.Purge())

	n, err := b.Count("s1", "app/users")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
