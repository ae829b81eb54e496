package store

import (
	"database/sql"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/calyptra/driftsync/internal/model"
	"github.com/calyptra/driftsync/internal/syncerrors"
)

// Buffer is the staging area for records selected for transfer but not
// yet durably merged on the other side. Queued pages survive within a
// session so an interrupted transfer resumes from the last acknowledged
// chunk instead of recomputing and resending everything. Rows are
// destroyed when the transfer completes or the owning session dies.
type Buffer struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewBuffer creates a buffer over the store's database. The store must
// have been initialized first.
func NewBuffer(db *sql.DB, logger *zap.Logger) *Buffer {
	return &Buffer{db: db, logger: logger}
}

// Queue appends records to a session's staging area for one partition
// and returns the total queued for that partition. A record re-queued
// under the same key replaces the earlier entry, keeping one row per
// (session, partition, key).
func (b *Buffer) Queue(sessionID, partition string, records []model.Record) (int, error) {
	tx, err := b.db.Begin()
	if err != nil {
		return 0, syncerrors.Internal("failed to begin buffer transaction", err)
	}
	defer tx.Rollback()

	var next int64
	err = tx.QueryRow(
		`SELECT COALESCE(MAX(position), -1) + 1 FROM buffer WHERE session_id = ? AND partition = ?`,
		sessionID, partition,
	).Scan(&next)
	if err != nil {
		return 0, syncerrors.Internal("failed to read buffer position", err)
	}

	for _, rec := range records {
		var conflicts []byte
		if len(rec.Conflicts) > 0 {
			conflicts, err = json.Marshal(rec.Conflicts)
			if err != nil {
				return 0, syncerrors.Internal("failed to encode conflicting versions", err)
			}
		}
		deleted := 0
		if rec.Deleted {
			deleted = 1
		}
		_, err = tx.Exec(`
INSERT INTO buffer (session_id, partition, position, key, payload, instance_id, counter, deleted, conflicts)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (session_id, partition, key) DO UPDATE SET
	payload = excluded.payload,
	instance_id = excluded.instance_id,
	counter = excluded.counter,
	deleted = excluded.deleted,
	conflicts = excluded.conflicts`,
			sessionID, partition, next, rec.Key, rec.Payload,
			rec.Version.InstanceID, rec.Version.Counter, deleted, conflicts)
		if err != nil {
			return 0, syncerrors.Internal("failed to queue record", err)
		}
		next++
	}

	var total int
	err = tx.QueryRow(
		`SELECT COUNT(*) FROM buffer WHERE session_id = ? AND partition = ?`,
		sessionID, partition,
	).Scan(&total)
	if err != nil {
		return 0, syncerrors.Internal("failed to count buffered records", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, syncerrors.Internal("failed to commit buffer", err)
	}
	return total, nil
}

// Count returns how many records are staged for a session partition.
func (b *Buffer) Count(sessionID, partition string) (int, error) {
	var n int
	err := b.db.QueryRow(
		`SELECT COUNT(*) FROM buffer WHERE session_id = ? AND partition = ?`,
		sessionID, partition,
	).Scan(&n)
	if err != nil {
		return 0, syncerrors.Internal("failed to count buffered records", err)
	}
	return n, nil
}

// Page reads one chunk of staged records in queue order, starting at
// offset. Paging by position keeps chunk contents stable across retries.
func (b *Buffer) Page(sessionID, partition string, offset, limit int) ([]model.Record, error) {
	rows, err := b.db.Query(`
SELECT key, partition, payload, instance_id, counter, deleted, conflicts
FROM buffer
WHERE session_id = ? AND partition = ?
ORDER BY position
LIMIT ? OFFSET ?`, sessionID, partition, limit, offset)
	if err != nil {
		return nil, syncerrors.Internal("failed to page buffer", err)
	}
	defer rows.Close()

	var page []model.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		page = append(page, *rec)
	}
	return page, rows.Err()
}

// ClearPartition removes a partition's staged records once the transfer
// direction completes.
func (b *Buffer) ClearPartition(sessionID, partition string) error {
	_, err := b.db.Exec(
		`DELETE FROM buffer WHERE session_id = ? AND partition = ?`, sessionID, partition)
	if err != nil {
		return syncerrors.Internal("failed to clear buffer partition", err)
	}
	return nil
}

// Clear removes everything a session staged.
func (b *Buffer) Clear(sessionID string) error {
	_, err := b.db.Exec(`DELETE FROM buffer WHERE session_id = ?`, sessionID)
	if err != nil {
		return syncerrors.Internal("failed to clear session buffer", err)
	}
	return nil
}

// Purge drops all staged records. Called at startup: sessions do not
// survive a restart, so anything left behind belongs to a dead session.
func (b *Buffer) Purge() error {
	var n int64
	res, err := b.db.Exec(`DELETE FROM buffer`)
	if err != nil {
		return syncerrors.Internal("failed to purge buffer", err)
	}
	if count, err := res.RowsAffected(); err == nil {
		n = count
	}
	if n > 0 {
		b.logger.Info("Purged stale buffered records", zap.Int64("records", n))
	}
	return nil
}
