package store

import (
	"database/sql"
	"errors"

	"go.uber.org/zap"

	"github.com/calyptra/driftsync/internal/model"
	"github.com/calyptra/driftsync/internal/syncerrors"
)

// MaxCounters is the database max counter table: per (partition,
// originating instance), the highest counter already durably merged into
// the store. Watermarks are keyed by originating instance rather than by
// direct peer, so data learned transitively through a third node is
// never transferred twice. Entries only ever move forward, and only
// after the chunk carrying the data has committed.
type MaxCounters struct {
	db     *sql.DB
	logger *zap.Logger
}

// Get returns the watermark for one (partition, instance) pair, zero if
// no sync has recorded one yet.
func (m *MaxCounters) Get(partition, instanceID string) (int64, error) {
	var counter int64
	err := m.db.QueryRow(
		`SELECT counter FROM database_max_counters WHERE partition = ? AND instance_id = ?`,
		partition, instanceID,
	).Scan(&counter)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, syncerrors.Internal("failed to read max counter", err)
	}
	return counter, nil
}

// Watermarks returns the recorded frontiers for every partition under a
// prefix.
func (m *MaxCounters) Watermarks(prefix string) (map[string]model.Frontier, error) {
	rows, err := m.db.Query(`
SELECT partition, instance_id, counter FROM database_max_counters
WHERE partition = ?1 OR partition LIKE ?1 || '/%'`, prefix)
	if err != nil {
		return nil, syncerrors.Internal("failed to read watermarks", err)
	}
	defer rows.Close()

	frontiers := make(map[string]model.Frontier)
	for rows.Next() {
		var partition, instanceID string
		var counter int64
		if err := rows.Scan(&partition, &instanceID, &counter); err != nil {
			return nil, err
		}
		f, ok := frontiers[partition]
		if !ok {
			f = model.Frontier{}
			frontiers[partition] = f
		}
		f.Observe(model.Version{InstanceID: instanceID, Counter: counter})
	}
	return frontiers, rows.Err()
}

// Advance raises a watermark outside any surrounding transaction. It is
// monotonic: an attempt to move a watermark backwards is a no-op.
func (m *MaxCounters) Advance(partition, instanceID string, counter int64) error {
	_, err := m.db.Exec(`
INSERT INTO database_max_counters (partition, instance_id, counter)
VALUES (?, ?, ?)
ON CONFLICT (partition, instance_id) DO UPDATE SET
	counter = MAX(counter, excluded.counter)`,
		partition, instanceID, counter)
	if err != nil {
		return syncerrors.Internal("failed to advance max counter", err)
	}
	return nil
}

// RaiseToFrontier raises every watermark for a partition to cover the
// given frontier, called at session completion once both directions have
// fully acknowledged (the remote frontier is then known to be held
// locally in its entirety).
func (m *MaxCounters) RaiseToFrontier(partition string, frontier model.Frontier) error {
	for instanceID, counter := range frontier {
		if err := m.Advance(partition, instanceID, counter); err != nil {
			return err
		}
	}
	return nil
}

// advanceTx raises a watermark inside the chunk-apply transaction so the
// watermark never outruns durably merged data.
func (m *MaxCounters) advanceTx(tx *sql.Tx, partition, instanceID string, counter int64) error {
	_, err := tx.Exec(`
INSERT INTO database_max_counters (partition, instance_id, counter)
VALUES (?, ?, ?)
ON CONFLICT (partition, instance_id) DO UPDATE SET
	counter = MAX(counter, excluded.counter)`,
		partition, instanceID, counter)
	if err != nil {
		return syncerrors.Internal("failed to advance max counter", err)
	}
	return nil
}
