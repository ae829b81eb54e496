package instance

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Registry owns this node's durable identity and the per-partition write
// counters stamped onto every locally-originated write. One Registry is
// constructed per process and passed by reference to the store and the
// session layer.
type Registry struct {
	db         *sql.DB
	instanceID string
	logger     *zap.Logger
}

// NewRegistry loads the node identity from the database, creating it on
// first start. The identity survives restarts for the node's lifetime.
func NewRegistry(db *sql.DB, logger *zap.Logger) (*Registry, error) {
	r := &Registry{db: db, logger: logger}
	if err := r.initSchema(); err != nil {
		return nil, err
	}

	id, err := r.loadOrCreateIdentity()
	if err != nil {
		return nil, err
	}
	r.instanceID = id

	logger.Info("Instance registry initialized", zap.String("instance_id", id))
	return r, nil
}

func (r *Registry) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS instance_identity (
	singleton   INTEGER PRIMARY KEY CHECK (singleton = 1),
	instance_id TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS instance_counters (
	instance_id TEXT    NOT NULL,
	partition   TEXT    NOT NULL,
	counter     INTEGER NOT NULL,
	PRIMARY KEY (instance_id, partition)
);`
	if _, err := r.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create instance tables: %w", err)
	}
	return nil
}

func (r *Registry) loadOrCreateIdentity() (string, error) {
	var id string
	err := r.db.QueryRow(`SELECT instance_id FROM instance_identity WHERE singleton = 1`).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("failed to load instance identity: %w", err)
	}

	id = uuid.NewString()
	_, err = r.db.Exec(`INSERT INTO instance_identity (singleton, instance_id) VALUES (1, ?)`, id)
	if err != nil {
		return "", fmt.Errorf("failed to persist instance identity: %w", err)
	}
	return id, nil
}

// InstanceID returns this node's durable instance identifier.
func (r *Registry) InstanceID() string {
	return r.instanceID
}

// NextCounter allocates the next counter for a partition inside the
// caller's transaction, so counter allocation commits atomically with the
// write it stamps. The database's single-writer transaction model
// serializes concurrent allocations; no two writes ever receive the same
// counter.
func (r *Registry) NextCounter(tx *sql.Tx, partition string) (int64, error) {
	var counter int64
	err := tx.QueryRow(`
INSERT INTO instance_counters (instance_id, partition, counter)
VALUES (?, ?, 1)
ON CONFLICT (instance_id, partition) DO UPDATE SET counter = counter + 1
RETURNING counter`, r.instanceID, partition).Scan(&counter)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate counter for partition %s: %w", partition, err)
	}
	return counter, nil
}

// PartitionCounters returns this instance's counters for every partition
// under the given prefix, used when assembling the local sync frontier.
func (r *Registry) PartitionCounters(prefix string) (map[string]int64, error) {
	rows, err := r.db.Query(`
SELECT partition, counter FROM instance_counters
WHERE instance_id = ?1 AND (partition = ?2 OR partition LIKE ?2 || '/%')`,
		r.instanceID, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate counters under %s: %w", prefix, err)
	}
	defer rows.Close()

	counters := make(map[string]int64)
	for rows.Next() {
		var partition string
		var counter int64
		if err := rows.Scan(&partition, &counter); err != nil {
			return nil, err
		}
		counters[partition] = counter
	}
	return counters, rows.Err()
}

// CurrentCounter returns the last issued counter for a partition, zero if
// the partition has never been written locally.
func (r *Registry) CurrentCounter(partition string) (int64, error) {
	var counter int64
	err := r.db.QueryRow(
		`SELECT counter FROM instance_counters WHERE instance_id = ? AND partition = ?`,
		r.instanceID, partition,
	).Scan(&counter)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read counter for partition %s: %w", partition, err)
	}
	return counter, nil
}
