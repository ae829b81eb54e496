package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/calyptra/driftsync/internal/instance"
	"github.com/calyptra/driftsync/internal/model"
	"github.com/calyptra/driftsync/internal/syncerrors"
	"github.com/calyptra/driftsync/internal/validation"
)

// Resolver merges an incoming record with whatever the store already
// holds for the same key. A nil existing record means first sight.
type Resolver interface {
	Merge(existing *model.Record, incoming model.Record) (model.Record, error)
}

// Store is the versioned record repository. Every write is stamped with
// this node's instance id and the next counter for the record's
// partition; remote records enter only through ApplyChunk, which merges
// them through the Resolver and advances the max-counter watermarks in
// the same transaction.
type Store struct {
	db        *sql.DB
	registry  *instance.Registry
	resolver  Resolver
	validator *validation.Validator
	cache     *lru.Cache[string, model.Record]
	dmc       *MaxCounters
	logger    *zap.Logger
}

// NewStore creates the store, its tables, and the read cache.
func NewStore(db *sql.DB, registry *instance.Registry, resolver Resolver, cacheSize int, logger *zap.Logger) (*Store, error) {
	if err := initStoreSchema(db); err != nil {
		return nil, err
	}
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	cache, err := lru.New[string, model.Record](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create record cache: %w", err)
	}
	return &Store{
		db:        db,
		registry:  registry,
		resolver:  resolver,
		validator: validation.NewValidator(),
		cache:     cache,
		dmc:       &MaxCounters{db: db, logger: logger},
		logger:    logger,
	}, nil
}

// MaxCounters exposes the watermark table shared with the session layer.
func (s *Store) MaxCounters() *MaxCounters {
	return s.dmc
}

// Write stores a locally-originated record, stamping it with this
// instance's next counter for the partition. Counter allocation and the
// record write commit in one transaction.
func (s *Store) Write(key string, payload []byte, partition string) (*model.Record, error) {
	if err := s.validator.ValidateWrite(key, partition, payload); err != nil {
		return nil, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, syncerrors.Internal("failed to begin write transaction", err)
	}
	defer tx.Rollback()

	counter, err := s.registry.NextCounter(tx, partition)
	if err != nil {
		return nil, syncerrors.Internal("counter allocation failed", err)
	}

	rec := model.Record{
		Key:       key,
		Partition: partition,
		Payload:   payload,
		Version:   model.Version{InstanceID: s.registry.InstanceID(), Counter: counter},
	}
	if err := putRecordTx(tx, rec); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, syncerrors.Internal("failed to commit write", err)
	}

	s.cache.Add(key, rec)
	s.logger.Debug("Record written",
		zap.String("key", key),
		zap.String("partition", partition),
		zap.Int64("counter", counter))
	return &rec, nil
}

// Read returns the record for a key, or a NotFound error.
func (s *Store) Read(key string) (*model.Record, error) {
	if rec, ok := s.cache.Get(key); ok {
		return &rec, nil
	}

	rec, err := readRecordRow(s.db.QueryRow(
		`SELECT key, partition, payload, instance_id, counter, deleted, conflicts FROM records WHERE key = ?`, key), key)
	if err != nil {
		return nil, err
	}
	s.cache.Add(key, *rec)
	return rec, nil
}

// Tombstone marks a record deleted under a fresh local version. The
// lineage survives so the delete propagates through sync instead of
// being resurrected by peers holding stale live copies.
func (s *Store) Tombstone(key string) (*model.Record, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, syncerrors.Internal("failed to begin tombstone transaction", err)
	}
	defer tx.Rollback()

	existing, err := readRecordRow(tx.QueryRow(
		`SELECT key, partition, payload, instance_id, counter, deleted, conflicts FROM records WHERE key = ?`, key), key)
	if err != nil {
		return nil, err
	}

	counter, err := s.registry.NextCounter(tx, existing.Partition)
	if err != nil {
		return nil, syncerrors.Internal("counter allocation failed", err)
	}

	rec := model.Record{
		Key:       key,
		Partition: existing.Partition,
		Version:   model.Version{InstanceID: s.registry.InstanceID(), Counter: counter},
		Deleted:   true,
	}
	if err := putRecordTx(tx, rec); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, syncerrors.Internal("failed to commit tombstone", err)
	}

	s.cache.Add(key, rec)
	s.logger.Debug("Record tombstoned",
		zap.String("key", key),
		zap.String("partition", existing.Partition),
		zap.Int64("counter", counter))
	return &rec, nil
}

// Partitions lists the distinct partitions under a prefix that hold any
// records or watermarks.
func (s *Store) Partitions(prefix string) ([]string, error) {
	rows, err := s.db.Query(`
SELECT partition FROM records WHERE partition = ?1 OR partition LIKE ?1 || '/%'
UNION
SELECT partition FROM database_max_counters WHERE partition = ?1 OR partition LIKE ?1 || '/%'
ORDER BY 1`, prefix)
	if err != nil {
		return nil, syncerrors.Internal("failed to enumerate partitions", err)
	}
	defer rows.Close()

	var partitions []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		partitions = append(partitions, p)
	}
	return partitions, rows.Err()
}

// Count returns the number of live records, for health reporting.
func (s *Store) Count() (int64, error) {
	var n int64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM records WHERE deleted = 0`).Scan(&n); err != nil {
		return 0, syncerrors.Internal("failed to count records", err)
	}
	return n, nil
}

// LocalFrontier reports, per partition under the prefix, the highest
// counter this node holds per originating instance: its own counters
// from the instance registry plus the max-counter watermarks recorded
// for remote instances. This is the frontier sent to a peer during
// diffing.
func (s *Store) LocalFrontier(prefix string) (map[string]model.Frontier, error) {
	frontiers, err := s.dmc.Watermarks(prefix)
	if err != nil {
		return nil, err
	}

	local, err := s.registry.PartitionCounters(prefix)
	if err != nil {
		return nil, syncerrors.Internal("failed to read local counters", err)
	}
	instanceID := s.registry.InstanceID()
	for partition, counter := range local {
		f, ok := frontiers[partition]
		if !ok {
			f = model.Frontier{}
			frontiers[partition] = f
		}
		f.Observe(model.Version{InstanceID: instanceID, Counter: counter})
	}
	return frontiers, nil
}

// DeltaPage returns up to limit records in a partition whose lineage the
// remote frontier does not cover, resuming from cursor. Records stream
// in (instance id, counter) order so watermark advancement on the
// receiving side never skips over unacknowledged data. The returned
// cursor resumes the scan; done reports that the partition is exhausted.
// Each page reads from a single statement, so it sees a consistent
// snapshot without blocking concurrent writers.
func (s *Store) DeltaPage(partition string, remote model.Frontier, cursor model.Version, limit int) ([]model.Record, model.Version, bool, error) {
	if limit <= 0 {
		limit = 500
	}

	page := make([]model.Record, 0, limit)
	for {
		rows, err := s.db.Query(`
SELECT key, partition, payload, instance_id, counter, deleted, conflicts
FROM records
WHERE partition = ? AND (instance_id, counter) > (?, ?)
ORDER BY instance_id, counter
LIMIT ?`, partition, cursor.InstanceID, cursor.Counter, limit)
		if err != nil {
			return nil, cursor, false, syncerrors.Internal("delta query failed", err)
		}

		scanned := 0
		for rows.Next() {
			rec, err := scanRecord(rows)
			if err != nil {
				rows.Close()
				return nil, cursor, false, err
			}
			scanned++
			cursor = rec.Version
			if coveredByFrontier(remote, rec) {
				continue
			}
			page = append(page, *rec)
			if len(page) == limit {
				rows.Close()
				return page, cursor, false, nil
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, cursor, false, syncerrors.Internal("delta scan failed", err)
		}
		rows.Close()

		if scanned < limit {
			return page, cursor, true, nil
		}
	}
}

// coveredByFrontier reports whether the remote frontier accounts for
// every version the record carries, the winner and any retained
// conflicts. A record whose winner the peer already holds still travels
// when a conflict entry is news to them, so conflict sets converge on
// both sides.
func coveredByFrontier(remote model.Frontier, rec *model.Record) bool {
	if !remote.Covers(rec.Version) {
		return false
	}
	for _, c := range rec.Conflicts {
		if !remote.Covers(c.Version) {
			return false
		}
	}
	return true
}

// ApplyChunk merges a chunk of incoming records into the store and
// advances the max-counter watermarks, all in one transaction. Partial
// application never happens; retrying a failed chunk is safe because the
// resolver is idempotent.
func (s *Store) ApplyChunk(partition string, records []model.Record) error {
	tx, err := s.db.Begin()
	if err != nil {
		return syncerrors.Internal("failed to begin apply transaction", err)
	}
	defer tx.Rollback()

	for _, incoming := range records {
		if incoming.Partition != partition {
			return syncerrors.InvalidPartition(incoming.Partition,
				fmt.Sprintf("record key %s does not belong to chunk partition %s", incoming.Key, partition))
		}

		existing, err := s.readRecordTx(tx, incoming.Key)
		if err != nil && syncerrors.GetCode(err) != syncerrors.ErrCodeNotFound {
			return err
		}

		merged, err := s.resolver.Merge(existing, incoming)
		if err != nil {
			return err
		}
		if err := putRecordTx(tx, merged); err != nil {
			return err
		}
		if err := s.dmc.advanceTx(tx, partition, incoming.Version.InstanceID, incoming.Version.Counter); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return syncerrors.Internal("failed to commit chunk", err)
	}

	for _, rec := range records {
		s.cache.Remove(rec.Key)
	}
	return nil
}

func (s *Store) readRecordTx(tx *sql.Tx, key string) (*model.Record, error) {
	return readRecordRow(tx.QueryRow(
		`SELECT key, partition, payload, instance_id, counter, deleted, conflicts FROM records WHERE key = ?`, key), key)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func readRecordRow(row *sql.Row, key string) (*model.Record, error) {
	rec, err := scanRecord(row)
	if err != nil {
		if syncerrors.GetCode(err) == syncerrors.ErrCodeNotFound {
			return nil, syncerrors.NotFound(key)
		}
		return nil, err
	}
	return rec, nil
}

func scanRecord(row rowScanner) (*model.Record, error) {
	var rec model.Record
	var deleted int
	var conflicts []byte
	err := row.Scan(&rec.Key, &rec.Partition, &rec.Payload, &rec.Version.InstanceID, &rec.Version.Counter, &deleted, &conflicts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, syncerrors.NotFound("record")
	}
	if err != nil {
		return nil, syncerrors.Internal("failed to scan record", err)
	}
	rec.Deleted = deleted != 0
	if len(conflicts) > 0 {
		if err := json.Unmarshal(conflicts, &rec.Conflicts); err != nil {
			return nil, syncerrors.Internal("failed to decode conflicting versions", err)
		}
	}
	return &rec, nil
}

func putRecordTx(tx *sql.Tx, rec model.Record) error {
	var conflicts []byte
	if len(rec.Conflicts) > 0 {
		var err error
		conflicts, err = json.Marshal(rec.Conflicts)
		if err != nil {
			return syncerrors.Internal("failed to encode conflicting versions", err)
		}
	}
	deleted := 0
	if rec.Deleted {
		deleted = 1
	}
	_, err := tx.Exec(`
INSERT INTO records (key, partition, payload, instance_id, counter, deleted, conflicts)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (key) DO UPDATE SET
	partition = excluded.partition,
	payload = excluded.payload,
	instance_id = excluded.instance_id,
	counter = excluded.counter,
	deleted = excluded.deleted,
	conflicts = excluded.conflicts`,
		rec.Key, rec.Partition, rec.Payload, rec.Version.InstanceID, rec.Version.Counter, deleted, conflicts)
	if err != nil {
		return syncerrors.Internal(fmt.Sprintf("failed to store record %s", rec.Key), err)
	}
	return nil
}
