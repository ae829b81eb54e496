package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// OpenDatabase opens (creating if necessary) the node database with the
// pragmas the sync engine relies on: WAL for snapshot reads during diff
// computation, foreign keys, and a busy timeout so concurrent sessions
// queue on the single writer instead of failing.
func OpenDatabase(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

const storeSchema = `
CREATE TABLE IF NOT EXISTS records (
	key         TEXT PRIMARY KEY,
	partition   TEXT    NOT NULL,
	payload     BLOB,
	instance_id TEXT    NOT NULL,
	counter     INTEGER NOT NULL,
	deleted     INTEGER NOT NULL DEFAULT 0,
	conflicts   BLOB
);
CREATE INDEX IF NOT EXISTS idx_records_lineage
	ON records (partition, instance_id, counter);

CREATE TABLE IF NOT EXISTS database_max_counters (
	partition   TEXT    NOT NULL,
	instance_id TEXT    NOT NULL,
	counter     INTEGER NOT NULL,
	PRIMARY KEY (partition, instance_id)
);

CREATE TABLE IF NOT EXISTS buffer (
	session_id  TEXT    NOT NULL,
	partition   TEXT    NOT NULL,
	position    INTEGER NOT NULL,
	key         TEXT    NOT NULL,
	payload     BLOB,
	instance_id TEXT    NOT NULL,
	counter     INTEGER NOT NULL,
	deleted     INTEGER NOT NULL DEFAULT 0,
	conflicts   BLOB,
	PRIMARY KEY (session_id, partition, position)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_buffer_record
	ON buffer (session_id, partition, key);
`

func initStoreSchema(db *sql.DB) error {
	if _, err := db.Exec(storeSchema); err != nil {
		return fmt.Errorf("failed to create store tables: %w", err)
	}
	return nil
}
