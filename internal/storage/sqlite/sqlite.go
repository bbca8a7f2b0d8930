// Package sqlite implements storage.Store on top of database/sql and
// github.com/mattn/go-sqlite3: one *sql.DB, schema bootstrap on open,
// and transactional batches for every write path.
package sqlite

import (
	"database/sql"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/evolu-sh/evolu-core/internal/evoluerr"
	"github.com/evolu-sh/evolu-core/internal/hlc"
)

const schema = `
CREATE TABLE IF NOT EXISTS evolu_device (
	singleton INTEGER PRIMARY KEY CHECK (singleton = 1),
	node_id   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS evolu_owner (
	owner_id       TEXT PRIMARY KEY,
	type           TEXT NOT NULL,
	encryption_key BLOB NOT NULL,
	write_key      BLOB NOT NULL,
	mnemonic       TEXT
);

CREATE TABLE IF NOT EXISTS evolu_clock (
	owner_id    TEXT PRIMARY KEY,
	timestamp   BLOB NOT NULL,
	merkle_tree BLOB
);

CREATE TABLE IF NOT EXISTS evolu_history (
	owner_id      TEXT NOT NULL,
	table_name    TEXT NOT NULL,
	row_id        TEXT NOT NULL,
	column_name   TEXT NOT NULL,
	timestamp     BLOB NOT NULL,
	value_kind    INTEGER NOT NULL,
	value_int     INTEGER,
	value_float   REAL,
	value_text    TEXT,
	value_blob    BLOB,
	PRIMARY KEY (owner_id, table_name, row_id, column_name, timestamp)
);

CREATE INDEX IF NOT EXISTS evolu_history_coord_ts
	ON evolu_history (owner_id, table_name, row_id, column_name, timestamp DESC);

CREATE INDEX IF NOT EXISTS evolu_history_owner_ts
	ON evolu_history (owner_id, timestamp);
`

// Store is the SQLite-backed storage.Store.
type Store struct {
	db   *sql.DB
	node hlc.NodeID

	mu     sync.Mutex
	clocks map[string]*hlc.Clock
}

// Open opens (creating if absent) the SQLite database at path and
// bootstraps its schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, evoluerr.Wrap(evoluerr.KindStorage, "open database", err)
	}
	db.SetMaxOpenConns(1) // sqlite3 driver is not safe for concurrent writers

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, evoluerr.Wrap(evoluerr.KindStorage, "bootstrap schema", err)
	}

	s := &Store{db: db, clocks: make(map[string]*hlc.Clock)}
	if err := s.ensureDevice(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureDevice() error {
	var nodeHex string
	err := s.db.QueryRow(`SELECT node_id FROM evolu_device WHERE singleton = 1`).Scan(&nodeHex)
	switch {
	case err == sql.ErrNoRows:
		node, genErr := hlc.NewNodeID()
		if genErr != nil {
			return evoluerr.Wrap(evoluerr.KindStorage, "generate node id", genErr)
		}
		if _, execErr := s.db.Exec(`INSERT INTO evolu_device (singleton, node_id) VALUES (1, ?)`, node.String()); execErr != nil {
			return evoluerr.Wrap(evoluerr.KindStorage, "persist node id", execErr)
		}
		s.node = node
		return nil
	case err != nil:
		return evoluerr.Wrap(evoluerr.KindStorage, "load node id", err)
	default:
		node, parseErr := hlc.ParseNodeID(nodeHex)
		if parseErr != nil {
			return evoluerr.Wrap(evoluerr.KindStorage, "parse persisted node id", parseErr)
		}
		s.node = node
		return nil
	}
}

// NodeID returns this device's persistent HLC node identifier.
func (s *Store) NodeID() hlc.NodeID { return s.node }

// RegisterOwner inserts an owner's key material if it is not already
// present; a no-op otherwise, so callers can idempotently ensure an
// owner row exists before mutating.
func (s *Store) RegisterOwner(ownerID, ownerType string, encryptionKey, writeKey []byte, mnemonic string) error {
	_, err := s.db.Exec(
		`INSERT INTO evolu_owner (owner_id, type, encryption_key, write_key, mnemonic)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(owner_id) DO NOTHING`,
		ownerID, ownerType, encryptionKey, writeKey, nullableString(mnemonic),
	)
	if err != nil {
		return evoluerr.Wrap(evoluerr.KindStorage, "register owner", err)
	}
	return nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clocks = nil
	if err := s.db.Close(); err != nil {
		return evoluerr.Wrap(evoluerr.KindStorage, "close database", err)
	}
	return nil
}
