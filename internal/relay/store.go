// Package relay implements the multi-tenant message store and
// WebSocket fan-out server: a relay never decrypts; it only enforces
// size limits, write-key possession, and drift-bounded timestamp
// acceptance.
package relay

import (
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/evolu-sh/evolu-core/internal/crypto"
	"github.com/evolu-sh/evolu-core/internal/evoluerr"
	"github.com/evolu-sh/evolu-core/internal/hlc"
	"github.com/evolu-sh/evolu-core/internal/protocol"
)

const schema = `
CREATE TABLE IF NOT EXISTS relay_owner (
	owner_id   TEXT PRIMARY KEY,
	write_key  BLOB NOT NULL,
	first_seen INTEGER NOT NULL,
	last_seen  INTEGER NOT NULL,
	usage_bytes INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS relay_message (
	owner_id   TEXT NOT NULL,
	timestamp  BLOB NOT NULL,
	nonce      BLOB NOT NULL,
	ciphertext BLOB NOT NULL,
	minute_index INTEGER NOT NULL,
	PRIMARY KEY (owner_id, timestamp)
);

CREATE INDEX IF NOT EXISTS relay_message_owner_minute
	ON relay_message (owner_id, minute_index, timestamp);
`

// Store is the relay's SQLite-backed message and owner registry.
type Store struct {
	db *sql.DB
}

// Open bootstraps the relay database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL")
	if err != nil {
		return nil, evoluerr.Wrap(evoluerr.KindStorage, "open relay database", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, evoluerr.Wrap(evoluerr.KindStorage, "bootstrap relay schema", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Authorize checks write-key possession: if ownerID is unseen, it is
// registered with writeKey; if known, writeKey must be ct_eq to the
// one on file. now is injected so tests can control first/last seen
// bookkeeping without depending on wall clock.
func (s *Store) Authorize(ownerID string, writeKey [16]byte, now time.Time) (bool, error) {
	var stored []byte
	err := s.db.QueryRow(`SELECT write_key FROM relay_owner WHERE owner_id = ?`, ownerID).Scan(&stored)
	switch {
	case err == sql.ErrNoRows:
		_, err := s.db.Exec(
			`INSERT INTO relay_owner (owner_id, write_key, first_seen, last_seen) VALUES (?, ?, ?, ?)`,
			ownerID, writeKey[:], now.UnixMilli(), now.UnixMilli(),
		)
		if err != nil {
			return false, evoluerr.Wrap(evoluerr.KindStorage, "register owner", err)
		}
		return true, nil
	case err != nil:
		return false, evoluerr.Wrap(evoluerr.KindStorage, "load owner", err)
	default:
		if !crypto.CtEq(stored, writeKey[:]) {
			return false, nil
		}
		if _, err := s.db.Exec(`UPDATE relay_owner SET last_seen = ? WHERE owner_id = ?`, now.UnixMilli(), ownerID); err != nil {
			return false, evoluerr.Wrap(evoluerr.KindStorage, "update last seen", err)
		}
		return true, nil
	}
}

// RotateWriteKey atomically rotates an owner's write key: oldKey
// must currently be on file, and it is replaced with newKey in one
// statement.
func (s *Store) RotateWriteKey(ownerID string, oldKey, newKey [16]byte) error {
	var stored []byte
	err := s.db.QueryRow(`SELECT write_key FROM relay_owner WHERE owner_id = ?`, ownerID).Scan(&stored)
	if err != nil {
		return evoluerr.Wrap(evoluerr.KindUnauthorized, "rotate write key: owner not found", err)
	}
	if !crypto.CtEq(stored, oldKey[:]) {
		return evoluerr.New(evoluerr.KindUnauthorized, "rotate write key: old key mismatch")
	}
	if _, err := s.db.Exec(
		`UPDATE relay_owner SET write_key = ?, last_seen = ? WHERE owner_id = ?`,
		newKey[:], time.Now().UnixMilli(), ownerID,
	); err != nil {
		return evoluerr.Wrap(evoluerr.KindStorage, "persist rotated write key", err)
	}
	return nil
}

// InsertMessages stores items idempotently on (owner_id, timestamp)
// and returns the subset that were newly inserted, for fan-out.
func (s *Store) InsertMessages(ownerID string, items []protocol.Item) ([]protocol.Item, error) {
	if len(items) == 0 {
		return nil, nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return nil, evoluerr.Wrap(evoluerr.KindStorage, "begin transaction", err)
	}
	defer tx.Rollback()

	var usageDelta int64
	var inserted []protocol.Item
	for _, item := range items {
		tsBlob := timestampKey(item.Timestamp)
		res, err := tx.Exec(
			`INSERT OR IGNORE INTO relay_message (owner_id, timestamp, nonce, ciphertext, minute_index) VALUES (?, ?, ?, ?, ?)`,
			ownerID, tsBlob, item.Nonce, item.Ciphertext, item.Timestamp.MinuteIndex(),
		)
		if err != nil {
			return nil, evoluerr.Wrap(evoluerr.KindStorage, "insert message", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted = append(inserted, item)
			usageDelta += int64(len(item.Nonce) + len(item.Ciphertext))
		}
	}
	if usageDelta > 0 {
		if _, err := tx.Exec(`UPDATE relay_owner SET usage_bytes = usage_bytes + ? WHERE owner_id = ?`, usageDelta, ownerID); err != nil {
			return nil, evoluerr.Wrap(evoluerr.KindStorage, "update usage", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, evoluerr.Wrap(evoluerr.KindStorage, "commit messages", err)
	}
	return inserted, nil
}

// MessagesInRanges returns stored messages for ownerID whose
// minute-index falls in any of ranges, in timestamp order within each
// range, stopping once maxItems are collected (no limit when maxItems
// <= 0). Messages are not filtered by what the requester already
// holds: the same ranges return the same messages every time.
func (s *Store) MessagesInRanges(ownerID string, ranges []protocol.Range, maxItems int) ([]protocol.Item, error) {
	if len(ranges) == 0 {
		return nil, nil
	}
	var out []protocol.Item
	for _, r := range ranges {
		rows, err := s.db.Query(
			`SELECT timestamp, nonce, ciphertext FROM relay_message
			 WHERE owner_id = ? AND minute_index >= ? AND minute_index <= ?
			 ORDER BY timestamp ASC`,
			ownerID, r.FromMinute, r.ToMinute,
		)
		if err != nil {
			return nil, evoluerr.Wrap(evoluerr.KindStorage, "query range", err)
		}
		for rows.Next() {
			var tsBlob, nonce, cipher []byte
			if err := rows.Scan(&tsBlob, &nonce, &cipher); err != nil {
				rows.Close()
				return nil, evoluerr.Wrap(evoluerr.KindStorage, "scan message", err)
			}
			ts, err := hlc.UnmarshalBinaryTimestamp(tsBlob)
			if err != nil {
				rows.Close()
				return nil, evoluerr.Wrap(evoluerr.KindStorage, "decode message timestamp", err)
			}
			out = append(out, protocol.Item{Timestamp: ts, Nonce: nonce, Ciphertext: cipher})
			if maxItems > 0 && len(out) >= maxItems {
				break
			}
		}
		rows.Close()
		if maxItems > 0 && len(out) >= maxItems {
			break
		}
	}
	return out, nil
}

// UsageBytes returns ownerID's cumulative stored-message size, backing
// the out-of-band usage endpoint pkg/evolu's OnUsage polls.
func (s *Store) UsageBytes(ownerID string) (int64, error) {
	var usage int64
	err := s.db.QueryRow(`SELECT usage_bytes FROM relay_owner WHERE owner_id = ?`, ownerID).Scan(&usage)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, evoluerr.Wrap(evoluerr.KindStorage, "load usage", err)
	}
	return usage, nil
}

// timestampKey adapts a wire Timestamp (8B millis on the wire) to the
// compact 16-byte on-disk form also used by internal/storage/sqlite,
// so relay_message rows sort correctly by byte comparison.
func timestampKey(t hlc.Timestamp) []byte {
	return t.MarshalBinary()
}
