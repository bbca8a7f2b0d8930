package sqlite

import (
	"database/sql"
	"encoding/base64"
	"fmt"
	"os"

	"github.com/evolu-sh/evolu-core/internal/changes"
	"github.com/evolu-sh/evolu-core/internal/evoluerr"
	"github.com/evolu-sh/evolu-core/internal/hlc"
	"github.com/evolu-sh/evolu-core/internal/storage"
)

// EnsureSchema implements storage.Store: it idempotently creates any
// table or column an application's schema declares, in one
// transaction, never dropping anything that already exists.
func (s *Store) EnsureSchema(tables map[string][]string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return evoluerr.Wrap(evoluerr.KindStorage, "begin transaction", err)
	}
	defer tx.Rollback()

	for table, columns := range tables {
		if err := s.ensureUserTable(tx, table); err != nil {
			return err
		}
		for _, column := range columns {
			if err := s.ensureColumn(tx, table, column); err != nil {
				return err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return evoluerr.Wrap(evoluerr.KindStorage, "commit schema", err)
	}
	return nil
}

// LoadMessagesSince implements storage.Store. Results are ordered by
// timestamp ascending so a caller can resume from nextCursor; an empty
// nextCursor means there is nothing more to read.
func (s *Store) LoadMessagesSince(ownerID string, minMillis uint64, exclude []hlc.Timestamp, cursor string, limit int) ([]changes.Message, string, error) {
	lowerBound := hlc.Timestamp{Millis: minMillis}.MarshalBinary()
	op := ">="
	if cursor != "" {
		decoded, err := base64.StdEncoding.DecodeString(cursor)
		if err != nil {
			return nil, "", evoluerr.Wrap(evoluerr.KindStorage, "decode cursor", err)
		}
		lowerBound = decoded
		op = ">"
	}

	excludeSet := make(map[string]bool, len(exclude))
	for _, ts := range exclude {
		excludeSet[string(ts.MarshalBinary())] = true
	}

	query := fmt.Sprintf(
		`SELECT table_name, row_id, column_name, timestamp, value_kind, value_int, value_float, value_text, value_blob
		 FROM evolu_history WHERE owner_id = ? AND timestamp %s ? ORDER BY timestamp ASC`, op)
	rows, err := s.db.Query(query, ownerID, lowerBound)
	if err != nil {
		return nil, "", evoluerr.Wrap(evoluerr.KindStorage, "load messages", err)
	}
	defer rows.Close()

	var out []changes.Message
	var rawTimestamps [][]byte
	for rows.Next() {
		var table, rowID, column string
		var raw []byte
		var kind int
		var vi sql.NullInt64
		var vf sql.NullFloat64
		var vt sql.NullString
		var vb []byte
		if err := rows.Scan(&table, &rowID, &column, &raw, &kind, &vi, &vf, &vt, &vb); err != nil {
			return nil, "", evoluerr.Wrap(evoluerr.KindStorage, "scan message", err)
		}
		if excludeSet[string(raw)] {
			continue
		}
		ts, err := hlc.UnmarshalBinaryTimestamp(raw)
		if err != nil {
			return nil, "", evoluerr.Wrap(evoluerr.KindStorage, "decode message timestamp", err)
		}
		out = append(out, changes.Message{
			Timestamp: ts,
			Table:     table,
			RowID:     rowID,
			Column:    column,
			Value:     scanValue(kind, vi, vf, vt, vb),
		})
		rawTimestamps = append(rawTimestamps, raw)
		// Fetch one extra row past limit so the loop itself can tell
		// whether there is more data, without a second round trip.
		if limit > 0 && len(out) > limit {
			out = out[:limit]
			rawTimestamps = rawTimestamps[:limit]
			nextCursor := base64.StdEncoding.EncodeToString(rawTimestamps[limit-1])
			return out, nextCursor, rows.Err()
		}
	}
	if err := rows.Err(); err != nil {
		return nil, "", evoluerr.Wrap(evoluerr.KindStorage, "iterate messages", err)
	}
	return out, "", nil
}

// Export implements storage.Store using SQLite's VACUUM INTO, the same
// mechanism sqlite3's own .backup command uses, to produce a
// consistent snapshot without locking out concurrent readers.
func (s *Store) Export() ([]byte, error) {
	tmp, err := os.CreateTemp("", "evolu-export-*.db")
	if err != nil {
		return nil, evoluerr.Wrap(evoluerr.KindStorage, "create export tempfile", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	os.Remove(tmpPath) // VACUUM INTO requires the target not to exist
	defer os.Remove(tmpPath)

	if _, err := s.db.Exec(`VACUUM INTO ?`, tmpPath); err != nil {
		return nil, evoluerr.Wrap(evoluerr.KindStorage, "vacuum into export file", err)
	}

	data, err := os.ReadFile(tmpPath)
	if err != nil {
		return nil, evoluerr.Wrap(evoluerr.KindStorage, "read export file", err)
	}
	return data, nil
}

// ResetOwner implements storage.Store. Each local database belongs to
// exactly one AppOwner for the device's whole lifetime, so resetting
// that owner's identity means starting the local log over:
// every user table and the evolu_owner, evolu_clock and evolu_history
// tables are dropped - for every owner in the database, not only
// ownerID - and the core tables are recreated empty. evolu_device (the
// node id) survives so the fresh owner still gets a stable HLC node.
func (s *Store) ResetOwner(ownerID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return evoluerr.Wrap(evoluerr.KindStorage, "begin transaction", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' AND name NOT IN ('evolu_device')`)
	if err != nil {
		return evoluerr.Wrap(evoluerr.KindStorage, "list tables", err)
	}
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return evoluerr.Wrap(evoluerr.KindStorage, "scan table name", err)
		}
		tables = append(tables, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return evoluerr.Wrap(evoluerr.KindStorage, "iterate tables", err)
	}

	for _, table := range tables {
		quoted, err := quoteIdent(table)
		if err != nil {
			continue // not an identifier we created; leave it alone
		}
		if _, err := tx.Exec(`DROP TABLE ` + quoted); err != nil {
			return evoluerr.Wrap(evoluerr.KindStorage, "drop table", err)
		}
	}
	if _, err := tx.Exec(schema); err != nil {
		return evoluerr.Wrap(evoluerr.KindStorage, "recreate core tables", err)
	}

	if err := tx.Commit(); err != nil {
		return evoluerr.Wrap(evoluerr.KindStorage, "commit reset", err)
	}

	s.mu.Lock()
	s.clocks = make(map[string]*hlc.Clock)
	s.mu.Unlock()

	return nil
}

var _ storage.Store = (*Store)(nil)
