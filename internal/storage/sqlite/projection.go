package sqlite

import (
	"database/sql"
	"fmt"

	"github.com/evolu-sh/evolu-core/internal/changes"
	"github.com/evolu-sh/evolu-core/internal/evoluerr"
	"github.com/evolu-sh/evolu-core/internal/hlc"
	"github.com/evolu-sh/evolu-core/internal/storage"
)

// ensureUserTable creates table (with its three bookkeeping columns)
// if it does not already exist. Never drops or alters an existing one.
func (s *Store) ensureUserTable(tx *sql.Tx, table string) error {
	quoted, err := quoteIdent(table)
	if err != nil {
		return err
	}
	_, err = tx.Exec(fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id         TEXT PRIMARY KEY,
		created_at BLOB,
		updated_at BLOB,
		is_deleted INTEGER NOT NULL DEFAULT 0
	)`, quoted))
	if err != nil {
		return evoluerr.Wrap(evoluerr.KindStorage, "create user table", err)
	}
	return nil
}

// ensureColumn adds column to table if absent. SQLite has no
// "ADD COLUMN IF NOT EXISTS", so table_info is consulted first.
func (s *Store) ensureColumn(tx *sql.Tx, table, column string) error {
	if storage.ReservedColumns[column] {
		return nil
	}
	quotedTable, err := quoteIdent(table)
	if err != nil {
		return err
	}
	quotedColumn, err := quoteIdent(column)
	if err != nil {
		return err
	}

	rows, err := tx.Query(fmt.Sprintf(`PRAGMA table_info(%s)`, quotedTable))
	if err != nil {
		return evoluerr.Wrap(evoluerr.KindStorage, "inspect table schema", err)
	}
	exists := false
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt interface{}
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			rows.Close()
			return evoluerr.Wrap(evoluerr.KindStorage, "scan table schema", err)
		}
		if name == column {
			exists = true
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return evoluerr.Wrap(evoluerr.KindStorage, "iterate table schema", err)
	}
	if exists {
		return nil
	}

	if _, err := tx.Exec(fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s`, quotedTable, quotedColumn)); err != nil {
		return evoluerr.Wrap(evoluerr.KindStorage, "add column", err)
	}
	return nil
}

// recomputeColumn reads the current winner (highest timestamp) for
// (table, rowID, column) out of evolu_history and writes it into the
// projected user table, applying last-write-wins independent of the
// order messages were applied in.
func (s *Store) recomputeColumn(tx *sql.Tx, ownerID, table, rowID, column string) error {
	var kind int
	var vi sql.NullInt64
	var vf sql.NullFloat64
	var vt sql.NullString
	var vb []byte

	row := tx.QueryRow(
		`SELECT value_kind, value_int, value_float, value_text, value_blob
		 FROM evolu_history
		 WHERE owner_id = ? AND table_name = ? AND row_id = ? AND column_name = ?
		 ORDER BY timestamp DESC LIMIT 1`,
		ownerID, table, rowID, column,
	)
	switch err := row.Scan(&kind, &vi, &vf, &vt, &vb); {
	case err == sql.ErrNoRows:
		return nil
	case err != nil:
		return evoluerr.Wrap(evoluerr.KindStorage, "read latest column value", err)
	}

	value := scanValue(kind, vi, vf, vt, vb)

	quotedTable, err := quoteIdent(table)
	if err != nil {
		return err
	}
	quotedColumn, err := quoteIdent(column)
	if err != nil {
		return err
	}
	_, err = tx.Exec(fmt.Sprintf(`UPDATE %s SET %s = ? WHERE id = ?`, quotedTable, quotedColumn), sqlValue(value), rowID)
	if err != nil {
		return evoluerr.Wrap(evoluerr.KindStorage, "project column value", err)
	}
	return nil
}

// ListRows implements storage.Store.
func (s *Store) ListRows(table string, includeDeleted bool) ([]storage.Row, error) {
	quotedTable, err := quoteIdent(table)
	if err != nil {
		return nil, err
	}

	cols, err := s.userColumns(table)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT id, created_at, updated_at, is_deleted, %s FROM %s`, columnList(cols), quotedTable)
	if !includeDeleted {
		query += ` WHERE is_deleted = 0`
	}

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, evoluerr.Wrap(evoluerr.KindStorage, "list rows", err)
	}
	defer rows.Close()

	var out []storage.Row
	for rows.Next() {
		var id string
		var createdRaw, updatedRaw []byte
		var isDeleted int
		colVals := make([]interface{}, len(cols))
		scanTargets := append([]interface{}{&id, &createdRaw, &updatedRaw, &isDeleted}, colVals...)
		for i := range colVals {
			scanTargets[4+i] = &colVals[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return nil, evoluerr.Wrap(evoluerr.KindStorage, "scan row", err)
		}

		r := storage.Row{ID: id, IsDeleted: isDeleted != 0, Columns: make(map[string]changes.Value, len(cols))}
		if createdRaw != nil {
			if ts, err := hlc.UnmarshalBinaryTimestamp(createdRaw); err == nil {
				r.CreatedAt = ts
			}
		}
		if updatedRaw != nil {
			if ts, err := hlc.UnmarshalBinaryTimestamp(updatedRaw); err == nil {
				r.UpdatedAt = ts
			}
		}
		for i, col := range cols {
			r.Columns[col] = dynamicColumnValue(colVals[i])
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, evoluerr.Wrap(evoluerr.KindStorage, "iterate rows", err)
	}
	return out, nil
}

// dynamicColumnValue converts a value read out of a columnless-affinity
// SQLite column back into the sum type it was written from.
func dynamicColumnValue(v interface{}) changes.Value {
	switch t := v.(type) {
	case nil:
		return changes.NullValue()
	case int64:
		return changes.IntValue(t)
	case float64:
		return changes.FloatValue(t)
	case string:
		return changes.TextValue(t)
	case []byte:
		return changes.BlobValue(t)
	default:
		return changes.NullValue()
	}
}

// queryer is the subset of *sql.DB and *sql.Tx that table_info
// inspection needs, so userColumns can be read either outside a
// transaction (ListRows) or inside one already open for a mutation
// (Mutate, looking up its own table's declared-but-unset columns).
type queryer interface {
	Query(query string, args ...interface{}) (*sql.Rows, error)
}

func (s *Store) userColumns(table string) ([]string, error) {
	return userColumnsVia(s.db, table)
}

func (s *Store) userColumnsTx(tx *sql.Tx, table string) ([]string, error) {
	return userColumnsVia(tx, table)
}

func userColumnsVia(q queryer, table string) ([]string, error) {
	quotedTable, err := quoteIdent(table)
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(fmt.Sprintf(`PRAGMA table_info(%s)`, quotedTable))
	if err != nil {
		return nil, evoluerr.Wrap(evoluerr.KindStorage, "inspect table schema", err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt interface{}
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return nil, evoluerr.Wrap(evoluerr.KindStorage, "scan table schema", err)
		}
		if !storage.ReservedColumns[name] {
			cols = append(cols, name)
		}
	}
	return cols, rows.Err()
}

func columnList(cols []string) string {
	if len(cols) == 0 {
		return "1"
	}
	out := ""
	for i, c := range cols {
		quoted, err := quoteIdent(c)
		if err != nil {
			continue
		}
		if i > 0 {
			out += ", "
		}
		out += quoted
	}
	if out == "" {
		return "1"
	}
	return out
}
