package sqlite

import (
	"fmt"

	"github.com/evolu-sh/evolu-core/internal/changes"
	"github.com/evolu-sh/evolu-core/internal/evoluerr"
	"github.com/evolu-sh/evolu-core/internal/storage"
)

// Mutate implements storage.Store. Every message it produces - one per
// supplied column, plus one per declared-but-unset column on create,
// plus the bookkeeping columns - shares a single HLC timestamp issued
// once at the top of the call, so a mutate is indivisible from a
// replication standpoint: a peer either sees all of it or none of it
// at a given clock position. Everything is written in one SQLite
// transaction so a crash between history and projection writes can
// never be observed.
func (s *Store) Mutate(ownerID string, input storage.MutateInput) (string, []changes.Message, error) {
	if input.Table == "" {
		return "", nil, evoluerr.New(evoluerr.KindStorage, "mutate: table name is required")
	}

	rowID := input.RowID
	if rowID == "" {
		if input.Intent != storage.IntentCreate {
			return "", nil, evoluerr.New(evoluerr.KindStorage, "mutate: row id is required for update/delete")
		}
		id, err := changes.NewRowID()
		if err != nil {
			return "", nil, evoluerr.Wrap(evoluerr.KindStorage, "generate row id", err)
		}
		rowID = id
	}

	values := input.Values
	if input.Intent == storage.IntentDelete {
		values = map[string]changes.Value{"is_deleted": changes.IntValue(1)}
	}
	for col := range values {
		if storage.ReservedColumns[col] && col != "is_deleted" {
			return "", nil, evoluerr.New(evoluerr.KindStorage, fmt.Sprintf("mutate: column %q is reserved", col))
		}
	}

	clock, err := s.Clock(ownerID)
	if err != nil {
		return "", nil, err
	}
	ts, err := clock.Send()
	if err != nil {
		return "", nil, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return "", nil, evoluerr.Wrap(evoluerr.KindStorage, "begin transaction", err)
	}
	defer tx.Rollback()

	if err := s.ensureUserTable(tx, input.Table); err != nil {
		return "", nil, err
	}
	if _, err := tx.Exec(fmt.Sprintf(`INSERT OR IGNORE INTO %s (id) VALUES (?)`, mustQuote(input.Table)), rowID); err != nil {
		return "", nil, evoluerr.Wrap(evoluerr.KindStorage, "ensure row exists", err)
	}

	messages := make([]changes.Message, 0, len(values)+3)
	writeColumn := func(column string, value changes.Value) error {
		if err := s.ensureColumn(tx, input.Table, column); err != nil {
			return err
		}
		kind, vi, vf, vt, vb := historyArgs(value)
		if _, err := tx.Exec(
			`INSERT INTO evolu_history (owner_id, table_name, row_id, column_name, timestamp, value_kind, value_int, value_float, value_text, value_blob)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ownerID, input.Table, rowID, column, ts.MarshalBinary(), kind, vi, vf, vt, vb,
		); err != nil {
			return evoluerr.Wrap(evoluerr.KindStorage, "append history", err)
		}
		if err := s.recomputeColumn(tx, ownerID, input.Table, rowID, column); err != nil {
			return err
		}
		messages = append(messages, changes.Message{
			Timestamp: ts,
			Table:     input.Table,
			RowID:     rowID,
			Column:    column,
			Value:     value,
		})
		return nil
	}

	for column, value := range values {
		if err := writeColumn(column, value); err != nil {
			return "", nil, err
		}
	}

	if input.Intent == storage.IntentCreate {
		declared, err := s.userColumnsTx(tx, input.Table)
		if err != nil {
			return "", nil, err
		}
		for _, column := range declared {
			if _, supplied := values[column]; supplied {
				continue
			}
			if err := writeColumn(column, changes.NullValue()); err != nil {
				return "", nil, err
			}
		}
		if err := writeColumn("created_at", changes.BlobValue(ts.MarshalBinary())); err != nil {
			return "", nil, err
		}
	}
	if err := writeColumn("updated_at", changes.BlobValue(ts.MarshalBinary())); err != nil {
		return "", nil, err
	}

	if err := s.persistClock(tx, ownerID, clock.Now()); err != nil {
		return "", nil, err
	}

	if err := tx.Commit(); err != nil {
		return "", nil, evoluerr.Wrap(evoluerr.KindStorage, "commit mutation", err)
	}
	return rowID, messages, nil
}

func mustQuote(name string) string {
	q, err := quoteIdent(name)
	if err != nil {
		// Mutate validates table/column names before reaching callers of
		// mustQuote, so this indicates a logic error, not user input.
		panic(err)
	}
	return q
}
