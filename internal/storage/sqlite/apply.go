package sqlite

import (
	"github.com/evolu-sh/evolu-core/internal/changes"
	"github.com/evolu-sh/evolu-core/internal/evoluerr"
	"github.com/evolu-sh/evolu-core/internal/hlc"
)

// ApplyRemote implements storage.Store. It is idempotent (re-applying
// an already-seen message is a no-op, enforced by the history table's
// primary key), atomic (one transaction for the whole batch), and
// independent of input order: every touched (table, row, column) is
// recomputed from the full history after all inserts land, so it does
// not matter whether messages arrive in timestamp order.
func (s *Store) ApplyRemote(ownerID string, messages []changes.Message) error {
	if len(messages) == 0 {
		return nil
	}

	clock, err := s.Clock(ownerID)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return evoluerr.Wrap(evoluerr.KindStorage, "begin transaction", err)
	}
	defer tx.Rollback()

	type coordinate struct{ table, rowID, column string }
	touched := make(map[coordinate]bool)
	rows := make(map[string]bool) // table|rowID already ensured to exist

	timestamps := make([]hlc.Timestamp, 0, len(messages))
	newTimestamp := make(map[hlc.Timestamp]bool)
	for _, m := range messages {
		if err := s.ensureUserTable(tx, m.Table); err != nil {
			return err
		}
		rowKey := m.Table + "|" + m.RowID
		if !rows[rowKey] {
			if _, err := tx.Exec(`INSERT OR IGNORE INTO `+mustQuote(m.Table)+` (id) VALUES (?)`, m.RowID); err != nil {
				return evoluerr.Wrap(evoluerr.KindStorage, "ensure row exists", err)
			}
			rows[rowKey] = true
		}
		if err := s.ensureColumn(tx, m.Table, m.Column); err != nil {
			return err
		}

		kind, vi, vf, vt, vb := historyArgs(m.Value)
		res, err := tx.Exec(
			`INSERT OR IGNORE INTO evolu_history (owner_id, table_name, row_id, column_name, timestamp, value_kind, value_int, value_float, value_text, value_blob)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ownerID, m.Table, m.RowID, m.Column, m.Timestamp.MarshalBinary(), kind, vi, vf, vt, vb,
		)
		if err != nil {
			return evoluerr.Wrap(evoluerr.KindStorage, "append remote history", err)
		}
		// Only newly stored messages reach the Merkle tree, once per
		// timestamp: inserting a hash again would XOR it back out.
		if n, _ := res.RowsAffected(); n > 0 && !newTimestamp[m.Timestamp] {
			newTimestamp[m.Timestamp] = true
			timestamps = append(timestamps, m.Timestamp)
		}
		touched[coordinate{m.Table, m.RowID, m.Column}] = true
	}

	for c := range touched {
		if err := s.recomputeColumn(tx, ownerID, c.table, c.rowID, c.column); err != nil {
			return err
		}
	}

	if err := clock.ReceiveBatch(timestamps); err != nil {
		return err
	}
	if err := s.persistClock(tx, ownerID, clock.Now()); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return evoluerr.Wrap(evoluerr.KindStorage, "commit remote batch", err)
	}
	return nil
}
