package sqlite

import (
	"database/sql"

	"github.com/evolu-sh/evolu-core/internal/evoluerr"
	"github.com/evolu-sh/evolu-core/internal/hlc"
)

// Clock returns the HLC clock for ownerID, loading its last timestamp
// from evolu_clock and rebuilding its Merkle tree from the distinct
// timestamps in evolu_history on first access. The tree is never
// serialized to disk: it is a pure index over the history log, so
// replaying that log on load is both simpler and immune to the tree
// and log ever drifting out of sync. The messages of one mutate share
// a timestamp, and Send and ApplyRemote insert each timestamp once, so
// the replay inserts each distinct timestamp once as well.
func (s *Store) Clock(ownerID string) (*hlc.Clock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.clocks[ownerID]; ok {
		return c, nil
	}

	var tsBlob []byte
	err := s.db.QueryRow(`SELECT timestamp FROM evolu_clock WHERE owner_id = ?`, ownerID).Scan(&tsBlob)
	switch {
	case err == sql.ErrNoRows:
		c := hlc.NewClock(s.node)
		s.clocks[ownerID] = c
		return c, nil
	case err != nil:
		return nil, evoluerr.Wrap(evoluerr.KindStorage, "load clock", err)
	}

	last, err := hlc.UnmarshalBinaryTimestamp(tsBlob)
	if err != nil {
		return nil, evoluerr.Wrap(evoluerr.KindStorage, "decode persisted timestamp", err)
	}

	tree := hlc.NewMerkleTree()
	rows, err := s.db.Query(`SELECT DISTINCT timestamp FROM evolu_history WHERE owner_id = ?`, ownerID)
	if err != nil {
		return nil, evoluerr.Wrap(evoluerr.KindStorage, "replay history for merkle rebuild", err)
	}
	defer rows.Close()
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, evoluerr.Wrap(evoluerr.KindStorage, "scan history timestamp", err)
		}
		ts, err := hlc.UnmarshalBinaryTimestamp(raw)
		if err != nil {
			return nil, evoluerr.Wrap(evoluerr.KindStorage, "decode history timestamp", err)
		}
		tree.Insert(ts)
	}
	if err := rows.Err(); err != nil {
		return nil, evoluerr.Wrap(evoluerr.KindStorage, "iterate history", err)
	}

	c := hlc.Restore(s.node, last, tree)
	s.clocks[ownerID] = c
	return c, nil
}

func (s *Store) persistClock(tx *sql.Tx, ownerID string, ts hlc.Timestamp) error {
	_, err := tx.Exec(
		`INSERT INTO evolu_clock (owner_id, timestamp) VALUES (?, ?)
		 ON CONFLICT(owner_id) DO UPDATE SET timestamp = excluded.timestamp`,
		ownerID, ts.MarshalBinary(),
	)
	if err != nil {
		return evoluerr.Wrap(evoluerr.KindStorage, "persist clock", err)
	}
	return nil
}
