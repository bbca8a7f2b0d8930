// Package storage defines the domain-level operations the sync engine
// and applications perform against local state: the mutation log,
// remote-message application, and schema evolution. The SQLite driver
// interface it is built on (exec, transaction, export, dispose) is
// Go's own database/sql: *sql.DB/*sql.Tx already provide exactly that
// surface, so no extra abstraction layer sits between this package
// and the driver.
package storage

import (
	"github.com/evolu-sh/evolu-core/internal/changes"
	"github.com/evolu-sh/evolu-core/internal/hlc"
)

// Intent is the kind of mutation a caller is requesting.
type Intent string

const (
	IntentCreate Intent = "create"
	IntentUpdate Intent = "update"
	IntentDelete Intent = "delete"
)

// MutateInput is the argument to Store.Mutate.
type MutateInput struct {
	Table  string
	RowID  string // empty on create: one is generated
	Values map[string]changes.Value
	Intent Intent
}

// Row is a projected user-table row: common bookkeeping columns plus
// whatever application columns were requested.
type Row struct {
	ID        string
	CreatedAt hlc.Timestamp
	UpdatedAt hlc.Timestamp
	IsDeleted bool
	Columns   map[string]changes.Value
}

// ReservedColumns may not appear in an application-supplied schema;
// the core owns them.
var ReservedColumns = map[string]bool{
	"id":         true,
	"created_at": true,
	"updated_at": true,
	"is_deleted": true,
}

// Store is the local storage and mutation-log API applications (and
// the sync engine) drive.
type Store interface {
	// Mutate applies a local create/update/delete, returning the row
	// id (generated if input.RowID was empty) and the change messages
	// it appended to the history log, one per mutated column, so a
	// caller (the sync engine) can broadcast them without re-deriving
	// timestamps from the clock.
	Mutate(ownerID string, input MutateInput) (rowID string, messages []changes.Message, err error)

	// ApplyRemote applies a batch of remote messages idempotently,
	// atomically, and independent of input order.
	ApplyRemote(ownerID string, messages []changes.Message) error

	// LoadMessagesSince returns local messages for ownerID with
	// timestamp.Millis >= minMillis, excluding any timestamp present
	// in exclude, up to limit messages (0 = no limit) starting after
	// cursor (the empty cursor starts from the beginning). It returns
	// the next cursor to resume from.
	LoadMessagesSince(ownerID string, minMillis uint64, exclude []hlc.Timestamp, cursor string, limit int) (messages []changes.Message, nextCursor string, err error)

	// EnsureSchema idempotently creates tables/columns a caller's
	// schema declares, never dropping existing ones.
	EnsureSchema(tables map[string][]string) error

	// Clock returns the HLC+Merkle state for ownerID, creating one at
	// the zero state if this is the first time ownerID is seen.
	Clock(ownerID string) (*hlc.Clock, error)

	// ListRows returns projected rows for table, optionally filtered.
	ListRows(table string, includeDeleted bool) ([]Row, error)

	// Export serializes the whole database to bytes.
	Export() ([]byte, error)

	// ResetOwner clears all data for ownerID, including history,
	// clock state and (for an AppOwner) the mnemonic.
	ResetOwner(ownerID string) error

	// Close releases all resources.
	Close() error
}
