package sqlite

import (
	"path/filepath"
	"testing"

	"github.com/evolu-sh/evolu-core/internal/changes"
	"github.com/evolu-sh/evolu-core/internal/hlc"
	"github.com/evolu-sh/evolu-core/internal/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "evolu.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMutateCreateThenListRows(t *testing.T) {
	s := openTestStore(t)

	rowID, _, err := s.Mutate("owner-1", storage.MutateInput{
		Table: "todo",
		Values: map[string]changes.Value{
			"title":     changes.TextValue("buy milk"),
			"is_urgent": changes.IntValue(1),
		},
		Intent: storage.IntentCreate,
	})
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}

	rows, err := s.ListRows("todo", false)
	if err != nil {
		t.Fatalf("list rows: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows[0].ID != rowID {
		t.Errorf("row id mismatch: got %q want %q", rows[0].ID, rowID)
	}
	if rows[0].Columns["title"].Text != "buy milk" {
		t.Errorf("title mismatch: got %+v", rows[0].Columns["title"])
	}
	if rows[0].Columns["is_urgent"].Int != 1 {
		t.Errorf("is_urgent mismatch: got %+v", rows[0].Columns["is_urgent"])
	}
}

func TestMutateUpdateIsLastWriteWins(t *testing.T) {
	s := openTestStore(t)

	rowID, _, err := s.Mutate("owner-1", storage.MutateInput{
		Table:  "todo",
		Values: map[string]changes.Value{"title": changes.TextValue("first")},
		Intent: storage.IntentCreate,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, _, err := s.Mutate("owner-1", storage.MutateInput{
		Table:  "todo",
		RowID:  rowID,
		Values: map[string]changes.Value{"title": changes.TextValue("second")},
		Intent: storage.IntentUpdate,
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	rows, err := s.ListRows("todo", false)
	if err != nil {
		t.Fatalf("list rows: %v", err)
	}
	if len(rows) != 1 || rows[0].Columns["title"].Text != "second" {
		t.Fatalf("expected latest write to win, got %+v", rows)
	}
}

func TestMutateDeleteSetsIsDeleted(t *testing.T) {
	s := openTestStore(t)

	rowID, _, err := s.Mutate("owner-1", storage.MutateInput{
		Table:  "todo",
		Values: map[string]changes.Value{"title": changes.TextValue("buy milk")},
		Intent: storage.IntentCreate,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, _, err := s.Mutate("owner-1", storage.MutateInput{
		Table:  "todo",
		RowID:  rowID,
		Intent: storage.IntentDelete,
	}); err != nil {
		t.Fatalf("delete: %v", err)
	}

	visible, err := s.ListRows("todo", false)
	if err != nil {
		t.Fatalf("list rows: %v", err)
	}
	if len(visible) != 0 {
		t.Fatalf("expected deleted row hidden by default, got %d", len(visible))
	}

	all, err := s.ListRows("todo", true)
	if err != nil {
		t.Fatalf("list rows including deleted: %v", err)
	}
	if len(all) != 1 || !all[0].IsDeleted {
		t.Fatalf("expected deleted row present with IsDeleted set, got %+v", all)
	}
}

func TestApplyRemoteIsIdempotentAndOrderIndependent(t *testing.T) {
	s := openTestStore(t)

	clock, err := s.Clock("owner-1")
	if err != nil {
		t.Fatalf("clock: %v", err)
	}
	ts1, err := clock.Send()
	if err != nil {
		t.Fatalf("send ts1: %v", err)
	}
	ts2, err := clock.Send()
	if err != nil {
		t.Fatalf("send ts2: %v", err)
	}
	// The messages stand for another device's writes: a received
	// timestamp carrying this store's own node id at the clock's
	// current millisecond is rejected as a duplicate node.
	remote := hlc.NodeID{9, 9, 9, 9, 9, 9, 9, 9}
	ts1.Node, ts2.Node = remote, remote

	msgs := []changes.Message{
		{Timestamp: ts2, Table: "todo", RowID: "r1", Column: "title", Value: changes.TextValue("later")},
		{Timestamp: ts1, Table: "todo", RowID: "r1", Column: "title", Value: changes.TextValue("earlier")},
	}

	if err := s.ApplyRemote("owner-1", msgs); err != nil {
		t.Fatalf("apply remote: %v", err)
	}
	// Re-apply the same batch: must be a no-op.
	if err := s.ApplyRemote("owner-1", msgs); err != nil {
		t.Fatalf("re-apply remote: %v", err)
	}

	rows, err := s.ListRows("todo", false)
	if err != nil {
		t.Fatalf("list rows: %v", err)
	}
	if len(rows) != 1 || rows[0].Columns["title"].Text != "later" {
		t.Fatalf("expected latest timestamp to win regardless of apply order, got %+v", rows)
	}
}

func TestLoadMessagesSinceExcludesGivenTimestamps(t *testing.T) {
	s := openTestStore(t)

	// create: title + created_at + updated_at (no declared schema
	// columns beyond title, so there is nothing to null-fill).
	rowID, createMsgs, err := s.Mutate("owner-1", storage.MutateInput{
		Table:  "todo",
		Values: map[string]changes.Value{"title": changes.TextValue("buy milk")},
		Intent: storage.IntentCreate,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// update: is_urgent + updated_at.
	_, updateMsgs, err := s.Mutate("owner-1", storage.MutateInput{
		Table:  "todo",
		RowID:  rowID,
		Values: map[string]changes.Value{"is_urgent": changes.IntValue(1)},
		Intent: storage.IntentUpdate,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	want := len(createMsgs) + len(updateMsgs)
	if want != 5 {
		t.Fatalf("expected 3 create messages + 2 update messages = 5, got %d", want)
	}

	all, _, err := s.LoadMessagesSince("owner-1", 0, nil, "", 0)
	if err != nil {
		t.Fatalf("load messages: %v", err)
	}
	if len(all) != want {
		t.Fatalf("expected %d messages, got %d", want, len(all))
	}

	filtered, _, err := s.LoadMessagesSince("owner-1", 0, []hlc.Timestamp{all[0].Timestamp}, "", 0)
	if err != nil {
		t.Fatalf("load messages excluding one: %v", err)
	}
	// all[0] carries the create's timestamp, which all three create
	// messages share, so excluding it leaves only the update messages.
	if len(filtered) != len(updateMsgs) {
		t.Fatalf("expected %d messages after exclusion, got %d", len(updateMsgs), len(filtered))
	}

	var pages, total int
	cursor := ""
	for {
		page, next, err := s.LoadMessagesSince("owner-1", 0, nil, cursor, 1)
		if err != nil {
			t.Fatalf("paginate page %d: %v", pages, err)
		}
		if len(page) != 1 {
			t.Fatalf("expected each page to carry exactly 1 message, got %d", len(page))
		}
		pages++
		total += len(page)
		if next == "" {
			break
		}
		cursor = next
		if pages > want {
			t.Fatalf("pagination did not terminate after %d pages", pages)
		}
	}
	if total != want {
		t.Fatalf("expected pagination to cover all %d messages, got %d", want, total)
	}
}

// TestMutateSharesOneTimestampAcrossMessages guards against regressing
// to a per-column clock tick: every message a single Mutate call
// produces must carry the same timestamp, since they are one atomic
// unit of replication.
func TestMutateSharesOneTimestampAcrossMessages(t *testing.T) {
	s := openTestStore(t)

	_, msgs, err := s.Mutate("owner-1", storage.MutateInput{
		Table: "todo",
		Values: map[string]changes.Value{
			"title":     changes.TextValue("buy milk"),
			"is_urgent": changes.IntValue(1),
		},
		Intent: storage.IntentCreate,
	})
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}
	if len(msgs) < 2 {
		t.Fatalf("expected at least 2 messages, got %d", len(msgs))
	}
	first := msgs[0].Timestamp
	for _, m := range msgs[1:] {
		if m.Timestamp.Compare(first) != 0 {
			t.Fatalf("expected every message in one mutate to share a timestamp, got %+v and %+v", first, m.Timestamp)
		}
	}
}

// TestMutateCreateFillsDeclaredColumnsAndBookkeeping matches the
// single-device-insert scenario: inserting a row that supplies only
// one of two declared columns produces a null message for the unset
// column plus created_at and updated_at, for 4 history rows total.
func TestMutateCreateFillsDeclaredColumnsAndBookkeeping(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnsureSchema(map[string][]string{"todo": {"title", "is_completed"}}); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}

	rowID, msgs, err := s.Mutate("owner-1", storage.MutateInput{
		Table:  "todo",
		Values: map[string]changes.Value{"title": changes.TextValue("buy milk")},
		Intent: storage.IntentCreate,
	})
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}
	if len(msgs) != 4 {
		t.Fatalf("expected 4 history messages (title, is_completed=null, created_at, updated_at), got %d: %+v", len(msgs), msgs)
	}

	byColumn := make(map[string]changes.Message, len(msgs))
	for _, m := range msgs {
		byColumn[m.Column] = m
	}
	for _, col := range []string{"title", "is_completed", "created_at", "updated_at"} {
		if _, ok := byColumn[col]; !ok {
			t.Errorf("missing expected message for column %q", col)
		}
	}
	if byColumn["is_completed"].Value.Kind != changes.ValueNull {
		t.Errorf("expected is_completed to be null-filled, got %+v", byColumn["is_completed"].Value)
	}

	rows, err := s.ListRows("todo", false)
	if err != nil {
		t.Fatalf("list rows: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != rowID {
		t.Fatalf("expected exactly the inserted row, got %+v", rows)
	}
	if rows[0].CreatedAt.Compare(hlc.Zero) == 0 {
		t.Errorf("expected created_at to be projected onto the row")
	}
}

func TestEnsureSchemaIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	schema := map[string][]string{"todo": {"title", "priority"}}
	if err := s.EnsureSchema(schema); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	if err := s.EnsureSchema(schema); err != nil {
		t.Fatalf("ensure schema again: %v", err)
	}
}
