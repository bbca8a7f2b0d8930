package relay

import (
	"testing"
	"time"

	"github.com/evolu-sh/evolu-core/internal/hlc"
	"github.com/evolu-sh/evolu-core/internal/protocol"
)

func TestOwnerIDFromPath(t *testing.T) {
	cases := []struct {
		path   string
		wantID string
		wantOK bool
	}{
		{"/owner/abc123", "abc123", true},
		{"/owner/abc123/", "abc123", true},
		{"/owner/", "", false},
		{"/owner", "", false},
		{"/other/abc123", "", false},
		{"/owner/abc123/usage", "abc123/usage", true},
	}

	for _, c := range cases {
		id, ok := ownerIDFromPath(c.path)
		if ok != c.wantOK || id != c.wantID {
			t.Errorf("ownerIDFromPath(%q) = (%q, %v), want (%q, %v)", c.path, id, ok, c.wantID, c.wantOK)
		}
	}
}

func TestFilterDriftDropsFarFutureItems(t *testing.T) {
	now := uint64(time.Now().UnixMilli())
	items := []protocol.Item{
		{Timestamp: hlc.Timestamp{Millis: now}},
		{Timestamp: hlc.Timestamp{Millis: now + 1000}},
		{Timestamp: hlc.Timestamp{Millis: now + uint64(time.Hour.Milliseconds())}},
	}

	filtered := filterDrift(items, time.Minute)
	if len(filtered) != 2 {
		t.Fatalf("expected 2 items within drift, got %d", len(filtered))
	}
	for _, item := range filtered {
		if item.Timestamp.Millis > now+uint64(time.Minute.Milliseconds()) {
			t.Fatalf("item beyond max drift survived filtering: %+v", item)
		}
	}
}

func TestFilterDriftKeepsPastItems(t *testing.T) {
	now := uint64(time.Now().UnixMilli())
	items := []protocol.Item{
		{Timestamp: hlc.Timestamp{Millis: now - uint64(24*time.Hour.Milliseconds())}},
	}

	filtered := filterDrift(items, time.Minute)
	if len(filtered) != 1 {
		t.Fatalf("expected past-dated item to survive drift filtering, got %d items", len(filtered))
	}
}
