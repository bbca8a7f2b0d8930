package relay

import (
	"testing"
	"time"

	"github.com/evolu-sh/evolu-core/internal/protocol"
)

func TestHubBroadcastSkipsSender(t *testing.T) {
	h := NewHub()

	senderID, senderCh := h.Subscribe("owner-1")
	_, otherCh := h.Subscribe("owner-1")

	frame := protocol.Frame{Version: protocol.CurrentVersion, Kind: protocol.KindBroadcast, OwnerID: "owner-1"}
	h.Broadcast("owner-1", senderID, frame)

	select {
	case <-senderCh:
		t.Fatal("broadcast delivered to its own sender")
	case <-time.After(20 * time.Millisecond):
	}

	select {
	case got := <-otherCh:
		if got.OwnerID != "owner-1" {
			t.Fatalf("unexpected frame: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("broadcast never reached the other subscriber")
	}
}

func TestHubBroadcastIsolatesOwners(t *testing.T) {
	h := NewHub()

	_, ch1 := h.Subscribe("owner-1")
	_, ch2 := h.Subscribe("owner-2")

	h.Broadcast("owner-1", "", protocol.Frame{OwnerID: "owner-1"})

	select {
	case <-ch1:
	case <-time.After(time.Second):
		t.Fatal("owner-1 subscriber never received its own owner's broadcast")
	}

	select {
	case <-ch2:
		t.Fatal("owner-2 subscriber received a broadcast scoped to owner-1")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestHubUnsubscribeClosesMailbox(t *testing.T) {
	h := NewHub()

	connID, ch := h.Subscribe("owner-1")
	h.Unsubscribe("owner-1", connID)

	_, ok := <-ch
	if ok {
		t.Fatal("mailbox channel not closed after Unsubscribe")
	}

	if len(h.subs) != 0 {
		t.Fatalf("expected owner entry to be pruned, got %d owners", len(h.subs))
	}
}

func TestHubBroadcastFullMailboxDropsRatherThanBlocks(t *testing.T) {
	h := NewHub()

	_, ch := h.Subscribe("owner-1")
	for i := 0; i < 64; i++ {
		h.Broadcast("owner-1", "", protocol.Frame{OwnerID: "owner-1"})
	}

	// The mailbox has capacity 32; flooding it must never block the
	// broadcaster. Draining confirms the channel is still usable.
	drained := 0
	for {
		select {
		case <-ch:
			drained++
		default:
			if drained == 0 {
				t.Fatal("expected at least one buffered frame")
			}
			return
		}
	}
}
