package relay

import (
	"sync"

	"github.com/google/uuid"

	"github.com/evolu-sh/evolu-core/internal/protocol"
)

// subscriber is one connection's outgoing mailbox; Hub never touches
// the network directly, it only fans messages out to these channels,
// keeping the transport (server.go) a thin consumer of Hub.
type subscriber struct {
	id string
	ch chan protocol.Frame
}

// Hub tracks, per OwnerId, which connections are subscribed and fans
// newly inserted messages out to every subscriber but the sender.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[string]*subscriber // ownerID -> connectionID -> subscriber
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[string]*subscriber)}
}

// Subscribe registers a new connection for ownerID and returns its
// connection id and mailbox. The connection id is a fresh UUID, unique
// within the process's lifetime.
func (h *Hub) Subscribe(ownerID string) (connectionID string, mailbox <-chan protocol.Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := uuid.NewString()
	sub := &subscriber{id: id, ch: make(chan protocol.Frame, 32)}
	if h.subs[ownerID] == nil {
		h.subs[ownerID] = make(map[string]*subscriber)
	}
	h.subs[ownerID][id] = sub
	return id, sub.ch
}

// Unsubscribe removes connectionID from ownerID's subscriber set and
// closes its mailbox.
func (h *Hub) Unsubscribe(ownerID, connectionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.subs[ownerID]
	if !ok {
		return
	}
	if sub, ok := subs[connectionID]; ok {
		close(sub.ch)
		delete(subs, connectionID)
	}
	if len(subs) == 0 {
		delete(h.subs, ownerID)
	}
}

// Broadcast sends frame to every subscriber of ownerID except
// exceptConnectionID (the sender, which already has the data it just
// sent). A full mailbox drops the frame rather than blocking the
// broadcaster; the dropped subscriber gets those messages only from a
// later Syncing-phase request, which its client sends on reconnect.
func (h *Hub) Broadcast(ownerID, exceptConnectionID string, frame protocol.Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, sub := range h.subs[ownerID] {
		if id == exceptConnectionID {
			continue
		}
		select {
		case sub.ch <- frame:
		default:
		}
	}
}
