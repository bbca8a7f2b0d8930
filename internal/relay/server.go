package relay

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/evolu-sh/evolu-core/internal/evoluerr"
	"github.com/evolu-sh/evolu-core/internal/protocol"
)

// Logger is the minimal logging surface the relay depends on, so the
// relay and the client sync engine share one logging shape.
type Logger interface {
	Printf(format string, v ...interface{})
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...interface{}) {}

// unauthorizedCloseCode and protocolErrorCloseCode are private
// WebSocket close codes (RFC 6455 reserves 4000-4999 for application
// use) the relay uses to signal authorization and protocol failures
// without a dedicated frame kind of their own.
const (
	unauthorizedCloseCode  = 4001
	protocolErrorCloseCode = 4002
)

// MaxResponseItems bounds how many messages a single RelayResponse
// carries: the first MaxResponseItems matching messages in timestamp
// order. The relay keeps no cursor, so a later round over the same
// ranges gets the same messages again.
const MaxResponseItems = 500

// Server is the relay's WebSocket endpoint for /owner/{owner_id}
// connections. Its maxDrift (see SetMaxDrift) bounds how far ahead of
// the relay's wall clock an accepted message's timestamp may be; zero
// disables the check.
type Server struct {
	store    *Store
	hub      *Hub
	logger   Logger
	maxDrift time.Duration
	upgrader websocket.Upgrader
}

func NewServer(store *Store, logger Logger) *Server {
	if logger == nil {
		logger = nopLogger{}
	}
	return &Server{
		store:  store,
		hub:    NewHub(),
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// SetMaxDrift configures the optional drift guard on accepted messages.
func (s *Server) SetMaxDrift(d time.Duration) { s.maxDrift = d }

// ownerIDFromPath extracts the OwnerId from a "/owner/{owner_id}" URL
// path.
func ownerIDFromPath(path string) (string, bool) {
	const prefix = "/owner/"
	if !strings.HasPrefix(path, prefix) {
		return "", false
	}
	id := strings.TrimPrefix(path, prefix)
	id = strings.Trim(id, "/")
	if id == "" {
		return "", false
	}
	return id, true
}

// ServeHTTP upgrades the request to a WebSocket connection scoped to
// the OwnerId named in the URL path and drives that connection's
// initiator/response/broadcast loop until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := ownerIDFromPath(r.URL.Path)
	if !ok {
		http.Error(w, "missing owner id in path", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("relay: upgrade failed: %v", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(protocol.DefaultMaxFrameSize)

	connID, mailbox := s.hub.Subscribe(ownerID)
	defer s.hub.Unsubscribe(ownerID, connID)

	writerDone := make(chan struct{})
	go s.writeLoop(conn, mailbox, writerDone)
	defer func() { <-writerDone }()

	s.readLoop(conn, ownerID, connID)
}

func (s *Server) writeLoop(conn *websocket.Conn, mailbox <-chan protocol.Frame, done chan<- struct{}) {
	defer close(done)
	for frame := range mailbox {
		encoded, err := protocol.Encode(frame)
		if err != nil {
			s.logger.Printf("relay: encode broadcast frame: %v", err)
			continue
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, encoded); err != nil {
			return
		}
	}
}

func (s *Server) readLoop(conn *websocket.Conn, ownerID, connID string) {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}

		frame, err := protocol.Decode(data)
		if err != nil {
			s.logger.Printf("relay: malformed frame from %s: %v", ownerID, err)
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(protocolErrorCloseCode, "malformed frame"),
				time.Now().Add(time.Second))
			return
		}
		if frame.Kind != protocol.KindInitiatorRequest {
			s.logger.Printf("relay: unexpected frame kind %s from %s", frame.Kind, ownerID)
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(protocolErrorCloseCode, "only initiator frames are accepted"),
				time.Now().Add(time.Second))
			return
		}
		if frame.OwnerID != ownerID {
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(protocolErrorCloseCode, "owner id mismatch"),
				time.Now().Add(time.Second))
			return
		}

		if err := s.handleInitiatorFrame(conn, connID, frame); err != nil {
			if kind, ok := evoluerr.KindOf(err); ok && kind == evoluerr.KindUnauthorized {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(unauthorizedCloseCode, "unauthorized"),
					time.Now().Add(time.Second))
				return
			}
			s.logger.Printf("relay: handle frame from %s: %v", ownerID, err)
			return
		}
	}
}

func (s *Server) handleInitiatorFrame(conn *websocket.Conn, connID string, frame protocol.Frame) error {
	if frame.NewWriteKey != nil {
		// Rotation: frame.WriteKey authorizes the swap, it is not also
		// checked against InsertMessages below in the same round - a
		// rotating client sends an otherwise-empty request.
		if err := s.store.RotateWriteKey(frame.OwnerID, frame.WriteKey, *frame.NewWriteKey); err != nil {
			return err
		}
	} else {
		ok, err := s.store.Authorize(frame.OwnerID, frame.WriteKey, time.Now())
		if err != nil {
			return err
		}
		if !ok {
			return evoluerr.New(evoluerr.KindUnauthorized, "write key mismatch")
		}
	}

	if s.maxDrift > 0 {
		frame.Items = filterDrift(frame.Items, s.maxDrift)
	}

	inserted, err := s.store.InsertMessages(frame.OwnerID, frame.Items)
	if err != nil {
		return err
	}

	missing, err := s.store.MessagesInRanges(frame.OwnerID, frame.Ranges, MaxResponseItems)
	if err != nil {
		return err
	}

	response := protocol.Frame{
		Version: protocol.CurrentVersion,
		Kind:    protocol.KindRelayResponse,
		OwnerID: frame.OwnerID,
		Items:   missing,
	}
	encoded, err := protocol.Encode(response)
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, encoded); err != nil {
		return err
	}

	if len(inserted) > 0 {
		s.hub.Broadcast(frame.OwnerID, connID, protocol.Frame{
			Version: protocol.CurrentVersion,
			Kind:    protocol.KindBroadcast,
			OwnerID: frame.OwnerID,
			Items:   inserted,
		})
	}
	return nil
}

func filterDrift(items []protocol.Item, maxDrift time.Duration) []protocol.Item {
	now := uint64(time.Now().UnixMilli())
	maxAhead := uint64(maxDrift.Milliseconds())
	out := items[:0]
	for _, item := range items {
		if item.Timestamp.Millis > now && item.Timestamp.Millis-now > maxAhead {
			continue
		}
		out = append(out, item)
	}
	return out
}
