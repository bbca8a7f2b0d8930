package syncengine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/evolu-sh/evolu-core/internal/changes"
	"github.com/evolu-sh/evolu-core/internal/evoluerr"
	"github.com/evolu-sh/evolu-core/internal/owner"
	"github.com/evolu-sh/evolu-core/internal/protocol"
	"github.com/evolu-sh/evolu-core/internal/storage"
)

// Logger is the minimal logging surface the engine depends on,
// matching internal/relay.Logger's shape so both sides of a
// connection log the same way without sharing a type.
type Logger interface {
	Printf(format string, v ...interface{})
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...interface{}) {}

// defaultFlushInterval is the batching microtask's systems-language
// analogue: a short timer flush that coalesces mutations queued
// between ticks into one Broadcast frame.
const defaultFlushInterval = time.Millisecond

// defaultMaxSyncRounds bounds the Syncing phase so a relay that never
// reports an empty response can't wedge the connection open forever.
const defaultMaxSyncRounds = 20

// Config configures one Engine instance: a single logical task
// driving sync for one Owner over one relay connection.
type Config struct {
	RelayURL      string
	Owner         owner.Owner
	Store         storage.Store
	Transport     Transport
	Logger        Logger
	FlushInterval time.Duration
	MaxSyncRounds int

	// OnApplied, if set, is called after every batch of remote
	// messages is successfully applied to Store, whether received
	// during the Syncing phase or as a Steady-phase Broadcast. It lets
	// a caller (pkg/evolu) publish change notifications without the
	// engine depending on the notification type itself.
	OnApplied func(messages []changes.Message)

	// OnWriteKeyRotated, if set, is called once the relay has
	// acknowledged a write-key rotation requested via
	// Engine.RotateWriteKey, so a caller can persist the owner's new
	// key material. The engine itself only keeps the new key in
	// memory for the lifetime of this Engine.
	OnWriteKeyRotated func(newKey [owner.WriteKeySize]byte)
}

// Engine drives the Disconnected -> Connecting -> Syncing -> Steady
// state machine for one owner.
type Engine struct {
	cfg Config

	mu    sync.Mutex
	state State

	pendingMu sync.Mutex
	pending   []changes.Message

	rotateMu        sync.Mutex
	pendingRotation *[owner.WriteKeySize]byte

	cancel context.CancelFunc
	done   chan struct{}
	errCh  chan error
}

// New builds an Engine from cfg, filling in defaults for anything the
// caller left zero-valued.
func New(cfg Config) *Engine {
	if cfg.Transport == nil {
		cfg.Transport = NewWebSocketTransport()
	}
	if cfg.Logger == nil {
		cfg.Logger = nopLogger{}
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.MaxSyncRounds <= 0 {
		cfg.MaxSyncRounds = defaultMaxSyncRounds
	}
	return &Engine{
		cfg:   cfg,
		state: Disconnected,
		errCh: make(chan error, 16),
	}
}

// State returns the engine's current state machine node.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// Errors exposes the engine's asynchronous error stream, consumed by
// pkg/evolu's SubscribeError.
func (e *Engine) Errors() <-chan error { return e.errCh }

func (e *Engine) reportError(err error) {
	select {
	case e.errCh <- err:
	default:
		e.cfg.Logger.Printf("syncengine: error channel full, dropping: %v", err)
	}
}

// EnqueueLocal queues a just-persisted local mutation to be flushed
// into the next Broadcast frame. Safe to call from any goroutine,
// including while the engine is still Connecting or Syncing - queued
// messages go out with the next Syncing-phase request that carries no
// write-key rotation, or with the next Steady-phase flush.
func (e *Engine) EnqueueLocal(msg changes.Message) {
	e.pendingMu.Lock()
	e.pending = append(e.pending, msg)
	e.pendingMu.Unlock()
}

// RotateWriteKey generates a fresh write key and queues it to be sent
// to the relay, atomically replacing the owner's current key, on the
// next Syncing-phase round - the next time this Engine (re)connects.
// It does not force a reconnect itself: a caller that needs the
// rotation to take effect immediately should Dispose and Start the
// engine again. On success the relay acknowledges the rotation before
// the returned key takes effect; Config.OnWriteKeyRotated fires at
// that point so the caller can persist it.
func (e *Engine) RotateWriteKey() ([owner.WriteKeySize]byte, error) {
	newKey, err := owner.RotateWriteKey(e.cfg.Owner)
	if err != nil {
		return newKey, err
	}
	e.rotateMu.Lock()
	e.pendingRotation = &newKey
	e.rotateMu.Unlock()
	return newKey, nil
}

func (e *Engine) peekPendingRotation() *[owner.WriteKeySize]byte {
	e.rotateMu.Lock()
	defer e.rotateMu.Unlock()
	return e.pendingRotation
}

// clearPendingRotation drops rotation only if it is still the one
// queued - a concurrent RotateWriteKey call between peek and commit
// must not be silently discarded.
func (e *Engine) clearPendingRotation(rotation *[owner.WriteKeySize]byte) {
	e.rotateMu.Lock()
	if e.pendingRotation == rotation {
		e.pendingRotation = nil
	}
	e.rotateMu.Unlock()
}

func (e *Engine) drainPending() []changes.Message {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	if len(e.pending) == 0 {
		return nil
	}
	out := e.pending
	e.pending = nil
	return out
}

// Start runs the engine's state machine loop in a background
// goroutine and returns immediately.
func (e *Engine) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	go e.run(ctx)
}

// Dispose cancels the engine's context and waits for its goroutine to
// exit. Any blocking network read unblocks immediately because the
// context watcher closes the underlying connection, so disposal
// completes within one round trip rather than waiting on the network.
func (e *Engine) Dispose() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	<-e.done
}

func (e *Engine) relayURL() string {
	return fmt.Sprintf("%s/owner/%s", e.cfg.RelayURL, e.cfg.Owner.ID)
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)
	bo := newBackOff()

	for {
		if ctx.Err() != nil {
			return
		}

		e.setState(Connecting)
		conn, err := e.cfg.Transport.Connect(ctx, e.relayURL())
		if err != nil {
			e.setState(Disconnected)
			if !e.wait(ctx, bo.NextBackOff()) {
				return
			}
			continue
		}
		bo.Reset()

		stopWatch := watchContext(ctx, conn)

		e.setState(Syncing)
		syncErr := e.runSyncPhase(ctx, conn)
		if syncErr == nil {
			e.setState(Steady)
			e.runSteadyPhase(ctx, conn)
		}

		stopWatch()
		conn.Close()
		e.setState(Disconnected)

		if syncErr != nil && isFatal(syncErr) {
			e.reportError(syncErr)
			return
		}
		if ctx.Err() != nil {
			return
		}
		if !e.wait(ctx, bo.NextBackOff()) {
			return
		}
	}
}

// wait sleeps for d or returns false if ctx is cancelled first.
func (e *Engine) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 30 * time.Second
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// isFatal reports whether err should terminate this connection's
// lifetime entirely rather than trigger a reconnect with backoff;
// only a protocol-version mismatch is fatal.
func isFatal(err error) bool {
	kind, ok := evoluerr.KindOf(err)
	return ok && kind == evoluerr.KindProtocolVersion
}

// watchContext closes conn as soon as ctx is cancelled, so a blocked
// ReadFrame unblocks on Dispose without waiting for a network timeout.
// The returned stop func must be called once the caller is done with
// conn to release the watcher goroutine.
func watchContext(ctx context.Context, conn Conn) (stop func()) {
	stopCh := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stopCh:
		}
	}()
	return func() { close(stopCh) }
}

// runSyncPhase implements the Syncing state: the initiator sends its
// Merkle root and a gap range, applies whatever the relay
// returns, and repeats until the relay returns an empty response or
// MaxSyncRounds is reached. The relay does not expose its own tree,
// so the gap request always spans the whole valid minute range rather
// than a diff-narrowed one, the same range every round. The relay
// answers each round with the same first page of matching messages,
// so while it holds any message for the owner the loop runs all
// MaxSyncRounds rounds, and messages past that page are not fetched
// here; ApplyRemote's idempotence makes the re-fetched messages a
// no-op.
//
// A round also carries any write-key rotation queued via
// RotateWriteKey (normally the first round of a (re)connection); a
// rotating frame carries no queued local messages, which wait for the
// next round or the Steady phase. The relay treats a rotating
// frame's response as the rotation's acknowledgement, so the new key
// only replaces e.cfg.Owner.WriteKey once a KindRelayResponse frame
// actually comes back.
func (e *Engine) runSyncPhase(ctx context.Context, conn Conn) error {
	for round := 0; round < e.cfg.MaxSyncRounds; round++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		clock, err := e.cfg.Store.Clock(e.cfg.Owner.ID)
		if err != nil {
			return err
		}

		rotation := e.peekPendingRotation()

		frame := protocol.Frame{
			Version:     protocol.CurrentVersion,
			Kind:        protocol.KindInitiatorRequest,
			OwnerID:     e.cfg.Owner.ID,
			WriteKey:    e.cfg.Owner.WriteKey,
			NewWriteKey: rotation,
			MerkleRoot:  clock.Tree().RootHash(),
			Ranges:      []protocol.Range{{FromMinute: 0, ToMinute: currentMinute()}},
		}
		if rotation == nil {
			if pending := e.drainPending(); len(pending) > 0 {
				items, err := encodeItems(pending, e.cfg.Owner.EncryptionKey)
				if err != nil {
					return err
				}
				frame.Items = items
			}
		}

		if err := e.sendFrame(conn, frame); err != nil {
			return err
		}
		resp, err := e.readFrame(conn)
		if err != nil {
			return err
		}
		if resp.Kind != protocol.KindRelayResponse {
			return evoluerr.New(evoluerr.KindProtocolFrame, "expected relay response frame during sync")
		}

		if rotation != nil {
			e.cfg.Owner.WriteKey = *rotation
			e.clearPendingRotation(rotation)
			if e.cfg.OnWriteKeyRotated != nil {
				e.cfg.OnWriteKeyRotated(*rotation)
			}
		}

		messages := decodeItemsLenient(resp.Items, e.cfg.Owner.EncryptionKey, e.cfg.Logger)
		if len(messages) > 0 {
			if err := e.cfg.Store.ApplyRemote(e.cfg.Owner.ID, messages); err != nil {
				return err
			}
			if e.cfg.OnApplied != nil {
				e.cfg.OnApplied(messages)
			}
		}
		if len(resp.Items) == 0 {
			return nil
		}
	}
	return nil
}

// runSteadyPhase implements the Steady state: a read loop applies
// incoming Broadcasts, a flush loop coalesces locally queued
// mutations into outgoing Broadcasts on a short timer. It returns
// once either loop observes a connection error or ctx is cancelled.
func (e *Engine) runSteadyPhase(ctx context.Context, conn Conn) {
	errCh := make(chan error, 2)
	stop := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(2)
	go func() { defer wg.Done(); e.readLoop(conn, stop, errCh) }()
	go func() { defer wg.Done(); e.flushLoop(ctx, conn, stop, errCh) }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			e.cfg.Logger.Printf("syncengine: steady phase ended: %v", err)
		}
	}
	// Unblock whichever loop is parked in a blocking read/write before
	// waiting on it: neither conn.Close() nor closing stop alone covers
	// both a ctx cancellation and a goroutine-local I/O error.
	conn.Close()
	close(stop)
	wg.Wait()
}

func (e *Engine) readLoop(conn Conn, stop <-chan struct{}, errCh chan<- error) {
	for {
		data, err := conn.ReadFrame()
		if err != nil {
			select {
			case errCh <- err:
			default:
			}
			return
		}

		frame, err := protocol.Decode(data)
		if err != nil {
			if kind, ok := evoluerr.KindOf(err); ok && kind == evoluerr.KindProtocolVersion {
				select {
				case errCh <- err:
				default:
				}
				return
			}
			e.cfg.Logger.Printf("syncengine: dropping malformed frame: %v", err)
			continue
		}
		if frame.Kind != protocol.KindBroadcast {
			continue
		}

		messages := decodeItemsLenient(frame.Items, e.cfg.Owner.EncryptionKey, e.cfg.Logger)
		if len(messages) == 0 {
			continue
		}
		if err := e.cfg.Store.ApplyRemote(e.cfg.Owner.ID, messages); err != nil {
			e.cfg.Logger.Printf("syncengine: apply remote broadcast: %v", err)
		} else if e.cfg.OnApplied != nil {
			e.cfg.OnApplied(messages)
		}

		select {
		case <-stop:
			return
		default:
		}
	}
}

func (e *Engine) flushLoop(ctx context.Context, conn Conn, stop <-chan struct{}, errCh chan<- error) {
	ticker := time.NewTicker(e.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			pending := e.drainPending()
			if len(pending) == 0 {
				continue
			}
			items, err := encodeItems(pending, e.cfg.Owner.EncryptionKey)
			if err != nil {
				e.cfg.Logger.Printf("syncengine: encode local batch: %v", err)
				continue
			}
			frame := protocol.Frame{
				Version: protocol.CurrentVersion,
				Kind:    protocol.KindBroadcast,
				OwnerID: e.cfg.Owner.ID,
				Items:   items,
			}
			if err := e.sendFrame(conn, frame); err != nil {
				select {
				case errCh <- err:
				default:
				}
				return
			}
		}
	}
}

func (e *Engine) sendFrame(conn Conn, frame protocol.Frame) error {
	data, err := protocol.Encode(frame)
	if err != nil {
		return err
	}
	return conn.WriteFrame(data)
}

func (e *Engine) readFrame(conn Conn) (protocol.Frame, error) {
	data, err := conn.ReadFrame()
	if err != nil {
		return protocol.Frame{}, err
	}
	return protocol.Decode(data)
}

func currentMinute() uint64 {
	return uint64(time.Now().UnixMilli()) / 60_000
}
