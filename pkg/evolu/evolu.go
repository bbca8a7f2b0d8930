// Package evolu is the public application API: the only package an
// application embedding the sync engine should import. It wraps
// internal/storage, internal/owner and internal/syncengine behind a
// stable surface, split into a public interface and a private
// implementation so internal types never leak into an application's
// import graph.
//
// Example usage:
//
//	db, err := evolu.New(evolu.Schema{"todo": {"title", "is_urgent"}}, evolu.Config{Name: "todos.db"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Dispose()
//
//	rowID, err := db.Insert("todo", map[string]interface{}{"title": "buy milk"})
package evolu

import (
	"context"
	"sync"
	"time"

	"github.com/evolu-sh/evolu-core/internal/changes"
	"github.com/evolu-sh/evolu-core/internal/instances"
	"github.com/evolu-sh/evolu-core/internal/owner"
	"github.com/evolu-sh/evolu-core/internal/refcount"
	"github.com/evolu-sh/evolu-core/internal/storage"
	"github.com/evolu-sh/evolu-core/internal/storage/sqlite"
	"github.com/evolu-sh/evolu-core/internal/syncengine"
)

// Schema declares the application's tables and their non-reserved
// columns; schema setup is driven from it and is idempotent across
// restarts.
type Schema map[string][]string

// TransportConfig names one relay to sync with.
type TransportConfig struct {
	Type string // currently only "websocket" is implemented
	URL  string // e.g. "ws://localhost:4000"
}

// Logger is the minimal logging surface Config accepts; nil disables
// logging.
type Logger interface {
	Printf(format string, v ...interface{})
}

// Config is every option create_evolu-style startup accepts. Every
// field here is load-bearing; there is deliberately no catch-all map,
// so an unrecognized option cannot be passed silently - the Go
// compiler rejects it instead of the runtime having to.
type Config struct {
	// Name is the database file path, unique per database; ignored
	// when InMemory is true.
	Name string

	// InMemory creates a private, process-local database instead of
	// opening Name on disk.
	InMemory bool

	// Transports lists relays for the app owner; sync and usage polling
	// use the first entry only. Empty means local-only: mutations
	// persist but never leave the device.
	Transports []TransportConfig

	// EnableLogging turns on the Logger passed in Logger; if Logger is
	// nil while EnableLogging is true, a no-op logger is used.
	EnableLogging bool
	Logger        Logger

	// MaxDriftMs bounds local clock drift (internal/hlc.DefaultMaxDrift
	// applies when zero).
	MaxDriftMs int

	// FlushInterval overrides the sync engine's batching microtask
	// analogue (internal/syncengine's default when zero).
	FlushInterval time.Duration
}

// Evolu is the application-facing database handle.
type Evolu interface {
	Insert(table string, values map[string]interface{}) (rowID string, err error)
	Update(table, rowID string, values map[string]interface{}) error
	Upsert(table, rowID string, values map[string]interface{}) error

	Subscribe() Subscription
	SubscribeError() <-chan error

	ResetAppOwner() error
	RestoreAppOwner(mnemonic string) error
	ExportDatabase() ([]byte, error)
	AddSharedOwner() (SharedOwnerHandle, error)
	RotateWriteKey() error

	OnUsage(callback func(ownerID string, usageBytes int64))

	Dispose() error
}

// SharedOwnerHandle is the out-of-band-shareable identity a peer
// needs to join a SharedOwner's tables; EncryptionKey never travels
// over the sync connection itself.
type SharedOwnerHandle struct {
	OwnerID       string
	EncryptionKey [32]byte
}

type evoluImpl struct {
	cfg      Config
	store    *sqlite.Store
	appOwner owner.Owner
	logger   Logger

	engines *refcount.Map[string, *syncengine.Engine]

	subsMu    sync.Mutex
	nextSubID int
	subs      map[int]chan Event

	usageMu   sync.Mutex
	usageCbs  []func(ownerID string, usageBytes int64)
	usageStop chan struct{}
}

// New opens (or creates) the database named by cfg, ensures schema
// exists, and starts syncing the app owner against the first
// configured transport.
func New(schema Schema, cfg Config) (Evolu, error) {
	if !cfg.InMemory && cfg.Name == "" {
		return nil, &Error{Kind: KindStorage, Msg: "config: name is required unless in_memory is set"}
	}
	logger := cfg.Logger
	if !cfg.EnableLogging || logger == nil {
		logger = nopLogger{}
	}

	path := cfg.Name
	if cfg.InMemory {
		path = ":memory:"
	}
	store, err := sqlite.Open(path)
	if err != nil {
		return nil, convertError(err)
	}

	if !cfg.InMemory {
		instances.Default().Open(cfg.Name, store)
	}

	if err := store.EnsureSchema(schema); err != nil {
		store.Close()
		return nil, convertError(err)
	}

	appOwner, found, err := store.AppOwner()
	if err != nil {
		store.Close()
		return nil, convertError(err)
	}
	if !found {
		appOwner, err = owner.CreateAppOwner()
		if err != nil {
			store.Close()
			return nil, convertError(err)
		}
		if err := store.SaveOwner(appOwner); err != nil {
			store.Close()
			return nil, convertError(err)
		}
	}

	e := &evoluImpl{
		cfg:      cfg,
		store:    store,
		appOwner: appOwner,
		logger:   logger,
		subs:     make(map[int]chan Event),
	}
	e.engines = refcount.New(refcount.DefaultDisposalDelay, e.startEngine, e.stopEngine)

	if len(cfg.Transports) > 0 {
		e.engines.AddConsumer(appOwner.ID)
		e.startUsagePoller(cfg.Transports[0].URL)
	}
	return e, nil
}

// startEngine is refcount.Map's create callback: it is invoked once per
// owner id on the first AddConsumer call, whether that id is the app
// owner or a SharedOwner added later via AddSharedOwner, and builds a
// syncengine.Engine for whichever owner's key material is on file.
func (e *evoluImpl) startEngine(ownerID string) *syncengine.Engine {
	if len(e.cfg.Transports) == 0 {
		return nil
	}
	o := e.appOwner
	if ownerID != e.appOwner.ID {
		loaded, err := e.store.Owner(ownerID)
		if err != nil {
			e.logger.Printf("evolu: start sync engine: load owner %s: %v", ownerID, err)
			return nil
		}
		o = loaded
	}
	relayURL := e.cfg.Transports[0].URL
	engine := syncengine.New(syncengine.Config{
		RelayURL:      relayURL,
		Owner:         o,
		Store:         e.store,
		Logger:        syncengineLogger{e.logger},
		FlushInterval: e.cfg.FlushInterval,
		OnApplied: func(messages []changes.Message) {
			for _, m := range messages {
				e.publish(Event{Table: m.Table, RowID: m.RowID})
			}
		},
		OnWriteKeyRotated: func(newKey [owner.WriteKeySize]byte) {
			o.WriteKey = newKey
			if ownerID == e.appOwner.ID {
				e.appOwner.WriteKey = newKey
			}
			if err := e.store.SaveOwner(o); err != nil {
				e.logger.Printf("evolu: persist rotated write key for %s: %v", ownerID, err)
			}
		},
	})
	engine.Start(context.Background())
	go e.forwardErrors(engine)
	return engine
}

func (e *evoluImpl) stopEngine(ownerID string, engine *syncengine.Engine) {
	if engine == nil {
		return
	}
	engine.Dispose()
}

func (e *evoluImpl) forwardErrors(engine *syncengine.Engine) {
	for err := range engine.Errors() {
		e.logger.Printf("evolu: sync error: %v", err)
	}
}

type syncengineLogger struct{ l Logger }

func (s syncengineLogger) Printf(format string, v ...interface{}) { s.l.Printf(format, v...) }

type nopLogger struct{}

func (nopLogger) Printf(string, ...interface{}) {}

func (e *evoluImpl) Insert(table string, values map[string]interface{}) (string, error) {
	return e.mutate(table, "", values, storage.IntentCreate)
}

func (e *evoluImpl) Update(table, rowID string, values map[string]interface{}) error {
	_, err := e.mutate(table, rowID, values, storage.IntentUpdate)
	return err
}

func (e *evoluImpl) Upsert(table, rowID string, values map[string]interface{}) error {
	_, err := e.mutate(table, rowID, values, storage.IntentUpdate)
	return err
}

func (e *evoluImpl) mutate(table, rowID string, values map[string]interface{}, intent storage.Intent) (string, error) {
	converted, err := toValues(values)
	if err != nil {
		return "", err
	}
	if e.cfg.MaxDriftMs > 0 {
		if clock, err := e.store.Clock(e.appOwner.ID); err == nil {
			clock.SetMaxDrift(time.Duration(e.cfg.MaxDriftMs) * time.Millisecond)
		}
	}
	newRowID, messages, err := e.store.Mutate(e.appOwner.ID, storage.MutateInput{
		Table:  table,
		RowID:  rowID,
		Values: converted,
		Intent: intent,
	})
	if err != nil {
		return "", convertError(err)
	}

	if engine, ok := e.engines.Get(e.appOwner.ID); ok && engine != nil {
		for _, msg := range messages {
			engine.EnqueueLocal(msg)
		}
	}
	e.publish(Event{Table: table, RowID: newRowID})
	return newRowID, nil
}

func (e *evoluImpl) ResetAppOwner() error {
	if err := e.store.ResetOwner(e.appOwner.ID); err != nil {
		return convertError(err)
	}
	fresh, err := owner.CreateAppOwner()
	if err != nil {
		return convertError(err)
	}
	if err := e.store.SaveOwner(fresh); err != nil {
		return convertError(err)
	}
	e.swapAppOwner(fresh)
	return nil
}

func (e *evoluImpl) RestoreAppOwner(mnemonic string) error {
	restored, err := owner.FromMnemonic(mnemonic)
	if err != nil {
		return convertError(err)
	}
	if err := e.store.ResetOwner(e.appOwner.ID); err != nil {
		return convertError(err)
	}
	if err := e.store.SaveOwner(restored); err != nil {
		return convertError(err)
	}
	e.swapAppOwner(restored)
	return nil
}

// swapAppOwner tears down any running engine for the old identity and
// starts a fresh one for the new, so restore/reset restart sync from
// an empty Merkle tree.
func (e *evoluImpl) swapAppOwner(next owner.Owner) {
	hadTransports := len(e.cfg.Transports) > 0
	if hadTransports {
		e.engines.RemoveConsumer(e.appOwner.ID)
	}
	e.appOwner = next
	if hadTransports {
		e.engines.AddConsumer(next.ID)
	}
}

func (e *evoluImpl) ExportDatabase() ([]byte, error) {
	data, err := e.store.Export()
	return data, convertError(err)
}

func (e *evoluImpl) AddSharedOwner() (SharedOwnerHandle, error) {
	shared, err := owner.CreateSharedOwner()
	if err != nil {
		return SharedOwnerHandle{}, convertError(err)
	}
	if err := e.store.SaveOwner(shared); err != nil {
		return SharedOwnerHandle{}, convertError(err)
	}
	if len(e.cfg.Transports) > 0 {
		e.engines.AddConsumer(shared.ID)
	}
	return SharedOwnerHandle{OwnerID: shared.ID, EncryptionKey: shared.EncryptionKey}, nil
}

// RotateWriteKey replaces the app owner's relay write key. The new key
// takes effect the next time the sync engine (re)connects; it is
// persisted to Store only once the relay has acknowledged the swap.
func (e *evoluImpl) RotateWriteKey() error {
	engine, ok := e.engines.Get(e.appOwner.ID)
	if !ok || engine == nil {
		return &Error{Kind: KindStorage, Msg: "rotate write key: no transports configured"}
	}
	if _, err := engine.RotateWriteKey(); err != nil {
		return convertError(err)
	}
	return nil
}

func (e *evoluImpl) OnUsage(callback func(ownerID string, usageBytes int64)) {
	e.usageMu.Lock()
	e.usageCbs = append(e.usageCbs, callback)
	e.usageMu.Unlock()
}

func (e *evoluImpl) SubscribeError() <-chan error {
	if engine, ok := e.engines.Get(e.appOwner.ID); ok && engine != nil {
		return engine.Errors()
	}
	ch := make(chan error)
	return ch
}

func (e *evoluImpl) Dispose() error {
	if e.usageStop != nil {
		close(e.usageStop)
	}
	if e.engines.Len() > 0 {
		e.engines.RemoveConsumer(e.appOwner.ID)
	}
	if !e.cfg.InMemory {
		instances.Default().Release(e.cfg.Name)
	}
	return convertError(e.store.Close())
}

var _ Evolu = (*evoluImpl)(nil)
