// Package instances is the process-wide registry that enforces at
// most one writer per database name: opening a database already held
// by another instance is a fatal configuration error rather than
// something degraded behavior could paper over, since SQLite itself
// is single-writer.
package instances

import (
	"fmt"
	"sync"
)

// Closer is the minimal handle the registry needs to tear an instance
// down; storage.Store satisfies it via its Close method.
type Closer interface {
	Close() error
}

// Registry is a module-level map keyed by database name, with
// explicit Open/Release rather than ambient lookup, so no subsystem
// outside the one that opened an instance can reach it implicitly.
type Registry struct {
	mu   sync.Mutex
	open map[string]Closer
}

// global is the single process-wide registry, created once per
// process and shared by every database an application opens.
var global = New()

// New returns an independent registry; tests use this to avoid
// sharing state with the process-wide one.
func New() *Registry {
	return &Registry{open: make(map[string]Closer)}
}

// Default returns the process-wide registry.
func Default() *Registry { return global }

// Open registers instance under name. It panics if name is already
// open: a second open of the same database name is a fatal
// configuration error, not a recoverable one, since continuing would
// mean two writers racing on the same SQLite file.
func (r *Registry) Open(name string, instance Closer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.open[name]; exists {
		panic(fmt.Sprintf("instances: database %q is already open in this process", name))
	}
	r.open[name] = instance
}

// Release closes and unregisters the instance held under name. It is
// a no-op if name is not open.
func (r *Registry) Release(name string) error {
	r.mu.Lock()
	instance, exists := r.open[name]
	if exists {
		delete(r.open, name)
	}
	r.mu.Unlock()

	if !exists {
		return nil
	}
	return instance.Close()
}

// IsOpen reports whether name currently has a registered instance.
func (r *Registry) IsOpen(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.open[name]
	return exists
}

// Get returns the instance registered under name, if any.
func (r *Registry) Get(name string) (Closer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	instance, exists := r.open[name]
	return instance, exists
}
