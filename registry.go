package gstore

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// Registry shares stores between sessions. Each base file is opened once; the
// store is handed out refcounted and closed when the last holder releases it.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*registryEntry
}

type registryEntry struct {
	store *Store
	refs  int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: map[string]*registryEntry{},
	}
}

// Acquire returns the store for cfg.Path, opening it on first use. Later
// acquirers must declare the same schema the store was opened with.
func (r *Registry) Acquire(ctx context.Context, cfg Config) (*Store, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, exists := r.entries[cfg.Path]; exists {
		if e.store.cfg.Schema.Fingerprint() != cfg.Schema.Fingerprint() {
			return nil, errors.Errorf("store '%s' is open with a different schema", cfg.Path)
		}
		e.refs++
		return e.store, nil
	}

	store, err := Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	r.entries[cfg.Path] = &registryEntry{store: store, refs: 1}
	return store, nil
}

// Release drops one reference; the last one closes the store.
func (r *Registry) Release(store *Store) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.entries[store.Path()]
	if !exists || e.store != store {
		return errors.Errorf("store '%s' is not registered", store.Path())
	}
	e.refs--
	if e.refs > 0 {
		return nil
	}
	delete(r.entries, store.Path())
	return e.store.Close()
}

// Close closes every registered store regardless of outstanding references.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for path, e := range r.entries {
		if err := e.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.entries, path)
	}
	return firstErr
}
