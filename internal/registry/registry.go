// Package registry implements the explicitly-passed table set every
// core entry point (ingest, query, the HTTP adapter) is handed rather
// than reaching for an ambient singleton: a plain name→Table map with
// the usual locking and copy-on-read-snapshot conventions. Table
// placement has no consistent-hashing or rebalancing concept — each
// table lives entirely on the node it was created on.
package registry

import (
	"sync"

	"github.com/dreamware/snorkel/internal/snorkelerr"
	"github.com/dreamware/snorkel/internal/table"
)

// Registry owns every table a node currently serves.
type Registry struct {
	tables map[string]*table.Table
	mu     sync.RWMutex
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{tables: make(map[string]*table.Table)}
}

// Create registers a new table named name. Returns an error if a table
// by that name already exists (the HTTP adapter maps this to 409).
func (r *Registry) Create(name string, cfg table.Config) (*table.Table, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tables[name]; exists {
		return nil, snorkelerr.New(snorkelerr.Internal, "table already exists: "+name)
	}
	t := table.New(name, cfg)
	r.tables[name] = t
	return t, nil
}

// Get returns the named table, or UnknownTable if it doesn't exist.
func (r *Registry) Get(name string) (*table.Table, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tables[name]
	if !ok {
		return nil, snorkelerr.UnknownTableErr(name)
	}
	return t, nil
}

// Drop removes and stops the named table's background reaper. Returns
// UnknownTable if it doesn't exist (maps to HTTP 404).
func (r *Registry) Drop(name string) error {
	r.mu.Lock()
	t, ok := r.tables[name]
	if !ok {
		r.mu.Unlock()
		return snorkelerr.UnknownTableErr(name)
	}
	delete(r.tables, name)
	r.mu.Unlock()

	t.StopReaper()
	return nil
}

// List returns a snapshot of every table currently registered. The
// returned slice is a copy; the underlying Tables are still shared,
// mutable objects (matching the Info snapshot convention used
// throughout — see table.Info, shard.Info).
func (r *Registry) List() []*table.Table {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*table.Table, 0, len(r.tables))
	for _, t := range r.tables {
		out = append(out, t)
	}
	return out
}
