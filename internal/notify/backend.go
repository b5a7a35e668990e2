package notify

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Backend is the minimal delivery capability every backend provides.
type Backend interface {
	Name() string
	// CanDeliver reports whether the backend accepts the notification at all.
	CanDeliver(ctx context.Context, notification Notification) bool
	// Deliver sends the notification right away.
	Deliver(ctx context.Context, notification Notification) error
}

// ScheduledBackend defers deliveries to a computed instant.
//
// DeliveryDate returns ok=false when the notification should be delivered immediately. The
// returned options are stored with the pending row and handed back to DeliverScheduled.
type ScheduledBackend interface {
	Backend
	DeliveryDate(ctx context.Context, notification Notification) (at time.Time, options int64, ok bool)
	DeliverScheduled(ctx context.Context, notification Notification, options int64) error
}

// GroupedBackend is bracketed around every post and sweep so it can buffer and flush.
type GroupedBackend interface {
	Backend
	BeginBatch(ctx context.Context)
	EndBatch(ctx context.Context) error
}

// ResolvedBackend carries its own conflict resolver, overriding the service default.
type ResolvedBackend interface {
	Backend
	Resolver() Resolver
}

// Registry maps backend names to backends. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

// NewRegistry constructs a registry holding the provided backends.
func NewRegistry(backends ...Backend) *Registry {
	registry := &Registry{backends: make(map[string]Backend, len(backends))}
	for _, backend := range backends {
		registry.Add(backend)
	}
	return registry
}

// Add registers the backend under its name, replacing any previous backend with that name.
func (r *Registry) Add(backend Backend) {
	if r == nil || backend == nil {
		return
	}
	name := strings.TrimSpace(backend.Name())
	if name == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.backends == nil {
		r.backends = make(map[string]Backend)
	}
	r.backends[name] = backend
}

func (r *Registry) Remove(name string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.backends, strings.TrimSpace(name))
}

func (r *Registry) Lookup(name string) (Backend, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	backend, ok := r.backends[strings.TrimSpace(name)]
	return backend, ok
}

// Names lists the registered backend names in lexical order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) grouped() []GroupedBackend {
	if r == nil {
		return nil
	}
	var grouped []GroupedBackend
	for _, name := range r.Names() {
		backend, ok := r.Lookup(name)
		if !ok {
			continue
		}
		if groupedBackend, ok := backend.(GroupedBackend); ok {
			grouped = append(grouped, groupedBackend)
		}
	}
	return grouped
}

// batch brackets the grouped backends of one post or sweep. Pending rows handed to a grouped
// backend are only completed once that backend's EndBatch succeeds.
type batch struct {
	backends []GroupedBackend
	held     map[string][]int64
}

// flushFailure records a grouped backend whose EndBatch failed and the rows it held.
type flushFailure struct {
	backend    string
	pendingIDs []int64
	err        error
}

func (r *Registry) openBatch(ctx context.Context) *batch {
	grouped := r.grouped()
	for _, backend := range grouped {
		backend.BeginBatch(ctx)
	}
	return &batch{backends: grouped, held: make(map[string][]int64)}
}

// hold defers completion of pendingID until backend flushes. It reports false for backends
// that are not grouped; their rows are completed right away.
func (b *batch) hold(backend Backend, pendingID int64) bool {
	if _, ok := backend.(GroupedBackend); !ok {
		return false
	}
	b.held[backend.Name()] = append(b.held[backend.Name()], pendingID)
	return true
}

// close ends every batch in name order. A failed flush does not stop the remaining backends.
func (b *batch) close(ctx context.Context) (flushed []int64, failures []flushFailure) {
	for _, backend := range b.backends {
		pendingIDs := b.held[backend.Name()]
		if err := backend.EndBatch(ctx); err != nil {
			failures = append(failures, flushFailure{backend: backend.Name(), pendingIDs: pendingIDs, err: err})
			continue
		}
		flushed = append(flushed, pendingIDs...)
	}
	return flushed, failures
}
