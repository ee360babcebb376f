// Copyright 2024-2026 Aiku AI

package connector

import (
	"errors"
	"sort"
	"sync"
)

// RegistryEntry is a snapshot of one registered handle.
type RegistryEntry struct {
	Tenant     string
	Handle     Handle
	Generation uint64
}

type registration struct {
	handle     Handle
	generation uint64
}

// Registry maps tenants to their live connection handle. Every connect
// attempt takes a new generation; a handle may only be installed or removed
// by the attempt that currently owns the tenant, so late events from a
// superseded attempt cannot clobber a newer one.
type Registry struct {
	mu          sync.RWMutex
	handles     map[string]registration
	generations map[string]uint64
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handles:     make(map[string]registration),
		generations: make(map[string]uint64),
	}
}

// NextGeneration starts a new connect attempt for tenant and returns its
// generation. Older generations become stale immediately.
func (r *Registry) NextGeneration(tenant string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generations[tenant]++
	return r.generations[tenant]
}

// CurrentGeneration returns the newest generation issued for tenant.
func (r *Registry) CurrentGeneration(tenant string) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.generations[tenant]
}

// Put installs handle unconditionally under a fresh generation, closing any
// handle it replaces.
func (r *Registry) Put(tenant string, handle Handle) uint64 {
	r.mu.Lock()
	r.generations[tenant]++
	gen := r.generations[tenant]
	old, had := r.handles[tenant]
	r.handles[tenant] = registration{handle: handle, generation: gen}
	r.mu.Unlock()

	if had && old.handle != handle {
		_ = old.handle.Close()
	}
	return gen
}

// PutIfCurrent installs handle only if gen is still the tenant's newest
// generation. A replaced handle is closed. It reports whether the handle
// was installed; on false the caller owns handle and should close it.
func (r *Registry) PutIfCurrent(tenant string, gen uint64, handle Handle) bool {
	r.mu.Lock()
	if r.generations[tenant] != gen {
		r.mu.Unlock()
		return false
	}
	old, had := r.handles[tenant]
	r.handles[tenant] = registration{handle: handle, generation: gen}
	r.mu.Unlock()

	if had && old.handle != handle {
		_ = old.handle.Close()
	}
	return true
}

// Get returns the tenant's handle, if any.
func (r *Registry) Get(tenant string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.handles[tenant]
	return reg.handle, ok
}

// Remove drops the tenant's handle without closing it.
func (r *Registry) Remove(tenant string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, tenant)
}

// RemoveIfCurrent drops the tenant's handle only if it was installed by
// generation gen.
func (r *Registry) RemoveIfCurrent(tenant string, gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.handles[tenant]
	if !ok || reg.generation != gen {
		return false
	}
	delete(r.handles, tenant)
	return true
}

// RemoveIfOlder drops and returns the tenant's handle if it was installed
// by a generation older than gen. The caller owns the returned handle.
func (r *Registry) RemoveIfOlder(tenant string, gen uint64) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.handles[tenant]
	if !ok || reg.generation >= gen {
		return nil, false
	}
	delete(r.handles, tenant)
	return reg.handle, true
}

// IsActive reports whether the tenant has a handle that finished
// authenticating. A registered but still pairing handle is not active.
func (r *Registry) IsActive(tenant string) bool {
	handle, ok := r.Get(tenant)
	return ok && handle.AuthenticatedIdentity() != ""
}

// All returns a snapshot of every registered handle, sorted by tenant.
func (r *Registry) All() []RegistryEntry {
	r.mu.RLock()
	entries := make([]RegistryEntry, 0, len(r.handles))
	for tenant, reg := range r.handles {
		entries = append(entries, RegistryEntry{Tenant: tenant, Handle: reg.handle, Generation: reg.generation})
	}
	r.mu.RUnlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].Tenant < entries[j].Tenant })
	return entries
}

// Len returns the number of registered handles.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

// CloseAll closes and removes every handle. The generation of every known
// tenant is bumped so in-flight connect attempts find themselves stale,
// including attempts that have not installed a handle yet.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	handles := r.handles
	r.handles = make(map[string]registration)
	for tenant := range r.generations {
		r.generations[tenant]++
	}
	r.mu.Unlock()

	var errs []error
	for _, reg := range handles {
		if err := reg.handle.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
