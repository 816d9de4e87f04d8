// Package registry maps client addresses to their live virtual pads.
//
// Structural changes (Insert, Remove, Close) take the map lock exclusively. State
// transitions (WithEntry) only look the entry up under the shared lock and then
// serialize on the entry's own mutex, so transitions for different clients never
// wait on each other and the driver never sees a half-applied state.
package registry

import (
	"errors"
	"log/slog"
	"net/netip"
	"sync"

	"github.com/google/uuid"

	"github.com/xpalm/xpalm/device/xbox360"
	"github.com/xpalm/xpalm/internal/driver"
)

// ErrClosed is returned by Insert once the registry has been closed.
var ErrClosed = errors.New("registry closed")

type entry struct {
	mu      sync.Mutex
	session uuid.UUID
	handle  driver.Handle
	state   xbox360.InputState
	removed bool
}

// Registry is safe for concurrent use.
type Registry struct {
	binding driver.Binding
	logger  *slog.Logger

	mu      sync.RWMutex
	entries map[netip.Addr]*entry
	closed  bool
}

// New returns an empty registry pushing states through binding.
func New(binding driver.Binding, logger *slog.Logger) *Registry {
	return &Registry{
		binding: binding,
		logger:  logger,
		entries: make(map[netip.Addr]*entry),
	}
}

// Key normalizes an address so IPv4 and IPv4-mapped IPv6 peers share one entry.
func Key(addr netip.Addr) netip.Addr { return addr.Unmap() }

// Insert registers a ready device for addr and pushes the initial state. An
// existing entry for the same address is replaced and its device torn down.
// It returns the new session id.
func (r *Registry) Insert(addr netip.Addr, h driver.Handle, initial xbox360.InputState) (uuid.UUID, error) {
	addr = Key(addr)
	e := &entry{session: uuid.New(), handle: h, state: initial}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.binding.Teardown(h)
		return uuid.Nil, ErrClosed
	}
	old := r.entries[addr]
	r.entries[addr] = e
	r.mu.Unlock()

	if old != nil {
		r.logger.Warn("Replacing existing session", "addr", addr, "session", old.session)
		r.retire(old)
	}

	e.mu.Lock()
	r.push(addr, e)
	e.mu.Unlock()
	return e.session, nil
}

// Remove drops the entry for addr and tears its device down. It reports whether
// an entry existed.
func (r *Registry) Remove(addr netip.Addr) bool {
	addr = Key(addr)
	r.mu.Lock()
	e, ok := r.entries[addr]
	if ok {
		delete(r.entries, addr)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	r.retire(e)
	return true
}

// RemoveSession is Remove restricted to the entry created with the given session
// id. It leaves a newer entry for the same address untouched.
func (r *Registry) RemoveSession(addr netip.Addr, session uuid.UUID) bool {
	addr = Key(addr)
	r.mu.Lock()
	e, ok := r.entries[addr]
	if !ok || e.session != session {
		r.mu.Unlock()
		return false
	}
	delete(r.entries, addr)
	r.mu.Unlock()

	r.retire(e)
	return true
}

// WithEntry applies f to the state of addr's entry and pushes the result to the
// driver. Push failures are logged and otherwise ignored. It reports false when
// addr has no entry.
func (r *Registry) WithEntry(addr netip.Addr, f func(*xbox360.InputState)) bool {
	addr = Key(addr)
	r.mu.RLock()
	e, ok := r.entries[addr]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return false
	}
	f(&e.state)
	r.push(addr, e)
	return true
}

// Lookup returns a copy of addr's current state.
func (r *Registry) Lookup(addr netip.Addr) (xbox360.InputState, bool) {
	addr = Key(addr)
	r.mu.RLock()
	e, ok := r.entries[addr]
	r.mu.RUnlock()
	if !ok {
		return xbox360.InputState{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return xbox360.InputState{}, false
	}
	return e.state, true
}

// Has reports whether addr has an entry.
func (r *Registry) Has(addr netip.Addr) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[Key(addr)]
	return ok
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Close tears down every remaining device. Later Inserts fail with ErrClosed.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	entries := r.entries
	r.entries = make(map[netip.Addr]*entry)
	r.mu.Unlock()

	for addr, e := range entries {
		r.logger.Info("Dropping session", "addr", addr, "session", e.session)
		r.retire(e)
	}
}

// retire marks e removed, waiting for an in-flight transition, then tears it down.
func (r *Registry) retire(e *entry) {
	e.mu.Lock()
	e.removed = true
	e.mu.Unlock()
	r.binding.Teardown(e.handle)
}

// push must be called with e.mu held.
func (r *Registry) push(addr netip.Addr, e *entry) {
	if err := r.binding.PushState(e.handle, e.state); err != nil {
		r.logger.Debug("state push failed", "addr", addr, "device", e.handle.ID(), "error", err)
	}
}
