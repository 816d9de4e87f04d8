// Package ghost manages virtual controllers driven by nobody: local hotkeys add
// and remove them, independent of network clients.
package ghost

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/xpalm/xpalm/internal/driver"
)

// Event is a request from the key source.
type Event int

const (
	Add Event = iota
	Remove
)

func (e Event) String() string {
	if e == Add {
		return "add"
	}
	return "remove"
}

// Config is embedded in the serve command with the "ghost." prefix.
type Config struct {
	Device    string `help:"Input device watched for ghost hotkeys (e.g. /dev/input/event3); empty disables ghosts" env:"XPALM_GHOST_DEVICE"`
	AddKey    uint16 `help:"Key code that adds a ghost controller (default F7)" default:"65" env:"XPALM_GHOST_ADD_KEY"`
	RemoveKey uint16 `help:"Key code that removes the last ghost controller (default F8)" default:"66" env:"XPALM_GHOST_REMOVE_KEY"`
}

// KeySource turns key releases into events. It only ever sends on out and never
// touches the ghost list.
type KeySource interface {
	Run(ctx context.Context, out chan<- Event) error
}

// Manager owns the ghost list. Only the goroutine running Run touches it.
type Manager struct {
	binding driver.Binding
	logger  *slog.Logger

	ghosts []driver.Handle
	count  atomic.Int32
}

func NewManager(binding driver.Binding, logger *slog.Logger) *Manager {
	return &Manager{binding: binding, logger: logger}
}

// Len returns the number of live ghosts.
func (m *Manager) Len() int { return int(m.count.Load()) }

// Run applies events one at a time until ctx ends or events is closed, then
// tears every ghost down.
func (m *Manager) Run(ctx context.Context, events <-chan Event) {
	defer m.clear()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.apply(ctx, ev)
		}
	}
}

func (m *Manager) apply(ctx context.Context, ev Event) {
	switch ev {
	case Add:
		h, err := driver.Plug(ctx, m.binding)
		if err != nil {
			m.logger.Error("Failed to add ghost controller", "error", err)
			return
		}
		m.ghosts = append(m.ghosts, h)
		m.count.Store(int32(len(m.ghosts)))
		m.logger.Info("Ghost controller added", "device", h.ID(), "ghosts", len(m.ghosts))
	case Remove:
		if len(m.ghosts) == 0 {
			m.logger.Debug("no ghost controller to remove")
			return
		}
		h := m.ghosts[len(m.ghosts)-1]
		m.ghosts = m.ghosts[:len(m.ghosts)-1]
		m.binding.Teardown(h)
		m.count.Store(int32(len(m.ghosts)))
		m.logger.Info("Ghost controller removed", "device", h.ID(), "ghosts", len(m.ghosts))
	}
}

func (m *Manager) clear() {
	for i := len(m.ghosts) - 1; i >= 0; i-- {
		m.binding.Teardown(m.ghosts[i])
	}
	m.ghosts = nil
	m.count.Store(0)
}

// Start runs src and the manager until ctx ends. A source failure is logged and
// leaves the manager running with no input.
func Start(ctx context.Context, src KeySource, m *Manager, logger *slog.Logger) <-chan struct{} {
	events := make(chan Event, 16)
	done := make(chan struct{})
	go func() {
		if err := src.Run(ctx, events); err != nil && ctx.Err() == nil {
			logger.Warn("Ghost hotkeys unavailable", "error", err)
		}
	}()
	go func() {
		defer close(done)
		m.Run(ctx, events)
	}()
	return done
}
