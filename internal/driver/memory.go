package driver

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/xpalm/xpalm/device/xbox360"
	xlog "github.com/xpalm/xpalm/internal/log"
)

// Memory is an in-process Binding. It keeps the last pushed state of every live
// device, which makes it useful for dry runs and for tests.
type Memory struct {
	logger *slog.Logger

	mu      sync.Mutex
	nextID  uint64
	devices map[string]*memDevice
	created int
	removed int

	// Optional failure injection.
	CreateErr error
	ReadyErr  error
	PushErr   error
}

type memDevice struct {
	id     string
	ready  bool
	state  xbox360.InputState
	pushes int
}

func (d *memDevice) ID() string { return d.id }

// NewMemory returns an empty Memory binding. A nil logger discards output.
func NewMemory(logger *slog.Logger) *Memory {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Memory{logger: logger, devices: make(map[string]*memDevice)}
}

func (m *Memory) Create(ctx context.Context) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateErr != nil {
		return nil, m.CreateErr
	}
	m.nextID++
	d := &memDevice{id: fmt.Sprintf("mem-%d", m.nextID)}
	m.devices[d.id] = d
	m.created++
	m.logger.Debug("memory device created", "id", d.id)
	return d, nil
}

func (m *Memory) WaitReady(ctx context.Context, h Handle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ReadyErr != nil {
		return m.ReadyErr
	}
	d, ok := m.devices[h.ID()]
	if !ok {
		return fmt.Errorf("device %s not found", h.ID())
	}
	d.ready = true
	return nil
}

func (m *Memory) PushState(h Handle, state xbox360.InputState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PushErr != nil {
		return m.PushErr
	}
	d, ok := m.devices[h.ID()]
	if !ok || !d.ready {
		return ErrNotReady
	}
	d.state = state
	d.pushes++
	m.logger.Log(context.Background(), xlog.LevelTrace, "memory device state", "id", d.id, "state", state)
	return nil
}

func (m *Memory) Teardown(h Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[h.ID()]; !ok {
		return
	}
	delete(m.devices, h.ID())
	m.removed++
	m.logger.Debug("memory device removed", "id", h.ID())
}

// State returns the last state pushed to a live device.
func (m *Memory) State(h Handle) (xbox360.InputState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[h.ID()]
	if !ok {
		return xbox360.InputState{}, false
	}
	return d.state, true
}

// Pushes returns how many states a live device has received.
func (m *Memory) Pushes(h Handle) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.devices[h.ID()]; ok {
		return d.pushes
	}
	return 0
}

// Live returns the number of devices not yet torn down.
func (m *Memory) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.devices)
}

// Counts returns how many devices were created and torn down in total.
func (m *Memory) Counts() (created, removed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.created, m.removed
}
