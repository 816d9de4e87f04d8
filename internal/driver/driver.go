// Package driver defines the boundary to the virtual-controller driver that turns
// input-state snapshots into an emulated Xbox 360 pad on the host.
package driver

import (
	"context"
	"errors"

	"github.com/xpalm/xpalm/device/xbox360"
)

// ErrNotReady is returned by PushState for a device that has not passed WaitReady.
var ErrNotReady = errors.New("device not ready")

// Handle identifies one virtual device created by a Binding.
type Handle interface {
	ID() string
}

// Binding creates, feeds and removes virtual devices. Implementations must be safe
// for concurrent use by the control plane, the data plane and the ghost feature.
type Binding interface {
	// Create plugs in a new virtual device.
	Create(ctx context.Context) (Handle, error)
	// WaitReady blocks until the device accepts state pushes.
	WaitReady(ctx context.Context, h Handle) error
	// PushState sends a full snapshot. Callers treat failures as best-effort.
	PushState(h Handle, state xbox360.InputState) error
	// Teardown unplugs the device. It is safe to call on a device that never got ready.
	Teardown(h Handle)
}

// Kind names a Binding implementation selectable from the command line.
type Kind string

const (
	KindVIIPER Kind = "viiper"
	KindMemory Kind = "memory"
)

// Plug is Create followed by WaitReady. A device that fails to get ready is torn
// down before the error is returned, so callers never hold a half-created device.
func Plug(ctx context.Context, b Binding) (Handle, error) {
	h, err := b.Create(ctx)
	if err != nil {
		return nil, err
	}
	if err := b.WaitReady(ctx, h); err != nil {
		b.Teardown(h)
		return nil, err
	}
	return h, nil
}
