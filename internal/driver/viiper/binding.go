package viiper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/xpalm/xpalm/device/xbox360"
	"github.com/xpalm/xpalm/internal/driver"
)

const (
	deviceType = "xbox360"
	maxBusID   = 100
)

// Config is the VIIPER section of the command line.
type Config struct {
	Addr     string        `help:"VIIPER API address" default:"localhost:3242" env:"XPALM_VIIPER_ADDR"`
	Password string        `help:"VIIPER API password; empty skips the auth handshake" env:"XPALM_VIIPER_PASSWORD"`
	BusID    uint32        `help:"Bus to plug pads into; 0 uses the lowest existing bus or creates one" default:"0" env:"XPALM_VIIPER_BUS"`
	Timeout  time.Duration `help:"Timeout for VIIPER API requests" default:"5s" env:"XPALM_VIIPER_TIMEOUT"`
}

// Binding implements driver.Binding on top of a VIIPER server.
// Create adds an xbox360 device, WaitReady opens its stream, PushState writes
// to the stream and Teardown closes it and removes the device.
type Binding struct {
	client *Client
	cfg    Config
	logger *slog.Logger

	busMu sync.Mutex
	busID uint32
}

var _ driver.Binding = (*Binding)(nil)

type pad struct {
	busID uint32
	devID string

	mu     sync.Mutex
	stream *Stream
}

func (p *pad) ID() string { return fmt.Sprintf("%d-%s", p.busID, p.devID) }

// New returns a Binding for the server described by cfg.
func New(cfg Config, logger *slog.Logger) *Binding {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Binding{
		client: NewClient(cfg.Addr, TransportConfig{
			ReadTimeout:  cfg.Timeout,
			WriteTimeout: cfg.Timeout,
			Password:     cfg.Password,
		}),
		cfg:    cfg,
		logger: logger.With("component", "viiper"),
	}
}

// Client exposes the underlying API client.
func (b *Binding) Client() *Client { return b.client }

// bus resolves the bus devices are plugged into, creating it on first use.
func (b *Binding) bus(ctx context.Context) (uint32, error) {
	b.busMu.Lock()
	defer b.busMu.Unlock()
	if b.busID != 0 {
		return b.busID, nil
	}

	list, err := b.client.BusList(ctx)
	if err != nil {
		return 0, fmt.Errorf("list buses: %w", err)
	}

	if b.cfg.BusID != 0 {
		if !slices.Contains(list.Buses, b.cfg.BusID) {
			if _, err := b.client.BusCreate(ctx, b.cfg.BusID); err != nil {
				return 0, fmt.Errorf("create bus %d: %w", b.cfg.BusID, err)
			}
			b.logger.Info("Created VIIPER bus", "bus", b.cfg.BusID)
		}
		b.busID = b.cfg.BusID
		return b.busID, nil
	}

	if len(list.Buses) > 0 {
		b.busID = slices.Min(list.Buses)
		b.logger.Info("Using existing VIIPER bus", "bus", b.busID)
		return b.busID, nil
	}

	var createErr error
	for try := uint32(1); try <= maxBusID; try++ {
		r, err := b.client.BusCreate(ctx, try)
		if err == nil {
			b.busID = r.BusID
			b.logger.Info("Created VIIPER bus", "bus", b.busID)
			return b.busID, nil
		}
		createErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return 0, fmt.Errorf("create bus: %w", createErr)
}

func (b *Binding) Create(ctx context.Context) (driver.Handle, error) {
	busID, err := b.bus(ctx)
	if err != nil {
		return nil, err
	}
	dev, err := b.client.DeviceAdd(ctx, busID, deviceType)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == 404 {
			// Bus vanished on the server side; resolve it again next time.
			b.busMu.Lock()
			b.busID = 0
			b.busMu.Unlock()
		}
		return nil, fmt.Errorf("add %s device: %w", deviceType, err)
	}
	b.logger.Debug("VIIPER device added", "bus", dev.BusID, "dev", dev.DevID)
	return &pad{busID: dev.BusID, devID: dev.DevID}, nil
}

func (b *Binding) WaitReady(ctx context.Context, h driver.Handle) error {
	p, ok := h.(*pad)
	if !ok {
		return fmt.Errorf("foreign handle %s", h.ID())
	}
	s, err := b.client.OpenStream(ctx, p.busID, p.devID)
	if err != nil {
		return fmt.Errorf("open stream for %s: %w", p.ID(), err)
	}
	p.mu.Lock()
	p.stream = s
	p.mu.Unlock()
	return nil
}

func (b *Binding) PushState(h driver.Handle, state xbox360.InputState) error {
	p, ok := h.(*pad)
	if !ok {
		return fmt.Errorf("foreign handle %s", h.ID())
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream == nil {
		return driver.ErrNotReady
	}
	return p.stream.WriteBinary(&state)
}

func (b *Binding) Teardown(h driver.Handle) {
	p, ok := h.(*pad)
	if !ok {
		return
	}
	p.mu.Lock()
	if p.stream != nil {
		_ = p.stream.Close()
		p.stream = nil
	}
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.Timeout)
	defer cancel()
	if _, err := b.client.DeviceRemove(ctx, p.busID, p.devID); err != nil {
		b.logger.Warn("failed to remove VIIPER device", "device", p.ID(), "error", err)
		return
	}
	b.logger.Debug("VIIPER device removed", "device", p.ID())
}
