//go:build linux

package ghost

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kenshaw/evdev"
)

// EvdevSource reads key releases from a Linux input device.
type EvdevSource struct {
	path      string
	addKey    uint16
	removeKey uint16
	logger    *slog.Logger
}

// NewKeySource returns the platform key source for cfg.
func NewKeySource(cfg Config, logger *slog.Logger) (KeySource, error) {
	return &EvdevSource{path: cfg.Device, addKey: cfg.AddKey, removeKey: cfg.RemoveKey, logger: logger}, nil
}

func (s *EvdevSource) Run(ctx context.Context, out chan<- Event) error {
	d, err := evdev.OpenFile(s.path)
	if err != nil {
		return fmt.Errorf("open %s: %w", s.path, err)
	}
	defer d.Close()
	s.logger.Info("Watching ghost hotkeys", "device", d.Name(), "path", s.path)

	events := d.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event := <-events:
			if event == nil {
				return fmt.Errorf("%s: device closed", s.path)
			}
			if _, ok := event.Type.(evdev.KeyType); !ok || event.Value != 0 {
				continue
			}
			ev, ok := classify(event.Code, s.addKey, s.removeKey)
			if !ok {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return nil
			}
		}
	}
}
