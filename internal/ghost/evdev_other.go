//go:build !linux

package ghost

import (
	"errors"
	"log/slog"
)

// ErrUnsupported is returned where no key source exists.
var ErrUnsupported = errors.New("ghost hotkeys are only supported on linux")

// NewKeySource returns the platform key source for cfg.
func NewKeySource(Config, *slog.Logger) (KeySource, error) {
	return nil, ErrUnsupported
}
