package hostaddr

import (
	"context"
	"log/slog"
	"net/netip"
	"time"
)

// Poller samples a Source on an interval and reports only changes.
type Poller struct {
	src      Source
	interval time.Duration
	logger   *slog.Logger
}

func NewPoller(src Source, interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = time.Second
	}
	return &Poller{src: src, interval: interval, logger: logger}
}

// Watch starts polling and returns a channel that receives the first address and
// then every different one. Failed samples keep the previous address. The
// channel is closed once ctx ends.
func (p *Poller) Watch(ctx context.Context) <-chan netip.Addr {
	out := make(chan netip.Addr)
	go func() {
		defer close(out)
		t := time.NewTicker(p.interval)
		defer t.Stop()

		var last netip.Addr
		for {
			addr, err := p.src.Current(ctx)
			switch {
			case err != nil:
				p.logger.Debug("host address sample failed", "error", err)
			case addr != last:
				p.logger.Debug("host address changed", "from", last, "to", addr)
				select {
				case out <- addr:
					last = addr
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-t.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
