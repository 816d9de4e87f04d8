// Package supervisor binds the network components to the current host address
// and rebinds them whenever it changes.
package supervisor

import (
	"context"
	"log/slog"
	"net/netip"

	"golang.org/x/sync/errgroup"

	"github.com/xpalm/xpalm/internal/driver"
	"github.com/xpalm/xpalm/internal/registry"
	"github.com/xpalm/xpalm/internal/server/control"
)

// Component is one network task of a cycle. Run blocks until ctx ends and returns
// an error only when it cannot start.
type Component interface {
	Run(ctx context.Context) error
}

// ComponentFunc adapts a function to Component.
type ComponentFunc func(ctx context.Context) error

func (f ComponentFunc) Run(ctx context.Context) error { return f(ctx) }

// Cycle is the state shared by the components of one binding.
type Cycle struct {
	Host     netip.Addr
	Registry *registry.Registry
	Blocked  *control.Blocklist
}

// Factory builds the components for a cycle.
type Factory func(c Cycle) []Component

type Supervisor struct {
	binding driver.Binding
	factory Factory
	logger  *slog.Logger
}

func New(binding driver.Binding, factory Factory, logger *slog.Logger) *Supervisor {
	return &Supervisor{binding: binding, factory: factory, logger: logger}
}

// Run waits for the first address and then keeps one cycle bound to the latest
// address. It returns nil when ctx ends or addrs is closed.
func (s *Supervisor) Run(ctx context.Context, addrs <-chan netip.Addr) error {
	s.logger.Info("Waiting for host address")
	var addr netip.Addr
	select {
	case a, ok := <-addrs:
		if !ok {
			return nil
		}
		addr = a
	case <-ctx.Done():
		return nil
	}

	for {
		next, ok := s.bound(ctx, addr, addrs)
		if !ok {
			return nil
		}
		s.logger.Info("Host address changed, rebinding", "from", addr, "to", next)
		addr = next
	}
}

// bound runs one cycle on addr until a different address arrives. It reports
// false when the supervisor should stop.
func (s *Supervisor) bound(ctx context.Context, addr netip.Addr, addrs <-chan netip.Addr) (netip.Addr, bool) {
	cycle := Cycle{
		Host:     addr,
		Registry: registry.New(s.binding, s.logger.With("component", "registry")),
		Blocked:  control.NewBlocklist(),
	}
	defer cycle.Registry.Close()

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(cctx)
	for _, c := range s.factory(cycle) {
		g.Go(func() error { return c.Run(gctx) })
	}
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	s.logger.Info("Bound to host address", "addr", addr)

	// wait stops the cycle's components and blocks until they returned.
	wait := func() {
		cancel()
		if done != nil {
			<-done
		}
	}
	for {
		select {
		case a, ok := <-addrs:
			if !ok {
				wait()
				return netip.Addr{}, false
			}
			if a == addr {
				continue
			}
			wait()
			return a, true
		case <-ctx.Done():
			wait()
			return netip.Addr{}, false
		case err := <-done:
			done = nil
			if err != nil {
				s.logger.Error("Network components failed, waiting for address change", "addr", addr, "error", err)
			} else {
				s.logger.Warn("Network components stopped, waiting for address change", "addr", addr)
			}
			cycle.Registry.Close()
		}
	}
}
