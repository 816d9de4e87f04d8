// Package hostaddr reports the host's current IPv4 address and notifies on change.
package hostaddr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	psnet "github.com/shirou/gopsutil/v3/net"
)

// ErrNoAddress is returned when a source has no usable IPv4 address.
var ErrNoAddress = errors.New("no IPv4 address")

// Source samples the current host address.
type Source interface {
	Current(ctx context.Context) (netip.Addr, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (netip.Addr, error)

func (f SourceFunc) Current(ctx context.Context) (netip.Addr, error) { return f(ctx) }

// Config is embedded in the serve command.
type Config struct {
	Addr         string        `help:"Use this IPv4 address instead of detecting one" env:"XPALM_HOST_ADDR"`
	Interface    string        `help:"Take the host address from this network interface" env:"XPALM_HOST_INTERFACE"`
	RouteProbe   string        `help:"Address used to find the outbound interface when detecting the host address" default:"1.1.1.1:1" env:"XPALM_HOST_ROUTE_PROBE"`
	PollInterval time.Duration `help:"How often the host address is sampled" default:"1s" env:"XPALM_HOST_POLL_INTERVAL"`
}

// NewSource picks the source configured in cfg: a fixed address, an interface,
// or the outbound route.
func NewSource(cfg Config) (Source, error) {
	switch {
	case cfg.Addr != "":
		addr, err := netip.ParseAddr(cfg.Addr)
		if err != nil {
			return nil, fmt.Errorf("host address: %w", err)
		}
		if !addr.Unmap().Is4() {
			return nil, fmt.Errorf("host address %s is not IPv4", addr)
		}
		return Static(addr.Unmap()), nil
	case cfg.Interface != "":
		return Interface(cfg.Interface), nil
	default:
		probe := cfg.RouteProbe
		if probe == "" {
			probe = "1.1.1.1:1"
		}
		return Route(probe), nil
	}
}

// Static always reports addr.
func Static(addr netip.Addr) Source {
	return SourceFunc(func(context.Context) (netip.Addr, error) { return addr, nil })
}

// Interface reports the first IPv4 address assigned to the named interface.
func Interface(name string) Source {
	return SourceFunc(func(ctx context.Context) (netip.Addr, error) {
		ifaces, err := psnet.InterfacesWithContext(ctx)
		if err != nil {
			return netip.Addr{}, fmt.Errorf("list interfaces: %w", err)
		}
		for _, ifi := range ifaces {
			if ifi.Name != name {
				continue
			}
			for _, a := range ifi.Addrs {
				if addr, ok := parseIfaceAddr(a.Addr); ok && addr.Is4() {
					return addr, nil
				}
			}
			return netip.Addr{}, fmt.Errorf("interface %s: %w", name, ErrNoAddress)
		}
		return netip.Addr{}, fmt.Errorf("interface %s not found", name)
	})
}

// Route reports the local address the OS would use to reach target. No packet is
// sent; a UDP "connect" only selects a route.
func Route(target string) Source {
	return SourceFunc(func(ctx context.Context) (netip.Addr, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "udp4", target)
		if err != nil {
			return netip.Addr{}, fmt.Errorf("route probe: %w", err)
		}
		defer conn.Close()
		ua, ok := conn.LocalAddr().(*net.UDPAddr)
		if !ok {
			return netip.Addr{}, ErrNoAddress
		}
		addr, ok := netip.AddrFromSlice(ua.IP)
		if !ok || !addr.Unmap().Is4() || addr.IsUnspecified() {
			return netip.Addr{}, ErrNoAddress
		}
		return addr.Unmap(), nil
	})
}

// InterfaceByAddr returns the interface that owns addr. It returns nil and no
// error when no interface matches, letting the OS choose.
func InterfaceByAddr(ctx context.Context, addr netip.Addr) (*net.Interface, error) {
	ifaces, err := psnet.InterfacesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}
	for _, ifi := range ifaces {
		for _, a := range ifi.Addrs {
			if got, ok := parseIfaceAddr(a.Addr); ok && got == addr.Unmap() {
				return net.InterfaceByName(ifi.Name)
			}
		}
	}
	return nil, nil
}

// parseIfaceAddr accepts both "10.0.0.2/24" and bare "10.0.0.2".
func parseIfaceAddr(s string) (netip.Addr, bool) {
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Addr{}, false
		}
		return p.Addr().Unmap(), true
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, false
	}
	return a.Unmap(), true
}
