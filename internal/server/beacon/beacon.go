// Package beacon answers discovery queries so clients can find the host.
package beacon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"

	"golang.org/x/net/ipv4"

	"github.com/xpalm/xpalm/internal/hostaddr"
	xlog "github.com/xpalm/xpalm/internal/log"
	"github.com/xpalm/xpalm/internal/protocol"
)

// Config is embedded in the serve command with the "discovery." prefix.
type Config struct {
	Port  uint16 `help:"UDP port for discovery queries" default:"45783" env:"XPALM_DISCOVERY_PORT"`
	Group string `help:"Multicast group announcements are sent to" default:"224.3.29.115" env:"XPALM_DISCOVERY_GROUP"`
	Name  string `help:"Display name announced to clients (defaults to the hostname)" env:"XPALM_DISCOVERY_NAME"`
}

// Beacon is bound to one host address for one supervisor cycle.
type Beacon struct {
	cfg    Config
	host   netip.Addr
	name   string
	logger *slog.Logger
	raw    xlog.RawLogger
}

func New(cfg Config, host netip.Addr, logger *slog.Logger, raw xlog.RawLogger) *Beacon {
	if raw == nil {
		raw = xlog.NewRaw(nil)
	}
	return &Beacon{
		cfg:    cfg,
		host:   host.Unmap(),
		name:   DisplayName(cfg.Name),
		logger: logger,
		raw:    raw,
	}
}

// DisplayName returns name, or the hostname when name is empty.
func DisplayName(name string) string {
	if name != "" {
		return name
	}
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "xpalm"
}

// Run binds the discovery port, joins the group on the host's interface and
// answers queries until ctx ends. Only setup failures are returned.
//
// The socket is bound to the wildcard address: group traffic is not delivered to
// sockets bound to a unicast address on every platform. Queries from the host
// itself are filtered by source instead.
func (b *Beacon) Run(ctx context.Context) error {
	group := net.ParseIP(b.cfg.Group).To4()
	if group == nil || !group.IsMulticast() {
		return fmt.Errorf("invalid multicast group %q", b.cfg.Group)
	}

	lc := net.ListenConfig{Control: reuseAddr}
	pc, err := lc.ListenPacket(ctx, "udp4", fmt.Sprintf(":%d", b.cfg.Port))
	if err != nil {
		return fmt.Errorf("discovery listen: %w", err)
	}

	ifi, err := hostaddr.InterfaceByAddr(ctx, b.host)
	if err != nil {
		b.logger.Debug("interface lookup failed, using default", "error", err)
	}
	p := ipv4.NewPacketConn(pc)
	if err := p.JoinGroup(ifi, &net.UDPAddr{IP: group}); err != nil {
		_ = pc.Close()
		return fmt.Errorf("join %s: %w", group, err)
	}
	if ifi != nil {
		if err := p.SetMulticastInterface(ifi); err != nil {
			b.logger.Debug("failed to set multicast interface", "interface", ifi.Name, "error", err)
		}
	}

	b.logger.Info("Discovery beacon listening", "addr", pc.LocalAddr(), "group", group, "name", b.name)
	b.serve(ctx, pc, &net.UDPAddr{IP: group, Port: int(b.cfg.Port)})
	return nil
}

// serve owns conn and closes it when ctx ends.
func (b *Beacon) serve(ctx context.Context, conn net.PacketConn, group net.Addr) {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()

	announce := protocol.AnnounceMessage(b.name)
	buf := make([]byte, 512)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			b.logger.Debug("discovery receive failed", "error", err)
			continue
		}
		b.raw.Log(true, "discovery", from.String(), buf[:n])

		if n < 1 || buf[0] != protocol.Query {
			continue
		}
		if b.fromHost(from) {
			continue
		}
		if _, err := conn.WriteTo(announce, group); err != nil {
			b.logger.Debug("announce failed", "error", err)
			continue
		}
		b.raw.Log(false, "discovery", group.String(), announce)
		b.logger.Debug("Answered discovery query", "remote", from)
	}
}

func (b *Beacon) fromHost(from net.Addr) bool {
	ua, ok := from.(*net.UDPAddr)
	if !ok {
		return false
	}
	ip, ok := netip.AddrFromSlice(ua.IP)
	return ok && ip.Unmap() == b.host
}
