// Package data serves the UDP channel carrying stick-axis updates.
package data

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"github.com/xpalm/xpalm/device/xbox360"
	xlog "github.com/xpalm/xpalm/internal/log"
	"github.com/xpalm/xpalm/internal/protocol"
	"github.com/xpalm/xpalm/internal/registry"
)

// Config is embedded in the serve command with the "data." prefix.
type Config struct {
	Port uint16 `help:"UDP port for axis updates" default:"45784" env:"XPALM_DATA_PORT"`
}

type Server struct {
	cfg       Config
	host      netip.Addr
	reg       *registry.Registry
	logger    *slog.Logger
	rawLogger xlog.RawLogger

	ready     chan struct{}
	readyOnce sync.Once
	conn      net.PacketConn
}

func New(cfg Config, host netip.Addr, reg *registry.Registry, logger *slog.Logger, rawLogger xlog.RawLogger) *Server {
	if rawLogger == nil {
		rawLogger = xlog.NewRaw(nil)
	}
	return &Server{
		cfg:       cfg,
		host:      host,
		reg:       reg,
		logger:    logger,
		rawLogger: rawLogger,
		ready:     make(chan struct{}),
	}
}

// Ready is closed once the socket is bound.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr returns the bound address. Only valid after Ready.
func (s *Server) Addr() net.Addr { return s.conn.LocalAddr() }

// Run binds the data port and applies axis updates until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	var lc net.ListenConfig
	conn, err := lc.ListenPacket(ctx, "udp4", netip.AddrPortFrom(s.host, s.cfg.Port).String())
	if err != nil {
		return fmt.Errorf("data listen: %w", err)
	}
	s.conn = conn
	s.readyOnce.Do(func() { close(s.ready) })
	s.logger.Info("Data server listening", "addr", conn.LocalAddr())

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()

	buf := make([]byte, 64)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.logger.Info("Data server stopped")
				return nil
			}
			s.logger.Debug("data receive failed", "error", err)
			continue
		}
		s.handle(from, buf[:n])
	}
}

func (s *Server) handle(from net.Addr, b []byte) {
	ua, ok := from.(*net.UDPAddr)
	if !ok {
		return
	}
	peer := ua.AddrPort().Addr().Unmap()
	s.rawLogger.Log(true, "data", peer.String(), b)

	u, ok := protocol.ParseAxis(b)
	if !ok {
		s.logger.Log(context.Background(), xlog.LevelTrace, "ignored datagram", "remote", peer, "len", len(b))
		return
	}
	if !s.reg.WithEntry(peer, func(st *xbox360.InputState) { st.SetStick(u.Stick, u.X, u.Y) }) {
		s.logger.Log(context.Background(), xlog.LevelTrace, "axis update from unknown client", "remote", peer)
	}
}
