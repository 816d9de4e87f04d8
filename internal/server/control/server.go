// Package control serves the TCP control channel: admission, buttons, triggers
// and liveness probes.
package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"github.com/google/uuid"

	"github.com/xpalm/xpalm/device/xbox360"
	"github.com/xpalm/xpalm/internal/admission"
	"github.com/xpalm/xpalm/internal/driver"
	xlog "github.com/xpalm/xpalm/internal/log"
	"github.com/xpalm/xpalm/internal/protocol"
	"github.com/xpalm/xpalm/internal/registry"
)

// Config is embedded in the serve command with the "control." prefix.
type Config struct {
	Port            uint16                   `help:"TCP port for the control channel" default:"45784" env:"XPALM_CONTROL_PORT"`
	TriggerDecoding protocol.TriggerDecoding `help:"How trigger payloads are decoded: raw (LE magnitude) or binary (high byte pressed flag)" default:"raw" enum:"raw,binary" env:"XPALM_CONTROL_TRIGGER_DECODING"`
	BlockPolicy     BlockPolicy              `help:"Effect of a Block decision: persist (refuse the address until the network changes) or reject-only" default:"persist" enum:"persist,reject-only" env:"XPALM_CONTROL_BLOCK_POLICY"`
}

// Server runs the accept loop for one supervisor cycle.
type Server struct {
	cfg       Config
	host      netip.Addr
	reg       *registry.Registry
	binding   driver.Binding
	decider   admission.Decider
	blocked   *Blocklist
	logger    *slog.Logger
	rawLogger xlog.RawLogger

	ready     chan struct{}
	readyOnce sync.Once
	ln        net.Listener

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}
	wg      sync.WaitGroup
}

func New(cfg Config, host netip.Addr, reg *registry.Registry, binding driver.Binding, decider admission.Decider, blocked *Blocklist, logger *slog.Logger, rawLogger xlog.RawLogger) *Server {
	if cfg.TriggerDecoding == "" {
		cfg.TriggerDecoding = protocol.TriggerRaw
	}
	if cfg.BlockPolicy == "" {
		cfg.BlockPolicy = BlockPersist
	}
	if rawLogger == nil {
		rawLogger = xlog.NewRaw(nil)
	}
	return &Server{
		cfg:       cfg,
		host:      host,
		reg:       reg,
		binding:   binding,
		decider:   decider,
		blocked:   blocked,
		logger:    logger,
		rawLogger: rawLogger,
		ready:     make(chan struct{}),
		conns:     make(map[net.Conn]struct{}),
	}
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr returns the bound address. Only valid after Ready.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Run listens on the host address and serves until ctx ends. On return every
// connection is closed and every handler has finished its Registry cleanup.
func (s *Server) Run(ctx context.Context) error {
	if err := s.cfg.TriggerDecoding.Validate(); err != nil {
		return err
	}
	if err := s.cfg.BlockPolicy.Validate(); err != nil {
		return err
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp4", netip.AddrPortFrom(s.host, s.cfg.Port).String())
	if err != nil {
		return fmt.Errorf("control listen: %w", err)
	}
	s.ln = ln
	s.readyOnce.Do(func() { close(s.ready) })
	s.logger.Info("Control server listening", "addr", ln.Addr())

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	defer s.shutdown()

	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.logger.Info("Control server stopped")
				return nil
			}
			s.logger.Error("Accept error", "error", err)
			continue
		}
		peer := remoteAddr(c)
		if s.blocked.Contains(peer) {
			s.logger.Info("Refused blocked client", "remote", peer)
			_ = c.Close()
			continue
		}
		s.track(c)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(c)
			s.handleConn(ctx, c, peer)
		}()
	}
}

func (s *Server) shutdown() {
	_ = s.ln.Close()
	s.connsMu.Lock()
	for c := range s.conns {
		_ = c.Close()
	}
	s.connsMu.Unlock()
	s.wg.Wait()
}

func (s *Server) track(c net.Conn) {
	s.connsMu.Lock()
	s.conns[c] = struct{}{}
	s.connsMu.Unlock()
}

func (s *Server) untrack(c net.Conn) {
	s.connsMu.Lock()
	delete(s.conns, c)
	s.connsMu.Unlock()
}

func remoteAddr(c net.Conn) netip.Addr {
	if ta, ok := c.RemoteAddr().(*net.TCPAddr); ok {
		return ta.AddrPort().Addr().Unmap()
	}
	return netip.Addr{}
}

// handleConn processes frames in arrival order until the client leaves, is
// refused, or the server stops.
//
// Frames act on the entry of the peer address. On disconnect only the session
// this connection admitted is removed: when the client has reconnected from the
// same address in the meantime, the old socket's EOF leaves the new session alone.
func (s *Server) handleConn(ctx context.Context, c net.Conn, peer netip.Addr) {
	defer c.Close()
	logger := s.logger.With("remote", peer)
	logger.Debug("Client connected")

	var session uuid.UUID
	leave := func(err error) {
		if session != uuid.Nil && s.reg.RemoveSession(peer, session) {
			logger.Info("Client disconnected, session removed", "session", session, "sessions", s.reg.Len())
			return
		}
		logger.Debug("Client disconnected", "error", err)
	}

	var f protocol.Frame
	for {
		if _, err := io.ReadFull(c, f[:]); err != nil {
			leave(err)
			return
		}
		s.rawLogger.Log(true, "control", peer.String(), f[:])

		if f.Op() == protocol.OpConnect {
			id, ok := s.admit(ctx, peer, logger)
			if !ok {
				return
			}
			session = id
			if err := s.write(c, peer, []byte{protocol.Accepted}); err != nil {
				leave(err)
				return
			}
			logger.Info("Client admitted", "session", id, "sessions", s.reg.Len())
			continue
		}
		if !s.reg.Has(peer) {
			logger.Debug("frame without a session", "op", f.Op())
			return
		}

		switch f.Op() {
		case protocol.OpButtons:
			mask := f.Payload()
			switch f.Sub() {
			case protocol.ButtonsSet:
				if !s.reg.WithEntry(peer, func(st *xbox360.InputState) { st.Press(mask) }) {
					return
				}
			case protocol.ButtonsClear:
				if !s.reg.WithEntry(peer, func(st *xbox360.InputState) { st.Release(mask) }) {
					return
				}
			default:
				logger.Debug("unknown button selector", "sub", f.Sub())
			}
		case protocol.OpTrigger:
			side := xbox360.Side(f.Sub())
			if side != xbox360.Left && side != xbox360.Right {
				logger.Debug("unknown trigger selector", "sub", f.Sub())
				continue
			}
			v := s.cfg.TriggerDecoding.Magnitude(f)
			if !s.reg.WithEntry(peer, func(st *xbox360.InputState) { st.SetTrigger(side, v) }) {
				return
			}
		case protocol.OpProbe:
			if err := s.write(c, peer, protocol.ProbeReply[:]); err != nil {
				leave(err)
				return
			}
		default:
			logger.Debug("unknown opcode", "op", f.Op())
		}
	}
}

// admit runs the admission decision for a connect frame and registers the new
// device. It reports the session id and whether the connection stays open.
func (s *Server) admit(ctx context.Context, peer netip.Addr, logger *slog.Logger) (uuid.UUID, bool) {
	logger.Info("Connect request")
	switch d := s.decider.Decide(ctx, peer); d {
	case admission.Accept:
	case admission.Block:
		if s.cfg.BlockPolicy == BlockPersist {
			s.blocked.Add(peer)
			logger.Info("Client blocked")
		} else {
			logger.Info("Client rejected (block not persisted)")
		}
		return uuid.Nil, false
	default:
		logger.Info("Client rejected")
		return uuid.Nil, false
	}

	h, err := driver.Plug(ctx, s.binding)
	if err != nil {
		logger.Error("Failed to create virtual controller", "error", err)
		return uuid.Nil, false
	}
	session, err := s.reg.Insert(peer, h, xbox360.InputState{})
	if err != nil {
		logger.Warn("Failed to register session", "error", err)
		return uuid.Nil, false
	}
	logger.Debug("Virtual controller ready", "device", h.ID())
	return session, true
}

func (s *Server) write(c net.Conn, peer netip.Addr, b []byte) error {
	if _, err := c.Write(b); err != nil {
		return err
	}
	s.rawLogger.Log(false, "control", peer.String(), b)
	return nil
}
