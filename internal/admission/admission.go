// Package admission decides whether a client may open a session.
package admission

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
)

// Decision is the outcome of an admission request.
type Decision int

const (
	Reject Decision = iota
	Accept
	Block
)

func (d Decision) String() string {
	switch d {
	case Accept:
		return "accept"
	case Reject:
		return "reject"
	case Block:
		return "block"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// Decider is consulted once per connect request. Decide may block indefinitely;
// it must return Reject when ctx ends first.
type Decider interface {
	Decide(ctx context.Context, addr netip.Addr) Decision
}

// DeciderFunc adapts a function to Decider.
type DeciderFunc func(ctx context.Context, addr netip.Addr) Decision

func (f DeciderFunc) Decide(ctx context.Context, addr netip.Addr) Decision { return f(ctx, addr) }

// Static always returns the same decision.
type Static Decision

func (s Static) Decide(context.Context, netip.Addr) Decision { return Decision(s) }

// Mode selects the Decider built by New.
type Mode string

const (
	ModePrompt Mode = "prompt"
	ModeAccept Mode = "accept"
	ModeReject Mode = "reject"
)

// Config is embedded in the serve command.
type Config struct {
	Mode Mode `help:"How connect requests are decided: prompt on the console, or accept/reject all" default:"prompt" enum:"prompt,accept,reject" env:"XPALM_ADMISSION_MODE"`
}

// New returns the Decider selected by cfg. Prompt mode reads answers from stdin.
func New(cfg Config, logger *slog.Logger) (Decider, error) {
	switch cfg.Mode {
	case ModePrompt, "":
		return NewConsolePrompt(os.Stdin, os.Stdout, logger), nil
	case ModeAccept:
		logger.Warn("Admission prompt disabled, accepting every client")
		return Static(Accept), nil
	case ModeReject:
		logger.Info("Admission prompt disabled, rejecting every client")
		return Static(Reject), nil
	default:
		return nil, fmt.Errorf("unknown admission mode %q", cfg.Mode)
	}
}

// Logged wraps d and logs every decision.
func Logged(d Decider, logger *slog.Logger) Decider {
	return DeciderFunc(func(ctx context.Context, addr netip.Addr) Decision {
		dec := d.Decide(ctx, addr)
		logger.Info("Admission decided", "remote", addr, "decision", dec)
		return dec
	})
}
