package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/xpalm/xpalm/internal/admission"
	"github.com/xpalm/xpalm/internal/driver"
	"github.com/xpalm/xpalm/internal/driver/viiper"
	"github.com/xpalm/xpalm/internal/ghost"
	"github.com/xpalm/xpalm/internal/hostaddr"
	"github.com/xpalm/xpalm/internal/log"
	"github.com/xpalm/xpalm/internal/server/beacon"
	"github.com/xpalm/xpalm/internal/server/control"
	"github.com/xpalm/xpalm/internal/server/data"
	"github.com/xpalm/xpalm/internal/supervisor"
)

type Serve struct {
	Driver    driver.Kind      `help:"Virtual controller driver" enum:"viiper,memory" default:"viiper" env:"XPALM_DRIVER"`
	Viiper    viiper.Config    `embed:"" prefix:"viiper."`
	Host      hostaddr.Config  `embed:"" prefix:"host."`
	Discovery beacon.Config    `embed:"" prefix:"discovery."`
	Control   control.Config   `embed:"" prefix:"control."`
	Data      data.Config      `embed:"" prefix:"data."`
	Admission admission.Config `embed:"" prefix:"admission."`
	Ghost     ghost.Config     `embed:"" prefix:"ghost."`
}

// Run is called by Kong when the serve command is executed.
func (s *Serve) Run(logger *slog.Logger, rawLogger log.RawLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return s.Start(ctx, logger, rawLogger)
}

// Start runs the host until ctx ends.
func (s *Serve) Start(ctx context.Context, logger *slog.Logger, rawLogger log.RawLogger) error {
	if err := s.Control.TriggerDecoding.Validate(); err != nil {
		return err
	}
	if err := s.Control.BlockPolicy.Validate(); err != nil {
		return err
	}

	binding, err := s.newBinding(ctx, logger)
	if err != nil {
		return err
	}
	decider, err := admission.New(s.Admission, logger.With("component", "admission"))
	if err != nil {
		return err
	}
	decider = admission.Logged(decider, logger.With("component", "admission"))

	src, err := hostaddr.NewSource(s.Host)
	if err != nil {
		return err
	}
	poller := hostaddr.NewPoller(src, s.Host.PollInterval, logger.With("component", "hostaddr"))

	var ghostDone <-chan struct{}
	if s.Ghost.Device != "" {
		ghostLogger := logger.With("component", "ghost")
		if ks, err := ghost.NewKeySource(s.Ghost, ghostLogger); err != nil {
			ghostLogger.Warn("Ghost controllers disabled", "error", err)
		} else {
			ghostDone = ghost.Start(ctx, ks, ghost.NewManager(binding, ghostLogger), ghostLogger)
		}
	}

	logger.Info("Starting xpalm host", "driver", s.Driver, "name", beacon.DisplayName(s.Discovery.Name))
	sup := supervisor.New(binding, s.components(decider, binding, logger, rawLogger), logger.With("component", "supervisor"))
	err = sup.Run(ctx, poller.Watch(ctx))
	if ghostDone != nil {
		<-ghostDone
	}
	logger.Info("xpalm host stopped")
	return err
}

func (s *Serve) components(decider admission.Decider, binding driver.Binding, logger *slog.Logger, rawLogger log.RawLogger) supervisor.Factory {
	return func(c supervisor.Cycle) []supervisor.Component {
		logger.Info("-------------------------------------")
		logger.Info(fmt.Sprintf("xpalm is reachable at %s", c.Host))
		logger.Info(fmt.Sprintf("Manual connect: %s port %d", c.Host, s.Control.Port))
		logger.Info("-------------------------------------")
		return []supervisor.Component{
			beacon.New(s.Discovery, c.Host, logger.With("component", "beacon"), rawLogger),
			control.New(s.Control, c.Host, c.Registry, binding, decider, c.Blocked, logger.With("component", "control"), rawLogger),
			data.New(s.Data, c.Host, c.Registry, logger.With("component", "data"), rawLogger),
		}
	}
}

func (s *Serve) newBinding(ctx context.Context, logger *slog.Logger) (driver.Binding, error) {
	switch s.Driver {
	case driver.KindMemory:
		logger.Warn("Using the in-memory driver, no controllers will appear on this host")
		return driver.NewMemory(logger.With("component", "driver")), nil
	case driver.KindVIIPER, "":
		b := viiper.New(s.Viiper, logger)
		pctx, cancel := context.WithTimeout(ctx, s.Viiper.Timeout)
		defer cancel()
		if resp, err := b.Client().Ping(pctx); err != nil {
			logger.Warn("VIIPER server not reachable yet, sessions will fail until it is", "addr", s.Viiper.Addr, "error", err)
		} else {
			logger.Info("Connected to VIIPER", "addr", s.Viiper.Addr, "version", resp.Version)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown driver %q", s.Driver)
	}
}
