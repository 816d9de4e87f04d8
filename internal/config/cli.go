// Package config defines the root command line of xpalm.
package config

import (
	"github.com/xpalm/xpalm/internal/cmd"
	"github.com/xpalm/xpalm/internal/log"
)

type CLI struct {
	ConfigFile string     `name:"config" help:"Configuration file (JSON, YAML or TOML)" env:"XPALM_CONFIG" type:"path"`
	Log        log.Config `embed:"" prefix:"log."`

	Serve  cmd.Serve         `cmd:"" default:"withargs" help:"Run the xpalm host (default)"`
	Config cmd.ConfigCommand `cmd:"" help:"Configuration helpers"`
}
