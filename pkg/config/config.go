// Package config provides a reusable loader for agentd's daemon
// configuration files and environment variables (SPEC_FULL.md §4.9).
package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// FiberStackSizes mirrors the source's per-role fiber stack sizes. Go
// goroutines do not take a stack-size parameter; the field is loaded
// (not validated, and not used by either daemon) for operational parity
// with the source's sizing
// (accept/control/manager fibers get a small stack, notification
// protocol fibers get a large one).
type FiberStackSizes struct {
	AcceptKiB               int `mapstructure:"accept_kib" yaml:"accept_kib"`
	ControlKiB              int `mapstructure:"control_kib" yaml:"control_kib"`
	ManagerKiB              int `mapstructure:"manager_kib" yaml:"manager_kib"`
	NotificationProtocolMiB int `mapstructure:"notification_protocol_mib" yaml:"notification_protocol_mib"`
}

// NotifyServiceConfig is the notification daemon's configuration (spec
// §6: consensus/protocol listen sockets).
type NotifyServiceConfig struct {
	ConsensusListenAddr string `mapstructure:"consensus_listen_addr" yaml:"consensus_listen_addr"`
	ProtocolListenAddr  string `mapstructure:"protocol_listen_addr" yaml:"protocol_listen_addr"`
	StatusAddr          string `mapstructure:"status_addr" yaml:"status_addr"`
}

// ProtocolServiceConfig is the protocol daemon's configuration (spec §6:
// client/control listen sockets plus the external collaborators it
// dials out to).
type ProtocolServiceConfig struct {
	ClientListenAddr  string `mapstructure:"client_listen_addr" yaml:"client_listen_addr"`
	ControlListenAddr string `mapstructure:"control_listen_addr" yaml:"control_listen_addr"`
	DataServiceAddr   string `mapstructure:"data_service_addr" yaml:"data_service_addr"`
	RandomServiceAddr string `mapstructure:"random_service_addr" yaml:"random_service_addr"`
	NotifyServiceAddr string `mapstructure:"notify_service_addr" yaml:"notify_service_addr"`
	StatusAddr        string `mapstructure:"status_addr" yaml:"status_addr"`
}

// Config is the unified configuration for either daemon; each binary
// reads only the sub-section it needs.
type Config struct {
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`

	FiberStacks FiberStackSizes       `mapstructure:"fiber_stacks" yaml:"fiber_stacks"`
	NotifySvc   NotifyServiceConfig   `mapstructure:"notifysvc" yaml:"notifysvc"`
	ProtocolSvc ProtocolServiceConfig `mapstructure:"protocolsvc" yaml:"protocolsvc"`
}

// defaults mirrors the source's built-in fallbacks, applied before any
// config file or environment override is read.
func defaults() Config {
	return Config{
		LogLevel: "info",
		FiberStacks: FiberStackSizes{
			AcceptKiB:               16,
			ControlKiB:              16,
			ManagerKiB:              16,
			NotificationProtocolMiB: 1,
		},
		NotifySvc: NotifyServiceConfig{
			ConsensusListenAddr: "127.0.0.1:8081",
			ProtocolListenAddr:  "127.0.0.1:8082",
			StatusAddr:          "127.0.0.1:9091",
		},
		ProtocolSvc: ProtocolServiceConfig{
			ClientListenAddr:  "127.0.0.1:8443",
			ControlListenAddr: "127.0.0.1:8444",
			DataServiceAddr:   "127.0.0.1:8445",
			RandomServiceAddr: "127.0.0.1:8446",
			NotifyServiceAddr: "127.0.0.1:8082",
			StatusAddr:        "127.0.0.1:9090",
		},
	}
}

// Load reads an optional YAML file at path (if non-empty and present),
// merges AGENTD_-prefixed environment variables (via viper), and an
// optional .env file in the working directory (via godotenv, loaded
// first so its values are visible to viper's environment pass).
//
// Defaults are registered with v.SetDefault rather than unmarshaled
// directly into cfg: viper's AutomaticEnv only overrides keys it already
// knows about at Unmarshal time, so every leaf key needs to exist in
// viper's own key space before a config file or AGENTD_ env var can
// override it.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("AGENTD")
	v.AutomaticEnv()
	registerDefaults(v, defaults())

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			v.SetConfigType("yaml")
			if err := v.MergeInConfig(); err != nil {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: stat %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}

// registerDefaults seeds every leaf key of d into v via SetDefault, using
// the same dotted paths mapstructure uses to unmarshal nested structs.
func registerDefaults(v *viper.Viper, d Config) {
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("fiber_stacks.accept_kib", d.FiberStacks.AcceptKiB)
	v.SetDefault("fiber_stacks.control_kib", d.FiberStacks.ControlKiB)
	v.SetDefault("fiber_stacks.manager_kib", d.FiberStacks.ManagerKiB)
	v.SetDefault("fiber_stacks.notification_protocol_mib", d.FiberStacks.NotificationProtocolMiB)

	v.SetDefault("notifysvc.consensus_listen_addr", d.NotifySvc.ConsensusListenAddr)
	v.SetDefault("notifysvc.protocol_listen_addr", d.NotifySvc.ProtocolListenAddr)
	v.SetDefault("notifysvc.status_addr", d.NotifySvc.StatusAddr)

	v.SetDefault("protocolsvc.client_listen_addr", d.ProtocolSvc.ClientListenAddr)
	v.SetDefault("protocolsvc.control_listen_addr", d.ProtocolSvc.ControlListenAddr)
	v.SetDefault("protocolsvc.data_service_addr", d.ProtocolSvc.DataServiceAddr)
	v.SetDefault("protocolsvc.random_service_addr", d.ProtocolSvc.RandomServiceAddr)
	v.SetDefault("protocolsvc.notify_service_addr", d.ProtocolSvc.NotifyServiceAddr)
	v.SetDefault("protocolsvc.status_addr", d.ProtocolSvc.StatusAddr)
}
