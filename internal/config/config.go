// Package config loads telemetryd's typed configuration via viper, bound
// to cobra persistent flags on the root command. Grounded on storj/storj's
// process.exec_conf pattern (one root command, flags bound into a typed
// struct via viper, env-var override for free) rather than the teacher's
// bare flag.FlagSet in cmd/rigd/main.go, since the rest of the pack's
// config-capable repo reaches for viper+cobra wherever it has more than a
// couple of knobs.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config is telemetryd's full runtime configuration (SPEC_FULL.md
// "Configuration").
type Config struct {
	ListenAddr   string
	DataDir      string
	IndexPath    string
	IdleTimeout  time.Duration
	WatchdogTick time.Duration
	LogLevel     string
	LogFormat    string
}

func defaults() Config {
	return Config{
		ListenAddr:   "127.0.0.1:8420",
		DataDir:      "./data",
		IndexPath:    "./data/index.db",
		IdleTimeout:  30 * time.Second,
		WatchdogTick: 5 * time.Second,
		LogLevel:     "info",
		LogFormat:    "console",
	}
}

// BindFlags registers telemetryd's flags on cmd as persistent flags and
// binds each one into v, so TELEMETRYD_* environment variables and flags
// both resolve through the same viper instance.
func BindFlags(cmd *cobra.Command, v *viper.Viper) {
	d := defaults()
	flags := cmd.PersistentFlags()
	flags.String("listen-addr", d.ListenAddr, "HTTP/websocket listen address")
	flags.String("data-dir", d.DataDir, "root directory for per-run telemetry archives")
	flags.String("index-path", d.IndexPath, "path to the sqlite relational index")
	flags.Duration("idle-timeout", d.IdleTimeout, "inbound-message idle window; loaded into Config but not applied (ingest sessions use session.IdleTimeout, 30s)")
	flags.Duration("watchdog-tick", d.WatchdogTick, "ingest watchdog poll interval; loaded into Config but not applied (ingest sessions use session.WatchdogTick, 5s)")
	flags.String("log-level", d.LogLevel, "zerolog level (debug, info, warn, error)")
	flags.String("log-format", d.LogFormat, "log output format (console or json)")

	v.SetEnvPrefix("telemetryd")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	v.BindPFlags(flags)
}

// Load reads the bound flags/env into a Config. Call after cmd.Execute
// parses args, or directly in RunE.
func Load(v *viper.Viper) (Config, error) {
	cfg := defaults()
	cfg.ListenAddr = v.GetString("listen-addr")
	cfg.DataDir = v.GetString("data-dir")
	cfg.IndexPath = v.GetString("index-path")
	cfg.IdleTimeout = v.GetDuration("idle-timeout")
	cfg.WatchdogTick = v.GetDuration("watchdog-tick")
	cfg.LogLevel = v.GetString("log-level")
	cfg.LogFormat = v.GetString("log-format")

	if cfg.ListenAddr == "" {
		return Config{}, fmt.Errorf("config: listen-addr must not be empty")
	}
	return cfg, nil
}
