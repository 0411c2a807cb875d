// Command telemetryd runs the ingest/storage/query service (SPEC_FULL.md
// §1). Grounded on cmd/rigd/main.go's startup sequencing — open every
// resource before binding the listener, serve in the background, wait on
// a signal, shut down with a bounded context — generalized with a
// config-loading root command (internal/config) and a startup resync
// pass (internal/bootstrap) the teacher's stateless server never needed.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/matgreaves/telemetryd/internal/bootstrap"
	"github.com/matgreaves/telemetryd/internal/config"
	"github.com/matgreaves/telemetryd/internal/diskstore"
	"github.com/matgreaves/telemetryd/internal/fanout"
	"github.com/matgreaves/telemetryd/internal/httpapi"
	"github.com/matgreaves/telemetryd/internal/index"
	"github.com/matgreaves/telemetryd/internal/model"
	"github.com/matgreaves/telemetryd/internal/retention"
	"github.com/matgreaves/telemetryd/internal/runstate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	v := viper.New()
	root := &cobra.Command{
		Use:   "telemetryd",
		Short: "Real-time test-telemetry ingest, storage, and query service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	config.BindFlags(root, v)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "telemetryd: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var w = os.Stderr
	var logger zerolog.Logger
	if cfg.LogFormat == "json" {
		logger = zerolog.New(w)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: w})
	}
	return logger.Level(level).With().Timestamp().Str("service", "telemetryd").Logger()
}

func run(ctx context.Context, cfg config.Config) error {
	logger := newLogger(cfg)

	idx, err := index.Open(cfg.IndexPath)
	if err != nil {
		return fmt.Errorf("telemetryd: open index: %w", err)
	}
	disk, err := diskstore.NewStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("telemetryd: open disk store: %w", err)
	}

	if swept, err := bootstrap.Resync(idx, disk, time.Now(), logger); err != nil {
		logger.Error().Err(err).Msg("telemetryd: startup resync failed")
	} else if len(swept) > 0 {
		logger.Warn().Int("runs", len(swept)).Msg("telemetryd: finalized abandoned runs from prior process")
	}

	runs := runstate.NewStore()
	ui := fanout.NewUIBroadcaster()

	sweepCtx, stopSweeper := context.WithCancel(ctx)
	defer stopSweeper()
	go runRetentionLoop(sweepCtx, idx, disk, logger)

	srv := httpapi.NewServer(idx, disk, runs, ui, logger, prometheus.DefaultRegisterer)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("telemetryd: listen: %w", err)
	}
	logger.Info().Str("addr", ln.Addr().String()).Msg("telemetryd: listening")

	httpSrv := &http.Server{Handler: srv}

	serveErr := make(chan error, 1)
	go func() { serveErr <- httpSrv.Serve(ln) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("telemetryd: shutting down")
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("telemetryd: serve: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// runRetentionLoop is the external scheduler internal/retention
// deliberately leaves out of the package itself (spec.md §5 "Retention
// decoupling"): once an hour, list every run and run one sweep pass.
func runRetentionLoop(ctx context.Context, idx *index.Index, disk *diskstore.Store, logger zerolog.Logger) {
	sweeper := retention.NewSweeper(idx, disk)
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		listings, err := idx.ListRuns(index.Filter{Limit: 1 << 20})
		if err != nil {
			logger.Error().Err(err).Msg("telemetryd: retention list runs failed")
			continue
		}
		runModels := make([]model.Run, len(listings))
		for i, l := range listings {
			runModels[i] = l.Run
		}
		for _, res := range sweeper.SweepOnce(runModels, time.Now()) {
			if res.Err != nil {
				logger.Error().Err(res.Err).Str("run_id", res.RunID).Msg("telemetryd: retention sweep error")
			} else if res.Deleted {
				logger.Info().Str("run_id", res.RunID).Msg("telemetryd: retention deleted run artifacts")
			}
		}
	}
}
