// Package main runs a trellis Localization node: the membership registry
// proxies attach to and clients ask (LOCALIZE) for a proxy address.
//
// Configuration (flags override environment):
//   - LOCALIZATION_HOST: interface to bind (default: "127.0.0.1")
//   - HEALTH_INTERVAL: proxy health probe period, 0 disables (default: "5s")
//   - NATS_URL: membership events are published here when set
//   - LOG_LEVEL: debug, info, warn or error (default: "info")
//
// Example usage:
//
//	LOCALIZATION_HOST=0.0.0.0 ./localization --dev
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dreamware/trellis/internal/cluster"
	"github.com/dreamware/trellis/internal/coordinator"
	"github.com/dreamware/trellis/internal/events"
	"github.com/dreamware/trellis/internal/logging"
)

// shutdownTimeout bounds graceful shutdown after a signal.
const shutdownTimeout = 5 * time.Second

type options struct {
	host           string
	healthInterval time.Duration
	natsURL        string
	ephemeral      bool
	log            logging.Options
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:          "localization",
		Short:        "Run the trellis membership registry",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.host, "host", getenv("LOCALIZATION_HOST", "127.0.0.1"), "interface to bind")
	f.DurationVar(&opts.healthInterval, "health-interval", getenvDuration("HEALTH_INTERVAL", 5*time.Second), "proxy health probe period (0 disables)")
	f.StringVar(&opts.natsURL, "nats-url", getenv("NATS_URL", ""), "NATS server for membership events")
	f.BoolVar(&opts.ephemeral, "ephemeral", false, "let the OS choose ports instead of the role's range")
	logging.AddFlags(cmd, &opts.log, getenv("LOG_LEVEL", "info"))
	return cmd
}

// run serves until ctx is cancelled.
func run(ctx context.Context, opts options) error {
	logger, err := logging.New(opts.log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	pub, err := events.FromURL(opts.natsURL, "trellis-localization", logger)
	if err != nil {
		return err
	}

	cfg := coordinator.DefaultConfig()
	cfg.Host = opts.host
	cfg.HealthInterval = opts.healthInterval
	cfg.Logger = logger
	cfg.Events = pub
	if opts.ephemeral {
		cfg.DataPorts, cfg.ControlPorts = cluster.EphemeralPorts, cluster.EphemeralPorts
	}

	l, err := coordinator.NewLocalization(cfg)
	if err != nil {
		pub.Close()
		return fmt.Errorf("start localization: %w", err)
	}
	if err := l.Run(); err != nil {
		_ = l.Close(context.Background())
		return err
	}
	logger.Info("localization started",
		zap.String("data", l.Address().Data),
		zap.String("control", l.Address().Control))

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err = l.Close(shutdownCtx)
	logger.Info("localization stopped")
	return err
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvDuration(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	// Bare integers are seconds.
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return def
}
