// Package main runs a trellis proxy: a caching node that attaches to the
// Localization node and serves client reads and writes.
//
// Configuration (flags override environment):
//   - PROXY_HOST: interface to bind (default: "127.0.0.1")
//   - LOCALIZATION_ADDR: data address of the Localization node (required)
//   - APPLICATION_ADDR: data address of the Application node (required)
//   - CACHE_CAPACITY: number of cached orders (default: 30)
//   - LOG_LEVEL: debug, info, warn or error (default: "info")
//
// Example usage:
//
//	LOCALIZATION_ADDR=127.0.0.1:8403 \
//	APPLICATION_ADDR=127.0.0.1:8447 \
//	./proxy
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dreamware/trellis/internal/cache"
	"github.com/dreamware/trellis/internal/cluster"
	"github.com/dreamware/trellis/internal/logging"
	"github.com/dreamware/trellis/internal/proxy"
)

const shutdownTimeout = 5 * time.Second

type options struct {
	host          string
	localization  string
	application   string
	cacheCapacity int
	ephemeral     bool
	log           logging.Options
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:          "proxy",
		Short:        "Run a trellis caching proxy",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.host, "host", getenv("PROXY_HOST", "127.0.0.1"), "interface to bind")
	f.StringVar(&opts.localization, "localization", getenv("LOCALIZATION_ADDR", ""), "Localization data address")
	f.StringVar(&opts.application, "application", getenv("APPLICATION_ADDR", ""), "Application data address")
	f.IntVar(&opts.cacheCapacity, "cache-capacity", getenvInt("CACHE_CAPACITY", cache.DefaultCapacity), "number of cached orders")
	f.BoolVar(&opts.ephemeral, "ephemeral", false, "let the OS choose ports instead of the role's range")
	logging.AddFlags(cmd, &opts.log, getenv("LOG_LEVEL", "info"))
	return cmd
}

func (o options) validate() error {
	var errs []error
	if o.localization == "" {
		errs = append(errs, errors.New("localization address is required (LOCALIZATION_ADDR)"))
	}
	if o.application == "" {
		errs = append(errs, errors.New("application address is required (APPLICATION_ADDR)"))
	}
	if o.cacheCapacity <= 0 {
		errs = append(errs, fmt.Errorf("cache capacity must be positive, got %d", o.cacheCapacity))
	}
	return errors.Join(errs...)
}

// run attaches and serves until ctx is cancelled, then leaves the cluster.
func run(ctx context.Context, opts options) error {
	if err := opts.validate(); err != nil {
		return err
	}
	logger, err := logging.New(opts.log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	cfg := proxy.DefaultConfig()
	cfg.Host = opts.host
	cfg.LocalizationAddr = opts.localization
	cfg.ApplicationAddr = opts.application
	cfg.CacheCapacity = opts.cacheCapacity
	cfg.Logger = logger
	if opts.ephemeral {
		cfg.DataPorts, cfg.ControlPorts = cluster.EphemeralPorts, cluster.EphemeralPorts
	}

	p, err := proxy.New(cfg)
	if err != nil {
		return fmt.Errorf("start proxy: %w", err)
	}
	if err := p.Run(ctx); err != nil {
		return err
	}
	logger.Info("proxy started",
		zap.String("data", p.Address().Data),
		zap.String("control", p.Address().Control),
		zap.Bool("leader", p.IsLeader()))

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err = p.Close(shutdownCtx)
	logger.Info("proxy stopped")
	return err
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvInt(k string, def int) int {
	if n, err := strconv.Atoi(os.Getenv(k)); err == nil {
		return n
	}
	return def
}
