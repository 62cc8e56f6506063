// Package main runs a trellis Application node, the store of record.
//
// Without PRIMARY_CONTROL_ADDR the node is a primary. With it, the node
// registers as a backup of that primary and receives every accepted write.
//
// Configuration (flags override environment):
//   - APPLICATION_HOST: interface to bind (default: "127.0.0.1")
//   - PRIMARY_CONTROL_ADDR: control address of the primary to follow
//   - DB_PATH: Badger directory; empty keeps orders in memory
//   - SEED: sample orders created in an empty store (default: 100)
//   - FAILOVER_ADDR: data address proxies are moved to on shutdown
//   - NATS_URL: accepted writes are published here when set
//   - LOG_LEVEL: debug, info, warn or error (default: "info")
//
// Example usage:
//
//	# primary with persistent storage
//	DB_PATH=/var/lib/trellis ./application
//
//	# backup of that primary
//	PRIMARY_CONTROL_ADDR=127.0.0.1:8543 ./application --seed 0
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

	"github.com/dreamware/trellis/internal/application"
	"github.com/dreamware/trellis/internal/cluster"
	"github.com/dreamware/trellis/internal/events"
	"github.com/dreamware/trellis/internal/logging"
	"github.com/dreamware/trellis/internal/storage"
)

const shutdownTimeout = 10 * time.Second

type options struct {
	host      string
	primary   string
	dbPath    string
	seed      int
	failover  string
	natsURL   string
	ephemeral bool
	log       logging.Options
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:          "application",
		Short:        "Run a trellis store-of-record node",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.host, "host", getenv("APPLICATION_HOST", "127.0.0.1"), "interface to bind")
	f.StringVar(&opts.primary, "primary", getenv("PRIMARY_CONTROL_ADDR", ""), "control address of the primary (makes this node a backup)")
	f.StringVar(&opts.dbPath, "db-path", getenv("DB_PATH", ""), "Badger data directory (empty: in memory)")
	f.IntVar(&opts.seed, "seed", getenvInt("SEED", storage.DefaultSeed), "sample orders created in an empty store")
	f.StringVar(&opts.failover, "failover", getenv("FAILOVER_ADDR", ""), "data address pushed to proxies on shutdown")
	f.StringVar(&opts.natsURL, "nats-url", getenv("NATS_URL", ""), "NATS server for write events")
	f.BoolVar(&opts.ephemeral, "ephemeral", false, "let the OS choose ports instead of the role's range")
	logging.AddFlags(cmd, &opts.log, getenv("LOG_LEVEL", "info"))
	return cmd
}

// openStore returns a Badger store at path, or a memory store when path is
// empty.
func openStore(path string) (storage.Store, error) {
	if path == "" {
		return storage.NewMemoryStore(), nil
	}
	return storage.OpenBadger(path)
}

// run serves until ctx is cancelled, then hands proxies over and stops.
func run(ctx context.Context, opts options) error {
	if opts.seed < 0 {
		return errors.New("seed must not be negative")
	}
	logger, err := logging.New(opts.log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	store, err := openStore(opts.dbPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	pub, err := events.FromURL(opts.natsURL, "trellis-application", logger)
	if err != nil {
		_ = store.Close()
		return err
	}

	cfg := application.DefaultConfig()
	cfg.Host = opts.host
	cfg.PrimaryControlAddr = opts.primary
	cfg.FailoverAddr = opts.failover
	cfg.Store = store
	cfg.Seed = opts.seed
	cfg.Logger = logger
	cfg.Events = pub
	if opts.ephemeral {
		cfg.DataPorts, cfg.ControlPorts = cluster.EphemeralPorts, cluster.EphemeralPorts
	}

	app, err := application.New(ctx, cfg)
	if err != nil {
		pub.Close()
		_ = store.Close()
		return fmt.Errorf("start application: %w", err)
	}
	if err := app.Run(ctx); err != nil {
		return errors.Join(err, app.Close(context.Background()))
	}
	logger.Info("application started",
		zap.String("data", app.Address().Data),
		zap.String("control", app.Address().Control),
		zap.Bool("backup", app.IsBackup()),
		zap.String("db_path", opts.dbPath))

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err = app.Close(shutdownCtx)
	logger.Info("application stopped")
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
