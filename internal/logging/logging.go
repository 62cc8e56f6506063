// Package logging builds the zap loggers used by the trellis binaries.
package logging

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options selects the logger flavour.
type Options struct {
	Level string
	Dev   bool
}

// New builds a JSON production logger, or a console development logger when
// Dev is set, at the given level.
func New(opts Options) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if opts.Level != "" {
		l, err := zapcore.ParseLevel(opts.Level)
		if err != nil {
			return nil, fmt.Errorf("log level %q: %w", opts.Level, err)
		}
		level = l
	}

	cfg := zap.NewProductionConfig()
	if opts.Dev {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	return cfg.Build()
}

// AddFlags registers --log-level and --dev on cmd, defaulting the level to
// defLevel.
func AddFlags(cmd *cobra.Command, opts *Options, defLevel string) {
	cmd.Flags().StringVar(&opts.Level, "log-level", defLevel, "log level (debug, info, warn, error)")
	cmd.Flags().BoolVar(&opts.Dev, "dev", false, "human-readable development logging")
}
