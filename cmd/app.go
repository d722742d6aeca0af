package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/viper"

	"github.com/conneroisu/sitepipe/internal/bundle"
	"github.com/conneroisu/sitepipe/internal/config"
	"github.com/conneroisu/sitepipe/internal/logging"
	"github.com/conneroisu/sitepipe/internal/pipeline"
	"github.com/conneroisu/sitepipe/internal/task"
	"github.com/conneroisu/sitepipe/internal/transform"
)

// currentMode returns the build mode selected on the command line or in
// the environment. It is read once per command.
func currentMode() config.Mode {
	if production || viper.GetBool("production") {
		return config.ModeProduction
	}
	return config.ModeDevelopment
}

// newLogger builds the process logger from the log flags.
func newLogger(out io.Writer) (logging.Logger, error) {
	level, err := logging.ParseLevel(viper.GetString("log-level"))
	if err != nil {
		return nil, err
	}

	format := viper.GetString("log-format")
	if format == "" {
		format = "text"
	}
	if format != "text" && format != "json" {
		return nil, fmt.Errorf("unsupported log format: %s (supported: text, json)", format)
	}

	return logging.NewLogger(&logging.LoggerConfig{
		Level:  level,
		Format: format,
		Output: out,
	}), nil
}

// setup loads the configuration and the logger every command shares.
func setup(out io.Writer) (*config.Config, logging.Logger, error) {
	logger, err := newLogger(out)
	if err != nil {
		return nil, nil, err
	}

	cfg, err := config.Load(currentMode())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger.Debug(context.Background(), "Configuration loaded",
		"mode", string(cfg.Mode),
		"strict", cfg.Strict(),
		"config", viper.ConfigFileUsed())
	return cfg, logger, nil
}

// signalContext is cancelled on interrupt or termination.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// newSequencer applies the orchestrator settings of cfg.
func newSequencer(cfg *config.Config, registry *task.Registry, logger logging.Logger, opts ...pipeline.Option) *pipeline.Sequencer {
	base := []pipeline.Option{
		pipeline.WithTaskTimeout(cfg.Build.TaskTimeout),
		pipeline.WithPhaseTimeout(cfg.Build.PhaseTimeout),
		pipeline.WithStrict(cfg.Strict()),
		pipeline.WithLogger(logger),
	}
	return pipeline.NewSequencer(registry, append(base, opts...)...)
}

// newSass creates the style compiler client. Its process starts with the
// first stylesheet and is reused by later watch re-runs.
func newSass(cfg *config.Config, logger logging.Logger) *transform.DartSass {
	return transform.NewDartSass(cfg.Styles.String("compiler", "sass"), logger)
}

// closeSass stops the style compiler process.
func closeSass(s *transform.DartSass, logger logging.Logger) {
	if err := s.Close(); err != nil {
		logger.Warn(context.Background(), err, "Failed to stop sass compiler")
	}
}

// closeBundler releases the bundler's cached build contexts.
func closeBundler(b bundle.Bundler, logger logging.Logger) {
	if err := b.Close(); err != nil {
		logger.Warn(context.Background(), err, "Failed to close bundler")
	}
}
