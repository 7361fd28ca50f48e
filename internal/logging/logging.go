package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config describes logger runtime configuration.
type Config struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	// Output is stdout or stderr.
	Output string `mapstructure:"output"`
	Caller bool   `mapstructure:"caller"`
	// Instance tags every line when several monitors share one log stream.
	Instance string `mapstructure:"instance"`
}

// Validate rejects levels, formats and outputs the logger cannot honour.
func (c Config) Validate() error {
	if c.Level != "" {
		if _, err := zerolog.ParseLevel(strings.ToLower(c.Level)); err != nil {
			return fmt.Errorf("logging.level %q: %w", c.Level, err)
		}
	}
	switch strings.ToLower(c.Format) {
	case "", "json", "console":
	default:
		return fmt.Errorf("logging.format %q must be json or console", c.Format)
	}
	switch strings.ToLower(c.Output) {
	case "", "stdout", "stderr":
	default:
		return fmt.Errorf("logging.output %q must be stdout or stderr", c.Output)
	}
	return nil
}

// NewLogger builds the process logger. Hooks run on every event; the Sentry hook is one.
func NewLogger(cfg Config, hooks ...zerolog.Hook) zerolog.Logger {
	return newLogger(writerFor(cfg), cfg, hooks...)
}

func newLogger(w io.Writer, cfg Config, hooks ...zerolog.Hook) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.DurationFieldUnit = time.Millisecond

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	logger := zerolog.New(w).Level(level)
	for _, h := range hooks {
		logger = logger.Hook(h)
	}
	ctx := logger.With().Timestamp()
	if cfg.Instance != "" {
		ctx = ctx.Str("instance", cfg.Instance)
	}
	if cfg.Caller {
		ctx = ctx.Caller()
	}
	return ctx.Logger()
}

func writerFor(cfg Config) io.Writer {
	var out io.Writer = os.Stdout
	if strings.EqualFold(cfg.Output, "stderr") {
		out = os.Stderr
	}
	if strings.EqualFold(cfg.Format, "console") {
		return zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05.000"}
	}
	return out
}

// ForMarket scopes a component logger to one market.
func ForMarket(l zerolog.Logger, symbol string) zerolog.Logger {
	return l.With().Str("market", symbol).Logger()
}
