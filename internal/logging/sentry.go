package logging

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog"
)

// SentryConfig enables error forwarding when DSN is set.
type SentryConfig struct {
	DSN         string  `mapstructure:"dsn"`
	Environment string  `mapstructure:"environment"`
	SampleRate  float64 `mapstructure:"sample_rate"`
}

// SentryHook forwards error-level events and above to Sentry.
type SentryHook struct {
	hub *sentry.Hub
}

// InitSentry initialises the global Sentry client. It returns a nil hook when no DSN is configured.
// The returned flush func must run before exit.
func InitSentry(cfg SentryConfig, release string) (*SentryHook, func(), error) {
	if cfg.DSN == "" {
		return nil, func() {}, nil
	}
	if err := sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
		Release:     release,
		SampleRate:  cfg.SampleRate,
	}); err != nil {
		return nil, func() {}, fmt.Errorf("init sentry: %w", err)
	}
	flush := func() { sentry.Flush(2 * time.Second) }
	return &SentryHook{hub: sentry.CurrentHub()}, flush, nil
}

// NewSentryHook wraps an existing hub.
func NewSentryHook(hub *sentry.Hub) *SentryHook {
	return &SentryHook{hub: hub}
}

func (h *SentryHook) Run(_ *zerolog.Event, level zerolog.Level, msg string) {
	if h == nil || h.hub == nil || level < zerolog.ErrorLevel || msg == "" {
		return
	}
	hub := h.hub.Clone()
	hub.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentryLevel(level))
	})
	hub.CaptureMessage(msg)
}

func sentryLevel(level zerolog.Level) sentry.Level {
	switch level {
	case zerolog.FatalLevel:
		return sentry.LevelFatal
	case zerolog.PanicLevel:
		return sentry.LevelFatal
	default:
		return sentry.LevelError
	}
}

var _ zerolog.Hook = (*SentryHook)(nil)
