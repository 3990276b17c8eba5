package observability

import (
	"context"
	"log/slog"
	"sync"
)

// Config captures observability toggles.
type Config struct {
	Enabled bool
}

// ShutdownFunc allows callers to tear down any observability exporters.
type ShutdownFunc func(context.Context) error

var (
	stateMu  sync.RWMutex
	logger   *slog.Logger
	settings Config
	counters = newCounterSet()
)

func current() (*slog.Logger, Config) {
	stateMu.RLock()
	defer stateMu.RUnlock()
	return logger, settings
}

// Setup installs the logger used for spans and metrics. Metric counters are
// always aggregated; span and metric log lines are only emitted when enabled.
func Setup(ctx context.Context, cfg Config, l *slog.Logger) (ShutdownFunc, error) {
	stateMu.Lock()
	logger = l
	settings = cfg
	stateMu.Unlock()

	if l != nil {
		l.InfoContext(ctx, "[OBSERVABILITY] hooks installed", slog.Bool("enabled", cfg.Enabled))
	}
	return func(context.Context) error {
		stateMu.Lock()
		logger = nil
		stateMu.Unlock()
		return nil
	}, nil
}

// Enabled reports whether observability has been toggled on.
func Enabled() bool {
	_, cfg := current()
	return cfg.Enabled
}
