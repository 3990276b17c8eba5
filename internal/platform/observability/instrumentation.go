package observability

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"
)

// StartSpan records a lightweight span lifecycle around an operation.
func StartSpan(ctx context.Context, component, operation string) (context.Context, func(error)) {
	l, cfg := current()
	start := time.Now()
	if l != nil && cfg.Enabled {
		l.LogAttrs(ctx, slog.LevelDebug, "obs span start",
			slog.String("component", component),
			slog.String("operation", operation),
		)
	}

	return ctx, func(err error) {
		status := "ok"
		if err != nil {
			status = "error"
		}
		counters.add(component+"."+operation+".spans", map[string]string{"status": status}, 1)

		if l == nil || !cfg.Enabled {
			return
		}
		level := slog.LevelDebug
		attrs := []slog.Attr{
			slog.String("component", component),
			slog.String("operation", operation),
			slog.Duration("duration", time.Since(start)),
		}
		if err != nil {
			level = slog.LevelWarn
			attrs = append(attrs, slog.Any("error", err))
		}
		l.LogAttrs(ctx, level, "obs span end", attrs...)
	}
}

// RecordMetric adds value to the named counter and logs the datapoint when enabled.
func RecordMetric(ctx context.Context, name string, value float64, labels map[string]string) {
	counters.add(name, labels, value)

	l, cfg := current()
	if l == nil || !cfg.Enabled {
		return
	}
	attrs := []slog.Attr{
		slog.String("metric", name),
		slog.Float64("value", value),
	}
	for _, k := range slices.Sorted(maps.Keys(labels)) {
		attrs = append(attrs, slog.String(k, labels[k]))
	}
	l.LogAttrs(ctx, slog.LevelDebug, "obs metric", attrs...)
}

// Snapshot returns the aggregated counters keyed by name{label=value,...}.
func Snapshot() map[string]float64 {
	return counters.snapshot()
}

// Reset clears all counters.
func Reset() {
	counters.reset()
}

type counterSet struct {
	mu     sync.Mutex
	values map[string]float64
}

func newCounterSet() *counterSet {
	return &counterSet{values: make(map[string]float64)}
}

func (c *counterSet) add(name string, labels map[string]string, value float64) {
	key := seriesKey(name, labels)
	c.mu.Lock()
	c.values[key] += value
	c.mu.Unlock()
}

func (c *counterSet) snapshot() map[string]float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.values)
}

func (c *counterSet) reset() {
	c.mu.Lock()
	c.values = make(map[string]float64)
	c.mu.Unlock()
}

func seriesKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	parts := make([]string, 0, len(labels))
	for _, k := range slices.Sorted(maps.Keys(labels)) {
		parts = append(parts, k+"="+labels[k])
	}
	return name + "{" + strings.Join(parts, ",") + "}"
}
