package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Message tags understood by the console handler.
const (
	TagBoot    = "BOOT"
	TagHTTP    = "HTTP"
	TagLLM     = "LLM"
	TagCache   = "CACHE"
	TagTools   = "TOOLS"
	TagHistory = "HISTORY"
	TagMCP     = "MCP"
	TagConfig  = "CONFIG"
	TagObs     = "OBSERVABILITY"
)

// RetentionDays is how long rotated log files are kept.
const RetentionDays = 7

// Config captures logging configuration options.
type Config struct {
	Level    string
	Dir      string
	Filename string
	// Console overrides the console destination; defaults to stdout.
	Console io.Writer
}

// Logger writes JSON lines to a daily rotated file and colored lines to the console.
type Logger struct {
	cfg    Config
	level  slog.Level
	file   *rotatingFile
	slog   *slog.Logger
	stopCh chan struct{}
	once   sync.Once
}

// New creates the logger and starts the rotation checker.
func New(cfg Config) (*Logger, error) {
	if cfg.Dir == "" {
		cfg.Dir = "data/logs"
	}
	if cfg.Filename == "" {
		cfg.Filename = "server.log"
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	file, err := openRotatingFile(cfg.Dir, cfg.Filename)
	if err != nil {
		return nil, err
	}

	level := ParseLevel(cfg.Level)
	console := cfg.Console
	if console == nil {
		console = os.Stdout
	}

	handler := fanoutHandler{handlers: []slog.Handler{
		slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level}),
		newConsoleHandler(console, level),
	}}

	l := &Logger{
		cfg:    cfg,
		level:  level,
		file:   file,
		slog:   slog.New(handler),
		stopCh: make(chan struct{}),
	}
	go l.rotationLoop()
	return l, nil
}

// ParseLevel maps a config level name onto slog levels; unknown names mean info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Slog exposes the structured logger for integrations that want attrs.
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

// Close stops rotation and closes the log file.
func (l *Logger) Close() error {
	var err error
	l.once.Do(func() {
		close(l.stopCh)
		err = l.file.Close()
	})
	return err
}

// FormatLog prefixes message with a single [tag]. Messages that already
// start with a bracket are returned unchanged.
func FormatLog(tag, message string) string {
	tag = strings.TrimSpace(tag)
	message = strings.TrimSpace(message)
	if tag == "" || strings.HasPrefix(message, "[") {
		return message
	}
	return "[" + tag + "] " + message
}

func (l *Logger) log(level slog.Level, msg string, args ...any) {
	if l == nil || level < l.level {
		return
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	l.slog.LogAttrs(context.Background(), level, msg)
}

func (l *Logger) logFields(level slog.Level, msg string, fields map[string]any) {
	if l == nil || level < l.level {
		return
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	attrs := make([]slog.Attr, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, slog.Any(k, fields[k]))
	}
	l.slog.LogAttrs(context.Background(), level, msg, attrs...)
}

func (l *Logger) Debug(msg string, args ...any) { l.log(slog.LevelDebug, msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.log(slog.LevelInfo, msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.log(slog.LevelWarn, msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.log(slog.LevelError, msg, args...) }

// InfoFields logs msg verbatim with fields as sorted attributes.
func (l *Logger) InfoFields(msg string, fields map[string]any) {
	l.logFields(slog.LevelInfo, msg, fields)
}

func (l *Logger) WarnFields(msg string, fields map[string]any) {
	l.logFields(slog.LevelWarn, msg, fields)
}

func (l *Logger) DebugTag(tag, msg string, args ...any) {
	l.log(slog.LevelDebug, FormatLog(tag, msg), args...)
}

func (l *Logger) InfoTag(tag, msg string, args ...any) {
	l.log(slog.LevelInfo, FormatLog(tag, msg), args...)
}

func (l *Logger) WarnTag(tag, msg string, args ...any) {
	l.log(slog.LevelWarn, FormatLog(tag, msg), args...)
}

func (l *Logger) ErrorTag(tag, msg string, args ...any) {
	l.log(slog.LevelError, FormatLog(tag, msg), args...)
}

func (l *Logger) rotationLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			l.rotateIfNeeded(now)
		case <-l.stopCh:
			return
		}
	}
}

func (l *Logger) rotateIfNeeded(now time.Time) {
	rotated, err := l.file.rotate(now)
	if err != nil {
		l.ErrorTag(TagBoot, "log rotation failed: %v", err)
		return
	}
	if rotated {
		l.InfoTag(TagBoot, "log file rotated for %s", now.Format("2006-01-02"))
		l.pruneArchives(now)
	}
}

func (l *Logger) pruneArchives(now time.Time) {
	entries, err := os.ReadDir(l.cfg.Dir)
	if err != nil {
		return
	}
	ext := filepath.Ext(l.cfg.Filename)
	base := strings.TrimSuffix(l.cfg.Filename, ext)
	cutoff := now.AddDate(0, 0, -RetentionDays)

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, base+"-") || !strings.HasSuffix(name, ext) {
			continue
		}
		day, err := time.Parse("2006-01-02", strings.TrimSuffix(strings.TrimPrefix(name, base+"-"), ext))
		if err != nil || !day.Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(l.cfg.Dir, name)); err == nil {
			l.InfoTag(TagBoot, "removed expired log file %s", name)
		}
	}
}

// rotatingFile is an io.Writer whose underlying file is swapped at day boundaries.
type rotatingFile struct {
	mu   sync.Mutex
	dir  string
	name string
	day  string
	f    *os.File
}

func openRotatingFile(dir, name string) (*rotatingFile, error) {
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return &rotatingFile{dir: dir, name: name, day: time.Now().Format("2006-01-02"), f: f}, nil
}

func (r *rotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return 0, os.ErrClosed
	}
	return r.f.Write(p)
}

func (r *rotatingFile) rotate(now time.Time) (bool, error) {
	day := now.Format("2006-01-02")
	r.mu.Lock()
	defer r.mu.Unlock()
	if day == r.day || r.f == nil {
		return false, nil
	}

	current := filepath.Join(r.dir, r.name)
	ext := filepath.Ext(r.name)
	archived := filepath.Join(r.dir, fmt.Sprintf("%s-%s%s", strings.TrimSuffix(r.name, ext), r.day, ext))

	_ = r.f.Close()
	if err := os.Rename(current, archived); err != nil && !os.IsNotExist(err) {
		return false, err
	}
	f, err := os.OpenFile(current, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		r.f = nil
		return false, err
	}
	r.f = f
	r.day = day
	return true, nil
}

func (r *rotatingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}

// TagLogger is the logging surface consumed by domain packages.
type TagLogger interface {
	DebugTag(tag, msg string, args ...any)
	InfoTag(tag, msg string, args ...any)
	WarnTag(tag, msg string, args ...any)
	ErrorTag(tag, msg string, args ...any)
}

// Discard is a TagLogger that drops everything.
var Discard TagLogger = (*Logger)(nil)
