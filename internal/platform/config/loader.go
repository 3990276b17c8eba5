package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"mpai-server-go/internal/platform/errors"
)

// ConfigPathEnv names the environment variable that points at the config file.
const ConfigPathEnv = "MPAI_CONFIG"

var defaultPaths = []string{"config.yaml", ".config.yaml", "data/config.yaml"}

// Loader reads the YAML configuration on top of DefaultConfig.
type Loader struct {
	useDotEnv bool
	paths     []string
	lookupEnv func(string) (string, bool)
}

// NewLoader creates a loader that honours MPAI_CONFIG and the default paths.
func NewLoader() *Loader {
	return &Loader{
		useDotEnv: true,
		paths:     defaultPaths,
		lookupEnv: os.LookupEnv,
	}
}

// WithDotEnv toggles loading variables from a .env file before reading config.
func (l *Loader) WithDotEnv(enabled bool) *Loader {
	l.useDotEnv = enabled
	return l
}

// WithPaths replaces the candidate file list.
func (l *Loader) WithPaths(paths ...string) *Loader {
	l.paths = paths
	return l
}

// Result captures the loaded configuration and its origin path.
type Result struct {
	Config *Config
	Path   string
}

// Load reads the first existing candidate file. A missing file is not an
// error; the defaults are used and Path is empty.
func (l *Loader) Load() (*Result, error) {
	if l.useDotEnv {
		// a missing .env is the normal case outside development
		_ = godotenv.Load()
	}

	cfg := DefaultConfig()
	path := l.resolvePath()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(errors.KindConfig, "config.read", fmt.Sprintf("read %s", path), err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrap(errors.KindConfig, "config.parse", fmt.Sprintf("parse %s", path), err)
		}
	}

	l.applyEnv(cfg)

	if err := l.validate(cfg); err != nil {
		return nil, err
	}
	return &Result{Config: cfg, Path: path}, nil
}

func (l *Loader) resolvePath() string {
	if p, ok := l.lookupEnv(ConfigPathEnv); ok && p != "" {
		return p
	}
	for _, p := range l.paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func (l *Loader) applyEnv(cfg *Config) {
	if v, ok := l.lookupEnv("MPAI_SERVER_PORT"); ok {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v, ok := l.lookupEnv("MPAI_LOG_LEVEL"); ok && v != "" {
		cfg.Log.Level = v
	}
	if v, ok := l.lookupEnv("MPAI_PRIMARY_PROVIDER"); ok && v != "" {
		cfg.LLM.Primary = v
	}
	if v, ok := l.lookupEnv("MPAI_FALLBACK_PROVIDER"); ok {
		cfg.LLM.Fallback = v
	}
}

func (l *Loader) validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return errors.New(errors.KindConfig, "config.validate", fmt.Sprintf("invalid server port %d", cfg.Server.Port))
	}
	if strings.TrimSpace(cfg.LLM.Primary) == "" {
		return errors.New(errors.KindConfig, "config.validate", "llm.primary is required")
	}
	if _, ok := cfg.LLM.Providers[cfg.LLM.Primary]; !ok {
		return errors.New(errors.KindConfig, "config.validate", fmt.Sprintf("primary provider %q is not declared", cfg.LLM.Primary))
	}
	if cfg.LLM.Fallback != "" {
		if _, ok := cfg.LLM.Providers[cfg.LLM.Fallback]; !ok {
			return errors.New(errors.KindConfig, "config.validate", fmt.Sprintf("fallback provider %q is not declared", cfg.LLM.Fallback))
		}
	}
	if cfg.LLM.StructuredDataProvider != "" {
		if _, ok := cfg.LLM.Providers[cfg.LLM.StructuredDataProvider]; !ok {
			return errors.New(errors.KindConfig, "config.validate", fmt.Sprintf("structured data provider %q is not declared", cfg.LLM.StructuredDataProvider))
		}
	}
	if !validDriver(cfg.Cache.Driver) {
		return errors.New(errors.KindConfig, "config.validate", fmt.Sprintf("unknown cache driver %q", cfg.Cache.Driver))
	}
	if !validDriver(cfg.History.Driver) {
		return errors.New(errors.KindConfig, "config.validate", fmt.Sprintf("unknown history driver %q", cfg.History.Driver))
	}
	return nil
}

func validDriver(driver string) bool {
	switch strings.ToLower(driver) {
	case "", "memory", "sqlite", "redis":
		return true
	default:
		return false
	}
}
