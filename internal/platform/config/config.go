package config

import (
	"time"
)

type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Log          LogConfig          `yaml:"log"`
	Database     DatabaseConfig     `yaml:"database"`
	LLM          LLMConfig          `yaml:"llm"`
	Credentials  CredentialsConfig  `yaml:"credentials"`
	Cache        CacheConfig        `yaml:"cache"`
	History      HistoryConfig      `yaml:"history"`
	Tools        ToolsConfig        `yaml:"tools"`
	Conversation ConversationConfig `yaml:"conversation"`
}

type ServerConfig struct {
	IP        string `yaml:"ip"`
	Port      int    `yaml:"port"`
	StaticDir string `yaml:"static_dir"`
}

type LogConfig struct {
	Level string `yaml:"log_level"`
	Dir   string `yaml:"log_dir"`
	File  string `yaml:"log_file"`
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// LLMConfig selects the providers and their routing policy.
type LLMConfig struct {
	Primary                string                    `yaml:"primary"`
	Fallback               string                    `yaml:"fallback"`
	StructuredDataProvider string                    `yaml:"structured_data_provider"`
	StructuredDataTools    []string                  `yaml:"structured_data_tools"`
	RequestTimeout         time.Duration             `yaml:"request_timeout"`
	Temperature            float64                   `yaml:"temperature"`
	MaxTokens              int                       `yaml:"max_tokens"`
	Providers              map[string]ProviderConfig `yaml:"providers"`
}

type ProviderConfig struct {
	Type        string         `yaml:"type"`
	ModelName   string         `yaml:"model_name"`
	BaseURL     string         `yaml:"url"`
	APIKey      string         `yaml:"api_key"`
	Temperature float64        `yaml:"temperature"`
	MaxTokens   int            `yaml:"max_tokens"`
	Timeout     time.Duration  `yaml:"timeout"`
	Extra       map[string]any `yaml:",inline"`
}

// CredentialsConfig configures the API key resolver chain.
type CredentialsConfig struct {
	// UseDatabase makes the provider_credentials table the injected key manager.
	UseDatabase bool `yaml:"use_database"`
	// EnvPrefix is prepended to <PROVIDER>_API_KEY for the global env key manager.
	EnvPrefix  string            `yaml:"env_prefix"`
	LegacyKeys map[string]string `yaml:"legacy_keys"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
	Prefix   string `yaml:"prefix,omitempty"`
}

type CacheConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Driver     string        `yaml:"driver"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
	Prefix     string        `yaml:"prefix"`
	GCInterval time.Duration `yaml:"gc_interval"`
	Redis      RedisConfig   `yaml:"redis"`
}

type HistoryConfig struct {
	Driver string      `yaml:"driver"`
	Redis  RedisConfig `yaml:"redis"`
}

type ToolsConfig struct {
	Namespace          string                     `yaml:"namespace"`
	ConflictExclusions []string                   `yaml:"conflict_exclusions"`
	Parallel           bool                       `yaml:"parallel"`
	MaxConcurrency     int                        `yaml:"max_concurrency"`
	WordPress          WordPressConfig            `yaml:"wordpress"`
	MemberPress        MemberPressConfig          `yaml:"memberpress"`
	System             SystemToolConfig           `yaml:"system"`
	MCPServers         map[string]MCPServerConfig `yaml:"mcp_servers"`
}

type WordPressConfig struct {
	Enabled     bool          `yaml:"enabled"`
	BaseURL     string        `yaml:"url"`
	Username    string        `yaml:"username"`
	AppPassword string        `yaml:"app_password"`
	Timeout     time.Duration `yaml:"timeout"`
}

type MemberPressConfig struct {
	Enabled bool          `yaml:"enabled"`
	BaseURL string        `yaml:"url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

type SystemToolConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Timezone string `yaml:"timezone"`
}

type MCPServerConfig struct {
	Enabled bool     `yaml:"enabled"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Env     []string `yaml:"env"`
}

type ConversationConfig struct {
	SystemPrompt string `yaml:"system_prompt"`
}
