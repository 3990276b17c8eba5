package config

import "time"

// DefaultConfig returns the configuration used when no file overrides a value.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			IP:   "0.0.0.0",
			Port: 8080,
		},
		Log: LogConfig{
			Level: "INFO",
			Dir:   "data/logs",
			File:  "server.log",
		},
		Database: DatabaseConfig{
			DSN: "data/mpai.db",
		},
		LLM: LLMConfig{
			Primary:  "openai",
			Fallback: "anthropic",
			StructuredDataTools: []string{
				"list_plugins",
				"list_posts",
				"list_pages",
				"list_comments",
				"list_users",
				"list_memberships",
				"list_membership_levels",
			},
			RequestTimeout: 60 * time.Second,
			Temperature:    0.7,
			MaxTokens:      2048,
			Providers: map[string]ProviderConfig{
				"openai": {
					Type:      "openai",
					ModelName: "gpt-4o",
				},
				"anthropic": {
					Type:      "anthropic",
					ModelName: "claude-sonnet-4-5",
				},
			},
		},
		Credentials: CredentialsConfig{
			EnvPrefix: "MPAI_",
		},
		Cache: CacheConfig{
			Enabled:    true,
			Driver:     "memory",
			DefaultTTL: time.Hour,
			Prefix:     "llm_response:",
			GCInterval: 5 * time.Minute,
		},
		History: HistoryConfig{
			Driver: "sqlite",
		},
		Tools: ToolsConfig{
			Namespace:          "wordpress",
			ConflictExclusions: []string{"membership"},
			Parallel:           true,
			MaxConcurrency:     4,
			WordPress: WordPressConfig{
				Timeout: 15 * time.Second,
			},
			MemberPress: MemberPressConfig{
				Timeout: 15 * time.Second,
			},
			System: SystemToolConfig{
				Enabled: true,
			},
		},
		Conversation: ConversationConfig{
			SystemPrompt: "You are a site administration assistant. Use the available tools to answer questions about the site's content, plugins and memberships. Prefer tool results over guesses.",
		},
	}
}
