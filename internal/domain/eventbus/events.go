package eventbus

import "time"

const (
	EventProviderSelected = "llm:provider_selected"
	EventFallback         = "llm:fallback"
	EventProviderFailed   = "llm:provider_failed"

	EventCacheHit    = "cache:hit"
	EventCacheMiss   = "cache:miss"
	EventCacheStored = "cache:stored"

	EventToolExecuted = "tools:executed"

	EventChatCompleted = "chat:completed"
)

// Topics lists every topic the audit handler follows.
var Topics = []string{
	EventProviderSelected,
	EventFallback,
	EventProviderFailed,
	EventCacheHit,
	EventCacheMiss,
	EventCacheStored,
	EventToolExecuted,
	EventChatCompleted,
}

// ProviderSelectedEvent records why a provider was chosen.
type ProviderSelectedEvent struct {
	Provider  string `json:"provider"`
	Requested string `json:"requested,omitempty"`
	// Reason is one of "override", "structured_data" or "primary".
	Reason string `json:"reason"`
	Tool   string `json:"tool,omitempty"`
}

type FallbackEvent struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Error string `json:"error"`
}

type ProviderFailedEvent struct {
	Provider string        `json:"provider"`
	Error    string        `json:"error"`
	Kind     string        `json:"kind"`
	Elapsed  time.Duration `json:"elapsed"`
}

type CacheEvent struct {
	Provider string `json:"provider"`
	Key      string `json:"key"`
}

type ToolExecutedEvent struct {
	ConversationID string        `json:"conversation_id"`
	Tool           string        `json:"tool"`
	Success        bool          `json:"success"`
	Elapsed        time.Duration `json:"elapsed"`
}

type ChatCompletedEvent struct {
	ConversationID string `json:"conversation_id"`
	Status         string `json:"status"`
	ToolCalls      int    `json:"tool_calls"`
}
