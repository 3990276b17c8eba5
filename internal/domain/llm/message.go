package llm

import (
	"maps"
	"slices"
	"strconv"
	"time"
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Well-known request option keys.
const (
	OptionTemperature    = "temperature"
	OptionMaxTokens      = "max_tokens"
	OptionCacheTTL       = "cache_ttl"
	OptionNoCache        = "no_cache"
	OptionProvider       = "provider"
	OptionConversationID = "conversation_id"
	OptionModel          = "model"
)

// Message is a single chat turn.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Property describes one parameter of a tool schema.
type Property struct {
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Enum        []string `json:"enum,omitempty"`
	Default     any      `json:"default,omitempty"`
}

// Schema is the JSON-schema-like parameter object of a tool.
type Schema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties"`
	Required   []string            `json:"required,omitempty"`
}

// Map renders the schema in the generic form provider SDKs accept.
func (s Schema) Map() map[string]any {
	props := make(map[string]any, len(s.Properties))
	for name, p := range s.Properties {
		prop := map[string]any{"type": p.Type}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if len(p.Enum) > 0 {
			prop["enum"] = slices.Clone(p.Enum)
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		props[name] = prop
	}
	typ := s.Type
	if typ == "" {
		typ = "object"
	}
	out := map[string]any{
		"type":       typ,
		"properties": props,
	}
	if len(s.Required) > 0 {
		out["required"] = slices.Clone(s.Required)
	}
	return out
}

// Tool is a callable capability advertised to the model.
type Tool struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Parameters  Schema `json:"parameters"`
}

// ToolCall is emitted by a provider when the model decides to invoke a tool.
type ToolCall struct {
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Request is an immutable chat request. Accessors return copies.
type Request struct {
	messages []Message
	tools    []Tool
	options  map[string]any
}

// NewRequest copies its inputs so later mutation by the caller has no effect.
func NewRequest(messages []Message, tools []Tool, options map[string]any) *Request {
	opts := maps.Clone(options)
	if opts == nil {
		opts = map[string]any{}
	}
	return &Request{
		messages: slices.Clone(messages),
		tools:    slices.Clone(tools),
		options:  opts,
	}
}

func (r *Request) Messages() []Message { return slices.Clone(r.messages) }

func (r *Request) Tools() []Tool { return slices.Clone(r.tools) }

func (r *Request) Options() map[string]any { return maps.Clone(r.options) }

func (r *Request) HasTools() bool { return len(r.tools) > 0 }

// ToolNames lists the advertised tool names in request order.
func (r *Request) ToolNames() []string {
	names := make([]string, 0, len(r.tools))
	for _, t := range r.tools {
		names = append(names, t.Name)
	}
	return names
}

// HasTool reports whether name is one of the advertised tools.
func (r *Request) HasTool(name string) bool {
	return slices.ContainsFunc(r.tools, func(t Tool) bool { return t.Name == name })
}

func (r *Request) Option(key string) (any, bool) {
	v, ok := r.options[key]
	return v, ok
}

// WithOptions returns a copy of the request with the given options overlaid.
func (r *Request) WithOptions(overrides map[string]any) *Request {
	opts := maps.Clone(r.options)
	maps.Copy(opts, overrides)
	return &Request{messages: r.messages, tools: r.tools, options: opts}
}

func (r *Request) StringOption(key string) string {
	switch v := r.options[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return ""
	}
}

func (r *Request) BoolOption(key string) bool {
	switch v := r.options[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	case int:
		return v != 0
	case float64:
		return v != 0
	default:
		return false
	}
}

func (r *Request) FloatOption(key string) (float64, bool) {
	switch v := r.options[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func (r *Request) IntOption(key string) (int, bool) {
	switch v := r.options[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case string:
		n, err := strconv.Atoi(v)
		return n, err == nil
	default:
		return 0, false
	}
}

// DurationOption reads a duration option. Bare numbers are seconds.
func (r *Request) DurationOption(key string) (time.Duration, bool) {
	switch v := r.options[key].(type) {
	case time.Duration:
		return v, true
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d, true
		}
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second, true
		}
		return 0, false
	default:
		if n, ok := r.IntOption(key); ok {
			return time.Duration(n) * time.Second, true
		}
		return 0, false
	}
}

// Response is either a successful completion or an error result, never both.
type Response struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Provider  string     `json:"provider"`
	Error     string     `json:"error,omitempty"`

	// Err holds the underlying failure and is not serialized.
	Err error `json:"-"`
}

func NewResponse(provider, content string, calls []ToolCall) *Response {
	return &Response{Provider: provider, Content: content, ToolCalls: calls}
}

// NewErrorResponse builds an error result. A nil err yields a generic message.
func NewErrorResponse(provider string, err error) *Response {
	msg := "unknown provider failure"
	if err != nil {
		msg = err.Error()
	}
	return &Response{Provider: provider, Error: msg, Err: err}
}

func (r *Response) IsError() bool {
	return r == nil || r.Err != nil || r.Error != ""
}

func (r *Response) HasToolCalls() bool {
	return r != nil && len(r.ToolCalls) > 0
}
