package openai

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/sashabaranov/go-openai"

	"mpai-server-go/internal/domain/llm"
)

const (
	defaultModel     = "gpt-4o"
	defaultMaxTokens = 2048
	defaultTimeout   = 60 * time.Second
)

// Client talks to any OpenAI-compatible chat completions endpoint.
type Client struct {
	cfg    llm.ProviderConfig
	client *openai.Client
}

// New is the llm.Constructor for providers of type "openai".
func New(cfg llm.ProviderConfig) (llm.Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, &llm.MissingCredentialError{Provider: cfg.Name}
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Temperature < 0 || cfg.Temperature > 2 {
		cfg.Temperature = 0.7
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	return &Client{
		cfg:    cfg,
		client: openai.NewClientWithConfig(clientConfig),
	}, nil
}

func (c *Client) Name() string { return c.cfg.Name }

// Chat sends a non-streaming completion request bounded by the provider timeout.
func (c *Client) Chat(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	request := openai.ChatCompletionRequest{
		Model:       c.cfg.EffectiveModel(req),
		Messages:    convertMessages(req.Messages()),
		MaxTokens:   c.cfg.EffectiveMaxTokens(req),
		Temperature: float32(c.cfg.EffectiveTemperature(req)),
	}
	if tools := convertTools(req.Tools()); len(tools) > 0 {
		request.Tools = tools
	}

	requestCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	response, err := c.client.CreateChatCompletion(requestCtx, request)
	if err != nil {
		return nil, &llm.ProviderTransportError{Provider: c.cfg.Name, Err: err}
	}
	if len(response.Choices) == 0 {
		return nil, &llm.ProviderTransportError{Provider: c.cfg.Name, Err: fmt.Errorf("empty choices in completion %s", response.ID)}
	}

	choice := response.Choices[0]
	calls, err := convertToolCalls(choice.Message.ToolCalls)
	if err != nil {
		return nil, &llm.ProviderTransportError{Provider: c.cfg.Name, Err: err}
	}
	return llm.NewResponse(c.cfg.Name, choice.Message.Content, calls), nil
}

func convertMessages(messages []llm.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, len(messages))
	for i, msg := range messages {
		role := openai.ChatMessageRoleUser
		switch msg.Role {
		case llm.RoleSystem:
			role = openai.ChatMessageRoleSystem
		case llm.RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		}
		out[i] = openai.ChatCompletionMessage{Role: role, Content: msg.Content}
	}
	return out
}

func convertTools(tools []llm.Tool) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, tool := range tools {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters.Map(),
			},
		})
	}
	return out
}

func convertToolCalls(calls []openai.ToolCall) ([]llm.ToolCall, error) {
	if len(calls) == 0 {
		return nil, nil
	}
	out := make([]llm.ToolCall, 0, len(calls))
	for _, tc := range calls {
		args := map[string]any{}
		if raw := strings.TrimSpace(tc.Function.Arguments); raw != "" {
			if err := sonic.UnmarshalString(raw, &args); err != nil {
				return nil, fmt.Errorf("decode arguments of %s: %w", tc.Function.Name, err)
			}
		}
		out = append(out, llm.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args})
	}
	return out, nil
}
