package anthropic

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"
	"github.com/bytedance/sonic"

	"mpai-server-go/internal/domain/llm"
)

const (
	defaultModel     = "claude-sonnet-4-5"
	defaultMaxTokens = 2048
	defaultTimeout   = 60 * time.Second
)

// Client calls the Anthropic Messages API.
type Client struct {
	cfg    llm.ProviderConfig
	client anthropic.Client
}

// New is the llm.Constructor for providers of type "anthropic".
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

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		// fallback is the orchestrator's job
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Client{cfg: cfg, client: anthropic.NewClient(opts...)}, nil
}

func (c *Client) Name() string { return c.cfg.Name }

func (c *Client) Chat(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	params := c.buildParams(req)

	requestCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	msg, err := c.client.Messages.New(requestCtx, params)
	if err != nil {
		return nil, &llm.ProviderTransportError{Provider: c.cfg.Name, Err: err}
	}

	var (
		text  []string
		calls []llm.ToolCall
	)
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				text = append(text, block.Text)
			}
		case "tool_use":
			args := map[string]any{}
			if len(block.Input) > 0 {
				if err := sonic.Unmarshal(block.Input, &args); err != nil {
					return nil, &llm.ProviderTransportError{
						Provider: c.cfg.Name,
						Err:      fmt.Errorf("decode input of %s: %w", block.Name, err),
					}
				}
			}
			calls = append(calls, llm.ToolCall{ID: block.ID, Name: block.Name, Arguments: args})
		}
	}
	return llm.NewResponse(c.cfg.Name, strings.Join(text, "\n"), calls), nil
}

func (c *Client) buildParams(req *llm.Request) anthropic.MessageNewParams {
	params := anthropic.MessageNewParams{
		MaxTokens:   int64(c.cfg.EffectiveMaxTokens(req)),
		Model:       anthropic.Model(c.cfg.EffectiveModel(req)),
		Temperature: anthropic.Float(clampTemperature(c.cfg.EffectiveTemperature(req))),
	}

	var system []string
	for _, turn := range mergeTurns(req.Messages()) {
		switch turn.Role {
		case llm.RoleSystem:
			system = append(system, turn.Content)
		case llm.RoleAssistant:
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(turn.Content)))
		default:
			params.Messages = append(params.Messages, anthropic.NewUserMessage(anthropic.NewTextBlock(turn.Content)))
		}
	}
	if len(system) > 0 {
		params.System = []anthropic.TextBlockParam{{Text: strings.Join(system, "\n\n")}}
	}

	for _, t := range req.Tools() {
		schema := anthropic.ToolInputSchemaParam{
			Type:       constant.Object("object"),
			Properties: t.Parameters.Map()["properties"],
			Required:   t.Parameters.Required,
		}
		tool := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if t.Description != "" {
			tool.OfTool.Description = anthropic.String(t.Description)
		}
		params.Tools = append(params.Tools, tool)
	}
	return params
}

// mergeTurns joins consecutive messages of the same role and drops leading
// assistant turns, since the Messages API requires alternation starting with
// a user turn. System messages are passed through for hoisting.
func mergeTurns(messages []llm.Message) []llm.Message {
	var out []llm.Message
	for _, m := range messages {
		if m.Role == llm.RoleSystem {
			out = append(out, m)
			continue
		}
		if m.Role != llm.RoleAssistant {
			m.Role = llm.RoleUser
		}
		last := lastConversational(out)
		switch {
		case last < 0 && m.Role == llm.RoleAssistant:
			continue
		case last >= 0 && out[last].Role == m.Role:
			out[last].Content += "\n\n" + m.Content
		default:
			out = append(out, m)
		}
	}
	return out
}

func lastConversational(msgs []llm.Message) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role != llm.RoleSystem {
			return i
		}
	}
	return -1
}

// Anthropic accepts temperatures in [0, 1].
func clampTemperature(t float64) float64 {
	switch {
	case t < 0:
		return 0
	case t > 1:
		return 1
	default:
		return t
	}
}
