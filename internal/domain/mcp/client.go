// Package mcp exposes tools served by external MCP servers.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"mpai-server-go/internal/domain/tools"
	"mpai-server-go/internal/platform/logging"
)

// ToolPrefix is prepended to every MCP tool name advertised to the model.
const ToolPrefix = "mcp_"

const (
	defaultInitTimeout = 60 * time.Second
	defaultCallTimeout = 30 * time.Second
)

var ErrNotReady = errors.New("mcp client not initialized")

// Session is the subset of the mcp-go client used here.
type Session interface {
	Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// ServerConfig describes one stdio MCP server.
type ServerConfig struct {
	Name        string
	Command     string
	Args        []string
	Env         []string
	InitTimeout time.Duration
	CallTimeout time.Duration
}

// Client adapts one MCP server into a described tool.
type Client struct {
	name        string
	session     Session
	initTimeout time.Duration
	callTimeout time.Duration
	logger      logging.TagLogger

	mu         sync.RWMutex
	serverName string
	tools      []mcp.Tool
	ready      bool
}

var _ tools.DescribedTool = (*Client)(nil)

// NewStdioClient spawns the server process. Start must be called before use.
func NewStdioClient(cfg ServerConfig, logger logging.TagLogger) (*Client, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("mcp server %s: command is required", cfg.Name)
	}
	session, err := mcpclient.NewStdioMCPClient(cfg.Command, cfg.Env, cfg.Args...)
	if err != nil {
		return nil, fmt.Errorf("failed to create stdio MCP client: %w", err)
	}
	return NewClient(cfg, session, logger), nil
}

// NewClient wraps an already connected session.
func NewClient(cfg ServerConfig, session Session, logger logging.TagLogger) *Client {
	if logger == nil {
		logger = logging.Discard
	}
	c := &Client{
		name:        cfg.Name,
		session:     session,
		initTimeout: cfg.InitTimeout,
		callTimeout: cfg.CallTimeout,
		logger:      logger,
	}
	if c.initTimeout <= 0 {
		c.initTimeout = defaultInitTimeout
	}
	if c.callTimeout <= 0 {
		c.callTimeout = defaultCallTimeout
	}
	return c
}

// Start performs the MCP handshake and fetches the tool list.
func (c *Client) Start(ctx context.Context) error {
	initRequest := mcp.InitializeRequest{}
	initRequest.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initRequest.Params.ClientInfo = mcp.Implementation{
		Name:    "mpai-server",
		Version: "1.0.0",
	}

	initCtx, cancel := context.WithTimeout(ctx, c.initTimeout)
	defer cancel()

	initResult, err := c.session.Initialize(initCtx, initRequest)
	if err != nil {
		return fmt.Errorf("failed to initialize MCP server %s: %w", c.name, err)
	}
	c.logger.InfoTag(logging.TagMCP, "initialized server %s: %s %s",
		c.name, initResult.ServerInfo.Name, initResult.ServerInfo.Version)

	if err := c.fetchTools(initCtx); err != nil {
		return fmt.Errorf("failed to fetch tools: %w", err)
	}

	c.mu.Lock()
	c.serverName = initResult.ServerInfo.Name
	c.ready = true
	c.mu.Unlock()
	return nil
}

func (c *Client) fetchTools(ctx context.Context) error {
	result, err := c.session.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return fmt.Errorf("failed to list tools: %w", err)
	}

	c.mu.Lock()
	c.tools = slices.Clone(result.Tools)
	c.mu.Unlock()

	names := make([]string, 0, len(result.Tools))
	for _, t := range result.Tools {
		names = append(names, t.Name)
	}
	c.logger.InfoTag(logging.TagMCP, "server %s tools: %s", c.name, strings.Join(names, ", "))
	return nil
}

func (c *Client) Name() string { return "mcp:" + c.name }

func (c *Client) Description() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.serverName != "" {
		return "Tools provided by MCP server " + c.serverName
	}
	return "Tools provided by MCP server " + c.name
}

func (c *Client) IsReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// HasTool accepts names with or without the mcp_ prefix.
func (c *Client) HasTool(name string) bool {
	name = strings.TrimPrefix(name, ToolPrefix)
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.ContainsFunc(c.tools, func(t mcp.Tool) bool { return t.Name == name })
}

// DescribeOperations maps every server tool to an mcp_<name> operation.
func (c *Client) DescribeOperations() []tools.Operation {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ops := make([]tools.Operation, 0, len(c.tools))
	for _, t := range c.tools {
		ops = append(ops, tools.Operation{
			Name:        ToolPrefix + t.Name,
			Description: t.Description,
			Params:      paramsFromSchema(t.InputSchema),
		})
	}
	return ops
}

func paramsFromSchema(schema mcp.ToolInputSchema) []tools.Param {
	names := make([]string, 0, len(schema.Properties))
	for name := range schema.Properties {
		names = append(names, name)
	}
	sort.Strings(names)

	params := make([]tools.Param, 0, len(names))
	for _, name := range names {
		p := tools.Param{Name: name, Type: "string"}
		if prop, ok := schema.Properties[name].(map[string]any); ok {
			if typ, ok := prop["type"].(string); ok && typ != "" {
				p.Type = typ
			}
			p.Description, _ = prop["description"].(string)
			if enum, ok := prop["enum"].([]any); ok {
				for _, v := range enum {
					p.Enum = append(p.Enum, fmt.Sprint(v))
				}
			}
			p.Default = prop["default"]
		}
		p.HasDefault = !slices.Contains(schema.Required, name)
		params = append(params, p)
	}
	return params
}

// Call invokes the server tool behind operation.
func (c *Client) Call(ctx context.Context, operation string, args map[string]any) (tools.Result, error) {
	if !c.IsReady() {
		return nil, ErrNotReady
	}
	name := strings.TrimPrefix(operation, ToolPrefix)
	if !c.HasTool(name) {
		return nil, fmt.Errorf("tool %s not found", name)
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	c.logger.DebugTag(logging.TagMCP, "calling %s on %s", name, c.name)
	result, err := c.session.CallTool(callCtx, req)
	if err != nil {
		c.logger.ErrorTag(logging.TagMCP, "tool %s failed: %v", name, err)
		return nil, fmt.Errorf("failed to call tool %s: %w", name, err)
	}

	text := contentText(result)
	if result.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		return nil, errors.New(text)
	}
	return toResult(operation, text), nil
}

func contentText(result *mcp.CallToolResult) string {
	if result == nil {
		return ""
	}
	parts := make([]string, 0, len(result.Content))
	for _, content := range result.Content {
		switch v := content.(type) {
		case mcp.TextContent:
			parts = append(parts, v.Text)
		case *mcp.TextContent:
			parts = append(parts, v.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// toResult keeps JSON object payloads structured and wraps plain text as a
// message.
func toResult(operation, text string) tools.Result {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") {
		var obj map[string]any
		if err := sonic.UnmarshalString(trimmed, &obj); err == nil {
			return tools.Result{"success": true, "operation": operation, "data": obj}
		}
	}
	return tools.Result{"success": true, "operation": operation, "message": text}
}

func (c *Client) Close(_ context.Context) error {
	c.mu.Lock()
	c.ready = false
	c.mu.Unlock()
	return c.session.Close()
}
