package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"mpai-server-go/internal/domain/eventbus"
	"mpai-server-go/internal/domain/history"
	"mpai-server-go/internal/domain/llm"
	"mpai-server-go/internal/domain/tools"
	"mpai-server-go/internal/domain/tools/format"
	"mpai-server-go/internal/platform/logging"
	"mpai-server-go/internal/platform/observability"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// ApologyMessage is what the user sees when a request fails. The cause is
// only logged.
const ApologyMessage = "Sorry, I couldn't process your request right now. Please try again in a moment."

// Processor serves a chat request; the orchestrator implements it.
type Processor interface {
	Process(ctx context.Context, req *llm.Request) (*llm.Response, error)
}

// ToolRunner advertises tool schemas and executes tool calls.
type ToolRunner interface {
	Schemas() []llm.Tool
	Execute(ctx context.Context, call llm.ToolCall) (tools.Result, error)
}

// ResultFormatter renders one tool result.
type ResultFormatter interface {
	Format(tool string, result tools.Result) string
}

// ToolResult is the outcome of one tool call.
type ToolResult struct {
	Tool    string       `json:"tool"`
	CallID  string       `json:"call_id,omitempty"`
	Success bool         `json:"success"`
	Result  tools.Result `json:"result,omitempty"`
	Error   string       `json:"error,omitempty"`
}

// Result is returned to the transport layer.
type Result struct {
	Status         string       `json:"status"`
	Message        string       `json:"message"`
	ConversationID string       `json:"conversation_id"`
	Timestamp      time.Time    `json:"timestamp"`
	ToolResults    []ToolResult `json:"tool_results,omitempty"`
}

// ConversationConfig wires the conversation service.
type ConversationConfig struct {
	Orchestrator Processor
	Tools        ToolRunner
	Formatter    ResultFormatter
	History      *history.Recorder
	Events       eventbus.Publisher
	Logger       logging.TagLogger

	SystemPrompt string
	Temperature  float64
	MaxTokens    int
	// ParallelTools runs the tool calls of one response concurrently,
	// at most MaxConcurrency at a time.
	ParallelTools  bool
	MaxConcurrency int

	// NewID mints conversation ids; defaults to "conv-" + UUIDv4.
	NewID func() string
	Now   func() time.Time
}

// ConversationService turns a user utterance into a model round trip,
// executes any requested tools and records the exchange.
type ConversationService struct {
	orchestrator Processor
	tools        ToolRunner
	formatter    ResultFormatter
	history      *history.Recorder
	events       eventbus.Publisher
	logger       logging.TagLogger

	systemPrompt   string
	temperature    float64
	maxTokens      int
	parallel       bool
	maxConcurrency int
	newID          func() string
	now            func() time.Time
}

func NewConversationService(config *ConversationConfig) *ConversationService {
	s := &ConversationService{
		orchestrator:   config.Orchestrator,
		tools:          config.Tools,
		formatter:      config.Formatter,
		history:        config.History,
		events:         config.Events,
		logger:         config.Logger,
		systemPrompt:   config.SystemPrompt,
		temperature:    config.Temperature,
		maxTokens:      config.MaxTokens,
		parallel:       config.ParallelTools,
		maxConcurrency: config.MaxConcurrency,
		newID:          config.NewID,
		now:            config.Now,
	}
	if s.formatter == nil {
		s.formatter = format.Default()
	}
	if s.events == nil {
		s.events = eventbus.Nop
	}
	if s.logger == nil {
		s.logger = logging.Discard
	}
	if s.history == nil {
		s.history = history.NewRecorder(history.NewMemory())
	}
	if s.newID == nil {
		s.newID = func() string { return "conv-" + uuid.NewString() }
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.maxConcurrency <= 0 {
		s.maxConcurrency = 4
	}
	return s
}

// History exposes the recorder for read-only endpoints.
func (s *ConversationService) History() *history.Recorder { return s.history }

// ProcessRequest handles one user message. It never returns a Go error:
// failures come back as a Result with StatusError and a generic message.
func (s *ConversationService) ProcessRequest(ctx context.Context, message, conversationID string) *Result {
	return s.ProcessWithOptions(ctx, message, conversationID, nil)
}

// ProcessWithOptions is ProcessRequest with request option overrides such
// as provider or no_cache.
func (s *ConversationService) ProcessWithOptions(ctx context.Context, message, conversationID string, overrides map[string]any) (result *Result) {
	if conversationID == "" {
		conversationID = s.newID()
	}

	ctx, end := observability.StartSpan(ctx, "conversation", "process_request")
	var failure error
	defer func() {
		if p := recover(); p != nil {
			failure = fmt.Errorf("panic: %v", p)
			result = s.fail(conversationID, failure)
		}
		end(failure)
		observability.RecordMetric(ctx, "conversation.requests", 1, map[string]string{"status": result.Status})
		s.events.Publish(eventbus.EventChatCompleted, eventbus.ChatCompletedEvent{
			ConversationID: conversationID,
			Status:         result.Status,
			ToolCalls:      len(result.ToolResults),
		})
	}()

	result, failure = s.process(ctx, message, conversationID, overrides)
	if failure != nil {
		result = s.fail(conversationID, failure)
	}
	return result
}

func (s *ConversationService) process(ctx context.Context, message, conversationID string, overrides map[string]any) (*Result, error) {
	if strings.TrimSpace(message) == "" {
		return nil, errors.New("empty message")
	}

	past, err := s.history.Read(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	req := s.buildRequest(past, message, conversationID, overrides)
	s.logger.DebugTag(logging.TagLLM, "conversation %s: %d history turns, %d tools", conversationID, len(past), len(req.Tools()))

	resp, err := s.orchestrator.Process(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("orchestrate: %w", err)
	}
	if resp.IsError() {
		cause := resp.Err
		if cause == nil {
			cause = errors.New(resp.Error)
		}
		return nil, fmt.Errorf("provider %s: %w", resp.Provider, cause)
	}

	reply := resp.Content
	var toolResults []ToolResult
	if resp.HasToolCalls() {
		toolResults = s.executeTools(ctx, conversationID, resp.ToolCalls)
		reply = s.render(toolResults)
	}

	now := s.now()
	err = s.history.AppendExchange(ctx, conversationID,
		history.Entry{Sender: history.SenderUser, Content: message, Timestamp: now},
		history.Entry{Sender: history.SenderAssistant, Content: reply, Timestamp: now, Metadata: replyMetadata(resp, toolResults)},
	)
	if err != nil {
		return nil, fmt.Errorf("persist history: %w", err)
	}

	return &Result{
		Status:         StatusSuccess,
		Message:        reply,
		ConversationID: conversationID,
		Timestamp:      now,
		ToolResults:    toolResults,
	}, nil
}

func (s *ConversationService) buildRequest(past []history.Entry, message, conversationID string, overrides map[string]any) *llm.Request {
	messages := make([]llm.Message, 0, len(past)+2)
	if s.systemPrompt != "" {
		messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: s.systemPrompt})
	}
	for _, e := range past {
		role := llm.RoleAssistant
		if e.Sender == history.SenderUser {
			role = llm.RoleUser
		}
		messages = append(messages, llm.Message{Role: role, Content: e.Content})
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: message})

	options := map[string]any{llm.OptionConversationID: conversationID}
	if s.temperature > 0 {
		options[llm.OptionTemperature] = s.temperature
	}
	if s.maxTokens > 0 {
		options[llm.OptionMaxTokens] = s.maxTokens
	}
	for k, v := range overrides {
		options[k] = v
	}

	var schemas []llm.Tool
	if s.tools != nil {
		schemas = s.tools.Schemas()
	}
	return llm.NewRequest(messages, schemas, options)
}

// executeTools runs every call and returns results in call order. A failing
// call is recorded in its own slot and never stops the others.
func (s *ConversationService) executeTools(ctx context.Context, conversationID string, calls []llm.ToolCall) []ToolResult {
	results := make([]ToolResult, len(calls))

	var g errgroup.Group
	limit := 1
	if s.parallel {
		limit = s.maxConcurrency
	}
	g.SetLimit(limit)

	for i, call := range calls {
		g.Go(func() error {
			results[i] = s.executeTool(ctx, conversationID, call)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (s *ConversationService) executeTool(ctx context.Context, conversationID string, call llm.ToolCall) (tr ToolResult) {
	tr = ToolResult{Tool: call.Name, CallID: call.ID}
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			tr.Success, tr.Result = false, nil
			tr.Error = fmt.Sprintf("panic: %v", p)
		}
		status := "ok"
		if !tr.Success {
			status = "error"
		}
		observability.RecordMetric(ctx, "tools.calls", 1, map[string]string{"tool": call.Name, "status": status})
		s.events.Publish(eventbus.EventToolExecuted, eventbus.ToolExecutedEvent{
			ConversationID: conversationID,
			Tool:           call.Name,
			Success:        tr.Success,
			Elapsed:        time.Since(start),
		})
	}()

	if s.tools == nil {
		tr.Error = tools.ErrUnknownTool.Error()
		return tr
	}

	res, err := s.tools.Execute(ctx, call)
	if err != nil {
		var toolErr *llm.ToolExecutionError
		if errors.As(err, &toolErr) && toolErr.Err != nil {
			err = toolErr.Err
		}
		s.logger.WarnTag(logging.TagTools, "tool %s failed: %v", call.Name, err)
		tr.Error = err.Error()
		return tr
	}
	tr.Success = true
	tr.Result = res
	return tr
}

func (s *ConversationService) render(results []ToolResult) string {
	sections := make([]string, 0, len(results))
	for _, r := range results {
		body := "Error: " + r.Error
		if r.Success {
			body = s.formatter.Format(r.Tool, r.Result)
		}
		sections = append(sections, "**"+r.Tool+"**\n"+body)
	}
	return strings.Join(sections, "\n\n")
}

func (s *ConversationService) fail(conversationID string, err error) *Result {
	s.logger.ErrorTag(logging.TagLLM, "conversation %s failed: %v", conversationID, err)
	return &Result{
		Status:         StatusError,
		Message:        ApologyMessage,
		ConversationID: conversationID,
		Timestamp:      s.now(),
	}
}

func replyMetadata(resp *llm.Response, results []ToolResult) map[string]any {
	meta := map[string]any{"provider": resp.Provider}
	if len(results) > 0 {
		names := make([]string, 0, len(results))
		for _, r := range results {
			names = append(names, r.Tool)
		}
		meta["tools"] = names
	}
	return meta
}
