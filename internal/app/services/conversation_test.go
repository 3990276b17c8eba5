package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"mpai-server-go/internal/domain/cache"
	"mpai-server-go/internal/domain/cache/store"
	"mpai-server-go/internal/domain/eventbus"
	"mpai-server-go/internal/domain/history"
	"mpai-server-go/internal/domain/llm"
	"mpai-server-go/internal/domain/orchestrator"
	"mpai-server-go/internal/domain/providers"
	"mpai-server-go/internal/domain/tools"
	testutil "mpai-server-go/internal/platform/testing"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type scriptedProcessor struct {
	mu       sync.Mutex
	requests []*llm.Request
	reply    func(req *llm.Request) (*llm.Response, error)
}

func (p *scriptedProcessor) Process(_ context.Context, req *llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()
	return p.reply(req)
}

func (p *scriptedProcessor) last() *llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[len(p.requests)-1]
}

func textReply(content string) *scriptedProcessor {
	return &scriptedProcessor{reply: func(*llm.Request) (*llm.Response, error) {
		return llm.NewResponse("openai", content, nil), nil
	}}
}

func toolReply(calls ...llm.ToolCall) *scriptedProcessor {
	return &scriptedProcessor{reply: func(*llm.Request) (*llm.Response, error) {
		return llm.NewResponse("openai", "", calls), nil
	}}
}

// stubTool is a described tool whose operations are plain functions.
type stubTool struct {
	name string
	ops  map[string]func(args map[string]any) (tools.Result, error)
}

func (s *stubTool) Name() string        { return s.name }
func (s *stubTool) Description() string { return s.name + " stub" }

func (s *stubTool) DescribeOperations() []tools.Operation {
	out := make([]tools.Operation, 0, len(s.ops))
	for name := range s.ops {
		out = append(out, tools.Operation{Name: name})
	}
	return out
}

func (s *stubTool) Call(_ context.Context, op string, args map[string]any) (tools.Result, error) {
	return s.ops[op](args)
}

func toolRegistry(t *testing.T, impls ...tools.Tool) *tools.Registry {
	t.Helper()
	r := tools.NewRegistry(tools.WithConflictExclusions("membership"))
	require.NoError(t, r.Register(impls...))
	return r
}

type topicRecorder struct {
	mu     sync.Mutex
	topics []string
	events []any
}

func (r *topicRecorder) Publish(topic string, args ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = append(r.topics, topic)
	if len(args) > 0 {
		r.events = append(r.events, args[0])
	}
}

func (r *topicRecorder) count(topic string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.topics {
		if t == topic {
			n++
		}
	}
	return n
}

func TestProcessRequest_TextReply(t *testing.T) {
	proc := textReply("Hello there")
	recorder := history.NewRecorder(history.NewMemory())
	svc := NewConversationService(&ConversationConfig{
		Orchestrator: proc,
		History:      recorder,
		Logger:       testutil.SetupTestLogger(t),
		SystemPrompt: "be brief",
		Temperature:  0.3,
		MaxTokens:    256,
	})
	ctx := context.Background()

	res := svc.ProcessRequest(ctx, "hi", "")
	require.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, "Hello there", res.Message)
	assert.True(t, strings.HasPrefix(res.ConversationID, "conv-"))
	assert.False(t, res.Timestamp.IsZero())
	assert.Empty(t, res.ToolResults)

	req := proc.last()
	msgs := req.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, llm.RoleSystem, msgs[0].Role)
	assert.Equal(t, llm.Message{Role: llm.RoleUser, Content: "hi"}, msgs[1])
	temp, _ := req.FloatOption(llm.OptionTemperature)
	assert.Equal(t, 0.3, temp)
	maxTokens, _ := req.IntOption(llm.OptionMaxTokens)
	assert.Equal(t, 256, maxTokens)
	assert.Equal(t, res.ConversationID, req.StringOption(llm.OptionConversationID))

	entries, err := recorder.Read(ctx, res.ConversationID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, history.SenderUser, entries[0].Sender)
	assert.Equal(t, "Hello there", entries[1].Content)
	assert.Equal(t, "openai", entries[1].Metadata["provider"])
}

func TestProcessRequest_FreshIDsAreUnique(t *testing.T) {
	svc := NewConversationService(&ConversationConfig{Orchestrator: textReply("ok")})
	a := svc.ProcessRequest(context.Background(), "one", "")
	b := svc.ProcessRequest(context.Background(), "two", "")
	assert.NotEqual(t, a.ConversationID, b.ConversationID)
}

func TestProcessRequest_TwoCallsAppendFourEntries(t *testing.T) {
	proc := textReply("ack")
	recorder := history.NewRecorder(history.NewMemory())
	svc := NewConversationService(&ConversationConfig{Orchestrator: proc, History: recorder})
	ctx := context.Background()

	first := svc.ProcessRequest(ctx, "first", "conv-fixed")
	second := svc.ProcessRequest(ctx, "second", "conv-fixed")
	require.Equal(t, StatusSuccess, first.Status)
	require.Equal(t, StatusSuccess, second.Status)

	entries, err := recorder.Read(ctx, "conv-fixed")
	require.NoError(t, err)
	require.Len(t, entries, 4)
	got := make([]string, 0, 4)
	for _, e := range entries {
		got = append(got, e.Sender+":"+e.Content)
	}
	assert.Equal(t, []string{"user:first", "assistant:ack", "user:second", "assistant:ack"}, got)

	// the second request replays the first exchange
	assert.Equal(t, []llm.Message{
		{Role: llm.RoleUser, Content: "first"},
		{Role: llm.RoleAssistant, Content: "ack"},
		{Role: llm.RoleUser, Content: "second"},
	}, proc.last().Messages())
}

func TestProcessRequest_NonUserSendersBecomeAssistant(t *testing.T) {
	store := history.NewMemory()
	ctx := context.Background()
	require.NoError(t, store.Append(ctx, "c1", history.Entry{Sender: "bot", Content: "earlier"}))

	proc := textReply("ok")
	svc := NewConversationService(&ConversationConfig{Orchestrator: proc, History: history.NewRecorder(store)})
	svc.ProcessRequest(ctx, "now", "c1")

	msgs := proc.last().Messages()
	assert.Equal(t, llm.RoleAssistant, msgs[0].Role)
}

func TestProcessRequest_PartialToolFailure(t *testing.T) {
	site := &stubTool{name: "site", ops: map[string]func(map[string]any) (tools.Result, error){
		"get_site_info": func(map[string]any) (tools.Result, error) {
			return tools.Result{"message": "Blog at https://blog.test"}, nil
		},
		"get_stats": func(map[string]any) (tools.Result, error) {
			return nil, errors.New("stats service timed out")
		},
	}}
	events := &topicRecorder{}
	recorder := history.NewRecorder(history.NewMemory())
	svc := NewConversationService(&ConversationConfig{
		Orchestrator: toolReply(
			llm.ToolCall{ID: "1", Name: "get_site_info"},
			llm.ToolCall{ID: "2", Name: "get_stats"},
		),
		Tools:         toolRegistry(t, site),
		History:       recorder,
		Events:        events,
		ParallelTools: true,
	})

	res := svc.ProcessRequest(context.Background(), "site overview", "c-tools")
	require.Equal(t, StatusSuccess, res.Status)
	require.Len(t, res.ToolResults, 2)

	assert.True(t, res.ToolResults[0].Success)
	assert.Equal(t, "get_site_info", res.ToolResults[0].Tool)
	assert.False(t, res.ToolResults[1].Success)
	assert.Equal(t, "stats service timed out", res.ToolResults[1].Error)

	assert.Equal(t, "**get_site_info**\nBlog at https://blog.test\n\n**get_stats**\nError: stats service timed out", res.Message)
	assert.Equal(t, 2, events.count(eventbus.EventToolExecuted))
	assert.Equal(t, 1, events.count(eventbus.EventChatCompleted))

	entries, err := recorder.Read(context.Background(), "c-tools")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, res.Message, entries[1].Content)
}

func TestProcessRequest_ParallelToolsKeepCallOrder(t *testing.T) {
	var running, peak atomic.Int32
	slow := func(d time.Duration, msg string) func(map[string]any) (tools.Result, error) {
		return func(map[string]any) (tools.Result, error) {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(d)
			running.Add(-1)
			return tools.Result{"message": msg}, nil
		}
	}
	impl := &stubTool{name: "timing", ops: map[string]func(map[string]any) (tools.Result, error){
		"first":  slow(40*time.Millisecond, "one"),
		"second": slow(5*time.Millisecond, "two"),
		"third":  slow(20*time.Millisecond, "three"),
	}}
	svc := NewConversationService(&ConversationConfig{
		Orchestrator:   toolReply(llm.ToolCall{Name: "first"}, llm.ToolCall{Name: "second"}, llm.ToolCall{Name: "third"}),
		Tools:          toolRegistry(t, impl),
		ParallelTools:  true,
		MaxConcurrency: 2,
	})

	res := svc.ProcessRequest(context.Background(), "go", "c-par")
	require.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, "**first**\none\n\n**second**\ntwo\n\n**third**\nthree", res.Message)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestProcessRequest_PanickingToolIsIsolated(t *testing.T) {
	impl := &stubTool{name: "p", ops: map[string]func(map[string]any) (tools.Result, error){
		"boom": func(map[string]any) (tools.Result, error) { panic("nil map") },
		"fine": func(map[string]any) (tools.Result, error) { return tools.Result{"message": "fine"}, nil },
	}}
	svc := NewConversationService(&ConversationConfig{
		Orchestrator: toolReply(llm.ToolCall{Name: "boom"}, llm.ToolCall{Name: "fine"}),
		Tools:        toolRegistry(t, impl),
	})

	res := svc.ProcessRequest(context.Background(), "x", "c-panic")
	require.Equal(t, StatusSuccess, res.Status)
	assert.Contains(t, res.Message, "**boom**\nError: panic: nil map")
	assert.Contains(t, res.Message, "**fine**\nfine")
}

func TestProcessRequest_ProviderFailureIsNotLeaked(t *testing.T) {
	proc := &scriptedProcessor{reply: func(*llm.Request) (*llm.Response, error) {
		return llm.NewErrorResponse("openai", &llm.ProviderTransportError{Provider: "openai", Err: errors.New("401 invalid api key sk-live-123")}), nil
	}}
	recorder := history.NewRecorder(history.NewMemory())
	events := &topicRecorder{}
	svc := NewConversationService(&ConversationConfig{Orchestrator: proc, History: recorder, Events: events})

	res := svc.ProcessRequest(context.Background(), "hi", "c-err")
	assert.Equal(t, StatusError, res.Status)
	assert.Equal(t, ApologyMessage, res.Message)
	assert.Equal(t, "c-err", res.ConversationID)
	assert.NotContains(t, res.Message, "sk-live")

	entries, err := recorder.Read(context.Background(), "c-err")
	require.NoError(t, err)
	assert.Empty(t, entries)
	require.Len(t, events.events, 1)
	assert.Equal(t, StatusError, events.events[0].(eventbus.ChatCompletedEvent).Status)
}

func TestProcessRequest_AbortAndPanicBecomeErrors(t *testing.T) {
	aborted := &scriptedProcessor{reply: func(*llm.Request) (*llm.Response, error) {
		return nil, &llm.UnknownProviderError{Provider: "nope"}
	}}
	res := NewConversationService(&ConversationConfig{Orchestrator: aborted}).ProcessRequest(context.Background(), "hi", "")
	assert.Equal(t, StatusError, res.Status)
	assert.NotEmpty(t, res.ConversationID)

	panicking := &scriptedProcessor{reply: func(*llm.Request) (*llm.Response, error) {
		panic("unexpected")
	}}
	res = NewConversationService(&ConversationConfig{Orchestrator: panicking}).ProcessRequest(context.Background(), "hi", "c-p")
	assert.Equal(t, StatusError, res.Status)
	assert.Equal(t, ApologyMessage, res.Message)

	res = NewConversationService(&ConversationConfig{Orchestrator: textReply("x")}).ProcessRequest(context.Background(), "   ", "c-e")
	assert.Equal(t, StatusError, res.Status)
}

type failingStore struct{ history.Store }

func (failingStore) Append(context.Context, string, ...history.Entry) error {
	return errors.New("disk full")
}

func (failingStore) Read(context.Context, string) ([]history.Entry, error) { return nil, nil }

func TestProcessRequest_PersistFailure(t *testing.T) {
	svc := NewConversationService(&ConversationConfig{
		Orchestrator: textReply("ok"),
		History:      history.NewRecorder(failingStore{}),
	})
	res := svc.ProcessRequest(context.Background(), "hi", "c-disk")
	assert.Equal(t, StatusError, res.Status)
	assert.Equal(t, ApologyMessage, res.Message)
}

func TestProcessWithOptions_Overrides(t *testing.T) {
	proc := textReply("ok")
	svc := NewConversationService(&ConversationConfig{Orchestrator: proc, Temperature: 0.7})
	svc.ProcessWithOptions(context.Background(), "hi", "c-o", map[string]any{
		llm.OptionProvider:    "anthropic",
		llm.OptionTemperature: 0.1,
	})
	req := proc.last()
	assert.Equal(t, "anthropic", req.StringOption(llm.OptionProvider))
	temp, _ := req.FloatOption(llm.OptionTemperature)
	assert.Equal(t, 0.1, temp)
}

// Request "List all active memberships" with the list_memberships tool:
// the structured-data pin routes it, the tool call is executed and the
// result is rendered as a table with a total.
func TestProcessRequest_ActiveMembershipsEndToEnd(t *testing.T) {
	var openaiCalls, anthropicCalls atomic.Int32
	registry := providers.NewRegistry(map[string]string{"openai": "k1", "anthropic": "k2"})
	registry.Register("openai", func(llm.ProviderConfig) (llm.Client, error) {
		return llm.ClientFunc{ProviderName: "openai", Fn: func(context.Context, *llm.Request) (*llm.Response, error) {
			openaiCalls.Add(1)
			return llm.NewResponse("openai", "guessing", nil), nil
		}}, nil
	}, llm.ProviderConfig{})
	registry.Register("anthropic", func(llm.ProviderConfig) (llm.Client, error) {
		return llm.ClientFunc{ProviderName: "anthropic", Fn: func(_ context.Context, req *llm.Request) (*llm.Response, error) {
			anthropicCalls.Add(1)
			if !req.HasTool("list_memberships") {
				return llm.NewResponse("anthropic", "no tool", nil), nil
			}
			return llm.NewResponse("anthropic", "", []llm.ToolCall{{ID: "toolu_1", Name: "list_memberships", Arguments: map[string]any{"status": "active"}}}), nil
		}}, nil
	}, llm.ProviderConfig{})

	rc := cache.New(store.NewMemory(store.Config{}), cache.Config{Enabled: true}, nil)
	t.Cleanup(func() { _ = rc.Close(context.Background()) })

	orch := orchestrator.New(registry, rc, orchestrator.Config{
		Primary:                "openai",
		Fallback:               "openai",
		StructuredDataProvider: "anthropic",
		StructuredDataTools:    []string{"list_memberships"},
	})

	var gotArgs map[string]any
	memberships := &stubTool{name: "memberpress", ops: map[string]func(map[string]any) (tools.Result, error){
		"list_memberships": func(args map[string]any) (tools.Result, error) {
			gotArgs = args
			return tools.Result{"success": true, "data": map[string]any{
				"memberships": []any{
					map[string]any{"id": 1, "title": "Gold", "price": "29.00", "status": "active"},
					map[string]any{"id": 2, "title": "Silver", "price": "19.00", "status": "active"},
					map[string]any{"id": 3, "title": "Bronze", "price": "9.00", "status": "active"},
				},
				"total": 3,
			}}, nil
		},
	}}

	svc := NewConversationService(&ConversationConfig{
		Orchestrator: orch,
		Tools:        toolRegistry(t, memberships),
	})

	res := svc.ProcessRequest(context.Background(), "List all active memberships", "")
	require.Equal(t, StatusSuccess, res.Status, res.Message)
	require.Len(t, res.ToolResults, 1)
	assert.Equal(t, "list_memberships", res.ToolResults[0].Tool)
	assert.True(t, res.ToolResults[0].Success)
	assert.Equal(t, "active", gotArgs["status"])

	assert.True(t, strings.HasPrefix(res.Message, "**list_memberships**\nMemberships: 3 total (3 active, 0 inactive)"), res.Message)
	assert.Contains(t, res.Message, "| 1 | Gold | 29.00 |  | active |")
	assert.EqualValues(t, 1, anthropicCalls.Load())
	assert.Zero(t, openaiCalls.Load())
}
