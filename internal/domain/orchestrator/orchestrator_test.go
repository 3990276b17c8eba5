package orchestrator

import (
	"context"
	"errors"
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
	"mpai-server-go/internal/domain/llm"
	"mpai-server-go/internal/domain/providers"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeProvider struct {
	calls atomic.Int32
	chat  func(ctx context.Context, req *llm.Request) (*llm.Response, error)
}

func (f *fakeProvider) constructor(name string) llm.Constructor {
	return func(llm.ProviderConfig) (llm.Client, error) {
		return llm.ClientFunc{ProviderName: name, Fn: func(ctx context.Context, req *llm.Request) (*llm.Response, error) {
			f.calls.Add(1)
			return f.chat(ctx, req)
		}}, nil
	}
}

func replying(name, content string) *fakeProvider {
	return &fakeProvider{chat: func(context.Context, *llm.Request) (*llm.Response, error) {
		return llm.NewResponse(name, content, nil), nil
	}}
}

func failing(name string) *fakeProvider {
	return &fakeProvider{chat: func(context.Context, *llm.Request) (*llm.Response, error) {
		return nil, &llm.ProviderTransportError{Provider: name, Err: errors.New("connection reset")}
	}}
}

type recorder struct {
	mu     sync.Mutex
	topics []string
}

func (r *recorder) Publish(topic string, _ ...interface{}) {
	r.mu.Lock()
	r.topics = append(r.topics, topic)
	r.mu.Unlock()
}

func (r *recorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.topics...)
}

type harness struct {
	orch     *Orchestrator
	cache    *cache.ResponseCache
	registry *providers.Registry
	events   *recorder
}

func newHarness(t *testing.T, cfg Config, fakes map[string]*fakeProvider) *harness {
	t.Helper()
	keys := map[string]string{}
	for name := range fakes {
		keys[name] = "key-" + name
	}
	registry := providers.NewRegistry(keys)
	for name, fake := range fakes {
		registry.Register(name, fake.constructor(name), llm.ProviderConfig{})
	}
	rc := cache.New(store.NewMemory(store.Config{}), cache.Config{Enabled: true}, nil)
	t.Cleanup(func() { _ = rc.Close(context.Background()) })

	events := &recorder{}
	return &harness{
		orch:     New(registry, rc, cfg, WithEvents(events)),
		cache:    rc,
		registry: registry,
		events:   events,
	}
}

func plainRequest(opts map[string]any) *llm.Request {
	return llm.NewRequest([]llm.Message{{Role: llm.RoleUser, Content: "hello"}}, nil, opts)
}

func TestProcess_PrimarySuccessIsCached(t *testing.T) {
	primary := replying("openai", "hi")
	h := newHarness(t, Config{Primary: "openai", Fallback: "anthropic"}, map[string]*fakeProvider{
		"openai":    primary,
		"anthropic": replying("anthropic", "unused"),
	})
	ctx := context.Background()

	resp, err := h.orch.Process(ctx, plainRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, "hi", resp.Content)

	resp, err = h.orch.Process(ctx, plainRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, "hi", resp.Content)
	assert.EqualValues(t, 1, primary.calls.Load(), "second call must be served from cache")
	assert.Contains(t, h.events.seen(), eventbus.EventCacheHit)
	assert.Contains(t, h.events.seen(), eventbus.EventCacheStored)
}

func TestProcess_FallbackCachedUnderFallbackKey(t *testing.T) {
	fallback := replying("anthropic", "ok")
	h := newHarness(t, Config{Primary: "openai", Fallback: "anthropic"}, map[string]*fakeProvider{
		"openai":    failing("openai"),
		"anthropic": fallback,
	})
	ctx := context.Background()
	req := plainRequest(nil)

	resp, err := h.orch.Process(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, "anthropic", resp.Provider)

	_, ok := h.cache.Get(ctx, req, "anthropic")
	assert.True(t, ok, "fallback response is cached under the fallback key")
	_, ok = h.cache.Get(ctx, req, "openai")
	assert.False(t, ok, "primary key stays empty")
	assert.Contains(t, h.events.seen(), eventbus.EventFallback)
}

func TestProcess_PrimaryCacheHitSkipsFallback(t *testing.T) {
	fallback := replying("anthropic", "fresh")
	h := newHarness(t, Config{Primary: "openai", Fallback: "anthropic"}, map[string]*fakeProvider{
		"openai":    failing("openai"),
		"anthropic": fallback,
	})
	ctx := context.Background()
	req := plainRequest(nil)
	require.True(t, h.cache.Put(ctx, req, "openai", llm.NewResponse("openai", "cached", nil)))

	resp, err := h.orch.Process(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "cached", resp.Content)
	assert.Zero(t, fallback.calls.Load())
}

func TestProcess_FallbackChecksItsOwnCache(t *testing.T) {
	fallback := replying("anthropic", "fresh")
	h := newHarness(t, Config{Primary: "openai", Fallback: "anthropic"}, map[string]*fakeProvider{
		"openai":    failing("openai"),
		"anthropic": fallback,
	})
	ctx := context.Background()
	req := plainRequest(nil)
	require.True(t, h.cache.Put(ctx, req, "anthropic", llm.NewResponse("anthropic", "cached", nil)))

	resp, err := h.orch.Process(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "cached", resp.Content)
	assert.Zero(t, fallback.calls.Load())
}

func TestProcess_BothFailReturnsOriginalFailure(t *testing.T) {
	fallback := failing("anthropic")
	h := newHarness(t, Config{Primary: "openai", Fallback: "anthropic"}, map[string]*fakeProvider{
		"openai":    failing("openai"),
		"anthropic": fallback,
	})

	resp, err := h.orch.Process(context.Background(), plainRequest(nil))
	require.NoError(t, err)
	require.True(t, resp.IsError())
	assert.Equal(t, "openai", resp.Provider)
	assert.Empty(t, resp.Content)
	assert.EqualValues(t, 1, fallback.calls.Load(), "exactly one fallback hop")
}

func TestProcess_BothFailReturnsProviderErrorResponseUnchanged(t *testing.T) {
	original := &llm.Response{Provider: "openai", Error: "quota exceeded"}
	primary := &fakeProvider{chat: func(context.Context, *llm.Request) (*llm.Response, error) {
		return original, nil
	}}
	h := newHarness(t, Config{Primary: "openai", Fallback: "anthropic"}, map[string]*fakeProvider{
		"openai":    primary,
		"anthropic": failing("anthropic"),
	})

	resp, err := h.orch.Process(context.Background(), plainRequest(nil))
	require.NoError(t, err)
	assert.Same(t, original, resp)
	assert.Equal(t, "quota exceeded", resp.Error)
	assert.Equal(t, "openai", resp.Provider)
}

func TestProcess_NoFallbackConfigured(t *testing.T) {
	h := newHarness(t, Config{Primary: "openai"}, map[string]*fakeProvider{"openai": failing("openai")})

	resp, err := h.orch.Process(context.Background(), plainRequest(nil))
	require.NoError(t, err)
	assert.True(t, resp.IsError())
	assert.NotContains(t, h.events.seen(), eventbus.EventFallback)
}

func TestProcess_FallbackSameAsSelectedIsNotRetried(t *testing.T) {
	primary := failing("openai")
	h := newHarness(t, Config{Primary: "openai", Fallback: "openai"}, map[string]*fakeProvider{"openai": primary})

	resp, err := h.orch.Process(context.Background(), plainRequest(nil))
	require.NoError(t, err)
	assert.True(t, resp.IsError())
	assert.EqualValues(t, 1, primary.calls.Load())
}

func TestProcess_InBandErrorTriggersFallback(t *testing.T) {
	primary := &fakeProvider{chat: func(context.Context, *llm.Request) (*llm.Response, error) {
		return llm.NewErrorResponse("openai", errors.New("quota exceeded")), nil
	}}
	h := newHarness(t, Config{Primary: "openai", Fallback: "anthropic"}, map[string]*fakeProvider{
		"openai":    primary,
		"anthropic": replying("anthropic", "ok"),
	})

	resp, err := h.orch.Process(context.Background(), plainRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
}

func TestProcess_MissingCredentialFallsBack(t *testing.T) {
	registry := providers.NewRegistry(map[string]string{"anthropic": "k"})
	registry.Register("openai", replying("openai", "x").constructor("openai"), llm.ProviderConfig{})
	registry.Register("anthropic", replying("anthropic", "ok").constructor("anthropic"), llm.ProviderConfig{})

	orch := New(registry, nil, Config{Primary: "openai", Fallback: "anthropic"})
	resp, err := orch.Process(context.Background(), plainRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
}

func TestProcess_UnknownProviderAborts(t *testing.T) {
	fallback := replying("anthropic", "ok")
	h := newHarness(t, Config{Primary: "openai", Fallback: "anthropic"}, map[string]*fakeProvider{"anthropic": fallback})

	resp, err := h.orch.Process(context.Background(), plainRequest(map[string]any{llm.OptionProvider: "mistral"}))
	var unknown *llm.UnknownProviderError
	require.ErrorAs(t, err, &unknown)
	assert.True(t, resp.IsError())
	assert.Zero(t, fallback.calls.Load())
}

func TestProcess_ToolRoutingMismatchFallsBack(t *testing.T) {
	tools := []llm.Tool{{Name: "wordpress_list_posts"}}
	primary := &fakeProvider{chat: func(context.Context, *llm.Request) (*llm.Response, error) {
		return llm.NewResponse("openai", "", []llm.ToolCall{{Name: "delete_everything"}}), nil
	}}
	fallback := &fakeProvider{chat: func(context.Context, *llm.Request) (*llm.Response, error) {
		return llm.NewResponse("anthropic", "", []llm.ToolCall{{Name: "wordpress_list_posts", Arguments: map[string]any{"operation": "list_posts"}}}), nil
	}}
	h := newHarness(t, Config{Primary: "openai", Fallback: "anthropic"}, map[string]*fakeProvider{
		"openai":    primary,
		"anthropic": fallback,
	})

	req := llm.NewRequest([]llm.Message{{Role: llm.RoleUser, Content: "posts"}}, tools, nil)
	resp, err := h.orch.Process(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "anthropic", resp.Provider)
}

func TestProcess_FallbackReceivesUnchangedRequest(t *testing.T) {
	var got *llm.Request
	fallback := &fakeProvider{chat: func(_ context.Context, req *llm.Request) (*llm.Response, error) {
		got = req
		return llm.NewResponse("anthropic", "ok", nil), nil
	}}
	h := newHarness(t, Config{Primary: "openai", Fallback: "anthropic"}, map[string]*fakeProvider{
		"openai":    failing("openai"),
		"anthropic": fallback,
	})

	req := llm.NewRequest([]llm.Message{{Role: llm.RoleUser, Content: "x"}}, []llm.Tool{{Name: "system_get_current_time"}}, nil)
	_, err := h.orch.Process(context.Background(), req)
	require.NoError(t, err)
	assert.Same(t, req, got)
}

func TestSelectProvider(t *testing.T) {
	o := New(nil, nil, Config{
		Primary:                "openai",
		StructuredDataProvider: "anthropic",
		StructuredDataTools:    []string{"list_plugins", "list_memberships"},
	})

	tests := []struct {
		name       string
		tools      []string
		opts       map[string]any
		want       string
		wantReason string
	}{
		{"primary by default", nil, nil, "openai", ReasonPrimary},
		{"explicit override", nil, map[string]any{llm.OptionProvider: "deepseek"}, "deepseek", ReasonOverride},
		{"allowlisted tool pins provider", []string{"wordpress_list_plugins"}, nil, "anthropic", ReasonStructuredData},
		{"pin beats override", []string{"list_memberships"}, map[string]any{llm.OptionProvider: "deepseek"}, "anthropic", ReasonStructuredData},
		{"other tools keep override", []string{"wordpress_get_site_info"}, map[string]any{llm.OptionProvider: "deepseek"}, "deepseek", ReasonOverride},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var tools []llm.Tool
			for _, name := range tt.tools {
				tools = append(tools, llm.Tool{Name: name})
			}
			sel := o.SelectProvider(llm.NewRequest(nil, tools, tt.opts))
			assert.Equal(t, tt.want, sel.Provider)
			assert.Equal(t, tt.wantReason, sel.Reason)
		})
	}

	unpinned := New(nil, nil, Config{Primary: "openai", StructuredDataTools: []string{"list_"}})
	sel := unpinned.SelectProvider(llm.NewRequest(nil, []llm.Tool{{Name: "list_posts"}}, map[string]any{llm.OptionProvider: "deepseek"}))
	assert.Equal(t, "openai", sel.Provider, "empty structured provider pins to primary")
}

func TestProcess_ForcedProviderIgnoresOverride(t *testing.T) {
	pinned := &fakeProvider{chat: func(context.Context, *llm.Request) (*llm.Response, error) {
		return llm.NewResponse("anthropic", "", []llm.ToolCall{{Name: "list_plugins"}}), nil
	}}
	other := replying("deepseek", "nope")
	h := newHarness(t, Config{
		Primary:                "openai",
		StructuredDataProvider: "anthropic",
		StructuredDataTools:    []string{"list_plugins"},
	}, map[string]*fakeProvider{"anthropic": pinned, "deepseek": other, "openai": replying("openai", "nope")})

	req := llm.NewRequest([]llm.Message{{Role: llm.RoleUser, Content: "plugins"}}, []llm.Tool{{Name: "list_plugins"}},
		map[string]any{llm.OptionProvider: "deepseek"})
	resp, err := h.orch.Process(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "anthropic", resp.Provider)
	assert.Zero(t, other.calls.Load())
}

func TestProcess_TimeoutIsFallbackEligible(t *testing.T) {
	slow := &fakeProvider{chat: func(ctx context.Context, _ *llm.Request) (*llm.Response, error) {
		<-ctx.Done()
		return nil, &llm.ProviderTransportError{Provider: "openai", Err: ctx.Err()}
	}}
	h := newHarness(t, Config{Primary: "openai", Fallback: "anthropic", RequestTimeout: 20 * time.Millisecond},
		map[string]*fakeProvider{"openai": slow, "anthropic": replying("anthropic", "ok")})

	resp, err := h.orch.Process(context.Background(), plainRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
}

func TestProcess_CancellationSuppressesFallback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	slow := &fakeProvider{chat: func(ctx context.Context, _ *llm.Request) (*llm.Response, error) {
		close(started)
		<-ctx.Done()
		return nil, &llm.ProviderTransportError{Provider: "openai", Err: ctx.Err()}
	}}
	fallback := replying("anthropic", "ok")
	h := newHarness(t, Config{Primary: "openai", Fallback: "anthropic"},
		map[string]*fakeProvider{"openai": slow, "anthropic": fallback})

	go func() {
		<-started
		cancel()
	}()

	resp, err := h.orch.Process(ctx, plainRequest(nil))
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, resp.IsError())
	assert.Zero(t, fallback.calls.Load())
}
