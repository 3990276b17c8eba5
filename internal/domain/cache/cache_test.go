package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mpai-server-go/internal/domain/cache/store"
	"mpai-server-go/internal/domain/llm"
)

func newMemoryCache(t *testing.T) *ResponseCache {
	t.Helper()
	backend := store.NewMemory(store.Config{})
	c := New(backend, Config{Enabled: true}, nil)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func userRequest(content string, opts map[string]any) *llm.Request {
	return llm.NewRequest([]llm.Message{{Role: llm.RoleUser, Content: content}}, nil, opts)
}

func TestShouldCache(t *testing.T) {
	c := newMemoryCache(t)
	disabled := New(store.NewMemory(store.Config{}), Config{Enabled: false}, nil)
	t.Cleanup(func() { _ = disabled.Close(context.Background()) })

	withTools := llm.NewRequest(nil, []llm.Tool{{Name: "list_plugins"}}, nil)

	assert.True(t, c.ShouldCache(userRequest("hi", nil), "openai"))
	assert.False(t, c.ShouldCache(userRequest("hi", map[string]any{llm.OptionNoCache: true}), "openai"))
	assert.False(t, c.ShouldCache(withTools, "openai"))
	assert.False(t, disabled.ShouldCache(userRequest("hi", nil), "openai"))

	var nilCache *ResponseCache
	assert.False(t, nilCache.ShouldCache(userRequest("hi", nil), "openai"))
}

func TestKeyFor_ProviderScopedAndStable(t *testing.T) {
	c := newMemoryCache(t)
	req := userRequest("hello", map[string]any{llm.OptionTemperature: 0.2, llm.OptionMaxTokens: 100})

	a1 := c.KeyFor(req, "openai")
	a2 := c.KeyFor(req, "openai")
	b := c.KeyFor(req, "anthropic")

	assert.Equal(t, a1, a2)
	assert.NotEqual(t, a1, b)
	assert.Contains(t, a1, "llm_response:openai:")

	same := userRequest("hello", map[string]any{llm.OptionMaxTokens: 100, llm.OptionTemperature: 0.2})
	assert.Equal(t, a1, c.KeyFor(same, "openai"), "option order must not matter")

	otherConversation := userRequest("hello", map[string]any{
		llm.OptionTemperature:    0.2,
		llm.OptionMaxTokens:      100,
		llm.OptionConversationID: "conv-2",
	})
	assert.Equal(t, a1, c.KeyFor(otherConversation, "openai"))

	hotter := userRequest("hello", map[string]any{llm.OptionTemperature: 0.9, llm.OptionMaxTokens: 100})
	assert.NotEqual(t, a1, c.KeyFor(hotter, "openai"))

	assert.NotEqual(t, c.KeyFor(req, "a:b"), c.KeyFor(req, "a"), "provider names are escaped")
}

func TestPutGet_RoundTrip(t *testing.T) {
	c := newMemoryCache(t)
	ctx := context.Background()
	req := userRequest("hello", nil)
	resp := llm.NewResponse("openai", "hi there", nil)

	_, ok := c.Get(ctx, req, "openai")
	assert.False(t, ok)

	require.True(t, c.Put(ctx, req, "openai", resp))

	got, ok := c.Get(ctx, req, "openai")
	require.True(t, ok)
	assert.Equal(t, resp.Content, got.Content)
	assert.Equal(t, "openai", got.Provider)

	_, ok = c.Get(ctx, req, "anthropic")
	assert.False(t, ok)
}

func TestPut_SkipsToolBearingRequestsAndErrors(t *testing.T) {
	c := newMemoryCache(t)
	ctx := context.Background()

	withTools := llm.NewRequest([]llm.Message{{Role: llm.RoleUser, Content: "plugins"}}, []llm.Tool{{Name: "wordpress_list_plugins"}}, nil)
	assert.False(t, c.Put(ctx, withTools, "openai", llm.NewResponse("openai", "done", nil)))
	_, ok := c.Get(ctx, withTools, "openai")
	assert.False(t, ok)

	req := userRequest("hello", nil)
	assert.False(t, c.Put(ctx, req, "openai", llm.NewErrorResponse("openai", errors.New("boom"))))
	assert.False(t, c.Put(ctx, req, "openai", llm.NewResponse("openai", "", []llm.ToolCall{{Name: "x"}})))
	_, ok = c.Get(ctx, req, "openai")
	assert.False(t, ok)
}

func TestPut_HonoursCacheTTL(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	backend, err := store.NewRedis(store.Config{Redis: &store.RedisConfig{Addr: mr.Addr()}})
	require.NoError(t, err)
	c := New(backend, Config{Enabled: true, DefaultTTL: time.Hour}, nil)
	t.Cleanup(func() { _ = c.Close(context.Background()) })

	ctx := context.Background()
	short := userRequest("short", map[string]any{llm.OptionCacheTTL: 60})
	long := userRequest("long", nil)
	require.True(t, c.Put(ctx, short, "openai", llm.NewResponse("openai", "s", nil)))
	require.True(t, c.Put(ctx, long, "openai", llm.NewResponse("openai", "l", nil)))

	assert.Equal(t, time.Minute, mr.TTL(c.KeyFor(short, "openai")))
	assert.Equal(t, time.Hour, mr.TTL(c.KeyFor(long, "openai")))
}

type failingBackend struct {
	store.Backend
}

func (failingBackend) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("connection refused")
}

func (failingBackend) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("connection refused")
}

func (failingBackend) Close(context.Context) error { return nil }

func TestStorageErrorsAreSwallowed(t *testing.T) {
	c := New(failingBackend{}, Config{Enabled: true}, nil)
	ctx := context.Background()
	req := userRequest("hello", nil)

	_, ok := c.Get(ctx, req, "openai")
	assert.False(t, ok)
	assert.False(t, c.Put(ctx, req, "openai", llm.NewResponse("openai", "x", nil)))
}

func TestInvalidate(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	redisBackend, err := store.NewRedis(store.Config{Redis: &store.RedisConfig{Addr: mr.Addr()}})
	require.NoError(t, err)

	cases := map[string]store.Backend{
		"enumerate-then-delete": store.NewMemory(store.Config{}),
		"native prefix delete":  redisBackend,
	}
	for name, backend := range cases {
		t.Run(name, func(t *testing.T) {
			c := New(backend, Config{Enabled: true}, nil)
			t.Cleanup(func() { _ = c.Close(context.Background()) })
			ctx := context.Background()

			for _, content := range []string{"a", "b"} {
				require.True(t, c.Put(ctx, userRequest(content, nil), "openai", llm.NewResponse("openai", content, nil)))
			}
			require.True(t, c.Put(ctx, userRequest("a", nil), "anthropic", llm.NewResponse("anthropic", "a", nil)))
			require.NoError(t, backend.Set(ctx, "unrelated", []byte("x"), time.Hour))

			n, err := c.Invalidate(ctx, "openai")
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			_, ok := c.Get(ctx, userRequest("a", nil), "anthropic")
			assert.True(t, ok)

			n, err = c.Invalidate(ctx, "")
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			_, ok, err = backend.Get(ctx, "unrelated")
			require.NoError(t, err)
			assert.True(t, ok, "non-response keys survive a global invalidation")
		})
	}
}
