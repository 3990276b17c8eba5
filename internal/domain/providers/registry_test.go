package providers

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mpai-server-go/internal/domain/llm"
	"mpai-server-go/internal/platform/config"
	testutil "mpai-server-go/internal/platform/testing"
)

type stubClient struct {
	cfg llm.ProviderConfig
}

func (s *stubClient) Name() string { return s.cfg.Name }

func (s *stubClient) Chat(context.Context, *llm.Request) (*llm.Response, error) {
	return llm.NewResponse(s.cfg.Name, "ok", nil), nil
}

func stubConstructor(built *atomic.Int32) llm.Constructor {
	return func(cfg llm.ProviderConfig) (llm.Client, error) {
		if built != nil {
			built.Add(1)
		}
		return &stubClient{cfg: cfg}, nil
	}
}

func TestRegistry_UnknownProvider(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.Create(context.Background(), "nope")
	var unknown *llm.UnknownProviderError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "nope", unknown.Provider)
	assert.False(t, llm.IsFallbackEligible(err))
}

func TestRegistry_MissingCredential(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("openai", stubConstructor(nil), llm.ProviderConfig{})

	_, err := r.Create(context.Background(), "openai")
	var missing *llm.MissingCredentialError
	require.ErrorAs(t, err, &missing)
	assert.True(t, llm.IsFallbackEligible(err))
}

func TestRegistry_RegisterLastWinsAndKeepsOrder(t *testing.T) {
	r := NewRegistry(map[string]string{"openai": "k1", "anthropic": "k2"})
	r.Register("openai", stubConstructor(nil), llm.ProviderConfig{Model: "a"})
	r.Register("anthropic", stubConstructor(nil), llm.ProviderConfig{})

	first, err := r.Create(context.Background(), "openai")
	require.NoError(t, err)
	assert.Equal(t, "a", first.(*stubClient).cfg.Model)

	r.Register("openai", stubConstructor(nil), llm.ProviderConfig{Model: "b"})
	second, err := r.Create(context.Background(), "openai")
	require.NoError(t, err)
	assert.Equal(t, "b", second.(*stubClient).cfg.Model)

	assert.Equal(t, []string{"openai", "anthropic"}, r.ListProviders())
	assert.True(t, r.Has("anthropic"))
	assert.False(t, r.Has("mistral"))
}

func TestRegistry_CachesClients(t *testing.T) {
	var built atomic.Int32
	r := NewRegistry(map[string]string{"openai": "k"})
	r.Register("openai", stubConstructor(&built), llm.ProviderConfig{})

	for range 3 {
		_, err := r.Create(context.Background(), "openai")
		require.NoError(t, err)
	}
	assert.EqualValues(t, 1, built.Load())
}

func TestRegistry_RebuildsClientWhenKeyRotates(t *testing.T) {
	var built atomic.Int32
	ctx := context.Background()
	km := NewDatabaseKeyManager(testutil.SetupTestDB(t))
	require.NoError(t, km.SetAPIKey(ctx, "openai", "sk-old"))

	r := NewRegistry(nil, WithKeyManager(km))
	r.Register("openai", stubConstructor(&built), llm.ProviderConfig{})

	first, err := r.Create(ctx, "openai")
	require.NoError(t, err)
	again, err := r.Create(ctx, "openai")
	require.NoError(t, err)
	assert.Same(t, first, again)

	require.NoError(t, km.SetAPIKey(ctx, "openai", "sk-new"))
	rotated, err := r.Create(ctx, "openai")
	require.NoError(t, err)
	assert.NotSame(t, first, rotated)
	assert.Equal(t, "sk-new", rotated.(*stubClient).cfg.APIKey)
	assert.EqualValues(t, 2, built.Load())
}

func TestRegistry_CredentialPriority(t *testing.T) {
	t.Cleanup(func() { RegisterKeyManager(DefaultKeyManagerName, nil) })
	RegisterKeyManager(DefaultKeyManagerName, StaticKeyManager{"openai": "global-key"})

	tests := []struct {
		name     string
		injected KeyManager
		legacy   map[string]string
		cfgKey   string
		want     string
	}{
		{
			name:     "injected wins",
			injected: StaticKeyManager{"openai": "injected-key"},
			legacy:   map[string]string{"openai": "legacy-key"},
			want:     "injected-key",
		},
		{
			name:   "global used when nothing injected",
			legacy: map[string]string{"openai": "legacy-key"},
			want:   "global-key",
		},
		{
			name:     "injected empty skips global and reaches legacy",
			injected: StaticKeyManager{},
			legacy:   map[string]string{"openai": "legacy-key"},
			want:     "legacy-key",
		},
		{
			name: "failing injected resolver falls through",
			injected: KeyManagerFunc(func(context.Context, string) (string, error) {
				return "", errors.New("vault unavailable")
			}),
			cfgKey: "config-key",
			want:   "config-key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var opts []Option
			if tt.injected != nil {
				opts = append(opts, WithKeyManager(tt.injected))
			}
			r := NewRegistry(tt.legacy, opts...)
			r.Register("openai", stubConstructor(nil), llm.ProviderConfig{APIKey: tt.cfgKey})

			client, err := r.Create(context.Background(), "openai")
			require.NoError(t, err)
			assert.Equal(t, tt.want, client.(*stubClient).cfg.APIKey)
		})
	}
}

func TestRegistry_ConfigHidesKey(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("openai", stubConstructor(nil), llm.ProviderConfig{APIKey: "secret", Model: "gpt-4o"})

	cfg, ok := r.Config("openai")
	require.True(t, ok)
	assert.Empty(t, cfg.APIKey)
	assert.Equal(t, "gpt-4o", cfg.Model)
	assert.Equal(t, "openai", cfg.Name)
}

func TestRegistry_RegisterConfigured(t *testing.T) {
	r := NewRegistry(nil)
	err := r.RegisterConfigured(config.LLMConfig{
		Temperature:    0.3,
		MaxTokens:      100,
		RequestTimeout: 5 * time.Second,
		Providers: map[string]config.ProviderConfig{
			"openai":   {Type: "openai", ModelName: "gpt-4o"},
			"deepseek": {Type: "openai", ModelName: "deepseek-chat", BaseURL: "https://api.deepseek.com/v1", MaxTokens: 50},
		},
	}, map[string]llm.Constructor{"openai": stubConstructor(nil)})
	require.NoError(t, err)

	assert.Equal(t, []string{"deepseek", "openai"}, r.ListProviders())
	cfg, _ := r.Config("deepseek")
	assert.Equal(t, 50, cfg.MaxTokens)
	assert.Equal(t, 0.3, cfg.Temperature)
	assert.Equal(t, 5*time.Second, cfg.Timeout)

	err = r.RegisterConfigured(config.LLMConfig{
		Providers: map[string]config.ProviderConfig{"x": {Type: "gemini"}},
	}, map[string]llm.Constructor{})
	assert.Error(t, err)
}
