package providers

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"mpai-server-go/internal/domain/llm"
	"mpai-server-go/internal/platform/config"
	"mpai-server-go/internal/platform/logging"
)

type registration struct {
	constructor llm.Constructor
	config      llm.ProviderConfig
}

// cachedClient remembers the key a client was built with.
type cachedClient struct {
	client llm.Client
	key    string
}

// Registry holds named provider constructors and lazily builds their clients.
type Registry struct {
	mu      sync.RWMutex
	order   []string
	entries map[string]registration
	clients map[string]cachedClient

	keys   KeyManager
	logger logging.TagLogger
}

type Option func(*Registry)

// WithKeyManager injects the first link of the credential chain.
func WithKeyManager(km KeyManager) Option {
	return func(r *Registry) { r.keys = km }
}

func WithLogger(l logging.TagLogger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRegistry builds a registry whose credentials resolve through
// injected key manager -> global "default" key manager -> legacyKeys -> the
// provider's own api_key.
func NewRegistry(legacyKeys map[string]string, opts ...Option) *Registry {
	r := &Registry{
		entries: map[string]registration{},
		clients: map[string]cachedClient{},
		logger:  logging.Discard,
	}
	for _, opt := range opts {
		opt(r)
	}
	var legacy KeyManager
	if len(legacyKeys) > 0 {
		legacy = StaticKeyManager(legacyKeys)
	}
	r.keys = NewChain(r.keys, legacy, r.logger)
	return r
}

// Register adds or replaces a provider. Re-registering drops any cached client.
func (r *Registry) Register(name string, constructor llm.Constructor, cfg llm.ProviderConfig) {
	cfg.Name = name
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; !exists {
		r.order = append(r.order, name)
	}
	r.entries[name] = registration{constructor: constructor, config: cfg}
	delete(r.clients, name)
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// ListProviders returns names in first-registration order.
func (r *Registry) ListProviders() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

// Config returns the registered configuration without the API key.
func (r *Registry) Config(name string) (llm.ProviderConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[name]
	entry.config.APIKey = ""
	return entry.config, ok
}

// Create returns the client for name. The credential chain is consulted on
// every call; the cached client is reused while the resolved key is unchanged
// and rebuilt once it rotates.
func (r *Registry) Create(ctx context.Context, name string) (llm.Client, error) {
	r.mu.RLock()
	entry, registered := r.entries[name]
	r.mu.RUnlock()
	if !registered {
		return nil, &llm.UnknownProviderError{Provider: name}
	}

	key, err := r.keys.GetAPIKey(ctx, name)
	if err != nil {
		return nil, err
	}
	if key == "" {
		key = entry.config.APIKey
	}
	if key == "" {
		return nil, &llm.MissingCredentialError{Provider: name}
	}

	r.mu.RLock()
	cached, ok := r.clients[name]
	r.mu.RUnlock()
	if ok && cached.key == key {
		return cached.client, nil
	}

	cfg := entry.config
	cfg.APIKey = key
	client, err := entry.constructor(cfg)
	if err != nil {
		return nil, fmt.Errorf("construct provider %s: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// a concurrent Register may have replaced the entry meanwhile
	if current, ok := r.entries[name]; ok && current.config == entry.config {
		if existing, ok := r.clients[name]; ok && existing.key == key {
			return existing.client, nil
		}
		r.clients[name] = cachedClient{client: client, key: key}
	}
	if ok {
		r.logger.InfoTag(logging.TagLLM, "provider %s rebuilt after credential change", name)
	} else {
		r.logger.InfoTag(logging.TagLLM, "provider %s ready (type=%s model=%s)", name, cfg.Type, cfg.Model)
	}
	return client, nil
}

// RegisterConfigured registers every provider declared in cfg, resolving
// constructors by provider type. Names are registered in sorted order.
func (r *Registry) RegisterConfigured(cfg config.LLMConfig, byType map[string]llm.Constructor) error {
	names := make([]string, 0, len(cfg.Providers))
	for name := range cfg.Providers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		pc := cfg.Providers[name]
		typ := pc.Type
		if typ == "" {
			typ = name
		}
		ctor, ok := byType[typ]
		if !ok {
			return fmt.Errorf("provider %s: unsupported type %q", name, typ)
		}
		providerCfg := llm.ProviderConfig{
			Type:        typ,
			Model:       pc.ModelName,
			BaseURL:     pc.BaseURL,
			APIKey:      pc.APIKey,
			Temperature: pc.Temperature,
			MaxTokens:   pc.MaxTokens,
			Timeout:     pc.Timeout,
		}
		if providerCfg.Temperature == 0 {
			providerCfg.Temperature = cfg.Temperature
		}
		if providerCfg.MaxTokens == 0 {
			providerCfg.MaxTokens = cfg.MaxTokens
		}
		if providerCfg.Timeout == 0 {
			providerCfg.Timeout = cfg.RequestTimeout
		}
		r.Register(name, ctor, providerCfg)
	}
	return nil
}
