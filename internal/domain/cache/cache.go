package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"time"

	"github.com/bytedance/sonic"

	"mpai-server-go/internal/domain/cache/store"
	"mpai-server-go/internal/domain/llm"
	"mpai-server-go/internal/platform/logging"
)

const (
	DefaultPrefix = "llm_response:"
	DefaultTTL    = time.Hour
)

// options that do not change what a provider would answer
var volatileOptions = map[string]struct{}{
	llm.OptionConversationID: {},
	llm.OptionCacheTTL:       {},
	llm.OptionNoCache:        {},
	llm.OptionProvider:       {},
}

var canonicalJSON = sonic.ConfigStd

type Config struct {
	Enabled    bool
	DefaultTTL time.Duration
	Prefix     string
}

// ResponseCache memoizes toolless provider responses. Storage failures are
// logged and degrade to a miss; they never reach the caller.
type ResponseCache struct {
	backend store.Backend
	cfg     Config
	logger  logging.TagLogger
}

func New(backend store.Backend, cfg Config, logger logging.TagLogger) *ResponseCache {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTTL
	}
	if logger == nil {
		logger = logging.Discard
	}
	return &ResponseCache{backend: backend, cfg: cfg, logger: logger}
}

// ShouldCache is false when caching is disabled, the request opts out with
// no_cache, or the request carries tools.
func (c *ResponseCache) ShouldCache(req *llm.Request, _ string) bool {
	if c == nil || !c.cfg.Enabled || c.backend == nil {
		return false
	}
	if req.BoolOption(llm.OptionNoCache) {
		return false
	}
	return !req.HasTools()
}

// Get returns the stored response for (req, provider).
func (c *ResponseCache) Get(ctx context.Context, req *llm.Request, provider string) (*llm.Response, bool) {
	if !c.ShouldCache(req, provider) {
		return nil, false
	}
	key := c.KeyFor(req, provider)
	raw, ok, err := c.backend.Get(ctx, key)
	if err != nil {
		c.swallow(&llm.CacheError{Op: "get", Err: err})
		return nil, false
	}
	if !ok {
		return nil, false
	}

	var resp llm.Response
	if err := sonic.Unmarshal(raw, &resp); err != nil {
		c.swallow(&llm.CacheError{Op: "decode", Err: err})
		return nil, false
	}
	if resp.IsError() || resp.HasToolCalls() {
		return nil, false
	}
	return &resp, true
}

// Put stores resp and reports whether it was written.
func (c *ResponseCache) Put(ctx context.Context, req *llm.Request, provider string, resp *llm.Response) bool {
	if !c.ShouldCache(req, provider) || resp.IsError() || resp.HasToolCalls() {
		return false
	}
	raw, err := sonic.Marshal(resp)
	if err != nil {
		c.swallow(&llm.CacheError{Op: "encode", Err: err})
		return false
	}
	ttl := c.cfg.DefaultTTL
	if d, ok := req.DurationOption(llm.OptionCacheTTL); ok && d > 0 {
		ttl = d
	}
	if err := c.backend.Set(ctx, c.KeyFor(req, provider), raw, ttl); err != nil {
		c.swallow(&llm.CacheError{Op: "set", Err: err})
		return false
	}
	return true
}

// KeyFor is <prefix><provider>:<sha256 of messages, tools and options>.
func (c *ResponseCache) KeyFor(req *llm.Request, provider string) string {
	return c.providerPrefix(provider) + fingerprint(req)
}

// Invalidate removes every entry of provider, or all entries when provider is empty.
func (c *ResponseCache) Invalidate(ctx context.Context, provider string) (int, error) {
	if c == nil || c.backend == nil {
		return 0, nil
	}
	prefix := c.cfg.Prefix
	if provider != "" {
		prefix = c.providerPrefix(provider)
	}

	if deleter, ok := c.backend.(store.PrefixDeleter); ok {
		n, err := deleter.DeleteByPrefix(ctx, prefix)
		if err != nil {
			return n, &llm.CacheError{Op: "invalidate", Err: err}
		}
		c.logger.InfoTag(logging.TagCache, "invalidated %d entries under %s", n, prefix)
		return n, nil
	}

	keys, err := c.backend.Keys(ctx, prefix)
	if err != nil {
		return 0, &llm.CacheError{Op: "invalidate", Err: err}
	}
	n, err := c.backend.Delete(ctx, keys...)
	if err != nil {
		return n, &llm.CacheError{Op: "invalidate", Err: err}
	}
	c.logger.InfoTag(logging.TagCache, "invalidated %d entries under %s (enumerated)", n, prefix)
	return n, nil
}

func (c *ResponseCache) Close(ctx context.Context) error {
	if c == nil || c.backend == nil {
		return nil
	}
	return c.backend.Close(ctx)
}

func (c *ResponseCache) providerPrefix(provider string) string {
	return c.cfg.Prefix + url.QueryEscape(provider) + ":"
}

func (c *ResponseCache) swallow(err error) {
	c.logger.WarnTag(logging.TagCache, "%v", err)
}

type keyMaterial struct {
	Messages []llm.Message  `json:"messages"`
	Tools    []llm.Tool     `json:"tools"`
	Options  map[string]any `json:"options"`
}

func fingerprint(req *llm.Request) string {
	opts := req.Options()
	for k := range volatileOptions {
		delete(opts, k)
	}
	material := keyMaterial{
		Messages: req.Messages(),
		Tools:    req.Tools(),
		Options:  opts,
	}
	raw, err := canonicalJSON.Marshal(material)
	if err != nil {
		// unserializable option values still need a stable key
		raw, _ = canonicalJSON.Marshal(keyMaterial{Messages: material.Messages, Tools: material.Tools})
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
