package orchestrator

import (
	"context"
	"errors"
	"strings"
	"time"

	"mpai-server-go/internal/domain/cache"
	"mpai-server-go/internal/domain/eventbus"
	"mpai-server-go/internal/domain/llm"
	"mpai-server-go/internal/platform/logging"
	"mpai-server-go/internal/platform/observability"
)

// Selection reasons.
const (
	ReasonOverride       = "override"
	ReasonStructuredData = "structured_data"
	ReasonPrimary        = "primary"
)

// ClientFactory resolves provider clients by name.
type ClientFactory interface {
	Create(ctx context.Context, name string) (llm.Client, error)
}

// Config holds the routing policy.
type Config struct {
	Primary  string
	Fallback string
	// StructuredDataProvider serves requests offering any allowlisted tool.
	// Empty means Primary.
	StructuredDataProvider string
	// StructuredDataTools are matched as substrings of tool names.
	StructuredDataTools []string
	// RequestTimeout bounds each provider call. Zero leaves it to the client.
	RequestTimeout time.Duration
}

// Selection is the outcome of provider routing.
type Selection struct {
	Provider  string
	Requested string
	Reason    string
	Tool      string
}

// Orchestrator routes a request to one provider, consults the response
// cache and retries once against the fallback provider.
type Orchestrator struct {
	providers ClientFactory
	cache     *cache.ResponseCache
	cfg       Config
	events    eventbus.Publisher
	logger    logging.TagLogger
}

type Option func(*Orchestrator)

func WithEvents(p eventbus.Publisher) Option {
	return func(o *Orchestrator) {
		if p != nil {
			o.events = p
		}
	}
}

func WithLogger(l logging.TagLogger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// New builds an orchestrator. responseCache may be nil to disable caching.
func New(providers ClientFactory, responseCache *cache.ResponseCache, cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		providers: providers,
		cache:     responseCache,
		cfg:       cfg,
		events:    eventbus.Nop,
		logger:    logging.Discard,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) Config() Config { return o.cfg }

// SelectProvider applies explicit override, then the structured-data pin.
func (o *Orchestrator) SelectProvider(req *llm.Request) Selection {
	sel := Selection{Provider: o.cfg.Primary, Reason: ReasonPrimary}
	if requested := req.StringOption(llm.OptionProvider); requested != "" {
		sel = Selection{Provider: requested, Requested: requested, Reason: ReasonOverride}
	}

	if tool, ok := o.structuredDataTool(req); ok {
		pinned := o.cfg.StructuredDataProvider
		if pinned == "" {
			pinned = o.cfg.Primary
		}
		sel.Provider = pinned
		sel.Reason = ReasonStructuredData
		sel.Tool = tool
	}
	return sel
}

func (o *Orchestrator) structuredDataTool(req *llm.Request) (string, bool) {
	for _, name := range req.ToolNames() {
		for _, pattern := range o.cfg.StructuredDataTools {
			if pattern != "" && strings.Contains(name, pattern) {
				return name, true
			}
		}
	}
	return "", false
}

// Process serves req. Provider failures come back as an error Response with
// a nil error; a non-nil error means the request was aborted (unknown
// provider or cancelled context) and must not be retried.
func (o *Orchestrator) Process(ctx context.Context, req *llm.Request) (resp *llm.Response, err error) {
	ctx, end := observability.StartSpan(ctx, "orchestrator", "process")
	defer func() {
		if err == nil && resp.IsError() {
			if resp.Err == nil {
				end(errors.New(resp.Error))
				return
			}
			end(resp.Err)
			return
		}
		end(err)
	}()

	sel := o.SelectProvider(req)
	o.events.Publish(eventbus.EventProviderSelected, eventbus.ProviderSelectedEvent{
		Provider:  sel.Provider,
		Requested: sel.Requested,
		Reason:    sel.Reason,
		Tool:      sel.Tool,
	})
	if sel.Reason == ReasonStructuredData && sel.Requested != "" && sel.Requested != sel.Provider {
		o.logger.InfoTag(logging.TagLLM, "tool %s pins provider %s over requested %s", sel.Tool, sel.Provider, sel.Requested)
	} else {
		o.logger.DebugTag(logging.TagLLM, "provider %s selected (%s)", sel.Provider, sel.Reason)
	}

	resp, err = o.attempt(ctx, req, sel.Provider)
	if err == nil {
		return resp, nil
	}
	// An in-band error Response from the client is handed back as is.
	failure := resp
	if failure == nil {
		failure = llm.NewErrorResponse(sel.Provider, err)
	}

	if !llm.IsFallbackEligible(err) || ctx.Err() != nil {
		o.logger.ErrorTag(logging.TagLLM, "request aborted on %s: %v", sel.Provider, err)
		if ctx.Err() != nil {
			return failure, ctx.Err()
		}
		return failure, err
	}

	fallback := o.cfg.Fallback
	if fallback == "" || fallback == sel.Provider {
		o.logger.WarnTag(logging.TagLLM, "provider %s failed with no fallback: %v", sel.Provider, err)
		return failure, nil
	}

	o.logger.WarnTag(logging.TagLLM, "provider %s failed, falling back to %s: %v", sel.Provider, fallback, err)
	o.events.Publish(eventbus.EventFallback, eventbus.FallbackEvent{From: sel.Provider, To: fallback, Error: err.Error()})

	fresp, ferr := o.attempt(ctx, req, fallback)
	if ferr == nil {
		return fresp, nil
	}
	o.logger.ErrorTag(logging.TagLLM, "fallback %s also failed: %v", fallback, ferr)
	if ctx.Err() != nil {
		return failure, ctx.Err()
	}
	return failure, nil
}

// attempt runs cache lookup, execution and write-through for one provider.
// On failure the returned Response is the client's own error Response, or
// nil when the client produced none.
func (o *Orchestrator) attempt(ctx context.Context, req *llm.Request, provider string) (*llm.Response, error) {
	if cached, ok := o.cache.Get(ctx, req, provider); ok {
		o.logger.DebugTag(logging.TagCache, "cache hit for %s", provider)
		o.events.Publish(eventbus.EventCacheHit, eventbus.CacheEvent{Provider: provider, Key: o.cache.KeyFor(req, provider)})
		return cached, nil
	}
	if o.cache.ShouldCache(req, provider) {
		o.events.Publish(eventbus.EventCacheMiss, eventbus.CacheEvent{Provider: provider, Key: o.cache.KeyFor(req, provider)})
	}

	start := time.Now()
	resp, err := o.execute(ctx, req, provider)
	status := "ok"
	if err != nil {
		status = "error"
		var unknown *llm.UnknownProviderError
		if !errors.As(err, &unknown) {
			o.events.Publish(eventbus.EventProviderFailed, eventbus.ProviderFailedEvent{
				Provider: provider,
				Error:    err.Error(),
				Kind:     string(llm.KindOf(err)),
				Elapsed:  time.Since(start),
			})
		}
	}
	observability.RecordMetric(ctx, "llm.requests", 1, map[string]string{"provider": provider, "status": status})
	if err != nil {
		return resp, err
	}

	if o.cache.Put(ctx, req, provider, resp) {
		o.events.Publish(eventbus.EventCacheStored, eventbus.CacheEvent{Provider: provider, Key: o.cache.KeyFor(req, provider)})
	}
	return resp, nil
}

func (o *Orchestrator) execute(ctx context.Context, req *llm.Request, provider string) (*llm.Response, error) {
	client, err := o.providers.Create(ctx, provider)
	if err != nil {
		return nil, err
	}

	if o.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.RequestTimeout)
		defer cancel()
	}

	observability.RecordMetric(ctx, "llm.prompt_tokens", float64(llm.EstimatePromptTokens(req)), map[string]string{"provider": provider})

	resp, err := client.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		if resp == nil {
			return nil, &llm.ProviderTransportError{Provider: provider, Err: errors.New("empty response")}
		}
		if resp.Provider == "" {
			resp.Provider = provider
		}
		if resp.Err != nil {
			return resp, resp.Err
		}
		return resp, &llm.ProviderTransportError{Provider: provider, Err: errors.New(resp.Error)}
	}
	for _, call := range resp.ToolCalls {
		if !req.HasTool(call.Name) {
			return nil, &llm.ToolRoutingError{Provider: provider, Tool: call.Name}
		}
	}
	if resp.Provider == "" {
		resp.Provider = provider
	}
	return resp, nil
}
