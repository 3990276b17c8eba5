package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"mpai-server-go/internal/app/services"
	"mpai-server-go/internal/domain/cache"
	cachestore "mpai-server-go/internal/domain/cache/store"
	"mpai-server-go/internal/domain/eventbus"
	"mpai-server-go/internal/domain/history"
	"mpai-server-go/internal/domain/llm"
	"mpai-server-go/internal/domain/llm/infrastructure/adapters/anthropic"
	"mpai-server-go/internal/domain/llm/infrastructure/adapters/openai"
	domainmcp "mpai-server-go/internal/domain/mcp"
	"mpai-server-go/internal/domain/orchestrator"
	"mpai-server-go/internal/domain/providers"
	"mpai-server-go/internal/domain/tools"
	"mpai-server-go/internal/domain/tools/memberpress"
	"mpai-server-go/internal/domain/tools/system"
	"mpai-server-go/internal/domain/tools/wordpress"
	platformconfig "mpai-server-go/internal/platform/config"
	platformerrors "mpai-server-go/internal/platform/errors"
	platformlogging "mpai-server-go/internal/platform/logging"
	platformobservability "mpai-server-go/internal/platform/observability"
	platformstorage "mpai-server-go/internal/platform/storage"
	httptransport "mpai-server-go/internal/transport/http"
	httpchat "mpai-server-go/internal/transport/http/chat"
)

// providerConstructors maps a provider type to its client constructor.
var providerConstructors = map[string]llm.Constructor{
	"openai":    openai.New,
	"anthropic": anthropic.New,
}

type stepFn func(context.Context, *appState) error

type initStep struct {
	ID        string
	Title     string
	DependsOn []string
	Kind      platformerrors.Kind
	Execute   stepFn
}

type closer struct {
	name string
	fn   func(context.Context) error
}

type appState struct {
	loader     *platformconfig.Loader
	config     *platformconfig.Config
	configPath string

	logProvider           *platformlogging.Logger
	logger                platformlogging.TagLogger
	observabilityShutdown platformobservability.ShutdownFunc

	db            *gorm.DB
	schemaVersion string
	keyManager    providers.KeyManager
	providers     *providers.Registry
	responseCache *cache.ResponseCache
	events        *eventbus.AsyncEventBus
	orchestrator  *orchestrator.Orchestrator
	mcpManager    *domainmcp.Manager
	tools         *tools.Registry
	history       *history.Recorder
	conversations *services.ConversationService

	closers []closer
}

func (s *appState) onClose(name string, fn func(context.Context) error) {
	s.closers = append(s.closers, closer{name: name, fn: fn})
}

// close releases resources in reverse acquisition order.
func (s *appState) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i := len(s.closers) - 1; i >= 0; i-- {
		c := s.closers[i]
		if err := c.fn(ctx); err != nil && s.logger != nil {
			s.logger.WarnTag(platformlogging.TagBoot, "%s did not close cleanly: %v", c.name, err)
		}
	}
	s.closers = nil
}

// Run loads configuration, wires every component and serves HTTP until the
// context is cancelled or SIGINT/SIGTERM arrives.
func Run(ctx context.Context) error {
	state := &appState{loader: platformconfig.NewLoader()}
	defer state.close()

	steps := InitGraph()
	if err := executeInitSteps(ctx, steps, state); err != nil {
		return err
	}
	if state.config == nil || state.logger == nil || state.conversations == nil {
		return platformerrors.New(
			platformerrors.KindBootstrap,
			"bootstrap state validation",
			"config/logger/conversation service not initialised",
		)
	}
	logger := state.logger
	logBootstrapGraph(steps, logger)

	rootCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	signalCtx, stop := signal.NotifyContext(rootCtx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(rootCtx)

	if _, err := startHTTPServer(state, group, groupCtx); err != nil {
		cancel()
		return platformerrors.Wrap(platformerrors.KindTransport, "http:start", "failed to start http server", err)
	}

	return waitForShutdown(signalCtx, groupCtx, cancel, logger, group)
}

func logBootstrapGraph(steps []initStep, logger platformlogging.TagLogger) {
	if logger == nil {
		return
	}
	logger.InfoTag(platformlogging.TagBoot, "init graph overview")
	for _, step := range steps {
		deps := "-"
		if len(step.DependsOn) > 0 {
			deps = strings.Join(step.DependsOn, ", ")
		}
		logger.InfoTag(platformlogging.TagBoot, "  %s (%s) <- %s", step.ID, step.Title, deps)
	}
}

func executeInitSteps(ctx context.Context, steps []initStep, state *appState) error {
	if state == nil {
		return platformerrors.New(
			platformerrors.KindBootstrap,
			"execute init steps",
			"nil bootstrap state",
		)
	}

	completed := make(map[string]struct{}, len(steps))
	for _, step := range steps {
		for _, dep := range step.DependsOn {
			if _, ok := completed[dep]; !ok {
				return platformerrors.New(
					platformerrors.KindBootstrap,
					step.ID,
					fmt.Sprintf("dependency %s not satisfied", dep),
				)
			}
		}
		if step.Execute == nil {
			return platformerrors.New(
				platformerrors.KindBootstrap,
				step.ID,
				"missing execute function",
			)
		}
		if err := step.Execute(ctx, state); err != nil {
			var typed *platformerrors.Error
			if errors.As(err, &typed) {
				return err
			}

			kind := step.Kind
			if kind == "" {
				kind = platformerrors.KindBootstrap
			}
			return platformerrors.Wrap(kind, step.ID, "bootstrap step failed", err)
		}
		completed[step.ID] = struct{}{}
	}
	return nil
}

func InitGraph() []initStep {
	return []initStep{
		{
			ID:      "config:load-runtime",
			Title:   "Load runtime configuration",
			Kind:    platformerrors.KindConfig,
			Execute: loadConfigStep,
		},
		{
			ID:        "logging:init-provider",
			Title:     "Initialise logging provider",
			DependsOn: []string{"config:load-runtime"},
			Kind:      platformerrors.KindBootstrap,
			Execute:   initLoggingStep,
		},
		{
			ID:        "observability:setup-hooks",
			Title:     "Setup observability hooks",
			DependsOn: []string{"logging:init-provider"},
			Kind:      platformerrors.KindBootstrap,
			Execute:   setupObservabilityStep,
		},
		{
			ID:        "storage:init-database",
			Title:     "Open database and apply migrations",
			DependsOn: []string{"logging:init-provider"},
			Kind:      platformerrors.KindStorage,
			Execute:   initDatabaseStep,
		},
		{
			ID:        "eventbus:start",
			Title:     "Start async event bus",
			DependsOn: []string{"observability:setup-hooks"},
			Kind:      platformerrors.KindBootstrap,
			Execute:   initEventBusStep,
		},
		{
			ID:        "credentials:init-key-managers",
			Title:     "Register API key managers",
			DependsOn: []string{"storage:init-database"},
			Kind:      platformerrors.KindCredential,
			Execute:   initKeyManagersStep,
		},
		{
			ID:        "providers:init-registry",
			Title:     "Register LLM providers",
			DependsOn: []string{"credentials:init-key-managers"},
			Kind:      platformerrors.KindProvider,
			Execute:   initProvidersStep,
		},
		{
			ID:        "cache:init-response-cache",
			Title:     "Initialise response cache",
			DependsOn: []string{"storage:init-database"},
			Kind:      platformerrors.KindCache,
			Execute:   initCacheStep,
		},
		{
			ID:        "orchestrator:init",
			Title:     "Initialise orchestrator",
			DependsOn: []string{"providers:init-registry", "cache:init-response-cache", "eventbus:start"},
			Kind:      platformerrors.KindBootstrap,
			Execute:   initOrchestratorStep,
		},
		{
			ID:        "mcp:init-manager",
			Title:     "Start MCP servers",
			DependsOn: []string{"logging:init-provider"},
			Kind:      platformerrors.KindTool,
			Execute:   initMCPManagerStep,
		},
		{
			ID:        "tools:init-registry",
			Title:     "Register tools",
			DependsOn: []string{"mcp:init-manager"},
			Kind:      platformerrors.KindTool,
			Execute:   initToolsStep,
		},
		{
			ID:        "history:init-store",
			Title:     "Initialise conversation history",
			DependsOn: []string{"storage:init-database"},
			Kind:      platformerrors.KindStorage,
			Execute:   initHistoryStep,
		},
		{
			ID:        "conversation:init-service",
			Title:     "Initialise conversation service",
			DependsOn: []string{"orchestrator:init", "tools:init-registry", "history:init-store"},
			Kind:      platformerrors.KindBootstrap,
			Execute:   initConversationStep,
		},
	}
}

func loadConfigStep(_ context.Context, state *appState) error {
	loader := state.loader
	if loader == nil {
		loader = platformconfig.NewLoader()
	}
	result, err := loader.Load()
	if err != nil {
		return err
	}
	state.config = result.Config
	state.configPath = result.Path
	if state.configPath == "" {
		state.configPath = "defaults"
	}
	return nil
}

func initLoggingStep(_ context.Context, state *appState) error {
	if state.config == nil {
		return platformerrors.New(
			platformerrors.KindBootstrap,
			"logging:init-provider",
			"config not loaded",
		)
	}

	logProvider, err := platformlogging.New(platformlogging.Config{
		Level:    state.config.Log.Level,
		Dir:      state.config.Log.Dir,
		Filename: state.config.Log.File,
	})
	if err != nil {
		return platformerrors.Wrap(platformerrors.KindBootstrap, "logging:init-provider", "failed to initialize logging provider", err)
	}

	state.logProvider = logProvider
	state.logger = logProvider
	state.onClose("logger", func(context.Context) error { return logProvider.Close() })

	state.logger.InfoTag(
		platformlogging.TagBoot,
		"logging ready [%s] config=%s",
		state.config.Log.Level,
		state.configPath,
	)
	return nil
}

func setupObservabilityStep(ctx context.Context, state *appState) error {
	if state.logProvider == nil || state.config == nil {
		return platformerrors.New(
			platformerrors.KindBootstrap,
			"observability:setup-hooks",
			"config/logger not initialised",
		)
	}

	cfg := platformobservability.Config{
		Enabled: strings.EqualFold(state.config.Log.Level, "debug"),
	}

	shutdown, err := platformobservability.Setup(ctx, cfg, state.logProvider.Slog())
	if err != nil {
		return platformerrors.Wrap(platformerrors.KindBootstrap, "observability:setup-hooks", "failed to setup observability hooks", err)
	}
	state.observabilityShutdown = shutdown
	state.onClose("observability", shutdown)
	return nil
}

func initDatabaseStep(_ context.Context, state *appState) error {
	db, err := platformstorage.Open(state.config.Database.DSN)
	if err != nil {
		return err
	}
	state.db = db
	state.onClose("database", func(context.Context) error { return platformstorage.Close(db) })

	version, err := platformstorage.SchemaVersion(db)
	if err != nil {
		return err
	}
	state.schemaVersion = version
	state.logger.InfoTag(platformlogging.TagBoot, "database ready at %s (schema %s)", state.config.Database.DSN, version)
	return nil
}

func initEventBusStep(_ context.Context, state *appState) error {
	bus := eventbus.NewAsyncEventBus(4, 1000, state.logger)
	if err := eventbus.NewAuditHandler(state.logger).Attach(bus); err != nil {
		return err
	}
	bus.Start()
	state.events = bus
	state.onClose("event bus", func(context.Context) error {
		bus.Stop()
		if n := bus.Dropped(); n > 0 {
			state.logger.WarnTag(platformlogging.TagObs, "event bus dropped %d events", n)
		}
		return nil
	})
	return nil
}

func initKeyManagersStep(_ context.Context, state *appState) error {
	creds := state.config.Credentials
	providers.RegisterKeyManager(providers.DefaultKeyManagerName, providers.NewEnvKeyManager(creds.EnvPrefix))

	if creds.UseDatabase {
		if state.db == nil {
			return platformerrors.New(platformerrors.KindCredential, "credentials:init-key-managers", "database key manager requires a database")
		}
		state.keyManager = providers.NewDatabaseKeyManager(state.db)
		state.logger.InfoTag(platformlogging.TagBoot, "API keys resolve from the database first")
	}
	return nil
}

func initProvidersStep(_ context.Context, state *appState) error {
	opts := []providers.Option{providers.WithLogger(state.logger)}
	if state.keyManager != nil {
		opts = append(opts, providers.WithKeyManager(state.keyManager))
	}
	registry := providers.NewRegistry(state.config.Credentials.LegacyKeys, opts...)
	if err := registry.RegisterConfigured(state.config.LLM, providerConstructors); err != nil {
		return platformerrors.Wrap(platformerrors.KindProvider, "providers:init-registry", "failed to register providers", err)
	}
	state.providers = registry
	state.logger.InfoTag(platformlogging.TagLLM, "providers registered: %s", strings.Join(registry.ListProviders(), ", "))
	return nil
}

func initCacheStep(_ context.Context, state *appState) error {
	cfg := state.config.Cache
	if !cfg.Enabled {
		state.logger.InfoTag(platformlogging.TagCache, "response cache disabled")
		return nil
	}

	storeCfg := cachestore.Config{
		Driver: cfg.Driver,
		Memory: &cachestore.MemoryConfig{GCInterval: cfg.GCInterval},
	}
	if cfg.Redis.Addr != "" {
		storeCfg.Redis = &cachestore.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		}
	}
	backend, err := cachestore.New(storeCfg, cachestore.Dependencies{SQLiteDB: state.db})
	if err != nil {
		return platformerrors.Wrap(platformerrors.KindCache, "cache:init-response-cache", "failed to create cache backend", err)
	}

	responseCache := cache.New(backend, cache.Config{
		Enabled:    true,
		DefaultTTL: cfg.DefaultTTL,
		Prefix:     cfg.Prefix,
	}, state.logger)
	state.responseCache = responseCache
	state.onClose("response cache", responseCache.Close)
	state.logger.InfoTag(platformlogging.TagCache, "response cache ready (driver=%s ttl=%s)", cfg.Driver, cfg.DefaultTTL)
	return nil
}

func initOrchestratorStep(_ context.Context, state *appState) error {
	llmCfg := state.config.LLM
	state.orchestrator = orchestrator.New(state.providers, state.responseCache, orchestrator.Config{
		Primary:                llmCfg.Primary,
		Fallback:               llmCfg.Fallback,
		StructuredDataProvider: llmCfg.StructuredDataProvider,
		StructuredDataTools:    llmCfg.StructuredDataTools,
		RequestTimeout:         llmCfg.RequestTimeout,
	},
		orchestrator.WithEvents(state.events),
		orchestrator.WithLogger(state.logger),
	)
	state.logProvider.InfoFields("[LLM] routing configured", map[string]any{
		"primary":         llmCfg.Primary,
		"fallback":        llmCfg.Fallback,
		"structured_data": llmCfg.StructuredDataProvider,
		"timeout":         llmCfg.RequestTimeout.String(),
	})
	return nil
}

func initMCPManagerStep(ctx context.Context, state *appState) error {
	manager := domainmcp.NewManager(state.logger)
	state.mcpManager = manager
	state.onClose("mcp manager", manager.Close)

	servers := state.config.Tools.MCPServers
	names := make([]string, 0, len(servers))
	for name, server := range servers {
		if server.Enabled {
			names = append(names, name)
		}
	}
	slices.Sort(names)

	configs := make([]domainmcp.ServerConfig, 0, len(names))
	for _, name := range names {
		server := servers[name]
		configs = append(configs, domainmcp.ServerConfig{
			Name:    name,
			Command: server.Command,
			Args:    server.Args,
			Env:     server.Env,
		})
	}
	// an unavailable server only loses its own tools
	if err := manager.StartAll(ctx, configs); err != nil {
		state.logger.WarnTag(platformlogging.TagMCP, "some MCP servers failed to start: %v", err)
	}
	return nil
}

func initToolsStep(_ context.Context, state *appState) error {
	toolsCfg := state.config.Tools
	registry := tools.NewRegistry(
		tools.WithNamespace(toolsCfg.Namespace),
		tools.WithConflictExclusions(toolsCfg.ConflictExclusions...),
		tools.WithRegistryLogger(state.logger),
	)

	var list []tools.Tool
	if toolsCfg.WordPress.Enabled {
		wp, err := wordpress.New(wordpress.Config{
			BaseURL:     toolsCfg.WordPress.BaseURL,
			Username:    toolsCfg.WordPress.Username,
			AppPassword: toolsCfg.WordPress.AppPassword,
			Timeout:     toolsCfg.WordPress.Timeout,
		}, state.logger)
		if err != nil {
			return platformerrors.Wrap(platformerrors.KindTool, "tools:init-registry", "wordpress tool", err)
		}
		list = append(list, wp)
	}
	if toolsCfg.MemberPress.Enabled {
		mp, err := memberpress.New(memberpress.Config{
			BaseURL: toolsCfg.MemberPress.BaseURL,
			APIKey:  toolsCfg.MemberPress.APIKey,
			Timeout: toolsCfg.MemberPress.Timeout,
		}, state.logger)
		if err != nil {
			return platformerrors.Wrap(platformerrors.KindTool, "tools:init-registry", "memberpress tool", err)
		}
		list = append(list, mp)
	}
	if toolsCfg.System.Enabled {
		list = append(list, system.New(toolsCfg.System.Timezone))
	}
	if state.mcpManager != nil {
		list = append(list, state.mcpManager.Tools()...)
	}

	if err := registry.Register(list...); err != nil {
		return platformerrors.Wrap(platformerrors.KindTool, "tools:init-registry", "failed to register tools", err)
	}
	state.tools = registry
	state.logger.InfoTag(platformlogging.TagTools, "%d tools registered, %d operations advertised", len(list), len(registry.Schemas()))
	return nil
}

func initHistoryStep(_ context.Context, state *appState) error {
	cfg := state.config.History
	historyCfg := history.Config{Driver: cfg.Driver}
	if cfg.Redis.Addr != "" {
		historyCfg.Redis = &history.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		}
	}
	store, err := history.New(historyCfg, history.Dependencies{SQLiteDB: state.db})
	if err != nil {
		return platformerrors.Wrap(platformerrors.KindStorage, "history:init-store", "failed to create history store", err)
	}
	state.history = history.NewRecorder(store)
	state.onClose("history store", store.Close)
	state.logger.InfoTag(platformlogging.TagHistory, "history store ready (driver=%s)", cfg.Driver)
	return nil
}

func initConversationStep(_ context.Context, state *appState) error {
	cfg := state.config
	state.conversations = services.NewConversationService(&services.ConversationConfig{
		Orchestrator:   state.orchestrator,
		Tools:          state.tools,
		History:        state.history,
		Events:         state.events,
		Logger:         state.logger,
		SystemPrompt:   cfg.Conversation.SystemPrompt,
		Temperature:    cfg.LLM.Temperature,
		MaxTokens:      cfg.LLM.MaxTokens,
		ParallelTools:  cfg.Tools.Parallel,
		MaxConcurrency: cfg.Tools.MaxConcurrency,
	})
	return nil
}

func buildHTTPHandler(ctx context.Context, state *appState) (*gin.Engine, error) {
	httpRouter, err := httptransport.Build(httptransport.Options{
		Config: state.config,
		Logger: state.logger,
	})
	if err != nil {
		return nil, err
	}
	router := httpRouter.Engine

	router.NoRoute(func(c *gin.Context) {
		httptransport.RespondError(c, http.StatusNotFound, "not found", gin.H{})
	})

	var invalidator httpchat.Invalidator
	if state.responseCache != nil {
		invalidator = state.responseCache
	}
	httpchat.NewService(httpchat.Deps{
		Conversations: state.conversations,
		Providers:     state.providers,
		Cache:         invalidator,
		Tools:         state.tools,
		Routing:       state.orchestrator.Config(),
		Logger:        state.logger,
	}).Register(ctx, httpRouter.API)

	return router, nil
}

func startHTTPServer(state *appState, g *errgroup.Group, groupCtx context.Context) (*http.Server, error) {
	handler, err := buildHTTPHandler(groupCtx, state)
	if err != nil {
		return nil, err
	}
	logger := state.logger
	addr := net.JoinHostPort(state.config.Server.IP, strconv.Itoa(state.config.Server.Port))

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		logger.InfoTag(platformlogging.TagHTTP, "HTTP server listening on http://%s", addr)

		go func() {
			<-groupCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.ErrorTag(platformlogging.TagHTTP, "HTTP server shutdown failed: %v", err)
			} else {
				logger.InfoTag(platformlogging.TagHTTP, "HTTP server stopped")
			}
		}()

		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorTag(platformlogging.TagHTTP, "HTTP server failed: %v", err)
			return err
		}
		return nil
	})

	return httpServer, nil
}

func waitForShutdown(
	signalCtx context.Context,
	groupCtx context.Context,
	cancel context.CancelFunc,
	logger platformlogging.TagLogger,
	g *errgroup.Group,
) error {
	select {
	case <-signalCtx.Done():
		logger.InfoTag(platformlogging.TagBoot, "shutdown requested (%v), releasing resources", context.Cause(signalCtx))
	case <-groupCtx.Done():
		logger.WarnTag(platformlogging.TagBoot, "a service stopped unexpectedly, shutting down")
	}

	cancel()

	done := make(chan error, 1)
	go func() {
		done <- g.Wait()
	}()

	select {
	case err := <-done:
		if err != nil {
			logger.ErrorTag(platformlogging.TagBoot, "error during shutdown: %v", err)
			return err
		}
		logger.InfoTag(platformlogging.TagBoot, "all services stopped")
	case <-time.After(15 * time.Second):
		logger.ErrorTag(platformlogging.TagBoot, "shutdown timed out")
		return errors.New("shutdown timed out")
	}
	return nil
}
