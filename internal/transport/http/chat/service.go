package chat

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"mpai-server-go/internal/app/services"
	"mpai-server-go/internal/domain/history"
	"mpai-server-go/internal/domain/llm"
	"mpai-server-go/internal/domain/orchestrator"
	"mpai-server-go/internal/platform/logging"
	httptransport "mpai-server-go/internal/transport/http"
)

// Conversations is the slice of the conversation service the API needs.
type Conversations interface {
	ProcessWithOptions(ctx context.Context, message, conversationID string, overrides map[string]any) *services.Result
	History() *history.Recorder
}

// Providers lists the registered provider names.
type Providers interface {
	ListProviders() []string
}

// Invalidator drops cached responses.
type Invalidator interface {
	Invalidate(ctx context.Context, provider string) (int, error)
}

// Schemas lists the tool schemas offered to the model.
type Schemas interface {
	Schemas() []llm.Tool
}

type Deps struct {
	Conversations Conversations
	Providers     Providers
	Cache         Invalidator
	Tools         Schemas
	Routing       orchestrator.Config
	Logger        logging.TagLogger
}

// Service exposes the chat API under /api.
type Service struct {
	deps   Deps
	logger logging.TagLogger
}

type chatRequest struct {
	Message        string         `json:"message" binding:"required"`
	ConversationID string         `json:"conversation_id"`
	Options        map[string]any `json:"options"`
}

// allowedOptions are the request options a client may override.
var allowedOptions = map[string]struct{}{
	llm.OptionProvider:    {},
	llm.OptionNoCache:     {},
	llm.OptionTemperature: {},
	llm.OptionMaxTokens:   {},
}

func NewService(deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = logging.Discard
	}
	return &Service{deps: deps, logger: logger}
}

// Register mounts the routes on the api group.
func (s *Service) Register(_ context.Context, api *gin.RouterGroup) {
	api.POST("/chat", s.handleChat)
	api.GET("/conversations/:id", s.handleConversation)
	api.GET("/providers", s.handleProviders)
	api.GET("/tools", s.handleTools)
	api.DELETE("/cache", s.handleInvalidate)

	s.logger.InfoTag(logging.TagHTTP, "chat routes registered")
}

func (s *Service) handleChat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Message) == "" {
		httptransport.RespondError(c, http.StatusBadRequest, "message is required", nil)
		return
	}

	overrides := map[string]any{}
	for k, v := range req.Options {
		if _, ok := allowedOptions[k]; ok {
			overrides[k] = v
		}
	}

	result := s.deps.Conversations.ProcessWithOptions(c.Request.Context(), req.Message, req.ConversationID, overrides)
	if result.Status != services.StatusSuccess {
		httptransport.RespondError(c, http.StatusOK, result.Message, result)
		return
	}
	httptransport.RespondSuccess(c, http.StatusOK, result, "")
}

func (s *Service) handleConversation(c *gin.Context) {
	id := c.Param("id")
	entries, err := s.deps.Conversations.History().Read(c.Request.Context(), id)
	if err != nil {
		s.logger.ErrorTag(logging.TagHistory, "read conversation %s: %v", id, err)
		httptransport.RespondError(c, http.StatusInternalServerError, "failed to load conversation", nil)
		return
	}
	if len(entries) == 0 {
		httptransport.RespondError(c, http.StatusNotFound, "conversation not found", nil)
		return
	}
	httptransport.RespondSuccess(c, http.StatusOK, gin.H{
		"conversation_id": id,
		"entries":         entries,
	}, "")
}

func (s *Service) handleProviders(c *gin.Context) {
	var names []string
	if s.deps.Providers != nil {
		names = s.deps.Providers.ListProviders()
	}
	httptransport.RespondSuccess(c, http.StatusOK, gin.H{
		"providers":                names,
		"primary":                  s.deps.Routing.Primary,
		"fallback":                 s.deps.Routing.Fallback,
		"structured_data_provider": s.deps.Routing.StructuredDataProvider,
	}, "")
}

func (s *Service) handleTools(c *gin.Context) {
	schemas := []llm.Tool{}
	if s.deps.Tools != nil {
		schemas = s.deps.Tools.Schemas()
	}
	httptransport.RespondSuccess(c, http.StatusOK, gin.H{"tools": schemas, "count": len(schemas)}, "")
}

func (s *Service) handleInvalidate(c *gin.Context) {
	if s.deps.Cache == nil {
		httptransport.RespondSuccess(c, http.StatusOK, gin.H{"removed": 0}, "cache disabled")
		return
	}
	provider := c.Query("provider")
	n, err := s.deps.Cache.Invalidate(c.Request.Context(), provider)
	if err != nil {
		s.logger.ErrorTag(logging.TagCache, "invalidate %q: %v", provider, err)
		httptransport.RespondError(c, http.StatusInternalServerError, "cache invalidation failed", gin.H{"removed": n})
		return
	}
	httptransport.RespondSuccess(c, http.StatusOK, gin.H{"removed": n, "provider": provider}, "")
}
