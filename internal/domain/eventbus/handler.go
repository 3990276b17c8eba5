package eventbus

import (
	"context"
	"fmt"

	"mpai-server-go/internal/platform/logging"
	"mpai-server-go/internal/platform/observability"
)

// AuditHandler logs routing and cache decisions and counts them as metrics.
type AuditHandler struct {
	logger logging.TagLogger
}

func NewAuditHandler(logger logging.TagLogger) *AuditHandler {
	if logger == nil {
		logger = logging.Discard
	}
	return &AuditHandler{logger: logger}
}

// Attach subscribes the handler to every decision topic.
func (h *AuditHandler) Attach(sub Subscriber) error {
	for _, topic := range Topics {
		topic := topic
		if err := sub.Subscribe(topic, func(event interface{}) {
			h.Handle(topic, event)
		}); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}
	return nil
}

func (h *AuditHandler) Handle(topic string, event interface{}) {
	labels := map[string]string{"topic": topic}

	switch e := event.(type) {
	case ProviderSelectedEvent:
		labels["provider"] = e.Provider
		labels["reason"] = e.Reason
		h.logger.DebugTag(logging.TagLLM, "provider %s selected (%s)", e.Provider, e.Reason)
	case FallbackEvent:
		labels["from"] = e.From
		labels["to"] = e.To
		h.logger.WarnTag(logging.TagLLM, "fallback %s -> %s: %s", e.From, e.To, e.Error)
	case ProviderFailedEvent:
		labels["provider"] = e.Provider
		labels["kind"] = e.Kind
	case CacheEvent:
		labels["provider"] = e.Provider
	case ToolExecutedEvent:
		labels["tool"] = e.Tool
		labels["success"] = fmt.Sprint(e.Success)
	case ChatCompletedEvent:
		labels["status"] = e.Status
	default:
		h.logger.DebugTag(logging.TagObs, "unrecognised payload on %s: %T", topic, event)
	}

	observability.RecordMetric(context.Background(), "events", 1, labels)
}
