package llm

import (
	"context"
	"errors"
	"fmt"

	platformerrors "mpai-server-go/internal/platform/errors"
)

// UnknownProviderError means the provider was never registered. It is a
// configuration error and aborts the request.
type UnknownProviderError struct {
	Provider string
}

func (e *UnknownProviderError) Error() string {
	return fmt.Sprintf("unknown provider %q", e.Provider)
}

func (e *UnknownProviderError) Kind() platformerrors.Kind { return platformerrors.KindConfig }

// MissingCredentialError means no resolver produced an API key for the provider.
type MissingCredentialError struct {
	Provider string
}

func (e *MissingCredentialError) Error() string {
	return fmt.Sprintf("no API key configured for provider %q", e.Provider)
}

func (e *MissingCredentialError) Kind() platformerrors.Kind { return platformerrors.KindCredential }

// ProviderTransportError wraps a network or HTTP failure talking to a provider.
type ProviderTransportError struct {
	Provider string
	Err      error
}

func (e *ProviderTransportError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *ProviderTransportError) Unwrap() error { return e.Err }

func (e *ProviderTransportError) Kind() platformerrors.Kind { return platformerrors.KindProvider }

// ToolRoutingError is returned when a response calls a tool the request never offered.
type ToolRoutingError struct {
	Provider string
	Tool     string
}

func (e *ToolRoutingError) Error() string {
	return fmt.Sprintf("provider %s called unadvertised tool %q", e.Provider, e.Tool)
}

func (e *ToolRoutingError) Kind() platformerrors.Kind { return platformerrors.KindProvider }

// ToolExecutionError is a single failed tool call. It never aborts a batch.
type ToolExecutionError struct {
	Tool string
	Err  error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %s: %v", e.Tool, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }

func (e *ToolExecutionError) Kind() platformerrors.Kind { return platformerrors.KindTool }

// CacheError is a storage failure inside the response cache. Callers swallow it.
type CacheError struct {
	Op  string
	Err error
}

func (e *CacheError) Error() string {
	return fmt.Sprintf("cache %s: %v", e.Op, e.Err)
}

func (e *CacheError) Unwrap() error { return e.Err }

func (e *CacheError) Kind() platformerrors.Kind { return platformerrors.KindCache }

// IsFallbackEligible reports whether the orchestrator may retry err against
// the fallback provider.
func IsFallbackEligible(err error) bool {
	if err == nil {
		return false
	}
	var unknown *UnknownProviderError
	if errors.As(err, &unknown) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// KindOf maps a domain error onto the platform error kinds.
func KindOf(err error) platformerrors.Kind {
	var kinded interface{ Kind() platformerrors.Kind }
	if errors.As(err, &kinded) {
		return kinded.Kind()
	}
	var perr *platformerrors.Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return platformerrors.KindUnknown
}
