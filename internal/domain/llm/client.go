package llm

import (
	"context"
	"time"
)

// Client is the uniform surface every provider adapter implements.
type Client interface {
	Name() string
	Chat(ctx context.Context, req *Request) (*Response, error)
}

// ProviderConfig is the resolved configuration handed to a provider constructor.
// APIKey is filled by the registry's credential chain before construction.
type ProviderConfig struct {
	Name        string
	Type        string
	Model       string
	BaseURL     string
	APIKey      string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// Constructor builds a client from its resolved configuration.
type Constructor func(cfg ProviderConfig) (Client, error)

// ClientFunc adapts a function into a Client.
type ClientFunc struct {
	ProviderName string
	Fn           func(ctx context.Context, req *Request) (*Response, error)
}

func (c ClientFunc) Name() string { return c.ProviderName }

func (c ClientFunc) Chat(ctx context.Context, req *Request) (*Response, error) {
	return c.Fn(ctx, req)
}

// EffectiveTemperature picks the request option over the configured value.
func (c ProviderConfig) EffectiveTemperature(req *Request) float64 {
	if t, ok := req.FloatOption(OptionTemperature); ok {
		return t
	}
	return c.Temperature
}

// EffectiveMaxTokens picks the request option over the configured value.
func (c ProviderConfig) EffectiveMaxTokens(req *Request) int {
	if n, ok := req.IntOption(OptionMaxTokens); ok && n > 0 {
		return n
	}
	return c.MaxTokens
}

// EffectiveModel picks the request option over the configured value.
func (c ProviderConfig) EffectiveModel(req *Request) string {
	if m := req.StringOption(OptionModel); m != "" {
		return m
	}
	return c.Model
}
