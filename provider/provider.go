package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/contextd/contextd/config"
	openai_provider "github.com/contextd/contextd/provider/openai"
)

// ErrRateLimited marks a transient provider rejection; callers may retry with backoff.
var ErrRateLimited = openai_provider.ErrRateLimited

// ErrInvalidInput marks input the provider can never embed (e.g. empty text). Not retryable.
var ErrInvalidInput = openai_provider.ErrInvalidInput

// Provider is the interface all LLM implementations must satisfy.
type Provider interface {
	// CreateEmbedding converts a batch of texts into fixed-length dense vectors.
	CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error)
	// Completion produces free text for a system/user prompt pair. Used for
	// query expansion and answer generation; never for ranking.
	Completion(ctx context.Context, system, user string) (string, error)
}

// New creates an LLM client from a configured provider entry.
func New(cfg config.LLMProvider) (Provider, error) {
	switch cfg.Type {
	case "", "openai":
		if cfg.APIKey == "" {
			return nil, errors.New("llm provider api_key not set")
		}
		return openai_provider.NewClient(cfg), nil
	default:
		return nil, fmt.Errorf("unknown llm provider type %q", cfg.Type)
	}
}

// ForRoute resolves the provider configured for a routing key, falling back to
// the routing fallback entry when the key is unset.
func ForRoute(cfg config.LLMConfig, key string) (Provider, error) {
	if key == "" {
		key = cfg.Routing.Fallback
	}
	entry, ok := cfg.Providers[key]
	if !ok {
		return nil, fmt.Errorf("llm provider %q not configured", key)
	}
	return New(entry)
}
