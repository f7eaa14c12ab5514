// Package embedding generates vector embeddings for the retrieval index.
// Providers are tried in configured order; the first healthy one wins.
package embedding

import (
	"context"
	"fmt"

	"github.com/oakci/oak/internal/app"
)

// Engine generates vector embeddings for text.
type Engine interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding dimensionality. Zero until the
	// provider has produced at least one embedding.
	Dimensions() int

	// Name identifies the provider and model.
	Name() string
}

// HealthChecker is implemented by engines that can verify reachability
// without producing an embedding.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// NewEngine builds a single provider by name.
func NewEngine(provider string, cfg app.EmbeddingSettings) (Engine, error) {
	switch provider {
	case "ollama":
		return NewOllamaEngine(cfg.OllamaEndpoint, cfg.OllamaModel), nil
	case "openai":
		return NewOpenAIEngine(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.OpenAIModel), nil
	default:
		return nil, fmt.Errorf("unsupported embedding provider %q (use 'ollama' or 'openai')", provider)
	}
}

// NewChainFromSettings builds the configured provider chain.
func NewChainFromSettings(cfg app.EmbeddingSettings) (*Chain, error) {
	providers := cfg.Providers
	if len(providers) == 0 {
		providers = []string{"ollama"}
	}
	engines := make([]Engine, 0, len(providers))
	for _, p := range providers {
		e, err := NewEngine(p, cfg)
		if err != nil {
			return nil, err
		}
		engines = append(engines, e)
	}
	return NewChain(engines...), nil
}
