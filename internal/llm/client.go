// Package llm provides the extraction-model clients: an OpenAI-compatible
// HTTP client and a CLI fallback that shells out to the agent's own binary.
package llm

import (
	"context"
	"fmt"

	"github.com/oakci/oak/internal/app"
)

// ChatRequest is one extraction call.
type ChatRequest struct {
	System      string
	User        string
	MaxTokens   int
	Temperature float64
	// WantJSON asks the provider for a JSON-object response when supported.
	// The response is still run through ExtractJSON regardless.
	WantJSON bool
}

// ChatClient produces a completion for a prompt. Implementations must be
// safe for concurrent use.
type ChatClient interface {
	Chat(ctx context.Context, req ChatRequest) (string, error)
	Name() string
}

// NewClient builds the configured chat client.
func NewClient(cfg app.LLMSettings) (ChatClient, error) {
	switch cfg.Provider {
	case "", "openai":
		return NewOpenAIClient(cfg), nil
	case "cli":
		return NewCLIClient(cfg.CLIAgent)
	default:
		return nil, fmt.Errorf("unsupported llm provider %q (use 'openai' or 'cli')", cfg.Provider)
	}
}
