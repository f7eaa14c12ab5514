package scheduler

import (
	"context"
	"time"

	"github.com/oakci/oak/internal/app"
	"github.com/oakci/oak/internal/llm"
	"github.com/oakci/oak/internal/models"
	"github.com/oakci/oak/internal/retrieval"
	"github.com/oakci/oak/internal/store"
)

// CLIRunner executes scheduled tasks through the agent's own CLI binary,
// reusing the hookless invocation so scheduled work does not feed back into
// the ingest pipeline.
type CLIRunner struct {
	client llm.ChatClient
}

// NewCLIRunner builds a runner for the given agent CLI (claude, opencode).
func NewCLIRunner(agentName string) (*CLIRunner, error) {
	client, err := llm.NewCLIClient(agentName)
	if err != nil {
		return nil, err
	}
	return &CLIRunner{client: client}, nil
}

// Run executes the task and reports token usage estimates. The CLI does not
// expose cost or turn counts, so those stay zero.
func (r *CLIRunner) Run(ctx context.Context, inst app.AgentInstance, task string) (store.RunResult, error) {
	out, err := r.client.Chat(ctx, llm.ChatRequest{User: task})
	if err != nil {
		return store.RunResult{}, err
	}
	return store.RunResult{
		Status:       models.RunStatusCompleted,
		EndedAt:      time.Now(),
		InputTokens:  int64(retrieval.EstimateTokens(task)),
		OutputTokens: int64(retrieval.EstimateTokens(out)),
	}, nil
}
