package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

const disableExternalLLMEnv = "OAK_DISABLE_EXTERNAL_LLM"

const claudeHooklessSettingsJSON = `{"hooks":{}}`

// validatePrompt checks for unsafe characters in prompts.
// While Go's exec avoids shell injection (no shell involved),
// this is defense-in-depth: external CLIs may be shell scripts.
func validatePrompt(s string) error {
	if len(s) == 0 {
		return errors.New("empty prompt")
	}
	if len(s) > 128000 {
		return fmt.Errorf("prompt exceeds 128000 byte limit (%d bytes)", len(s))
	}
	if strings.ContainsRune(s, 0) {
		return errors.New("prompt contains null byte")
	}
	return nil
}

// CLIClient dispatches extraction prompts to an agent's own CLI binary.
// "claude" agents use `claude -p` (with hooks disabled so extraction does
// not recursively feed the ingest pipeline), "opencode" agents use
// `opencode run`. No API keys required; the CLIs handle their own auth.
type CLIClient struct {
	command string
	args    func(prompt string) []string
}

// NewCLIClient returns a client for the given agent name.
// Returns an error if the agent type is unknown or the binary is not in PATH.
func NewCLIClient(agentName string) (*CLIClient, error) {
	if strings.TrimSpace(os.Getenv(disableExternalLLMEnv)) != "" {
		return nil, fmt.Errorf("external LLM CLI execution disabled by %s", disableExternalLLMEnv)
	}
	c, err := resolveCLI(agentName)
	if err != nil {
		return nil, err
	}
	if _, err := exec.LookPath(c.command); err != nil {
		return nil, fmt.Errorf("cli tool %q not found in PATH: %w", c.command, err)
	}
	return c, nil
}

// resolveCLI maps agent name to CLI command + arg builder. Empty string
// defaults to claude.
func resolveCLI(agentName string) (*CLIClient, error) {
	name := strings.ToLower(agentName)
	switch {
	case strings.HasPrefix(name, "opencode"):
		return &CLIClient{
			command: "opencode",
			args:    func(p string) []string { return []string{"run", p} },
		}, nil
	case strings.HasPrefix(name, "claude"), name == "":
		return &CLIClient{
			command: "claude",
			args: func(p string) []string {
				return []string{"-p", p, "--output-format", "text", "--settings", claudeHooklessSettingsJSON}
			},
		}, nil
	default:
		return nil, fmt.Errorf("unknown agent type %q (supported: claude, opencode)", agentName)
	}
}

// limitedWriter caps writes at maxBytes, silently discarding overflow.
// Prevents unbounded stderr from a buggy CLI from eating memory.
type limitedWriter struct {
	buf      bytes.Buffer
	maxBytes int
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	originalLen := len(p)
	remaining := w.maxBytes - w.buf.Len()
	if remaining <= 0 {
		return originalLen, nil // discard but report success
	}
	if len(p) > remaining {
		p = p[:remaining]
	}
	w.buf.Write(p)
	return originalLen, nil // always report original len to avoid short write errors
}

// Chat runs the CLI with the combined prompt and returns the text response.
// The CLI has no system/user separation, so the system prompt is prepended.
func (c *CLIClient) Chat(ctx context.Context, req ChatRequest) (string, error) {
	prompt := req.User
	if req.System != "" {
		prompt = req.System + "\n\n" + prompt
	}
	if err := validatePrompt(prompt); err != nil {
		return "", fmt.Errorf("invalid prompt: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("context expired before exec: %w", err)
	}

	cmd := exec.CommandContext(ctx, c.command, c.args(prompt)...) //nolint:gosec // G204: command is a known LLM CLI binary, validated at construction
	cmd.Env = os.Environ()

	var stdout bytes.Buffer
	stderrW := &limitedWriter{maxBytes: 4096}
	cmd.Stdout = &stdout
	cmd.Stderr = stderrW

	if err := cmd.Run(); err != nil {
		stderrMsg := stderrW.buf.String()
		if stderrW.buf.Len() >= stderrW.maxBytes {
			stderrMsg += " (truncated)"
		}
		return "", fmt.Errorf("cli %s failed: %w (stderr: %s)", c.command, err, stderrMsg)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Name identifies the CLI command backing this client.
func (c *CLIClient) Name() string { return "cli:" + c.command }
