package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"time"
)

// HTTPController manages the daemon over its own HTTP surface: status and
// shutdown are endpoints, start spawns a detached daemon process.
type HTTPController struct {
	baseURL   string
	authToken string
	client    *http.Client
}

// NewHTTPController builds a controller for a daemon at addr
// (host:port, no scheme).
func NewHTTPController(addr, authToken string) *HTTPController {
	return &HTTPController{
		baseURL:   "http://" + addr,
		authToken: authToken,
		client:    &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *HTTPController) do(ctx context.Context, method, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	return c.client.Do(req)
}

// Status queries the running daemon. A connection failure means stopped.
func (c *HTTPController) Status(ctx context.Context) (*DaemonStatus, error) {
	resp, err := c.do(ctx, http.MethodGet, "/status")
	if err != nil {
		return &DaemonStatus{Running: false}, nil
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("daemon status returned %d", resp.StatusCode)
	}
	var st DaemonStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("failed to decode daemon status: %w", err)
	}
	st.Running = true
	return &st, nil
}

// Stop asks the daemon to shut down and waits until it is gone.
func (c *HTTPController) Stop(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodPost, "/v1/admin/shutdown")
	if err != nil {
		// Already stopped.
		return nil
	}
	_ = resp.Body.Close()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		st, err := c.Status(ctx)
		if err == nil && !st.Running {
			return nil
		}
		time.Sleep(250 * time.Millisecond)
	}
	return fmt.Errorf("daemon did not stop within 10s")
}

// Start spawns a detached daemon process using this binary and waits for it
// to answer status.
func (c *HTTPController) Start(ctx context.Context) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to locate binary: %w", err)
	}
	cmd := exec.Command(exe, "daemon") //nolint:gosec // G204: re-exec of our own binary
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}
	// The daemon outlives this CLI process.
	if err := cmd.Process.Release(); err != nil {
		return err
	}

	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		st, err := c.Status(ctx)
		if err == nil && st.Running {
			return nil
		}
		time.Sleep(250 * time.Millisecond)
	}
	return fmt.Errorf("daemon did not come up within 15s")
}
