package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Chain tries providers in order and remembers the first one that works.
// A remembered provider that starts failing is forgotten so the next call
// re-runs the fallback scan.
type Chain struct {
	engines []Engine

	mu     sync.Mutex
	active Engine
}

// NewChain builds a provider chain. At least one engine is required for the
// chain to be usable; an empty chain fails every call.
func NewChain(engines ...Engine) *Chain {
	return &Chain{engines: engines}
}

// Embed generates an embedding using the active provider, falling back
// through the chain on failure.
func (c *Chain) Embed(ctx context.Context, text string) ([]float32, error) {
	var out []float32
	err := c.withEngine(ctx, func(e Engine) error {
		var err error
		out, err = e.Embed(ctx, text)
		return err
	})
	return out, err
}

// EmbedBatch generates embeddings using the active provider, falling back
// through the chain on failure.
func (c *Chain) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var out [][]float32
	err := c.withEngine(ctx, func(e Engine) error {
		var err error
		out, err = e.EmbedBatch(ctx, texts)
		return err
	})
	return out, err
}

func (c *Chain) withEngine(ctx context.Context, fn func(Engine) error) error {
	if e := c.current(); e != nil {
		err := fn(e)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		slog.Warn("embedding provider failed, re-scanning chain",
			"provider", e.Name(), "error", err)
		c.setCurrent(nil)
	}

	var errs []error
	for _, e := range c.engines {
		if hc, ok := e.(HealthChecker); ok {
			if err := hc.HealthCheck(ctx); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", e.Name(), err))
				continue
			}
		}
		if err := fn(e); err != nil {
			if ctx.Err() != nil {
				return err
			}
			errs = append(errs, fmt.Errorf("%s: %w", e.Name(), err))
			continue
		}
		c.setCurrent(e)
		return nil
	}
	if len(errs) == 0 {
		return errors.New("no embedding providers configured")
	}
	return fmt.Errorf("all embedding providers failed: %w", errors.Join(errs...))
}

// Dimensions returns the active provider's dimensionality, or the first
// provider that knows one. Zero means no embedding has been produced yet.
func (c *Chain) Dimensions() int {
	if e := c.current(); e != nil {
		if d := e.Dimensions(); d > 0 {
			return d
		}
	}
	for _, e := range c.engines {
		if d := e.Dimensions(); d > 0 {
			return d
		}
	}
	return 0
}

// Name identifies the active provider, or "none" before the first success.
func (c *Chain) Name() string {
	if e := c.current(); e != nil {
		return e.Name()
	}
	return "none"
}

func (c *Chain) current() Engine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *Chain) setCurrent(e Engine) {
	c.mu.Lock()
	c.active = e
	c.mu.Unlock()
}
