package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// hashEngine is a deterministic in-process engine for tests: the vector is
// derived from a sha256 of the text, so equal texts embed identically.
type hashEngine struct {
	name  string
	dims  int
	fail  bool
	calls int
}

func (h *hashEngine) Embed(_ context.Context, text string) ([]float32, error) {
	h.calls++
	if h.fail {
		return nil, errors.New("engine down")
	}
	sum := sha256.Sum256([]byte(text))
	out := make([]float32, h.dims)
	for i := range out {
		bits := binary.LittleEndian.Uint32(sum[(i*4)%28:])
		out[i] = float32(bits%1000) / 1000
	}
	return out, nil
}

func (h *hashEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := h.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (h *hashEngine) Dimensions() int { return h.dims }
func (h *hashEngine) Name() string    { return h.name }

func TestChainUsesFirstHealthyProvider(t *testing.T) {
	broken := &hashEngine{name: "broken", dims: 8, fail: true}
	healthy := &hashEngine{name: "healthy", dims: 8}
	c := NewChain(broken, healthy)

	v, err := c.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Len(t, v, 8)
	assert.Equal(t, "healthy", c.Name())

	// The working provider is remembered; the broken one is not retried.
	brokenCalls := broken.calls
	_, err = c.Embed(context.Background(), "again")
	require.NoError(t, err)
	assert.Equal(t, brokenCalls, broken.calls)
}

func TestChainFallsBackWhenActiveProviderDies(t *testing.T) {
	primary := &hashEngine{name: "primary", dims: 8}
	backup := &hashEngine{name: "backup", dims: 8}
	c := NewChain(primary, backup)

	_, err := c.Embed(context.Background(), "warm up")
	require.NoError(t, err)
	assert.Equal(t, "primary", c.Name())

	primary.fail = true
	_, err = c.Embed(context.Background(), "still works")
	require.NoError(t, err)
	assert.Equal(t, "backup", c.Name())
}

func TestChainAllProvidersFail(t *testing.T) {
	c := NewChain(&hashEngine{name: "a", dims: 8, fail: true}, &hashEngine{name: "b", dims: 8, fail: true})
	_, err := c.Embed(context.Background(), "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all embedding providers failed")
}

func TestChainEmptyFails(t *testing.T) {
	c := NewChain()
	_, err := c.Embed(context.Background(), "text")
	require.Error(t, err)
}

func TestChainDimensions(t *testing.T) {
	c := NewChain(&hashEngine{name: "a", dims: 0, fail: true}, &hashEngine{name: "b", dims: 384})
	assert.Equal(t, 384, c.Dimensions())
}

func TestEmbedDeterministic(t *testing.T) {
	e := &hashEngine{name: "h", dims: 8}
	a, err := e.Embed(context.Background(), "same text")
	require.NoError(t, err)
	b, err := e.Embed(context.Background(), "same text")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
