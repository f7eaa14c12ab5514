package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAddReportsDuplicates(t *testing.T) {
	c := NewLRU(4, 0)
	assert.True(t, c.Add("a"))
	assert.False(t, c.Add("a"))
	assert.True(t, c.Contains("a"))
	assert.False(t, c.Contains("b"))
}

func TestCapacityEvictsOldest(t *testing.T) {
	c := NewLRU(2, 0)
	c.Add("a")
	c.Add("b")
	// Touch "a" so "b" is the eviction candidate.
	c.Add("a")
	c.Add("c")

	assert.True(t, c.Contains("a"))
	assert.False(t, c.Contains("b"))
	assert.True(t, c.Contains("c"))
	assert.Equal(t, 2, c.Len())
}

func TestTTLExpiry(t *testing.T) {
	c := NewLRU(10, 10*time.Millisecond)
	c.Add("a")
	assert.True(t, c.Contains("a"))

	time.Sleep(20 * time.Millisecond)
	assert.False(t, c.Contains("a"))
	// An expired key re-adds as new.
	assert.True(t, c.Add("a"))
}

func TestConcurrentAdds(t *testing.T) {
	c := NewLRU(64, 0)
	done := make(chan struct{})
	for g := 0; g < 4; g++ {
		go func(g int) {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 100; i++ {
				c.Add(fmt.Sprintf("%d-%d", g, i%16))
			}
		}(g)
	}
	for g := 0; g < 4; g++ {
		<-done
	}
	assert.LessOrEqual(t, c.Len(), 64)
}
