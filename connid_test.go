package httpconn

import (
	"sync"
	"testing"

	"github.com/gookit/goutil/testutil/assert"
)

func TestConnectionIDEncoding(t *testing.T) {
	t.Parallel()
	assert.Eq(t, "0000000000000", encodeConnectionID(0))
	assert.Eq(t, "000000000000V", encodeConnectionID(31))
	assert.Eq(t, "0000000000010", encodeConnectionID(32))
	assert.Eq(t, "FVVVVVVVVVVVV", encodeConnectionID(^uint64(0)))
}

func TestConnectionIDGeneratorIsMonotonic(t *testing.T) {
	t.Parallel()
	g := NewConnectionIDGenerator(41)
	assert.Eq(t, encodeConnectionID(42), g.Next())
	assert.Eq(t, encodeConnectionID(43), g.Next())

	// ids sort in issue order.
	prev := g.Next()
	for i := 0; i < 100; i++ {
		next := g.Next()
		assert.True(t, next > prev)
		prev = next
	}
}

func TestConnectionIDGeneratorConcurrent(t *testing.T) {
	t.Parallel()
	g := NewConnectionIDGenerator(0)
	var mu sync.Mutex
	seen := make(map[string]struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				id := g.Next()
				mu.Lock()
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Eq(t, 4000, len(seen))
}
