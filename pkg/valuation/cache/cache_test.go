package cache

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_SetGet(t *testing.T) {
	c := New()

	c.Set("k", "v", time.Minute)

	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", got)

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestCache_Expiry(t *testing.T) {
	c := New()
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Set("k", "v", time.Minute)

	_, ok := c.Get("k")
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok = c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len(), "expired entry dropped on read")
}

func TestCache_GetOrCompute(t *testing.T) {
	c := New()
	calls := 0

	compute := func() (interface{}, error) {
		calls++
		return "computed", nil
	}

	got, err := c.GetOrCompute("k", time.Minute, compute)
	require.NoError(t, err)
	assert.Equal(t, "computed", got)

	// Second call hits the cache.
	got, err = c.GetOrCompute("k", time.Minute, compute)
	require.NoError(t, err)
	assert.Equal(t, "computed", got)
	assert.Equal(t, 1, calls)
}

func TestCache_GetOrCompute_ErrorNotCached(t *testing.T) {
	c := New()

	_, err := c.GetOrCompute("k", time.Minute, func() (interface{}, error) {
		return nil, errors.New("boom")
	})
	require.Error(t, err)

	// The failure left nothing behind; the next call recomputes.
	got, err := c.GetOrCompute("k", time.Minute, func() (interface{}, error) {
		return "recovered", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "recovered", got)
}

func TestCache_GetOrCompute_Singleflight(t *testing.T) {
	c := New()
	var calls int32
	gate := make(chan struct{})

	compute := func() (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		<-gate
		return "shared", nil
	}

	var wg sync.WaitGroup
	results := make([]interface{}, 10)
	for i := 0; i < 10; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := c.GetOrCompute("k", time.Minute, compute)
			assert.NoError(t, err)
			results[i] = got
		}()
	}

	// Let callers pile up on the flight, then release it.
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "concurrent misses share one compute")
	for _, got := range results {
		assert.Equal(t, "shared", got)
	}
}

func TestCache_Invalidate(t *testing.T) {
	c := New()
	c.Set("k", "v", time.Minute)

	c.Invalidate("k")

	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestCache_InvalidatePrefix(t *testing.T) {
	c := New()
	c.Set(Key("acme", "valuation", ""), 1, time.Minute)
	c.Set(Key("acme", "history", "TEE-001"), 2, time.Minute)
	c.Set(Key("other", "valuation", ""), 3, time.Minute)

	c.InvalidatePrefix(Key("acme", ""))

	_, ok := c.Get(Key("acme", "valuation", ""))
	assert.False(t, ok)
	_, ok = c.Get(Key("acme", "history", "TEE-001"))
	assert.False(t, ok)
	_, ok = c.Get(Key("other", "valuation", ""))
	assert.True(t, ok, "other companies keep their entries")
}

func TestCache_InvalidateAll(t *testing.T) {
	c := New()
	c.Set("a", 1, time.Minute)
	c.Set("b", 2, time.Minute)

	c.InvalidateAll()

	assert.Equal(t, 0, c.Len())
}

func TestCache_Purge(t *testing.T) {
	c := New()
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Set("fresh", 1, time.Hour)
	c.Set("stale", 2, time.Minute)

	now = now.Add(10 * time.Minute)
	removed := c.Purge()

	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, c.Len())
	_, ok := c.Get("fresh")
	assert.True(t, ok)
}
