package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCache(t *testing.T) (*MemoryCache, *fakeClock) {
	t.Helper()
	clk := &fakeClock{now: time.Date(2024, 10, 10, 10, 0, 0, 0, time.UTC)}
	mc := NewMemoryCache(WithMemoryClock(clk.Now), WithMemoryMaxSize(100))
	t.Cleanup(func() { _ = mc.Close() })
	return mc, clk
}

func TestMemoryCacheRoundTripStruct(t *testing.T) {
	mc, _ := newTestCache(t)
	ctx := context.Background()

	type record struct {
		State string `json:"state"`
		N     int    `json:"n"`
	}
	require.NoError(t, mc.Set(ctx, "k", record{State: "resolved", N: 3}, time.Minute))

	var got record
	require.NoError(t, mc.Get(ctx, "k", &got))
	assert.Equal(t, record{State: "resolved", N: 3}, got)
}

func TestMemoryCacheExpiry(t *testing.T) {
	mc, clk := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, mc.Set(ctx, "hb", "alive", 3*time.Second))
	ok, err := mc.Exists(ctx, "hb")
	require.NoError(t, err)
	assert.True(t, ok)

	clk.Advance(3 * time.Second)
	ok, err = mc.Exists(ctx, "hb")
	require.NoError(t, err)
	assert.False(t, ok)

	var s string
	assert.ErrorIs(t, mc.Get(ctx, "hb", &s), ErrCacheMiss)
}

func TestMemoryCacheSetNXIsExclusive(t *testing.T) {
	mc, _ := newTestCache(t)
	ctx := context.Background()

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := mc.SetNX(ctx, "lock", "x", time.Minute)
			if err == nil && ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}

func TestMemoryCacheSetNXAfterExpiry(t *testing.T) {
	mc, clk := newTestCache(t)
	ctx := context.Background()

	ok, err := mc.SetNX(ctx, "lock", "a", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = mc.SetNX(ctx, "lock", "b", time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	clk.Advance(time.Second)
	ok, err = mc.SetNX(ctx, "lock", "b", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	var v string
	require.NoError(t, mc.Get(ctx, "lock", &v))
	assert.Equal(t, "b", v)
}

func TestMemoryCacheIncrementAndPattern(t *testing.T) {
	mc, _ := newTestCache(t)
	ctx := context.Background()

	n, err := mc.Increment(ctx, "attempts:a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = mc.Increment(ctx, "attempts:a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.NoError(t, mc.Set(ctx, "attempts:b", "1", 0))
	require.NoError(t, mc.Set(ctx, "other", "1", 0))
	require.NoError(t, mc.DeleteByPattern(ctx, "attempts:*"))

	got, err := mc.MGet(ctx, "attempts:a", "attempts:b", "other")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"other": "1"}, got)
}
