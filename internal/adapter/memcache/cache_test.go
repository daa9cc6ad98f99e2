package memcache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tlm-solutions/locations-consensus/internal/domain"
)

func payload(region int64) domain.LocationsJson {
	return domain.LocationsJson{
		Schema: domain.SchemaVersion,
		Region: region,
		Locations: map[int32]domain.ApiLocation{
			4711: {Lat: 51.05, Lon: 13.74, Properties: map[string]any{}},
		},
	}
}

func TestCache_SetGet(t *testing.T) {
	ctx := context.Background()
	c := New(10, 0, nil)

	_, ok, err := c.Get(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, payload(1)))
	got, ok, err := c.Get(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, payload(1), got)
}

func TestCache_Expiry(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	c := New(10, time.Minute, clock)

	require.NoError(t, c.Set(ctx, payload(1)))
	clock.Advance(59 * time.Second)
	_, ok, _ := c.Get(ctx, 1)
	assert.True(t, ok)

	clock.Advance(time.Second)
	_, ok, _ = c.Get(ctx, 1)
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestCache_Invalidate(t *testing.T) {
	ctx := context.Background()
	c := New(10, 0, nil)
	require.NoError(t, c.Set(ctx, payload(1)))
	require.NoError(t, c.Set(ctx, payload(2)))
	require.NoError(t, c.Set(ctx, payload(3)))

	require.NoError(t, c.Invalidate(ctx, 1, 3, 99))

	_, ok, _ := c.Get(ctx, 2)
	assert.True(t, ok)
	assert.Equal(t, 1, c.Len())
}

func TestLRUCache_Eviction(t *testing.T) {
	c := newLRUCache(2)
	c.put(1, cached{})
	c.put(2, cached{})
	c.put(3, cached{})

	_, ok := c.get(1, time.Now())
	assert.False(t, ok, "oldest entry should be evicted")
	_, ok = c.get(2, time.Now())
	assert.True(t, ok)
	_, ok = c.get(3, time.Now())
	assert.True(t, ok)
}

func TestLRUCache_AccessPromotesEntry(t *testing.T) {
	c := newLRUCache(2)
	c.put(1, cached{})
	c.put(2, cached{})

	c.get(1, time.Now()) // 1 is now most recent
	c.put(3, cached{})

	_, ok := c.get(1, time.Now())
	assert.True(t, ok, "promoted entry should survive")
	_, ok = c.get(2, time.Now())
	assert.False(t, ok, "least recently used entry should be evicted")
}

func TestLRUCache_UpdateExisting(t *testing.T) {
	c := newLRUCache(2)
	c.put(1, cached{payload: payload(1)})
	c.put(1, cached{payload: payload(7)})

	v, ok := c.get(1, time.Now())
	require.True(t, ok)
	assert.Equal(t, int64(7), v.payload.Region)
	assert.Equal(t, 1, c.len())
}

func TestLRUCache_RemoveKeepsListConsistent(t *testing.T) {
	c := newLRUCache(3)
	c.put(1, cached{})
	c.put(2, cached{})
	c.put(3, cached{})

	c.remove(2)
	c.remove(3)
	c.put(4, cached{})
	c.put(5, cached{})
	c.put(6, cached{})

	_, ok := c.get(1, time.Now())
	assert.False(t, ok)
	assert.Equal(t, 3, c.len())
}

func TestLRUCache_GetDropsExpiredEntry(t *testing.T) {
	t0 := time.Date(2024, 4, 26, 15, 0, 0, 0, time.UTC)
	c := newLRUCache(3)
	c.put(1, cached{payload: payload(1), expires: t0.Add(time.Minute)})
	c.put(2, cached{payload: payload(2)})

	_, ok := c.get(1, t0.Add(30*time.Second))
	assert.True(t, ok)

	_, ok = c.get(1, t0.Add(time.Minute))
	assert.False(t, ok)
	assert.Equal(t, 1, c.len())

	// A fresh entry stored after expiry is served.
	c.put(1, cached{payload: payload(1), expires: t0.Add(2 * time.Minute)})
	_, ok = c.get(1, t0.Add(time.Minute))
	assert.True(t, ok)

	_, ok = c.get(2, t0.Add(24*time.Hour))
	assert.True(t, ok, "entries without ttl never expire")
}

func TestCache_ConcurrentSetGet(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	c := New(8, time.Minute, clock)

	var wg sync.WaitGroup
	for r := range int64(8) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 200 {
				assert.NoError(t, c.Set(ctx, payload(r)))
				_, ok, err := c.Get(ctx, r)
				assert.NoError(t, err)
				assert.True(t, ok)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 8, c.Len())
}
