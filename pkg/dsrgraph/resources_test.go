package dsrgraph

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/connector"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/graph"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/kvcache"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/policy"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/taskstore"
)

func newTestResources(t *testing.T, cache *kvcache.Cache, factory connector.Factory) *Resources {
	t.Helper()
	factories := connector.NewFactories()
	if factory != nil {
		factories.Replace(memoryType, factory)
	}
	res := NewResources(ResourcesConfig{
		Request: &taskstore.PrivacyRequest{ID: "req-1"},
		Action:  policy.ActionAccess,
		Connections: map[string]connector.Connection{
			"shop_db": {Key: "shop_db", Type: memoryType, Access: connector.AccessRead},
		},
		Factories: factories,
		Cache:     cache,
		CacheTTL:  time.Hour,
		Logger:    discardLogger(),
	})
	t.Cleanup(func() { _ = res.Close() })
	return res
}

func openCache(t *testing.T) *kvcache.Cache {
	t.Helper()
	cache, err := kvcache.Open(kvcache.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })
	return cache
}

func TestResources_ConnectorBuiltOnce(t *testing.T) {
	var builds atomic.Int32
	res := newTestResources(t, nil, func(connector.Connection) (connector.Connector, error) {
		builds.Add(1)
		time.Sleep(5 * time.Millisecond)
		return connector.NewMemoryConnector(nil), nil
	})

	got := make([]connector.Connector, 8)
	var wg sync.WaitGroup
	for i := range got {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := res.Connector(context.Background(), "shop_db")
			assert.NoError(t, err)
			got[i] = c
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), builds.Load())
	for _, c := range got[1:] {
		assert.Same(t, got[0], c)
	}
}

func TestResources_UnknownConnection(t *testing.T) {
	res := newTestResources(t, nil, nil)
	_, err := res.Connector(context.Background(), "nope")
	require.ErrorIs(t, err, ErrConnectionNotFound)
}

func TestResources_CloseClosesConnectors(t *testing.T) {
	mem := connector.NewMemoryConnector(nil)
	res := newTestResources(t, nil, func(connector.Connection) (connector.Connector, error) {
		return mem, nil
	})
	ctx := context.Background()

	_, err := res.Connector(ctx, "shop_db")
	require.NoError(t, err)
	require.NoError(t, res.Close())
	require.NoError(t, res.Close())

	status, err := mem.TestConnection(ctx)
	require.Error(t, err)
	assert.Equal(t, connector.TestFailed, status)

	_, err = res.Connector(ctx, "shop_db")
	require.ErrorIs(t, err, errResourcesClosed)
}

func TestResources_CacheResultWritesThrough(t *testing.T) {
	cache := openCache(t)
	ctx := context.Background()
	rows := []graph.Row{{"email": "x@example.com"}}

	first := newTestResources(t, cache, nil)
	first.CacheResult(ctx, usersAddr, rows)
	got, ok := first.CachedResult(usersAddr)
	require.True(t, ok)
	assert.Equal(t, rows, got)

	second := newTestResources(t, cache, nil)
	addrs, err := second.LoadCachedResults(ctx)
	require.NoError(t, err)
	assert.Equal(t, []graph.CollectionAddress{usersAddr}, addrs)
	assert.Equal(t, map[graph.CollectionAddress][]graph.Row{usersAddr: rows}, second.AllCachedResults())
}

func TestResources_CacheErasureInput(t *testing.T) {
	cache := openCache(t)
	ctx := context.Background()
	res := newTestResources(t, cache, nil)

	res.CacheErasureInput(ctx, ordersAddr, []graph.Row{{"id": "placeholder"}})

	keys, err := cache.Keys(ctx, kvcache.ResultPrefix("req-1", erasureInputAction))
	require.NoError(t, err)
	assert.Equal(t, []string{kvcache.ResultKey("req-1", erasureInputAction, ordersAddr.String())}, keys)

	_, ok := res.CachedResult(ordersAddr)
	assert.False(t, ok)
}

func TestResources_WithoutCache(t *testing.T) {
	res := newTestResources(t, nil, nil)
	ctx := context.Background()

	res.CacheResult(ctx, usersAddr, []graph.Row{{"id": 1}})
	res.CacheErasureInput(ctx, usersAddr, []graph.Row{{"id": 1}})

	_, ok := res.CachedResult(usersAddr)
	assert.True(t, ok)
	addrs, err := res.LoadCachedResults(ctx)
	require.NoError(t, err)
	assert.Empty(t, addrs)
}
