package dsrgraph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/connector"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/graph"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/kvcache"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/observability"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/policy"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/taskstore"
)

// erasureInputAction keys the placeholder variant of access results in the
// cache. Erasure reads it back.
const erasureInputAction = "erasure_input"

var errResourcesClosed = errors.New("resources closed")

// Resources is the context of one run: one privacy request, one action.
// It owns the connectors built for the run and the results produced by it.
// Nothing in it is shared with other runs.
type Resources struct {
	Request *taskstore.PrivacyRequest
	Policy  *policy.Policy
	Action  policy.ActionType

	connections map[string]connector.Connection
	factories   *connector.Factories
	cache       *kvcache.Cache
	cacheTTL    time.Duration
	logger      *slog.Logger

	group singleflight.Group

	mu         sync.Mutex
	connectors map[string]connector.Connector
	results    map[graph.CollectionAddress][]graph.Row
	closed     bool
}

// ResourcesConfig holds what a Resources is built from.
type ResourcesConfig struct {
	Request     *taskstore.PrivacyRequest
	Policy      *policy.Policy
	Action      policy.ActionType
	Connections map[string]connector.Connection
	Factories   *connector.Factories

	// Cache, when set, receives every result so a later run of the same
	// request and action can resume from it.
	Cache    *kvcache.Cache
	CacheTTL time.Duration
	Logger   *slog.Logger
}

// NewResources creates the resources for one run.
func NewResources(cfg ResourcesConfig) *Resources {
	factories := cfg.Factories
	if factories == nil {
		factories = connector.NewFactories()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Resources{
		Request:     cfg.Request,
		Policy:      cfg.Policy,
		Action:      cfg.Action,
		connections: cfg.Connections,
		factories:   factories,
		cache:       cfg.Cache,
		cacheTTL:    cfg.CacheTTL,
		logger:      logger,
		connectors:  make(map[string]connector.Connector),
		results:     make(map[graph.CollectionAddress][]graph.Row),
	}
}

// Connection returns the connection configured under key.
func (r *Resources) Connection(key string) (connector.Connection, bool) {
	conn, ok := r.connections[key]
	return conn, ok
}

// Connector returns the connector for key, building it on first use.
// Concurrent callers for the same key share one build.
func (r *Resources) Connector(ctx context.Context, key string) (connector.Connector, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, errResourcesClosed
	}
	if c, ok := r.connectors[key]; ok {
		r.mu.Unlock()
		return c, nil
	}
	r.mu.Unlock()

	conn, ok := r.connections[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrConnectionNotFound, key)
	}

	ch := r.group.DoChan(key, func() (any, error) {
		r.mu.Lock()
		if c, ok := r.connectors[key]; ok {
			r.mu.Unlock()
			return c, nil
		}
		r.mu.Unlock()

		c, err := r.factories.Build(conn)
		if err != nil {
			return nil, fmt.Errorf("build connector %q: %w", key, err)
		}

		r.mu.Lock()
		defer r.mu.Unlock()
		if r.closed {
			_ = c.Close()
			return nil, errResourcesClosed
		}
		r.connectors[key] = c
		return c, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(connector.Connector), nil
	}
}

// CacheResult records the result of addr for downstream tasks and, when a
// cache is configured, writes it through. A cache failure is logged; the
// run goes on without resumability for addr.
func (r *Resources) CacheResult(ctx context.Context, addr graph.CollectionAddress, rows []graph.Row) {
	r.mu.Lock()
	r.results[addr] = rows
	r.mu.Unlock()

	if r.cache == nil {
		return
	}
	key := kvcache.ResultKey(r.Request.ID, string(r.Action), addr.String())
	if err := r.cache.SetJSON(ctx, key, rows, r.cacheTTL); err != nil {
		observability.LogCacheError(r.logger, addr.String(), "write", err)
	}
}

// CacheErasureInput writes the placeholder variant of an access result for
// the erasure run. It needs a cache.
func (r *Resources) CacheErasureInput(ctx context.Context, addr graph.CollectionAddress, rows []graph.Row) {
	if r.cache == nil {
		return
	}
	key := kvcache.ResultKey(r.Request.ID, erasureInputAction, addr.String())
	if err := r.cache.SetJSON(ctx, key, rows, r.cacheTTL); err != nil {
		observability.LogCacheError(r.logger, addr.String(), "write", err)
	}
}

// restoreResult records a result produced by an earlier run without
// writing it through.
func (r *Resources) restoreResult(addr graph.CollectionAddress, rows []graph.Row) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[addr] = rows
}

// CachedResult returns the recorded result of addr.
func (r *Resources) CachedResult(addr graph.CollectionAddress) ([]graph.Row, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rows, ok := r.results[addr]
	return rows, ok
}

// AllCachedResults returns a copy of every recorded result.
func (r *Resources) AllCachedResults() map[graph.CollectionAddress][]graph.Row {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.results)
}

// LoadCachedResults reads back results written by an earlier run of the
// same request and action, and returns the addresses found.
func (r *Resources) LoadCachedResults(ctx context.Context) ([]graph.CollectionAddress, error) {
	if r.cache == nil {
		return nil, nil
	}
	found, err := readResults(ctx, r.cache, r.Request.ID, string(r.Action))
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var addrs []graph.CollectionAddress
	for addr, rows := range found {
		r.results[addr] = rows
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

// Close closes every connector built for the run.
func (r *Resources) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	var errs []error
	for key, c := range r.connectors {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close connector %q: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

// readResults decodes every cached result under one request and action.
func readResults(ctx context.Context, cache *kvcache.Cache, requestID, action string) (map[graph.CollectionAddress][]graph.Row, error) {
	prefix := kvcache.ResultPrefix(requestID, action)
	keys, err := cache.Keys(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list cached results: %w", err)
	}
	out := make(map[graph.CollectionAddress][]graph.Row, len(keys))
	for _, key := range keys {
		addr, err := graph.ParseCollectionAddress(strings.TrimPrefix(key, prefix))
		if err != nil {
			continue
		}
		var rows []graph.Row
		if err := cache.GetJSON(ctx, key, &rows); err != nil {
			if errors.Is(err, kvcache.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out[addr] = rows
	}
	return out, nil
}
