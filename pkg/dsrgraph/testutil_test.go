package dsrgraph

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/config"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/connector"
	dsrerrors "github.com/randalmurphal/dsrgraph/pkg/dsrgraph/errors"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/graph"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/kvcache"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/policy"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/taskstore"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/transform"
)

const memoryType = "memory"

var (
	usersAddr    = graph.NewCollectionAddress("shop", "users")
	ordersAddr   = graph.NewCollectionAddress("shop", "orders")
	profilesAddr = graph.NewCollectionAddress("crm", "profiles")
)

// sharedMemory keeps one MemoryConnector alive across runs: every run
// closes the connectors it built.
type sharedMemory struct {
	*connector.MemoryConnector
}

func (sharedMemory) Close() error { return nil }

// testDatasets describes ROOT(email) -> shop:users -> shop:orders and
// ROOT(email) -> crm:profiles.
func testDatasets() []graph.Dataset {
	return []graph.Dataset{
		{
			Name:          "shop",
			ConnectionKey: "shop_db",
			Collections: []graph.Collection{
				{Name: "users", Fields: []graph.Field{
					{Name: "id", DataType: graph.TypeInteger, PrimaryKey: true},
					{Name: "email", DataType: graph.TypeString, Identity: "email", DataCategories: []string{"user.contact.email"}},
					{Name: "name", DataType: graph.TypeString, DataCategories: []string{"user.name"}},
				}},
				{Name: "orders", Fields: []graph.Field{
					{Name: "id", DataType: graph.TypeInteger, PrimaryKey: true},
					{Name: "user_id", DataType: graph.TypeInteger, References: []graph.Reference{
						{Dataset: "shop", Field: "users.id", Direction: graph.DirectionFrom},
					}},
					{Name: "address", DataType: graph.TypeString, DataCategories: []string{"user.contact.address"}},
					{Name: "total", DataType: graph.TypeFloat},
				}},
			},
		},
		{
			Name:          "crm",
			ConnectionKey: "crm_db",
			Collections: []graph.Collection{
				{Name: "profiles", Fields: []graph.Field{
					{Name: "id", DataType: graph.TypeInteger, PrimaryKey: true},
					{Name: "email", DataType: graph.TypeString, Identity: "email", DataCategories: []string{"user.contact.email"}},
					{Name: "bio", DataType: graph.TypeString, DataCategories: []string{"user.biography"}},
				}},
			},
		},
	}
}

func testGraph(t *testing.T) *graph.DatasetGraph {
	t.Helper()
	g, err := graph.Merge(testDatasets()...)
	require.NoError(t, err)
	return g
}

func testTables() map[graph.CollectionAddress][]graph.Row {
	return map[graph.CollectionAddress][]graph.Row{
		usersAddr: {
			{"id": 7, "email": "x@example.com", "name": "Ada"},
			{"id": 8, "email": "y@example.com", "name": "Bob"},
		},
		ordersAddr: {
			{"id": 100, "user_id": 7, "address": "1 Main St", "total": 9.5},
			{"id": 101, "user_id": 7, "address": "2 Side St", "total": 20.0},
			{"id": 102, "user_id": 8, "address": "3 Far Rd", "total": 1.0},
		},
		profilesAddr: {
			{"id": 1, "email": "x@example.com", "bio": "likes graphs"},
		},
	}
}

func testPolicies() []policy.Policy {
	return []policy.Policy{
		{Key: "access", Rules: []policy.Rule{
			{Key: "access_user", ActionType: policy.ActionAccess, TargetCategories: []string{"user"}},
		}},
		{Key: "erase", Rules: []policy.Rule{
			{Key: "access_user", ActionType: policy.ActionAccess, TargetCategories: []string{"user"}},
			{Key: "erase_contact", ActionType: policy.ActionErasure, TargetCategories: []string{"user.contact"}},
			{Key: "erase_name", ActionType: policy.ActionErasure, TargetCategories: []string{"user.name"},
				MaskingStrategy: policy.MaskString, MaskValue: "REDACTED"},
		}},
		{Key: "consent", Rules: []policy.Rule{
			{Key: "consent", ActionType: policy.ActionConsent},
		}},
	}
}

func testConnections() []connector.Connection {
	return []connector.Connection{
		{Key: "shop_db", Type: memoryType, Access: connector.AccessWrite},
		{Key: "crm_db", Type: memoryType, Access: connector.AccessWrite},
	}
}

// testEnv is a runner over in-memory stores with one shared memory
// connector serving every "memory" connection.
type testEnv struct {
	runner *Runner
	store  *taskstore.MemoryStore
	cache  *kvcache.Cache
	db     *connector.MemoryConnector
}

type envConfig struct {
	settings    config.Settings
	connections []connector.Connection
	retry       dsrerrors.RetryConfig
	options     []Option
}

type envOption func(*envConfig)

func withSettings(fn func(*config.Settings)) envOption {
	return func(c *envConfig) { fn(&c.settings) }
}

func withConnections(conns ...connector.Connection) envOption {
	return func(c *envConfig) { c.connections = conns }
}

func withAttempts(n int) envOption {
	return func(c *envConfig) { c.retry.MaxAttempts = n }
}

func withRunnerOptions(opts ...Option) envOption {
	return func(c *envConfig) { c.options = append(c.options, opts...) }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	cfg := envConfig{
		settings:    config.Defaults(),
		connections: testConnections(),
		retry:       dsrerrors.RetryConfig{MaxAttempts: 3},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	env := &testEnv{
		store: taskstore.NewMemoryStore(),
		db:    connector.NewMemoryConnector(testTables()),
	}
	env.db.SupportsConsent = true
	cache, err := kvcache.Open(kvcache.InMemoryConfig())
	require.NoError(t, err)
	env.cache = cache

	factories := connector.NewFactories()
	factories.Replace(memoryType, func(connector.Connection) (connector.Connector, error) {
		return sharedMemory{env.db}, nil
	})

	runnerOpts := append([]Option{
		WithSettings(cfg.settings),
		WithStore(env.store),
		WithCache(env.cache),
		WithFactories(factories),
		WithLogger(discardLogger()),
		WithRetryConfig(cfg.retry),
	}, cfg.options...)
	r, err := NewRunner(testGraph(t), testPolicies(), cfg.connections, runnerOpts...)
	require.NoError(t, err)
	env.runner = r

	t.Cleanup(func() {
		_ = r.Close()
		_ = cache.Close()
		_ = env.store.Close()
	})
	return env
}

func (e *testEnv) submit(t *testing.T, policyKey string, prefs ...taskstore.ConsentPreference) *taskstore.PrivacyRequest {
	t.Helper()
	req, err := e.runner.Submit(context.Background(), policyKey, map[string]any{"email": "x@example.com"}, prefs...)
	require.NoError(t, err)
	return req
}

func (e *testEnv) request(t *testing.T, id string) *taskstore.PrivacyRequest {
	t.Helper()
	req, err := e.store.GetRequest(context.Background(), id)
	require.NoError(t, err)
	return req
}

func (e *testEnv) task(t *testing.T, id string, action policy.ActionType, addr graph.CollectionAddress) *taskstore.RequestTask {
	t.Helper()
	task, err := e.store.GetTask(context.Background(), id, action, addr.String())
	require.NoError(t, err)
	return task
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// failOn returns a retrieve hook failing every call for addr with err.
func failOn(addr graph.CollectionAddress, err error) func(graph.CollectionAddress, transform.Input) error {
	return func(a graph.CollectionAddress, _ transform.Input) error {
		if a == addr {
			return err
		}
		return nil
	}
}

func ids(rows []graph.Row) []any {
	out := make([]any, 0, len(rows))
	for _, r := range rows {
		out = append(out, r["id"])
	}
	return out
}
