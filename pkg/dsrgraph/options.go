package dsrgraph

import (
	"log/slog"

	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/config"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/connector"
	dsrerrors "github.com/randalmurphal/dsrgraph/pkg/dsrgraph/errors"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/kvcache"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/observability"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/signal"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/taskstore"
)

// runnerConfig holds the collaborators and settings of a Runner.
type runnerConfig struct {
	settings  config.Settings
	store     taskstore.Store
	cache     *kvcache.Cache
	factories *connector.Factories
	queue     signal.Queue
	logger    *slog.Logger
	metrics   observability.MetricsRecorder
	spans     observability.SpanManager
	retry     *dsrerrors.RetryConfig
}

// defaultRunnerConfig returns the default runner configuration.
func defaultRunnerConfig() runnerConfig {
	return runnerConfig{
		settings: config.Defaults(),
	}
}

// Option configures a Runner.
type Option func(*runnerConfig)

// WithSettings sets the engine settings.
// Default: config.Defaults()
func WithSettings(s config.Settings) Option {
	return func(c *runnerConfig) {
		c.settings = s
	}
}

// WithStore sets the request and task store. The caller keeps ownership
// and must close it.
// Default: a SQLite store opened at Settings.StorePath, closed by Runner.Close.
func WithStore(store taskstore.Store) Option {
	return func(c *runnerConfig) {
		c.store = store
	}
}

// WithCache sets the identity and result cache. The caller keeps
// ownership and must close it.
// Default: a cache opened at Settings.CacheDir, in memory when empty.
func WithCache(cache *kvcache.Cache) Option {
	return func(c *runnerConfig) {
		c.cache = cache
	}
}

// WithFactories sets the connector factories.
// Default: connector.NewFactories()
func WithFactories(f *connector.Factories) Option {
	return func(c *runnerConfig) {
		c.factories = f
	}
}

// WithSignalQueue sets the queue backing Runner.Signals.
// Default: signal.NewMemoryQueue()
func WithSignalQueue(q signal.Queue) Option {
	return func(c *runnerConfig) {
		c.queue = q
	}
}

// WithLogger sets the logger.
// Default: slog.Default()
func WithLogger(logger *slog.Logger) Option {
	return func(c *runnerConfig) {
		c.logger = logger
	}
}

// WithMetrics sets the metrics recorder.
// Default: OTel metrics when Settings.MetricsEnabled, otherwise none.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(c *runnerConfig) {
		c.metrics = m
	}
}

// WithSpans sets the span manager.
// Default: OTel tracing when Settings.TracingEnabled, otherwise none.
func WithSpans(s observability.SpanManager) Option {
	return func(c *runnerConfig) {
		c.spans = s
	}
}

// WithRetryConfig overrides the task retry policy derived from Settings.
// RetryableFunc and OnRetry are always replaced by the runner.
func WithRetryConfig(cfg dsrerrors.RetryConfig) Option {
	return func(c *runnerConfig) {
		c.retry = &cfg
	}
}

// retryConfig returns the task retry policy.
func (c *runnerConfig) retryConfig() dsrerrors.RetryConfig {
	if c.retry != nil {
		return *c.retry
	}
	s := c.settings
	return dsrerrors.RetryConfig{
		MaxAttempts:    s.TaskRetryCount,
		InitialBackoff: s.TaskRetryDelay,
		MaxBackoff:     s.TaskRetryMaxDelay,
		BackoffFactor:  s.TaskRetryBackoff,
	}
}
