package storage

import (
	"log/slog"
	"time"

	"github.com/wbrown/janus-eav/eav/metrics"
	"github.com/wbrown/janus-eav/eav/observer"
)

// DefaultCacheSize is the number of entid/uuid translations kept in memory
const DefaultCacheSize = 4096

// Option configures a Store
type Option func(*options)

type options struct {
	logger          *slog.Logger
	metrics         *metrics.Metrics
	clock           func() time.Time
	cacheSize       int
	syncWrites      bool
	deliveryTimeout time.Duration
}

func defaultOptions() options {
	return options{
		logger:          slog.Default(),
		clock:           time.Now,
		cacheSize:       DefaultCacheSize,
		deliveryTimeout: observer.DefaultDeliveryTimeout,
	}
}

// WithLogger sets the logger for the store and its observer registry
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics records commit and observer metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithClock replaces the wall clock used for transaction instants
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.clock = now
		}
	}
}

// WithCacheSize sets the size of the entid/uuid translation caches
func WithCacheSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.cacheSize = n
		}
	}
}

// WithSyncWrites makes every commit fsync before returning. Ignored for
// in-memory stores.
func WithSyncWrites(enabled bool) Option {
	return func(o *options) { o.syncWrites = enabled }
}

// WithObserverTimeout sets how long a callback may run before it is
// reported as stalled
func WithObserverTimeout(d time.Duration) Option {
	return func(o *options) { o.deliveryTimeout = d }
}
