// Package observer tracks attribute-scoped subscriptions and delivers change
// reports after each commit.
//
// The store calls Dispatch while it holds its commit lock, so reports are
// scheduled in transaction order. Each subscription has its own delivery
// goroutine: a slow or panicking callback delays only its own reports and
// never the committer.
package observer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/wbrown/janus-eav/eav"
	"github.com/wbrown/janus-eav/eav/metrics"
)

// DefaultDeliveryTimeout is how long a callback may run before it is
// reported as stalled
const DefaultDeliveryTimeout = 5 * time.Second

// Report describes one transaction from one subscriber's point of view
type Report struct {
	TxID       uint64
	Attributes []eav.Entid // changed attributes within the interest set, ascending
	Entities   []eav.Entid // entities that had one of those attributes changed, ascending
}

// Callback receives the reports for a subscription key. It is invoked once
// per matching commit.
type Callback func(key string, reports []Report)

// Option configures a Registry
type Option func(*Registry)

// WithLogger sets the logger used for delivery failures
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// WithMetrics records deliveries and failures
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithDeliveryTimeout sets the stall threshold; zero disables stall reporting
func WithDeliveryTimeout(d time.Duration) Option {
	return func(r *Registry) { r.timeout = d }
}

// Registry holds at most one subscription per key
type Registry struct {
	subs    *xsync.MapOf[string, *subscription]
	log     *slog.Logger
	metrics *metrics.Metrics
	timeout time.Duration
	closed  atomic.Bool
}

// NewRegistry creates an empty registry
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		subs:    xsync.NewMapOf[string, *subscription](),
		log:     slog.Default(),
		timeout: DefaultDeliveryTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register subscribes cb to commits touching any of attrs, replacing any
// prior subscription under key. A nil callback unregisters the key.
func (r *Registry) Register(key string, attrs []eav.Entid, cb Callback) {
	if cb == nil {
		r.Unregister(key)
		return
	}
	if r.closed.Load() {
		return
	}
	s := &subscription{
		key:   key,
		attrs: make(map[eav.Entid]struct{}, len(attrs)),
		cb:    cb,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	for _, a := range attrs {
		s.attrs[a] = struct{}{}
	}
	if old, loaded := r.subs.LoadAndStore(key, s); loaded {
		r.metrics.QueueDepth(-float64(old.stop()))
	}
	go r.run(s)
	if r.closed.Load() {
		// Close ran between the check above and the store
		r.subs.Compute(key, func(cur *subscription, loaded bool) (*subscription, bool) {
			return cur, !loaded || cur == s
		})
		s.stop()
	}
}

// Unregister removes the subscription under key, if any
func (r *Registry) Unregister(key string) {
	if old, loaded := r.subs.LoadAndDelete(key); loaded {
		r.metrics.QueueDepth(-float64(old.stop()))
	}
}

// Keys returns the registered keys in sorted order
func (r *Registry) Keys() []string {
	var keys []string
	r.subs.Range(func(key string, _ *subscription) bool {
		keys = append(keys, key)
		return true
	})
	sort.Strings(keys)
	return keys
}

// Dispatch schedules reports for every subscription whose interest set
// intersects the change. It never blocks on subscribers.
func (r *Registry) Dispatch(c Change) {
	if r.closed.Load() || len(c.touched) == 0 {
		return
	}
	r.subs.Range(func(_ string, s *subscription) bool {
		if rep, ok := c.reportFor(s.attrs); ok && s.enqueue(rep) {
			r.metrics.QueueDepth(1)
		}
		return true
	})
}

// Flush waits until every report scheduled so far has been delivered
func (r *Registry) Flush(ctx context.Context) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		idle := true
		r.subs.Range(func(_ string, s *subscription) bool {
			if !s.idle() {
				idle = false
				return false
			}
			return true
		})
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close stops every subscription. Pending reports are discarded.
func (r *Registry) Close() {
	if r.closed.Swap(true) {
		return
	}
	r.subs.Range(func(key string, s *subscription) bool {
		r.subs.Delete(key)
		r.metrics.QueueDepth(-float64(s.stop()))
		return true
	})
}

func (r *Registry) run(s *subscription) {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			rep, ok := s.next()
			if !ok {
				break
			}
			r.metrics.QueueDepth(-1)
			r.deliver(s, rep)
		}
	}
}

// deliver invokes the callback with panics recovered, reporting stalls
// past the delivery timeout
func (r *Registry) deliver(s *subscription, rep Report) {
	if r.timeout > 0 {
		timer := time.AfterFunc(r.timeout, func() {
			r.failed(&eav.ObserverDispatchFailure{
				Key:    s.key,
				TxID:   rep.TxID,
				Reason: fmt.Sprintf("callback still running after %s", r.timeout),
			}, "stalled")
		})
		defer timer.Stop()
	}
	defer func() {
		if p := recover(); p != nil {
			r.failed(&eav.ObserverDispatchFailure{
				Key:    s.key,
				TxID:   rep.TxID,
				Reason: fmt.Sprintf("callback panicked: %v", p),
			}, "panic")
		}
	}()
	s.cb(s.key, []Report{rep})
	r.metrics.Delivered()
}

func (r *Registry) failed(err *eav.ObserverDispatchFailure, reason string) {
	r.log.Warn("observer delivery failed", "key", err.Key, "tx", err.TxID, "err", err)
	r.metrics.DeliveryFailed(reason)
}

type subscription struct {
	key   string
	attrs map[eav.Entid]struct{}
	cb    Callback
	wake  chan struct{}
	done  chan struct{}

	mu      sync.Mutex
	queue   []Report
	lastTx  uint64
	busy    bool
	stopped bool
}

// enqueue appends a report unless the subscription already saw that
// transaction or has been stopped
func (s *subscription) enqueue(rep Report) bool {
	s.mu.Lock()
	if s.stopped || rep.TxID <= s.lastTx {
		s.mu.Unlock()
		return false
	}
	s.lastTx = rep.TxID
	s.queue = append(s.queue, rep)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

func (s *subscription) next() (Report, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || len(s.queue) == 0 {
		s.busy = false
		return Report{}, false
	}
	rep := s.queue[0]
	s.queue[0] = Report{}
	s.queue = s.queue[1:]
	s.busy = true
	return rep, true
}

func (s *subscription) idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped || (len(s.queue) == 0 && !s.busy)
}

// stop ends the worker and returns how many reports were discarded
func (s *subscription) stop() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return 0
	}
	s.stopped = true
	n := len(s.queue)
	s.queue = nil
	close(s.done)
	return n
}
