// Package bridge is the surface a host application drives: stores behind
// opaque handles, observer callbacks that receive plain report lists, and a
// sync call that reports success or a message.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/wbrown/janus-eav/eav"
	"github.com/wbrown/janus-eav/eav/observer"
	"github.com/wbrown/janus-eav/eav/storage"
	"github.com/wbrown/janus-eav/eav/syncer"
)

// TxReport is one transaction as seen by a host observer. Changes holds the
// ids of the observed attributes the transaction changed.
type TxReport struct {
	TxID    uint64
	Changes *List[eav.Entid]
}

// ObserverFunc receives the reports for key
type ObserverFunc func(key string, reports *List[TxReport])

// Result is the outcome of a sync. Err is empty on success.
type Result struct {
	Err string
}

// OK reports whether the call succeeded
func (r Result) OK() bool { return r.Err == "" }

// Option configures a Bridge
type Option func(*Bridge)

// WithStoreOptions passes options to every store the bridge opens
func WithStoreOptions(opts ...storage.Option) Option {
	return func(b *Bridge) { b.storeOpts = append(b.storeOpts, opts...) }
}

// WithSyncOptions passes options to every sync engine the bridge creates
func WithSyncOptions(opts ...syncer.Option) Option {
	return func(b *Bridge) { b.syncOpts = append(b.syncOpts, opts...) }
}

// WithSyncTimeout bounds a single sync call
func WithSyncTimeout(d time.Duration) Option {
	return func(b *Bridge) { b.syncTimeout = d }
}

// WithLogger sets the logger used for bridge calls
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) {
		if l != nil {
			b.log = l
		}
	}
}

// Bridge maps handles to open stores
type Bridge struct {
	arena       *Arena
	storeOpts   []storage.Option
	syncOpts    []syncer.Option
	syncTimeout time.Duration
	log         *slog.Logger
}

// New creates a bridge with no open stores
func New(opts ...Option) *Bridge {
	b := &Bridge{arena: NewArena(), log: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type hostStore struct {
	store  *storage.Store
	engine *syncer.Engine
}

func (h *hostStore) Close() error {
	return h.store.Close()
}

// Open opens the store at uri and returns its handle
func (b *Bridge) Open(uri string) (Handle, error) {
	s, err := storage.Open(uri, b.storeOpts...)
	if err != nil {
		return 0, err
	}
	h := b.arena.Put(&hostStore{store: s, engine: syncer.New(s, b.syncOpts...)})
	b.log.Debug("bridge store opened", "handle", h, "uri", uri)
	return h, nil
}

// Destroy releases the host's reference to h. The store is closed once no
// call is using it.
func (b *Bridge) Destroy(h Handle) error {
	return b.arena.Release(h)
}

// With runs fn with the store behind h, keeping it open for the duration
func (b *Bridge) With(h Handle, fn func(*storage.Store) error) error {
	return b.with(h, func(hs *hostStore) error { return fn(hs.store) })
}

func (b *Bridge) with(h Handle, fn func(*hostStore) error) error {
	if err := b.arena.Retain(h); err != nil {
		return err
	}
	defer func() {
		if err := b.arena.Release(h); err != nil {
			b.log.Warn("failed to close store", "handle", h, "err", err)
		}
	}()
	obj, ok := b.arena.Get(h)
	if !ok {
		return fmt.Errorf("%w: %d", ErrInvalidHandle, h)
	}
	hs, ok := obj.(*hostStore)
	if !ok {
		return fmt.Errorf("%w: %d is not a store", ErrInvalidHandle, h)
	}
	return fn(hs)
}

// EntidForAttribute returns the id of the named attribute, registering it
// if the store has not seen it
func (b *Bridge) EntidForAttribute(h Handle, name string) (eav.Entid, error) {
	var id eav.Entid
	err := b.with(h, func(hs *hostStore) error {
		var err error
		id, err = hs.store.EntidForAttribute(name)
		return err
	})
	return id, err
}

// RegisterObserver subscribes fn to commits that change any of the named
// attributes, replacing an earlier subscription under key
func (b *Bridge) RegisterObserver(h Handle, key string, attributes []string, fn ObserverFunc) error {
	return b.with(h, func(hs *hostStore) error {
		if fn == nil {
			hs.store.UnregisterObserver(key)
			return nil
		}
		ids := make([]eav.Entid, 0, len(attributes))
		for _, name := range attributes {
			id, err := hs.store.EntidForAttribute(name)
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		hs.store.RegisterObserver(key, ids, func(key string, reports []observer.Report) {
			fn(key, marshalReports(reports))
		})
		return nil
	})
}

// UnregisterObserver removes the subscription under key
func (b *Bridge) UnregisterObserver(h Handle, key string) error {
	return b.with(h, func(hs *hostStore) error {
		hs.store.UnregisterObserver(key)
		return nil
	})
}

// Sync reconciles the store with remote for user. It returns once the
// cycle has finished.
func (b *Bridge) Sync(h Handle, user, remote string) Result {
	u, err := uuid.Parse(user)
	if err != nil {
		return Result{Err: fmt.Sprintf("invalid user identity %q: %v", user, err)}
	}
	err = b.with(h, func(hs *hostStore) error {
		ctx := context.Background()
		if b.syncTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, b.syncTimeout)
			defer cancel()
		}
		_, err := hs.engine.Sync(ctx, u, remote)
		return err
	})
	if err != nil {
		return Result{Err: err.Error()}
	}
	return Result{}
}

func marshalReports(reports []observer.Report) *List[TxReport] {
	out := &List[TxReport]{}
	for _, r := range reports {
		out.Append(TxReport{TxID: r.TxID, Changes: NewList(r.Attributes...)})
	}
	return out
}
