package storage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/wbrown/janus-eav/eav"
	"github.com/wbrown/janus-eav/eav/metrics"
	"github.com/wbrown/janus-eav/eav/observer"
)

// ErrNotFound is returned when an entity id was never allocated
var ErrNotFound = errors.New("storage: entity not found")

const (
	metaPeer    = "peer"
	metaEntid   = "entid"
	metaClock   = "clock"
	metaInstant = "instant"
)

// Store is the embedded EAV database: an append-only transaction log with
// datom indexes, an attribute registry and the observer registry.
type Store struct {
	db        *badger.DB
	uri       string
	peer      uuid.UUID
	log       *slog.Logger
	metrics   *metrics.Metrics
	observers *observer.Registry
	now       func() time.Time

	// commitMu serializes id allocation and badger commits. Observer
	// scheduling happens under it too, so reports go out in txid order.
	commitMu    sync.Mutex
	nextEntid   eav.Entid
	clock       uint64
	lastInstant time.Time

	// viewMu makes head publication atomic with respect to snapshot creation
	viewMu sync.RWMutex
	head   uint64

	regMu       sync.RWMutex
	attrsByID   map[eav.Entid]eav.Attribute
	attrsByName map[string]eav.Entid

	uuids  *lru.Cache[eav.Entid, uuid.UUID]
	entids *lru.Cache[uuid.UUID, eav.Entid]

	mu       sync.Mutex
	activeTx map[*Transaction]bool
	closed   atomic.Bool
}

// Open opens the store at uri. An empty uri or ":memory:" opens an
// in-memory store, "file://path" or a bare path opens a badger directory.
func Open(uri string, opts ...Option) (*Store, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	db, err := openBadger(uri, o.syncWrites)
	if err != nil {
		return nil, err
	}

	uuids, err := lru.New[eav.Entid, uuid.UUID](o.cacheSize)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create uuid cache: %w", err)
	}
	entids, err := lru.New[uuid.UUID, eav.Entid](o.cacheSize)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create entid cache: %w", err)
	}

	s := &Store{
		db:      db,
		uri:     uri,
		log:     o.logger,
		metrics: o.metrics,
		observers: observer.NewRegistry(
			observer.WithLogger(o.logger),
			observer.WithMetrics(o.metrics),
			observer.WithDeliveryTimeout(o.deliveryTimeout),
		),
		now:         o.clock,
		nextEntid:   1,
		attrsByID:   make(map[eav.Entid]eav.Attribute),
		attrsByName: make(map[string]eav.Entid),
		uuids:       uuids,
		entids:      entids,
		activeTx:    make(map[*Transaction]bool),
	}

	if err := s.recover(); err != nil {
		s.observers.Close()
		db.Close()
		return nil, err
	}
	s.log.Debug("store opened", "uri", uri, "peer", s.peer, "head", s.head, "attributes", len(s.attrsByID))
	return s, nil
}

// recover loads identity, counters, head and the attribute table
func (s *Store) recover() error {
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey(metaPeer))
		switch {
		case err == badger.ErrKeyNotFound:
			s.peer = uuid.New()
			if err := txn.Set(metaKey(metaPeer), s.peer[:]); err != nil {
				return fmt.Errorf("failed to write peer id: %w", err)
			}
		case err != nil:
			return fmt.Errorf("failed to read peer id: %w", err)
		default:
			if err := item.Value(func(val []byte) error {
				s.peer, err = uuid.FromBytes(val)
				return err
			}); err != nil {
				return fmt.Errorf("corrupt peer id: %w", err)
			}
		}

		if v, ok, err := readMetaUint(txn, metaEntid); err != nil {
			return err
		} else if ok {
			s.nextEntid = eav.Entid(v)
		}
		if v, ok, err := readMetaUint(txn, metaClock); err != nil {
			return err
		} else if ok {
			s.clock = v
		}
		if v, ok, err := readMetaUint(txn, metaInstant); err != nil {
			return err
		} else if ok {
			s.lastInstant = time.Unix(0, int64(v)).UTC()
		}

		head, err := lastLogTx(txn)
		if err != nil {
			return err
		}
		s.head = head

		return s.loadAttributes(txn)
	})
}

func lastLogTx(txn *badger.Txn) (uint64, error) {
	opts := badger.DefaultIteratorOptions
	opts.Reverse = true
	opts.PrefetchValues = false
	opts.Prefix = []byte{prefixLog}
	it := txn.NewIterator(opts)
	defer it.Close()

	it.Seek(concatBytes([]byte{prefixLog}, bytes.Repeat([]byte{0xFF}, txSize+1)))
	if !it.Valid() {
		return 0, nil
	}
	key := it.Item().Key()
	if len(key) != 1+txSize {
		return 0, fmt.Errorf("malformed log key %x", key)
	}
	return binary.BigEndian.Uint64(key[1:]), nil
}

func readMetaUint(txn *badger.Txn, name string) (uint64, bool, error) {
	item, err := txn.Get(metaKey(name))
	if err == badger.ErrKeyNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read %s counter: %w", name, err)
	}
	var v uint64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("%s counter has %d bytes", name, len(val))
		}
		v = binary.BigEndian.Uint64(val)
		return nil
	})
	return v, err == nil, err
}

func setMetaUint(txn *badger.Txn, name string, v uint64) error {
	return txn.Set(metaKey(name), txBytes(v))
}

// Head returns the txid of the latest committed transaction, 0 if none
func (s *Store) Head() uint64 {
	s.viewMu.RLock()
	defer s.viewMu.RUnlock()
	return s.head
}

// Peer returns the identity this store stamps its own transactions with
func (s *Store) Peer() uuid.UUID {
	return s.peer
}

// URI returns the uri the store was opened with
func (s *Store) URI() string {
	return s.uri
}

// Logger returns the store's logger
func (s *Store) Logger() *slog.Logger {
	return s.log
}

// Metrics returns the store's collectors, possibly nil
func (s *Store) Metrics() *metrics.Metrics {
	return s.metrics
}

// Observers returns the registry that receives this store's commits
func (s *Store) Observers() *observer.Registry {
	return s.observers
}

// RegisterObserver subscribes cb to commits that change any of attrs,
// replacing any prior subscription under key
func (s *Store) RegisterObserver(key string, attrs []eav.Entid, cb observer.Callback) {
	s.observers.Register(key, attrs, cb)
}

// UnregisterObserver removes the subscription under key
func (s *Store) UnregisterObserver(key string) {
	s.observers.Unregister(key)
}

// UUIDOf returns the external identity of an entity
func (s *Store) UUIDOf(e eav.Entid) (uuid.UUID, bool, error) {
	if u, ok := s.uuids.Get(e); ok {
		return u, true, nil
	}
	var u uuid.UUID
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		u, err = readEntityUUID(txn, e)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("failed to read entity %d: %w", e, err)
	}
	s.remember(e, u)
	return u, true, nil
}

// EntidOf returns the local entity named by an external identity
func (s *Store) EntidOf(u uuid.UUID) (eav.Entid, bool, error) {
	if e, ok := s.entids.Get(u); ok {
		return e, true, nil
	}
	var e eav.Entid
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(uuidKey(u))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			e = eav.Entid(binary.BigEndian.Uint64(val))
			return nil
		})
	})
	if err == badger.ErrKeyNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to resolve uuid %s: %w", u, err)
	}
	s.remember(e, u)
	return e, true, nil
}

func readEntityUUID(txn *badger.Txn, e eav.Entid) (uuid.UUID, error) {
	item, err := txn.Get(entityKey(e))
	if err != nil {
		return uuid.Nil, err
	}
	var u uuid.UUID
	err = item.Value(func(val []byte) error {
		u, err = uuid.FromBytes(val)
		return err
	})
	return u, err
}

func (s *Store) remember(e eav.Entid, u uuid.UUID) {
	s.uuids.Add(e, u)
	s.entids.Add(u, e)
}

// NewTransaction starts a new write transaction
func (s *Store) NewTransaction() *Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &Transaction{
		store: s,
		uuids: make(map[eav.TempID]uuid.UUID),
	}
	s.activeTx[tx] = true
	return tx
}

func (s *Store) forget(tx *Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.activeTx, tx)
}

// Close rolls back open transactions, stops observer delivery and closes
// the database
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	s.mu.Lock()
	active := make([]*Transaction, 0, len(s.activeTx))
	for tx := range s.activeTx {
		active = append(active, tx)
	}
	s.mu.Unlock()

	// Rollback any active transactions
	for _, tx := range active {
		tx.Rollback()
	}

	s.observers.Close()

	// Wait for an in-flight commit to finish before closing badger
	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	return s.db.Close()
}
