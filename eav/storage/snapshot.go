package storage

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/wbrown/janus-eav/eav"
)

// Entity is the current fact set of one entity as of a snapshot
type Entity struct {
	ID    eav.Entid
	UUID  uuid.UUID
	TxID  uint64 // snapshot the entity was read at
	attrs map[eav.Entid][]eav.Value
}

// Get returns the value of a cardinality-one attribute, or the first value
// of a cardinality-many attribute
func (e *Entity) Get(a eav.Entid) (eav.Value, bool) {
	vs := e.attrs[a]
	if len(vs) == 0 {
		return nil, false
	}
	return vs[0], true
}

// Values returns every current value of a
func (e *Entity) Values(a eav.Entid) []eav.Value {
	return e.attrs[a]
}

// Attributes returns the attributes with at least one current value, ascending
func (e *Entity) Attributes() []eav.Entid {
	attrs := make([]eav.Entid, 0, len(e.attrs))
	for a := range e.attrs {
		attrs = append(attrs, a)
	}
	sort.Slice(attrs, func(i, j int) bool { return attrs[i] < attrs[j] })
	return attrs
}

// Empty reports whether the entity has no current facts
func (e *Entity) Empty() bool {
	return len(e.attrs) == 0
}

// Snapshot is a consistent read view pinned at one transaction. Writers are
// never blocked by an open snapshot.
type Snapshot struct {
	store    *Store
	txn      *badger.Txn
	txID     uint64
	mu       sync.Mutex
	released bool
}

// Snapshot captures the current head
func (s *Store) Snapshot() (*Snapshot, error) {
	if s.closed.Load() {
		return nil, eav.ErrClosed
	}
	s.viewMu.RLock()
	txn := s.db.NewTransaction(false)
	head := s.head
	s.viewMu.RUnlock()
	return &Snapshot{store: s, txn: txn, txID: head}, nil
}

// AsOf returns a snapshot that only sees transactions up to txID
func (s *Store) AsOf(txID uint64) (*Snapshot, error) {
	sn, err := s.Snapshot()
	if err != nil {
		return nil, err
	}
	if txID < sn.txID {
		sn.txID = txID
	}
	return sn, nil
}

// Read returns the current fact set of e
func (s *Store) Read(ctx context.Context, e eav.Entid) (*Entity, error) {
	sn, err := s.Snapshot()
	if err != nil {
		return nil, err
	}
	defer sn.Release()
	return sn.Read(ctx, e)
}

// TxID returns the transaction the snapshot is pinned at
func (sn *Snapshot) TxID() uint64 {
	return sn.txID
}

// Release discards the snapshot. Safe to call more than once.
func (sn *Snapshot) Release() {
	sn.mu.Lock()
	defer sn.mu.Unlock()
	if !sn.released {
		sn.released = true
		sn.txn.Discard()
	}
}

func (sn *Snapshot) acquire() error {
	sn.mu.Lock()
	if sn.released {
		sn.mu.Unlock()
		return eav.Invalid("snapshot released")
	}
	return nil
}

// Read returns the fact set of e as of the snapshot
func (sn *Snapshot) Read(ctx context.Context, e eav.Entid) (*Entity, error) {
	if err := sn.acquire(); err != nil {
		return nil, err
	}
	defer sn.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	u, err := readEntityUUID(sn.txn, e)
	if err == badger.ErrKeyNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	attrs, err := sn.store.entityState(sn.txn, e, sn.txID)
	if err != nil {
		return nil, err
	}
	if len(attrs) == 0 {
		// An entity allocated after an AsOf snapshot's txid
		existed, err := existedAt(sn.txn, e, sn.txID)
		if err != nil {
			return nil, err
		}
		if !existed {
			return nil, ErrNotFound
		}
	}
	return &Entity{ID: e, UUID: u, TxID: sn.txID, attrs: attrs}, nil
}

// existedAt reports whether e has any datom with tx <= limit
func existedAt(txn *badger.Txn, e eav.Entid, limit uint64) (bool, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = EncodePrefix(EAVT, entidBytes(e))
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		d, err := DecodeKey(EAVT, it.Item().Key())
		if err != nil {
			return false, err
		}
		if d.Tx <= limit {
			return true, nil
		}
	}
	return false, nil
}

// Values returns the values of (e, a) as of the snapshot
func (sn *Snapshot) Values(e, a eav.Entid) ([]eav.Value, error) {
	if err := sn.acquire(); err != nil {
		return nil, err
	}
	defer sn.mu.Unlock()
	return sn.store.pairState(sn.txn, e, a, sn.txID)
}

// EntitiesWith returns the entities that currently have a value for a
func (sn *Snapshot) EntitiesWith(ctx context.Context, a eav.Entid) ([]eav.Entid, error) {
	if err := sn.acquire(); err != nil {
		return nil, err
	}
	defer sn.mu.Unlock()

	card := sn.store.cardinality(a)
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = EncodePrefix(AEVT, entidBytes(a))
	it := sn.txn.NewIterator(opts)
	defer it.Close()

	var result []eav.Entid
	var group []eav.Datom
	flush := func() {
		if len(group) > 0 && len(replay(group, card)) > 0 {
			result = append(result, group[0].E)
		}
		group = group[:0]
	}
	for it.Rewind(); it.Valid(); it.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		d, err := DecodeKey(AEVT, it.Item().Key())
		if err != nil {
			return nil, err
		}
		if d.Tx > sn.txID {
			continue
		}
		if len(group) > 0 && group[0].E != d.E {
			flush()
		}
		group = append(group, d)
	}
	flush()
	return result, nil
}

// Lookup finds the entity that currently holds v for a. When several do,
// the lowest entid wins.
func (sn *Snapshot) Lookup(a eav.Entid, v eav.Value) (eav.Entid, bool, error) {
	if err := sn.acquire(); err != nil {
		return 0, false, err
	}
	defer sn.mu.Unlock()

	v = eav.Normalize(v)
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = EncodePrefix(AVET, entidBytes(a), eav.TypedValueBytes(v))
	it := sn.txn.NewIterator(opts)

	var candidates []eav.Entid
	seen := make(map[eav.Entid]bool)
	for it.Rewind(); it.Valid(); it.Next() {
		d, err := DecodeKey(AVET, it.Item().Key())
		if err != nil {
			it.Close()
			return 0, false, err
		}
		if d.Tx > sn.txID || !d.Added || seen[d.E] || !eav.ValuesEqual(d.V, v) {
			continue
		}
		seen[d.E] = true
		candidates = append(candidates, d.E)
	}
	it.Close()

	sort.Slice(candidates, func(i, j int) bool { return candidates[i] < candidates[j] })
	for _, e := range candidates {
		vals, err := sn.store.pairState(sn.txn, e, a, sn.txID)
		if err != nil {
			return 0, false, err
		}
		if containsValue(vals, v) {
			return e, true, nil
		}
	}
	return 0, false, nil
}

func (s *Store) cardinality(a eav.Entid) eav.Cardinality {
	if attr, ok := s.Attribute(a); ok {
		return attr.Cardinality
	}
	return eav.CardinalityOne
}

// pairState folds the history of (e, a) up to limit into its current values
func (s *Store) pairState(txn *badger.Txn, e, a eav.Entid, limit uint64) ([]eav.Value, error) {
	history, err := scanEAVT(txn, EncodePrefix(EAVT, entidBytes(e), entidBytes(a)), limit)
	if err != nil {
		return nil, err
	}
	return replay(history, s.cardinality(a)), nil
}

// entityState folds the history of every attribute of e up to limit
func (s *Store) entityState(txn *badger.Txn, e eav.Entid, limit uint64) (map[eav.Entid][]eav.Value, error) {
	history, err := scanEAVT(txn, EncodePrefix(EAVT, entidBytes(e)), limit)
	if err != nil {
		return nil, err
	}
	attrs := make(map[eav.Entid][]eav.Value)
	start := 0
	for i := 1; i <= len(history); i++ {
		if i < len(history) && history[i].A == history[start].A {
			continue
		}
		a := history[start].A
		if vals := replay(history[start:i], s.cardinality(a)); len(vals) > 0 {
			attrs[a] = vals
		}
		start = i
	}
	return attrs, nil
}

// scanEAVT returns the datoms under an EAVT prefix with tx <= limit, in key
// order: attribute, then transaction, retractions before assertions
func scanEAVT(txn *badger.Txn, prefix []byte, limit uint64) ([]eav.Datom, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var datoms []eav.Datom
	for it.Rewind(); it.Valid(); it.Next() {
		d, err := DecodeKey(EAVT, it.Item().Key())
		if err != nil {
			return nil, err
		}
		if d.Tx > limit {
			continue
		}
		datoms = append(datoms, d)
	}
	return datoms, nil
}

// replay applies the history of one (entity, attribute) pair in order. A
// cardinality-one assertion replaces the current value, a retraction clears
// it only if it names that value. Cardinality-many keeps a set.
func replay(history []eav.Datom, card eav.Cardinality) []eav.Value {
	if card == eav.CardinalityOne {
		var cur eav.Value
		has := false
		for _, d := range history {
			switch {
			case d.Added:
				cur, has = d.V, true
			case has && eav.ValuesEqual(cur, d.V):
				cur, has = nil, false
			}
		}
		if !has {
			return nil
		}
		return []eav.Value{cur}
	}

	set := make(map[string]eav.Value)
	for _, d := range history {
		k := string(eav.TypedValueBytes(d.V))
		if d.Added {
			set[k] = d.V
		} else {
			delete(set, k)
		}
	}
	if len(set) == 0 {
		return nil
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	vals := make([]eav.Value, len(keys))
	for i, k := range keys {
		vals[i] = set[k]
	}
	return vals
}

func containsValue(vals []eav.Value, v eav.Value) bool {
	for _, x := range vals {
		if eav.ValuesEqual(x, v) {
			return true
		}
	}
	return false
}

// unbounded is the replay limit that sees every committed transaction
const unbounded = math.MaxUint64
