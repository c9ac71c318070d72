package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wbrown/janus-eav/eav"
)

// Resolver decides whether an incoming write to a cardinality-one attribute
// wins against the last write the store holds for the same (entity,
// attribute). Returning false drops the incoming fact.
type Resolver func(incoming, existing eav.WriteStamp) bool

// Origin marks a transaction as replayed from another peer
type Origin struct {
	Stamp    eav.Stamp // identity the transaction was first committed under
	Source   string    // remote key the transaction was fetched from
	Position uint64    // position in that remote's log
	Cursor   string    // cursor to advance in the same commit, if set
	Through  uint64    // position the cursor advances to, Position if zero
}

// TxReport describes a committed transaction
type TxReport struct {
	TxID    uint64
	Stamp   eav.Stamp
	TempIDs map[eav.TempID]eav.Entid
	Datoms  []eav.Datom
	// Dropped holds the facts the resolver rejected
	Dropped []eav.Datom
	// Duplicate is set when the transaction had already been applied; TxID
	// is then the local txid it was applied under
	Duplicate bool
}

type op struct {
	e     eav.EntityRef
	a     eav.Entid
	v     eav.Value
	added bool
}

type expectation struct {
	e eav.Entid
	a eav.Entid
	v eav.Value
}

// Transaction represents a write transaction. Operations are buffered and
// validated at commit.
type Transaction struct {
	store    *Store
	ops      []op
	entities []eav.Entid // RetractEntity targets
	expects  []expectation
	basis    uint64
	uuids    map[eav.TempID]uuid.UUID
	origin   *Origin
	resolve  Resolver
	mu       sync.Mutex
	closed   bool
}

// Add asserts a fact
func (t *Transaction) Add(e eav.EntityRef, a eav.Entid, v eav.Value) error {
	return t.push(op{e: e, a: a, v: v, added: true})
}

// Retract retracts a fact
func (t *Transaction) Retract(e eav.Entid, a eav.Entid, v eav.Value) error {
	return t.push(op{e: e, a: a, v: v})
}

func (t *Transaction) push(o op) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return fmt.Errorf("transaction is closed")
	}
	t.ops = append(t.ops, o)
	return nil
}

// RetractEntity retracts every current fact of e
func (t *Transaction) RetractEntity(e eav.Entid) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return fmt.Errorf("transaction is closed")
	}
	t.entities = append(t.entities, e)
	return nil
}

// Expect adds an optimistic precondition: at commit the current value of
// (e, a) must equal v. A nil v requires that (e, a) has no value. For
// cardinality-many attributes v must be one of the current values.
func (t *Transaction) Expect(e, a eav.Entid, v eav.Value) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.expects = append(t.expects, expectation{e: e, a: a, v: v})
}

// SetBasis adds an optimistic precondition: no transaction after txID may
// have written any (entity, attribute) pair this transaction writes
func (t *Transaction) SetBasis(txID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.basis = txID
}

// Identify gives the entity created for temp a known external identity
// instead of a random one
func (t *Transaction) Identify(temp eav.TempID, u uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.uuids[temp] = u
}

// SetOrigin marks the transaction as replayed from another peer. resolve is
// consulted for every cardinality-one write that meets an existing one.
func (t *Transaction) SetOrigin(o Origin, resolve Resolver) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.origin = &o
	t.resolve = resolve
}

// Rollback discards the transaction
func (t *Transaction) Rollback() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	t.ops = nil
	t.entities = nil
	t.expects = nil
	t.store.forget(t)
}

// Commit validates and applies the transaction atomically
func (t *Transaction) Commit(ctx context.Context) (*TxReport, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, eav.Invalid("transaction is closed")
	}
	t.closed = true
	defer t.store.forget(t)

	start := time.Now()
	report, err := t.store.commit(ctx, t)
	if err != nil {
		t.store.metrics.CommitFailed(errorKind(err))
		return nil, err
	}
	t.store.metrics.CommitSucceeded(time.Since(start).Seconds())
	return report, nil
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, eav.ErrValidation):
		return "validation"
	case errors.Is(err, eav.ErrConcurrency):
		return "concurrency"
	case errors.Is(err, eav.ErrClosed):
		return "closed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "storage"
	}
}
