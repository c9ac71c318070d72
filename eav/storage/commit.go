package storage

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/wbrown/janus-eav/eav"
	"github.com/wbrown/janus-eav/eav/observer"
)

// pairKey identifies an (entity, attribute) pair inside a batch. The entity
// is either an Entid or a TempID.
type pairKey struct {
	e eav.EntityRef
	a eav.Entid
}

// pair collects everything a batch does to one (entity, attribute)
type pair struct {
	e        eav.EntityRef
	attr     eav.Attribute
	ops      []op
	current  []eav.Value
	writer   *eav.WriteStamp
	kept     []op        // surviving operations, retractions first
	released []eav.Value // unique values retracted by this entity
	replaced []eav.Value // unique values superseded by a kept assertion
}

// batch is a transaction being committed. prepare runs before the commit
// lock is taken; every key it reads through txn takes part in badger's
// conflict detection.
type batch struct {
	store   *Store
	txn     *badger.Txn
	t       *Transaction
	pairs   map[pairKey]*pair
	order   []pairKey
	temps   []eav.TempID
	tempSet map[eav.TempID]bool
	known   map[eav.Entid]bool
	dropped []op
}

func (s *Store) commit(ctx context.Context, t *Transaction) (*TxReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, eav.ErrClosed
	}
	if len(t.ops) == 0 && len(t.entities) == 0 && t.origin == nil {
		return nil, eav.Invalid("empty transaction")
	}

	txn := s.db.NewTransaction(true)
	defer txn.Discard()

	b := &batch{
		store:   s,
		txn:     txn,
		t:       t,
		pairs:   make(map[pairKey]*pair),
		tempSet: make(map[eav.TempID]bool),
		known:   make(map[eav.Entid]bool),
	}
	if err := b.prepare(ctx); err != nil {
		return nil, err
	}

	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	if s.closed.Load() {
		return nil, eav.ErrClosed
	}
	return b.apply()
}

func (b *batch) prepare(ctx context.Context) error {
	for _, o := range b.t.ops {
		if err := b.addOp(o); err != nil {
			return err
		}
	}
	for _, e := range b.t.entities {
		if err := b.expandEntity(e); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.checkIdentities(); err != nil {
		return err
	}
	for _, k := range b.order {
		if err := b.resolvePair(b.pairs[k]); err != nil {
			return err
		}
	}
	if err := b.checkExpectations(); err != nil {
		return err
	}
	return b.checkUnique()
}

func (b *batch) addOp(o op) error {
	attr, ok := b.store.Attribute(o.a)
	if !ok {
		return &eav.ValidationError{Attribute: o.a, Reason: "unknown attribute"}
	}
	if o.v == nil {
		return &eav.ValidationError{Attribute: o.a, Reason: "missing value"}
	}
	if err := attr.Accepts(o.v); err != nil {
		return &eav.ValidationError{Attribute: o.a, Reason: err.Error()}
	}
	o.v = eav.Normalize(o.v)

	switch e := o.e.(type) {
	case eav.TempID:
		if !o.added {
			return &eav.ValidationError{Attribute: o.a, Reason: fmt.Sprintf("cannot retract from new entity %q", e)}
		}
		b.addTemp(e)
	case eav.Entid:
		if err := b.checkEntity(e); err != nil {
			return err
		}
	default:
		return &eav.ValidationError{Attribute: o.a, Reason: "missing entity"}
	}

	switch v := o.v.(type) {
	case eav.TempID:
		if !o.added {
			return &eav.ValidationError{Attribute: o.a, Reason: fmt.Sprintf("cannot retract a reference to new entity %q", v)}
		}
		b.addTemp(v)
	case eav.Entid:
		if err := b.checkEntity(v); err != nil {
			return err
		}
	}

	p := b.pairFor(o.e, attr)
	p.ops = append(p.ops, o)
	return nil
}

func (b *batch) pairFor(e eav.EntityRef, attr eav.Attribute) *pair {
	k := pairKey{e: e, a: attr.ID}
	p, ok := b.pairs[k]
	if !ok {
		p = &pair{e: e, attr: attr}
		b.pairs[k] = p
		b.order = append(b.order, k)
	}
	return p
}

func (b *batch) addTemp(t eav.TempID) {
	if !b.tempSet[t] {
		b.tempSet[t] = true
		b.temps = append(b.temps, t)
	}
}

// checkEntity fails unless e was allocated as an entity. Entities are never
// deleted, so a cached uuid proves existence.
func (b *batch) checkEntity(e eav.Entid) error {
	if b.known[e] {
		return nil
	}
	if _, ok := b.store.uuids.Get(e); !ok {
		u, err := readEntityUUID(b.txn, e)
		if err == badger.ErrKeyNotFound {
			return &eav.ValidationError{Entity: e, Reason: "unknown entity"}
		}
		if err != nil {
			return fmt.Errorf("failed to read entity %d: %w", e, err)
		}
		b.store.remember(e, u)
	}
	b.known[e] = true
	return nil
}

// expandEntity turns RetractEntity into retractions of every current fact
func (b *batch) expandEntity(e eav.Entid) error {
	if err := b.checkEntity(e); err != nil {
		return err
	}
	state, err := b.store.entityState(b.txn, e, unbounded)
	if err != nil {
		return fmt.Errorf("failed to read entity %d: %w", e, err)
	}
	attrs := make([]eav.Entid, 0, len(state))
	for a := range state {
		attrs = append(attrs, a)
	}
	sort.Slice(attrs, func(i, j int) bool { return attrs[i] < attrs[j] })
	for _, a := range attrs {
		attr, ok := b.store.Attribute(a)
		if !ok {
			return fmt.Errorf("entity %d holds unregistered attribute %d", e, a)
		}
		p := b.pairFor(e, attr)
		for _, v := range state[a] {
			p.ops = append(p.ops, op{e: e, a: a, v: v})
		}
	}
	return nil
}

func (b *batch) checkIdentities() error {
	claimed := make(map[uuid.UUID]eav.TempID)
	for temp, u := range b.t.uuids {
		if !b.tempSet[temp] {
			continue
		}
		if other, ok := claimed[u]; ok {
			return eav.Invalid("new entities %q and %q share uuid %s", other, temp, u)
		}
		claimed[u] = temp
		_, err := b.txn.Get(uuidKey(u))
		if err == nil {
			return eav.Invalid("uuid %s already names an entity", u)
		}
		if err != badger.ErrKeyNotFound {
			return fmt.Errorf("failed to check uuid %s: %w", u, err)
		}
	}
	return nil
}

// resolvePair loads the pair's current state, checks the basis, applies the
// resolver and drops operations that would change nothing
func (b *batch) resolvePair(p *pair) error {
	if e, ok := p.e.(eav.Entid); ok {
		var err error
		if p.current, err = b.store.pairState(b.txn, e, p.attr.ID, unbounded); err != nil {
			return fmt.Errorf("failed to read %d/%s: %w", e, p.attr.Name, err)
		}
		if p.writer, err = readWriter(b.txn, e, p.attr.ID); err != nil {
			return err
		}
		if b.t.basis > 0 && p.writer != nil && p.writer.Tx > b.t.basis {
			return &eav.ConcurrencyError{
				Entity:    e,
				Attribute: p.attr.ID,
				Basis:     b.t.basis,
				Winner:    p.writer.Tx,
				Reason:    "fact changed after basis",
			}
		}
	}

	one := p.attr.Cardinality == eav.CardinalityOne
	var asserted eav.Value
	for _, o := range p.ops {
		if !o.added || !one {
			continue
		}
		if asserted != nil && !eav.ValuesEqual(asserted, o.v) {
			return &eav.ValidationError{
				Entity:    entidOrZero(p.e),
				Attribute: p.attr.ID,
				Reason:    fmt.Sprintf("conflicting assertions %s and %s", eav.FormatValue(asserted), eav.FormatValue(o.v)),
			}
		}
		asserted = o.v
	}

	// won is set when a replayed write beat the pair's last writer; the pair
	// then ends up as the writing peer left it
	won := false
	if one && p.writer != nil && b.t.origin != nil && b.t.resolve != nil {
		incoming := eav.WriteStamp{Instant: b.t.origin.Stamp.Instant, Peer: b.t.origin.Stamp.Peer}
		if !b.t.resolve(incoming, *p.writer) {
			b.dropped = append(b.dropped, p.ops...)
			return nil
		}
		won = true
	}

	state := append([]eav.Value(nil), p.current...)
	for _, o := range p.ops {
		if o.added {
			continue
		}
		i := indexOf(state, o.v)
		if i < 0 && won && len(state) > 0 {
			// The writer retracted a value this store has since replaced
			o.v, i = state[0], 0
		}
		if i >= 0 {
			state = append(state[:i], state[i+1:]...)
			p.kept = append(p.kept, o)
			if p.attr.Unique == eav.UniqueValue {
				p.released = append(p.released, o.v)
			}
		}
	}
	done := make(map[string]bool)
	for _, o := range p.ops {
		if !o.added {
			continue
		}
		k := string(eav.TypedValueBytes(o.v))
		if done[k] || indexOf(state, o.v) >= 0 && (!one || len(state) == 1) {
			continue
		}
		done[k] = true
		if one {
			if p.attr.Unique == eav.UniqueValue {
				p.replaced = append(p.replaced, state...)
			}
			state = []eav.Value{o.v}
		} else {
			state = append(state, o.v)
		}
		p.kept = append(p.kept, o)
	}
	return nil
}

func (b *batch) checkExpectations() error {
	for _, x := range b.t.expects {
		attr, ok := b.store.Attribute(x.a)
		if !ok {
			return &eav.ValidationError{Attribute: x.a, Reason: "unknown attribute"}
		}
		if err := b.checkEntity(x.e); err != nil {
			return err
		}
		current, err := b.store.pairState(b.txn, x.e, x.a, unbounded)
		if err != nil {
			return fmt.Errorf("failed to read %d/%s: %w", x.e, attr.Name, err)
		}
		writer, err := readWriter(b.txn, x.e, x.a)
		if err != nil {
			return err
		}

		var holds bool
		switch {
		case x.v == nil:
			holds = len(current) == 0
		case attr.Cardinality == eav.CardinalityOne:
			holds = len(current) == 1 && eav.ValuesEqual(current[0], eav.Normalize(x.v))
		default:
			holds = containsValue(current, eav.Normalize(x.v))
		}
		if !holds {
			cerr := &eav.ConcurrencyError{
				Entity:    x.e,
				Attribute: x.a,
				Basis:     b.t.basis,
				Reason:    fmt.Sprintf("expected %s", eav.FormatValue(x.v)),
			}
			if writer != nil {
				cerr.Winner = writer.Tx
			}
			return cerr
		}
	}
	return nil
}

// checkUnique enforces that no two entities hold one unique value. Claims
// are read through txn, so two commits racing for one value conflict.
func (b *batch) checkUnique() error {
	releasing := make(map[string]eav.Entid)
	for _, k := range b.order {
		p := b.pairs[k]
		e, ok := p.e.(eav.Entid)
		if !ok {
			continue
		}
		for _, v := range append(p.released, p.replaced...) {
			releasing[string(uniqueKey(p.attr.ID, v))] = e
		}
	}

	claims := make(map[string]eav.EntityRef)
	for _, k := range b.order {
		p := b.pairs[k]
		if p.attr.Unique != eav.UniqueValue {
			continue
		}
		kept := p.kept[:0]
		for _, o := range p.kept {
			if !o.added {
				kept = append(kept, o)
				continue
			}
			err := b.claim(claims, releasing, p, o)
			if err != nil && b.t.origin != nil && errors.Is(err, eav.ErrValidation) {
				// A replayed transaction loses the value to the local holder
				b.dropped = append(b.dropped, o)
				p.replaced = nil
				continue
			}
			if err != nil {
				return err
			}
			kept = append(kept, o)
		}
		p.kept = kept
	}
	return nil
}

func (b *batch) claim(claims map[string]eav.EntityRef, releasing map[string]eav.Entid, p *pair, o op) error {
	key := uniqueKey(p.attr.ID, o.v)
	if other, ok := claims[string(key)]; ok && other != p.e {
		return &eav.ValidationError{
			Attribute: p.attr.ID,
			Reason:    fmt.Sprintf("value %s asserted for two entities", eav.FormatValue(o.v)),
		}
	}
	owner, found, err := readClaim(b.txn, key)
	if err != nil {
		return err
	}
	if found && owner != p.e {
		if released, ok := releasing[string(key)]; !ok || released != owner {
			return &eav.ValidationError{
				Entity:    owner,
				Attribute: p.attr.ID,
				Reason:    fmt.Sprintf("value %s is already held by entity %d", eav.FormatValue(o.v), owner),
			}
		}
	}
	claims[string(key)] = p.e
	return nil
}

// apply allocates ids, writes the transaction and publishes it. Called with
// the commit lock held.
func (b *batch) apply() (*TxReport, error) {
	s := b.store
	t := b.t

	if t.origin != nil {
		if tx, seen, err := readSeen(b.txn, t.origin.Stamp); err != nil {
			return nil, err
		} else if seen {
			return b.applyDuplicate(tx)
		}
	}

	txID := s.head + 1
	report := &TxReport{TxID: txID, TempIDs: make(map[eav.TempID]eav.Entid, len(b.temps))}

	next := s.nextEntid
	newUUIDs := make(map[eav.Entid]uuid.UUID, len(b.temps))
	for _, temp := range b.temps {
		u, ok := t.uuids[temp]
		if !ok {
			u = uuid.New()
		}
		report.TempIDs[temp] = next
		newUUIDs[next] = u
		next++
	}

	clock := s.clock + 1
	instant := s.now().UTC()
	if !instant.After(s.lastInstant) {
		instant = s.lastInstant.Add(time.Nanosecond)
	}
	report.Stamp = eav.Stamp{Peer: s.peer, OriginTx: txID, Clock: clock, Instant: instant}
	rec := &TxRecord{TxID: txID}
	if t.origin != nil {
		report.Stamp = t.origin.Stamp
		clock = max(s.clock, t.origin.Stamp.Clock)
		instant = s.lastInstant
		if t.origin.Stamp.Instant.After(instant) {
			instant = t.origin.Stamp.Instant
		}
		rec.Source = t.origin.Source
		rec.RemoteSeq = t.origin.Position
	}
	rec.Stamp = report.Stamp

	resolve := func(o op) eav.Datom {
		d := eav.Datom{A: o.a, V: o.v, Tx: txID, Added: o.added}
		switch e := o.e.(type) {
		case eav.TempID:
			d.E = report.TempIDs[e]
		case eav.Entid:
			d.E = e
		}
		if temp, ok := o.v.(eav.TempID); ok {
			d.V = report.TempIDs[temp]
		}
		return d
	}

	ws := eav.WriteStamp{Tx: txID, Instant: report.Stamp.Instant, Peer: report.Stamp.Peer}
	for _, k := range b.order {
		p := b.pairs[k]
		if len(p.kept) == 0 {
			continue
		}
		var e eav.Entid
		for _, o := range p.kept {
			d := resolve(o)
			e = d.E
			report.Datoms = append(report.Datoms, d)
		}
		if err := b.txn.Set(writerKey(e, p.attr.ID), writeStampBytes(ws)); err != nil {
			return nil, fmt.Errorf("failed to write last writer: %w", err)
		}
		if err := b.writeClaims(p, e); err != nil {
			return nil, err
		}
	}
	for _, o := range b.dropped {
		report.Dropped = append(report.Dropped, resolve(o))
	}
	rec.Datoms = report.Datoms

	if err := b.write(rec, newUUIDs); err != nil {
		return nil, err
	}
	if err := setMetaUint(b.txn, metaEntid, uint64(next)); err != nil {
		return nil, err
	}
	if err := setMetaUint(b.txn, metaClock, clock); err != nil {
		return nil, err
	}
	if err := setMetaUint(b.txn, metaInstant, uint64(instant.UnixNano())); err != nil {
		return nil, err
	}
	if err := b.advanceCursor(); err != nil {
		return nil, err
	}

	s.viewMu.Lock()
	err := b.txn.Commit()
	if err == nil {
		s.head = txID
	}
	s.viewMu.Unlock()
	if err == badger.ErrConflict {
		return nil, &eav.ConcurrencyError{Reason: "a concurrent commit changed facts this transaction read"}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.nextEntid = next
	s.clock = clock
	s.lastInstant = instant
	for e, u := range newUUIDs {
		s.remember(e, u)
	}

	s.log.Debug("transaction committed", "tx", txID, "stamp", report.Stamp, "datoms", len(report.Datoms),
		"dropped", len(report.Dropped), "source", rec.Source)
	if len(report.Datoms) > 0 {
		s.observers.Dispatch(observer.NewChange(txID, report.Datoms))
	}
	return report, nil
}

// write stores the log record, the index entries and the identity keys
func (b *batch) write(rec *TxRecord, newUUIDs map[eav.Entid]uuid.UUID) error {
	txn := b.txn
	if err := txn.Set(logKey(rec.TxID), rec.Bytes()); err != nil {
		return fmt.Errorf("failed to append log: %w", err)
	}
	for i := range rec.Datoms {
		d := &rec.Datoms[i]
		for _, idx := range []IndexType{EAVT, AEVT, AVET} {
			if err := txn.Set(EncodeKey(idx, d), []byte{}); err != nil {
				return fmt.Errorf("failed to write to %v index: %w", idx, err)
			}
		}
	}
	for e, u := range newUUIDs {
		if err := txn.Set(entityKey(e), u[:]); err != nil {
			return fmt.Errorf("failed to write entity %d: %w", e, err)
		}
		if err := txn.Set(uuidKey(u), entidBytes(e)); err != nil {
			return fmt.Errorf("failed to write uuid %s: %w", u, err)
		}
	}
	if err := txn.Set(seenKey(rec.Stamp.Peer, rec.Stamp.OriginTx), txBytes(rec.TxID)); err != nil {
		return fmt.Errorf("failed to write seen index: %w", err)
	}
	return nil
}

func (b *batch) writeClaims(p *pair, e eav.Entid) error {
	if p.attr.Unique != eav.UniqueValue {
		return nil
	}
	for _, v := range append(p.released, p.replaced...) {
		key := uniqueKey(p.attr.ID, v)
		owner, found, err := readClaim(b.txn, key)
		if err != nil {
			return err
		}
		if found && owner == e {
			if err := b.txn.Delete(key); err != nil {
				return fmt.Errorf("failed to release unique value: %w", err)
			}
		}
	}
	for _, o := range p.kept {
		if o.added {
			if err := b.txn.Set(uniqueKey(p.attr.ID, o.v), entidBytes(e)); err != nil {
				return fmt.Errorf("failed to claim unique value: %w", err)
			}
		}
	}
	return nil
}

func (b *batch) advanceCursor() error {
	o := b.t.origin
	if o == nil || o.Cursor == "" {
		return nil
	}
	c, err := readCursor(b.txn, o.Cursor)
	if err != nil {
		return fmt.Errorf("failed to read cursor %q: %w", o.Cursor, err)
	}
	through := o.Through
	if through == 0 {
		through = o.Position
	}
	if through > c.Remote {
		c.Remote = through
	}
	c.UpdatedAt = b.store.now().UTC()
	return b.txn.Set(cursorKey(o.Cursor), c.bytes())
}

// applyDuplicate records only the cursor move for a transaction that was
// already applied
func (b *batch) applyDuplicate(tx uint64) (*TxReport, error) {
	if err := b.advanceCursor(); err != nil {
		return nil, err
	}
	if err := b.txn.Commit(); err != nil {
		if err == badger.ErrConflict {
			return nil, &eav.ConcurrencyError{Reason: "cursor moved concurrently"}
		}
		return nil, fmt.Errorf("failed to commit cursor: %w", err)
	}
	return &TxReport{TxID: tx, Stamp: b.t.origin.Stamp, Duplicate: true}, nil
}

func readWriter(txn *badger.Txn, e, a eav.Entid) (*eav.WriteStamp, error) {
	item, err := txn.Get(writerKey(e, a))
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read last writer of %d/%d: %w", e, a, err)
	}
	var ws eav.WriteStamp
	err = item.Value(func(val []byte) error {
		ws, err = writeStampFromBytes(val)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &ws, nil
}

func readClaim(txn *badger.Txn, key []byte) (eav.Entid, bool, error) {
	item, err := txn.Get(key)
	if err == badger.ErrKeyNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read unique claim: %w", err)
	}
	var owner eav.Entid
	err = item.Value(func(val []byte) error {
		owner = eav.Entid(binary.BigEndian.Uint64(val))
		return nil
	})
	return owner, err == nil, err
}

func readSeen(txn *badger.Txn, st eav.Stamp) (uint64, bool, error) {
	item, err := txn.Get(seenKey(st.Peer, st.OriginTx))
	if err == badger.ErrKeyNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read seen index: %w", err)
	}
	var tx uint64
	err = item.Value(func(val []byte) error {
		tx = binary.BigEndian.Uint64(val)
		return nil
	})
	return tx, err == nil, err
}

func indexOf(vals []eav.Value, v eav.Value) int {
	for i, x := range vals {
		if eav.ValuesEqual(x, v) {
			return i
		}
	}
	return -1
}

func entidOrZero(ref eav.EntityRef) eav.Entid {
	if e, ok := ref.(eav.Entid); ok {
		return e
	}
	return 0
}
