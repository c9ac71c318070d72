package syncer

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/wbrown/janus-eav/eav"
	"github.com/wbrown/janus-eav/eav/storage"
)

// LastWriterWins resolves competing writes to a cardinality-one attribute by
// the wall-clock instant of the writing transaction. Equal instants go to
// the greater peer identity.
func LastWriterWins(incoming, existing eav.WriteStamp) bool {
	if !incoming.Instant.Equal(existing.Instant) {
		return incoming.Instant.After(existing.Instant)
	}
	return eav.ComparePeers(incoming.Peer, existing.Peer) > 0
}

// Conflict is a remote fact that lost to a later local write. It is reported,
// not treated as an error.
type Conflict struct {
	Entity    uuid.UUID
	Attribute string
	Value     eav.Value
	Stamp     eav.Stamp
}

func (c Conflict) String() string {
	return fmt.Sprintf("%s %s %s (from %s)", c.Entity, c.Attribute, eav.FormatValue(c.Value), c.Stamp)
}

// validate runs the structural checks on fetched entries. Nothing is applied
// if any entry fails them, so every rejection Apply can raise for a remote
// transaction is caught here.
func validate(s *storage.Store, remote string, entries []Entry, after uint64) error {
	last := after
	defined := make(map[string]eav.Attribute)
	for _, e := range entries {
		var reason string
		if e.Position <= last {
			reason = fmt.Sprintf("position does not follow %d", last)
		} else {
			reason = checkTransaction(s, e.Tx, defined)
		}
		if reason != "" {
			return &eav.SyncCorruptionError{
				Remote:   remote,
				Position: e.Position,
				Peer:     e.Tx.Peer,
				OriginTx: e.Tx.OriginTx,
				Reason:   reason,
			}
		}
		last = e.Position
	}
	return nil
}

type factPair struct {
	entity    uuid.UUID
	attribute string
}

type decoded struct {
	vt  eav.ValueType
	raw any
}

// checkTransaction returns why tx cannot be applied to s, or "" if it can.
// Facts may only use attributes tx defines or s already holds. defined
// collects the definitions of earlier transactions in the same batch so an
// incompatible redefinition is caught before either is applied; it may be nil.
func checkTransaction(s *storage.Store, tx Transaction, defined map[string]eav.Attribute) string {
	switch {
	case tx.Peer == uuid.Nil:
		return "missing peer identity"
	case tx.OriginTx == 0:
		return "missing origin txid"
	case tx.Clock == 0:
		return "missing clock"
	case tx.Instant.IsZero():
		return "missing instant"
	}

	known := func(name string) (eav.Attribute, bool) {
		if a, ok := s.AttributeByName(name); ok {
			return a, true
		}
		a, ok := defined[name]
		return a, ok
	}
	defs := make(map[string]eav.Attribute, len(tx.Attributes))
	for _, d := range tx.Attributes {
		a, err := d.attribute()
		if err != nil {
			return fmt.Sprintf("attribute %q: %v", d.Name, err)
		}
		if prev, ok := known(a.Name); ok && !prev.Compatible(a) {
			return fmt.Sprintf("attribute %s conflicts with definition %s", a, prev)
		}
		if prev, ok := defs[a.Name]; ok && !prev.Compatible(a) {
			return fmt.Sprintf("attribute %s defined twice as %s and %s", a.Name, prev, a)
		}
		defs[a.Name] = a
	}

	asserted := make(map[factPair]decoded)
	for _, f := range tx.Facts {
		if f.Entity == uuid.Nil {
			return "fact without entity"
		}
		if f.Attribute == "" {
			return "fact without attribute"
		}
		a, ok := defs[f.Attribute]
		if !ok {
			if a, ok = s.AttributeByName(f.Attribute); !ok {
				return fmt.Sprintf("undefined attribute %s", f.Attribute)
			}
		}
		vt, raw, err := decodeValue(f.Value)
		if err != nil {
			return fmt.Sprintf("value for %s: %v", f.Attribute, err)
		}
		if a.Type != eav.TypeAny && a.Type != vt {
			return fmt.Sprintf("%s value for %s attribute %s", vt, a.Type, f.Attribute)
		}
		if !f.Added || a.Cardinality != eav.CardinalityOne {
			continue
		}
		k := factPair{f.Entity, f.Attribute}
		if prev, ok := asserted[k]; ok && (prev.vt != vt || !eav.ValuesEqual(prev.raw, raw)) {
			return fmt.Sprintf("conflicting assertions %s and %s for %s of %s",
				eav.FormatValue(prev.raw), eav.FormatValue(raw), f.Attribute, f.Entity)
		}
		asserted[k] = decoded{vt, raw}
	}
	if defined != nil {
		for name, a := range defs {
			defined[name] = a
		}
	}
	return ""
}

// merge drops the entries this store already holds and orders the rest
// causally. The position of a dropped entry is still returned so the cursor
// can move past it.
func merge(s *storage.Store, entries []Entry) (fresh []Entry, err error) {
	for _, e := range entries {
		_, seen, err := s.Seen(e.Tx.Peer, e.Tx.OriginTx)
		if err != nil {
			return nil, err
		}
		if !seen {
			fresh = append(fresh, e)
		}
	}
	sort.SliceStable(fresh, func(i, j int) bool {
		return fresh[i].Tx.Stamp().Before(fresh[j].Tx.Stamp())
	})
	return fresh, nil
}
