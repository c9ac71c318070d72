package syncer

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/wbrown/janus-eav/eav"
	"github.com/wbrown/janus-eav/eav/storage"
)

// Transaction is a committed transaction as exchanged with remotes. Entities
// are named by uuid and attributes by name, so it means the same thing on
// every peer.
type Transaction struct {
	Peer       uuid.UUID      `json:"peer"`
	OriginTx   uint64         `json:"origin_tx"`
	Clock      uint64         `json:"clock"`
	Instant    time.Time      `json:"instant"`
	Attributes []AttributeDef `json:"attributes,omitempty"`
	Facts      []Fact         `json:"facts"`
}

// Stamp returns the transaction's global identity
func (t *Transaction) Stamp() eav.Stamp {
	return eav.Stamp{Peer: t.Peer, OriginTx: t.OriginTx, Clock: t.Clock, Instant: t.Instant}
}

// AttributeDef carries the schema of every attribute a transaction uses
type AttributeDef struct {
	Name   string `json:"name"`
	Type   string `json:"type"`
	Many   bool   `json:"many,omitempty"`
	Unique bool   `json:"unique,omitempty"`
}

// Fact is one datom on the wire
type Fact struct {
	Entity    uuid.UUID `json:"e"`
	Attribute string    `json:"a"`
	Value     Value     `json:"v"`
	Added     bool      `json:"added"`
}

// Value is a typed value. References are the uuid of the target entity.
type Value struct {
	Type string `json:"t"`
	Data string `json:"d"`
}

func (d AttributeDef) attribute() (eav.Attribute, error) {
	vt, err := eav.ParseValueType(d.Type)
	if err != nil {
		return eav.Attribute{}, err
	}
	a := eav.Attribute{Name: d.Name, Type: vt}
	if d.Many {
		a.Cardinality = eav.CardinalityMany
	}
	if d.Unique {
		a.Unique = eav.UniqueValue
	}
	return a, a.Validate()
}

func defOf(a eav.Attribute) AttributeDef {
	return AttributeDef{
		Name:   a.Name,
		Type:   a.Type.String(),
		Many:   a.Cardinality == eav.CardinalityMany,
		Unique: a.Unique == eav.UniqueValue,
	}
}

// Encode converts a log record to its wire form
func Encode(s *storage.Store, rec *storage.TxRecord) (Transaction, error) {
	tx := Transaction{
		Peer:     rec.Stamp.Peer,
		OriginTx: rec.Stamp.OriginTx,
		Clock:    rec.Stamp.Clock,
		Instant:  rec.Stamp.Instant,
		Facts:    make([]Fact, 0, len(rec.Datoms)),
	}
	attrs := make(map[eav.Entid]eav.Attribute)
	for _, d := range rec.Datoms {
		a, ok := attrs[d.A]
		if !ok {
			if a, ok = s.Attribute(d.A); !ok {
				return tx, fmt.Errorf("tx %d uses unregistered attribute %d", rec.TxID, d.A)
			}
			attrs[d.A] = a
		}
		e, err := entityUUID(s, d.E)
		if err != nil {
			return tx, err
		}
		v, err := encodeValue(s, d.V)
		if err != nil {
			return tx, fmt.Errorf("tx %d: %w", rec.TxID, err)
		}
		tx.Facts = append(tx.Facts, Fact{Entity: e, Attribute: a.Name, Value: v, Added: d.Added})
	}
	for _, a := range attrs {
		tx.Attributes = append(tx.Attributes, defOf(a))
	}
	sort.Slice(tx.Attributes, func(i, j int) bool { return tx.Attributes[i].Name < tx.Attributes[j].Name })
	return tx, nil
}

func entityUUID(s *storage.Store, e eav.Entid) (uuid.UUID, error) {
	u, ok, err := s.UUIDOf(e)
	if err != nil {
		return uuid.Nil, err
	}
	if !ok {
		return uuid.Nil, fmt.Errorf("entity %d has no uuid", e)
	}
	return u, nil
}

func encodeValue(s *storage.Store, v eav.Value) (Value, error) {
	vt, err := eav.TypeOf(v)
	if err != nil {
		return Value{}, err
	}
	out := Value{Type: vt.String()}
	switch val := v.(type) {
	case string:
		out.Data = val
	case int64:
		out.Data = strconv.FormatInt(val, 10)
	case bool:
		out.Data = strconv.FormatBool(val)
	case time.Time:
		out.Data = strconv.FormatInt(val.UnixMicro(), 10)
	case eav.Entid:
		u, err := entityUUID(s, val)
		if err != nil {
			return Value{}, err
		}
		out.Data = u.String()
	case uuid.UUID:
		out.Data = val.String()
	default:
		return Value{}, fmt.Errorf("cannot send value of type %T", v)
	}
	return out, nil
}

// decodeValue parses a wire value. References come back as the target's uuid.
func decodeValue(v Value) (eav.ValueType, any, error) {
	vt, err := eav.ParseValueType(v.Type)
	if err != nil {
		return 0, nil, err
	}
	switch vt {
	case eav.TypeString:
		return vt, v.Data, nil
	case eav.TypeInt:
		i, err := strconv.ParseInt(v.Data, 10, 64)
		return vt, i, err
	case eav.TypeBool:
		b, err := strconv.ParseBool(v.Data)
		return vt, b, err
	case eav.TypeInstant:
		us, err := strconv.ParseInt(v.Data, 10, 64)
		if err != nil {
			return vt, nil, err
		}
		return vt, time.UnixMicro(us).UTC(), nil
	case eav.TypeRef, eav.TypeUUID:
		u, err := uuid.Parse(v.Data)
		return vt, u, err
	default:
		return vt, nil, fmt.Errorf("value type %s cannot be sent", v.Type)
	}
}

// Apply commits a remote transaction through the store's normal commit path.
// Entities the store has never seen are created under their remote uuid.
func Apply(ctx context.Context, s *storage.Store, tx Transaction, origin storage.Origin, resolve storage.Resolver) (*storage.TxReport, error) {
	// Nothing is registered for a transaction that would be rejected
	if reason := checkTransaction(s, tx, nil); reason != "" {
		return nil, eav.Invalid("remote transaction %s: %s", tx.Stamp(), reason)
	}
	defs := make(map[string]eav.Attribute, len(tx.Attributes))
	for _, d := range tx.Attributes {
		a, err := d.attribute()
		if err != nil {
			return nil, err
		}
		if a.ID, err = s.EnsureAttribute(a); err != nil {
			return nil, err
		}
		defs[a.Name] = a
	}

	local := s.NewTransaction()
	local.SetOrigin(origin, resolve)
	resolveEntity := func(u uuid.UUID) (eav.EntityRef, bool, error) {
		e, ok, err := s.EntidOf(u)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return e, true, nil
		}
		temp := eav.TempID(u.String())
		local.Identify(temp, u)
		return temp, false, nil
	}

	for _, f := range tx.Facts {
		a, ok := defs[f.Attribute]
		if !ok {
			if a, ok = s.AttributeByName(f.Attribute); !ok {
				local.Rollback()
				return nil, eav.Invalid("remote fact uses undefined attribute %s", f.Attribute)
			}
		}
		e, known, err := resolveEntity(f.Entity)
		if err != nil {
			local.Rollback()
			return nil, err
		}
		vt, raw, err := decodeValue(f.Value)
		if err != nil {
			local.Rollback()
			return nil, eav.Invalid("remote value for %s: %v", f.Attribute, err)
		}
		var v eav.Value = raw
		if vt == eav.TypeRef {
			target, targetKnown, err := resolveEntity(raw.(uuid.UUID))
			if err != nil {
				local.Rollback()
				return nil, err
			}
			if !targetKnown && !f.Added {
				continue
			}
			v = target
		}
		if !f.Added {
			if !known {
				// Nothing to retract on an entity this store never held
				continue
			}
			err = local.Retract(e.(eav.Entid), a.ID, v)
		} else {
			err = local.Add(e, a.ID, v)
		}
		if err != nil {
			local.Rollback()
			return nil, err
		}
	}
	return local.Commit(ctx)
}
