package storage

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/dgraph-io/badger/v4"
	"github.com/wbrown/janus-eav/eav"
)

// EntidForAttribute returns the entid for an attribute name, registering an
// untyped attribute on first use
func (s *Store) EntidForAttribute(name string) (eav.Entid, error) {
	if a, ok := s.AttributeByName(name); ok {
		return a.ID, nil
	}
	return s.register(eav.Attribute{Name: name, Type: eav.TypeAny})
}

// EnsureAttribute registers a typed attribute, or returns the existing entid
// when an identical definition is already registered
func (s *Store) EnsureAttribute(def eav.Attribute) (eav.Entid, error) {
	if err := def.Validate(); err != nil {
		return 0, eav.Invalid("%v", err)
	}
	if a, ok := s.AttributeByName(def.Name); ok {
		if !a.Compatible(def) {
			return 0, &eav.ValidationError{
				Attribute: a.ID,
				Reason: fmt.Sprintf("attribute %s already registered as %s/%d/%d",
					def.Name, a.Type, a.Cardinality, a.Unique),
			}
		}
		return a.ID, nil
	}
	return s.register(def)
}

func (s *Store) register(def eav.Attribute) (eav.Entid, error) {
	if err := def.Validate(); err != nil {
		return 0, eav.Invalid("%v", err)
	}
	if s.closed.Load() {
		return 0, eav.ErrClosed
	}

	// Attributes draw from the same counter as entities
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	if a, ok := s.AttributeByName(def.Name); ok {
		if def.Type != eav.TypeAny && !a.Compatible(def) {
			return 0, &eav.ValidationError{Attribute: a.ID, Reason: "attribute " + def.Name + " registered concurrently with another definition"}
		}
		return a.ID, nil
	}

	def.ID = s.nextEntid
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(attrNameKey(def.Name), entidBytes(def.ID)); err != nil {
			return err
		}
		if err := txn.Set(attrIDKey(def.ID), def.Bytes()); err != nil {
			return err
		}
		return setMetaUint(txn, metaEntid, uint64(def.ID)+1)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to register attribute %s: %w", def.Name, err)
	}
	s.nextEntid++

	s.regMu.Lock()
	s.attrsByID[def.ID] = def
	s.attrsByName[def.Name] = def.ID
	s.regMu.Unlock()

	s.log.Debug("attribute registered", "name", def.Name, "entid", def.ID, "type", def.Type)
	return def.ID, nil
}

// Attribute returns the definition registered under id
func (s *Store) Attribute(id eav.Entid) (eav.Attribute, bool) {
	s.regMu.RLock()
	defer s.regMu.RUnlock()
	a, ok := s.attrsByID[id]
	return a, ok
}

// AttributeByName returns the definition registered under name
func (s *Store) AttributeByName(name string) (eav.Attribute, bool) {
	s.regMu.RLock()
	defer s.regMu.RUnlock()
	id, ok := s.attrsByName[name]
	if !ok {
		return eav.Attribute{}, false
	}
	return s.attrsByID[id], true
}

// Attributes returns every registered attribute in registration order
func (s *Store) Attributes() []eav.Attribute {
	s.regMu.RLock()
	defer s.regMu.RUnlock()
	attrs := make([]eav.Attribute, 0, len(s.attrsByID))
	for _, a := range s.attrsByID {
		attrs = append(attrs, a)
	}
	sort.Slice(attrs, func(i, j int) bool { return attrs[i].ID < attrs[j].ID })
	return attrs
}

func (s *Store) loadAttributes(txn *badger.Txn) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte{prefixAttrID}
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		key := item.Key()
		if len(key) != 1+entidSize {
			return fmt.Errorf("malformed attribute key %x", key)
		}
		id := eav.Entid(binary.BigEndian.Uint64(key[1:]))
		err := item.Value(func(val []byte) error {
			a, err := eav.AttributeFromBytes(id, val)
			if err != nil {
				return err
			}
			s.attrsByID[id] = a
			s.attrsByName[a.Name] = id
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to load attribute %d: %w", id, err)
		}
	}
	return nil
}
