package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"github.com/wbrown/janus-eav/eav"
)

// IndexType represents the datom index orderings
type IndexType uint8

const (
	EAVT IndexType = iota // Entity-Attribute-Tx-Op-Value
	AEVT                  // Attribute-Entity-Tx-Op-Value
	AVET                  // Attribute-Value-Entity-Tx-Op
)

// Each keyspace has a 1-byte prefix to separate namespaces
const (
	prefixEAVT     byte = 'e'
	prefixAEVT     byte = 'a'
	prefixAVET     byte = 'v'
	prefixLog      byte = 'L' // L + tx -> transaction record
	prefixWriter   byte = 'w' // w + E + A -> last writer stamp
	prefixUnique   byte = 'q' // q + A + V -> entity currently holding a unique value
	prefixAttrName byte = 's' // s + name -> attribute entid
	prefixAttrID   byte = 'i' // i + entid -> attribute definition
	prefixEntity   byte = 'x' // x + E -> entity uuid
	prefixUUID     byte = 'u' // u + uuid -> E
	prefixSeen     byte = 'g' // g + peer + origin tx -> local tx
	prefixCursor   byte = 'c' // c + cursor key -> cursor
	prefixMeta     byte = 'm' // m + name -> counters and identity
)

const (
	entidSize = 8
	txSize    = 8
	opSize    = 1
)

// Prefix returns the keyspace byte of an index
func (i IndexType) Prefix() byte {
	switch i {
	case EAVT:
		return prefixEAVT
	case AEVT:
		return prefixAEVT
	case AVET:
		return prefixAVET
	default:
		panic(fmt.Sprintf("unknown index type: %v", i))
	}
}

// String returns the index name
func (i IndexType) String() string {
	return [...]string{"EAVT", "AEVT", "AVET"}[i]
}

func entidBytes(e eav.Entid) []byte {
	buf := make([]byte, entidSize)
	binary.BigEndian.PutUint64(buf, uint64(e))
	return buf
}

func txBytes(tx uint64) []byte {
	buf := make([]byte, txSize)
	binary.BigEndian.PutUint64(buf, tx)
	return buf
}

func opByte(added bool) []byte {
	// Retractions sort before assertions within a transaction
	if added {
		return []byte{1}
	}
	return []byte{0}
}

// EncodeKey creates an index key from a datom
func EncodeKey(index IndexType, d *eav.Datom) []byte {
	prefix := []byte{index.Prefix()}
	e := entidBytes(d.E)
	a := entidBytes(d.A)
	v := eav.TypedValueBytes(d.V)
	tx := txBytes(d.Tx)
	op := opByte(d.Added)

	switch index {
	case EAVT:
		return concatBytes(prefix, e, a, tx, op, v)
	case AEVT:
		return concatBytes(prefix, a, e, tx, op, v)
	case AVET:
		return concatBytes(prefix, a, v, e, tx, op)
	default:
		panic(fmt.Sprintf("unknown index type: %v", index))
	}
}

// DecodeKey reconstructs a datom from an index key. The key contains all
// parts of the datom so values never need to be fetched.
func DecodeKey(index IndexType, key []byte) (eav.Datom, error) {
	var d eav.Datom
	if len(key) < 1 || key[0] != index.Prefix() {
		return d, fmt.Errorf("%v key has wrong prefix", index)
	}
	key = key[1:]

	minSize := 2*entidSize + txSize + opSize + 1
	if len(key) < minSize {
		return d, fmt.Errorf("%v key too short: %d bytes", index, len(key))
	}

	var vBytes []byte
	switch index {
	case EAVT:
		d.E = eav.Entid(binary.BigEndian.Uint64(key[0:8]))
		d.A = eav.Entid(binary.BigEndian.Uint64(key[8:16]))
		d.Tx = binary.BigEndian.Uint64(key[16:24])
		d.Added = key[24] == 1
		vBytes = key[25:]

	case AEVT:
		d.A = eav.Entid(binary.BigEndian.Uint64(key[0:8]))
		d.E = eav.Entid(binary.BigEndian.Uint64(key[8:16]))
		d.Tx = binary.BigEndian.Uint64(key[16:24])
		d.Added = key[24] == 1
		vBytes = key[25:]

	case AVET:
		// Value is variable length, so we work backwards
		n := len(key)
		d.A = eav.Entid(binary.BigEndian.Uint64(key[0:8]))
		d.Added = key[n-1] == 1
		d.Tx = binary.BigEndian.Uint64(key[n-1-txSize : n-1])
		d.E = eav.Entid(binary.BigEndian.Uint64(key[n-1-txSize-entidSize : n-1-txSize]))
		vBytes = key[8 : n-1-txSize-entidSize]

	default:
		return d, fmt.Errorf("unknown index type: %v", index)
	}

	v, err := eav.TypedValueFromBytes(vBytes)
	if err != nil {
		return d, fmt.Errorf("failed to decode value: %w", err)
	}
	d.V = v
	return d, nil
}

// EncodePrefix creates a prefix key for range scans
func EncodePrefix(index IndexType, parts ...[]byte) []byte {
	allParts := append([][]byte{{index.Prefix()}}, parts...)
	return concatBytes(allParts...)
}

func logKey(tx uint64) []byte {
	return concatBytes([]byte{prefixLog}, txBytes(tx))
}

func writerKey(e, a eav.Entid) []byte {
	return concatBytes([]byte{prefixWriter}, entidBytes(e), entidBytes(a))
}

func uniqueKey(a eav.Entid, v eav.Value) []byte {
	return concatBytes([]byte{prefixUnique}, entidBytes(a), eav.TypedValueBytes(v))
}

func attrNameKey(name string) []byte {
	return concatBytes([]byte{prefixAttrName}, []byte(name))
}

func attrIDKey(id eav.Entid) []byte {
	return concatBytes([]byte{prefixAttrID}, entidBytes(id))
}

func entityKey(e eav.Entid) []byte {
	return concatBytes([]byte{prefixEntity}, entidBytes(e))
}

func uuidKey(u uuid.UUID) []byte {
	return concatBytes([]byte{prefixUUID}, u[:])
}

func seenKey(peer uuid.UUID, originTx uint64) []byte {
	return concatBytes([]byte{prefixSeen}, peer[:], txBytes(originTx))
}

func cursorKey(key string) []byte {
	return concatBytes([]byte{prefixCursor}, []byte(key))
}

func metaKey(name string) []byte {
	return concatBytes([]byte{prefixMeta}, []byte(name))
}

// concatBytes efficiently concatenates byte slices
func concatBytes(parts ...[]byte) []byte {
	size := 0
	for _, p := range parts {
		size += len(p)
	}

	result := make([]byte, size)
	offset := 0
	for _, p := range parts {
		copy(result[offset:], p)
		offset += len(p)
	}

	return result
}
