package eav

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ValueType represents the type of a value
type ValueType byte

const (
	TypeAny ValueType = iota // only valid as an attribute type
	TypeString
	TypeInt
	TypeBool
	TypeInstant
	TypeRef
	TypeUUID

	// TypeTempRef is a reference to a TempID. It never reaches storage.
	TypeTempRef ValueType = 0xFE
)

var typeNames = map[ValueType]string{
	TypeAny:     "any",
	TypeString:  "string",
	TypeInt:     "long",
	TypeBool:    "boolean",
	TypeInstant: "instant",
	TypeRef:     "ref",
	TypeUUID:    "uuid",
	TypeTempRef: "tempid",
}

// String returns the type name
func (t ValueType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("type(%d)", byte(t))
}

// ParseValueType is the inverse of ValueType.String for storable types
func ParseValueType(name string) (ValueType, error) {
	for t, n := range typeNames {
		if n == name && t != TypeTempRef {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown value type %q", name)
}

// TypeOf returns the type of a value, or an error for values the store
// cannot hold
func TypeOf(v Value) (ValueType, error) {
	switch v.(type) {
	case string:
		return TypeString, nil
	case int64:
		return TypeInt, nil
	case bool:
		return TypeBool, nil
	case time.Time:
		return TypeInstant, nil
	case Entid:
		return TypeRef, nil
	case uuid.UUID:
		return TypeUUID, nil
	case TempID:
		return TypeTempRef, nil
	case nil:
		return 0, fmt.Errorf("nil value")
	default:
		return 0, fmt.Errorf("unsupported value type %T", v)
	}
}

// ValueBytes serializes a value to bytes. Integer encodings flip the sign
// bit so that the byte order of keys matches numeric order.
func ValueBytes(v Value) []byte {
	switch val := v.(type) {
	case string:
		return []byte(val)
	case int64:
		return orderedInt(val)
	case bool:
		if val {
			return []byte{1}
		}
		return []byte{0}
	case time.Time:
		return orderedInt(val.UnixMicro())
	case Entid:
		return orderedInt(int64(val))
	case uuid.UUID:
		return val[:]
	case TempID:
		// Only ever used for keys inside a pending transaction
		return []byte(val)
	default:
		panic(fmt.Sprintf("cannot encode value type: %T", v))
	}
}

// TypedValueBytes prefixes the value encoding with its type byte
func TypedValueBytes(v Value) []byte {
	vt, err := TypeOf(v)
	if err != nil {
		panic(err)
	}
	data := ValueBytes(v)
	buf := make([]byte, 1+len(data))
	buf[0] = byte(vt)
	copy(buf[1:], data)
	return buf
}

// ValueFromBytes deserializes a value from bytes
func ValueFromBytes(vType ValueType, data []byte) (Value, error) {
	switch vType {
	case TypeString:
		return string(data), nil
	case TypeInt:
		if len(data) != 8 {
			return nil, fmt.Errorf("int value must be 8 bytes, got %d", len(data))
		}
		return unorderedInt(data), nil
	case TypeBool:
		if len(data) != 1 {
			return nil, fmt.Errorf("bool value must be 1 byte, got %d", len(data))
		}
		return data[0] != 0, nil
	case TypeInstant:
		if len(data) != 8 {
			return nil, fmt.Errorf("instant value must be 8 bytes, got %d", len(data))
		}
		return time.UnixMicro(unorderedInt(data)).UTC(), nil
	case TypeRef:
		if len(data) != 8 {
			return nil, fmt.Errorf("reference value must be 8 bytes, got %d", len(data))
		}
		return Entid(unorderedInt(data)), nil
	case TypeUUID:
		if len(data) != 16 {
			return nil, fmt.Errorf("uuid value must be 16 bytes, got %d", len(data))
		}
		var u uuid.UUID
		copy(u[:], data)
		return u, nil
	default:
		return nil, fmt.Errorf("unknown value type: %v", vType)
	}
}

// TypedValueFromBytes is the inverse of TypedValueBytes
func TypedValueFromBytes(data []byte) (Value, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("value bytes too short: %d", len(data))
	}
	return ValueFromBytes(ValueType(data[0]), data[1:])
}

func orderedInt(i int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(i)^(1<<63))
	return buf
}

func unorderedInt(data []byte) int64 {
	return int64(binary.BigEndian.Uint64(data) ^ (1 << 63))
}

// FormatValue renders a value for humans
func FormatValue(v Value) string {
	switch val := v.(type) {
	case nil:
		return "nil"
	case string:
		return val
	case time.Time:
		return val.Format(time.RFC3339)
	case Entid:
		return "#" + val.String()
	case TempID:
		return "?" + string(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}
