package eav

import "fmt"

// Cardinality says whether an attribute holds one value or a set of values
type Cardinality byte

const (
	CardinalityOne Cardinality = iota
	CardinalityMany
)

// Unique constrains how many entities may hold a value at once
type Unique byte

const (
	UniqueNone Unique = iota
	UniqueValue
)

// Attribute is a registered attribute. Once registered an attribute's
// definition never changes.
type Attribute struct {
	ID          Entid
	Name        string
	Type        ValueType
	Cardinality Cardinality
	Unique      Unique
}

// String returns the attribute name
func (a Attribute) String() string {
	return a.Name
}

// Compatible reports whether other describes the same attribute shape as a.
// IDs are not compared.
func (a Attribute) Compatible(other Attribute) bool {
	return a.Name == other.Name &&
		a.Type == other.Type &&
		a.Cardinality == other.Cardinality &&
		a.Unique == other.Unique
}

// Accepts reports whether v may be stored under this attribute
func (a Attribute) Accepts(v Value) error {
	vt, err := TypeOf(v)
	if err != nil {
		return err
	}
	if a.Type == TypeAny || a.Type == vt {
		return nil
	}
	// Temporary ids are references until they are resolved
	if a.Type == TypeRef && vt == TypeTempRef {
		return nil
	}
	return fmt.Errorf("attribute %s expects %s, got %s", a.Name, a.Type, vt)
}

// Validate checks the definition itself
func (a Attribute) Validate() error {
	if a.Name == "" {
		return fmt.Errorf("attribute name is empty")
	}
	if a.Type > TypeUUID {
		return fmt.Errorf("attribute %s: unknown value type %d", a.Name, a.Type)
	}
	if a.Cardinality > CardinalityMany {
		return fmt.Errorf("attribute %s: unknown cardinality %d", a.Name, a.Cardinality)
	}
	if a.Unique > UniqueValue {
		return fmt.Errorf("attribute %s: unknown uniqueness %d", a.Name, a.Unique)
	}
	if a.Unique == UniqueValue && a.Cardinality == CardinalityMany {
		return fmt.Errorf("attribute %s: unique attributes must have cardinality one", a.Name)
	}
	return nil
}

// Bytes serializes the definition (without ID)
// Format: Type(1) + Cardinality(1) + Unique(1) + Name(variable)
func (a Attribute) Bytes() []byte {
	buf := make([]byte, 3+len(a.Name))
	buf[0] = byte(a.Type)
	buf[1] = byte(a.Cardinality)
	buf[2] = byte(a.Unique)
	copy(buf[3:], a.Name)
	return buf
}

// AttributeFromBytes deserializes an attribute definition
func AttributeFromBytes(id Entid, data []byte) (Attribute, error) {
	if len(data) < 4 {
		return Attribute{}, fmt.Errorf("attribute data too short: %d bytes", len(data))
	}
	a := Attribute{
		ID:          id,
		Type:        ValueType(data[0]),
		Cardinality: Cardinality(data[1]),
		Unique:      Unique(data[2]),
		Name:        string(data[3:]),
	}
	return a, a.Validate()
}
