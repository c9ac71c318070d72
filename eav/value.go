package eav

import (
	"time"

	"github.com/google/uuid"
)

// Value represents any value that can be stored in a Datom.
// We use interface{} with direct Go types.
type Value interface{}

// Valid value types:
// - string
// - int64
// - bool
// - time.Time (stored with microsecond precision, UTC)
// - Entid (reference to another entity)
// - uuid.UUID
// - TempID (reference to an entity created by the same transaction)

// Helper functions for creating typed values
func String(s string) Value      { return s }
func Int(i int64) Value          { return i }
func Bool(b bool) Value          { return b }
func Instant(t time.Time) Value  { return t.UTC().Truncate(time.Microsecond) }
func Ref(e Entid) Value          { return e }
func UUID(u uuid.UUID) Value     { return u }
func TempRef(t TempID) Value     { return t }
func Unix(seconds int64) Value   { return Instant(time.Unix(seconds, 0)) }
func Micros(micros int64) Value  { return time.UnixMicro(micros).UTC() }

// InstantOf extracts a timestamp value
func InstantOf(v Value) (time.Time, bool) {
	t, ok := v.(time.Time)
	return t, ok
}

// Normalize brings a value to its canonical stored form
func Normalize(v Value) Value {
	if t, ok := v.(time.Time); ok {
		return Instant(t)
	}
	return v
}

// ValuesEqual compares two values of any valid type
func ValuesEqual(a, b Value) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ta, ok := a.(time.Time)
	if ok {
		tb, ok := b.(time.Time)
		return ok && ta.Truncate(time.Microsecond).Equal(tb.Truncate(time.Microsecond))
	}
	return a == b
}
