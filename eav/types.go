package eav

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Entid is the stable internal identifier of an entity or a registered attribute
type Entid int64

// TempID names an entity that does not exist yet. It is resolved to a fresh
// Entid when the transaction that mentions it commits.
type TempID string

// EntityRef is either an existing Entid or a TempID
type EntityRef interface {
	entityRef()
}

func (Entid) entityRef()  {}
func (TempID) entityRef() {}

// String returns the entid in decimal
func (e Entid) String() string {
	return fmt.Sprintf("%d", int64(e))
}

// Datom is a single fact: Entity-Attribute-Value-Transaction plus the
// assertion flag. Retracted facts are kept in the log with Added=false.
type Datom struct {
	E     Entid  // Entity identifier
	A     Entid  // Attribute identifier
	V     Value  // See value.go for valid types
	Tx    uint64 // Local transaction ID
	Added bool   // true for assertions, false for retractions
}

// String returns a string representation of the Datom
func (d Datom) String() string {
	op := "+"
	if !d.Added {
		op = "-"
	}
	return fmt.Sprintf("[%s%d %d %v %d]", op, d.E, d.A, d.V, d.Tx)
}

// Stamp identifies a transaction across peers. Peer and OriginTx name the
// transaction where it was first committed, Clock is a Lamport clock that
// orders transactions causally, Instant is the wall-clock tag used when
// merging conflicting writes.
type Stamp struct {
	Peer     uuid.UUID
	OriginTx uint64
	Clock    uint64
	Instant  time.Time
}

// Before reports whether s precedes other in causal order: Lamport clock
// first, then peer identity.
func (s Stamp) Before(other Stamp) bool {
	if s.Clock != other.Clock {
		return s.Clock < other.Clock
	}
	if c := ComparePeers(s.Peer, other.Peer); c != 0 {
		return c < 0
	}
	return s.OriginTx < other.OriginTx
}

// String returns a short representation of the stamp
func (s Stamp) String() string {
	return fmt.Sprintf("%s/%d@%d", s.Peer.String()[:8], s.OriginTx, s.Clock)
}

// WriteStamp records the last transaction to write an (entity, attribute)
// pair. It is what conflicting writes are compared against.
type WriteStamp struct {
	Tx      uint64
	Instant time.Time
	Peer    uuid.UUID
}

// ComparePeers gives the stable ordering of peer identities used to break ties
func ComparePeers(a, b uuid.UUID) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}
