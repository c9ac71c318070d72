package eav

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Sentinels for errors.Is. Each typed error below matches exactly one.
var (
	ErrValidation      = errors.New("eav: validation failed")
	ErrConcurrency     = errors.New("eav: concurrent commit conflict")
	ErrSyncTransport   = errors.New("eav: sync transport failure")
	ErrSyncCorruption  = errors.New("eav: corrupt remote transaction")
	ErrObserverFailure = errors.New("eav: observer dispatch failure")
	ErrClosed          = errors.New("eav: store closed")
)

// ValidationError reports a malformed batch: unknown attribute or entity,
// a value of the wrong type, or a violated schema constraint.
type ValidationError struct {
	Entity    Entid
	Attribute Entid
	Reason    string
}

func (e *ValidationError) Error() string {
	switch {
	case e.Entity != 0 && e.Attribute != 0:
		return fmt.Sprintf("validation: %s (entity=%d, attribute=%d)", e.Reason, e.Entity, e.Attribute)
	case e.Attribute != 0:
		return fmt.Sprintf("validation: %s (attribute=%d)", e.Reason, e.Attribute)
	case e.Entity != 0:
		return fmt.Sprintf("validation: %s (entity=%d)", e.Reason, e.Entity)
	}
	return "validation: " + e.Reason
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Invalid builds a ValidationError
func Invalid(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// ConcurrencyError means an optimistic precondition no longer held when the
// commit was attempted. The caller should re-read and retry.
type ConcurrencyError struct {
	Entity    Entid
	Attribute Entid
	Basis     uint64 // transaction the committer read at, 0 if none
	Winner    uint64 // transaction that invalidated the precondition, 0 if unknown
	Reason    string
}

func (e *ConcurrencyError) Error() string {
	msg := "concurrency: " + e.Reason
	if e.Entity != 0 {
		msg += fmt.Sprintf(" (entity=%d, attribute=%d", e.Entity, e.Attribute)
		if e.Winner != 0 {
			msg += fmt.Sprintf(", written by tx %d", e.Winner)
		}
		msg += ")"
	}
	return msg
}

func (e *ConcurrencyError) Is(target error) bool { return target == ErrConcurrency }

// SyncTransportError wraps a failure talking to the remote. The cycle can be
// retried from the last durable cursor.
type SyncTransportError struct {
	Remote string
	Step   string
	Err    error
}

func (e *SyncTransportError) Error() string {
	return fmt.Sprintf("sync transport: %s %s: %v", e.Step, e.Remote, e.Err)
}

func (e *SyncTransportError) Is(target error) bool { return target == ErrSyncTransport }

func (e *SyncTransportError) Unwrap() error { return e.Err }

// SyncCorruptionError reports a remote transaction that failed structural
// checks. Only the current cycle is aborted.
type SyncCorruptionError struct {
	Remote   string
	Position uint64
	Peer     uuid.UUID
	OriginTx uint64
	Reason   string
}

func (e *SyncCorruptionError) Error() string {
	return fmt.Sprintf("sync corruption: %s at %s position %d (peer %s tx %d)",
		e.Reason, e.Remote, e.Position, e.Peer, e.OriginTx)
}

func (e *SyncCorruptionError) Is(target error) bool { return target == ErrSyncCorruption }

// ObserverDispatchFailure is logged when a subscriber callback panics or
// stalls. It is never returned to a committer.
type ObserverDispatchFailure struct {
	Key    string
	TxID   uint64
	Reason string
}

func (e *ObserverDispatchFailure) Error() string {
	return fmt.Sprintf("observer %q tx %d: %s", e.Key, e.TxID, e.Reason)
}

func (e *ObserverDispatchFailure) Is(target error) bool { return target == ErrObserverFailure }
