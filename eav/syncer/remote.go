package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrHeadMoved is returned by Remote.Push when the remote log grew past the
// head the pusher expected. The cycle should be retried.
var ErrHeadMoved = errors.New("syncer: remote head moved")

// Entry is one transaction in a remote log
type Entry struct {
	Position uint64
	Tx       Transaction
}

// Ack acknowledges a push
type Ack struct {
	// Head is the remote log position every pushed transaction is at or
	// below
	Head uint64
}

// Remote is a log of transactions shared between peers. Positions are
// assigned by the remote and strictly increase.
type Remote interface {
	// Fetch returns the entries of user's log with position > after, in
	// position order
	Fetch(ctx context.Context, user uuid.UUID, after uint64) ([]Entry, error)

	// Push appends txs to user's log if its head is still expected.
	// Transactions the log already holds are skipped.
	Push(ctx context.Context, user uuid.UUID, expected uint64, txs []Transaction) (Ack, error)

	Close() error
}

// Opener connects to the remote named by uri
type Opener func(ctx context.Context, uri string) (Remote, error)

// Transports maps a uri scheme to its opener
type Transports map[string]Opener

// Open resolves uri by its scheme
func (t Transports) Open(ctx context.Context, uri string) (Remote, error) {
	scheme, _, ok := strings.Cut(uri, "://")
	if !ok {
		return nil, fmt.Errorf("remote uri %q has no scheme", uri)
	}
	open, ok := t[scheme]
	if !ok {
		return nil, fmt.Errorf("no transport for scheme %q", scheme)
	}
	return open(ctx, uri)
}
