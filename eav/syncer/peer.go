package syncer

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/wbrown/janus-eav/eav/storage"
)

// PushSource is the origin recorded for transactions pushed into a
// PeerRemote
const PushSource = "push"

// PeerRemote exposes a store's own log as a remote. Positions are the store's
// txids. The log is not partitioned by user.
type PeerRemote struct {
	store *storage.Store
	owned bool
	mu    sync.Mutex
}

// NewPeerRemote serves s. The store stays open when the remote is closed.
func NewPeerRemote(s *storage.Store) *PeerRemote {
	return &PeerRemote{store: s}
}

// OpenPeer opens the store directory named by a peer://path uri
func OpenPeer(_ context.Context, uri string) (Remote, error) {
	path, ok := strings.CutPrefix(uri, "peer://")
	if !ok || path == "" {
		return nil, fmt.Errorf("invalid peer uri %q", uri)
	}
	s, err := storage.Open(path)
	if err != nil {
		return nil, err
	}
	return &PeerRemote{store: s, owned: true}, nil
}

func (p *PeerRemote) Fetch(ctx context.Context, _ uuid.UUID, after uint64) ([]Entry, error) {
	records, err := p.store.Log(ctx, after, 0)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(records))
	for _, rec := range records {
		tx, err := Encode(p.store, rec)
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{Position: rec.TxID, Tx: tx})
	}
	return entries, nil
}

func (p *PeerRemote) Push(ctx context.Context, _ uuid.UUID, expected uint64, txs []Transaction) (Ack, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	head := p.store.Head()
	if head != expected {
		return Ack{}, fmt.Errorf("%w: at %d, expected %d", ErrHeadMoved, head, expected)
	}
	// If a local commit interleaves with the pushed ones the ack stays at
	// the old head, and the pusher refetches what it sent
	contiguous := true
	last := head
	for _, tx := range txs {
		origin := storage.Origin{Stamp: tx.Stamp(), Source: PushSource}
		report, err := Apply(ctx, p.store, tx, origin, LastWriterWins)
		if err != nil {
			return Ack{}, err
		}
		if report.Duplicate {
			continue
		}
		if report.TxID != last+1 {
			contiguous = false
		}
		last = report.TxID
	}
	if !contiguous {
		return Ack{Head: head}, nil
	}
	return Ack{Head: last}, nil
}

// Close closes the store if the remote opened it
func (p *PeerRemote) Close() error {
	if p.owned {
		return p.store.Close()
	}
	return nil
}
