// Package syncer reconciles a store's transaction log with a remote log.
//
// A cycle fetches the remote entries past the stored cursor, checks and
// orders them, replays them through the store's commit path and then pushes
// the local transactions the remote has not seen. Each replayed transaction
// moves the cursor in the same commit, so a failed or cancelled cycle resumes
// from the last transaction that was fully applied.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/wbrown/janus-eav/eav"
	"github.com/wbrown/janus-eav/eav/metrics"
	"github.com/wbrown/janus-eav/eav/storage"
)

// applyAttempts bounds the retries of a replayed transaction that lost a
// race with a local commit
const applyAttempts = 3

// State is the step a sync cycle is in
type State int32

const (
	Idle State = iota
	Fetching
	Merging
	Applying
	Pushing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Fetching:
		return "fetching"
	case Merging:
		return "merging"
	case Applying:
		return "applying"
	case Pushing:
		return "pushing"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Result summarizes a sync cycle. A failed cycle still reports the
// transactions it applied before the failure.
type Result struct {
	Remote     string
	Applied    int
	Duplicates int
	Pushed     int
	Conflicts  []Conflict
	Cursor     storage.Cursor
}

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the engine's logger
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithMetrics records sync cycle outcomes
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTransports adds openers for remote uri schemes
func WithTransports(t Transports) Option {
	return func(e *Engine) {
		for scheme, open := range t {
			e.transports[scheme] = open
		}
	}
}

// Engine runs sync cycles for one store. Cycles are serialized.
type Engine struct {
	store      *storage.Store
	transports Transports
	log        *slog.Logger
	metrics    *metrics.Metrics

	mu    sync.Mutex
	state atomic.Int32
}

// New creates an engine for s. The peer:// transport is always available.
func New(s *storage.Store, opts ...Option) *Engine {
	e := &Engine{
		store:      s,
		transports: Transports{"peer": OpenPeer},
		log:        s.Logger(),
		metrics:    s.Metrics(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// State returns the step of the running cycle, Idle if none
func (e *Engine) State() State {
	return State(e.state.Load())
}

func (e *Engine) enter(s State) {
	e.state.Store(int32(s))
	e.log.Debug("sync state", "state", s)
}

// CursorKey names the cursor kept for user's log at a remote
func CursorKey(user uuid.UUID, remote string) string {
	return user.String() + "|" + remote
}

// Sync runs one cycle against the remote at uri
func (e *Engine) Sync(ctx context.Context, user uuid.UUID, uri string) (*Result, error) {
	remote, err := e.transports.Open(ctx, uri)
	if err != nil {
		err = &eav.SyncTransportError{Remote: uri, Step: "connect", Err: err}
		e.finish(&Result{Remote: uri}, err, time.Now())
		return nil, err
	}
	defer remote.Close()
	return e.Run(ctx, user, uri, remote)
}

// Run runs one cycle against an open remote. uri identifies the remote for
// the cursor and for the origin of replayed transactions.
func (e *Engine) Run(ctx context.Context, user uuid.UUID, uri string, remote Remote) (res *Result, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	res = &Result{Remote: uri}
	defer func() {
		e.enter(Idle)
		e.finish(res, err, start)
	}()

	key := CursorKey(user, uri)
	cur, err := e.store.Cursor(key)
	if err != nil {
		return res, err
	}
	res.Cursor = cur
	// Everything committed after this point is pushed by a later cycle
	hw := e.store.Head()

	e.enter(Fetching)
	entries, err := remote.Fetch(ctx, user, cur.Remote)
	if err != nil {
		return res, &eav.SyncTransportError{Remote: uri, Step: "fetch", Err: err}
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	e.enter(Merging)
	if err := validate(e.store, uri, entries, cur.Remote); err != nil {
		return res, err
	}
	fresh, err := merge(e.store, entries)
	if err != nil {
		return res, err
	}
	res.Duplicates = len(entries) - len(fresh)

	e.enter(Applying)
	progress := newProgress(entries, fresh, cur.Remote)
	for _, en := range fresh {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		origin := storage.Origin{
			Stamp:    en.Tx.Stamp(),
			Source:   uri,
			Position: en.Position,
			Cursor:   key,
			Through:  progress.done(en.Position),
		}
		report, err := e.apply(ctx, en.Tx, origin)
		if err != nil {
			return res, fmt.Errorf("failed to apply %s at position %d: %w", origin.Stamp, en.Position, err)
		}
		if report.Duplicate {
			res.Duplicates++
		} else {
			res.Applied++
		}
		for _, d := range report.Dropped {
			res.Conflicts = append(res.Conflicts, e.conflict(d, origin.Stamp))
		}
		res.Cursor.Remote = max(res.Cursor.Remote, origin.Through)
	}
	head := cur.Remote
	if len(entries) > 0 {
		head = entries[len(entries)-1].Position
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	e.enter(Pushing)
	var txs []Transaction
	if hw > cur.Local {
		records, err := e.store.Log(ctx, cur.Local, hw)
		if err != nil {
			return res, err
		}
		for _, rec := range records {
			if rec.Source == uri {
				continue
			}
			tx, err := Encode(e.store, rec)
			if err != nil {
				return res, err
			}
			txs = append(txs, tx)
		}
	}
	if len(txs) > 0 {
		ack, err := remote.Push(ctx, user, head, txs)
		if err != nil {
			return res, &eav.SyncTransportError{Remote: uri, Step: "push", Err: err}
		}
		head = ack.Head
		res.Pushed = len(txs)
	}

	next := storage.Cursor{Remote: max(head, res.Cursor.Remote), Local: hw}
	if err := e.store.SaveCursor(key, next); err != nil {
		return res, err
	}
	res.Cursor, err = e.store.Cursor(key)
	return res, err
}

// apply replays tx, retrying when a concurrent local commit invalidated
// what it read
func (e *Engine) apply(ctx context.Context, tx Transaction, origin storage.Origin) (*storage.TxReport, error) {
	var err error
	for attempt := 0; attempt < applyAttempts; attempt++ {
		var report *storage.TxReport
		report, err = Apply(ctx, e.store, tx, origin, LastWriterWins)
		if !errors.Is(err, eav.ErrConcurrency) {
			return report, err
		}
		e.log.Debug("replayed transaction raced a local commit", "stamp", origin.Stamp, "attempt", attempt+1)
	}
	return nil, err
}

func (e *Engine) conflict(d eav.Datom, stamp eav.Stamp) Conflict {
	c := Conflict{Value: d.V, Stamp: stamp}
	c.Entity, _, _ = e.store.UUIDOf(d.E)
	if a, ok := e.store.Attribute(d.A); ok {
		c.Attribute = a.Name
	}
	return c
}

func (e *Engine) finish(res *Result, err error, start time.Time) {
	outcome := outcomeOf(err)
	e.metrics.SyncFinished(outcome, res.Applied, res.Pushed, len(res.Conflicts))
	attrs := []any{
		"remote", res.Remote,
		"outcome", outcome,
		"applied", res.Applied,
		"duplicates", res.Duplicates,
		"pushed", res.Pushed,
		"conflicts", len(res.Conflicts),
		"cursor", res.Cursor.Remote,
		"elapsed", time.Since(start),
	}
	if err != nil {
		e.log.Warn("sync failed", append(attrs, "err", err)...)
		return
	}
	e.log.Info("sync finished", attrs...)
	for _, c := range res.Conflicts {
		e.log.Debug("remote fact superseded", "conflict", c)
	}
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, eav.ErrSyncTransport):
		return "transport"
	case errors.Is(err, eav.ErrSyncCorruption):
		return "corrupt"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	}
	return "error"
}

// progress tracks the longest prefix of fetched positions that is applied,
// so the cursor never passes a position that was not
type progress struct {
	positions []uint64
	applied   map[uint64]bool
	next      int
	through   uint64
}

func newProgress(entries, fresh []Entry, after uint64) *progress {
	p := &progress{applied: make(map[uint64]bool, len(entries)), through: after}
	pending := make(map[uint64]bool, len(fresh))
	for _, en := range fresh {
		pending[en.Position] = true
	}
	for _, en := range entries {
		p.positions = append(p.positions, en.Position)
		if !pending[en.Position] {
			p.applied[en.Position] = true
		}
	}
	sort.Slice(p.positions, func(i, j int) bool { return p.positions[i] < p.positions[j] })
	return p
}

// done marks pos applied and returns the position the cursor may advance to
func (p *progress) done(pos uint64) uint64 {
	p.applied[pos] = true
	for p.next < len(p.positions) && p.applied[p.positions[p.next]] {
		p.through = p.positions[p.next]
		p.next++
	}
	return p.through
}
