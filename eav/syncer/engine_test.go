package syncer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wbrown/janus-eav/eav"
	"github.com/wbrown/janus-eav/eav/metrics"
	"github.com/wbrown/janus-eav/eav/observer"
	"github.com/wbrown/janus-eav/eav/storage"
)

var base = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

// testClock hands out instants at a fixed offset from base
type testClock struct{ offset atomic.Int64 }

func (c *testClock) now() time.Time { return base.Add(time.Duration(c.offset.Load())) }
func (c *testClock) set(d time.Duration) { c.offset.Store(int64(d)) }

type peer struct {
	store *storage.Store
	clock *testClock
	name  eav.Entid
	tag   eav.Entid
	owner eav.Entid
}

func openPeer(t *testing.T, opts ...storage.Option) *peer {
	t.Helper()
	p := &peer{clock: &testClock{}}
	s, err := storage.Open("", append([]storage.Option{storage.WithClock(p.clock.now)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	p.store = s

	for _, d := range []struct {
		id  *eav.Entid
		def eav.Attribute
	}{
		{&p.name, eav.Attribute{Name: ":note/title", Type: eav.TypeString}},
		{&p.tag, eav.Attribute{Name: ":note/tag", Type: eav.TypeString, Cardinality: eav.CardinalityMany}},
		{&p.owner, eav.Attribute{Name: ":note/owner", Type: eav.TypeRef}},
	} {
		*d.id, err = s.EnsureAttribute(d.def)
		require.NoError(t, err)
	}
	return p
}

func (p *peer) create(t *testing.T, title string) (eav.Entid, uuid.UUID) {
	t.Helper()
	tx := p.store.NewTransaction()
	require.NoError(t, tx.Add(eav.TempID("n"), p.name, title))
	rep, err := tx.Commit(context.Background())
	require.NoError(t, err)
	e := rep.TempIDs["n"]
	u, ok, err := p.store.UUIDOf(e)
	require.NoError(t, err)
	require.True(t, ok)
	return e, u
}

func (p *peer) set(t *testing.T, e eav.Entid, a eav.Entid, v eav.Value) {
	t.Helper()
	tx := p.store.NewTransaction()
	require.NoError(t, tx.Add(e, a, v))
	_, err := tx.Commit(context.Background())
	require.NoError(t, err)
}

func (p *peer) title(t *testing.T, u uuid.UUID) eav.Value {
	t.Helper()
	e, ok, err := p.store.EntidOf(u)
	require.NoError(t, err)
	require.True(t, ok, "entity %s missing", u)
	ent, err := p.store.Read(context.Background(), e)
	require.NoError(t, err)
	v, _ := ent.Get(p.name)
	return v
}

type stampID struct {
	Peer     uuid.UUID
	OriginTx uint64
}

func history(t *testing.T, s *storage.Store) []stampID {
	t.Helper()
	recs, err := s.History(context.Background())
	require.NoError(t, err)
	ids := make([]stampID, len(recs))
	for i, r := range recs {
		ids[i] = stampID{r.Stamp.Peer, r.Stamp.OriginTx}
	}
	return ids
}

// fakeRemote serves canned entries and records pushes
type fakeRemote struct {
	mu       sync.Mutex
	entries  []Entry
	pushed   []Transaction
	fetchErr error
	pushErr  error
	onFetch  func()
}

func (f *fakeRemote) Fetch(_ context.Context, _ uuid.UUID, after uint64) ([]Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.onFetch != nil {
		f.onFetch()
	}
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	var out []Entry
	for _, e := range f.entries {
		if e.Position > after {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeRemote) Push(_ context.Context, _ uuid.UUID, expected uint64, txs []Transaction) (Ack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushErr != nil {
		return Ack{}, f.pushErr
	}
	head := uint64(0)
	if n := len(f.entries); n > 0 {
		head = f.entries[n-1].Position
	}
	if head != expected {
		return Ack{}, ErrHeadMoved
	}
	for _, tx := range txs {
		head++
		f.entries = append(f.entries, Entry{Position: head, Tx: tx})
		f.pushed = append(f.pushed, tx)
	}
	return Ack{Head: head}, nil
}

func (f *fakeRemote) Close() error { return nil }

func TestTwoPeerSync(t *testing.T) {
	ctx := context.Background()
	user := uuid.New()
	a, b := openPeer(t), openPeer(t)
	_, milk := a.create(t, "Buy milk")
	b.clock.set(time.Minute)
	_, bread := b.create(t, "Bake bread")

	resA, err := New(a.store).Run(ctx, user, "peer://b", NewPeerRemote(b.store))
	require.NoError(t, err)
	assert.Equal(t, 1, resA.Applied)
	assert.Equal(t, 1, resA.Pushed)
	assert.Empty(t, resA.Conflicts)

	resB, err := New(b.store).Run(ctx, user, "peer://a", NewPeerRemote(a.store))
	require.NoError(t, err)
	assert.Zero(t, resB.Applied)
	assert.Equal(t, 2, resB.Duplicates)

	assert.Equal(t, "Bake bread", a.title(t, bread))
	assert.Equal(t, "Buy milk", b.title(t, milk))
	assert.Equal(t, uint64(2), a.store.Head())
	assert.Equal(t, uint64(2), b.store.Head())

	histA := history(t, a.store)
	require.Len(t, histA, 2)
	assert.Equal(t, histA, history(t, b.store))

	// Both cursors sit at the higher of the merged txids
	assert.Equal(t, uint64(2), resA.Cursor.Remote)
	assert.Equal(t, uint64(2), resB.Cursor.Remote)
	stored, err := a.store.Cursor(CursorKey(user, "peer://b"))
	require.NoError(t, err)
	assert.Equal(t, resA.Cursor, stored)

	// Nothing left to exchange
	again, err := New(a.store).Run(ctx, user, "peer://b", NewPeerRemote(b.store))
	require.NoError(t, err)
	assert.Zero(t, again.Applied)
	assert.Zero(t, again.Pushed)
	assert.Equal(t, uint64(2), a.store.Head())
}

func TestLastWriterWins(t *testing.T) {
	ctx := context.Background()
	user := uuid.New()
	a, b := openPeer(t), openPeer(t)
	e, u := a.create(t, "draft")
	_, err := New(b.store).Run(ctx, user, "peer://a", NewPeerRemote(a.store))
	require.NoError(t, err)
	eb, ok, err := b.store.EntidOf(u)
	require.NoError(t, err)
	require.True(t, ok)

	a.clock.set(10 * time.Second)
	a.set(t, e, a.name, "from a")
	b.clock.set(20 * time.Second)
	b.set(t, eb, b.name, "from b")

	res, err := New(b.store).Run(ctx, user, "peer://a", NewPeerRemote(a.store))
	require.NoError(t, err)
	require.Len(t, res.Conflicts, 1)
	c := res.Conflicts[0]
	assert.Equal(t, u, c.Entity)
	assert.Equal(t, ":note/title", c.Attribute)
	assert.Equal(t, "from a", c.Value)
	assert.Equal(t, a.store.Peer(), c.Stamp.Peer)

	assert.Equal(t, "from b", a.title(t, u))
	assert.Equal(t, "from b", b.title(t, u))

	t.Run("tie goes to the greater peer", func(t *testing.T) {
		incoming := eav.WriteStamp{Instant: base, Peer: uuid.MustParse("ffffffff-0000-4000-8000-000000000000")}
		existing := eav.WriteStamp{Instant: base, Peer: uuid.MustParse("00000000-0000-4000-8000-000000000000")}
		assert.True(t, LastWriterWins(incoming, existing))
		assert.False(t, LastWriterWins(existing, incoming))
		existing.Instant = base.Add(time.Nanosecond)
		assert.False(t, LastWriterWins(incoming, existing))
	})
}

func TestLaterRetractionWinsOverEarlierWrite(t *testing.T) {
	for _, pullFirst := range []string{"a", "b"} {
		t.Run("sync from "+pullFirst, func(t *testing.T) {
			ctx := context.Background()
			user := uuid.New()
			a, b := openPeer(t), openPeer(t)
			e, u := a.create(t, "v")
			_, err := New(b.store).Run(ctx, user, "peer://a", NewPeerRemote(a.store))
			require.NoError(t, err)
			eb, ok, err := b.store.EntidOf(u)
			require.NoError(t, err)
			require.True(t, ok)

			// a retracts the value after b has replaced it
			a.clock.set(30 * time.Second)
			tx := a.store.NewTransaction()
			require.NoError(t, tx.Retract(e, a.name, "v"))
			_, err = tx.Commit(ctx)
			require.NoError(t, err)
			b.clock.set(20 * time.Second)
			b.set(t, eb, b.name, "w")

			if pullFirst == "a" {
				res, err := New(a.store).Run(ctx, user, "peer://b", NewPeerRemote(b.store))
				require.NoError(t, err)
				require.Len(t, res.Conflicts, 1)
				assert.Equal(t, "w", res.Conflicts[0].Value)
			} else {
				_, err := New(b.store).Run(ctx, user, "peer://a", NewPeerRemote(a.store))
				require.NoError(t, err)
			}

			assert.Nil(t, a.title(t, u))
			assert.Nil(t, b.title(t, u))
		})
	}
}

func TestReferencesAndSetsSync(t *testing.T) {
	ctx := context.Background()
	user := uuid.New()
	a, b := openPeer(t), openPeer(t)
	owner, ownerUUID := a.create(t, "owner")

	tx := a.store.NewTransaction()
	require.NoError(t, tx.Add(eav.TempID("n"), a.name, "child"))
	require.NoError(t, tx.Add(eav.TempID("n"), a.owner, owner))
	require.NoError(t, tx.Add(eav.TempID("n"), a.tag, "red"))
	require.NoError(t, tx.Add(eav.TempID("n"), a.tag, "blue"))
	rep, err := tx.Commit(ctx)
	require.NoError(t, err)
	child, _, err := a.store.UUIDOf(rep.TempIDs["n"])
	require.NoError(t, err)

	_, err = New(b.store).Run(ctx, user, "peer://a", NewPeerRemote(a.store))
	require.NoError(t, err)

	e, ok, err := b.store.EntidOf(child)
	require.NoError(t, err)
	require.True(t, ok)
	ent, err := b.store.Read(ctx, e)
	require.NoError(t, err)
	ref, ok := ent.Get(b.owner)
	require.True(t, ok)
	localOwner, _, err := b.store.EntidOf(ownerUUID)
	require.NoError(t, err)
	assert.Equal(t, localOwner, ref)
	assert.ElementsMatch(t, []eav.Value{"red", "blue"}, ent.Values(b.tag))

	// Removing a tag on one side removes it on the other
	tx = b.store.NewTransaction()
	require.NoError(t, tx.Retract(e, b.tag, "red"))
	_, err = tx.Commit(ctx)
	require.NoError(t, err)
	_, err = New(b.store).Run(ctx, user, "peer://a", NewPeerRemote(a.store))
	require.NoError(t, err)
	ent, err = a.store.Read(ctx, rep.TempIDs["n"])
	require.NoError(t, err)
	assert.Equal(t, []eav.Value{"blue"}, ent.Values(a.tag))
}

func TestRemoteChangesNotifyObservers(t *testing.T) {
	ctx := context.Background()
	a, b := openPeer(t), openPeer(t)
	a.create(t, "remote note")

	var mu sync.Mutex
	var got []observer.Report
	b.store.RegisterObserver("titles", []eav.Entid{b.name}, func(_ string, r []observer.Report) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, r...)
	})
	_, err := New(b.store).Run(ctx, uuid.New(), "peer://a", NewPeerRemote(a.store))
	require.NoError(t, err)

	flushCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, b.store.Observers().Flush(flushCtx))
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, uint64(1), got[0].TxID)
	assert.Equal(t, []eav.Entid{b.name}, got[0].Attributes)
}

func TestRetryAfterFailedPush(t *testing.T) {
	ctx := context.Background()
	user := uuid.New()
	a, b := openPeer(t), openPeer(t)
	a.create(t, "from a")
	_, fromB := b.create(t, "from b")

	remote := &fakeRemote{}
	_, err := New(b.store).Run(ctx, user, "fake://log", remote)
	require.NoError(t, err)

	remote.pushErr = errors.New("connection reset")
	m := metrics.New(nil)
	engine := New(a.store, WithMetrics(m))
	res, err := engine.Run(ctx, user, "fake://log", remote)
	var transport *eav.SyncTransportError
	require.ErrorAs(t, err, &transport)
	assert.Equal(t, "push", transport.Step)
	assert.ErrorIs(t, err, eav.ErrSyncTransport)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, Idle, engine.State())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SyncCycles.WithLabelValues("transport")))

	// The applied transaction stays applied and the push was not recorded
	cur, err := a.store.Cursor(CursorKey(user, "fake://log"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), cur.Remote)
	assert.Zero(t, cur.Local)

	remote.pushErr = nil
	res, err = engine.Run(ctx, user, "fake://log", remote)
	require.NoError(t, err)
	assert.Zero(t, res.Applied)
	assert.Equal(t, 1, res.Pushed)
	assert.Equal(t, storage.Cursor{Remote: 2, Local: 2, UpdatedAt: res.Cursor.UpdatedAt}, res.Cursor)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SyncCycles.WithLabelValues("ok")))

	_, err = New(b.store).Run(ctx, user, "fake://log", remote)
	require.NoError(t, err)
	assert.Equal(t, history(t, a.store), history(t, b.store))
	assert.Equal(t, "from b", a.title(t, fromB))
}

func TestCorruptRemoteLeavesStoreUntouched(t *testing.T) {
	ctx := context.Background()
	a, b := openPeer(t), openPeer(t)
	b.create(t, "good")
	good, err := NewPeerRemote(b.store).Fetch(ctx, uuid.Nil, 0)
	require.NoError(t, err)
	require.Len(t, good, 1)

	cases := []struct {
		name  string
		tweak func(*Transaction)
	}{
		{"missing peer", func(tx *Transaction) { tx.Peer = uuid.Nil }},
		{"missing clock", func(tx *Transaction) { tx.Clock = 0 }},
		{"undefined attribute", func(tx *Transaction) { tx.Attributes = nil; tx.Facts[0].Attribute = ":nope" }},
		{"bad value", func(tx *Transaction) { tx.Facts[0].Value = Value{Type: "long", Data: "twelve"} }},
		{"wrong type", func(tx *Transaction) { tx.Facts[0].Value = Value{Type: "long", Data: "12"} }},
		{"incompatible definition", func(tx *Transaction) { tx.Attributes[0].Many = true }},
		{"conflicting assertions", func(tx *Transaction) {
			other := tx.Facts[0]
			other.Value = Value{Type: "string", Data: "other"}
			tx.Facts = append(tx.Facts, other)
		}},
		{"definition repeated differently", func(tx *Transaction) {
			tx.Attributes = append(tx.Attributes, AttributeDef{Name: ":note/extra", Type: "string"},
				AttributeDef{Name: ":note/extra", Type: "long"})
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			bad := good[0]
			bad.Position = 2
			bad.Tx.OriginTx = 99
			bad.Tx.Facts = append([]Fact(nil), good[0].Tx.Facts...)
			bad.Tx.Attributes = append([]AttributeDef(nil), good[0].Tx.Attributes...)
			tc.tweak(&bad.Tx)
			remote := &fakeRemote{entries: []Entry{good[0], bad}}

			_, err := New(a.store).Run(ctx, uuid.New(), "fake://corrupt", remote)
			var corrupt *eav.SyncCorruptionError
			require.ErrorAs(t, err, &corrupt)
			assert.Equal(t, uint64(2), corrupt.Position)
			assert.Zero(t, a.store.Head())
			assert.Empty(t, remote.pushed)
		})
	}

	t.Run("attribute redefined within a batch", func(t *testing.T) {
		first := good[0]
		first.Tx.Attributes = append([]AttributeDef{{Name: ":note/extra", Type: "string"}}, good[0].Tx.Attributes...)
		second := good[0]
		second.Position = 2
		second.Tx.OriginTx = 99
		second.Tx.Attributes = append([]AttributeDef{{Name: ":note/extra", Type: "long"}}, good[0].Tx.Attributes...)
		remote := &fakeRemote{entries: []Entry{first, second}}

		_, err := New(a.store).Run(ctx, uuid.New(), "fake://corrupt", remote)
		assert.ErrorIs(t, err, eav.ErrSyncCorruption)
		assert.Zero(t, a.store.Head())
		_, ok := a.store.AttributeByName(":note/extra")
		assert.False(t, ok)
	})

	t.Run("apply registers nothing for a rejected transaction", func(t *testing.T) {
		bad := good[0]
		bad.Tx.Attributes = append([]AttributeDef{{Name: ":note/extra", Type: "string"}}, good[0].Tx.Attributes...)
		other := bad.Tx.Facts[0]
		other.Value = Value{Type: "string", Data: "other"}
		bad.Tx.Facts = append(append([]Fact(nil), good[0].Tx.Facts...), other)

		_, err := Apply(ctx, a.store, bad.Tx, storage.Origin{Stamp: bad.Tx.Stamp()}, LastWriterWins)
		assert.ErrorIs(t, err, eav.ErrValidation)
		_, ok := a.store.AttributeByName(":note/extra")
		assert.False(t, ok)
		assert.Zero(t, a.store.Head())
	})

	t.Run("positions must increase", func(t *testing.T) {
		dup := good[0]
		dup.Tx.OriginTx = 2
		remote := &fakeRemote{entries: []Entry{good[0], dup}}
		_, err := New(a.store).Run(ctx, uuid.New(), "fake://corrupt", remote)
		assert.ErrorIs(t, err, eav.ErrSyncCorruption)
		assert.Zero(t, a.store.Head())
	})
}

func TestCancelledSync(t *testing.T) {
	a, b := openPeer(t), openPeer(t)
	b.create(t, "one")
	b.create(t, "two")
	entries, err := NewPeerRemote(b.store).Fetch(context.Background(), uuid.Nil, 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	remote := &fakeRemote{entries: entries, onFetch: cancel}
	user := uuid.New()
	_, err = New(a.store).Run(ctx, user, "fake://log", remote)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, a.store.Head())
	cur, err := a.store.Cursor(CursorKey(user, "fake://log"))
	require.NoError(t, err)
	assert.Zero(t, cur.Remote)

	remote.onFetch = nil
	res, err := New(a.store).Run(context.Background(), user, "fake://log", remote)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Applied)
	assert.Equal(t, uint64(2), res.Cursor.Remote)
}

func TestUnknownTransport(t *testing.T) {
	a := openPeer(t)
	_, err := New(a.store).Sync(context.Background(), uuid.New(), "carrier-pigeon://coop")
	var transport *eav.SyncTransportError
	require.ErrorAs(t, err, &transport)
	assert.Equal(t, "connect", transport.Step)

	_, err = New(a.store).Sync(context.Background(), uuid.New(), "no-scheme")
	assert.ErrorIs(t, err, eav.ErrSyncTransport)
}

func TestProgressNeverSkipsAPosition(t *testing.T) {
	entries := []Entry{{Position: 4}, {Position: 5}, {Position: 7}}
	// 5 was already seen; the rest are applied out of position order
	fresh := []Entry{{Position: 7}, {Position: 4}}
	p := newProgress(entries, fresh, 3)
	assert.Equal(t, uint64(3), p.done(7))
	assert.Equal(t, uint64(7), p.done(4))
}
