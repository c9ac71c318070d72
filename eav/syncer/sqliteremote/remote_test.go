package sqliteremote

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wbrown/janus-eav/eav"
	"github.com/wbrown/janus-eav/eav/storage"
	"github.com/wbrown/janus-eav/eav/syncer"
)

func openStore(t *testing.T) (*storage.Store, eav.Entid) {
	t.Helper()
	s, err := storage.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	name, err := s.EnsureAttribute(eav.Attribute{Name: ":item/name", Type: eav.TypeString})
	require.NoError(t, err)
	return s, name
}

func commitName(t *testing.T, s *storage.Store, name eav.Entid, v string) {
	t.Helper()
	tx := s.NewTransaction()
	require.NoError(t, tx.Add(eav.TempID("i"), name, v))
	_, err := tx.Commit(context.Background())
	require.NoError(t, err)
}

func testTransaction(peer uuid.UUID, originTx uint64) syncer.Transaction {
	return syncer.Transaction{
		Peer:     peer,
		OriginTx: originTx,
		Clock:    originTx,
		Instant:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Facts: []syncer.Fact{{
			Entity:    uuid.New(),
			Attribute: ":item/name",
			Value:     syncer.Value{Type: "string", Data: "x"},
			Added:     true,
		}},
	}
}

func TestPushAndFetch(t *testing.T) {
	ctx := context.Background()
	r, err := Open(ctx, filepath.Join(t.TempDir(), "log.db"))
	require.NoError(t, err)
	defer r.Close()

	alice, bob := uuid.New(), uuid.New()
	peer := uuid.New()

	ack, err := r.Push(ctx, alice, 0, []syncer.Transaction{testTransaction(peer, 1), testTransaction(peer, 2)})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), ack.Head)

	// Logs are kept per user
	head, err := r.Head(ctx, bob)
	require.NoError(t, err)
	assert.Zero(t, head)

	entries, err := r.Fetch(ctx, alice, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, uint64(2), entries[0].Position)
	assert.Equal(t, uint64(2), entries[0].Tx.OriginTx)
	assert.Equal(t, "x", entries[0].Tx.Facts[0].Value.Data)

	t.Run("stale head", func(t *testing.T) {
		_, err := r.Push(ctx, alice, 1, []syncer.Transaction{testTransaction(peer, 3)})
		assert.ErrorIs(t, err, syncer.ErrHeadMoved)
		head, err := r.Head(ctx, alice)
		require.NoError(t, err)
		assert.Equal(t, uint64(2), head)
	})

	t.Run("known transactions are skipped", func(t *testing.T) {
		ack, err := r.Push(ctx, alice, 2, []syncer.Transaction{testTransaction(peer, 2)})
		require.NoError(t, err)
		assert.Equal(t, uint64(2), ack.Head)
	})

	t.Run("bad uri", func(t *testing.T) {
		_, err := OpenURI(ctx, "peer://elsewhere")
		assert.Error(t, err)
		_, err = Open(ctx, " ")
		assert.Error(t, err)
	})
}

func TestTwoPeersShareALog(t *testing.T) {
	ctx := context.Background()
	uri := "sqlite://" + filepath.Join(t.TempDir(), "shared.db")
	user := uuid.New()

	a, aName := openStore(t)
	b, bName := openStore(t)
	commitName(t, a, aName, "Buy milk")
	commitName(t, b, bName, "Walk dog")

	engineA := syncer.New(a, syncer.WithTransports(Transport()))
	engineB := syncer.New(b, syncer.WithTransports(Transport()))

	res, err := engineA.Sync(ctx, user, uri)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pushed)

	res, err = engineB.Sync(ctx, user, uri)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, 1, res.Pushed)
	assert.Equal(t, uint64(2), res.Cursor.Remote)

	res, err = engineA.Sync(ctx, user, uri)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
	assert.Zero(t, res.Pushed)
	assert.Equal(t, uint64(2), res.Cursor.Remote)

	histA, err := a.History(ctx)
	require.NoError(t, err)
	histB, err := b.History(ctx)
	require.NoError(t, err)
	require.Len(t, histA, 2)
	require.Len(t, histB, 2)
	for i := range histA {
		assert.Equal(t, histA[i].Stamp.Peer, histB[i].Stamp.Peer)
		assert.Equal(t, histA[i].Stamp.OriginTx, histB[i].Stamp.OriginTx)
	}

	// A corrupt entry aborts the cycle without touching the store
	r, err := OpenURI(ctx, uri)
	require.NoError(t, err)
	_, err = r.sqlDB.ExecContext(ctx,
		`INSERT INTO sync_log (user, peer, origin_tx, clock, payload) VALUES (?, ?, 7, 7, '{not json')`,
		user.String(), uuid.NewString())
	require.NoError(t, err)
	require.NoError(t, r.Close())

	head := b.Head()
	_, err = engineB.Sync(ctx, user, uri)
	assert.ErrorIs(t, err, eav.ErrSyncCorruption)
	assert.Equal(t, head, b.Head())
	cur, err := b.Cursor(syncer.CursorKey(user, uri))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), cur.Remote)
}
