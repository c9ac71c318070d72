package toodle

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wbrown/janus-eav/eav"
	"github.com/wbrown/janus-eav/eav/storage"
)

func openToodle(t *testing.T) *Toodle {
	t.Helper()
	s, err := storage.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	td, err := Open(s)
	require.NoError(t, err)
	return td
}

func TestVocabularyIsIdempotent(t *testing.T) {
	td := openToodle(t)
	again, err := Open(td.Store())
	require.NoError(t, err)
	assert.Equal(t, td.Vocabulary(), again.Vocabulary())
	assert.Len(t, td.Vocabulary().Names(), len(Definitions()))
	assert.Zero(t, td.Store().Head())
}

func TestLabels(t *testing.T) {
	td := openToodle(t)
	ctx := context.Background()

	home, err := td.CreateLabel(ctx, "home", "green")
	require.NoError(t, err)
	assert.Equal(t, "home", home.Name)
	assert.Equal(t, "green", home.Color)
	_, err = td.CreateLabel(ctx, "work", "blue")
	require.NoError(t, err)

	// Same name recolors the existing label
	recolored, err := td.CreateLabel(ctx, "home", "red")
	require.NoError(t, err)
	assert.Equal(t, home.ID, recolored.ID)
	assert.Equal(t, "red", recolored.Color)

	head := td.Store().Head()
	_, err = td.CreateLabel(ctx, "home", "red")
	require.NoError(t, err)
	assert.Equal(t, head, td.Store().Head())

	labels, err := td.Labels(ctx)
	require.NoError(t, err)
	require.Len(t, labels, 2)
	assert.Equal(t, "home", labels[0].Name)
	assert.Equal(t, "work", labels[1].Name)

	_, err = td.Label(ctx, "garden")
	assert.ErrorIs(t, err, ErrLabelNotFound)
	_, err = td.CreateLabel(ctx, "  ", "red")
	assert.ErrorIs(t, err, eav.ErrValidation)
}

func TestItemLifecycle(t *testing.T) {
	td := openToodle(t)
	ctx := context.Background()
	due := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	item, err := td.CreateItem(ctx, "Buy milk", &due)
	require.NoError(t, err)
	assert.Equal(t, "Buy milk", item.Name)
	require.NotNil(t, item.DueDate)
	assert.True(t, due.Equal(*item.DueDate))
	assert.False(t, item.Completed())
	assert.NotEqual(t, uuid.Nil, item.UUID)

	// The item's uuid is also its entity identity
	u, ok, err := td.Store().UUIDOf(item.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, item.UUID, u)

	_, err = td.CreateLabel(ctx, "shopping", "yellow")
	require.NoError(t, err)
	_, err = td.CreateLabel(ctx, "urgent", "red")
	require.NoError(t, err)

	done := time.Unix(1700000000, 0).UTC()
	name := "Buy oat milk"
	item, err = td.UpdateItem(ctx, item.UUID, Update{
		Name:           &name,
		CompletionDate: &done,
		ClearDueDate:   true,
		Labels:         []string{"shopping", "urgent"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Buy oat milk", item.Name)
	assert.Nil(t, item.DueDate)
	require.NotNil(t, item.CompletionDate)
	assert.True(t, done.Equal(*item.CompletionDate))
	require.Len(t, item.Labels, 2)

	item, err = td.UpdateItem(ctx, item.UUID, Update{Labels: []string{"urgent"}, ClearCompleted: true})
	require.NoError(t, err)
	require.Len(t, item.Labels, 1)
	assert.Equal(t, "urgent", item.Labels[0].Name)
	assert.False(t, item.Completed())

	head := td.Store().Head()
	_, err = td.UpdateItem(ctx, item.UUID, Update{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, head, td.Store().Head(), "no-op update commits nothing")

	tagged, err := td.ItemsWithLabel(ctx, "urgent")
	require.NoError(t, err)
	require.Len(t, tagged, 1)
	assert.Equal(t, item.UUID, tagged[0].UUID)
	tagged, err = td.ItemsWithLabel(ctx, "shopping")
	require.NoError(t, err)
	assert.Empty(t, tagged)

	_, err = td.UpdateItem(ctx, item.UUID, Update{Labels: []string{"missing"}})
	assert.ErrorIs(t, err, ErrLabelNotFound)

	require.NoError(t, td.DeleteItem(ctx, item.UUID))
	_, err = td.Item(ctx, item.UUID)
	assert.ErrorIs(t, err, ErrItemNotFound)
	assert.ErrorIs(t, td.DeleteItem(ctx, item.UUID), ErrItemNotFound)
	_, err = td.UpdateItem(ctx, uuid.New(), Update{Name: &name})
	assert.ErrorIs(t, err, ErrItemNotFound)
}

func TestItems(t *testing.T) {
	td := openToodle(t)
	ctx := context.Background()
	for _, name := range []string{"one", "two", "three"} {
		_, err := td.CreateItem(ctx, name, nil)
		require.NoError(t, err)
	}
	items, err := td.Items(ctx)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "one", items[0].Name)
	assert.Equal(t, "three", items[2].Name)
	assert.Nil(t, items[0].DueDate)

	_, err = td.CreateItem(ctx, "", nil)
	assert.ErrorIs(t, err, eav.ErrValidation)
}

func TestConcurrentUpdateIsDetected(t *testing.T) {
	td := openToodle(t)
	ctx := context.Background()
	item, err := td.CreateItem(ctx, "draft", nil)
	require.NoError(t, err)

	// A write that lands between the read and the commit wins
	tx := td.Store().NewTransaction()
	tx.SetBasis(td.Store().Head())
	require.NoError(t, tx.Add(item.ID, td.Vocabulary().ItemName, "first"))

	name := "second"
	sn, err := td.Store().Snapshot()
	require.NoError(t, err)
	stale, err := td.itemAt(ctx, sn, item.UUID)
	require.NoError(t, err)
	basis := sn.TxID()
	sn.Release()

	_, err = tx.Commit(ctx)
	require.NoError(t, err)

	late := td.Store().NewTransaction()
	late.SetBasis(basis)
	changed, err := td.stage(ctx, late, stale, Update{Name: &name})
	require.NoError(t, err)
	require.True(t, changed)
	_, err = late.Commit(ctx)
	assert.ErrorIs(t, err, eav.ErrConcurrency)

	got, err := td.Item(ctx, item.UUID)
	require.NoError(t, err)
	assert.Equal(t, "first", got.Name)
}
