// Package toodle maps to-do items and labels onto store transactions.
// Every operation is one or more ordinary commits over the vocabulary in
// vocabulary.go.
package toodle

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wbrown/janus-eav/eav"
	"github.com/wbrown/janus-eav/eav/storage"
)

var (
	// ErrItemNotFound is returned when no item has the requested uuid
	ErrItemNotFound = errors.New("toodle: item not found")
	// ErrLabelNotFound is returned when no label has the requested name
	ErrLabelNotFound = errors.New("toodle: label not found")
)

// Label tags items
type Label struct {
	ID    eav.Entid
	Name  string
	Color string
}

// Item is a to-do entry
type Item struct {
	ID             eav.Entid
	UUID           uuid.UUID
	Name           string
	DueDate        *time.Time
	CompletionDate *time.Time
	Labels         []Label
}

// Completed reports whether the item has a completion date
func (i *Item) Completed() bool {
	return i.CompletionDate != nil
}

// Update lists the changes UpdateItem makes. Nil fields are left alone.
type Update struct {
	Name           *string
	DueDate        *time.Time
	ClearDueDate   bool
	CompletionDate *time.Time
	ClearCompleted bool
	// Labels, when non-nil, replaces the item's labels by name
	Labels []string
}

// Toodle is the items and labels view of a store
type Toodle struct {
	store *storage.Store
	vocab Vocabulary
}

// Open installs the vocabulary in s
func Open(s *storage.Store) (*Toodle, error) {
	v, err := installVocabulary(s)
	if err != nil {
		return nil, err
	}
	return &Toodle{store: s, vocab: v}, nil
}

// Store returns the underlying store
func (t *Toodle) Store() *storage.Store {
	return t.store
}

// Vocabulary returns the entids of the vocabulary attributes
func (t *Toodle) Vocabulary() Vocabulary {
	return t.vocab
}

// CreateLabel creates a label, or recolors the label that already has name
func (t *Toodle) CreateLabel(ctx context.Context, name, color string) (*Label, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, eav.Invalid("label name is required")
	}
	existing, err := t.Label(ctx, name)
	if err != nil && !errors.Is(err, ErrLabelNotFound) {
		return nil, err
	}

	tx := t.store.NewTransaction()
	var e eav.EntityRef = eav.TempID("label")
	if existing != nil {
		if existing.Color == color {
			return existing, nil
		}
		e = existing.ID
		tx.Expect(existing.ID, t.vocab.LabelName, name)
	} else {
		if err := tx.Add(e, t.vocab.LabelName, name); err != nil {
			tx.Rollback()
			return nil, err
		}
	}
	if err := tx.Add(e, t.vocab.LabelColor, color); err != nil {
		tx.Rollback()
		return nil, err
	}
	if _, err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to save label %s: %w", name, err)
	}
	return t.Label(ctx, name)
}

// Label returns the label called name
func (t *Toodle) Label(ctx context.Context, name string) (*Label, error) {
	sn, err := t.store.Snapshot()
	if err != nil {
		return nil, err
	}
	defer sn.Release()

	e, ok, err := sn.Lookup(t.vocab.LabelName, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLabelNotFound, name)
	}
	return t.readLabel(ctx, sn, e)
}

// Labels returns every label ordered by name
func (t *Toodle) Labels(ctx context.Context) ([]Label, error) {
	sn, err := t.store.Snapshot()
	if err != nil {
		return nil, err
	}
	defer sn.Release()

	ids, err := sn.EntitiesWith(ctx, t.vocab.LabelName)
	if err != nil {
		return nil, err
	}
	labels := make([]Label, 0, len(ids))
	for _, id := range ids {
		l, err := t.readLabel(ctx, sn, id)
		if err != nil {
			return nil, err
		}
		labels = append(labels, *l)
	}
	sort.Slice(labels, func(i, j int) bool { return labels[i].Name < labels[j].Name })
	return labels, nil
}

func (t *Toodle) readLabel(ctx context.Context, sn *storage.Snapshot, e eav.Entid) (*Label, error) {
	ent, err := sn.Read(ctx, e)
	if err != nil {
		return nil, err
	}
	l := &Label{ID: e}
	if v, ok := ent.Get(t.vocab.LabelName); ok {
		l.Name, _ = v.(string)
	}
	if v, ok := ent.Get(t.vocab.LabelColor); ok {
		l.Color, _ = v.(string)
	}
	return l, nil
}

// CreateItem creates an item with an optional due date
func (t *Toodle) CreateItem(ctx context.Context, name string, due *time.Time) (*Item, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, eav.Invalid("item name is required")
	}
	u := uuid.New()
	temp := eav.TempID("item")

	tx := t.store.NewTransaction()
	tx.Identify(temp, u)
	if err := tx.Add(temp, t.vocab.ItemUUID, u); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Add(temp, t.vocab.ItemName, name); err != nil {
		tx.Rollback()
		return nil, err
	}
	if due != nil {
		if err := tx.Add(temp, t.vocab.ItemDueDate, eav.Instant(*due)); err != nil {
			tx.Rollback()
			return nil, err
		}
	}
	if _, err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to create item: %w", err)
	}
	return t.Item(ctx, u)
}

// Item returns the item with uuid u
func (t *Toodle) Item(ctx context.Context, u uuid.UUID) (*Item, error) {
	sn, err := t.store.Snapshot()
	if err != nil {
		return nil, err
	}
	defer sn.Release()
	return t.itemAt(ctx, sn, u)
}

func (t *Toodle) itemAt(ctx context.Context, sn *storage.Snapshot, u uuid.UUID) (*Item, error) {
	e, ok, err := sn.Lookup(t.vocab.ItemUUID, u)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrItemNotFound, u)
	}
	return t.readItem(ctx, sn, e)
}

// Items returns every item in creation order
func (t *Toodle) Items(ctx context.Context) ([]Item, error) {
	sn, err := t.store.Snapshot()
	if err != nil {
		return nil, err
	}
	defer sn.Release()

	ids, err := sn.EntitiesWith(ctx, t.vocab.ItemUUID)
	if err != nil {
		return nil, err
	}
	return t.readItems(ctx, sn, ids)
}

// ItemsWithLabel returns the items tagged with the named label
func (t *Toodle) ItemsWithLabel(ctx context.Context, label string) ([]Item, error) {
	sn, err := t.store.Snapshot()
	if err != nil {
		return nil, err
	}
	defer sn.Release()

	l, ok, err := sn.Lookup(t.vocab.LabelName, label)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLabelNotFound, label)
	}
	ids, err := sn.EntitiesWith(ctx, t.vocab.ItemLabel)
	if err != nil {
		return nil, err
	}
	var tagged []eav.Entid
	for _, id := range ids {
		vals, err := sn.Values(id, t.vocab.ItemLabel)
		if err != nil {
			return nil, err
		}
		if slices.ContainsFunc(vals, func(v eav.Value) bool { return v == eav.Value(l) }) {
			tagged = append(tagged, id)
		}
	}
	return t.readItems(ctx, sn, tagged)
}

func (t *Toodle) readItems(ctx context.Context, sn *storage.Snapshot, ids []eav.Entid) ([]Item, error) {
	items := make([]Item, 0, len(ids))
	for _, id := range ids {
		it, err := t.readItem(ctx, sn, id)
		if err != nil {
			return nil, err
		}
		if it.Name == "" {
			continue
		}
		items = append(items, *it)
	}
	return items, nil
}

func (t *Toodle) readItem(ctx context.Context, sn *storage.Snapshot, e eav.Entid) (*Item, error) {
	ent, err := sn.Read(ctx, e)
	if err != nil {
		return nil, err
	}
	it := &Item{ID: e}
	if v, ok := ent.Get(t.vocab.ItemUUID); ok {
		it.UUID, _ = v.(uuid.UUID)
	}
	if v, ok := ent.Get(t.vocab.ItemName); ok {
		it.Name, _ = v.(string)
	}
	if v, ok := ent.Get(t.vocab.ItemDueDate); ok {
		if ts, ok := eav.InstantOf(v); ok {
			it.DueDate = &ts
		}
	}
	if v, ok := ent.Get(t.vocab.ItemCompletionDate); ok {
		if ts, ok := eav.InstantOf(v); ok {
			it.CompletionDate = &ts
		}
	}
	for _, v := range ent.Values(t.vocab.ItemLabel) {
		ref, ok := v.(eav.Entid)
		if !ok {
			continue
		}
		l, err := t.readLabel(ctx, sn, ref)
		if err != nil {
			return nil, err
		}
		it.Labels = append(it.Labels, *l)
	}
	sort.Slice(it.Labels, func(i, j int) bool { return it.Labels[i].Name < it.Labels[j].Name })
	return it, nil
}

// UpdateItem applies u to the item in one transaction. It fails with a
// concurrency error if the item changed after it was read.
func (t *Toodle) UpdateItem(ctx context.Context, id uuid.UUID, u Update) (*Item, error) {
	sn, err := t.store.Snapshot()
	if err != nil {
		return nil, err
	}
	item, err := t.itemAt(ctx, sn, id)
	basis := sn.TxID()
	sn.Release()
	if err != nil {
		return nil, err
	}

	tx := t.store.NewTransaction()
	tx.SetBasis(basis)
	changed, err := t.stage(ctx, tx, item, u)
	if err != nil || !changed {
		tx.Rollback()
		if err != nil {
			return nil, err
		}
		return item, nil
	}
	if _, err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to update item %s: %w", id, err)
	}
	return t.Item(ctx, id)
}

func (t *Toodle) stage(ctx context.Context, tx *storage.Transaction, item *Item, u Update) (bool, error) {
	var ops []func() error
	if u.Name != nil && *u.Name != item.Name {
		name := strings.TrimSpace(*u.Name)
		if name == "" {
			return false, eav.Invalid("item name is required")
		}
		ops = append(ops, func() error { return tx.Add(item.ID, t.vocab.ItemName, name) })
	}
	ops = append(ops, dateOps(tx, item.ID, t.vocab.ItemDueDate, item.DueDate, u.DueDate, u.ClearDueDate)...)
	ops = append(ops, dateOps(tx, item.ID, t.vocab.ItemCompletionDate, item.CompletionDate, u.CompletionDate, u.ClearCompleted)...)

	if u.Labels != nil {
		want := make(map[eav.Entid]bool, len(u.Labels))
		for _, name := range u.Labels {
			l, err := t.Label(ctx, name)
			if err != nil {
				return false, err
			}
			want[l.ID] = true
		}
		for _, l := range item.Labels {
			if want[l.ID] {
				delete(want, l.ID)
				continue
			}
			ops = append(ops, func() error { return tx.Retract(item.ID, t.vocab.ItemLabel, l.ID) })
		}
		for id := range want {
			ops = append(ops, func() error { return tx.Add(item.ID, t.vocab.ItemLabel, id) })
		}
	}

	for _, op := range ops {
		if err := op(); err != nil {
			return false, err
		}
	}
	return len(ops) > 0, nil
}

func dateOps(tx *storage.Transaction, e, a eav.Entid, current, next *time.Time, clear bool) []func() error {
	switch {
	case next != nil:
		v := eav.Instant(*next)
		if current != nil && current.Equal(v.(time.Time)) {
			return nil
		}
		return []func() error{func() error { return tx.Add(e, a, v) }}
	case clear && current != nil:
		return []func() error{func() error { return tx.Retract(e, a, *current) }}
	}
	return nil
}

// DeleteItem retracts every fact of the item
func (t *Toodle) DeleteItem(ctx context.Context, id uuid.UUID) error {
	item, err := t.Item(ctx, id)
	if err != nil {
		return err
	}
	tx := t.store.NewTransaction()
	if err := tx.RetractEntity(item.ID); err != nil {
		return err
	}
	if _, err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to delete item %s: %w", id, err)
	}
	return nil
}
