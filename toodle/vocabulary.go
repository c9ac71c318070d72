package toodle

import (
	"fmt"

	"github.com/wbrown/janus-eav/eav"
	"github.com/wbrown/janus-eav/eav/storage"
)

// Attribute names of the items and labels vocabulary
const (
	ItemUUID           = ":item/uuid"
	ItemName           = ":item/name"
	ItemDueDate        = ":item/due_date"
	ItemCompletionDate = ":item/completion_date"
	ItemLabel          = ":item/label"
	LabelName          = ":label/name"
	LabelColor         = ":label/color"
)

// Vocabulary holds the entids the vocabulary was registered under
type Vocabulary struct {
	ItemUUID           eav.Entid
	ItemName           eav.Entid
	ItemDueDate        eav.Entid
	ItemCompletionDate eav.Entid
	ItemLabel          eav.Entid
	LabelName          eav.Entid
	LabelColor         eav.Entid
}

// Definitions returns the attribute definitions of the vocabulary
func Definitions() []eav.Attribute {
	return []eav.Attribute{
		{Name: ItemUUID, Type: eav.TypeUUID, Unique: eav.UniqueValue},
		{Name: ItemName, Type: eav.TypeString},
		{Name: ItemDueDate, Type: eav.TypeInstant},
		{Name: ItemCompletionDate, Type: eav.TypeInstant},
		{Name: ItemLabel, Type: eav.TypeRef, Cardinality: eav.CardinalityMany},
		{Name: LabelName, Type: eav.TypeString, Unique: eav.UniqueValue},
		{Name: LabelColor, Type: eav.TypeString},
	}
}

func installVocabulary(s *storage.Store) (Vocabulary, error) {
	var v Vocabulary
	targets := map[string]*eav.Entid{
		ItemUUID:           &v.ItemUUID,
		ItemName:           &v.ItemName,
		ItemDueDate:        &v.ItemDueDate,
		ItemCompletionDate: &v.ItemCompletionDate,
		ItemLabel:          &v.ItemLabel,
		LabelName:          &v.LabelName,
		LabelColor:         &v.LabelColor,
	}
	for _, def := range Definitions() {
		id, err := s.EnsureAttribute(def)
		if err != nil {
			return v, fmt.Errorf("failed to install %s: %w", def.Name, err)
		}
		*targets[def.Name] = id
	}
	return v, nil
}

// Names maps vocabulary entids back to attribute names
func (v Vocabulary) Names() map[eav.Entid]string {
	return map[eav.Entid]string{
		v.ItemUUID:           ItemUUID,
		v.ItemName:           ItemName,
		v.ItemDueDate:        ItemDueDate,
		v.ItemCompletionDate: ItemCompletionDate,
		v.ItemLabel:          ItemLabel,
		v.LabelName:          LabelName,
		v.LabelColor:         LabelColor,
	}
}
