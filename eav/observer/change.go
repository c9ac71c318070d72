package observer

import (
	"sort"

	"github.com/wbrown/janus-eav/eav"
)

// Change summarizes which attributes and entities one committed transaction
// touched
type Change struct {
	TxID    uint64
	touched map[eav.Entid]map[eav.Entid]struct{} // attribute -> entities
}

// NewChange builds the summary for a transaction's datoms
func NewChange(txID uint64, datoms []eav.Datom) Change {
	c := Change{TxID: txID, touched: make(map[eav.Entid]map[eav.Entid]struct{})}
	for _, d := range datoms {
		ents, ok := c.touched[d.A]
		if !ok {
			ents = make(map[eav.Entid]struct{})
			c.touched[d.A] = ents
		}
		ents[d.E] = struct{}{}
	}
	return c
}

// Attributes returns the changed attributes in ascending order
func (c Change) Attributes() []eav.Entid {
	attrs := make([]eav.Entid, 0, len(c.touched))
	for a := range c.touched {
		attrs = append(attrs, a)
	}
	sortEntids(attrs)
	return attrs
}

// reportFor intersects the change with an interest set
func (c Change) reportFor(interest map[eav.Entid]struct{}) (Report, bool) {
	var attrs []eav.Entid
	ents := make(map[eav.Entid]struct{})
	for a, touched := range c.touched {
		if _, ok := interest[a]; !ok {
			continue
		}
		attrs = append(attrs, a)
		for e := range touched {
			ents[e] = struct{}{}
		}
	}
	if len(attrs) == 0 {
		return Report{}, false
	}
	entities := make([]eav.Entid, 0, len(ents))
	for e := range ents {
		entities = append(entities, e)
	}
	sortEntids(attrs)
	sortEntids(entities)
	return Report{TxID: c.TxID, Attributes: attrs, Entities: entities}, true
}

func sortEntids(ids []eav.Entid) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
