package main

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wbrown/janus-eav/eav"
	"github.com/wbrown/janus-eav/eav/observer"
)

func TestTableFormatter(t *testing.T) {
	color.NoColor = true
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	tf := newTableFormatter()
	tf.now = func() time.Time { return now }
	tf.maxWidth = 12

	due := now.Add(-2 * time.Hour)
	out := tf.format([]string{"name", "due", "done"}, [][]any{
		{"Buy milk", &due, true},
		{"A rather long item name", (*time.Time)(nil), false},
	})

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.GreaterOrEqual(t, len(lines), 4)
	assert.Contains(t, lines[0], "name")
	assert.Contains(t, out, "Buy milk")
	assert.Contains(t, out, "2 hours ago")
	assert.Contains(t, out, "yes")
	assert.Contains(t, out, "A rather ...")
	assert.NotContains(t, out, "long item")
	assert.True(t, strings.HasSuffix(out, "_2 rows_\n"))

	assert.Equal(t, "_No rows_\n", tf.format([]string{"name"}, nil))
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	tf := newTableFormatter()
	tf.maxWidth = 6
	got := tf.cell("ééééééééé")
	assert.Equal(t, "ééé...", got)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, "éééééé", tf.cell("éééééé"))
}

func TestPlural(t *testing.T) {
	assert.Equal(t, "1 item", plural(1, "item"))
	assert.Equal(t, "0 items", plural(0, "item"))
	assert.Equal(t, "1,200 items", plural(1200, "item"))
	assert.Equal(t, "2 entities", plural(2, "entity"))
}

func TestChangePrinter(t *testing.T) {
	color.NoColor = true
	var out strings.Builder
	p := &changePrinter{w: &out, names: map[eav.Entid]string{1: ":item/name"}}
	p.print("watch", []observer.Report{
		{TxID: 3, Attributes: []eav.Entid{1, 9}, Entities: []eav.Entid{20}},
		{TxID: 4, Attributes: []eav.Entid{1}, Entities: []eav.Entid{20, 21}},
	})
	assert.Equal(t, "tx 3 :item/name 9 1 entity\ntx 4 :item/name 2 entities\n", out.String())
}
