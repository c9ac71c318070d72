package main

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/renderer"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/wbrown/janus-eav/eav"
)

var (
	okColor      = color.New(color.FgGreen)
	warnColor    = color.New(color.FgYellow)
	errorColor   = color.New(color.FgRed, color.Bold)
	subtleColor  = color.New(color.Faint)
	headingColor = color.New(color.Bold)
)

// tableFormatter renders rows as a markdown table
type tableFormatter struct {
	// maxWidth is the widest a cell may be before it is truncated
	maxWidth int
	truncate string
	// now anchors relative dates
	now func() time.Time
}

func newTableFormatter() *tableFormatter {
	return &tableFormatter{
		maxWidth: 50,
		truncate: "...",
		now:      time.Now,
	}
}

// format renders headers and rows. Rows are values, formatted per cell.
func (tf *tableFormatter) format(headers []string, rows [][]any) string {
	if len(rows) == 0 {
		return "_No rows_\n"
	}

	out := &strings.Builder{}
	alignment := make([]tw.Align, len(headers))
	for i := range alignment {
		alignment[i] = tw.AlignNone
	}
	table := tablewriter.NewTable(out,
		tablewriter.WithRenderer(renderer.NewMarkdown()),
		tablewriter.WithAlignment(alignment),
		tablewriter.WithHeaderAutoFormat(tw.Off),
	)
	table.Header(headers)
	for _, row := range rows {
		cells := make([]string, len(row))
		for i, v := range row {
			cells[i] = tf.cell(v)
		}
		table.Append(cells)
	}
	table.Render()

	fmt.Fprintf(out, "\n_%s_\n", plural(len(rows), "row"))
	return out.String()
}

func (tf *tableFormatter) cell(v any) string {
	s := tf.formatValue(v)
	if tf.maxWidth <= 0 || utf8.RuneCountInString(s) <= tf.maxWidth {
		return s
	}
	keep := max(tf.maxWidth-utf8.RuneCountInString(tf.truncate), 0)
	return string([]rune(s)[:keep]) + tf.truncate
}

func (tf *tableFormatter) formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case *time.Time:
		if val == nil {
			return ""
		}
		return tf.formatValue(*val)
	case time.Time:
		return humanize.RelTime(val, tf.now(), "ago", "from now")
	case bool:
		if val {
			return "yes"
		}
		return ""
	case fmt.Stringer:
		return val.String()
	default:
		return eav.FormatValue(val)
	}
}

func plural(n int, noun string) string {
	if n == 1 {
		return "1 " + noun
	}
	if stem, ok := strings.CutSuffix(noun, "y"); ok {
		noun = stem + "ie"
	}
	return humanize.Comma(int64(n)) + " " + noun + "s"
}
