package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/wbrown/janus-eav/eav"
	"github.com/wbrown/janus-eav/eav/storage"
)

func newLogCmd(a *app) *cobra.Command {
	var limit int
	var datoms bool
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show the transaction log, newest last",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			history, err := a.store.History(cmd.Context())
			if err != nil {
				return report(err)
			}
			if limit > 0 && len(history) > limit {
				history = history[len(history)-limit:]
			}
			tf := newTableFormatter()
			out := cmd.OutOrStdout()
			if !datoms {
				rows := make([][]any, 0, len(history))
				for _, rec := range history {
					rows = append(rows, []any{strconv.FormatUint(rec.TxID, 10), rec.Stamp, rec.Stamp.Instant, source(rec), plural(len(rec.Datoms), "datom")})
				}
				fmt.Fprint(out, tf.format([]string{"tx", "stamp", "when", "source", "facts"}, rows))
				return nil
			}
			var rows [][]any
			for _, rec := range history {
				for _, d := range rec.Datoms {
					rows = append(rows, []any{strconv.FormatUint(rec.TxID, 10), op(d), d.E, a.attributeName(d.A), eav.FormatValue(d.V)})
				}
			}
			fmt.Fprint(out, tf.format([]string{"tx", "op", "entity", "attribute", "value"}, rows))
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "show only the last n transactions")
	cmd.Flags().BoolVar(&datoms, "datoms", false, "list every fact instead of one row per transaction")
	return cmd
}

func source(rec *storage.TxRecord) string {
	if rec.Local() {
		return "local"
	}
	return fmt.Sprintf("%s #%d", rec.Source, rec.RemoteSeq)
}

func op(d eav.Datom) string {
	if d.Added {
		return "+"
	}
	return "-"
}

func (a *app) attributeName(id eav.Entid) string {
	if attr, ok := a.store.Attribute(id); ok {
		return attr.Name
	}
	return id.String()
}
