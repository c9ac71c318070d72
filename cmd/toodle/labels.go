package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newLabelsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "labels",
		Short: "List labels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			labels, err := a.toodle.Labels(cmd.Context())
			if err != nil {
				return report(err)
			}
			rows := make([][]any, 0, len(labels))
			for _, l := range labels {
				rows = append(rows, []any{l.Name, l.Color})
			}
			fmt.Fprint(cmd.OutOrStdout(), newTableFormatter().format([]string{"name", "color"}, rows))
			return nil
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "add NAME COLOR",
		Short: "Create a label, or recolor an existing one",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := a.toodle.CreateLabel(cmd.Context(), args[0], args[1])
			if err != nil {
				return report(err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), okColor.Sprintf("label %s is %s", l.Name, l.Color))
			return nil
		},
	})
	return cmd
}
