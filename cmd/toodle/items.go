package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/wbrown/janus-eav/toodle"
)

const dateLayout = "2006-01-02"

func newItemsCmd(a *app) *cobra.Command {
	var label string
	cmd := &cobra.Command{
		Use:   "items",
		Short: "List and edit to-do items",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.listItems(cmd, label)
		},
	}
	cmd.Flags().StringVarP(&label, "label", "l", "", "only items carrying this label")
	cmd.AddCommand(
		newItemAddCmd(a),
		newItemDoneCmd(a),
		newItemUpdateCmd(a),
		newItemRemoveCmd(a),
	)
	return cmd
}

func (a *app) listItems(cmd *cobra.Command, label string) error {
	ctx := cmd.Context()
	var items []toodle.Item
	var err error
	if label != "" {
		items, err = a.toodle.ItemsWithLabel(ctx, label)
	} else {
		items, err = a.toodle.Items(ctx)
	}
	if err != nil {
		return report(err)
	}
	rows := make([][]any, 0, len(items))
	for _, it := range items {
		rows = append(rows, []any{shortID(it.UUID), it.Name, it.DueDate, it.Completed(), labelNames(it.Labels)})
	}
	fmt.Fprint(cmd.OutOrStdout(), newTableFormatter().format([]string{"id", "name", "due", "done", "labels"}, rows))
	return nil
}

func newItemAddCmd(a *app) *cobra.Command {
	var due string
	var labels []string
	cmd := &cobra.Command{
		Use:   "add NAME",
		Short: "Create an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			dueDate, err := parseDate(due)
			if err != nil {
				return report(err)
			}
			item, err := a.toodle.CreateItem(ctx, args[0], dueDate)
			if err != nil {
				return report(err)
			}
			if len(labels) > 0 {
				if item, err = a.toodle.UpdateItem(ctx, item.UUID, toodle.Update{Labels: labels}); err != nil {
					return report(err)
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), okColor.Sprint("added ")+describe(item))
			return nil
		},
	}
	cmd.Flags().StringVar(&due, "due", "", "due date (YYYY-MM-DD)")
	cmd.Flags().StringSliceVarP(&labels, "label", "l", nil, "labels to attach")
	return cmd
}

func newItemDoneCmd(a *app) *cobra.Command {
	var undo bool
	cmd := &cobra.Command{
		Use:   "done ID",
		Short: "Mark an item completed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id, err := a.resolveItem(ctx, args[0])
			if err != nil {
				return report(err)
			}
			u := toodle.Update{ClearCompleted: undo}
			if !undo {
				now := time.Now()
				u.CompletionDate = &now
			}
			item, err := a.toodle.UpdateItem(ctx, id, u)
			if err != nil {
				return report(err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), okColor.Sprint("updated ")+describe(item))
			return nil
		},
	}
	cmd.Flags().BoolVar(&undo, "undo", false, "clear the completion date instead")
	return cmd
}

func newItemUpdateCmd(a *app) *cobra.Command {
	var (
		name    string
		due     string
		noDue   bool
		labels  []string
		unlabel bool
	)
	cmd := &cobra.Command{
		Use:   "update ID",
		Short: "Change an item's name, due date or labels",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id, err := a.resolveItem(ctx, args[0])
			if err != nil {
				return report(err)
			}
			u := toodle.Update{ClearDueDate: noDue}
			if cmd.Flags().Changed("name") {
				u.Name = &name
			}
			if u.DueDate, err = parseDate(due); err != nil {
				return report(err)
			}
			switch {
			case unlabel:
				u.Labels = []string{}
			case cmd.Flags().Changed("label"):
				u.Labels = labels
			}
			item, err := a.toodle.UpdateItem(ctx, id, u)
			if err != nil {
				return report(err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), okColor.Sprint("updated ")+describe(item))
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "new name")
	cmd.Flags().StringVar(&due, "due", "", "new due date (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&noDue, "no-due", false, "clear the due date")
	cmd.Flags().StringSliceVarP(&labels, "label", "l", nil, "replace the labels")
	cmd.Flags().BoolVar(&unlabel, "no-labels", false, "remove every label")
	cmd.MarkFlagsMutuallyExclusive("due", "no-due")
	cmd.MarkFlagsMutuallyExclusive("label", "no-labels")
	return cmd
}

func newItemRemoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "rm ID",
		Aliases: []string{"delete"},
		Short:   "Delete an item",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id, err := a.resolveItem(ctx, args[0])
			if err != nil {
				return report(err)
			}
			if err := a.toodle.DeleteItem(ctx, id); err != nil {
				return report(err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), warnColor.Sprint("deleted ")+shortID(id))
			return nil
		},
	}
}

// resolveItem accepts a full uuid or a prefix that names exactly one item
func (a *app) resolveItem(ctx context.Context, ref string) (uuid.UUID, error) {
	if id, err := uuid.Parse(ref); err == nil {
		return id, nil
	}
	items, err := a.toodle.Items(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	var matches []uuid.UUID
	for _, it := range items {
		if strings.HasPrefix(it.UUID.String(), strings.ToLower(ref)) {
			matches = append(matches, it.UUID)
		}
	}
	switch len(matches) {
	case 0:
		return uuid.Nil, fmt.Errorf("%w: %s", toodle.ErrItemNotFound, ref)
	case 1:
		return matches[0], nil
	default:
		return uuid.Nil, fmt.Errorf("%q matches %d items", ref, len(matches))
	}
}

func parseDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.ParseInLocation(dateLayout, s, time.Local)
	if err != nil {
		return nil, fmt.Errorf("invalid date %q, want YYYY-MM-DD", s)
	}
	return &t, nil
}

func shortID(u uuid.UUID) string {
	return u.String()[:8]
}

func labelNames(labels []toodle.Label) string {
	names := make([]string, len(labels))
	for i, l := range labels {
		names[i] = l.Name
	}
	return strings.Join(names, ", ")
}

func describe(it *toodle.Item) string {
	s := fmt.Sprintf("%s %q", shortID(it.UUID), it.Name)
	if it.DueDate != nil {
		s += subtleColor.Sprint(" due " + it.DueDate.Format(dateLayout))
	}
	if it.Completed() {
		s += subtleColor.Sprint(" (done)")
	}
	return s
}
