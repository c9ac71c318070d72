package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/wbrown/janus-eav/eav"
	"github.com/wbrown/janus-eav/eav/syncer"
	"github.com/wbrown/janus-eav/eav/syncer/sqliteremote"
)

func newSyncCmd(a *app) *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "sync [REMOTE]",
		Short: "Exchange transactions with a remote log",
		Long: `Sync fetches the transactions the remote has that this store lacks,
applies them, then pushes local transactions the remote has not seen.

Remotes are peer://path for another store directory or sqlite://path for a
shared sqlite log.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			remote := a.cfg.Sync.Remote
			if len(args) == 1 {
				remote = args[0]
			}
			if user == "" {
				user = a.cfg.Sync.User
			}
			res, err := a.sync(cmd.Context(), user, remote)
			if err != nil {
				return report(err)
			}
			printSyncResult(cmd.OutOrStdout(), res)
			return nil
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "user identity (uuid) whose log to sync")
	return cmd
}

func (a *app) newEngine() *syncer.Engine {
	return syncer.New(a.store, syncer.WithLogger(a.log), syncer.WithTransports(sqliteremote.Transport()))
}

// sync runs cycles against remote until one succeeds. Only transport
// failures are retried.
func (a *app) sync(ctx context.Context, user, remote string) (*syncer.Result, error) {
	if remote == "" {
		return nil, errors.New("no remote: pass one or set sync.remote")
	}
	if user == "" {
		return nil, errors.New("no user: pass --user or set sync.user")
	}
	u, err := uuid.Parse(user)
	if err != nil {
		return nil, fmt.Errorf("invalid user %q: %w", user, err)
	}
	if d := a.cfg.Sync.Timeout.Duration; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	engine := a.newEngine()
	op := func() (*syncer.Result, error) {
		res, err := engine.Sync(ctx, u, remote)
		if err != nil && !errors.Is(err, eav.ErrSyncTransport) {
			return res, backoff.Permanent(err)
		}
		return res, err
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(a.cfg.Sync.RetryAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			a.log.Warn("sync failed, retrying", "remote", remote, "in", next, "err", err)
		}),
	)
}

func printSyncResult(w io.Writer, res *syncer.Result) {
	fmt.Fprintf(w, "%s %s: applied %d, pushed %d",
		okColor.Sprint("synced"), res.Remote, res.Applied, res.Pushed)
	if res.Duplicates > 0 {
		fmt.Fprint(w, subtleColor.Sprintf(", %d already present", res.Duplicates))
	}
	fmt.Fprintln(w)
	for _, c := range res.Conflicts {
		fmt.Fprintln(w, warnColor.Sprint("  kept newer write: ")+c.String())
	}
}
