package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/wbrown/janus-eav/eav"
	"github.com/wbrown/janus-eav/eav/observer"
)

const watchKey = "toodle-watch"

func newWatchCmd(a *app) *cobra.Command {
	var (
		metricsAddr string
		every       time.Duration
		user        string
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print every change to items and labels until interrupted",
		Long: `Watch subscribes to the item and label attributes and prints one line per
transaction that changes them. With --every it also syncs with the configured
remote on that interval, so changes made elsewhere show up as they arrive.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if metricsAddr == "" {
				metricsAddr = a.cfg.Metrics.Addr
			}
			if user == "" {
				user = a.cfg.Sync.User
			}

			names := a.toodle.Vocabulary().Names()
			attrs := make([]eav.Entid, 0, len(names))
			for id := range names {
				attrs = append(attrs, id)
			}
			p := &changePrinter{w: cmd.OutOrStdout(), names: names}
			a.store.RegisterObserver(watchKey, attrs, p.print)
			defer a.store.UnregisterObserver(watchKey)

			if metricsAddr != "" {
				srv := a.serveMetrics(metricsAddr)
				defer srv.Shutdown(context.Background())
			}
			fmt.Fprintln(cmd.ErrOrStderr(), subtleColor.Sprintf("watching %s, interrupt to stop", a.store.URI()))

			if every <= 0 {
				<-ctx.Done()
				return nil
			}
			ticker := time.NewTicker(every)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					res, err := a.sync(ctx, user, a.cfg.Sync.Remote)
					switch {
					case errors.Is(err, context.Canceled):
						return nil
					case err != nil:
						report(err)
					case res.Applied > 0 || res.Pushed > 0:
						printSyncResult(cmd.ErrOrStderr(), res)
					}
				}
			}
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	cmd.Flags().DurationVar(&every, "every", 0, "sync with the configured remote on this interval")
	cmd.Flags().StringVarP(&user, "user", "u", "", "user identity (uuid) to sync as")
	return cmd
}

func (a *app) serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("metrics server stopped", "addr", addr, "err", err)
		}
	}()
	a.log.Info("serving metrics", "addr", addr)
	return srv
}

// changePrinter writes one line per report. Deliveries for a key arrive
// in order but not on the caller's goroutine.
type changePrinter struct {
	mu    sync.Mutex
	w     io.Writer
	names map[eav.Entid]string
}

func (p *changePrinter) print(_ string, reports []observer.Report) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range reports {
		fmt.Fprintln(p.w, p.line(r))
	}
}

func (p *changePrinter) line(r observer.Report) string {
	attrs := make([]string, len(r.Attributes))
	for i, a := range r.Attributes {
		if name, ok := p.names[a]; ok {
			attrs[i] = name
		} else {
			attrs[i] = a.String()
		}
	}
	return fmt.Sprintf("%s %s %s",
		headingColor.Sprintf("tx %d", r.TxID),
		strings.Join(attrs, " "),
		subtleColor.Sprint(plural(len(r.Entities), "entity")))
}
