package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/wbrown/janus-eav/config"
	"github.com/wbrown/janus-eav/eav/metrics"
	"github.com/wbrown/janus-eav/eav/storage"
	"github.com/wbrown/janus-eav/toodle"
)

// app holds what every command shares once the store is open
type app struct {
	configPath string
	storeURI   string

	cfg      config.Config
	log      *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	store    *storage.Store
	toodle   *toodle.Toodle
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:               "toodle",
		Short:             "A to-do list on an embedded entity-attribute-value store",
		SilenceUsage:      true,
		SilenceErrors:     true,
		CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.open()
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", os.Getenv(config.EnvPrefix+"CONFIG"), "config file (TOML)")
	root.PersistentFlags().StringVar(&a.storeURI, "store", "", "store uri, overrides the config file")

	root.AddCommand(
		newItemsCmd(a),
		newLabelsCmd(a),
		newLogCmd(a),
		newWatchCmd(a),
		newSyncCmd(a),
	)
	cobra.OnFinalize(a.close)
	return root
}

func (a *app) open() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return report(err)
	}
	if a.storeURI != "" {
		cfg.Store.URI = a.storeURI
	}
	a.cfg = cfg
	a.log = cfg.Log.Logger(os.Stderr)
	a.registry = prometheus.NewRegistry()
	a.metrics = metrics.New(a.registry)

	s, err := storage.Open(cfg.Store.URI,
		storage.WithLogger(a.log),
		storage.WithMetrics(a.metrics),
		storage.WithCacheSize(cfg.Store.CacheSize),
		storage.WithSyncWrites(cfg.Store.SyncWrites),
		storage.WithObserverTimeout(cfg.Store.ObserverTimeout.Duration),
	)
	if err != nil {
		return report(fmt.Errorf("open store %s: %w", cfg.Store.URI, err))
	}
	td, err := toodle.Open(s)
	if err != nil {
		s.Close()
		return report(err)
	}
	a.store, a.toodle = s, td
	return nil
}

// close runs after every command, including failed ones
func (a *app) close() {
	if a.store == nil {
		return
	}
	if err := a.store.Close(); err != nil {
		a.log.Error("failed to close store", "uri", a.store.URI(), "err", err)
	}
	a.store = nil
}

// report prints err the way every command does and returns it
func report(err error) error {
	if err != nil {
		fmt.Fprintln(os.Stderr, errorColor.Sprint("error: ")+err.Error())
	}
	return err
}
