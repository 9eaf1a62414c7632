package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/internal/core"
	"github.com/loomworks/loom/internal/daemon"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the records and keep the cache and workers current",
	Long: `Run until interrupted: record file changes trigger a debounced
reconcile, and the worker supervisor ticks at the configured interval.`,
	Run: func(cmd *cobra.Command, args []string) {
		root := findRoot()
		if root == "" {
			fail("no record store found (run 'loom init' first)")
		}
		c, err := core.Open(root, core.Options{Stderr: true, Notifier: stderrNotifier{}})
		if err != nil {
			fail("%v", err)
		}
		defer c.Close()

		cfg := daemon.DefaultConfig()
		cfg.DebounceInterval = c.Config().Daemon.Debounce
		cfg.TickInterval = c.Config().Daemon.TickInterval

		d, err := daemon.New(c.RecordDir(), c.Reconciler(), c.Supervisor(), cfg)
		if err != nil {
			fail("%v", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := d.Run(ctx); err != nil {
			fail("%v", err)
		}
	},
}
