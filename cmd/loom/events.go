package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/internal/record"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Inspect and prune the append-only event log",
}

var eventsAfter int64
var eventsJSON bool

var eventsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List events for this project",
	Run: func(cmd *cobra.Command, args []string) {
		c := openCore()
		defer c.Close()

		st, err := record.Load(c.RecordDir())
		if err != nil {
			fail("%v", err)
		}
		evs, err := c.DB().Events(st.Metadata.ProjectID, eventsAfter)
		if err != nil {
			fail("%v", err)
		}

		if eventsJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			for i := range evs {
				if err := enc.Encode(&evs[i]); err != nil {
					fail("%v", err)
				}
			}
			return
		}
		for _, ev := range evs {
			fmt.Printf("%6d  %s  %s\n", ev.Seq, ev.Timestamp.Format(time.RFC3339), ev.Kind)
		}
	},
}

var purgeOlderThan time.Duration

var eventsPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Remove events older than the retention window",
	Long: `Delete event log entries by age. With --older-than the given
window is used; otherwise the configured persistence.event_retention
applies. Events are otherwise immutable; age is the only deletion
criterion.`,
	Run: func(cmd *cobra.Command, args []string) {
		c := openCore()
		defer c.Close()

		var n int64
		var err error
		if purgeOlderThan > 0 {
			n, err = c.DB().PurgeEvents(time.Now().Add(-purgeOlderThan))
		} else {
			n, err = c.PurgeEvents(cmd.Context())
		}
		if err != nil {
			fail("%v", err)
		}
		fmt.Printf("Purged %d events\n", n)
	},
}

func init() {
	eventsListCmd.Flags().Int64Var(&eventsAfter, "after", 0, "only events with a higher sequence number")
	eventsListCmd.Flags().BoolVar(&eventsJSON, "json", false, "emit one JSON object per line")
	eventsPurgeCmd.Flags().DurationVar(&purgeOlderThan, "older-than", 0, "purge events older than this (e.g. 720h)")
	eventsCmd.AddCommand(eventsListCmd, eventsPurgeCmd)
}
