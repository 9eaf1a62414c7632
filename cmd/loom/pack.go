package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/internal/pack"
)

var packCmd = &cobra.Command{
	Use:   "pack",
	Short: "Export and import portable memory packs",
	Long: `A memory pack carries the project's event history and a derived
summary between machines: a manifest, an events.jsonl stream, and an
optional summary keyed to the record fingerprint. Packs never carry the
records themselves; those travel through git.`,
}

var exportSince int64
var exportNoSummary bool

var packExportCmd = &cobra.Command{
	Use:   "export <out>",
	Short: "Write a memory pack to a directory or .tar.gz",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		c := openCore()
		defer c.Close()

		man, err := c.ExportPack(cmd.Context(), args[0], pack.ExportOptions{
			SinceSeq:    exportSince,
			OmitSummary: exportNoSummary,
		})
		if err != nil {
			fail("%v", err)
		}
		fmt.Printf("Exported %d events for %s to %s\n", man.EventCount, man.ProjectID, args[0])
	},
}

var packImportCmd = &cobra.Command{
	Use:   "import <in>",
	Short: "Merge a memory pack produced on another machine",
	Long: `Import appends the pack's events, skipping any already present.
The embedded summary is applied only when the pack's record fingerprint
matches the local records; otherwise it is discarded and the cache is
reconciled from the records instead.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		c := openCore()
		defer c.Close()

		res, err := c.ImportPack(cmd.Context(), args[0])
		if err != nil {
			fail("%v", err)
		}
		fmt.Printf("Imported %d events (%d already present)\n", res.ImportedEvents, res.SkippedEvents)
		if res.SummaryApplied {
			fmt.Println("Summary applied (fingerprint match).")
		} else {
			fmt.Println("Summary discarded (records differ); cache reconciled from records.")
		}
	},
}

func init() {
	packExportCmd.Flags().Int64Var(&exportSince, "since", 0, "only export events after this sequence number")
	packExportCmd.Flags().BoolVar(&exportNoSummary, "no-summary", false, "omit the derived summary")
	packCmd.AddCommand(packExportCmd, packImportCmd)
}
