package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/loomworks/loom/internal/core"
	"github.com/loomworks/loom/internal/record"
	"github.com/loomworks/loom/internal/status"
	"github.com/loomworks/loom/internal/syncgate"
)

var initName string

var initCmd = &cobra.Command{
	Use:   "init [project-id]",
	Short: "Initialize a new record store in the current directory",
	Long: `Create the .loom/ record store, the default sync policy, and a
.gitignore entry for the cache directory. The project id becomes the
store's permanent identity; when omitted a random one is generated.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		projectID := ""
		if len(args) == 1 {
			projectID = args[0]
		}
		if projectID == "" {
			projectID = "proj-" + uuid.NewString()[:8]
		}

		root, err := os.Getwd()
		if err != nil {
			fail("%v", err)
		}
		if err := core.Init(root, projectID, initName); err != nil {
			fail("%v", err)
		}
		fmt.Printf("Initialized project %s at %s\n", projectID, root)
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Rebuild the derived cache from the canonical records",
	Run: func(cmd *cobra.Command, args []string) {
		c := openCore()
		defer c.Close()

		res, err := c.Reconcile(cmd.Context())
		if err != nil {
			fail("%v", err)
		}
		fmt.Printf("Reconciled %d rows in %v (fingerprint %.12s)\n",
			res.RowCount, res.Duration.Round(time.Millisecond), res.Fingerprint)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the project status report and refresh STATUS.md",
	Run: func(cmd *cobra.Command, args []string) {
		c := openCore()
		defer c.Close()

		snap, err := c.Status(cmd.Context())
		if err != nil {
			fail("%v", err)
		}
		fmt.Print(snap.Terminal())
	},
}

var syncForce bool
var syncMessage string

var syncCmd = &cobra.Command{
	Use:   "sync [path...]",
	Short: "Commit allow-listed record paths; reject everything else",
	Long: `Stage and commit the given paths through the sync policy
(.loom/syncpolicy.toml). Paths outside the allow-list are rejected and
unstaged, even when something staged them beforehand. With no paths, all
canonical record files are proposed.

--force first checkpoints every active worker and reconciles, so the
committed records carry the latest recoverable state.`,
	Run: func(cmd *cobra.Command, args []string) {
		c := openCore()
		defer c.Close()
		ctx := cmd.Context()

		if syncForce {
			n, err := c.Supervisor().CheckpointActive("Force sync checkpoint")
			if err != nil {
				fail("checkpoint workers: %v", err)
			}
			if n > 0 {
				fmt.Printf("Checkpointed %d active workers\n", n)
			}
			if _, err := c.Reconcile(ctx); err != nil {
				fail("%v", err)
			}
		}

		paths := args
		if len(paths) == 0 {
			paths = defaultSyncPaths(filepath.Dir(c.RecordDir()))
		}

		res, err := c.Sync(ctx, paths, syncMessage)
		if err != nil {
			fail("%v", err)
		}
		for _, p := range res.CommittedPaths {
			fmt.Printf("committed  %s\n", p)
		}
		for _, p := range res.RejectedPaths {
			fmt.Printf("rejected   %s\n", p)
		}
		if res.CommitSkipped {
			fmt.Println("Nothing to commit.")
		}
	},
}

// defaultSyncPaths proposes every allow-listed record path that exists
// under root. Returned paths are relative to root.
func defaultSyncPaths(root string) []string {
	paths := []string{
		filepath.Join(record.DirName, record.ApprovalsFile),
		filepath.Join(record.DirName, record.BoardFile),
		filepath.Join(record.DirName, record.MetadataFile),
		filepath.Join(record.DirName, record.TeamFile),
		filepath.Join(record.DirName, syncgate.PolicyFile),
		filepath.Join(record.DirName, status.StatusFile),
		filepath.Join(record.DirName, record.CheckpointsDir),
	}
	out := paths[:0]
	for _, p := range paths {
		if _, err := os.Stat(filepath.Join(root, p)); err == nil {
			out = append(out, p)
		}
	}
	return out
}

func init() {
	initCmd.Flags().StringVar(&initName, "name", "", "human-readable project name")
	syncCmd.Flags().BoolVar(&syncForce, "force", false, "checkpoint workers and reconcile before committing")
	syncCmd.Flags().StringVarP(&syncMessage, "message", "m", "", "commit message")
}
