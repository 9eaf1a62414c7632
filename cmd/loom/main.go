// Command loom manages a project's persistence core: canonical records,
// the derived cache, memory packs, gated git sync, and worker recovery.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/internal/core"
	"github.com/loomworks/loom/internal/record"
)

var rootCmd = &cobra.Command{
	Use:   "loom",
	Short: "Persistence and recovery core for orchestrated projects",
	Long: `loom keeps a project's canonical records (.loom/) and its derived
SQLite cache (.loom-cache/) in agreement, moves project memory between
machines as portable packs, enforces the commit allow-list, and
supervises worker heartbeats and recovery.`,
	SilenceUsage: true,
}

func main() {
	rootCmd.AddCommand(
		initCmd,
		reconcileCmd,
		statusCmd,
		packCmd,
		syncCmd,
		workersCmd,
		eventsCmd,
		watchCmd,
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// findRoot walks up from the working directory until it finds a .loom
// record store.
func findRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, record.DirName, record.MetadataFile)); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// openCore locates the project and opens it, exiting with a message when
// neither works.
func openCore() *core.Core {
	root := findRoot()
	if root == "" {
		fmt.Fprintf(os.Stderr, "Error: no %s directory found (run 'loom init' first)\n", record.DirName)
		os.Exit(1)
	}
	c, err := core.Open(root, core.Options{Stderr: false, Notifier: stderrNotifier{}})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return c
}

// stderrNotifier surfaces escalations on the terminal.
type stderrNotifier struct{}

func (stderrNotifier) Escalated(workerID string, retryCount int) {
	fmt.Fprintf(os.Stderr, "ESCALATED: worker %s needs human attention after %d failed resume attempts\n",
		workerID, retryCount)
}

func fail(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
