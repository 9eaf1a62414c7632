package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/internal/worker"
)

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "Supervise worker heartbeats, checkpoints, and recovery",
}

var workerRole string
var workerTask string
var workerProvider string
var workerModel string

var workersRegisterCmd = &cobra.Command{
	Use:   "register [worker-id]",
	Short: "Register a worker for supervision",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		c := openCore()
		defer c.Close()

		id := ""
		if len(args) == 1 {
			id = args[0]
		}
		if id == "" {
			id = worker.NewWorkerID(workerRole)
		}

		err := c.Supervisor().Register(&worker.Entry{
			WorkerID: id,
			Role:     workerRole,
			TaskID:   workerTask,
			Provider: workerProvider,
			Model:    workerModel,
		})
		if err != nil {
			fail("%v", err)
		}
		fmt.Printf("Registered worker %s\n", id)
	},
}

var workersTickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run one supervision pass",
	Run: func(cmd *cobra.Command, args []string) {
		c := openCore()
		defer c.Close()

		states, err := c.SuperviseTick(cmd.Context())
		if err != nil {
			fail("%v", err)
		}
		if len(states) == 0 {
			fmt.Println("No workers registered.")
			return
		}
		for id, st := range states {
			fmt.Printf("%s\t%s\n", id, st)
		}
	},
}

var heartbeatStatus string
var heartbeatNote string

var workersHeartbeatCmd = &cobra.Command{
	Use:   "heartbeat <worker-id>",
	Short: "Record a heartbeat on behalf of a worker",
	Long: `Write the worker's heartbeat file. Workers normally do this
themselves; the command exists for wrappers and testing. Status
"completed" marks the worker finished.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		c := openCore()
		defer c.Close()

		err := worker.WriteHeartbeat(c.CacheDir(), &worker.Heartbeat{
			WorkerID:  args[0],
			Timestamp: time.Now().UTC(),
			TaskID:    workerTask,
			Status:    heartbeatStatus,
			Note:      heartbeatNote,
		})
		if err != nil {
			fail("%v", err)
		}
	},
}

var checkpointSummary string

var workersCheckpointCmd = &cobra.Command{
	Use:   "checkpoint <worker-id>",
	Short: "Write a checkpoint for a worker now",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		c := openCore()
		defer c.Close()

		cp, err := c.Supervisor().CheckpointNow(args[0], checkpointSummary)
		if err != nil {
			fail("%v", err)
		}
		fmt.Printf("Checkpoint %d written for %s\n", cp.Seq, cp.WorkerID)
	},
}

var workersResumeCmd = &cobra.Command{
	Use:   "resume <worker-id>",
	Short: "Print the resume directive for a worker",
	Long: `Build the resume directive from the worker's portable checkpoint
and print it. The directive is self-contained: it works on a machine
that has never seen this worker's local checkpoint data.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		c := openCore()
		defer c.Close()

		cp, err := worker.LoadPortable(c.RecordDir(), args[0])
		if err != nil {
			fail("%v", err)
		}
		if cp == nil {
			fail("no checkpoint found for worker %s", args[0])
		}
		fmt.Print(worker.BuildResumeDirective(cp))
	},
}

var workersPauseCmd = &cobra.Command{
	Use:   "pause <worker-id>",
	Short: "Checkpoint a worker and stop supervising it until restart",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		c := openCore()
		defer c.Close()

		if err := c.Supervisor().Pause(args[0]); err != nil {
			fail("%v", err)
		}
		fmt.Printf("Paused worker %s\n", args[0])
	},
}

var workersRestartCmd = &cobra.Command{
	Use:   "restart <worker-id>",
	Short: "Return a worker to supervision with a clean retry count",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		c := openCore()
		defer c.Close()

		if err := c.Supervisor().Restart(args[0]); err != nil {
			fail("%v", err)
		}
		fmt.Printf("Restarted worker %s\n", args[0])
	},
}

var workersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List supervised workers",
	Run: func(cmd *cobra.Command, args []string) {
		c := openCore()
		defer c.Close()

		reg, err := worker.LoadRegistry(c.CacheDir())
		if err != nil {
			fail("%v", err)
		}
		if len(reg.Workers) == 0 {
			fmt.Println("No workers registered.")
			return
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "WORKER\tROLE\tSTATE\tTASK\tRETRIES\tLAST HEARTBEAT")
		for _, e := range reg.Workers {
			last := "-"
			if !e.LastHeartbeatAt.IsZero() {
				last = e.LastHeartbeatAt.Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
				e.WorkerID, e.Role, e.State, e.TaskID, e.RetryCount, last)
		}
		w.Flush()
	},
}

func init() {
	workersRegisterCmd.Flags().StringVar(&workerRole, "role", "", "role the worker fills")
	workersRegisterCmd.Flags().StringVar(&workerTask, "task", "", "task the worker starts on")
	workersRegisterCmd.Flags().StringVar(&workerProvider, "provider", "", "execution provider")
	workersRegisterCmd.Flags().StringVar(&workerModel, "model", "", "model identifier")

	workersHeartbeatCmd.Flags().StringVar(&workerTask, "task", "", "task the worker is on")
	workersHeartbeatCmd.Flags().StringVar(&heartbeatStatus, "status", "working", "worker status (working, completed)")
	workersHeartbeatCmd.Flags().StringVar(&heartbeatNote, "note", "", "free-form progress note")

	workersCheckpointCmd.Flags().StringVar(&checkpointSummary, "summary", "Manual checkpoint", "progress summary")

	workersCmd.AddCommand(
		workersRegisterCmd,
		workersTickCmd,
		workersHeartbeatCmd,
		workersCheckpointCmd,
		workersResumeCmd,
		workersPauseCmd,
		workersRestartCmd,
		workersListCmd,
	)
}
