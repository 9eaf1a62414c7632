package worker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/loomworks/loom/internal/record"
)

// Heartbeat is the only signal a running worker sends: a small JSON file,
// atomically replaced, under the cache-adjacent heartbeats directory. The
// optional Status field lets a worker report a terminal outcome; anything
// other than "completed" is informational.
type Heartbeat struct {
	WorkerID  string    `json:"worker_id"`
	Timestamp time.Time `json:"ts"`
	TaskID    string    `json:"task_id,omitempty"`
	Status    string    `json:"status,omitempty"`
	Note      string    `json:"note,omitempty"`
}

// StatusCompleted in a heartbeat moves the worker to the terminal
// COMPLETED state on the next tick.
const StatusCompleted = "completed"

func heartbeatPath(cacheDir, workerID string) string {
	return filepath.Join(cacheDir, WorkersDir, HeartbeatsDir, workerID+".json")
}

// WriteHeartbeat records a heartbeat for workerID. This is the write path
// workers (or the CLI acting for them) use; the atomic replace guarantees
// the supervisor never reads a torn file.
func WriteHeartbeat(cacheDir string, hb *Heartbeat) error {
	if hb.WorkerID == "" {
		return fmt.Errorf("heartbeat: worker id is required")
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = time.Now().UTC()
	}

	dir := filepath.Join(cacheDir, WorkersDir, HeartbeatsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create heartbeats dir: %w", err)
	}

	data, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("failed to marshal heartbeat: %w", err)
	}
	return record.WriteFileAtomic(heartbeatPath(cacheDir, hb.WorkerID), data, 0o644)
}

// ReadHeartbeat returns the latest heartbeat for workerID, or nil when the
// worker has not written one yet. A malformed heartbeat file is treated as
// absent: a half-dead worker must not wedge the supervisor.
func ReadHeartbeat(cacheDir, workerID string) (*Heartbeat, error) {
	data, err := os.ReadFile(heartbeatPath(cacheDir, workerID)) // #nosec G304
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read heartbeat for %s: %w", workerID, err)
	}

	var hb Heartbeat
	if err := json.Unmarshal(data, &hb); err != nil {
		return nil, nil
	}
	return &hb, nil
}
