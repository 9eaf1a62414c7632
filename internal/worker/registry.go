package worker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/internal/record"
)

// Registry file locations under the cache directory. The registry is
// runtime state: disposable, never committed, and owned exclusively by the
// supervisor (workers write heartbeat files, not the registry).
const (
	WorkersDir    = "workers"
	RegistryFile  = "registry.json"
	HeartbeatsDir = "heartbeats"
	DetailedDir   = "checkpoints"
	ResumeDir     = "resume"
)

// NewWorkerID returns a fresh worker id like "role-1b9d6bcd". The short
// uuid prefix keeps ids readable in logs and file names.
func NewWorkerID(role string) string {
	id := uuid.NewString()
	if role == "" {
		role = "worker"
	}
	return role + "-" + id[:8]
}

// Entry is one worker's supervised runtime state.
type Entry struct {
	WorkerID        string    `json:"worker_id"`
	Role            string    `json:"role,omitempty"`
	Provider        string    `json:"provider,omitempty"`
	Model           string    `json:"model,omitempty"`
	TaskID          string    `json:"task_id,omitempty"`
	State           State     `json:"state"`
	SpawnedAt       time.Time `json:"spawned_at"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at,omitempty"`
	ResumeStartedAt time.Time `json:"resume_started_at,omitempty"`
	RetryCount      int       `json:"retry_count"`
	CheckpointSeq   int64     `json:"checkpoint_seq"`
}

// Registry is the supervisor's worker table.
type Registry struct {
	Workers []*Entry `json:"workers"`

	path string
}

// LoadRegistry reads the registry under cacheDir, returning an empty
// registry when none exists yet.
func LoadRegistry(cacheDir string) (*Registry, error) {
	path := filepath.Join(cacheDir, WorkersDir, RegistryFile)
	reg := &Registry{path: path}

	data, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		if os.IsNotExist(err) {
			return reg, nil
		}
		return nil, fmt.Errorf("failed to read worker registry: %w", err)
	}
	if err := json.Unmarshal(data, reg); err != nil {
		return nil, fmt.Errorf("failed to parse worker registry: %w", err)
	}
	return reg, nil
}

// Save writes the registry back atomically.
func (r *Registry) Save() error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("failed to create workers dir: %w", err)
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal worker registry: %w", err)
	}
	if err := record.WriteFileAtomic(r.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write worker registry: %w", err)
	}
	return nil
}

// Get returns the entry for a worker id, or nil.
func (r *Registry) Get(workerID string) *Entry {
	for _, w := range r.Workers {
		if w.WorkerID == workerID {
			return w
		}
	}
	return nil
}

// Add registers a new worker in IDLE state. Duplicate ids are rejected.
func (r *Registry) Add(e *Entry) error {
	if e.WorkerID == "" {
		return fmt.Errorf("worker id is required")
	}
	if r.Get(e.WorkerID) != nil {
		return fmt.Errorf("worker %q already registered", e.WorkerID)
	}
	if e.State == "" {
		e.State = StateIdle
	}
	if e.SpawnedAt.IsZero() {
		e.SpawnedAt = time.Now().UTC()
	}
	r.Workers = append(r.Workers, e)
	return nil
}

// Remove deletes a worker entry. Used when a completed or escalated worker
// is acknowledged and cleared.
func (r *Registry) Remove(workerID string) bool {
	for i, w := range r.Workers {
		if w.WorkerID == workerID {
			r.Workers = append(r.Workers[:i], r.Workers[i+1:]...)
			return true
		}
	}
	return false
}
