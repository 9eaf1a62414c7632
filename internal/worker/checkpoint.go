package worker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/loomworks/loom/internal/record"
)

// ResumableState is what a resume attempt needs to know about where the
// worker left off. It lives in both checkpoint tiers; the portable tier's
// copy must always be sufficient on its own.
type ResumableState struct {
	TaskID          string `yaml:"task_id,omitempty" json:"task_id,omitempty"`
	Role            string `yaml:"role,omitempty" json:"role,omitempty"`
	ProgressSummary string `yaml:"progress_summary,omitempty" json:"progress_summary,omitempty"`
	NextSteps       string `yaml:"next_steps,omitempty" json:"next_steps,omitempty"`
}

// Checkpoint is the portable tier: a small YAML document per worker,
// stored beside the records so it travels with them. It must survive a
// machine change, so it carries only what a resume needs.
type Checkpoint struct {
	WorkerID   string         `yaml:"worker_id" json:"worker_id"`
	Seq        int64          `yaml:"seq" json:"seq"`
	Timestamp  time.Time      `yaml:"timestamp" json:"timestamp"`
	RetryCount int            `yaml:"retry_count" json:"retry_count"`
	Resumable  ResumableState `yaml:"resumable_state" json:"resumable_state"`
}

// Detailed is the local tier: a richer JSON blob under the cache
// directory. It is a pure optimization: resume never requires it, and it
// may be lost at any time (machine change, cache wipe) without
// consequence.
type Detailed struct {
	Checkpoint
	Provider    string            `json:"provider,omitempty"`
	Model       string            `json:"model,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
}

func portablePath(recordDir, workerID string) string {
	return filepath.Join(recordDir, record.CheckpointsDir, workerID+".yaml")
}

// WritePortable persists the portable checkpoint, atomically replacing the
// previous one for this worker. The write must be durable before the state
// machine moves to CHECKPOINTED.
func WritePortable(recordDir string, cp *Checkpoint) error {
	dir := filepath.Join(recordDir, record.CheckpointsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoints dir: %w", err)
	}
	data, err := yaml.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	if err := record.WriteFileAtomic(portablePath(recordDir, cp.WorkerID), data, 0o644); err != nil {
		return fmt.Errorf("failed to write portable checkpoint: %w", err)
	}
	return nil
}

// LoadPortable reads a worker's portable checkpoint, or nil when none
// exists.
func LoadPortable(recordDir, workerID string) (*Checkpoint, error) {
	data, err := os.ReadFile(portablePath(recordDir, workerID)) // #nosec G304
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read portable checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := yaml.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to parse portable checkpoint for %s: %w", workerID, err)
	}
	return &cp, nil
}

// WriteDetailed persists the local detailed checkpoint under
// checkpoints/<worker>/<seq>.json. Failures here are reported but never
// block recovery; the portable tier is the one that matters.
func WriteDetailed(cacheDir string, d *Detailed) error {
	dir := filepath.Join(cacheDir, WorkersDir, DetailedDir, d.WorkerID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create detailed checkpoint dir: %w", err)
	}
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal detailed checkpoint: %w", err)
	}
	name := fmt.Sprintf("%06d.json", d.Seq)
	return record.WriteFileAtomic(filepath.Join(dir, name), data, 0o644)
}

// LoadLatestDetailed returns the most recent detailed checkpoint for a
// worker, or nil when none survives locally.
func LoadLatestDetailed(cacheDir, workerID string) (*Detailed, error) {
	dir := filepath.Join(cacheDir, WorkersDir, DetailedDir, workerID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list detailed checkpoints: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return nil, nil
	}
	sort.Strings(names)

	data, err := os.ReadFile(filepath.Join(dir, names[len(names)-1])) // #nosec G304
	if err != nil {
		return nil, fmt.Errorf("failed to read detailed checkpoint: %w", err)
	}
	var d Detailed
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to parse detailed checkpoint: %w", err)
	}
	return &d, nil
}

// BuildResumeDirective renders the instructions handed to the worker's
// external launcher. It reads ONLY the portable checkpoint: the detailed
// tier may have been lost on a machine change, and the contract is that
// the portable form alone constructs a valid resume attempt.
func BuildResumeDirective(cp *Checkpoint) string {
	var b strings.Builder
	b.WriteString("# RESUME SESSION\n\n")
	b.WriteString("You are resuming a work session that was interrupted.\n\n")
	b.WriteString("## Previous State\n")
	fmt.Fprintf(&b, "- Worker: %s\n", cp.WorkerID)
	if cp.Resumable.Role != "" {
		fmt.Fprintf(&b, "- Role: %s\n", cp.Resumable.Role)
	}
	if cp.Resumable.TaskID != "" {
		fmt.Fprintf(&b, "- Task: %s\n", cp.Resumable.TaskID)
	}
	fmt.Fprintf(&b, "- Last checkpoint: %s (attempt %d)\n",
		cp.Timestamp.UTC().Format(time.RFC3339), cp.RetryCount+1)
	if cp.Resumable.ProgressSummary != "" {
		fmt.Fprintf(&b, "- Progress: %s\n", cp.Resumable.ProgressSummary)
	}
	if cp.Resumable.NextSteps != "" {
		fmt.Fprintf(&b, "- Next steps: %s\n", cp.Resumable.NextSteps)
	}
	b.WriteString("\n## Instructions\n")
	b.WriteString("Continue from where the previous session left off.\n")
	b.WriteString("Do not repeat already-completed work.\n")
	return b.String()
}

// WriteResumeDirective materializes the directive where the external
// launcher picks it up and returns its path.
func WriteResumeDirective(cacheDir, workerID, directive string) (string, error) {
	dir := filepath.Join(cacheDir, WorkersDir, ResumeDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create resume dir: %w", err)
	}
	path := filepath.Join(dir, workerID+".md")
	if err := record.WriteFileAtomic(path, []byte(directive), 0o644); err != nil {
		return "", fmt.Errorf("failed to write resume directive: %w", err)
	}
	return path, nil
}
