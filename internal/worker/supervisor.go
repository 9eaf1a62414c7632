package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/loomworks/loom/internal/cache"
)

// Config tunes stall detection and recovery.
type Config struct {
	// StallTimeout is the heartbeat silence window after which a RUNNING
	// worker is declared stalled.
	StallTimeout time.Duration
	// ResumeTimeout is how long a RESUMING worker may stay silent before
	// the attempt itself counts as a stall.
	ResumeTimeout time.Duration
	// MaxRetries is the resume-attempt ceiling; reaching it escalates the
	// worker to a human.
	MaxRetries int
	// CheckpointEnabled gates automatic checkpoint writes on stall.
	CheckpointEnabled bool
}

// DefaultConfig mirrors the shipped recovery defaults.
func DefaultConfig() Config {
	return Config{
		StallTimeout:      2 * time.Minute,
		ResumeTimeout:     2 * time.Minute,
		MaxRetries:        3,
		CheckpointEnabled: true,
	}
}

// EventSink receives lifecycle events for the event log. *cache.DB
// satisfies it.
type EventSink interface {
	AppendEvent(projectID string, kind cache.EventKind, payload map[string]interface{}) (*cache.Event, error)
}

// Notifier surfaces escalations to a human. The default implementation
// logs; the CLI prints.
type Notifier interface {
	Escalated(workerID string, retryCount int)
}

// Supervisor polls worker heartbeats and drives the recovery state
// machine. All per-tick work is sequential: one goroutine, one pass over
// the registry, so checkpoint writes never race supervisor reads.
type Supervisor struct {
	recordDir string
	cacheDir  string
	projectID string
	cfg       Config
	events    EventSink
	notify    Notifier
	logger    *log.Logger

	// now is swappable for tests.
	now func() time.Time
}

// New creates a supervisor. events may not be nil; notify may be nil (the
// logger is used).
func New(recordDir, cacheDir, projectID string, cfg Config, events EventSink, notify Notifier, logger *log.Logger) *Supervisor {
	if logger == nil {
		logger = log.New(os.Stderr, "[supervisor] ", log.LstdFlags)
	}
	return &Supervisor{
		recordDir: recordDir,
		cacheDir:  cacheDir,
		projectID: projectID,
		cfg:       cfg,
		events:    events,
		notify:    notify,
		logger:    logger,
		now:       time.Now,
	}
}

// Register adds a worker to supervision in IDLE state.
func (s *Supervisor) Register(e *Entry) error {
	reg, err := LoadRegistry(s.cacheDir)
	if err != nil {
		return err
	}
	if err := reg.Add(e); err != nil {
		return err
	}
	return reg.Save()
}

// Tick runs one polling pass: observe heartbeats, advance the state
// machine for every supervised worker, persist the registry, and return
// the resulting worker -> state map. A failing worker does not abort the
// pass; its error is reported alongside the states of the workers that
// did advance.
func (s *Supervisor) Tick(ctx context.Context) (map[string]State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	reg, err := LoadRegistry(s.cacheDir)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	states := make(map[string]State, len(reg.Workers))

	var errs []error
	for _, w := range reg.Workers {
		if !w.State.Terminal() && w.State != StatePaused {
			if err := s.step(w, now); err != nil {
				errs = append(errs, fmt.Errorf("supervise %s: %w", w.WorkerID, err))
			}
		}
		states[w.WorkerID] = w.State
	}

	if err := reg.Save(); err != nil {
		return nil, err
	}
	return states, errors.Join(errs...)
}

// step advances one worker by one observation.
func (s *Supervisor) step(w *Entry, now time.Time) error {
	hb, err := ReadHeartbeat(s.cacheDir, w.WorkerID)
	if err != nil {
		return err
	}

	fresh := hb != nil && hb.Timestamp.After(w.LastHeartbeatAt)
	if fresh {
		w.LastHeartbeatAt = hb.Timestamp.UTC()
		if hb.TaskID != "" {
			w.TaskID = hb.TaskID
		}
	}

	if hb != nil && hb.Status == StatusCompleted {
		if w.State != StateCompleted {
			s.logger.Printf("Worker %s completed", w.WorkerID)
		}
		w.State = StateCompleted
		return nil
	}

	switch w.State {
	case StateIdle:
		if fresh {
			w.State = StateRunning
		}

	case StateRunning:
		deadline := w.LastHeartbeatAt
		if deadline.IsZero() {
			deadline = w.SpawnedAt
		}
		if now.Sub(deadline) > s.cfg.StallTimeout {
			return s.stall(w, now, "heartbeat timeout")
		}

	case StateResuming:
		if fresh && w.LastHeartbeatAt.After(w.ResumeStartedAt) {
			// First heartbeat after resume: back to RUNNING, the retry
			// streak is broken.
			w.State = StateRunning
			w.RetryCount = 0
			s.appendEvent(cache.EventWorkerResume, map[string]interface{}{
				"worker_id": w.WorkerID,
				"outcome":   "recovered",
			})
			return nil
		}
		if now.Sub(w.ResumeStartedAt) > s.cfg.ResumeTimeout {
			w.RetryCount++
			if w.RetryCount >= s.cfg.MaxRetries {
				return s.escalate(w)
			}
			return s.stall(w, now, "resume timeout")
		}

	case StateStalled, StateCheckpointed:
		// A tick interrupted mid-recovery (e.g. checkpoint written but
		// process died before resume). Re-drive from the checkpoint.
		return s.beginResume(w, now)
	}

	return nil
}

// stall runs the STALLED -> CHECKPOINTED -> RESUMING sequence in one
// pass. The portable checkpoint write must be confirmed durable before
// CHECKPOINTED; the detailed write is best-effort.
func (s *Supervisor) stall(w *Entry, now time.Time, reason string) error {
	w.State = StateStalled
	s.logger.Printf("Worker %s stalled (%s)", w.WorkerID, reason)
	s.appendEvent(cache.EventWorkerStall, map[string]interface{}{
		"worker_id":   w.WorkerID,
		"reason":      reason,
		"retry_count": w.RetryCount,
	})

	if s.cfg.CheckpointEnabled {
		if _, err := s.writeCheckpoint(w, "Stalled: "+reason); err != nil {
			// Without a durable portable checkpoint there is nothing to
			// resume from; stay STALLED and retry on the next tick.
			return err
		}
	}
	w.State = StateCheckpointed

	return s.beginResume(w, now)
}

// writeCheckpoint persists both tiers and bumps the worker's checkpoint
// sequence. Returns the portable form.
func (s *Supervisor) writeCheckpoint(w *Entry, summary string) (*Checkpoint, error) {
	w.CheckpointSeq++
	cp := &Checkpoint{
		WorkerID:   w.WorkerID,
		Seq:        w.CheckpointSeq,
		Timestamp:  s.now().UTC(),
		RetryCount: w.RetryCount,
		Resumable: ResumableState{
			TaskID:          w.TaskID,
			Role:            w.Role,
			ProgressSummary: summary,
		},
	}

	if err := WritePortable(s.recordDir, cp); err != nil {
		w.CheckpointSeq--
		return nil, err
	}

	detailed := &Detailed{
		Checkpoint: *cp,
		Provider:   w.Provider,
		Model:      w.Model,
	}
	if err := WriteDetailed(s.cacheDir, detailed); err != nil {
		s.logger.Printf("Warning: detailed checkpoint for %s failed: %v", w.WorkerID, err)
	}

	s.appendEvent(cache.EventWorkerCheckpoint, map[string]interface{}{
		"worker_id": w.WorkerID,
		"seq":       cp.Seq,
	})
	return cp, nil
}

// beginResume constructs a resume directive from the portable checkpoint
// and hands the worker back to its external launcher. Only the portable
// tier is consulted: the local detailed form may not exist on this
// machine.
func (s *Supervisor) beginResume(w *Entry, now time.Time) error {
	cp, err := LoadPortable(s.recordDir, w.WorkerID)
	if err != nil {
		return err
	}
	if cp == nil {
		// Nothing written yet for this worker (checkpointing disabled, or
		// a pre-stall crash). Synthesize a minimal checkpoint so resume
		// still has a basis.
		cp, err = s.writeCheckpoint(w, "No prior checkpoint; resuming from registration state")
		if err != nil {
			return err
		}
	}

	directive := BuildResumeDirective(cp)
	path, err := WriteResumeDirective(s.cacheDir, w.WorkerID, directive)
	if err != nil {
		return err
	}

	w.State = StateResuming
	w.ResumeStartedAt = now
	s.logger.Printf("Worker %s resuming (attempt %d/%d, directive %s)",
		w.WorkerID, w.RetryCount+1, s.cfg.MaxRetries, path)
	s.appendEvent(cache.EventWorkerResume, map[string]interface{}{
		"worker_id": w.WorkerID,
		"attempt":   w.RetryCount + 1,
		"directive": path,
	})
	return nil
}

// escalate is terminal: notify a human, stop all automation.
func (s *Supervisor) escalate(w *Entry) error {
	w.State = StateEscalated
	s.logger.Printf("Worker %s ESCALATED after %d resume attempts: %v",
		w.WorkerID, w.RetryCount, ErrRetryCeiling)
	s.appendEvent(cache.EventWorkerStall, map[string]interface{}{
		"worker_id":   w.WorkerID,
		"escalated":   true,
		"retry_count": w.RetryCount,
	})
	if s.notify != nil {
		s.notify.Escalated(w.WorkerID, w.RetryCount)
	}
	return nil
}

// CheckpointNow writes a checkpoint for one worker outside the stall path
// (force-sync, pause). The worker keeps its current state.
func (s *Supervisor) CheckpointNow(workerID, summary string) (*Checkpoint, error) {
	reg, err := LoadRegistry(s.cacheDir)
	if err != nil {
		return nil, err
	}
	w := reg.Get(workerID)
	if w == nil {
		return nil, fmt.Errorf("worker %q not registered", workerID)
	}
	cp, err := s.writeCheckpoint(w, summary)
	if err != nil {
		return nil, err
	}
	if err := reg.Save(); err != nil {
		return nil, err
	}
	return cp, nil
}

// CheckpointActive checkpoints every non-terminal worker. Returns the
// number checkpointed.
func (s *Supervisor) CheckpointActive(summary string) (int, error) {
	reg, err := LoadRegistry(s.cacheDir)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, w := range reg.Workers {
		if w.State.Terminal() {
			continue
		}
		if _, err := s.writeCheckpoint(w, summary); err != nil {
			return n, err
		}
		n++
	}
	if err := reg.Save(); err != nil {
		return n, err
	}
	return n, nil
}

// Pause checkpoints a worker and parks it; paused workers are skipped by
// Tick until Restart.
func (s *Supervisor) Pause(workerID string) error {
	reg, err := LoadRegistry(s.cacheDir)
	if err != nil {
		return err
	}
	w := reg.Get(workerID)
	if w == nil {
		return fmt.Errorf("worker %q not registered", workerID)
	}
	if s.cfg.CheckpointEnabled {
		if _, err := s.writeCheckpoint(w, "Paused by operator"); err != nil {
			return err
		}
	}
	w.State = StatePaused
	return reg.Save()
}

// Restart checkpoints, clears the retry streak, and returns the worker to
// IDLE so the next heartbeat puts it back to RUNNING.
func (s *Supervisor) Restart(workerID string) error {
	reg, err := LoadRegistry(s.cacheDir)
	if err != nil {
		return err
	}
	w := reg.Get(workerID)
	if w == nil {
		return fmt.Errorf("worker %q not registered", workerID)
	}
	if s.cfg.CheckpointEnabled {
		if _, err := s.writeCheckpoint(w, "Restarted by operator"); err != nil {
			return err
		}
	}
	w.State = StateIdle
	w.RetryCount = 0
	w.ResumeStartedAt = time.Time{}
	return reg.Save()
}

func (s *Supervisor) appendEvent(kind cache.EventKind, payload map[string]interface{}) {
	if _, err := s.events.AppendEvent(s.projectID, kind, payload); err != nil {
		s.logger.Printf("Warning: failed to append %s event: %v", kind, err)
	}
}
