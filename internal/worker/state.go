// Package worker tracks externally-launched worker processes: liveness via
// heartbeat files, stall detection by polling, and recovery through
// checkpoint/resume with a retry ceiling.
//
// Workers communicate with the core only through the filesystem. They write
// heartbeats and checkpoints to designated locations by atomic replace and
// never touch the record store or the cache. The supervisor drives the
// recovery state machine from a periodic tick; there is no push channel.
package worker

import "fmt"

// State is a worker's position in the recovery state machine.
//
//	IDLE -> RUNNING -> (STALLED | COMPLETED)
//	STALLED -> CHECKPOINTED -> RESUMING -> RUNNING
//	RESUMING -> STALLED on resume timeout, retry_count += 1
//	retry_count >= ceiling -> ESCALATED (terminal)
type State string

const (
	StateIdle         State = "idle"
	StateRunning      State = "running"
	StateStalled      State = "stalled"
	StateCheckpointed State = "checkpointed"
	StateResuming     State = "resuming"
	StateCompleted    State = "completed"
	StateEscalated    State = "escalated"
	StatePaused       State = "paused"
)

// Terminal reports whether the supervisor takes no further automatic
// action for this state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateEscalated
}

// ErrRetryCeiling marks a worker that exhausted its resume attempts. The
// only side effect past this point is a human-visible notification.
var ErrRetryCeiling = fmt.Errorf("retry ceiling exceeded")
