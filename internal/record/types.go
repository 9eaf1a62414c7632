// Package record implements the canonical record store: the durable,
// human-editable YAML files under .loom/ that hold all project truth.
//
// The store is the single source of truth for the whole system. The derived
// cache (internal/cache) mirrors it and is disposable; whenever the two
// disagree, the record store wins. Records are created, updated, and deleted
// only through orchestrator-mediated writes, never by workers and never by
// the cache layer.
package record

import (
	"fmt"
	"time"
)

// Kind identifies the collection a record belongs to.
type Kind string

const (
	KindTask     Kind = "task"
	KindRole     Kind = "role"
	KindApproval Kind = "approval"
	KindMetadata Kind = "metadata"
)

// Canonical file names, in fingerprint order. Every file is independently
// parseable; a parse failure in any one of them fails the whole load.
const (
	BoardFile     = "board.yaml"
	TeamFile      = "team.yaml"
	ApprovalsFile = "approvals.yaml"
	MetadataFile  = "metadata.yaml"
)

// CanonicalFiles lists the record files that participate in the canonical
// fingerprint, sorted. The order is part of the fingerprint contract and
// must not change between releases.
func CanonicalFiles() []string {
	return []string{ApprovalsFile, BoardFile, MetadataFile, TeamFile}
}

// Board is the task board: an ordered set of columns plus the tasks on them.
type Board struct {
	Columns []string `yaml:"columns" json:"columns"`
	Tasks   []Task   `yaml:"tasks" json:"tasks"`
}

// Task is a single unit of work on the board.
type Task struct {
	ID        string    `yaml:"id" json:"id"`
	Title     string    `yaml:"title" json:"title"`
	Status    string    `yaml:"status" json:"status"`
	OwnerRole string    `yaml:"owner_role,omitempty" json:"owner_role,omitempty"`
	Priority  string    `yaml:"priority,omitempty" json:"priority,omitempty"`
	Notes     string    `yaml:"notes,omitempty" json:"notes,omitempty"`
	UpdatedAt time.Time `yaml:"updated_at,omitempty" json:"updated_at,omitempty"`
}

// Team is the project roster: roles and the workers assigned to them.
type Team struct {
	Roles []Role `yaml:"roles" json:"roles"`
}

// Role is a team role with zero or more assigned workers.
type Role struct {
	RoleID     string          `yaml:"role_id" json:"role_id"`
	Title      string          `yaml:"title,omitempty" json:"title,omitempty"`
	Department string          `yaml:"department,omitempty" json:"department,omitempty"`
	Workers    []WorkerBinding `yaml:"workers,omitempty" json:"workers,omitempty"`
	UpdatedAt  time.Time       `yaml:"updated_at,omitempty" json:"updated_at,omitempty"`
}

// WorkerBinding assigns an externally-launched worker process to a role.
// The binding carries no lifecycle state; liveness lives in the runtime
// registry (internal/worker), never in the record store.
type WorkerBinding struct {
	ID       string `yaml:"id" json:"id"`
	Provider string `yaml:"provider,omitempty" json:"provider,omitempty"`
	Model    string `yaml:"model,omitempty" json:"model,omitempty"`
}

// Approvals is the approval log.
type Approvals struct {
	ApprovalLog []Approval `yaml:"approval_log" json:"approval_log"`
}

// Approval records a human gate on a task.
type Approval struct {
	ID        string    `yaml:"id" json:"id"`
	TriggerID string    `yaml:"trigger_id" json:"trigger_id"`
	TaskID    string    `yaml:"task_id,omitempty" json:"task_id,omitempty"`
	Status    string    `yaml:"status" json:"status"` // pending, approved, rejected
	UpdatedAt time.Time `yaml:"updated_at,omitempty" json:"updated_at,omitempty"`
}

// Metadata identifies the project the store belongs to.
type Metadata struct {
	ProjectID string    `yaml:"project_id" json:"project_id"`
	Name      string    `yaml:"name,omitempty" json:"name,omitempty"`
	CreatedAt time.Time `yaml:"created_at,omitempty" json:"created_at,omitempty"`
}

// ParseError reports a malformed record file. It is fatal to the operation
// that attempted the load (reconcile, sync) but never destroys existing
// state: the prior cache is left untouched.
type ParseError struct {
	File string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("record file %s: %v", e.File, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
