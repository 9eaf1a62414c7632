// Package validate is the structural gate over record files.
//
// Schema validation proper belongs to an external collaborator; the core
// consumes only a pass/fail verdict plus field-level errors. This package
// implements that contract in-process: Run returns a Report, and both
// reconciliation and sync treat a failing report as "do not proceed".
package validate

import (
	"fmt"
	"strings"

	"github.com/loomworks/loom/internal/record"
)

// FieldError pinpoints a single invalid field in a record file.
type FieldError struct {
	File  string
	Field string
	Msg   string
}

func (e FieldError) String() string {
	return fmt.Sprintf("%s: %s: %s", e.File, e.Field, e.Msg)
}

// Report is the validation verdict for a full record store.
type Report struct {
	Errors []FieldError
}

// OK reports whether the store passed validation.
func (r *Report) OK() bool { return len(r.Errors) == 0 }

func (r *Report) add(file, field, format string, args ...interface{}) {
	r.Errors = append(r.Errors, FieldError{
		File:  file,
		Field: field,
		Msg:   fmt.Sprintf(format, args...),
	})
}

// Summary renders the report as one line per error.
func (r *Report) Summary() string {
	if r.OK() {
		return "validation: PASS"
	}
	lines := make([]string, 0, len(r.Errors)+1)
	lines = append(lines, fmt.Sprintf("validation: FAIL (%d errors)", len(r.Errors)))
	for _, e := range r.Errors {
		lines = append(lines, "  "+e.String())
	}
	return strings.Join(lines, "\n")
}

// Run validates a parsed store. Parse failures are not this package's
// concern since record.Load already reports those; Run checks referential
// and field-level structure on records that did parse.
func Run(s *record.Store) *Report {
	r := &Report{}

	columns := make(map[string]bool, len(s.Board.Columns))
	for _, c := range s.Board.Columns {
		columns[c] = true
	}

	roles := make(map[string]bool, len(s.Team.Roles))
	for i, role := range s.Team.Roles {
		field := fmt.Sprintf("roles[%d]", i)
		if role.RoleID == "" {
			r.add(record.TeamFile, field+".role_id", "role_id is required")
			continue
		}
		if roles[role.RoleID] {
			r.add(record.TeamFile, field+".role_id", "duplicate role_id %q", role.RoleID)
		}
		roles[role.RoleID] = true

		seen := make(map[string]bool, len(role.Workers))
		for j, w := range role.Workers {
			if w.ID == "" {
				r.add(record.TeamFile, fmt.Sprintf("%s.workers[%d].id", field, j), "worker id is required")
			} else if seen[w.ID] {
				r.add(record.TeamFile, fmt.Sprintf("%s.workers[%d].id", field, j), "duplicate worker id %q", w.ID)
			}
			seen[w.ID] = true
		}
	}

	taskIDs := make(map[string]bool, len(s.Board.Tasks))
	for i, task := range s.Board.Tasks {
		field := fmt.Sprintf("tasks[%d]", i)
		switch {
		case task.ID == "":
			r.add(record.BoardFile, field+".id", "id is required")
			continue
		case taskIDs[task.ID]:
			r.add(record.BoardFile, field+".id", "duplicate task id %q", task.ID)
		}
		taskIDs[task.ID] = true

		if task.Title == "" {
			r.add(record.BoardFile, field+".title", "title is required")
		}
		if task.Status == "" {
			r.add(record.BoardFile, field+".status", "status is required")
		} else if len(columns) > 0 && !columns[task.Status] {
			r.add(record.BoardFile, field+".status", "status %q is not a board column", task.Status)
		}
		if task.OwnerRole != "" && len(roles) > 0 && !roles[task.OwnerRole] {
			r.add(record.BoardFile, field+".owner_role", "unknown role %q", task.OwnerRole)
		}
	}

	for i, a := range s.Approvals.ApprovalLog {
		field := fmt.Sprintf("approval_log[%d]", i)
		if a.ID == "" {
			r.add(record.ApprovalsFile, field+".id", "id is required")
		}
		if a.Status == "" {
			r.add(record.ApprovalsFile, field+".status", "status is required")
		}
		if a.TaskID != "" && !taskIDs[a.TaskID] {
			r.add(record.ApprovalsFile, field+".task_id", "unknown task %q", a.TaskID)
		}
	}

	return r
}
