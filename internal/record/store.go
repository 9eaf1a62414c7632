package record

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DirName is the record store directory relative to the project root.
const DirName = ".loom"

// CheckpointsDir holds portable worker checkpoints. It lives beside the
// record files and travels with them (committed, allow-listed).
const CheckpointsDir = "checkpoints"

// Store is a fully-parsed snapshot of the record store.
type Store struct {
	Board     Board
	Team      Team
	Approvals Approvals
	Metadata  Metadata

	dir string
}

// Dir returns the record store directory this snapshot was loaded from.
func (s *Store) Dir() string { return s.dir }

// Load parses every canonical file under dir into a Store. Missing files are
// treated as empty collections so a freshly initialized project loads clean;
// a file that exists but does not parse fails the whole load with a
// ParseError naming the file.
func Load(dir string) (*Store, error) {
	s := &Store{dir: dir}

	if err := loadYAML(filepath.Join(dir, BoardFile), &s.Board); err != nil {
		return nil, err
	}
	if err := loadYAML(filepath.Join(dir, TeamFile), &s.Team); err != nil {
		return nil, err
	}
	if err := loadYAML(filepath.Join(dir, ApprovalsFile), &s.Approvals); err != nil {
		return nil, err
	}
	if err := loadYAML(filepath.Join(dir, MetadataFile), &s.Metadata); err != nil {
		return nil, err
	}

	return s, nil
}

// Save writes the store back to its canonical files. Each file is replaced
// atomically so a crash mid-save never leaves a half-written record file.
func (s *Store) Save() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create record dir: %w", err)
	}

	files := []struct {
		name string
		data interface{}
	}{
		{BoardFile, &s.Board},
		{TeamFile, &s.Team},
		{ApprovalsFile, &s.Approvals},
		{MetadataFile, &s.Metadata},
	}

	for _, f := range files {
		out, err := yaml.Marshal(f.data)
		if err != nil {
			return fmt.Errorf("failed to marshal %s: %w", f.name, err)
		}
		if err := WriteFileAtomic(filepath.Join(s.dir, f.name), out, 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", f.name, err)
		}
	}

	return nil
}

// Init creates a new record store at dir with an empty board, roster, and
// approval log. projectID becomes the store's permanent identity; it is
// embedded in every exported memory pack. Init refuses to overwrite an
// existing store.
func Init(dir, projectID, name string) (*Store, error) {
	if _, err := os.Stat(filepath.Join(dir, MetadataFile)); err == nil {
		return nil, fmt.Errorf("record store already initialized at %s", dir)
	}

	s := &Store{
		dir: dir,
		Board: Board{
			Columns: []string{"backlog", "in_progress", "review", "done"},
		},
		Metadata: Metadata{
			ProjectID: projectID,
			Name:      name,
			CreatedAt: time.Now().UTC(),
		},
	}

	if err := s.Save(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(dir, CheckpointsDir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoints dir: %w", err)
	}

	return s, nil
}

// TaskByID returns the task with the given id, or nil.
func (s *Store) TaskByID(id string) *Task {
	for i := range s.Board.Tasks {
		if s.Board.Tasks[i].ID == id {
			return &s.Board.Tasks[i]
		}
	}
	return nil
}

// WorkerBindings flattens the roster into (role, binding) pairs.
func (s *Store) WorkerBindings() []struct {
	Role    string
	Binding WorkerBinding
} {
	var out []struct {
		Role    string
		Binding WorkerBinding
	}
	for _, r := range s.Team.Roles {
		for _, w := range r.Workers {
			out = append(out, struct {
				Role    string
				Binding WorkerBinding
			}{r.RoleID, w})
		}
	}
	return out
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path) // #nosec G304 - paths are store-relative
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &ParseError{File: filepath.Base(path), Err: err}
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return &ParseError{File: filepath.Base(path), Err: err}
	}
	return nil
}
