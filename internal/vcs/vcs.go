// Package vcs is the thin git execution layer the sync gate commits
// through. It shells out to the git binary rather than linking a git
// implementation: the shared repository is an external collaborator, and
// the gate only needs staging, unstaging, and commit.
package vcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ErrNotInRepo indicates the path is not inside a git repository.
var ErrNotInRepo = errors.New("not inside a git repository")

// DefaultTimeout bounds every git invocation.
const DefaultTimeout = 30 * time.Second

// ExecContext executes a git command in workDir with a timeout, returning
// stdout. Stderr is folded into the error for diagnostics.
func ExecContext(ctx context.Context, timeout time.Duration, workDir string, args ...string) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = workDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if stderr.Len() > 0 {
			return nil, fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
		}
		return nil, fmt.Errorf("git %s: %w", args[0], err)
	}
	return stdout.Bytes(), nil
}

// Repo is a git repository rooted at a known directory.
type Repo struct {
	root string
}

// Open resolves the repository containing dir.
func Open(ctx context.Context, dir string) (*Repo, error) {
	out, err := ExecContext(ctx, DefaultTimeout, dir, "rev-parse", "--show-toplevel")
	if err != nil {
		return nil, ErrNotInRepo
	}
	return &Repo{root: strings.TrimSpace(string(out))}, nil
}

// Init creates a new repository at dir. Used by `loom init` and tests.
func Init(ctx context.Context, dir string) (*Repo, error) {
	if _, err := ExecContext(ctx, DefaultTimeout, dir, "init", "-q"); err != nil {
		return nil, err
	}
	return &Repo{root: dir}, nil
}

// Root returns the repository root directory.
func (r *Repo) Root() string { return r.root }

// Add stages the given paths (repo-relative).
func (r *Repo) Add(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	args := append([]string{"add", "--"}, paths...)
	_, err := ExecContext(ctx, DefaultTimeout, r.root, args...)
	return err
}

// StagedPaths lists paths currently staged for commit, repo-relative.
func (r *Repo) StagedPaths(ctx context.Context) ([]string, error) {
	out, err := ExecContext(ctx, DefaultTimeout, r.root, "diff", "--cached", "--name-only")
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line != "" {
			paths = append(paths, line)
		}
	}
	return paths, nil
}

// Unstage removes a path from the index, leaving the working tree alone.
func (r *Repo) Unstage(ctx context.Context, path string) error {
	// "reset HEAD" fails in a repository with no commits yet; "rm --cached"
	// covers newly added files in that state.
	if _, err := ExecContext(ctx, DefaultTimeout, r.root, "reset", "-q", "HEAD", "--", path); err == nil {
		return nil
	}
	_, err := ExecContext(ctx, DefaultTimeout, r.root, "rm", "-q", "--cached", "--", path)
	return err
}

// Commit commits the index with the given message.
func (r *Repo) Commit(ctx context.Context, message string) error {
	if message == "" {
		return fmt.Errorf("commit message is required")
	}
	_, err := ExecContext(ctx, DefaultTimeout, r.root, "commit", "-q", "-m", message)
	return err
}

// HasChanges reports whether the working tree or index differs from HEAD
// for the given paths (everything when none given).
func (r *Repo) HasChanges(ctx context.Context, paths ...string) (bool, error) {
	args := []string{"status", "--porcelain"}
	if len(paths) > 0 {
		args = append(args, "--")
		args = append(args, paths...)
	}
	out, err := ExecContext(ctx, DefaultTimeout, r.root, args...)
	if err != nil {
		return false, err
	}
	return len(bytes.TrimSpace(out)) > 0, nil
}
