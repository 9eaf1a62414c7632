package vcs

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

// initTestRepo creates a git repo with user config so commits work in CI.
func initTestRepo(t *testing.T) *Repo {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	repo, err := Init(context.Background(), dir)
	if err != nil {
		t.Fatalf("Init() failed: %v", err)
	}
	for _, kv := range [][2]string{{"user.email", "test@example.com"}, {"user.name", "test"}} {
		if _, err := ExecContext(context.Background(), DefaultTimeout, dir, "config", kv[0], kv[1]); err != nil {
			t.Fatalf("git config failed: %v", err)
		}
	}
	return repo
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestAddStagedUnstage(t *testing.T) {
	repo := initTestRepo(t)
	ctx := context.Background()

	writeFile(t, repo.Root(), "a.txt", "a")
	writeFile(t, repo.Root(), "b.txt", "b")

	if err := repo.Add(ctx, []string{"a.txt", "b.txt"}); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	staged, err := repo.StagedPaths(ctx)
	if err != nil {
		t.Fatalf("StagedPaths() failed: %v", err)
	}
	if len(staged) != 2 {
		t.Fatalf("staged = %v, want 2 paths", staged)
	}

	if err := repo.Unstage(ctx, "b.txt"); err != nil {
		t.Fatalf("Unstage() failed: %v", err)
	}
	staged, err = repo.StagedPaths(ctx)
	if err != nil {
		t.Fatalf("StagedPaths() failed: %v", err)
	}
	if len(staged) != 1 || staged[0] != "a.txt" {
		t.Errorf("staged after unstage = %v, want [a.txt]", staged)
	}
}

func TestCommit(t *testing.T) {
	repo := initTestRepo(t)
	ctx := context.Background()

	writeFile(t, repo.Root(), "a.txt", "a")
	if err := repo.Add(ctx, []string{"a.txt"}); err != nil {
		t.Fatal(err)
	}
	if err := repo.Commit(ctx, "add a"); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}

	changed, err := repo.HasChanges(ctx)
	if err != nil {
		t.Fatalf("HasChanges() failed: %v", err)
	}
	if changed {
		t.Error("repo dirty after commit")
	}

	if err := repo.Commit(ctx, "empty"); err == nil {
		t.Error("Commit() with nothing staged should fail")
	}
}

func TestOpen_NotARepo(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	// Use a plain temp dir outside any repository.
	_, err := Open(context.Background(), os.TempDir())
	if err == nil {
		t.Skip("temp dir unexpectedly inside a repository")
	}
}
