package core

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/loomworks/loom/internal/cache"
	"github.com/loomworks/loom/internal/record"
	"github.com/loomworks/loom/internal/syncgate"
)

// Init creates a new project at root: the record store, the default sync
// policy, and a .gitignore entry for the cache directory. Fails if the
// store already exists.
func Init(root, projectID, name string) error {
	recordDir := filepath.Join(root, record.DirName)

	if _, err := os.Stat(filepath.Join(recordDir, record.MetadataFile)); err == nil {
		return fmt.Errorf("%w at %s", ErrAlreadyInitialized, recordDir)
	}

	if _, err := record.Init(recordDir, projectID, name); err != nil {
		return err
	}
	if err := syncgate.DefaultPolicy().Save(recordDir); err != nil {
		return err
	}
	if err := ensureGitignore(root); err != nil {
		return err
	}

	// Seed the cache and the event log so the first status query works.
	c, err := Open(root, Options{})
	if err != nil {
		return err
	}
	defer c.Close()

	if _, err := c.Reconcile(context.Background()); err != nil {
		return err
	}
	if _, err := c.db.AppendEvent(projectID, cache.EventInit, map[string]interface{}{
		"name": name,
	}); err != nil {
		return err
	}
	return nil
}

// ensureGitignore guarantees the cache directory is ignored. The records
// themselves are meant to be committed; the cache never is.
func ensureGitignore(root string) error {
	path := filepath.Join(root, ".gitignore")
	entry := cache.DirName + "/"

	data, err := os.ReadFile(path) // #nosec G304
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to read .gitignore: %w", err)
	}

	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == entry {
			return nil
		}
	}

	content := string(data)
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	content += entry + "\n"

	return record.WriteFileAtomic(path, []byte(content), 0o644)
}
