// Package syncgate enforces the commit allow-list: only record-store paths
// and a small set of rendered documents are ever persisted to the shared
// repository. The gate compares path membership only, never file content,
// and it runs unconditionally on every sync attempt.
package syncgate

import (
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/loomworks/loom/internal/record"
)

// PolicyFile is the committed allow-list policy, relative to the record
// store directory.
const PolicyFile = "syncpolicy.toml"

// Policy is the versioned allow-list. Entries ending in "/" are prefix
// rules; everything else matches exactly.
type Policy struct {
	Version int      `toml:"version"`
	Allow   []string `toml:"allow"`
}

// DefaultPolicy returns the built-in allow-list: the canonical record
// files, portable checkpoints, the policy file itself, and the rendered
// status and decision documents.
func DefaultPolicy() *Policy {
	return &Policy{
		Version: 1,
		Allow: []string{
			record.DirName + "/" + record.BoardFile,
			record.DirName + "/" + record.TeamFile,
			record.DirName + "/" + record.ApprovalsFile,
			record.DirName + "/" + record.MetadataFile,
			record.DirName + "/" + PolicyFile,
			record.DirName + "/" + record.CheckpointsDir + "/",
			record.DirName + "/STATUS.md",
			record.DirName + "/DECISIONS.md",
		},
	}
}

// LoadPolicy reads the policy from the record store, falling back to the
// default when the file does not exist. A file that exists but fails to
// parse is an error: a half-understood allow-list must never gate a
// commit.
func LoadPolicy(recordDir string) (*Policy, error) {
	data, err := os.ReadFile(recordDir + "/" + PolicyFile) // #nosec G304
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultPolicy(), nil
		}
		return nil, fmt.Errorf("failed to read sync policy: %w", err)
	}

	var p Policy
	if err := toml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse sync policy: %w", err)
	}
	if len(p.Allow) == 0 {
		return nil, fmt.Errorf("sync policy allows nothing; refusing to sync")
	}
	return &p, nil
}

// Save writes the policy to the record store.
func (p *Policy) Save(recordDir string) error {
	var buf strings.Builder
	if err := toml.NewEncoder(&buf).Encode(p); err != nil {
		return fmt.Errorf("failed to encode sync policy: %w", err)
	}
	return record.WriteFileAtomic(recordDir+"/"+PolicyFile, []byte(buf.String()), 0o644)
}

// Allows reports whether a repo-relative path is on the allow-list.
func (p *Policy) Allows(rel string) bool {
	rel = path.Clean(strings.TrimPrefix(rel, "./"))
	for _, entry := range p.Allow {
		if strings.HasSuffix(entry, "/") {
			if strings.HasPrefix(rel, entry) {
				return true
			}
			continue
		}
		if rel == entry {
			return true
		}
	}
	return false
}
