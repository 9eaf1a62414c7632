package syncgate

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"

	"github.com/loomworks/loom/internal/vcs"
)

// Result reports what a sync attempt actually committed.
type Result struct {
	CommittedPaths []string
	RejectedPaths  []string
	CommitSkipped  bool // nothing on the allow-list had changes
}

// Gate stages, filters, and commits through the VCS collaborator.
type Gate struct {
	repo   *vcs.Repo
	policy *Policy
	logger *log.Logger
}

// New creates a gate over an open repository.
func New(repo *vcs.Repo, policy *Policy, logger *log.Logger) *Gate {
	if logger == nil {
		logger = log.New(os.Stderr, "[syncgate] ", log.LstdFlags)
	}
	return &Gate{repo: repo, policy: policy, logger: logger}
}

// Sync stages the proposed paths, unstages everything outside the
// allow-list (including paths staged before this call), and commits the
// remainder. Violations are auto-corrected and logged, never silently
// ignored. If unstaging itself fails the whole sync aborts rather than
// committing a partially-correct set.
func (g *Gate) Sync(ctx context.Context, proposed []string, message string) (*Result, error) {
	res := &Result{}

	var stage []string
	for _, p := range proposed {
		if g.policy.Allows(p) {
			stage = append(stage, p)
		} else {
			// Rejected up front; still re-checked against the full
			// staged set below in case something else staged it.
			res.RejectedPaths = append(res.RejectedPaths, p)
		}
	}

	if err := g.repo.Add(ctx, stage); err != nil {
		return nil, fmt.Errorf("sync: failed to stage: %w", err)
	}

	staged, err := g.repo.StagedPaths(ctx)
	if err != nil {
		return nil, fmt.Errorf("sync: failed to list staged paths: %w", err)
	}

	var keep []string
	for _, p := range staged {
		if g.policy.Allows(p) {
			keep = append(keep, p)
			continue
		}
		g.logger.Printf("Allow-list violation: unstaging %s", p)
		if err := g.repo.Unstage(ctx, p); err != nil {
			return nil, fmt.Errorf("sync aborted: failed to unstage %s: %w", p, err)
		}
		res.RejectedPaths = appendUnique(res.RejectedPaths, p)
	}

	if len(keep) == 0 {
		res.CommitSkipped = true
		sort.Strings(res.RejectedPaths)
		return res, nil
	}

	if message == "" {
		message = "loom: update canonical records"
	}
	if err := g.repo.Commit(ctx, message); err != nil {
		return nil, fmt.Errorf("sync: commit failed: %w", err)
	}

	res.CommittedPaths = keep
	sort.Strings(res.CommittedPaths)
	sort.Strings(res.RejectedPaths)
	g.logger.Printf("Committed %d paths (%d rejected)", len(res.CommittedPaths), len(res.RejectedPaths))
	return res, nil
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}
