package fstests

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/kernellab/kdevd/pkg/execx"
	"github.com/kernellab/kdevd/pkg/kerrors"
	"github.com/kernellab/kdevd/pkg/types"
)

// notesRef is the custom git notes ref spec §4.9 and §3 name.
const notesRef = "refs/notes/fstests"

// GitNotes persists RunResults as JSON git notes under notesRef, spec
// §4.9: "Attach a JSON-serialized RunResult + metadata to
// refs/notes/fstests on either a named commit or a named branch."
type GitNotes struct {
	Runner   execx.Runner
	RepoPath string
}

// NewGitNotes returns a GitNotes bound to repoPath, verifying it is a
// git repository first — every operation spec §4.9 requires this check.
func NewGitNotes(ctx context.Context, runner execx.Runner, repoPath string) (*GitNotes, error) {
	g := &GitNotes{Runner: runner, RepoPath: repoPath}
	if !g.isGitRepo(ctx) {
		return nil, kerrors.Preconditionf("%s is not a git repository", repoPath)
	}
	return g, nil
}

func (g *GitNotes) isGitRepo(ctx context.Context) bool {
	_, err := g.run(ctx, "rev-parse", "--git-dir")
	return err == nil
}

func (g *GitNotes) run(ctx context.Context, argv ...string) (execx.Result, error) {
	return g.Runner.Run(ctx, execx.Request{Argv: append([]string{"git"}, argv...), Dir: g.RepoPath, Timeout: 10 * time.Second})
}

func (g *GitNotes) resolveTarget(ctx context.Context, branch, commit string) (string, error) {
	if commit != "" {
		return commit, nil
	}
	ref := branch
	if ref == "" {
		ref = "HEAD"
	}
	res, err := g.run(ctx, "rev-parse", ref)
	if err != nil {
		return "", kerrors.Resourcef(err, "cannot resolve %s to a commit", ref)
	}
	return strings.TrimSpace(res.Stdout), nil
}

// Save attaches result+metadata as a JSON note on branch or commit
// (commit takes precedence when both are set; HEAD when neither is).
func (g *GitNotes) Save(ctx context.Context, branch, commit string, metadata types.GitNoteMetadata, result types.RunResult) error {
	target, err := g.resolveTarget(ctx, branch, commit)
	if err != nil {
		return err
	}
	metadata.CommitSHA = target
	if commit == "" {
		metadata.BranchName = branch
	}

	record := types.GitNoteRecord{Metadata: metadata, Results: result}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return err
	}

	if _, err := g.run(ctx, "notes", "--ref", notesRef, "add", "-f", "-m", string(data), target); err != nil {
		return kerrors.Resourcef(err, "failed to attach git note on %s", target)
	}
	return nil
}

// Load reads the note attached to branch or commit, returning ok=false
// if none is attached.
func (g *GitNotes) Load(ctx context.Context, branch, commit string) (types.GitNoteRecord, bool, error) {
	target, err := g.resolveTarget(ctx, branch, commit)
	if err != nil {
		return types.GitNoteRecord{}, false, err
	}

	res, err := g.run(ctx, "notes", "--ref", notesRef, "show", target)
	if err != nil {
		return types.GitNoteRecord{}, false, nil
	}

	var record types.GitNoteRecord
	if err := json.Unmarshal([]byte(res.Stdout), &record); err != nil {
		return types.GitNoteRecord{}, false, kerrors.Corruptionf("git note on %s is unreadable: %v", target, err)
	}
	return record, true, nil
}

// List enumerates every commit annotated under notesRef, up to max
// entries.
func (g *GitNotes) List(ctx context.Context, max int) ([]types.GitNoteMetadata, error) {
	res, err := g.run(ctx, "notes", "--ref", notesRef, "list")
	if err != nil {
		return nil, nil
	}

	var out []types.GitNoteMetadata
	for _, line := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		commit := fields[1]
		record, ok, err := g.Load(ctx, "", commit)
		if err != nil || !ok {
			continue
		}
		out = append(out, record.Metadata)
		if max > 0 && len(out) >= max {
			break
		}
	}
	return out, nil
}

// Delete removes the note attached to branch or commit.
func (g *GitNotes) Delete(ctx context.Context, branch, commit string) error {
	target, err := g.resolveTarget(ctx, branch, commit)
	if err != nil {
		return err
	}
	if _, err := g.run(ctx, "notes", "--ref", notesRef, "remove", target); err != nil {
		return kerrors.Resourcef(err, "failed to remove git note on %s", target)
	}
	return nil
}
