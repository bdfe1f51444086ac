// Package gitutil wraps the git CLI with the small set of plumbing
// operations the Workspace Manager needs. Adapted from kilroy's
// internal/attractor/gitutil: same shelling-out-with-maintenance-disabled
// style, extended with Clone/FetchCommit/CatFileType/ListWorktrees for
// ProjectScylla's shared-base-repo model (spec.md §4.2), which kilroy
// itself never needed since it always operates on an already-checked-out
// local repo rather than cloning one.
package gitutil

import (
	"bytes"
	"fmt"
	"os/exec"
	"strings"
)

// CommandError carries the failed git invocation's arguments and captured
// output, the same shape as kilroy's gitutil.CommandError.
type CommandError struct {
	Args   []string
	Stdout string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
	if e.Stderr != "" {
		msg += ": " + strings.TrimSpace(e.Stderr)
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

func runGit(dir string, args ...string) (string, string, error) {
	base := []string{
		"-C", dir,
		"-c", "maintenance.auto=0",
		"-c", "gc.auto=0",
	}
	cmd := exec.Command("git", append(base, args...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	outStr := stdout.String()
	errStr := stderr.String()
	if err != nil {
		return outStr, errStr, &CommandError{Args: args, Stdout: outStr, Stderr: errStr, Err: err}
	}
	return outStr, errStr, nil
}

// runGitNoDir runs git without -C, used for operations (like the initial
// clone) where the working directory doesn't exist yet.
func runGitNoDir(args ...string) (string, string, error) {
	cmd := exec.Command("git", append([]string{"-c", "maintenance.auto=0", "-c", "gc.auto=0"}, args...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	outStr := stdout.String()
	errStr := stderr.String()
	if err != nil {
		return outStr, errStr, &CommandError{Args: args, Stdout: outStr, Stderr: errStr, Err: err}
	}
	return outStr, errStr, nil
}

func IsRepo(dir string) bool {
	out, _, err := runGit(dir, "rev-parse", "--is-inside-work-tree")
	if err != nil {
		return false
	}
	return strings.TrimSpace(out) == "true"
}

func HeadSHA(dir string) (string, error) {
	out, _, err := runGit(dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Clone performs a full (not shallow) clone of url into dir. §4.2
// rationale: a shallow base cannot reliably serve arbitrary commits across
// experiments; the one-time full-clone cost is amortized over every
// subsequent run.
func Clone(url, dir string) error {
	_, _, err := runGitNoDir("clone", "--no-checkout", url, dir)
	return err
}

// CatFileType returns the git object type for rev (e.g. "commit"), or an
// error if the object is not present in the repository.
func CatFileType(dir, rev string) (string, error) {
	out, _, err := runGit(dir, "cat-file", "-t", rev)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// FetchCommit fetches a single commit from origin into dir's object store.
func FetchCommit(dir, commit string) error {
	_, _, err := runGit(dir, "fetch", "origin", commit)
	return err
}

// AddWorktree creates a worktree at worktreeDir on a new branch, checked out
// at startPoint (a commit or ref). Branch-exists conflicts surface the
// underlying git stderr so callers can build an actionable error (§4.2).
func AddWorktree(repoDir, worktreeDir, branch, startPoint string) error {
	_, _, err := runGit(repoDir, "worktree", "add", "-b", branch, worktreeDir, startPoint)
	return err
}

// RemoveWorktree force-removes a worktree directory.
func RemoveWorktree(repoDir, worktreeDir string) error {
	_, _, err := runGit(repoDir, "worktree", "remove", "--force", worktreeDir)
	return err
}

// ListWorktrees returns the raw `git worktree list --porcelain` output, used
// to detect a conflicting branch/worktree for the actionable-error path.
func ListWorktrees(repoDir string) (string, error) {
	out, _, err := runGit(repoDir, "worktree", "list", "--porcelain")
	return out, err
}

// CheckoutCommit checks out commit inside worktreeDir (never in the base).
func CheckoutCommit(worktreeDir, commit string) error {
	_, _, err := runGit(worktreeDir, "checkout", commit)
	return err
}

// BranchExists reports whether branch already exists in repoDir.
func BranchExists(repoDir, branch string) bool {
	_, _, err := runGit(repoDir, "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}
