package gitutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func initTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test",
			"GIT_AUTHOR_EMAIL=test@test",
			"GIT_COMMITTER_NAME=test",
			"GIT_COMMITTER_EMAIL=test@test",
		)
		out, err := cmd.CombinedOutput()
		if err != nil {
			t.Fatalf("git %v failed: %v\n%s", args, err, out)
		}
	}
	run("init", "-b", "main")
	run("config", "user.name", "test")
	run("config", "user.email", "test@test")
	if err := os.WriteFile(filepath.Join(dir, "initial.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("add", "-A")
	run("commit", "-m", "initial")
	return dir
}

func TestHeadSHAAndIsRepo(t *testing.T) {
	dir := initTestRepo(t)
	if !IsRepo(dir) {
		t.Fatal("expected IsRepo true")
	}
	sha, err := HeadSHA(dir)
	if err != nil {
		t.Fatalf("HeadSHA: %v", err)
	}
	if len(sha) != 40 {
		t.Fatalf("unexpected sha length: %q", sha)
	}
}

func TestCloneThenWorktree(t *testing.T) {
	src := initTestRepo(t)
	base := filepath.Join(t.TempDir(), "base.git")
	if err := Clone(src, base); err != nil {
		t.Fatalf("Clone: %v", err)
	}
	if !IsRepo(base) {
		t.Fatal("clone target is not a repo")
	}
	sha, err := HeadSHA(src)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := CatFileType(base, sha); err != nil {
		t.Fatalf("expected commit object present after clone: %v", err)
	}

	worktree := filepath.Join(t.TempDir(), "wt")
	if err := AddWorktree(base, worktree, "T0_00-empty", sha); err != nil {
		t.Fatalf("AddWorktree: %v", err)
	}
	if err := CheckoutCommit(worktree, sha); err != nil {
		t.Fatalf("CheckoutCommit: %v", err)
	}
	if !BranchExists(base, "T0_00-empty") {
		t.Fatal("expected branch to exist")
	}
}

func TestAddWorktreeBranchConflict(t *testing.T) {
	src := initTestRepo(t)
	base := filepath.Join(t.TempDir(), "base.git")
	if err := Clone(src, base); err != nil {
		t.Fatal(err)
	}
	sha, _ := HeadSHA(src)
	wt1 := filepath.Join(t.TempDir(), "wt1")
	if err := AddWorktree(base, wt1, "T0_00-empty", sha); err != nil {
		t.Fatal(err)
	}
	wt2 := filepath.Join(t.TempDir(), "wt2")
	if err := AddWorktree(base, wt2, "T0_00-empty", sha); err == nil {
		t.Fatal("expected branch-exists conflict error")
	}
}
