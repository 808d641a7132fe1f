package git

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	pmerrors "pmdash/internal/errors"
	"pmdash/internal/slogutil"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

func gitCmd(t *testing.T, dir string, env []string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
}

func TestNewAdapter_NotARepository(t *testing.T) {
	requireGit(t)

	_, err := NewAdapter(t.TempDir(), slogutil.NewDiscardLogger())
	if !pmerrors.Is(err, pmerrors.GitUnavailable) {
		t.Fatalf("NewAdapter() error = %v, want GIT_UNAVAILABLE", err)
	}
}

func TestLastCommitAt(t *testing.T) {
	requireGit(t)

	root := t.TempDir()
	env := []string{
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
		"GIT_AUTHOR_DATE=2026-02-03T04:05:06Z", "GIT_COMMITTER_DATE=2026-02-03T04:05:06Z",
	}
	gitCmd(t, root, env, "init", "-q")
	if err := os.MkdirAll(filepath.Join(root, "docs"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "docs", "a.md"), []byte("# A\n"), 0644); err != nil {
		t.Fatal(err)
	}
	gitCmd(t, root, env, "add", ".")
	gitCmd(t, root, env, "commit", "-q", "-m", "add a")

	a, err := NewAdapter(root, slogutil.NewDiscardLogger())
	if err != nil {
		t.Fatalf("NewAdapter() error = %v", err)
	}
	if a.ID() != BackendID {
		t.Errorf("ID() = %q, want %q", a.ID(), BackendID)
	}

	got, err := a.LastCommitAt(context.Background(), "docs/a.md")
	if err != nil {
		t.Fatalf("LastCommitAt() error = %v", err)
	}
	want := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	if got == nil || !got.Equal(want) {
		t.Errorf("LastCommitAt() = %v, want %v", got, want)
	}

	untracked, err := a.LastCommitAt(context.Background(), "docs/new.md")
	if err != nil {
		t.Fatalf("LastCommitAt(untracked) error = %v", err)
	}
	if untracked != nil {
		t.Errorf("LastCommitAt(untracked) = %v, want nil", untracked)
	}
}

func TestLastCommitAt_EmptyPath(t *testing.T) {
	a := &Adapter{root: t.TempDir(), queryTimeout: DefaultQueryTimeout, logger: slogutil.NewDiscardLogger()}
	if _, err := a.LastCommitAt(context.Background(), ""); !pmerrors.Is(err, pmerrors.InvalidPath) {
		t.Errorf("LastCommitAt(\"\") error = %v, want INVALID_PATH", err)
	}
}
