// Package git reads commit metadata used to enrich documents. Git is an
// optional adjunct: when it is missing the adapter reports GIT_UNAVAILABLE and
// callers skip the enrichment.
package git

import (
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	pmerrors "pmdash/internal/errors"
)

const (
	// BackendID is the unique identifier for the Git backend
	BackendID = "git"

	// DefaultQueryTimeout bounds each git invocation
	DefaultQueryTimeout = 5000 * time.Millisecond
)

// Adapter implements CommitSource by shelling out to git.
type Adapter struct {
	root         string
	queryTimeout time.Duration
	logger       *slog.Logger
}

// NewAdapter creates an adapter for the repository at root. It returns a
// GIT_UNAVAILABLE error when git is not installed or root is not a work tree.
func NewAdapter(root string, logger *slog.Logger) (*Adapter, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	a := &Adapter{
		root:         root,
		queryTimeout: DefaultQueryTimeout,
		logger:       logger,
	}

	if _, err := exec.LookPath("git"); err != nil {
		return nil, pmerrors.New(pmerrors.GitUnavailable, "git executable not found", err)
	}
	if !a.IsAvailable() {
		return nil, pmerrors.New(pmerrors.GitUnavailable, "project root is not a git work tree", nil).
			WithDetails(map[string]interface{}{"root": root})
	}

	logger.Debug("Git adapter initialized", "backend", BackendID, "root", root, "timeout", a.queryTimeout)
	return a, nil
}

// ID returns the backend identifier
func (a *Adapter) ID() string {
	return BackendID
}

// IsAvailable checks that root is inside a git work tree.
func (a *Adapter) IsAvailable() bool {
	out, err := a.run(context.Background(), "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// Capabilities returns the list of capabilities this backend supports
func (a *Adapter) Capabilities() []string {
	return []string{"last-commit"}
}

// LastCommitAt returns the committer date of the last commit touching canonicalPath.
func (a *Adapter) LastCommitAt(ctx context.Context, canonicalPath string) (*time.Time, error) {
	if canonicalPath == "" {
		return nil, pmerrors.New(pmerrors.InvalidPath, "file path is required", nil)
	}

	out, err := a.run(ctx, "log", "-1", "--format=%cI", "--", canonicalPath)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}

	t, err := time.Parse(time.RFC3339, out)
	if err != nil {
		return nil, pmerrors.New(pmerrors.GitUnavailable, "unexpected git log output", err).
			WithDetails(map[string]interface{}{"path": canonicalPath, "output": out})
	}
	t = t.UTC()
	return &t, nil
}

// run executes git with a timeout and returns trimmed stdout.
func (a *Adapter) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.queryTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = a.root

	output, err := cmd.Output()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", pmerrors.New(pmerrors.GitUnavailable, "git command timed out", err)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", pmerrors.New(pmerrors.GitUnavailable, "git command failed", err).
				WithDetails(map[string]interface{}{
					"args":   args,
					"stderr": strings.TrimSpace(string(exitErr.Stderr)),
				})
		}
		return "", pmerrors.New(pmerrors.GitUnavailable, "failed to execute git", err)
	}
	return strings.TrimSpace(string(output)), nil
}
