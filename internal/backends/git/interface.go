package git

import (
	"context"
	"time"
)

// Backend represents an optional signal source the orchestrator may consult.
type Backend interface {
	// ID returns the unique identifier for this backend
	ID() string

	// IsAvailable checks if the backend is available and functional
	IsAvailable() bool

	// Capabilities returns a list of capability identifiers this backend supports
	Capabilities() []string
}

// CommitSource extends Backend with last-commit lookups for document enrichment.
type CommitSource interface {
	Backend

	// LastCommitAt returns the committer time of the last commit touching a
	// canonical path, or nil when the file has no history.
	LastCommitAt(ctx context.Context, canonicalPath string) (*time.Time, error)
}
