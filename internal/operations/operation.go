// Package operations models sync operations: the persisted record, its store,
// and the per-project registry that allows one active operation at a time.
package operations

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	pmerrors "pmdash/internal/errors"
)

// Status represents the current state of an operation.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Kind identifies which pipeline an operation runs.
type Kind string

const (
	KindFullSync         Kind = "full_sync"
	KindRebuildLinks     Kind = "rebuild_links"
	KindSyncChangedFiles Kind = "sync_changed_files"
)

// ParseKind accepts a kind name or its short CLI alias (full, links, changed).
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "full", string(KindFullSync):
		return KindFullSync, nil
	case "links", "rebuild", string(KindRebuildLinks):
		return KindRebuildLinks, nil
	case "changed", string(KindSyncChangedFiles):
		return KindSyncChangedFiles, nil
	}
	return "", pmerrors.Newf(pmerrors.InvalidArgument, "unknown operation kind %q", s)
}

// Phase names, in execution order per kind.
const (
	PhaseSessions  = "sessions"
	PhaseDocuments = "documents"
	PhaseTasks     = "tasks"
	PhaseFeatures  = "features"
	PhaseLinks     = "links"
	PhaseAnalytics = "analytics"
	PhaseCompleted = "completed"

	PhaseLinksInit            = "links:init"
	PhaseLinksFeaturePrep     = "links:feature-prep"
	PhaseLinksSessionEvidence = "links:session-evidence"
	PhaseLinksDocuments       = "links:documents"
	PhaseLinksCatalog         = "links:catalog"
	PhaseLinksCompleted       = "links:completed"

	PhaseChangedIngest = "changed:ingest"
	PhaseChangedTasks  = "changed:tasks"
	PhaseChangedLinks  = "changed:links"
)

var phases = map[Kind][]string{
	KindFullSync: {
		PhaseSessions, PhaseDocuments, PhaseTasks, PhaseFeatures,
		PhaseLinks, PhaseAnalytics, PhaseCompleted,
	},
	KindRebuildLinks: {
		PhaseLinksInit, PhaseLinksFeaturePrep, PhaseLinksSessionEvidence,
		PhaseLinksDocuments, PhaseLinksCatalog, PhaseLinksCompleted,
	},
	KindSyncChangedFiles: {
		PhaseChangedIngest, PhaseChangedTasks, PhaseChangedLinks, PhaseCompleted,
	},
}

// Phases returns the ordered phase list of a kind.
func Phases(kind Kind) []string {
	return append([]string(nil), phases[kind]...)
}

// Counter is the progress of one phase.
type Counter struct {
	Processed int `json:"processed"`
	Total     int `json:"total"`
}

// Operation is one orchestrator run.
type Operation struct {
	ID         string             `json:"id"`
	ProjectID  string             `json:"projectId"`
	Kind       Kind               `json:"kind"`
	Status     Status             `json:"status"`
	Phase      string             `json:"phase"`
	Counters   map[string]Counter `json:"counters"`
	Scope      []string           `json:"scope,omitempty"`
	CreatedAt  time.Time          `json:"createdAt"`
	StartedAt  *time.Time         `json:"startedAt,omitempty"`
	UpdatedAt  time.Time          `json:"updatedAt"`
	FinishedAt *time.Time         `json:"finishedAt,omitempty"`
	Error      string             `json:"error,omitempty"`
}

// NewOperation creates a queued operation.
func NewOperation(projectID string, kind Kind, scope []string) *Operation {
	now := time.Now().UTC()
	return &Operation{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		Kind:      kind,
		Status:    StatusQueued,
		Counters:  make(map[string]Counter),
		Scope:     scope,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// IsTerminal returns true if the operation is completed or failed.
func (o *Operation) IsTerminal() bool {
	return o.Status == StatusCompleted || o.Status == StatusFailed
}

// MarkStarted transitions the operation to running.
func (o *Operation) MarkStarted() {
	now := time.Now().UTC()
	o.Status = StatusRunning
	o.StartedAt = &now
	o.UpdatedAt = now
}

// MarkCompleted transitions the operation to completed.
func (o *Operation) MarkCompleted() {
	now := time.Now().UTC()
	o.Status = StatusCompleted
	o.FinishedAt = &now
	o.UpdatedAt = now
}

// MarkFailed transitions the operation to failed with the error recorded.
// The phase is left at the one that failed.
func (o *Operation) MarkFailed(err error) {
	now := time.Now().UTC()
	o.Status = StatusFailed
	o.FinishedAt = &now
	o.UpdatedAt = now
	if err != nil {
		o.Error = err.Error()
	}
}

// Duration returns how long the operation took (or has been running).
func (o *Operation) Duration() time.Duration {
	if o.StartedAt == nil {
		return 0
	}
	end := time.Now().UTC()
	if o.FinishedAt != nil {
		end = *o.FinishedAt
	}
	return end.Sub(*o.StartedAt)
}

// Clone returns a deep copy safe to hand to other goroutines.
func (o *Operation) Clone() *Operation {
	cp := *o
	cp.Counters = make(map[string]Counter, len(o.Counters))
	for k, v := range o.Counters {
		cp.Counters[k] = v
	}
	cp.Scope = append([]string(nil), o.Scope...)
	if o.StartedAt != nil {
		t := *o.StartedAt
		cp.StartedAt = &t
	}
	if o.FinishedAt != nil {
		t := *o.FinishedAt
		cp.FinishedAt = &t
	}
	return &cp
}

// Progress renders "phase processed/total" for human output.
func (o *Operation) Progress() string {
	c, ok := o.Counters[o.Phase]
	if !ok || c.Total == 0 {
		return o.Phase
	}
	return fmt.Sprintf("%s %d/%d", o.Phase, c.Processed, c.Total)
}

// Summary is a lightweight view of an operation for listing.
type Summary struct {
	ID         string     `json:"id"`
	Kind       Kind       `json:"kind"`
	Status     Status     `json:"status"`
	Phase      string     `json:"phase"`
	CreatedAt  time.Time  `json:"createdAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// ToSummary creates a summary view of the operation.
func (o *Operation) ToSummary() Summary {
	return Summary{
		ID:         o.ID,
		Kind:       o.Kind,
		Status:     o.Status,
		Phase:      o.Phase,
		CreatedAt:  o.CreatedAt,
		FinishedAt: o.FinishedAt,
		Error:      o.Error,
	}
}

// ListOptions contains options for listing operations.
type ListOptions struct {
	ProjectID string
	Status    []Status
	Kind      []Kind
	Limit     int
	Offset    int
}

// ListResponse contains the result of listing operations.
type ListResponse struct {
	Operations []Summary `json:"operations"`
	TotalCount int       `json:"totalCount"`
}
