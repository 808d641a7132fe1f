// Package entities defines the correlated records (documents, features, tasks,
// sessions) and the derived EntityLink, plus their SQLite persistence.
package entities

import (
	"fmt"
	"time"
)

// Kind identifies an entity type.
type Kind string

const (
	KindDocument Kind = "document"
	KindFeature  Kind = "feature"
	KindTask     Kind = "task"
	KindSession  Kind = "session"
)

// RootKind classifies a document by the root it was discovered under.
type RootKind string

const (
	RootPlan     RootKind = "plan"
	RootProgress RootKind = "progress"
	RootOther    RootKind = "other"
)

// Document is one markdown artifact. ID equals CanonicalPath.
type Document struct {
	ID             string                 `json:"id"`
	CanonicalPath  string                 `json:"canonicalPath"`
	RootKind       RootKind               `json:"rootKind"`
	Subtype        string                 `json:"subtype,omitempty"`
	Status         string                 `json:"status,omitempty"`
	Title          string                 `json:"title,omitempty"`
	RelatedRefs    []string               `json:"relatedRefs,omitempty"`
	LinkedFeatures []string               `json:"linkedFeatures,omitempty"`
	LinkedSessions []string               `json:"linkedSessions,omitempty"`
	PRDRef         string                 `json:"prdRef,omitempty"`
	FeatureRef     string                 `json:"featureRef,omitempty"` // "feature:" frontmatter key
	Body           string                 `json:"-"`
	Extra          map[string]interface{} `json:"extra,omitempty"`
	Hash           string                 `json:"hash,omitempty"`
	LastCommitAt   *time.Time             `json:"lastCommitAt,omitempty"`
	Tombstoned     bool                   `json:"tombstoned,omitempty"`
}

// IsPlan reports whether the document is an implementation plan that seeds a feature.
func (d *Document) IsPlan() bool {
	return d.RootKind == RootPlan
}

// Feature is a logical unit of work discovered from an implementation plan.
// Its linked documents are derived from entity_links, not stored here.
type Feature struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Status     string   `json:"status,omitempty"`
	PlanPath   string   `json:"planPath,omitempty"`
	PlanRefs   []string `json:"planRefs,omitempty"`
	TasksTotal int      `json:"tasksTotal"`
	TasksDone  int      `json:"tasksDone"`
	Tombstoned bool     `json:"tombstoned,omitempty"`
}

// Task is parsed from progress-document frontmatter and belongs to exactly one document.
type Task struct {
	ID          string `json:"id"`
	SourcePath  string `json:"sourcePath"`
	Title       string `json:"title,omitempty"`
	Status      string `json:"status,omitempty"`
	FeatureHint string `json:"featureHint,omitempty"`
	FeatureID   string `json:"featureId,omitempty"`
}

// Key is the task's entity ID: "<sourcePath>#<id>".
func (t *Task) Key() string {
	return t.SourcePath + "#" + t.ID
}

// IsDone reports whether the task status counts as finished for rollups.
func (t *Task) IsDone() bool {
	switch t.Status {
	case "done", "completed", "complete", "closed":
		return true
	}
	return false
}

// Command is one CLI invocation recorded in a session log.
type Command struct {
	Name string   `json:"name"`
	Args []string `json:"args,omitempty"`
}

// FileAction distinguishes reads from writes in a session.
type FileAction string

const (
	FileRead  FileAction = "read"
	FileWrite FileAction = "write"
)

// FileUpdate is one file touched during a session.
type FileUpdate struct {
	Path   string     `json:"path"`
	Action FileAction `json:"action"`
}

// Session is one agent run parsed from an append-only JSONL log. Immutable once parsed.
type Session struct {
	ID          string       `json:"id"`
	SourcePath  string       `json:"sourcePath"`
	Commands    []Command    `json:"commands,omitempty"`
	FileUpdates []FileUpdate `json:"fileUpdates,omitempty"`
	StartedAt   *time.Time   `json:"startedAt,omitempty"`
	EndedAt     *time.Time   `json:"endedAt,omitempty"`
	Hash        string       `json:"hash,omitempty"`
}

// SignalType records which kind of evidence produced a link.
type SignalType string

const (
	SignalExplicitRef    SignalType = "explicit_ref"
	SignalPathMatch      SignalType = "path_match"
	SignalCommandArgPath SignalType = "command_arg_path"
	SignalFileWrite      SignalType = "file_write"
	SignalFileRead       SignalType = "file_read"
	SignalSuggestion     SignalType = "suggestion"
)

// LinkKind names the (source kind, target kind) pair of a link.
type LinkKind string

const (
	LinkDocumentFeature  LinkKind = "document_feature"
	LinkDocumentDocument LinkKind = "document_document"
	LinkDocumentSession  LinkKind = "document_session"
	LinkSessionFeature   LinkKind = "session_feature"
	LinkSessionDocument  LinkKind = "session_document"
	LinkTaskFeature      LinkKind = "task_feature"
)

// LinkKindFor returns the link kind for a source/target pair, or false when
// the pair is not correlated.
func LinkKindFor(source, target Kind) (LinkKind, bool) {
	switch {
	case source == KindDocument && target == KindFeature:
		return LinkDocumentFeature, true
	case source == KindDocument && target == KindDocument:
		return LinkDocumentDocument, true
	case source == KindDocument && target == KindSession:
		return LinkDocumentSession, true
	case source == KindSession && target == KindFeature:
		return LinkSessionFeature, true
	case source == KindSession && target == KindDocument:
		return LinkSessionDocument, true
	case source == KindTask && target == KindFeature:
		return LinkTaskFeature, true
	}
	return "", false
}

// SuggestionCeiling is the exclusive upper bound of the suggestion tier.
const SuggestionCeiling = 0.5

// Ref identifies one entity.
type Ref struct {
	Kind Kind   `json:"kind"`
	ID   string `json:"id"`
}

func (r Ref) String() string {
	return string(r.Kind) + ":" + r.ID
}

// LinkKey is the natural key of an EntityLink within a project.
type LinkKey struct {
	SourceKind Kind
	SourceID   string
	TargetKind Kind
	TargetID   string
	LinkKind   LinkKind
}

func (k LinkKey) String() string {
	return fmt.Sprintf("%s:%s -[%s]-> %s:%s", k.SourceKind, k.SourceID, k.LinkKind, k.TargetKind, k.TargetID)
}

// Link is a derived, confidence-scored edge between two entities.
type Link struct {
	ProjectID           string     `json:"projectId"`
	SourceKind          Kind       `json:"sourceKind"`
	SourceID            string     `json:"sourceId"`
	TargetKind          Kind       `json:"targetKind"`
	TargetID            string     `json:"targetId"`
	LinkKind            LinkKind   `json:"linkKind"`
	Confidence          float64    `json:"confidence"`
	SignalType          SignalType `json:"signalType"`
	IsPrimary           bool       `json:"isPrimary"`
	Evidence            string     `json:"evidence,omitempty"`
	Demoted             bool       `json:"demoted,omitempty"`
	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
	LastSeenOperationID string     `json:"lastSeenOperationId"`
}

// Key returns the link's natural key.
func (l *Link) Key() LinkKey {
	return LinkKey{
		SourceKind: l.SourceKind,
		SourceID:   l.SourceID,
		TargetKind: l.TargetKind,
		TargetID:   l.TargetID,
		LinkKind:   l.LinkKind,
	}
}

// Source returns the link's source entity.
func (l *Link) Source() Ref {
	return Ref{Kind: l.SourceKind, ID: l.SourceID}
}

// Target returns the link's target entity.
func (l *Link) Target() Ref {
	return Ref{Kind: l.TargetKind, ID: l.TargetID}
}

// IsSuggestion reports whether the link sits in the suggestion tier.
func (l *Link) IsSuggestion() bool {
	return l.SignalType == SignalSuggestion || l.Confidence < SuggestionCeiling
}

// PrimaryEligible reports whether the link could be chosen as primary.
func (l *Link) PrimaryEligible() bool {
	return !l.IsSuggestion()
}
