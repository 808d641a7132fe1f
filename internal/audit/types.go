// Package audit flags suspect entity links for human review. It only reads
// the link graph and never writes to it.
package audit

import (
	"time"

	"pmdash/internal/entities"
)

// Reason constants
const (
	ReasonHighFanoutLowConfidence = "high_fanout_low_confidence"
	ReasonSlugMismatch            = "slug_mismatch"
)

// Defaults applied when Options leave a field zero.
const (
	DefaultPrimaryFloor = 0.55
	DefaultFanoutFloor  = 10
	DefaultLimit        = 100
	topTargetsLimit     = 10
)

// Options configures one audit pass.
type Options struct {
	ProjectID    string
	FeatureID    string  // Only links targeting this feature (optional)
	PrimaryFloor float64 // Confidence below which a high fan-out link is suspect
	FanoutFloor  int     // Distinct sources at which a target counts as high fan-out
	Limit        int     // Max suspects returned
}

// Report is the result of an audit.
type Report struct {
	ProjectID  string    `json:"projectId"`
	FeatureID  string    `json:"featureId,omitempty"`
	AnalyzedAt time.Time `json:"analyzedAt"`
	Suspects   []Suspect `json:"suspects"`
	Summary    Summary   `json:"summary"`
}

// Suspect is one flagged link with the reasons it was flagged.
type Suspect struct {
	Link         *entities.Link `json:"link"`
	Reasons      []string       `json:"reasons"`
	TargetFanout int            `json:"targetFanout"`
	OtherFeature string         `json:"otherFeature,omitempty"` // slug_mismatch: the feature the evidence names
}

// Summary provides aggregate statistics over the audited links.
type Summary struct {
	TotalLinks      int            `json:"totalLinks"`
	PrimaryLinks    int            `json:"primaryLinks"`
	SuggestionLinks int            `json:"suggestionLinks"`
	DemotedLinks    int            `json:"demotedLinks"`
	SuspectLinks    int            `json:"suspectLinks"`
	Truncated       int            `json:"truncated,omitempty"`
	ByReason        map[string]int `json:"byReason"`
	TopTargets      []TargetFanout `json:"topTargets"`
}

// TargetFanout counts the distinct sources claiming one target.
type TargetFanout struct {
	Target  entities.Ref `json:"target"`
	Sources int          `json:"sources"`
}
