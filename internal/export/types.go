package export

import (
	"time"

	"pmdash/internal/entities"
)

// Record types, one per JSONL line.
const (
	RecordHeader  = "header"
	RecordFeature = "feature"
	RecordLink    = "link"
)

// Compression formats
const (
	CompressionNone = "none"
	CompressionZstd = "zstd"
)

// Options configures an export.
type Options struct {
	ProjectID        string
	FeatureID        string  // Only links touching this feature (optional)
	MinConfidence    float64 // Drop links below this confidence
	SkipSuggestions  bool    // Drop suggestion-tier links
	Compression      string  // "zstd" or "none"; WriteFile infers it from the extension when empty
	CompressionLevel int     // zstd level 1-4; 0 uses the default
}

// Header is the first line of every export.
type Header struct {
	Type        string `json:"type"`
	ProjectID   string `json:"projectId"`
	Version     string `json:"version"`
	GeneratedAt string `json:"generatedAt"`
	Features    int    `json:"features"`
	Links       int    `json:"links"`
}

// FeatureRecord is one feature with its link digest.
type FeatureRecord struct {
	Type       string `json:"type"`
	ID         string `json:"id"`
	Name       string `json:"name"`
	Status     string `json:"status,omitempty"`
	PlanPath   string `json:"planPath,omitempty"`
	TasksTotal int    `json:"tasksTotal"`
	TasksDone  int    `json:"tasksDone"`
	Digest
}

// LinkRecord wraps one link.
type LinkRecord struct {
	Type string `json:"type"`
	*entities.Link
}

// Result reports what an export wrote.
type Result struct {
	Features int           `json:"features"`
	Links    int           `json:"links"`
	Bytes    int64         `json:"bytes"`
	Duration time.Duration `json:"duration"`
}
