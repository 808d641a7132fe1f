// Package mappings loads externally supplied link snapshots. A snapshot is a
// hand- or tool-written TOML file of source -> target assertions that is merged
// into scoring as explicit references.
package mappings

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"

	"pmdash/internal/entities"
	"pmdash/internal/match"
	"pmdash/internal/paths"
)

// DefaultFile is the snapshot path relative to the project root.
const DefaultFile = ".pmdash/mappings.toml"

// DefaultConfidence applies when an entry omits confidence.
const DefaultConfidence = 0.9

// Entry is one asserted link.
type Entry struct {
	Source     string        `toml:"source"`
	SourceKind entities.Kind `toml:"source_kind"`
	Target     string        `toml:"target"`
	TargetKind entities.Kind `toml:"target_kind"`
	Confidence float64       `toml:"confidence,omitempty"`
	Note       string        `toml:"note,omitempty"`
}

// File is the root structure of mappings.toml.
type File struct {
	Version  int     `toml:"version"`
	Mappings []Entry `toml:"mapping"`
}

// Snapshot is a validated, canonicalized set of entries.
type Snapshot struct {
	Path     string
	Entries  []Entry
	Rejected []Rejection
}

// Rejection explains why an entry was skipped.
type Rejection struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// ParseFile parses a mappings file.
func ParseFile(filePath string) (*File, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read mappings: %w", err)
	}

	var f File
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse mappings: %w", err)
	}
	if f.Version < 1 {
		f.Version = 1
	}
	return &f, nil
}

// Load reads the snapshot at file (relative to projectRoot unless absolute).
// A missing file is an empty snapshot.
func Load(projectRoot, file string) (*Snapshot, error) {
	if file == "" {
		file = DefaultFile
	}
	full := file
	if !filepath.IsAbs(full) {
		full = filepath.Join(projectRoot, filepath.FromSlash(file))
	}

	if _, err := os.Stat(full); os.IsNotExist(err) {
		return &Snapshot{Path: full}, nil
	}

	f, err := ParseFile(full)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{Path: full}
	for i, e := range f.Mappings {
		entry, reason := normalize(projectRoot, e)
		if reason != "" {
			snap.Rejected = append(snap.Rejected, Rejection{Index: i, Reason: reason})
			continue
		}
		snap.Entries = append(snap.Entries, entry)
	}
	return snap, nil
}

func normalize(projectRoot string, e Entry) (Entry, string) {
	e.SourceKind = entities.Kind(strings.ToLower(string(e.SourceKind)))
	e.TargetKind = entities.Kind(strings.ToLower(string(e.TargetKind)))
	if _, ok := entities.LinkKindFor(e.SourceKind, e.TargetKind); !ok {
		return e, fmt.Sprintf("unsupported link %s -> %s", e.SourceKind, e.TargetKind)
	}
	if e.Confidence == 0 {
		e.Confidence = DefaultConfidence
	}
	if e.Confidence < 0 || e.Confidence > 1 {
		return e, fmt.Sprintf("confidence %v out of range", e.Confidence)
	}

	var err error
	if e.Source, err = normalizeID(projectRoot, e.SourceKind, e.Source); err != nil {
		return e, "source: " + err.Error()
	}
	if e.Target, err = normalizeID(projectRoot, e.TargetKind, e.Target); err != nil {
		return e, "target: " + err.Error()
	}
	return e, ""
}

func normalizeID(projectRoot string, kind entities.Kind, id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("empty id")
	}
	switch kind {
	case entities.KindDocument:
		return paths.Canonicalize(id, projectRoot)
	case entities.KindFeature:
		return strings.ToLower(id), nil
	}
	return id, nil
}

// Results converts the snapshot into explicit-reference match results.
// Entries whose source is not accepted by include are skipped, so incremental
// runs only merge mappings for the sources they re-derive.
func (s *Snapshot) Results(include func(entities.Ref) bool) []match.Result {
	if s == nil {
		return nil
	}
	var out []match.Result
	for _, e := range s.Entries {
		src := entities.Ref{Kind: e.SourceKind, ID: e.Source}
		if include != nil && !include(src) {
			continue
		}
		out = append(out, match.Result{
			Source:     src,
			Target:     entities.Ref{Kind: e.TargetKind, ID: e.Target},
			Signal:     entities.SignalExplicitRef,
			Confidence: e.Confidence,
			Pass:       match.PassExact,
			Evidence:   "mapping:" + e.Target,
		})
	}
	return out
}

// Write writes a mappings file.
func Write(filePath string, f *File) error {
	data, err := toml.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal mappings: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return err
	}
	return os.WriteFile(filePath, data, 0644)
}
