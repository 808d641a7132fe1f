// Package export writes the link graph as JSON Lines, optionally zstd
// compressed, for offline analysis.
package export

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"pmdash/internal/entities"
	"pmdash/internal/links"
	"pmdash/internal/version"
)

// Exporter reads the link graph and feature catalog of a project.
type Exporter struct {
	links    *links.Store
	entities *entities.Store
	logger   *slog.Logger
}

// NewExporter creates a new exporter
func NewExporter(linkStore *links.Store, entityStore *entities.Store, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Exporter{
		links:    linkStore,
		entities: entityStore,
		logger:   logger.With("component", "export"),
	}
}

// WriteFile exports to path, creating parent directories. A ".zst" suffix
// selects zstd unless opts.Compression says otherwise.
func (e *Exporter) WriteFile(ctx context.Context, path string, opts Options) (*Result, error) {
	if opts.Compression == "" {
		opts.Compression = CompressionNone
		if strings.HasSuffix(path, ".zst") {
			opts.Compression = CompressionZstd
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create export directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create export file: %w", err)
	}
	res, err := e.Export(ctx, f, opts)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return nil, err
	}

	if fi, statErr := os.Stat(path); statErr == nil {
		res.Bytes = fi.Size()
	}
	e.logger.Info("Export written", "path", path, "links", res.Links, "features", res.Features, "bytes", res.Bytes)
	return res, nil
}

// Export writes a header line, one line per feature and one per link.
func (e *Exporter) Export(ctx context.Context, w io.Writer, opts Options) (*Result, error) {
	start := time.Now()

	all, err := e.links.ListAll(opts.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load links: %w", err)
	}
	features, err := e.entities.ListFeatures(opts.ProjectID, false)
	if err != nil {
		return nil, fmt.Errorf("failed to load features: %w", err)
	}

	selected := filterLinks(all, opts)
	if opts.FeatureID != "" {
		features = filterFeatures(features, opts.FeatureID)
	}

	var out io.Writer = w
	var enc *zstd.Encoder
	switch opts.Compression {
	case "", CompressionNone:
	case CompressionZstd:
		level := zstd.SpeedDefault
		if opts.CompressionLevel > 0 {
			level = zstd.EncoderLevelFromZstd(opts.CompressionLevel)
		}
		enc, err = zstd.NewWriter(w, zstd.WithEncoderLevel(level))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		out = enc
	default:
		return nil, fmt.Errorf("unsupported compression %q", opts.Compression)
	}

	bw := bufio.NewWriter(out)
	jw := json.NewEncoder(bw)

	err = e.encode(ctx, jw, opts, features, selected)
	if err == nil {
		err = bw.Flush()
	}
	if enc != nil {
		if cerr := enc.Close(); err == nil {
			err = cerr
		}
	}
	if err != nil {
		return nil, err
	}

	return &Result{
		Features: len(features),
		Links:    len(selected),
		Duration: time.Since(start),
	}, nil
}

func (e *Exporter) encode(ctx context.Context, jw *json.Encoder, opts Options, features []*entities.Feature, selected []*entities.Link) error {
	header := Header{
		Type:        RecordHeader,
		ProjectID:   opts.ProjectID,
		Version:     version.Version,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Features:    len(features),
		Links:       len(selected),
	}
	if err := jw.Encode(header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	org := NewOrganizer(selected)
	for _, f := range features {
		rec := FeatureRecord{
			Type:       RecordFeature,
			ID:         f.ID,
			Name:       f.Name,
			Status:     f.Status,
			PlanPath:   f.PlanPath,
			TasksTotal: f.TasksTotal,
			TasksDone:  f.TasksDone,
			Digest:     org.Digest(f.ID),
		}
		if err := jw.Encode(rec); err != nil {
			return fmt.Errorf("failed to write feature %s: %w", f.ID, err)
		}
	}

	for i, l := range selected {
		if i%500 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if err := jw.Encode(LinkRecord{Type: RecordLink, Link: l}); err != nil {
			return fmt.Errorf("failed to write link %s: %w", l.Key(), err)
		}
	}
	return nil
}

func filterLinks(all []*entities.Link, opts Options) []*entities.Link {
	out := make([]*entities.Link, 0, len(all))
	for _, l := range all {
		if l.Confidence < opts.MinConfidence {
			continue
		}
		if opts.SkipSuggestions && l.IsSuggestion() {
			continue
		}
		if opts.FeatureID != "" && (l.TargetKind != entities.KindFeature || l.TargetID != opts.FeatureID) {
			continue
		}
		out = append(out, l)
	}
	return out
}

func filterFeatures(features []*entities.Feature, id string) []*entities.Feature {
	for _, f := range features {
		if f.ID == id {
			return []*entities.Feature{f}
		}
	}
	return nil
}

// ReadFile decodes an export written by WriteFile into raw JSON lines.
func ReadFile(path string) ([]json.RawMessage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var r io.Reader = f
	if strings.HasSuffix(path, ".zst") {
		dec, err := zstd.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		defer dec.Close()
		r = dec
	}

	var lines []json.RawMessage
	d := json.NewDecoder(r)
	for d.More() {
		var raw json.RawMessage
		if err := d.Decode(&raw); err != nil {
			return nil, fmt.Errorf("failed to decode export line %d: %w", len(lines)+1, err)
		}
		lines = append(lines, raw)
	}
	return lines, nil
}
