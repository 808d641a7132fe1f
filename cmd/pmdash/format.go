package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"pmdash/internal/audit"
	"pmdash/internal/engine"
	"pmdash/internal/entities"
	"pmdash/internal/links"
	"pmdash/internal/operations"
	"pmdash/internal/version"
)

// OutputFormat represents the output format type
type OutputFormat string

const (
	FormatJSON  OutputFormat = "json"
	FormatHuman OutputFormat = "human"
)

// FormatResponse formats a response according to the specified format
func FormatResponse(resp interface{}, format OutputFormat) (string, error) {
	switch format {
	case FormatJSON:
		return formatJSON(resp)
	case FormatHuman:
		return formatHuman(resp)
	default:
		return "", fmt.Errorf("unsupported format: %s", format)
	}
}

// formatJSON formats the response as JSON
func formatJSON(resp interface{}) (string, error) {
	data, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return string(data), nil
}

// formatHuman formats the response in human-readable format
func formatHuman(resp interface{}) (string, error) {
	switch v := resp.(type) {
	case *InitResponseCLI:
		return formatInitHuman(v), nil
	case *operations.Operation:
		return formatOperationHuman(v), nil
	case *StartedResponseCLI:
		return fmt.Sprintf("Started %s operation %s\nPoll with: pmdash ops status %s", v.Kind, v.OperationID, v.OperationID), nil
	case *operations.ListResponse:
		return formatOpsListHuman(v), nil
	case *PruneResponseCLI:
		return fmt.Sprintf("Deleted %d finished operation(s) older than %s", v.Deleted, v.Retention), nil
	case *engine.EntityLinks:
		return formatLinksHuman(v), nil
	case *links.Stats:
		return formatLinkStatsHuman(v), nil
	case *audit.Report:
		return formatAuditHuman(v), nil
	case *ExportResponseCLI:
		return fmt.Sprintf("Exported %d link(s) and %d feature(s) to %s (%d bytes, %s)",
			v.Links, v.Features, v.Path, v.Bytes, v.Duration.Round(time.Millisecond)), nil
	case *VersionResponseCLI:
		return version.Full(), nil
	default:
		// For unknown types, fall back to JSON
		return formatJSON(resp)
	}
}

func formatInitHuman(v *InitResponseCLI) string {
	var b strings.Builder
	if v.Created {
		fmt.Fprintf(&b, "Initialized project %q at %s\n", v.ProjectID, v.Root)
	} else {
		fmt.Fprintf(&b, "Project %q already initialized at %s\n", v.ProjectID, v.Root)
	}
	fmt.Fprintf(&b, "  Document roots: %s\n", strings.Join(v.DocRoots, ", "))
	fmt.Fprintf(&b, "  Progress roots: %s\n", strings.Join(v.ProgressRoots, ", "))
	fmt.Fprintf(&b, "  Session roots:  %s\n", strings.Join(v.SessionRoots, ", "))
	fmt.Fprintf(&b, "  Config:         %s\n", v.ConfigPath)
	b.WriteString("\nRun 'pmdash sync' to build the link graph.")
	return b.String()
}

func formatOperationHuman(op *operations.Operation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Operation %s\n", op.ID)
	b.WriteString(strings.Repeat("=", 60) + "\n")
	fmt.Fprintf(&b, "  Kind:     %s\n", op.Kind)
	fmt.Fprintf(&b, "  Status:   %s\n", op.Status)
	fmt.Fprintf(&b, "  Progress: %s\n", op.Progress())
	if len(op.Scope) > 0 {
		fmt.Fprintf(&b, "  Scope:    %s\n", strings.Join(op.Scope, ", "))
	}
	if op.StartedAt != nil {
		fmt.Fprintf(&b, "  Started:  %s\n", op.StartedAt.Format(time.RFC3339))
	}
	if d := op.Duration(); d > 0 {
		fmt.Fprintf(&b, "  Duration: %s\n", d.Round(time.Millisecond))
	}
	if op.Error != "" {
		fmt.Fprintf(&b, "  Error:    %s\n", op.Error)
	}

	if len(op.Counters) > 0 {
		b.WriteString("\nPhases:\n")
		for _, phase := range orderedPhases(op) {
			c := op.Counters[phase]
			marker := " "
			if phase == op.Phase && !op.IsTerminal() {
				marker = ">"
			}
			fmt.Fprintf(&b, "  %s %-24s %d/%d\n", marker, phase, c.Processed, c.Total)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// orderedPhases lists the phases that have counters in execution order.
func orderedPhases(op *operations.Operation) []string {
	var out []string
	seen := make(map[string]bool)
	for _, phase := range operations.Phases(op.Kind) {
		if _, ok := op.Counters[phase]; ok {
			out = append(out, phase)
			seen[phase] = true
		}
	}
	var extra []string
	for phase := range op.Counters {
		if !seen[phase] {
			extra = append(extra, phase)
		}
	}
	sort.Strings(extra)
	return append(out, extra...)
}

func formatOpsListHuman(resp *operations.ListResponse) string {
	if len(resp.Operations) == 0 {
		return "No operations found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-36s  %-18s  %-9s  %-22s  %s\n", "ID", "KIND", "STATUS", "PHASE", "CREATED")
	for _, op := range resp.Operations {
		fmt.Fprintf(&b, "%-36s  %-18s  %-9s  %-22s  %s\n",
			op.ID, op.Kind, op.Status, op.Phase, op.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	}
	fmt.Fprintf(&b, "\n%d of %d operation(s)", len(resp.Operations), resp.TotalCount)
	return b.String()
}

func formatLinksHuman(v *engine.EntityLinks) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Links for %s\n", v.EntityID)
	b.WriteString(strings.Repeat("=", 60) + "\n")

	b.WriteString("\nOutgoing:\n")
	writeLinks(&b, v.Outgoing, func(l *entities.Link) entities.Ref { return l.Target() })
	b.WriteString("\nIncoming:\n")
	writeLinks(&b, v.Incoming, func(l *entities.Link) entities.Ref { return l.Source() })
	return strings.TrimRight(b.String(), "\n")
}

func writeLinks(b *strings.Builder, list []*entities.Link, other func(*entities.Link) entities.Ref) {
	if len(list) == 0 {
		b.WriteString("  (none)\n")
		return
	}
	for _, l := range list {
		flags := ""
		if l.IsPrimary {
			flags += " primary"
		}
		if l.Demoted {
			flags += " demoted"
		}
		fmt.Fprintf(b, "  %.2f  %-16s  %s%s\n", l.Confidence, l.SignalType, other(l), flags)
	}
}

func formatLinkStatsHuman(v *links.Stats) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Links: %d  Primary: %d  Suggestions: %d  Demoted: %d\n", v.Total, v.Primary, v.Suggestion, v.Demoted)
	kinds := make([]string, 0, len(v.ByKind))
	for k := range v.ByKind {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Fprintf(&b, "  %-18s %d\n", k, v.ByKind[entities.LinkKind(k)])
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatAuditHuman(r *audit.Report) string {
	var b strings.Builder
	title := "Link audit"
	if r.FeatureID != "" {
		title += " for " + r.FeatureID
	}
	b.WriteString(title + "\n")
	b.WriteString(strings.Repeat("=", 60) + "\n")
	s := r.Summary
	fmt.Fprintf(&b, "  Links: %d  Primary: %d  Suggestions: %d  Demoted: %d\n",
		s.TotalLinks, s.PrimaryLinks, s.SuggestionLinks, s.DemotedLinks)
	fmt.Fprintf(&b, "  Suspects: %d (high fan-out: %d, slug mismatch: %d)\n",
		s.SuspectLinks, s.ByReason[audit.ReasonHighFanoutLowConfidence], s.ByReason[audit.ReasonSlugMismatch])

	if len(s.TopTargets) > 0 {
		b.WriteString("\nTop targets:\n")
		for _, t := range s.TopTargets {
			fmt.Fprintf(&b, "  %4d  %s\n", t.Sources, t.Target)
		}
	}

	if len(r.Suspects) > 0 {
		b.WriteString("\nSuspect links:\n")
		for _, sp := range r.Suspects {
			l := sp.Link
			fmt.Fprintf(&b, "  %.2f  %s -> %s  [%s]", l.Confidence, l.Source(), l.Target(), strings.Join(sp.Reasons, ", "))
			if sp.OtherFeature != "" {
				fmt.Fprintf(&b, " evidence names %s", sp.OtherFeature)
			}
			b.WriteString("\n")
		}
		if s.Truncated > 0 {
			fmt.Fprintf(&b, "  ... %d more (raise --limit)\n", s.Truncated)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// InitResponseCLI describes the project created or found by init.
type InitResponseCLI struct {
	ProjectID     string   `json:"projectId"`
	Root          string   `json:"root"`
	Created       bool     `json:"created"`
	DocRoots      []string `json:"docRoots"`
	ProgressRoots []string `json:"progressRoots"`
	SessionRoots  []string `json:"sessionRoots"`
	ConfigPath    string   `json:"configPath"`
}

// StartedResponseCLI is printed by sync --no-wait.
type StartedResponseCLI struct {
	OperationID string          `json:"operationId"`
	Kind        operations.Kind `json:"kind"`
}

// PruneResponseCLI reports ops prune.
type PruneResponseCLI struct {
	Deleted   int64         `json:"deleted"`
	Retention time.Duration `json:"retention"`
}

// ExportResponseCLI reports an export.
type ExportResponseCLI struct {
	Path     string        `json:"path"`
	Features int           `json:"features"`
	Links    int           `json:"links"`
	Bytes    int64         `json:"bytes"`
	Duration time.Duration `json:"duration"`
}

// VersionResponseCLI contains build information.
type VersionResponseCLI struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"buildDate"`
}
