package audit

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"pmdash/internal/entities"
	"pmdash/internal/extract"
	"pmdash/internal/links"
	"pmdash/internal/match"
)

// Analyzer scans the link graph for suspect links.
type Analyzer struct {
	links    *links.Store
	entities *entities.Store
	generic  *match.Generic
	logger   *slog.Logger
}

// NewAnalyzer creates a new link analyzer. generic may be nil.
func NewAnalyzer(linkStore *links.Store, entityStore *entities.Store, generic *match.Generic, logger *slog.Logger) *Analyzer {
	if generic == nil {
		generic = match.NewGeneric()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Analyzer{
		links:    linkStore,
		entities: entityStore,
		generic:  generic,
		logger:   logger.With("component", "audit"),
	}
}

// Audit flags links whose target has high fan-out while their own confidence
// is low, and links whose evidence path names a different feature than the
// one they point at.
func (a *Analyzer) Audit(ctx context.Context, opts Options) (*Report, error) {
	if opts.PrimaryFloor <= 0 {
		opts.PrimaryFloor = DefaultPrimaryFloor
	}
	if opts.FanoutFloor <= 0 {
		opts.FanoutFloor = DefaultFanoutFloor
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}

	a.logger.Debug("Starting link audit",
		"projectId", opts.ProjectID,
		"featureId", opts.FeatureID,
		"primaryFloor", opts.PrimaryFloor,
		"fanoutFloor", opts.FanoutFloor,
	)

	all, err := a.links.ListAll(opts.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load links: %w", err)
	}
	features, err := a.entities.ListFeatures(opts.ProjectID, false)
	if err != nil {
		return nil, fmt.Errorf("failed to load features: %w", err)
	}
	known := make(map[string]bool, len(features))
	for _, f := range features {
		known[f.ID] = true
	}

	// Fan-out is measured over the whole graph even when one feature is audited.
	fanout := targetFanout(all)

	var scoped []*entities.Link
	for _, l := range all {
		if opts.FeatureID != "" && (l.TargetKind != entities.KindFeature || l.TargetID != opts.FeatureID) {
			continue
		}
		scoped = append(scoped, l)
	}

	suspects := make([]Suspect, 0)
	for _, l := range scoped {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s := Suspect{Link: l, TargetFanout: fanout[l.Target()]}
		if s.TargetFanout >= opts.FanoutFloor && l.Confidence < opts.PrimaryFloor {
			s.Reasons = append(s.Reasons, ReasonHighFanoutLowConfidence)
		}
		if other := a.slugMismatch(l, known); other != "" {
			s.Reasons = append(s.Reasons, ReasonSlugMismatch)
			s.OtherFeature = other
		}
		if len(s.Reasons) > 0 {
			suspects = append(suspects, s)
		}
	}

	sortSuspects(suspects)

	summary := a.computeSummary(scoped, suspects, fanout)
	if len(suspects) > opts.Limit {
		summary.Truncated = len(suspects) - opts.Limit
		suspects = suspects[:opts.Limit]
	}

	a.logger.Debug("Link audit finished", "links", len(scoped), "suspects", summary.SuspectLinks)

	return &Report{
		ProjectID:  opts.ProjectID,
		FeatureID:  opts.FeatureID,
		AnalyzedAt: time.Now().UTC(),
		Suspects:   suspects,
		Summary:    summary,
	}, nil
}

// slugMismatch returns the feature named by a feature link's evidence path
// when that path never names the linked feature itself.
func (a *Analyzer) slugMismatch(l *entities.Link, known map[string]bool) string {
	if l.TargetKind != entities.KindFeature || !extract.IsPathLike(l.Evidence) {
		return ""
	}
	target := match.BaseSlug(l.TargetID)

	var other string
	for _, seg := range a.pathSlugs(l.Evidence) {
		if seg == l.TargetID || match.BaseSlug(seg) == target {
			return ""
		}
		if other != "" {
			continue
		}
		if known[seg] {
			other = seg
		}
	}
	return other
}

// pathSlugs returns the non-generic slugs of a path's directories and stem.
func (a *Analyzer) pathSlugs(p string) []string {
	p = strings.ToLower(strings.ReplaceAll(p, `\`, "/"))
	p = strings.TrimSuffix(p, path.Ext(p))

	var out []string
	for _, seg := range strings.Split(p, "/") {
		if extract.ValidSlug(seg) && !a.generic.Contains(seg) {
			out = append(out, seg)
		}
	}
	return out
}

func targetFanout(all []*entities.Link) map[entities.Ref]int {
	sources := make(map[entities.Ref]map[entities.Ref]bool)
	for _, l := range all {
		t := l.Target()
		if sources[t] == nil {
			sources[t] = make(map[entities.Ref]bool)
		}
		sources[t][l.Source()] = true
	}
	out := make(map[entities.Ref]int, len(sources))
	for t, s := range sources {
		out[t] = len(s)
	}
	return out
}

// sortSuspects orders by reason count, then fan-out, then lowest confidence.
func sortSuspects(list []Suspect) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if len(a.Reasons) != len(b.Reasons) {
			return len(a.Reasons) > len(b.Reasons)
		}
		if a.TargetFanout != b.TargetFanout {
			return a.TargetFanout > b.TargetFanout
		}
		if a.Link.Confidence != b.Link.Confidence {
			return a.Link.Confidence < b.Link.Confidence
		}
		return a.Link.Key().String() < b.Link.Key().String()
	})
}

func (a *Analyzer) computeSummary(scoped []*entities.Link, suspects []Suspect, fanout map[entities.Ref]int) Summary {
	summary := Summary{
		TotalLinks:   len(scoped),
		SuspectLinks: len(suspects),
		ByReason: map[string]int{
			ReasonHighFanoutLowConfidence: 0,
			ReasonSlugMismatch:            0,
		},
	}
	targets := make(map[entities.Ref]bool)
	for _, l := range scoped {
		if l.IsPrimary {
			summary.PrimaryLinks++
		}
		if l.IsSuggestion() {
			summary.SuggestionLinks++
		}
		if l.Demoted {
			summary.DemotedLinks++
		}
		targets[l.Target()] = true
	}
	for _, s := range suspects {
		for _, r := range s.Reasons {
			summary.ByReason[r]++
		}
	}

	top := make([]TargetFanout, 0, len(targets))
	for t := range targets {
		top = append(top, TargetFanout{Target: t, Sources: fanout[t]})
	}
	sort.Slice(top, func(i, j int) bool {
		if top[i].Sources != top[j].Sources {
			return top[i].Sources > top[j].Sources
		}
		return top[i].Target.String() < top[j].Target.String()
	})
	if len(top) > topTargetsLimit {
		top = top[:topTargetsLimit]
	}
	summary.TopTargets = top
	return summary
}
