// Package scoring merges match results into EntityLinks: bounded corroboration,
// the fan-out circuit breaker and primary selection.
package scoring

import (
	"log/slog"
	"math"
	"sort"
	"time"

	"pmdash/internal/entities"
	pmerrors "pmdash/internal/errors"
	"pmdash/internal/match"
)

const (
	// DefaultFanoutLimit is the number of primary-eligible sources one target may keep.
	DefaultFanoutLimit = 10
	// CorroborationBonus is added per extra distinct strong signal type.
	CorroborationBonus = 0.05
	// DemotedCeiling caps the confidence of links cut by the fan-out breaker.
	DemotedCeiling = 0.45
)

// signalRank orders signal types when two signals tie on confidence.
var signalRank = map[entities.SignalType]int{
	entities.SignalExplicitRef:    0,
	entities.SignalPathMatch:      1,
	entities.SignalCommandArgPath: 2,
	entities.SignalFileWrite:      3,
	entities.SignalFileRead:       4,
	entities.SignalSuggestion:     5,
}

// Seed describes links outside the current batch. Incremental runs use it so
// fan-out and primary tie-breaks see the rest of the graph.
type Seed interface {
	// PrimaryEligible counts non-suggestion links to the target from sources
	// that are not part of the batch.
	PrimaryEligible(targetKind entities.Kind, targetID string, linkKind entities.LinkKind) int
	// CreatedAt returns when an existing link was first written.
	CreatedAt(key entities.LinkKey) (time.Time, bool)
}

// Resolver turns match results into links.
type Resolver struct {
	FanoutLimit int
	// Exists reports whether a target is known; nil accepts every target.
	Exists func(kind entities.Kind, id string) bool
	Logger *slog.Logger
}

// NewResolver creates a resolver. limit <= 0 uses DefaultFanoutLimit.
func NewResolver(limit int, exists func(entities.Kind, string) bool, logger *slog.Logger) *Resolver {
	if limit <= 0 {
		limit = DefaultFanoutLimit
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Resolver{FanoutLimit: limit, Exists: exists, Logger: logger}
}

// Stats summarizes one Resolve call.
type Stats struct {
	Input     int `json:"input"`
	Dropped   int `json:"dropped"`
	Links     int `json:"links"`
	Demoted   int `json:"demoted"`
	Primaries int `json:"primaries"`
}

type group struct {
	key     entities.LinkKey
	results []match.Result
}

// Resolve groups results by natural key and produces one link per group.
// seed may be nil when the batch covers every source.
func (r *Resolver) Resolve(projectID string, results []match.Result, seed Seed) ([]*entities.Link, Stats) {
	stats := Stats{Input: len(results)}

	groups := make(map[entities.LinkKey]*group)
	for _, res := range results {
		key, ok := r.keyFor(res)
		if !ok {
			stats.Dropped++
			continue
		}
		g := groups[key]
		if g == nil {
			g = &group{key: key}
			groups[key] = g
		}
		g.results = append(g.results, res)
	}

	links := make([]*entities.Link, 0, len(groups))
	for _, g := range groups {
		links = append(links, combine(projectID, g))
	}
	sortLinks(links)

	stats.Demoted = r.applyFanout(links, seed)
	stats.Primaries = assignPrimary(links, seed)
	stats.Links = len(links)
	return links, stats
}

// keyFor validates a result and returns its natural key. Invalid results are
// logged as malformed and dropped.
func (r *Resolver) keyFor(res match.Result) (entities.LinkKey, bool) {
	drop := func(reason string) (entities.LinkKey, bool) {
		r.Logger.Warn("Dropping candidate",
			"code", pmerrors.MalformedCandidate,
			"reason", reason,
			"source", res.Source.String(),
			"target", res.Target.String(),
		)
		return entities.LinkKey{}, false
	}

	if res.Source.ID == "" {
		return drop("missing source")
	}
	if res.Target.ID == "" || res.Target.Kind == "" {
		return drop("missing target")
	}
	if res.Source == res.Target {
		return drop("self link")
	}
	kind, ok := entities.LinkKindFor(res.Source.Kind, res.Target.Kind)
	if !ok {
		return drop("unsupported link kind")
	}
	if r.Exists != nil && !r.Exists(res.Target.Kind, res.Target.ID) {
		return drop("unknown target")
	}
	if math.IsNaN(res.Confidence) || res.Confidence <= 0 || res.Confidence > 1 {
		return drop("confidence out of range")
	}
	return entities.LinkKey{
		SourceKind: res.Source.Kind,
		SourceID:   res.Source.ID,
		TargetKind: res.Target.Kind,
		TargetID:   res.Target.ID,
		LinkKind:   kind,
	}, true
}

// combine applies min(1, max + 0.05*(distinct strong types - 1)). Suggestion-only
// groups keep their maximum without a bonus. Anything under the suggestion
// ceiling ends up in the suggestion tier.
func combine(projectID string, g *group) *entities.Link {
	var best, bestSuggestion *match.Result
	strongTypes := make(map[entities.SignalType]bool)

	for i := range g.results {
		res := &g.results[i]
		if res.Signal == entities.SignalSuggestion {
			if bestSuggestion == nil || better(res, bestSuggestion) {
				bestSuggestion = res
			}
			continue
		}
		strongTypes[res.Signal] = true
		if best == nil || better(res, best) {
			best = res
		}
	}

	link := &entities.Link{
		ProjectID:  projectID,
		SourceKind: g.key.SourceKind,
		SourceID:   g.key.SourceID,
		TargetKind: g.key.TargetKind,
		TargetID:   g.key.TargetID,
		LinkKind:   g.key.LinkKind,
	}

	if best != nil {
		conf := best.Confidence + CorroborationBonus*float64(len(strongTypes)-1)
		link.Confidence = round(math.Min(1, conf))
		link.SignalType = best.Signal
		link.Evidence = best.Evidence
	} else {
		link.Confidence = round(bestSuggestion.Confidence)
		link.SignalType = entities.SignalSuggestion
		link.Evidence = bestSuggestion.Evidence
	}

	if link.Confidence < entities.SuggestionCeiling {
		link.SignalType = entities.SignalSuggestion
	}
	return link
}

// better orders results by confidence, then signal rank, then evidence.
func better(a, b *match.Result) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	if signalRank[a.Signal] != signalRank[b.Signal] {
		return signalRank[a.Signal] < signalRank[b.Signal]
	}
	return a.Evidence < b.Evidence
}

type fanoutKey struct {
	kind     entities.Kind
	id       string
	linkKind entities.LinkKind
}

// applyFanout keeps at most FanoutLimit - seeded primary-eligible links per
// target and link kind, ordered by confidence desc then source id. The rest are
// demoted into the suggestion tier. Returns the number demoted.
func (r *Resolver) applyFanout(links []*entities.Link, seed Seed) int {
	byTarget := make(map[fanoutKey][]*entities.Link)
	for _, l := range links {
		if l.PrimaryEligible() {
			k := fanoutKey{l.TargetKind, l.TargetID, l.LinkKind}
			byTarget[k] = append(byTarget[k], l)
		}
	}

	demoted := 0
	for k, list := range byTarget {
		allowed := r.FanoutLimit
		if seed != nil {
			allowed -= seed.PrimaryEligible(k.kind, k.id, k.linkKind)
		}
		if allowed < 0 {
			allowed = 0
		}
		if len(list) <= allowed {
			continue
		}

		sort.SliceStable(list, func(i, j int) bool {
			if list[i].Confidence != list[j].Confidence {
				return list[i].Confidence > list[j].Confidence
			}
			if list[i].SourceID != list[j].SourceID {
				return list[i].SourceID < list[j].SourceID
			}
			return list[i].SourceKind < list[j].SourceKind
		})
		for _, l := range list[allowed:] {
			l.Confidence = round(math.Min(l.Confidence, DemotedCeiling))
			l.SignalType = entities.SignalSuggestion
			l.Demoted = true
			demoted++
		}
		r.Logger.Info("Fan-out limit reached",
			"target", k.kind, "id", k.id, "linkKind", k.linkKind,
			"eligible", len(list), "kept", allowed,
		)
	}
	return demoted
}

type primaryKey struct {
	sourceKind entities.Kind
	sourceID   string
	targetKind entities.Kind
}

// assignPrimary marks at most one link per (source, target kind): the highest
// confidence primary-eligible link, ties by earliest createdAt (links not yet
// stored count as newest), then target id.
func assignPrimary(links []*entities.Link, seed Seed) int {
	best := make(map[primaryKey]*entities.Link)
	created := func(l *entities.Link) (time.Time, bool) {
		if seed == nil {
			return time.Time{}, false
		}
		return seed.CreatedAt(l.Key())
	}

	for _, l := range links {
		l.IsPrimary = false
		if !l.PrimaryEligible() {
			continue
		}
		k := primaryKey{l.SourceKind, l.SourceID, l.TargetKind}
		cur := best[k]
		if cur == nil {
			best[k] = l
			continue
		}
		if l.Confidence != cur.Confidence {
			if l.Confidence > cur.Confidence {
				best[k] = l
			}
			continue
		}
		lt, lok := created(l)
		ct, cok := created(cur)
		switch {
		case lok && !cok:
			best[k] = l
		case lok && cok && !lt.Equal(ct):
			if lt.Before(ct) {
				best[k] = l
			}
		case lok == cok && l.TargetID < cur.TargetID:
			best[k] = l
		}
	}

	for _, l := range best {
		l.IsPrimary = true
	}
	return len(best)
}

func round(v float64) float64 {
	return math.Round(v*10000) / 10000
}

func sortLinks(links []*entities.Link) {
	sort.Slice(links, func(i, j int) bool {
		a, b := links[i].Key(), links[j].Key()
		if a.SourceKind != b.SourceKind {
			return a.SourceKind < b.SourceKind
		}
		if a.SourceID != b.SourceID {
			return a.SourceID < b.SourceID
		}
		if a.TargetKind != b.TargetKind {
			return a.TargetKind < b.TargetKind
		}
		if a.TargetID != b.TargetID {
			return a.TargetID < b.TargetID
		}
		return a.LinkKind < b.LinkKind
	})
}
