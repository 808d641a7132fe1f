// Package match runs the ordered, non-transitive matching passes for one
// source entity against an index of known targets.
package match

import (
	"path"
	"sort"
	"strings"

	"pmdash/internal/entities"
	"pmdash/internal/extract"
)

// Pass confidences.
const (
	ConfExact        = 0.95
	ConfSlugExact    = 0.75
	ConfSlugPrefix   = 0.65
	ConfSlugFuzzy    = 0.5
	ConfSuggestFuzzy = 0.4
	ConfSuggestToken = 0.3

	fuzzyThreshold   = 0.8
	suggestThreshold = 0.5
)

// Pass names the matching pass that produced a result.
type Pass string

const (
	PassExact      Pass = "exact"
	PassSlug       Pass = "slug"
	PassSuggestion Pass = "suggestion"
)

var passOrder = map[Pass]int{PassExact: 0, PassSlug: 1, PassSuggestion: 2}

// Result is one scored candidate link.
type Result struct {
	Source     entities.Ref        `json:"source"`
	Target     entities.Ref        `json:"target"`
	Signal     entities.SignalType `json:"signal"`
	Confidence float64             `json:"confidence"`
	Pass       Pass                `json:"pass"`
	Evidence   string              `json:"evidence"`
}

type slugTarget struct {
	ref  entities.Ref
	slug string
}

// Index is a read-only snapshot of every linkable target. It is built once per
// operation and shared by all matcher workers.
type Index struct {
	generic *Generic
	ids     map[entities.Kind]map[string]bool
	byPath  map[string][]entities.Ref
	bySlug  map[string][]slugTarget
	byToken map[string][]slugTarget
}

// NewIndex indexes live features, documents and sessions.
// Features are reachable by id, plan path and plan refs; documents by canonical
// path and file-stem slug; sessions by id and log path.
func NewIndex(features []*entities.Feature, docs []*entities.Document, sessions []*entities.Session, generic *Generic) *Index {
	if generic == nil {
		generic = NewGeneric()
	}
	ix := &Index{
		generic: generic,
		ids: map[entities.Kind]map[string]bool{
			entities.KindFeature:  {},
			entities.KindDocument: {},
			entities.KindSession:  {},
		},
		byPath:  make(map[string][]entities.Ref),
		bySlug:  make(map[string][]slugTarget),
		byToken: make(map[string][]slugTarget),
	}

	for _, f := range features {
		if f.Tombstoned {
			continue
		}
		ref := entities.Ref{Kind: entities.KindFeature, ID: f.ID}
		ix.ids[entities.KindFeature][f.ID] = true
		if f.PlanPath != "" {
			ix.addPath(f.PlanPath, ref)
		}
		for _, p := range f.PlanRefs {
			ix.addPath(p, ref)
		}
		ix.addSlug(f.ID, ref)
	}

	for _, d := range docs {
		if d.Tombstoned {
			continue
		}
		ref := entities.Ref{Kind: entities.KindDocument, ID: d.ID}
		ix.ids[entities.KindDocument][d.ID] = true
		ix.addPath(d.CanonicalPath, ref)
		stem := strings.ToLower(strings.TrimSuffix(path.Base(d.CanonicalPath), path.Ext(d.CanonicalPath)))
		ix.addSlug(stem, ref)
	}

	for _, s := range sessions {
		ref := entities.Ref{Kind: entities.KindSession, ID: s.ID}
		ix.ids[entities.KindSession][s.ID] = true
		if s.SourcePath != "" {
			ix.addPath(s.SourcePath, ref)
		}
	}

	for _, m := range []map[string][]slugTarget{ix.bySlug, ix.byToken} {
		for _, list := range m {
			sortSlugTargets(list)
		}
	}
	for _, list := range ix.byPath {
		sortRefs(list)
	}
	return ix
}

func (ix *Index) addPath(p string, ref entities.Ref) {
	for _, existing := range ix.byPath[p] {
		if existing == ref {
			return
		}
	}
	ix.byPath[p] = append(ix.byPath[p], ref)
}

func (ix *Index) addSlug(slug string, ref entities.Ref) {
	if !extract.ValidSlug(slug) || ix.generic.Contains(slug) {
		return
	}
	t := slugTarget{ref: ref, slug: slug}
	ix.bySlug[slug] = append(ix.bySlug[slug], t)
	for _, tok := range tokens(slug) {
		if !ix.generic.token(tok) {
			ix.byToken[tok] = append(ix.byToken[tok], t)
		}
	}
}

// Has reports whether a live target of the given kind exists.
func (ix *Index) Has(kind entities.Kind, id string) bool {
	return ix.ids[kind][id]
}

// slugCandidates returns the slug targets worth comparing against slug:
// exact and same-base hits plus every target sharing a meaningful token.
func (ix *Index) slugCandidates(slug string) []slugTarget {
	seen := make(map[slugTarget]bool)
	var out []slugTarget
	add := func(list []slugTarget) {
		for _, t := range list {
			if !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
	}
	add(ix.bySlug[slug])
	if base, ok := splitVersion(slug); ok {
		add(ix.bySlug[base])
	}
	for _, tok := range tokens(slug) {
		if !ix.generic.token(tok) {
			add(ix.byToken[tok])
		}
	}
	sortSlugTargets(out)
	return out
}

// Matcher evaluates one source at a time against a shared Index. It holds no
// per-source state, so results never depend on what was matched before.
type Matcher struct {
	index *Index
}

// New creates a matcher over an index.
func New(index *Index) *Matcher {
	return &Matcher{index: index}
}

type resultKey struct {
	target entities.Ref
	signal entities.SignalType
}

type collector struct {
	source  entities.Ref
	results map[resultKey]Result
}

func (c *collector) add(r Result) {
	k := resultKey{r.Target, r.Signal}
	if prev, ok := c.results[k]; ok && prev.Confidence >= r.Confidence {
		return
	}
	c.results[k] = r
}

// Match runs Pass A (exact), Pass B (slug) and Pass C (suggestion) over the
// source's own extracted candidates. Pass C only fires for targets that passes
// A and B left untouched.
func (m *Matcher) Match(source entities.Ref, candidates []extract.Candidate) []Result {
	col := &collector{source: source, results: make(map[resultKey]Result)}

	for _, c := range candidates {
		switch c.Kind {
		case extract.KindPath:
			for _, ref := range m.index.byPath[c.Value] {
				if m.eligible(source, ref, c) {
					col.add(m.result(source, ref, c, ConfExact, PassExact))
				}
			}
		case extract.KindExplicitID:
			for _, kind := range []entities.Kind{entities.KindFeature, entities.KindDocument, entities.KindSession} {
				ref := entities.Ref{Kind: kind, ID: c.Value}
				if m.index.Has(kind, c.Value) && m.eligible(source, ref, c) {
					col.add(m.result(source, ref, c, ConfExact, PassExact))
				}
			}
			m.slugPass(col, c)
		case extract.KindSlug:
			m.slugPass(col, c)
		}
	}

	hit := make(map[entities.Ref]bool, len(col.results))
	for k := range col.results {
		hit[k.target] = true
	}
	suggestions := make(map[entities.Ref]Result)
	for _, c := range candidates {
		if c.Kind == extract.KindPath || m.index.generic.Contains(c.Value) {
			continue
		}
		for _, t := range m.index.slugCandidates(c.Value) {
			if hit[t.ref] || !m.eligible(source, t.ref, c) {
				continue
			}
			conf := suggestScore(c, t)
			if conf == 0 {
				continue
			}
			if prev, ok := suggestions[t.ref]; ok && prev.Confidence >= conf {
				continue
			}
			r := m.result(source, t.ref, c, conf, PassSuggestion)
			r.Signal = entities.SignalSuggestion
			suggestions[t.ref] = r
		}
	}
	for _, r := range suggestions {
		col.add(r)
	}

	out := make([]Result, 0, len(col.results))
	for _, r := range col.results {
		out = append(out, r)
	}
	sortResults(out)
	return out
}

func (m *Matcher) slugPass(col *collector, c extract.Candidate) {
	if m.index.generic.Contains(c.Value) {
		return
	}
	for _, t := range m.index.slugCandidates(c.Value) {
		if !m.eligible(col.source, t.ref, c) {
			continue
		}
		var conf float64
		if c.Derived {
			conf = derivedScore(c.Value, t.slug)
		} else {
			conf = slugScore(c.Value, t.slug)
		}
		if conf > 0 {
			col.add(m.result(col.source, t.ref, c, conf, PassSlug))
		}
	}
}

// eligible enforces the link-kind table, the candidate's target hint and the
// no-self-link rule.
func (m *Matcher) eligible(source, target entities.Ref, c extract.Candidate) bool {
	if source == target {
		return false
	}
	if c.TargetHint != "" && c.TargetHint != target.Kind {
		return false
	}
	_, ok := entities.LinkKindFor(source.Kind, target.Kind)
	return ok
}

func (m *Matcher) result(source, target entities.Ref, c extract.Candidate, conf float64, pass Pass) Result {
	return Result{
		Source:     source,
		Target:     target,
		Signal:     c.Origin.Signal(),
		Confidence: conf,
		Pass:       pass,
		Evidence:   c.Evidence,
	}
}

// derivedScore is Pass B for slugs taken from path segments: exact names and
// version variants only, never prefixes or fuzzy hits.
func derivedScore(c, t string) float64 {
	if c == t {
		return ConfSlugExact
	}
	cBase, cVer := splitVersion(c)
	tBase, tVer := splitVersion(t)
	switch {
	case cBase != tBase:
		return 0
	case !cVer && tVer:
		return ConfSlugPrefix
	case cVer && tVer:
		return ConfSlugFuzzy
	}
	return 0
}

// suggestScore is Pass C: a single fuzzy hit, or a path segment sharing a
// meaningful token with a feature id.
func suggestScore(c extract.Candidate, t slugTarget) float64 {
	j := jaccard(c.Value, t.slug)
	if j > suggestThreshold && j <= fuzzyThreshold {
		return ConfSuggestFuzzy
	}
	if c.Derived && t.ref.Kind == entities.KindFeature {
		return ConfSuggestToken
	}
	return 0
}

func sortSlugTargets(list []slugTarget) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].ref.Kind != list[j].ref.Kind {
			return list[i].ref.Kind < list[j].ref.Kind
		}
		if list[i].ref.ID != list[j].ref.ID {
			return list[i].ref.ID < list[j].ref.ID
		}
		return list[i].slug < list[j].slug
	})
}

func sortRefs(list []entities.Ref) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].Kind != list[j].Kind {
			return list[i].Kind < list[j].Kind
		}
		return list[i].ID < list[j].ID
	})
}

func sortResults(out []Result) {
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Target.Kind != b.Target.Kind {
			return a.Target.Kind < b.Target.Kind
		}
		if a.Target.ID != b.Target.ID {
			return a.Target.ID < b.Target.ID
		}
		if passOrder[a.Pass] != passOrder[b.Pass] {
			return passOrder[a.Pass] < passOrder[b.Pass]
		}
		return a.Signal < b.Signal
	})
}
