package scoring

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"pmdash/internal/entities"
	"pmdash/internal/match"
)

func ref(kind entities.Kind, id string) entities.Ref {
	return entities.Ref{Kind: kind, ID: id}
}

func result(src, tgt entities.Ref, signal entities.SignalType, conf float64) match.Result {
	return match.Result{Source: src, Target: tgt, Signal: signal, Confidence: conf, Evidence: tgt.ID}
}

type fakeSeed struct {
	eligible map[string]int
	created  map[entities.LinkKey]time.Time
}

func (f *fakeSeed) PrimaryEligible(kind entities.Kind, id string, lk entities.LinkKind) int {
	return f.eligible[string(kind)+":"+id+":"+string(lk)]
}

func (f *fakeSeed) CreatedAt(key entities.LinkKey) (time.Time, bool) {
	t, ok := f.created[key]
	return t, ok
}

var (
	doc     = ref(entities.KindDocument, "docs/auth/login.md")
	session = ref(entities.KindSession, "s-1")
	login   = ref(entities.KindFeature, "login-v1")
	search  = ref(entities.KindFeature, "search-v2")
)

func TestResolve_Combination(t *testing.T) {
	tests := []struct {
		name       string
		results    []match.Result
		wantConf   float64
		wantSignal entities.SignalType
	}{
		{
			name:       "single strong signal",
			results:    []match.Result{result(doc, login, entities.SignalExplicitRef, 0.95)},
			wantConf:   0.95,
			wantSignal: entities.SignalExplicitRef,
		},
		{
			name: "same type does not corroborate",
			results: []match.Result{
				result(doc, login, entities.SignalExplicitRef, 0.95),
				result(doc, login, entities.SignalExplicitRef, 0.75),
			},
			wantConf:   0.95,
			wantSignal: entities.SignalExplicitRef,
		},
		{
			name: "two types add one bonus",
			results: []match.Result{
				result(session, login, entities.SignalFileWrite, 0.65),
				result(session, login, entities.SignalCommandArgPath, 0.75),
			},
			wantConf:   0.8,
			wantSignal: entities.SignalCommandArgPath,
		},
		{
			name: "capped at one",
			results: []match.Result{
				result(session, login, entities.SignalFileWrite, 0.95),
				result(session, login, entities.SignalFileRead, 0.95),
				result(session, login, entities.SignalCommandArgPath, 0.95),
			},
			wantConf:   1,
			wantSignal: entities.SignalCommandArgPath,
		},
		{
			name: "suggestions add nothing",
			results: []match.Result{
				result(doc, login, entities.SignalPathMatch, 0.65),
				result(doc, login, entities.SignalSuggestion, 0.4),
			},
			wantConf:   0.65,
			wantSignal: entities.SignalPathMatch,
		},
		{
			name: "suggestion only keeps max",
			results: []match.Result{
				result(doc, login, entities.SignalSuggestion, 0.3),
				result(doc, login, entities.SignalSuggestion, 0.4),
			},
			wantConf:   0.4,
			wantSignal: entities.SignalSuggestion,
		},
		{
			name:       "weak strong signal coerced",
			results:    []match.Result{result(doc, login, entities.SignalFileRead, 0.45)},
			wantConf:   0.45,
			wantSignal: entities.SignalSuggestion,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			links, _ := NewResolver(10, nil, nil).Resolve("p", tt.results, nil)
			if len(links) != 1 {
				t.Fatalf("len(links) = %d, want 1", len(links))
			}
			l := links[0]
			if l.Confidence != tt.wantConf || l.SignalType != tt.wantSignal {
				t.Errorf("got %v/%s, want %v/%s", l.Confidence, l.SignalType, tt.wantConf, tt.wantSignal)
			}
			if l.Confidence < entities.SuggestionCeiling && l.IsPrimary {
				t.Error("suggestion-tier link marked primary")
			}
		})
	}
}

func TestResolve_DropsMalformed(t *testing.T) {
	known := map[string]bool{"login-v1": true}
	exists := func(_ entities.Kind, id string) bool { return known[id] }

	results := []match.Result{
		result(doc, login, entities.SignalExplicitRef, 0.95),
		result(doc, ref(entities.KindFeature, ""), entities.SignalExplicitRef, 0.95),
		result(doc, ref(entities.KindFeature, "ghost"), entities.SignalExplicitRef, 0.95),
		result(doc, doc, entities.SignalPathMatch, 0.95),
		result(ref(entities.KindTask, "t#1"), ref(entities.KindDocument, "x.md"), entities.SignalExplicitRef, 0.95),
		result(doc, login, entities.SignalPathMatch, 1.5),
	}

	links, stats := NewResolver(10, exists, nil).Resolve("p", results, nil)
	if len(links) != 1 || stats.Dropped != 5 {
		t.Fatalf("links = %d, dropped = %d; want 1 and 5", len(links), stats.Dropped)
	}
	if links[0].LinkKind != entities.LinkDocumentFeature {
		t.Errorf("LinkKind = %s", links[0].LinkKind)
	}
}

func TestResolve_FanoutCap(t *testing.T) {
	var results []match.Result
	for i := 0; i < 15; i++ {
		src := ref(entities.KindDocument, fmt.Sprintf("docs/n%02d.md", i))
		results = append(results, result(src, login, entities.SignalPathMatch, 0.6))
	}

	links, stats := NewResolver(10, nil, nil).Resolve("p", results, nil)
	if stats.Demoted != 5 {
		t.Errorf("Demoted = %d, want 5", stats.Demoted)
	}

	const primaryFloor = 0.55
	above := 0
	for _, l := range links {
		if l.Confidence >= primaryFloor {
			above++
			if l.Demoted {
				t.Errorf("%s kept confidence but is demoted", l.SourceID)
			}
			continue
		}
		if !l.Demoted || l.SignalType != entities.SignalSuggestion || l.IsPrimary || l.Confidence != DemotedCeiling {
			t.Errorf("excess link not demoted correctly: %+v", l)
		}
	}
	if above != 10 {
		t.Errorf("links above floor = %d, want 10", above)
	}

	// The lowest source ids win the tie.
	for _, l := range links {
		if l.SourceID < "docs/n10.md" && l.Demoted {
			t.Errorf("%s should have been kept", l.SourceID)
		}
	}
}

func TestResolve_FanoutSeeded(t *testing.T) {
	seed := &fakeSeed{eligible: map[string]int{"feature:login-v1:session_feature": 9}}
	results := []match.Result{
		result(ref(entities.KindSession, "a"), login, entities.SignalFileWrite, 0.65),
		result(ref(entities.KindSession, "b"), login, entities.SignalFileWrite, 0.95),
	}

	links, stats := NewResolver(10, nil, nil).Resolve("p", results, seed)
	if stats.Demoted != 1 {
		t.Fatalf("Demoted = %d, want 1", stats.Demoted)
	}
	for _, l := range links {
		if l.SourceID == "a" && !l.Demoted {
			t.Error("lower-confidence source should be demoted")
		}
		if l.SourceID == "b" && (l.Demoted || !l.IsPrimary) {
			t.Errorf("b = %+v, want kept primary", l)
		}
	}
}

func TestResolve_PrimaryUniqueness(t *testing.T) {
	results := []match.Result{
		result(session, login, entities.SignalFileWrite, 0.75),
		result(session, search, entities.SignalFileWrite, 0.95),
		result(session, ref(entities.KindFeature, "billing"), entities.SignalSuggestion, 0.4),
		result(session, ref(entities.KindDocument, "docs/a.md"), entities.SignalFileRead, 0.95),
		result(session, ref(entities.KindDocument, "docs/b.md"), entities.SignalFileWrite, 0.95),
	}

	links, stats := NewResolver(10, nil, nil).Resolve("p", results, nil)
	if stats.Primaries != 2 {
		t.Errorf("Primaries = %d, want 2", stats.Primaries)
	}

	primaries := make(map[string]string)
	for _, l := range links {
		if !l.IsPrimary {
			continue
		}
		k := l.SourceID + "/" + string(l.TargetKind)
		if prev, ok := primaries[k]; ok {
			t.Errorf("two primaries for %s: %s and %s", k, prev, l.TargetID)
		}
		primaries[k] = l.TargetID
	}
	want := map[string]string{"s-1/feature": "search-v2", "s-1/document": "docs/a.md"}
	if diff := cmp.Diff(want, primaries); diff != "" {
		t.Errorf("primaries mismatch (-want +got):\n%s", diff)
	}
}

func TestResolve_PrimaryTieBreakByCreatedAt(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	seed := &fakeSeed{created: map[entities.LinkKey]time.Time{
		{SourceKind: entities.KindSession, SourceID: "s-1", TargetKind: entities.KindFeature, TargetID: "zeta", LinkKind: entities.LinkSessionFeature}:  base,
		{SourceKind: entities.KindSession, SourceID: "s-1", TargetKind: entities.KindFeature, TargetID: "omega", LinkKind: entities.LinkSessionFeature}: base.Add(time.Hour),
	}}
	results := []match.Result{
		result(session, ref(entities.KindFeature, "alpha"), entities.SignalFileWrite, 0.75),
		result(session, ref(entities.KindFeature, "omega"), entities.SignalFileWrite, 0.75),
		result(session, ref(entities.KindFeature, "zeta"), entities.SignalFileWrite, 0.75),
	}

	links, _ := NewResolver(10, nil, nil).Resolve("p", results, seed)
	for _, l := range links {
		if l.IsPrimary && l.TargetID != "zeta" {
			t.Errorf("primary = %s, want zeta (earliest createdAt)", l.TargetID)
		}
	}

	// Without history the lexicographically first target wins.
	links, _ = NewResolver(10, nil, nil).Resolve("p", results, nil)
	for _, l := range links {
		if l.IsPrimary && l.TargetID != "alpha" {
			t.Errorf("primary = %s, want alpha", l.TargetID)
		}
	}
}

func TestResolve_Deterministic(t *testing.T) {
	results := []match.Result{
		result(doc, login, entities.SignalExplicitRef, 0.95),
		result(session, login, entities.SignalFileWrite, 0.65),
		result(session, search, entities.SignalSuggestion, 0.3),
		result(doc, search, entities.SignalPathMatch, 0.75),
	}
	reversed := make([]match.Result, len(results))
	for i, r := range results {
		reversed[len(results)-1-i] = r
	}

	a, _ := NewResolver(10, nil, nil).Resolve("p", results, nil)
	b, _ := NewResolver(10, nil, nil).Resolve("p", reversed, nil)
	if diff := cmp.Diff(a, b); diff != "" {
		t.Errorf("input order changed the result:\n%s", diff)
	}
}
