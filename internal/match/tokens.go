package match

import (
	"regexp"
	"strings"
)

var (
	versionSuffix  = regexp.MustCompile(`-v\d+$`)
	versionToken   = regexp.MustCompile(`^v\d+$`)
	phaseProgress  = regexp.MustCompile(`^phase-\d+-progress$`)
	defaultGeneric = []string{
		"progress",
		"docs",
		"all-phases-progress",
		"project-plans",
		"project_plans",
		"implementation-plans",
		"implementation_plans",
		"prds",
		"reports",
		"features",
		"plans",
		"readme",
	}
)

// Generic is the denylist of taxonomy-only tokens that must never bridge two
// unrelated entities.
type Generic struct {
	words map[string]bool
}

// NewGeneric builds the denylist from the built-in words plus extra entries.
func NewGeneric(extra ...string) *Generic {
	g := &Generic{words: make(map[string]bool, len(defaultGeneric)+len(extra))}
	for _, w := range defaultGeneric {
		g.words[w] = true
	}
	for _, w := range extra {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
			g.words[w] = true
		}
	}
	return g
}

// Contains reports whether a whole slug is generic.
func (g *Generic) Contains(slug string) bool {
	return g.words[slug] || phaseProgress.MatchString(slug)
}

// token reports whether a single token is generic or carries no identity.
func (g *Generic) token(tok string) bool {
	return g.words[tok] || versionToken.MatchString(tok) || len(tok) < 3
}

// splitVersion returns the slug without its "-vN" suffix and whether it had one.
func splitVersion(slug string) (base string, versioned bool) {
	if loc := versionSuffix.FindStringIndex(slug); loc != nil && loc[0] > 0 {
		return slug[:loc[0]], true
	}
	return slug, false
}

// BaseSlug strips a trailing "-vN" version suffix.
func BaseSlug(slug string) string {
	base, _ := splitVersion(slug)
	return base
}

func tokens(slug string) []string {
	return strings.Split(slug, "-")
}

// jaccard is the token-set similarity of two slugs.
func jaccard(a, b string) float64 {
	set := make(map[string]int)
	for _, t := range tokens(a) {
		set[t] |= 1
	}
	for _, t := range tokens(b) {
		set[t] |= 2
	}
	var inter int
	for _, v := range set {
		if v == 3 {
			inter++
		}
	}
	if len(set) == 0 {
		return 0
	}
	return float64(inter) / float64(len(set))
}

// slugScore is the Pass B confidence for candidate c against target t, or 0.
func slugScore(c, t string) float64 {
	if c == t {
		return ConfSlugExact
	}
	cBase, cVer := splitVersion(c)
	tBase, tVer := splitVersion(t)
	switch {
	case !cVer && tVer && cBase == tBase:
		return ConfSlugPrefix
	case strings.HasPrefix(t, c+"-"), strings.HasPrefix(c, t+"-"):
		return ConfSlugPrefix
	case cVer && tVer && cBase == tBase:
		return ConfSlugFuzzy
	case jaccard(c, t) > fuzzyThreshold:
		return ConfSlugFuzzy
	}
	return 0
}
