package parsers

import (
	"path"
	"regexp"
	"strings"

	"pmdash/internal/entities"
	"pmdash/internal/paths"
)

var (
	nonSlugRun  = regexp.MustCompile(`[^a-z0-9]+`)
	slugPattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)
)

// Slugify lowercases s and collapses every run of other characters into one hyphen.
func Slugify(s string) string {
	return strings.Trim(nonSlugRun.ReplaceAllString(strings.ToLower(s), "-"), "-")
}

// DiscoverFeatures derives one feature per live implementation-plan document.
// The feature ID is the plan's "feature" frontmatter value when it is a valid
// slug, otherwise the slugified file name. The first plan (by path) claiming an
// ID wins.
func DiscoverFeatures(docs []*entities.Document) []*entities.Feature {
	var features []*entities.Feature
	seen := make(map[string]bool)

	for _, doc := range docs {
		if doc.Tombstoned || !doc.IsPlan() {
			continue
		}

		id := strings.ToLower(strings.TrimSpace(doc.FeatureRef))
		if !slugPattern.MatchString(id) {
			id = Slugify(strings.TrimSuffix(path.Base(doc.CanonicalPath), path.Ext(doc.CanonicalPath)))
		}
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true

		features = append(features, &entities.Feature{
			ID:       id,
			Name:     doc.Title,
			Status:   doc.Status,
			PlanPath: doc.CanonicalPath,
			PlanRefs: planRefs(doc),
		})
	}
	return features
}

// planRefs returns the plan's own prd/related paths in canonical form.
func planRefs(doc *entities.Document) []string {
	var refs []string
	seen := make(map[string]bool)
	for _, raw := range append([]string{doc.PRDRef}, doc.RelatedRefs...) {
		if raw == "" || strings.ContainsAny(raw, " \t") || !(strings.Contains(raw, "/") || strings.HasSuffix(raw, ".md")) {
			continue
		}
		c, err := paths.Canonicalize(raw, ".")
		if err != nil || seen[c] || c == doc.CanonicalPath {
			continue
		}
		seen[c] = true
		refs = append(refs, c)
	}
	return refs
}
