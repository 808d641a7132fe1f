// Package extract turns one entity's own allow-listed fields into a bounded,
// deterministic set of candidate references. It never looks at other entities.
package extract

import (
	"path"
	"regexp"
	"sort"
	"strings"

	"pmdash/internal/entities"
	pmerrors "pmdash/internal/errors"
	"pmdash/internal/paths"
)

// DefaultCap bounds the candidates produced for one entity.
const DefaultCap = 200

const (
	minSlugLen = 3
	maxSlugLen = 64
	maxIDLen   = 128
)

var (
	slugPattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)
	// Session IDs are file stems and keep their case.
	sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9]+([._-][A-Za-z0-9]+)*$`)
)

// Kind is the shape of a candidate reference.
type Kind string

const (
	KindExplicitID Kind = "explicit_id"
	KindPath       Kind = "path"
	KindSlug       Kind = "slug"
)

// Origin names the allow-listed field a candidate came from.
type Origin string

const (
	OriginFeature        Origin = "feature"
	OriginLinkedFeatures Origin = "linked_features"
	OriginLinkedSessions Origin = "linked_sessions"
	OriginPRD            Origin = "prd"
	OriginRelated        Origin = "related"
	OriginFeatureHint    Origin = "feature_hint"
	OriginOwnPath        Origin = "own_path"
	OriginCommandArg     Origin = "command_arg"
	OriginFileWrite      Origin = "file_write"
	OriginFileRead       Origin = "file_read"
)

var originOrder = map[Origin]int{
	OriginFeature:        0,
	OriginLinkedFeatures: 1,
	OriginLinkedSessions: 2,
	OriginPRD:            3,
	OriginRelated:        4,
	OriginFeatureHint:    5,
	OriginOwnPath:        6,
	OriginCommandArg:     7,
	OriginFileWrite:      8,
	OriginFileRead:       9,
}

var kindOrder = map[Kind]int{KindExplicitID: 0, KindPath: 1, KindSlug: 2}

// Signal returns the signal type links derived from this origin carry.
func (o Origin) Signal() entities.SignalType {
	switch o {
	case OriginOwnPath:
		return entities.SignalPathMatch
	case OriginCommandArg:
		return entities.SignalCommandArgPath
	case OriginFileWrite:
		return entities.SignalFileWrite
	case OriginFileRead:
		return entities.SignalFileRead
	default:
		return entities.SignalExplicitRef
	}
}

// Candidate is one reference extracted from an entity's own content.
type Candidate struct {
	Kind       Kind          `json:"kind"`
	Value      string        `json:"value"`
	Origin     Origin        `json:"origin"`
	TargetHint entities.Kind `json:"targetHint,omitempty"`
	Derived    bool          `json:"derived,omitempty"` // slug taken from a path segment
	Evidence   string        `json:"evidence"`
}

// Diagnostic records a value that was rejected instead of becoming a candidate.
type Diagnostic struct {
	Code   pmerrors.ErrorCode `json:"code"`
	Origin Origin             `json:"origin"`
	Value  string             `json:"value"`
	Reason string             `json:"reason"`
}

// Result is the extractor output for one entity.
type Result struct {
	Candidates  []Candidate
	Diagnostics []Diagnostic
	Truncated   int
}

// Extractor is stateless apart from its configuration and safe for concurrent use.
type Extractor struct {
	root string
	cap  int
}

// New creates an extractor for a project root. cap <= 0 uses DefaultCap.
func New(projectRoot string, cap int) *Extractor {
	if cap <= 0 {
		cap = DefaultCap
	}
	return &Extractor{root: projectRoot, cap: cap}
}

// Document reads related, prd, linkedFeatures, linkedSessions, feature and the
// document's own canonical path. Body text and the extra bag are never read.
func (e *Extractor) Document(doc *entities.Document) Result {
	b := newBuilder(e.root)
	if doc == nil {
		return b.finish(e.cap)
	}

	b.reference(OriginFeature, doc.FeatureRef, entities.KindFeature)
	for _, v := range doc.LinkedFeatures {
		b.reference(OriginLinkedFeatures, v, entities.KindFeature)
	}
	for _, v := range doc.LinkedSessions {
		b.reference(OriginLinkedSessions, v, entities.KindSession)
	}
	b.reference(OriginPRD, doc.PRDRef, "")
	for _, v := range doc.RelatedRefs {
		b.reference(OriginRelated, v, "")
	}

	b.ownPath(doc.CanonicalPath)
	return b.finish(e.cap)
}

// Session reads command arguments and file updates.
func (e *Extractor) Session(s *entities.Session) Result {
	b := newBuilder(e.root)
	if s == nil {
		return b.finish(e.cap)
	}

	for _, cmd := range s.Commands {
		for _, arg := range cmd.Args {
			b.commandArg(arg)
		}
	}
	for _, u := range s.FileUpdates {
		origin := OriginFileRead
		if u.Action == entities.FileWrite {
			origin = OriginFileWrite
		}
		b.fileUpdate(origin, u.Path)
	}
	return b.finish(e.cap)
}

// Task reads the feature hint and the directory segments of the source document.
func (e *Extractor) Task(t *entities.Task) Result {
	b := newBuilder(e.root)
	if t == nil {
		return b.finish(e.cap)
	}
	b.reference(OriginFeatureHint, t.FeatureHint, entities.KindFeature)
	b.ownPath(t.SourcePath)
	return b.finish(e.cap)
}

type candidateKey struct {
	kind   Kind
	value  string
	origin Origin
}

type builder struct {
	root  string
	seen  map[candidateKey]bool
	out   []Candidate
	diags []Diagnostic
}

func newBuilder(root string) *builder {
	return &builder{root: root, seen: make(map[candidateKey]bool)}
}

func (b *builder) add(c Candidate) {
	k := candidateKey{c.Kind, c.Value, c.Origin}
	if b.seen[k] {
		return
	}
	b.seen[k] = true
	b.out = append(b.out, c)
}

func (b *builder) reject(origin Origin, value, reason string) {
	b.diags = append(b.diags, Diagnostic{
		Code:   pmerrors.MalformedCandidate,
		Origin: origin,
		Value:  value,
		Reason: reason,
	})
}

// reference handles an explicit frontmatter value: a path or an ID.
func (b *builder) reference(origin Origin, raw string, hint entities.Kind) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return
	}
	if IsPathLike(value) {
		b.path(origin, value, true)
		return
	}

	if hint == entities.KindSession {
		if len(value) > maxIDLen || !sessionIDPattern.MatchString(value) {
			b.reject(origin, value, "not a session id")
			return
		}
		b.add(Candidate{Kind: KindExplicitID, Value: value, Origin: origin, TargetHint: hint, Evidence: value})
		return
	}

	slug := strings.ToLower(value)
	if !ValidSlug(slug) {
		b.reject(origin, value, "does not match the slug grammar")
		return
	}
	b.add(Candidate{Kind: KindExplicitID, Value: slug, Origin: origin, TargetHint: hint, Evidence: value})
}

// path canonicalizes a path-like value and emits it plus its segment slugs.
func (b *builder) path(origin Origin, raw string, withStem bool) {
	canonical, err := paths.Canonicalize(raw, b.root)
	if err != nil {
		b.reject(origin, raw, "path escapes the project root")
		return
	}
	b.add(Candidate{Kind: KindPath, Value: canonical, Origin: origin, Evidence: canonical})
	b.segments(origin, canonical, withStem)
}

// segments emits slug candidates for the directory names of a canonical path
// and, when withStem is set, for the file stem.
func (b *builder) segments(origin Origin, canonical string, withStem bool) {
	dir := path.Dir(canonical)
	if dir != "." {
		for _, seg := range strings.Split(dir, "/") {
			if slug := strings.ToLower(seg); ValidSlug(slug) {
				b.add(Candidate{Kind: KindSlug, Value: slug, Origin: origin, Derived: true, Evidence: canonical})
			}
		}
	}
	if withStem {
		stem := strings.ToLower(strings.TrimSuffix(path.Base(canonical), path.Ext(canonical)))
		if ValidSlug(stem) {
			b.add(Candidate{Kind: KindSlug, Value: stem, Origin: origin, Derived: true, Evidence: canonical})
		}
	}
}

// ownPath emits the entity's own path. Only directory segments become slugs;
// the stem is the entity's own name, not a reference.
func (b *builder) ownPath(canonical string) {
	if canonical == "" {
		return
	}
	b.add(Candidate{Kind: KindPath, Value: canonical, Origin: OriginOwnPath, Evidence: canonical})
	b.segments(OriginOwnPath, canonical, false)
}

func (b *builder) commandArg(raw string) {
	value := strings.Trim(strings.TrimSpace(raw), `"'`)
	if value == "" || strings.HasPrefix(value, "-") {
		return
	}
	if IsPathLike(value) {
		b.path(OriginCommandArg, value, true)
		return
	}
	slug := strings.ToLower(value)
	// Bare words ("test", "build") are too common to mean anything.
	if strings.Contains(slug, "-") && ValidSlug(slug) {
		b.add(Candidate{Kind: KindSlug, Value: slug, Origin: OriginCommandArg, Evidence: value})
	}
}

func (b *builder) fileUpdate(origin Origin, raw string) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return
	}
	if !IsPathLike(value) {
		b.reject(origin, value, "not a path")
		return
	}
	b.path(origin, value, true)
}

func (b *builder) finish(limit int) Result {
	sort.SliceStable(b.out, func(i, j int) bool {
		a, c := b.out[i], b.out[j]
		if originOrder[a.Origin] != originOrder[c.Origin] {
			return originOrder[a.Origin] < originOrder[c.Origin]
		}
		if a.Derived != c.Derived {
			return !a.Derived
		}
		if kindOrder[a.Kind] != kindOrder[c.Kind] {
			return kindOrder[a.Kind] < kindOrder[c.Kind]
		}
		return a.Value < c.Value
	})

	res := Result{Candidates: b.out, Diagnostics: b.diags}
	if len(res.Candidates) > limit {
		res.Truncated = len(res.Candidates) - limit
		res.Candidates = res.Candidates[:limit]
	}
	return res
}

// ValidSlug reports whether s matches the slug grammar: lowercase alphanumeric
// words joined by single hyphens, 3 to 64 characters.
func ValidSlug(s string) bool {
	return len(s) >= minSlugLen && len(s) <= maxSlugLen && slugPattern.MatchString(s)
}

// IsPathLike reports whether a value should be treated as a file path: no
// whitespace, not a URL, and either containing "/" or ending in ".md".
func IsPathLike(s string) bool {
	if s == "" || strings.ContainsAny(s, " \t\r\n") || strings.Contains(s, "://") {
		return false
	}
	return strings.Contains(s, "/") || strings.Contains(s, `\`) || strings.HasSuffix(strings.ToLower(s), ".md")
}
