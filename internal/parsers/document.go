package parsers

import (
	"bytes"
	"fmt"
	"os"
	"path"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"pmdash/internal/entities"
	"pmdash/internal/paths"
)

var (
	frontmatterDelimiter = []byte("---")
	headingPattern       = regexp.MustCompile(`(?m)^#\s+(.+?)\s*$`)
)

// planSubtypes mark a document as an implementation plan regardless of location.
var planSubtypes = map[string]bool{
	"implementation_plan": true,
	"implementation-plan": true,
	"plan":                true,
}

// planDirs mark documents beneath them as implementation plans.
var planDirs = map[string]bool{
	"implementation_plans": true,
	"implementation-plans": true,
	"plans":                true,
}

// DocumentOptions tells ParseDocument where the file came from.
type DocumentOptions struct {
	ProjectRoot string
	Progress    bool // discovered under a progress root
}

// ParseDocument reads one markdown file. Known frontmatter keys populate typed
// fields; every other key is kept verbatim in Document.Extra.
func ParseDocument(filePath string, opts DocumentOptions) (*entities.Document, error) {
	canonical, err := paths.Canonicalize(filePath, opts.ProjectRoot)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", canonical, err)
	}

	doc, err := parseDocumentBytes(canonical, data)
	if err != nil {
		return nil, err
	}
	doc.RootKind = classify(doc, opts.Progress)
	return doc, nil
}

func parseDocumentBytes(canonical string, data []byte) (*entities.Document, error) {
	doc := &entities.Document{
		ID:            canonical,
		CanonicalPath: canonical,
		Hash:          hashBytes(data),
	}

	front, body := splitFrontmatter(data)
	doc.Body = string(body)

	if len(front) > 0 {
		if err := applyFrontmatter(doc, front); err != nil {
			return nil, fmt.Errorf("invalid frontmatter in %s: %w", canonical, err)
		}
	}

	if doc.Title == "" {
		if m := headingPattern.FindSubmatch(body); m != nil {
			doc.Title = string(m[1])
		} else {
			doc.Title = strings.TrimSuffix(path.Base(canonical), path.Ext(canonical))
		}
	}
	return doc, nil
}

// splitFrontmatter separates a leading "---" YAML block from the markdown body.
func splitFrontmatter(data []byte) (front, body []byte) {
	trimmed := bytes.TrimPrefix(data, []byte("\ufeff"))
	if !bytes.HasPrefix(trimmed, frontmatterDelimiter) {
		return nil, data
	}
	rest := trimmed[len(frontmatterDelimiter):]
	nl := bytes.IndexByte(rest, '\n')
	if nl < 0 || len(bytes.TrimSpace(rest[:nl])) != 0 {
		return nil, data
	}
	rest = rest[nl+1:]

	for offset := 0; offset <= len(rest); {
		end := bytes.IndexByte(rest[offset:], '\n')
		var line []byte
		if end < 0 {
			line = rest[offset:]
		} else {
			line = rest[offset : offset+end]
		}
		if bytes.Equal(bytes.TrimRight(line, " \t\r"), frontmatterDelimiter) {
			front = rest[:offset]
			if end < 0 {
				return front, nil
			}
			return front, rest[offset+end+1:]
		}
		if end < 0 {
			break
		}
		offset += end + 1
	}
	return nil, data
}

// applyFrontmatter decodes the YAML mapping key by key: allow-listed keys go to
// typed fields, the rest to the opaque Extra bag.
func applyFrontmatter(doc *entities.Document, front []byte) error {
	var root yaml.Node
	if err := yaml.Unmarshal(front, &root); err != nil {
		return err
	}
	if len(root.Content) == 0 {
		return nil
	}
	mapping := root.Content[0]
	if mapping.Kind != yaml.MappingNode {
		return fmt.Errorf("frontmatter is not a mapping")
	}

	for i := 0; i+1 < len(mapping.Content); i += 2 {
		key := mapping.Content[i].Value
		node := mapping.Content[i+1]

		switch normalizeKey(key) {
		case "title":
			doc.Title = scalar(node)
		case "status":
			doc.Status = strings.ToLower(scalar(node))
		case "type", "doctype", "subtype":
			doc.Subtype = strings.ToLower(scalar(node))
		case "related", "relatedrefs":
			doc.RelatedRefs = append(doc.RelatedRefs, stringList(node)...)
		case "prd", "prdref":
			doc.PRDRef = scalar(node)
		case "linkedfeatures":
			doc.LinkedFeatures = append(doc.LinkedFeatures, stringList(node)...)
		case "linkedsessions":
			doc.LinkedSessions = append(doc.LinkedSessions, stringList(node)...)
		case "feature":
			doc.FeatureRef = scalar(node)
		default:
			var v interface{}
			if err := node.Decode(&v); err != nil {
				return fmt.Errorf("key %q: %w", key, err)
			}
			if doc.Extra == nil {
				doc.Extra = make(map[string]interface{})
			}
			doc.Extra[key] = v
		}
	}
	return nil
}

func normalizeKey(key string) string {
	return strings.NewReplacer("_", "", "-", "").Replace(strings.ToLower(strings.TrimSpace(key)))
}

func scalar(node *yaml.Node) string {
	if node.Kind != yaml.ScalarNode {
		return ""
	}
	return strings.TrimSpace(node.Value)
}

// stringList accepts a scalar or a sequence of scalars.
func stringList(node *yaml.Node) []string {
	switch node.Kind {
	case yaml.ScalarNode:
		if v := strings.TrimSpace(node.Value); v != "" {
			return []string{v}
		}
	case yaml.SequenceNode:
		var out []string
		for _, item := range node.Content {
			if v := scalar(item); v != "" {
				out = append(out, v)
			}
		}
		return out
	}
	return nil
}

func classify(doc *entities.Document, progress bool) entities.RootKind {
	if progress {
		return entities.RootProgress
	}
	if planSubtypes[doc.Subtype] {
		return entities.RootPlan
	}
	for _, seg := range strings.Split(path.Dir(doc.CanonicalPath), "/") {
		if planDirs[strings.ToLower(seg)] {
			return entities.RootPlan
		}
	}
	return entities.RootOther
}
