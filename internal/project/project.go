// Package project manages the project descriptor stored in .pmdash/project.toml.
package project

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	pmerrors "pmdash/internal/errors"
	"pmdash/internal/parsers"
	"pmdash/internal/paths"
)

// DescriptorFile is the descriptor's name inside the state directory.
const DescriptorFile = "project.toml"

// Default root locations, relative to the project root.
var (
	DefaultDocRoots      = []string{"docs"}
	DefaultProgressRoots = []string{".claude/progress"}
	DefaultSessionRoots  = []string{".claude/sessions"}
)

// Project describes one correlated workspace.
type Project struct {
	// ID is the stable project identifier used as the key of every stored row
	ID string `toml:"id"`

	// Name is a human-readable label
	Name string `toml:"name"`

	// DocRoots hold plans, PRDs and reports
	DocRoots []string `toml:"doc_roots"`

	// ProgressRoots hold progress notes with task lists
	ProgressRoots []string `toml:"progress_roots"`

	// SessionRoots hold JSONL agent session logs
	SessionRoots []string `toml:"session_roots"`

	// CreatedAt is when the descriptor was written
	CreatedAt time.Time `toml:"created_at"`

	// Root is the absolute project root; not persisted
	Root string `toml:"-"`
}

// New creates a descriptor with default roots for the directory at root.
func New(root string) (*Project, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve project root: %w", err)
	}
	name := filepath.Base(abs)
	id := parsers.Slugify(name)
	if id == "" {
		id = "project"
	}
	return &Project{
		ID:            id,
		Name:          name,
		DocRoots:      append([]string(nil), DefaultDocRoots...),
		ProgressRoots: append([]string(nil), DefaultProgressRoots...),
		SessionRoots:  append([]string(nil), DefaultSessionRoots...),
		CreatedAt:     time.Now().UTC(),
		Root:          abs,
	}, nil
}

// DescriptorPath returns the descriptor location for a project root.
func DescriptorPath(root string) string {
	return filepath.Join(paths.StateDir(root), DescriptorFile)
}

// Init writes a new descriptor unless one already exists, in which case the
// existing descriptor is returned unchanged.
func Init(root string) (*Project, bool, error) {
	if p, err := Load(root); err == nil {
		return p, false, nil
	} else if !pmerrors.Is(err, pmerrors.ProjectNotFound) {
		return nil, false, err
	}

	p, err := New(root)
	if err != nil {
		return nil, false, err
	}
	if err := p.Save(); err != nil {
		return nil, false, err
	}
	return p, true, nil
}

// Load reads the descriptor under root. A missing descriptor returns PROJECT_NOT_FOUND.
func Load(root string) (*Project, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve project root: %w", err)
	}
	descriptor := DescriptorPath(abs)

	var p Project
	if _, err := toml.DecodeFile(descriptor, &p); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, pmerrors.New(pmerrors.ProjectNotFound,
				fmt.Sprintf("no project descriptor at %s", descriptor), err)
		}
		return nil, pmerrors.New(pmerrors.ConfigInvalid,
			fmt.Sprintf("failed to parse %s", descriptor), err)
	}
	p.Root = abs
	if err := p.normalize(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Find walks up from dir until it finds a directory holding a descriptor.
func Find(dir string) (*Project, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", dir, err)
	}
	for cur := abs; ; {
		if _, err := os.Stat(DescriptorPath(cur)); err == nil {
			return Load(cur)
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			break
		}
		cur = parent
	}
	return nil, pmerrors.New(pmerrors.ProjectNotFound,
		fmt.Sprintf("no %s found in %s or any parent directory", filepath.Join(paths.StateDirName, DescriptorFile), abs), nil)
}

// Save writes the descriptor.
func (p *Project) Save() error {
	if err := p.normalize(); err != nil {
		return err
	}
	if err := os.MkdirAll(paths.StateDir(p.Root), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	f, err := os.Create(DescriptorPath(p.Root))
	if err != nil {
		return fmt.Errorf("failed to create descriptor: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(p); err != nil {
		return fmt.Errorf("failed to encode descriptor: %w", err)
	}
	return nil
}

// AllDocRoots returns doc roots followed by progress roots.
func (p *Project) AllDocRoots() []string {
	out := make([]string, 0, len(p.DocRoots)+len(p.ProgressRoots))
	out = append(out, p.DocRoots...)
	return append(out, p.ProgressRoots...)
}

// IsProgressPath reports whether a canonical path lies under a progress root.
func (p *Project) IsProgressPath(canonical string) bool {
	return underAny(canonical, p.ProgressRoots)
}

// IsDocumentPath reports whether a canonical path is a markdown file under a doc or progress root.
func (p *Project) IsDocumentPath(canonical string) bool {
	return strings.HasSuffix(strings.ToLower(canonical), ".md") && underAny(canonical, p.AllDocRoots())
}

// IsSessionPath reports whether a canonical path is a session log under a session root.
func (p *Project) IsSessionPath(canonical string) bool {
	return parsers.IsSessionLog(canonical) && underAny(canonical, p.SessionRoots)
}

// normalize canonicalizes every root and rejects roots outside the project.
func (p *Project) normalize() error {
	if strings.TrimSpace(p.ID) == "" {
		return pmerrors.New(pmerrors.ConfigInvalid, "project id must not be empty", nil)
	}
	for _, roots := range []*[]string{&p.DocRoots, &p.ProgressRoots, &p.SessionRoots} {
		out := make([]string, 0, len(*roots))
		for _, r := range *roots {
			c, err := paths.Canonicalize(r, p.Root)
			if err != nil {
				return err
			}
			out = append(out, c)
		}
		*roots = out
	}
	return nil
}

func underAny(canonical string, roots []string) bool {
	for _, r := range roots {
		if r == "." || canonical == r || strings.HasPrefix(canonical, r+"/") {
			return true
		}
	}
	return false
}
