// Package testutil builds throwaway projects for orchestration tests.
package testutil

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pmdash/internal/config"
	"pmdash/internal/paths"
	"pmdash/internal/project"
	"pmdash/internal/slogutil"
	"pmdash/internal/storage"
)

// Fixture is an initialized project under t.TempDir().
type Fixture struct {
	t       *testing.T
	Root    string
	Project *project.Project
	Config  *config.Config
}

// NewFixture initializes an empty project with default roots and config.
func NewFixture(t *testing.T) *Fixture {
	t.Helper()

	root := t.TempDir()
	p, _, err := project.Init(root)
	if err != nil {
		t.Fatalf("project.Init() error = %v", err)
	}
	cfg := config.DefaultConfig()
	cfg.Sync.GitEnrichment = false

	return &Fixture{t: t, Root: p.Root, Project: p, Config: cfg}
}

// OpenDB opens the fixture database and closes it when the test ends.
func (f *Fixture) OpenDB() *storage.DB {
	f.t.Helper()
	db, err := storage.Open(f.Root, slogutil.NewDiscardLogger())
	if err != nil {
		f.t.Fatalf("storage.Open() error = %v", err)
	}
	f.t.Cleanup(func() { _ = db.Close() })
	return db
}

// Write creates rel (slash-separated, relative to the root) with content.
func (f *Fixture) Write(rel, content string) string {
	f.t.Helper()
	full := paths.JoinRoot(f.Root, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		f.t.Fatalf("mkdir %s: %v", rel, err)
	}
	if err := os.WriteFile(full, []byte(content), 0644); err != nil {
		f.t.Fatalf("write %s: %v", rel, err)
	}
	return full
}

// WriteDoc writes a markdown document with YAML frontmatter (may be empty).
func (f *Fixture) WriteDoc(rel, frontmatter, body string) string {
	f.t.Helper()
	var sb strings.Builder
	if frontmatter != "" {
		sb.WriteString("---\n")
		sb.WriteString(strings.TrimSpace(frontmatter))
		sb.WriteString("\n---\n")
	}
	sb.WriteString(body)
	return f.Write(rel, sb.String())
}

// WritePlan writes an implementation plan under docs/plans that seeds feature id.
func (f *Fixture) WritePlan(id, title string, extra ...string) string {
	f.t.Helper()
	front := fmt.Sprintf("feature: %s\ntitle: %s\nstatus: in_progress", id, title)
	if len(extra) > 0 {
		front += "\n" + strings.Join(extra, "\n")
	}
	return f.WriteDoc("docs/plans/"+id+".md", front, "# "+title+"\n")
}

// WriteSession writes a JSONL session log with the given lines.
func (f *Fixture) WriteSession(id string, lines ...string) string {
	f.t.Helper()
	return f.Write(".claude/sessions/"+id+".jsonl", strings.Join(lines, "\n")+"\n")
}

// Remove deletes rel.
func (f *Fixture) Remove(rel string) {
	f.t.Helper()
	if err := os.Remove(paths.JoinRoot(f.Root, rel)); err != nil {
		f.t.Fatalf("remove %s: %v", rel, err)
	}
}

// Rename moves from to to, creating parent directories.
func (f *Fixture) Rename(from, to string) {
	f.t.Helper()
	dst := paths.JoinRoot(f.Root, to)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		f.t.Fatalf("mkdir for %s: %v", to, err)
	}
	if err := os.Rename(paths.JoinRoot(f.Root, from), dst); err != nil {
		f.t.Fatalf("rename %s -> %s: %v", from, to, err)
	}
}

// CommandLine renders a session log line recording a slash command.
func CommandLine(at time.Time, name, args string) string {
	text := fmt.Sprintf("<command-name>/%s</command-name><command-args>%s</command-args>", name, args)
	return logLine("user", at, text)
}

// ToolLine renders a session log line recording one tool call on a file.
func ToolLine(at time.Time, tool, filePath string) string {
	block := map[string]interface{}{
		"type":  "tool_use",
		"name":  tool,
		"input": map[string]interface{}{"file_path": filePath},
	}
	return logLine("assistant", at, []interface{}{block})
}

func logLine(role string, at time.Time, content interface{}) string {
	line := map[string]interface{}{
		"type":      role,
		"timestamp": at.UTC().Format(time.RFC3339),
		"message": map[string]interface{}{
			"role":    role,
			"content": content,
		},
	}
	data, err := json.Marshal(line)
	if err != nil {
		panic(err)
	}
	return string(data)
}
