package parsers

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"regexp"
	"strings"
	"time"

	"pmdash/internal/entities"
	"pmdash/internal/paths"
)

const (
	maxSessionLine = 8 * 1024 * 1024
	maxCommandArgs = 32
	sessionLogExt  = ".jsonl"
)

var (
	commandNamePattern = regexp.MustCompile(`<command-name>\s*([^<]+?)\s*</command-name>`)
	commandArgsPattern = regexp.MustCompile(`(?s)<command-args>(.*?)</command-args>`)
)

// writeTools and readTools map agent tool names to file actions.
var (
	writeTools = map[string]bool{"Write": true, "Edit": true, "MultiEdit": true, "NotebookEdit": true}
	readTools  = map[string]bool{"Read": true, "NotebookRead": true}
)

// sessionLine is the subset of an agent log line the parser understands.
type sessionLine struct {
	Type      string          `json:"type"`
	Timestamp string          `json:"timestamp"`
	Message   json.RawMessage `json:"message"`
}

type sessionMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type contentBlock struct {
	Type  string                 `json:"type"`
	Text  string                 `json:"text"`
	Name  string                 `json:"name"`
	Input map[string]interface{} `json:"input"`
}

// SessionResult is a parsed session plus the number of lines that could not be decoded.
type SessionResult struct {
	Session      *entities.Session
	SkippedLines int
}

// ParseSession reads one append-only JSONL agent log. The session ID is the file
// stem. Slash commands and shell invocations become Commands; Read/Write/Edit tool
// calls become FileUpdates with project-relative paths where possible.
func ParseSession(filePath, projectRoot string) (*SessionResult, error) {
	canonical, err := paths.Canonicalize(filePath, projectRoot)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", canonical, err)
	}

	p := &sessionParser{
		root: projectRoot,
		session: &entities.Session{
			ID:         strings.TrimSuffix(path.Base(canonical), path.Ext(canonical)),
			SourcePath: canonical,
			Hash:       hashBytes(data),
		},
		seenUpdates: make(map[entities.FileUpdate]bool),
	}

	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), maxSessionLine)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		if err := p.parseLine(line); err != nil {
			p.skipped++
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", canonical, err)
	}

	return &SessionResult{Session: p.session, SkippedLines: p.skipped}, nil
}

type sessionParser struct {
	root        string
	session     *entities.Session
	seenUpdates map[entities.FileUpdate]bool
	skipped     int
}

func (p *sessionParser) parseLine(line []byte) error {
	var entry sessionLine
	if err := json.Unmarshal(line, &entry); err != nil {
		return err
	}
	p.observeTime(entry.Timestamp)

	if len(entry.Message) == 0 {
		return nil
	}
	var msg sessionMessage
	if err := json.Unmarshal(entry.Message, &msg); err != nil {
		return err
	}
	if len(msg.Content) == 0 {
		return nil
	}

	// Content is either a plain string or a list of typed blocks.
	var text string
	if err := json.Unmarshal(msg.Content, &text); err == nil {
		p.parseText(text)
		return nil
	}
	var blocks []contentBlock
	if err := json.Unmarshal(msg.Content, &blocks); err != nil {
		return err
	}
	for _, b := range blocks {
		switch b.Type {
		case "text":
			p.parseText(b.Text)
		case "tool_use":
			p.parseToolUse(b)
		}
	}
	return nil
}

func (p *sessionParser) observeTime(ts string) {
	if ts == "" {
		return
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return
	}
	t = t.UTC()
	if p.session.StartedAt == nil || t.Before(*p.session.StartedAt) {
		p.session.StartedAt = &t
	}
	if p.session.EndedAt == nil || t.After(*p.session.EndedAt) {
		end := t
		p.session.EndedAt = &end
	}
}

// parseText picks up slash commands recorded as <command-name>/<command-args> tags.
func (p *sessionParser) parseText(text string) {
	m := commandNamePattern.FindStringSubmatch(text)
	if m == nil {
		return
	}
	cmd := entities.Command{Name: strings.TrimPrefix(strings.TrimSpace(m[1]), "/")}
	if a := commandArgsPattern.FindStringSubmatch(text); a != nil {
		cmd.Args = limitArgs(strings.Fields(a[1]))
	}
	if cmd.Name != "" {
		p.session.Commands = append(p.session.Commands, cmd)
	}
}

func (p *sessionParser) parseToolUse(b contentBlock) {
	switch {
	case b.Name == "Bash":
		command, _ := b.Input["command"].(string)
		fields := strings.Fields(command)
		if len(fields) == 0 {
			return
		}
		p.session.Commands = append(p.session.Commands, entities.Command{
			Name: fields[0],
			Args: limitArgs(fields[1:]),
		})
	case writeTools[b.Name]:
		p.addUpdate(toolPath(b.Input), entities.FileWrite)
	case readTools[b.Name]:
		p.addUpdate(toolPath(b.Input), entities.FileRead)
	}
}

func (p *sessionParser) addUpdate(raw string, action entities.FileAction) {
	if raw == "" {
		return
	}
	pathValue := raw
	if c, err := paths.Canonicalize(raw, p.root); err == nil {
		pathValue = c
	}
	u := entities.FileUpdate{Path: pathValue, Action: action}
	if p.seenUpdates[u] {
		return
	}
	p.seenUpdates[u] = true
	p.session.FileUpdates = append(p.session.FileUpdates, u)
}

func toolPath(input map[string]interface{}) string {
	for _, key := range []string{"file_path", "notebook_path", "path"} {
		if v, ok := input[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func limitArgs(args []string) []string {
	if len(args) > maxCommandArgs {
		return args[:maxCommandArgs]
	}
	return args
}

// IsSessionLog reports whether a file name looks like an agent session log.
func IsSessionLog(name string) bool {
	return strings.EqualFold(path.Ext(name), sessionLogExt)
}
