package parsers

import (
	"fmt"
	"strings"

	"pmdash/internal/entities"
)

// ParseTasks reads the "tasks" list from a progress document's frontmatter.
// Entries may be mappings ({id, title, status, feature}) or bare strings.
// Non-progress documents have no tasks.
func ParseTasks(doc *entities.Document) []*entities.Task {
	if doc == nil || doc.RootKind != entities.RootProgress || doc.Tombstoned {
		return nil
	}
	raw, ok := doc.Extra["tasks"].([]interface{})
	if !ok {
		return nil
	}

	seen := make(map[string]bool, len(raw))
	tasks := make([]*entities.Task, 0, len(raw))
	for i, item := range raw {
		task := &entities.Task{SourcePath: doc.CanonicalPath}

		switch v := item.(type) {
		case string:
			task.Title = strings.TrimSpace(v)
		case map[string]interface{}:
			task.ID = field(v, "id")
			task.Title = field(v, "title", "name")
			task.Status = strings.ToLower(field(v, "status", "state"))
			task.FeatureHint = field(v, "feature", "featureId", "feature_id")
		default:
			continue
		}

		if task.ID == "" {
			task.ID = fmt.Sprintf("T%d", i+1)
		}
		if seen[task.ID] {
			continue
		}
		seen[task.ID] = true
		tasks = append(tasks, task)
	}
	return tasks
}

func field(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return strings.TrimSpace(fmt.Sprint(v))
		}
	}
	return ""
}
