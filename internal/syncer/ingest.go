package syncer

import (
	"sort"

	"pmdash/internal/entities"
	pmerrors "pmdash/internal/errors"
	"pmdash/internal/parsers"
)

// ingestSessions parses every session log and replaces the sessions table.
func (r *run) ingestSessions() error {
	files, err := parsers.CollectFiles(r.project.Root, r.project.SessionRoots, ".jsonl")
	if err != nil {
		return err
	}
	if err := r.h.SetTotal(len(files)); err != nil {
		return err
	}

	seen := make(map[string]string)
	var sessions []*entities.Session
	for _, file := range files {
		if s := r.parseSession(file); s != nil {
			if prev, dup := seen[s.ID]; dup {
				r.logger.Warn("Duplicate session id, keeping first log", "sessionId", s.ID, "kept", prev, "skipped", s.SourcePath)
			} else {
				seen[s.ID] = s.SourcePath
				sessions = append(sessions, s)
			}
		}
		if err := r.h.Tick(1); err != nil {
			return err
		}
	}

	removed, err := r.entities.ReplaceSessions(r.projectID(), sessions)
	if err != nil {
		return err
	}
	r.logger.Info("Sessions ingested", "sessions", len(sessions), "removed", removed)
	return nil
}

func (r *run) parseSession(file string) *entities.Session {
	res, err := parsers.ParseSession(file, r.project.Root)
	if err != nil {
		r.logger.Warn("Skipping session log", "path", file, "code", pmerrors.CodeOf(err), "error", err)
		return nil
	}
	if res.SkippedLines > 0 {
		r.logger.Debug("Skipped undecodable session lines", "sessionId", res.Session.ID, "lines", res.SkippedLines)
	}
	return res.Session
}

// ingestDocuments parses every markdown file under the doc and progress roots
// and tombstones documents whose files are gone.
func (r *run) ingestDocuments() ([]*entities.Document, error) {
	docFiles, err := parsers.CollectFiles(r.project.Root, r.project.DocRoots, ".md")
	if err != nil {
		return nil, err
	}
	progressFiles, err := parsers.CollectFiles(r.project.Root, r.project.ProgressRoots, ".md")
	if err != nil {
		return nil, err
	}

	progress := make(map[string]bool, len(progressFiles))
	for _, f := range progressFiles {
		progress[f] = true
	}
	files := append([]string(nil), progressFiles...)
	for _, f := range docFiles {
		if !progress[f] {
			files = append(files, f)
		}
	}
	sort.Strings(files)

	if err := r.h.SetTotal(len(files)); err != nil {
		return nil, err
	}

	var docs []*entities.Document
	for _, file := range files {
		if doc := r.parseDocument(file, progress[file]); doc != nil {
			docs = append(docs, doc)
		}
		if err := r.h.Tick(1); err != nil {
			return nil, err
		}
	}

	tombstoned, err := r.entities.ReplaceDocuments(r.projectID(), docs)
	if err != nil {
		return nil, err
	}
	r.logger.Info("Documents ingested", "documents", len(docs), "tombstoned", tombstoned)
	return docs, nil
}

func (r *run) parseDocument(file string, progress bool) *entities.Document {
	doc, err := parsers.ParseDocument(file, parsers.DocumentOptions{
		ProjectRoot: r.project.Root,
		Progress:    progress,
	})
	if err != nil {
		r.logger.Warn("Skipping document", "path", file, "code", pmerrors.CodeOf(err), "error", err)
		return nil
	}
	r.enrich(doc)
	return doc
}

// enrich sets LastCommitAt from git. The first failure disables enrichment for
// the rest of the operation.
func (r *run) enrich(doc *entities.Document) {
	if r.commits == nil || !r.cfg.Sync.GitEnrichment || r.gitDisabled {
		return
	}
	t, err := r.commits.LastCommitAt(r.ctx, doc.CanonicalPath)
	if err != nil {
		r.gitDisabled = true
		r.logger.Warn("Skipping git enrichment", "code", pmerrors.CodeOf(err), "error", err)
		return
	}
	doc.LastCommitAt = t
}

// ingestTasks replaces every task with those parsed from the live documents.
func (r *run) ingestTasks(docs []*entities.Document) error {
	if err := r.h.SetTotal(len(docs)); err != nil {
		return err
	}
	var tasks []*entities.Task
	for _, doc := range docs {
		tasks = append(tasks, parsers.ParseTasks(doc)...)
		if err := r.h.Tick(1); err != nil {
			return err
		}
	}
	if err := r.entities.ReplaceTasks(r.projectID(), tasks); err != nil {
		return err
	}
	r.logger.Info("Tasks ingested", "tasks", len(tasks))
	return nil
}

// ingestFeatures rediscovers features from the live plans.
func (r *run) ingestFeatures(docs []*entities.Document) error {
	features := parsers.DiscoverFeatures(docs)
	if err := r.h.SetTotal(len(features)); err != nil {
		return err
	}
	tombstoned, err := r.entities.ReplaceFeatures(r.projectID(), features)
	if err != nil {
		return err
	}
	if err := r.h.Tick(len(features)); err != nil {
		return err
	}
	r.logger.Info("Features discovered", "features", len(features), "tombstoned", tombstoned)
	return nil
}
