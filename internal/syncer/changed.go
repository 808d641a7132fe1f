package syncer

import (
	"os"
	"path"
	"strings"

	"pmdash/internal/entities"
	"pmdash/internal/operations"
	"pmdash/internal/parsers"
	"pmdash/internal/paths"
)

// changeSet is what changed:ingest found for the scoped paths.
type changeSet struct {
	docs            []*entities.Document
	docPaths        []string // every changed document path, live or removed
	removedDocs     []string
	sessions        []*entities.Session
	removedSessions []string
}

func (c *changeSet) batch(tasks []*entities.Task) map[entities.Ref]bool {
	batch := make(map[entities.Ref]bool)
	for _, p := range c.docPaths {
		batch[entities.Ref{Kind: entities.KindDocument, ID: p}] = true
	}
	for _, s := range c.sessions {
		batch[entities.Ref{Kind: entities.KindSession, ID: s.ID}] = true
	}
	for _, p := range c.removedSessions {
		batch[entities.Ref{Kind: entities.KindSession, ID: sessionID(p)}] = true
	}
	changed := make(map[string]bool, len(c.docPaths))
	for _, p := range c.docPaths {
		changed[p] = true
	}
	for _, t := range tasks {
		if changed[t.SourcePath] {
			batch[entities.Ref{Kind: entities.KindTask, ID: t.Key()}] = true
		}
	}
	return batch
}

// sessionID mirrors the parser: a session is named after its log file stem.
func sessionID(canonical string) string {
	return strings.TrimSuffix(path.Base(canonical), path.Ext(canonical))
}

// syncChanged re-ingests only the scoped paths and re-derives links for the
// sources they affect. It never prunes; removed sources keep their links
// until the next full sync, with primaries cleared.
func (r *run) syncChanged(scope []string) error {
	var changes *changeSet

	steps := []struct {
		name string
		fn   func() error
	}{
		{operations.PhaseChangedIngest, func() (err error) {
			changes, err = r.ingestChanged(scope)
			return err
		}},
		{operations.PhaseChangedTasks, func() error { return r.ingestChangedTasks(changes) }},
		{operations.PhaseChangedLinks, func() error { return r.deriveChanged(changes) }},
		{operations.PhaseCompleted, noop},
	}
	for _, step := range steps {
		if err := r.phase(step.name, step.fn); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) ingestChanged(scope []string) (*changeSet, error) {
	if err := r.h.SetTotal(len(scope)); err != nil {
		return nil, err
	}

	c := &changeSet{}
	for _, p := range scope {
		full := paths.JoinRoot(r.project.Root, p)
		_, statErr := os.Stat(full)
		exists := statErr == nil

		switch {
		case r.project.IsDocumentPath(p):
			c.docPaths = append(c.docPaths, p)
			if !exists {
				c.removedDocs = append(c.removedDocs, p)
			} else if doc := r.parseDocument(full, r.project.IsProgressPath(p)); doc != nil {
				c.docs = append(c.docs, doc)
			}
		case r.project.IsSessionPath(p):
			if !exists {
				c.removedSessions = append(c.removedSessions, p)
			} else if s := r.parseSession(full); s != nil {
				c.sessions = append(c.sessions, s)
			}
		default:
			r.logger.Debug("Ignoring path outside project roots", "path", p)
		}

		if err := r.h.Tick(1); err != nil {
			return nil, err
		}
	}

	pid := r.projectID()
	if err := r.entities.SaveDocuments(pid, c.docs); err != nil {
		return nil, err
	}
	if _, err := r.entities.TombstoneDocuments(pid, c.removedDocs); err != nil {
		return nil, err
	}
	if err := r.entities.SaveSessions(pid, c.sessions); err != nil {
		return nil, err
	}
	if _, err := r.entities.DeleteSessionsBySource(pid, c.removedSessions); err != nil {
		return nil, err
	}

	// Any document change can add, rename or retire a plan.
	if len(c.docPaths) > 0 {
		live, err := r.entities.ListDocuments(pid, false)
		if err != nil {
			return nil, err
		}
		if _, err := r.entities.ReplaceFeatures(pid, parsers.DiscoverFeatures(live)); err != nil {
			return nil, err
		}
	}

	r.logger.Info("Changed paths ingested",
		"documents", len(c.docs),
		"removedDocuments", len(c.removedDocs),
		"sessions", len(c.sessions),
		"removedSessions", len(c.removedSessions),
	)
	return c, nil
}

// ingestChangedTasks replaces the tasks of every changed document.
func (r *run) ingestChangedTasks(c *changeSet) error {
	if err := r.h.SetTotal(len(c.docs)); err != nil {
		return err
	}
	var tasks []*entities.Task
	for _, doc := range c.docs {
		tasks = append(tasks, parsers.ParseTasks(doc)...)
		if err := r.h.Tick(1); err != nil {
			return err
		}
	}
	return r.entities.ReplaceTasksForSources(r.projectID(), c.docPaths, tasks)
}

// deriveChanged matches the affected sources against the full index. Sources
// that share a fan-out target with the batch are re-derived with it, so the
// cut for that target ranks every link the way a full rebuild does.
func (r *run) deriveChanged(c *changeSet) error {
	in, err := r.loadInputs()
	if err != nil {
		return err
	}
	batch := c.batch(in.tasks)
	all := in.allSources()

	var sources []source
	for _, src := range all {
		if batch[src.ref] {
			sources = append(sources, src)
		}
	}
	if err := r.h.SetTotal(len(sources)); err != nil {
		return err
	}

	results, err := r.matchSources(in, sources)
	if err != nil {
		return err
	}
	results = append(results, in.mappingResults(batch)...)

	targets := make([]entities.Ref, 0, len(results))
	for _, res := range results {
		targets = append(targets, res.Target)
	}
	widened, err := r.links.Widen(r.projectID(), batch, targets)
	if err != nil {
		return err
	}

	var extra []source
	extraSet := make(map[entities.Ref]bool)
	for _, src := range all {
		if widened[src.ref] && !batch[src.ref] {
			extra = append(extra, src)
			extraSet[src.ref] = true
		}
	}
	if len(extra) > 0 {
		r.logger.Debug("Re-deriving fan-out peers", "batch", len(sources), "peers", len(extra))
		if err := r.h.SetTotal(len(sources) + len(extra)); err != nil {
			return err
		}
		more, err := r.matchSources(in, extra)
		if err != nil {
			return err
		}
		results = append(results, more...)
		results = append(results, in.mappingResults(extraSet)...)
	}

	if _, err := r.commit(in, results, widened, false); err != nil {
		return err
	}
	return r.assignTasks()
}
