package syncer

import (
	"context"

	"golang.org/x/sync/errgroup"

	"pmdash/internal/entities"
	"pmdash/internal/extract"
	"pmdash/internal/mappings"
	"pmdash/internal/match"
	"pmdash/internal/operations"
	"pmdash/internal/scoring"
)

// linkInputs is the stored state links are derived from.
type linkInputs struct {
	docs     []*entities.Document
	features []*entities.Feature
	tasks    []*entities.Task
	sessions []*entities.Session
	index    *match.Index
	mappings *mappings.Snapshot
	sources  map[entities.Ref]bool
}

// source is one entity whose own content is extracted and matched.
type source struct {
	ref     entities.Ref
	doc     *entities.Document
	session *entities.Session
	task    *entities.Task
}

func (s source) extract(e *extract.Extractor) extract.Result {
	switch {
	case s.doc != nil:
		return e.Document(s.doc)
	case s.session != nil:
		return e.Session(s.session)
	case s.task != nil:
		return e.Task(s.task)
	}
	return extract.Result{}
}

// matched is one worker's output for one source.
type matched struct {
	index     int
	ref       entities.Ref
	extracted extract.Result
	results   []match.Result
}

func (r *run) loadInputs() (*linkInputs, error) {
	pid := r.projectID()
	docs, err := r.entities.ListDocuments(pid, false)
	if err != nil {
		return nil, err
	}
	features, err := r.entities.ListFeatures(pid, false)
	if err != nil {
		return nil, err
	}
	tasks, err := r.entities.ListTasks(pid)
	if err != nil {
		return nil, err
	}
	sessions, err := r.entities.ListSessions(pid)
	if err != nil {
		return nil, err
	}
	snap, err := mappings.Load(r.project.Root, r.cfg.Correlation.MappingsFile)
	if err != nil {
		return nil, err
	}
	for _, rej := range snap.Rejected {
		r.logger.Warn("Ignoring mapping entry", "file", snap.Path, "index", rej.Index, "reason", rej.Reason)
	}

	in := &linkInputs{
		docs:     docs,
		features: features,
		tasks:    tasks,
		sessions: sessions,
		index:    match.NewIndex(features, docs, sessions, r.generic),
		mappings: snap,
		sources:  make(map[entities.Ref]bool, len(docs)+len(tasks)+len(sessions)),
	}
	for _, src := range in.allSources() {
		in.sources[src.ref] = true
	}
	return in, nil
}

func (in *linkInputs) documentSources() []source {
	out := make([]source, 0, len(in.docs))
	for _, d := range in.docs {
		out = append(out, source{ref: entities.Ref{Kind: entities.KindDocument, ID: d.ID}, doc: d})
	}
	return out
}

func (in *linkInputs) sessionSources() []source {
	out := make([]source, 0, len(in.sessions))
	for _, s := range in.sessions {
		out = append(out, source{ref: entities.Ref{Kind: entities.KindSession, ID: s.ID}, session: s})
	}
	return out
}

func (in *linkInputs) taskSources() []source {
	out := make([]source, 0, len(in.tasks))
	for _, t := range in.tasks {
		out = append(out, source{ref: entities.Ref{Kind: entities.KindTask, ID: t.Key()}, task: t})
	}
	return out
}

func (in *linkInputs) allSources() []source {
	out := in.sessionSources()
	out = append(out, in.documentSources()...)
	return append(out, in.taskSources()...)
}

// mappingResults returns snapshot results for known sources, limited to batch when non-nil.
func (in *linkInputs) mappingResults(batch map[entities.Ref]bool) []match.Result {
	return in.mappings.Results(func(ref entities.Ref) bool {
		return in.sources[ref] && (batch == nil || batch[ref])
	})
}

// matchSources extracts and matches sources on a bounded worker pool. Results
// are collected on the calling goroutine, which also reports progress.
func (r *run) matchSources(in *linkInputs, sources []source) ([]match.Result, error) {
	if len(sources) == 0 {
		return nil, nil
	}
	workers := r.cfg.Correlation.Workers
	if workers < 1 {
		workers = 1
	}
	matcher := match.New(in.index)

	ctx, cancel := context.WithCancel(r.ctx)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	out := make(chan matched)
	var waitErr error
	go func() {
		for i := range sources {
			src := sources[i]
			idx := i
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				res := src.extract(r.extractor)
				m := matched{
					index:     idx,
					ref:       src.ref,
					extracted: res,
					results:   matcher.Match(src.ref, res.Candidates),
				}
				select {
				case out <- m:
					return nil
				case <-gctx.Done():
					return gctx.Err()
				}
			})
		}
		waitErr = g.Wait()
		close(out)
	}()
	defer func() {
		cancel()
		for range out {
		}
	}()

	perSource := make([][]match.Result, len(sources))
	for m := range out {
		r.report(m)
		perSource[m.index] = m.results
		if err := r.h.Tick(1); err != nil {
			return nil, err
		}
	}
	if waitErr != nil {
		return nil, waitErr
	}

	var results []match.Result
	for _, list := range perSource {
		results = append(results, list...)
	}
	return results, nil
}

func (r *run) report(m matched) {
	for _, d := range m.extracted.Diagnostics {
		r.logger.Debug("Rejected reference",
			"code", d.Code,
			"source", m.ref.String(),
			"origin", string(d.Origin),
			"value", d.Value,
			"reason", d.Reason,
		)
	}
	if m.extracted.Truncated > 0 {
		r.logger.Warn("Candidate cap reached", "source", m.ref.String(), "dropped", m.extracted.Truncated)
	}
}

// commit scores results and writes the links. batch == nil means every source
// was re-derived; prune then removes links this operation did not assert.
func (r *run) commit(in *linkInputs, results []match.Result, batch map[entities.Ref]bool, prune bool) (int, error) {
	pid := r.projectID()
	seed, err := r.links.LoadSeed(pid, batch)
	if err != nil {
		return 0, err
	}

	resolver := scoring.NewResolver(r.cfg.Correlation.FanoutLimit, in.index.Has, r.logger)
	resolved, stats := resolver.Resolve(pid, results, seed)
	for _, l := range resolved {
		l.LastSeenOperationID = r.h.ID()
	}

	writes := resolved
	if batch != nil {
		writes = append(writes, seed.Unasserted(resolved)...)
	}
	if err := r.links.UpsertBatch(writes); err != nil {
		return 0, err
	}

	var pruned int64
	if prune {
		if pruned, err = r.links.PruneStale(pid, r.h.ID()); err != nil {
			return 0, err
		}
	}

	r.logger.Info("Links written",
		"candidates", stats.Input,
		"dropped", stats.Dropped,
		"links", stats.Links,
		"primaries", stats.Primaries,
		"demoted", stats.Demoted,
		"pruned", pruned,
	)
	return len(writes), nil
}

// deriveAll is the full_sync links phase: every source, then prune.
func (r *run) deriveAll() error {
	in, err := r.loadInputs()
	if err != nil {
		return err
	}
	sources := in.allSources()
	if err := r.h.SetTotal(len(sources)); err != nil {
		return err
	}
	results, err := r.matchSources(in, sources)
	if err != nil {
		return err
	}
	results = append(results, in.mappingResults(nil)...)
	_, err = r.commit(in, results, nil, true)
	return err
}

// rebuildLinks re-derives the whole graph from stored entities without
// re-reading any file.
func (r *run) rebuildLinks() error {
	var (
		in      *linkInputs
		results []match.Result
	)

	matchPhase := func(sources func() []source) func() error {
		return func() error {
			list := sources()
			if err := r.h.SetTotal(len(list)); err != nil {
				return err
			}
			res, err := r.matchSources(in, list)
			results = append(results, res...)
			return err
		}
	}

	steps := []struct {
		name string
		fn   func() error
	}{
		{operations.PhaseLinksInit, func() (err error) {
			in, err = r.loadInputs()
			if err != nil {
				return err
			}
			total := len(in.docs) + len(in.features) + len(in.tasks) + len(in.sessions)
			if err := r.h.SetTotal(total); err != nil {
				return err
			}
			return r.h.Tick(total)
		}},
		{operations.PhaseLinksFeaturePrep, func() error {
			if err := matchPhase(func() []source { return in.taskSources() })(); err != nil {
				return err
			}
			results = append(results, in.mappingResults(nil)...)
			return nil
		}},
		{operations.PhaseLinksSessionEvidence, matchPhase(func() []source { return in.sessionSources() })},
		{operations.PhaseLinksDocuments, matchPhase(func() []source { return in.documentSources() })},
		{operations.PhaseLinksCatalog, func() error {
			if err := r.h.SetTotal(len(results)); err != nil {
				return err
			}
			if _, err := r.commit(in, results, nil, true); err != nil {
				return err
			}
			if err := r.assignTasks(); err != nil {
				return err
			}
			return r.h.Tick(len(results))
		}},
		{operations.PhaseLinksCompleted, noop},
	}
	for _, step := range steps {
		if err := r.phase(step.name, step.fn); err != nil {
			return err
		}
	}
	return nil
}
