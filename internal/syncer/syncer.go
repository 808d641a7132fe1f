// Package syncer runs sync operations: ingest project files into the entity
// tables, derive the link graph and compute task analytics, phase by phase.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"pmdash/internal/backends/git"
	"pmdash/internal/config"
	"pmdash/internal/entities"
	pmerrors "pmdash/internal/errors"
	"pmdash/internal/extract"
	"pmdash/internal/links"
	"pmdash/internal/match"
	"pmdash/internal/operations"
	"pmdash/internal/paths"
	"pmdash/internal/project"
	"pmdash/internal/storage"
)

// Options configures a Syncer.
type Options struct {
	Project  *project.Project
	Config   *config.Config
	DB       *storage.DB
	Registry *operations.Registry
	// Commits enriches documents with their last commit time; nil skips it.
	Commits git.CommitSource
	Logger  *slog.Logger
}

// Syncer executes operations for one project. Phases of one operation run
// sequentially; only matching fans out across workers.
type Syncer struct {
	project   *project.Project
	cfg       *config.Config
	logger    *slog.Logger
	entities  *entities.Store
	links     *links.Store
	registry  *operations.Registry
	commits   git.CommitSource
	extractor *extract.Extractor
	generic   *match.Generic

	wg sync.WaitGroup
}

// New creates a Syncer.
func New(opts Options) *Syncer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return &Syncer{
		project:   opts.Project,
		cfg:       cfg,
		logger:    logger.With("component", "sync"),
		entities:  entities.NewStore(opts.DB),
		links:     links.NewStore(opts.DB),
		registry:  opts.Registry,
		commits:   opts.Commits,
		extractor: extract.New(opts.Project.Root, cfg.Correlation.CandidateCap),
		generic:   match.NewGeneric(cfg.Correlation.GenericTokens...),
	}
}

// Start registers an operation and runs it in the background. It fails
// immediately with OPERATION_IN_PROGRESS when the project is busy, or
// INVALID_PATH when a changed-file scope entry escapes the project root.
func (s *Syncer) Start(ctx context.Context, kind operations.Kind, scope []string) (*operations.Handle, error) {
	scope, err := s.prepareScope(kind, scope)
	if err != nil {
		return nil, err
	}
	h, err := s.registry.Begin(s.project.ID, kind, scope)
	if err != nil {
		return nil, err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = s.execute(context.WithoutCancel(ctx), h, kind, scope)
	}()
	return h, nil
}

// Run executes an operation on the calling goroutine and returns its final
// state. The returned error is the failure recorded on the operation, if any.
func (s *Syncer) Run(ctx context.Context, kind operations.Kind, scope []string) (*operations.Operation, error) {
	scope, err := s.prepareScope(kind, scope)
	if err != nil {
		return nil, err
	}
	h, err := s.registry.Begin(s.project.ID, kind, scope)
	if err != nil {
		return nil, err
	}
	err = s.execute(ctx, h, kind, scope)
	return h.Snapshot(), err
}

// Wait blocks until every operation started with Start has finished.
func (s *Syncer) Wait() {
	s.wg.Wait()
}

// prepareScope canonicalizes changed-file paths. Other kinds ignore scope.
func (s *Syncer) prepareScope(kind operations.Kind, scope []string) ([]string, error) {
	if kind != operations.KindSyncChangedFiles {
		return nil, nil
	}
	seen := make(map[string]bool, len(scope))
	out := make([]string, 0, len(scope))
	for _, raw := range scope {
		c, err := paths.Canonicalize(raw, s.project.Root)
		if err != nil {
			return nil, err
		}
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return nil, pmerrors.New(pmerrors.InvalidPath, "sync_changed_files requires at least one path", nil)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Syncer) execute(ctx context.Context, h *operations.Handle, kind operations.Kind, scope []string) error {
	r := &run{
		Syncer: s,
		ctx:    ctx,
		h:      h,
		logger: s.logger.With("operationId", h.ID(), "kind", string(kind)),
	}

	start := time.Now()
	err := h.Start()
	if err == nil {
		switch kind {
		case operations.KindFullSync:
			err = r.fullSync()
		case operations.KindRebuildLinks:
			err = r.rebuildLinks()
		case operations.KindSyncChangedFiles:
			err = r.syncChanged(scope)
		default:
			err = pmerrors.Newf(pmerrors.InternalError, "unsupported operation kind %q", kind)
		}
	}

	if err != nil {
		if ferr := h.Fail(err); ferr != nil {
			r.logger.Error("Failed to record operation failure", "error", ferr)
		}
		return err
	}
	if err := h.Complete(); err != nil {
		return err
	}
	r.logger.Info("Sync finished", "duration", time.Since(start))
	return nil
}

// run is the state of one executing operation.
type run struct {
	*Syncer
	ctx    context.Context
	h      *operations.Handle
	logger *slog.Logger

	gitDisabled bool
}

// phase enters name, runs fn and wraps any failure as PHASE_FAILED.
func (r *run) phase(name string, fn func() error) error {
	if err := r.h.StartPhase(name, 0); err != nil {
		return phaseError(name, err)
	}
	start := time.Now()
	if err := fn(); err != nil {
		return phaseError(name, err)
	}
	r.logger.Debug("Phase finished", "phase", name, "duration", time.Since(start))
	return nil
}

func phaseError(phase string, err error) error {
	return pmerrors.New(pmerrors.PhaseFailed, fmt.Sprintf("phase %s failed", phase), err).
		WithDetails(map[string]interface{}{"phase": phase})
}

func (r *run) projectID() string {
	return r.project.ID
}

// fullSync re-ingests every root, rebuilds all links and prunes the rest.
func (r *run) fullSync() error {
	var docs []*entities.Document

	steps := []struct {
		name string
		fn   func() error
	}{
		{operations.PhaseSessions, r.ingestSessions},
		{operations.PhaseDocuments, func() (err error) {
			docs, err = r.ingestDocuments()
			return err
		}},
		{operations.PhaseTasks, func() error { return r.ingestTasks(docs) }},
		{operations.PhaseFeatures, func() error { return r.ingestFeatures(docs) }},
		{operations.PhaseLinks, r.deriveAll},
		{operations.PhaseAnalytics, r.analytics},
		{operations.PhaseCompleted, noop},
	}
	for _, step := range steps {
		if err := r.phase(step.name, step.fn); err != nil {
			return err
		}
	}
	return nil
}

func noop() error { return nil }
