// Package engine is the boundary the CLI and watcher talk to. It wires the
// project descriptor, configuration, storage, the sync orchestrator and the
// link audit analyzer for one project.
package engine

import (
	"context"
	"log/slog"
	"time"

	"pmdash/internal/audit"
	"pmdash/internal/backends/git"
	"pmdash/internal/config"
	"pmdash/internal/entities"
	pmerrors "pmdash/internal/errors"
	"pmdash/internal/export"
	"pmdash/internal/extract"
	"pmdash/internal/links"
	"pmdash/internal/match"
	"pmdash/internal/operations"
	"pmdash/internal/paths"
	"pmdash/internal/project"
	"pmdash/internal/storage"
	"pmdash/internal/syncer"
)

// DefaultPollInterval is used by Wait when no interval is given.
const DefaultPollInterval = 250 * time.Millisecond

// Engine coordinates every operation on one project.
type Engine struct {
	project  *project.Project
	config   *config.Config
	db       *storage.DB
	logger   *slog.Logger
	ops      *operations.Store
	registry *operations.Registry
	syncer   *syncer.Syncer
	links    *links.Store
	entities *entities.Store
	auditor  *audit.Analyzer
}

// Open finds the project containing dir, loads its config (unless cfg is
// given) and opens its database. Orphaned operations left by a crashed
// process are failed before Open returns.
func Open(dir string, cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	p, err := project.Find(dir)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg, err = config.LoadConfig(p.Root)
		if err != nil {
			if pmerrors.CodeOf(err) == "" {
				err = pmerrors.New(pmerrors.ConfigInvalid, "failed to load configuration", err)
			}
			return nil, err
		}
	}

	db, err := storage.Open(p.Root, logger)
	if err != nil {
		return nil, err
	}

	ops := operations.NewStore(db, logger)
	registry := operations.NewRegistry(ops, cfg.StaleAfter(), logger)
	if n, err := registry.Recover(); err != nil {
		_ = db.Close()
		return nil, err
	} else if n > 0 {
		logger.Warn("Failed orphaned operations", "count", n)
	}

	var commits git.CommitSource
	if cfg.Sync.GitEnrichment {
		adapter, err := git.NewAdapter(p.Root, logger)
		if err != nil {
			logger.Info("Git enrichment disabled", "error", err)
		} else {
			commits = adapter
		}
	}

	linkStore := links.NewStore(db)
	entityStore := entities.NewStore(db)

	e := &Engine{
		project:  p,
		config:   cfg,
		db:       db,
		logger:   logger,
		ops:      ops,
		registry: registry,
		links:    linkStore,
		entities: entityStore,
		auditor:  audit.NewAnalyzer(linkStore, entityStore, match.NewGeneric(cfg.Correlation.GenericTokens...), logger),
		syncer: syncer.New(syncer.Options{
			Project:  p,
			Config:   cfg,
			DB:       db,
			Registry: registry,
			Commits:  commits,
			Logger:   logger,
		}),
	}

	logger.Debug("Engine opened", "projectId", p.ID, "root", p.Root, "db", db.Path())
	return e, nil
}

// Project returns the open project.
func (e *Engine) Project() *project.Project {
	return e.project
}

// Config returns the effective configuration.
func (e *Engine) Config() *config.Config {
	return e.config
}

// Close waits for background operations and closes the database.
func (e *Engine) Close() error {
	e.syncer.Wait()
	return e.db.Close()
}

// StartOperation begins an operation in the background and returns its ID.
// A second request while one is active is rejected with OPERATION_IN_PROGRESS.
func (e *Engine) StartOperation(ctx context.Context, kind operations.Kind, scope []string) (string, error) {
	h, err := e.syncer.Start(ctx, kind, scope)
	if err != nil {
		return "", err
	}
	return h.ID(), nil
}

// RunOperation runs an operation to completion on the calling goroutine.
func (e *Engine) RunOperation(ctx context.Context, kind operations.Kind, scope []string) (*operations.Operation, error) {
	return e.syncer.Run(ctx, kind, scope)
}

// GetOperation returns a snapshot of an operation. Live operations are read
// from memory so counters between persists are visible.
func (e *Engine) GetOperation(id string) (*operations.Operation, error) {
	if h := e.registry.Lookup(id); h != nil {
		return h.Snapshot(), nil
	}
	op, err := e.ops.Get(id)
	if err != nil {
		return nil, err
	}
	if op == nil {
		return nil, pmerrors.Newf(pmerrors.OperationNotFound, "operation %s not found", id)
	}
	return op, nil
}

// ListOperations lists this project's operations, newest first.
func (e *Engine) ListOperations(opts operations.ListOptions) (*operations.ListResponse, error) {
	if opts.ProjectID == "" {
		opts.ProjectID = e.project.ID
	}
	return e.ops.List(opts)
}

// Wait polls an operation until it reaches a terminal status or ctx ends.
func (e *Engine) Wait(ctx context.Context, id string, poll time.Duration) (*operations.Operation, error) {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		op, err := e.GetOperation(id)
		if err != nil {
			return nil, err
		}
		if op.IsTerminal() {
			return op, nil
		}
		select {
		case <-ctx.Done():
			return op, ctx.Err()
		case <-ticker.C:
		}
	}
}

// PruneHistory deletes terminal operations older than the retention window.
func (e *Engine) PruneHistory() (int64, error) {
	n, err := e.ops.CleanupOld(e.config.HistoryRetention())
	if err != nil {
		return 0, err
	}
	e.logger.Info("Pruned operation history", "deleted", n, "retention", e.config.HistoryRetention())
	return n, nil
}

// GetAudit runs the link audit. Zero floors and limit take the configured values.
func (e *Engine) GetAudit(ctx context.Context, opts audit.Options) (*audit.Report, error) {
	opts.ProjectID = e.project.ID
	if opts.PrimaryFloor <= 0 {
		opts.PrimaryFloor = e.config.Audit.PrimaryFloor
	}
	if opts.FanoutFloor <= 0 {
		opts.FanoutFloor = e.config.Audit.FanoutFloor
	}
	if opts.Limit <= 0 {
		opts.Limit = e.config.Audit.Limit
	}
	return e.auditor.Audit(ctx, opts)
}

// EntityLinks is every link that starts or ends at one entity.
type EntityLinks struct {
	EntityID string           `json:"entityId"`
	Outgoing []*entities.Link `json:"outgoing"`
	Incoming []*entities.Link `json:"incoming"`
}

// GetLinksFor returns the links of an entity. Path-like IDs are canonicalized
// so documents can be named the way a user would type them.
func (e *Engine) GetLinksFor(entityID string) (*EntityLinks, error) {
	if entityID == "" {
		return nil, pmerrors.Newf(pmerrors.InvalidPath, "entity id is empty")
	}
	id := entityID
	if extract.IsPathLike(id) {
		c, err := paths.Canonicalize(id, e.project.Root)
		if err != nil {
			return nil, err
		}
		id = c
	}

	out, err := e.links.ListBySource(e.project.ID, id)
	if err != nil {
		return nil, err
	}
	in, err := e.links.ListByTarget(e.project.ID, id)
	if err != nil {
		return nil, err
	}
	return &EntityLinks{EntityID: id, Outgoing: nonNil(out), Incoming: nonNil(in)}, nil
}

// LinkStats summarizes the link graph.
func (e *Engine) LinkStats() (*links.Stats, error) {
	return e.links.Stats(e.project.ID)
}

// Export writes the link graph to path. A ".zst" suffix selects zstd.
func (e *Engine) Export(ctx context.Context, path string, opts export.Options) (*export.Result, error) {
	opts.ProjectID = e.project.ID
	return export.NewExporter(e.links, e.entities, e.logger).WriteFile(ctx, path, opts)
}

func nonNil(list []*entities.Link) []*entities.Link {
	if list == nil {
		return []*entities.Link{}
	}
	return list
}
