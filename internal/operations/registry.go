package operations

import (
	"log/slog"
	"sync"
	"time"

	pmerrors "pmdash/internal/errors"
)

// tickPersistEvery bounds how often Tick writes counters to the store.
const tickPersistEvery = 50

// Registry tracks the active operation of each project. At most one
// operation per project is queued or running at any time, including across
// processes sharing the same database.
type Registry struct {
	store      *Store
	logger     *slog.Logger
	staleAfter time.Duration

	mu     sync.Mutex
	active map[string]*Handle
}

// NewRegistry creates a registry over store. Rows not updated within
// staleAfter are treated as orphaned.
func NewRegistry(store *Store, staleAfter time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		store:      store,
		logger:     logger,
		staleAfter: staleAfter,
		active:     make(map[string]*Handle),
	}
}

// Recover fails operations left queued or running by a process that exited.
func (r *Registry) Recover() (int64, error) {
	return r.store.FailOrphaned(r.staleAfter)
}

// Begin registers a new queued operation for projectID. It fails with
// OPERATION_IN_PROGRESS if another operation is active for that project.
func (r *Registry) Begin(projectID string, kind Kind, scope []string) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.active[projectID]; ok {
		return nil, inProgress(projectID, h.ID())
	}

	existing, err := r.store.FindActive(projectID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if time.Since(existing.UpdatedAt) < r.staleAfter {
			return nil, inProgress(projectID, existing.ID)
		}
		r.logger.Warn("Failing orphaned operation",
			"operationId", existing.ID,
			"projectId", projectID,
			"lastUpdate", existing.UpdatedAt,
		)
		existing.MarkFailed(pmerrors.New(pmerrors.InternalError, "orphaned: no progress since process exit", nil))
		if err := r.store.Update(existing); err != nil {
			return nil, err
		}
	}

	op := NewOperation(projectID, kind, scope)
	if err := r.store.Create(op); err != nil {
		return nil, err
	}

	h := &Handle{
		registry: r,
		op:       op,
		done:     make(chan struct{}),
	}
	r.active[projectID] = h
	r.logger.Info("Operation queued", "operationId", op.ID, "kind", kind, "projectId", projectID)
	return h, nil
}

// Active returns the in-process handle of a project's active operation, or nil.
func (r *Registry) Active(projectID string) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[projectID]
}

// Lookup returns the in-process handle for an operation ID, or nil.
func (r *Registry) Lookup(id string) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range r.active {
		if h.ID() == id {
			return h
		}
	}
	return nil
}

func (r *Registry) release(h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.active[h.op.ProjectID]; ok && cur == h {
		delete(r.active, h.op.ProjectID)
	}
}

func inProgress(projectID, activeID string) error {
	return pmerrors.Newf(pmerrors.OperationInProgress,
		"operation %s is already active for project %s", activeID, projectID).
		WithDetails(map[string]interface{}{"operationId": activeID, "projectId": projectID})
}

// Handle is the orchestrator's view of one running operation. Mutating
// methods persist the change; Snapshot may be called from any goroutine.
type Handle struct {
	registry *Registry

	mu      sync.Mutex
	op      *Operation
	pending int

	done     chan struct{}
	doneOnce sync.Once
}

// ID returns the operation ID.
func (h *Handle) ID() string {
	return h.op.ID
}

// Snapshot returns a copy of the current operation state.
func (h *Handle) Snapshot() *Operation {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.op.Clone()
}

// Done is closed once the operation reaches a terminal status.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Start marks the operation running.
func (h *Handle) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.op.MarkStarted()
	return h.persistLocked()
}

// StartPhase moves to phase with the given item total.
func (h *Handle) StartPhase(phase string, total int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.op.Phase = phase
	h.op.Counters[phase] = Counter{Total: total}
	h.op.UpdatedAt = time.Now().UTC()
	h.registry.logger.Debug("Operation phase started", "operationId", h.op.ID, "phase", phase, "total", total)
	return h.persistLocked()
}

// SetTotal sets the item total of the current phase once it is known.
func (h *Handle) SetTotal(total int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	c := h.op.Counters[h.op.Phase]
	c.Total = total
	h.op.Counters[h.op.Phase] = c
	h.op.UpdatedAt = time.Now().UTC()
	return h.persistLocked()
}

// Tick records n processed items in the current phase. Counters are written
// to the store at most every tickPersistEvery items and when the phase total
// is reached.
func (h *Handle) Tick(n int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	c := h.op.Counters[h.op.Phase]
	c.Processed += n
	if c.Processed > c.Total {
		c.Total = c.Processed
	}
	h.op.Counters[h.op.Phase] = c
	h.op.UpdatedAt = time.Now().UTC()
	h.pending += n
	if h.pending >= tickPersistEvery || c.Processed == c.Total {
		return h.persistLocked()
	}
	return nil
}

// Complete marks the operation completed and releases the project.
func (h *Handle) Complete() error {
	h.mu.Lock()
	h.op.MarkCompleted()
	err := h.persistLocked()
	h.mu.Unlock()
	h.finish()
	h.registry.logger.Info("Operation completed", "operationId", h.op.ID, "kind", h.op.Kind)
	return err
}

// Fail marks the operation failed with cause and releases the project.
func (h *Handle) Fail(cause error) error {
	h.mu.Lock()
	h.op.MarkFailed(cause)
	err := h.persistLocked()
	h.mu.Unlock()
	h.finish()
	h.registry.logger.Error("Operation failed", "operationId", h.op.ID, "phase", h.op.Phase, "error", cause)
	return err
}

func (h *Handle) finish() {
	h.doneOnce.Do(func() {
		h.registry.release(h)
		close(h.done)
	})
}

func (h *Handle) persistLocked() error {
	h.pending = 0
	return h.registry.store.Update(h.op)
}
