package operations

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	pmerrors "pmdash/internal/errors"
	"pmdash/internal/storage"
)

const operationColumns = `id, project_id, kind, status, phase, counters, scope, error,
	created_at, started_at, updated_at, finished_at`

// Store provides persistence for operations in the sync_operations table.
type Store struct {
	db     *storage.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewStore creates a new operation store.
func NewStore(db *storage.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Store{db: db, logger: logger, now: time.Now}
}

// Create inserts a new operation.
func (s *Store) Create(op *Operation) error {
	counters, scope, err := encodeOperation(op)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO sync_operations (`+operationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		op.ID,
		op.ProjectID,
		string(op.Kind),
		string(op.Status),
		op.Phase,
		counters,
		scope,
		storage.NullString(op.Error),
		storage.FormatTime(op.CreatedAt),
		storage.NullTime(op.StartedAt),
		storage.FormatTime(op.UpdatedAt),
		storage.NullTime(op.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create operation: %w", err)
	}

	s.logger.Debug("Created operation", "operationId", op.ID, "kind", op.Kind, "projectId", op.ProjectID)
	return nil
}

// Update persists the mutable fields of an existing operation.
func (s *Store) Update(op *Operation) error {
	counters, _, err := encodeOperation(op)
	if err != nil {
		return err
	}

	result, err := s.db.Exec(`
		UPDATE sync_operations SET
			status = ?,
			phase = ?,
			counters = ?,
			error = ?,
			started_at = ?,
			updated_at = ?,
			finished_at = ?
		WHERE id = ?
	`,
		string(op.Status),
		op.Phase,
		counters,
		storage.NullString(op.Error),
		storage.NullTime(op.StartedAt),
		storage.FormatTime(op.UpdatedAt),
		storage.NullTime(op.FinishedAt),
		op.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update operation: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return pmerrors.Newf(pmerrors.OperationNotFound, "operation not found: %s", op.ID)
	}
	return nil
}

// Get retrieves an operation by ID. A missing operation returns nil, nil.
func (s *Store) Get(id string) (*Operation, error) {
	row := s.db.QueryRow(`SELECT `+operationColumns+` FROM sync_operations WHERE id = ?`, id)
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get operation: %w", err)
	}
	return op, nil
}

// List retrieves operations matching the given options, newest first.
func (s *Store) List(opts ListOptions) (*ListResponse, error) {
	var conditions []string
	var args []interface{}

	if opts.ProjectID != "" {
		conditions = append(conditions, "project_id = ?")
		args = append(args, opts.ProjectID)
	}
	if len(opts.Status) > 0 {
		placeholders := make([]string, len(opts.Status))
		for i, status := range opts.Status {
			placeholders[i] = "?"
			args = append(args, string(status))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if len(opts.Kind) > 0 {
		placeholders := make([]string, len(opts.Kind))
		for i, k := range opts.Kind {
			placeholders[i] = "?"
			args = append(args, string(k))
		}
		conditions = append(conditions, fmt.Sprintf("kind IN (%s)", strings.Join(placeholders, ",")))
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	var totalCount int
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM sync_operations %s", whereClause)
	if err := s.db.QueryRow(countQuery, args...).Scan(&totalCount); err != nil {
		return nil, fmt.Errorf("failed to count operations: %w", err)
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	query := fmt.Sprintf(`
		SELECT %s FROM sync_operations %s
		ORDER BY created_at DESC, id
		LIMIT ? OFFSET ?
	`, operationColumns, whereClause)
	args = append(args, limit, opts.Offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	defer rows.Close()

	summaries := make([]Summary, 0)
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		summaries = append(summaries, op.ToSummary())
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &ListResponse{Operations: summaries, TotalCount: totalCount}, nil
}

// FindActive returns the newest queued or running operation of a project, or nil.
func (s *Store) FindActive(projectID string) (*Operation, error) {
	row := s.db.QueryRow(`
		SELECT `+operationColumns+` FROM sync_operations
		WHERE project_id = ? AND status IN ('queued', 'running')
		ORDER BY created_at DESC
		LIMIT 1
	`, projectID)
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find active operation: %w", err)
	}
	return op, nil
}

// FailOrphaned marks queued or running operations that have not been updated
// within staleAfter as failed. It returns the number of rows changed.
func (s *Store) FailOrphaned(staleAfter time.Duration) (int64, error) {
	now := s.now().UTC()
	cutoff := now.Add(-staleAfter)
	result, err := s.db.Exec(`
		UPDATE sync_operations SET
			status = 'failed',
			error = ?,
			updated_at = ?,
			finished_at = ?
		WHERE status IN ('queued', 'running') AND updated_at < ?
	`,
		"orphaned: no progress since process exit",
		storage.FormatTime(now),
		storage.FormatTime(now),
		storage.FormatTime(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to fail orphaned operations: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		s.logger.Warn("Marked orphaned operations as failed", "count", n)
	}
	return n, nil
}

// CleanupOld removes terminal operations finished before the retention window.
func (s *Store) CleanupOld(retention time.Duration) (int64, error) {
	cutoff := s.now().UTC().Add(-retention)
	result, err := s.db.Exec(`
		DELETE FROM sync_operations
		WHERE status IN ('completed', 'failed') AND finished_at IS NOT NULL AND finished_at < ?
	`, storage.FormatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup operations: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		s.logger.Info("Pruned operation history", "removed", n)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOperation(row scanner) (*Operation, error) {
	var (
		op                            Operation
		kind, status, counters, scope string
		createdAt, updatedAt          string
		errMsg, startedAt, finishedAt sql.NullString
	)
	err := row.Scan(
		&op.ID,
		&op.ProjectID,
		&kind,
		&status,
		&op.Phase,
		&counters,
		&scope,
		&errMsg,
		&createdAt,
		&startedAt,
		&updatedAt,
		&finishedAt,
	)
	if err != nil {
		return nil, err
	}

	op.Kind = Kind(kind)
	op.Status = Status(status)
	op.Counters = make(map[string]Counter)
	if counters != "" {
		if err := json.Unmarshal([]byte(counters), &op.Counters); err != nil {
			return nil, fmt.Errorf("invalid counters for operation %s: %w", op.ID, err)
		}
	}
	op.Scope = storage.DecodeStrings(scope)
	op.Error = errMsg.String
	op.CreatedAt = storage.ParseTime(createdAt)
	op.UpdatedAt = storage.ParseTime(updatedAt)
	op.StartedAt = storage.TimePtr(startedAt)
	op.FinishedAt = storage.TimePtr(finishedAt)
	return &op, nil
}

func encodeOperation(op *Operation) (counters, scope string, err error) {
	if op.Counters == nil {
		counters = "{}"
	} else if counters, err = storage.EncodeJSON(op.Counters); err != nil {
		return "", "", fmt.Errorf("failed to encode counters: %w", err)
	}
	if scope, err = storage.EncodeJSON(op.Scope); err != nil {
		return "", "", fmt.Errorf("failed to encode scope: %w", err)
	}
	return counters, scope, nil
}
