// Package links persists the derived EntityLink graph. Writes are idempotent
// upserts on the natural key; the only deletion is PruneStale.
package links

import (
	"database/sql"
	"fmt"
	"time"

	"pmdash/internal/entities"
	"pmdash/internal/storage"
)

const linkColumns = `project_id, source_kind, source_id, target_kind, target_id, link_kind,
	confidence, signal_type, is_primary, evidence, demoted, created_at, updated_at, last_seen_operation_id`

// upsertSQL keeps created_at, always refreshes last_seen_operation_id, and only
// moves updated_at when a scored attribute actually changed.
const upsertSQL = `
	INSERT INTO entity_links (` + linkColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(project_id, source_kind, source_id, target_kind, target_id, link_kind) DO UPDATE SET
		updated_at = CASE
			WHEN entity_links.confidence != excluded.confidence
				OR entity_links.signal_type != excluded.signal_type
				OR entity_links.is_primary != excluded.is_primary
				OR entity_links.evidence != excluded.evidence
				OR entity_links.demoted != excluded.demoted
			THEN excluded.updated_at
			ELSE entity_links.updated_at
		END,
		confidence = excluded.confidence,
		signal_type = excluded.signal_type,
		is_primary = excluded.is_primary,
		evidence = excluded.evidence,
		demoted = excluded.demoted,
		last_seen_operation_id = excluded.last_seen_operation_id
`

// Store provides access to the entity_links table.
type Store struct {
	db  *storage.DB
	now func() time.Time
}

// NewStore creates a new link store.
func NewStore(db *storage.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Upsert writes one link. link.LastSeenOperationID must be set.
func (s *Store) Upsert(link *entities.Link) error {
	return s.UpsertBatch([]*entities.Link{link})
}

// UpsertBatch writes links in a single transaction.
func (s *Store) UpsertBatch(links []*entities.Link) error {
	if len(links) == 0 {
		return nil
	}
	stamp := storage.FormatTime(s.now())

	return s.db.WithTx(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(upsertSQL)
		if err != nil {
			return fmt.Errorf("failed to prepare link upsert: %w", err)
		}
		defer func() { _ = stmt.Close() }()

		for _, l := range links {
			if l.LastSeenOperationID == "" {
				return fmt.Errorf("link %s has no operation id", l.Key())
			}
			_, err := stmt.Exec(
				l.ProjectID, string(l.SourceKind), l.SourceID, string(l.TargetKind), l.TargetID, string(l.LinkKind),
				l.Confidence, string(l.SignalType), storage.BoolInt(l.IsPrimary), l.Evidence, storage.BoolInt(l.Demoted),
				stamp, stamp, l.LastSeenOperationID,
			)
			if err != nil {
				return fmt.Errorf("failed to upsert link %s: %w", l.Key(), err)
			}
		}
		return nil
	})
}

// ListBySource returns every link whose source has the given id.
func (s *Store) ListBySource(projectID, sourceID string) ([]*entities.Link, error) {
	return s.query(`WHERE project_id = ? AND source_id = ?`, projectID, sourceID)
}

// ListByTarget returns every link whose target has the given id.
func (s *Store) ListByTarget(projectID, targetID string) ([]*entities.Link, error) {
	return s.query(`WHERE project_id = ? AND target_id = ?`, projectID, targetID)
}

// ListByTargetRef returns links to one specific target entity.
func (s *Store) ListByTargetRef(projectID string, target entities.Ref) ([]*entities.Link, error) {
	return s.query(`WHERE project_id = ? AND target_kind = ? AND target_id = ?`, projectID, string(target.Kind), target.ID)
}

// ListAll returns the project's whole link graph.
func (s *Store) ListAll(projectID string) ([]*entities.Link, error) {
	return s.query(`WHERE project_id = ?`, projectID)
}

// Get returns one link by natural key, or nil if absent.
func (s *Store) Get(projectID string, key entities.LinkKey) (*entities.Link, error) {
	list, err := s.query(`WHERE project_id = ? AND source_kind = ? AND source_id = ?
		AND target_kind = ? AND target_id = ? AND link_kind = ?`,
		projectID, string(key.SourceKind), key.SourceID, string(key.TargetKind), key.TargetID, string(key.LinkKind))
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return list[0], nil
}

func (s *Store) query(where string, args ...interface{}) ([]*entities.Link, error) {
	rows, err := s.db.Query(`SELECT `+linkColumns+` FROM entity_links `+where+`
		ORDER BY source_kind, source_id, target_kind, target_id, link_kind`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query links: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*entities.Link
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func scanLink(rows *sql.Rows) (*entities.Link, error) {
	var (
		l                                     entities.Link
		sourceKind, targetKind, linkKind, sig string
		primary, demoted                      int
		created, updated                      string
	)
	err := rows.Scan(
		&l.ProjectID, &sourceKind, &l.SourceID, &targetKind, &l.TargetID, &linkKind,
		&l.Confidence, &sig, &primary, &l.Evidence, &demoted, &created, &updated, &l.LastSeenOperationID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan link: %w", err)
	}
	l.SourceKind = entities.Kind(sourceKind)
	l.TargetKind = entities.Kind(targetKind)
	l.LinkKind = entities.LinkKind(linkKind)
	l.SignalType = entities.SignalType(sig)
	l.IsPrimary = primary == 1
	l.Demoted = demoted == 1
	l.CreatedAt = storage.ParseTime(created)
	l.UpdatedAt = storage.ParseTime(updated)
	return &l, nil
}

// PruneStale deletes every link of the project not re-asserted by operationID.
// Only a successful full_sync or rebuild_links may call it.
func (s *Store) PruneStale(projectID, operationID string) (int64, error) {
	if operationID == "" {
		return 0, fmt.Errorf("prune requires an operation id")
	}
	res, err := s.db.Exec(`DELETE FROM entity_links WHERE project_id = ? AND last_seen_operation_id != ?`,
		projectID, operationID)
	if err != nil {
		return 0, fmt.Errorf("failed to prune stale links: %w", err)
	}
	return res.RowsAffected()
}

// Stats summarizes the link graph.
type Stats struct {
	Total      int                       `json:"total"`
	Primary    int                       `json:"primary"`
	Suggestion int                       `json:"suggestion"`
	Demoted    int                       `json:"demoted"`
	ByKind     map[entities.LinkKind]int `json:"byKind"`
}

// Stats returns counts over the project's links.
func (s *Store) Stats(projectID string) (*Stats, error) {
	rows, err := s.db.Query(`
		SELECT link_kind, COUNT(*),
			SUM(CASE WHEN is_primary = 1 THEN 1 ELSE 0 END),
			SUM(CASE WHEN signal_type = 'suggestion' OR confidence < 0.5 THEN 1 ELSE 0 END),
			SUM(CASE WHEN demoted = 1 THEN 1 ELSE 0 END)
		FROM entity_links WHERE project_id = ? GROUP BY link_kind`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query link stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	st := &Stats{ByKind: make(map[entities.LinkKind]int)}
	for rows.Next() {
		var kind string
		var total, primary, suggestion, demoted int
		if err := rows.Scan(&kind, &total, &primary, &suggestion, &demoted); err != nil {
			return nil, fmt.Errorf("failed to scan link stats: %w", err)
		}
		st.ByKind[entities.LinkKind(kind)] = total
		st.Total += total
		st.Primary += primary
		st.Suggestion += suggestion
		st.Demoted += demoted
	}
	return st, rows.Err()
}
