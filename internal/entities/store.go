package entities

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"pmdash/internal/storage"
)

// Rollup is a feature's task progress.
type Rollup struct {
	Total int
	Done  int
}

// Store persists entities. Every batch write runs in one transaction.
type Store struct {
	db  *storage.DB
	now func() time.Time
}

// NewStore creates a new entity store.
func NewStore(db *storage.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Documents

const documentColumns = `id, root_kind, subtype, status, title, related_refs, linked_features,
	linked_sessions, prd_ref, feature_ref, body, extra_json, hash, last_commit_at, tombstoned`

// SaveDocuments upserts documents and clears their tombstones.
func (s *Store) SaveDocuments(projectID string, docs []*Document) error {
	return s.db.WithTx(func(tx *sql.Tx) error {
		return s.upsertDocuments(tx, projectID, docs)
	})
}

// ReplaceDocuments upserts docs and tombstones every other live document of the project.
// It returns the number of documents newly tombstoned.
func (s *Store) ReplaceDocuments(projectID string, docs []*Document) (int64, error) {
	var tombstoned int64
	err := s.db.WithTx(func(tx *sql.Tx) error {
		if err := s.upsertDocuments(tx, projectID, docs); err != nil {
			return err
		}
		keep := make([]string, len(docs))
		for i, d := range docs {
			keep[i] = d.ID
		}
		n, err := tombstoneExcept(tx, "documents", projectID, keep, s.stamp())
		tombstoned = n
		return err
	})
	return tombstoned, err
}

// TombstoneDocuments marks the given documents as removed.
func (s *Store) TombstoneDocuments(projectID string, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var tombstoned int64
	err := s.db.WithTx(func(tx *sql.Tx) error {
		if err := stageIDs(tx, ids); err != nil {
			return err
		}
		res, err := tx.Exec(`UPDATE documents SET tombstoned = 1, updated_at = ?
			WHERE project_id = ? AND tombstoned = 0 AND id IN (SELECT id FROM staged_ids)`, s.stamp(), projectID)
		if err != nil {
			return fmt.Errorf("failed to tombstone documents: %w", err)
		}
		tombstoned, _ = res.RowsAffected()
		return nil
	})
	return tombstoned, err
}

func (s *Store) upsertDocuments(tx *sql.Tx, projectID string, docs []*Document) error {
	stmt, err := tx.Prepare(`
		INSERT INTO documents (project_id, ` + documentColumns + `, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT(project_id, id) DO UPDATE SET
			root_kind = excluded.root_kind,
			subtype = excluded.subtype,
			status = excluded.status,
			title = excluded.title,
			related_refs = excluded.related_refs,
			linked_features = excluded.linked_features,
			linked_sessions = excluded.linked_sessions,
			prd_ref = excluded.prd_ref,
			feature_ref = excluded.feature_ref,
			body = excluded.body,
			extra_json = excluded.extra_json,
			hash = excluded.hash,
			last_commit_at = excluded.last_commit_at,
			tombstoned = 0,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare document upsert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	stamp := s.stamp()
	for _, d := range docs {
		related, err := storage.EncodeJSON(d.RelatedRefs)
		if err != nil {
			return fmt.Errorf("failed to encode related refs of %s: %w", d.ID, err)
		}
		features, err := storage.EncodeJSON(d.LinkedFeatures)
		if err != nil {
			return fmt.Errorf("failed to encode linked features of %s: %w", d.ID, err)
		}
		sessions, err := storage.EncodeJSON(d.LinkedSessions)
		if err != nil {
			return fmt.Errorf("failed to encode linked sessions of %s: %w", d.ID, err)
		}
		extra := "{}"
		if len(d.Extra) > 0 {
			data, err := json.Marshal(d.Extra)
			if err != nil {
				return fmt.Errorf("failed to encode extra fields of %s: %w", d.ID, err)
			}
			extra = string(data)
		}
		_, err = stmt.Exec(projectID, d.ID, string(d.RootKind), d.Subtype, d.Status, d.Title,
			related, features, sessions, d.PRDRef, d.FeatureRef, d.Body, extra, d.Hash,
			storage.NullTime(d.LastCommitAt), stamp)
		if err != nil {
			return fmt.Errorf("failed to upsert document %s: %w", d.ID, err)
		}
	}
	return nil
}

// GetDocument returns one document, or nil when it does not exist.
func (s *Store) GetDocument(projectID, id string) (*Document, error) {
	row := s.db.QueryRow(`SELECT `+documentColumns+` FROM documents WHERE project_id = ? AND id = ?`, projectID, id)
	d, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return d, err
}

// ListDocuments returns the project's documents ordered by canonical path.
func (s *Store) ListDocuments(projectID string, includeTombstoned bool) ([]*Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE project_id = ?`
	if !includeTombstoned {
		query += ` AND tombstoned = 0`
	}
	query += ` ORDER BY id`

	rows, err := s.db.Query(query, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var docs []*Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDocument(sc scanner) (*Document, error) {
	var d Document
	var rootKind, related, features, sessions, extra string
	var lastCommit sql.NullString
	var tombstoned int

	err := sc.Scan(&d.ID, &rootKind, &d.Subtype, &d.Status, &d.Title, &related, &features,
		&sessions, &d.PRDRef, &d.FeatureRef, &d.Body, &extra, &d.Hash, &lastCommit, &tombstoned)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan document: %w", err)
	}

	d.CanonicalPath = d.ID
	d.RootKind = RootKind(rootKind)
	d.RelatedRefs = storage.DecodeStrings(related)
	d.LinkedFeatures = storage.DecodeStrings(features)
	d.LinkedSessions = storage.DecodeStrings(sessions)
	d.LastCommitAt = storage.TimePtr(lastCommit)
	d.Tombstoned = tombstoned == 1
	if extra != "" && extra != "{}" {
		_ = json.Unmarshal([]byte(extra), &d.Extra)
	}
	return &d, nil
}

// Features

const featureColumns = `id, name, status, plan_path, plan_refs, tasks_total, tasks_done, tombstoned`

// SaveFeatures upserts features, keeping existing task rollups.
func (s *Store) SaveFeatures(projectID string, features []*Feature) error {
	return s.db.WithTx(func(tx *sql.Tx) error {
		return s.upsertFeatures(tx, projectID, features)
	})
}

// ReplaceFeatures upserts features and tombstones every feature no longer discovered.
func (s *Store) ReplaceFeatures(projectID string, features []*Feature) (int64, error) {
	var tombstoned int64
	err := s.db.WithTx(func(tx *sql.Tx) error {
		if err := s.upsertFeatures(tx, projectID, features); err != nil {
			return err
		}
		keep := make([]string, len(features))
		for i, f := range features {
			keep[i] = f.ID
		}
		n, err := tombstoneExcept(tx, "features", projectID, keep, s.stamp())
		tombstoned = n
		return err
	})
	return tombstoned, err
}

func (s *Store) upsertFeatures(tx *sql.Tx, projectID string, features []*Feature) error {
	stmt, err := tx.Prepare(`
		INSERT INTO features (project_id, id, name, status, plan_path, plan_refs, tombstoned, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT(project_id, id) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			plan_path = excluded.plan_path,
			plan_refs = excluded.plan_refs,
			tombstoned = 0,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare feature upsert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	stamp := s.stamp()
	for _, f := range features {
		refs, _ := storage.EncodeJSON(f.PlanRefs)
		if _, err := stmt.Exec(projectID, f.ID, f.Name, f.Status, f.PlanPath, refs, stamp); err != nil {
			return fmt.Errorf("failed to upsert feature %s: %w", f.ID, err)
		}
	}
	return nil
}

// ListFeatures returns the project's features ordered by ID.
func (s *Store) ListFeatures(projectID string, includeTombstoned bool) ([]*Feature, error) {
	query := `SELECT ` + featureColumns + ` FROM features WHERE project_id = ?`
	if !includeTombstoned {
		query += ` AND tombstoned = 0`
	}
	query += ` ORDER BY id`

	rows, err := s.db.Query(query, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list features: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var features []*Feature
	for rows.Next() {
		var f Feature
		var refs string
		var tombstoned int
		if err := rows.Scan(&f.ID, &f.Name, &f.Status, &f.PlanPath, &refs, &f.TasksTotal, &f.TasksDone, &tombstoned); err != nil {
			return nil, fmt.Errorf("failed to scan feature: %w", err)
		}
		f.PlanRefs = storage.DecodeStrings(refs)
		f.Tombstoned = tombstoned == 1
		features = append(features, &f)
	}
	return features, rows.Err()
}

// Tasks

// ReplaceTasks replaces every task of the project.
func (s *Store) ReplaceTasks(projectID string, tasks []*Task) error {
	return s.db.WithTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM tasks WHERE project_id = ?`, projectID); err != nil {
			return fmt.Errorf("failed to clear tasks: %w", err)
		}
		return insertTasks(tx, projectID, tasks)
	})
}

// ReplaceTasksForSources replaces only the tasks parsed from the given source documents.
func (s *Store) ReplaceTasksForSources(projectID string, sourcePaths []string, tasks []*Task) error {
	return s.db.WithTx(func(tx *sql.Tx) error {
		if len(sourcePaths) > 0 {
			if err := stageIDs(tx, sourcePaths); err != nil {
				return err
			}
			if _, err := tx.Exec(`DELETE FROM tasks WHERE project_id = ? AND source_path IN (SELECT id FROM staged_ids)`, projectID); err != nil {
				return fmt.Errorf("failed to clear tasks: %w", err)
			}
		}
		return insertTasks(tx, projectID, tasks)
	})
}

func insertTasks(tx *sql.Tx, projectID string, tasks []*Task) error {
	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO tasks (project_id, source_path, id, title, status, feature_hint, feature_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare task insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, t := range tasks {
		if _, err := stmt.Exec(projectID, t.SourcePath, t.ID, t.Title, t.Status, t.FeatureHint, t.FeatureID); err != nil {
			return fmt.Errorf("failed to insert task %s: %w", t.Key(), err)
		}
	}
	return nil
}

// ListTasks returns the project's tasks ordered by source path then ID.
func (s *Store) ListTasks(projectID string) ([]*Task, error) {
	rows, err := s.db.Query(`
		SELECT source_path, id, title, status, feature_hint, feature_id
		FROM tasks WHERE project_id = ?
		ORDER BY source_path, id
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*Task
	for rows.Next() {
		var t Task
		if err := rows.Scan(&t.SourcePath, &t.ID, &t.Title, &t.Status, &t.FeatureHint, &t.FeatureID); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, &t)
	}
	return tasks, rows.Err()
}

// SaveAnalytics writes task→feature ownership and feature rollups in one transaction.
// assignments maps Task.Key() to a feature ID ("" clears it). Features missing
// from rollups are reset to zero.
func (s *Store) SaveAnalytics(projectID string, assignments map[string]string, rollups map[string]Rollup) error {
	return s.db.WithTx(func(tx *sql.Tx) error {
		for key, featureID := range assignments {
			sourcePath, id, ok := strings.Cut(key, "#")
			if !ok {
				continue
			}
			if _, err := tx.Exec(`UPDATE tasks SET feature_id = ? WHERE project_id = ? AND source_path = ? AND id = ?`,
				featureID, projectID, sourcePath, id); err != nil {
				return fmt.Errorf("failed to assign task %s: %w", key, err)
			}
		}

		if _, err := tx.Exec(`UPDATE features SET tasks_total = 0, tasks_done = 0 WHERE project_id = ?`, projectID); err != nil {
			return fmt.Errorf("failed to reset rollups: %w", err)
		}
		for featureID, r := range rollups {
			if _, err := tx.Exec(`UPDATE features SET tasks_total = ?, tasks_done = ? WHERE project_id = ? AND id = ?`,
				r.Total, r.Done, projectID, featureID); err != nil {
				return fmt.Errorf("failed to update rollup for %s: %w", featureID, err)
			}
		}
		return nil
	})
}

// Sessions

// SaveSessions upserts sessions.
func (s *Store) SaveSessions(projectID string, sessions []*Session) error {
	return s.db.WithTx(func(tx *sql.Tx) error {
		return upsertSessions(tx, projectID, sessions)
	})
}

// ReplaceSessions upserts sessions and deletes sessions whose log file is gone.
func (s *Store) ReplaceSessions(projectID string, sessions []*Session) (int64, error) {
	var removed int64
	err := s.db.WithTx(func(tx *sql.Tx) error {
		if err := upsertSessions(tx, projectID, sessions); err != nil {
			return err
		}
		keep := make([]string, len(sessions))
		for i, sess := range sessions {
			keep[i] = sess.ID
		}
		if err := stageIDs(tx, keep); err != nil {
			return err
		}
		res, err := tx.Exec(`DELETE FROM sessions WHERE project_id = ? AND id NOT IN (SELECT id FROM staged_ids)`, projectID)
		if err != nil {
			return fmt.Errorf("failed to remove sessions: %w", err)
		}
		removed, _ = res.RowsAffected()
		return nil
	})
	return removed, err
}

// DeleteSessionsBySource removes sessions parsed from the given log files.
func (s *Store) DeleteSessionsBySource(projectID string, sourcePaths []string) (int64, error) {
	if len(sourcePaths) == 0 {
		return 0, nil
	}
	var removed int64
	err := s.db.WithTx(func(tx *sql.Tx) error {
		if err := stageIDs(tx, sourcePaths); err != nil {
			return err
		}
		res, err := tx.Exec(`DELETE FROM sessions WHERE project_id = ? AND source_path IN (SELECT id FROM staged_ids)`, projectID)
		if err != nil {
			return fmt.Errorf("failed to delete sessions: %w", err)
		}
		removed, _ = res.RowsAffected()
		return nil
	})
	return removed, err
}

func upsertSessions(tx *sql.Tx, projectID string, sessions []*Session) error {
	stmt, err := tx.Prepare(`
		INSERT INTO sessions (project_id, id, source_path, commands, file_updates, started_at, ended_at, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id, id) DO UPDATE SET
			source_path = excluded.source_path,
			commands = excluded.commands,
			file_updates = excluded.file_updates,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at,
			hash = excluded.hash
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare session upsert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, sess := range sessions {
		commands, err := storage.EncodeJSON(nonNilCommands(sess.Commands))
		if err != nil {
			return fmt.Errorf("failed to encode commands of %s: %w", sess.ID, err)
		}
		updates, err := storage.EncodeJSON(nonNilUpdates(sess.FileUpdates))
		if err != nil {
			return fmt.Errorf("failed to encode file updates of %s: %w", sess.ID, err)
		}
		_, err = stmt.Exec(projectID, sess.ID, sess.SourcePath, commands, updates,
			storage.NullTime(sess.StartedAt), storage.NullTime(sess.EndedAt), sess.Hash)
		if err != nil {
			return fmt.Errorf("failed to upsert session %s: %w", sess.ID, err)
		}
	}
	return nil
}

// ListSessions returns the project's sessions ordered by ID.
func (s *Store) ListSessions(projectID string) ([]*Session, error) {
	rows, err := s.db.Query(`
		SELECT id, source_path, commands, file_updates, started_at, ended_at, hash
		FROM sessions WHERE project_id = ?
		ORDER BY id
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*Session
	for rows.Next() {
		var sess Session
		var commands, updates string
		var startedAt, endedAt sql.NullString
		if err := rows.Scan(&sess.ID, &sess.SourcePath, &commands, &updates, &startedAt, &endedAt, &sess.Hash); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		_ = json.Unmarshal([]byte(commands), &sess.Commands)
		_ = json.Unmarshal([]byte(updates), &sess.FileUpdates)
		sess.StartedAt = storage.TimePtr(startedAt)
		sess.EndedAt = storage.TimePtr(endedAt)
		sessions = append(sessions, &sess)
	}
	return sessions, rows.Err()
}

// helpers

func (s *Store) stamp() string {
	return storage.FormatTime(s.now())
}

func tombstoneExcept(tx *sql.Tx, table, projectID string, keep []string, stamp string) (int64, error) {
	if err := stageIDs(tx, keep); err != nil {
		return 0, err
	}
	query := fmt.Sprintf(`UPDATE %s SET tombstoned = 1, updated_at = ?
		WHERE project_id = ? AND tombstoned = 0 AND id NOT IN (SELECT id FROM staged_ids)`, table)
	res, err := tx.Exec(query, stamp, projectID)
	if err != nil {
		return 0, fmt.Errorf("failed to tombstone %s: %w", table, err)
	}
	return res.RowsAffected()
}

// stageIDs loads ids into the connection's staged_ids temp table, replacing
// its previous contents. Set queries join against it instead of binding one
// variable per id, which SQLite caps per statement.
func stageIDs(tx *sql.Tx, ids []string) error {
	if _, err := tx.Exec(`CREATE TEMP TABLE IF NOT EXISTS staged_ids (id TEXT PRIMARY KEY)`); err != nil {
		return fmt.Errorf("failed to create staged_ids: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM staged_ids`); err != nil {
		return fmt.Errorf("failed to clear staged_ids: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}
	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO staged_ids (id) VALUES (?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare staged_ids insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()
	for _, id := range ids {
		if _, err := stmt.Exec(id); err != nil {
			return fmt.Errorf("failed to stage id %s: %w", id, err)
		}
	}
	return nil
}

func nonNilCommands(c []Command) []Command {
	if c == nil {
		return []Command{}
	}
	return c
}

func nonNilUpdates(u []FileUpdate) []FileUpdate {
	if u == nil {
		return []FileUpdate{}
	}
	return u
}
