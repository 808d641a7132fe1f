package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

const currentSchemaVersion = 1

// initializeSchema creates all tables for a new database
func (db *DB) initializeSchema() error {
	return db.WithTx(func(tx *sql.Tx) error {
		steps := []func(*sql.Tx) error{
			createSchemaVersionTable,
			createDocumentsTable,
			createFeaturesTable,
			createTasksTable,
			createSessionsTable,
			createEntityLinksTable,
			createSyncOperationsTable,
		}
		for _, step := range steps {
			if err := step(tx); err != nil {
				return err
			}
		}

		if err := setSchemaVersion(tx, currentSchemaVersion); err != nil {
			return err
		}

		db.logger.Info("Database schema initialized", "version", currentSchemaVersion)
		return nil
	})
}

// runMigrations brings an existing database up to currentSchemaVersion.
func (db *DB) runMigrations() error {
	version, err := db.getSchemaVersion()
	if err != nil {
		return err
	}

	switch {
	case version == currentSchemaVersion:
		db.logger.Debug("Database schema is up to date", "version", version)
		return nil
	case version == 0:
		// File exists but was never initialized (e.g. an interrupted first open).
		return db.initializeSchema()
	case version > currentSchemaVersion:
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, currentSchemaVersion)
	}

	db.logger.Info("Running database migrations", "from_version", version, "to_version", currentSchemaVersion)
	return nil
}

// SchemaVersion reports the version recorded in the database.
func (db *DB) SchemaVersion() (int, error) {
	return db.getSchemaVersion()
}

func (db *DB) getSchemaVersion() (int, error) {
	var tableName string
	err := db.QueryRow(`
		SELECT name FROM sqlite_master
		WHERE type='table' AND name='schema_version'
	`).Scan(&tableName)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	var version int
	err = db.QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return version, nil
}

func setSchemaVersion(tx *sql.Tx, version int) error {
	if _, err := tx.Exec("DELETE FROM schema_version"); err != nil {
		return err
	}
	_, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version)
	return err
}

func createSchemaVersionTable(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`)
	return err
}

// createDocumentsTable creates the documents table.
// Removed files are tombstoned, never deleted, so link history stays consistent.
func createDocumentsTable(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS documents (
			project_id TEXT NOT NULL,
			id TEXT NOT NULL,
			root_kind TEXT NOT NULL CHECK(root_kind IN ('plan', 'progress', 'other')),
			subtype TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			related_refs TEXT NOT NULL DEFAULT '[]',
			linked_features TEXT NOT NULL DEFAULT '[]',
			linked_sessions TEXT NOT NULL DEFAULT '[]',
			prd_ref TEXT NOT NULL DEFAULT '',
			feature_ref TEXT NOT NULL DEFAULT '',
			body TEXT NOT NULL DEFAULT '',
			extra_json TEXT NOT NULL DEFAULT '{}',
			hash TEXT NOT NULL DEFAULT '',
			last_commit_at TEXT,
			tombstoned INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL,

			PRIMARY KEY (project_id, id)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create documents table: %w", err)
	}
	return createIndexes(tx,
		"CREATE INDEX IF NOT EXISTS idx_documents_root_kind ON documents(project_id, root_kind)",
		"CREATE INDEX IF NOT EXISTS idx_documents_tombstoned ON documents(project_id, tombstoned)",
	)
}

func createFeaturesTable(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS features (
			project_id TEXT NOT NULL,
			id TEXT NOT NULL,
			name TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT '',
			plan_path TEXT NOT NULL DEFAULT '',
			plan_refs TEXT NOT NULL DEFAULT '[]',
			tasks_total INTEGER NOT NULL DEFAULT 0,
			tasks_done INTEGER NOT NULL DEFAULT 0,
			tombstoned INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL,

			PRIMARY KEY (project_id, id)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create features table: %w", err)
	}
	return createIndexes(tx,
		"CREATE INDEX IF NOT EXISTS idx_features_plan_path ON features(project_id, plan_path)",
	)
}

// createTasksTable creates the tasks table. A task belongs to exactly one source document.
func createTasksTable(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			project_id TEXT NOT NULL,
			source_path TEXT NOT NULL,
			id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT '',
			feature_hint TEXT NOT NULL DEFAULT '',
			feature_id TEXT NOT NULL DEFAULT '',

			PRIMARY KEY (project_id, source_path, id)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create tasks table: %w", err)
	}
	return createIndexes(tx,
		"CREATE INDEX IF NOT EXISTS idx_tasks_feature_id ON tasks(project_id, feature_id)",
	)
}

func createSessionsTable(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			project_id TEXT NOT NULL,
			id TEXT NOT NULL,
			source_path TEXT NOT NULL,
			commands TEXT NOT NULL DEFAULT '[]',
			file_updates TEXT NOT NULL DEFAULT '[]',
			started_at TEXT,
			ended_at TEXT,
			hash TEXT NOT NULL DEFAULT '',

			PRIMARY KEY (project_id, id)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create sessions table: %w", err)
	}
	return createIndexes(tx,
		"CREATE INDEX IF NOT EXISTS idx_sessions_source_path ON sessions(project_id, source_path)",
	)
}

// createEntityLinksTable creates the derived link graph keyed by its natural key.
func createEntityLinksTable(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS entity_links (
			project_id TEXT NOT NULL,
			source_kind TEXT NOT NULL,
			source_id TEXT NOT NULL,
			target_kind TEXT NOT NULL,
			target_id TEXT NOT NULL,
			link_kind TEXT NOT NULL,
			confidence REAL NOT NULL CHECK(confidence >= 0.0 AND confidence <= 1.0),
			signal_type TEXT NOT NULL,
			is_primary INTEGER NOT NULL DEFAULT 0,
			evidence TEXT NOT NULL DEFAULT '',
			demoted INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			last_seen_operation_id TEXT NOT NULL,

			PRIMARY KEY (project_id, source_kind, source_id, target_kind, target_id, link_kind)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create entity_links table: %w", err)
	}
	return createIndexes(tx,
		"CREATE INDEX IF NOT EXISTS idx_entity_links_source ON entity_links(project_id, source_id)",
		"CREATE INDEX IF NOT EXISTS idx_entity_links_target ON entity_links(project_id, target_kind, target_id)",
		"CREATE INDEX IF NOT EXISTS idx_entity_links_last_seen ON entity_links(project_id, last_seen_operation_id)",
	)
}

func createSyncOperationsTable(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS sync_operations (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			kind TEXT NOT NULL CHECK(kind IN ('full_sync', 'rebuild_links', 'sync_changed_files')),
			status TEXT NOT NULL CHECK(status IN ('queued', 'running', 'completed', 'failed')),
			phase TEXT NOT NULL DEFAULT '',
			counters TEXT NOT NULL DEFAULT '{}',
			scope TEXT NOT NULL DEFAULT '[]',
			error TEXT,
			created_at TEXT NOT NULL,
			started_at TEXT,
			updated_at TEXT NOT NULL,
			finished_at TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create sync_operations table: %w", err)
	}
	return createIndexes(tx,
		"CREATE INDEX IF NOT EXISTS idx_sync_operations_project_status ON sync_operations(project_id, status)",
		"CREATE INDEX IF NOT EXISTS idx_sync_operations_created_at ON sync_operations(created_at DESC)",
	)
}

func createIndexes(tx *sql.Tx, statements ...string) error {
	for _, stmt := range statements {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}
