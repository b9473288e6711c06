package repository

import (
	"database/sql"

	_ "github.com/lib/pq"
)

// NewPostgresDB creates and initializes a PostgreSQL database connection
func NewPostgresDB(connStr string) (*sql.DB, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	// Create tables
	if err := createPostgresTables(db); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func createPostgresTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sync_records (
		content_hash TEXT NOT NULL,
		target_name TEXT NOT NULL,
		external_id TEXT NOT NULL DEFAULT '',
		item_type TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		item_id TEXT NOT NULL DEFAULT '',
		metadata_json TEXT NOT NULL DEFAULT '{}',
		error_message TEXT NOT NULL DEFAULT '',
		retry_count INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
		synced_at TIMESTAMP,
		PRIMARY KEY (content_hash, target_name)
	);

	CREATE INDEX IF NOT EXISTS idx_sync_records_hash ON sync_records(content_hash);
	CREATE INDEX IF NOT EXISTS idx_sync_records_target ON sync_records(target_name);
	CREATE INDEX IF NOT EXISTS idx_sync_records_status ON sync_records(status);
	CREATE INDEX IF NOT EXISTS idx_sync_records_item_id ON sync_records(item_id);

	CREATE TABLE IF NOT EXISTS page_sync_records (
		notebook_uuid TEXT NOT NULL,
		page_number INTEGER NOT NULL,
		content_hash TEXT NOT NULL,
		target_name TEXT NOT NULL,
		target_page_id TEXT NOT NULL DEFAULT '',
		target_block_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		error_message TEXT NOT NULL DEFAULT '',
		retry_count INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
		synced_at TIMESTAMP,
		PRIMARY KEY (notebook_uuid, page_number, target_name)
	);

	CREATE INDEX IF NOT EXISTS idx_page_sync_notebook ON page_sync_records(notebook_uuid);
	CREATE INDEX IF NOT EXISTS idx_page_sync_status ON page_sync_records(status);

	CREATE TABLE IF NOT EXISTS sync_changelog (
		id BIGSERIAL PRIMARY KEY,
		source_table TEXT NOT NULL,
		source_id TEXT NOT NULL,
		operation TEXT NOT NULL,
		changed_fields_json TEXT NOT NULL DEFAULT '{}',
		changed_at TIMESTAMP NOT NULL DEFAULT NOW(),
		processed_at TIMESTAMP,
		process_status TEXT NOT NULL DEFAULT 'pending',
		process_note TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_changelog_status ON sync_changelog(process_status);
	CREATE INDEX IF NOT EXISTS idx_changelog_changed_at ON sync_changelog(changed_at);

	CREATE TABLE IF NOT EXISTS notebooks (
		uuid TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		page_count INTEGER NOT NULL DEFAULT 0,
		last_accessed TIMESTAMP,
		created_at TIMESTAMP NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_notebooks_updated ON notebooks(updated_at);

	CREATE TABLE IF NOT EXISTS notebook_pages (
		notebook_uuid TEXT NOT NULL REFERENCES notebooks(uuid) ON DELETE CASCADE,
		page_number INTEGER NOT NULL,
		text TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
		PRIMARY KEY (notebook_uuid, page_number)
	);

	CREATE TABLE IF NOT EXISTS todos (
		id TEXT PRIMARY KEY,
		text TEXT NOT NULL,
		completed BOOLEAN NOT NULL DEFAULT FALSE,
		due_date TIMESTAMP,
		notebook TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_todos_completed ON todos(completed);

	CREATE TABLE IF NOT EXISTS highlights (
		id TEXT PRIMARY KEY,
		text TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		author TEXT NOT NULL DEFAULT '',
		source_file TEXT NOT NULL DEFAULT '',
		page_number INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_highlights_updated ON highlights(updated_at);
	`

	_, err := db.Exec(schema)
	return err
}
