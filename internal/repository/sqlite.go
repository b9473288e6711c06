package repository

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
)

// NewSQLiteDB creates and initializes a SQLite database
func NewSQLiteDB(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	// Enable foreign keys and WAL so status reads don't block sync passes
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, err
	}

	// Create tables
	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func createTables(db *sql.DB) error {
	schema := `
	-- Sync ledger: at most one row per (content_hash, target_name)
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
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		synced_at DATETIME,
		PRIMARY KEY (content_hash, target_name)
	);

	CREATE INDEX IF NOT EXISTS idx_sync_records_hash ON sync_records(content_hash);
	CREATE INDEX IF NOT EXISTS idx_sync_records_target ON sync_records(target_name);
	CREATE INDEX IF NOT EXISTS idx_sync_records_status ON sync_records(status);
	CREATE INDEX IF NOT EXISTS idx_sync_records_item_id ON sync_records(item_id);

	-- Page-level ledger: staleness is tracked per page
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
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		synced_at DATETIME,
		PRIMARY KEY (notebook_uuid, page_number, target_name)
	);

	CREATE INDEX IF NOT EXISTS idx_page_sync_notebook ON page_sync_records(notebook_uuid);
	CREATE INDEX IF NOT EXISTS idx_page_sync_status ON page_sync_records(status);

	-- Append-only log of upstream mutations awaiting processing
	CREATE TABLE IF NOT EXISTS sync_changelog (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source_table TEXT NOT NULL,
		source_id TEXT NOT NULL,
		operation TEXT NOT NULL,
		changed_fields_json TEXT NOT NULL DEFAULT '{}',
		changed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		processed_at DATETIME,
		process_status TEXT NOT NULL DEFAULT 'pending',
		process_note TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_changelog_status ON sync_changelog(process_status);
	CREATE INDEX IF NOT EXISTS idx_changelog_changed_at ON sync_changelog(changed_at);

	-- Extracted content tables. The OCR/extraction layer writes these; the
	-- engine only reads them.
	CREATE TABLE IF NOT EXISTS notebooks (
		uuid TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		page_count INTEGER NOT NULL DEFAULT 0,
		last_accessed DATETIME,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_notebooks_updated ON notebooks(updated_at);

	CREATE TABLE IF NOT EXISTS notebook_pages (
		notebook_uuid TEXT NOT NULL REFERENCES notebooks(uuid) ON DELETE CASCADE,
		page_number INTEGER NOT NULL,
		text TEXT NOT NULL DEFAULT '',
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (notebook_uuid, page_number)
	);

	CREATE TABLE IF NOT EXISTS todos (
		id TEXT PRIMARY KEY,
		text TEXT NOT NULL,
		completed INTEGER NOT NULL DEFAULT 0,
		due_date DATETIME,
		notebook TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_todos_completed ON todos(completed);

	CREATE TABLE IF NOT EXISTS highlights (
		id TEXT PRIMARY KEY,
		text TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		author TEXT NOT NULL DEFAULT '',
		source_file TEXT NOT NULL DEFAULT '',
		page_number INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_highlights_updated ON highlights(updated_at);
	`

	_, err := db.Exec(schema)
	return err
}
