package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/gottino/remarkable-sync/internal/models"
)

// PageSyncRecordRepository handles the page-level ledger
type PageSyncRecordRepository struct {
	db *sql.DB
}

// NewPageSyncRecordRepository creates a new PageSyncRecordRepository
func NewPageSyncRecordRepository(db *sql.DB) *PageSyncRecordRepository {
	return &PageSyncRecordRepository{db: db}
}

const pageSyncColumns = `notebook_uuid, page_number, content_hash, target_name, target_page_id,
	target_block_id, status, error_message, retry_count, created_at, updated_at, synced_at`

// Get retrieves the record for one (notebook, page, target)
func (r *PageSyncRecordRepository) Get(ctx context.Context, notebookUUID string, pageNumber int, targetName string) (*models.PageSyncRecord, error) {
	query := `SELECT ` + pageSyncColumns + `
		FROM page_sync_records
		WHERE notebook_uuid = $1 AND page_number = $2 AND target_name = $3`

	record, err := scanPageSyncRecord(r.db.QueryRowContext(ctx, query, notebookUUID, pageNumber, targetName))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return record, nil
}

// ListForNotebook returns all page records for a notebook and target,
// ordered by page number
func (r *PageSyncRecordRepository) ListForNotebook(ctx context.Context, notebookUUID, targetName string) ([]*models.PageSyncRecord, error) {
	query := `SELECT ` + pageSyncColumns + `
		FROM page_sync_records
		WHERE notebook_uuid = $1 AND target_name = $2
		ORDER BY page_number ASC`

	rows, err := r.db.QueryContext(ctx, query, notebookUUID, targetName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*models.PageSyncRecord
	for rows.Next() {
		record, err := scanPageSyncRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// ListByStatus returns page records in the given status, oldest update first
func (r *PageSyncRecordRepository) ListByStatus(ctx context.Context, status models.SyncStatus, limit int) ([]*models.PageSyncRecord, error) {
	query := `SELECT ` + pageSyncColumns + `
		FROM page_sync_records
		WHERE status = $1
		ORDER BY updated_at ASC
		LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*models.PageSyncRecord
	for rows.Next() {
		record, err := scanPageSyncRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// Upsert inserts or replaces the page record. The target-assigned page and
// block ids are kept when the new record does not carry them, so incremental
// updates can still locate the remote blocks. The retry count carries over
// while the content hash is unchanged and resets when a new page version
// arrives.
func (r *PageSyncRecordRepository) Upsert(ctx context.Context, record *models.PageSyncRecord) error {
	now := time.Now().UTC()
	var syncedAt *time.Time
	if record.Status == models.StatusSuccess {
		syncedAt = &now
		record.SyncedAt = &now
	}

	query := `INSERT INTO page_sync_records (notebook_uuid, page_number, content_hash, target_name,
			target_page_id, target_block_id, status, error_message, retry_count, created_at, updated_at, synced_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, $9, $10)
		ON CONFLICT (notebook_uuid, page_number, target_name) DO UPDATE SET
			content_hash = EXCLUDED.content_hash,
			target_page_id = CASE WHEN EXCLUDED.target_page_id = '' THEN page_sync_records.target_page_id ELSE EXCLUDED.target_page_id END,
			target_block_id = CASE WHEN EXCLUDED.target_block_id = '' THEN page_sync_records.target_block_id ELSE EXCLUDED.target_block_id END,
			status = EXCLUDED.status,
			error_message = EXCLUDED.error_message,
			retry_count = CASE WHEN EXCLUDED.content_hash = page_sync_records.content_hash THEN page_sync_records.retry_count ELSE 0 END,
			updated_at = EXCLUDED.updated_at,
			synced_at = COALESCE(EXCLUDED.synced_at, page_sync_records.synced_at)`

	_, err := r.db.ExecContext(ctx, query,
		record.NotebookUUID,
		record.PageNumber,
		record.ContentHash,
		record.TargetName,
		record.TargetPageID,
		record.TargetBlockID,
		record.Status,
		record.ErrorMessage,
		now,
		syncedAt,
	)
	return err
}

// UpdateStatus partially updates an existing page record
func (r *PageSyncRecordRepository) UpdateStatus(ctx context.Context, notebookUUID string, pageNumber int, targetName string, status models.SyncStatus, errorMessage string) error {
	now := time.Now().UTC()
	var syncedAt *time.Time
	if status == models.StatusSuccess {
		syncedAt = &now
	}

	query := `UPDATE page_sync_records SET
			status = $1,
			error_message = $2,
			updated_at = $3,
			synced_at = COALESCE($4, synced_at)
		WHERE notebook_uuid = $5 AND page_number = $6 AND target_name = $7`

	result, err := r.db.ExecContext(ctx, query, status, errorMessage, now, syncedAt, notebookUUID, pageNumber, targetName)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return models.ErrRecordNotFound
	}
	return nil
}

// IncrementRetry bumps the retry counter and moves the record to the given
// status in one statement
func (r *PageSyncRecordRepository) IncrementRetry(ctx context.Context, notebookUUID string, pageNumber int, targetName string, status models.SyncStatus, errorMessage string) error {
	query := `UPDATE page_sync_records SET
			retry_count = retry_count + 1,
			status = $1,
			error_message = $2,
			updated_at = $3
		WHERE notebook_uuid = $4 AND page_number = $5 AND target_name = $6`

	result, err := r.db.ExecContext(ctx, query, status, errorMessage, time.Now().UTC(), notebookUUID, pageNumber, targetName)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return models.ErrRecordNotFound
	}
	return nil
}

func scanPageSyncRecord(row rowScanner) (*models.PageSyncRecord, error) {
	var record models.PageSyncRecord
	var syncedAt sql.NullTime

	err := row.Scan(
		&record.NotebookUUID,
		&record.PageNumber,
		&record.ContentHash,
		&record.TargetName,
		&record.TargetPageID,
		&record.TargetBlockID,
		&record.Status,
		&record.ErrorMessage,
		&record.RetryCount,
		&record.CreatedAt,
		&record.UpdatedAt,
		&syncedAt,
	)
	if err != nil {
		return nil, err
	}

	if syncedAt.Valid {
		record.SyncedAt = &syncedAt.Time
	}
	return &record, nil
}
