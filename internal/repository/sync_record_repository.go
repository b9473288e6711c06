package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/gottino/remarkable-sync/internal/models"
)

// SyncRecordRepository handles sync ledger persistence
type SyncRecordRepository struct {
	db *sql.DB
}

// NewSyncRecordRepository creates a new SyncRecordRepository
func NewSyncRecordRepository(db *sql.DB) *SyncRecordRepository {
	return &SyncRecordRepository{db: db}
}

const syncRecordColumns = `content_hash, target_name, external_id, item_type, status, item_id,
	metadata_json, error_message, retry_count, created_at, updated_at, synced_at`

// Get retrieves the ledger row for one (content_hash, target_name)
func (r *SyncRecordRepository) Get(ctx context.Context, contentHash, targetName string) (*models.SyncRecord, error) {
	query := `SELECT ` + syncRecordColumns + `
		FROM sync_records WHERE content_hash = $1 AND target_name = $2`

	record, err := scanSyncRecord(r.db.QueryRowContext(ctx, query, contentHash, targetName))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return record, nil
}

// GetLatestForItem retrieves the most recently updated ledger row for a
// local item id, regardless of hash. Used by change detection.
func (r *SyncRecordRepository) GetLatestForItem(ctx context.Context, itemID, targetName string) (*models.SyncRecord, error) {
	query := `SELECT ` + syncRecordColumns + `
		FROM sync_records
		WHERE item_id = $1 AND target_name = $2 AND status = $3
		ORDER BY updated_at DESC
		LIMIT 1`

	record, err := scanSyncRecord(r.db.QueryRowContext(ctx, query, itemID, targetName, models.StatusSuccess))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return record, nil
}

// FindExisting returns all ledger rows for a content hash across targets
func (r *SyncRecordRepository) FindExisting(ctx context.Context, contentHash string) ([]*models.SyncRecord, error) {
	query := `SELECT ` + syncRecordColumns + `
		FROM sync_records WHERE content_hash = $1 ORDER BY target_name`

	rows, err := r.db.QueryContext(ctx, query, contentHash)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectSyncRecords(rows)
}

// IsDuplicate returns the target-assigned external id when a Success row
// exists for this exact hash and target, "" otherwise
func (r *SyncRecordRepository) IsDuplicate(ctx context.Context, contentHash, targetName string) (string, error) {
	query := `SELECT external_id FROM sync_records
		WHERE content_hash = $1 AND target_name = $2 AND status = $3`

	var externalID string
	err := r.db.QueryRowContext(ctx, query, contentHash, targetName, models.StatusSuccess).Scan(&externalID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return externalID, nil
}

// Upsert inserts or replaces the ledger row for the record's hash and
// target. A conflicting row is the same content version, so the retry
// count carries over; a new version is a new hash and starts at zero.
func (r *SyncRecordRepository) Upsert(ctx context.Context, record *models.SyncRecord) error {
	metadata, err := marshalMetadata(record.Metadata)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	var syncedAt *time.Time
	if record.Status == models.StatusSuccess {
		syncedAt = &now
		record.SyncedAt = &now
	}

	query := `INSERT INTO sync_records (content_hash, target_name, external_id, item_type, status,
			item_id, metadata_json, error_message, retry_count, created_at, updated_at, synced_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, $9, $10)
		ON CONFLICT (content_hash, target_name) DO UPDATE SET
			external_id = EXCLUDED.external_id,
			item_type = EXCLUDED.item_type,
			status = EXCLUDED.status,
			item_id = EXCLUDED.item_id,
			metadata_json = EXCLUDED.metadata_json,
			error_message = EXCLUDED.error_message,
			retry_count = sync_records.retry_count,
			updated_at = EXCLUDED.updated_at,
			synced_at = EXCLUDED.synced_at`

	_, err = r.db.ExecContext(ctx, query,
		record.ContentHash,
		record.TargetName,
		record.ExternalID,
		record.ItemType,
		record.Status,
		record.ItemID,
		metadata,
		record.ErrorMessage,
		now,
		syncedAt,
	)
	return err
}

// UpdateStatus partially updates an existing row. An empty externalID keeps
// the stored one.
func (r *SyncRecordRepository) UpdateStatus(ctx context.Context, contentHash, targetName string, status models.SyncStatus, errorMessage, externalID string) error {
	now := time.Now().UTC()
	var syncedAt *time.Time
	if status == models.StatusSuccess {
		syncedAt = &now
	}

	query := `UPDATE sync_records SET
			status = $1,
			error_message = $2,
			external_id = CASE WHEN $3 = '' THEN external_id ELSE $3 END,
			updated_at = $4,
			synced_at = COALESCE($5, synced_at)
		WHERE content_hash = $6 AND target_name = $7`

	result, err := r.db.ExecContext(ctx, query, status, errorMessage, externalID, now, syncedAt, contentHash, targetName)
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

// IncrementRetry bumps the retry counter and records the latest error
func (r *SyncRecordRepository) IncrementRetry(ctx context.Context, contentHash, targetName string, status models.SyncStatus, errorMessage string) error {
	query := `UPDATE sync_records SET
			status = $1,
			error_message = $2,
			retry_count = retry_count + 1,
			updated_at = $3
		WHERE content_hash = $4 AND target_name = $5`

	result, err := r.db.ExecContext(ctx, query, status, errorMessage, time.Now().UTC(), contentHash, targetName)
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

// ListByStatus returns up to limit rows in the given status, oldest first
func (r *SyncRecordRepository) ListByStatus(ctx context.Context, status models.SyncStatus, limit int) ([]*models.SyncRecord, error) {
	query := `SELECT ` + syncRecordColumns + `
		FROM sync_records WHERE status = $1 ORDER BY updated_at ASC LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectSyncRecords(rows)
}

// ListStuck returns rows sitting in pending or in_progress since before
// olderThan. These are an operational signal, not retried automatically.
func (r *SyncRecordRepository) ListStuck(ctx context.Context, olderThan time.Time) ([]*models.SyncRecord, error) {
	query := `SELECT ` + syncRecordColumns + `
		FROM sync_records
		WHERE status IN ($1, $2) AND updated_at < $3
		ORDER BY updated_at ASC`

	rows, err := r.db.QueryContext(ctx, query, models.StatusPending, models.StatusInProgress, olderThan)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectSyncRecords(rows)
}

// Stats aggregates ledger counts. An empty targetName covers all targets.
func (r *SyncRecordRepository) Stats(ctx context.Context, targetName string) (*models.SyncStats, error) {
	stats := &models.SyncStats{
		StatusCounts: map[models.SyncStatus]int{},
		TypeCounts:   map[models.ItemType]int{},
		TargetCounts: map[string]int{},
	}

	query := `SELECT target_name, item_type, status, COUNT(*)
		FROM sync_records
		WHERE $1 = '' OR target_name = $1
		GROUP BY target_name, item_type, status`

	rows, err := r.db.QueryContext(ctx, query, targetName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var target string
		var itemType models.ItemType
		var status models.SyncStatus
		var count int
		if err := rows.Scan(&target, &itemType, &status, &count); err != nil {
			return nil, err
		}
		stats.TotalRecords += count
		stats.StatusCounts[status] += count
		stats.TypeCounts[itemType] += count
		stats.TargetCounts[target] += count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	recentQuery := `SELECT COUNT(*) FROM sync_records
		WHERE ($1 = '' OR target_name = $1) AND updated_at > $2`
	err = r.db.QueryRowContext(ctx, recentQuery, targetName, time.Now().UTC().Add(-24*time.Hour)).
		Scan(&stats.RecentActivity)
	if err != nil {
		return nil, err
	}

	return stats, nil
}

// rowScanner covers *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSyncRecord(row rowScanner) (*models.SyncRecord, error) {
	var record models.SyncRecord
	var metadataJSON string
	var syncedAt sql.NullTime

	err := row.Scan(
		&record.ContentHash,
		&record.TargetName,
		&record.ExternalID,
		&record.ItemType,
		&record.Status,
		&record.ItemID,
		&metadataJSON,
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
	record.Metadata, err = unmarshalMetadata(metadataJSON)
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func collectSyncRecords(rows *sql.Rows) ([]*models.SyncRecord, error) {
	var records []*models.SyncRecord
	for rows.Next() {
		record, err := scanSyncRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// Metadata is stored as a JSON blob; the core never branches on anything
// other than the named keys in models.
func marshalMetadata(metadata map[string]string) (string, error) {
	if len(metadata) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func unmarshalMetadata(raw string) (map[string]string, error) {
	metadata := map[string]string{}
	if raw == "" {
		return metadata, nil
	}
	if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
		return nil, err
	}
	return metadata, nil
}
