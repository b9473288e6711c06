package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/gottino/remarkable-sync/internal/models"
)

// ChangelogRepository handles the append-only upstream mutation log
type ChangelogRepository struct {
	db *sql.DB
}

// NewChangelogRepository creates a new ChangelogRepository
func NewChangelogRepository(db *sql.DB) *ChangelogRepository {
	return &ChangelogRepository{db: db}
}

// Append adds a pending entry to the changelog
func (r *ChangelogRepository) Append(ctx context.Context, entry *models.ChangelogEntry) error {
	changedFields := "{}"
	if len(entry.ChangedFields) > 0 {
		data, err := json.Marshal(entry.ChangedFields)
		if err != nil {
			return err
		}
		changedFields = string(data)
	}

	if entry.ChangedAt.IsZero() {
		entry.ChangedAt = time.Now().UTC()
	}

	query := `INSERT INTO sync_changelog (source_table, source_id, operation, changed_fields_json, changed_at, process_status)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := r.db.ExecContext(ctx, query,
		entry.SourceTable,
		entry.SourceID,
		entry.Operation,
		changedFields,
		entry.ChangedAt,
		models.ChangelogPending,
	)
	return err
}

// PendingBatch returns up to limit unprocessed entries, oldest first
func (r *ChangelogRepository) PendingBatch(ctx context.Context, limit int) ([]*models.ChangelogEntry, error) {
	query := `SELECT id, source_table, source_id, operation, changed_fields_json, changed_at, processed_at, process_status
		FROM sync_changelog
		WHERE process_status = $1
		ORDER BY changed_at ASC, id ASC
		LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, models.ChangelogPending, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.ChangelogEntry
	for rows.Next() {
		var entry models.ChangelogEntry
		var changedFields string
		var processedAt sql.NullTime

		err := rows.Scan(
			&entry.ID,
			&entry.SourceTable,
			&entry.SourceID,
			&entry.Operation,
			&changedFields,
			&entry.ChangedAt,
			&processedAt,
			&entry.ProcessStatus,
		)
		if err != nil {
			return nil, err
		}

		if processedAt.Valid {
			entry.ProcessedAt = &processedAt.Time
		}
		if changedFields != "" && changedFields != "{}" {
			if err := json.Unmarshal([]byte(changedFields), &entry.ChangedFields); err != nil {
				return nil, err
			}
		}
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

// PendingCount returns the number of unprocessed entries
func (r *ChangelogRepository) PendingCount(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_changelog WHERE process_status = $1`,
		models.ChangelogPending,
	).Scan(&count)
	return count, err
}

// MarkProcessed stamps an entry with its outcome. The note is a
// human-readable summary of what happened per target.
func (r *ChangelogRepository) MarkProcessed(ctx context.Context, id int64, status, note string) error {
	query := `UPDATE sync_changelog SET
			process_status = $1,
			process_note = $2,
			processed_at = $3
		WHERE id = $4`

	_, err := r.db.ExecContext(ctx, query, status, note, time.Now().UTC(), id)
	return err
}
