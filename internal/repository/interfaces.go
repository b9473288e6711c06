package repository

import (
	"context"
	"time"

	"github.com/gottino/remarkable-sync/internal/models"
)

// SyncRecordRepo is the sync ledger. It exclusively owns sync_records rows;
// target adapters never write it directly.
type SyncRecordRepo interface {
	FindExisting(ctx context.Context, contentHash string) ([]*models.SyncRecord, error)
	Get(ctx context.Context, contentHash, targetName string) (*models.SyncRecord, error)
	GetLatestForItem(ctx context.Context, itemID, targetName string) (*models.SyncRecord, error)
	IsDuplicate(ctx context.Context, contentHash, targetName string) (string, error)
	Upsert(ctx context.Context, record *models.SyncRecord) error
	UpdateStatus(ctx context.Context, contentHash, targetName string, status models.SyncStatus, errorMessage, externalID string) error
	IncrementRetry(ctx context.Context, contentHash, targetName string, status models.SyncStatus, errorMessage string) error
	ListByStatus(ctx context.Context, status models.SyncStatus, limit int) ([]*models.SyncRecord, error)
	ListStuck(ctx context.Context, olderThan time.Time) ([]*models.SyncRecord, error)
	Stats(ctx context.Context, targetName string) (*models.SyncStats, error)
}

// PageSyncRecordRepo mirrors the ledger at notebook-page granularity
type PageSyncRecordRepo interface {
	Get(ctx context.Context, notebookUUID string, pageNumber int, targetName string) (*models.PageSyncRecord, error)
	ListForNotebook(ctx context.Context, notebookUUID, targetName string) ([]*models.PageSyncRecord, error)
	Upsert(ctx context.Context, record *models.PageSyncRecord) error
	UpdateStatus(ctx context.Context, notebookUUID string, pageNumber int, targetName string, status models.SyncStatus, errorMessage string) error
	IncrementRetry(ctx context.Context, notebookUUID string, pageNumber int, targetName string, status models.SyncStatus, errorMessage string) error
	ListByStatus(ctx context.Context, status models.SyncStatus, limit int) ([]*models.PageSyncRecord, error)
}

// ChangelogRepo is the append-only upstream mutation log
type ChangelogRepo interface {
	Append(ctx context.Context, entry *models.ChangelogEntry) error
	PendingBatch(ctx context.Context, limit int) ([]*models.ChangelogEntry, error)
	PendingCount(ctx context.Context) (int, error)
	MarkProcessed(ctx context.Context, id int64, status, note string) error
}

// ContentRepo reads the extracted content the engine synchronizes
type ContentRepo interface {
	GetNotebook(ctx context.Context, uuid string) (*models.Notebook, error)
	ListNotebooks(ctx context.Context, limit int) ([]*models.Notebook, error)
	GetPages(ctx context.Context, notebookUUID string) ([]*models.NotebookPage, error)
	GetPage(ctx context.Context, notebookUUID string, pageNumber int) (*models.NotebookPage, error)
	GetTodo(ctx context.Context, id string) (*models.Todo, error)
	ListOpenTodos(ctx context.Context, limit int) ([]*models.Todo, error)
	GetHighlight(ctx context.Context, id string) (*models.Highlight, error)
	ListHighlights(ctx context.Context, limit int) ([]*models.Highlight, error)
}
