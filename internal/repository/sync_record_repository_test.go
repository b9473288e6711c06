package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gottino/remarkable-sync/internal/models"
)

func newTestDB(t *testing.T) *testDBEnv {
	t.Helper()
	db, err := NewSQLiteDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return &testDBEnv{
		db:        db,
		syncRepo:  NewSyncRecordRepository(db),
		pageRepo:  NewPageSyncRecordRepository(db),
		changelog: NewChangelogRepository(db),
	}
}

type testDBEnv struct {
	db        *sql.DB
	syncRepo  *SyncRecordRepository
	pageRepo  *PageSyncRecordRepository
	changelog *ChangelogRepository
}

func newRecord(t *testing.T, hash, target string, status models.SyncStatus) *models.SyncRecord {
	t.Helper()
	record, err := models.NewSyncRecord(hash, target, models.ItemTypeNotebook, "nb-1")
	require.NoError(t, err)
	record.Status = status
	return record
}

func TestSyncRecordRepository_GetMissingReturnsNil(t *testing.T) {
	env := newTestDB(t)

	record, err := env.syncRepo.Get(context.Background(), "nohash", "notion")
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestSyncRecordRepository_UpsertAndGet(t *testing.T) {
	env := newTestDB(t)
	ctx := context.Background()

	record := newRecord(t, "hash-1", "notion", models.StatusSuccess)
	record.ExternalID = "page-abc"
	record.Metadata = map[string]string{models.MetaKeySourceTable: "notebooks"}
	require.NoError(t, env.syncRepo.Upsert(ctx, record))

	got, err := env.syncRepo.Get(ctx, "hash-1", "notion")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "page-abc", got.ExternalID)
	assert.Equal(t, models.StatusSuccess, got.Status)
	assert.Equal(t, models.ItemTypeNotebook, got.ItemType)
	assert.Equal(t, "nb-1", got.ItemID)
	assert.Equal(t, "notebooks", got.Metadata[models.MetaKeySourceTable])
	assert.NotNil(t, got.SyncedAt)
	assert.Equal(t, 0, got.RetryCount)
}

func TestSyncRecordRepository_UpsertOnlyStampsSyncedAtOnSuccess(t *testing.T) {
	env := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, env.syncRepo.Upsert(ctx, newRecord(t, "hash-1", "notion", models.StatusPending)))

	got, err := env.syncRepo.Get(ctx, "hash-1", "notion")
	require.NoError(t, err)
	assert.Nil(t, got.SyncedAt)
}

func TestSyncRecordRepository_UpsertPreservesRetryCount(t *testing.T) {
	env := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, env.syncRepo.Upsert(ctx, newRecord(t, "hash-1", "notion", models.StatusPending)))
	require.NoError(t, env.syncRepo.IncrementRetry(ctx, "hash-1", "notion", models.StatusRetry, "rate limited"))
	require.NoError(t, env.syncRepo.IncrementRetry(ctx, "hash-1", "notion", models.StatusRetry, "rate limited"))

	// Re-dispatch of the same content version upserts a pending row; the
	// retry history must survive or the retry cap could never trip.
	require.NoError(t, env.syncRepo.Upsert(ctx, newRecord(t, "hash-1", "notion", models.StatusInProgress)))

	got, err := env.syncRepo.Get(ctx, "hash-1", "notion")
	require.NoError(t, err)
	assert.Equal(t, 2, got.RetryCount)
	assert.Equal(t, models.StatusInProgress, got.Status)
}

func TestSyncRecordRepository_UpdateStatus(t *testing.T) {
	env := newTestDB(t)
	ctx := context.Background()

	record := newRecord(t, "hash-1", "notion", models.StatusPending)
	require.NoError(t, env.syncRepo.Upsert(ctx, record))

	t.Run("success stamps synced_at and stores the external id", func(t *testing.T) {
		err := env.syncRepo.UpdateStatus(ctx, "hash-1", "notion", models.StatusSuccess, "", "ext-1")
		require.NoError(t, err)

		got, err := env.syncRepo.Get(ctx, "hash-1", "notion")
		require.NoError(t, err)
		assert.Equal(t, models.StatusSuccess, got.Status)
		assert.Equal(t, "ext-1", got.ExternalID)
		require.NotNil(t, got.SyncedAt)
	})

	t.Run("empty external id keeps the stored one", func(t *testing.T) {
		err := env.syncRepo.UpdateStatus(ctx, "hash-1", "notion", models.StatusFailed, "gone", "")
		require.NoError(t, err)

		got, err := env.syncRepo.Get(ctx, "hash-1", "notion")
		require.NoError(t, err)
		assert.Equal(t, models.StatusFailed, got.Status)
		assert.Equal(t, "gone", got.ErrorMessage)
		assert.Equal(t, "ext-1", got.ExternalID)
		// synced_at survives the failure; it records the last success
		assert.NotNil(t, got.SyncedAt)
	})

	t.Run("missing row reports not found", func(t *testing.T) {
		err := env.syncRepo.UpdateStatus(ctx, "nohash", "notion", models.StatusFailed, "", "")
		assert.ErrorIs(t, err, models.ErrRecordNotFound)
	})
}

func TestSyncRecordRepository_IsDuplicate(t *testing.T) {
	env := newTestDB(t)
	ctx := context.Background()

	success := newRecord(t, "hash-ok", "notion", models.StatusSuccess)
	success.ExternalID = "page-7"
	require.NoError(t, env.syncRepo.Upsert(ctx, success))
	require.NoError(t, env.syncRepo.Upsert(ctx, newRecord(t, "hash-failed", "notion", models.StatusFailed)))

	id, err := env.syncRepo.IsDuplicate(ctx, "hash-ok", "notion")
	require.NoError(t, err)
	assert.Equal(t, "page-7", id)

	// Only success rows count as duplicates
	id, err = env.syncRepo.IsDuplicate(ctx, "hash-failed", "notion")
	require.NoError(t, err)
	assert.Empty(t, id)

	// Same hash, different target
	id, err = env.syncRepo.IsDuplicate(ctx, "hash-ok", "readwise")
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestSyncRecordRepository_GetLatestForItem(t *testing.T) {
	env := newTestDB(t)
	ctx := context.Background()

	first := newRecord(t, "hash-v1", "notion", models.StatusSuccess)
	require.NoError(t, env.syncRepo.Upsert(ctx, first))

	// Failed rows for the same item never count as the last synced version
	failed := newRecord(t, "hash-v2", "notion", models.StatusFailed)
	require.NoError(t, env.syncRepo.Upsert(ctx, failed))

	got, err := env.syncRepo.GetLatestForItem(ctx, "nb-1", "notion")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "hash-v1", got.ContentHash)

	got, err = env.syncRepo.GetLatestForItem(ctx, "nb-unknown", "notion")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSyncRecordRepository_FindExisting(t *testing.T) {
	env := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, env.syncRepo.Upsert(ctx, newRecord(t, "shared-hash", "readwise", models.StatusSuccess)))
	require.NoError(t, env.syncRepo.Upsert(ctx, newRecord(t, "shared-hash", "notion", models.StatusFailed)))
	require.NoError(t, env.syncRepo.Upsert(ctx, newRecord(t, "other-hash", "notion", models.StatusSuccess)))

	records, err := env.syncRepo.FindExisting(ctx, "shared-hash")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "notion", records[0].TargetName)
	assert.Equal(t, "readwise", records[1].TargetName)
}

func TestSyncRecordRepository_ListByStatus(t *testing.T) {
	env := newTestDB(t)
	ctx := context.Background()

	for _, hash := range []string{"h1", "h2", "h3"} {
		require.NoError(t, env.syncRepo.Upsert(ctx, newRecord(t, hash, "notion", models.StatusPending)))
		require.NoError(t, env.syncRepo.IncrementRetry(ctx, hash, "notion", models.StatusRetry, "transient"))
	}
	require.NoError(t, env.syncRepo.Upsert(ctx, newRecord(t, "h4", "notion", models.StatusSuccess)))

	records, err := env.syncRepo.ListByStatus(ctx, models.StatusRetry, 2)
	require.NoError(t, err)
	assert.Len(t, records, 2)
	for _, r := range records {
		assert.Equal(t, models.StatusRetry, r.Status)
		assert.Equal(t, 1, r.RetryCount)
	}
}

func TestSyncRecordRepository_ListStuck(t *testing.T) {
	env := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, env.syncRepo.Upsert(ctx, newRecord(t, "h-stale", "notion", models.StatusInProgress)))
	require.NoError(t, env.syncRepo.Upsert(ctx, newRecord(t, "h-pending", "notion", models.StatusPending)))
	require.NoError(t, env.syncRepo.Upsert(ctx, newRecord(t, "h-done", "notion", models.StatusSuccess)))

	stuck, err := env.syncRepo.ListStuck(ctx, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, stuck, 2)
	for _, r := range stuck {
		assert.NotEqual(t, models.StatusSuccess, r.Status)
	}

	stuck, err = env.syncRepo.ListStuck(ctx, time.Now().UTC().Add(-time.Minute))
	require.NoError(t, err)
	assert.Empty(t, stuck)
}

func TestSyncRecordRepository_Stats(t *testing.T) {
	env := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, env.syncRepo.Upsert(ctx, newRecord(t, "h1", "notion", models.StatusSuccess)))
	require.NoError(t, env.syncRepo.Upsert(ctx, newRecord(t, "h2", "notion", models.StatusFailed)))
	highlight := newRecord(t, "h3", "readwise", models.StatusSuccess)
	highlight.ItemType = models.ItemTypeHighlight
	require.NoError(t, env.syncRepo.Upsert(ctx, highlight))

	t.Run("all targets", func(t *testing.T) {
		stats, err := env.syncRepo.Stats(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, 3, stats.TotalRecords)
		assert.Equal(t, 2, stats.StatusCounts[models.StatusSuccess])
		assert.Equal(t, 1, stats.StatusCounts[models.StatusFailed])
		assert.Equal(t, 2, stats.TypeCounts[models.ItemTypeNotebook])
		assert.Equal(t, 1, stats.TypeCounts[models.ItemTypeHighlight])
		assert.Equal(t, 2, stats.TargetCounts["notion"])
		assert.Equal(t, 1, stats.TargetCounts["readwise"])
		assert.Equal(t, 3, stats.RecentActivity)
	})

	t.Run("single target", func(t *testing.T) {
		stats, err := env.syncRepo.Stats(ctx, "readwise")
		require.NoError(t, err)
		assert.Equal(t, 1, stats.TotalRecords)
		assert.Equal(t, 1, stats.TargetCounts["readwise"])
		assert.Empty(t, stats.TargetCounts["notion"])
	})
}
