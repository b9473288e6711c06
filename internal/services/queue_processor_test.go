package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gottino/remarkable-sync/internal/models"
	"github.com/gottino/remarkable-sync/internal/targets"
)

func newTestProcessor(env *testEnv, config ProcessorConfig) *QueueProcessor {
	if config.Interval == 0 {
		config.Interval = time.Hour // tests drive cycles explicitly
	}
	return NewQueueProcessor(env.manager, env.pageManager, env.changelogRepo, env.syncRepo, env.pageRepo, env.contentRepo, config)
}

func appendChange(t *testing.T, env *testEnv, table, sourceID, op string) {
	t.Helper()
	require.NoError(t, env.changelogRepo.Append(context.Background(), models.NewChangelogEntry(table, sourceID, op)))
}

func pendingCount(t *testing.T, env *testEnv) int {
	t.Helper()
	count, err := env.changelogRepo.PendingCount(context.Background())
	require.NoError(t, err)
	return count
}

func TestQueueProcessor_DrainChangelog(t *testing.T) {
	ctx := context.Background()

	t.Run("todo entries sync and are marked processed", func(t *testing.T) {
		env := newTestEnv(t)
		target := newMockTarget("notion", allCaps())
		env.manager.RegisterTarget(ctx, target)
		processor := newTestProcessor(env, DefaultProcessorConfig())

		env.insertTodo(t, "todo-1", "pack bags", false)
		appendChange(t, env, models.TableTodos, "todo-1", models.OpInsert)

		require.NoError(t, processor.ProcessOnce(ctx))

		assert.Equal(t, 0, pendingCount(t, env))
		assert.Equal(t, 1, target.callCount())
		assert.Equal(t, models.ItemTypeTodo, target.lastCall().ItemType)
	})

	t.Run("completed todo entries are processed without syncing", func(t *testing.T) {
		env := newTestEnv(t)
		target := newMockTarget("notion", allCaps())
		env.manager.RegisterTarget(ctx, target)
		processor := newTestProcessor(env, DefaultProcessorConfig())

		env.insertTodo(t, "todo-1", "already done", true)
		appendChange(t, env, models.TableTodos, "todo-1", models.OpUpdate)

		require.NoError(t, processor.ProcessOnce(ctx))

		assert.Equal(t, 0, pendingCount(t, env))
		assert.Equal(t, 0, target.callCount())
	})

	t.Run("page entries for one notebook are coalesced into one plan", func(t *testing.T) {
		env := newTestEnv(t)
		target := newMockTarget("notion", allCaps())
		env.manager.RegisterTarget(ctx, target)
		processor := newTestProcessor(env, DefaultProcessorConfig())

		env.insertNotebook(t, "nb-1", "Trip Notes", 3)
		env.insertPage(t, "nb-1", 1, "one")
		env.insertPage(t, "nb-1", 2, "two")
		env.insertPage(t, "nb-1", 3, "three")

		appendChange(t, env, models.TableNotebookPages, "nb-1:p1", models.OpUpdate)
		appendChange(t, env, models.TableNotebookPages, "nb-1:p2", models.OpUpdate)
		appendChange(t, env, models.TableNotebooks, "nb-1", models.OpUpdate)

		require.NoError(t, processor.ProcessOnce(ctx))

		assert.Equal(t, 0, pendingCount(t, env))
		// New notebook: one metadata item plus one batch covering all pages
		assert.Equal(t, 2, target.callCount())
	})

	t.Run("new notebook batches append to the page created for the metadata item", func(t *testing.T) {
		env := newTestEnv(t)
		target := newMockTarget("notion", allCaps())
		env.manager.RegisterTarget(ctx, target)
		processor := newTestProcessor(env, DefaultProcessorConfig())

		env.insertNotebook(t, "nb-1", "Trip Notes", 3)
		env.insertPage(t, "nb-1", 1, "one")
		env.insertPage(t, "nb-1", 2, "two")
		env.insertPage(t, "nb-1", 3, "three")
		appendChange(t, env, models.TableNotebooks, "nb-1", models.OpInsert)

		require.NoError(t, processor.ProcessOnce(ctx))
		require.Equal(t, 2, target.callCount())

		// The batch lands on the page the target created, not a new one
		batch := target.lastCall()
		assert.Equal(t, "ext-nb-1", batch.PayloadString("target_page_id"))
	})

	t.Run("due dated todos settle after a successful sync", func(t *testing.T) {
		env := newTestEnv(t)
		target := newMockTarget("notion", allCaps())
		env.manager.RegisterTarget(ctx, target)
		processor := newTestProcessor(env, DefaultProcessorConfig())

		due := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
		_, err := env.db.Exec(
			`INSERT INTO todos (id, text, completed, due_date, notebook, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $6)`,
			"todo-1", "pack bags", false, due, "Travel", time.Now().UTC(),
		)
		require.NoError(t, err)
		appendChange(t, env, models.TableTodos, "todo-1", models.OpInsert)

		require.NoError(t, processor.ProcessOnce(ctx))
		require.Equal(t, 1, target.callCount())

		detection, err := env.detector.DetectTodo(ctx, "todo-1", "notion")
		require.NoError(t, err)
		assert.False(t, detection.NeedsSync)
	})

	t.Run("unparseable page ids are failed, not retried forever", func(t *testing.T) {
		env := newTestEnv(t)
		env.manager.RegisterTarget(ctx, newMockTarget("notion", allCaps()))
		processor := newTestProcessor(env, DefaultProcessorConfig())

		appendChange(t, env, models.TableNotebookPages, "garbage", models.OpUpdate)

		require.NoError(t, processor.ProcessOnce(ctx))
		assert.Equal(t, 0, pendingCount(t, env))
	})

	t.Run("deleted source rows complete the entry", func(t *testing.T) {
		env := newTestEnv(t)
		target := newMockTarget("notion", allCaps())
		env.manager.RegisterTarget(ctx, target)
		processor := newTestProcessor(env, DefaultProcessorConfig())

		appendChange(t, env, models.TableTodos, "gone", models.OpUpdate)

		require.NoError(t, processor.ProcessOnce(ctx))
		assert.Equal(t, 0, pendingCount(t, env))
		assert.Equal(t, 0, target.callCount())
	})
}

func TestQueueProcessor_RetryPass(t *testing.T) {
	ctx := context.Background()

	t.Run("transient failures retry until exhausted then fail with the last error", func(t *testing.T) {
		env := newTestEnv(t)
		target := newMockTarget("notion", allCaps())
		target.syncFunc = func(item *models.SyncItem) (models.SyncResult, error) {
			return models.SyncResult{}, targets.Transient(errors.New("service unavailable"))
		}
		env.manager.RegisterTarget(ctx, target)

		config := DefaultProcessorConfig()
		config.MaxRetries = 2
		config.BaseRetryDelay = time.Millisecond
		processor := newTestProcessor(env, config)

		env.insertTodo(t, "todo-1", "pack bags", false)
		appendChange(t, env, models.TableTodos, "todo-1", models.OpInsert)

		// First attempt fails transiently during the drain
		require.NoError(t, processor.ProcessOnce(ctx))
		hash := env.fingerprints.ForTodo("pack bags", nil, "")

		record, err := env.syncRepo.Get(ctx, hash, "notion")
		require.NoError(t, err)
		require.NotNil(t, record)
		assert.Equal(t, models.StatusRetry, record.Status)
		assert.Equal(t, 1, record.RetryCount)

		// Second attempt via the retry pass
		time.Sleep(5 * time.Millisecond)
		require.NoError(t, processor.ProcessOnce(ctx))
		record, err = env.syncRepo.Get(ctx, hash, "notion")
		require.NoError(t, err)
		assert.Equal(t, models.StatusRetry, record.Status)
		assert.Equal(t, 2, record.RetryCount)

		// Retries exhausted: the row fails and keeps the last error
		time.Sleep(5 * time.Millisecond)
		require.NoError(t, processor.ProcessOnce(ctx))
		record, err = env.syncRepo.Get(ctx, hash, "notion")
		require.NoError(t, err)
		assert.Equal(t, models.StatusFailed, record.Status)
		assert.Contains(t, record.ErrorMessage, "service unavailable")
	})

	t.Run("recovered target clears the retry on the next pass", func(t *testing.T) {
		env := newTestEnv(t)
		target := newMockTarget("notion", allCaps())
		fail := true
		target.syncFunc = func(item *models.SyncItem) (models.SyncResult, error) {
			if fail {
				return models.SyncResult{}, targets.Transient(errors.New("timeout"))
			}
			return models.SuccessResult("ext-recovered"), nil
		}
		env.manager.RegisterTarget(ctx, target)

		config := DefaultProcessorConfig()
		config.BaseRetryDelay = time.Millisecond
		processor := newTestProcessor(env, config)

		env.insertTodo(t, "todo-1", "pack bags", false)
		appendChange(t, env, models.TableTodos, "todo-1", models.OpInsert)
		require.NoError(t, processor.ProcessOnce(ctx))

		fail = false
		time.Sleep(5 * time.Millisecond)
		require.NoError(t, processor.ProcessOnce(ctx))

		hash := env.fingerprints.ForTodo("pack bags", nil, "")
		record, err := env.syncRepo.Get(ctx, hash, "notion")
		require.NoError(t, err)
		assert.Equal(t, models.StatusSuccess, record.Status)
		assert.Equal(t, "ext-recovered", record.ExternalID)
	})

	t.Run("transiently failed pages are retried from the page ledger", func(t *testing.T) {
		env := newTestEnv(t)
		target := newMockTarget("notion", allCaps())
		fail := true
		target.syncFunc = func(item *models.SyncItem) (models.SyncResult, error) {
			if fail && item.ItemType == models.ItemTypePageText {
				return models.SyncResult{}, targets.Transient(errors.New("service unavailable"))
			}
			return models.SuccessResult("ext-" + item.ItemID), nil
		}
		env.manager.RegisterTarget(ctx, target)

		config := DefaultProcessorConfig()
		config.BaseRetryDelay = time.Millisecond
		processor := newTestProcessor(env, config)

		env.insertNotebook(t, "nb-1", "Trip Notes", 1)
		env.insertPage(t, "nb-1", 1, "day one")

		// Notebook already known to the target
		hash := env.fingerprints.ForNotebook("Trip Notes", []string{"day one"}, 1)
		record, err := models.NewSyncRecord(hash, "notion", models.ItemTypeNotebook, "nb-1")
		require.NoError(t, err)
		record.Status = models.StatusSuccess
		record.ExternalID = "notion-page-1"
		require.NoError(t, env.syncRepo.Upsert(ctx, record))

		appendChange(t, env, models.TableNotebookPages, "nb-1:p1", models.OpUpdate)
		require.NoError(t, processor.ProcessOnce(ctx))

		// The entry completes; retry state lives in the page ledger
		assert.Equal(t, 0, pendingCount(t, env))
		pageRecord, err := env.pageRepo.Get(ctx, "nb-1", 1, "notion")
		require.NoError(t, err)
		require.NotNil(t, pageRecord)
		assert.Equal(t, models.StatusRetry, pageRecord.Status)
		assert.Equal(t, 1, pageRecord.RetryCount)

		fail = false
		time.Sleep(5 * time.Millisecond)
		require.NoError(t, processor.ProcessOnce(ctx))

		pageRecord, err = env.pageRepo.Get(ctx, "nb-1", 1, "notion")
		require.NoError(t, err)
		assert.Equal(t, models.StatusSuccess, pageRecord.Status)

		// The retried item carried the page text and the notebook's page anchor
		last := target.lastCall()
		assert.Equal(t, "day one", last.PayloadString("text"))
		assert.Equal(t, "notion-page-1", last.PayloadString("target_page_id"))
	})

	t.Run("exhausted page retries fail the page record", func(t *testing.T) {
		env := newTestEnv(t)
		target := newMockTarget("notion", allCaps())
		target.syncFunc = func(item *models.SyncItem) (models.SyncResult, error) {
			if item.ItemType == models.ItemTypePageText {
				return models.SyncResult{}, targets.Transient(errors.New("service unavailable"))
			}
			return models.SuccessResult("ext-" + item.ItemID), nil
		}
		env.manager.RegisterTarget(ctx, target)

		config := DefaultProcessorConfig()
		config.MaxRetries = 1
		config.BaseRetryDelay = time.Millisecond
		processor := newTestProcessor(env, config)

		env.insertNotebook(t, "nb-1", "Trip Notes", 1)
		env.insertPage(t, "nb-1", 1, "day one")
		hash := env.fingerprints.ForNotebook("Trip Notes", []string{"day one"}, 1)
		record, err := models.NewSyncRecord(hash, "notion", models.ItemTypeNotebook, "nb-1")
		require.NoError(t, err)
		record.Status = models.StatusSuccess
		require.NoError(t, env.syncRepo.Upsert(ctx, record))

		appendChange(t, env, models.TableNotebookPages, "nb-1:p1", models.OpUpdate)
		require.NoError(t, processor.ProcessOnce(ctx))

		time.Sleep(5 * time.Millisecond)
		require.NoError(t, processor.ProcessOnce(ctx))

		pageRecord, err := env.pageRepo.Get(ctx, "nb-1", 1, "notion")
		require.NoError(t, err)
		assert.Equal(t, models.StatusFailed, pageRecord.Status)
		assert.Contains(t, pageRecord.ErrorMessage, "service unavailable")
	})

	t.Run("failed batches are replanned and delivered page by page", func(t *testing.T) {
		env := newTestEnv(t)
		target := newMockTarget("notion", allCaps())
		fail := true
		target.syncFunc = func(item *models.SyncItem) (models.SyncResult, error) {
			if _, batch := item.Payload["pages"]; batch && fail {
				return models.SyncResult{}, targets.Transient(errors.New("rate limited"))
			}
			return models.SuccessResult("ext-" + item.ItemID), nil
		}
		env.manager.RegisterTarget(ctx, target)

		config := DefaultProcessorConfig()
		config.BaseRetryDelay = time.Millisecond
		processor := newTestProcessor(env, config)

		env.insertNotebook(t, "nb-1", "Trip Notes", 2)
		env.insertPage(t, "nb-1", 1, "one")
		env.insertPage(t, "nb-1", 2, "two")
		appendChange(t, env, models.TableNotebooks, "nb-1", models.OpInsert)

		require.NoError(t, processor.ProcessOnce(ctx))
		assert.Equal(t, 0, pendingCount(t, env))

		// Metadata landed, the batch is queued for retry
		batchHash := env.fingerprints.ForNotebookBatch("nb-1", []int{1, 2}, []string{"one", "two"})
		batchRecord, err := env.syncRepo.Get(ctx, batchHash, "notion")
		require.NoError(t, err)
		require.NotNil(t, batchRecord)
		assert.Equal(t, models.StatusRetry, batchRecord.Status)

		fail = false
		time.Sleep(5 * time.Millisecond)
		require.NoError(t, processor.ProcessOnce(ctx))

		// The retry replanned against the now-known notebook and synced the
		// pages individually, anchored on the created page
		for n, text := range map[int]string{1: "one", 2: "two"} {
			pageRecord, err := env.pageRepo.Get(ctx, "nb-1", n, "notion")
			require.NoError(t, err)
			require.NotNil(t, pageRecord)
			assert.Equal(t, models.StatusSuccess, pageRecord.Status)
			assert.Equal(t, env.fingerprints.ForPageText("nb-1", n, text), pageRecord.ContentHash)
		}
		last := target.lastCall()
		assert.Equal(t, models.ItemTypePageText, last.ItemType)
		assert.Equal(t, "ext-nb-1", last.PayloadString("target_page_id"))

		// The batch row is closed out rather than left in retry
		batchRecord, err = env.syncRepo.Get(ctx, batchHash, "notion")
		require.NoError(t, err)
		assert.Equal(t, models.StatusSkipped, batchRecord.Status)
	})

	t.Run("vanished source rows are skipped", func(t *testing.T) {
		env := newTestEnv(t)
		env.manager.RegisterTarget(ctx, newMockTarget("notion", allCaps()))

		config := DefaultProcessorConfig()
		config.BaseRetryDelay = time.Millisecond
		processor := newTestProcessor(env, config)

		// A retry row whose todo no longer exists
		record, err := models.NewSyncRecord("deadhash", "notion", models.ItemTypeTodo, "gone")
		require.NoError(t, err)
		record.Status = models.StatusRetry
		require.NoError(t, env.syncRepo.Upsert(ctx, record))
		require.NoError(t, env.syncRepo.IncrementRetry(ctx, "deadhash", "notion", models.StatusRetry, "timeout"))

		time.Sleep(5 * time.Millisecond)
		require.NoError(t, processor.ProcessOnce(ctx))

		record, err = env.syncRepo.Get(ctx, "deadhash", "notion")
		require.NoError(t, err)
		assert.Equal(t, models.StatusSkipped, record.Status)
	})
}

func TestQueueProcessor_HealthPass(t *testing.T) {
	ctx := context.Background()

	t.Run("stuck in-progress rows are released for retry", func(t *testing.T) {
		env := newTestEnv(t)
		env.manager.RegisterTarget(ctx, newMockTarget("notion", allCaps()))

		config := DefaultProcessorConfig()
		config.StuckThreshold = time.Minute
		processor := newTestProcessor(env, config)

		record, err := models.NewSyncRecord("stuckhash", "notion", models.ItemTypeTodo, "todo-1")
		require.NoError(t, err)
		record.Status = models.StatusInProgress
		require.NoError(t, env.syncRepo.Upsert(ctx, record))

		// Age the row past the threshold
		past := time.Now().UTC().Add(-time.Hour)
		_, err = env.db.Exec(`UPDATE sync_records SET updated_at = $1 WHERE content_hash = $2`, past, "stuckhash")
		require.NoError(t, err)

		require.NoError(t, processor.ProcessOnce(ctx))

		updated, err := env.syncRepo.Get(ctx, "stuckhash", "notion")
		require.NoError(t, err)
		assert.Equal(t, models.StatusRetry, updated.Status)
		assert.Equal(t, 1, updated.RetryCount)
	})
}

func TestQueueProcessor_StartStop(t *testing.T) {
	env := newTestEnv(t)
	processor := newTestProcessor(env, DefaultProcessorConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	processor.Start(ctx)
	status := processor.GetStatus(ctx)
	assert.True(t, status.Running)

	processor.Stop()
	status = processor.GetStatus(ctx)
	assert.False(t, status.Running)

	// Stop is idempotent
	processor.Stop()
}

func TestQueueProcessor_RunNow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	target := newMockTarget("notion", allCaps())
	env.manager.RegisterTarget(ctx, target)

	config := DefaultProcessorConfig()
	config.Interval = time.Hour
	processor := newTestProcessor(env, config)

	env.insertTodo(t, "todo-1", "pack bags", false)
	appendChange(t, env, models.TableTodos, "todo-1", models.OpInsert)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	processor.Start(runCtx)
	defer processor.Stop()

	processor.RunNow()

	require.Eventually(t, func() bool {
		return pendingCount(t, env) == 0
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 1, target.callCount())
}
