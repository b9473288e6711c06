package services

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gottino/remarkable-sync/internal/models"
	"github.com/gottino/remarkable-sync/internal/repository"
	"github.com/gottino/remarkable-sync/internal/targets"
)

// testEnv bundles an in-memory database with the repositories and services
// most tests need
type testEnv struct {
	db            *sql.DB
	syncRepo      repository.SyncRecordRepo
	pageRepo      repository.PageSyncRecordRepo
	changelogRepo repository.ChangelogRepo
	contentRepo   repository.ContentRepo
	fingerprints  *FingerprintService
	detector      *ChangeDetector
	pageManager   *PageSyncManager
	manager       *SyncManager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := repository.NewSQLiteDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	env := &testEnv{
		db:            db,
		syncRepo:      repository.NewSyncRecordRepository(db),
		pageRepo:      repository.NewPageSyncRecordRepository(db),
		changelogRepo: repository.NewChangelogRepository(db),
		contentRepo:   repository.NewContentRepository(db),
		fingerprints:  NewFingerprintService(),
	}
	env.detector = NewChangeDetector(env.contentRepo, env.syncRepo, env.fingerprints)
	env.pageManager = NewPageSyncManager(env.contentRepo, env.syncRepo, env.pageRepo, env.fingerprints)
	env.manager = NewSyncManager(env.syncRepo, env.pageRepo, env.contentRepo, env.detector, env.fingerprints)
	return env
}

func (e *testEnv) insertNotebook(t *testing.T, uuid, title string, pageCount int) {
	t.Helper()
	_, err := e.db.Exec(
		`INSERT INTO notebooks (uuid, title, page_count, created_at, updated_at) VALUES ($1, $2, $3, $4, $4)`,
		uuid, title, pageCount, time.Now().UTC(),
	)
	require.NoError(t, err)
}

func (e *testEnv) insertPage(t *testing.T, uuid string, pageNumber int, text string) {
	t.Helper()
	_, err := e.db.Exec(
		`INSERT INTO notebook_pages (notebook_uuid, page_number, text, updated_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (notebook_uuid, page_number) DO UPDATE SET text = $3, updated_at = $4`,
		uuid, pageNumber, text, time.Now().UTC(),
	)
	require.NoError(t, err)
}

func (e *testEnv) insertTodo(t *testing.T, id, text string, completed bool) {
	t.Helper()
	_, err := e.db.Exec(
		`INSERT INTO todos (id, text, completed, created_at, updated_at) VALUES ($1, $2, $3, $4, $4)`,
		id, text, completed, time.Now().UTC(),
	)
	require.NoError(t, err)
}

func (e *testEnv) insertHighlight(t *testing.T, id, text, title, author string) {
	t.Helper()
	_, err := e.db.Exec(
		`INSERT INTO highlights (id, text, title, author, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $5)`,
		id, text, title, author, time.Now().UTC(),
	)
	require.NoError(t, err)
}

// mockTarget is a scriptable SyncTarget for exercising the engine without
// real HTTP calls
type mockTarget struct {
	name      string
	caps      targets.Capabilities
	connected bool
	detail    string

	mu       sync.Mutex
	calls    []*models.SyncItem
	syncFunc func(item *models.SyncItem) (models.SyncResult, error)
	dupes    map[string]string
}

func newMockTarget(name string, caps targets.Capabilities) *mockTarget {
	return &mockTarget{
		name:      name,
		caps:      caps,
		connected: true,
		dupes:     make(map[string]string),
	}
}

func (m *mockTarget) SyncItem(ctx context.Context, item *models.SyncItem) (models.SyncResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, item)
	fn := m.syncFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(item)
	}
	result := models.SuccessResult("ext-" + item.ItemID)
	return result, nil
}

func (m *mockTarget) CheckDuplicate(ctx context.Context, contentHash string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dupes[contentHash], nil
}

func (m *mockTarget) UpdateItem(ctx context.Context, externalID string, item *models.SyncItem) (models.SyncResult, error) {
	return m.SyncItem(ctx, item)
}

func (m *mockTarget) DeleteItem(ctx context.Context, externalID string) (models.SyncResult, error) {
	return models.SuccessResult(externalID), nil
}

func (m *mockTarget) Describe(ctx context.Context) targets.TargetInfo {
	return targets.TargetInfo{
		Name:         m.name,
		Connected:    m.connected,
		Detail:       m.detail,
		Capabilities: m.caps,
	}
}

func (m *mockTarget) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *mockTarget) lastCall() *models.SyncItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.calls) == 0 {
		return nil
	}
	return m.calls[len(m.calls)-1]
}

func allCaps() targets.Capabilities {
	return targets.Capabilities{Notebooks: true, PageText: true, Todos: true, Highlights: true}
}
