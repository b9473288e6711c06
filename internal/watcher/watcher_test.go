package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gottino/remarkable-sync/internal/models"
	"github.com/gottino/remarkable-sync/internal/repository"
)

func newTestWatcher(t *testing.T, debounce time.Duration) (*Watcher, *repository.ChangelogRepository, string) {
	t.Helper()

	root := t.TempDir()
	for _, dir := range []string{"notebooks", "pages", "todos", "highlights"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, dir), 0o755))
	}

	db, err := repository.NewSQLiteDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	changelogRepo := repository.NewChangelogRepository(db)

	w, err := New(Config{Root: root, Debounce: debounce}, changelogRepo)
	require.NoError(t, err)
	return w, changelogRepo, root
}

func TestWatcher_Classify(t *testing.T) {
	w, _, root := newTestWatcher(t, time.Second)
	t.Cleanup(w.Stop)

	tests := []struct {
		name     string
		path     string
		op       fsnotify.Op
		want     Change
		rejected bool
	}{
		{
			name: "notebook metadata write",
			path: "notebooks/0d3a5c1e.json",
			op:   fsnotify.Write,
			want: Change{Table: models.TableNotebooks, SourceID: "0d3a5c1e", Op: models.OpUpdate},
		},
		{
			name: "page text create",
			path: "pages/0d3a5c1e/4.txt",
			op:   fsnotify.Create,
			want: Change{Table: models.TableNotebookPages, SourceID: "0d3a5c1e:p4", Op: models.OpInsert},
		},
		{
			name: "todo remove",
			path: "todos/todo-9.json",
			op:   fsnotify.Remove,
			want: Change{Table: models.TableTodos, SourceID: "todo-9", Op: models.OpDelete},
		},
		{
			name: "highlight rename counts as delete",
			path: "highlights/hl-2.json",
			op:   fsnotify.Rename,
			want: Change{Table: models.TableHighlights, SourceID: "hl-2", Op: models.OpDelete},
		},
		{
			name:     "non-numeric page name",
			path:     "pages/0d3a5c1e/index.txt",
			op:       fsnotify.Write,
			rejected: true,
		},
		{
			name:     "unknown top-level directory",
			path:     "thumbnails/0d3a5c1e.png",
			op:       fsnotify.Write,
			rejected: true,
		},
		{
			name:     "file at the root",
			path:     "config.json",
			op:       fsnotify.Write,
			rejected: true,
		},
		{
			name:     "chmod only",
			path:     "todos/todo-9.json",
			op:       fsnotify.Chmod,
			rejected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			change, ok := w.classify(fsnotify.Event{
				Name: filepath.Join(root, filepath.FromSlash(tt.path)),
				Op:   tt.op,
			})
			if tt.rejected {
				assert.False(t, ok)
				return
			}
			require.True(t, ok)
			assert.Equal(t, tt.want, change)
		})
	}
}

func TestWatcher_FileWriteLandsInChangelog(t *testing.T) {
	w, changelogRepo, root := newTestWatcher(t, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, w.Start(ctx))
	t.Cleanup(w.Stop)

	path := filepath.Join(root, "todos", "todo-1.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"text":"buy milk"}`), 0o644))

	require.Eventually(t, func() bool {
		count, err := changelogRepo.PendingCount(context.Background())
		return err == nil && count == 1
	}, 5*time.Second, 20*time.Millisecond)

	entries, err := changelogRepo.PendingBatch(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.TableTodos, entries[0].SourceTable)
	assert.Equal(t, "todo-1", entries[0].SourceID)
	assert.Equal(t, models.OpInsert, entries[0].Operation)
}

func TestWatcher_DebounceCoalescesRapidWrites(t *testing.T) {
	w, changelogRepo, root := newTestWatcher(t, 150*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, w.Start(ctx))
	t.Cleanup(w.Stop)

	path := filepath.Join(root, "notebooks", "nb-1.json")
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(`{"rev":%d}`, i)), 0o644))
		time.Sleep(10 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		count, err := changelogRepo.PendingCount(context.Background())
		return err == nil && count >= 1
	}, 5*time.Second, 20*time.Millisecond)

	// Give any stray timers time to fire before counting
	time.Sleep(300 * time.Millisecond)

	count, err := changelogRepo.PendingCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestWatcher_DeleteWinsOverEarlierWrites(t *testing.T) {
	w, changelogRepo, root := newTestWatcher(t, 150*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, w.Start(ctx))
	t.Cleanup(w.Stop)

	path := filepath.Join(root, "highlights", "hl-1.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"text":"quote"}`), 0o644))
	require.NoError(t, os.Remove(path))

	require.Eventually(t, func() bool {
		count, err := changelogRepo.PendingCount(context.Background())
		return err == nil && count == 1
	}, 5*time.Second, 20*time.Millisecond)

	entries, err := changelogRepo.PendingBatch(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.OpDelete, entries[0].Operation)
}

func TestWatcher_NewSubdirectoryIsWatched(t *testing.T) {
	w, changelogRepo, root := newTestWatcher(t, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, w.Start(ctx))
	t.Cleanup(w.Stop)

	// A notebook directory created after Start must still produce events
	dir := filepath.Join(root, "pages", "nb-new")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	// The directory watch is registered asynchronously
	time.Sleep(200 * time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "1.txt"), []byte("page text"), 0o644))

	require.Eventually(t, func() bool {
		entries, err := changelogRepo.PendingBatch(context.Background(), 10)
		if err != nil {
			return false
		}
		for _, e := range entries {
			if e.SourceTable == models.TableNotebookPages && e.SourceID == "nb-new:p1" {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)
}
