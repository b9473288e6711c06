package watcher

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/gottino/remarkable-sync/internal/models"
	"github.com/gottino/remarkable-sync/internal/observability"
	"github.com/gottino/remarkable-sync/internal/repository"
	"github.com/gottino/remarkable-sync/internal/services"
)

// Change is one debounced filesystem mutation mapped to a content row
type Change struct {
	Table    string
	SourceID string
	Op       string
}

// Config tunes the content watcher
type Config struct {
	Root      string
	Debounce  time.Duration
	QueueSize int
}

// Watcher observes the extracted-content directory and appends changelog
// entries for mutated rows. The layout maps paths to rows:
//
//	notebooks/<uuid>.json        one notebook's metadata
//	pages/<uuid>/<n>.txt         one page's recognized text
//	todos/<id>.json              one todo
//	highlights/<id>.json         one highlight
//
// Events are debounced per path so editors that write in several syscalls
// produce one changelog entry.
type Watcher struct {
	config        Config
	changelogRepo repository.ChangelogRepo
	logger        *observability.Logger
	metrics       *observability.SyncMetrics
	hub           *services.EventsHub

	fsw     *fsnotify.Watcher
	queue   chan Change
	pending map[string]*pendingChange
	mu      sync.Mutex

	stopChan chan struct{}
	wg       sync.WaitGroup
}

type pendingChange struct {
	change Change
	timer  *time.Timer
}

// New creates a Watcher rooted at config.Root
func New(config Config, changelogRepo repository.ChangelogRepo) (*Watcher, error) {
	if config.Debounce <= 0 {
		config.Debounce = 2 * time.Second
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 1024
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	metrics, err := observability.NewSyncMetrics()
	if err != nil {
		observability.Warnf("Watcher metrics unavailable: %v", err)
	}

	return &Watcher{
		config:        config,
		changelogRepo: changelogRepo,
		logger:        observability.WithField("component", "watcher"),
		metrics:       metrics,
		fsw:           fsw,
		queue:         make(chan Change, config.QueueSize),
		pending:       make(map[string]*pendingChange),
		stopChan:      make(chan struct{}),
	}, nil
}

// SetEventsHub attaches a hub for change notifications. Optional.
func (w *Watcher) SetEventsHub(hub *services.EventsHub) {
	w.hub = hub
}

// Start begins watching. It registers the root and all existing
// subdirectories, then launches the event and enqueue loops.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.addRecursive(w.config.Root); err != nil {
		return err
	}

	w.wg.Add(2)
	go w.eventLoop(ctx)
	go w.enqueueLoop(ctx)

	w.logger.Infof("Watching %s (debounce=%s)", w.config.Root, w.config.Debounce)
	return nil
}

// Stop shuts the watcher down and waits for in-flight work
func (w *Watcher) Stop() {
	close(w.stopChan)
	w.fsw.Close()

	w.mu.Lock()
	for _, p := range w.pending {
		p.timer.Stop()
	}
	w.pending = make(map[string]*pendingChange)
	w.mu.Unlock()

	w.wg.Wait()
	w.logger.Info("Watcher stopped")
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.fsw.Add(path)
		}
		return nil
	})
}

func (w *Watcher) eventLoop(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-w.stopChan:
			return
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Errorf("Watch error: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	// New directories must be watched before their files produce events
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.fsw.Add(event.Name); err != nil {
				w.logger.Errorf("Watching new directory %s: %v", event.Name, err)
			}
			return
		}
	}

	change, ok := w.classify(event)
	if !ok {
		return
	}
	w.debounce(event.Name, change)
}

// classify maps a filesystem event to a content row change
func (w *Watcher) classify(event fsnotify.Event) (Change, bool) {
	rel, err := filepath.Rel(w.config.Root, event.Name)
	if err != nil {
		return Change{}, false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")

	var table, sourceID string
	switch {
	case len(parts) == 2 && parts[0] == "notebooks":
		table = models.TableNotebooks
		sourceID = trimExt(parts[1])
	case len(parts) == 3 && parts[0] == "pages":
		if _, err := strconv.Atoi(trimExt(parts[2])); err != nil {
			return Change{}, false
		}
		table = models.TableNotebookPages
		sourceID = parts[1] + ":p" + trimExt(parts[2])
	case len(parts) == 2 && parts[0] == "todos":
		table = models.TableTodos
		sourceID = trimExt(parts[1])
	case len(parts) == 2 && parts[0] == "highlights":
		table = models.TableHighlights
		sourceID = trimExt(parts[1])
	default:
		return Change{}, false
	}

	op := models.OpUpdate
	switch {
	case event.Has(fsnotify.Create):
		op = models.OpInsert
	case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
		op = models.OpDelete
	case event.Has(fsnotify.Write):
		op = models.OpUpdate
	default:
		return Change{}, false
	}

	return Change{Table: table, SourceID: sourceID, Op: op}, true
}

// debounce coalesces rapid events for one path into a single change. A
// delete always wins over earlier create/update for the same path.
func (w *Watcher) debounce(path string, change Change) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if p, ok := w.pending[path]; ok {
		if change.Op == models.OpDelete {
			p.change = change
		}
		p.timer.Reset(w.config.Debounce)
		return
	}

	p := &pendingChange{change: change}
	p.timer = time.AfterFunc(w.config.Debounce, func() {
		w.flush(path)
	})
	w.pending[path] = p
}

func (w *Watcher) flush(path string) {
	w.mu.Lock()
	p, ok := w.pending[path]
	if !ok {
		w.mu.Unlock()
		return
	}
	delete(w.pending, path)
	w.mu.Unlock()

	select {
	case w.queue <- p.change:
	default:
		// Queue full: drop the oldest so fresh changes still land
		select {
		case dropped := <-w.queue:
			w.logger.Warnf("Change queue full, dropped %s %s", dropped.Table, dropped.SourceID)
		default:
		}
		select {
		case w.queue <- p.change:
		default:
			w.logger.Warnf("Change queue still full, dropped %s %s", p.change.Table, p.change.SourceID)
		}
	}
}

// enqueueLoop drains the change queue into the changelog
func (w *Watcher) enqueueLoop(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-w.stopChan:
			return
		case <-ctx.Done():
			return
		case change := <-w.queue:
			entry := models.NewChangelogEntry(change.Table, change.SourceID, change.Op)
			if err := w.changelogRepo.Append(ctx, entry); err != nil {
				w.logger.Errorf("Appending changelog entry for %s %s: %v", change.Table, change.SourceID, err)
				continue
			}
			w.metrics.AddQueueDepth(ctx, 1)
			w.logger.Debugf("Recorded %s on %s %s", change.Op, change.Table, change.SourceID)
			if w.hub != nil {
				w.hub.Publish(services.TopicWatcher, services.Event{
					Type: services.EventWatcherChange,
					Payload: map[string]string{
						"table":    change.Table,
						"sourceId": change.SourceID,
						"op":       change.Op,
					},
				})
			}
		}
	}
}

func trimExt(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name))
}
