package services

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gottino/remarkable-sync/internal/models"
	"github.com/gottino/remarkable-sync/internal/observability"
	"github.com/gottino/remarkable-sync/internal/repository"
)

// ProcessorConfig tunes the background queue processor
type ProcessorConfig struct {
	Interval         time.Duration
	BatchSize        int
	MaxConcurrency   int
	MaxRetries       int
	BaseRetryDelay   time.Duration
	MaxRetryDelay    time.Duration
	StuckThreshold   time.Duration
	NotebookCooldown time.Duration
}

// DefaultProcessorConfig returns the processor defaults
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		Interval:         30 * time.Second,
		BatchSize:        50,
		MaxConcurrency:   3,
		MaxRetries:       3,
		BaseRetryDelay:   30 * time.Second,
		MaxRetryDelay:    15 * time.Minute,
		StuckThreshold:   30 * time.Minute,
		NotebookCooldown: 5 * time.Second,
	}
}

// ProcessorStatus is a snapshot of the processor state
type ProcessorStatus struct {
	Running         bool       `json:"running"`
	LastRunAt       *time.Time `json:"lastRunAt,omitempty"`
	LastRunDuration string     `json:"lastRunDuration,omitempty"`
	LastError       string     `json:"lastError,omitempty"`
	PendingEntries  int        `json:"pendingEntries"`
	ProcessedTotal  int64      `json:"processedTotal"`
	FailedTotal     int64      `json:"failedTotal"`
	RetriedTotal    int64      `json:"retriedTotal"`
}

// QueueProcessor drains the changelog into the sync engine. Each cycle
// processes one batch of pending entries, runs due retries, and checks that
// no ledger rows are stuck in progress. Entries for the same notebook are
// coalesced so a burst of page edits becomes one planned sync.
type QueueProcessor struct {
	manager       *SyncManager
	pageManager   *PageSyncManager
	changelogRepo repository.ChangelogRepo
	syncRepo      repository.SyncRecordRepo
	pageRepo      repository.PageSyncRecordRepo
	contentRepo   repository.ContentRepo
	config        ProcessorConfig
	logger        *observability.Logger
	metrics       *observability.SyncMetrics
	hub           *EventsHub

	mu           sync.RWMutex
	running      bool
	status       ProcessorStatus
	lastNotebook map[string]time.Time

	stopChan chan struct{}
	runNow   chan struct{}
	wg       sync.WaitGroup
}

// NewQueueProcessor creates a QueueProcessor
func NewQueueProcessor(
	manager *SyncManager,
	pageManager *PageSyncManager,
	changelogRepo repository.ChangelogRepo,
	syncRepo repository.SyncRecordRepo,
	pageRepo repository.PageSyncRecordRepo,
	contentRepo repository.ContentRepo,
	config ProcessorConfig,
) *QueueProcessor {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 3
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 50
	}
	metrics, err := observability.NewSyncMetrics()
	if err != nil {
		observability.Warnf("Queue metrics unavailable: %v", err)
	}

	return &QueueProcessor{
		manager:       manager,
		pageManager:   pageManager,
		changelogRepo: changelogRepo,
		syncRepo:      syncRepo,
		pageRepo:      pageRepo,
		contentRepo:   contentRepo,
		config:        config,
		logger:        observability.WithField("component", "queue_processor"),
		metrics:       metrics,
		lastNotebook:  make(map[string]time.Time),
		stopChan:      make(chan struct{}),
		runNow:        make(chan struct{}, 1),
	}
}

// SetEventsHub attaches a hub for progress events. Optional; without one
// the processor runs silently.
func (p *QueueProcessor) SetEventsHub(hub *EventsHub) {
	p.hub = hub
}

func (p *QueueProcessor) publish(topic string, event Event) {
	if p.hub != nil {
		p.hub.Publish(topic, event)
	}
}

// Start launches the background processing loop
func (p *QueueProcessor) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.status.Running = true
	p.mu.Unlock()

	p.logger.Infof("Queue processor started (interval=%s, concurrency=%d)", p.config.Interval, p.config.MaxConcurrency)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-p.stopChan:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.runCycle(ctx)
			case <-p.runNow:
				p.runCycle(ctx)
			}
		}
	}()
}

// Stop shuts the processing loop down and waits for the current cycle
func (p *QueueProcessor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.status.Running = false
	close(p.stopChan)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("Queue processor stopped")
}

// RunNow requests an immediate cycle without waiting for the ticker
func (p *QueueProcessor) RunNow() {
	select {
	case p.runNow <- struct{}{}:
	default:
	}
}

// GetStatus returns a snapshot of the processor state
func (p *QueueProcessor) GetStatus(ctx context.Context) ProcessorStatus {
	p.mu.RLock()
	status := p.status
	p.mu.RUnlock()

	if pending, err := p.changelogRepo.PendingCount(ctx); err == nil {
		status.PendingEntries = pending
	}
	return status
}

func (p *QueueProcessor) runCycle(ctx context.Context) {
	start := time.Now()
	err := p.ProcessOnce(ctx)

	p.mu.Lock()
	now := time.Now()
	p.status.LastRunAt = &now
	p.status.LastRunDuration = time.Since(start).Round(time.Millisecond).String()
	if err != nil {
		p.status.LastError = err.Error()
	} else {
		p.status.LastError = ""
	}
	p.mu.Unlock()

	if err != nil {
		p.logger.Errorf("Processing cycle failed: %v", err)
	}
}

// ProcessOnce runs a single full cycle: drain, retry, health
func (p *QueueProcessor) ProcessOnce(ctx context.Context) error {
	ctx, span := observability.StartServiceSpan(ctx, "queue_processor", "process_once")
	defer span.End()

	if err := p.drainChangelog(ctx); err != nil {
		observability.RecordError(span, err)
		return err
	}
	if err := p.retryPass(ctx); err != nil {
		observability.RecordError(span, err)
		return err
	}
	p.healthPass(ctx)

	observability.SetSuccess(span)
	return nil
}

// notebookWork accumulates changelog entries that resolve to one notebook
type notebookWork struct {
	entryIDs     []int64
	changedPages []int
	deleted      bool
}

// drainChangelog takes one batch of pending entries and fans the resulting
// sync items out to the registered targets with bounded concurrency
func (p *QueueProcessor) drainChangelog(ctx context.Context) error {
	entries, err := p.changelogRepo.PendingBatch(ctx, p.config.BatchSize)
	if err != nil {
		return fmt.Errorf("loading pending changelog entries: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	p.logger.Infof("Draining %d changelog entries", len(entries))
	p.metrics.AddQueueDepth(ctx, -int64(len(entries)))

	notebooks := make(map[string]*notebookWork)
	var standalone []*models.ChangelogEntry

	for _, entry := range entries {
		switch entry.SourceTable {
		case models.TableNotebooks:
			work := ensureNotebookWork(notebooks, entry.SourceID)
			work.entryIDs = append(work.entryIDs, entry.ID)
			if entry.Operation == models.OpDelete {
				work.deleted = true
			}
		case models.TableNotebookPages:
			uuid, pageNumber, ok := parsePageSourceID(entry)
			if !ok {
				p.markEntry(ctx, entry.ID, models.ChangelogFailed, "unparseable page source id")
				continue
			}
			work := ensureNotebookWork(notebooks, uuid)
			work.entryIDs = append(work.entryIDs, entry.ID)
			work.changedPages = append(work.changedPages, pageNumber)
		case models.TableTodos, models.TableHighlights:
			standalone = append(standalone, entry)
		default:
			p.markEntry(ctx, entry.ID, models.ChangelogFailed, fmt.Sprintf("unknown source table %q", entry.SourceTable))
		}
	}

	sem := make(chan struct{}, p.config.MaxConcurrency)
	var wg sync.WaitGroup

	for uuid, work := range notebooks {
		if p.onCooldown(uuid) {
			// Leave the entries pending; the next cycle picks them up
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(uuid string, work *notebookWork) {
			defer wg.Done()
			defer func() { <-sem }()
			p.processNotebook(ctx, uuid, work)
		}(uuid, work)
	}

	for _, entry := range standalone {
		wg.Add(1)
		sem <- struct{}{}
		go func(entry *models.ChangelogEntry) {
			defer wg.Done()
			defer func() { <-sem }()
			p.processStandalone(ctx, entry)
		}(entry)
	}

	wg.Wait()
	return nil
}

// processNotebook plans and executes page-level sync for one notebook
// against every target that accepts notebook content
func (p *QueueProcessor) processNotebook(ctx context.Context, uuid string, work *notebookWork) {
	if work.deleted {
		p.markNotebookEntries(ctx, work, models.ChangelogProcessed, "source deleted, nothing to sync")
		return
	}

	sort.Ints(work.changedPages)

	var successes, failures, transients int
	var lastErr string

	for _, targetName := range p.manager.TargetNames() {
		target, _ := p.manager.Target(targetName)
		caps := target.Describe(ctx).Capabilities
		if !caps.Notebooks && !caps.PageText {
			continue
		}

		plan, err := p.pageManager.PlanNotebookSync(ctx, uuid, targetName, p.manager.MaxBlocksFor(targetName), work.changedPages)
		if err != nil {
			failures++
			lastErr = err.Error()
			p.logger.Errorf("Planning notebook %s for %s failed: %v", uuid, targetName, err)
			continue
		}
		if plan.Skipped != nil {
			successes++
			continue
		}

		outcome := p.runPlan(ctx, targetName, plan)
		switch {
		case !outcome.failed:
			successes++
			p.metrics.RecordPageBatch(ctx, targetName, outcome.pages)
		case outcome.transient:
			transients++
			lastErr = outcome.lastErr
		default:
			failures++
			lastErr = outcome.lastErr
		}
	}

	p.rememberNotebook(uuid)

	switch {
	case successes > 0 && failures == 0 && transients == 0:
		p.markNotebookEntries(ctx, work, models.ChangelogProcessed, "")
		p.publish(TopicSync, Event{Type: EventSyncComplete, Payload: SyncProgressPayload{
			ItemType: string(models.ItemTypeNotebook), ItemID: uuid, Status: string(models.StatusSuccess),
		}})
	case successes > 0:
		p.markNotebookEntries(ctx, work, models.ChangelogProcessed, fmt.Sprintf("partial: %s", lastErr))
		p.publish(TopicSync, Event{Type: EventSyncComplete, Payload: SyncProgressPayload{
			ItemType: string(models.ItemTypeNotebook), ItemID: uuid, Status: string(models.StatusSuccess), ErrorMessage: lastErr,
		}})
	case transients > 0 && failures == 0:
		// Ledger rows carry the retry state; the entries themselves are done
		p.markNotebookEntries(ctx, work, models.ChangelogProcessed, fmt.Sprintf("queued for retry: %s", lastErr))
		p.publish(TopicSync, Event{Type: EventSyncProgress, Payload: SyncProgressPayload{
			ItemType: string(models.ItemTypeNotebook), ItemID: uuid, Status: string(models.StatusRetry), ErrorMessage: lastErr,
		}})
	default:
		p.markNotebookEntries(ctx, work, models.ChangelogFailed, lastErr)
		p.publish(TopicSync, Event{Type: EventSyncFailed, Payload: SyncProgressPayload{
			ItemType: string(models.ItemTypeNotebook), ItemID: uuid, Status: string(models.StatusFailed), ErrorMessage: lastErr,
		}})
	}
}

// planOutcome summarizes one plan's dispatch against one target
type planOutcome struct {
	pages     int
	failed    bool
	transient bool
	lastErr   string
}

// runPlan dispatches plan items in order and stops at the first failure so
// page batches land sequentially. For a new notebook the page id the target
// assigns to the leading metadata item is threaded into the remaining
// batches, which makes them append to the created page instead of creating
// one page per batch.
func (p *QueueProcessor) runPlan(ctx context.Context, targetName string, plan *PagePlan) planOutcome {
	var outcome planOutcome
	createdPageID := ""

	for i, item := range plan.Items {
		if plan.NewNotebook && i > 0 && createdPageID != "" && item.PayloadString("target_page_id") == "" {
			item.Payload["target_page_id"] = createdPageID
		}

		result, err := p.manager.SyncItemToTarget(ctx, item, targetName)
		if err != nil {
			outcome.failed = true
			outcome.lastErr = err.Error()
			return outcome
		}

		switch result.Status {
		case models.StatusSuccess, models.StatusSkipped:
			if result.Status == models.StatusSuccess {
				outcome.pages++
			}
			if plan.NewNotebook && i == 0 && result.TargetID != "" {
				createdPageID = result.TargetID
			}
		case models.StatusRetry:
			outcome.failed = true
			outcome.transient = true
			outcome.lastErr = result.ErrorMessage
			return outcome
		default:
			outcome.failed = true
			outcome.lastErr = result.ErrorMessage
			return outcome
		}
	}
	return outcome
}

// processStandalone syncs one todo or highlight entry to all targets
func (p *QueueProcessor) processStandalone(ctx context.Context, entry *models.ChangelogEntry) {
	item, err := p.buildStandaloneItem(ctx, entry)
	if err != nil {
		p.markEntry(ctx, entry.ID, models.ChangelogFailed, err.Error())
		return
	}
	if item == nil {
		p.markEntry(ctx, entry.ID, models.ChangelogProcessed, "source row gone or excluded")
		return
	}

	results := p.manager.SyncItemToAllTargets(ctx, item)
	if len(results) == 0 {
		p.markEntry(ctx, entry.ID, models.ChangelogProcessed, "no target accepts this type")
		return
	}

	succeeded, transient := 0, 0
	lastErr := ""
	for targetName, result := range results {
		p.publish(TopicSync, Event{Type: EventSyncProgress, Payload: SyncProgressPayload{
			Target:       targetName,
			ItemType:     string(item.ItemType),
			ItemID:       item.ItemID,
			Status:       string(result.Status),
			ErrorMessage: result.ErrorMessage,
		}})
		switch result.Status {
		case models.StatusSuccess, models.StatusSkipped:
			succeeded++
		case models.StatusRetry:
			transient++
			lastErr = result.ErrorMessage
		default:
			lastErr = result.ErrorMessage
		}
	}

	switch {
	case transient > 0 && succeeded == 0:
		// Ledger rows carry the retry state; the entry itself is done
		p.markEntry(ctx, entry.ID, models.ChangelogProcessed, fmt.Sprintf("queued for retry: %s", lastErr))
	case succeeded > 0:
		p.markEntry(ctx, entry.ID, models.ChangelogProcessed, "")
	default:
		p.markEntry(ctx, entry.ID, models.ChangelogFailed, lastErr)
	}
}

// buildStandaloneItem loads the source row and converts it to a sync item.
// Returns (nil, nil) when the row no longer exists or is excluded from sync.
func (p *QueueProcessor) buildStandaloneItem(ctx context.Context, entry *models.ChangelogEntry) (*models.SyncItem, error) {
	switch entry.SourceTable {
	case models.TableTodos:
		todo, err := p.contentRepo.GetTodo(ctx, entry.SourceID)
		if err != nil {
			return nil, err
		}
		if todo == nil || todo.Completed {
			return nil, nil
		}
		return todoSyncItem(todo)
	case models.TableHighlights:
		highlight, err := p.contentRepo.GetHighlight(ctx, entry.SourceID)
		if err != nil {
			return nil, err
		}
		if highlight == nil {
			return nil, nil
		}
		return highlightSyncItem(highlight)
	default:
		return nil, fmt.Errorf("unknown source table %q", entry.SourceTable)
	}
}

// retryPass re-attempts ledger rows in retry status whose backoff window
// has elapsed. delay = base * 2^retryCount, capped; rows past MaxRetries
// are failed with the last error preserved.
func (p *QueueProcessor) retryPass(ctx context.Context) error {
	records, err := p.syncRepo.ListByStatus(ctx, models.StatusRetry, p.config.BatchSize)
	if err != nil {
		return fmt.Errorf("loading retry candidates: %w", err)
	}

	now := time.Now()
	replanned := make(map[string]map[string]bool)
	for _, record := range records {
		if record.RetryCount >= p.config.MaxRetries {
			if err := p.syncRepo.UpdateStatus(ctx, record.ContentHash, record.TargetName, models.StatusFailed, record.ErrorMessage, ""); err != nil {
				p.logger.Errorf("Failing exhausted record %s/%s: %v", record.ItemID, record.TargetName, err)
			}
			p.mu.Lock()
			p.status.FailedTotal++
			p.mu.Unlock()
			continue
		}

		if now.Before(record.UpdatedAt.Add(p.backoffDelay(record.RetryCount))) {
			continue
		}

		// Notebook rows hold batch hashes whose page payloads are not in the
		// ledger, so they retry by replanning the whole notebook
		if record.ItemType == models.ItemTypeNotebook {
			p.retryNotebook(ctx, record, replanned)
			continue
		}

		item, err := p.rebuildItem(ctx, record)
		if err != nil {
			p.logger.Errorf("Rebuilding item %s for retry: %v", record.ItemID, err)
			continue
		}
		if item == nil {
			// Source row vanished since the original attempt
			if err := p.syncRepo.UpdateStatus(ctx, record.ContentHash, record.TargetName, models.StatusSkipped, "source row no longer exists", ""); err != nil {
				p.logger.Errorf("Skipping orphaned record %s/%s: %v", record.ItemID, record.TargetName, err)
			}
			continue
		}

		p.metrics.RecordRetry(ctx, record.TargetName, record.RetryCount)
		p.mu.Lock()
		p.status.RetriedTotal++
		p.mu.Unlock()

		if _, err := p.manager.SyncItemToTarget(ctx, item, record.TargetName); err != nil {
			p.logger.Errorf("Retrying %s to %s: %v", record.ItemID, record.TargetName, err)
		}
	}

	return p.retryPages(ctx, now)
}

// retryPages re-attempts page ledger rows in retry status, rebuilding each
// page item from its source row and the remote ids the ledger kept
func (p *QueueProcessor) retryPages(ctx context.Context, now time.Time) error {
	records, err := p.pageRepo.ListByStatus(ctx, models.StatusRetry, p.config.BatchSize)
	if err != nil {
		return fmt.Errorf("loading page retry candidates: %w", err)
	}

	for _, record := range records {
		if record.RetryCount >= p.config.MaxRetries {
			if err := p.pageRepo.UpdateStatus(ctx, record.NotebookUUID, record.PageNumber, record.TargetName, models.StatusFailed, record.ErrorMessage); err != nil {
				p.logger.Errorf("Failing exhausted page %s:p%d/%s: %v", record.NotebookUUID, record.PageNumber, record.TargetName, err)
			}
			p.mu.Lock()
			p.status.FailedTotal++
			p.mu.Unlock()
			continue
		}

		if now.Before(record.UpdatedAt.Add(p.backoffDelay(record.RetryCount))) {
			continue
		}

		item, err := p.rebuildPageItem(ctx, record)
		if err != nil {
			p.logger.Errorf("Rebuilding page %s:p%d for retry: %v", record.NotebookUUID, record.PageNumber, err)
			continue
		}
		if item == nil {
			if err := p.pageRepo.UpdateStatus(ctx, record.NotebookUUID, record.PageNumber, record.TargetName, models.StatusSkipped, "source row no longer exists"); err != nil {
				p.logger.Errorf("Skipping orphaned page %s:p%d/%s: %v", record.NotebookUUID, record.PageNumber, record.TargetName, err)
			}
			continue
		}

		p.metrics.RecordRetry(ctx, record.TargetName, record.RetryCount)
		p.mu.Lock()
		p.status.RetriedTotal++
		p.mu.Unlock()

		if _, err := p.manager.SyncItemToTarget(ctx, item, record.TargetName); err != nil {
			p.logger.Errorf("Retrying page %s:p%d to %s: %v", record.NotebookUUID, record.PageNumber, record.TargetName, err)
		}
	}
	return nil
}

// retryNotebook re-plans the notebook against current content and dispatches
// the plan. Replanned items that still hash the same reuse the retry rows,
// carrying their retry counts forward; a retry row whose hash no longer
// appears in any plan was superseded by newer content and is closed out.
// replanned caches plan hashes per (notebook, target) so one pass plans each
// pair at most once.
func (p *QueueProcessor) retryNotebook(ctx context.Context, record *models.SyncRecord, replanned map[string]map[string]bool) {
	uuid := notebookUUIDOfItem(record.ItemID)
	key := uuid + "|" + record.TargetName

	hashes, done := replanned[key]
	if !done {
		notebook, err := p.contentRepo.GetNotebook(ctx, uuid)
		if err != nil {
			p.logger.Errorf("Loading notebook %s for retry: %v", uuid, err)
			return
		}
		if notebook == nil {
			if err := p.syncRepo.UpdateStatus(ctx, record.ContentHash, record.TargetName, models.StatusSkipped, "source row no longer exists", ""); err != nil {
				p.logger.Errorf("Skipping orphaned record %s/%s: %v", record.ItemID, record.TargetName, err)
			}
			return
		}

		plan, err := p.pageManager.PlanNotebookSync(ctx, uuid, record.TargetName, p.manager.MaxBlocksFor(record.TargetName), nil)
		if err != nil {
			p.logger.Errorf("Replanning notebook %s for %s: %v", uuid, record.TargetName, err)
			return
		}

		hashes = make(map[string]bool, len(plan.Items))
		for _, item := range plan.Items {
			hashes[item.ContentHash] = true
		}
		replanned[key] = hashes

		if plan.Skipped == nil {
			p.metrics.RecordRetry(ctx, record.TargetName, record.RetryCount)
			p.mu.Lock()
			p.status.RetriedTotal++
			p.mu.Unlock()
			p.runPlan(ctx, record.TargetName, plan)
		}
	}

	if hashes[record.ContentHash] {
		return
	}

	// Current content no longer produces this hash; close the row unless the
	// dispatch above already resolved it
	current, err := p.syncRepo.Get(ctx, record.ContentHash, record.TargetName)
	if err != nil || current == nil || current.Status != models.StatusRetry {
		return
	}
	if err := p.syncRepo.UpdateStatus(ctx, record.ContentHash, record.TargetName, models.StatusSkipped, "superseded by newer content", ""); err != nil {
		p.logger.Errorf("Closing superseded record %s/%s: %v", record.ItemID, record.TargetName, err)
	}
}

// rebuildItem reconstructs a sync item from its ledger row so a retry sees
// current content. Returns (nil, nil) when the source row is gone.
func (p *QueueProcessor) rebuildItem(ctx context.Context, record *models.SyncRecord) (*models.SyncItem, error) {
	switch record.ItemType {
	case models.ItemTypeTodo:
		todo, err := p.contentRepo.GetTodo(ctx, record.ItemID)
		if err != nil || todo == nil {
			return nil, err
		}
		return todoSyncItem(todo)
	case models.ItemTypeHighlight:
		highlight, err := p.contentRepo.GetHighlight(ctx, record.ItemID)
		if err != nil || highlight == nil {
			return nil, err
		}
		return highlightSyncItem(highlight)
	default:
		return nil, fmt.Errorf("cannot rebuild item type %q", record.ItemType)
	}
}

// rebuildPageItem reconstructs a page sync item from its ledger row.
// Returns (nil, nil) when the notebook or page is gone or has no text left.
func (p *QueueProcessor) rebuildPageItem(ctx context.Context, record *models.PageSyncRecord) (*models.SyncItem, error) {
	notebook, err := p.contentRepo.GetNotebook(ctx, record.NotebookUUID)
	if err != nil || notebook == nil {
		return nil, err
	}
	page, err := p.contentRepo.GetPage(ctx, record.NotebookUUID, record.PageNumber)
	if err != nil || page == nil {
		return nil, err
	}
	if strings.TrimSpace(page.Text) == "" {
		return nil, nil
	}

	targetPageID := record.TargetPageID
	if targetPageID == "" {
		// Fall back to the notebook's own ledger row, the same anchor a
		// fresh plan would use
		notebookRecord, err := p.syncRepo.GetLatestForItem(ctx, record.NotebookUUID, record.TargetName)
		if err != nil {
			return nil, err
		}
		if notebookRecord != nil {
			targetPageID = notebookRecord.ExternalID
		}
	}

	payload := map[string]interface{}{
		"notebook_uuid":  record.NotebookUUID,
		"notebook_title": notebook.Title,
		"page_number":    record.PageNumber,
		"text":           page.Text,
		"priority":       PriorityChanged,
		"target_page_id": targetPageID,
	}
	if record.TargetBlockID != "" {
		payload["target_block_id"] = record.TargetBlockID
	}
	return models.NewSyncItem(models.ItemTypePageText, pageItemID(record.NotebookUUID, record.PageNumber), models.TableNotebookPages, payload)
}

// healthPass checks target connectivity and releases ledger rows stuck in
// progress past the threshold, usually after a crash mid-attempt
func (p *QueueProcessor) healthPass(ctx context.Context) {
	for _, info := range p.manager.TargetInfos(ctx) {
		if !info.Connected {
			p.logger.Warnf("Target %s unreachable: %s", info.Name, info.Detail)
		}
		p.publish(TopicHealth, Event{Type: EventTargetHealth, Payload: TargetHealthPayload{
			Target:    info.Name,
			Connected: info.Connected,
			Detail:    info.Detail,
		}})
	}

	stuck, err := p.syncRepo.ListStuck(ctx, time.Now().Add(-p.config.StuckThreshold))
	if err != nil {
		p.logger.Errorf("Listing stuck records: %v", err)
		return
	}
	for _, record := range stuck {
		p.logger.Warnf("Releasing stuck record %s/%s (in progress since %s)", record.ItemID, record.TargetName, record.UpdatedAt.Format(time.RFC3339))
		if err := p.syncRepo.IncrementRetry(ctx, record.ContentHash, record.TargetName, models.StatusRetry, "released after being stuck in progress"); err != nil {
			p.logger.Errorf("Releasing stuck record %s/%s: %v", record.ItemID, record.TargetName, err)
		}
	}
}

func (p *QueueProcessor) backoffDelay(retryCount int) time.Duration {
	delay := p.config.BaseRetryDelay << uint(retryCount)
	if delay > p.config.MaxRetryDelay || delay <= 0 {
		return p.config.MaxRetryDelay
	}
	return delay
}

// onCooldown reports whether the notebook synced too recently to touch again
func (p *QueueProcessor) onCooldown(uuid string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	last, ok := p.lastNotebook[uuid]
	return ok && time.Since(last) < p.config.NotebookCooldown
}

func (p *QueueProcessor) rememberNotebook(uuid string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastNotebook[uuid] = time.Now()
	// Prune stale cooldown entries
	for id, t := range p.lastNotebook {
		if time.Since(t) > 10*p.config.NotebookCooldown {
			delete(p.lastNotebook, id)
		}
	}
}

func (p *QueueProcessor) markEntry(ctx context.Context, id int64, status, note string) {
	if err := p.changelogRepo.MarkProcessed(ctx, id, status, note); err != nil {
		p.logger.Errorf("Marking changelog entry %d %s: %v", id, status, err)
		return
	}
	p.mu.Lock()
	if status == models.ChangelogProcessed {
		p.status.ProcessedTotal++
	} else {
		p.status.FailedTotal++
	}
	p.mu.Unlock()
}

func (p *QueueProcessor) markNotebookEntries(ctx context.Context, work *notebookWork, status, note string) {
	for _, id := range work.entryIDs {
		p.markEntry(ctx, id, status, note)
	}
}

func ensureNotebookWork(notebooks map[string]*notebookWork, uuid string) *notebookWork {
	work, ok := notebooks[uuid]
	if !ok {
		work = &notebookWork{}
		notebooks[uuid] = work
	}
	return work
}

// parsePageSourceID resolves a notebook_pages changelog entry to its
// notebook and page number. The watcher writes ids as "<uuid>:p<n>"; the
// changed-fields map is the fallback.
func parsePageSourceID(entry *models.ChangelogEntry) (string, int, bool) {
	if idx := strings.LastIndex(entry.SourceID, ":p"); idx > 0 {
		if n, err := strconv.Atoi(entry.SourceID[idx+2:]); err == nil {
			return entry.SourceID[:idx], n, true
		}
	}
	uuid := entry.ChangedFields["notebook_uuid"]
	pageStr := entry.ChangedFields["page_number"]
	if uuid != "" && pageStr != "" {
		if n, err := strconv.Atoi(pageStr); err == nil {
			return uuid, n, true
		}
	}
	return "", 0, false
}
