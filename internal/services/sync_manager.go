package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gottino/remarkable-sync/internal/models"
	"github.com/gottino/remarkable-sync/internal/observability"
	"github.com/gottino/remarkable-sync/internal/repository"
	"github.com/gottino/remarkable-sync/internal/targets"
)

// Skip reasons surfaced in result metadata
const (
	ReasonAlreadySynced = "already_synced"
	ReasonUnknownTarget = "unknown_target"
)

// blockLimiter is implemented by targets with a per-write structural limit
type blockLimiter interface {
	MaxBlocksPerWrite() int
}

const defaultMaxBlocksPerWrite = 50

// SyncManager is the engine façade. It owns the target registry, consults
// the ledger before and after every attempt, and is the only component that
// writes sync records. Targets are registered at construction time; there
// is no process-wide registry.
type SyncManager struct {
	mu      sync.RWMutex
	targets map[string]targets.SyncTarget

	syncRepo     repository.SyncRecordRepo
	pageRepo     repository.PageSyncRecordRepo
	contentRepo  repository.ContentRepo
	detector     *ChangeDetector
	fingerprints *FingerprintService
	logger       *observability.Logger
	metrics      *observability.SyncMetrics
}

// NewSyncManager creates a SyncManager
func NewSyncManager(
	syncRepo repository.SyncRecordRepo,
	pageRepo repository.PageSyncRecordRepo,
	contentRepo repository.ContentRepo,
	detector *ChangeDetector,
	fingerprints *FingerprintService,
) *SyncManager {
	metrics, err := observability.NewSyncMetrics()
	if err != nil {
		// Metrics are optional; the engine runs without them
		observability.Warnf("Sync metrics unavailable: %v", err)
	}

	return &SyncManager{
		targets:      make(map[string]targets.SyncTarget),
		syncRepo:     syncRepo,
		pageRepo:     pageRepo,
		contentRepo:  contentRepo,
		detector:     detector,
		fingerprints: fingerprints,
		logger:       observability.WithField("component", "sync_manager"),
		metrics:      metrics,
	}
}

// RegisterTarget adds a target to the registry
func (m *SyncManager) RegisterTarget(ctx context.Context, target targets.SyncTarget) {
	info := target.Describe(ctx)
	m.mu.Lock()
	m.targets[info.Name] = target
	m.mu.Unlock()
	m.logger.Infof("Registered sync target %q (connected=%v)", info.Name, info.Connected)
}

// Target resolves a registered target by name
func (m *SyncManager) Target(name string) (targets.SyncTarget, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	target, ok := m.targets[name]
	return target, ok
}

// TargetNames returns the registered target names, sorted
func (m *SyncManager) TargetNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.targets))
	for name := range m.targets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TargetInfos describes all registered targets
func (m *SyncManager) TargetInfos(ctx context.Context) []targets.TargetInfo {
	m.mu.RLock()
	registered := make([]targets.SyncTarget, 0, len(m.targets))
	for _, target := range m.targets {
		registered = append(registered, target)
	}
	m.mu.RUnlock()

	infos := make([]targets.TargetInfo, 0, len(registered))
	for _, target := range registered {
		infos = append(infos, target.Describe(ctx))
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// MaxBlocksFor returns the per-write structural limit for a target
func (m *SyncManager) MaxBlocksFor(name string) int {
	if target, ok := m.Target(name); ok {
		if limiter, ok := target.(blockLimiter); ok {
			return limiter.MaxBlocksPerWrite()
		}
	}
	return defaultMaxBlocksPerWrite
}

// SyncItemToTarget attempts to sync one item to one target. The returned
// error is reserved for ledger failures, which are fatal for the attempt:
// an unrecorded outcome risks duplicate downstream writes. Target failures
// of any kind come back inside the SyncResult.
func (m *SyncManager) SyncItemToTarget(ctx context.Context, item *models.SyncItem, targetName string) (models.SyncResult, error) {
	ctx, span := observability.StartServiceSpan(ctx, "sync_manager", "sync_item")
	defer span.End()
	span.SetAttributes(
		observability.TargetName(targetName),
		observability.ItemType(string(item.ItemType)),
	)
	if item.ItemType == models.ItemTypePageText {
		span.SetAttributes(
			observability.NotebookID(item.PayloadString("notebook_uuid")),
			observability.PageNumber(item.PayloadInt("page_number")),
		)
	}
	start := time.Now()

	target, ok := m.Target(targetName)
	if !ok {
		result := models.FailedResult(fmt.Sprintf("unknown target %q", targetName))
		result.Metadata = map[string]string{models.MetaKeyReason: ReasonUnknownTarget}
		return result, nil
	}

	if item.ContentHash == "" {
		item.ContentHash = m.fingerprints.ForItem(item)
	}

	// Duplicate suppression. A Failed row with the same hash does not block
	// an explicit attempt; only a Success row short-circuits.
	if item.ItemType == models.ItemTypePageText {
		skip, err := m.checkPageDuplicate(ctx, item, targetName)
		if err != nil {
			return models.SyncResult{}, ledgerErr(err)
		}
		if skip != nil {
			return *skip, nil
		}
	} else {
		externalID, err := m.syncRepo.IsDuplicate(ctx, item.ContentHash, targetName)
		if err != nil {
			return models.SyncResult{}, ledgerErr(err)
		}
		if externalID == "" {
			// Cross-check with the target's own duplicate lookup
			if remoteID, dupErr := target.CheckDuplicate(ctx, item.ContentHash); dupErr == nil {
				externalID = remoteID
			}
		}
		if externalID != "" {
			result := models.SkippedResult(ReasonAlreadySynced)
			result.TargetID = externalID
			return result, nil
		}
	}

	// The pending upsert is the serialization point: the unique constraint
	// on (content_hash, target_name) makes concurrent attempts for the same
	// version converge on one row.
	if err := m.recordPending(ctx, item, targetName); err != nil {
		return models.SyncResult{}, ledgerErr(err)
	}

	result := m.callTarget(ctx, target, item)

	if err := m.recordOutcome(ctx, item, targetName, result); err != nil {
		return models.SyncResult{}, ledgerErr(err)
	}

	m.metrics.RecordAttempt(ctx, targetName, string(item.ItemType), string(result.Status), time.Since(start))
	return result, nil
}

// SyncItemToAllTargets fans an item out to every registered target that
// accepts its type, except names in exclude. Targets are attempted
// independently; one failure never blocks another.
func (m *SyncManager) SyncItemToAllTargets(ctx context.Context, item *models.SyncItem, exclude ...string) map[string]models.SyncResult {
	excluded := make(map[string]bool, len(exclude))
	for _, name := range exclude {
		excluded[name] = true
	}

	results := make(map[string]models.SyncResult)
	for _, name := range m.TargetNames() {
		if excluded[name] {
			continue
		}
		target, _ := m.Target(name)
		if !target.Describe(ctx).Capabilities.Supports(item.ItemType) {
			continue
		}

		// Items are immutable after construction; give each target its own
		// copy so the hash short-circuit stays independent.
		attempt := *item
		result, err := m.SyncItemToTarget(ctx, &attempt, name)
		if err != nil {
			m.logger.Errorf("Ledger failure syncing %s %s to %s: %v", item.ItemType, item.ItemID, name, err)
			result = models.FailedResult(err.Error())
		}
		results[name] = result
	}
	return results
}

// GetItemsNeedingSync unions candidate notebooks, todos and highlights,
// filters them through change detection for the target, and returns up to
// limit items, most recently updated first.
func (m *SyncManager) GetItemsNeedingSync(ctx context.Context, targetName string, limit int) ([]*models.SyncItem, error) {
	target, ok := m.Target(targetName)
	if !ok {
		return nil, models.ErrUnknownTarget
	}
	caps := target.Describe(ctx).Capabilities

	type candidate struct {
		item      *models.SyncItem
		updatedAt time.Time
	}
	var candidates []candidate

	if caps.Notebooks {
		notebooks, err := m.contentRepo.ListNotebooks(ctx, limit)
		if err != nil {
			return nil, err
		}
		for _, notebook := range notebooks {
			detection, err := m.detector.DetectNotebook(ctx, notebook.UUID, targetName)
			if err != nil {
				return nil, err
			}
			if !detection.NeedsSync {
				continue
			}
			item, err := models.NewSyncItem(models.ItemTypeNotebook, notebook.UUID, models.TableNotebooks, map[string]interface{}{
				"title":      notebook.Title,
				"page_count": notebook.PageCount,
			})
			if err != nil {
				return nil, err
			}
			item.ContentHash = detection.CurrentHash
			candidates = append(candidates, candidate{item, notebook.UpdatedAt})
		}
	}

	if caps.Todos {
		todos, err := m.contentRepo.ListOpenTodos(ctx, limit)
		if err != nil {
			return nil, err
		}
		for _, todo := range todos {
			detection, err := m.detector.DetectTodo(ctx, todo.ID, targetName)
			if err != nil {
				return nil, err
			}
			if !detection.NeedsSync {
				continue
			}
			item, err := todoSyncItem(todo)
			if err != nil {
				return nil, err
			}
			item.ContentHash = detection.CurrentHash
			candidates = append(candidates, candidate{item, todo.UpdatedAt})
		}
	}

	if caps.Highlights {
		highlights, err := m.contentRepo.ListHighlights(ctx, limit)
		if err != nil {
			return nil, err
		}
		for _, highlight := range highlights {
			detection, err := m.detector.DetectHighlight(ctx, highlight.ID, targetName)
			if err != nil {
				return nil, err
			}
			if !detection.NeedsSync {
				continue
			}
			item, err := highlightSyncItem(highlight)
			if err != nil {
				return nil, err
			}
			item.ContentHash = detection.CurrentHash
			candidates = append(candidates, candidate{item, highlight.UpdatedAt})
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].updatedAt.After(candidates[j].updatedAt)
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	items := make([]*models.SyncItem, len(candidates))
	for i, c := range candidates {
		items[i] = c.item
	}
	return items, nil
}

// Stats exposes aggregate ledger health. Empty targetName covers all.
func (m *SyncManager) Stats(ctx context.Context, targetName string) (*models.SyncStats, error) {
	ctx, span := observability.StartDBSpan(ctx, "aggregate", "sync_records")
	defer span.End()
	return m.syncRepo.Stats(ctx, targetName)
}

// checkPageDuplicate returns a Skipped result when the page's ledger row
// already records a successful sync of the same hash. A row with a
// different hash means the page changed and must proceed.
func (m *SyncManager) checkPageDuplicate(ctx context.Context, item *models.SyncItem, targetName string) (*models.SyncResult, error) {
	record, err := m.pageRepo.Get(ctx, item.PayloadString("notebook_uuid"), item.PayloadInt("page_number"), targetName)
	if err != nil {
		return nil, err
	}
	if record != nil && record.Status == models.StatusSuccess && record.ContentHash == item.ContentHash {
		result := models.SkippedResult(ReasonAlreadySynced)
		result.TargetID = record.TargetPageID
		return &result, nil
	}
	return nil, nil
}

// callTarget invokes the adapter, converting panics and tagged errors into
// results so nothing from a target can abort the processing loop
func (m *SyncManager) callTarget(ctx context.Context, target targets.SyncTarget, item *models.SyncItem) (result models.SyncResult) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Errorf("Target panicked syncing %s %s: %v", item.ItemType, item.ItemID, r)
			result = models.FailedResult(fmt.Sprintf("target panic: %v", r))
		}
	}()

	result, err := target.SyncItem(ctx, item)
	if err == nil {
		return result
	}

	switch targets.KindOf(err) {
	case targets.KindTransient:
		return models.RetryResult(err.Error(), targets.RetryAfterOf(err))
	default:
		return models.FailedResult(err.Error())
	}
}

// recordPending writes the in-progress ledger row for the attempt
func (m *SyncManager) recordPending(ctx context.Context, item *models.SyncItem, targetName string) error {
	if item.ItemType == models.ItemTypePageText {
		return m.pageRepo.Upsert(ctx, &models.PageSyncRecord{
			NotebookUUID: item.PayloadString("notebook_uuid"),
			PageNumber:   item.PayloadInt("page_number"),
			ContentHash:  item.ContentHash,
			TargetName:   targetName,
			Status:       models.StatusInProgress,
		})
	}

	record, err := models.NewSyncRecord(item.ContentHash, targetName, item.ItemType, item.ItemID)
	if err != nil {
		return err
	}
	record.Status = models.StatusInProgress
	record.Metadata[models.MetaKeySourceTable] = item.SourceTable
	return m.syncRepo.Upsert(ctx, record)
}

// recordOutcome folds the attempt result into the ledger
func (m *SyncManager) recordOutcome(ctx context.Context, item *models.SyncItem, targetName string, result models.SyncResult) error {
	if item.ItemType == models.ItemTypePageText {
		if result.Status == models.StatusRetry {
			return m.pageRepo.IncrementRetry(ctx,
				item.PayloadString("notebook_uuid"),
				item.PayloadInt("page_number"),
				targetName,
				models.StatusRetry,
				result.ErrorMessage,
			)
		}
		record := &models.PageSyncRecord{
			NotebookUUID: item.PayloadString("notebook_uuid"),
			PageNumber:   item.PayloadInt("page_number"),
			ContentHash:  item.ContentHash,
			TargetName:   targetName,
			Status:       result.Status,
			ErrorMessage: result.ErrorMessage,
			TargetPageID: result.TargetID,
		}
		if blockID, ok := result.Metadata["block_id"]; ok {
			record.TargetBlockID = blockID
		}
		return m.pageRepo.Upsert(ctx, record)
	}

	if result.Status == models.StatusRetry {
		return m.syncRepo.IncrementRetry(ctx, item.ContentHash, targetName, models.StatusRetry, result.ErrorMessage)
	}
	return m.syncRepo.UpdateStatus(ctx, item.ContentHash, targetName, result.Status, result.ErrorMessage, result.TargetID)
}

func ledgerErr(err error) error {
	return fmt.Errorf("ledger write failed: %w", err)
}

// todoSyncItem builds the sync item for a todo
func todoSyncItem(todo *models.Todo) (*models.SyncItem, error) {
	payload := map[string]interface{}{
		"text":     todo.Text,
		"notebook": todo.Notebook,
	}
	if todo.DueDate != nil {
		payload["due_date"] = todo.DueDate.UTC().Format("2006-01-02")
	}
	return models.NewSyncItem(models.ItemTypeTodo, todo.ID, models.TableTodos, payload)
}

// highlightSyncItem builds the sync item for a highlight
func highlightSyncItem(highlight *models.Highlight) (*models.SyncItem, error) {
	return models.NewSyncItem(models.ItemTypeHighlight, highlight.ID, models.TableHighlights, map[string]interface{}{
		"text":        highlight.Text,
		"title":       highlight.Title,
		"author":      highlight.Author,
		"source_file": highlight.SourceFile,
		"page_number": highlight.PageNumber,
	})
}
