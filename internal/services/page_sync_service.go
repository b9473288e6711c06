package services

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/gottino/remarkable-sync/internal/models"
	"github.com/gottino/remarkable-sync/internal/observability"
	"github.com/gottino/remarkable-sync/internal/repository"
)

// Page priority tags carried in item payloads
const (
	PriorityChanged = "changed"
	PriorityBacklog = "backlog"
)

// PagePlan is the bounded set of sync operations for one notebook and target
type PagePlan struct {
	NewNotebook  bool               `json:"newNotebook"`
	Items        []*models.SyncItem `json:"items"`
	Skipped      *models.SyncResult `json:"skipped,omitempty"`
	ChangedPages []int              `json:"changedPages,omitempty"`
	BacklogPages []int              `json:"backlogPages,omitempty"`
	StalePages   []int              `json:"stalePages,omitempty"`
}

// PageSyncManager converts "notebook changed" signals into sync operations
// sized to a target's per-write block limit. New notebooks are split into
// sequential page batches; known notebooks get one item per changed, stale
// or backlog page so each page's staleness is tracked independently.
type PageSyncManager struct {
	contentRepo  repository.ContentRepo
	syncRepo     repository.SyncRecordRepo
	pageRepo     repository.PageSyncRecordRepo
	fingerprints *FingerprintService
	logger       *observability.Logger
}

// NewPageSyncManager creates a new PageSyncManager
func NewPageSyncManager(
	contentRepo repository.ContentRepo,
	syncRepo repository.SyncRecordRepo,
	pageRepo repository.PageSyncRecordRepo,
	fingerprints *FingerprintService,
) *PageSyncManager {
	return &PageSyncManager{
		contentRepo:  contentRepo,
		syncRepo:     syncRepo,
		pageRepo:     pageRepo,
		fingerprints: fingerprints,
		logger:       observability.WithField("component", "page_sync"),
	}
}

// IsNotebookKnownToTarget reports whether the notebook has any successful
// sync record for the target
func (m *PageSyncManager) IsNotebookKnownToTarget(ctx context.Context, notebookUUID, targetName string) (bool, error) {
	record, err := m.syncRepo.GetLatestForItem(ctx, notebookUUID, targetName)
	if err != nil {
		return false, err
	}
	return record != nil, nil
}

// PlanNotebookSync computes the sync items for a notebook. changedPages is
// the set the caller knows to have changed (may be empty); the plan also
// reconciles backlog and stale pages discovered from the page ledger.
func (m *PageSyncManager) PlanNotebookSync(ctx context.Context, notebookUUID, targetName string, maxBlocksPerWrite int, changedPages []int) (*PagePlan, error) {
	notebook, err := m.contentRepo.GetNotebook(ctx, notebookUUID)
	if err != nil {
		return nil, err
	}
	if notebook == nil {
		return nil, fmt.Errorf("notebook %s not found", notebookUUID)
	}

	pages, err := m.contentRepo.GetPages(ctx, notebookUUID)
	if err != nil {
		return nil, err
	}

	// Pages with no recognized text never produce work
	textPages := make(map[int]*models.NotebookPage)
	for _, page := range pages {
		if strings.TrimSpace(page.Text) != "" {
			textPages[page.PageNumber] = page
		}
	}
	if len(textPages) == 0 {
		return &PagePlan{Skipped: skippedResultPtr("No pages to sync")}, nil
	}

	known, err := m.IsNotebookKnownToTarget(ctx, notebookUUID, targetName)
	if err != nil {
		return nil, err
	}
	if !known {
		return m.planNewNotebook(notebook, textPages, maxBlocksPerWrite)
	}
	return m.planExistingNotebook(ctx, notebook, targetName, textPages, changedPages)
}

// planNewNotebook emits one metadata-only item plus sequential page batches.
// Batches hold at most maxBlocksPerWrite/2 pages, reserving headroom for
// per-page formatting overhead.
func (m *PageSyncManager) planNewNotebook(notebook *models.Notebook, textPages map[int]*models.NotebookPage, maxBlocksPerWrite int) (*PagePlan, error) {
	if maxBlocksPerWrite <= 1 {
		maxBlocksPerWrite = 2
	}
	batchSize := maxBlocksPerWrite / 2

	numbers := sortedPageNumbers(textPages)
	texts := make([]string, len(numbers))
	for i, n := range numbers {
		texts[i] = textPages[n].Text
	}

	plan := &PagePlan{NewNotebook: true}

	metadata, err := models.NewSyncItem(models.ItemTypeNotebook, notebook.UUID, models.TableNotebooks, map[string]interface{}{
		"title":         notebook.Title,
		"page_count":    notebook.PageCount,
		"metadata_only": true,
	})
	if err != nil {
		return nil, err
	}
	metadata.ContentHash = m.fingerprints.ForNotebook(notebook.Title, texts, notebook.PageCount)
	plan.Items = append(plan.Items, metadata)

	for start := 0; start < len(numbers); start += batchSize {
		end := start + batchSize
		if end > len(numbers) {
			end = len(numbers)
		}
		batchNumbers := numbers[start:end]
		batchTexts := texts[start:end]

		batchPages := make([]map[string]interface{}, len(batchNumbers))
		for i, n := range batchNumbers {
			batchPages[i] = map[string]interface{}{
				"page_number": n,
				"text":        textPages[n].Text,
			}
		}

		// Batches record under their own item id so the notebook's ledger
		// identity stays pinned to the metadata row
		item, err := models.NewSyncItem(models.ItemTypeNotebook, batchItemID(notebook.UUID, start/batchSize), models.TableNotebooks, map[string]interface{}{
			"title":       notebook.Title,
			"page_count":  notebook.PageCount,
			"pages":       batchPages,
			"batch_index": start / batchSize,
		})
		if err != nil {
			return nil, err
		}
		item.ContentHash = m.fingerprints.ForNotebookBatch(notebook.UUID, batchNumbers, batchTexts)
		plan.Items = append(plan.Items, item)
	}

	m.logger.Infof("Planned new notebook %s: %d pages in %d batches (batch size %d)",
		notebook.UUID, len(numbers), len(plan.Items)-1, batchSize)
	return plan, nil
}

// planExistingNotebook emits one item per page in the union of explicitly
// changed, backlog and stale pages. Changed pages are tagged for priority
// so rate-limited cycles make progress on fresh edits first.
func (m *PageSyncManager) planExistingNotebook(ctx context.Context, notebook *models.Notebook, targetName string, textPages map[int]*models.NotebookPage, changedPages []int) (*PagePlan, error) {
	records, err := m.pageRepo.ListForNotebook(ctx, notebook.UUID, targetName)
	if err != nil {
		return nil, err
	}

	recordByPage := make(map[int]*models.PageSyncRecord, len(records))
	for _, record := range records {
		recordByPage[record.PageNumber] = record
	}

	explicit := make(map[int]bool, len(changedPages))
	for _, n := range changedPages {
		if _, ok := textPages[n]; ok {
			explicit[n] = true
		}
	}

	plan := &PagePlan{}
	work := map[int]string{} // page -> priority

	for n := range explicit {
		work[n] = PriorityChanged
		plan.ChangedPages = append(plan.ChangedPages, n)
	}

	for n, page := range textPages {
		if explicit[n] {
			continue
		}
		record, ok := recordByPage[n]
		if !ok || record.Status != models.StatusSuccess {
			// Never successfully synced and nobody told us it changed
			work[n] = PriorityBacklog
			plan.BacklogPages = append(plan.BacklogPages, n)
			continue
		}
		currentHash := m.fingerprints.ForPageText(notebook.UUID, n, page.Text)
		if record.ContentHash != currentHash {
			work[n] = PriorityBacklog
			plan.StalePages = append(plan.StalePages, n)
		}
	}

	if len(work) == 0 {
		plan.Skipped = skippedResultPtr("All pages up to date")
		return plan, nil
	}

	// Target page id comes from the notebook's own ledger row
	notebookRecord, err := m.syncRepo.GetLatestForItem(ctx, notebook.UUID, targetName)
	if err != nil {
		return nil, err
	}
	targetPageID := ""
	if notebookRecord != nil {
		targetPageID = notebookRecord.ExternalID
	}

	// Changed pages first, then backlog/stale, each in page order
	numbers := make([]int, 0, len(work))
	for n := range work {
		numbers = append(numbers, n)
	}
	sort.Slice(numbers, func(i, j int) bool {
		pi, pj := work[numbers[i]], work[numbers[j]]
		if pi != pj {
			return pi == PriorityChanged
		}
		return numbers[i] < numbers[j]
	})

	for _, n := range numbers {
		page := textPages[n]
		payload := map[string]interface{}{
			"notebook_uuid":  notebook.UUID,
			"notebook_title": notebook.Title,
			"page_number":    n,
			"text":           page.Text,
			"priority":       work[n],
			"target_page_id": targetPageID,
		}
		if record, ok := recordByPage[n]; ok && record.TargetBlockID != "" {
			payload["target_block_id"] = record.TargetBlockID
			if record.TargetPageID != "" {
				payload["target_page_id"] = record.TargetPageID
			}
		}

		item, err := models.NewSyncItem(models.ItemTypePageText, pageItemID(notebook.UUID, n), models.TableNotebookPages, payload)
		if err != nil {
			return nil, err
		}
		item.ContentHash = m.fingerprints.ForPageText(notebook.UUID, n, page.Text)
		plan.Items = append(plan.Items, item)
	}

	sort.Ints(plan.ChangedPages)
	sort.Ints(plan.BacklogPages)
	sort.Ints(plan.StalePages)

	m.logger.Infof("Planned notebook %s update: %d changed, %d backlog, %d stale",
		notebook.UUID, len(plan.ChangedPages), len(plan.BacklogPages), len(plan.StalePages))
	return plan, nil
}

// pageItemID is the stable item id for one page of a notebook
func pageItemID(notebookUUID string, pageNumber int) string {
	return fmt.Sprintf("%s:p%d", notebookUUID, pageNumber)
}

// batchItemID is the item id for one page batch of a new notebook
func batchItemID(notebookUUID string, batchIndex int) string {
	return fmt.Sprintf("%s:b%d", notebookUUID, batchIndex)
}

// notebookUUIDOfItem strips a page or batch suffix off a ledger item id
func notebookUUIDOfItem(itemID string) string {
	if i := strings.IndexByte(itemID, ':'); i >= 0 {
		return itemID[:i]
	}
	return itemID
}

func sortedPageNumbers(pages map[int]*models.NotebookPage) []int {
	numbers := make([]int, 0, len(pages))
	for n := range pages {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)
	return numbers
}

func skippedResultPtr(reason string) *models.SyncResult {
	result := models.SkippedResult(reason)
	return &result
}
