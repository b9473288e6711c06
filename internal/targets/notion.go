package targets

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/gottino/remarkable-sync/internal/models"
	"github.com/gottino/remarkable-sync/internal/observability"
)

const notionDefaultAPIVersion = "2022-06-28"

// NotionConfig configures the document-workspace target
type NotionConfig struct {
	Token             string        `json:"token"`
	BaseURL           string        `json:"baseUrl"`
	APIVersion        string        `json:"apiVersion"`
	ParentPageID      string        `json:"parentPageId"`
	MaxBlocksPerWrite int           `json:"maxBlocksPerWrite"`
	RequestsPerMinute int           `json:"requestsPerMinute"`
	TimeoutSeconds    int           `json:"timeoutSeconds"`
	timeout           time.Duration `json:"-"`
}

// NotionTarget syncs notebooks, page text and todos into a Notion workspace.
// Notebooks become pages of paragraph blocks under a configured parent page;
// page text appends or replaces blocks on an existing notebook page.
type NotionTarget struct {
	cfg        NotionConfig
	httpClient *http.Client
	limiter    *RateLimiter
	logger     *observability.Logger
}

// NewNotionTarget creates a Notion target. The token is wrapped in an oauth2
// static token source so the same client works with integration tokens and
// OAuth access tokens.
func NewNotionTarget(cfg NotionConfig) (*NotionTarget, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("notion token is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.notion.com"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.APIVersion == "" {
		cfg.APIVersion = notionDefaultAPIVersion
	}
	if cfg.MaxBlocksPerWrite <= 0 {
		cfg.MaxBlocksPerWrite = 50
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 30
	}
	cfg.timeout = time.Duration(cfg.TimeoutSeconds) * time.Second

	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
	client := oauth2.NewClient(context.Background(), src)
	client.Timeout = cfg.timeout

	return &NotionTarget{
		cfg:        cfg,
		httpClient: client,
		limiter:    NewRateLimiter(cfg.RequestsPerMinute),
		logger:     observability.WithField("target", "notion"),
	}, nil
}

// Name returns the registered target name
func (t *NotionTarget) Name() string {
	return "notion"
}

// MaxBlocksPerWrite returns the structural write limit for page batching
func (t *NotionTarget) MaxBlocksPerWrite() int {
	return t.cfg.MaxBlocksPerWrite
}

// Describe reports capabilities. Connectivity is probed with a cheap
// authenticated request.
func (t *NotionTarget) Describe(ctx context.Context) TargetInfo {
	return TargetInfo{
		Name:      t.Name(),
		Connected: t.ping(ctx),
		Capabilities: Capabilities{
			Notebooks: true,
			PageText:  true,
			Todos:     true,
		},
	}
}

// SyncItem creates or updates content in Notion depending on the item type
func (t *NotionTarget) SyncItem(ctx context.Context, item *models.SyncItem) (models.SyncResult, error) {
	switch item.ItemType {
	case models.ItemTypeNotebook:
		return t.syncNotebook(ctx, item)
	case models.ItemTypePageText:
		return t.syncPageText(ctx, item)
	case models.ItemTypeTodo:
		return t.syncTodo(ctx, item)
	default:
		return models.SyncResult{}, Validationf("notion does not accept item type %q", item.ItemType)
	}
}

// CheckDuplicate is not supported remotely; the Notion API cannot look up
// pages by an arbitrary hash. The engine's ledger is authoritative.
func (t *NotionTarget) CheckDuplicate(ctx context.Context, contentHash string) (string, error) {
	return "", nil
}

// UpdateItem replaces the text of an existing block or page
func (t *NotionTarget) UpdateItem(ctx context.Context, externalID string, item *models.SyncItem) (models.SyncResult, error) {
	if item.ItemType == models.ItemTypePageText {
		body := map[string]interface{}{
			"paragraph": map[string]interface{}{
				"rich_text": richText(item.PayloadString("text")),
			},
		}
		if _, err := t.do(ctx, http.MethodPatch, "/v1/blocks/"+externalID, body); err != nil {
			return models.SyncResult{}, err
		}
		return models.SuccessResult(externalID), nil
	}

	// Page-level updates replace the title only; body changes flow through
	// page text items.
	body := map[string]interface{}{
		"properties": map[string]interface{}{
			"title": map[string]interface{}{
				"title": richText(item.PayloadString("title")),
			},
		},
	}
	if _, err := t.do(ctx, http.MethodPatch, "/v1/pages/"+externalID, body); err != nil {
		return models.SyncResult{}, err
	}
	return models.SuccessResult(externalID), nil
}

// DeleteItem archives the page. Notion has no hard delete.
func (t *NotionTarget) DeleteItem(ctx context.Context, externalID string) (models.SyncResult, error) {
	body := map[string]interface{}{"archived": true}
	if _, err := t.do(ctx, http.MethodPatch, "/v1/pages/"+externalID, body); err != nil {
		return models.SyncResult{}, err
	}
	result := models.SuccessResult(externalID)
	result.Metadata = map[string]string{models.MetaKeyAction: "archived"}
	return result, nil
}

// syncNotebook creates a new notebook page. Metadata-only items carry no
// body; batch items carry up to MaxBlocksPerWrite/2 pages of text.
func (t *NotionTarget) syncNotebook(ctx context.Context, item *models.SyncItem) (models.SyncResult, error) {
	title := item.PayloadString("title")
	if strings.TrimSpace(title) == "" {
		return models.SyncResult{}, Validationf("notebook item %s has no title", item.ItemID)
	}

	children := []map[string]interface{}{}
	if pages, ok := item.Payload["pages"].([]map[string]interface{}); ok {
		for _, page := range pages {
			text, _ := page["text"].(string)
			children = append(children, paragraphBlock(text))
		}
	}
	if len(children) > t.cfg.MaxBlocksPerWrite {
		return models.SyncResult{}, Validationf("notebook item %s carries %d blocks, limit is %d",
			item.ItemID, len(children), t.cfg.MaxBlocksPerWrite)
	}

	// Existing notebook page: append this batch instead of creating a page
	if pageID := item.PayloadString("target_page_id"); pageID != "" {
		return t.appendChildren(ctx, pageID, children)
	}

	body := map[string]interface{}{
		"parent": map[string]interface{}{"page_id": t.cfg.ParentPageID},
		"properties": map[string]interface{}{
			"title": map[string]interface{}{"title": richText(title)},
		},
	}
	if len(children) > 0 {
		body["children"] = children
	}

	resp, err := t.do(ctx, http.MethodPost, "/v1/pages", body)
	if err != nil {
		return models.SyncResult{}, err
	}

	result := models.SuccessResult(resp.ID)
	result.Metadata = map[string]string{"page_count": strconv.Itoa(item.PayloadInt("page_count"))}
	return result, nil
}

// syncPageText appends a single page's text as a paragraph block on the
// notebook's Notion page
func (t *NotionTarget) syncPageText(ctx context.Context, item *models.SyncItem) (models.SyncResult, error) {
	pageID := item.PayloadString("target_page_id")
	if pageID == "" {
		return models.SyncResult{}, Validationf("page text item %s has no target page id", item.ItemID)
	}

	// Replace in place when the block is already known
	if blockID := item.PayloadString("target_block_id"); blockID != "" {
		return t.UpdateItem(ctx, blockID, item)
	}

	return t.appendChildren(ctx, pageID, []map[string]interface{}{
		paragraphBlock(item.PayloadString("text")),
	})
}

// syncTodo creates a to-do block on the configured parent page
func (t *NotionTarget) syncTodo(ctx context.Context, item *models.SyncItem) (models.SyncResult, error) {
	text := item.PayloadString("text")
	if strings.TrimSpace(text) == "" {
		return models.SyncResult{}, Validationf("todo item %s has no text", item.ItemID)
	}
	if due := item.PayloadString("due_date"); due != "" {
		text = text + " (due " + due + ")"
	}

	return t.appendChildren(ctx, t.cfg.ParentPageID, []map[string]interface{}{
		todoBlock(text, false),
	})
}

// appendChildren PATCHes blocks onto an existing page and returns the first
// created block id as the sync result's target id
func (t *NotionTarget) appendChildren(ctx context.Context, pageID string, children []map[string]interface{}) (models.SyncResult, error) {
	if len(children) == 0 {
		return models.SkippedResult("no blocks to write"), nil
	}

	body := map[string]interface{}{"children": children}
	resp, err := t.do(ctx, http.MethodPatch, "/v1/blocks/"+pageID+"/children", body)
	if err != nil {
		return models.SyncResult{}, err
	}

	result := models.SuccessResult(pageID)
	if len(resp.Results) > 0 {
		result.Metadata = map[string]string{"block_id": resp.Results[0].ID}
	}
	return result, nil
}

// ping verifies the token with a cheap authenticated call
func (t *NotionTarget) ping(ctx context.Context) bool {
	_, err := t.do(ctx, http.MethodGet, "/v1/users/me", nil)
	return err == nil
}

type notionResponse struct {
	ID      string `json:"id"`
	Results []struct {
		ID string `json:"id"`
	} `json:"results"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// do executes one Notion API request, classifying failures into the tagged
// error set. 429 and 5xx are transient; other non-2xx are permanent.
func (t *NotionTarget) do(ctx context.Context, method, path string, body interface{}) (*notionResponse, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, Transient(err)
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, Validation(err)
		}
		reader = bytes.NewReader(data)
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, t.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Notion-Version", t.cfg.APIVersion)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, Transient(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Transient(err)
	}

	var parsed notionResponse
	if len(data) > 0 {
		if err := json.Unmarshal(data, &parsed); err != nil && resp.StatusCode < 300 {
			return nil, Permanent(fmt.Errorf("notion returned malformed response: %w", err))
		}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return &parsed, nil
	}

	apiErr := fmt.Errorf("notion %s %s failed: status=%d code=%s message=%s",
		method, path, resp.StatusCode, parsed.Code, parsed.Message)

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		t.logger.Warnf("Transient notion failure: %v", apiErr)
		return nil, TransientAfter(apiErr, parseRetryAfter(resp.Header.Get("Retry-After")))
	}
	return nil, Permanent(apiErr)
}

// parseRetryAfter parses a Retry-After header given in seconds
func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func richText(text string) []map[string]interface{} {
	return []map[string]interface{}{
		{"type": "text", "text": map[string]interface{}{"content": text}},
	}
}

func paragraphBlock(text string) map[string]interface{} {
	return map[string]interface{}{
		"object":    "block",
		"type":      "paragraph",
		"paragraph": map[string]interface{}{"rich_text": richText(text)},
	}
}

func todoBlock(text string, checked bool) map[string]interface{} {
	return map[string]interface{}{
		"object": "block",
		"type":   "to_do",
		"to_do": map[string]interface{}{
			"rich_text": richText(text),
			"checked":   checked,
		},
	}
}
