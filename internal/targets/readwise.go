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

	"github.com/gottino/remarkable-sync/internal/models"
	"github.com/gottino/remarkable-sync/internal/observability"
)

// ReadwiseConfig configures the read-it-later target
type ReadwiseConfig struct {
	Token             string        `json:"token"`
	BaseURL           string        `json:"baseUrl"`
	RequestsPerMinute int           `json:"requestsPerMinute"`
	TimeoutSeconds    int           `json:"timeoutSeconds"`
	timeout           time.Duration `json:"-"`
}

// ReadwiseTarget pushes document highlights to Readwise. It accepts
// highlights only and does not support deletion.
type ReadwiseTarget struct {
	cfg        ReadwiseConfig
	httpClient *http.Client
	limiter    *RateLimiter
	logger     *observability.Logger
}

// NewReadwiseTarget creates a Readwise target
func NewReadwiseTarget(cfg ReadwiseConfig) (*ReadwiseTarget, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("readwise token is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://readwise.io"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 30
	}
	cfg.timeout = time.Duration(cfg.TimeoutSeconds) * time.Second

	return &ReadwiseTarget{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.timeout},
		limiter:    NewRateLimiter(cfg.RequestsPerMinute),
		logger:     observability.WithField("target", "readwise"),
	}, nil
}

// Name returns the registered target name
func (t *ReadwiseTarget) Name() string {
	return "readwise"
}

// Describe reports capabilities
func (t *ReadwiseTarget) Describe(ctx context.Context) TargetInfo {
	return TargetInfo{
		Name:         t.Name(),
		Connected:    t.ping(ctx),
		Capabilities: Capabilities{Highlights: true},
	}
}

// SyncItem creates the highlight in Readwise
func (t *ReadwiseTarget) SyncItem(ctx context.Context, item *models.SyncItem) (models.SyncResult, error) {
	if item.ItemType != models.ItemTypeHighlight {
		return models.SyncResult{}, Validationf("readwise does not accept item type %q", item.ItemType)
	}
	text := item.PayloadString("text")
	if strings.TrimSpace(text) == "" {
		return models.SyncResult{}, Validationf("highlight item %s has no text", item.ItemID)
	}

	highlight := map[string]interface{}{
		"text":           text,
		"source_type":    "remarkable",
		"category":       "books",
		"highlighted_at": item.UpdatedAt.Format(time.RFC3339),
	}
	if title := item.PayloadString("title"); title != "" {
		highlight["title"] = title
	}
	if author := item.PayloadString("author"); author != "" {
		highlight["author"] = author
	}
	if page := item.PayloadInt("page_number"); page > 0 {
		highlight["location"] = page
		highlight["location_type"] = "page"
	}

	body := map[string]interface{}{
		"highlights": []map[string]interface{}{highlight},
	}

	created, err := t.do(ctx, http.MethodPost, "/api/v2/highlights/", body)
	if err != nil {
		return models.SyncResult{}, err
	}

	externalID := ""
	if len(created) > 0 {
		externalID = created[0]
	}
	return models.SuccessResult(externalID), nil
}

// CheckDuplicate is not supported; Readwise deduplicates server side on
// (text, title) and the engine's ledger handles the rest
func (t *ReadwiseTarget) CheckDuplicate(ctx context.Context, contentHash string) (string, error) {
	return "", nil
}

// UpdateItem patches the highlight text
func (t *ReadwiseTarget) UpdateItem(ctx context.Context, externalID string, item *models.SyncItem) (models.SyncResult, error) {
	body := map[string]interface{}{"text": item.PayloadString("text")}
	if _, err := t.do(ctx, http.MethodPatch, "/api/v2/highlights/"+externalID+"/", body); err != nil {
		return models.SyncResult{}, err
	}
	return models.SuccessResult(externalID), nil
}

// DeleteItem is unsupported. Highlights stay in the Readwise archive.
func (t *ReadwiseTarget) DeleteItem(ctx context.Context, externalID string) (models.SyncResult, error) {
	return models.SkippedResult("readwise does not support deletion"), nil
}

// ping verifies the token
func (t *ReadwiseTarget) ping(ctx context.Context) bool {
	_, err := t.do(ctx, http.MethodGet, "/api/v2/auth/", nil)
	return err == nil
}

// do executes one Readwise API request and classifies failures. The create
// endpoint returns a list of book objects whose modified_highlights carry
// the new highlight ids.
func (t *ReadwiseTarget) do(ctx context.Context, method, path string, body interface{}) ([]string, error) {
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
	req.Header.Set("Authorization", "Token "+t.cfg.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, Transient(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Transient(err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		apiErr := fmt.Errorf("readwise %s %s failed: status=%d", method, path, resp.StatusCode)
		t.logger.Warnf("Transient readwise failure: %v", apiErr)
		return nil, TransientAfter(apiErr, parseRetryAfter(resp.Header.Get("Retry-After")))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, Permanent(fmt.Errorf("readwise %s %s failed: status=%d body=%s",
			method, path, resp.StatusCode, strings.TrimSpace(string(data))))
	}

	return parseHighlightIDs(data), nil
}

// parseHighlightIDs extracts created highlight ids from a create response
func parseHighlightIDs(data []byte) []string {
	var books []struct {
		ModifiedHighlights []int64 `json:"modified_highlights"`
	}
	if err := json.Unmarshal(data, &books); err != nil {
		return nil
	}
	var ids []string
	for _, b := range books {
		for _, id := range b.ModifiedHighlights {
			ids = append(ids, strconv.FormatInt(id, 10))
		}
	}
	return ids
}
