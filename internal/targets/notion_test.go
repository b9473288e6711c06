package targets

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gottino/remarkable-sync/internal/models"
)

func newNotionTest(t *testing.T, handler http.HandlerFunc) (*NotionTarget, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	target, err := NewNotionTarget(NotionConfig{
		Token:        "secret_test_token",
		BaseURL:      server.URL,
		ParentPageID: "parent-page-id",
	})
	require.NoError(t, err)
	return target, server
}

func notionItem(t *testing.T, itemType models.ItemType, payload map[string]interface{}) *models.SyncItem {
	t.Helper()
	item, err := models.NewSyncItem(itemType, "item-1", "notebooks", payload)
	require.NoError(t, err)
	item.ContentHash = "deadbeef"
	return item
}

func TestNewNotionTarget_RequiresToken(t *testing.T) {
	_, err := NewNotionTarget(NotionConfig{})
	require.Error(t, err)
}

func TestNewNotionTarget_Defaults(t *testing.T) {
	target, err := NewNotionTarget(NotionConfig{Token: "tok", BaseURL: "https://api.notion.com/"})
	require.NoError(t, err)
	assert.Equal(t, "notion", target.Name())
	assert.Equal(t, 50, target.MaxBlocksPerWrite())
	assert.Equal(t, "https://api.notion.com", target.cfg.BaseURL)
	assert.Equal(t, notionDefaultAPIVersion, target.cfg.APIVersion)
}

func TestNotionTarget_SyncNotebookCreatesPage(t *testing.T) {
	var gotPath, gotMethod, gotAuth, gotVersion string
	var gotBody map[string]interface{}

	target, _ := newNotionTest(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMethod = r.Method
		gotAuth = r.Header.Get("Authorization")
		gotVersion = r.Header.Get("Notion-Version")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"created-page-id"}`))
	})

	item := notionItem(t, models.ItemTypeNotebook, map[string]interface{}{
		"title":      "Meeting Notes",
		"page_count": 3,
		"pages": []map[string]interface{}{
			{"page_number": 1, "text": "first page"},
			{"page_number": 2, "text": "second page"},
		},
	})

	result, err := target.SyncItem(context.Background(), item)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, result.Status)
	assert.Equal(t, "created-page-id", result.TargetID)
	assert.Equal(t, "3", result.Metadata["page_count"])

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/v1/pages", gotPath)
	assert.Equal(t, "Bearer secret_test_token", gotAuth)
	assert.Equal(t, notionDefaultAPIVersion, gotVersion)

	parent, ok := gotBody["parent"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "parent-page-id", parent["page_id"])
	children, ok := gotBody["children"].([]interface{})
	require.True(t, ok)
	assert.Len(t, children, 2)
}

func TestNotionTarget_SyncNotebookAppendsToExistingPage(t *testing.T) {
	var gotPath, gotMethod string

	target, _ := newNotionTest(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMethod = r.Method
		_, _ = w.Write([]byte(`{"results":[{"id":"block-1"},{"id":"block-2"}]}`))
	})

	item := notionItem(t, models.ItemTypeNotebook, map[string]interface{}{
		"title":          "Meeting Notes",
		"target_page_id": "existing-page",
		"pages": []map[string]interface{}{
			{"page_number": 4, "text": "late addition"},
		},
	})

	result, err := target.SyncItem(context.Background(), item)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, result.Status)
	assert.Equal(t, "existing-page", result.TargetID)
	assert.Equal(t, "block-1", result.Metadata["block_id"])

	assert.Equal(t, http.MethodPatch, gotMethod)
	assert.Equal(t, "/v1/blocks/existing-page/children", gotPath)
}

func TestNotionTarget_SyncNotebookRejectsMissingTitle(t *testing.T) {
	target, _ := newNotionTest(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("validation failures must not reach the API")
	})

	item := notionItem(t, models.ItemTypeNotebook, map[string]interface{}{"title": "   "})

	_, err := target.SyncItem(context.Background(), item)
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestNotionTarget_SyncNotebookRejectsOversizedBatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("validation failures must not reach the API")
	}))
	t.Cleanup(server.Close)

	target, err := NewNotionTarget(NotionConfig{
		Token:             "tok",
		BaseURL:           server.URL,
		MaxBlocksPerWrite: 2,
	})
	require.NoError(t, err)

	item := notionItem(t, models.ItemTypeNotebook, map[string]interface{}{
		"title": "Big Notebook",
		"pages": []map[string]interface{}{
			{"text": "one"}, {"text": "two"}, {"text": "three"},
		},
	})

	_, err = target.SyncItem(context.Background(), item)
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestNotionTarget_SyncPageText(t *testing.T) {
	t.Run("appends block to notebook page", func(t *testing.T) {
		var gotPath string
		target, _ := newNotionTest(t, func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			_, _ = w.Write([]byte(`{"results":[{"id":"new-block"}]}`))
		})

		item := notionItem(t, models.ItemTypePageText, map[string]interface{}{
			"target_page_id": "page-9",
			"text":           "handwritten text",
		})

		result, err := target.SyncItem(context.Background(), item)
		require.NoError(t, err)
		assert.Equal(t, models.StatusSuccess, result.Status)
		assert.Equal(t, "page-9", result.TargetID)
		assert.Equal(t, "new-block", result.Metadata["block_id"])
		assert.Equal(t, "/v1/blocks/page-9/children", gotPath)
	})

	t.Run("replaces known block in place", func(t *testing.T) {
		var gotPath, gotMethod string
		target, _ := newNotionTest(t, func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			gotMethod = r.Method
			_, _ = w.Write([]byte(`{"id":"block-7"}`))
		})

		item := notionItem(t, models.ItemTypePageText, map[string]interface{}{
			"target_page_id":  "page-9",
			"target_block_id": "block-7",
			"text":            "revised text",
		})

		result, err := target.SyncItem(context.Background(), item)
		require.NoError(t, err)
		assert.Equal(t, "block-7", result.TargetID)
		assert.Equal(t, http.MethodPatch, gotMethod)
		assert.Equal(t, "/v1/blocks/block-7", gotPath)
	})

	t.Run("rejects missing target page", func(t *testing.T) {
		target, _ := newNotionTest(t, func(w http.ResponseWriter, r *http.Request) {
			t.Fatal("validation failures must not reach the API")
		})

		item := notionItem(t, models.ItemTypePageText, map[string]interface{}{"text": "orphan"})

		_, err := target.SyncItem(context.Background(), item)
		require.Error(t, err)
		assert.Equal(t, KindValidation, KindOf(err))
	})
}

func TestNotionTarget_SyncTodo(t *testing.T) {
	var gotBody map[string]interface{}

	target, _ := newNotionTest(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_, _ = w.Write([]byte(`{"results":[{"id":"todo-block"}]}`))
	})

	item := notionItem(t, models.ItemTypeTodo, map[string]interface{}{
		"text":     "buy milk",
		"due_date": "2026-09-01",
	})

	result, err := target.SyncItem(context.Background(), item)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, result.Status)

	children, ok := gotBody["children"].([]interface{})
	require.True(t, ok)
	require.Len(t, children, 1)
	block := children[0].(map[string]interface{})
	assert.Equal(t, "to_do", block["type"])
	todo := block["to_do"].(map[string]interface{})
	richText := todo["rich_text"].([]interface{})
	text := richText[0].(map[string]interface{})["text"].(map[string]interface{})["content"]
	assert.Equal(t, "buy milk (due 2026-09-01)", text)
}

func TestNotionTarget_RejectsHighlights(t *testing.T) {
	target, _ := newNotionTest(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("validation failures must not reach the API")
	})

	item := notionItem(t, models.ItemTypeHighlight, map[string]interface{}{"text": "quote"})

	_, err := target.SyncItem(context.Background(), item)
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestNotionTarget_RateLimitIsTransientWithRetryAfter(t *testing.T) {
	target, _ := newNotionTest(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"code":"rate_limited","message":"slow down"}`))
	})

	item := notionItem(t, models.ItemTypeTodo, map[string]interface{}{"text": "buy milk"})

	_, err := target.SyncItem(context.Background(), item)
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, 7*time.Second, RetryAfterOf(err))
	assert.Contains(t, err.Error(), "rate_limited")
}

func TestNotionTarget_ServerErrorIsTransient(t *testing.T) {
	target, _ := newNotionTest(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	item := notionItem(t, models.ItemTypeTodo, map[string]interface{}{"text": "buy milk"})

	_, err := target.SyncItem(context.Background(), item)
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, time.Duration(0), RetryAfterOf(err))
}

func TestNotionTarget_ClientErrorIsPermanent(t *testing.T) {
	target, _ := newNotionTest(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":"validation_error","message":"body failed validation"}`))
	})

	item := notionItem(t, models.ItemTypeTodo, map[string]interface{}{"text": "buy milk"})

	_, err := target.SyncItem(context.Background(), item)
	require.Error(t, err)
	assert.Equal(t, KindPermanent, KindOf(err))
	assert.Contains(t, err.Error(), "validation_error")
}

func TestNotionTarget_DeleteArchivesPage(t *testing.T) {
	var gotPath, gotMethod string
	var gotBody map[string]interface{}

	target, _ := newNotionTest(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMethod = r.Method
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_, _ = w.Write([]byte(`{"id":"page-3"}`))
	})

	result, err := target.DeleteItem(context.Background(), "page-3")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, result.Status)
	assert.Equal(t, "archived", result.Metadata[models.MetaKeyAction])

	assert.Equal(t, http.MethodPatch, gotMethod)
	assert.Equal(t, "/v1/pages/page-3", gotPath)
	assert.Equal(t, true, gotBody["archived"])
}

func TestNotionTarget_Describe(t *testing.T) {
	t.Run("connected when the token works", func(t *testing.T) {
		var gotPath string
		target, _ := newNotionTest(t, func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			_, _ = w.Write([]byte(`{"id":"user-1"}`))
		})

		info := target.Describe(context.Background())
		assert.True(t, info.Connected)
		assert.Equal(t, "notion", info.Name)
		assert.True(t, info.Capabilities.Notebooks)
		assert.True(t, info.Capabilities.PageText)
		assert.True(t, info.Capabilities.Todos)
		assert.False(t, info.Capabilities.Highlights)
		assert.Equal(t, "/v1/users/me", gotPath)
	})

	t.Run("disconnected on auth failure", func(t *testing.T) {
		target, _ := newNotionTest(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"code":"unauthorized","message":"invalid token"}`))
		})

		info := target.Describe(context.Background())
		assert.False(t, info.Connected)
	})
}

func TestNotionTarget_CheckDuplicateAlwaysMisses(t *testing.T) {
	target, _ := newNotionTest(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("duplicate checks must not reach the API")
	})

	id, err := target.CheckDuplicate(context.Background(), "deadbeef")
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, time.Duration(0), parseRetryAfter(""))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon"))
	assert.Equal(t, time.Duration(0), parseRetryAfter("-3"))
	assert.Equal(t, 12*time.Second, parseRetryAfter("12"))
	assert.Equal(t, 5*time.Second, parseRetryAfter(" 5 "))
}
