package services

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gottino/remarkable-sync/internal/models"
)

// FingerprintService computes stable content hashes over the normalized,
// human-visible fields of each item type. The hash is the deduplication key;
// volatile fields like timestamps never participate. Stateless and safe for
// concurrent use.
type FingerprintService struct{}

// NewFingerprintService creates a new FingerprintService
func NewFingerprintService() *FingerprintService {
	return &FingerprintService{}
}

// ForNotebook hashes title, concatenated page text and page count
func (s *FingerprintService) ForNotebook(title string, pageTexts []string, pageCount int) string {
	trimmed := make([]string, len(pageTexts))
	for i, text := range pageTexts {
		trimmed[i] = strings.TrimSpace(text)
	}
	return s.hash(map[string]interface{}{
		"title":      strings.TrimSpace(title),
		"pages":      strings.Join(trimmed, "\n"),
		"page_count": pageCount,
	})
}

// ForNotebookBatch hashes one batch of pages destined for a single write.
// Each batch gets its own ledger row so partial notebook uploads resume
// where they stopped.
func (s *FingerprintService) ForNotebookBatch(notebookUUID string, pageNumbers []int, pageTexts []string) string {
	numbers := make([]string, len(pageNumbers))
	for i, n := range pageNumbers {
		numbers[i] = strconv.Itoa(n)
	}
	trimmed := make([]string, len(pageTexts))
	for i, text := range pageTexts {
		trimmed[i] = strings.TrimSpace(text)
	}
	return s.hash(map[string]interface{}{
		"notebook_uuid": notebookUUID,
		"page_numbers":  strings.Join(numbers, ","),
		"pages":         strings.Join(trimmed, "\n"),
	})
}

// ForPageText hashes one page's text within its notebook
func (s *FingerprintService) ForPageText(notebookUUID string, pageNumber int, text string) string {
	return s.hash(map[string]interface{}{
		"notebook_uuid": notebookUUID,
		"page_number":   pageNumber,
		"text":          strings.TrimSpace(text),
	})
}

// ForTodo hashes the todo text, due date and owning notebook. Completion
// state is excluded: completed todos leave the sync set instead of producing
// a new version.
func (s *FingerprintService) ForTodo(text string, dueDate *time.Time, notebook string) string {
	due := ""
	if dueDate != nil {
		due = dueDate.UTC().Format("2006-01-02")
	}
	return s.hash(map[string]interface{}{
		"text":     strings.TrimSpace(text),
		"due_date": due,
		"notebook": strings.TrimSpace(notebook),
	})
}

// ForHighlight hashes the highlight text and its source attribution
func (s *FingerprintService) ForHighlight(text, title, author string) string {
	return s.hash(map[string]interface{}{
		"text":   strings.TrimSpace(text),
		"title":  strings.TrimSpace(title),
		"author": strings.TrimSpace(author),
	})
}

// ForItem is the generic fallback for items without a precomputed hash. It
// hashes the payload with volatile and target-assigned fields removed.
func (s *FingerprintService) ForItem(item *models.SyncItem) string {
	switch item.ItemType {
	case models.ItemTypePageText:
		return s.ForPageText(item.PayloadString("notebook_uuid"), item.PayloadInt("page_number"), item.PayloadString("text"))
	case models.ItemTypeTodo:
		var due *time.Time
		if raw := item.PayloadString("due_date"); raw != "" {
			if parsed, err := time.Parse("2006-01-02", raw); err == nil {
				due = &parsed
			}
		}
		return s.ForTodo(item.PayloadString("text"), due, item.PayloadString("notebook"))
	case models.ItemTypeHighlight:
		return s.ForHighlight(item.PayloadString("text"), item.PayloadString("title"), item.PayloadString("author"))
	}

	normalized := map[string]interface{}{}
	for key, value := range item.Payload {
		if isVolatileField(key) {
			continue
		}
		if text, ok := value.(string); ok {
			value = strings.TrimSpace(text)
		}
		normalized[key] = value
	}
	return s.hash(normalized)
}

// hash serializes the field map canonically (key-sorted) and returns the
// lowercase hex SHA-256
func (s *FingerprintService) hash(fields map[string]interface{}) string {
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, key := range keys {
		b.WriteString(key)
		b.WriteByte('=')
		b.WriteString(canonicalValue(fields[key]))
		b.WriteByte('\n')
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func canonicalValue(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case int:
		return strconv.Itoa(v)
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	default:
		// Maps marshal with sorted keys, keeping nested values canonical
		data, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(data)
	}
}

// isVolatileField reports whether a payload key must never affect the hash
func isVolatileField(key string) bool {
	if strings.HasSuffix(key, "_at") || strings.HasSuffix(key, "_time") {
		return true
	}
	return strings.HasPrefix(key, "target_")
}
