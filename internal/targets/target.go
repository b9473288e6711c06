package targets

import (
	"context"

	"github.com/gottino/remarkable-sync/internal/models"
)

// Capabilities declares which item types a target accepts
type Capabilities struct {
	Notebooks  bool `json:"notebooks"`
	PageText   bool `json:"pageText"`
	Todos      bool `json:"todos"`
	Highlights bool `json:"highlights"`
}

// Supports reports whether an item type is accepted
func (c Capabilities) Supports(t models.ItemType) bool {
	switch t {
	case models.ItemTypeNotebook:
		return c.Notebooks
	case models.ItemTypePageText:
		return c.PageText
	case models.ItemTypeTodo:
		return c.Todos
	case models.ItemTypeHighlight:
		return c.Highlights
	}
	return false
}

// SupportsTable reports whether changelog rows from a source table can
// produce work for this target
func (c Capabilities) SupportsTable(table string) bool {
	switch table {
	case models.TableNotebooks, models.TableNotebookPages:
		return c.Notebooks || c.PageText
	case models.TableTodos:
		return c.Todos
	case models.TableHighlights:
		return c.Highlights
	}
	return false
}

// TargetInfo describes a registered target
type TargetInfo struct {
	Name         string       `json:"name"`
	Connected    bool         `json:"connected"`
	Detail       string       `json:"detail,omitempty"`
	Capabilities Capabilities `json:"capabilities"`
}

// SyncTarget is the capability interface every downstream integration
// implements. Implementations return results and tagged errors; they never
// write the ledger themselves.
type SyncTarget interface {
	// SyncItem creates or updates the item in the target. Must be safe to
	// call for an item the target has never seen.
	SyncItem(ctx context.Context, item *models.SyncItem) (models.SyncResult, error)

	// CheckDuplicate is a best-effort remote lookup by content hash. The
	// engine consults its own ledger first; this is a cross-check only.
	// Returns "" when the hash is unknown to the target.
	CheckDuplicate(ctx context.Context, contentHash string) (string, error)

	// UpdateItem updates an existing remote entity
	UpdateItem(ctx context.Context, externalID string, item *models.SyncItem) (models.SyncResult, error)

	// DeleteItem removes a remote entity. Targets without delete support
	// return a Skipped result, which callers must treat as non-error.
	DeleteItem(ctx context.Context, externalID string) (models.SyncResult, error)

	// Describe reports the target's name, connectivity and capabilities
	Describe(ctx context.Context) TargetInfo
}
