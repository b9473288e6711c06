package models

import (
	"strings"
	"time"
)

// ItemType identifies the kind of content a sync item carries
type ItemType string

const (
	ItemTypeNotebook  ItemType = "notebook"
	ItemTypePageText  ItemType = "page_text"
	ItemTypeTodo      ItemType = "todo"
	ItemTypeHighlight ItemType = "highlight"
)

// IsValid reports whether the item type is one of the known kinds
func (t ItemType) IsValid() bool {
	switch t {
	case ItemTypeNotebook, ItemTypePageText, ItemTypeTodo, ItemTypeHighlight:
		return true
	}
	return false
}

// SyncItem is one unit of sync work. It is constructed fresh per attempt
// and never mutated after dispatch.
type SyncItem struct {
	ItemType    ItemType               `json:"itemType"`
	ItemID      string                 `json:"itemId"`
	ContentHash string                 `json:"contentHash"`
	Payload     map[string]interface{} `json:"payload"`
	SourceTable string                 `json:"sourceTable"`
	CreatedAt   time.Time              `json:"createdAt"`
	UpdatedAt   time.Time              `json:"updatedAt"`
}

// NewSyncItem creates a SyncItem with validation
func NewSyncItem(itemType ItemType, itemID, sourceTable string, payload map[string]interface{}) (*SyncItem, error) {
	if !itemType.IsValid() {
		return nil, ErrInvalidItemType
	}
	if strings.TrimSpace(itemID) == "" {
		return nil, ErrEmptyItemID
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}

	now := time.Now().UTC()
	return &SyncItem{
		ItemType:    itemType,
		ItemID:      itemID,
		Payload:     payload,
		SourceTable: sourceTable,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// PayloadString returns a string payload field, or "" when absent
func (i *SyncItem) PayloadString(key string) string {
	if v, ok := i.Payload[key].(string); ok {
		return v
	}
	return ""
}

// PayloadInt returns an integer payload field, or 0 when absent.
// JSON round-trips store numbers as float64, so both forms are accepted.
func (i *SyncItem) PayloadInt(key string) int {
	switch v := i.Payload[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// Errors
type SyncError struct {
	Message string
}

func (e SyncError) Error() string {
	return e.Message
}

var (
	ErrInvalidItemType = SyncError{"item type is not supported"}
	ErrEmptyItemID     = SyncError{"item id cannot be empty"}
	ErrEmptyHash       = SyncError{"content hash cannot be empty"}
	ErrEmptyTarget     = SyncError{"target name cannot be empty"}
	ErrUnknownTarget   = SyncError{"target is not registered"}
	ErrRecordNotFound  = SyncError{"sync record not found"}
)
