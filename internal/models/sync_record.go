package models

import "time"

// SyncStatus is the lifecycle state of a ledger row
type SyncStatus string

const (
	StatusPending    SyncStatus = "pending"
	StatusInProgress SyncStatus = "in_progress"
	StatusSuccess    SyncStatus = "success"
	StatusFailed     SyncStatus = "failed"
	StatusRetry      SyncStatus = "retry"
	StatusSkipped    SyncStatus = "skipped"
)

// Well-known metadata keys. Core logic must not branch on any other key.
const (
	MetaKeyReason      = "reason"
	MetaKeyAction      = "action"
	MetaKeySourceTable = "source_table"
)

// SyncRecord is one ledger row: the outcome of syncing one content hash to
// one target. At most one row exists per (content_hash, target_name).
type SyncRecord struct {
	ContentHash  string            `json:"contentHash"`
	TargetName   string            `json:"targetName"`
	ExternalID   string            `json:"externalId,omitempty"`
	ItemType     ItemType          `json:"itemType"`
	Status       SyncStatus        `json:"status"`
	ItemID       string            `json:"itemId,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	ErrorMessage string            `json:"errorMessage,omitempty"`
	RetryCount   int               `json:"retryCount"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
	SyncedAt     *time.Time        `json:"syncedAt,omitempty"`
}

// NewSyncRecord creates a pending ledger row for a first attempt
func NewSyncRecord(contentHash, targetName string, itemType ItemType, itemID string) (*SyncRecord, error) {
	if contentHash == "" {
		return nil, ErrEmptyHash
	}
	if targetName == "" {
		return nil, ErrEmptyTarget
	}

	now := time.Now().UTC()
	return &SyncRecord{
		ContentHash: contentHash,
		TargetName:  targetName,
		ItemType:    itemType,
		Status:      StatusPending,
		ItemID:      itemID,
		Metadata:    map[string]string{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// PageSyncRecord tracks sync state for a single notebook page. Pages are
// the unit of staleness detection: a page is stale when its current content
// hash differs from the one recorded here, independent of the notebook's
// own record.
type PageSyncRecord struct {
	NotebookUUID  string     `json:"notebookUuid"`
	PageNumber    int        `json:"pageNumber"`
	ContentHash   string     `json:"contentHash"`
	TargetName    string     `json:"targetName"`
	TargetPageID  string     `json:"targetPageId,omitempty"`
	TargetBlockID string     `json:"targetBlockId,omitempty"`
	Status        SyncStatus `json:"status"`
	ErrorMessage  string     `json:"errorMessage,omitempty"`
	RetryCount    int        `json:"retryCount"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	SyncedAt      *time.Time `json:"syncedAt,omitempty"`
}

// SyncStats aggregates ledger state for operators
type SyncStats struct {
	TotalRecords   int                `json:"totalRecords"`
	StatusCounts   map[SyncStatus]int `json:"statusCounts"`
	TypeCounts     map[ItemType]int   `json:"typeCounts"`
	TargetCounts   map[string]int     `json:"targetCounts"`
	RecentActivity int                `json:"recentActivity"`
}
