package models

import "time"

// Changelog process states
const (
	ChangelogPending   = "pending"
	ChangelogProcessed = "processed"
	ChangelogFailed    = "failed"
)

// Changelog operations
const (
	OpInsert = "insert"
	OpUpdate = "update"
	OpDelete = "delete"
)

// ChangelogEntry is one row of the append-only upstream mutation log. The
// queue processor drains pending entries oldest-first.
type ChangelogEntry struct {
	ID            int64             `json:"id"`
	SourceTable   string            `json:"sourceTable"`
	SourceID      string            `json:"sourceId"`
	Operation     string            `json:"operation"`
	ChangedFields map[string]string `json:"changedFields,omitempty"`
	ChangedAt     time.Time         `json:"changedAt"`
	ProcessedAt   *time.Time        `json:"processedAt,omitempty"`
	ProcessStatus string            `json:"processStatus"`
}

// NewChangelogEntry creates a pending changelog entry
func NewChangelogEntry(sourceTable, sourceID, operation string) *ChangelogEntry {
	return &ChangelogEntry{
		SourceTable:   sourceTable,
		SourceID:      sourceID,
		Operation:     operation,
		ChangedAt:     time.Now().UTC(),
		ProcessStatus: ChangelogPending,
	}
}
