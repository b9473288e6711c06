package models

import "time"

// SyncResult is the outcome of one sync attempt against one target. It is
// not persisted directly; the engine folds it into the ledger.
type SyncResult struct {
	Status       SyncStatus        `json:"status"`
	TargetID     string            `json:"targetId,omitempty"`
	ErrorMessage string            `json:"errorMessage,omitempty"`
	RetryAfter   time.Duration     `json:"retryAfter,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Succeeded reports whether the attempt succeeded
func (r SyncResult) Succeeded() bool {
	return r.Status == StatusSuccess
}

// SuccessResult builds a success outcome carrying the target-assigned id
func SuccessResult(targetID string) SyncResult {
	return SyncResult{Status: StatusSuccess, TargetID: targetID}
}

// SkippedResult builds a skipped outcome. Skipped is not an error.
func SkippedResult(reason string) SyncResult {
	return SyncResult{
		Status:   StatusSkipped,
		Metadata: map[string]string{MetaKeyReason: reason},
	}
}

// FailedResult builds a permanently failed outcome
func FailedResult(errMessage string) SyncResult {
	return SyncResult{Status: StatusFailed, ErrorMessage: errMessage}
}

// RetryResult builds a retryable failure outcome
func RetryResult(errMessage string, retryAfter time.Duration) SyncResult {
	return SyncResult{Status: StatusRetry, ErrorMessage: errMessage, RetryAfter: retryAfter}
}
