package domain

import "time"

// Batch status constants
const (
	BatchStatusPending        = "pending"
	BatchStatusRunning        = "running"
	BatchStatusSucceeded      = "succeeded"
	BatchStatusPartialFailure = "partial_failure"
	BatchStatusCancelled      = "cancelled"
)

// IsTerminalBatchStatus reports whether a batch status is final.
func IsTerminalBatchStatus(status string) bool {
	switch status {
	case BatchStatusSucceeded, BatchStatusPartialFailure, BatchStatusCancelled:
		return true
	}
	return false
}

// Batch tracks aggregate completion of a group of batch_item jobs.
type Batch struct {
	BatchID         string     `db:"batch_id"`
	OwnerID         string     `db:"owner_id"`
	TotalItems      int        `db:"total_items"`
	CompletedItems  int        `db:"completed_items"`
	FailedItems     int        `db:"failed_items"`
	ChunkSize       int        `db:"chunk_size"`
	NextIndex       int        `db:"next_index"`
	Status          string     `db:"status"`
	CancelRequested bool       `db:"cancel_requested"`
	SubmittedAt     time.Time  `db:"submitted_at"`
	CompletedAt     *time.Time `db:"completed_at"`
}

// Resolved returns how many children have reached a terminal state.
func (b *Batch) Resolved() int {
	return b.CompletedItems + b.FailedItems
}
