package dto

import (
	"time"

	"github.com/latentworks/studio-be/internal/domain"
)

// SubmitBatchRequest carries the batch payload. Caller identity comes from
// the X-Owner-ID header, not the body.
type SubmitBatchRequest struct {
	Items     []domain.GenerationSpec `json:"items" binding:"required"`
	ChunkSize int                     `json:"chunk_size"`
}

type BatchDTO struct {
	BatchID         string     `json:"batch_id"`
	OwnerID         string     `json:"owner_id"`
	TotalItems      int        `json:"total_items"`
	CompletedItems  int        `json:"completed_items"`
	FailedItems     int        `json:"failed_items"`
	ChunkSize       int        `json:"chunk_size"`
	Status          string     `json:"status"`
	CancelRequested bool       `json:"cancel_requested"`
	SubmittedAt     time.Time  `json:"submitted_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// BatchToDTO maps a domain batch onto the wire shape.
func BatchToDTO(batch *domain.Batch) BatchDTO {
	return BatchDTO{
		BatchID:         batch.BatchID,
		OwnerID:         batch.OwnerID,
		TotalItems:      batch.TotalItems,
		CompletedItems:  batch.CompletedItems,
		FailedItems:     batch.FailedItems,
		ChunkSize:       batch.ChunkSize,
		Status:          batch.Status,
		CancelRequested: batch.CancelRequested,
		SubmittedAt:     batch.SubmittedAt,
		CompletedAt:     batch.CompletedAt,
	}
}
