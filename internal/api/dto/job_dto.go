package dto

import (
	"encoding/json"
	"time"

	"github.com/latentworks/studio-be/internal/domain"
)

// SubmitJobRequest carries the job payload. Caller identity comes from the
// X-Owner-ID header, not the body.
type SubmitJobRequest struct {
	IdempotencyKey string          `json:"idempotency_key"`
	Kind           string          `json:"kind" binding:"required"`
	Spec           json.RawMessage `json:"spec" binding:"required"`
}

type ListJobsRequest struct {
	OwnerID  string `form:"owner_id"`
	Kind     string `form:"kind"`
	Status   string `form:"status"`
	BatchID  string `form:"batch_id"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	JobID           string          `json:"job_id"`
	IdempotencyKey  string          `json:"idempotency_key,omitempty"`
	OwnerID         string          `json:"owner_id"`
	Kind            string          `json:"kind"`
	Status          string          `json:"status"`
	Progress        float64         `json:"progress"`
	Result          json.RawMessage `json:"result,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	ErrorKind       string          `json:"error_kind,omitempty"`
	BatchID         *string         `json:"batch_id,omitempty"`
	BatchIndex      *int            `json:"batch_index,omitempty"`
	CancelRequested bool            `json:"cancel_requested"`
	SubmittedAt     time.Time       `json:"submitted_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

// JobToDTO maps a domain job onto the wire shape.
func JobToDTO(job *domain.Job) JobDTO {
	return JobDTO{
		JobID:           job.JobID,
		IdempotencyKey:  job.IdempotencyKey,
		OwnerID:         job.OwnerID,
		Kind:            job.Kind,
		Status:          job.Status,
		Progress:        job.Progress,
		Result:          json.RawMessage(job.Result),
		ErrorMessage:    job.ErrorMessage,
		ErrorKind:       job.ErrorKind,
		BatchID:         job.BatchID,
		BatchIndex:      job.BatchIndex,
		CancelRequested: job.CancelRequested,
		SubmittedAt:     job.SubmittedAt,
		StartedAt:       job.StartedAt,
		CompletedAt:     job.CompletedAt,
	}
}

type CancelJobResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}
