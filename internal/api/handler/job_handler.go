package handler

import (
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/latentworks/studio-be/internal/admission"
	"github.com/latentworks/studio-be/internal/api/dto"
	"github.com/latentworks/studio-be/internal/domain"
	"github.com/latentworks/studio-be/internal/jobstore"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// ownerFromHeader reads the caller identity. Authentication itself happens
// upstream; the gateway injects the header.
func ownerFromHeader(c *gin.Context) (string, bool) {
	ownerID := c.GetHeader("X-Owner-ID")
	if ownerID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "X-Owner-ID header is required"})
		return "", false
	}
	return ownerID, true
}

// SubmitJob handles POST /api/v1/jobs
func (h *JobHandler) SubmitJob(c *gin.Context) {
	ownerID, ok := ownerFromHeader(c)
	if !ok {
		return
	}

	var req dto.SubmitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	// batch_item children are created by batch submission only.
	if !domain.IsValidKind(req.Kind) || req.Kind == domain.KindBatchItem {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown job kind: " + req.Kind})
		return
	}

	if _, err := domain.DecodeSpec(req.Kind, string(req.Spec)); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()

	// An idempotent retry returns the original job without consuming a
	// rate-limit token.
	if req.IdempotencyKey != "" {
		existing, err := h.store.GetJobByIdempotencyKey(ctx, ownerID, req.IdempotencyKey)
		if err == nil {
			c.JSON(http.StatusOK, dto.JobToDTO(existing))
			return
		}
		if !errors.Is(err, domain.ErrJobNotFound) {
			h.logger.Error("Idempotency lookup failed", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to submit job"})
			return
		}
	}

	if err := h.admission.Admit(ctx, ownerID); err != nil {
		writeAdmissionError(c, err)
		return
	}

	job := &domain.Job{
		JobID:          uuid.New().String(),
		IdempotencyKey: req.IdempotencyKey,
		OwnerID:        ownerID,
		Kind:           req.Kind,
		Spec:           string(req.Spec),
		Status:         domain.JobStatusPending,
		SubmittedAt:    time.Now(),
	}

	if err := h.store.CreateJob(ctx, job); err != nil {
		// A concurrent submission with the same key won the insert; return
		// its job, same as the lookup path above.
		if errors.Is(err, domain.ErrIdempotencyConflict) && req.IdempotencyKey != "" {
			existing, lookupErr := h.store.GetJobByIdempotencyKey(ctx, ownerID, req.IdempotencyKey)
			if lookupErr == nil {
				c.JSON(http.StatusOK, dto.JobToDTO(existing))
				return
			}
			h.logger.Error("Idempotency re-fetch failed", slog.String("error", lookupErr.Error()))
		}
		h.logger.Error("Failed to create job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to submit job"})
		return
	}

	if err := h.queue.Enqueue(ctx, job.Kind, job.JobID); err != nil {
		h.logger.Error("Failed to enqueue job",
			slog.String("job_id", job.JobID),
			slog.String("error", err.Error()),
		)
		// Cancel the record so it neither lingers as pending forever nor
		// counts against the owner's active cap.
		if cancelErr := h.store.CancelPendingJob(ctx, job.JobID); cancelErr != nil {
			h.logger.Error("Failed to cancel unenqueued job",
				slog.String("job_id", job.JobID),
				slog.String("error", cancelErr.Error()),
			)
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to submit job"})
		return
	}

	c.JSON(http.StatusAccepted, dto.JobToDTO(job))
}

// GetJob handles GET /api/v1/jobs/:job_id
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "job_id must be a valid UUID"})
		return
	}

	job, err := h.store.GetJobByID(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
			return
		}
		h.logger.Error("Failed to get job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get job"})
		return
	}

	c.JSON(http.StatusOK, dto.JobToDTO(job))
}

// ListJobs handles GET /api/v1/jobs
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid query parameters"})
		return
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid cursor"})
		return
	}

	jobs, err := h.store.ListJobs(c.Request.Context(), jobstore.JobFilter{
		OwnerID:  req.OwnerID,
		Kind:     req.Kind,
		Status:   req.Status,
		BatchID:  req.BatchID,
		PageSize: pageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list jobs"})
		return
	}

	resp := dto.ListJobsResponse{Jobs: make([]dto.JobDTO, 0, len(jobs))}
	hasMore := len(jobs) > pageSize
	if hasMore {
		jobs = jobs[:pageSize]
	}
	for i := range jobs {
		resp.Jobs = append(resp.Jobs, dto.JobToDTO(&jobs[i]))
	}
	if hasMore {
		last := jobs[len(jobs)-1]
		resp.NextCursor = EncodeJobCursor(&jobstore.JobCursor{
			SubmittedAt: last.SubmittedAt,
			JobID:       last.JobID,
		})
	}

	c.JSON(http.StatusOK, resp)
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel
//
// Cancellation is cooperative. A pending job is cancelled immediately; a
// running job only gets the flag set and cancels at its handler's next
// checkpoint.
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "job_id must be a valid UUID"})
		return
	}

	ctx := c.Request.Context()

	status, err := h.store.RequestCancel(ctx, jobID)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrJobNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		case errors.Is(err, domain.ErrConflict):
			c.JSON(http.StatusConflict, gin.H{
				"error":  "Job already finished",
				"status": status,
			})
		default:
			h.logger.Error("Failed to request cancel", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to cancel job"})
		}
		return
	}

	if status == domain.JobStatusPending {
		if err := h.store.CancelPendingJob(ctx, jobID); err == nil {
			h.notifyBatchChild(c, jobID)
			c.JSON(http.StatusAccepted, dto.CancelJobResponse{
				JobID:  jobID,
				Status: domain.JobStatusCancelled,
			})
			return
		}
		// A worker claimed it between the flag and the CAS; the handler
		// observes the flag at its first checkpoint.
	}

	c.JSON(http.StatusAccepted, dto.CancelJobResponse{
		JobID:  jobID,
		Status: "cancel_requested",
	})
}

// notifyBatchChild advances batch accounting when a pending batch child was
// cancelled directly rather than through batch cancellation.
func (h *JobHandler) notifyBatchChild(c *gin.Context, jobID string) {
	ctx := c.Request.Context()
	job, err := h.store.GetJobByID(ctx, jobID)
	if err != nil || job.BatchID == nil {
		return
	}
	if err := h.batches.OnChildDone(ctx, job, true); err != nil {
		h.logger.Error("Failed to notify batch of cancelled child",
			slog.String("job_id", jobID),
			slog.String("batch_id", *job.BatchID),
			slog.String("error", err.Error()),
		)
	}
}

// writeAdmissionError maps admission rejections onto HTTP statuses: 429 for
// the token bucket, 409 for the per-caller cap, 503 for the global backlog.
func writeAdmissionError(c *gin.Context, err error) {
	var rateErr *admission.RateLimitedError
	if errors.As(err, &rateErr) {
		seconds := int(math.Ceil(rateErr.RetryAfter.Seconds()))
		if seconds < 1 {
			seconds = 1
		}
		c.Header("Retry-After", strconv.Itoa(seconds))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded"})
		return
	}

	var capErr *admission.CapacityError
	if errors.As(err, &capErr) {
		c.JSON(http.StatusConflict, gin.H{
			"error":       "Too many active jobs",
			"active_jobs": capErr.Current,
			"max_active":  capErr.Max,
		})
		return
	}

	if errors.Is(err, admission.ErrServiceBusy) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Service busy, try again later"})
		return
	}

	c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to submit job"})
}
