package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/latentworks/studio-be/internal/api/dto"
	"github.com/latentworks/studio-be/internal/domain"
)

// SubmitBatch handles POST /api/v1/batches
func (h *BatchHandler) SubmitBatch(c *gin.Context) {
	ownerID, ok := ownerFromHeader(c)
	if !ok {
		return
	}

	var req dto.SubmitBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	if len(req.Items) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Batch must contain at least one item"})
		return
	}
	for i := range req.Items {
		if req.Items[i].Prompt == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Every batch item needs a prompt"})
			return
		}
	}

	ctx := c.Request.Context()

	// The whole batch consumes one admission token; its children bypass
	// admission since their queue pressure is bounded by chunking.
	if err := h.admission.Admit(ctx, ownerID); err != nil {
		writeAdmissionError(c, err)
		return
	}

	batch, err := h.batches.Submit(ctx, ownerID, req.Items, req.ChunkSize)
	if err != nil {
		h.logger.Error("Failed to submit batch", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to submit batch"})
		return
	}

	c.JSON(http.StatusAccepted, dto.BatchToDTO(batch))
}

// GetBatch handles GET /api/v1/batches/:batch_id
func (h *BatchHandler) GetBatch(c *gin.Context) {
	batchID := c.Param("batch_id")
	if _, err := uuid.Parse(batchID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "batch_id must be a valid UUID"})
		return
	}

	batch, err := h.store.GetBatchByID(c.Request.Context(), batchID)
	if err != nil {
		if errors.Is(err, domain.ErrBatchNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Batch not found"})
			return
		}
		h.logger.Error("Failed to get batch", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get batch"})
		return
	}

	c.JSON(http.StatusOK, dto.BatchToDTO(batch))
}

// CancelBatch handles POST /api/v1/batches/:batch_id/cancel
func (h *BatchHandler) CancelBatch(c *gin.Context) {
	batchID := c.Param("batch_id")
	if _, err := uuid.Parse(batchID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "batch_id must be a valid UUID"})
		return
	}

	err := h.batches.Cancel(c.Request.Context(), batchID)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrBatchNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Batch not found"})
		case errors.Is(err, domain.ErrConflict):
			c.JSON(http.StatusConflict, gin.H{"error": "Batch already finished"})
		default:
			h.logger.Error("Failed to cancel batch", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to cancel batch"})
		}
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"batch_id": batchID,
		"status":   "cancel_requested",
	})
}
