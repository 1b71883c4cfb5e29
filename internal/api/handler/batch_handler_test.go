package handler_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latentworks/studio-be/internal/admission"
	"github.com/latentworks/studio-be/internal/api/dto"
	"github.com/latentworks/studio-be/internal/domain"
)

func batchBody(items int) map[string]interface{} {
	specs := make([]map[string]interface{}, items)
	for i := range specs {
		specs[i] = map[string]interface{}{"prompt": fmt.Sprintf("a fox %d", i)}
	}
	return map[string]interface{}{
		"items":      specs,
		"chunk_size": 4,
	}
}

func TestSubmitBatchAccepted(t *testing.T) {
	env := newTestEnv()

	recorder := env.do(t, http.MethodPost, "/api/v1/batches", batchBody(9))

	require.Equal(t, http.StatusAccepted, recorder.Code)
	var resp dto.BatchDTO
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &resp))
	assert.Equal(t, 9, resp.TotalItems)
	assert.Equal(t, domain.BatchStatusRunning, resp.Status)
}

func TestSubmitBatchRejectsEmpty(t *testing.T) {
	env := newTestEnv()

	recorder := env.do(t, http.MethodPost, "/api/v1/batches", batchBody(0))

	assert.Equal(t, http.StatusBadRequest, recorder.Code)
	assert.Nil(t, env.batches.submitted)
}

func TestSubmitBatchRejectsItemWithoutPrompt(t *testing.T) {
	env := newTestEnv()
	body := batchBody(3)
	body["items"].([]map[string]interface{})[1]["prompt"] = ""

	recorder := env.do(t, http.MethodPost, "/api/v1/batches", body)

	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestSubmitBatchConsumesOneAdmissionToken(t *testing.T) {
	env := newTestEnv()
	env.admitter.err = &admission.RateLimitedError{RetryAfter: time.Minute}

	recorder := env.do(t, http.MethodPost, "/api/v1/batches", batchBody(5))

	assert.Equal(t, http.StatusTooManyRequests, recorder.Code)
	assert.Nil(t, env.batches.submitted)
}

func TestGetBatch(t *testing.T) {
	env := newTestEnv()
	batchID := uuid.New().String()
	env.store.batches[batchID] = &domain.Batch{
		BatchID:        batchID,
		OwnerID:        "user-1",
		TotalItems:     9,
		CompletedItems: 4,
		FailedItems:    1,
		Status:         domain.BatchStatusRunning,
	}

	recorder := env.do(t, http.MethodGet, "/api/v1/batches/"+batchID, nil)

	require.Equal(t, http.StatusOK, recorder.Code)
	var resp dto.BatchDTO
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &resp))
	assert.Equal(t, 4, resp.CompletedItems)
	assert.Equal(t, 1, resp.FailedItems)
}

func TestGetBatchNotFound(t *testing.T) {
	env := newTestEnv()

	recorder := env.do(t, http.MethodGet, "/api/v1/batches/"+uuid.New().String(), nil)

	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestCancelBatch(t *testing.T) {
	env := newTestEnv()
	batchID := uuid.New().String()

	recorder := env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/batches/%s/cancel", batchID), nil)

	require.Equal(t, http.StatusAccepted, recorder.Code)
	assert.Equal(t, []string{batchID}, env.batches.cancelled)
}

func TestCancelFinishedBatchConflicts(t *testing.T) {
	env := newTestEnv()
	env.batches.cancelErr = domain.ErrConflict

	recorder := env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/batches/%s/cancel", uuid.New().String()), nil)

	assert.Equal(t, http.StatusConflict, recorder.Code)
}

func TestSubmitBatchRequiresOwnerHeader(t *testing.T) {
	env := newTestEnv()

	data, err := json.Marshal(batchBody(2))
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/batches", bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	env.engine.ServeHTTP(recorder, req)

	assert.Equal(t, http.StatusBadRequest, recorder.Code)
	assert.Nil(t, env.batches.submitted)
}
