package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsTerminalBatchStatus(t *testing.T) {
	assert.False(t, IsTerminalBatchStatus(BatchStatusPending))
	assert.False(t, IsTerminalBatchStatus(BatchStatusRunning))
	assert.True(t, IsTerminalBatchStatus(BatchStatusSucceeded))
	assert.True(t, IsTerminalBatchStatus(BatchStatusPartialFailure))
	assert.True(t, IsTerminalBatchStatus(BatchStatusCancelled))
}

func TestBatchResolved(t *testing.T) {
	batch := &Batch{TotalItems: 9, CompletedItems: 4, FailedItems: 3}
	assert.Equal(t, 7, batch.Resolved())

	batch.CompletedItems = 6
	assert.Equal(t, 9, batch.Resolved())
}
