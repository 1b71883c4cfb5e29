package handler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latentworks/studio-be/internal/jobstore"
)

func TestCursorRoundTrip(t *testing.T) {
	cursor := &jobstore.JobCursor{
		SubmittedAt: time.Unix(0, 1756600000000000000),
		JobID:       "7d0b6f48-1111-4e5a-9a3f-000000000001",
	}

	decoded, err := DecodeJobCursor(EncodeJobCursor(cursor))

	require.NoError(t, err)
	assert.True(t, cursor.SubmittedAt.Equal(decoded.SubmittedAt))
	assert.Equal(t, cursor.JobID, decoded.JobID)
}

func TestDecodeEmptyCursorMeansFirstPage(t *testing.T) {
	cursor, err := DecodeJobCursor("")
	require.NoError(t, err)
	assert.Nil(t, cursor)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := DecodeJobCursor("not-base64!!")
	assert.Error(t, err)

	_, err = DecodeJobCursor("aGVsbG8=") // valid base64, wrong shape
	assert.Error(t, err)
}
