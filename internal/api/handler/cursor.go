package handler

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/latentworks/studio-be/internal/jobstore"
)

// DecodeJobCursor parses an opaque pagination cursor. An empty string means
// first page.
func DecodeJobCursor(cursorStr string) (*jobstore.JobCursor, error) {
	if cursorStr == "" {
		return nil, nil
	}

	decoded, err := base64.StdEncoding.DecodeString(cursorStr)
	if err != nil {
		return nil, err
	}

	parts := strings.Split(string(decoded), "|")
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid cursor format")
	}

	var submittedAt int64
	if _, err := fmt.Sscanf(parts[0], "%d", &submittedAt); err != nil {
		return nil, fmt.Errorf("invalid timestamp in cursor: %w", err)
	}

	return &jobstore.JobCursor{
		SubmittedAt: time.Unix(0, submittedAt),
		JobID:       parts[1],
	}, nil
}

// EncodeJobCursor renders a cursor as an opaque base64 token.
func EncodeJobCursor(cursor *jobstore.JobCursor) string {
	cs := fmt.Sprintf("%d|%s", cursor.SubmittedAt.UnixNano(), cursor.JobID)
	return base64.StdEncoding.EncodeToString([]byte(cs))
}
