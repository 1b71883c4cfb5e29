package domain

import "time"

// Job kind constants
const (
	KindSingleGeneration = "single_generation"
	KindBatchItem        = "batch_item"
	KindTraining         = "training"
	KindScrape           = "scrape"
	KindLabeling         = "labeling"
)

// Job status constants
const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusSucceeded = "succeeded"
	JobStatusFailed    = "failed"
	JobStatusCancelled = "cancelled"
)

// Error kinds recorded on failed jobs so callers can distinguish a handler
// failure from a reaped worker or a lock acquisition failure.
const (
	ErrorKindHandler    = "handler_error"
	ErrorKindResource   = "resource_acquisition"
	ErrorKindWorkerLost = "worker_lost"
	ErrorKindCancelled  = "cancelled_by_user"
)

// Kinds lists every valid job kind.
var Kinds = []string{
	KindSingleGeneration,
	KindBatchItem,
	KindTraining,
	KindScrape,
	KindLabeling,
}

// IsValidKind reports whether kind is one of the known job kinds.
func IsValidKind(kind string) bool {
	for _, k := range Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// IsTerminalStatus reports whether a job status admits no further transitions.
func IsTerminalStatus(status string) bool {
	switch status {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether the job state machine allows from -> to.
// pending may move to running or cancelled; running may move to any
// terminal state; terminal states reject everything.
func CanTransition(from, to string) bool {
	switch from {
	case JobStatusPending:
		return to == JobStatusRunning || to == JobStatusCancelled
	case JobStatusRunning:
		return to == JobStatusSucceeded || to == JobStatusFailed || to == JobStatusCancelled
	}
	return false
}

// Job represents a single schedulable unit of work.
type Job struct {
	JobID           string     `db:"job_id"`
	IdempotencyKey  string     `db:"idempotency_key"`
	OwnerID         string     `db:"owner_id"`
	Kind            string     `db:"kind"`
	Spec            string     `db:"spec"` // JSON string, opaque to the scheduler
	Status          string     `db:"status"`
	Progress        float64    `db:"progress"`
	Result          []byte     `db:"result"`
	ErrorMessage    string     `db:"error_message"`
	ErrorKind       string     `db:"error_kind"`
	BatchID         *string    `db:"batch_id"`
	BatchIndex      *int       `db:"batch_index"`
	CancelRequested bool       `db:"cancel_requested"`
	WorkerID        string     `db:"worker_id"`
	SubmittedAt     time.Time  `db:"submitted_at"`
	StartedAt       *time.Time `db:"started_at"`
	CompletedAt     *time.Time `db:"completed_at"`
	LastHeartbeatAt *time.Time `db:"last_heartbeat_at"`
}

// Message is the queue envelope delivered to workers. Delivery is
// at-least-once; the claim CAS makes duplicate delivery harmless.
type Message struct {
	JobID       string `json:"job_id"`
	Kind        string `json:"kind"`
	DeliveryTag uint64 `json:"-"`
}
