// Package storage provides the durable store for claimflow.
package storage

import (
	"time"
)

// RunStatus represents the current state of a workflow run.
type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusWaiting   RunStatus = "waiting"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
	StatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is a final state.
// Terminal runs are retained for audit and never deleted.
func (s RunStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Run represents a single execution of a workflow definition.
type Run struct {
	RunID        string    `json:"run_id"`
	Workflow     string    `json:"workflow"`
	Status       RunStatus `json:"status"`
	InputData    []byte    `json:"input_data"`  // JSON-encoded trigger payload
	OutputData   []byte    `json:"output_data"` // JSON-encoded result (if completed)
	ErrorMessage string    `json:"error_message"`
	Version      int64     `json:"version"` // optimistic-concurrency counter
	LockedBy     string    `json:"locked_by"`
	LockExpires  time.Time `json:"lock_expires_at"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// StepStatus is the outcome recorded for a step.
type StepStatus string

const (
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
)

// StepRecord is the memoized outcome of one step within a run.
// Keyed by (RunID, StepID); a succeeded record is immutable and replay
// returns its result without re-invoking the action.
type StepRecord struct {
	RunID        string     `json:"run_id"`
	StepID       string     `json:"step_id"`
	Status       StepStatus `json:"status"`
	Attempts     int        `json:"attempts"`
	ResultData   []byte     `json:"result_data"` // JSON-encoded result
	ErrorMessage string     `json:"error_message"`
	RecordedAt   time.Time  `json:"recorded_at"`
}

// WaitResolution is the recorded outcome of a wait registration.
type WaitResolution string

const (
	WaitPending   WaitResolution = "pending"
	WaitByEvent   WaitResolution = "event"
	WaitByTimeout WaitResolution = "timeout"
	WaitCancelled WaitResolution = "cancelled"
)

// WaitRegistration records a suspension point correlated to an external
// event. At most one non-pending resolution is ever written: ResolveWait
// is a compare-and-set, so a race between an arriving event and an
// expiring timer lets exactly one side win.
type WaitRegistration struct {
	RunID            string         `json:"run_id"`
	WaitID           string         `json:"wait_id"`
	EventName        string         `json:"event_name"`
	MatchExpr        string         `json:"match_expr"`
	CorrelationValue []byte         `json:"correlation_value"` // JSON-encoded
	TimeoutAt        time.Time      `json:"timeout_at"`        // zero = no timeout
	Resolution       WaitResolution `json:"resolution"`
	EventData        []byte         `json:"event_data"` // payload, when resolved by event
	RegisteredAt     time.Time      `json:"registered_at"`
	ResolvedAt       time.Time      `json:"resolved_at"`
}

// Timer is a durable deadline that wakes a run. A timer whose TimerID
// names a wait registration drives that wait's timeout branch; otherwise
// it backs a Sleep call.
type Timer struct {
	RunID     string    `json:"run_id"`
	TimerID   string    `json:"timer_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// BufferedEvent is an inbound event that matched no pending wait at
// submission time. It is held for a bounded grace window so a racing
// registration can still claim it, then dropped.
type BufferedEvent struct {
	EventID    string    `json:"event_id"`
	EventName  string    `json:"event_name"`
	Payload    []byte    `json:"payload"`
	ReceivedAt time.Time `json:"received_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Notification kinds emitted to the surrounding application's review
// queue. Rows are written in the same transaction as the state change
// that caused them and relayed asynchronously.
const (
	NotificationRunFailed  = "run_failed"
	NotificationRunReview  = "run_review"
	NotificationWaitExpiry = "wait_timeout"
)

// NotificationStatus tracks outbox delivery.
type NotificationStatus string

const (
	NotificationPending NotificationStatus = "pending"
	NotificationSent    NotificationStatus = "sent"
	NotificationDead    NotificationStatus = "failed"
)

// Notification is an outbox row destined for the review-queue subsystem.
type Notification struct {
	NotificationID string             `json:"notification_id"`
	RunID          string             `json:"run_id"`
	Kind           string             `json:"kind"`
	Payload        []byte             `json:"payload"`
	Status         NotificationStatus `json:"status"`
	Attempts       int                `json:"attempts"`
	CreatedAt      time.Time          `json:"created_at"`
	SentAt         time.Time          `json:"sent_at"`
}

// ListRunsOptions filters and paginates ListRuns.
type ListRunsOptions struct {
	Limit          int       // page size (default 50)
	PageToken      string    // cursor: "unixmilli||run_id"
	StatusFilter   RunStatus // filter by status
	WorkflowFilter string    // filter by workflow type
	CreatedAfter   time.Time
	CreatedBefore  time.Time
}

// RunPage is one page of ListRuns results.
type RunPage struct {
	Runs          []*Run
	NextPageToken string // empty when no more pages
}
