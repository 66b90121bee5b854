// Package batch defines the core types shared across the scheduling engine.
package batch

import "time"

// Status represents the lifecycle state of a batch.
type Status string

// Batch status values persisted in checkpoints and surfaced by the API.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusDraining  Status = "draining"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether a batch can no longer change state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// TaskStatus represents the state of a single URL task.
type TaskStatus string

// Task status values. A task never leaves a terminal status.
const (
	TaskQueued            TaskStatus = "queued"
	TaskInFlight          TaskStatus = "in_flight"
	TaskSucceeded         TaskStatus = "succeeded"
	TaskFailed            TaskStatus = "failed"
	TaskPermanentlyFailed TaskStatus = "permanently_failed"
	TaskSkippedDuplicate  TaskStatus = "skipped_duplicate"
)

// Resolved reports whether the task has reached a terminal status.
func (s TaskStatus) Resolved() bool {
	switch s {
	case TaskSucceeded, TaskPermanentlyFailed, TaskSkippedDuplicate:
		return true
	default:
		return false
	}
}

// Task is a single unit of work: one URL owned by the scheduler while in flight.
type Task struct {
	ID          string
	BatchID     string
	URL         string
	Destination string
	Attempt     int
	Status      TaskStatus
	LastFailure FailureClass
	LastError   string
	NotBefore   time.Time
}

// Counters tracks per-batch resolution totals. Failed counts tasks that have
// failed at least once and are still awaiting retry; it drains to zero as
// those tasks resolve, so the counter fields sum to at most Total and to
// exactly Total once the batch completes.
type Counters struct {
	Total             int `json:"total"`
	Succeeded         int `json:"succeeded"`
	Failed            int `json:"failed"`
	PermanentlyFailed int `json:"permanently_failed"`
	Skipped           int `json:"skipped"`
	Retries           int `json:"retries"`
}

// ResolvedTotal sums the terminal outcomes.
func (c Counters) ResolvedTotal() int {
	return c.Succeeded + c.PermanentlyFailed + c.Skipped
}

// Batch represents one submitted URL list and its progress.
type Batch struct {
	ID        string     `json:"id"`
	Status    Status     `json:"status"`
	Submitted time.Time  `json:"submitted_at"`
	Started   *time.Time `json:"started_at,omitempty"`
	Finished  *time.Time `json:"finished_at,omitempty"`
	ErrorText string     `json:"error_text,omitempty"`
	Counters  Counters   `json:"counters"`
}

// Outcome labels the terminal resolution of a task in checkpoint records
// and sink calls.
type Outcome string

// Task outcomes written to the checkpoint stream.
const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "permanently_failed"
	OutcomeSkipped   Outcome = "skipped_duplicate"
)

// Result is returned by the Processor collaborator for one URL.
type Result struct {
	URL string
	// Payload carries whatever the collaborator produced (classification,
	// extracted content). The scheduler forwards it opaquely to the sink.
	Payload map[string]any
	// StatusCode is the HTTP status if the collaborator surfaced one.
	StatusCode int
	Duration   time.Duration
}
