package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/formbridge/pkg/schema"
)

// Submission is the persisted record of one processed form submission.
type Submission struct {
	ID          string                  `json:"id"`
	FormName    string                  `json:"form"`
	UserID      string                  `json:"user_id,omitempty"`
	Status      schema.SubmissionStatus `json:"status"`
	Values      map[string]any          `json:"values,omitempty"`
	Outputs     json.RawMessage         `json:"outputs,omitempty"`
	Error       json.RawMessage         `json:"error,omitempty"`
	CreatedAt   time.Time               `json:"created_at"`
	CompletedAt *time.Time              `json:"completed_at,omitempty"`
}

// ActionResult is the outcome of one configured action for a submission.
type ActionResult struct {
	SubmissionID string              `json:"submission_id"`
	ActionName   string              `json:"action"`
	ActionType   string              `json:"type"`
	Position     int                 `json:"position"`
	Status       schema.ActionStatus `json:"status"`
	Output       json.RawMessage     `json:"output,omitempty"`
	Error        json.RawMessage     `json:"error,omitempty"`
	Reason       string              `json:"reason,omitempty"` // why an action was skipped
	DurationMs   int64               `json:"duration_ms,omitempty"`
	CompletedAt  *time.Time          `json:"completed_at,omitempty"`
}

// Event is an immutable entry in the submission event log.
type Event struct {
	ID           int64           `json:"id"`
	SubmissionID string          `json:"submission_id"`
	ActionName   string          `json:"action,omitempty"`
	Type         string          `json:"event_type"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	Sequence     int64           `json:"sequence"`
}

// --- Filter and update types ---

// SubmissionFilter specifies criteria for listing submissions.
type SubmissionFilter struct {
	FormName string                   `json:"form,omitempty"`
	Status   *schema.SubmissionStatus `json:"status,omitempty"`
	UserID   string                   `json:"user_id,omitempty"`
	Since    *time.Time               `json:"since,omitempty"`
	Limit    int                      `json:"limit,omitempty"`
	Offset   int                      `json:"offset,omitempty"`
}

// SubmissionUpdate specifies mutable fields of a submission.
type SubmissionUpdate struct {
	Status      *schema.SubmissionStatus `json:"status,omitempty"`
	Outputs     json.RawMessage          `json:"outputs,omitempty"`
	Error       json.RawMessage          `json:"error,omitempty"`
	CompletedAt *time.Time               `json:"completed_at,omitempty"`
}

// EventFilter specifies criteria for listing events.
type EventFilter struct {
	SubmissionID string     `json:"submission_id,omitempty"`
	ActionName   string     `json:"action,omitempty"`
	Since        *time.Time `json:"since,omitempty"`
	Limit        int        `json:"limit,omitempty"`
}
