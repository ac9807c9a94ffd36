package store

import (
	"context"
	"time"
)

// Store defines the persistence layer contract of the submission log.
// All implementations must be safe for concurrent use.
type Store interface {
	// Submissions
	CreateSubmission(ctx context.Context, sub *Submission) error
	GetSubmission(ctx context.Context, id string) (*Submission, error)
	UpdateSubmission(ctx context.Context, id string, update SubmissionUpdate) error
	ListSubmissions(ctx context.Context, filter SubmissionFilter) ([]*Submission, error)
	PurgeSubmissions(ctx context.Context, before time.Time) (int64, error)

	// Action results (materialized view)
	UpsertActionResult(ctx context.Context, res *ActionResult) error
	ListActionResults(ctx context.Context, submissionID string) ([]*ActionResult, error)

	// Event log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, submissionID string, since int64) ([]*Event, error)
	GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error)

	// Secrets
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
