package engine

import (
	"context"
	"encoding/json"

	"github.com/rendis/formbridge/internal/store"
	"github.com/rendis/formbridge/pkg/schema"
)

// EventAppender is satisfied by the Store and EventLog.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// ValidSubmissionTransitions lists the allowed submission status changes.
var ValidSubmissionTransitions = map[schema.SubmissionStatus][]schema.SubmissionStatus{
	schema.SubmissionPending: {schema.SubmissionCompleted, schema.SubmissionFailed},
}

// SubmissionFSM validates submission status changes and emits the matching
// events. Persisting the new status is left to the caller.
type SubmissionFSM struct {
	appender EventAppender
}

// NewSubmissionFSM creates an FSM emitting through appender. A nil
// appender disables event emission.
func NewSubmissionFSM(appender EventAppender) *SubmissionFSM {
	return &SubmissionFSM{appender: appender}
}

// Transition moves a submission from one status to another.
func (f *SubmissionFSM) Transition(ctx context.Context, submissionID string, from, to schema.SubmissionStatus, payload any) error {
	if !isValidSubmissionTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeExecution,
			"invalid submission transition: %s -> %s", from, to).
			WithDetails(map[string]any{"submission_id": submissionID, "from": string(from), "to": string(to)})
	}
	if f.appender == nil {
		return nil
	}

	event := &store.Event{SubmissionID: submissionID, Type: submissionEventType(to)}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "marshal submission event: %s", err.Error()).WithCause(err)
		}
		event.Payload = raw
	}
	if err := f.appender.AppendEvent(ctx, event); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "emit submission event: %s", err.Error()).WithCause(err)
	}
	return nil
}

func isValidSubmissionTransition(from, to schema.SubmissionStatus) bool {
	for _, a := range ValidSubmissionTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

func submissionEventType(to schema.SubmissionStatus) string {
	switch to {
	case schema.SubmissionCompleted:
		return schema.EventSubmissionCompleted
	case schema.SubmissionFailed:
		return schema.EventSubmissionFailed
	default:
		return schema.EventSubmissionReceived
	}
}

// actionEventType maps an action outcome to its event type.
func actionEventType(status schema.ActionStatus, ignored bool) string {
	switch {
	case status == schema.ActionCompleted:
		return schema.EventActionCompleted
	case status == schema.ActionSkipped:
		return schema.EventActionSkipped
	case ignored:
		return schema.EventActionIgnored
	default:
		return schema.EventActionFailed
	}
}
