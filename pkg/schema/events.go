package schema

// Event types recorded in the submission log.
const (
	EventSubmissionReceived  = "submission_received"
	EventSubmissionCompleted = "submission_completed"
	EventSubmissionFailed    = "submission_failed"

	EventActionCompleted = "action_completed"
	EventActionSkipped   = "action_skipped"
	EventActionFailed    = "action_failed"
	EventActionIgnored   = "action_ignored"
)

// SubmissionStatus is the lifecycle state of a processed submission.
type SubmissionStatus string

const (
	SubmissionPending   SubmissionStatus = "pending"
	SubmissionCompleted SubmissionStatus = "completed"
	SubmissionFailed    SubmissionStatus = "failed"
)

// ActionStatus is the outcome of a single form action.
type ActionStatus string

const (
	ActionCompleted ActionStatus = "completed"
	ActionSkipped   ActionStatus = "skipped"
	ActionFailed    ActionStatus = "failed"
)

// IsTerminal reports whether the submission has finished processing.
func (s SubmissionStatus) IsTerminal() bool {
	return s == SubmissionCompleted || s == SubmissionFailed
}
