package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/formbridge/pkg/schema"
)

// ActionEventPayload is the payload of the action_* events.
type ActionEventPayload struct {
	Type       string          `json:"type"`
	Position   int             `json:"position"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      json.RawMessage `json:"error,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	DurationMs int64           `json:"duration_ms,omitempty"`
}

// EventLog provides event-log operations on top of a LibSQLStore.
type EventLog struct {
	store *LibSQLStore
}

// NewEventLog wraps a LibSQLStore to provide event-log operations.
func NewEventLog(s *LibSQLStore) *EventLog {
	return &EventLog{store: s}
}

// AppendEvent appends an event with a monotonically increasing per-submission
// sequence. The write lock is taken before the sequence is read so
// concurrent writers cannot interleave.
func (el *EventLog) AppendEvent(ctx context.Context, event *Event) error {
	db := el.store.DB()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin immediate tx: %w", err)
	}
	defer tx.Rollback()

	// In WAL mode BeginTx may start a deferred transaction; a write forces
	// the lock.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE submission_id = ?`, event.SubmissionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (submission_id, action_name, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.SubmissionID, nullStr(event.ActionName), event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// AppendActionEvent records an action outcome.
func (el *EventLog) AppendActionEvent(ctx context.Context, submissionID, action, eventType string, payload ActionEventPayload) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal action event: %w", err)
	}
	return el.AppendEvent(ctx, &Event{
		SubmissionID: submissionID,
		ActionName:   action,
		Type:         eventType,
		Payload:      raw,
	})
}

// GetEvents returns events for a submission with sequence > since, ordered by sequence ASC.
func (el *EventLog) GetEvents(ctx context.Context, submissionID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, submissionID, since)
}

// GetEventsByType returns events of a specific type matching the filter.
func (el *EventLog) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	return el.store.GetEventsByType(ctx, eventType, filter)
}

// ReplayEvents rebuilds the action results of a submission from its events.
// Returns an error if sequence gaps are detected.
func (el *EventLog) ReplayEvents(ctx context.Context, submissionID string) (map[string]*ActionResult, error) {
	events, err := el.store.GetEvents(ctx, submissionID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	results := make(map[string]*ActionResult)
	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in submission %s: expected %d, got %d", submissionID, expected, e.Sequence)
		}
	}

	for _, e := range events {
		if e.ActionName == "" {
			continue
		}

		var p ActionEventPayload
		if len(e.Payload) > 0 {
			if err := json.Unmarshal(e.Payload, &p); err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeStore,
					"event %d of submission %s: bad payload: %v", e.Sequence, submissionID, err)
			}
		}

		r := &ActionResult{
			SubmissionID: submissionID,
			ActionName:   e.ActionName,
			ActionType:   p.Type,
			Position:     p.Position,
			Output:       p.Output,
			Error:        p.Error,
			Reason:       p.Reason,
			DurationMs:   p.DurationMs,
		}
		ts := e.Timestamp
		r.CompletedAt = &ts

		switch e.Type {
		case schema.EventActionCompleted:
			r.Status = schema.ActionCompleted
		case schema.EventActionSkipped:
			r.Status = schema.ActionSkipped
		case schema.EventActionFailed:
			r.Status = schema.ActionFailed
		case schema.EventActionIgnored:
			r.Status = schema.ActionFailed
			if r.Reason == "" {
				r.Reason = "error ignored"
			}
		default:
			continue
		}
		results[e.ActionName] = r
	}

	return results, nil
}
