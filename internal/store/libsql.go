package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/formbridge/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/formbridge.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. event log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Submissions ---

const submissionColumns = "id, form_name, user_id, status, field_values, outputs, error, created_at, completed_at"

func (s *LibSQLStore) CreateSubmission(ctx context.Context, sub *Submission) error {
	values, err := marshalMapOrDefault(sub.Values)
	if err != nil {
		return fmt.Errorf("marshal values: %w", err)
	}
	status := sub.Status
	if status == "" {
		status = schema.SubmissionPending
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO submissions (`+submissionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.FormName, nullStr(sub.UserID), string(status), string(values),
		nullRaw(sub.Outputs), nullRaw(sub.Error), timeOrNow(sub.CreatedAt), nullTime(sub.CompletedAt),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return schema.NewErrorf(schema.ErrCodeConflict, "submission %q already recorded", sub.ID).WithCause(err)
	}
	return err
}

func (s *LibSQLStore) GetSubmission(ctx context.Context, id string) (*Submission, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE id = ?`, id)
	sub, err := scanSubmission(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("submission", id)
	}
	return sub, err
}

func (s *LibSQLStore) UpdateSubmission(ctx context.Context, id string, update SubmissionUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Outputs != nil {
		sets = append(sets, "outputs = ?")
		args = append(args, string(update.Outputs))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE submissions SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "submission", id)
}

func (s *LibSQLStore) ListSubmissions(ctx context.Context, filter SubmissionFilter) ([]*Submission, error) {
	var where []string
	var args []any

	if filter.FormName != "" {
		where = append(where, "form_name = ?")
		args = append(args, filter.FormName)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := "SELECT " + submissionColumns + " FROM submissions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []*Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// PurgeSubmissions deletes submissions created before the cutoff together
// with their action results and events. Returns the number of submissions
// removed.
func (s *LibSQLStore) PurgeSubmissions(ctx context.Context, before time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin purge: %w", err)
	}
	defer tx.Rollback()

	const old = `SELECT id FROM submissions WHERE created_at < ?`
	for _, q := range []string{
		`DELETE FROM events WHERE submission_id IN (` + old + `)`,
		`DELETE FROM action_results WHERE submission_id IN (` + old + `)`,
	} {
		if _, err := tx.ExecContext(ctx, q, before); err != nil {
			return 0, fmt.Errorf("purge: %w", err)
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM submissions WHERE created_at < ?`, before)
	if err != nil {
		return 0, fmt.Errorf("purge submissions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit purge: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubmission(row rowScanner) (*Submission, error) {
	sub := &Submission{}
	var (
		userID                 sql.NullString
		status, valuesJSON     string
		outputsJSON, errorJSON sql.NullString
		completedAt            sql.NullTime
	)
	if err := row.Scan(&sub.ID, &sub.FormName, &userID, &status, &valuesJSON,
		&outputsJSON, &errorJSON, &sub.CreatedAt, &completedAt); err != nil {
		return nil, err
	}
	sub.UserID = userID.String
	sub.Status = schema.SubmissionStatus(status)
	if valuesJSON != "" {
		if err := json.Unmarshal([]byte(valuesJSON), &sub.Values); err != nil {
			return nil, fmt.Errorf("unmarshal values: %w", err)
		}
	}
	sub.Outputs = rawOrNil(outputsJSON)
	sub.Error = rawOrNil(errorJSON)
	if completedAt.Valid {
		sub.CompletedAt = &completedAt.Time
	}
	return sub, nil
}

// --- Action results ---

func (s *LibSQLStore) UpsertActionResult(ctx context.Context, r *ActionResult) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO action_results (submission_id, action_name, action_type, position, status, output, error, reason, duration_ms, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(submission_id, action_name) DO UPDATE SET
		   status=excluded.status, output=excluded.output, error=excluded.error,
		   reason=excluded.reason, duration_ms=excluded.duration_ms, completed_at=excluded.completed_at`,
		r.SubmissionID, r.ActionName, r.ActionType, r.Position, string(r.Status),
		nullRaw(r.Output), nullRaw(r.Error), nullStr(r.Reason), r.DurationMs, nullTime(r.CompletedAt),
	)
	return err
}

func (s *LibSQLStore) ListActionResults(ctx context.Context, submissionID string) ([]*ActionResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT submission_id, action_name, action_type, position, status, output, error, reason, duration_ms, completed_at
		 FROM action_results WHERE submission_id = ? ORDER BY position ASC`, submissionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*ActionResult
	for rows.Next() {
		r := &ActionResult{}
		var (
			status                  string
			output, errJSON, reason sql.NullString
			completedAt             sql.NullTime
		)
		if err := rows.Scan(&r.SubmissionID, &r.ActionName, &r.ActionType, &r.Position, &status,
			&output, &errJSON, &reason, &r.DurationMs, &completedAt); err != nil {
			return nil, err
		}
		r.Status = schema.ActionStatus(status)
		r.Output = rawOrNil(output)
		r.Error = rawOrNil(errJSON)
		r.Reason = reason.String
		if completedAt.Valid {
			r.CompletedAt = &completedAt.Time
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// --- Events ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE submission_id = ?`, event.SubmissionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq
	event.Timestamp = timeOrNow(event.Timestamp)

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

func (s *LibSQLStore) GetEvents(ctx context.Context, submissionID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, submission_id, action_name, event_type, payload, timestamp, sequence
		 FROM events WHERE submission_id = ? AND sequence > ? ORDER BY sequence ASC`,
		submissionID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *LibSQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	where := []string{"event_type = ?"}
	args := []any{eventType}

	if filter.SubmissionID != "" {
		where = append(where, "submission_id = ?")
		args = append(args, filter.SubmissionID)
	}
	if filter.ActionName != "" {
		where = append(where, "action_name = ?")
		args = append(args, filter.ActionName)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, submission_id, action_name, event_type, payload, timestamp, sequence FROM events WHERE ` +
		strings.Join(where, " AND ") + " ORDER BY timestamp DESC, id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var actionName, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.SubmissionID, &actionName, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.ActionName = actionName.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Secrets ---

func (s *LibSQLStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (key, value, created_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, rotated_at=CURRENT_TIMESTAMP`,
		key, value,
	)
	return err
}

func (s *LibSQLStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM secrets WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("secret", key)
	}
	return value, err
}

func (s *LibSQLStore) DeleteSecret(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE key = ?`, key)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "secret", key)
}

func (s *LibSQLStore) ListSecrets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM secrets ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}

var _ Store = (*LibSQLStore)(nil)
