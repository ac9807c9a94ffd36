package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/formbridge/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

func seedSubmission(t *testing.T, s *LibSQLStore, form string, createdAt time.Time) *Submission {
	t.Helper()
	sub := &Submission{
		ID:        uuid.New().String(),
		FormName:  form,
		UserID:    "7",
		Status:    schema.SubmissionPending,
		Values:    map[string]any{"first_name": "Ada", "is_deceased": "0"},
		CreatedAt: createdAt,
	}
	require.NoError(t, s.CreateSubmission(context.Background(), sub))
	return sub
}

// --- Submission Tests ---

func TestCreateAndGetSubmission(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sub := seedSubmission(t, s, "intake", time.Now().UTC())

	got, err := s.GetSubmission(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, sub.ID, got.ID)
	assert.Equal(t, "intake", got.FormName)
	assert.Equal(t, "7", got.UserID)
	assert.Equal(t, schema.SubmissionPending, got.Status)
	assert.Equal(t, "0", got.Values["is_deceased"])
	assert.Nil(t, got.CompletedAt)
}

func TestCreateSubmission_Duplicate(t *testing.T) {
	s := newTestStore(t)
	sub := seedSubmission(t, s, "intake", time.Time{})

	err := s.CreateSubmission(context.Background(), &Submission{ID: sub.ID, FormName: "intake"})
	require.Error(t, err)
}

func TestGetSubmission_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetSubmission(context.Background(), "nonexistent")
	require.Error(t, err)
	var e *schema.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, schema.ErrCodeNotFound, e.Code)
}

func TestUpdateSubmission(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sub := seedSubmission(t, s, "intake", time.Time{})

	status := schema.SubmissionCompleted
	now := time.Now().UTC()
	require.NoError(t, s.UpdateSubmission(ctx, sub.ID, SubmissionUpdate{
		Status:      &status,
		Outputs:     json.RawMessage(`{"contact":{"id":5}}`),
		CompletedAt: &now,
	}))

	got, err := s.GetSubmission(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.SubmissionCompleted, got.Status)
	assert.JSONEq(t, `{"contact":{"id":5}}`, string(got.Outputs))
	require.NotNil(t, got.CompletedAt)

	require.NoError(t, s.UpdateSubmission(ctx, sub.ID, SubmissionUpdate{}), "empty update is a no-op")

	err = s.UpdateSubmission(ctx, "missing", SubmissionUpdate{Status: &status})
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestListSubmissions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seedSubmission(t, s, "intake", now.Add(-2*time.Hour))
	seedSubmission(t, s, "intake", now.Add(-time.Hour))
	seedSubmission(t, s, "volunteer", now)

	all, err := s.ListSubmissions(ctx, SubmissionFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Equal(t, "volunteer", all[0].FormName, "newest first")

	intake, err := s.ListSubmissions(ctx, SubmissionFilter{FormName: "intake"})
	require.NoError(t, err)
	assert.Len(t, intake, 2)

	limited, err := s.ListSubmissions(ctx, SubmissionFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "intake", limited[0].FormName)

	pending := schema.SubmissionPending
	byStatus, err := s.ListSubmissions(ctx, SubmissionFilter{Status: &pending, UserID: "7"})
	require.NoError(t, err)
	assert.Len(t, byStatus, 3)
}

func TestPurgeSubmissions(t *testing.T) {
	s := newTestStore(t)
	el := NewEventLog(s)
	ctx := context.Background()
	now := time.Now().UTC()

	old := seedSubmission(t, s, "intake", now.Add(-72*time.Hour))
	fresh := seedSubmission(t, s, "intake", now)
	for _, id := range []string{old.ID, fresh.ID} {
		require.NoError(t, el.AppendEvent(ctx, &Event{SubmissionID: id, Type: schema.EventSubmissionReceived}))
		require.NoError(t, s.UpsertActionResult(ctx, &ActionResult{
			SubmissionID: id, ActionName: "contact", ActionType: "civicrm.contact", Status: schema.ActionCompleted,
		}))
	}

	n, err := s.PurgeSubmissions(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.GetSubmission(ctx, old.ID)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
	events, err := s.GetEvents(ctx, old.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
	results, err := s.ListActionResults(ctx, old.ID)
	require.NoError(t, err)
	assert.Empty(t, results)

	_, err = s.GetSubmission(ctx, fresh.ID)
	assert.NoError(t, err)
}

// --- Action Result Tests ---

func TestUpsertAndListActionResults(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sub := seedSubmission(t, s, "intake", time.Time{})

	now := time.Now().UTC()
	require.NoError(t, s.UpsertActionResult(ctx, &ActionResult{
		SubmissionID: sub.ID, ActionName: "case", ActionType: "civicrm.case", Position: 1,
		Status: schema.ActionSkipped, Reason: "conditional",
	}))
	require.NoError(t, s.UpsertActionResult(ctx, &ActionResult{
		SubmissionID: sub.ID, ActionName: "contact", ActionType: "civicrm.contact", Position: 0,
		Status: schema.ActionFailed, Error: json.RawMessage(`{"code":"CRM_ERROR"}`),
	}))
	require.NoError(t, s.UpsertActionResult(ctx, &ActionResult{
		SubmissionID: sub.ID, ActionName: "contact", ActionType: "civicrm.contact", Position: 0,
		Status: schema.ActionCompleted, Output: json.RawMessage(`{"id":5}`), DurationMs: 12, CompletedAt: &now,
	}))

	results, err := s.ListActionResults(ctx, sub.ID)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "contact", results[0].ActionName)
	assert.Equal(t, schema.ActionCompleted, results[0].Status)
	assert.JSONEq(t, `{"id":5}`, string(results[0].Output))
	assert.Nil(t, results[0].Error)
	assert.Equal(t, int64(12), results[0].DurationMs)
	assert.Equal(t, "case", results[1].ActionName)
	assert.Equal(t, "conditional", results[1].Reason)
}

// --- Event Tests ---

func TestAppendAndGetEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sub := seedSubmission(t, s, "intake", time.Time{})

	for _, et := range []string{schema.EventSubmissionReceived, schema.EventActionCompleted, schema.EventSubmissionCompleted} {
		e := &Event{SubmissionID: sub.ID, Type: et}
		if et == schema.EventActionCompleted {
			e.ActionName = "contact"
		}
		require.NoError(t, s.AppendEvent(ctx, e))
	}

	events, err := s.GetEvents(ctx, sub.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, int64(1), events[0].Sequence)
	assert.Equal(t, "contact", events[1].ActionName)
	assert.Equal(t, "", events[0].ActionName)

	since, err := s.GetEvents(ctx, sub.ID, 2)
	require.NoError(t, err)
	require.Len(t, since, 1)
	assert.Equal(t, schema.EventSubmissionCompleted, since[0].Type)
}

func TestGetEventsByType(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := seedSubmission(t, s, "intake", time.Time{})
	b := seedSubmission(t, s, "intake", time.Time{})

	require.NoError(t, s.AppendEvent(ctx, &Event{SubmissionID: a.ID, ActionName: "contact", Type: schema.EventActionFailed}))
	require.NoError(t, s.AppendEvent(ctx, &Event{SubmissionID: b.ID, ActionName: "case", Type: schema.EventActionFailed}))
	require.NoError(t, s.AppendEvent(ctx, &Event{SubmissionID: b.ID, ActionName: "case", Type: schema.EventActionCompleted}))

	failed, err := s.GetEventsByType(ctx, schema.EventActionFailed, EventFilter{})
	require.NoError(t, err)
	assert.Len(t, failed, 2)

	scoped, err := s.GetEventsByType(ctx, schema.EventActionFailed, EventFilter{SubmissionID: b.ID, ActionName: "case", Limit: 5})
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	assert.Equal(t, b.ID, scoped[0].SubmissionID)
}

// --- Secrets Tests ---

func TestStoreAndGetSecret(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.StoreSecret(ctx, "crm-api-key", []byte("secret123")))

	val, err := s.GetSecret(ctx, "crm-api-key")
	require.NoError(t, err)
	assert.Equal(t, []byte("secret123"), val)

	// Overwrite
	require.NoError(t, s.StoreSecret(ctx, "crm-api-key", []byte("updated")))
	val, err = s.GetSecret(ctx, "crm-api-key")
	require.NoError(t, err)
	assert.Equal(t, []byte("updated"), val)

	require.NoError(t, s.StoreSecret(ctx, "nonce-secret", []byte("n")))
	keys, err := s.ListSecrets(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"crm-api-key", "nonce-secret"}, keys)

	// Delete
	require.NoError(t, s.DeleteSecret(ctx, "crm-api-key"))
	_, err = s.GetSecret(ctx, "crm-api-key")
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
	assert.True(t, schema.HasCode(s.DeleteSecret(ctx, "crm-api-key"), schema.ErrCodeNotFound))
}

// --- Migration Tests ---

func TestLoadMigrations(t *testing.T) {
	ms, err := loadMigrations()
	require.NoError(t, err)
	require.Len(t, ms, 2)
	assert.Equal(t, 1, ms[0].Version)
	assert.Equal(t, "submission_log", ms[0].Name)
	assert.Equal(t, 2, ms[1].Version)
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements("-- only a comment;\nCREATE TABLE a (x INT);\n\n-- note\nCREATE INDEX i ON a (x);")
	require.Len(t, stmts, 2)
	assert.Contains(t, stmts[0], "CREATE TABLE a")
}

func TestMigrateIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	// Migrate was already called in newTestStore; calling again should be a no-op.
	require.NoError(t, s.Migrate(ctx))

	var version int
	require.NoError(t, s.DB().QueryRowContext(ctx, `SELECT MAX(version) FROM schema_version`).Scan(&version))
	assert.Equal(t, 2, version)
}

func TestVacuum(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Vacuum(context.Background()))
}
