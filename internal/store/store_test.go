package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kilupskalvis/factflow/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStore opens a migrated SQLite store in a temp directory.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := Open(context.Background(), DriverSQLite, dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func seedVerification(t *testing.T, st *Store, status models.Status) *models.Verification {
	t.Helper()
	v := &models.Verification{
		ID:      uuid.NewString(),
		OwnerID: "user-1",
		Text:    "The moon is made of cheese.",
		Status:  status,
	}
	require.NoError(t, st.InsertVerification(context.Background(), v))
	return v
}

func seedQuestions(t *testing.T, st *Store, vid string, n int) []*models.Question {
	t.Helper()
	qs := make([]*models.Question, n)
	for i := range qs {
		text := fmt.Sprintf("Question number %d?", i)
		qs[i] = &models.Question{ID: uuid.NewString(), Text: text, OriginalText: text, OrderIndex: i}
	}
	inserted, _, err := st.InsertQuestionsIfNone(context.Background(), vid, qs)
	require.NoError(t, err)
	require.True(t, inserted)
	return qs
}

func TestOpen_Migrates(t *testing.T) {
	st := newTestStore(t)

	version, dirty, err := st.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.False(t, dirty)

	// Re-running is a no-op.
	assert.NoError(t, st.Migrate())
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "x")
	assert.Error(t, err)
}

func TestVerification_InsertGet(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	v := seedVerification(t, st, models.StatusDraft)
	got, err := st.GetVerification(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, v.OwnerID, got.OwnerID)
	assert.Equal(t, v.Text, got.Text)
	assert.Equal(t, models.StatusDraft, got.Status)
	assert.Nil(t, got.ShareToken)
	assert.WithinDuration(t, v.CreatedAt, got.CreatedAt, time.Second)

	_, err = st.GetVerification(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestVerification_ListByOwner(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	seedVerification(t, st, models.StatusDraft)
	seedVerification(t, st, models.StatusDraft)

	list, err := st.ListVerificationsByOwner(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, list, 2)

	list, err = st.ListVerificationsByOwner(ctx, "someone-else")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestUpdateStatus_Conditional(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	v := seedVerification(t, st, models.StatusDraft)

	require.NoError(t, st.UpdateStatus(ctx, v.ID, models.StatusDraft, models.StatusProcessingQuestions))

	err := st.UpdateStatus(ctx, v.ID, models.StatusDraft, models.StatusProcessingQuestions)
	assert.ErrorIs(t, err, ErrConflict)

	err = st.UpdateStatus(ctx, "missing", models.StatusDraft, models.StatusProcessingQuestions)
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := st.GetVerification(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessingQuestions, got.Status)
}

func TestUpdateStatus_ConcurrentSingleWinner(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	v := seedVerification(t, st, models.StatusDraft)

	const racers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for range racers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := st.UpdateStatus(ctx, v.ID, models.StatusDraft, models.StatusProcessingQuestions); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, ErrConflict)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestUpdateStatusUnless(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	v := seedVerification(t, st, models.StatusSourcesReady)
	require.NoError(t, st.UpdateStatusUnless(ctx, v.ID, models.StatusError, models.StatusCompleted))

	done := seedVerification(t, st, models.StatusCompleted)
	err := st.UpdateStatusUnless(ctx, done.ID, models.StatusError, models.StatusCompleted)
	assert.ErrorIs(t, err, ErrConflict)

	got, err := st.GetVerification(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
}

func TestSetShareToken(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	a := seedVerification(t, st, models.StatusCompleted)
	b := seedVerification(t, st, models.StatusCompleted)

	require.NoError(t, st.SetShareToken(ctx, a.ID, "tok-a"))
	assert.ErrorIs(t, st.SetShareToken(ctx, a.ID, "tok-other"), ErrConflict)
	assert.ErrorIs(t, st.SetShareToken(ctx, b.ID, "tok-a"), ErrConflict, "tokens are unique")

	got, err := st.GetVerificationByShareToken(ctx, "tok-a")
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)

	_, err = st.GetVerificationByShareToken(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInsertQuestionsIfNone(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	v := seedVerification(t, st, models.StatusProcessingQuestions)

	seedQuestions(t, st, v.ID, 3)

	again := []*models.Question{{ID: uuid.NewString(), Text: "Another question?", OriginalText: "Another question?"}}
	inserted, existing, err := st.InsertQuestionsIfNone(ctx, v.ID, again)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, 3, existing)

	n, err := st.CountQuestions(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestInsertQuestionsIfNone_DuplicateIndexRollsBack(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	v := seedVerification(t, st, models.StatusProcessingQuestions)

	qs := []*models.Question{
		{ID: uuid.NewString(), Text: "First question?", OriginalText: "First question?", OrderIndex: 0},
		{ID: uuid.NewString(), Text: "Second question?", OriginalText: "Second question?", OrderIndex: 0},
	}
	_, _, err := st.InsertQuestionsIfNone(ctx, v.ID, qs)
	assert.ErrorIs(t, err, ErrConflict)

	n, err := st.CountQuestions(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "batch insert is atomic")
}

func TestAppendQuestion(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	v := seedVerification(t, st, models.StatusProcessingQuestions)

	q := &models.Question{ID: uuid.NewString(), VerificationID: v.ID, Text: "Manual question?", OriginalText: "Manual question?"}
	require.NoError(t, st.AppendQuestion(ctx, q))
	assert.Equal(t, 0, q.OrderIndex)

	seeded := &models.Question{ID: uuid.NewString(), VerificationID: v.ID, Text: "Second manual?", OriginalText: "Second manual?"}
	require.NoError(t, st.AppendQuestion(ctx, seeded))
	assert.Equal(t, 1, seeded.OrderIndex)
}

func TestUpdateQuestionText(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	v := seedVerification(t, st, models.StatusProcessingQuestions)
	qs := seedQuestions(t, st, v.ID, 1)

	require.NoError(t, st.UpdateQuestionText(ctx, qs[0].ID, "Rewritten question?"))

	got, err := st.GetQuestion(ctx, qs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "Rewritten question?", got.Text)
	assert.Equal(t, qs[0].OriginalText, got.OriginalText)
	assert.True(t, got.IsEdited)

	assert.ErrorIs(t, st.UpdateQuestionText(ctx, "missing", "whatever text"), ErrNotFound)
}

func TestDeleteQuestion_Compacts(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	v := seedVerification(t, st, models.StatusProcessingQuestions)
	qs := seedQuestions(t, st, v.ID, 4)

	require.NoError(t, st.DeleteQuestion(ctx, qs[1].ID))

	remaining, err := st.ListQuestions(ctx, v.ID)
	require.NoError(t, err)
	require.Len(t, remaining, 3)
	for i, q := range remaining {
		assert.Equal(t, i, q.OrderIndex)
	}
	assert.Equal(t, []string{qs[0].ID, qs[2].ID, qs[3].ID}, questionIDs(remaining))

	assert.ErrorIs(t, st.DeleteQuestion(ctx, qs[1].ID), ErrNotFound)
}

func TestRenumberQuestions(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	v := seedVerification(t, st, models.StatusProcessingQuestions)
	qs := seedQuestions(t, st, v.ID, 4)

	err := st.RenumberQuestions(ctx, v.ID, func(current []*models.Question) ([]string, error) {
		ids := questionIDs(current)
		ids[0], ids[3] = ids[3], ids[0]
		return ids, nil
	})
	require.NoError(t, err)

	got, err := st.ListQuestions(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{qs[3].ID, qs[1].ID, qs[2].ID, qs[0].ID}, questionIDs(got))
	for i, q := range got {
		assert.Equal(t, i, q.OrderIndex)
	}
}

func TestRenumberQuestions_PlanErrorRollsBack(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	v := seedVerification(t, st, models.StatusProcessingQuestions)
	qs := seedQuestions(t, st, v.ID, 3)

	err := st.RenumberQuestions(ctx, v.ID, func([]*models.Question) ([]string, error) {
		return []string{qs[0].ID}, nil
	})
	assert.Error(t, err)

	got, err := st.ListQuestions(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, questionIDs(qs), questionIDs(got))
}

func TestSources(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	v := seedVerification(t, st, models.StatusProcessingQuestions)

	srcs := []*models.Source{
		{ID: uuid.NewString(), URL: "https://a.example", Title: "A", OrderIndex: 0},
		{ID: uuid.NewString(), URL: "https://b.example", Title: "B", OrderIndex: 1},
	}
	inserted, _, err := st.InsertSourcesIfNone(ctx, v.ID, srcs)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, existing, err := st.InsertSourcesIfNone(ctx, v.ID, srcs)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, 2, existing)

	require.NoError(t, st.SetSelectedSources(ctx, v.ID, []string{srcs[1].ID}))
	got, err := st.ListSources(ctx, v.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.False(t, got[0].Selected)
	assert.True(t, got[1].Selected)

	err = st.SetSelectedSources(ctx, v.ID, []string{srcs[0].ID, "foreign"})
	assert.ErrorIs(t, err, ErrConflict)
	got, err = st.ListSources(ctx, v.ID)
	require.NoError(t, err)
	assert.True(t, got[1].Selected, "failed selection must roll back")
}

func TestFinalResult(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	v := seedVerification(t, st, models.StatusGeneratingSummary)

	r := &models.FinalResult{VerificationID: v.ID, Verdict: "false", Label: "Misleading", Summary: "No.", Payload: models.JSON(`{"verdict":"false"}`)}
	inserted, err := st.InsertFinalResult(ctx, r)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = st.InsertFinalResult(ctx, r)
	require.NoError(t, err)
	assert.False(t, inserted)

	got, err := st.GetFinalResult(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, "Misleading", got.Label)
	assert.JSONEq(t, `{"verdict":"false"}`, string(got.Payload))

	_, err = st.GetFinalResult(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLogEntries(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	v := seedVerification(t, st, models.StatusDraft)

	msg := "boom"
	entries := []*models.ProcessLogEntry{
		{VerificationID: v.ID, Step: "a", Status: models.LogStarted},
		{VerificationID: v.ID, Step: "a", Status: models.LogError, ErrorMessage: &msg},
		{VerificationID: v.ID, Step: "a", Status: models.LogCompleted, Payload: models.JSON(`{"ok":true}`)},
	}
	for _, e := range entries {
		require.NoError(t, st.AppendLogEntry(ctx, e))
		assert.NotZero(t, e.ID)
	}

	all, err := st.ListLogEntries(ctx, v.ID)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, entries[2].ID, all[0].ID, "newest first")

	latest, err := st.LatestLogEntry(ctx, v.ID, "a")
	require.NoError(t, err)
	assert.Equal(t, models.LogCompleted, latest.Status)
	assert.JSONEq(t, `{"ok":true}`, string(latest.Payload))

	errs, err := st.ListLogEntriesByStatus(ctx, v.ID, models.LogError)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "boom", *errs[0].ErrorMessage)

	has, err := st.HasLogEntry(ctx, v.ID, "a", models.LogCompleted)
	require.NoError(t, err)
	assert.True(t, has)

	_, err = st.LatestLogEntry(ctx, v.ID, "b")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLogEntry_SchemaRejectsErrorWithoutMessage(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	v := seedVerification(t, st, models.StatusDraft)

	err := st.AppendLogEntry(ctx, &models.ProcessLogEntry{VerificationID: v.ID, Step: "a", Status: models.LogError})
	assert.Error(t, err)
}

func TestPurgeLogEntriesBefore(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	v := seedVerification(t, st, models.StatusDraft)

	old := time.Now().Add(-40 * 24 * time.Hour)
	st.SetClock(func() time.Time { return old })
	require.NoError(t, st.AppendLogEntry(ctx, &models.ProcessLogEntry{VerificationID: v.ID, Step: "old", Status: models.LogStarted}))

	st.SetClock(time.Now)
	require.NoError(t, st.AppendLogEntry(ctx, &models.ProcessLogEntry{VerificationID: v.ID, Step: "new", Status: models.LogStarted}))

	n, err := st.PurgeLogEntriesBefore(ctx, time.Now().Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	all, err := st.ListLogEntries(ctx, v.ID)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "new", all[0].Step)
}

func questionIDs(qs []*models.Question) []string {
	ids := make([]string, len(qs))
	for i, q := range qs {
		ids[i] = q.ID
	}
	return ids
}
