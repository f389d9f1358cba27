package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kilupskalvis/factflow/internal/apperr"
	"github.com/kilupskalvis/factflow/internal/models"
	"github.com/kilupskalvis/factflow/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLog(t *testing.T) (*Log, *store.Store, string) {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, store.DriverSQLite, filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	v := &models.Verification{ID: uuid.NewString(), OwnerID: "u1", Text: "Water boils at 100C.", Status: models.StatusDraft}
	require.NoError(t, st.InsertVerification(ctx, v))
	return New(st, nil), st, v.ID
}

func TestRecord_ErrorMessageRule(t *testing.T) {
	ctx := context.Background()
	l, _, vid := newTestLog(t)

	_, err := l.Record(ctx, vid, "generate_questions", models.LogError, "", nil)
	assert.True(t, apperr.Is(err, apperr.ValidationError))

	_, err = l.Record(ctx, vid, "generate_questions", models.LogCompleted, "oops", nil)
	assert.True(t, apperr.Is(err, apperr.ValidationError))

	_, err = l.Record(ctx, vid, "generate_questions", models.LogStarted, "oops", nil)
	assert.True(t, apperr.Is(err, apperr.ValidationError))

	_, err = l.Record(ctx, vid, "generate_questions", "finished", "", nil)
	assert.True(t, apperr.Is(err, apperr.ValidationError))

	_, err = l.Record(ctx, vid, " ", models.LogStarted, "", nil)
	assert.True(t, apperr.Is(err, apperr.ValidationError))

	entries, err := l.List(ctx, vid)
	require.NoError(t, err)
	assert.Empty(t, entries, "rejected records must not be written")
}

func TestRecord_Payload(t *testing.T) {
	ctx := context.Background()
	l, _, vid := newTestLog(t)

	e, err := l.Record(ctx, vid, "generate_questions", models.LogCompleted, "", map[string]string{"job_id": "j-1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"job_id":"j-1"}`, string(e.Payload))
	assert.Nil(t, e.ErrorMessage)
}

func TestQueries(t *testing.T) {
	ctx := context.Background()
	l, _, vid := newTestLog(t)

	require.NoError(t, l.Started(ctx, vid, "generate_questions"))
	require.NoError(t, l.Failed(ctx, vid, "generate_questions", "HTTP 503"))
	require.NoError(t, l.Started(ctx, vid, "discover_sources"))
	require.NoError(t, l.Completed(ctx, vid, "discover_sources", nil))

	all, err := l.List(ctx, vid)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "discover_sources", all[0].Step)
	assert.Equal(t, models.LogCompleted, all[0].Status)

	errs, err := l.Errors(ctx, vid)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "HTTP 503", *errs[0].ErrorMessage)

	latest, err := l.Latest(ctx, vid, "generate_questions")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, models.LogError, latest.Status)

	missing, err := l.Latest(ctx, vid, "analyze_sources")
	require.NoError(t, err)
	assert.Nil(t, missing)

	done, err := l.StepCompleted(ctx, vid, "discover_sources")
	require.NoError(t, err)
	assert.True(t, done)

	done, err = l.StepCompleted(ctx, vid, "generate_questions")
	require.NoError(t, err)
	assert.False(t, done)
}

func TestFailed_EmptyMessage(t *testing.T) {
	ctx := context.Background()
	l, _, vid := newTestLog(t)

	require.NoError(t, l.Failed(ctx, vid, "generate_questions", ""))
	errs, err := l.Errors(ctx, vid)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "unknown error", *errs[0].ErrorMessage)
}

func TestPurge(t *testing.T) {
	ctx := context.Background()
	l, st, vid := newTestLog(t)

	st.SetClock(func() time.Time { return time.Now().Add(-31 * 24 * time.Hour) })
	require.NoError(t, l.Started(ctx, vid, "old_step"))
	st.SetClock(time.Now)
	require.NoError(t, l.Started(ctx, vid, "new_step"))

	res, err := l.Purge(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Deleted)

	all, err := l.List(ctx, vid)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "new_step", all[0].Step)
}
