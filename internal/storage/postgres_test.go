package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/internal/message"
	logx "courier/pkg/logx"
)

var pgColumns = messageColumns

func newMockStore(t *testing.T) (*postgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	clock := message.ClockFunc(func() time.Time { return t0 })
	return newPostgresStore(mock, clock, logx.Nop()), mock
}

func pgRow(mock pgxmock.PgxPoolIface, id, owner string, status message.Status) *pgxmock.Rows {
	return mock.NewRows(pgColumns).AddRow(
		id, owner, "c1", []string{"a@example.com"}, "hello", "body", (*string)(nil),
		t0.Add(time.Hour), string(status), 0, 3, (*string)(nil),
		(*time.Time)(nil), t0, t0,
	)
}

func TestPostgresCreate(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectExec(`INSERT INTO scheduled_messages \(id,owner_id,channel_id,recipients`).
		WithArgs(
			pgxmock.AnyArg(), "u1", "c1", []string{"a@example.com"}, "hello", "body", nil,
			t0.Add(time.Hour), "PENDING", 0, 3, nil,
			nil, t0, t0,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	got, err := st.Create(context.Background(), &message.ScheduledMessage{
		OwnerID:      "u1",
		ChannelID:    "c1",
		Recipients:   []string{"a@example.com"},
		Subject:      "hello",
		Body:         "body",
		MaxRetries:   3,
		ScheduledFor: t0.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, message.StatusPending, got.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCreateRejectsPast(t *testing.T) {
	st, mock := newMockStore(t)
	_, err := st.Create(context.Background(), &message.ScheduledMessage{OwnerID: "u1", ScheduledFor: t0})
	assert.ErrorIs(t, err, message.ErrInvalidArgument)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresFindByID(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		st, mock := newMockStore(t)
		mock.ExpectQuery(`SELECT .* FROM scheduled_messages WHERE id = \$1`).
			WithArgs("m1").
			WillReturnRows(pgRow(mock, "m1", "u1", message.StatusPending))

		got, err := st.FindByID(context.Background(), "m1", "u1")
		require.NoError(t, err)
		assert.Equal(t, "m1", got.ID)
		assert.Equal(t, message.StatusPending, got.Status)
		assert.Equal(t, []string{"a@example.com"}, got.Recipients)
		assert.Nil(t, got.HTMLBody)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("other owner", func(t *testing.T) {
		st, mock := newMockStore(t)
		mock.ExpectQuery(`SELECT .* FROM scheduled_messages WHERE id = \$1`).
			WithArgs("m1").
			WillReturnRows(pgRow(mock, "m1", "u1", message.StatusPending))

		_, err := st.FindByID(context.Background(), "m1", "u2")
		assert.ErrorIs(t, err, message.ErrNotFound)
	})

	t.Run("missing", func(t *testing.T) {
		st, mock := newMockStore(t)
		mock.ExpectQuery(`SELECT .* FROM scheduled_messages WHERE id = \$1`).
			WithArgs("nope").
			WillReturnError(pgx.ErrNoRows)

		_, err := st.FindByID(context.Background(), "nope", "u1")
		assert.ErrorIs(t, err, message.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresFindDue(t *testing.T) {
	st, mock := newMockStore(t)
	rows := pgRow(mock, "m1", "u1", message.StatusPending)
	mock.ExpectQuery(`SELECT .* FROM scheduled_messages WHERE status = \$1 AND scheduled_for <= \$2 ORDER BY scheduled_for ASC, id ASC LIMIT 10`).
		WithArgs("PENDING", t0).
		WillReturnRows(rows)

	due, err := st.FindDue(context.Background(), t0, 0)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "m1", due[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTransitionStatus(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectExec(`UPDATE scheduled_messages SET status = \$1, updated_at = \$2 WHERE id = \$3 AND status = \$4`).
		WithArgs("PROCESSING", t0, "m1", "PENDING").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE scheduled_messages SET status = \$1, updated_at = \$2 WHERE id = \$3 AND status = \$4`).
		WithArgs("PROCESSING", t0, "m1", "PENDING").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ok, err := st.TransitionStatus(context.Background(), "m1", message.StatusPending, message.StatusProcessing, message.StatusUpdate{})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = st.TransitionStatus(context.Background(), "m1", message.StatusPending, message.StatusProcessing, message.StatusUpdate{})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpdateStatusClearsError(t *testing.T) {
	st, mock := newMockStore(t)
	executed := t0.Add(time.Minute)
	mock.ExpectExec(`UPDATE scheduled_messages SET status = \$1, updated_at = \$2, retry_count = \$3, last_error = \$4, executed_at = \$5 WHERE id = \$6`).
		WithArgs("SENT", t0, 2, nil, executed, "m1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := st.UpdateStatus(context.Background(), "m1", message.StatusSent, message.StatusUpdate{
		RetryCount: message.Ptr(2),
		LastError:  message.Ptr(""),
		ExecutedAt: &executed,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpdateContentNotPending(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectExec(`UPDATE scheduled_messages SET updated_at = \$1, body = \$2 WHERE id = \$3 AND status = \$4`).
		WithArgs(t0, "new", "m1", "PENDING").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT .* FROM scheduled_messages WHERE id = \$1`).
		WithArgs("m1").
		WillReturnRows(pgRow(mock, "m1", "u1", message.StatusCancelled))

	_, err := st.UpdateContent(context.Background(), "m1", message.ContentPatch{Body: message.Ptr("new")})
	assert.ErrorIs(t, err, message.ErrInvalidState)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDeleteAged(t *testing.T) {
	st, mock := newMockStore(t)
	cutoff := t0.Add(-30 * 24 * time.Hour)
	mock.ExpectExec(`DELETE FROM scheduled_messages WHERE status IN \(\$1,\$2\) AND created_at < \$3`).
		WithArgs("SENT", "FAILED", cutoff).
		WillReturnResult(pgxmock.NewResult("DELETE", 4))

	n, err := st.DeleteAged(context.Background(), []message.Status{message.StatusSent, message.StatusPending, message.StatusFailed}, cutoff)
	require.NoError(t, err)
	assert.EqualValues(t, 4, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAcquireLease(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectExec(`INSERT INTO leases \(name,holder,expires_at\) VALUES \(\$1,\$2,\$3\) ON CONFLICT \(name\) DO UPDATE .* WHERE leases.expires_at < \$4 OR leases.holder = excluded.holder`).
		WithArgs("delivery", "node-a", t0.Add(time.Minute), t0).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	ok, err := st.AcquireLease(context.Background(), "delivery", "node-a", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresExecErrorIsWrapped(t *testing.T) {
	st, mock := newMockStore(t)
	boom := errors.New("connection reset")
	mock.ExpectExec(`UPDATE scheduled_messages`).
		WithArgs("FAILED", t0, "m1").
		WillReturnError(boom)

	err := st.UpdateStatus(context.Background(), "m1", message.StatusFailed, message.StatusUpdate{})
	assert.ErrorIs(t, err, boom)
}
