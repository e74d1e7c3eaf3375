package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"
)

func TestLogStoreAdd(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	st, err := NewLogStoreWithPool(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()

	mock.ExpectExec("INSERT INTO session_logs").
		WithArgs(int64(70), "info", "dispatched to worker", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = st.Add(context.Background(), 70, "info", "dispatched to worker", now)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLogStorePruneBeforeReturnsRemovedRows(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	st, err := NewLogStoreWithPool(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	cutoff := now.Add(-30 * 24 * time.Hour)

	mock.ExpectQuery("DELETE FROM session_logs").
		WithArgs(cutoff, 1000).
		WillReturnRows(pgxmock.NewRows([]string{"id", "session_id", "level", "message", "created_at"}).
			AddRow(int64(1), int64(70), "info", "collect started", cutoff.Add(-time.Hour)))

	pruned, err := st.PruneBefore(context.Background(), cutoff, 1000)
	require.NoError(t, err)
	require.Len(t, pruned, 1)
	require.Equal(t, int64(70), pruned[0].SessionID)
	require.NoError(t, mock.ExpectationsWereMet())
}
