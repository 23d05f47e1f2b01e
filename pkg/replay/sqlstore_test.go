package replay

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm/authority/pkg/contracts"
	"github.com/Mindburn-Labs/helm/authority/pkg/store"
)

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewSQLStore(store.Wrap(db, store.Postgres)), mock
}

func TestCompleteIsConditionalOnPending(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE replay_attempts`)).
		WithArgs("DRIFT_DETECTED", nil, true, "HASH_MISMATCH", sqlmock.AnyArg(),
			nil, "h2", now, "r-1", "PENDING").
		WillReturnResult(sqlmock.NewResult(0, 0))

	changed, err := s.Complete(context.Background(), &contracts.ReplayAttempt{
		ReplayID:       "r-1",
		Status:         contracts.ReplayDriftDetected,
		DriftDetected:  true,
		DriftDetails:   &contracts.DriftDetails{DriftType: contracts.DriftTypeHashMismatch},
		NewContentHash: "h2",
		CompletedAt:    &now,
	})
	require.NoError(t, err)
	assert.False(t, changed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListBuildsFilters(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`WHERE envelope_id = $1 AND envelope_hash = $2 ORDER BY initiated_at DESC, replay_id DESC LIMIT $3`)).
		WithArgs("env-1", "h1", 5).
		WillReturnRows(sqlmock.NewRows([]string{
			"replay_id", "envelope_id", "envelope_hash", "replay_status", "error_code", "drift_detected",
			"drift_type", "drift_details", "actor_context", "new_output", "new_content_hash", "initiated_by", "source",
			"initiated_at", "completed_at",
		}).AddRow(
			"r-1", "env-1", "h1", "DRIFT_DETECTED", nil, true,
			"HASH_MISMATCH", []byte(`{"drift_type":"legacy","expected_hash":"h1","actual_hash":"h2"}`), nil, nil, "h2", "alice", "auditor",
			time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC), nil,
		))

	attempts, err := s.List(context.Background(), "env-1", "h1", 5)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, "HASH_MISMATCH", attempts[0].DriftDetails.DriftType)
	assert.Equal(t, "h2", attempts[0].DriftDetails.ActualHash)
	require.NoError(t, mock.ExpectationsWereMet())
}
