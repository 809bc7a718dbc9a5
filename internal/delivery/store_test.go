package delivery

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(db), mock
}

func TestGetCampaign(t *testing.T) {
	store, mock := setupStore(t)

	mock.ExpectQuery(`SELECT id, project_id, rule_id, state, 0 FROM campaigns WHERE id = \$1`).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "project_id", "rule_id", "state", "?column?"}).
			AddRow(int64(5), int64(1), "root-1", "draft", int64(0)))

	c, err := store.GetCampaign(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, Owner{ID: 5, ProjectID: 1, RuleID: "root-1", State: CampaignDraft}, c)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJourney(t *testing.T) {
	store, mock := setupStore(t)

	mock.ExpectQuery(`SELECT id, project_id, rule_id, state, entrance_step_id FROM journeys`).
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "project_id", "rule_id", "state", "entrance_step_id"}).
			AddRow(int64(3), int64(1), nil, "live", int64(30)))

	j, err := store.GetJourney(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, int64(30), j.EntranceStepID)
	assert.Empty(t, j.RuleID)
}

func TestGetList_NotFound(t *testing.T) {
	store, mock := setupStore(t)
	mock.ExpectQuery(`FROM lists`).WithArgs(int64(9)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "project_id", "rule_id", "state", "?column?"}))

	_, err := store.GetList(context.Background(), 9)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestUpsertListMembers_Dedupes(t *testing.T) {
	store, mock := setupStore(t)

	mock.ExpectExec(`(?s)INSERT INTO list_members .*ON CONFLICT \(list_id, user_id\) DO UPDATE`).
		WithArgs(int64(7), pq.Array([]int64{1, 2, 3})).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := store.UpsertListMembers(context.Background(), 7, []int64{1, 2, 1, 3, 2})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertCampaignSends_KeepsState(t *testing.T) {
	store, mock := setupStore(t)

	mock.ExpectExec(`(?s)INSERT INTO campaign_sends .*ON CONFLICT \(campaign_id, user_id\) DO UPDATE SET updated_at = NOW\(\)`).
		WithArgs(int64(5), pq.Array([]int64{10, 11})).
		WillReturnResult(sqlmock.NewResult(0, 2))

	_, err := store.UpsertCampaignSends(context.Background(), 5, []int64{10, 11})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertJourneyEntrances(t *testing.T) {
	store, mock := setupStore(t)

	mock.ExpectExec(`INSERT INTO journey_entrances`).
		WithArgs(int64(30), pq.Array([]int64{4})).
		WillReturnError(errors.New("deadlock detected"))

	_, err := store.UpsertJourneyEntrances(context.Background(), 30, []int64{4})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "journey entrances")
}

func TestUpsert_EmptyPageIsNoop(t *testing.T) {
	store, mock := setupStore(t)
	n, err := store.UpsertListMembers(context.Background(), 7, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteCampaign_AbortedIsNotResurrected(t *testing.T) {
	store, mock := setupStore(t)

	mock.ExpectExec(`(?s)UPDATE campaigns\s+SET state = 'scheduled'.*WHERE id = \$1 AND state = 'loading'`).
		WithArgs(int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	moved, err := store.CompleteCampaign(context.Background(), 5)
	require.NoError(t, err)
	assert.False(t, moved)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCampaignTransitions(t *testing.T) {
	store, mock := setupStore(t)
	ctx := context.Background()

	mock.ExpectExec(`SET state = 'loading'`).WithArgs(int64(5)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`SET state = 'aborted'`).WithArgs(int64(5)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`SET state = 'scheduled'`).WithArgs(int64(5)).WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := store.MarkCampaignLoading(ctx, 5)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.AbortCampaign(ctx, 5)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.CompleteCampaign(ctx, 5)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteListAndJourney(t *testing.T) {
	store, mock := setupStore(t)
	ctx := context.Background()

	mock.ExpectExec(`UPDATE lists SET state = 'loading'`).WithArgs(int64(7)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE lists\s+SET state = 'ready'`).WithArgs(int64(7)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE journeys`).WithArgs(int64(3), int64(30)).WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.MarkListLoading(ctx, 7))
	require.NoError(t, store.CompleteList(ctx, 7))
	require.NoError(t, store.CompleteJourney(ctx, 3, 30))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	store, mock := setupStore(t)
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS lists`).WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
