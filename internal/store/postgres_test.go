package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/badumetsihlongwane-jpg/AndroidVisionAutomator/api/schemas"
	json "github.com/json-iterator/go"
)

func newMockStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewPostgresStoreWithDB(mock, zap.NewNop()), mock
}

func TestPostgresStore_AppendResult(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO task_results").
		WithArgs("t1", 0, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.AppendResult(context.Background(), "t1", 0, sampleResult("A", schemas.ActionSuccess))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FinishTask(t *testing.T) {
	s, mock := newMockStore(t)
	finished := time.Now()

	mock.ExpectExec("INSERT INTO task_outcomes").
		WithArgs("t1", string(schemas.TaskSucceeded), pgxmock.AnyArg(), finished).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.FinishTask(context.Background(), &schemas.TaskOutcome{
		TaskID:     "t1",
		Status:     schemas.TaskSucceeded,
		FinishedAt: finished,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetTask(t *testing.T) {
	s, mock := newMockStore(t)

	result := sampleResult("A", schemas.ActionSuccess)
	result.DurationMillis = 42
	resultBlob, err := json.Marshal(result)
	require.NoError(t, err)

	outcome := &schemas.TaskOutcome{TaskID: "t1", Status: schemas.TaskSucceeded}
	outcomeBlob, err := json.Marshal(outcome)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT payload FROM task_results").
		WithArgs("t1").
		WillReturnRows(pgxmock.NewRows([]string{"payload"}).AddRow(resultBlob))
	mock.ExpectQuery("SELECT payload FROM task_outcomes").
		WithArgs("t1").
		WillReturnRows(pgxmock.NewRows([]string{"payload"}).AddRow(outcomeBlob))

	record, err := s.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, record.Results, 1)
	assert.Equal(t, "A", record.Results[0].Action.Target)
	assert.Equal(t, int64(42), record.Results[0].DurationMillis)
	require.NotNil(t, record.Outcome)
	assert.Equal(t, schemas.TaskSucceeded, record.Outcome.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetTask_InFlight(t *testing.T) {
	// Results exist but no outcome row yet; the record is still valid.
	s, mock := newMockStore(t)

	resultBlob, err := json.Marshal(sampleResult("A", schemas.ActionSuccess))
	require.NoError(t, err)

	mock.ExpectQuery("SELECT payload FROM task_results").
		WithArgs("t1").
		WillReturnRows(pgxmock.NewRows([]string{"payload"}).AddRow(resultBlob))
	mock.ExpectQuery("SELECT payload FROM task_outcomes").
		WithArgs("t1").
		WillReturnError(pgx.ErrNoRows)

	record, err := s.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Len(t, record.Results, 1)
	assert.Nil(t, record.Outcome)
}

func TestPostgresStore_GetTask_Unknown(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT payload FROM task_results").
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows([]string{"payload"}))
	mock.ExpectQuery("SELECT payload FROM task_outcomes").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetTask(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestPostgresStore_EnsureSchema(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS task_results").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
