package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/MWANGAZA-LAB/SatsConnect-sub001/internal/core/domain"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jobColumnNames() []string {
	return []string{"id", "queue_name", "payload", "attempt_count", "max_attempts", "state",
		"last_error", "run_at", "leased_until", "created_at", "updated_at"}
}

func jobRow(j *domain.Job) *pgxmock.Rows {
	return pgxmock.NewRows(jobColumnNames()).AddRow(
		j.ID, j.QueueName, []byte(j.Payload), j.AttemptCount, j.MaxAttempts, j.State,
		j.LastError, j.RunAt, j.LeasedUntil, j.CreatedAt, j.UpdatedAt,
	)
}

func TestJobRepo_Enqueue(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewJobRepo(mock)
	job := domain.NewJob(domain.QueueFiatBuy, []byte(`{"amount_fiat":1000}`), 3)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO jobs").
		WithArgs(
			job.ID, job.QueueName, job.Payload, job.AttemptCount, job.MaxAttempts,
			job.State, job.LastError, job.RunAt, job.LeasedUntil, job.CreatedAt, job.UpdatedAt,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	dbTx, err := mock.Begin(context.Background())
	require.NoError(t, err)

	err = repo.Enqueue(context.Background(), dbTx, job)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJobRepo_AcquireNext(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewJobRepo(mock)
	job := domain.NewJob(domain.QueueFiatBuy, []byte(`{}`), 3)
	job.State = domain.JobActive
	job.AttemptCount = 1

	mock.ExpectQuery("WITH next AS").
		WithArgs(domain.QueueFiatBuy, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(jobRow(job))

	acquired, err := repo.AcquireNext(context.Background(), domain.QueueFiatBuy, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, acquired)
	assert.Equal(t, domain.JobActive, acquired.State)
	assert.Equal(t, 1, acquired.AttemptCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJobRepo_AcquireNext_Empty(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewJobRepo(mock)

	mock.ExpectQuery("WITH next AS").
		WithArgs(domain.QueueRefunds, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows(jobColumnNames()))

	acquired, err := repo.AcquireNext(context.Background(), domain.QueueRefunds, time.Minute)
	assert.NoError(t, err)
	assert.Nil(t, acquired)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJobRepo_Complete(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewJobRepo(mock)
	id := uuid.New()

	mock.ExpectExec("UPDATE jobs SET state = 'completed'").
		WithArgs(id, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	assert.NoError(t, repo.Complete(context.Background(), id))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJobRepo_Reschedule(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewJobRepo(mock)
	id := uuid.New()
	runAt := time.Now().Add(10 * time.Second)

	mock.ExpectExec("UPDATE jobs SET state = 'waiting'").
		WithArgs(id, 2, "stk push timed out", runAt, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	assert.NoError(t, repo.Reschedule(context.Background(), id, 2, "stk push timed out", runAt))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJobRepo_Fail(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewJobRepo(mock)
	id := uuid.New()

	mock.ExpectExec("UPDATE jobs SET state = 'failed'").
		WithArgs(id, 3, "attempts exhausted", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	assert.NoError(t, repo.Fail(context.Background(), id, 3, "attempts exhausted"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJobRepo_Fail_NotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewJobRepo(mock)

	mock.ExpectExec("UPDATE jobs SET state = 'failed'").
		WithArgs(pgxmock.AnyArg(), 1, "boom", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = repo.Fail(context.Background(), uuid.New(), 1, "boom")
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJobRepo_RequeueExpired(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewJobRepo(mock)

	mock.ExpectExec("UPDATE jobs SET state = 'waiting'").
		WithArgs(pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))

	n, err := repo.RequeueExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
