package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MWANGAZA-LAB/SatsConnect-sub001/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const jobColumns = `id, queue_name, payload, attempt_count, max_attempts, state, last_error,
	run_at, leased_until, created_at, updated_at`

// JobRepo implements ports.JobRepository on postgres. FOR UPDATE SKIP LOCKED
// acquisition plus the leased_until column give the at-most-one-active-lease
// guarantee the queue depends on.
type JobRepo struct {
	pool Pool
}

// NewJobRepo creates a new JobRepo.
func NewJobRepo(pool Pool) *JobRepo {
	return &JobRepo{pool: pool}
}

// Enqueue inserts a waiting job within a database transaction.
func (r *JobRepo) Enqueue(ctx context.Context, tx pgx.Tx, job *domain.Job) error {
	query := `INSERT INTO jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := tx.Exec(ctx, query,
		job.ID, job.QueueName, job.Payload, job.AttemptCount, job.MaxAttempts,
		job.State, job.LastError, job.RunAt, job.LeasedUntil, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetByID fetches a job by UUID.
func (r *JobRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	job, err := scanJob(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// AcquireNext leases the oldest runnable waiting job on the queue. Start
// order is FIFO by enqueue time. The attempt counter is advanced at
// acquisition so a crashed worker's retry is still counted.
func (r *JobRepo) AcquireNext(ctx context.Context, queueName string, leaseFor time.Duration) (*domain.Job, error) {
	now := time.Now().UTC()
	query := `WITH next AS (
			SELECT id FROM jobs
			WHERE queue_name = $1 AND state = 'waiting' AND run_at <= $2
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE jobs j SET state = 'active', attempt_count = j.attempt_count + 1,
			leased_until = $3, updated_at = $2
		FROM next WHERE j.id = next.id
		RETURNING j.id, j.queue_name, j.payload, j.attempt_count, j.max_attempts, j.state,
			j.last_error, j.run_at, j.leased_until, j.created_at, j.updated_at`

	job, err := scanJob(r.pool.QueryRow(ctx, query, queueName, now, now.Add(leaseFor)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("acquire job: %w", err)
	}
	return job, nil
}

// Complete marks a job done and releases its lease.
func (r *JobRepo) Complete(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE jobs SET state = 'completed', leased_until = NULL, updated_at = $2 WHERE id = $1`

	tag, err := r.pool.Exec(ctx, query, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job not found: %s", id)
	}
	return nil
}

// Reschedule returns a failed attempt to waiting with a future run time.
func (r *JobRepo) Reschedule(ctx context.Context, id uuid.UUID, attempts int, lastError string, runAt time.Time) error {
	query := `UPDATE jobs SET state = 'waiting', attempt_count = $2, last_error = $3,
		run_at = $4, leased_until = NULL, updated_at = $5 WHERE id = $1`

	tag, err := r.pool.Exec(ctx, query, id, attempts, lastError, runAt, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("reschedule job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job not found: %s", id)
	}
	return nil
}

// Fail marks a job terminally failed after its attempts are exhausted.
func (r *JobRepo) Fail(ctx context.Context, id uuid.UUID, attempts int, lastError string) error {
	query := `UPDATE jobs SET state = 'failed', attempt_count = $2, last_error = $3,
		leased_until = NULL, updated_at = $4 WHERE id = $1`

	tag, err := r.pool.Exec(ctx, query, id, attempts, lastError, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job not found: %s", id)
	}
	return nil
}

// RequeueExpired returns jobs whose worker lease lapsed to waiting.
func (r *JobRepo) RequeueExpired(ctx context.Context) (int64, error) {
	query := `UPDATE jobs SET state = 'waiting', leased_until = NULL, updated_at = $1
		WHERE state = 'active' AND leased_until < $1`

	tag, err := r.pool.Exec(ctx, query, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("requeue expired jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	j := &domain.Job{}
	err := row.Scan(
		&j.ID, &j.QueueName, &j.Payload, &j.AttemptCount, &j.MaxAttempts, &j.State,
		&j.LastError, &j.RunAt, &j.LeasedUntil, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return j, nil
}
