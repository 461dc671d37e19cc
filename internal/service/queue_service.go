package service

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/MWANGAZA-LAB/SatsConnect-sub001/config"
	"github.com/MWANGAZA-LAB/SatsConnect-sub001/internal/core/domain"
	"github.com/MWANGAZA-LAB/SatsConnect-sub001/internal/core/ports"
	"github.com/MWANGAZA-LAB/SatsConnect-sub001/internal/metrics"
	"github.com/MWANGAZA-LAB/SatsConnect-sub001/pkg/apperror"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// jobQueueService implements ports.QueueService on the durable Postgres
// store. Each registered queue gets its own bounded pool of workers; jobs
// are leased exclusively, so a job is active on at most one worker at a
// time. A janitor loop returns expired leases to waiting.
type jobQueueService struct {
	jobRepo    ports.JobRepository
	transactor ports.DBTransactor
	cfg        config.QueueConfig
	metrics    *metrics.Metrics
	log        zerolog.Logger

	mu       sync.RWMutex
	handlers map[string]ports.JobHandler

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewQueueService creates the durable queue service.
func NewQueueService(
	jobRepo ports.JobRepository,
	transactor ports.DBTransactor,
	cfg config.QueueConfig,
	m *metrics.Metrics,
	log zerolog.Logger,
) ports.QueueService {
	return &jobQueueService{
		jobRepo:    jobRepo,
		transactor: transactor,
		cfg:        cfg,
		metrics:    m,
		log:        log,
		handlers:   make(map[string]ports.JobHandler),
	}
}

// Enqueue persists a job in the waiting state. The insert runs in its own
// transaction so an accepted job survives a crash of the caller.
func (s *jobQueueService) Enqueue(ctx context.Context, queueName string, payload any, opts ports.JobOptions) (uuid.UUID, error) {
	var raw json.RawMessage
	switch p := payload.(type) {
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return uuid.Nil, apperror.InternalError(fmt.Errorf("marshal job payload: %w", err))
		}
		raw = b
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.cfg.MaxAttempts
	}

	job := domain.NewJob(queueName, raw, maxAttempts)
	if opts.Delay > 0 {
		job.RunAt = job.RunAt.Add(opts.Delay)
	}

	dbTx, err := s.transactor.Begin(ctx)
	if err != nil {
		return uuid.Nil, apperror.InternalError(fmt.Errorf("begin enqueue tx: %w", err))
	}
	defer dbTx.Rollback(ctx)

	if err := s.jobRepo.Enqueue(ctx, dbTx, job); err != nil {
		return uuid.Nil, err
	}
	if err := dbTx.Commit(ctx); err != nil {
		return uuid.Nil, apperror.InternalError(fmt.Errorf("commit enqueue tx: %w", err))
	}

	if s.metrics != nil {
		s.metrics.JobsEnqueued.WithLabelValues(queueName).Inc()
	}
	s.log.Info().
		Str("job_id", job.ID.String()).
		Str("queue", queueName).
		Msg("job enqueued")
	return job.ID, nil
}

// GetJobStatus returns the introspection view of one job.
func (s *jobQueueService) GetJobStatus(ctx context.Context, jobID uuid.UUID) (*ports.JobStatus, error) {
	job, err := s.jobRepo.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, apperror.ErrNotFound("job")
	}
	return &ports.JobStatus{
		ID:        job.ID,
		QueueName: job.QueueName,
		State:     job.State,
		Attempts:  job.AttemptCount,
		LastError: job.LastError,
	}, nil
}

// RegisterHandler binds a handler to a queue. Must be called before Start.
func (s *jobQueueService) RegisterHandler(queueName string, handler ports.JobHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[queueName] = handler
}

// Start launches the worker pools and the lease janitor.
func (s *jobQueueService) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("queue service already started")
	}
	s.started = true
	queues := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		queues = append(queues, name)
	}
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	for _, queue := range queues {
		for i := 0; i < s.cfg.Concurrency; i++ {
			s.wg.Add(1)
			go s.runWorker(runCtx, queue, i)
		}
	}

	s.wg.Add(1)
	go s.runJanitor(runCtx)

	s.log.Info().
		Int("queues", len(queues)).
		Int("workers_per_queue", s.cfg.Concurrency).
		Msg("queue workers started")
	return nil
}

// Stop cancels the workers and waits for in-flight jobs, bounded by ctx.
func (s *jobQueueService) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started || s.cancel == nil {
		s.mu.Unlock()
		return nil
	}
	s.cancel()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info().Msg("queue workers stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("queue shutdown timed out: %w", ctx.Err())
	}
}

func (s *jobQueueService) runWorker(ctx context.Context, queue string, id int) {
	defer s.wg.Done()
	log := s.log.With().Str("queue", queue).Int("worker", id).Logger()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := s.jobRepo.AcquireNext(ctx, queue, s.cfg.LeaseDuration)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("acquire failed")
			s.idle(ctx)
			continue
		}
		if job == nil {
			s.idle(ctx)
			continue
		}

		s.processJob(ctx, job, log)
	}
}

func (s *jobQueueService) idle(ctx context.Context) {
	timer := time.NewTimer(s.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// processJob runs the handler for one leased job and settles its outcome.
func (s *jobQueueService) processJob(ctx context.Context, job *domain.Job, log zerolog.Logger) {
	s.mu.RLock()
	handler := s.handlers[job.QueueName]
	s.mu.RUnlock()

	start := time.Now()
	jobCtx, cancel := context.WithTimeout(ctx, s.cfg.LeaseDuration)
	err := s.runHandler(jobCtx, handler, job)
	cancel()

	if s.metrics != nil {
		s.metrics.JobDuration.WithLabelValues(job.QueueName).Observe(time.Since(start).Seconds())
	}

	// Outcome writes use a fresh context: a shutdown must not lose the
	// result of a handler that already ran.
	settleCtx, settleCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer settleCancel()

	if err == nil {
		if cerr := s.jobRepo.Complete(settleCtx, job.ID); cerr != nil {
			log.Error().Err(cerr).Str("job_id", job.ID.String()).Msg("failed to mark job completed")
			return
		}
		if s.metrics != nil {
			s.metrics.JobsCompleted.WithLabelValues(job.QueueName).Inc()
		}
		log.Info().Str("job_id", job.ID.String()).Int("attempt", job.AttemptCount).Msg("job completed")
		return
	}

	if job.AttemptsExhausted() || !apperror.IsRetryable(err) {
		if ferr := s.jobRepo.Fail(settleCtx, job.ID, job.AttemptCount, err.Error()); ferr != nil {
			log.Error().Err(ferr).Str("job_id", job.ID.String()).Msg("failed to mark job failed")
			return
		}
		if s.metrics != nil {
			s.metrics.JobsFailed.WithLabelValues(job.QueueName).Inc()
		}
		log.Error().
			Err(err).
			Str("job_id", job.ID.String()).
			Int("attempts", job.AttemptCount).
			Msg("job failed terminally")
		return
	}

	runAt := time.Now().Add(s.retryBackoff(job.AttemptCount))
	if rerr := s.jobRepo.Reschedule(settleCtx, job.ID, job.AttemptCount, err.Error(), runAt); rerr != nil {
		log.Error().Err(rerr).Str("job_id", job.ID.String()).Msg("failed to reschedule job")
		return
	}
	if s.metrics != nil {
		s.metrics.JobsRetried.WithLabelValues(job.QueueName).Inc()
	}
	log.Warn().
		Err(err).
		Str("job_id", job.ID.String()).
		Int("attempt", job.AttemptCount).
		Time("run_at", runAt).
		Msg("job rescheduled")
}

// runHandler isolates handler panics: a panicking job counts as a failed
// attempt instead of killing the worker.
func (s *jobQueueService) runHandler(ctx context.Context, handler ports.JobHandler, job *domain.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panicked: %v", r)
		}
	}()
	if handler == nil {
		return fmt.Errorf("no handler registered for queue %s", job.QueueName)
	}
	return handler(ctx, job)
}

// retryBackoff computes the delay before the next attempt of a failed job.
func (s *jobQueueService) retryBackoff(attempt int) time.Duration {
	d := float64(s.cfg.BaseBackoff) * math.Pow(2, float64(attempt-1))
	if capped := float64(s.cfg.MaxBackoff); d > capped {
		d = capped
	}
	return time.Duration(d)
}

// runJanitor periodically returns expired leases to the waiting state so
// jobs from crashed workers get picked up again.
func (s *jobQueueService) runJanitor(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.LeaseDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.jobRepo.RequeueExpired(ctx)
			if err != nil {
				if ctx.Err() == nil {
					s.log.Error().Err(err).Msg("lease janitor sweep failed")
				}
				continue
			}
			if n > 0 {
				s.log.Warn().Int64("requeued", n).Msg("requeued jobs with expired leases")
			}
		}
	}
}
