package service

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/MWANGAZA-LAB/SatsConnect-sub001/config"
	"github.com/MWANGAZA-LAB/SatsConnect-sub001/internal/metrics"
	"github.com/MWANGAZA-LAB/SatsConnect-sub001/pkg/apperror"

	"github.com/rs/zerolog"
)

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// breaker tracks consecutive failures for one named operation.
type breaker struct {
	state               breakerState
	consecutiveFailures int
	openedAt            time.Time
}

// ResilienceExecutor wraps external calls with bounded exponential-backoff
// retries and a per-operation circuit breaker. Terminal errors (provider
// rejections, trust-boundary failures) are never retried; transient ones are
// retried up to MaxAttempts total attempts.
type ResilienceExecutor struct {
	retryCfg   config.RetryConfig
	breakerCfg config.BreakerConfig
	metrics    *metrics.Metrics
	log        zerolog.Logger

	mu       sync.Mutex
	breakers map[string]*breaker

	// Injection points for tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewResilienceExecutor creates the retry/breaker wrapper shared by all
// external-facing services.
func NewResilienceExecutor(retryCfg config.RetryConfig, breakerCfg config.BreakerConfig, m *metrics.Metrics, log zerolog.Logger) *ResilienceExecutor {
	return &ResilienceExecutor{
		retryCfg:   retryCfg,
		breakerCfg: breakerCfg,
		metrics:    m,
		log:        log,
		breakers:   make(map[string]*breaker),
		now:        time.Now,
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// backoffDelay computes the delay before attempt n (1-based) with a ±10%
// jitter so synchronized retries spread out.
func (e *ResilienceExecutor) backoffDelay(attempt int) time.Duration {
	base := float64(e.retryCfg.BaseDelay) * math.Pow(e.retryCfg.BackoffMultiplier, float64(attempt-1))
	if capped := float64(e.retryCfg.MaxDelay); base > capped {
		base = capped
	}
	jittered := base * (0.9 + 0.2*rand.Float64())
	return time.Duration(jittered)
}

// Execute runs fn under the named operation's circuit breaker with retries.
// It returns the last error when all attempts are exhausted, or the breaker
// rejection when the circuit is open.
func (e *ResilienceExecutor) Execute(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= e.retryCfg.MaxAttempts; attempt++ {
		if err := e.allow(operation); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			e.recordSuccess(operation)
			return nil
		}
		lastErr = err
		e.recordFailure(operation)

		if !apperror.IsRetryable(err) {
			e.log.Debug().Err(err).Str("operation", operation).Msg("terminal error, not retrying")
			return err
		}
		if attempt == e.retryCfg.MaxAttempts {
			break
		}

		delay := e.backoffDelay(attempt)
		e.log.Warn().
			Err(err).
			Str("operation", operation).
			Int("attempt", attempt).
			Dur("retry_in", delay).
			Msg("transient failure, retrying")
		if err := e.sleep(ctx, delay); err != nil {
			return err
		}
	}
	return lastErr
}

// BatchFailure records one failed item of a batch run.
type BatchFailure struct {
	Index int
	Err   error
}

// ExecuteBatch runs each item under Execute, isolating failures: one bad
// item never aborts the rest. It returns the count of successes and the
// failures with their positions.
func (e *ResilienceExecutor) ExecuteBatch(ctx context.Context, operation string, items []func(ctx context.Context) error) (int, []BatchFailure) {
	succeeded := 0
	var failures []BatchFailure
	for i, item := range items {
		if err := e.Execute(ctx, operation, item); err != nil {
			failures = append(failures, BatchFailure{Index: i, Err: err})
			continue
		}
		succeeded++
	}
	return succeeded, failures
}

// allow checks the breaker before an attempt, moving open breakers to
// half-open once the reset timeout has elapsed.
func (e *ResilienceExecutor) allow(operation string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, ok := e.breakers[operation]
	if !ok {
		b = &breaker{}
		e.breakers[operation] = b
	}

	switch b.state {
	case breakerOpen:
		if e.now().Sub(b.openedAt) < e.breakerCfg.ResetTimeout {
			return apperror.ErrCircuitOpen(operation)
		}
		// One probe attempt is allowed through.
		b.state = breakerHalfOpen
		e.log.Info().Str("operation", operation).Msg("circuit breaker half-open")
	}
	return nil
}

func (e *ResilienceExecutor) recordSuccess(operation string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b := e.breakers[operation]
	if b.state != breakerClosed {
		e.log.Info().Str("operation", operation).Msg("circuit breaker closed")
	}
	b.state = breakerClosed
	b.consecutiveFailures = 0
}

func (e *ResilienceExecutor) recordFailure(operation string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b := e.breakers[operation]
	b.consecutiveFailures++

	if b.state == breakerHalfOpen || b.consecutiveFailures >= e.breakerCfg.FailureThreshold {
		if b.state != breakerOpen {
			e.log.Error().
				Str("operation", operation).
				Int("consecutive_failures", b.consecutiveFailures).
				Msg("circuit breaker opened")
			if e.metrics != nil {
				e.metrics.BreakerTrips.WithLabelValues(operation).Inc()
			}
		}
		b.state = breakerOpen
		b.openedAt = e.now()
	}
}
