package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobState represents the queue lifecycle of a job.
type JobState string

const (
	JobWaiting   JobState = "waiting"
	JobActive    JobState = "active"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// Queue names, one per conversion flow. The refunds queue carries the
// compensating flow for settlement failures after a confirmed fiat receipt.
const (
	QueueFiatBuy         = "fiat_buy"
	QueueFiatPayout      = "fiat_payout"
	QueueAirtimePurchase = "airtime_purchase"
	QueueRefunds         = "refunds"
)

// Job is a durable unit of queued work wrapping one sub-step of a
// transaction. It is owned exclusively by the queue store; a worker holds a
// lease on at most one job at a time, and on crash the lease expires and the
// job returns to waiting.
type Job struct {
	ID           uuid.UUID       `json:"id"`
	QueueName    string          `json:"queue_name"`
	Payload      json.RawMessage `json:"payload"`
	AttemptCount int             `json:"attempt_count"`
	MaxAttempts  int             `json:"max_attempts"`
	State        JobState        `json:"state"`
	LastError    *string         `json:"last_error,omitempty"`
	RunAt        time.Time       `json:"run_at"`
	LeasedUntil  *time.Time      `json:"leased_until,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// AttemptsExhausted reports whether the job has used all its attempts.
func (j *Job) AttemptsExhausted() bool {
	return j.AttemptCount >= j.MaxAttempts
}

// ConversionPayload is the payload shared by the three conversion flows and
// the refund flow: it ties the job to its transaction.
type ConversionPayload struct {
	TransactionID uuid.UUID `json:"transaction_id"`
	Phone         string    `json:"phone"`
	AmountFiat    float64   `json:"amount_fiat"`
	// AccountReference labels the STK prompt on the payer's phone.
	AccountReference string `json:"account_reference,omitempty"`
	// Invoice is set for payout flows that settle over Lightning.
	Invoice string `json:"invoice,omitempty"`
	// Provider is set for airtime purchases (e.g. "Safaricom").
	Provider string `json:"provider,omitempty"`
}

// NewJob creates a waiting job ready for enqueue.
func NewJob(queueName string, payload json.RawMessage, maxAttempts int) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:          uuid.New(),
		QueueName:   queueName,
		Payload:     payload,
		MaxAttempts: maxAttempts,
		State:       JobWaiting,
		RunAt:       now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
