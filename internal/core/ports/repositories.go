package ports

import (
	"context"
	"time"

	"github.com/MWANGAZA-LAB/SatsConnect-sub001/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// TransactionUpdate carries the optional fields written alongside a status
// transition. Nil pointers leave the column untouched; Metadata entries are
// merged into the existing audit trail.
type TransactionUpdate struct {
	AmountSats        *int64
	CheckoutRequestID *string
	ExternalReceiptID *string
	LightningInvoice  *string
	PaymentHash       *string
	FailureReason     *string
	Metadata          map[string]string
}

// TransactionRepository defines persistence operations for transactions.
// TransitionStatus is the check-then-set primitive every mutation goes
// through: the row only changes when its current status equals from.
type TransactionRepository interface {
	Create(ctx context.Context, tx pgx.Tx, t *domain.Transaction) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)
	GetByCheckoutID(ctx context.Context, checkoutRequestID string) (*domain.Transaction, error)
	GetByReceipt(ctx context.Context, receiptID string, kind domain.TransactionKind) (*domain.Transaction, error)
	TransitionStatus(ctx context.Context, id uuid.UUID, from, to domain.TransactionStatus, upd TransactionUpdate) (bool, error)
	ListWindow(ctx context.Context, start, end time.Time) ([]domain.Transaction, error)
	GetReport(ctx context.Context, start, end time.Time) (*domain.SettlementReport, error)
}

// JobRepository is the durable queue store. AcquireNext grants an exclusive,
// time-bounded lease; RequeueExpired returns crashed workers' jobs to waiting.
type JobRepository interface {
	Enqueue(ctx context.Context, tx pgx.Tx, job *domain.Job) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Job, error)
	AcquireNext(ctx context.Context, queueName string, leaseFor time.Duration) (*domain.Job, error)
	Complete(ctx context.Context, id uuid.UUID) error
	Reschedule(ctx context.Context, id uuid.UUID, attempts int, lastError string, runAt time.Time) error
	Fail(ctx context.Context, id uuid.UUID, attempts int, lastError string) error
	RequeueExpired(ctx context.Context) (int64, error)
}

// ReceiptStore is the fast at-most-once gate in front of the conditional DB
// update. MarkProcessed returns true exactly once per (receiptID, kind); the
// DB transition stays the source of truth when redis is unavailable.
type ReceiptStore interface {
	MarkProcessed(ctx context.Context, receiptID string, kind domain.TransactionKind, ttl time.Duration) (bool, error)
}

// DBTransactor provides database transaction management.
type DBTransactor interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}
