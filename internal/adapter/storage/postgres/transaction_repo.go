package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MWANGAZA-LAB/SatsConnect-sub001/internal/core/domain"
	"github.com/MWANGAZA-LAB/SatsConnect-sub001/internal/core/ports"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const transactionColumns = `id, kind, status, amount_fiat, amount_sats, exchange_rate, phone,
	checkout_request_id, external_receipt_id, lightning_invoice, payment_hash, failure_reason,
	metadata, created_at, updated_at`

// TransactionRepo implements ports.TransactionRepository.
type TransactionRepo struct {
	pool Pool
}

// NewTransactionRepo creates a new TransactionRepo.
func NewTransactionRepo(pool Pool) *TransactionRepo {
	return &TransactionRepo{pool: pool}
}

// Create inserts a new transaction within a database transaction.
func (r *TransactionRepo) Create(ctx context.Context, tx pgx.Tx, t *domain.Transaction) error {
	query := `INSERT INTO transactions (` + transactionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	meta, err := marshalMetadata(t.Metadata)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, query,
		t.ID, t.Kind, t.Status, t.AmountFiat, t.AmountSats, t.ExchangeRate, t.Phone,
		t.CheckoutRequestID, t.ExternalReceiptID, t.LightningInvoice, t.PaymentHash, t.FailureReason,
		meta, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// GetByID fetches a transaction by UUID.
func (r *TransactionRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1`
	return r.scanTransaction(r.pool.QueryRow(ctx, query, id))
}

// GetByCheckoutID fetches a transaction by the provider's STK request id.
func (r *TransactionRepo) GetByCheckoutID(ctx context.Context, checkoutRequestID string) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE checkout_request_id = $1`
	return r.scanTransaction(r.pool.QueryRow(ctx, query, checkoutRequestID))
}

// GetByReceipt fetches a transaction by its dedup key (receipt id, kind).
func (r *TransactionRepo) GetByReceipt(ctx context.Context, receiptID string, kind domain.TransactionKind) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE external_receipt_id = $1 AND kind = $2`
	return r.scanTransaction(r.pool.QueryRow(ctx, query, receiptID, kind))
}

// TransitionStatus performs a check-then-set status transition: the row is
// only updated when its current status equals from. Returns false when the
// precondition did not hold (concurrent transition or duplicate delivery).
func (r *TransactionRepo) TransitionStatus(ctx context.Context, id uuid.UUID, from, to domain.TransactionStatus, upd ports.TransactionUpdate) (bool, error) {
	query := `UPDATE transactions SET
		status = $3,
		amount_sats = COALESCE($4, amount_sats),
		checkout_request_id = COALESCE($5, checkout_request_id),
		external_receipt_id = COALESCE($6, external_receipt_id),
		lightning_invoice = COALESCE($7, lightning_invoice),
		payment_hash = COALESCE($8, payment_hash),
		failure_reason = COALESCE($9, failure_reason),
		metadata = COALESCE(metadata, '{}'::jsonb) || COALESCE($10, '{}'::jsonb),
		updated_at = $11
		WHERE id = $1 AND status = $2`

	meta, err := marshalMetadata(upd.Metadata)
	if err != nil {
		return false, err
	}

	tag, err := r.pool.Exec(ctx, query,
		id, from, to,
		upd.AmountSats, upd.CheckoutRequestID, upd.ExternalReceiptID,
		upd.LightningInvoice, upd.PaymentHash, upd.FailureReason,
		meta, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("transition transaction status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListWindow fetches all transactions created inside [start, end).
func (r *TransactionRepo) ListWindow(ctx context.Context, start, end time.Time) ([]domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions
		WHERE created_at >= $1 AND created_at < $2 ORDER BY created_at`

	rows, err := r.pool.Query(ctx, query, start, end)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var txns []domain.Transaction
	for rows.Next() {
		t, err := r.scanRow(rows)
		if err != nil {
			return nil, err
		}
		txns = append(txns, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transaction rows: %w", err)
	}
	return txns, nil
}

// GetReport aggregates settled volume over [start, end). Pure read.
func (r *TransactionRepo) GetReport(ctx context.Context, start, end time.Time) (*domain.SettlementReport, error) {
	query := `SELECT kind,
		COUNT(*) AS total,
		COUNT(*) FILTER (WHERE status = 'completed') AS completed,
		COUNT(*) FILTER (WHERE status = 'failed') AS failed,
		COUNT(*) FILTER (WHERE status = 'disputed') AS disputed,
		COALESCE(SUM(amount_fiat) FILTER (WHERE status = 'completed'), 0) AS total_fiat,
		COALESCE(SUM(amount_sats) FILTER (WHERE status = 'completed'), 0) AS total_sats
		FROM transactions
		WHERE created_at >= $1 AND created_at < $2
		GROUP BY kind`

	rows, err := r.pool.Query(ctx, query, start, end)
	if err != nil {
		return nil, fmt.Errorf("settlement report query: %w", err)
	}
	defer rows.Close()

	report := &domain.SettlementReport{
		WindowStart: start,
		WindowEnd:   end,
		ByKind:      make(map[domain.TransactionKind]domain.KindBreakdown),
		GeneratedAt: time.Now().UTC(),
	}

	var totalCount, totalCompleted int64
	for rows.Next() {
		var kind domain.TransactionKind
		var b domain.KindBreakdown
		if err := rows.Scan(&kind, &b.Count, &b.Completed, &b.Failed, &b.Disputed, &b.TotalFiat, &b.TotalSats); err != nil {
			return nil, fmt.Errorf("scan report row: %w", err)
		}
		report.ByKind[kind] = b
		report.TotalFiat += b.TotalFiat
		report.TotalSats += b.TotalSats
		totalCount += b.Count
		totalCompleted += b.Completed
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate report rows: %w", err)
	}

	if report.TotalSats > 0 {
		report.RealizedRate = report.TotalFiat / float64(report.TotalSats) * domain.SatsPerBTC
	}
	if totalCount > 0 {
		report.SuccessRate = float64(totalCompleted) / float64(totalCount)
	}
	return report, nil
}

// scanTransaction scans a single row into a Transaction.
func (r *TransactionRepo) scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	t, err := scanInto(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan transaction: %w", err)
	}
	return t, nil
}

func (r *TransactionRepo) scanRow(rows pgx.Rows) (*domain.Transaction, error) {
	t, err := scanInto(rows)
	if err != nil {
		return nil, fmt.Errorf("scan transaction row: %w", err)
	}
	return t, nil
}

func scanInto(row pgx.Row) (*domain.Transaction, error) {
	t := &domain.Transaction{}
	var meta []byte
	err := row.Scan(
		&t.ID, &t.Kind, &t.Status, &t.AmountFiat, &t.AmountSats, &t.ExchangeRate, &t.Phone,
		&t.CheckoutRequestID, &t.ExternalReceiptID, &t.LightningInvoice, &t.PaymentHash, &t.FailureReason,
		&meta, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &t.Metadata); err != nil {
			return nil, fmt.Errorf("decode transaction metadata: %w", err)
		}
	}
	return t, nil
}

// marshalMetadata renders the audit map as jsonb, nil when empty so COALESCE
// keeps the stored value.
func marshalMetadata(m map[string]string) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode transaction metadata: %w", err)
	}
	return b, nil
}
