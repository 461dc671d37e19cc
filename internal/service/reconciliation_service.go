package service

import (
	"context"
	"fmt"
	"time"

	"github.com/MWANGAZA-LAB/SatsConnect-sub001/internal/core/domain"
	"github.com/MWANGAZA-LAB/SatsConnect-sub001/internal/core/ports"
	"github.com/MWANGAZA-LAB/SatsConnect-sub001/internal/metrics"

	"github.com/rs/zerolog"
)

// staleAfter is how long a transaction may sit in a non-terminal state
// before reconciliation flags it as stuck.
const staleAfter = time.Hour

// reconciliationService implements ports.ReconciliationService. It audits a
// window of transactions against the flow invariants and parks violations
// in the disputed state for manual review. Report generation is read-only.
type reconciliationService struct {
	txRepo  ports.TransactionRepository
	engine  ports.EngineClient
	metrics *metrics.Metrics
	log     zerolog.Logger

	now func() time.Time
}

// NewReconciliationService creates the reconciliation engine.
func NewReconciliationService(txRepo ports.TransactionRepository, engine ports.EngineClient, m *metrics.Metrics, log zerolog.Logger) ports.ReconciliationService {
	return &reconciliationService{
		txRepo:  txRepo,
		engine:  engine,
		metrics: m,
		log:     log,
		now:     time.Now,
	}
}

// RunReconciliation audits every transaction created in the window.
func (s *reconciliationService) RunReconciliation(ctx context.Context, start, end time.Time) (*domain.ReconciliationResult, error) {
	txns, err := s.txRepo.ListWindow(ctx, start, end)
	if err != nil {
		return nil, err
	}

	result := &domain.ReconciliationResult{
		WindowStart: start,
		WindowEnd:   end,
	}

	for i := range txns {
		txn := &txns[i]
		disc, checkErr := s.check(ctx, txn)
		if checkErr != nil {
			// Could not evaluate: record and leave the transaction alone.
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", txn.ID, checkErr))
			continue
		}
		if disc == nil {
			result.Matched++
			continue
		}

		result.Unmatched = append(result.Unmatched, *disc)
		if s.metrics != nil {
			s.metrics.Discrepancies.Inc()
		}
		s.log.Warn().
			Str("transaction_id", disc.TransactionID).
			Str("invariant", disc.Invariant).
			Str("detail", disc.Detail).
			Msg("reconciliation discrepancy")

		if s.shouldDispute(txn, disc.Invariant) {
			s.markDisputed(ctx, txn, disc.Detail)
		}
	}

	s.log.Info().
		Int("matched", result.Matched).
		Int("unmatched", len(result.Unmatched)).
		Int("errors", len(result.Errors)).
		Time("window_start", start).
		Time("window_end", end).
		Msg("reconciliation run finished")
	return result, nil
}

// check evaluates the invariants for one transaction. A nil discrepancy
// means it matched.
func (s *reconciliationService) check(ctx context.Context, txn *domain.Transaction) (*domain.Discrepancy, error) {
	// Disputed rows are already parked; no point re-flagging the phone.
	if txn.Status != domain.StatusDisputed && !domain.ValidPhone(txn.Phone) {
		return s.discrepancy(txn, "invalid_phone_format",
			fmt.Sprintf("phone %q is not a valid MSISDN", txn.Phone)), nil
	}

	switch txn.Status {
	case domain.StatusCompleted:
		if txn.ExternalReceiptID == nil || *txn.ExternalReceiptID == "" {
			return s.discrepancy(txn, "completed_without_receipt", "completed transaction carries no external receipt"), nil
		}
		if txn.Kind == domain.KindFiatToBitcoin && !txn.WithinTolerance(txn.AmountSats) {
			return s.discrepancy(txn, "amount_out_of_tolerance",
				fmt.Sprintf("settled %d sats, expected %d at rate %.0f", txn.AmountSats, txn.ExpectedSats(), txn.ExchangeRate)), nil
		}
		// Each kind leaves its own settlement proof behind: buys the
		// engine's payment id, payouts the Lightning payment hash.
		if txn.Kind == domain.KindFiatToBitcoin && txn.Metadata["engine_payment_id"] == "" {
			return s.discrepancy(txn, "missing_settlement_proof", "completed buy carries no engine payment id"), nil
		}
		if txn.Kind == domain.KindBitcoinToFiat && (txn.PaymentHash == nil || *txn.PaymentHash == "") {
			return s.discrepancy(txn, "missing_settlement_proof", "completed payout carries no payment hash"), nil
		}
		// Cross-check our view against the engine's when a payment id was
		// recorded. An unreachable engine lands in the errors bucket.
		if paymentID := txn.Metadata["engine_payment_id"]; paymentID != "" {
			pay, err := s.engine.GetPaymentStatus(ctx, paymentID)
			if err != nil {
				return nil, fmt.Errorf("engine status for payment %s: %w", paymentID, err)
			}
			if pay.Status == "failed" {
				return s.discrepancy(txn, "engine_reports_failed",
					fmt.Sprintf("engine reports payment %s failed but transaction is completed", paymentID)), nil
			}
		}
		return nil, nil

	case domain.StatusFailed:
		// A failed transaction with a confirmed receipt must have been
		// compensated; money came in and nothing went out otherwise.
		if txn.ExternalReceiptID != nil && *txn.ExternalReceiptID != "" && txn.Metadata["refunded"] != "true" {
			return s.discrepancy(txn, "failed_with_receipt_no_refund",
				fmt.Sprintf("receipt %s confirmed but no refund recorded", *txn.ExternalReceiptID)), nil
		}
		return nil, nil

	case domain.StatusPending, domain.StatusProcessing:
		if s.now().Sub(txn.UpdatedAt) > staleAfter {
			return s.discrepancy(txn, "stale_in_flight",
				fmt.Sprintf("in %s since %s", txn.Status, txn.UpdatedAt.Format(time.RFC3339))), nil
		}
		return nil, nil

	case domain.StatusDisputed:
		// Already parked for review; nothing further to flag.
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown status %q", txn.Status)
	}
}

func (s *reconciliationService) discrepancy(txn *domain.Transaction, invariant, detail string) *domain.Discrepancy {
	return &domain.Discrepancy{
		TransactionID: txn.ID.String(),
		Kind:          string(txn.Kind),
		Invariant:     invariant,
		Detail:        detail,
	}
}

// shouldDispute reports whether a discrepancy parks the transaction in the
// disputed state. In-flight transactions are flagged only: their queue
// jobs may still resolve them, so disputed stays reachable from terminal
// states alone.
func (s *reconciliationService) shouldDispute(txn *domain.Transaction, invariant string) bool {
	switch invariant {
	case "completed_without_receipt", "amount_out_of_tolerance", "missing_settlement_proof",
		"failed_with_receipt_no_refund", "engine_reports_failed":
		return true
	case "invalid_phone_format":
		return txn.IsTerminal()
	}
	return false
}

func (s *reconciliationService) markDisputed(ctx context.Context, txn *domain.Transaction, reason string) {
	ok, err := s.txRepo.TransitionStatus(ctx, txn.ID, txn.Status, domain.StatusDisputed, ports.TransactionUpdate{
		FailureReason: &reason,
	})
	if err != nil {
		s.log.Error().Err(err).Str("transaction_id", txn.ID.String()).Msg("failed to mark transaction disputed")
		return
	}
	if !ok {
		s.log.Warn().Str("transaction_id", txn.ID.String()).Msg("dispute transition lost race")
	}
}

// GenerateSettlementReport aggregates the window. The report is derived
// state; nothing is persisted.
func (s *reconciliationService) GenerateSettlementReport(ctx context.Context, start, end time.Time) (*domain.SettlementReport, error) {
	return s.txRepo.GetReport(ctx, start, end)
}

// GetDailySettlement reports the UTC calendar day containing day.
func (s *reconciliationService) GetDailySettlement(ctx context.Context, day time.Time) (*domain.SettlementReport, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	return s.txRepo.GetReport(ctx, start, start.Add(24*time.Hour))
}
