package service

import (
	"context"
	"fmt"
	"time"

	"github.com/MWANGAZA-LAB/SatsConnect-sub001/config"
	"github.com/MWANGAZA-LAB/SatsConnect-sub001/internal/core/domain"
	"github.com/MWANGAZA-LAB/SatsConnect-sub001/internal/core/ports"
	"github.com/MWANGAZA-LAB/SatsConnect-sub001/internal/metrics"
	"github.com/MWANGAZA-LAB/SatsConnect-sub001/pkg/apperror"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// receiptTTL bounds how long the redis dedup guard remembers a receipt.
// The conditional DB transition stays authoritative after expiry.
const receiptTTL = 24 * time.Hour

// webhookProcessor implements ports.WebhookProcessor. Crediting is
// at-most-once: the redis receipt guard filters duplicate deliveries
// cheaply, and the conditional status transition claims the row before
// any crediting happens, so concurrent deliveries of the same receipt
// settle once even when the guard is unavailable.
type webhookProcessor struct {
	txRepo   ports.TransactionRepository
	receipts ports.ReceiptStore
	engine   ports.EngineClient
	queue    ports.QueueService
	exec     *ResilienceExecutor
	sigSvc   ports.SignatureService
	mpesa    config.MpesaConfig
	airtime  config.AirtimeConfig
	metrics  *metrics.Metrics
	log      zerolog.Logger
}

// NewWebhookProcessor creates the inbound callback processor.
func NewWebhookProcessor(
	txRepo ports.TransactionRepository,
	receipts ports.ReceiptStore,
	engine ports.EngineClient,
	queue ports.QueueService,
	exec *ResilienceExecutor,
	sigSvc ports.SignatureService,
	mpesa config.MpesaConfig,
	airtime config.AirtimeConfig,
	m *metrics.Metrics,
	log zerolog.Logger,
) ports.WebhookProcessor {
	return &webhookProcessor{
		txRepo:   txRepo,
		receipts: receipts,
		engine:   engine,
		queue:    queue,
		exec:     exec,
		sigSvc:   sigSvc,
		mpesa:    mpesa,
		airtime:  airtime,
		metrics:  m,
		log:      log,
	}
}

func (p *webhookProcessor) count(source, outcome string) {
	if p.metrics != nil {
		p.metrics.WebhooksTotal.WithLabelValues(source, outcome).Inc()
	}
}

// HandleMpesaCallback processes an STK push result or a B2C payout result,
// both delivered to the same endpoint. Success confirms the fiat leg (and
// for STK triggers the sats settlement); failure terminates the
// transaction. Duplicate deliveries are acknowledged without re-settling.
func (p *webhookProcessor) HandleMpesaCallback(ctx context.Context, body []byte, signature string) error {
	if !p.sigSvc.Verify(p.mpesa.CallbackSecret, body, signature) {
		p.count("mpesa", "invalid_signature")
		return apperror.ErrInvalidSignature()
	}

	if domain.IsB2CResult(body) {
		return p.handleB2CResult(ctx, body)
	}

	cb, err := domain.ParseMpesaCallback(body)
	if err != nil {
		p.count("mpesa", "malformed")
		return apperror.ErrMalformedCallback(err)
	}

	txn, err := p.txRepo.GetByCheckoutID(ctx, cb.CheckoutRequestID)
	if err != nil {
		return err
	}
	if txn == nil {
		p.count("mpesa", "unknown")
		p.log.Warn().Str("checkout_request_id", cb.CheckoutRequestID).Msg("callback for unknown transaction")
		return apperror.ErrNotFound("transaction")
	}

	log := p.log.With().
		Str("transaction_id", txn.ID.String()).
		Str("checkout_request_id", cb.CheckoutRequestID).
		Logger()

	if !cb.Succeeded() {
		return p.failFromCallback(ctx, txn, fmt.Sprintf("provider result %d: %s", cb.ResultCode, cb.ResultDesc), "mpesa", log)
	}

	if txn.IsTerminal() {
		p.count("mpesa", "duplicate")
		log.Info().Msg("callback for settled transaction, acknowledging")
		return nil
	}

	// Advisory duplicate gate. A redis outage falls through to the
	// conditional transition, which still guarantees a single settlement.
	fresh, err := p.receipts.MarkProcessed(ctx, cb.ReceiptNumber, txn.Kind, receiptTTL)
	if err != nil {
		log.Warn().Err(err).Msg("receipt guard unavailable, relying on status transition")
	} else if !fresh {
		p.count("mpesa", "duplicate")
		log.Info().Str("receipt", cb.ReceiptNumber).Msg("duplicate receipt, acknowledging")
		return nil
	}

	return p.settleFiatReceipt(ctx, txn, cb, log)
}

// settleFiatReceipt credits the confirmed fiat amount as sats and completes
// the transaction. The conditional transition claims the row before the
// engine is called, so of two concurrent deliveries only the winner
// credits; the loser is acknowledged as a duplicate.
func (p *webhookProcessor) settleFiatReceipt(ctx context.Context, txn *domain.Transaction, cb *domain.MpesaCallback, log zerolog.Logger) error {
	claimed, err := p.txRepo.TransitionStatus(ctx, txn.ID, txn.Status, domain.StatusCompleted, ports.TransactionUpdate{
		ExternalReceiptID: &cb.ReceiptNumber,
	})
	if err != nil {
		// Nothing was credited; the provider redelivers and we try again.
		return err
	}
	if !claimed {
		p.count("mpesa", "duplicate")
		log.Info().Msg("settlement claim lost race, acknowledging")
		return nil
	}

	expected := txn.ExpectedSats()
	var pay *ports.PaymentResponse
	err = p.exec.Execute(ctx, "engine.process_payment", func(ctx context.Context) error {
		var callErr error
		pay, callErr = p.engine.ProcessPayment(ctx, ports.ProcessPaymentRequest{
			PaymentID:   txn.ID.String(),
			WalletID:    txn.Phone,
			AmountSats:  expected,
			Description: "M-Pesa receipt " + cb.ReceiptNumber,
		})
		return callErr
	})
	if err != nil {
		// The customer's money is in, the sats leg is not. Terminate and
		// compensate; the callback is acknowledged so the provider stops
		// redelivering.
		log.Error().Err(err).Msg("settlement failed after confirmed receipt")
		p.count("mpesa", "settlement_failed")

		reason := fmt.Sprintf("settlement failed after receipt %s: %v", cb.ReceiptNumber, err)
		if _, terr := p.txRepo.TransitionStatus(ctx, txn.ID, domain.StatusCompleted, domain.StatusFailed, ports.TransactionUpdate{
			FailureReason: &reason,
		}); terr != nil {
			return terr
		}
		p.enqueueRefund(ctx, txn)
		return nil
	}

	settled := pay.AmountSats
	if settled == 0 {
		settled = expected
	}

	to := domain.StatusCompleted
	upd := ports.TransactionUpdate{
		AmountSats: &settled,
		Metadata: map[string]string{
			"engine_payment_id": pay.PaymentID,
		},
	}
	if !txn.WithinTolerance(settled) {
		// Settled amount does not reproduce the recorded intent. Park the
		// transaction for manual review instead of completing it.
		to = domain.StatusDisputed
		reason := apperror.ErrAmountMismatch(txn.ExpectedSats(), settled).Message
		upd.FailureReason = &reason
		log.Error().
			Int64("expected_sats", txn.ExpectedSats()).
			Int64("settled_sats", settled).
			Msg("settled amount outside tolerance")
	}

	if _, err := p.txRepo.TransitionStatus(ctx, txn.ID, domain.StatusCompleted, to, upd); err != nil {
		return err
	}

	if to == domain.StatusCompleted && p.metrics != nil {
		p.metrics.SettledSats.Add(float64(settled))
	}
	p.count("mpesa", string(to))
	log.Info().
		Int64("amount_sats", settled).
		Str("receipt", cb.ReceiptNumber).
		Str("status", string(to)).
		Msg("fiat receipt settled")
	return nil
}

// handleB2CResult confirms or fails a payout. The sats leg was already
// settled by the payout job, so a rejected payout triggers the refund flow.
func (p *webhookProcessor) handleB2CResult(ctx context.Context, body []byte) error {
	cb, err := domain.ParseMpesaB2CResult(body)
	if err != nil {
		p.count("mpesa", "malformed")
		return apperror.ErrMalformedCallback(err)
	}

	txn, err := p.txRepo.GetByCheckoutID(ctx, cb.ConversationID)
	if err != nil {
		return err
	}
	if txn == nil {
		p.count("mpesa", "unknown")
		p.log.Warn().Str("conversation_id", cb.ConversationID).Msg("b2c result for unknown transaction")
		return apperror.ErrNotFound("transaction")
	}

	log := p.log.With().
		Str("transaction_id", txn.ID.String()).
		Str("conversation_id", cb.ConversationID).
		Logger()

	if txn.IsTerminal() {
		p.count("mpesa", "duplicate")
		log.Info().Msg("b2c result for settled transaction, acknowledging")
		return nil
	}

	if !cb.Succeeded() {
		if err := p.failFromCallback(ctx, txn, fmt.Sprintf("payout result %d: %s", cb.ResultCode, cb.ResultDesc), "mpesa", log); err != nil {
			return err
		}
		p.enqueueRefund(ctx, txn)
		return nil
	}

	fresh, err := p.receipts.MarkProcessed(ctx, cb.TransactionReceipt, txn.Kind, receiptTTL)
	if err != nil {
		log.Warn().Err(err).Msg("receipt guard unavailable, relying on status transition")
	} else if !fresh {
		p.count("mpesa", "duplicate")
		log.Info().Str("receipt", cb.TransactionReceipt).Msg("duplicate payout receipt, acknowledging")
		return nil
	}

	ok, err := p.txRepo.TransitionStatus(ctx, txn.ID, txn.Status, domain.StatusCompleted, ports.TransactionUpdate{
		ExternalReceiptID: &cb.TransactionReceipt,
	})
	if err != nil {
		return err
	}
	if !ok {
		p.count("mpesa", "duplicate")
		log.Info().Msg("payout completion transition lost race, acknowledging")
		return nil
	}

	p.count("mpesa", "completed")
	log.Info().
		Str("receipt", cb.TransactionReceipt).
		Float64("amount_kes", cb.TransactionAmount).
		Msg("payout confirmed")
	return nil
}

// HandleAirtimeCallback processes an airtime delivery result. The sats were
// already debited by the purchase job, so a failed delivery triggers the
// refund flow.
func (p *webhookProcessor) HandleAirtimeCallback(ctx context.Context, body []byte, signature string) error {
	if !p.sigSvc.Verify(p.airtime.CallbackSecret, body, signature) {
		p.count("airtime", "invalid_signature")
		return apperror.ErrInvalidSignature()
	}

	cb, err := domain.ParseAirtimeCallback(body)
	if err != nil {
		p.count("airtime", "malformed")
		return apperror.ErrMalformedCallback(err)
	}

	txnID, err := uuid.Parse(cb.TransactionID)
	if err != nil {
		p.count("airtime", "malformed")
		return apperror.ErrMalformedCallback(fmt.Errorf("invalid transactionId: %w", err))
	}

	txn, err := p.txRepo.GetByID(ctx, txnID)
	if err != nil {
		return err
	}
	if txn == nil {
		p.count("airtime", "unknown")
		return apperror.ErrNotFound("transaction")
	}

	log := p.log.With().Str("transaction_id", txn.ID.String()).Logger()

	if txn.IsTerminal() {
		p.count("airtime", "duplicate")
		log.Info().Msg("airtime callback for settled transaction, acknowledging")
		return nil
	}

	if !cb.Succeeded() {
		if err := p.failFromCallback(ctx, txn, fmt.Sprintf("airtime delivery failed: %s", cb.Message), "airtime", log); err != nil {
			return err
		}
		// Sats were debited by the purchase job; give them back.
		p.enqueueRefund(ctx, txn)
		return nil
	}

	fresh, err := p.receipts.MarkProcessed(ctx, cb.TransactionID, txn.Kind, receiptTTL)
	if err != nil {
		log.Warn().Err(err).Msg("receipt guard unavailable, relying on status transition")
	} else if !fresh {
		p.count("airtime", "duplicate")
		return nil
	}

	receipt := cb.TransactionID
	ok, err := p.txRepo.TransitionStatus(ctx, txn.ID, txn.Status, domain.StatusCompleted, ports.TransactionUpdate{
		ExternalReceiptID: &receipt,
		Metadata: map[string]string{
			"airtime_provider": cb.Provider,
		},
	})
	if err != nil {
		return err
	}
	if !ok {
		p.count("airtime", "duplicate")
		return nil
	}

	p.count("airtime", "completed")
	log.Info().Float64("amount_kes", cb.Amount).Msg("airtime delivery confirmed")
	return nil
}

// failFromCallback terminates a transaction on a provider failure result.
// Already-terminal transactions are acknowledged silently.
func (p *webhookProcessor) failFromCallback(ctx context.Context, txn *domain.Transaction, reason, source string, log zerolog.Logger) error {
	if txn.IsTerminal() {
		p.count(source, "duplicate")
		return nil
	}
	ok, err := p.txRepo.TransitionStatus(ctx, txn.ID, txn.Status, domain.StatusFailed, ports.TransactionUpdate{
		FailureReason: &reason,
	})
	if err != nil {
		return err
	}
	if !ok {
		p.count(source, "duplicate")
		return nil
	}
	p.count(source, "failed")
	log.Info().Str("reason", reason).Msg("transaction failed from provider callback")
	return nil
}

// enqueueRefund schedules the compensating refund flow.
func (p *webhookProcessor) enqueueRefund(ctx context.Context, txn *domain.Transaction) {
	_, err := p.queue.Enqueue(ctx, domain.QueueRefunds, domain.ConversionPayload{
		TransactionID: txn.ID,
		Phone:         txn.Phone,
		AmountFiat:    txn.AmountFiat,
	}, ports.JobOptions{})
	if err != nil {
		p.log.Error().
			Err(err).
			Str("transaction_id", txn.ID.String()).
			Msg("failed to enqueue refund, reconciliation will flag this transaction")
	}
}
