package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/MWANGAZA-LAB/SatsConnect-sub001/config"
	"github.com/MWANGAZA-LAB/SatsConnect-sub001/internal/core/domain"
	"github.com/MWANGAZA-LAB/SatsConnect-sub001/internal/core/ports"
	"github.com/MWANGAZA-LAB/SatsConnect-sub001/pkg/apperror"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ConversionService starts the fiat/Bitcoin conversion flows and owns the
// job handlers that drive them. Starting a flow persists a pending
// transaction and enqueues a typed job; all provider interaction happens in
// the handlers, where retries are safe.
type ConversionService struct {
	txRepo     ports.TransactionRepository
	transactor ports.DBTransactor
	queue      ports.QueueService
	fiat       ports.FiatProvider
	engine     ports.EngineClient
	rates      ports.RateProvider
	exec       *ResilienceExecutor
	limits     config.MpesaConfig
	log        zerolog.Logger
}

// NewConversionService creates the conversion orchestrator.
func NewConversionService(
	txRepo ports.TransactionRepository,
	transactor ports.DBTransactor,
	queue ports.QueueService,
	fiat ports.FiatProvider,
	engine ports.EngineClient,
	rates ports.RateProvider,
	exec *ResilienceExecutor,
	limits config.MpesaConfig,
	log zerolog.Logger,
) *ConversionService {
	return &ConversionService{
		txRepo:     txRepo,
		transactor: transactor,
		queue:      queue,
		fiat:       fiat,
		engine:     engine,
		rates:      rates,
		exec:       exec,
		limits:     limits,
		log:        log,
	}
}

// RegisterHandlers binds the conversion handlers to their queues.
func (s *ConversionService) RegisterHandlers() {
	s.queue.RegisterHandler(domain.QueueFiatBuy, s.HandleFiatBuyJob)
	s.queue.RegisterHandler(domain.QueueFiatPayout, s.HandleFiatPayoutJob)
	s.queue.RegisterHandler(domain.QueueAirtimePurchase, s.HandleAirtimeJob)
	s.queue.RegisterHandler(domain.QueueRefunds, s.HandleRefundJob)
}

// validate applies the trust-boundary checks shared by all flows.
func (s *ConversionService) validate(phone string, amountKes float64) error {
	if !domain.ValidPhone(phone) {
		return apperror.ErrInvalidPhoneFormat(phone)
	}
	if amountKes < s.limits.MinAmount || amountKes > s.limits.MaxAmount {
		return apperror.ErrAmountOutOfLimits(amountKes)
	}
	return nil
}

// start persists a pending transaction and enqueues its driving job.
func (s *ConversionService) start(ctx context.Context, kind domain.TransactionKind, queueName string, phone string, amountKes float64, payload domain.ConversionPayload) (*domain.Transaction, uuid.UUID, error) {
	if err := s.validate(phone, amountKes); err != nil {
		return nil, uuid.Nil, err
	}

	rate, err := s.rates.KesPerBTC(ctx)
	if err != nil {
		return nil, uuid.Nil, apperror.InternalError(fmt.Errorf("fetch exchange rate: %w", err))
	}

	txn := domain.NewTransaction(kind, phone, amountKes, rate)

	dbTx, err := s.transactor.Begin(ctx)
	if err != nil {
		return nil, uuid.Nil, apperror.InternalError(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx)

	if err := s.txRepo.Create(ctx, dbTx, txn); err != nil {
		return nil, uuid.Nil, err
	}
	if err := dbTx.Commit(ctx); err != nil {
		return nil, uuid.Nil, apperror.InternalError(fmt.Errorf("commit tx: %w", err))
	}

	payload.TransactionID = txn.ID
	payload.Phone = phone
	payload.AmountFiat = amountKes

	jobID, err := s.queue.Enqueue(ctx, queueName, payload, ports.JobOptions{})
	if err != nil {
		// The transaction stays pending; reconciliation flags it if no
		// job ever drives it forward.
		s.log.Error().Err(err).Str("transaction_id", txn.ID.String()).Msg("failed to enqueue conversion job")
		return nil, uuid.Nil, err
	}

	s.log.Info().
		Str("transaction_id", txn.ID.String()).
		Str("job_id", jobID.String()).
		Str("kind", string(kind)).
		Float64("amount_kes", amountKes).
		Float64("rate", rate).
		Msg("conversion started")
	return txn, jobID, nil
}

// StartFiatToBitcoin begins a KES collection that settles as sats.
func (s *ConversionService) StartFiatToBitcoin(ctx context.Context, phone string, amountKes float64) (*domain.Transaction, uuid.UUID, error) {
	return s.start(ctx, domain.KindFiatToBitcoin, domain.QueueFiatBuy, phone, amountKes,
		domain.ConversionPayload{AccountReference: "SatsConnect"})
}

// StartBitcoinToFiat begins a sats-to-KES payout over the invoice.
func (s *ConversionService) StartBitcoinToFiat(ctx context.Context, phone string, amountKes float64, invoice string) (*domain.Transaction, uuid.UUID, error) {
	if invoice == "" {
		return nil, uuid.Nil, apperror.ErrMissingField("invoice")
	}
	return s.start(ctx, domain.KindBitcoinToFiat, domain.QueueFiatPayout, phone, amountKes,
		domain.ConversionPayload{Invoice: invoice})
}

// StartAirtimePurchase begins an airtime purchase settled from the Bitcoin
// side.
func (s *ConversionService) StartAirtimePurchase(ctx context.Context, phone string, amountKes float64, provider string) (*domain.Transaction, uuid.UUID, error) {
	if provider == "" {
		provider = "Safaricom"
	}
	return s.start(ctx, domain.KindAirtimePurchase, domain.QueueAirtimePurchase, phone, amountKes,
		domain.ConversionPayload{Provider: provider})
}

// loadJobTransaction parses the payload and fetches its transaction.
func (s *ConversionService) loadJobTransaction(ctx context.Context, job *domain.Job) (*domain.Transaction, *domain.ConversionPayload, error) {
	var payload domain.ConversionPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, nil, apperror.ErrMalformedCallback(fmt.Errorf("parse job payload: %w", err))
	}
	txn, err := s.txRepo.GetByID(ctx, payload.TransactionID)
	if err != nil {
		return nil, nil, err
	}
	if txn == nil {
		return nil, nil, apperror.ErrNotFound("transaction")
	}
	return txn, &payload, nil
}

// HandleFiatBuyJob sends the STK push for a fiat-to-bitcoin conversion. The
// job completes when the prompt is accepted; settlement happens later on
// the result webhook.
func (s *ConversionService) HandleFiatBuyJob(ctx context.Context, job *domain.Job) error {
	txn, payload, err := s.loadJobTransaction(ctx, job)
	if err != nil {
		return err
	}

	// A retried attempt after a crash may find the push already sent.
	if txn.Status != domain.StatusPending {
		s.log.Info().
			Str("transaction_id", txn.ID.String()).
			Str("status", string(txn.Status)).
			Msg("stk push already dispatched, skipping")
		return nil
	}

	var resp *ports.STKPushResponse
	err = s.exec.Execute(ctx, "mpesa.stk_push", func(ctx context.Context) error {
		var callErr error
		resp, callErr = s.fiat.InitiateSTKPush(ctx, ports.STKPushRequest{
			Phone:            payload.Phone,
			AmountKes:        payload.AmountFiat,
			AccountReference: payload.AccountReference,
			Description:      "BTC purchase",
		})
		return callErr
	})
	if err != nil {
		if !apperror.IsRetryable(err) {
			s.failTransaction(ctx, txn, domain.StatusPending, err.Error())
		}
		return err
	}

	ok, err := s.txRepo.TransitionStatus(ctx, txn.ID, domain.StatusPending, domain.StatusProcessing, ports.TransactionUpdate{
		CheckoutRequestID: &resp.CheckoutRequestID,
		Metadata: map[string]string{
			"merchant_request_id": resp.MerchantRequestID,
		},
	})
	if err != nil {
		return err
	}
	if !ok {
		// Lost the race against the webhook; the push went out, nothing
		// more to do here.
		s.log.Warn().Str("transaction_id", txn.ID.String()).Msg("transition to processing lost race")
	}
	return nil
}

// HandleFiatPayoutJob pushes the B2C payout for a bitcoin-to-fiat
// conversion once the engine confirms the inbound Lightning payment. The
// sats leg is recorded under processing before the fiat leg runs, so a
// rescheduled attempt retries only the payout and never spends twice.
func (s *ConversionService) HandleFiatPayoutJob(ctx context.Context, job *domain.Job) error {
	txn, payload, err := s.loadJobTransaction(ctx, job)
	if err != nil {
		return err
	}
	if txn.IsTerminal() {
		s.log.Info().
			Str("transaction_id", txn.ID.String()).
			Str("status", string(txn.Status)).
			Msg("payout already settled, skipping")
		return nil
	}

	// Confirm the sats leg first: the payout only goes out against a
	// settled inbound payment. A replayed attempt finds the transaction
	// in processing and skips straight to the payout.
	if txn.Status == domain.StatusPending {
		var pay *ports.PaymentResponse
		err = s.exec.Execute(ctx, "engine.send_payment", func(ctx context.Context) error {
			var callErr error
			pay, callErr = s.engine.SendPayment(ctx, ports.SendPaymentRequest{
				Invoice:    payload.Invoice,
				AmountSats: txn.ExpectedSats(),
			})
			return callErr
		})
		if err != nil {
			if !apperror.IsRetryable(err) {
				s.failTransaction(ctx, txn, domain.StatusPending, err.Error())
			}
			return err
		}

		sats := pay.AmountSats
		ok, err := s.txRepo.TransitionStatus(ctx, txn.ID, domain.StatusPending, domain.StatusProcessing, ports.TransactionUpdate{
			AmountSats:  &sats,
			PaymentHash: &pay.PaymentHash,
			Metadata: map[string]string{
				"engine_payment_id": pay.PaymentID,
			},
		})
		if err != nil {
			// The sats are already spent; a reschedule would spend them
			// again, so fail the job and leave the row for reconciliation.
			return apperror.InternalError(fmt.Errorf("record sats leg for %s: %w", txn.ID, err))
		}
		if !ok {
			s.log.Warn().Str("transaction_id", txn.ID.String()).Msg("transition to processing lost race")
		}
		txn.Status = domain.StatusProcessing
		txn.SetMeta("engine_payment_id", pay.PaymentID)
	}

	if txn.CheckoutRequestID != nil && *txn.CheckoutRequestID != "" {
		// Payout already dispatched; the B2C result callback finishes it.
		s.log.Info().Str("transaction_id", txn.ID.String()).Msg("payout already dispatched, skipping")
		return nil
	}

	var payout *ports.PayoutResponse
	err = s.exec.Execute(ctx, "mpesa.b2c", func(ctx context.Context) error {
		var callErr error
		payout, callErr = s.fiat.InitiatePayout(ctx, ports.PayoutRequest{
			Phone:     payload.Phone,
			AmountKes: payload.AmountFiat,
			Remarks:   "BTC sale payout",
		})
		return callErr
	})
	if err != nil {
		if !apperror.IsRetryable(err) {
			// Sats were taken but the payout is rejected: compensate.
			s.failTransaction(ctx, txn, domain.StatusProcessing, err.Error())
			s.enqueueRefund(ctx, txn, txn.Metadata["engine_payment_id"])
		}
		return err
	}

	// The B2C result callback correlates on the ConversationID.
	_, err = s.txRepo.TransitionStatus(ctx, txn.ID, domain.StatusProcessing, domain.StatusProcessing, ports.TransactionUpdate{
		CheckoutRequestID: &payout.ConversationID,
	})
	if err != nil {
		// The payout went out; a reschedule would dispatch it again.
		return apperror.InternalError(fmt.Errorf("record payout dispatch for %s: %w", txn.ID, err))
	}
	return nil
}

// HandleAirtimeJob settles an airtime purchase from the Bitcoin side. The
// reseller's delivery confirmation arrives later on the airtime webhook.
func (s *ConversionService) HandleAirtimeJob(ctx context.Context, job *domain.Job) error {
	txn, payload, err := s.loadJobTransaction(ctx, job)
	if err != nil {
		return err
	}
	if txn.Status != domain.StatusPending {
		s.log.Info().
			Str("transaction_id", txn.ID.String()).
			Str("status", string(txn.Status)).
			Msg("airtime purchase already dispatched, skipping")
		return nil
	}

	var pay *ports.PaymentResponse
	err = s.exec.Execute(ctx, "engine.buy_airtime", func(ctx context.Context) error {
		var callErr error
		pay, callErr = s.engine.BuyAirtime(ctx, ports.BuyAirtimeRequest{
			Phone:     payload.Phone,
			AmountKes: payload.AmountFiat,
			Provider:  payload.Provider,
		})
		return callErr
	})
	if err != nil {
		if !apperror.IsRetryable(err) {
			s.failTransaction(ctx, txn, domain.StatusPending, err.Error())
		}
		return err
	}

	sats := pay.AmountSats
	ok, err := s.txRepo.TransitionStatus(ctx, txn.ID, domain.StatusPending, domain.StatusProcessing, ports.TransactionUpdate{
		AmountSats: &sats,
		Metadata: map[string]string{
			"engine_payment_id": pay.PaymentID,
		},
	})
	if err != nil {
		// The airtime is already bought; a reschedule would buy it again,
		// so fail the job and leave the row for reconciliation.
		return apperror.InternalError(fmt.Errorf("record airtime purchase for %s: %w", txn.ID, err))
	}
	if !ok {
		s.log.Warn().Str("transaction_id", txn.ID.String()).Msg("transition to processing lost race")
	}
	return nil
}

// HandleRefundJob compensates a settlement failure that happened after a
// confirmed fiat receipt.
func (s *ConversionService) HandleRefundJob(ctx context.Context, job *domain.Job) error {
	txn, _, err := s.loadJobTransaction(ctx, job)
	if err != nil {
		return err
	}
	if txn.Metadata["refunded"] == "true" {
		s.log.Info().Str("transaction_id", txn.ID.String()).Msg("refund already recorded, skipping")
		return nil
	}

	paymentID := txn.Metadata["engine_payment_id"]
	if paymentID == "" {
		paymentID = txn.ID.String()
	}

	err = s.exec.Execute(ctx, "engine.refund", func(ctx context.Context) error {
		_, callErr := s.engine.ProcessRefund(ctx, ports.RefundRequest{
			PaymentID:  paymentID,
			AmountSats: txn.ExpectedSats(),
		})
		return callErr
	})
	if err != nil {
		return err
	}

	// The transaction is already terminally failed; only the audit trail
	// changes.
	_, err = s.txRepo.TransitionStatus(ctx, txn.ID, txn.Status, txn.Status, ports.TransactionUpdate{
		Metadata: map[string]string{"refunded": "true"},
	})
	return err
}

// failTransaction moves the transaction to the terminal failed state.
func (s *ConversionService) failTransaction(ctx context.Context, txn *domain.Transaction, from domain.TransactionStatus, reason string) {
	ok, err := s.txRepo.TransitionStatus(ctx, txn.ID, from, domain.StatusFailed, ports.TransactionUpdate{
		FailureReason: &reason,
	})
	if err != nil {
		s.log.Error().Err(err).Str("transaction_id", txn.ID.String()).Msg("failed to mark transaction failed")
		return
	}
	if !ok {
		s.log.Warn().Str("transaction_id", txn.ID.String()).Msg("failed-state transition lost race")
	}
}

// enqueueRefund schedules the compensating refund flow.
func (s *ConversionService) enqueueRefund(ctx context.Context, txn *domain.Transaction, paymentID string) {
	_, err := s.queue.Enqueue(ctx, domain.QueueRefunds, domain.ConversionPayload{
		TransactionID: txn.ID,
		Phone:         txn.Phone,
		AmountFiat:    txn.AmountFiat,
	}, ports.JobOptions{})
	if err != nil {
		s.log.Error().
			Err(err).
			Str("transaction_id", txn.ID.String()).
			Str("payment_id", paymentID).
			Msg("failed to enqueue refund, reconciliation will flag this transaction")
	}
}
