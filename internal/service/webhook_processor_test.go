package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MWANGAZA-LAB/SatsConnect-sub001/config"
	"github.com/MWANGAZA-LAB/SatsConnect-sub001/internal/core/domain"
	"github.com/MWANGAZA-LAB/SatsConnect-sub001/internal/core/ports"
	"github.com/MWANGAZA-LAB/SatsConnect-sub001/internal/core/ports/mocks"
	"github.com/MWANGAZA-LAB/SatsConnect-sub001/pkg/apperror"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

const (
	mpesaSecret   = "mpesa-callback-secret"
	airtimeSecret = "airtime-callback-secret"
)

type webhookFixture struct {
	txRepo   *mocks.MockTransactionRepository
	receipts *mocks.MockReceiptStore
	engine   *mocks.MockEngineClient
	queue    *mocks.MockQueueService
	sig      *HMACSignatureService
	proc     ports.WebhookProcessor
}

func newWebhookFixture(t *testing.T) *webhookFixture {
	ctrl := gomock.NewController(t)
	f := &webhookFixture{
		txRepo:   mocks.NewMockTransactionRepository(ctrl),
		receipts: mocks.NewMockReceiptStore(ctrl),
		engine:   mocks.NewMockEngineClient(ctrl),
		queue:    mocks.NewMockQueueService(ctrl),
		sig:      NewHMACSignatureService(),
	}
	exec := NewResilienceExecutor(
		config.RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffMultiplier: 2},
		config.BreakerConfig{FailureThreshold: 100, ResetTimeout: time.Minute},
		nil,
		zerolog.Nop(),
	)
	exec.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	f.proc = NewWebhookProcessor(
		f.txRepo, f.receipts, f.engine, f.queue, exec, f.sig,
		config.MpesaConfig{CallbackSecret: mpesaSecret},
		config.AirtimeConfig{CallbackSecret: airtimeSecret},
		nil,
		zerolog.Nop(),
	)
	return f
}

func processingTxn() *domain.Transaction {
	txn := domain.NewTransaction(domain.KindFiatToBitcoin, "254712345678", 1000, 5_000_000)
	txn.Status = domain.StatusProcessing
	checkout := "ws_CO_191220231020363925"
	txn.CheckoutRequestID = &checkout
	return txn
}

func successCallbackBody(checkoutID string) []byte {
	return []byte(fmt.Sprintf(`{
		"Body": {
			"stkCallback": {
				"MerchantRequestID": "29115-34620561-1",
				"CheckoutRequestID": %q,
				"ResultCode": 0,
				"ResultDesc": "The service request is processed successfully.",
				"CallbackMetadata": {
					"Item": [
						{"Name": "Amount", "Value": 1000.00},
						{"Name": "MpesaReceiptNumber", "Value": "NLJ7RT61SV"},
						{"Name": "TransactionDate", "Value": 20260824123456},
						{"Name": "PhoneNumber", "Value": 254712345678}
					]
				}
			}
		}
	}`, checkoutID))
}

func failureCallbackBody(checkoutID string, code int, desc string) []byte {
	return []byte(fmt.Sprintf(`{
		"Body": {
			"stkCallback": {
				"MerchantRequestID": "29115-34620561-1",
				"CheckoutRequestID": %q,
				"ResultCode": %d,
				"ResultDesc": %q
			}
		}
	}`, checkoutID, code, desc))
}

func TestMpesaCallback_InvalidSignature(t *testing.T) {
	f := newWebhookFixture(t)

	body := successCallbackBody("ws_CO_1")
	err := f.proc.HandleMpesaCallback(context.Background(), body, "bogus-signature")
	require.Error(t, err)

	var appErr *apperror.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "SEC_001", appErr.Code)
}

func TestMpesaCallback_MalformedPayload(t *testing.T) {
	f := newWebhookFixture(t)

	body := []byte(`{"Body": {"stkCallback": {"ResultCode": 0}}}`)
	sig := f.sig.Sign(mpesaSecret, body)
	err := f.proc.HandleMpesaCallback(context.Background(), body, sig)
	require.Error(t, err)

	var appErr *apperror.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "SEC_002", appErr.Code)
}

func TestMpesaCallback_UnknownTransaction(t *testing.T) {
	f := newWebhookFixture(t)

	body := successCallbackBody("ws_CO_unknown")
	sig := f.sig.Sign(mpesaSecret, body)

	f.txRepo.EXPECT().GetByCheckoutID(gomock.Any(), "ws_CO_unknown").Return(nil, nil)

	err := f.proc.HandleMpesaCallback(context.Background(), body, sig)
	require.Error(t, err)

	var appErr *apperror.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "TXN_001", appErr.Code)
}

func TestMpesaCallback_SuccessCreditsOnce(t *testing.T) {
	f := newWebhookFixture(t)
	txn := processingTxn()

	body := successCallbackBody(*txn.CheckoutRequestID)
	sig := f.sig.Sign(mpesaSecret, body)

	f.txRepo.EXPECT().GetByCheckoutID(gomock.Any(), *txn.CheckoutRequestID).Return(txn, nil)
	f.receipts.EXPECT().
		MarkProcessed(gomock.Any(), "NLJ7RT61SV", domain.KindFiatToBitcoin, receiptTTL).
		Return(true, nil)

	// The row is claimed before the engine moves any sats.
	claim := f.txRepo.EXPECT().
		TransitionStatus(gomock.Any(), txn.ID, domain.StatusProcessing, domain.StatusCompleted, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ any, _, _ domain.TransactionStatus, upd ports.TransactionUpdate) (bool, error) {
			require.NotNil(t, upd.ExternalReceiptID)
			assert.Equal(t, "NLJ7RT61SV", *upd.ExternalReceiptID)
			return true, nil
		})
	credit := f.engine.EXPECT().
		ProcessPayment(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req ports.ProcessPaymentRequest) (*ports.PaymentResponse, error) {
			// 1000 KES at 5,000,000 KES/BTC is 20,000 sats.
			assert.Equal(t, int64(20000), req.AmountSats)
			return &ports.PaymentResponse{PaymentID: "pay-1", Status: "completed", AmountSats: 20000}, nil
		})
	record := f.txRepo.EXPECT().
		TransitionStatus(gomock.Any(), txn.ID, domain.StatusCompleted, domain.StatusCompleted, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ any, _, _ domain.TransactionStatus, upd ports.TransactionUpdate) (bool, error) {
			require.NotNil(t, upd.AmountSats)
			assert.Equal(t, int64(20000), *upd.AmountSats)
			assert.Equal(t, "pay-1", upd.Metadata["engine_payment_id"])
			return true, nil
		})
	gomock.InOrder(claim, credit, record)

	require.NoError(t, f.proc.HandleMpesaCallback(context.Background(), body, sig))
}

func TestMpesaCallback_DuplicateReceiptAcknowledged(t *testing.T) {
	f := newWebhookFixture(t)
	txn := processingTxn()

	body := successCallbackBody(*txn.CheckoutRequestID)
	sig := f.sig.Sign(mpesaSecret, body)

	f.txRepo.EXPECT().GetByCheckoutID(gomock.Any(), *txn.CheckoutRequestID).Return(txn, nil)
	f.receipts.EXPECT().
		MarkProcessed(gomock.Any(), "NLJ7RT61SV", domain.KindFiatToBitcoin, receiptTTL).
		Return(false, nil)

	// No engine call and no transition: the duplicate is acknowledged as-is.
	require.NoError(t, f.proc.HandleMpesaCallback(context.Background(), body, sig))
}

func TestMpesaCallback_TerminalTransactionAcknowledged(t *testing.T) {
	f := newWebhookFixture(t)
	txn := processingTxn()
	txn.Status = domain.StatusCompleted

	body := successCallbackBody(*txn.CheckoutRequestID)
	sig := f.sig.Sign(mpesaSecret, body)

	f.txRepo.EXPECT().GetByCheckoutID(gomock.Any(), *txn.CheckoutRequestID).Return(txn, nil)

	require.NoError(t, f.proc.HandleMpesaCallback(context.Background(), body, sig))
}

func TestMpesaCallback_ProviderFailureTerminates(t *testing.T) {
	f := newWebhookFixture(t)
	txn := processingTxn()

	body := failureCallbackBody(*txn.CheckoutRequestID, 1032, "Request cancelled by user")
	sig := f.sig.Sign(mpesaSecret, body)

	f.txRepo.EXPECT().GetByCheckoutID(gomock.Any(), *txn.CheckoutRequestID).Return(txn, nil)
	f.txRepo.EXPECT().
		TransitionStatus(gomock.Any(), txn.ID, domain.StatusProcessing, domain.StatusFailed, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ any, _, _ domain.TransactionStatus, upd ports.TransactionUpdate) (bool, error) {
			require.NotNil(t, upd.FailureReason)
			assert.Contains(t, *upd.FailureReason, "1032")
			return true, nil
		})

	// Zero settlement calls on a failure result.
	require.NoError(t, f.proc.HandleMpesaCallback(context.Background(), body, sig))
}

func TestMpesaCallback_SettlementFailureRefunds(t *testing.T) {
	f := newWebhookFixture(t)
	txn := processingTxn()

	body := successCallbackBody(*txn.CheckoutRequestID)
	sig := f.sig.Sign(mpesaSecret, body)

	f.txRepo.EXPECT().GetByCheckoutID(gomock.Any(), *txn.CheckoutRequestID).Return(txn, nil)
	f.receipts.EXPECT().
		MarkProcessed(gomock.Any(), "NLJ7RT61SV", domain.KindFiatToBitcoin, receiptTTL).
		Return(true, nil)
	f.txRepo.EXPECT().
		TransitionStatus(gomock.Any(), txn.ID, domain.StatusProcessing, domain.StatusCompleted, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ any, _, _ domain.TransactionStatus, upd ports.TransactionUpdate) (bool, error) {
			require.NotNil(t, upd.ExternalReceiptID, "the confirmed receipt must be recorded")
			return true, nil
		})
	f.engine.EXPECT().
		ProcessPayment(gomock.Any(), gomock.Any()).
		Return(nil, apperror.ErrProviderRejected("WALLET_FROZEN", "wallet frozen"))
	f.txRepo.EXPECT().
		TransitionStatus(gomock.Any(), txn.ID, domain.StatusCompleted, domain.StatusFailed, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ any, _, _ domain.TransactionStatus, upd ports.TransactionUpdate) (bool, error) {
			require.NotNil(t, upd.FailureReason)
			assert.Contains(t, *upd.FailureReason, "NLJ7RT61SV")
			return true, nil
		})
	f.queue.EXPECT().
		Enqueue(gomock.Any(), domain.QueueRefunds, gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, payload any, _ ports.JobOptions) (uuid.UUID, error) {
			cp := payload.(domain.ConversionPayload)
			assert.Equal(t, txn.ID, cp.TransactionID)
			return txn.ID, nil
		})

	// The callback is acknowledged so the provider stops redelivering.
	require.NoError(t, f.proc.HandleMpesaCallback(context.Background(), body, sig))
}

func TestMpesaCallback_SettlementRetriesTransientFailures(t *testing.T) {
	f := newWebhookFixture(t)
	txn := processingTxn()

	body := successCallbackBody(*txn.CheckoutRequestID)
	sig := f.sig.Sign(mpesaSecret, body)

	f.txRepo.EXPECT().GetByCheckoutID(gomock.Any(), *txn.CheckoutRequestID).Return(txn, nil)
	f.receipts.EXPECT().MarkProcessed(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(true, nil)
	f.txRepo.EXPECT().
		TransitionStatus(gomock.Any(), txn.ID, domain.StatusProcessing, domain.StatusCompleted, gomock.Any()).
		Return(true, nil)

	calls := 0
	f.engine.EXPECT().
		ProcessPayment(gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, ports.ProcessPaymentRequest) (*ports.PaymentResponse, error) {
			calls++
			if calls < 3 {
				return nil, apperror.ErrExternalTimeout("settlement engine", errors.New("timeout"))
			}
			return &ports.PaymentResponse{PaymentID: "pay-1", AmountSats: 20000}, nil
		}).Times(3)
	f.txRepo.EXPECT().
		TransitionStatus(gomock.Any(), txn.ID, domain.StatusCompleted, domain.StatusCompleted, gomock.Any()).
		Return(true, nil)

	require.NoError(t, f.proc.HandleMpesaCallback(context.Background(), body, sig))
	assert.Equal(t, 3, calls)
}

func TestMpesaCallback_ToleranceViolationDisputes(t *testing.T) {
	f := newWebhookFixture(t)
	txn := processingTxn()

	body := successCallbackBody(*txn.CheckoutRequestID)
	sig := f.sig.Sign(mpesaSecret, body)

	f.txRepo.EXPECT().GetByCheckoutID(gomock.Any(), *txn.CheckoutRequestID).Return(txn, nil)
	f.receipts.EXPECT().MarkProcessed(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(true, nil)
	f.txRepo.EXPECT().
		TransitionStatus(gomock.Any(), txn.ID, domain.StatusProcessing, domain.StatusCompleted, gomock.Any()).
		Return(true, nil)
	// 19,000 sats against an expected 20,000 is a 5% deviation, past the 1% band.
	f.engine.EXPECT().
		ProcessPayment(gomock.Any(), gomock.Any()).
		Return(&ports.PaymentResponse{PaymentID: "pay-1", AmountSats: 19000}, nil)
	f.txRepo.EXPECT().
		TransitionStatus(gomock.Any(), txn.ID, domain.StatusCompleted, domain.StatusDisputed, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ any, _, _ domain.TransactionStatus, upd ports.TransactionUpdate) (bool, error) {
			require.NotNil(t, upd.FailureReason)
			return true, nil
		})

	require.NoError(t, f.proc.HandleMpesaCallback(context.Background(), body, sig))
}

func TestMpesaCallback_ReceiptGuardOutageStillSettles(t *testing.T) {
	f := newWebhookFixture(t)
	txn := processingTxn()

	body := successCallbackBody(*txn.CheckoutRequestID)
	sig := f.sig.Sign(mpesaSecret, body)

	f.txRepo.EXPECT().GetByCheckoutID(gomock.Any(), *txn.CheckoutRequestID).Return(txn, nil)
	f.receipts.EXPECT().
		MarkProcessed(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return(false, errors.New("redis connection refused"))
	f.txRepo.EXPECT().
		TransitionStatus(gomock.Any(), txn.ID, domain.StatusProcessing, domain.StatusCompleted, gomock.Any()).
		Return(true, nil)
	f.engine.EXPECT().
		ProcessPayment(gomock.Any(), gomock.Any()).
		Return(&ports.PaymentResponse{PaymentID: "pay-1", AmountSats: 20000}, nil)
	f.txRepo.EXPECT().
		TransitionStatus(gomock.Any(), txn.ID, domain.StatusCompleted, domain.StatusCompleted, gomock.Any()).
		Return(true, nil)

	require.NoError(t, f.proc.HandleMpesaCallback(context.Background(), body, sig))
}

func TestMpesaCallback_LostClaimRaceAcknowledged(t *testing.T) {
	f := newWebhookFixture(t)
	txn := processingTxn()

	body := successCallbackBody(*txn.CheckoutRequestID)
	sig := f.sig.Sign(mpesaSecret, body)

	f.txRepo.EXPECT().GetByCheckoutID(gomock.Any(), *txn.CheckoutRequestID).Return(txn, nil)
	f.receipts.EXPECT().MarkProcessed(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(true, nil)
	f.txRepo.EXPECT().
		TransitionStatus(gomock.Any(), txn.ID, domain.StatusProcessing, domain.StatusCompleted, gomock.Any()).
		Return(false, nil)

	// No engine call: a delivery that loses the claim never credits.
	require.NoError(t, f.proc.HandleMpesaCallback(context.Background(), body, sig))
}

func TestMpesaCallback_GuardOutageDuplicateCreditsOnce(t *testing.T) {
	f := newWebhookFixture(t)
	txn := processingTxn()

	body := successCallbackBody(*txn.CheckoutRequestID)
	sig := f.sig.Sign(mpesaSecret, body)

	// Two deliveries of the same receipt while the guard is down. The
	// claim decides: the first settles, the second is acknowledged.
	f.txRepo.EXPECT().GetByCheckoutID(gomock.Any(), *txn.CheckoutRequestID).Return(txn, nil).Times(2)
	f.receipts.EXPECT().
		MarkProcessed(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return(false, errors.New("redis connection refused")).
		Times(2)

	gomock.InOrder(
		f.txRepo.EXPECT().
			TransitionStatus(gomock.Any(), txn.ID, domain.StatusProcessing, domain.StatusCompleted, gomock.Any()).
			Return(true, nil),
		f.engine.EXPECT().
			ProcessPayment(gomock.Any(), gomock.Any()).
			Return(&ports.PaymentResponse{PaymentID: "pay-1", AmountSats: 20000}, nil).
			Times(1),
		f.txRepo.EXPECT().
			TransitionStatus(gomock.Any(), txn.ID, domain.StatusCompleted, domain.StatusCompleted, gomock.Any()).
			Return(true, nil),
		f.txRepo.EXPECT().
			TransitionStatus(gomock.Any(), txn.ID, domain.StatusProcessing, domain.StatusCompleted, gomock.Any()).
			Return(false, nil),
	)

	require.NoError(t, f.proc.HandleMpesaCallback(context.Background(), body, sig))
	require.NoError(t, f.proc.HandleMpesaCallback(context.Background(), body, sig))
}

func airtimeTxn() *domain.Transaction {
	txn := domain.NewTransaction(domain.KindAirtimePurchase, "254712345678", 100, 5_000_000)
	txn.Status = domain.StatusProcessing
	txn.SetMeta("engine_payment_id", "pay-air-1")
	return txn
}

func TestAirtimeCallback_Success(t *testing.T) {
	f := newWebhookFixture(t)
	txn := airtimeTxn()

	body := []byte(fmt.Sprintf(`{"transactionId": %q, "status": "SUCCESS", "amount": 100, "phone": "254712345678", "provider": "Safaricom"}`, txn.ID))
	sig := f.sig.Sign(airtimeSecret, body)

	f.txRepo.EXPECT().GetByID(gomock.Any(), txn.ID).Return(txn, nil)
	f.receipts.EXPECT().
		MarkProcessed(gomock.Any(), txn.ID.String(), domain.KindAirtimePurchase, receiptTTL).
		Return(true, nil)
	f.txRepo.EXPECT().
		TransitionStatus(gomock.Any(), txn.ID, domain.StatusProcessing, domain.StatusCompleted, gomock.Any()).
		Return(true, nil)

	require.NoError(t, f.proc.HandleAirtimeCallback(context.Background(), body, sig))
}

func TestAirtimeCallback_DeliveryFailureRefunds(t *testing.T) {
	f := newWebhookFixture(t)
	txn := airtimeTxn()

	body := []byte(fmt.Sprintf(`{"transactionId": %q, "status": "FAILED", "amount": 100, "phone": "254712345678", "provider": "Safaricom", "message": "recipient barred"}`, txn.ID))
	sig := f.sig.Sign(airtimeSecret, body)

	f.txRepo.EXPECT().GetByID(gomock.Any(), txn.ID).Return(txn, nil)
	f.txRepo.EXPECT().
		TransitionStatus(gomock.Any(), txn.ID, domain.StatusProcessing, domain.StatusFailed, gomock.Any()).
		Return(true, nil)
	f.queue.EXPECT().
		Enqueue(gomock.Any(), domain.QueueRefunds, gomock.Any(), gomock.Any()).
		Return(txn.ID, nil)

	require.NoError(t, f.proc.HandleAirtimeCallback(context.Background(), body, sig))
}

func TestAirtimeCallback_InvalidSignature(t *testing.T) {
	f := newWebhookFixture(t)

	body := []byte(`{"transactionId": "x", "status": "SUCCESS"}`)
	err := f.proc.HandleAirtimeCallback(context.Background(), body, "bogus")
	require.Error(t, err)

	var appErr *apperror.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "SEC_001", appErr.Code)
}

func TestAirtimeCallback_InvalidTransactionID(t *testing.T) {
	f := newWebhookFixture(t)

	body := []byte(`{"transactionId": "not-a-uuid", "status": "SUCCESS"}`)
	sig := f.sig.Sign(airtimeSecret, body)
	err := f.proc.HandleAirtimeCallback(context.Background(), body, sig)
	require.Error(t, err)

	var appErr *apperror.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "SEC_002", appErr.Code)
}

func payoutTxn() *domain.Transaction {
	txn := domain.NewTransaction(domain.KindBitcoinToFiat, "254712345678", 1000, 5_000_000)
	txn.Status = domain.StatusProcessing
	conversation := "AG_20260824_00007fc37fc37fc37fc3"
	txn.CheckoutRequestID = &conversation
	hash := "9f2c1a"
	txn.PaymentHash = &hash
	return txn
}

func b2cResultBody(conversationID string, code int, desc, receipt string) []byte {
	params := ""
	if receipt != "" {
		params = fmt.Sprintf(`,
			"ResultParameters": {
				"ResultParameter": [
					{"Key": "TransactionReceipt", "Value": %q},
					{"Key": "TransactionAmount", "Value": 1000.00}
				]
			}`, receipt)
	}
	return []byte(fmt.Sprintf(`{
		"Result": {
			"ConversationID": %q,
			"ResultCode": %d,
			"ResultDesc": %q%s
		}
	}`, conversationID, code, desc, params))
}

func TestMpesaB2CResult_CompletesPayout(t *testing.T) {
	f := newWebhookFixture(t)

	txn := payoutTxn()
	body := b2cResultBody(*txn.CheckoutRequestID, 0, "The service request is processed successfully.", "OGB41H62XK")
	sig := f.sig.Sign(mpesaSecret, body)

	f.txRepo.EXPECT().GetByCheckoutID(gomock.Any(), *txn.CheckoutRequestID).Return(txn, nil)
	f.receipts.EXPECT().
		MarkProcessed(gomock.Any(), "OGB41H62XK", domain.KindBitcoinToFiat, gomock.Any()).
		Return(true, nil)
	f.txRepo.EXPECT().
		TransitionStatus(gomock.Any(), txn.ID, domain.StatusProcessing, domain.StatusCompleted, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ uuid.UUID, _, _ domain.TransactionStatus, upd ports.TransactionUpdate) (bool, error) {
			require.NotNil(t, upd.ExternalReceiptID)
			assert.Equal(t, "OGB41H62XK", *upd.ExternalReceiptID)
			return true, nil
		})

	err := f.proc.HandleMpesaCallback(context.Background(), body, sig)
	require.NoError(t, err)
}

func TestMpesaB2CResult_FailureEnqueuesRefund(t *testing.T) {
	f := newWebhookFixture(t)

	txn := payoutTxn()
	body := b2cResultBody(*txn.CheckoutRequestID, 2001, "The initiator information is invalid.", "")
	sig := f.sig.Sign(mpesaSecret, body)

	f.txRepo.EXPECT().GetByCheckoutID(gomock.Any(), *txn.CheckoutRequestID).Return(txn, nil)
	f.txRepo.EXPECT().
		TransitionStatus(gomock.Any(), txn.ID, domain.StatusProcessing, domain.StatusFailed, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ uuid.UUID, _, _ domain.TransactionStatus, upd ports.TransactionUpdate) (bool, error) {
			require.NotNil(t, upd.FailureReason)
			assert.Contains(t, *upd.FailureReason, "2001")
			return true, nil
		})
	f.queue.EXPECT().
		Enqueue(gomock.Any(), domain.QueueRefunds, gomock.Any(), gomock.Any()).
		Return(uuid.New(), nil)

	err := f.proc.HandleMpesaCallback(context.Background(), body, sig)
	require.NoError(t, err)
}

func TestMpesaB2CResult_DuplicateReceiptAcknowledged(t *testing.T) {
	f := newWebhookFixture(t)

	txn := payoutTxn()
	body := b2cResultBody(*txn.CheckoutRequestID, 0, "Success", "OGB41H62XK")
	sig := f.sig.Sign(mpesaSecret, body)

	f.txRepo.EXPECT().GetByCheckoutID(gomock.Any(), *txn.CheckoutRequestID).Return(txn, nil)
	f.receipts.EXPECT().
		MarkProcessed(gomock.Any(), "OGB41H62XK", domain.KindBitcoinToFiat, gomock.Any()).
		Return(false, nil)

	// No TransitionStatus expectation: the duplicate is acknowledged as-is.
	err := f.proc.HandleMpesaCallback(context.Background(), body, sig)
	require.NoError(t, err)
}

func TestMpesaB2CResult_UnknownConversation(t *testing.T) {
	f := newWebhookFixture(t)

	body := b2cResultBody("AG_unknown", 0, "Success", "OGB41H62XK")
	sig := f.sig.Sign(mpesaSecret, body)

	f.txRepo.EXPECT().GetByCheckoutID(gomock.Any(), "AG_unknown").Return(nil, nil)

	err := f.proc.HandleMpesaCallback(context.Background(), body, sig)
	require.Error(t, err)

	var appErr *apperror.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "TXN_001", appErr.Code)
}
