package ports

import (
	"context"
	"time"

	"github.com/MWANGAZA-LAB/SatsConnect-sub001/internal/core/domain"

	"github.com/google/uuid"
)

// --- Settlement engine (consumed via RPC-style contract) ---

// EngineClient is the narrow contract to the Lightning/Bitcoin settlement
// engine. Every call carries a bounded deadline; a failed call is an
// ordinary external-dependency failure, never process-fatal.
type EngineClient interface {
	CreateWallet(ctx context.Context, req CreateWalletRequest) (*CreateWalletResponse, error)
	GetBalance(ctx context.Context) (*BalanceResponse, error)
	NewInvoice(ctx context.Context, req NewInvoiceRequest) (*NewInvoiceResponse, error)
	SendPayment(ctx context.Context, req SendPaymentRequest) (*PaymentResponse, error)
	BuyAirtime(ctx context.Context, req BuyAirtimeRequest) (*PaymentResponse, error)
	ProcessPayment(ctx context.Context, req ProcessPaymentRequest) (*PaymentResponse, error)
	GetPaymentStatus(ctx context.Context, paymentID string) (*PaymentResponse, error)
	ProcessRefund(ctx context.Context, req RefundRequest) (*PaymentResponse, error)
	CheckHealth(ctx context.Context) bool
	Reconnect() error
}

type CreateWalletRequest struct {
	Label    string `json:"label"`
	Mnemonic string `json:"mnemonic,omitempty"`
}

type CreateWalletResponse struct {
	NodeID  string `json:"node_id"`
	Address string `json:"address"`
}

type BalanceResponse struct {
	ConfirmedSats int64 `json:"confirmed_sats"`
	LightningSats int64 `json:"lightning_sats"`
}

type NewInvoiceRequest struct {
	AmountSats int64  `json:"amount_sats"`
	Memo       string `json:"memo,omitempty"`
}

type NewInvoiceResponse struct {
	Invoice     string `json:"invoice"`
	PaymentHash string `json:"payment_hash"`
}

type SendPaymentRequest struct {
	Invoice    string `json:"invoice"`
	AmountSats int64  `json:"amount_sats,omitempty"`
}

type BuyAirtimeRequest struct {
	Phone     string  `json:"phone"`
	AmountKes float64 `json:"amount_kes"`
	Provider  string  `json:"provider"`
}

type ProcessPaymentRequest struct {
	PaymentID   string `json:"payment_id"`
	WalletID    string `json:"wallet_id"`
	AmountSats  int64  `json:"amount_sats"`
	Invoice     string `json:"invoice"`
	Description string `json:"description,omitempty"`
}

type RefundRequest struct {
	PaymentID  string `json:"payment_id"`
	AmountSats int64  `json:"amount_sats"`
}

// PaymentResponse is the engine's uniform payment result shape.
type PaymentResponse struct {
	PaymentID   string `json:"payment_id"`
	Status      string `json:"status"`
	Message     string `json:"message,omitempty"`
	AmountSats  int64  `json:"amount_sats"`
	PaymentHash string `json:"payment_hash,omitempty"`
	Timestamp   string `json:"timestamp,omitempty"`
}

// --- Mobile-money provider (consumed) ---

// FiatProvider is the narrow contract to the mobile-money API: STK-push
// request/response for collections, B2C for payouts. Results arrive later
// via webhook.
type FiatProvider interface {
	InitiateSTKPush(ctx context.Context, req STKPushRequest) (*STKPushResponse, error)
	InitiatePayout(ctx context.Context, req PayoutRequest) (*PayoutResponse, error)
}

type STKPushRequest struct {
	Phone            string
	AmountKes        float64
	AccountReference string
	Description      string
}

type STKPushResponse struct {
	CheckoutRequestID string
	MerchantRequestID string
	ResponseCode      string
	CustomerMessage   string
}

type PayoutRequest struct {
	Phone     string
	AmountKes float64
	Remarks   string
}

type PayoutResponse struct {
	ConversationID string
	ResponseCode   string
}

// --- Queue ---

// JobHandler executes one queued job. Handlers signal "retry me" by
// returning an error; terminal classification happens via apperror.
type JobHandler func(ctx context.Context, job *domain.Job) error

// JobOptions tunes a single enqueue.
type JobOptions struct {
	MaxAttempts int           // 0 = queue default
	Delay       time.Duration // initial delay before the first attempt
}

// JobStatus is the operational introspection view of a job.
type JobStatus struct {
	ID        uuid.UUID       `json:"id"`
	QueueName string          `json:"queue_name"`
	State     domain.JobState `json:"state"`
	Attempts  int             `json:"attempts"`
	LastError *string         `json:"last_error,omitempty"`
}

// QueueService drives the durable, typed job queues with bounded worker
// concurrency per queue.
type QueueService interface {
	Enqueue(ctx context.Context, queueName string, payload any, opts JobOptions) (uuid.UUID, error)
	GetJobStatus(ctx context.Context, jobID uuid.UUID) (*JobStatus, error)
	RegisterHandler(queueName string, handler JobHandler)
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// --- Conversion flows ---

// ConversionService starts the asynchronous conversion flows. Each call
// persists a pending transaction and returns the job driving it.
type ConversionService interface {
	StartFiatToBitcoin(ctx context.Context, phone string, amountKes float64) (*domain.Transaction, uuid.UUID, error)
	StartBitcoinToFiat(ctx context.Context, phone string, amountKes float64, invoice string) (*domain.Transaction, uuid.UUID, error)
	StartAirtimePurchase(ctx context.Context, phone string, amountKes float64, provider string) (*domain.Transaction, uuid.UUID, error)
}

// --- Webhook processing ---

// WebhookProcessor validates inbound provider callbacks and turns them into
// transaction state transitions. A nil return means the callback was
// accepted (including idempotent duplicates).
type WebhookProcessor interface {
	HandleMpesaCallback(ctx context.Context, body []byte, signature string) error
	HandleAirtimeCallback(ctx context.Context, body []byte, signature string) error
}

// --- Reconciliation ---

// ReconciliationService audits a window of transactions and produces
// settlement reports. Report generation never mutates transaction state.
type ReconciliationService interface {
	RunReconciliation(ctx context.Context, start, end time.Time) (*domain.ReconciliationResult, error)
	GenerateSettlementReport(ctx context.Context, start, end time.Time) (*domain.SettlementReport, error)
	GetDailySettlement(ctx context.Context, day time.Time) (*domain.SettlementReport, error)
}

// --- Supporting services ---

// SignatureService handles HMAC-SHA256 signing and verification of webhook
// payloads. Verify must be constant time.
type SignatureService interface {
	Sign(secretKey string, payload []byte) string
	Verify(secretKey string, payload []byte, signature string) bool
}

// RateProvider supplies the KES-per-BTC exchange rate recorded at
// transaction creation.
type RateProvider interface {
	KesPerBTC(ctx context.Context) (float64, error)
}
