package domain

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// TransactionKind represents the conversion flow a transaction belongs to.
type TransactionKind string

const (
	KindFiatToBitcoin   TransactionKind = "fiat_to_bitcoin"
	KindBitcoinToFiat   TransactionKind = "bitcoin_to_fiat"
	KindAirtimePurchase TransactionKind = "airtime_purchase"
	KindBillPayment     TransactionKind = "bill_payment"
)

// TransactionStatus represents the lifecycle state of a transaction.
type TransactionStatus string

const (
	StatusPending    TransactionStatus = "pending"
	StatusProcessing TransactionStatus = "processing"
	StatusCompleted  TransactionStatus = "completed"
	StatusFailed     TransactionStatus = "failed"
	StatusDisputed   TransactionStatus = "disputed"
)

// SatsPerBTC is the number of satoshis in one bitcoin.
const SatsPerBTC = 100_000_000

// AmountTolerance is the allowed relative deviation between the settled sats
// and the amount implied by the recorded fiat amount and exchange rate.
const AmountTolerance = 0.01

// Transaction is the unit of financial intent and its resolution. It is the
// only record mutated by more than one component (worker and webhook
// processor); every mutation is conditioned on the previously read status.
type Transaction struct {
	ID                uuid.UUID         `json:"id"`
	Kind              TransactionKind   `json:"kind"`
	Status            TransactionStatus `json:"status"`
	AmountFiat        float64           `json:"amount_fiat"` // KES
	AmountSats        int64             `json:"amount_sats"`
	ExchangeRate      float64           `json:"exchange_rate"` // KES per BTC at creation
	Phone             string            `json:"phone"`
	CheckoutRequestID *string           `json:"checkout_request_id,omitempty"` // Provider correlation id: STK CheckoutRequestID or B2C ConversationID
	ExternalReceiptID *string           `json:"external_receipt_id,omitempty"` // Set once the fiat leg confirms
	LightningInvoice  *string           `json:"lightning_invoice,omitempty"`
	PaymentHash       *string           `json:"payment_hash,omitempty"`
	FailureReason     *string           `json:"failure_reason,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"` // Audit trail of sub-step results
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// IsTerminal returns true if the transaction is in a final state.
func (t *Transaction) IsTerminal() bool {
	return t.Status == StatusCompleted ||
		t.Status == StatusFailed ||
		t.Status == StatusDisputed
}

// ExpectedSats returns the satoshi amount implied by the fiat amount at the
// recorded exchange rate. Rate convention: KES per BTC.
func (t *Transaction) ExpectedSats() int64 {
	if t.ExchangeRate <= 0 {
		return 0
	}
	return int64(math.Round(t.AmountFiat / t.ExchangeRate * SatsPerBTC))
}

// WithinTolerance reports whether the settled sats reproduce the fiat amount
// at the recorded rate within the tolerance band.
func (t *Transaction) WithinTolerance(settledSats int64) bool {
	expected := t.ExpectedSats()
	if expected == 0 {
		return settledSats == 0
	}
	deviation := math.Abs(float64(settledSats-expected)) / float64(expected)
	return deviation <= AmountTolerance
}

// SetMeta records a sub-step result in the audit trail.
func (t *Transaction) SetMeta(key, value string) {
	if t.Metadata == nil {
		t.Metadata = make(map[string]string)
	}
	t.Metadata[key] = value
}

// NewTransaction creates a pending transaction for the given flow.
func NewTransaction(kind TransactionKind, phone string, amountFiat, rate float64) *Transaction {
	now := time.Now().UTC()
	return &Transaction{
		ID:           uuid.New(),
		Kind:         kind,
		Status:       StatusPending,
		AmountFiat:   amountFiat,
		ExchangeRate: rate,
		Phone:        phone,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}
