package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransaction_IsTerminal(t *testing.T) {
	tests := []struct {
		status   TransactionStatus
		terminal bool
	}{
		{StatusPending, false},
		{StatusProcessing, false},
		{StatusCompleted, true},
		{StatusFailed, true},
		{StatusDisputed, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			txn := &Transaction{Status: tt.status}
			assert.Equal(t, tt.terminal, txn.IsTerminal())
		})
	}
}

func TestTransaction_ExpectedSats(t *testing.T) {
	txn := &Transaction{AmountFiat: 1000, ExchangeRate: 5_000_000}
	assert.Equal(t, int64(20_000), txn.ExpectedSats())

	zeroRate := &Transaction{AmountFiat: 1000}
	assert.Equal(t, int64(0), zeroRate.ExpectedSats())
}

func TestTransaction_WithinTolerance(t *testing.T) {
	txn := &Transaction{AmountFiat: 1000, ExchangeRate: 5_000_000}

	tests := []struct {
		name string
		sats int64
		ok   bool
	}{
		{"exact", 20_000, true},
		{"lower bound", 19_800, true},
		{"upper bound", 20_200, true},
		{"below band", 19_799, false},
		{"above band", 20_201, false},
		{"zero", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.ok, txn.WithinTolerance(tt.sats))
		})
	}
}

func TestTransaction_SetMeta(t *testing.T) {
	txn := NewTransaction(KindFiatToBitcoin, "254712345678", 1000, 5_000_000)
	txn.SetMeta("stk_pushed", "true")
	txn.SetMeta("receipt", "MPE123")

	assert.Equal(t, "true", txn.Metadata["stk_pushed"])
	assert.Equal(t, "MPE123", txn.Metadata["receipt"])
	assert.Equal(t, StatusPending, txn.Status)
}

func TestValidPhone(t *testing.T) {
	assert.True(t, ValidPhone("254712345678"))
	assert.True(t, ValidPhone("254110345678"))
	assert.False(t, ValidPhone("0712345678"))
	assert.False(t, ValidPhone("25471234567"))
	assert.False(t, ValidPhone("254912345678"))
	assert.False(t, ValidPhone(""))
}

func TestParseMpesaCallback_Success(t *testing.T) {
	body := []byte(`{
		"Body": {
			"stkCallback": {
				"MerchantRequestID": "29115-34620561-1",
				"CheckoutRequestID": "ws_CO_191220191020363925",
				"ResultCode": 0,
				"ResultDesc": "The service request is processed successfully.",
				"CallbackMetadata": {
					"Item": [
						{"Name": "Amount", "Value": 1000.0},
						{"Name": "MpesaReceiptNumber", "Value": "MPE123"},
						{"Name": "TransactionDate", "Value": 20250824103015},
						{"Name": "PhoneNumber", "Value": 254712345678}
					]
				}
			}
		}
	}`)

	cb, err := ParseMpesaCallback(body)
	require.NoError(t, err)

	assert.True(t, cb.Succeeded())
	assert.Equal(t, "ws_CO_191220191020363925", cb.CheckoutRequestID)
	assert.Equal(t, "MPE123", cb.ReceiptNumber)
	assert.Equal(t, 1000.0, cb.Amount)
	assert.Equal(t, "254712345678", cb.Phone)
	assert.Equal(t, int64(20250824103015), cb.TransactionDate)
}

func TestParseMpesaCallback_Failure(t *testing.T) {
	body := []byte(`{
		"Body": {
			"stkCallback": {
				"MerchantRequestID": "29115-34620561-1",
				"CheckoutRequestID": "ws_CO_191220191020363925",
				"ResultCode": 1032,
				"ResultDesc": "Request cancelled by user"
			}
		}
	}`)

	cb, err := ParseMpesaCallback(body)
	require.NoError(t, err)

	assert.False(t, cb.Succeeded())
	assert.Equal(t, 1032, cb.ResultCode)
	assert.Equal(t, "Request cancelled by user", cb.ResultDesc)
	assert.Empty(t, cb.ReceiptNumber)
}

func TestParseMpesaCallback_Rejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"Body":`},
		{"missing checkout id", `{"Body":{"stkCallback":{"ResultCode":0}}}`},
		{"success without receipt", `{"Body":{"stkCallback":{"CheckoutRequestID":"x","ResultCode":0}}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseMpesaCallback([]byte(tt.body))
			assert.Error(t, err)
		})
	}
}

func TestParseAirtimeCallback(t *testing.T) {
	body := []byte(`{
		"transactionId": "AT-9001",
		"status": "SUCCESS",
		"amount": 100,
		"phone": "254712345678",
		"provider": "Safaricom",
		"message": "Airtime delivered"
	}`)

	cb, err := ParseAirtimeCallback(body)
	require.NoError(t, err)

	assert.True(t, cb.Succeeded())
	assert.Equal(t, "AT-9001", cb.TransactionID)
	assert.Equal(t, "Safaricom", cb.Provider)

	_, err = ParseAirtimeCallback([]byte(`{"status":"SUCCESS"}`))
	assert.Error(t, err, "missing transactionId must be rejected")

	_, err = ParseAirtimeCallback([]byte(`{"transactionId":"AT-1"}`))
	assert.Error(t, err, "missing status must be rejected")
}

func TestJob_AttemptsExhausted(t *testing.T) {
	job := NewJob(QueueFiatBuy, []byte(`{}`), 3)
	assert.Equal(t, JobWaiting, job.State)
	assert.False(t, job.AttemptsExhausted())

	job.AttemptCount = 3
	assert.True(t, job.AttemptsExhausted())
}

func TestParseMpesaB2CResult(t *testing.T) {
	body := []byte(`{
		"Result": {
			"ConversationID": "AG_20260824_0001",
			"ResultCode": 0,
			"ResultDesc": "The service request is processed successfully.",
			"ResultParameters": {
				"ResultParameter": [
					{"Key": "TransactionReceipt", "Value": "OGB41H62XK"},
					{"Key": "TransactionAmount", "Value": 1000.00}
				]
			}
		}
	}`)
	require.True(t, IsB2CResult(body))

	cb, err := ParseMpesaB2CResult(body)
	require.NoError(t, err)
	assert.True(t, cb.Succeeded())
	assert.Equal(t, "AG_20260824_0001", cb.ConversationID)
	assert.Equal(t, "OGB41H62XK", cb.TransactionReceipt)
	assert.Equal(t, 1000.0, cb.TransactionAmount)

	_, err = ParseMpesaB2CResult([]byte(`{"Result": {"ResultCode": 0}}`))
	assert.Error(t, err, "missing ConversationID must be rejected")

	_, err = ParseMpesaB2CResult([]byte(`{"Result": {"ConversationID": "AG_1", "ResultCode": 0}}`))
	assert.Error(t, err, "successful result without a receipt must be rejected")

	failed, err := ParseMpesaB2CResult([]byte(`{"Result": {"ConversationID": "AG_1", "ResultCode": 2001, "ResultDesc": "blocked"}}`))
	require.NoError(t, err)
	assert.False(t, failed.Succeeded())
}

func TestIsB2CResult_STKEnvelope(t *testing.T) {
	stk := []byte(`{"Body": {"stkCallback": {"CheckoutRequestID": "ws_CO_1", "ResultCode": 0}}}`)
	assert.False(t, IsB2CResult(stk))
}
