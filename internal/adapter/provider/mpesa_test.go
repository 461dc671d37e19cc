package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MWANGAZA-LAB/SatsConnect-sub001/config"
	"github.com/MWANGAZA-LAB/SatsConnect-sub001/internal/core/ports"
	"github.com/MWANGAZA-LAB/SatsConnect-sub001/pkg/apperror"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMpesa(t *testing.T, handler http.HandlerFunc) *Mpesa {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := config.MpesaConfig{
		BaseURL:     srv.URL,
		CallbackURL: "https://orchestrator.example/webhooks/mpesa",
		ShortCode:   "174379",
		Passkey:     "testpasskey",
	}
	m := NewMpesa(cfg, srv.Client(), zerolog.Nop())
	m.now = func() time.Time { return time.Date(2026, 8, 24, 12, 30, 45, 0, time.UTC) }
	return m
}

func TestMpesa_InitiateSTKPush(t *testing.T) {
	var captured stkPushPayload
	m := newTestMpesa(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/mpesa/stkpush/v1/processrequest", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		json.NewEncoder(w).Encode(stkPushResult{
			MerchantRequestID: "merch-1",
			CheckoutRequestID: "ws_CO_24082026",
			ResponseCode:      "0",
			CustomerMessage:   "Success. Request accepted for processing",
		})
	})

	resp, err := m.InitiateSTKPush(context.Background(), ports.STKPushRequest{
		Phone:            "254712345678",
		AmountKes:        1000,
		AccountReference: "SATS-1",
		Description:      "BTC purchase",
	})
	require.NoError(t, err)
	assert.Equal(t, "ws_CO_24082026", resp.CheckoutRequestID)
	assert.Equal(t, "merch-1", resp.MerchantRequestID)

	assert.Equal(t, "174379", captured.BusinessShortCode)
	assert.Equal(t, "CustomerPayBillOnline", captured.TransactionType)
	assert.Equal(t, "1000", captured.Amount)
	assert.Equal(t, "254712345678", captured.PhoneNumber)
	assert.Equal(t, "20260824123045", captured.Timestamp)

	wantPassword := base64.StdEncoding.EncodeToString([]byte("174379" + "testpasskey" + "20260824123045"))
	assert.Equal(t, wantPassword, captured.Password)
}

func TestMpesa_InitiateSTKPush_Rejected(t *testing.T) {
	m := newTestMpesa(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(stkPushResult{
			ResponseCode:        "1",
			ResponseDescription: "Insufficient funds",
		})
	})

	_, err := m.InitiateSTKPush(context.Background(), ports.STKPushRequest{
		Phone:     "254712345678",
		AmountKes: 1000,
	})
	require.Error(t, err)
	assert.False(t, apperror.IsRetryable(err), "provider rejection is terminal")

	var appErr *apperror.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "PROV_001", appErr.Code)
}

func TestMpesa_InitiateSTKPush_ServerError_Retryable(t *testing.T) {
	m := newTestMpesa(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := m.InitiateSTKPush(context.Background(), ports.STKPushRequest{
		Phone:     "254712345678",
		AmountKes: 1000,
	})
	require.Error(t, err)
	assert.True(t, apperror.IsRetryable(err))
}

func TestMpesa_InitiatePayout(t *testing.T) {
	var captured b2cPayload
	m := newTestMpesa(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/mpesa/b2c/v1/paymentrequest", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		json.NewEncoder(w).Encode(b2cResult{
			ConversationID: "AG_20260824",
			ResponseCode:   "0",
		})
	})

	resp, err := m.InitiatePayout(context.Background(), ports.PayoutRequest{
		Phone:     "254101234567",
		AmountKes: 2500,
		Remarks:   "BTC sale payout",
	})
	require.NoError(t, err)
	assert.Equal(t, "AG_20260824", resp.ConversationID)
	assert.Equal(t, "BusinessPayment", captured.CommandID)
	assert.Equal(t, "2500", captured.Amount)
	assert.Equal(t, "254101234567", captured.PartyB)
}
