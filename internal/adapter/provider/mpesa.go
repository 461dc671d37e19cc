package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MWANGAZA-LAB/SatsConnect-sub001/config"
	"github.com/MWANGAZA-LAB/SatsConnect-sub001/internal/core/ports"
	"github.com/MWANGAZA-LAB/SatsConnect-sub001/pkg/apperror"

	"github.com/rs/zerolog"
)

// HTTPClient interface for testability.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

const mpesaTimestampLayout = "20060102150405"

// Mpesa implements ports.FiatProvider against the Daraja STK push and B2C
// APIs. STK push only starts the collection; the outcome arrives later on
// the result webhook.
type Mpesa struct {
	cfg        config.MpesaConfig
	httpClient HTTPClient
	log        zerolog.Logger
	now        func() time.Time
}

// NewMpesa creates the mobile-money provider adapter.
func NewMpesa(cfg config.MpesaConfig, httpClient HTTPClient, log zerolog.Logger) *Mpesa {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Mpesa{
		cfg:        cfg,
		httpClient: httpClient,
		log:        log,
		now:        time.Now,
	}
}

var _ ports.FiatProvider = (*Mpesa)(nil)

// stkPushPayload is the Daraja STK push request body.
type stkPushPayload struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            string `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkPushResult struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

// password derives the Daraja API password: base64(shortcode+passkey+timestamp).
func (m *Mpesa) password(timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(m.cfg.ShortCode + m.cfg.Passkey + timestamp))
}

// InitiateSTKPush asks the provider to prompt the customer's phone.
func (m *Mpesa) InitiateSTKPush(ctx context.Context, req ports.STKPushRequest) (*ports.STKPushResponse, error) {
	timestamp := m.now().Format(mpesaTimestampLayout)
	payload := stkPushPayload{
		BusinessShortCode: m.cfg.ShortCode,
		Password:          m.password(timestamp),
		Timestamp:         timestamp,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            fmt.Sprintf("%.0f", req.AmountKes),
		PartyA:            req.Phone,
		PartyB:            m.cfg.ShortCode,
		PhoneNumber:       req.Phone,
		CallBackURL:       m.cfg.CallbackURL,
		AccountReference:  req.AccountReference,
		TransactionDesc:   req.Description,
	}

	var result stkPushResult
	if err := m.post(ctx, "/mpesa/stkpush/v1/processrequest", payload, &result); err != nil {
		return nil, err
	}

	// ResponseCode 0 means accepted for processing, anything else is a
	// terminal rejection of this request.
	if result.ResponseCode != "0" {
		m.log.Warn().
			Str("response_code", result.ResponseCode).
			Str("description", result.ResponseDescription).
			Msg("stk push rejected")
		return nil, apperror.ErrProviderRejected(result.ResponseCode, result.ResponseDescription)
	}

	m.log.Info().
		Str("checkout_request_id", result.CheckoutRequestID).
		Str("phone", req.Phone).
		Float64("amount_kes", req.AmountKes).
		Msg("stk push initiated")

	return &ports.STKPushResponse{
		CheckoutRequestID: result.CheckoutRequestID,
		MerchantRequestID: result.MerchantRequestID,
		ResponseCode:      result.ResponseCode,
		CustomerMessage:   result.CustomerMessage,
	}, nil
}

// b2cPayload is the Daraja B2C request body.
type b2cPayload struct {
	InitiatorName   string `json:"InitiatorName"`
	CommandID       string `json:"CommandID"`
	Amount          string `json:"Amount"`
	PartyA          string `json:"PartyA"`
	PartyB          string `json:"PartyB"`
	Remarks         string `json:"Remarks"`
	QueueTimeOutURL string `json:"QueueTimeOutURL"`
	ResultURL       string `json:"ResultURL"`
}

type b2cResult struct {
	ConversationID           string `json:"ConversationID"`
	OriginatorConversationID string `json:"OriginatorConversationID"`
	ResponseCode             string `json:"ResponseCode"`
	ResponseDescription      string `json:"ResponseDescription"`
}

// InitiatePayout sends fiat to the customer's phone via B2C.
func (m *Mpesa) InitiatePayout(ctx context.Context, req ports.PayoutRequest) (*ports.PayoutResponse, error) {
	payload := b2cPayload{
		InitiatorName:   m.cfg.ShortCode,
		CommandID:       "BusinessPayment",
		Amount:          fmt.Sprintf("%.0f", req.AmountKes),
		PartyA:          m.cfg.ShortCode,
		PartyB:          req.Phone,
		Remarks:         req.Remarks,
		QueueTimeOutURL: m.cfg.CallbackURL,
		ResultURL:       m.cfg.CallbackURL,
	}

	var result b2cResult
	if err := m.post(ctx, "/mpesa/b2c/v1/paymentrequest", payload, &result); err != nil {
		return nil, err
	}

	if result.ResponseCode != "0" {
		return nil, apperror.ErrProviderRejected(result.ResponseCode, result.ResponseDescription)
	}

	m.log.Info().
		Str("conversation_id", result.ConversationID).
		Str("phone", req.Phone).
		Float64("amount_kes", req.AmountKes).
		Msg("b2c payout initiated")

	return &ports.PayoutResponse{
		ConversationID: result.ConversationID,
		ResponseCode:   result.ResponseCode,
	}, nil
}

func (m *Mpesa) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return apperror.InternalError(fmt.Errorf("marshal provider request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return apperror.InternalError(fmt.Errorf("build provider request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return apperror.ErrExternalTimeout("mpesa", err)
		}
		return apperror.ErrExternalUnavailable("mpesa", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return apperror.ErrExternalUnavailable("mpesa", fmt.Errorf("provider returned %s", resp.Status))
	}
	if resp.StatusCode >= 400 {
		return apperror.ErrProviderRejected(fmt.Sprintf("%d", resp.StatusCode), resp.Status)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperror.InternalError(fmt.Errorf("decode provider response: %w", err))
	}
	return nil
}
