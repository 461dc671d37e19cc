package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/MWANGAZA-LAB/SatsConnect-sub001/config"
	"github.com/MWANGAZA-LAB/SatsConnect-sub001/internal/core/ports"
	"github.com/MWANGAZA-LAB/SatsConnect-sub001/internal/metrics"
	"github.com/MWANGAZA-LAB/SatsConnect-sub001/pkg/apperror"

	"github.com/rs/zerolog"
)

// HTTPClient interface for testability.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client talks JSON over HTTP to the settlement engine. It tracks its own
// connected state: callers get apperror.ErrEngineNotConnected immediately
// while the engine is down instead of burning a full call timeout per job.
type Client struct {
	baseURL     string
	callTimeout time.Duration
	httpClient  HTTPClient
	metrics     *metrics.Metrics
	log         zerolog.Logger

	mu        sync.RWMutex
	connected bool
}

// NewClient creates a settlement engine client. It does not probe the
// engine; call CheckHealth or Reconnect to establish the connection.
func NewClient(cfg config.EngineConfig, httpClient HTTPClient, m *metrics.Metrics, log zerolog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.CallTimeout}
	}
	return &Client{
		baseURL:     cfg.BaseURL,
		callTimeout: cfg.CallTimeout,
		httpClient:  httpClient,
		metrics:     m,
		log:         log,
	}
}

var _ ports.EngineClient = (*Client)(nil)

// engineError is the engine's JSON error body.
type engineError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *Client) isConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = v
}

func (c *Client) observe(op, outcome string) {
	if c.metrics != nil {
		c.metrics.EngineCalls.WithLabelValues(op, outcome).Inc()
	}
}

// call performs one JSON round trip and decodes the response into out.
func (c *Client) call(ctx context.Context, op, method, path string, body, out any) error {
	if !c.isConnected() {
		c.observe(op, "not_connected")
		return apperror.ErrEngineNotConnected()
	}

	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return apperror.InternalError(fmt.Errorf("marshal engine request: %w", err))
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return apperror.InternalError(fmt.Errorf("build engine request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			c.observe(op, "timeout")
			c.log.Warn().Str("path", path).Msg("engine call timed out")
			return apperror.ErrExternalTimeout("settlement engine", err)
		}
		// Transport failure means the engine is unreachable. Mark the
		// client down so subsequent calls fail fast until a reconnect.
		c.setConnected(false)
		c.observe(op, "unavailable")
		c.log.Warn().Err(err).Str("path", path).Msg("engine unreachable")
		return apperror.ErrExternalUnavailable("settlement engine", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		c.observe(op, "unavailable")
		return apperror.ErrExternalUnavailable("settlement engine", fmt.Errorf("engine returned %s", resp.Status))
	}
	if resp.StatusCode >= 400 {
		var ee engineError
		if err := json.NewDecoder(resp.Body).Decode(&ee); err != nil || ee.Message == "" {
			ee.Code = fmt.Sprintf("%d", resp.StatusCode)
			ee.Message = resp.Status
		}
		c.observe(op, "rejected")
		return apperror.ErrProviderRejected(ee.Code, ee.Message)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return apperror.InternalError(fmt.Errorf("decode engine response: %w", err))
		}
	}
	c.observe(op, "success")
	return nil
}

// CreateWallet provisions a new wallet on the engine.
func (c *Client) CreateWallet(ctx context.Context, req ports.CreateWalletRequest) (*ports.CreateWalletResponse, error) {
	var resp ports.CreateWalletResponse
	if err := c.call(ctx, "create_wallet", http.MethodPost, "/wallet", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetBalance fetches on-chain and Lightning balances.
func (c *Client) GetBalance(ctx context.Context) (*ports.BalanceResponse, error) {
	var resp ports.BalanceResponse
	if err := c.call(ctx, "get_balance", http.MethodGet, "/wallet/balance", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// NewInvoice asks the engine for a Lightning invoice.
func (c *Client) NewInvoice(ctx context.Context, req ports.NewInvoiceRequest) (*ports.NewInvoiceResponse, error) {
	var resp ports.NewInvoiceResponse
	if err := c.call(ctx, "new_invoice", http.MethodPost, "/invoice", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SendPayment pays a Lightning invoice.
func (c *Client) SendPayment(ctx context.Context, req ports.SendPaymentRequest) (*ports.PaymentResponse, error) {
	var resp ports.PaymentResponse
	if err := c.call(ctx, "send_payment", http.MethodPost, "/payment/send", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// BuyAirtime settles an airtime purchase from the Bitcoin side.
func (c *Client) BuyAirtime(ctx context.Context, req ports.BuyAirtimeRequest) (*ports.PaymentResponse, error) {
	var resp ports.PaymentResponse
	if err := c.call(ctx, "buy_airtime", http.MethodPost, "/airtime", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ProcessPayment credits a confirmed fiat payment as sats.
func (c *Client) ProcessPayment(ctx context.Context, req ports.ProcessPaymentRequest) (*ports.PaymentResponse, error) {
	var resp ports.PaymentResponse
	if err := c.call(ctx, "process_payment", http.MethodPost, "/payment/process", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetPaymentStatus queries the engine for a payment's current state.
func (c *Client) GetPaymentStatus(ctx context.Context, paymentID string) (*ports.PaymentResponse, error) {
	var resp ports.PaymentResponse
	if err := c.call(ctx, "get_payment_status", http.MethodGet, "/payment/"+paymentID, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ProcessRefund reverses a credited payment.
func (c *Client) ProcessRefund(ctx context.Context, req ports.RefundRequest) (*ports.PaymentResponse, error) {
	var resp ports.PaymentResponse
	if err := c.call(ctx, "process_refund", http.MethodPost, "/payment/refund", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CheckHealth probes the engine with a bounded deadline and updates the
// connected state accordingly.
func (c *Client) CheckHealth(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.setConnected(false)
		return false
	}
	defer resp.Body.Close()

	healthy := resp.StatusCode == http.StatusOK
	c.setConnected(healthy)
	return healthy
}

// Reconnect re-probes the engine and restores the connected state on
// success.
func (c *Client) Reconnect() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.callTimeout)
	defer cancel()

	if !c.CheckHealth(ctx) {
		return apperror.ErrEngineNotConnected()
	}
	c.log.Info().Str("base_url", c.baseURL).Msg("settlement engine connection established")
	return nil
}
