package handler

import (
	"io"
	"net/http"

	"github.com/MWANGAZA-LAB/SatsConnect-sub001/internal/core/ports"
	"github.com/MWANGAZA-LAB/SatsConnect-sub001/pkg/apperror"
	"github.com/MWANGAZA-LAB/SatsConnect-sub001/pkg/response"

	"github.com/gin-gonic/gin"
)

// HeaderCallbackSignature carries the provider's HMAC over the raw body.
const HeaderCallbackSignature = "X-Callback-Signature"

// WebhookHandler terminates the inbound provider callbacks.
type WebhookHandler struct {
	processor ports.WebhookProcessor
}

// NewWebhookHandler creates the webhook handler.
func NewWebhookHandler(processor ports.WebhookProcessor) *WebhookHandler {
	return &WebhookHandler{processor: processor}
}

// MpesaCallback handles POST /webhooks/mpesa. Accepted callbacks, including
// idempotent duplicates, get the provider's zero-result acknowledgement.
func (h *WebhookHandler) MpesaCallback(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		response.Error(c, apperror.ErrMalformedCallback(err))
		return
	}

	signature := c.GetHeader(HeaderCallbackSignature)
	if err := h.processor.HandleMpesaCallback(c.Request.Context(), body, signature); err != nil {
		response.Error(c, err)
		return
	}

	// The provider expects its own acknowledgement shape.
	c.JSON(http.StatusOK, gin.H{"ResultCode": 0, "ResultDesc": "Accepted"})
}

// AirtimeCallback handles POST /webhooks/airtime.
func (h *WebhookHandler) AirtimeCallback(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		response.Error(c, apperror.ErrMalformedCallback(err))
		return
	}

	signature := c.GetHeader(HeaderCallbackSignature)
	if err := h.processor.HandleAirtimeCallback(c.Request.Context(), body, signature); err != nil {
		response.Error(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}
