package handler

import (
	"github.com/MWANGAZA-LAB/SatsConnect-sub001/internal/core/domain"
	"github.com/MWANGAZA-LAB/SatsConnect-sub001/internal/core/ports"
	"github.com/MWANGAZA-LAB/SatsConnect-sub001/pkg/apperror"
	"github.com/MWANGAZA-LAB/SatsConnect-sub001/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// ConversionHandler starts conversion flows and exposes job introspection.
type ConversionHandler struct {
	conversions ports.ConversionService
	queue       ports.QueueService
}

// NewConversionHandler creates the conversion handler.
func NewConversionHandler(conversions ports.ConversionService, queue ports.QueueService) *ConversionHandler {
	return &ConversionHandler{conversions: conversions, queue: queue}
}

type startConversionRequest struct {
	Phone     string  `json:"phone" binding:"required"`
	AmountKes float64 `json:"amount_kes" binding:"required"`
	Invoice   string  `json:"invoice,omitempty"`
	Provider  string  `json:"provider,omitempty"`
}

type startConversionResponse struct {
	TransactionID string                   `json:"transaction_id"`
	JobID         string                   `json:"job_id"`
	Status        domain.TransactionStatus `json:"status"`
	AmountSats    int64                    `json:"expected_sats"`
	ExchangeRate  float64                  `json:"exchange_rate"`
}

func conversionAccepted(c *gin.Context, txn *domain.Transaction, jobID uuid.UUID) {
	response.Accepted(c, startConversionResponse{
		TransactionID: txn.ID.String(),
		JobID:         jobID.String(),
		Status:        txn.Status,
		AmountSats:    txn.ExpectedSats(),
		ExchangeRate:  txn.ExchangeRate,
	})
}

// BuyBitcoin handles POST /api/v1/conversions/buy.
func (h *ConversionHandler) BuyBitcoin(c *gin.Context) {
	var req startConversionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.ErrMissingField("phone, amount_kes"))
		return
	}
	txn, jobID, err := h.conversions.StartFiatToBitcoin(c.Request.Context(), req.Phone, req.AmountKes)
	if err != nil {
		response.Error(c, err)
		return
	}
	conversionAccepted(c, txn, jobID)
}

// SellBitcoin handles POST /api/v1/conversions/sell.
func (h *ConversionHandler) SellBitcoin(c *gin.Context) {
	var req startConversionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.ErrMissingField("phone, amount_kes"))
		return
	}
	txn, jobID, err := h.conversions.StartBitcoinToFiat(c.Request.Context(), req.Phone, req.AmountKes, req.Invoice)
	if err != nil {
		response.Error(c, err)
		return
	}
	conversionAccepted(c, txn, jobID)
}

// BuyAirtime handles POST /api/v1/conversions/airtime.
func (h *ConversionHandler) BuyAirtime(c *gin.Context) {
	var req startConversionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.ErrMissingField("phone, amount_kes"))
		return
	}
	txn, jobID, err := h.conversions.StartAirtimePurchase(c.Request.Context(), req.Phone, req.AmountKes, req.Provider)
	if err != nil {
		response.Error(c, err)
		return
	}
	conversionAccepted(c, txn, jobID)
}

// GetJobStatus handles GET /api/v1/jobs/:id.
func (h *ConversionHandler) GetJobStatus(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Error(c, apperror.ErrNotFound("job"))
		return
	}
	status, err := h.queue.GetJobStatus(c.Request.Context(), jobID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, status)
}
