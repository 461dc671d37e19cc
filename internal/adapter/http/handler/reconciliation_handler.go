package handler

import (
	"time"

	"github.com/MWANGAZA-LAB/SatsConnect-sub001/internal/core/ports"
	"github.com/MWANGAZA-LAB/SatsConnect-sub001/pkg/apperror"
	"github.com/MWANGAZA-LAB/SatsConnect-sub001/pkg/response"

	"github.com/gin-gonic/gin"
)

// ReconciliationHandler exposes the audit and reporting operations.
type ReconciliationHandler struct {
	recon ports.ReconciliationService
}

// NewReconciliationHandler creates the reconciliation handler.
func NewReconciliationHandler(recon ports.ReconciliationService) *ReconciliationHandler {
	return &ReconciliationHandler{recon: recon}
}

// window parses the start/end query parameters, defaulting to the last 24h.
func window(c *gin.Context) (time.Time, time.Time, error) {
	end := time.Now().UTC()
	start := end.Add(-24 * time.Hour)

	if s := c.Query("start"); s != "" {
		parsed, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}, time.Time{}, apperror.ErrMissingField("start (RFC3339)")
		}
		start = parsed
	}
	if e := c.Query("end"); e != "" {
		parsed, err := time.Parse(time.RFC3339, e)
		if err != nil {
			return time.Time{}, time.Time{}, apperror.ErrMissingField("end (RFC3339)")
		}
		end = parsed
	}
	return start, end, nil
}

// Run handles POST /api/v1/reconciliation/run.
func (h *ReconciliationHandler) Run(c *gin.Context) {
	start, end, err := window(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	result, err := h.recon.RunReconciliation(c.Request.Context(), start, end)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, result)
}

// SettlementReport handles GET /api/v1/reports/settlement.
func (h *ReconciliationHandler) SettlementReport(c *gin.Context) {
	start, end, err := window(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	report, err := h.recon.GenerateSettlementReport(c.Request.Context(), start, end)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, report)
}

// DailySettlement handles GET /api/v1/reports/daily.
func (h *ReconciliationHandler) DailySettlement(c *gin.Context) {
	day := time.Now().UTC()
	if d := c.Query("date"); d != "" {
		parsed, err := time.Parse("2006-01-02", d)
		if err != nil {
			response.Error(c, apperror.ErrMissingField("date (YYYY-MM-DD)"))
			return
		}
		day = parsed
	}
	report, err := h.recon.GetDailySettlement(c.Request.Context(), day)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, report)
}
