package handler

import (
	"net/http"

	"github.com/MWANGAZA-LAB/SatsConnect-sub001/internal/adapter/http/middleware"
	"github.com/MWANGAZA-LAB/SatsConnect-sub001/internal/core/ports"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// RouterDeps holds all dependencies needed to set up routes.
type RouterDeps struct {
	Conversions    ports.ConversionService
	Queue          ports.QueueService
	Webhooks       ports.WebhookProcessor
	Reconciliation ports.ReconciliationService
	Engine         ports.EngineClient
	HealthCheckers []ports.HealthChecker
	Logger         zerolog.Logger
}

// SetupRouter initialises the Gin engine with all routes and middleware.
func SetupRouter(deps RouterDeps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	// Global middleware
	r.Use(middleware.Recovery(deps.Logger))
	r.Use(middleware.RequestID())
	r.Use(middleware.RequestLogger(deps.Logger))
	r.Use(middleware.MaxBodySize(1 << 20)) // 1 MB request body limit

	// Health check (deep: verifies PostgreSQL, Redis and the engine)
	r.GET("/health", HealthCheck(deps.Engine, deps.HealthCheckers...))

	// Prometheus scrape endpoint
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Provider callbacks, signature-verified inside the processor
	webhookHandler := NewWebhookHandler(deps.Webhooks)
	webhooks := r.Group("/webhooks")
	{
		webhooks.POST("/mpesa", webhookHandler.MpesaCallback)
		webhooks.POST("/airtime", webhookHandler.AirtimeCallback)
	}

	// API v1 routes
	v1 := r.Group("/api/v1")

	conversionHandler := NewConversionHandler(deps.Conversions, deps.Queue)
	conversions := v1.Group("/conversions")
	{
		conversions.POST("/buy", conversionHandler.BuyBitcoin)
		conversions.POST("/sell", conversionHandler.SellBitcoin)
		conversions.POST("/airtime", conversionHandler.BuyAirtime)
	}
	v1.GET("/jobs/:id", conversionHandler.GetJobStatus)

	reconHandler := NewReconciliationHandler(deps.Reconciliation)
	v1.POST("/reconciliation/run", reconHandler.Run)
	reports := v1.Group("/reports")
	{
		reports.GET("/settlement", reconHandler.SettlementReport)
		reports.GET("/daily", reconHandler.DailySettlement)
	}

	return r
}

// HealthCheck reports the status of every hard dependency.
func HealthCheck(engine ports.EngineClient, checkers ...ports.HealthChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		type depStatus struct {
			Status string `json:"status"`
			Error  string `json:"error,omitempty"`
		}

		deps := make(map[string]depStatus)
		allHealthy := true

		for _, checker := range checkers {
			if err := checker.Ping(c.Request.Context()); err != nil {
				deps[checker.Name()] = depStatus{Status: "unhealthy", Error: err.Error()}
				allHealthy = false
			} else {
				deps[checker.Name()] = depStatus{Status: "healthy"}
			}
		}

		if engine != nil {
			if engine.CheckHealth(c.Request.Context()) {
				deps["engine"] = depStatus{Status: "healthy"}
			} else {
				deps["engine"] = depStatus{Status: "unhealthy", Error: "settlement engine unreachable"}
				allHealthy = false
			}
		}

		status := "healthy"
		httpCode := http.StatusOK
		if !allHealthy {
			status = "degraded"
			httpCode = http.StatusServiceUnavailable
		}

		c.JSON(httpCode, gin.H{
			"status":       status,
			"dependencies": deps,
		})
	}
}
