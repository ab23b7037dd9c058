package handlers

import (
	"wappsentinel/internal/app"
	"wappsentinel/internal/http/middleware"
	"wappsentinel/internal/webhook"

	"github.com/labstack/echo/v4"
)

// SetupRoutes sets up all API routes
func SetupRoutes(e *echo.Echo, services *app.Services) {
	healthHandler := NewHealthHandler(services.HealthService)
	e.GET("/health", healthHandler.Check)

	api := e.Group("/api/v1")

	// Platform callbacks
	greenAPIHandler := webhook.NewGreenAPIHandler(services.Broker, services.Config.Routing)
	api.POST("/webhook/greenapi", greenAPIHandler.Receive, middleware.BearerToken(services.Config.WebhookToken))

	// Operations
	protected := api.Group("")
	protected.Use(middleware.BearerToken(services.Config.APIToken))

	reportHandler := NewReportHandler(services.ReportService, services.Config.Report.ChatID)
	protected.POST("/reports/daily", reportHandler.SendDaily)
	protected.GET("/reports/daily", reportHandler.PreviewDaily)

	deadLetterHandler := NewDeadLetterHandler(services.DeadLetterService)
	protected.GET("/dead-letters", deadLetterHandler.List)
}
