package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/c50bossio/hybrid-payments/internal/middleware"
)

type Handlers struct {
	Health      *HealthHandler
	Webhooks    *WebhookHandler
	Routing     *RoutingHandler
	Connections *ConnectionHandler
	Ledger      *LedgerHandler
	Collections *CollectionHandler
	Analytics   *AnalyticsHandler
	Admin       *AdminHandler
	Reports     *ReportHandler
}

// NewRouter mounts every route. Webhooks stay outside the identity middleware; processors
// authenticate with signatures instead.
func NewRouter(h Handlers, jwtSecret string) *gin.Engine {
	router := gin.New()
	router.Use(middleware.Logger())
	router.Use(middleware.ErrorHandler())
	router.Use(gin.Recovery())

	router.GET("/health", h.Health.Health)
	SetupSwagger(router)

	api := router.Group("/api/v1")
	api.POST("/webhooks/:processor_type/:connection_id", h.Webhooks.Receive)

	authed := api.Group("", middleware.Identity(jwtSecret))
	{
		authed.POST("/routing/decisions", h.Routing.Decide)
		authed.GET("/routing/decisions", h.Routing.Recent)

		authed.GET("/connections", h.Connections.List)
		authed.POST("/connections", h.Connections.Create)
		authed.GET("/connections/:id", h.Connections.Get)
		authed.DELETE("/connections/:id", h.Connections.Revoke)
		authed.POST("/connections/:id/health-check", h.Connections.HealthCheck)
		authed.POST("/connections/:id/reconnect", h.Connections.Reconnect)
		authed.POST("/connections/:id/sync", h.Connections.Sync)

		authed.GET("/transactions", h.Ledger.ListTransactions)
		authed.GET("/reconciliation/issues", h.Ledger.ListIssues)

		authed.GET("/collections", h.Collections.List)
		authed.POST("/collections/run", h.Collections.Run)
		authed.GET("/collections/:id", h.Collections.Get)
		authed.POST("/collections/:id/retry", h.Collections.Retry)

		authed.GET("/analytics/dashboard", h.Analytics.Dashboard)
		authed.GET("/analytics/optimization", h.Analytics.Optimization)
		authed.POST("/platform-payments", h.Analytics.RecordPlatformPayment)

		authed.GET("/reports/statement", h.Reports.Statement)
	}

	admin := authed.Group("", middleware.RequireRole(middleware.RoleAdmin))
	{
		admin.POST("/reconciliation/issues/:id/resolve", h.Ledger.ResolveIssue)
		admin.GET("/admin/merchants/:merchant_id/payment-config", h.Admin.GetPaymentConfig)
		admin.PUT("/admin/merchants/:merchant_id/payment-config", h.Admin.PutPaymentConfig)
	}

	return router
}
