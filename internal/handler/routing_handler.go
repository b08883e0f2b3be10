package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/c50bossio/hybrid-payments/internal/dto"
	"github.com/c50bossio/hybrid-payments/internal/middleware"
	"github.com/c50bossio/hybrid-payments/internal/service"
)

type RoutingHandler struct {
	router *service.RouterService
	audit  *service.AuditRecorder
}

func NewRoutingHandler(router *service.RouterService, audit *service.AuditRecorder) *RoutingHandler {
	return &RoutingHandler{router: router, audit: audit}
}

// Decide answers synchronously from the config cache and connection snapshot.
func (h *RoutingHandler) Decide(c *gin.Context) {
	var req dto.RouteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if !middleware.CanAccessMerchant(c, req.MerchantID) {
		forbidden(c)
		return
	}

	decision, err := h.router.Route(c.Request.Context(), service.RouteRequest{
		MerchantID:       req.MerchantID,
		Amount:           req.Amount,
		Currency:         req.Currency,
		ClientPreference: req.ClientPreference,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, decision)
}

func (h *RoutingHandler) Recent(c *gin.Context) {
	merchantID, ok := merchantScope(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit < 1 || limit > 500 {
		limit = 50
	}

	decisions, err := h.audit.Recent(c.Request.Context(), merchantID, limit)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, dto.RoutingDecisionListResponse{Decisions: decisions})
}
