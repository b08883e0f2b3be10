package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/c50bossio/hybrid-payments/internal/dto"
	"github.com/c50bossio/hybrid-payments/internal/middleware"
	"github.com/c50bossio/hybrid-payments/internal/model"
	"github.com/c50bossio/hybrid-payments/internal/service"
)

type AnalyticsHandler struct {
	svc *service.AnalyticsService
	now func() time.Time
}

func NewAnalyticsHandler(svc *service.AnalyticsService) *AnalyticsHandler {
	return &AnalyticsHandler{svc: svc, now: time.Now}
}

func (h *AnalyticsHandler) Dashboard(c *gin.Context) {
	merchantID, ok := merchantScope(c)
	if !ok {
		return
	}
	period, err := service.ParsePeriod(c.Query("period"), h.now())
	if err != nil {
		_ = c.Error(err)
		return
	}

	d, err := h.svc.Dashboard(c.Request.Context(), merchantID, period)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (h *AnalyticsHandler) Optimization(c *gin.Context) {
	merchantID, ok := merchantScope(c)
	if !ok {
		return
	}
	o, err := h.svc.RevenueOptimization(c.Request.Context(), merchantID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, o)
}

// RecordPlatformPayment is called by the checkout path after a centralized charge settles.
func (h *AnalyticsHandler) RecordPlatformPayment(c *gin.Context) {
	var req dto.PlatformPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if !middleware.CanAccessMerchant(c, req.MerchantID) {
		forbidden(c)
		return
	}

	p := &model.PlatformPayment{
		MerchantID:    req.MerchantID,
		Amount:        req.Amount,
		Currency:      req.Currency,
		Status:        req.Status,
		ProcessingFee: req.ProcessingFee,
		CommissionFee: req.CommissionFee,
	}
	if req.ProcessedAt != nil {
		p.ProcessedAt = *req.ProcessedAt
	}
	if err := h.svc.RecordPlatformPayment(c.Request.Context(), p); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, p)
}
