package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/c50bossio/hybrid-payments/internal/dto"
	"github.com/c50bossio/hybrid-payments/internal/model"
	"github.com/c50bossio/hybrid-payments/internal/service"
)

type AdminHandler struct {
	svc *service.MerchantConfigService
}

func NewAdminHandler(svc *service.MerchantConfigService) *AdminHandler {
	return &AdminHandler{svc: svc}
}

func (h *AdminHandler) GetPaymentConfig(c *gin.Context) {
	cfg, err := h.svc.Get(c.Request.Context(), c.Param("merchant_id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (h *AdminHandler) PutPaymentConfig(c *gin.Context) {
	var req dto.PaymentConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	cfg, err := h.svc.Put(c.Request.Context(), &model.MerchantPaymentConfig{
		MerchantID:            c.Param("merchant_id"),
		PaymentMode:           model.PaymentMode(req.PaymentMode),
		PreferredProcessor:    model.ProcessorType(req.PreferredProcessor),
		FallbackEnabled:       req.FallbackEnabled,
		MinExternalAmount:     req.MinExternalAmount,
		MaxPlatformAmount:     req.MaxPlatformAmount,
		CommissionRate:        req.CommissionRate,
		CollectionFrequency:   model.CollectionFrequency(req.CollectionFrequency),
		AutoCollectionEnabled: req.AutoCollectionEnabled,
		Currency:              strings.ToUpper(req.Currency),
		BillingCustomerID:     req.BillingCustomerID,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}
