package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/c50bossio/hybrid-payments/internal/dto"
	"github.com/c50bossio/hybrid-payments/internal/middleware"
	"github.com/c50bossio/hybrid-payments/internal/model"
	"github.com/c50bossio/hybrid-payments/internal/repository"
	"github.com/c50bossio/hybrid-payments/internal/service"
)

type CollectionHandler struct {
	svc *service.CollectionService
	now func() time.Time
}

func NewCollectionHandler(svc *service.CollectionService) *CollectionHandler {
	return &CollectionHandler{svc: svc, now: time.Now}
}

func (h *CollectionHandler) List(c *gin.Context) {
	merchantID, ok := merchantScope(c)
	if !ok {
		return
	}
	p, err := dto.ParsePageRequest(c)
	if err != nil {
		badRequest(c, err)
		return
	}
	cols, total, err := h.svc.ListCollections(c.Request.Context(), repository.CollectionFilter{
		MerchantID: merchantID,
		Status:     model.CollectionStatus(c.Query("status")),
		Limit:      p.Limit(),
		Offset:     p.Offset(),
	})
	if err != nil {
		_ = c.Error(err)
		return
	}
	if cols == nil {
		cols = []model.CommissionCollection{}
	}
	c.JSON(http.StatusOK, dto.CollectionListResponse{Collections: cols, Pagination: p.Describe(total)})
}

func (h *CollectionHandler) Get(c *gin.Context) {
	col, ok := h.load(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, col)
}

// Run triggers a collection pass now: one merchant when merchant_id is given, all
// auto-collecting merchants otherwise (admin only).
func (h *CollectionHandler) Run(c *gin.Context) {
	var req dto.RunCollectionsRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	asOf := h.now()
	if req.AsOf != nil {
		asOf = *req.AsOf
	}

	var (
		sum *service.RunSummary
		err error
	)
	if req.MerchantID != "" {
		if !middleware.CanAccessMerchant(c, req.MerchantID) {
			forbidden(c)
			return
		}
		sum, err = h.svc.RunForMerchant(c.Request.Context(), req.MerchantID, asOf)
	} else {
		if claims, ok := middleware.ClaimsFrom(c); ok && claims.Role != middleware.RoleAdmin {
			forbidden(c)
			return
		}
		sum, err = h.svc.RunAll(c.Request.Context(), asOf)
	}
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

func (h *CollectionHandler) Retry(c *gin.Context) {
	var req dto.RetryCollectionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	if _, ok := h.load(c); !ok {
		return
	}

	res, err := h.svc.Retry(c.Request.Context(), c.Param("id"), req.Method)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *CollectionHandler) load(c *gin.Context) (*model.CommissionCollection, bool) {
	col, err := h.svc.GetCollection(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return nil, false
	}
	if !middleware.CanAccessMerchant(c, col.MerchantID) {
		forbidden(c)
		return nil, false
	}
	return col, true
}
