package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/c50bossio/hybrid-payments/internal/dto"
	"github.com/c50bossio/hybrid-payments/internal/middleware"
	"github.com/c50bossio/hybrid-payments/internal/model"
	"github.com/c50bossio/hybrid-payments/internal/service"
)

type ConnectionHandler struct {
	conns  *service.ConnectionService
	ledger *service.LedgerService
}

func NewConnectionHandler(conns *service.ConnectionService, ledger *service.LedgerService) *ConnectionHandler {
	return &ConnectionHandler{conns: conns, ledger: ledger}
}

func (h *ConnectionHandler) List(c *gin.Context) {
	merchantID, ok := merchantScope(c)
	if !ok {
		return
	}
	conns, err := h.conns.ListConnections(c.Request.Context(), merchantID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, dto.ConnectionListResponse{Connections: conns})
}

func (h *ConnectionHandler) Get(c *gin.Context) {
	conn, ok := h.load(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, conn)
}

func (h *ConnectionHandler) Create(c *gin.Context) {
	var req dto.CreateConnectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if !middleware.CanAccessMerchant(c, req.MerchantID) {
		forbidden(c)
		return
	}

	conn, err := h.conns.CreateConnection(c.Request.Context(), req.MerchantID, model.ProcessorType(req.ProcessorType),
		model.Credentials{APIKey: req.APIKey, AccountID: req.AccountID})
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, conn)
}

func (h *ConnectionHandler) Revoke(c *gin.Context) {
	if _, ok := h.load(c); !ok {
		return
	}
	conn, err := h.conns.Revoke(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, conn)
}

func (h *ConnectionHandler) HealthCheck(c *gin.Context) {
	if _, ok := h.load(c); !ok {
		return
	}
	conn, err := h.conns.HealthCheck(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, conn)
}

func (h *ConnectionHandler) Reconnect(c *gin.Context) {
	var req dto.ReconnectRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	if _, ok := h.load(c); !ok {
		return
	}

	var creds *model.Credentials
	if req.APIKey != "" {
		creds = &model.Credentials{APIKey: req.APIKey, AccountID: req.AccountID}
	}
	conn, err := h.conns.Reconnect(c.Request.Context(), c.Param("id"), creds)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, conn)
}

func (h *ConnectionHandler) Sync(c *gin.Context) {
	var req dto.SyncRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	if _, ok := h.load(c); !ok {
		return
	}

	res, err := h.ledger.Sync(c.Request.Context(), c.Param("id"), req.Since)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// load fetches the path connection and checks the caller owns it.
func (h *ConnectionHandler) load(c *gin.Context) (*model.ProcessorConnection, bool) {
	conn, err := h.conns.GetConnection(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return nil, false
	}
	if !middleware.CanAccessMerchant(c, conn.MerchantID) {
		forbidden(c)
		return nil, false
	}
	return conn, true
}
