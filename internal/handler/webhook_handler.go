package handler

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/c50bossio/hybrid-payments/internal/middleware"
	"github.com/c50bossio/hybrid-payments/internal/model"
	"github.com/c50bossio/hybrid-payments/internal/service"
)

const maxWebhookBody = 1 << 20

type WebhookHandler struct {
	svc     *service.WebhookService
	baseURL string
}

// NewWebhookHandler takes the public base URL the processors were registered with;
// URL-signing processors sign over the full notification URL.
func NewWebhookHandler(svc *service.WebhookService, baseURL string) *WebhookHandler {
	return &WebhookHandler{svc: svc, baseURL: strings.TrimRight(baseURL, "/")}
}

func (h *WebhookHandler) Receive(c *gin.Context) {
	processorType, err := model.ParseProcessorType(c.Param("processor_type"))
	if err != nil {
		c.JSON(http.StatusNotFound, middleware.ErrorResponse{Error: "unknown processor type"})
		return
	}
	connectionID := c.Param("connection_id")

	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, middleware.ErrorResponse{Error: "payload too large"})
		return
	}

	url := h.baseURL + "/" + string(processorType) + "/" + connectionID
	if err := h.svc.Accept(c.Request.Context(), processorType, connectionID, payload, c.Request.Header, url); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}
