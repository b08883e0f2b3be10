package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/c50bossio/hybrid-payments/internal/service"
)

type ReportHandler struct {
	svc *service.ReportService
	now func() time.Time
}

func NewReportHandler(svc *service.ReportService) *ReportHandler {
	return &ReportHandler{svc: svc, now: time.Now}
}

// Statement returns JSON unless format=html or the client asks for text/html.
func (h *ReportHandler) Statement(c *gin.Context) {
	merchantID, ok := merchantScope(c)
	if !ok {
		return
	}
	period, err := service.ParsePeriod(c.Query("period"), h.now())
	if err != nil {
		_ = c.Error(err)
		return
	}

	st, err := h.svc.Statement(c.Request.Context(), merchantID, period)
	if err != nil {
		_ = c.Error(err)
		return
	}

	if c.Query("format") == "html" || strings.Contains(c.GetHeader("Accept"), "text/html") {
		html, err := h.svc.RenderHTML(st)
		if err != nil {
			_ = c.Error(err)
			return
		}
		c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(html))
		return
	}
	c.JSON(http.StatusOK, st)
}
