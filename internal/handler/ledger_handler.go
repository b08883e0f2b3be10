package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/c50bossio/hybrid-payments/internal/dto"
	"github.com/c50bossio/hybrid-payments/internal/model"
	"github.com/c50bossio/hybrid-payments/internal/repository"
	"github.com/c50bossio/hybrid-payments/internal/service"
)

type LedgerHandler struct {
	ledger *service.LedgerService
}

func NewLedgerHandler(ledger *service.LedgerService) *LedgerHandler {
	return &LedgerHandler{ledger: ledger}
}

func (h *LedgerHandler) ListTransactions(c *gin.Context) {
	merchantID, ok := merchantScope(c)
	if !ok {
		return
	}
	from, err := queryTime(c, "from")
	if err != nil {
		badRequest(c, err)
		return
	}
	to, err := queryTime(c, "to")
	if err != nil {
		badRequest(c, err)
		return
	}
	status := model.TransactionStatus(c.Query("status"))
	if status != "" && !status.Valid() {
		c.JSON(http.StatusBadRequest, dto.ErrorListResponse{Error: "unknown status " + string(status)})
		return
	}

	p, err := dto.ParsePageRequest(c)
	if err != nil {
		badRequest(c, err)
		return
	}
	txs, total, err := h.ledger.ListTransactions(c.Request.Context(), repository.TransactionFilter{
		MerchantID:     merchantID,
		ConnectionID:   c.Query("connection_id"),
		Status:         status,
		Reconciliation: model.ReconciliationStatus(c.Query("reconciliation_status")),
		From:           from,
		To:             to,
		Limit:          p.Limit(),
		Offset:         p.Offset(),
	})
	if err != nil {
		_ = c.Error(err)
		return
	}
	if txs == nil {
		txs = []model.ExternalTransaction{}
	}
	c.JSON(http.StatusOK, dto.TransactionListResponse{Transactions: txs, Pagination: p.Describe(total)})
}

func (h *LedgerHandler) ListIssues(c *gin.Context) {
	merchantID, ok := merchantScope(c)
	if !ok {
		return
	}
	issues, err := h.ledger.ListIssues(c.Request.Context(), merchantID, c.DefaultQuery("open", "true") == "true")
	if err != nil {
		_ = c.Error(err)
		return
	}
	if issues == nil {
		issues = []model.ReconciliationIssue{}
	}
	c.JSON(http.StatusOK, dto.IssueListResponse{Issues: issues})
}

// ResolveIssue is an operator action, so it sits behind the admin role.
func (h *LedgerHandler) ResolveIssue(c *gin.Context) {
	issue, err := h.ledger.ResolveIssue(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, issue)
}
