package dto

import "github.com/c50bossio/hybrid-payments/internal/model"

type TransactionListResponse struct {
	Transactions []model.ExternalTransaction `json:"transactions"`
	Pagination   Pagination                  `json:"pagination"`
}

type CollectionListResponse struct {
	Collections []model.CommissionCollection `json:"collections"`
	Pagination  Pagination                   `json:"pagination"`
}

type IssueListResponse struct {
	Issues []model.ReconciliationIssue `json:"issues"`
}

type ConnectionListResponse struct {
	Connections []model.ProcessorConnection `json:"connections"`
}

type RoutingDecisionListResponse struct {
	Decisions []model.RoutingDecisionRecord `json:"decisions"`
}

type ErrorListResponse struct {
	Error  string            `json:"error"`
	Errors []ValidationError `json:"errors,omitempty"`
}

type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type Pagination struct {
	Page       int  `json:"page"`
	PageSize   int  `json:"page_size"`
	TotalItems int  `json:"total_items"`
	TotalPages int  `json:"total_pages"`
	NextPage   *int `json:"next_page,omitempty"`
}
