package service

import (
	"context"
	"time"

	"github.com/c50bossio/hybrid-payments/internal/model"
	"github.com/c50bossio/hybrid-payments/internal/repository"
)

// The Postgres repositories and memstore.Store both satisfy these.

type ConfigStore interface {
	GetMerchantConfig(ctx context.Context, merchantID string) (*model.MerchantPaymentConfig, error)
	UpsertMerchantConfig(ctx context.Context, cfg *model.MerchantPaymentConfig) error
	ListAutoCollectMerchants(ctx context.Context) ([]string, error)
}

type ConnectionStore interface {
	CreateConnection(ctx context.Context, c *model.ProcessorConnection) error
	GetConnection(ctx context.Context, id string) (*model.ProcessorConnection, error)
	ListConnections(ctx context.Context, merchantID string) ([]model.ProcessorConnection, error)
	ListConnectionsByStatus(ctx context.Context, statuses ...model.ConnectionStatus) ([]model.ProcessorConnection, error)
	UpdateConnection(ctx context.Context, c *model.ProcessorConnection, expect model.ConnectionStatus) error
	SetLastSync(ctx context.Context, id string, at time.Time) error
}

type LedgerStore interface {
	IngestTransaction(ctx context.Context, processorType model.ProcessorType, externalID string, fn repository.IngestFunc) (*model.ExternalTransaction, bool, error)
	GetTransaction(ctx context.Context, id string) (*model.ExternalTransaction, error)
	ListTransactions(ctx context.Context, f repository.TransactionFilter) ([]model.ExternalTransaction, int, error)
	ListUnreconciled(ctx context.Context, limit int) ([]model.ExternalTransaction, error)
	SetReconciliation(ctx context.Context, txID string, status model.ReconciliationStatus, issue *model.ReconciliationIssue) error
	ListIssues(ctx context.Context, merchantID string, openOnly bool) ([]model.ReconciliationIssue, error)
	ResolveIssue(ctx context.Context, id string, at time.Time) (*model.ReconciliationIssue, error)
}

type CollectionStore interface {
	ListUncollected(ctx context.Context, merchantID string, cutoff time.Time) ([]model.ExternalTransaction, error)
	CreateCollectionClaim(ctx context.Context, c *model.CommissionCollection) error
	GetCollection(ctx context.Context, id string) (*model.CommissionCollection, error)
	ListCollections(ctx context.Context, f repository.CollectionFilter) ([]model.CommissionCollection, int, error)
	ListReady(ctx context.Context, status model.CollectionStatus, asOf time.Time) ([]model.CommissionCollection, error)
	TransitionCollection(ctx context.Context, c *model.CommissionCollection, from model.CollectionStatus) error
}

type RoutingStore interface {
	InsertRoutingDecisions(ctx context.Context, records []model.RoutingDecisionRecord) error
	ListRoutingDecisions(ctx context.Context, merchantID string, limit int) ([]model.RoutingDecisionRecord, error)
}

type AnalyticsStore interface {
	InsertPlatformPayment(ctx context.Context, p *model.PlatformPayment) error
	PlatformTotals(ctx context.Context, merchantID string, from, to time.Time) (*repository.PathTotals, error)
	ExternalTotals(ctx context.Context, merchantID string, from, to time.Time) (*repository.PathTotals, error)
	CollectionTotals(ctx context.Context, merchantID string, from, to time.Time) (*repository.CollectionTotals, error)
}
