// Package memstore is an in-process implementation of the repository stores for local
// runs and tests. One mutex serialises every operation, which gives the same atomicity
// the Postgres repositories get from transactions.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/c50bossio/hybrid-payments/internal/model"
	"github.com/c50bossio/hybrid-payments/internal/repository"
)

type txKey struct {
	processor model.ProcessorType
	external  string
}

type Store struct {
	mu sync.Mutex

	configs      map[string]model.MerchantPaymentConfig
	connections  map[string]model.ProcessorConnection
	transactions map[string]model.ExternalTransaction
	txIndex      map[txKey]string
	collections  map[string]model.CommissionCollection
	issues       map[string]model.ReconciliationIssue
	decisions    []model.RoutingDecisionRecord
	payments     []model.PlatformPayment

	now func() time.Time
}

func New() *Store {
	return &Store{
		configs:      make(map[string]model.MerchantPaymentConfig),
		connections:  make(map[string]model.ProcessorConnection),
		transactions: make(map[string]model.ExternalTransaction),
		txIndex:      make(map[txKey]string),
		collections:  make(map[string]model.CommissionCollection),
		issues:       make(map[string]model.ReconciliationIssue),
		now:          time.Now,
	}
}

// SetClock replaces the clock used for created/updated timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Merchant config

func (s *Store) GetMerchantConfig(_ context.Context, merchantID string) (*model.MerchantPaymentConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.configs[merchantID]
	if !ok {
		return nil, fmt.Errorf("get merchant config: %w", repository.ErrNotFound)
	}
	return &cfg, nil
}

func (s *Store) UpsertMerchantConfig(_ context.Context, cfg *model.MerchantPaymentConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg.UpdatedAt = s.now()
	s.configs[cfg.MerchantID] = *cfg
	return nil
}

func (s *Store) ListAutoCollectMerchants(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, cfg := range s.configs {
		if cfg.AutoCollectionEnabled {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Connections

func (s *Store) CreateConnection(_ context.Context, c *model.ProcessorConnection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if _, ok := s.connections[c.ID]; ok {
		return fmt.Errorf("create connection: %w", repository.ErrConflict)
	}
	now := s.now()
	c.CreatedAt, c.UpdatedAt = now, now
	s.connections[c.ID] = *c
	return nil
}

func (s *Store) GetConnection(_ context.Context, id string) (*model.ProcessorConnection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.connections[id]
	if !ok {
		return nil, fmt.Errorf("get connection: %w", repository.ErrNotFound)
	}
	return &c, nil
}

func (s *Store) ListConnections(_ context.Context, merchantID string) ([]model.ProcessorConnection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.ProcessorConnection
	for _, c := range s.connections {
		if merchantID == "" || c.MerchantID == merchantID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) ListConnectionsByStatus(_ context.Context, statuses ...model.ConnectionStatus) ([]model.ProcessorConnection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.ProcessorConnection
	for _, c := range s.connections {
		for _, st := range statuses {
			if c.Status == st {
				out = append(out, c)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpdateConnection(_ context.Context, c *model.ProcessorConnection, expect model.ConnectionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.connections[c.ID]
	if !ok {
		return fmt.Errorf("update connection: %w", repository.ErrNotFound)
	}
	if cur.Status != expect {
		return fmt.Errorf("update connection %s from %s: %w", c.ID, expect, repository.ErrStale)
	}
	cur.ExternalAccountID = c.ExternalAccountID
	cur.Status = c.Status
	cur.StatusReason = c.StatusReason
	cur.Capabilities = c.Capabilities
	cur.Credentials = c.Credentials
	cur.WebhookSecret = c.WebhookSecret
	cur.WebhookEndpointID = c.WebhookEndpointID
	cur.ConsecutiveFailures = c.ConsecutiveFailures
	cur.LastHealthCheckAt = c.LastHealthCheckAt
	cur.UpdatedAt = s.now()
	c.UpdatedAt = cur.UpdatedAt
	s.connections[c.ID] = cur
	return nil
}

func (s *Store) SetLastSync(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.connections[id]
	if !ok {
		return fmt.Errorf("set last sync %s: %w", id, repository.ErrNotFound)
	}
	c.LastSyncAt = &at
	c.UpdatedAt = s.now()
	s.connections[id] = c
	return nil
}

// Ledger

func (s *Store) IngestTransaction(_ context.Context, processorType model.ProcessorType, externalID string, fn repository.IngestFunc) (*model.ExternalTransaction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current *model.ExternalTransaction
	if id, ok := s.txIndex[txKey{processorType, externalID}]; ok {
		t := s.transactions[id]
		current = &t
	}

	next, delta, err := fn(current)
	if err != nil {
		return nil, false, err
	}
	if next == nil {
		return current, false, nil
	}

	now := s.now()
	if current == nil {
		if next.ID == "" {
			next.ID = uuid.NewString()
		}
		next.CreatedAt = now
		s.txIndex[txKey{processorType, externalID}] = next.ID
	}
	next.UpdatedAt = now
	s.transactions[next.ID] = *next

	if c, ok := s.connections[next.ConnectionID]; ok && !delta.IsZero() {
		c.TotalVolume += delta.Volume
		c.TotalRefunded += delta.Refunded
		c.TransactionCount += delta.Count
		if delta.At != nil && (c.LastTransactionAt == nil || delta.At.After(*c.LastTransactionAt)) {
			at := *delta.At
			c.LastTransactionAt = &at
		}
		c.UpdatedAt = now
		s.connections[next.ConnectionID] = c
	}

	out := *next
	return &out, true, nil
}

func (s *Store) GetTransaction(_ context.Context, id string) (*model.ExternalTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transactions[id]
	if !ok {
		return nil, fmt.Errorf("get transaction: %w", repository.ErrNotFound)
	}
	return &t, nil
}

func (s *Store) ListTransactions(_ context.Context, f repository.TransactionFilter) ([]model.ExternalTransaction, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.ExternalTransaction
	for _, t := range s.transactions {
		if f.MerchantID != "" && t.MerchantID != f.MerchantID ||
			f.ConnectionID != "" && t.ConnectionID != f.ConnectionID ||
			f.Status != "" && t.Status != f.Status ||
			f.Reconciliation != "" && t.ReconciliationStatus != f.Reconciliation ||
			f.From != nil && t.ProcessedAt.Before(*f.From) ||
			f.To != nil && !t.ProcessedAt.Before(*f.To) {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ProcessedAt.Equal(out[j].ProcessedAt) {
			return out[i].ProcessedAt.After(out[j].ProcessedAt)
		}
		return out[i].ID < out[j].ID
	})
	total := len(out)
	return page(out, f.Limit, f.Offset), total, nil
}

func (s *Store) ListUnreconciled(_ context.Context, limit int) ([]model.ExternalTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.ExternalTransaction
	for _, t := range s.transactions {
		if t.Status == model.TxCompleted && t.ReconciliationStatus == model.ReconUnmatched {
			out = append(out, t)
		}
	}
	sortByProcessed(out)
	return page(out, limit, 0), nil
}

func (s *Store) SetReconciliation(_ context.Context, txID string, status model.ReconciliationStatus, issue *model.ReconciliationIssue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transactions[txID]
	if !ok {
		return fmt.Errorf("set reconciliation %s: %w", txID, repository.ErrNotFound)
	}
	t.ReconciliationStatus = status
	t.UpdatedAt = s.now()
	s.transactions[txID] = t

	if issue == nil {
		return nil
	}
	for _, existing := range s.issues {
		if existing.TransactionID == txID && existing.ResolvedAt == nil {
			return nil
		}
	}
	if issue.ID == "" {
		issue.ID = uuid.NewString()
	}
	issue.TransactionID = txID
	s.issues[issue.ID] = *issue
	return nil
}

func (s *Store) ListIssues(_ context.Context, merchantID string, openOnly bool) ([]model.ReconciliationIssue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.ReconciliationIssue
	for _, i := range s.issues {
		if merchantID != "" && i.MerchantID != merchantID || openOnly && i.ResolvedAt != nil {
			continue
		}
		out = append(out, i)
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].DetectedAt.Equal(out[b].DetectedAt) {
			return out[a].DetectedAt.After(out[b].DetectedAt)
		}
		return out[a].ID < out[b].ID
	})
	return out, nil
}

func (s *Store) ResolveIssue(_ context.Context, id string, at time.Time) (*model.ReconciliationIssue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.issues[id]
	if !ok {
		return nil, fmt.Errorf("resolve issue %s: %w", id, repository.ErrNotFound)
	}
	if i.ResolvedAt != nil {
		return nil, fmt.Errorf("resolve issue %s: %w", id, repository.ErrStale)
	}
	i.ResolvedAt = &at
	s.issues[id] = i
	if t, ok := s.transactions[i.TransactionID]; ok {
		t.ReconciliationStatus = model.ReconMatched
		t.UpdatedAt = s.now()
		s.transactions[t.ID] = t
	}
	return &i, nil
}

// Collections

func (s *Store) ListUncollected(_ context.Context, merchantID string, cutoff time.Time) ([]model.ExternalTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.ExternalTransaction
	for _, t := range s.transactions {
		if t.MerchantID == merchantID && t.Status == model.TxCompleted && t.CollectionID == nil && !t.ProcessedAt.After(cutoff) {
			out = append(out, t)
		}
	}
	sortByProcessed(out)
	return out, nil
}

func (s *Store) CreateCollectionClaim(_ context.Context, c *model.CommissionCollection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range c.TransactionIDs {
		t, ok := s.transactions[id]
		if !ok || t.MerchantID != c.MerchantID || t.CollectionID != nil || t.Status != model.TxCompleted {
			return fmt.Errorf("claim transaction %s: %w", id, repository.ErrConflict)
		}
	}

	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := s.now()
	c.CreatedAt, c.UpdatedAt = now, now
	ids := append([]string(nil), c.TransactionIDs...)
	sort.Strings(ids)
	c.TransactionIDs = ids

	for _, id := range ids {
		t := s.transactions[id]
		owner := c.ID
		t.CollectionID = &owner
		t.UpdatedAt = now
		s.transactions[id] = t
	}
	stored := *c
	stored.TransactionIDs = append([]string(nil), ids...)
	s.collections[c.ID] = stored
	return nil
}

func (s *Store) GetCollection(_ context.Context, id string) (*model.CommissionCollection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[id]
	if !ok {
		return nil, fmt.Errorf("get collection: %w", repository.ErrNotFound)
	}
	return copyCollection(c), nil
}

func (s *Store) ListCollections(_ context.Context, f repository.CollectionFilter) ([]model.CommissionCollection, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.CommissionCollection
	for _, c := range s.collections {
		if f.MerchantID != "" && c.MerchantID != f.MerchantID || f.Status != "" && c.Status != f.Status {
			continue
		}
		out = append(out, *copyCollection(c))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	total := len(out)
	return page(out, f.Limit, f.Offset), total, nil
}

func (s *Store) ListReady(_ context.Context, status model.CollectionStatus, asOf time.Time) ([]model.CommissionCollection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.CommissionCollection
	for _, c := range s.collections {
		if c.Status != status {
			continue
		}
		var at time.Time
		switch status {
		case model.CollectionPending:
			at = c.DueDate
		case model.CollectionDue:
			at = c.DueDate
			if c.NextAttemptAt != nil {
				at = *c.NextAttemptAt
			}
		default:
			at = c.UpdatedAt
		}
		if !at.After(asOf) {
			out = append(out, *copyCollection(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DueDate.Equal(out[j].DueDate) {
			return out[i].DueDate.Before(out[j].DueDate)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) TransitionCollection(_ context.Context, c *model.CommissionCollection, from model.CollectionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.collections[c.ID]
	if !ok {
		return fmt.Errorf("transition collection: %w", repository.ErrNotFound)
	}
	if cur.Status != from {
		return fmt.Errorf("transition collection %s from %s: %w", c.ID, from, repository.ErrStale)
	}
	cur.Status = c.Status
	cur.NextAttemptAt = c.NextAttemptAt
	cur.CollectedAt = c.CollectedAt
	cur.RetryCount = c.RetryCount
	cur.Recoveries = c.Recoveries
	cur.FailedReason = c.FailedReason
	cur.ProcessorChargeID = c.ProcessorChargeID
	cur.LastMethod = c.LastMethod
	cur.UpdatedAt = s.now()
	c.UpdatedAt = cur.UpdatedAt
	s.collections[c.ID] = cur
	return nil
}

// Routing audit

func (s *Store) InsertRoutingDecisions(_ context.Context, records []model.RoutingDecisionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		s.decisions = append(s.decisions, r)
	}
	return nil
}

func (s *Store) ListRoutingDecisions(_ context.Context, merchantID string, limit int) ([]model.RoutingDecisionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.RoutingDecisionRecord
	for i := len(s.decisions) - 1; i >= 0; i-- {
		if s.decisions[i].MerchantID == merchantID {
			out = append(out, s.decisions[i])
		}
	}
	return page(out, limit, 0), nil
}

// Analytics

func (s *Store) InsertPlatformPayment(_ context.Context, p *model.PlatformPayment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	s.payments = append(s.payments, *p)
	return nil
}

func (s *Store) PlatformTotals(_ context.Context, merchantID string, from, to time.Time) (*repository.PathTotals, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := repository.PathTotals{Commission: decimal.Zero}
	var commission int64
	for _, p := range s.payments {
		if p.MerchantID != merchantID || p.ProcessedAt.Before(from) || !p.ProcessedAt.Before(to) {
			continue
		}
		t.Attempts++
		switch p.Status {
		case "succeeded":
			t.Volume += p.Amount
			t.Succeeded++
			t.ProcessingFees += p.ProcessingFee
			commission += p.CommissionFee
		case "refunded":
			t.Volume += p.Amount
			t.Refunded += p.Amount
			t.Succeeded++
			t.ProcessingFees += p.ProcessingFee
		}
	}
	t.Commission = decimal.NewFromInt(commission)
	return &t, nil
}

func (s *Store) ExternalTotals(_ context.Context, merchantID string, from, to time.Time) (*repository.PathTotals, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := repository.PathTotals{Commission: decimal.Zero}
	for _, tx := range s.transactions {
		if tx.MerchantID != merchantID || tx.ProcessedAt.Before(from) || !tx.ProcessedAt.Before(to) {
			continue
		}
		if tx.Status != model.TxPending {
			t.Attempts++
		}
		switch tx.Status {
		case model.TxCompleted:
			t.Volume += tx.Amount
			t.Succeeded++
			t.ProcessingFees += tx.ProcessorFees
			if tx.CommissionRateAtCapture != nil {
				t.Commission = t.Commission.Add(decimal.NewFromInt(tx.Amount).Mul(*tx.CommissionRateAtCapture))
			}
		case model.TxRefunded:
			t.Volume += tx.Amount
			t.Refunded += tx.Amount
			t.Succeeded++
			t.ProcessingFees += tx.ProcessorFees
			// a refund after collection is not clawed back, so its commission stands
			if tx.CollectionID != nil && tx.CommissionRateAtCapture != nil {
				t.Commission = t.Commission.Add(decimal.NewFromInt(tx.Amount).Mul(*tx.CommissionRateAtCapture))
			}
		}
	}
	return &t, nil
}

func (s *Store) CollectionTotals(_ context.Context, merchantID string, from, to time.Time) (*repository.CollectionTotals, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var t repository.CollectionTotals
	for _, c := range s.collections {
		if c.MerchantID != merchantID || c.CreatedAt.Before(from) || !c.CreatedAt.Before(to) {
			continue
		}
		switch c.Status {
		case model.CollectionCollected:
			t.Collected += c.Amount
		case model.CollectionFailed:
			t.Failed += c.Amount
		default:
			t.Outstanding += c.Amount
		}
	}
	return &t, nil
}

func copyCollection(c model.CommissionCollection) *model.CommissionCollection {
	c.TransactionIDs = append([]string(nil), c.TransactionIDs...)
	return &c
}

func sortByProcessed(txs []model.ExternalTransaction) {
	sort.Slice(txs, func(i, j int) bool {
		if !txs[i].ProcessedAt.Equal(txs[j].ProcessedAt) {
			return txs[i].ProcessedAt.Before(txs[j].ProcessedAt)
		}
		return txs[i].ID < txs[j].ID
	})
}

func page[T any](items []T, limit, offset int) []T {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset >= len(items) {
		return nil
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}
