package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c50bossio/hybrid-payments/internal/model"
	"github.com/c50bossio/hybrid-payments/internal/repository"
)

func seedCompleted(t *testing.T, s *Store, merchant, ext string, amount int64) string {
	t.Helper()
	stored, changed, err := s.IngestTransaction(context.Background(), model.ProcessorSquare, ext,
		func(cur *model.ExternalTransaction) (*model.ExternalTransaction, repository.TotalsDelta, error) {
			return &model.ExternalTransaction{
				ConnectionID:          "conn-1",
				ProcessorType:         model.ProcessorSquare,
				ExternalTransactionID: ext,
				MerchantID:            merchant,
				Amount:                amount,
				Currency:              "USD",
				Status:                model.TxCompleted,
				ProcessedAt:           time.Now().Add(-48 * time.Hour),
				ReconciliationStatus:  model.ReconUnmatched,
			}, repository.TotalsDelta{Volume: amount, Count: 1}, nil
		})
	require.NoError(t, err)
	require.True(t, changed)
	return stored.ID
}

func TestCreateCollectionClaim_RejectsOwnedTransactions(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateConnection(ctx, &model.ProcessorConnection{ID: "conn-1", MerchantID: "m1"}))
	a := seedCompleted(t, s, "m1", "sq_a", 2500)
	b := seedCompleted(t, s, "m1", "sq_b", 3000)

	first := &model.CommissionCollection{MerchantID: "m1", Amount: 500, TransactionIDs: []string{a}}
	require.NoError(t, s.CreateCollectionClaim(ctx, first))

	second := &model.CommissionCollection{MerchantID: "m1", Amount: 1100, TransactionIDs: []string{a, b}}
	assert.ErrorIs(t, s.CreateCollectionClaim(ctx, second), repository.ErrConflict)

	// b must not have been claimed by the rejected attempt.
	left, err := s.ListUncollected(ctx, "m1", time.Now())
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, b, left[0].ID)

	conn, err := s.GetConnection(ctx, "conn-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5500), conn.TotalVolume)
	assert.Equal(t, int64(2), conn.TransactionCount)
}

func TestTransitionCollection_CompareAndSet(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateConnection(ctx, &model.ProcessorConnection{ID: "conn-1", MerchantID: "m1"}))
	id := seedCompleted(t, s, "m1", "sq_a", 2500)

	c := &model.CommissionCollection{MerchantID: "m1", Amount: 500, Status: model.CollectionDue, TransactionIDs: []string{id}}
	require.NoError(t, s.CreateCollectionClaim(ctx, c))

	c.Status = model.CollectionProcessing
	require.NoError(t, s.TransitionCollection(ctx, c, model.CollectionDue))

	c.Status = model.CollectionProcessing
	assert.ErrorIs(t, s.TransitionCollection(ctx, c, model.CollectionDue), repository.ErrStale)
}

func TestReconciliationIssue_OneOpenPerTransaction(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateConnection(ctx, &model.ProcessorConnection{ID: "conn-1", MerchantID: "m1"}))
	id := seedCompleted(t, s, "m1", "sq_a", 2500)

	for i := 0; i < 2; i++ {
		require.NoError(t, s.SetReconciliation(ctx, id, model.ReconMismatched,
			&model.ReconciliationIssue{MerchantID: "m1", ActualAmount: 2500, Reason: "amount_mismatch", DetectedAt: time.Now()}))
	}
	open, err := s.ListIssues(ctx, "m1", true)
	require.NoError(t, err)
	require.Len(t, open, 1)

	_, err = s.ResolveIssue(ctx, open[0].ID, time.Now())
	require.NoError(t, err)
	_, err = s.ResolveIssue(ctx, open[0].ID, time.Now())
	assert.ErrorIs(t, err, repository.ErrStale)

	tx, err := s.GetTransaction(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.ReconMatched, tx.ReconciliationStatus)
}
