package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c50bossio/hybrid-payments/internal/model"
	"github.com/c50bossio/hybrid-payments/internal/money"
	"github.com/c50bossio/hybrid-payments/internal/notify"
	"github.com/c50bossio/hybrid-payments/internal/processor"
	"github.com/c50bossio/hybrid-payments/internal/repository"
)

func TestCollection_AmountFromTwoTransactions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.merchant(t, "m1", model.ModeExternal)
	conn := f.connect(t, "m1", model.ProcessorStripe)

	f.ingest(t, conn, "tx_1", 2500, model.TxCompleted)
	f.ingest(t, conn, "tx_2", 3000, model.TxCompleted)
	f.clock.Advance(25 * time.Hour)

	due, err := f.collections.IdentifyDue(ctx, "m1", f.clock.Now())
	require.NoError(t, err)
	require.Len(t, due, 2)

	c, err := f.collections.CreateCollection(ctx, "m1", due)
	require.NoError(t, err)
	assert.Equal(t, int64(1100), c.Amount)
	assert.Equal(t, "11.00 USD", money.Format(c.Amount, c.Currency))
	assert.Equal(t, model.CollectionPending, c.Status)
	assert.Len(t, c.TransactionIDs, 2)

	left, err := f.collections.IdentifyDue(ctx, "m1", f.clock.Now())
	require.NoError(t, err)
	assert.Empty(t, left, "claimed transactions are no longer due")
}

func TestCollection_IdentifyDueRespectsFrequency(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.merchant(t, "m1", model.ModeExternal, func(c *model.MerchantPaymentConfig) {
		c.CollectionFrequency = model.FrequencyWeekly
	})
	conn := f.connect(t, "m1", model.ProcessorStripe)
	f.ingest(t, conn, "tx_1", 2500, model.TxCompleted)
	f.ingest(t, conn, "tx_p", 2500, model.TxPending)

	due, err := f.collections.IdentifyDue(ctx, "m1", f.clock.Now().Add(6*24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = f.collections.IdentifyDue(ctx, "m1", f.clock.Now().Add(7*24*time.Hour))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "tx_1", due[0].ExternalTransactionID)
}

func TestCollection_UsesRateLockedAtCapture(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cfg := f.merchant(t, "m1", model.ModeExternal)
	conn := f.connect(t, "m1", model.ProcessorStripe)
	f.ingest(t, conn, "tx_1", 10000, model.TxCompleted)

	cfg.CommissionRate = decimal.RequireFromString("0.50")
	_, err := f.admin.Put(ctx, cfg)
	require.NoError(t, err)
	f.ingest(t, conn, "tx_2", 10000, model.TxCompleted)

	due, err := f.collections.IdentifyDue(ctx, "m1", f.clock.Now().Add(48*time.Hour))
	require.NoError(t, err)
	c, err := f.collections.CreateCollection(ctx, "m1", due)
	require.NoError(t, err)
	assert.Equal(t, int64(2000+5000), c.Amount)
}

func TestCollection_BelowMinimumDefers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.merchant(t, "m1", model.ModeExternal)
	conn := f.connect(t, "m1", model.ProcessorStripe)
	f.ingest(t, conn, "tx_1", 400, model.TxCompleted)

	due, err := f.collections.IdentifyDue(ctx, "m1", f.clock.Now().Add(48*time.Hour))
	require.NoError(t, err)
	_, err = f.collections.CreateCollection(ctx, "m1", due)
	assert.ErrorIs(t, err, ErrBelowMinimum)

	again, err := f.collections.IdentifyDue(ctx, "m1", f.clock.Now().Add(48*time.Hour))
	require.NoError(t, err)
	assert.Len(t, again, 1, "deferred transactions stay unclaimed")
}

func TestCollection_ConcurrentClaimsNeverOverlap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.merchant(t, "m1", model.ModeExternal)
	conn := f.connect(t, "m1", model.ProcessorStripe)
	for _, id := range []string{"a", "b", "c", "d"} {
		f.ingest(t, conn, id, 5000, model.TxCompleted)
	}
	due, err := f.collections.IdentifyDue(ctx, "m1", f.clock.Now().Add(48*time.Hour))
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created []*model.CommissionCollection
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := f.collections.CreateCollection(ctx, "m1", due)
			if err != nil {
				assert.ErrorIs(t, err, ErrClaimConflict)
				return
			}
			mu.Lock()
			created = append(created, c)
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, created, 1)
	owners := map[string]string{}
	list, _, err := f.collections.ListCollections(ctx, repository.CollectionFilter{MerchantID: "m1"})
	require.NoError(t, err)
	for _, c := range list {
		for _, id := range c.TransactionIDs {
			_, dup := owners[id]
			assert.False(t, dup, "transaction %s claimed twice", id)
			owners[id] = c.ID
		}
	}
}

func TestCollection_ExecuteSucceeds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := createdCollection(t, f)

	n, err := f.collections.PromoteDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	out, err := f.collections.ExecuteCollection(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CollectionCollected, out.Status)
	require.NotNil(t, out.CollectedAt)
	assert.Equal(t, "ch_collection:"+c.ID+":attempt:1", out.ProcessorChargeID)
	assert.Equal(t, []string{"collection:" + c.ID + ":attempt:1"}, f.charger.Keys)

	again, err := f.collections.ExecuteCollection(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CollectionCollected, again.Status)
	assert.Len(t, f.charger.Keys, 1, "collected collections are never charged again")
}

func TestCollection_FailsAfterThreeAttempts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := createdCollection(t, f)
	f.charger.Outcomes = []error{processor.ErrDeclined, processor.ErrDeclined, processor.ErrDeclined}

	_, err := f.collections.PromoteDue(ctx)
	require.NoError(t, err)

	out, err := f.collections.ExecuteCollection(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CollectionDue, out.Status)
	assert.Equal(t, 1, out.RetryCount)
	require.NotNil(t, out.NextAttemptAt)
	assert.Equal(t, f.clock.Now().Add(time.Hour), *out.NextAttemptAt)

	_, err = f.collections.ExecuteCollection(ctx, c.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition, "backoff not elapsed")

	f.clock.Advance(time.Hour)
	out, err = f.collections.ExecuteCollection(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, out.RetryCount)
	assert.Equal(t, f.clock.Now().Add(6*time.Hour), *out.NextAttemptAt)

	f.clock.Advance(6 * time.Hour)
	out, err = f.collections.ExecuteCollection(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CollectionFailed, out.Status)
	assert.Equal(t, 3, out.RetryCount)
	assert.Nil(t, out.NextAttemptAt)

	f.clock.Advance(48 * time.Hour)
	sum, err := f.collections.RunAll(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Zero(t, sum.Executed, "failed collections are not retried automatically")
	assert.Len(t, f.charger.Keys, 3)

	events := f.notifier.Events(notify.EventCollectionFailed)
	require.Len(t, events, 1)
	assert.Equal(t, "m1", events[0].MerchantID)
}

func TestCollection_ManualRetryAfterFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := createdCollection(t, f)
	f.charger.Outcomes = []error{processor.ErrDeclined, processor.ErrDeclined, processor.ErrDeclined}

	_, err := f.collections.PromoteDue(ctx)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := f.collections.ExecuteCollection(ctx, c.ID)
		require.NoError(t, err)
		f.clock.Advance(24 * time.Hour)
	}

	res, err := f.collections.Retry(ctx, c.ID, "pm_card_new")
	require.NoError(t, err)
	assert.Equal(t, model.CollectionCollected, res.NewStatus)
	assert.Equal(t, 4, res.RetryAttempt)
	assert.Equal(t, "pm_card_new", res.Collection.LastMethod)

	again, err := f.collections.Retry(ctx, c.ID, "pm_card_new")
	require.NoError(t, err)
	assert.Equal(t, model.CollectionCollected, again.NewStatus)
	assert.Len(t, f.charger.Keys, 4, "retrying a collected collection charges nothing")

	stored, err := f.collections.GetCollection(ctx, c.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, c.TransactionIDs, stored.TransactionIDs)
}

func TestCollection_AmbiguousChargeStaysProcessing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := createdCollection(t, f)
	f.charger.Outcomes = []error{context.DeadlineExceeded}

	_, err := f.collections.PromoteDue(ctx)
	require.NoError(t, err)

	out, err := f.collections.ExecuteCollection(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CollectionProcessing, out.Status)
	assert.Zero(t, out.RetryCount)

	n, err := f.collections.RecoverStuck(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "too recent to recover")

	f.clock.Advance(time.Hour)
	n, err = f.collections.RecoverStuck(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := f.collections.GetCollection(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CollectionCollected, stored.Status)
	require.Len(t, f.charger.Keys, 2)
	assert.Equal(t, f.charger.Keys[0], f.charger.Keys[1], "recovery reuses the idempotency key")
}

func TestCollection_UnresolvedRecoveryFailsAfterLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := createdCollection(t, f)
	f.charger.Outcomes = []error{
		context.DeadlineExceeded,
		context.DeadlineExceeded, context.DeadlineExceeded, context.DeadlineExceeded,
		context.DeadlineExceeded, context.DeadlineExceeded,
	}

	_, err := f.collections.PromoteDue(ctx)
	require.NoError(t, err)
	_, err = f.collections.ExecuteCollection(ctx, c.ID)
	require.NoError(t, err)

	for i := 1; i < 5; i++ {
		f.clock.Advance(time.Hour)
		n, err := f.collections.RecoverStuck(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		stored, err := f.collections.GetCollection(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, model.CollectionProcessing, stored.Status)
		assert.Equal(t, i, stored.Recoveries)
		assert.Zero(t, stored.RetryCount)
	}
	assert.Empty(t, f.notifier.Events(notify.EventCollectionFailed))

	f.clock.Advance(time.Hour)
	_, err = f.collections.RecoverStuck(ctx)
	require.NoError(t, err)

	stored, err := f.collections.GetCollection(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CollectionFailed, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)
	assert.Contains(t, stored.FailedReason, "after 5 recoveries")

	events := f.notifier.Events(notify.EventCollectionFailed)
	require.Len(t, events, 1)
	assert.Equal(t, 5, events[0].Data.(map[string]interface{})["recoveries"])

	f.clock.Advance(time.Hour)
	n, err := f.collections.RecoverStuck(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "a failed collection is not re-driven")

	require.Len(t, f.charger.Keys, 6)
	for _, k := range f.charger.Keys {
		assert.Equal(t, f.charger.Keys[0], k)
	}
}

func TestCollection_RunForMerchant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.merchant(t, "m1", model.ModeExternal)
	conn := f.connect(t, "m1", model.ProcessorStripe)
	f.ingest(t, conn, "tx_1", 2500, model.TxCompleted)
	f.ingest(t, conn, "tx_2", 3000, model.TxCompleted)
	f.clock.Advance(25 * time.Hour)

	sum, err := f.collections.RunForMerchant(ctx, "m1", f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Created)
	assert.Equal(t, 1, sum.Collected)

	sum, err = f.collections.RunForMerchant(ctx, "m1", f.clock.Now())
	require.NoError(t, err)
	assert.Zero(t, sum.Created)
	assert.Zero(t, sum.Executed)
}

func TestCollection_CollectedAmountMatchesCapturedRates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.merchant(t, "m1", model.ModeExternal, func(c *model.MerchantPaymentConfig) {
		c.CommissionRate = decimal.RequireFromString("0.0725")
	})
	conn := f.connect(t, "m1", model.ProcessorStripe)
	amounts := []int64{1999, 2549, 333, 12001, 7777}
	for i, a := range amounts {
		f.ingest(t, conn, "tx_"+string(rune('a'+i)), a, model.TxCompleted)
	}
	f.clock.Advance(25 * time.Hour)

	_, err := f.collections.RunAll(ctx, f.clock.Now())
	require.NoError(t, err)

	list, _, err := f.collections.ListCollections(ctx, repository.CollectionFilter{MerchantID: "m1", Status: model.CollectionCollected})
	require.NoError(t, err)
	require.Len(t, list, 1)

	sum := decimal.Zero
	for _, id := range list[0].TransactionIDs {
		tx, err := f.ledger.GetTransaction(ctx, id)
		require.NoError(t, err)
		sum = sum.Add(money.Commission(tx.Amount, *tx.CommissionRateAtCapture))
	}
	assert.True(t, money.Within(list[0].Amount, money.RoundHalfUp(sum), 1))
}

// createdCollection sets up m1 with two captured transactions and a pending collection.
func createdCollection(t *testing.T, f *fixture) *model.CommissionCollection {
	t.Helper()
	f.merchant(t, "m1", model.ModeExternal)
	conn := f.connect(t, "m1", model.ProcessorStripe)
	f.ingest(t, conn, "tx_1", 2500, model.TxCompleted)
	f.ingest(t, conn, "tx_2", 3000, model.TxCompleted)
	f.clock.Advance(25 * time.Hour)

	due, err := f.collections.IdentifyDue(context.Background(), "m1", f.clock.Now())
	require.NoError(t, err)
	c, err := f.collections.CreateCollection(context.Background(), "m1", due)
	require.NoError(t, err)
	return c
}
