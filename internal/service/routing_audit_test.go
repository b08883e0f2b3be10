package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c50bossio/hybrid-payments/internal/model"
	"github.com/c50bossio/hybrid-payments/internal/repository/memstore"
)

func TestAuditRecorder_FlushesOnShutdown(t *testing.T) {
	store := memstore.New()
	rec := NewAuditRecorder(store, 16, time.Hour)

	for i := 0; i < 5; i++ {
		rec.Record(model.RoutingDecisionRecord{MerchantID: "m1", Amount: int64(i + 1), Decision: model.RouteCentralized})
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- rec.Run(ctx) }()
	cancel()
	require.NoError(t, <-done)

	got, err := rec.Recent(context.Background(), "m1", 10)
	require.NoError(t, err)
	assert.Len(t, got, 5)
	for _, r := range got {
		assert.NotEmpty(t, r.ID)
	}
}

func TestAuditRecorder_DropsWhenFull(t *testing.T) {
	rec := NewAuditRecorder(memstore.New(), 2, time.Hour)
	for i := 0; i < 5; i++ {
		rec.Record(model.RoutingDecisionRecord{MerchantID: "m1"})
	}
	assert.Equal(t, int64(3), rec.Dropped())
}

func TestAuditRecorder_FlushesOnTick(t *testing.T) {
	store := memstore.New()
	rec := NewAuditRecorder(store, 16, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = rec.Run(ctx) }()

	rec.Record(model.RoutingDecisionRecord{MerchantID: "m1", Decision: model.RouteExternal})
	assert.Eventually(t, func() bool {
		got, err := store.ListRoutingDecisions(context.Background(), "m1", 10)
		return err == nil && len(got) == 1
	}, time.Second, 5*time.Millisecond)
}
