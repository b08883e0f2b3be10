package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/c50bossio/hybrid-payments/internal/booking"
	"github.com/c50bossio/hybrid-payments/internal/cache"
	"github.com/c50bossio/hybrid-payments/internal/config"
	"github.com/c50bossio/hybrid-payments/internal/lock"
	"github.com/c50bossio/hybrid-payments/internal/model"
	"github.com/c50bossio/hybrid-payments/internal/notify"
	"github.com/c50bossio/hybrid-payments/internal/processor"
	"github.com/c50bossio/hybrid-payments/internal/queue"
	"github.com/c50bossio/hybrid-payments/internal/repository/memstore"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	at time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.at
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.at = c.at.Add(d)
	c.mu.Unlock()
}

type fakeBookings struct {
	mu       sync.Mutex
	bookings map[string]model.BookingContext
	err      error
}

func (f *fakeBookings) GetBooking(_ context.Context, ref string) (*model.BookingContext, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	b, ok := f.bookings[ref]
	if !ok {
		return nil, booking.ErrNotFound
	}
	return &b, nil
}

type recordingAudit struct {
	mu      sync.Mutex
	records []model.RoutingDecisionRecord
}

func (r *recordingAudit) Record(rec model.RoutingDecisionRecord) {
	r.mu.Lock()
	r.records = append(r.records, rec)
	r.mu.Unlock()
}

type fixture struct {
	clock    *clock
	store    *memstore.Store
	stripe   *processor.Fake
	square   *processor.Fake
	notifier *notify.Recorder
	charger  *processor.FakeCharger
	bookings *fakeBookings
	audit    *recordingAudit
	queue    *queue.Memory
	configs  *cache.MerchantConfigCache

	conns       *ConnectionService
	ledger      *LedgerService
	router      *RouterService
	collections *CollectionService
	webhooks    *WebhookService
	analytics   *AnalyticsService
	admin       *MerchantConfigService
}

func fastRetry() processor.RetryPolicy {
	return processor.RetryPolicy{Attempts: 2, BaseDelay: time.Millisecond, Timeout: time.Second}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		clock:    &clock{at: testNow},
		store:    memstore.New(),
		stripe:   processor.NewFake(model.ProcessorStripe),
		square:   processor.NewFake(model.ProcessorSquare),
		notifier: &notify.Recorder{},
		charger:  &processor.FakeCharger{},
		bookings: &fakeBookings{bookings: map[string]model.BookingContext{}},
		audit:    &recordingAudit{},
		queue:    queue.NewMemory(16),
	}
	f.store.SetClock(f.clock.Now)
	registry := processor.NewRegistry(f.stripe, f.square)
	fees := config.DefaultFeeSchedule()
	f.configs = cache.New(f.store, time.Minute, nil)

	f.conns = NewConnectionService(f.store, registry, f.notifier, ConnectionOptions{
		WebhookBaseURL: "https://hooks.example.com/api/v1/webhooks",
		Retry:          fastRetry(),
	})
	f.conns.now = f.clock.Now

	f.ledger = NewLedgerService(f.store, f.store, f.store, registry, lock.NewLocal(), f.bookings, LedgerOptions{Retry: fastRetry()})
	f.ledger.now = f.clock.Now

	f.router = NewRouterService(f.configs, f.conns, fees, f.audit)
	f.router.now = f.clock.Now

	opts := DefaultCollectionOptions()
	f.collections = NewCollectionService(f.store, f.store, f.charger, lock.NewLocal(), f.notifier, opts)
	f.collections.now = f.clock.Now

	f.webhooks = NewWebhookService(f.store, registry, f.queue, f.ledger)
	f.webhooks.now = f.clock.Now

	f.analytics = NewAnalyticsService(f.store, f.store, fees, decimal.Zero)
	f.analytics.now = f.clock.Now

	f.admin = NewMerchantConfigService(f.store, f.configs)
	f.admin.now = f.clock.Now
	return f
}

func (f *fixture) merchant(t *testing.T, id string, mode model.PaymentMode, mutate ...func(*model.MerchantPaymentConfig)) *model.MerchantPaymentConfig {
	t.Helper()
	cfg := &model.MerchantPaymentConfig{
		MerchantID:            id,
		PaymentMode:           mode,
		CommissionRate:        decimal.RequireFromString("0.20"),
		CollectionFrequency:   model.FrequencyDaily,
		AutoCollectionEnabled: true,
		Currency:              "USD",
		BillingCustomerID:     "cus_" + id,
	}
	for _, m := range mutate {
		m(cfg)
	}
	_, err := f.admin.Put(context.Background(), cfg)
	require.NoError(t, err)
	return cfg
}

// connect onboards a connection through the fake adapter.
func (f *fixture) connect(t *testing.T, merchantID string, kind model.ProcessorType) *model.ProcessorConnection {
	t.Helper()
	conn, err := f.conns.CreateConnection(context.Background(), merchantID, kind, model.Credentials{APIKey: "sk_test"})
	require.NoError(t, err)
	require.Equal(t, model.ConnectionConnected, conn.Status)
	return conn
}

func (f *fixture) ingest(t *testing.T, conn *model.ProcessorConnection, extID string, amount int64, status model.TransactionStatus) *model.ExternalTransaction {
	t.Helper()
	tx, _, err := f.ledger.Ingest(context.Background(), conn, processor.TransactionEvent{
		ExternalTransactionID: extID,
		Amount:                amount,
		Currency:              "usd",
		Status:                status,
		BookingRef:            "bk_" + extID,
		OccurredAt:            f.clock.Now(),
	})
	require.NoError(t, err)
	return tx
}
