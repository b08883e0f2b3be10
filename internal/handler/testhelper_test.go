package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/c50bossio/hybrid-payments/internal/booking"
	"github.com/c50bossio/hybrid-payments/internal/cache"
	"github.com/c50bossio/hybrid-payments/internal/config"
	"github.com/c50bossio/hybrid-payments/internal/lock"
	"github.com/c50bossio/hybrid-payments/internal/middleware"
	"github.com/c50bossio/hybrid-payments/internal/model"
	"github.com/c50bossio/hybrid-payments/internal/notify"
	"github.com/c50bossio/hybrid-payments/internal/processor"
	"github.com/c50bossio/hybrid-payments/internal/queue"
	"github.com/c50bossio/hybrid-payments/internal/repository/memstore"
	"github.com/c50bossio/hybrid-payments/internal/service"
)

const testSecret = "handler-test-secret"

type noBookings struct{}

func (noBookings) GetBooking(context.Context, string) (*model.BookingContext, error) {
	return nil, booking.ErrNotFound
}

type testServer struct {
	router  *gin.Engine
	store   *memstore.Store
	stripe  *processor.Fake
	queue   *queue.Memory
	webhook *service.WebhookService
	health  map[string]Check
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	s := &testServer{
		store:  memstore.New(),
		stripe: processor.NewFake(model.ProcessorStripe),
		queue:  queue.NewMemory(16),
		health: map[string]Check{},
	}
	registry := processor.NewRegistry(s.stripe)
	fees := config.DefaultFeeSchedule()
	configs := cache.New(s.store, time.Minute, nil)
	retry := processor.RetryPolicy{Attempts: 1, BaseDelay: time.Millisecond, Timeout: time.Second}

	conns := service.NewConnectionService(s.store, registry, notify.Nop{}, service.ConnectionOptions{
		WebhookBaseURL: "https://hooks.example.com/api/v1/webhooks",
		Retry:          retry,
	})
	ledger := service.NewLedgerService(s.store, s.store, s.store, registry, lock.NewLocal(), noBookings{},
		service.LedgerOptions{Retry: retry})
	audit := service.NewAuditRecorder(s.store, 64, time.Hour)
	router := service.NewRouterService(configs, conns, fees, audit)
	collections := service.NewCollectionService(s.store, s.store, &processor.FakeCharger{}, lock.NewLocal(),
		notify.Nop{}, service.DefaultCollectionOptions())
	s.webhook = service.NewWebhookService(s.store, registry, s.queue, ledger)
	analytics := service.NewAnalyticsService(s.store, s.store, fees, decimal.Zero)

	s.router = NewRouter(Handlers{
		Health:      NewHealthHandler(s.health),
		Webhooks:    NewWebhookHandler(s.webhook, "https://hooks.example.com/api/v1/webhooks"),
		Routing:     NewRoutingHandler(router, audit),
		Connections: NewConnectionHandler(conns, ledger),
		Ledger:      NewLedgerHandler(ledger),
		Collections: NewCollectionHandler(collections),
		Analytics:   NewAnalyticsHandler(analytics),
		Admin:       NewAdminHandler(service.NewMerchantConfigService(s.store, configs)),
		Reports:     NewReportHandler(service.NewReportService(analytics, collections, ledger)),
	}, testSecret)
	return s
}

func token(t *testing.T, merchantID, role string) string {
	t.Helper()
	tok, err := middleware.Issue(testSecret, merchantID, role, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	require.NoError(t, err)
	return tok
}

func (s *testServer) do(t *testing.T, method, path, tok string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

// configure stores a merchant payment config through the admin API.
func (s *testServer) configure(t *testing.T, merchantID string, body map[string]interface{}) {
	t.Helper()
	w := s.do(t, http.MethodPut, "/api/v1/admin/merchants/"+merchantID+"/payment-config", token(t, "", middleware.RoleAdmin), body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}
