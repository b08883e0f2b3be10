package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c50bossio/hybrid-payments/internal/model"
	"github.com/c50bossio/hybrid-payments/internal/notify"
	"github.com/c50bossio/hybrid-payments/internal/processor"
	"github.com/c50bossio/hybrid-payments/internal/repository"
)

func TestCreateConnection_Connected(t *testing.T) {
	f := newFixture(t)
	conn := f.connect(t, "m1", model.ProcessorStripe)

	assert.Equal(t, "acct_stripe", conn.ExternalAccountID)
	assert.True(t, conn.Capabilities.Payments)
	assert.Equal(t, "whsec_stripe", conn.WebhookSecret)
	assert.NotEmpty(t, conn.WebhookEndpointID)
	assert.Equal(t, 1, f.stripe.Calls("register"))

	snap := f.conns.Snapshot().Connections("m1")
	require.Len(t, snap, 1)
	assert.True(t, snap[0].Healthy())
}

func TestCreateConnection_RejectedCredentials(t *testing.T) {
	f := newFixture(t)
	f.stripe.ProbeErr = processor.ErrUnauthorized

	conn, err := f.conns.CreateConnection(context.Background(), "m1", model.ProcessorStripe, model.Credentials{APIKey: "bad"})
	require.NoError(t, err)
	assert.Equal(t, model.ConnectionError, conn.Status)
	assert.Equal(t, "credentials_rejected", conn.StatusReason)
	assert.Zero(t, f.stripe.Calls("register"))
}

func TestCreateConnection_AmbiguousProbeIsReprobed(t *testing.T) {
	f := newFixture(t)
	f.stripe.ProbeErr = &processor.StatusError{Processor: model.ProcessorStripe, StatusCode: 503}

	conn, err := f.conns.CreateConnection(context.Background(), "m1", model.ProcessorStripe, model.Credentials{APIKey: "sk"})
	require.NoError(t, err)
	assert.Equal(t, model.ConnectionError, conn.Status)
	assert.Equal(t, "processor_unavailable", conn.StatusReason)
	// two retried attempts and one re-probe
	assert.Equal(t, 3, f.stripe.Calls("probe"))
}

func TestCreateConnection_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.conns.CreateConnection(ctx, "m1", "venmo", model.Credentials{APIKey: "k"})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = f.conns.CreateConnection(ctx, "m1", model.ProcessorStripe, model.Credentials{})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestHealthCheck_ExpiresAfterConsecutiveFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conn := f.connect(t, "m1", model.ProcessorStripe)

	f.stripe.HealthErrs = []error{processor.ErrUnauthorized, nil, processor.ErrUnauthorized, processor.ErrUnauthorized, processor.ErrUnauthorized}

	out, err := f.conns.HealthCheck(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, out.ConsecutiveFailures)

	out, err = f.conns.HealthCheck(ctx, conn.ID)
	require.NoError(t, err)
	assert.Zero(t, out.ConsecutiveFailures, "a success resets the counter")

	for i := 0; i < 2; i++ {
		out, err = f.conns.HealthCheck(ctx, conn.ID)
		require.NoError(t, err)
		assert.Equal(t, model.ConnectionConnected, out.Status)
	}
	out, err = f.conns.HealthCheck(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ConnectionExpired, out.Status)

	assert.False(t, f.conns.Snapshot().Connections("m1")[0].Healthy())
	events := f.notifier.Events(notify.EventConnectionExpired)
	require.Len(t, events, 1)
	assert.Equal(t, "m1", events[0].MerchantID)
}

func TestHealthCheck_PersistentOutageExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conn := f.connect(t, "m1", model.ProcessorStripe)

	unavailable := &processor.StatusError{Processor: model.ProcessorStripe, StatusCode: 503}
	f.stripe.HealthErrs = []error{unavailable, unavailable, unavailable, unavailable, unavailable, unavailable}
	f.stripe.ProbeErr = unavailable
	require.NoError(t, f.conns.RefreshSnapshot(ctx))

	for i := 1; i < 3; i++ {
		out, err := f.conns.HealthCheck(ctx, conn.ID)
		require.NoError(t, err)
		assert.Equal(t, model.ConnectionConnected, out.Status)
		assert.Equal(t, i, out.ConsecutiveFailures)
		assert.Equal(t, "processor_unavailable", out.StatusReason)
	}

	out, err := f.conns.HealthCheck(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ConnectionExpired, out.Status)
	assert.Len(t, f.notifier.Events(notify.EventConnectionExpired), 1)

	f.merchant(t, "m1", model.ModeExternal)
	_, err = f.router.Route(ctx, RouteRequest{MerchantID: "m1", Amount: 5000, Currency: "USD"})
	assert.ErrorIs(t, err, ErrConnectionUnavailable, "an expired connection is never routed to")
}

func TestHealthCheck_TransientErrorRecoveredByRetry(t *testing.T) {
	f := newFixture(t)
	conn := f.connect(t, "m1", model.ProcessorStripe)
	f.stripe.HealthErrs = []error{&processor.StatusError{Processor: model.ProcessorStripe, StatusCode: 502}}

	out, err := f.conns.HealthCheck(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ConnectionConnected, out.Status)
	assert.Zero(t, out.ConsecutiveFailures)
}

func TestHealthCheck_CancelledChangesNothing(t *testing.T) {
	f := newFixture(t)
	conn := f.connect(t, "m1", model.ProcessorStripe)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := f.conns.HealthCheck(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ConnectionConnected, out.Status)
	assert.Zero(t, out.ConsecutiveFailures)
}

func TestReconnectAndRevoke(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conn := f.connect(t, "m1", model.ProcessorStripe)
	f.stripe.HealthErrs = []error{processor.ErrUnauthorized, processor.ErrUnauthorized, processor.ErrUnauthorized}
	for i := 0; i < 3; i++ {
		_, err := f.conns.HealthCheck(ctx, conn.ID)
		require.NoError(t, err)
	}

	back, err := f.conns.Reconnect(ctx, conn.ID, &model.Credentials{APIKey: "sk_rotated"})
	require.NoError(t, err)
	assert.Equal(t, model.ConnectionConnected, back.Status)
	assert.Zero(t, back.ConsecutiveFailures)
	assert.NotEqual(t, conn.WebhookEndpointID, back.WebhookEndpointID)
	assert.Equal(t, 1, f.stripe.Calls("deregister"))

	_, err = f.conns.Reconnect(ctx, conn.ID, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition, "already connected")

	f.ingest(t, back, "ch_1", 1000, model.TxPending)

	gone, err := f.conns.Revoke(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ConnectionDisconnected, gone.Status)
	assert.Empty(t, gone.Credentials.APIKey)
	assert.Empty(t, gone.WebhookSecret)

	again, err := f.conns.Revoke(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ConnectionDisconnected, again.Status)

	_, err = f.conns.Reconnect(ctx, conn.ID, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition, "disconnected is terminal")

	txs, total, err := f.ledger.ListTransactions(ctx, repository.TransactionFilter{ConnectionID: conn.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, total, "history survives revocation")
	assert.Len(t, txs, 1)
}
