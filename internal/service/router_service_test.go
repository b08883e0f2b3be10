package service

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c50bossio/hybrid-payments/internal/model"
)

func TestRoute_BelowMinExternalGoesCentralized(t *testing.T) {
	f := newFixture(t)
	f.merchant(t, "m1", model.ModeHybrid, func(c *model.MerchantPaymentConfig) {
		c.MinExternalAmount = 5000
	})
	f.connect(t, "m1", model.ProcessorSquare)

	d, err := f.router.Route(context.Background(), RouteRequest{MerchantID: "m1", Amount: 3000, Currency: "USD"})
	require.NoError(t, err)

	assert.Equal(t, model.RouteCentralized, d.Decision)
	assert.Equal(t, model.ProcessorPlatform, d.ProcessorType)
	assert.Empty(t, d.ConnectionID)
	assert.Equal(t, ReasonBelowMinExternal, d.Reason)
}

func TestRoute_ClientPreferenceExternal(t *testing.T) {
	f := newFixture(t)
	f.merchant(t, "m1", model.ModeHybrid, func(c *model.MerchantPaymentConfig) {
		c.CommissionRate = decimal.RequireFromString("0.15")
	})
	conn := f.connect(t, "m1", model.ProcessorStripe)

	d, err := f.router.Route(context.Background(), RouteRequest{
		MerchantID: "m1", Amount: 7500, Currency: "USD", ClientPreference: "external",
	})
	require.NoError(t, err)

	assert.Equal(t, model.RouteExternal, d.Decision)
	assert.Equal(t, conn.ID, d.ConnectionID)
	assert.Equal(t, model.ProcessorStripe, d.ProcessorType)
	assert.Equal(t, ReasonClientPreference, d.Reason)
	assert.Equal(t, int64(1125), d.EstimatedFees.CommissionFee)
	assert.Equal(t, int64(248), d.EstimatedFees.ProcessingFee)
	assert.Equal(t, int64(7500-248-1125), d.EstimatedFees.NetAmount)
}

func TestRoute_ModeCentralized(t *testing.T) {
	f := newFixture(t)
	f.merchant(t, "m1", model.ModeCentralized)
	f.connect(t, "m1", model.ProcessorSquare)

	d, err := f.router.Route(context.Background(), RouteRequest{MerchantID: "m1", Amount: 10000, ClientPreference: "square"})
	require.NoError(t, err)
	assert.Equal(t, model.RouteCentralized, d.Decision)
	assert.Equal(t, ReasonModeCentralized, d.Reason)
}

func TestRoute_ExternalTieBreaksOnConnectionID(t *testing.T) {
	f := newFixture(t)
	f.merchant(t, "m1", model.ModeExternal, func(c *model.MerchantPaymentConfig) {
		c.PreferredProcessor = model.ProcessorStripe
	})
	first := f.connect(t, "m1", model.ProcessorStripe)
	f.connect(t, "m1", model.ProcessorStripe)

	d, err := f.router.Route(context.Background(), RouteRequest{MerchantID: "m1", Amount: 10000})
	require.NoError(t, err)
	assert.Equal(t, model.RouteExternal, d.Decision)
	assert.Equal(t, ReasonModeExternal, d.Reason)

	// equal fee and equal preference fall back to connection id order
	conns, err := f.conns.ListConnections(context.Background(), "m1")
	require.NoError(t, err)
	lowest := first.ID
	for _, c := range conns {
		if c.ID < lowest {
			lowest = c.ID
		}
	}
	assert.Equal(t, lowest, d.ConnectionID)
}

func TestRoute_ExternalPrefersPreferredProcessor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.merchant(t, "m1", model.ModeExternal, func(c *model.MerchantPaymentConfig) {
		c.PreferredProcessor = model.ProcessorStripe
	})
	stripe := f.connect(t, "m1", model.ProcessorStripe)
	square := f.connect(t, "m1", model.ProcessorSquare)

	d, err := f.router.Route(ctx, RouteRequest{MerchantID: "m1", Amount: 5000})
	require.NoError(t, err)
	assert.Equal(t, stripe.ID, d.ConnectionID, "the preferred processor wins over a cheaper one")
	assert.Equal(t, ReasonModeExternal, d.Reason)

	d, err = f.router.Route(ctx, RouteRequest{MerchantID: "m1", Amount: 5000, ClientPreference: "external"})
	require.NoError(t, err)
	assert.Equal(t, stripe.ID, d.ConnectionID)

	_, err = f.conns.Revoke(ctx, stripe.ID)
	require.NoError(t, err)
	d, err = f.router.Route(ctx, RouteRequest{MerchantID: "m1", Amount: 5000})
	require.NoError(t, err)
	assert.Equal(t, square.ID, d.ConnectionID, "without a healthy preferred connection the cheapest is used")
}

func TestRoute_ExternalWithoutPreferenceIsFeeOrdered(t *testing.T) {
	f := newFixture(t)
	f.merchant(t, "m1", model.ModeExternal)
	f.connect(t, "m1", model.ProcessorStripe)
	square := f.connect(t, "m1", model.ProcessorSquare)

	d, err := f.router.Route(context.Background(), RouteRequest{MerchantID: "m1", Amount: 10000})
	require.NoError(t, err)
	assert.Equal(t, square.ID, d.ConnectionID)
}

func TestRoute_HybridFeeMinimizing(t *testing.T) {
	f := newFixture(t)
	f.merchant(t, "m1", model.ModeHybrid)
	stripe := f.connect(t, "m1", model.ProcessorStripe)

	d, err := f.router.Route(context.Background(), RouteRequest{MerchantID: "m1", Amount: 10000})
	require.NoError(t, err)
	assert.Equal(t, model.RouteCentralized, d.Decision, "equal fees prefer the platform")
	assert.Equal(t, ReasonFeeMinimizing, d.Reason)

	square := f.connect(t, "m1", model.ProcessorSquare)
	d, err = f.router.Route(context.Background(), RouteRequest{MerchantID: "m1", Amount: 10000})
	require.NoError(t, err)
	assert.Equal(t, model.RouteExternal, d.Decision)
	assert.Equal(t, square.ID, d.ConnectionID)

	d, err = f.router.Route(context.Background(), RouteRequest{MerchantID: "m1", Amount: 10000, ClientPreference: stripe.ID})
	require.NoError(t, err)
	assert.Equal(t, stripe.ID, d.ConnectionID)
	assert.Equal(t, ReasonClientPreference, d.Reason)

	d, err = f.router.Route(context.Background(), RouteRequest{MerchantID: "m1", Amount: 10000, ClientPreference: "centralized"})
	require.NoError(t, err)
	assert.Equal(t, model.RouteCentralized, d.Decision)
}

func TestRoute_HybridAboveMaxPlatform(t *testing.T) {
	f := newFixture(t)
	f.merchant(t, "m1", model.ModeHybrid, func(c *model.MerchantPaymentConfig) {
		c.MaxPlatformAmount = 50000
		c.PreferredProcessor = model.ProcessorStripe
	})
	conn := f.connect(t, "m1", model.ProcessorStripe)
	f.connect(t, "m1", model.ProcessorSquare)

	d, err := f.router.Route(context.Background(), RouteRequest{MerchantID: "m1", Amount: 60000, ClientPreference: "centralized"})
	require.NoError(t, err)
	assert.Equal(t, conn.ID, d.ConnectionID)
	assert.Equal(t, ReasonAboveMaxPlatform, d.Reason)
}

func TestRoute_NoHealthyConnection(t *testing.T) {
	ctx := context.Background()

	for _, mode := range []model.PaymentMode{model.ModeExternal, model.ModeHybrid} {
		t.Run(string(mode), func(t *testing.T) {
			f := newFixture(t)
			f.merchant(t, "m1", mode, func(c *model.MerchantPaymentConfig) {
				c.FallbackEnabled = false
			})
			conn := f.connect(t, "m1", model.ProcessorStripe)
			_, err := f.conns.Revoke(ctx, conn.ID)
			require.NoError(t, err)

			for _, pref := range []string{"", "external", "stripe", conn.ID} {
				_, err := f.router.Route(ctx, RouteRequest{MerchantID: "m1", Amount: 10000, ClientPreference: pref})
				assert.ErrorIs(t, err, ErrConnectionUnavailable, "preference %q", pref)
			}
		})
	}
}

func TestRoute_FallbackToCentralized(t *testing.T) {
	f := newFixture(t)
	f.merchant(t, "m1", model.ModeExternal, func(c *model.MerchantPaymentConfig) {
		c.FallbackEnabled = true
	})

	d, err := f.router.Route(context.Background(), RouteRequest{MerchantID: "m1", Amount: 10000})
	require.NoError(t, err)
	assert.Equal(t, model.RouteCentralized, d.Decision)
	assert.Equal(t, ReasonFallback, d.Reason)
}

func TestRoute_MissingConfigRoutesCentralized(t *testing.T) {
	f := newFixture(t)

	d, err := f.router.Route(context.Background(), RouteRequest{MerchantID: "unknown", Amount: 2500})
	require.NoError(t, err)
	assert.Equal(t, model.RouteCentralized, d.Decision)
	assert.Equal(t, ReasonConfigUnavailable, d.Reason)
	assert.Zero(t, d.EstimatedFees.CommissionFee)
}

func TestRoute_Deterministic(t *testing.T) {
	f := newFixture(t)
	f.merchant(t, "m1", model.ModeHybrid)
	f.connect(t, "m1", model.ProcessorStripe)
	f.connect(t, "m1", model.ProcessorSquare)
	f.connect(t, "m1", model.ProcessorSquare)

	req := RouteRequest{MerchantID: "m1", Amount: 12345, Currency: "USD"}
	first, err := f.router.Route(context.Background(), req)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		d, err := f.router.Route(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, first, d)
	}
}

func TestRoute_RecordsAudit(t *testing.T) {
	f := newFixture(t)
	f.merchant(t, "m1", model.ModeCentralized)

	_, err := f.router.Route(context.Background(), RouteRequest{MerchantID: "m1", Amount: 4000, ClientPreference: "external"})
	require.NoError(t, err)

	require.Len(t, f.audit.records, 1)
	rec := f.audit.records[0]
	assert.Equal(t, "m1", rec.MerchantID)
	assert.Equal(t, "USD", rec.Currency)
	assert.Equal(t, "external", rec.ClientPreference)
	assert.Equal(t, model.RouteCentralized, rec.Decision)
	assert.Equal(t, int64(800), rec.CommissionFee)
	assert.Equal(t, testNow, rec.DecidedAt)
}

func TestRoute_Validation(t *testing.T) {
	f := newFixture(t)
	_, err := f.router.Route(context.Background(), RouteRequest{MerchantID: "m1", Amount: 0})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = f.router.Route(context.Background(), RouteRequest{Amount: 100})
	assert.ErrorIs(t, err, ErrValidation)
}
