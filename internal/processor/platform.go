package processor

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/client"
)

// Platform charges the platform-held Stripe account. Commission collection charges the
// merchant's billing customer; Source optionally names a specific card or source.
type Platform struct {
	api *client.API
}

func NewPlatform(secretKey string, timeout time.Duration) *Platform {
	return &Platform{api: client.New(secretKey, newStripeBackends(&http.Client{Timeout: timeout}))}
}

func (p *Platform) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	if req.Customer == "" {
		return nil, fmt.Errorf("%w: no billing customer", ErrDeclined)
	}

	params := &stripe.ChargeParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(strings.ToLower(req.Currency)),
		Customer: stripe.String(req.Customer),
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	if req.Source != "" {
		if err := params.SetSource(req.Source); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDeclined, err)
		}
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)

	ch, err := p.api.Charges.New(params)
	if err != nil {
		return nil, classifyStripe(err)
	}
	if string(ch.Status) == "failed" {
		return nil, fmt.Errorf("%w: charge %s %s", ErrDeclined, ch.ID, ch.FailureMessage)
	}
	return &ChargeResult{ChargeID: ch.ID, Status: string(ch.Status)}, nil
}
