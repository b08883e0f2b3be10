package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/client"
	"github.com/stripe/stripe-go/v72/webhook"

	"github.com/c50bossio/hybrid-payments/internal/model"
)

const stripeSignatureHeader = "Stripe-Signature"

var stripeWebhookEvents = []string{
	"charge.succeeded",
	"charge.captured",
	"charge.pending",
	"charge.failed",
	"charge.refunded",
}

// Stripe adapts a merchant's own Stripe account. A client is built per call from the
// connection's secret key; backends are shared.
type Stripe struct {
	backends *stripe.Backends
}

func NewStripe(timeout time.Duration) *Stripe {
	return &Stripe{backends: newStripeBackends(&http.Client{Timeout: timeout})}
}

func newStripeBackends(hc *http.Client) *stripe.Backends {
	return &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{HTTPClient: hc}),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, &stripe.BackendConfig{HTTPClient: hc}),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, &stripe.BackendConfig{HTTPClient: hc}),
	}
}

func (s *Stripe) Type() model.ProcessorType { return model.ProcessorStripe }

func (s *Stripe) api(creds model.Credentials) *client.API {
	return client.New(creds.APIKey, s.backends)
}

func (s *Stripe) Probe(ctx context.Context, creds model.Credentials) (*Account, error) {
	acct, err := s.api(creds).Account.Get()
	if err != nil {
		return nil, classifyStripe(err)
	}
	return &Account{
		ExternalAccountID: acct.ID,
		Capabilities: model.Capabilities{
			Payments:  acct.ChargesEnabled,
			Refunds:   acct.ChargesEnabled,
			Recurring: acct.ChargesEnabled,
		},
	}, nil
}

func (s *Stripe) HealthCheck(ctx context.Context, creds model.Credentials) error {
	params := &stripe.BalanceParams{}
	params.Context = ctx
	if _, err := s.api(creds).Balance.Get(params); err != nil {
		return classifyStripe(err)
	}
	return nil
}

func (s *Stripe) RegisterWebhook(ctx context.Context, creds model.Credentials, url string) (*Webhook, error) {
	params := &stripe.WebhookEndpointParams{
		URL:           stripe.String(url),
		EnabledEvents: stripe.StringSlice(stripeWebhookEvents),
	}
	params.Context = ctx
	ep, err := s.api(creds).WebhookEndpoints.New(params)
	if err != nil {
		return nil, classifyStripe(err)
	}
	return &Webhook{EndpointID: ep.ID, Secret: ep.Secret}, nil
}

func (s *Stripe) DeregisterWebhook(ctx context.Context, creds model.Credentials, endpointID string) error {
	params := &stripe.WebhookEndpointParams{}
	params.Context = ctx
	if _, err := s.api(creds).WebhookEndpoints.Del(endpointID, params); err != nil {
		return classifyStripe(err)
	}
	return nil
}

func (s *Stripe) ListTransactions(ctx context.Context, creds model.Credentials, since time.Time, cursor string) (*Page, error) {
	params := &stripe.ChargeListParams{
		CreatedRange: &stripe.RangeQueryParams{GreaterThanOrEqual: since.Unix()},
	}
	params.Context = ctx
	params.Limit = stripe.Int64(100)
	params.Single = true
	params.AddExpand("data.balance_transaction")
	if cursor != "" {
		params.StartingAfter = stripe.String(cursor)
	}

	it := s.api(creds).Charges.List(params)
	page := &Page{}
	var last string
	for it.Next() {
		c := it.Charge()
		page.Events = append(page.Events, stripeChargeEvent(c))
		last = c.ID
	}
	if err := it.Err(); err != nil {
		return nil, classifyStripe(err)
	}
	if it.Meta() != nil && it.Meta().HasMore && last != "" {
		page.NextCursor = last
	}
	return page, nil
}

func (s *Stripe) Authorize(ctx context.Context, creds model.Credentials, req ChargeRequest) (*ChargeResult, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.Amount),
		Currency:      stripe.String(strings.ToLower(req.Currency)),
		PaymentMethod: stripe.String(req.Source),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		Confirm:       stripe.Bool(true),
	}
	if req.Customer != "" {
		params.Customer = stripe.String(req.Customer)
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)

	pi, err := s.api(creds).PaymentIntents.New(params)
	if err != nil {
		return nil, classifyStripe(err)
	}
	if string(pi.Status) == "requires_payment_method" || string(pi.Status) == "canceled" {
		return nil, fmt.Errorf("%w: payment intent %s %s", ErrDeclined, pi.ID, pi.Status)
	}
	return &ChargeResult{ChargeID: pi.ID, Status: string(pi.Status)}, nil
}

func (s *Stripe) Capture(ctx context.Context, creds model.Credentials, chargeID string, amount int64) (*ChargeResult, error) {
	params := &stripe.PaymentIntentCaptureParams{}
	if amount > 0 {
		params.AmountToCapture = stripe.Int64(amount)
	}
	params.Context = ctx
	params.SetIdempotencyKey("capture:" + chargeID)

	pi, err := s.api(creds).PaymentIntents.Capture(chargeID, params)
	if err != nil {
		return nil, classifyStripe(err)
	}
	return &ChargeResult{ChargeID: pi.ID, Status: string(pi.Status)}, nil
}

func (s *Stripe) Refund(ctx context.Context, creds model.Credentials, req RefundRequest) (*ChargeResult, error) {
	params := &stripe.RefundParams{}
	if strings.HasPrefix(req.ChargeID, "pi_") {
		params.PaymentIntent = stripe.String(req.ChargeID)
	} else {
		params.Charge = stripe.String(req.ChargeID)
	}
	if req.Amount > 0 {
		params.Amount = stripe.Int64(req.Amount)
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)

	r, err := s.api(creds).Refunds.New(params)
	if err != nil {
		return nil, classifyStripe(err)
	}
	return &ChargeResult{ChargeID: r.ID, Status: string(r.Status)}, nil
}

func (s *Stripe) ParseWebhook(req WebhookRequest) (*TransactionEvent, error) {
	event, err := webhook.ConstructEventWithTolerance(req.Payload, req.Headers.Get(stripeSignatureHeader), req.Secret, Tolerance)
	if err != nil {
		if errors.Is(err, webhook.ErrTooOld) {
			return nil, ErrStaleWebhook
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	known := false
	for _, t := range stripeWebhookEvents {
		if event.Type == t {
			known = true
			break
		}
	}
	if !known || event.Data == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEvent, event.Type)
	}

	var c stripe.Charge
	if err := json.Unmarshal(event.Data.Raw, &c); err != nil {
		return nil, fmt.Errorf("decode stripe charge: %w", err)
	}
	ev := stripeChargeEvent(&c)
	ev.EventID = event.ID
	if event.Type == "charge.refunded" {
		ev.Status = model.TxRefunded
	}
	return &ev, nil
}

func stripeChargeEvent(c *stripe.Charge) TransactionEvent {
	ev := TransactionEvent{
		ExternalTransactionID: c.ID,
		Amount:                c.Amount,
		Currency:              strings.ToUpper(string(c.Currency)),
		BookingRef:            c.Metadata["booking_ref"],
		OccurredAt:            time.Unix(c.Created, 0).UTC(),
	}
	if c.BalanceTransaction != nil {
		ev.ProcessorFees = c.BalanceTransaction.Fee
	}

	switch {
	case c.Refunded || c.AmountRefunded > 0:
		ev.Status = model.TxRefunded
	case string(c.Status) == "failed":
		ev.Status = model.TxFailed
	case string(c.Status) == "succeeded" && c.Captured:
		ev.Status = model.TxCompleted
	default:
		ev.Status = model.TxPending
	}
	return ev
}

// classifyStripe maps stripe-go errors onto the adapter error set.
func classifyStripe(err error) error {
	var se *stripe.Error
	if !errors.As(err, &se) {
		return err
	}
	switch {
	case se.Type == stripe.ErrorTypeCard:
		return fmt.Errorf("%w: %s", ErrDeclined, se.Msg)
	case se.HTTPStatusCode == http.StatusUnauthorized || se.HTTPStatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, se.Msg)
	}
	return &StatusError{Processor: model.ProcessorStripe, StatusCode: se.HTTPStatusCode, Body: se.Msg}
}
