package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/c50bossio/hybrid-payments/internal/model"
)

const squareSignatureHeader = "X-Square-Hmacsha256-Signature"

type Square struct {
	rest *restClient
}

func NewSquare(baseURL string, timeout time.Duration) *Square {
	return &Square{rest: newRESTClient(model.ProcessorSquare, baseURL, timeout)}
}

func (s *Square) Type() model.ProcessorType { return model.ProcessorSquare }

type squareMoney struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type squarePayment struct {
	ID            string       `json:"id"`
	Status        string       `json:"status"`
	AmountMoney   squareMoney  `json:"amount_money"`
	ReferenceID   string       `json:"reference_id"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
	RefundedMoney *squareMoney `json:"refunded_money,omitempty"`
	ProcessingFee []struct {
		AmountMoney squareMoney `json:"amount_money"`
	} `json:"processing_fee"`
}

func (p squarePayment) event() TransactionEvent {
	var fees int64
	for _, f := range p.ProcessingFee {
		fees += f.AmountMoney.Amount
	}
	occurred := p.UpdatedAt
	if occurred.IsZero() {
		occurred = p.CreatedAt
	}
	return TransactionEvent{
		ExternalTransactionID: p.ID,
		Amount:                p.AmountMoney.Amount,
		Currency:              p.AmountMoney.Currency,
		Status:                squareStatus(p.Status, p.RefundedMoney),
		BookingRef:            p.ReferenceID,
		ProcessorFees:         fees,
		OccurredAt:            occurred,
	}
}

func squareStatus(status string, refunded *squareMoney) model.TransactionStatus {
	if refunded != nil && refunded.Amount > 0 {
		return model.TxRefunded
	}
	switch status {
	case "COMPLETED":
		return model.TxCompleted
	case "FAILED", "CANCELED":
		return model.TxFailed
	default:
		return model.TxPending
	}
}

func (s *Square) headers(creds model.Credentials) map[string]string {
	return map[string]string{
		"Authorization":  "Bearer " + creds.APIKey,
		"Square-Version": "2024-06-04",
	}
}

func (s *Square) Probe(ctx context.Context, creds model.Credentials) (*Account, error) {
	var resp struct {
		Merchant struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"merchant"`
	}
	if err := s.rest.do(ctx, "GET", "/v2/merchants/me", s.headers(creds), nil, &resp); err != nil {
		return nil, err
	}
	active := resp.Merchant.Status == "ACTIVE"
	return &Account{
		ExternalAccountID: resp.Merchant.ID,
		Capabilities:      model.Capabilities{Payments: active, Refunds: active, Recurring: false},
	}, nil
}

func (s *Square) HealthCheck(ctx context.Context, creds model.Credentials) error {
	acct, err := s.Probe(ctx, creds)
	if err != nil {
		return err
	}
	if !acct.Capabilities.Payments {
		return fmt.Errorf("square merchant %s is not active", acct.ExternalAccountID)
	}
	return nil
}

func (s *Square) RegisterWebhook(ctx context.Context, creds model.Credentials, notificationURL string) (*Webhook, error) {
	req := map[string]interface{}{
		"idempotency_key": "webhook:" + notificationURL,
		"subscription": map[string]interface{}{
			"name":             "hybrid-payments ledger",
			"event_types":      []string{"payment.created", "payment.updated", "refund.updated"},
			"notification_url": notificationURL,
		},
	}
	var resp struct {
		Subscription struct {
			ID           string `json:"id"`
			SignatureKey string `json:"signature_key"`
		} `json:"subscription"`
	}
	if err := s.rest.do(ctx, "POST", "/v2/webhooks/subscriptions", s.headers(creds), req, &resp); err != nil {
		return nil, err
	}
	return &Webhook{EndpointID: resp.Subscription.ID, Secret: resp.Subscription.SignatureKey}, nil
}

func (s *Square) DeregisterWebhook(ctx context.Context, creds model.Credentials, endpointID string) error {
	return s.rest.do(ctx, "DELETE", "/v2/webhooks/subscriptions/"+url.PathEscape(endpointID), s.headers(creds), nil, nil)
}

func (s *Square) ListTransactions(ctx context.Context, creds model.Credentials, since time.Time, cursor string) (*Page, error) {
	q := url.Values{}
	q.Set("begin_time", since.UTC().Format(time.RFC3339))
	q.Set("sort_order", "ASC")
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp struct {
		Payments []squarePayment `json:"payments"`
		Cursor   string          `json:"cursor"`
	}
	if err := s.rest.do(ctx, "GET", "/v2/payments?"+q.Encode(), s.headers(creds), nil, &resp); err != nil {
		return nil, err
	}

	page := &Page{NextCursor: resp.Cursor, Events: make([]TransactionEvent, 0, len(resp.Payments))}
	for _, p := range resp.Payments {
		page.Events = append(page.Events, p.event())
	}
	return page, nil
}

func (s *Square) Authorize(ctx context.Context, creds model.Credentials, req ChargeRequest) (*ChargeResult, error) {
	body := map[string]interface{}{
		"source_id":       req.Source,
		"idempotency_key": req.IdempotencyKey,
		"amount_money":    squareMoney{Amount: req.Amount, Currency: req.Currency},
		"autocomplete":    false,
		"reference_id":    req.Metadata["booking_ref"],
		"note":            req.Description,
	}
	return s.paymentCall(ctx, creds, "/v2/payments", body)
}

func (s *Square) Capture(ctx context.Context, creds model.Credentials, chargeID string, _ int64) (*ChargeResult, error) {
	return s.paymentCall(ctx, creds, "/v2/payments/"+url.PathEscape(chargeID)+"/complete", map[string]interface{}{})
}

func (s *Square) Refund(ctx context.Context, creds model.Credentials, req RefundRequest) (*ChargeResult, error) {
	body := map[string]interface{}{
		"idempotency_key": req.IdempotencyKey,
		"payment_id":      req.ChargeID,
		"amount_money":    squareMoney{Amount: req.Amount, Currency: req.Currency},
	}
	var resp struct {
		Refund struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"refund"`
	}
	if err := s.rest.do(ctx, "POST", "/v2/refunds", s.headers(creds), body, &resp); err != nil {
		return nil, err
	}
	return &ChargeResult{ChargeID: resp.Refund.ID, Status: resp.Refund.Status}, nil
}

func (s *Square) paymentCall(ctx context.Context, creds model.Credentials, path string, body interface{}) (*ChargeResult, error) {
	var resp struct {
		Payment squarePayment `json:"payment"`
	}
	if err := s.rest.do(ctx, "POST", path, s.headers(creds), body, &resp); err != nil {
		return nil, err
	}
	if resp.Payment.Status == "FAILED" || resp.Payment.Status == "CANCELED" {
		return nil, fmt.Errorf("%w: square payment %s %s", ErrDeclined, resp.Payment.ID, resp.Payment.Status)
	}
	return &ChargeResult{ChargeID: resp.Payment.ID, Status: resp.Payment.Status}, nil
}

// ParseWebhook verifies the Square signature over notification URL + body. Square puts no
// timestamp in the headers, so the replay window is enforced on the event's created_at.
func (s *Square) ParseWebhook(req WebhookRequest) (*TransactionEvent, error) {
	if err := VerifyURL(req.Secret, req.URL, req.Headers.Get(squareSignatureHeader), req.Payload); err != nil {
		return nil, err
	}

	var notification struct {
		EventID   string    `json:"event_id"`
		Type      string    `json:"type"`
		CreatedAt time.Time `json:"created_at"`
		Data      struct {
			Object struct {
				Payment *squarePayment `json:"payment"`
				Refund  *struct {
					PaymentID   string      `json:"payment_id"`
					Status      string      `json:"status"`
					AmountMoney squareMoney `json:"amount_money"`
					UpdatedAt   time.Time   `json:"updated_at"`
				} `json:"refund"`
			} `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(req.Payload, &notification); err != nil {
		return nil, fmt.Errorf("decode square webhook: %w", err)
	}
	if err := checkWindow(notification.CreatedAt); err != nil {
		return nil, err
	}

	switch {
	case notification.Data.Object.Payment != nil:
		ev := notification.Data.Object.Payment.event()
		ev.EventID = notification.EventID
		return &ev, nil
	case notification.Data.Object.Refund != nil && notification.Data.Object.Refund.Status == "COMPLETED":
		r := notification.Data.Object.Refund
		return &TransactionEvent{
			EventID:               notification.EventID,
			ExternalTransactionID: r.PaymentID,
			Currency:              r.AmountMoney.Currency,
			Status:                model.TxRefunded,
			OccurredAt:            r.UpdatedAt,
		}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedEvent, notification.Type)
}
