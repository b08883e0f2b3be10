package processor

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/c50bossio/hybrid-payments/internal/model"
	"github.com/c50bossio/hybrid-payments/internal/money"
)

const (
	paypalTimeHeader      = "Paypal-Transmission-Time"
	paypalSignatureHeader = "Paypal-Transmission-Sig"
	paypalPageSize        = 100
)

// PayPal talks to the PayPal REST API. Credentials carry the client id in AccountID and the
// client secret in APIKey. Webhook deliveries are relayed by the PayPal gateway with a
// timestamped HMAC over the body, keyed by the secret issued at registration.
type PayPal struct {
	rest *restClient
}

func NewPayPal(baseURL string, timeout time.Duration) *PayPal {
	return &PayPal{rest: newRESTClient(model.ProcessorPayPal, baseURL, timeout)}
}

func (p *PayPal) Type() model.ProcessorType { return model.ProcessorPayPal }

type paypalAmount struct {
	Value        string `json:"value"`
	CurrencyCode string `json:"currency_code"`
}

// minor converts the amount to minor units of its own currency. An absent amount is zero.
func (a paypalAmount) minor() (int64, error) {
	if a.Value == "" {
		return 0, nil
	}
	v, err := money.FromMajor(a.Value, a.CurrencyCode)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return v, nil
}

func (p *PayPal) token(ctx context.Context, creds model.Credentials) (map[string]string, error) {
	basic := base64.StdEncoding.EncodeToString([]byte(creds.AccountID + ":" + creds.APIKey))
	var resp struct {
		AccessToken string `json:"access_token"`
	}
	form := url.Values{"grant_type": {"client_credentials"}}
	if err := p.rest.doForm(ctx, "/v1/oauth2/token", map[string]string{"Authorization": "Basic " + basic}, form, &resp); err != nil {
		return nil, err
	}
	return map[string]string{"Authorization": "Bearer " + resp.AccessToken}, nil
}

func (p *PayPal) Probe(ctx context.Context, creds model.Credentials) (*Account, error) {
	h, err := p.token(ctx, creds)
	if err != nil {
		return nil, err
	}
	var resp struct {
		PayerID string `json:"payer_id"`
	}
	if err := p.rest.do(ctx, "GET", "/v1/identity/oauth2/userinfo?schema=paypalv1.1", h, nil, &resp); err != nil {
		return nil, err
	}
	return &Account{
		ExternalAccountID: resp.PayerID,
		Capabilities:      model.Capabilities{Payments: true, Refunds: true, Recurring: true},
	}, nil
}

func (p *PayPal) HealthCheck(ctx context.Context, creds model.Credentials) error {
	_, err := p.token(ctx, creds)
	return err
}

func (p *PayPal) RegisterWebhook(ctx context.Context, creds model.Credentials, notificationURL string) (*Webhook, error) {
	h, err := p.token(ctx, creds)
	if err != nil {
		return nil, err
	}
	events := []map[string]string{
		{"name": "PAYMENT.CAPTURE.COMPLETED"},
		{"name": "PAYMENT.CAPTURE.DENIED"},
		{"name": "PAYMENT.CAPTURE.PENDING"},
		{"name": "PAYMENT.CAPTURE.REFUNDED"},
	}
	var resp struct {
		ID string `json:"id"`
	}
	body := map[string]interface{}{"url": notificationURL, "event_types": events}
	if err := p.rest.do(ctx, "POST", "/v1/notifications/webhooks", h, body, &resp); err != nil {
		return nil, err
	}
	return &Webhook{EndpointID: resp.ID, Secret: strings.ReplaceAll(uuid.NewString(), "-", "")}, nil
}

func (p *PayPal) DeregisterWebhook(ctx context.Context, creds model.Credentials, endpointID string) error {
	h, err := p.token(ctx, creds)
	if err != nil {
		return err
	}
	return p.rest.do(ctx, "DELETE", "/v1/notifications/webhooks/"+url.PathEscape(endpointID), h, nil, nil)
}

type paypalTransaction struct {
	TransactionInfo struct {
		TransactionID             string       `json:"transaction_id"`
		TransactionAmount         paypalAmount `json:"transaction_amount"`
		FeeAmount                 paypalAmount `json:"fee_amount"`
		TransactionStatus         string       `json:"transaction_status"`
		InvoiceID                 string       `json:"invoice_id"`
		CustomField               string       `json:"custom_field"`
		TransactionUpdatedDate    time.Time    `json:"transaction_updated_date"`
		TransactionInitiationDate time.Time    `json:"transaction_initiation_date"`
	} `json:"transaction_info"`
}

func paypalReportStatus(code string) model.TransactionStatus {
	switch code {
	case "S":
		return model.TxCompleted
	case "D":
		return model.TxFailed
	case "V":
		return model.TxRefunded
	default:
		return model.TxPending
	}
}

// ListTransactions reads the transaction search report. Cursor is the 1-based page number.
func (p *PayPal) ListTransactions(ctx context.Context, creds model.Credentials, since time.Time, cursor string) (*Page, error) {
	h, err := p.token(ctx, creds)
	if err != nil {
		return nil, err
	}
	page := 1
	if cursor != "" {
		if page, err = strconv.Atoi(cursor); err != nil {
			return nil, fmt.Errorf("paypal cursor %q: %w", cursor, err)
		}
	}

	q := url.Values{}
	q.Set("start_date", since.UTC().Format(time.RFC3339))
	q.Set("end_date", now().UTC().Format(time.RFC3339))
	q.Set("page_size", strconv.Itoa(paypalPageSize))
	q.Set("page", strconv.Itoa(page))
	var resp struct {
		TransactionDetails []paypalTransaction `json:"transaction_details"`
		Page               int                 `json:"page"`
		TotalPages         int                 `json:"total_pages"`
	}
	if err := p.rest.do(ctx, "GET", "/v1/reporting/transactions?"+q.Encode(), h, nil, &resp); err != nil {
		return nil, err
	}

	out := &Page{Events: make([]TransactionEvent, 0, len(resp.TransactionDetails))}
	for _, t := range resp.TransactionDetails {
		info := t.TransactionInfo
		ref := info.CustomField
		if ref == "" {
			ref = info.InvoiceID
		}
		occurred := info.TransactionUpdatedDate
		if occurred.IsZero() {
			occurred = info.TransactionInitiationDate
		}
		amount, err := info.TransactionAmount.minor()
		if err != nil {
			return nil, fmt.Errorf("paypal transaction %s amount: %w", info.TransactionID, err)
		}
		fee, err := info.FeeAmount.minor()
		if err != nil {
			return nil, fmt.Errorf("paypal transaction %s fee: %w", info.TransactionID, err)
		}
		if fee < 0 {
			fee = -fee
		}
		out.Events = append(out.Events, TransactionEvent{
			ExternalTransactionID: info.TransactionID,
			Amount:                amount,
			Currency:              info.TransactionAmount.CurrencyCode,
			Status:                paypalReportStatus(info.TransactionStatus),
			BookingRef:            ref,
			ProcessorFees:         fee,
			OccurredAt:            occurred,
		})
	}
	if resp.Page < resp.TotalPages {
		out.NextCursor = strconv.Itoa(resp.Page + 1)
	}
	return out, nil
}

// Authorize authorizes a buyer-approved order; Source is the order id.
func (p *PayPal) Authorize(ctx context.Context, creds model.Credentials, req ChargeRequest) (*ChargeResult, error) {
	h, err := p.token(ctx, creds)
	if err != nil {
		return nil, err
	}
	h["PayPal-Request-Id"] = req.IdempotencyKey
	var resp struct {
		PurchaseUnits []struct {
			Payments struct {
				Authorizations []struct {
					ID     string `json:"id"`
					Status string `json:"status"`
				} `json:"authorizations"`
			} `json:"payments"`
		} `json:"purchase_units"`
	}
	path := "/v2/checkout/orders/" + url.PathEscape(req.Source) + "/authorize"
	if err := p.rest.do(ctx, "POST", path, h, map[string]interface{}{}, &resp); err != nil {
		return nil, err
	}
	if len(resp.PurchaseUnits) == 0 || len(resp.PurchaseUnits[0].Payments.Authorizations) == 0 {
		return nil, fmt.Errorf("%w: order %s returned no authorization", ErrDeclined, req.Source)
	}
	auth := resp.PurchaseUnits[0].Payments.Authorizations[0]
	if auth.Status == "DENIED" {
		return nil, fmt.Errorf("%w: authorization %s denied", ErrDeclined, auth.ID)
	}
	return &ChargeResult{ChargeID: auth.ID, Status: auth.Status}, nil
}

func (p *PayPal) Capture(ctx context.Context, creds model.Credentials, chargeID string, _ int64) (*ChargeResult, error) {
	h, err := p.token(ctx, creds)
	if err != nil {
		return nil, err
	}
	h["PayPal-Request-Id"] = "capture:" + chargeID
	var resp struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	path := "/v2/payments/authorizations/" + url.PathEscape(chargeID) + "/capture"
	if err := p.rest.do(ctx, "POST", path, h, map[string]interface{}{"final_capture": true}, &resp); err != nil {
		return nil, err
	}
	if resp.Status == "DECLINED" {
		return nil, fmt.Errorf("%w: capture %s declined", ErrDeclined, resp.ID)
	}
	return &ChargeResult{ChargeID: resp.ID, Status: resp.Status}, nil
}

func (p *PayPal) Refund(ctx context.Context, creds model.Credentials, req RefundRequest) (*ChargeResult, error) {
	h, err := p.token(ctx, creds)
	if err != nil {
		return nil, err
	}
	h["PayPal-Request-Id"] = req.IdempotencyKey
	body := map[string]interface{}{
		"amount": paypalAmount{Value: money.MajorIn(req.Amount, req.Currency), CurrencyCode: req.Currency},
	}
	var resp struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := p.rest.do(ctx, "POST", "/v2/payments/captures/"+url.PathEscape(req.ChargeID)+"/refund", h, body, &resp); err != nil {
		return nil, err
	}
	return &ChargeResult{ChargeID: resp.ID, Status: resp.Status}, nil
}

func (p *PayPal) ParseWebhook(req WebhookRequest) (*TransactionEvent, error) {
	if err := VerifyTimestamped(req.Secret, req.Headers.Get(paypalTimeHeader), req.Headers.Get(paypalSignatureHeader), req.Payload); err != nil {
		return nil, err
	}

	var notification struct {
		ID         string    `json:"id"`
		EventType  string    `json:"event_type"`
		CreateTime time.Time `json:"create_time"`
		Resource   struct {
			ID                        string       `json:"id"`
			Amount                    paypalAmount `json:"amount"`
			CustomID                  string       `json:"custom_id"`
			InvoiceID                 string       `json:"invoice_id"`
			UpdateTime                time.Time    `json:"update_time"`
			SellerReceivableBreakdown struct {
				PayPalFee paypalAmount `json:"paypal_fee"`
			} `json:"seller_receivable_breakdown"`
			Links []paypalLink `json:"links"`
		} `json:"resource"`
	}
	if err := json.Unmarshal(req.Payload, &notification); err != nil {
		return nil, fmt.Errorf("decode paypal webhook: %w", err)
	}

	r := notification.Resource
	amount, err := r.Amount.minor()
	if err != nil {
		return nil, fmt.Errorf("paypal webhook %s amount: %w", notification.ID, err)
	}
	fee, err := r.SellerReceivableBreakdown.PayPalFee.minor()
	if err != nil {
		return nil, fmt.Errorf("paypal webhook %s fee: %w", notification.ID, err)
	}
	ev := &TransactionEvent{
		EventID:               notification.ID,
		ExternalTransactionID: r.ID,
		Amount:                amount,
		Currency:              r.Amount.CurrencyCode,
		BookingRef:            r.CustomID,
		ProcessorFees:         fee,
		OccurredAt:            r.UpdateTime,
	}
	if ev.BookingRef == "" {
		ev.BookingRef = r.InvoiceID
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = notification.CreateTime
	}

	switch notification.EventType {
	case "PAYMENT.CAPTURE.COMPLETED":
		ev.Status = model.TxCompleted
	case "PAYMENT.CAPTURE.PENDING":
		ev.Status = model.TxPending
	case "PAYMENT.CAPTURE.DENIED":
		ev.Status = model.TxFailed
	case "PAYMENT.CAPTURE.REFUNDED":
		// The resource is the refund; the capture it belongs to is the "up" link.
		ev.Status = model.TxRefunded
		ev.ExternalTransactionID = captureFromLinks(r.Links, r.ID)
		ev.Amount = 0
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEvent, notification.EventType)
	}
	return ev, nil
}

type paypalLink struct {
	Rel  string `json:"rel"`
	Href string `json:"href"`
}

func captureFromLinks(links []paypalLink, fallback string) string {
	for _, l := range links {
		if l.Rel == "up" {
			if i := strings.LastIndex(l.Href, "/"); i >= 0 && i < len(l.Href)-1 {
				return l.Href[i+1:]
			}
		}
	}
	return fallback
}
