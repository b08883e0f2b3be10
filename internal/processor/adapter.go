// Package processor holds the per-processor adapters. Each supported processor type is one
// variant of Adapter; callers dispatch through a Registry and never branch on the type string.
package processor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/c50bossio/hybrid-payments/internal/model"
)

var (
	ErrDeclined         = errors.New("processor declined the request")
	ErrUnauthorized     = errors.New("processor rejected credentials")
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrStaleWebhook     = errors.New("webhook timestamp outside replay window")
	ErrUnsupportedEvent = errors.New("unsupported webhook event")
	ErrUnknownProcessor = errors.New("unknown processor type")
	ErrInvalidPayload   = errors.New("malformed processor payload")
)

// StatusError is a non-2xx answer from a processor REST API.
type StatusError struct {
	Processor  model.ProcessorType
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Processor, e.StatusCode, e.Body)
}

// IsAmbiguous reports whether err leaves the remote outcome unknown: timeouts, cancellation,
// transport failures and 5xx answers. Callers must re-probe or reuse the same idempotency key
// instead of assuming failure.
func IsAmbiguous(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= 500 || se.StatusCode == http.StatusTooManyRequests
	}
	return false
}

type Account struct {
	ExternalAccountID string
	Capabilities      model.Capabilities
}

type Webhook struct {
	EndpointID string
	Secret     string
}

// WebhookRequest is the raw delivery as received by the HTTP layer.
type WebhookRequest struct {
	Payload []byte
	Headers http.Header
	URL     string
	Secret  string
}

// TransactionEvent is a processor record normalized for the ledger.
type TransactionEvent struct {
	EventID               string
	ExternalTransactionID string
	Amount                int64
	Currency              string
	Status                model.TransactionStatus
	BookingRef            string
	ProcessorFees         int64
	OccurredAt            time.Time
}

type Page struct {
	Events     []TransactionEvent
	NextCursor string
}

type ChargeRequest struct {
	Amount         int64
	Currency       string
	Source         string
	Customer       string
	Description    string
	IdempotencyKey string
	Metadata       map[string]string
}

type RefundRequest struct {
	ChargeID       string
	Amount         int64
	Currency       string
	IdempotencyKey string
}

type ChargeResult struct {
	ChargeID string
	Status   string
}

// Adapter is the capability surface every processor variant implements.
type Adapter interface {
	Type() model.ProcessorType

	Authorize(ctx context.Context, creds model.Credentials, req ChargeRequest) (*ChargeResult, error)
	Capture(ctx context.Context, creds model.Credentials, chargeID string, amount int64) (*ChargeResult, error)
	Refund(ctx context.Context, creds model.Credentials, req RefundRequest) (*ChargeResult, error)
	HealthCheck(ctx context.Context, creds model.Credentials) error
	ParseWebhook(req WebhookRequest) (*TransactionEvent, error)

	Probe(ctx context.Context, creds model.Credentials) (*Account, error)
	RegisterWebhook(ctx context.Context, creds model.Credentials, url string) (*Webhook, error)
	DeregisterWebhook(ctx context.Context, creds model.Credentials, endpointID string) error
	ListTransactions(ctx context.Context, creds model.Credentials, since time.Time, cursor string) (*Page, error)
}

// Charger charges the platform's own processor account; commission collection uses it.
type Charger interface {
	Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
}

type Registry struct {
	adapters map[model.ProcessorType]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[model.ProcessorType]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Type()] = a
	}
	return r
}

func (r *Registry) Get(t model.ProcessorType) (Adapter, error) {
	a, ok := r.adapters[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProcessor, t)
	}
	return a, nil
}
