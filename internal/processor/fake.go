package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/c50bossio/hybrid-payments/internal/model"
)

const (
	FakeTimestampHeader = "X-Processor-Timestamp"
	FakeSignatureHeader = "X-Processor-Signature"
)

// Fake is an in-process Adapter for tests and local runs. Webhook payloads are JSON
// TransactionEvents signed with SignTimestamped.
type Fake struct {
	mu sync.Mutex

	Kind          model.ProcessorType
	Account       Account
	ProbeErr      error
	RegisterErr   error
	DeregisterErr error
	// HealthErrs is consumed one per HealthCheck call; nil entries and an empty queue succeed.
	HealthErrs []error
	Pages      []Page
	ListErr    error

	calls map[string]int
	seq   int
}

func NewFake(kind model.ProcessorType) *Fake {
	return &Fake{
		Kind: kind,
		Account: Account{
			ExternalAccountID: "acct_" + string(kind),
			Capabilities:      model.Capabilities{Payments: true, Refunds: true, Recurring: true},
		},
		calls: make(map[string]int),
	}
}

func (f *Fake) Type() model.ProcessorType { return f.Kind }

func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *Fake) record(op string) {
	f.mu.Lock()
	f.calls[op]++
	f.mu.Unlock()
}

func (f *Fake) Probe(ctx context.Context, _ model.Credentials) (*Account, error) {
	f.record("probe")
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.ProbeErr != nil {
		return nil, f.ProbeErr
	}
	acct := f.Account
	return &acct, nil
}

func (f *Fake) HealthCheck(ctx context.Context, _ model.Credentials) error {
	f.record("health")
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.HealthErrs) == 0 {
		return nil
	}
	err := f.HealthErrs[0]
	f.HealthErrs = f.HealthErrs[1:]
	return err
}

func (f *Fake) RegisterWebhook(_ context.Context, _ model.Credentials, url string) (*Webhook, error) {
	f.record("register")
	if f.RegisterErr != nil {
		return nil, f.RegisterErr
	}
	f.mu.Lock()
	f.seq++
	n := f.seq
	f.mu.Unlock()
	return &Webhook{EndpointID: "we_" + strconv.Itoa(n), Secret: "whsec_" + string(f.Kind)}, nil
}

func (f *Fake) DeregisterWebhook(_ context.Context, _ model.Credentials, _ string) error {
	f.record("deregister")
	return f.DeregisterErr
}

func (f *Fake) ListTransactions(ctx context.Context, _ model.Credentials, _ time.Time, cursor string) (*Page, error) {
	f.record("list")
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	idx := 0
	if cursor != "" {
		var err error
		if idx, err = strconv.Atoi(cursor); err != nil {
			return nil, fmt.Errorf("fake cursor: %w", err)
		}
	}
	if idx >= len(f.Pages) {
		return &Page{}, nil
	}
	page := f.Pages[idx]
	if idx+1 < len(f.Pages) {
		page.NextCursor = strconv.Itoa(idx + 1)
	}
	return &page, nil
}

func (f *Fake) Authorize(_ context.Context, _ model.Credentials, req ChargeRequest) (*ChargeResult, error) {
	f.record("authorize")
	return &ChargeResult{ChargeID: "auth_" + req.IdempotencyKey, Status: "authorized"}, nil
}

func (f *Fake) Capture(_ context.Context, _ model.Credentials, chargeID string, _ int64) (*ChargeResult, error) {
	f.record("capture")
	return &ChargeResult{ChargeID: chargeID, Status: "captured"}, nil
}

func (f *Fake) Refund(_ context.Context, _ model.Credentials, req RefundRequest) (*ChargeResult, error) {
	f.record("refund")
	return &ChargeResult{ChargeID: "re_" + req.ChargeID, Status: "succeeded"}, nil
}

func (f *Fake) ParseWebhook(req WebhookRequest) (*TransactionEvent, error) {
	if err := VerifyTimestamped(req.Secret, req.Headers.Get(FakeTimestampHeader), req.Headers.Get(FakeSignatureHeader), req.Payload); err != nil {
		return nil, err
	}
	var ev TransactionEvent
	if err := json.Unmarshal(req.Payload, &ev); err != nil {
		return nil, fmt.Errorf("decode fake webhook: %w", err)
	}
	if !ev.Status.Valid() {
		return nil, fmt.Errorf("%w: status %q", ErrUnsupportedEvent, ev.Status)
	}
	return &ev, nil
}

// FakeCharger returns queued outcomes in order and records every idempotency key.
type FakeCharger struct {
	mu       sync.Mutex
	Outcomes []error
	Keys     []string
}

func (c *FakeCharger) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Keys = append(c.Keys, req.IdempotencyKey)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(c.Outcomes) > 0 {
		err := c.Outcomes[0]
		c.Outcomes = c.Outcomes[1:]
		if err != nil {
			return nil, err
		}
	}
	return &ChargeResult{ChargeID: "ch_" + req.IdempotencyKey, Status: "succeeded"}, nil
}
