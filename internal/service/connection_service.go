package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/c50bossio/hybrid-payments/internal/model"
	"github.com/c50bossio/hybrid-payments/internal/notify"
	"github.com/c50bossio/hybrid-payments/internal/processor"
	"github.com/c50bossio/hybrid-payments/internal/repository"
)

// HealthSnapshot is an immutable view of every connection, grouped by merchant. The
// router reads it without touching the network or the store.
type HealthSnapshot struct {
	byMerchant map[string][]model.ProcessorConnection
	BuiltAt    time.Time
}

func NewHealthSnapshot(conns []model.ProcessorConnection, at time.Time) *HealthSnapshot {
	s := &HealthSnapshot{byMerchant: make(map[string][]model.ProcessorConnection), BuiltAt: at}
	for _, c := range conns {
		s.byMerchant[c.MerchantID] = append(s.byMerchant[c.MerchantID], c)
	}
	return s
}

// Connections returns the merchant's connections. Callers must not modify the slice.
func (s *HealthSnapshot) Connections(merchantID string) []model.ProcessorConnection {
	if s == nil {
		return nil
	}
	return s.byMerchant[merchantID]
}

// with returns a copy of s in which c replaces any entry with the same id.
func (s *HealthSnapshot) with(c model.ProcessorConnection, at time.Time) *HealthSnapshot {
	next := &HealthSnapshot{byMerchant: make(map[string][]model.ProcessorConnection, len(s.byMerchant)+1), BuiltAt: at}
	for m, conns := range s.byMerchant {
		next.byMerchant[m] = conns
	}
	existing := s.byMerchant[c.MerchantID]
	conns := make([]model.ProcessorConnection, 0, len(existing)+1)
	replaced := false
	for _, e := range existing {
		if e.ID == c.ID {
			conns = append(conns, c)
			replaced = true
			continue
		}
		conns = append(conns, e)
	}
	if !replaced {
		conns = append(conns, c)
	}
	next.byMerchant[c.MerchantID] = conns
	return next
}

type ConnectionOptions struct {
	// WebhookBaseURL is joined with /<processor_type>/<connection_id>.
	WebhookBaseURL string
	FailureLimit   int
	Retry          processor.RetryPolicy
	Concurrency    int
}

type ConnectionService struct {
	store    ConnectionStore
	adapters *processor.Registry
	notifier notify.Publisher
	opts     ConnectionOptions
	snapshot atomic.Pointer[HealthSnapshot]
	now      func() time.Time
}

func NewConnectionService(store ConnectionStore, adapters *processor.Registry, notifier notify.Publisher, opts ConnectionOptions) *ConnectionService {
	if opts.FailureLimit <= 0 {
		opts.FailureLimit = 3
	}
	if opts.Retry.Attempts == 0 {
		opts.Retry = processor.DefaultRetryPolicy()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	s := &ConnectionService{store: store, adapters: adapters, notifier: notifier, opts: opts, now: time.Now}
	s.snapshot.Store(NewHealthSnapshot(nil, time.Time{}))
	return s
}

func (s *ConnectionService) Snapshot() *HealthSnapshot {
	return s.snapshot.Load()
}

// RefreshSnapshot rebuilds the health snapshot from the store.
func (s *ConnectionService) RefreshSnapshot(ctx context.Context) error {
	conns, err := s.store.ListConnections(ctx, "")
	if err != nil {
		return fmt.Errorf("refresh health snapshot: %w", err)
	}
	s.snapshot.Store(NewHealthSnapshot(conns, s.now()))
	return nil
}

func (s *ConnectionService) publish(c *model.ProcessorConnection) {
	for {
		cur := s.snapshot.Load()
		if s.snapshot.CompareAndSwap(cur, cur.with(*c, s.now())) {
			return
		}
	}
}

func (s *ConnectionService) GetConnection(ctx context.Context, id string) (*model.ProcessorConnection, error) {
	return s.store.GetConnection(ctx, id)
}

func (s *ConnectionService) ListConnections(ctx context.Context, merchantID string) ([]model.ProcessorConnection, error) {
	return s.store.ListConnections(ctx, merchantID)
}

// CreateConnection records a pending connection, probes the processor and registers a
// webhook. A probe or registration failure leaves the connection in error with a reason;
// it is returned without an error so the caller can show the reason.
func (s *ConnectionService) CreateConnection(ctx context.Context, merchantID string, processorType model.ProcessorType, creds model.Credentials) (*model.ProcessorConnection, error) {
	if merchantID == "" {
		return nil, fmt.Errorf("%w: merchant_id is required", ErrValidation)
	}
	adapter, err := s.adapters.Get(processorType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if creds.APIKey == "" {
		return nil, fmt.Errorf("%w: credentials.api_key is required", ErrValidation)
	}

	conn := &model.ProcessorConnection{
		MerchantID:    merchantID,
		ProcessorType: processorType,
		Status:        model.ConnectionPending,
		Credentials:   creds,
	}
	if err := s.store.CreateConnection(ctx, conn); err != nil {
		return nil, fmt.Errorf("create connection: %w", err)
	}

	logger := log.With().Str("connection_id", conn.ID).Str("merchant_id", merchantID).
		Str("processor_type", string(processorType)).Logger()

	next := *conn
	acct, err := s.probe(ctx, adapter, creds)
	if err == nil {
		var hook *processor.Webhook
		hook, err = s.registerWebhook(ctx, adapter, &next)
		if err == nil {
			next.ExternalAccountID = acct.ExternalAccountID
			next.Capabilities = acct.Capabilities
			next.WebhookEndpointID = hook.EndpointID
			next.WebhookSecret = hook.Secret
			next.Status = model.ConnectionConnected
		}
	}
	checked := s.now()
	next.LastHealthCheckAt = &checked
	if err != nil {
		next.Status = model.ConnectionError
		next.StatusReason = failureReason(err)
		logger.Warn().Err(err).Msg("connection onboarding failed")
	}

	if err := s.transition(ctx, &next, conn.Status); err != nil {
		return nil, err
	}
	if next.Status == model.ConnectionConnected {
		logger.Info().Str("external_account_id", next.ExternalAccountID).Msg("connection established")
	}
	return &next, nil
}

// HealthCheck probes a connected connection. An ambiguous answer is re-probed before it
// counts as a failure; FailureLimit consecutive failures move the connection to expired.
// A check cut short by ctx changes nothing.
func (s *ConnectionService) HealthCheck(ctx context.Context, id string) (*model.ProcessorConnection, error) {
	conn, err := s.store.GetConnection(ctx, id)
	if err != nil {
		return nil, err
	}
	if conn.Status != model.ConnectionConnected {
		return conn, nil
	}
	adapter, err := s.adapters.Get(conn.ProcessorType)
	if err != nil {
		return nil, err
	}

	logger := log.With().Str("connection_id", conn.ID).Str("merchant_id", conn.MerchantID).Logger()

	err = s.opts.Retry.Do(ctx, func(ctx context.Context) error {
		return adapter.HealthCheck(ctx, conn.Credentials)
	})
	if processor.IsAmbiguous(err) {
		if ctx.Err() != nil {
			logger.Warn().Err(err).Msg("health check interrupted, status unchanged")
			return conn, nil
		}
		// An outage that survives the retries and the re-probe counts as one failed check.
		_, err = s.reprobe(ctx, adapter, conn.Credentials)
		if ctx.Err() != nil {
			logger.Warn().Err(err).Msg("health check interrupted, status unchanged")
			return conn, nil
		}
	}

	next := *conn
	checked := s.now()
	next.LastHealthCheckAt = &checked
	if err == nil {
		next.ConsecutiveFailures = 0
		next.StatusReason = ""
	} else {
		next.ConsecutiveFailures++
		next.StatusReason = failureReason(err)
		logger.Warn().Err(err).Int("consecutive_failures", next.ConsecutiveFailures).Msg("health check failed")
		if next.ConsecutiveFailures >= s.opts.FailureLimit {
			next.Status = model.ConnectionExpired
		}
	}

	if err := s.transition(ctx, &next, model.ConnectionConnected); err != nil {
		return nil, err
	}

	if next.Status == model.ConnectionExpired {
		logger.Error().Int("consecutive_failures", next.ConsecutiveFailures).Msg("connection expired")
		s.notifier.Publish(notify.Event{
			Type:       notify.EventConnectionExpired,
			MerchantID: next.MerchantID,
			Data: map[string]interface{}{
				"connection_id":  next.ID,
				"processor_type": next.ProcessorType,
				"reason":         next.StatusReason,
			},
		})
	}
	return &next, nil
}

// HealthCheckAll checks every connected connection with bounded parallelism and then
// rebuilds the snapshot. Individual failures are logged, not returned.
func (s *ConnectionService) HealthCheckAll(ctx context.Context) error {
	conns, err := s.store.ListConnectionsByStatus(ctx, model.ConnectionConnected)
	if err != nil {
		return fmt.Errorf("list connected: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for _, c := range conns {
		id := c.ID
		g.Go(func() error {
			if _, err := s.HealthCheck(gctx, id); err != nil {
				log.Error().Err(err).Str("connection_id", id).Msg("health check errored")
			}
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return s.RefreshSnapshot(ctx)
}

// Reconnect is the only way back to connected from error or expired. New credentials
// replace the stored ones when given.
func (s *ConnectionService) Reconnect(ctx context.Context, id string, creds *model.Credentials) (*model.ProcessorConnection, error) {
	conn, err := s.store.GetConnection(ctx, id)
	if err != nil {
		return nil, err
	}
	if !conn.Status.CanTransition(model.ConnectionConnected) || conn.Status == model.ConnectionPending {
		return nil, fmt.Errorf("%w: cannot reconnect from %s", ErrInvalidTransition, conn.Status)
	}
	adapter, err := s.adapters.Get(conn.ProcessorType)
	if err != nil {
		return nil, err
	}

	next := *conn
	if creds != nil && creds.APIKey != "" {
		next.Credentials = *creds
	}

	acct, err := s.probe(ctx, adapter, next.Credentials)
	if err == nil && next.WebhookEndpointID != "" {
		if derr := s.opts.Retry.Do(ctx, func(ctx context.Context) error {
			return adapter.DeregisterWebhook(ctx, conn.Credentials, conn.WebhookEndpointID)
		}); derr != nil {
			log.Warn().Err(derr).Str("connection_id", id).Msg("old webhook not deregistered")
		}
	}
	var hook *processor.Webhook
	if err == nil {
		hook, err = s.registerWebhook(ctx, adapter, &next)
	}
	if err != nil {
		if processor.IsAmbiguous(err) {
			return nil, fmt.Errorf("reconnect %s: %w", id, err)
		}
		next.StatusReason = failureReason(err)
		checked := s.now()
		next.LastHealthCheckAt = &checked
		if terr := s.transition(ctx, &next, conn.Status); terr != nil {
			return nil, terr
		}
		return &next, fmt.Errorf("reconnect %s: %w", id, err)
	}

	checked := s.now()
	next.Status = model.ConnectionConnected
	next.StatusReason = ""
	next.ConsecutiveFailures = 0
	next.LastHealthCheckAt = &checked
	next.ExternalAccountID = acct.ExternalAccountID
	next.Capabilities = acct.Capabilities
	next.WebhookEndpointID = hook.EndpointID
	next.WebhookSecret = hook.Secret

	if err := s.transition(ctx, &next, conn.Status); err != nil {
		return nil, err
	}
	log.Info().Str("connection_id", id).Str("from", string(conn.Status)).Msg("connection reconnected")
	return &next, nil
}

// Revoke deregisters the webhook and disconnects. Ledger history is untouched. Revoking a
// disconnected connection returns it unchanged.
func (s *ConnectionService) Revoke(ctx context.Context, id string) (*model.ProcessorConnection, error) {
	conn, err := s.store.GetConnection(ctx, id)
	if err != nil {
		return nil, err
	}
	if conn.Status == model.ConnectionDisconnected {
		return conn, nil
	}
	if !conn.Status.CanTransition(model.ConnectionDisconnected) {
		return nil, fmt.Errorf("%w: cannot revoke from %s", ErrInvalidTransition, conn.Status)
	}

	if conn.WebhookEndpointID != "" {
		adapter, err := s.adapters.Get(conn.ProcessorType)
		if err != nil {
			return nil, err
		}
		if err := s.opts.Retry.Do(ctx, func(ctx context.Context) error {
			return adapter.DeregisterWebhook(ctx, conn.Credentials, conn.WebhookEndpointID)
		}); err != nil {
			// Deliveries to a disconnected connection are rejected at intake.
			log.Warn().Err(err).Str("connection_id", id).Str("webhook_endpoint_id", conn.WebhookEndpointID).
				Msg("webhook deregistration failed during revoke")
		}
	}

	next := *conn
	next.Status = model.ConnectionDisconnected
	next.StatusReason = "revoked"
	next.Credentials = model.Credentials{}
	next.WebhookSecret = ""

	if err := s.transition(ctx, &next, conn.Status); err != nil {
		return nil, err
	}
	log.Info().Str("connection_id", id).Str("merchant_id", conn.MerchantID).Msg("connection revoked")
	return &next, nil
}

// transition persists next if the stored status is still from, then publishes it to the
// snapshot.
func (s *ConnectionService) transition(ctx context.Context, next *model.ProcessorConnection, from model.ConnectionStatus) error {
	if next.Status != from && !from.CanTransition(next.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, next.Status)
	}
	if err := s.store.UpdateConnection(ctx, next, from); err != nil {
		if errors.Is(err, repository.ErrStale) {
			return fmt.Errorf("%w: %v", ErrInvalidTransition, err)
		}
		return fmt.Errorf("update connection %s: %w", next.ID, err)
	}
	s.publish(next)
	return nil
}

// probe retries ambiguous failures, then re-probes once before reporting them.
func (s *ConnectionService) probe(ctx context.Context, adapter processor.Adapter, creds model.Credentials) (*processor.Account, error) {
	var acct *processor.Account
	err := s.opts.Retry.Do(ctx, func(ctx context.Context) error {
		var err error
		acct, err = adapter.Probe(ctx, creds)
		return err
	})
	if processor.IsAmbiguous(err) && ctx.Err() == nil {
		return s.reprobe(ctx, adapter, creds)
	}
	return acct, err
}

func (s *ConnectionService) reprobe(ctx context.Context, adapter processor.Adapter, creds model.Credentials) (*processor.Account, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.opts.Retry.Timeout)
	defer cancel()
	return adapter.Probe(callCtx, creds)
}

func (s *ConnectionService) registerWebhook(ctx context.Context, adapter processor.Adapter, conn *model.ProcessorConnection) (*processor.Webhook, error) {
	url := strings.TrimRight(s.opts.WebhookBaseURL, "/") + "/" + string(conn.ProcessorType) + "/" + conn.ID
	var hook *processor.Webhook
	err := s.opts.Retry.Do(ctx, func(ctx context.Context) error {
		var err error
		hook, err = adapter.RegisterWebhook(ctx, conn.Credentials, url)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("register webhook: %w", err)
	}
	return hook, nil
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, processor.ErrUnauthorized):
		return "credentials_rejected"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timeout"
	case processor.IsAmbiguous(err):
		return "processor_unavailable"
	default:
		return err.Error()
	}
}
