package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/c50bossio/hybrid-payments/internal/model"
	"github.com/c50bossio/hybrid-payments/internal/processor"
	"github.com/c50bossio/hybrid-payments/internal/queue"
)

// Delivery is a verified, normalized webhook event waiting for ledger ingestion.
type Delivery struct {
	ConnectionID  string                     `json:"connection_id"`
	ProcessorType model.ProcessorType        `json:"processor_type"`
	Event         processor.TransactionEvent `json:"event"`
	ReceivedAt    time.Time                  `json:"received_at"`
}

type WebhookService struct {
	conns    ConnectionStore
	adapters *processor.Registry
	queue    queue.Queue
	ledger   *LedgerService
	now      func() time.Time
}

func NewWebhookService(conns ConnectionStore, adapters *processor.Registry, q queue.Queue, ledger *LedgerService) *WebhookService {
	return &WebhookService{conns: conns, adapters: adapters, queue: q, ledger: ledger, now: time.Now}
}

// Accept verifies a delivery and enqueues it. It never touches the ledger, so the
// processor gets its acknowledgement without waiting on ingestion. Event types the
// ledger does not track are acknowledged and dropped.
func (s *WebhookService) Accept(ctx context.Context, processorType model.ProcessorType, connectionID string,
	payload []byte, headers http.Header, url string) error {
	conn, err := s.conns.GetConnection(ctx, connectionID)
	if err != nil {
		return err
	}
	if conn.ProcessorType != processorType {
		return fmt.Errorf("connection %s is not %s: %w", connectionID, processorType, ErrNotFound)
	}
	if conn.Status == model.ConnectionDisconnected || conn.WebhookSecret == "" {
		return fmt.Errorf("connection %s does not accept webhooks: %w", connectionID, ErrNotFound)
	}
	adapter, err := s.adapters.Get(processorType)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}

	ev, err := adapter.ParseWebhook(processor.WebhookRequest{
		Payload: payload,
		Headers: headers,
		URL:     url,
		Secret:  conn.WebhookSecret,
	})
	switch {
	case errors.Is(err, processor.ErrInvalidSignature), errors.Is(err, processor.ErrStaleWebhook):
		log.Warn().Bool("security_event", true).Err(err).
			Str("connection_id", connectionID).Str("merchant_id", conn.MerchantID).
			Str("processor_type", string(processorType)).Msg("webhook rejected")
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	case errors.Is(err, processor.ErrUnsupportedEvent):
		log.Debug().Err(err).Str("connection_id", connectionID).Msg("webhook event ignored")
		return nil
	case err != nil:
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}

	body, err := json.Marshal(Delivery{
		ConnectionID:  conn.ID,
		ProcessorType: processorType,
		Event:         *ev,
		ReceivedAt:    s.now(),
	})
	if err != nil {
		return fmt.Errorf("encode delivery: %w", err)
	}
	if err := s.queue.Enqueue(ctx, body); err != nil {
		if errors.Is(err, queue.ErrFull) {
			log.Warn().Err(err).Str("connection_id", conn.ID).Msg("webhook queue full, asking processor to retry")
			return fmt.Errorf("%w: %v", ErrBackpressure, err)
		}
		return fmt.Errorf("enqueue delivery: %w", err)
	}
	log.Debug().Str("connection_id", conn.ID).Str("external_transaction_id", ev.ExternalTransactionID).
		Str("status", string(ev.Status)).Msg("webhook accepted")
	return nil
}

// HandleDelivery is the queue consumer. Returning an error redelivers the message.
func (s *WebhookService) HandleDelivery(ctx context.Context, payload []byte) error {
	var d Delivery
	if err := json.Unmarshal(payload, &d); err != nil {
		log.Error().Err(err).Msg("undecodable delivery dropped")
		return nil
	}

	conn, err := s.conns.GetConnection(ctx, d.ConnectionID)
	if err != nil {
		return fmt.Errorf("load connection %s: %w", d.ConnectionID, err)
	}

	tx, applied, err := s.ledger.Ingest(ctx, conn, d.Event)
	switch {
	case errors.Is(err, ErrOrphanRefund), errors.Is(err, ErrValidation):
		log.Warn().Err(err).Str("connection_id", conn.ID).Msg("delivery not ingested")
		return nil
	case err != nil:
		return err
	}

	if applied && tx.Status == model.TxCompleted && tx.ReconciliationStatus == model.ReconUnmatched {
		if _, err := s.ledger.Reconcile(ctx, tx); err != nil {
			log.Warn().Err(err).Str("transaction_id", tx.ID).Msg("reconciliation deferred")
		}
	}
	return nil
}
