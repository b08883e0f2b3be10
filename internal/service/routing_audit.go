package service

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/c50bossio/hybrid-payments/internal/model"
)

const auditBatchSize = 100

// AuditRecorder buffers routing decisions and writes them in batches off the request path.
type AuditRecorder struct {
	store    RoutingStore
	ch       chan model.RoutingDecisionRecord
	interval time.Duration
	dropped  atomic.Int64
}

func NewAuditRecorder(store RoutingStore, buffer int, interval time.Duration) *AuditRecorder {
	if buffer <= 0 {
		buffer = 1024
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &AuditRecorder{store: store, ch: make(chan model.RoutingDecisionRecord, buffer), interval: interval}
}

// Record never blocks; a full buffer drops the record.
func (a *AuditRecorder) Record(rec model.RoutingDecisionRecord) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	select {
	case a.ch <- rec:
	default:
		n := a.dropped.Add(1)
		log.Warn().Str("merchant_id", rec.MerchantID).Int64("dropped_total", n).Msg("routing audit buffer full, record dropped")
	}
}

func (a *AuditRecorder) Dropped() int64 { return a.dropped.Load() }

// Run drains the buffer until ctx is cancelled, then flushes what is left.
func (a *AuditRecorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	batch := make([]model.RoutingDecisionRecord, 0, auditBatchSize)
	for {
		select {
		case rec := <-a.ch:
			batch = append(batch, rec)
			if len(batch) >= auditBatchSize {
				batch = a.flush(ctx, batch)
			}
		case <-ticker.C:
			batch = a.flush(ctx, batch)
		case <-ctx.Done():
			for {
				select {
				case rec := <-a.ch:
					batch = append(batch, rec)
				default:
					a.flush(context.Background(), batch)
					return nil
				}
			}
		}
	}
}

func (a *AuditRecorder) flush(ctx context.Context, batch []model.RoutingDecisionRecord) []model.RoutingDecisionRecord {
	if len(batch) == 0 {
		return batch
	}
	if err := a.store.InsertRoutingDecisions(ctx, batch); err != nil {
		log.Error().Err(err).Int("records", len(batch)).Msg("failed to write routing audit")
	}
	return batch[:0]
}

func (a *AuditRecorder) Recent(ctx context.Context, merchantID string, limit int) ([]model.RoutingDecisionRecord, error) {
	return a.store.ListRoutingDecisions(ctx, merchantID, limit)
}
