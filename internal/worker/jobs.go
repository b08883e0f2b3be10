package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/c50bossio/hybrid-payments/internal/queue"
	"github.com/c50bossio/hybrid-payments/internal/service"
)

type Intervals struct {
	HealthCheck     time.Duration
	SnapshotRefresh time.Duration
	Sync            time.Duration
	Reconcile       time.Duration
	Collection      time.Duration
	ReconcileBatch  int
}

func DefaultIntervals() Intervals {
	return Intervals{
		HealthCheck:     5 * time.Minute,
		SnapshotRefresh: time.Minute,
		Sync:            15 * time.Minute,
		Reconcile:       5 * time.Minute,
		Collection:      time.Hour,
		ReconcileBatch:  500,
	}
}

type Services struct {
	Connections *service.ConnectionService
	Ledger      *service.LedgerService
	Collections *service.CollectionService
	Webhooks    *service.WebhookService
	Audit       *service.AuditRecorder
	Queue       queue.Queue
	// ConfigListener applies config invalidations from other instances; optional.
	ConfigListener func(ctx context.Context) error
}

// Jobs returns the engine's standard background work.
func Jobs(s Services, iv Intervals) []Job {
	jobs := []Job{
		{Name: "health-monitor", Interval: iv.HealthCheck, Run: s.Connections.HealthCheckAll},
		{Name: "snapshot-refresh", Interval: iv.SnapshotRefresh, RunAtStart: true, Run: s.Connections.RefreshSnapshot},
		{Name: "ledger-sync", Interval: iv.Sync, Run: func(ctx context.Context) error {
			results, err := s.Ledger.SyncAll(ctx)
			log.Info().Int("connections", len(results)).Msg("scheduled sync finished")
			return err
		}},
		{Name: "reconciliation", Interval: iv.Reconcile, Run: func(ctx context.Context) error {
			sum, err := s.Ledger.ReconcilePending(ctx, iv.ReconcileBatch)
			if err != nil {
				return err
			}
			log.Info().Int("matched", sum.Matched).Int("mismatched", sum.Mismatched).
				Int("deferred", sum.Deferred).Msg("reconciliation pass finished")
			return nil
		}},
		{Name: "commission-collection", Interval: iv.Collection, Run: func(ctx context.Context) error {
			_, err := s.Collections.RunAll(ctx, time.Now())
			return err
		}},
		Loop("webhook-consumer", func(ctx context.Context) error {
			return s.Queue.Consume(ctx, s.Webhooks.HandleDelivery)
		}),
		Loop("routing-audit", s.Audit.Run),
	}
	if s.ConfigListener != nil {
		jobs = append(jobs, Loop("config-invalidation", s.ConfigListener))
	}
	return jobs
}
