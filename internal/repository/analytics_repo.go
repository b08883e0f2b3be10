package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/c50bossio/hybrid-payments/internal/model"
)

type AnalyticsRepository struct {
	pool *pgxpool.Pool
}

func NewAnalyticsRepository(pool *pgxpool.Pool) *AnalyticsRepository {
	return &AnalyticsRepository{pool: pool}
}

// InsertPlatformPayment records a payment captured by the checkout path on the
// platform processor.
func (r *AnalyticsRepository) InsertPlatformPayment(ctx context.Context, p *model.PlatformPayment) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO platform_payments (id, merchant_id, amount, currency, status, processing_fee, commission_fee, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.ID, p.MerchantID, p.Amount, p.Currency, p.Status, p.ProcessingFee, p.CommissionFee, p.ProcessedAt)
	return mapError(err, "insert platform payment")
}

func (r *AnalyticsRepository) PlatformTotals(ctx context.Context, merchantID string, from, to time.Time) (*PathTotals, error) {
	var t PathTotals
	var commission int64
	err := r.pool.QueryRow(ctx,
		`SELECT
			COALESCE(SUM(amount) FILTER (WHERE status IN ('succeeded', 'refunded')), 0),
			COALESCE(SUM(amount) FILTER (WHERE status = 'refunded'), 0),
			COUNT(*),
			COUNT(*) FILTER (WHERE status IN ('succeeded', 'refunded')),
			COALESCE(SUM(processing_fee) FILTER (WHERE status IN ('succeeded', 'refunded')), 0),
			COALESCE(SUM(commission_fee) FILTER (WHERE status = 'succeeded'), 0)
		FROM platform_payments
		WHERE merchant_id = $1 AND processed_at >= $2 AND processed_at < $3`,
		merchantID, from, to,
	).Scan(&t.Volume, &t.Refunded, &t.Attempts, &t.Succeeded, &t.ProcessingFees, &commission)
	if err != nil {
		return nil, fmt.Errorf("platform totals: %w", err)
	}
	t.Commission = decimal.NewFromInt(commission)
	return &t, nil
}

// ExternalTotals sums the ledger. Commission is the unrounded Σ amount × locked rate over
// completed rows plus refunded rows already claimed by a collection.
func (r *AnalyticsRepository) ExternalTotals(ctx context.Context, merchantID string, from, to time.Time) (*PathTotals, error) {
	var (
		t          PathTotals
		commission string
	)
	err := r.pool.QueryRow(ctx,
		`SELECT
			COALESCE(SUM(amount) FILTER (WHERE status IN ('completed', 'refunded')), 0),
			COALESCE(SUM(amount) FILTER (WHERE status = 'refunded'), 0),
			COUNT(*) FILTER (WHERE status <> 'pending'),
			COUNT(*) FILTER (WHERE status IN ('completed', 'refunded')),
			COALESCE(SUM(processor_fees) FILTER (WHERE status IN ('completed', 'refunded')), 0),
			COALESCE(SUM(amount * commission_rate_at_capture) FILTER (
				WHERE status = 'completed' OR (status = 'refunded' AND collection_id IS NOT NULL)), 0)::text
		FROM external_transactions
		WHERE merchant_id = $1 AND processed_at >= $2 AND processed_at < $3`,
		merchantID, from, to,
	).Scan(&t.Volume, &t.Refunded, &t.Attempts, &t.Succeeded, &t.ProcessingFees, &commission)
	if err != nil {
		return nil, fmt.Errorf("external totals: %w", err)
	}
	if t.Commission, err = parseDecimal(commission); err != nil {
		return nil, fmt.Errorf("parse external commission: %w", err)
	}
	return &t, nil
}

func (r *AnalyticsRepository) CollectionTotals(ctx context.Context, merchantID string, from, to time.Time) (*CollectionTotals, error) {
	var t CollectionTotals
	err := r.pool.QueryRow(ctx,
		`SELECT
			COALESCE(SUM(amount) FILTER (WHERE status = 'collected'), 0),
			COALESCE(SUM(amount) FILTER (WHERE status IN ('pending', 'due', 'processing')), 0),
			COALESCE(SUM(amount) FILTER (WHERE status = 'failed'), 0)
		FROM commission_collections
		WHERE merchant_id = $1 AND created_at >= $2 AND created_at < $3`,
		merchantID, from, to,
	).Scan(&t.Collected, &t.Outstanding, &t.Failed)
	if err != nil {
		return nil, fmt.Errorf("collection totals: %w", err)
	}
	return &t, nil
}
