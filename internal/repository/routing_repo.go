package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/c50bossio/hybrid-payments/internal/model"
)

type RoutingRepository struct {
	pool *pgxpool.Pool
}

func NewRoutingRepository(pool *pgxpool.Pool) *RoutingRepository {
	return &RoutingRepository{pool: pool}
}

// InsertRoutingDecisions appends audit records in one batch.
func (r *RoutingRepository) InsertRoutingDecisions(ctx context.Context, records []model.RoutingDecisionRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin routing batch: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for i := range records {
		rec := &records[i]
		if rec.ID == "" {
			rec.ID = uuid.NewString()
		}
		batch.Queue(
			`INSERT INTO routing_decisions (id, merchant_id, amount, currency, client_preference, decision,
				processor_type, connection_id, reason, processing_fee, commission_fee, decided_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			rec.ID, rec.MerchantID, rec.Amount, rec.Currency, rec.ClientPreference, rec.Decision,
			rec.ProcessorType, rec.ConnectionID, rec.Reason, rec.ProcessingFee, rec.CommissionFee, rec.DecidedAt,
		)
	}

	br := tx.SendBatch(ctx, batch)
	for i := range records {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("insert routing decision %d: %w", i, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("close batch: %w", err)
	}

	return tx.Commit(ctx)
}

func (r *RoutingRepository) ListRoutingDecisions(ctx context.Context, merchantID string, limit int) ([]model.RoutingDecisionRecord, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, merchant_id, amount, currency, client_preference, decision, processor_type,
			connection_id, reason, processing_fee, commission_fee, decided_at
		FROM routing_decisions WHERE merchant_id = $1
		ORDER BY decided_at DESC, id LIMIT $2`, merchantID, limitOrDefault(limit))
	if err != nil {
		return nil, fmt.Errorf("query routing decisions: %w", err)
	}
	defer rows.Close()

	var out []model.RoutingDecisionRecord
	for rows.Next() {
		var d model.RoutingDecisionRecord
		if err := rows.Scan(&d.ID, &d.MerchantID, &d.Amount, &d.Currency, &d.ClientPreference, &d.Decision,
			&d.ProcessorType, &d.ConnectionID, &d.Reason, &d.ProcessingFee, &d.CommissionFee, &d.DecidedAt); err != nil {
			return nil, fmt.Errorf("scan routing decision: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
