package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/c50bossio/hybrid-payments/internal/model"
)

type MerchantConfigRepository struct {
	pool *pgxpool.Pool
}

func NewMerchantConfigRepository(pool *pgxpool.Pool) *MerchantConfigRepository {
	return &MerchantConfigRepository{pool: pool}
}

func (r *MerchantConfigRepository) GetMerchantConfig(ctx context.Context, merchantID string) (*model.MerchantPaymentConfig, error) {
	var (
		cfg  model.MerchantPaymentConfig
		rate string
	)
	err := r.pool.QueryRow(ctx,
		`SELECT merchant_id, payment_mode, preferred_processor, fallback_enabled,
			min_external_amount, max_platform_amount, commission_rate::text,
			collection_frequency, auto_collection_enabled, currency, billing_customer_id, updated_at
		FROM merchant_payment_configs WHERE merchant_id = $1`, merchantID,
	).Scan(&cfg.MerchantID, &cfg.PaymentMode, &cfg.PreferredProcessor, &cfg.FallbackEnabled,
		&cfg.MinExternalAmount, &cfg.MaxPlatformAmount, &rate,
		&cfg.CollectionFrequency, &cfg.AutoCollectionEnabled, &cfg.Currency, &cfg.BillingCustomerID, &cfg.UpdatedAt)
	if err != nil {
		return nil, mapError(err, "get merchant config")
	}
	if cfg.CommissionRate, err = parseDecimal(rate); err != nil {
		return nil, fmt.Errorf("parse commission rate for %s: %w", merchantID, err)
	}
	return &cfg, nil
}

func (r *MerchantConfigRepository) UpsertMerchantConfig(ctx context.Context, cfg *model.MerchantPaymentConfig) error {
	return r.pool.QueryRow(ctx,
		`INSERT INTO merchant_payment_configs (merchant_id, payment_mode, preferred_processor, fallback_enabled,
			min_external_amount, max_platform_amount, commission_rate, collection_frequency,
			auto_collection_enabled, currency, billing_customer_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8, $9, $10, $11, NOW())
		ON CONFLICT (merchant_id) DO UPDATE SET
			payment_mode = EXCLUDED.payment_mode,
			preferred_processor = EXCLUDED.preferred_processor,
			fallback_enabled = EXCLUDED.fallback_enabled,
			min_external_amount = EXCLUDED.min_external_amount,
			max_platform_amount = EXCLUDED.max_platform_amount,
			commission_rate = EXCLUDED.commission_rate,
			collection_frequency = EXCLUDED.collection_frequency,
			auto_collection_enabled = EXCLUDED.auto_collection_enabled,
			currency = EXCLUDED.currency,
			billing_customer_id = EXCLUDED.billing_customer_id,
			updated_at = NOW()
		RETURNING updated_at`,
		cfg.MerchantID, cfg.PaymentMode, cfg.PreferredProcessor, cfg.FallbackEnabled,
		cfg.MinExternalAmount, cfg.MaxPlatformAmount, cfg.CommissionRate.String(), cfg.CollectionFrequency,
		cfg.AutoCollectionEnabled, cfg.Currency, cfg.BillingCustomerID,
	).Scan(&cfg.UpdatedAt)
}

// ListAutoCollectMerchants returns merchants whose collections run on the scheduler.
func (r *MerchantConfigRepository) ListAutoCollectMerchants(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT merchant_id FROM merchant_payment_configs
		WHERE auto_collection_enabled ORDER BY merchant_id`)
	if err != nil {
		return nil, fmt.Errorf("list auto-collect merchants: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan merchant id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
