package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/c50bossio/hybrid-payments/internal/model"
)

type ConfigInvalidator interface {
	Invalidate(ctx context.Context, merchantID string) error
}

// MerchantConfigService is the admin write path for payment configuration. Every write
// invalidates the router's cache.
type MerchantConfigService struct {
	store ConfigStore
	cache ConfigInvalidator
	now   func() time.Time
}

func NewMerchantConfigService(store ConfigStore, cache ConfigInvalidator) *MerchantConfigService {
	return &MerchantConfigService{store: store, cache: cache, now: time.Now}
}

func (s *MerchantConfigService) Get(ctx context.Context, merchantID string) (*model.MerchantPaymentConfig, error) {
	return s.store.GetMerchantConfig(ctx, merchantID)
}

func (s *MerchantConfigService) Put(ctx context.Context, cfg *model.MerchantPaymentConfig) (*model.MerchantPaymentConfig, error) {
	if err := ValidateMerchantConfig(cfg); err != nil {
		return nil, err
	}
	cfg.UpdatedAt = s.now()
	if err := s.store.UpsertMerchantConfig(ctx, cfg); err != nil {
		return nil, fmt.Errorf("save merchant config: %w", err)
	}
	if err := s.cache.Invalidate(ctx, cfg.MerchantID); err != nil {
		// local entry is already gone; other instances catch up within the TTL
		log.Warn().Err(err).Str("merchant_id", cfg.MerchantID).Msg("config invalidation not broadcast")
	}
	log.Info().Str("merchant_id", cfg.MerchantID).Str("payment_mode", string(cfg.PaymentMode)).Msg("merchant payment config updated")
	return cfg, nil
}

// ValidateMerchantConfig normalizes defaults and rejects invalid combinations.
func ValidateMerchantConfig(cfg *model.MerchantPaymentConfig) error {
	if cfg.MerchantID == "" {
		return fmt.Errorf("%w: merchant_id is required", ErrValidation)
	}
	if !cfg.PaymentMode.Valid() {
		return fmt.Errorf("%w: payment_mode must be centralized, external or hybrid", ErrValidation)
	}
	if cfg.PreferredProcessor != "" {
		if _, err := model.ParseProcessorType(string(cfg.PreferredProcessor)); err != nil {
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}
	if cfg.CollectionFrequency == "" {
		cfg.CollectionFrequency = model.FrequencyWeekly
	}
	if !cfg.CollectionFrequency.Valid() {
		return fmt.Errorf("%w: collection_frequency must be daily, weekly or monthly", ErrValidation)
	}
	if cfg.CommissionRate.IsNegative() || cfg.CommissionRate.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: commission_rate must be between 0 and 1", ErrValidation)
	}
	if cfg.MinExternalAmount < 0 || cfg.MaxPlatformAmount < 0 {
		return fmt.Errorf("%w: amount thresholds must not be negative", ErrValidation)
	}
	if cfg.MaxPlatformAmount > 0 && cfg.MaxPlatformAmount < cfg.MinExternalAmount {
		return fmt.Errorf("%w: max_platform_amount is below min_external_amount", ErrValidation)
	}
	cfg.Currency = strings.ToUpper(cfg.Currency)
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	if len(cfg.Currency) != 3 {
		return fmt.Errorf("%w: currency must be an ISO 4217 code", ErrValidation)
	}
	return nil
}
