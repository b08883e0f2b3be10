package database

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/c50bossio/hybrid-payments/internal/config"
	"github.com/c50bossio/hybrid-payments/internal/model"
	"github.com/c50bossio/hybrid-payments/internal/money"
)

type merchantProfile struct {
	ID          string
	Mode        model.PaymentMode
	Preferred   model.ProcessorType
	Rate        string
	MinExternal int64
	MaxPlatform int64
	Frequency   model.CollectionFrequency
	Payments    [2]int   // min, max platform payments over the window
	Amount      [2]int64 // min, max amount in minor units
	SuccessRate float64
}

var demoMerchants = []merchantProfile{
	{ID: "demo-salon", Mode: model.ModeHybrid, Preferred: model.ProcessorSquare, Rate: "0.2000",
		MinExternal: 5000, MaxPlatform: 50000, Frequency: model.FrequencyWeekly,
		Payments: [2]int{80, 120}, Amount: [2]int64{2500, 15000}, SuccessRate: 0.94},
	{ID: "demo-barber", Mode: model.ModeCentralized, Rate: "0.1500",
		Frequency: model.FrequencyMonthly,
		Payments:  [2]int{150, 200}, Amount: [2]int64{1500, 6000}, SuccessRate: 0.91},
	{ID: "demo-spa", Mode: model.ModeExternal, Preferred: model.ProcessorStripe, Rate: "0.1000",
		Frequency: model.FrequencyDaily,
		Payments:  [2]int{10, 20}, Amount: [2]int64{8000, 30000}, SuccessRate: 0.97},
}

// SeedData inserts demo merchant configs and 60 days of platform payments. It is a
// no-op when any merchant config already exists.
func SeedData(ctx context.Context, pool *pgxpool.Pool, fees *config.FeeSchedule) error {
	rng := rand.New(rand.NewSource(42))

	var count int
	if err := pool.QueryRow(ctx, "SELECT COUNT(*) FROM merchant_payment_configs").Scan(&count); err != nil {
		return fmt.Errorf("check existing data: %w", err)
	}
	if count > 0 {
		log.Info().Msg("seed data already exists, skipping")
		return nil
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	end := time.Now().UTC().Truncate(time.Hour)
	start := end.AddDate(0, 0, -60)
	totalPayments := 0

	for _, m := range demoMerchants {
		_, err := tx.Exec(ctx,
			`INSERT INTO merchant_payment_configs (merchant_id, payment_mode, preferred_processor, fallback_enabled,
				min_external_amount, max_platform_amount, commission_rate, collection_frequency,
				auto_collection_enabled, currency)
			VALUES ($1, $2, $3, TRUE, $4, $5, $6::numeric, $7, TRUE, 'USD')`,
			m.ID, m.Mode, m.Preferred, m.MinExternal, m.MaxPlatform, m.Rate, m.Frequency)
		if err != nil {
			return fmt.Errorf("insert merchant config %s: %w", m.ID, err)
		}

		rate := decimal.RequireFromString(m.Rate)
		n := m.Payments[0] + rng.Intn(m.Payments[1]-m.Payments[0]+1)
		for i := 0; i < n; i++ {
			amount := m.Amount[0] + rng.Int63n(m.Amount[1]-m.Amount[0]+1)
			at := start.Add(time.Duration(rng.Int63n(int64(end.Sub(start)))))

			status := "succeeded"
			if rng.Float64() > m.SuccessRate {
				status = "failed"
			} else if rng.Float64() < 0.02 {
				status = "refunded"
			}
			var processing, commission int64
			if status != "failed" {
				est := money.NewEstimate(amount, fees.Platform, rate)
				processing, commission = est.ProcessingFee, est.CommissionFee
			}

			if _, err := tx.Exec(ctx,
				`INSERT INTO platform_payments (id, merchant_id, amount, currency, status, processing_fee, commission_fee, processed_at)
				VALUES ($1, $2, $3, 'USD', $4, $5, $6, $7)`,
				uuid.NewString(), m.ID, amount, status, processing, commission, at); err != nil {
				return fmt.Errorf("insert platform payment for %s: %w", m.ID, err)
			}
		}
		totalPayments += n
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit seed: %w", err)
	}

	log.Info().
		Int("merchants", len(demoMerchants)).
		Int("platform_payments", totalPayments).
		Msg("seed data inserted")
	return nil
}
