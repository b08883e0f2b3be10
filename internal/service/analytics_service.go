package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/c50bossio/hybrid-payments/internal/config"
	"github.com/c50bossio/hybrid-payments/internal/model"
	"github.com/c50bossio/hybrid-payments/internal/money"
	"github.com/c50bossio/hybrid-payments/internal/repository"
)

const optimizationWindow = 30 * 24 * time.Hour

type AnalyticsService struct {
	store       AnalyticsStore
	configs     ConfigStore
	fees        *config.FeeSchedule
	materiality decimal.Decimal
	now         func() time.Time
}

func NewAnalyticsService(store AnalyticsStore, configs ConfigStore, fees *config.FeeSchedule, materiality decimal.Decimal) *AnalyticsService {
	if !materiality.IsPositive() {
		materiality = decimal.RequireFromString("0.05")
	}
	return &AnalyticsService{store: store, configs: configs, fees: fees, materiality: materiality, now: time.Now}
}

type Period struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

func (p Period) previous() Period {
	d := p.To.Sub(p.From)
	return Period{From: p.From.Add(-d), To: p.From}
}

// ParsePeriod accepts "<n>d" (e.g. "30d") ending at now. Empty means 30 days.
func ParsePeriod(s string, now time.Time) (Period, error) {
	if s == "" {
		s = "30d"
	}
	days, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
	if err != nil || !strings.HasSuffix(s, "d") || days < 1 || days > 366 {
		return Period{}, fmt.Errorf("%w: period must look like 30d", ErrValidation)
	}
	return Period{From: now.Add(-time.Duration(days) * 24 * time.Hour), To: now}, nil
}

type PathSummary struct {
	Volume         int64    `json:"volume"`
	Refunded       int64    `json:"refunded"`
	ProcessingFees int64    `json:"processing_fees"`
	Commission     int64    `json:"commission"`
	Attempts       int64    `json:"attempts"`
	Succeeded      int64    `json:"succeeded"`
	SuccessRate    *float64 `json:"success_rate"`
}

func summarize(t *repository.PathTotals) PathSummary {
	return PathSummary{
		Volume:         t.Volume,
		Refunded:       t.Refunded,
		ProcessingFees: t.ProcessingFees,
		Commission:     money.RoundHalfUp(t.Commission),
		Attempts:       t.Attempts,
		Succeeded:      t.Succeeded,
		SuccessRate:    ratio(t.Succeeded, t.Attempts),
	}
}

func (p PathSummary) net() int64 {
	return p.Volume - p.Refunded - p.ProcessingFees - p.Commission
}

type Trend struct {
	VolumeChangePct      *float64 `json:"volume_change_pct"`
	NetEarningsChangePct *float64 `json:"net_earnings_change_pct"`
}

type Dashboard struct {
	MerchantID            string                      `json:"merchant_id"`
	Period                Period                      `json:"period"`
	TotalVolume           int64                       `json:"total_volume"`
	NetEarnings           int64                       `json:"net_earnings"`
	WeightedSuccessRate   *float64                    `json:"weighted_success_rate"`
	TrendVsPreviousPeriod Trend                       `json:"trend_vs_previous_period"`
	Centralized           PathSummary                 `json:"centralized"`
	External              PathSummary                 `json:"external"`
	Collections           repository.CollectionTotals `json:"collections"`
}

// Dashboard merges platform, ledger and collector totals for the period and compares
// them with the preceding window of the same length.
func (s *AnalyticsService) Dashboard(ctx context.Context, merchantID string, period Period) (*Dashboard, error) {
	if merchantID == "" {
		return nil, fmt.Errorf("%w: merchant_id is required", ErrValidation)
	}
	prev := period.previous()

	var (
		platform, external, prevPlatform, prevExternal *repository.PathTotals
		collections                                    *repository.CollectionTotals
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		platform, err = s.store.PlatformTotals(gctx, merchantID, period.From, period.To)
		return err
	})
	g.Go(func() (err error) {
		external, err = s.store.ExternalTotals(gctx, merchantID, period.From, period.To)
		return err
	})
	g.Go(func() (err error) {
		collections, err = s.store.CollectionTotals(gctx, merchantID, period.From, period.To)
		return err
	})
	g.Go(func() (err error) {
		prevPlatform, err = s.store.PlatformTotals(gctx, merchantID, prev.From, prev.To)
		return err
	})
	g.Go(func() (err error) {
		prevExternal, err = s.store.ExternalTotals(gctx, merchantID, prev.From, prev.To)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("dashboard %s: %w", merchantID, err)
	}

	d := &Dashboard{
		MerchantID:  merchantID,
		Period:      period,
		Centralized: summarize(platform),
		External:    summarize(external),
		Collections: *collections,
	}
	d.TotalVolume = d.Centralized.Volume + d.External.Volume
	d.NetEarnings = d.Centralized.net() + d.External.net()
	d.WeightedSuccessRate = ratio(platform.Succeeded+external.Succeeded, platform.Attempts+external.Attempts)

	pc, pe := summarize(prevPlatform), summarize(prevExternal)
	d.TrendVsPreviousPeriod = Trend{
		VolumeChangePct:      change(d.TotalVolume, pc.Volume+pe.Volume),
		NetEarningsChangePct: change(d.NetEarnings, pc.net()+pe.net()),
	}
	return d, nil
}

type Scenario struct {
	Name           string `json:"name"`
	Mode           string `json:"mode"`
	Volume         int64  `json:"volume"`
	ProcessingFees int64  `json:"processing_fees"`
	Commission     int64  `json:"commission"`
	NetRevenue     int64  `json:"net_revenue"`
}

type Optimization struct {
	MerchantID       string     `json:"merchant_id"`
	Window           Period     `json:"window"`
	CurrentMode      string     `json:"current_mode"`
	Scenarios        []Scenario `json:"scenarios"`
	Best             string     `json:"best_scenario"`
	ProjectedGain    int64      `json:"projected_monthly_gain"`
	ProjectedGainPct *float64   `json:"projected_gain_pct"`
	RecommendSwitch  bool       `json:"recommend_switch"`
	RecommendedMode  string     `json:"recommended_mode"`
	Reason           string     `json:"reason"`
}

// RevenueOptimization replays the trailing 30 days under all-centralized, all-external and
// the observed mix. A switch is recommended only when the best scenario beats the observed
// one by more than the materiality threshold.
func (s *AnalyticsService) RevenueOptimization(ctx context.Context, merchantID string) (*Optimization, error) {
	cfg, err := s.configs.GetMerchantConfig(ctx, merchantID)
	if err != nil {
		return nil, fmt.Errorf("%w: merchant %s: %v", ErrConfiguration, merchantID, err)
	}

	now := s.now()
	window := Period{From: now.Add(-optimizationWindow), To: now}

	var platform, external *repository.PathTotals
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		platform, err = s.store.PlatformTotals(gctx, merchantID, window.From, window.To)
		return err
	})
	g.Go(func() (err error) {
		external, err = s.store.ExternalTotals(gctx, merchantID, window.From, window.To)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("optimization %s: %w", merchantID, err)
	}

	volume := platform.Volume + external.Volume
	refunded := platform.Refunded + external.Refunded
	count := platform.Succeeded + external.Succeeded
	commission := money.RoundHalfUp(money.Commission(volume-refunded, cfg.CommissionRate))

	externalType := cfg.PreferredProcessor
	if externalType == "" {
		externalType = model.ProcessorStripe
	}

	project := func(name, mode string, fee money.Fee) Scenario {
		fees := money.RoundHalfUp(fee.ApplyVolume(volume, count))
		return Scenario{
			Name: name, Mode: mode, Volume: volume, ProcessingFees: fees, Commission: commission,
			NetRevenue: volume - refunded - fees - commission,
		}
	}
	current := Scenario{
		Name:           "current_hybrid",
		Mode:           string(cfg.PaymentMode),
		Volume:         volume,
		ProcessingFees: platform.ProcessingFees + external.ProcessingFees,
		Commission:     money.RoundHalfUp(platform.Commission.Add(external.Commission)),
	}
	current.NetRevenue = volume - refunded - current.ProcessingFees - current.Commission

	o := &Optimization{
		MerchantID:  merchantID,
		Window:      window,
		CurrentMode: string(cfg.PaymentMode),
		Scenarios: []Scenario{
			project("all_centralized", string(model.ModeCentralized), s.fees.Platform),
			project("all_external", string(model.ModeExternal), s.fees.For(externalType)),
			current,
		},
		RecommendedMode: string(cfg.PaymentMode),
	}

	best := current
	for _, sc := range o.Scenarios[:2] {
		if sc.NetRevenue > best.NetRevenue {
			best = sc
		}
	}
	o.Best = best.Name
	o.ProjectedGain = best.NetRevenue - current.NetRevenue
	o.ProjectedGainPct = change(best.NetRevenue, current.NetRevenue)

	switch {
	case volume == 0:
		o.Reason = "no volume in the last 30 days"
	case best.Name == current.Name || best.Mode == o.CurrentMode:
		o.Reason = "current configuration is already the best projected option"
	case !material(o.ProjectedGain, current.NetRevenue, s.materiality):
		o.Reason = fmt.Sprintf("projected gain %s is below the %s%% materiality threshold",
			money.Format(o.ProjectedGain, cfg.Currency), s.materiality.Mul(decimal.NewFromInt(100)).String())
	default:
		o.RecommendSwitch = true
		o.RecommendedMode = best.Mode
		o.Reason = fmt.Sprintf("switching to %s projects %s more per month", best.Mode, money.Format(o.ProjectedGain, cfg.Currency))
	}
	return o, nil
}

func material(gain, base int64, threshold decimal.Decimal) bool {
	if gain <= 0 {
		return false
	}
	if base <= 0 {
		return true
	}
	return decimal.NewFromInt(gain).GreaterThan(decimal.NewFromInt(base).Mul(threshold))
}

// RecordPlatformPayment stores a centralized payment reported by the checkout path,
// deriving fees when the caller left them out.
func (s *AnalyticsService) RecordPlatformPayment(ctx context.Context, p *model.PlatformPayment) error {
	if p.MerchantID == "" || p.Amount <= 0 {
		return fmt.Errorf("%w: merchant_id and a positive amount are required", ErrValidation)
	}
	switch p.Status {
	case "succeeded", "failed", "refunded":
	default:
		return fmt.Errorf("%w: status %q", ErrValidation, p.Status)
	}
	if p.ProcessedAt.IsZero() {
		p.ProcessedAt = s.now()
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Status != "failed" && p.ProcessingFee == 0 && p.CommissionFee == 0 {
		cfg, err := s.configs.GetMerchantConfig(ctx, p.MerchantID)
		if err != nil {
			return fmt.Errorf("%w: merchant %s: %v", ErrConfiguration, p.MerchantID, err)
		}
		est := money.NewEstimate(p.Amount, s.fees.Platform, cfg.CommissionRate)
		p.ProcessingFee, p.CommissionFee = est.ProcessingFee, est.CommissionFee
		if p.Currency == "" {
			p.Currency = cfg.Currency
		}
	}
	return s.store.InsertPlatformPayment(ctx, p)
}

// ratio returns num/den to four places, or nil when den is zero.
func ratio(num, den int64) *float64 {
	if den == 0 {
		return nil
	}
	v, _ := decimal.NewFromInt(num).DivRound(decimal.NewFromInt(den), 4).Float64()
	return &v
}

// change returns the percent change from prev to cur, or nil when prev is zero.
func change(cur, prev int64) *float64 {
	if prev == 0 {
		return nil
	}
	v, _ := decimal.NewFromInt(cur-prev).Mul(decimal.NewFromInt(100)).
		DivRound(decimal.NewFromInt(prev).Abs(), 2).Float64()
	return &v
}
