package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/c50bossio/hybrid-payments/internal/config"
	"github.com/c50bossio/hybrid-payments/internal/model"
	"github.com/c50bossio/hybrid-payments/internal/money"
)

// Decision reasons recorded on every routing outcome.
const (
	ReasonConfigUnavailable = "config_unavailable"
	ReasonModeCentralized   = "mode_centralized"
	ReasonModeExternal      = "mode_external"
	ReasonBelowMinExternal  = "below_min_external_amount"
	ReasonAboveMaxPlatform  = "above_max_platform_amount"
	ReasonClientPreference  = "client_preference"
	ReasonFeeMinimizing     = "fee_minimizing"
	ReasonFallback          = "fallback_no_healthy_connection"
)

type ConfigReader interface {
	Get(ctx context.Context, merchantID string) (*model.MerchantPaymentConfig, error)
}

type HealthSource interface {
	Snapshot() *HealthSnapshot
}

type AuditSink interface {
	Record(rec model.RoutingDecisionRecord)
}

type RouteRequest struct {
	MerchantID       string
	Amount           int64
	Currency         string
	ClientPreference string
}

type RoutingDecision struct {
	Decision      model.RouteKind     `json:"routing_decision"`
	ProcessorType model.ProcessorType `json:"processor_type"`
	ConnectionID  string              `json:"connection_id,omitempty"`
	Reason        string              `json:"reason"`
	EstimatedFees money.Estimate      `json:"estimated_fees"`
}

// RouterService decides per payment between the platform processor and a merchant's
// own connection. It reads only the config cache and the health snapshot.
type RouterService struct {
	configs ConfigReader
	health  HealthSource
	fees    *config.FeeSchedule
	audit   AuditSink
	now     func() time.Time
}

func NewRouterService(configs ConfigReader, health HealthSource, fees *config.FeeSchedule, audit AuditSink) *RouterService {
	return &RouterService{configs: configs, health: health, fees: fees, audit: audit, now: time.Now}
}

type candidate struct {
	kind model.RouteKind
	conn *model.ProcessorConnection
	fee  decimal.Decimal
}

func (c candidate) processorType() model.ProcessorType {
	if c.conn == nil {
		return model.ProcessorPlatform
	}
	return c.conn.ProcessorType
}

// Route is deterministic for a given config, snapshot and amount. A route forced onto an
// external connection (external mode, an amount above max_platform_amount, or a client
// preference of "external") takes the merchant's preferred processor when one is healthy.
// Otherwise candidates are ranked by estimated processing fee, then connection id; in
// hybrid mode the platform competes on fee and wins ties.
func (s *RouterService) Route(ctx context.Context, req RouteRequest) (*RoutingDecision, error) {
	if req.MerchantID == "" {
		return nil, fmt.Errorf("%w: merchant_id is required", ErrValidation)
	}
	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}

	cfg, err := s.configs.Get(ctx, req.MerchantID)
	if err == nil && !cfg.PaymentMode.Valid() {
		err = fmt.Errorf("payment mode %q", cfg.PaymentMode)
	}
	if err != nil {
		log.Warn().Err(fmt.Errorf("%w: %v", ErrConfiguration, err)).Str("merchant_id", req.MerchantID).
			Msg("routing centralized without merchant config")
		return s.decide(req, nil, s.platform(req.Amount), ReasonConfigUnavailable), nil
	}
	if req.Currency == "" {
		req.Currency = cfg.Currency
	}

	healthy := s.healthy(req.MerchantID, req.Amount)

	switch cfg.PaymentMode {
	case model.ModeCentralized:
		return s.decide(req, cfg, s.platform(req.Amount), ReasonModeCentralized), nil

	case model.ModeExternal:
		ranked := preferProcessor(healthy, cfg.PreferredProcessor)
		if c, ok := preferred(req.ClientPreference, ranked); ok {
			return s.decide(req, cfg, c, ReasonClientPreference), nil
		}
		if len(ranked) > 0 {
			return s.decide(req, cfg, ranked[0], ReasonModeExternal), nil
		}
		return s.fallback(req, cfg)
	}

	// hybrid
	if req.Amount < cfg.MinExternalAmount {
		return s.decide(req, cfg, s.platform(req.Amount), ReasonBelowMinExternal), nil
	}
	if len(healthy) == 0 {
		return s.fallback(req, cfg)
	}
	ranked := preferProcessor(healthy, cfg.PreferredProcessor)
	if cfg.MaxPlatformAmount > 0 && req.Amount > cfg.MaxPlatformAmount {
		return s.decide(req, cfg, ranked[0], ReasonAboveMaxPlatform), nil
	}
	if strings.EqualFold(req.ClientPreference, string(model.RouteCentralized)) {
		return s.decide(req, cfg, s.platform(req.Amount), ReasonClientPreference), nil
	}
	if c, ok := preferred(req.ClientPreference, ranked); ok {
		return s.decide(req, cfg, c, ReasonClientPreference), nil
	}

	best := s.platform(req.Amount)
	if healthy[0].fee.LessThan(best.fee) {
		best = healthy[0]
	}
	return s.decide(req, cfg, best, ReasonFeeMinimizing), nil
}

// healthy returns the merchant's routable connections ordered by fee, then id.
func (s *RouterService) healthy(merchantID string, amount int64) []candidate {
	conns := s.health.Snapshot().Connections(merchantID)
	out := make([]candidate, 0, len(conns))
	for i := range conns {
		if !conns[i].Healthy() {
			continue
		}
		out = append(out, candidate{
			kind: model.RouteExternal,
			conn: &conns[i],
			fee:  s.fees.For(conns[i].ProcessorType).Apply(amount),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if c := out[i].fee.Cmp(out[j].fee); c != 0 {
			return c < 0
		}
		return out[i].conn.ID < out[j].conn.ID
	})
	return out
}

// preferProcessor moves connections of the preferred processor to the front, keeping the
// fee order within each group.
func preferProcessor(healthy []candidate, p model.ProcessorType) []candidate {
	if p == "" {
		return healthy
	}
	out := make([]candidate, 0, len(healthy))
	for _, c := range healthy {
		if c.conn.ProcessorType == p {
			out = append(out, c)
		}
	}
	for _, c := range healthy {
		if c.conn.ProcessorType != p {
			out = append(out, c)
		}
	}
	return out
}

func (s *RouterService) platform(amount int64) candidate {
	return candidate{kind: model.RouteCentralized, fee: s.fees.Platform.Apply(amount)}
}

func (s *RouterService) fallback(req RouteRequest, cfg *model.MerchantPaymentConfig) (*RoutingDecision, error) {
	if cfg.FallbackEnabled {
		return s.decide(req, cfg, s.platform(req.Amount), ReasonFallback), nil
	}
	return nil, fmt.Errorf("%w: merchant %s", ErrConnectionUnavailable, req.MerchantID)
}

// preferred resolves "external", a processor type or a connection id against the
// healthy set. An unhealthy or unknown preference is ignored.
func preferred(pref string, healthy []candidate) (candidate, bool) {
	if pref == "" || len(healthy) == 0 {
		return candidate{}, false
	}
	if strings.EqualFold(pref, string(model.RouteExternal)) {
		return healthy[0], true
	}
	for _, c := range healthy {
		if c.conn.ID == pref || strings.EqualFold(string(c.conn.ProcessorType), pref) {
			return c, true
		}
	}
	return candidate{}, false
}

func (s *RouterService) decide(req RouteRequest, cfg *model.MerchantPaymentConfig, c candidate, reason string) *RoutingDecision {
	rate := decimal.Zero
	if cfg != nil {
		rate = cfg.CommissionRate
	}
	fee := s.fees.Platform
	if c.conn != nil {
		fee = s.fees.For(c.conn.ProcessorType)
	}

	d := &RoutingDecision{
		Decision:      c.kind,
		ProcessorType: c.processorType(),
		Reason:        reason,
		EstimatedFees: money.NewEstimate(req.Amount, fee, rate),
	}
	if c.conn != nil {
		d.ConnectionID = c.conn.ID
	}

	if s.audit != nil {
		s.audit.Record(model.RoutingDecisionRecord{
			MerchantID:       req.MerchantID,
			Amount:           req.Amount,
			Currency:         req.Currency,
			ClientPreference: req.ClientPreference,
			Decision:         d.Decision,
			ProcessorType:    d.ProcessorType,
			ConnectionID:     d.ConnectionID,
			Reason:           d.Reason,
			ProcessingFee:    d.EstimatedFees.ProcessingFee,
			CommissionFee:    d.EstimatedFees.CommissionFee,
			DecidedAt:        s.now(),
		})
	}
	return d
}
