package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/c50bossio/hybrid-payments/internal/lock"
	"github.com/c50bossio/hybrid-payments/internal/model"
	"github.com/c50bossio/hybrid-payments/internal/money"
	"github.com/c50bossio/hybrid-payments/internal/notify"
	"github.com/c50bossio/hybrid-payments/internal/processor"
	"github.com/c50bossio/hybrid-payments/internal/repository"
)

type CollectionOptions struct {
	MinAmount   int64
	Grace       time.Duration
	MaxAttempts int
	// Backoff[i] is the wait after the (i+1)th failed attempt; the last entry repeats.
	Backoff       []time.Duration
	LeaseTTL      time.Duration
	ChargeTimeout time.Duration
	// StuckAfter is how long a collection may sit in processing before RecoverStuck
	// re-drives its charge.
	StuckAfter time.Duration
	// MaxRecoveries bounds how many times RecoverStuck re-drives one attempt that keeps
	// coming back ambiguous before the collection is failed for manual review.
	MaxRecoveries int
	Concurrency   int
}

func DefaultCollectionOptions() CollectionOptions {
	return CollectionOptions{
		MinAmount:     100,
		MaxAttempts:   3,
		Backoff:       []time.Duration{time.Hour, 6 * time.Hour, 24 * time.Hour},
		LeaseTTL:      5 * time.Minute,
		ChargeTimeout: 30 * time.Second,
		StuckAfter:    15 * time.Minute,
		MaxRecoveries: 5,
		Concurrency:   4,
	}
}

type CollectionService struct {
	store    CollectionStore
	configs  ConfigStore
	charger  processor.Charger
	locker   lock.Locker
	notifier notify.Publisher
	opts     CollectionOptions
	now      func() time.Time
}

func NewCollectionService(store CollectionStore, configs ConfigStore, charger processor.Charger, locker lock.Locker,
	notifier notify.Publisher, opts CollectionOptions) *CollectionService {
	def := DefaultCollectionOptions()
	if opts.MinAmount <= 0 {
		opts.MinAmount = def.MinAmount
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if len(opts.Backoff) == 0 {
		opts.Backoff = def.Backoff
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = def.LeaseTTL
	}
	if opts.ChargeTimeout <= 0 {
		opts.ChargeTimeout = def.ChargeTimeout
	}
	if opts.StuckAfter <= 0 {
		opts.StuckAfter = def.StuckAfter
	}
	if opts.MaxRecoveries <= 0 {
		opts.MaxRecoveries = def.MaxRecoveries
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = def.Concurrency
	}
	return &CollectionService{
		store: store, configs: configs, charger: charger, locker: locker,
		notifier: notifier, opts: opts, now: time.Now,
	}
}

// IdentifyDue returns completed, unclaimed transactions older than the merchant's
// collection frequency as of asOf.
func (s *CollectionService) IdentifyDue(ctx context.Context, merchantID string, asOf time.Time) ([]model.ExternalTransaction, error) {
	cfg, err := s.configs.GetMerchantConfig(ctx, merchantID)
	if err != nil {
		return nil, fmt.Errorf("%w: merchant %s: %v", ErrConfiguration, merchantID, err)
	}
	return s.store.ListUncollected(ctx, merchantID, asOf.Add(-cfg.CollectionFrequency.Duration()))
}

// CollectionAmount is Σ amount × rate-at-capture, rounded half-up once.
func CollectionAmount(txs []model.ExternalTransaction, fallback decimal.Decimal) int64 {
	sum := decimal.Zero
	for _, tx := range txs {
		rate := fallback
		if tx.CommissionRateAtCapture != nil {
			rate = *tx.CommissionRateAtCapture
		}
		sum = sum.Add(money.Commission(tx.Amount, rate))
	}
	return money.RoundHalfUp(sum)
}

// CreateCollection claims txs for a new pending collection under the merchant lease.
func (s *CollectionService) CreateCollection(ctx context.Context, merchantID string, txs []model.ExternalTransaction) (*model.CommissionCollection, error) {
	release, err := s.lease(ctx, merchantID)
	if err != nil {
		return nil, err
	}
	defer release()
	return s.create(ctx, merchantID, txs)
}

func (s *CollectionService) lease(ctx context.Context, merchantID string) (lock.Release, error) {
	release, err := s.locker.Acquire(ctx, "collect:"+merchantID, s.opts.LeaseTTL)
	if errors.Is(err, lock.ErrHeld) {
		return nil, fmt.Errorf("%w: collection run in progress for %s", ErrClaimConflict, merchantID)
	}
	if err != nil {
		return nil, fmt.Errorf("acquire collection lease: %w", err)
	}
	return release, nil
}

// create must run under the merchant lease.
func (s *CollectionService) create(ctx context.Context, merchantID string, txs []model.ExternalTransaction) (*model.CommissionCollection, error) {
	if len(txs) == 0 {
		return nil, fmt.Errorf("%w: no transactions to collect", ErrValidation)
	}
	cfg, err := s.configs.GetMerchantConfig(ctx, merchantID)
	if err != nil {
		return nil, fmt.Errorf("%w: merchant %s: %v", ErrConfiguration, merchantID, err)
	}

	currency := txs[0].Currency
	ids := make([]string, 0, len(txs))
	for _, tx := range txs {
		if tx.MerchantID != merchantID {
			return nil, fmt.Errorf("%w: transaction %s belongs to another merchant", ErrValidation, tx.ID)
		}
		if tx.Currency != currency {
			return nil, fmt.Errorf("%w: mixed currencies %s and %s", ErrValidation, currency, tx.Currency)
		}
		if tx.CommissionRateAtCapture == nil {
			log.Warn().Str("transaction_id", tx.ID).Msg("no captured commission rate, using current config rate")
		}
		ids = append(ids, tx.ID)
	}

	amount := CollectionAmount(txs, cfg.CommissionRate)
	if amount < s.opts.MinAmount {
		return nil, fmt.Errorf("%w: %s < %s", ErrBelowMinimum,
			money.Format(amount, currency), money.Format(s.opts.MinAmount, currency))
	}

	now := s.now()
	c := &model.CommissionCollection{
		ID:             uuid.NewString(),
		MerchantID:     merchantID,
		Amount:         amount,
		Currency:       currency,
		Status:         model.CollectionPending,
		TransactionIDs: ids,
		DueDate:        now.Add(s.opts.Grace),
	}
	if err := s.store.CreateCollectionClaim(ctx, c); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, fmt.Errorf("%w: %v", ErrClaimConflict, err)
		}
		return nil, fmt.Errorf("create collection: %w", err)
	}

	log.Info().Str("collection_id", c.ID).Str("merchant_id", merchantID).Int64("amount", amount).
		Int("transactions", len(ids)).Msg("commission collection created")
	return c, nil
}

// PromoteDue moves pending collections whose due date has passed to due.
func (s *CollectionService) PromoteDue(ctx context.Context) (int, error) {
	ready, err := s.store.ListReady(ctx, model.CollectionPending, s.now())
	if err != nil {
		return 0, fmt.Errorf("list pending collections: %w", err)
	}
	promoted := 0
	for i := range ready {
		c := ready[i]
		c.Status = model.CollectionDue
		err := s.store.TransitionCollection(ctx, &c, model.CollectionPending)
		switch {
		case errors.Is(err, repository.ErrStale):
		case err != nil:
			return promoted, fmt.Errorf("promote collection %s: %w", c.ID, err)
		default:
			promoted++
		}
	}
	return promoted, nil
}

// ExecuteCollection charges a due collection once its next attempt time has come.
// A collected collection is returned unchanged.
func (s *CollectionService) ExecuteCollection(ctx context.Context, id string) (*model.CommissionCollection, error) {
	c, err := s.store.GetCollection(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status == model.CollectionCollected {
		return c, nil
	}
	if c.Status != model.CollectionDue {
		return c, fmt.Errorf("%w: collection %s is %s", ErrInvalidTransition, id, c.Status)
	}
	if c.NextAttemptAt != nil && s.now().Before(*c.NextAttemptAt) {
		return c, fmt.Errorf("%w: collection %s next attempt at %s", ErrInvalidTransition, id, c.NextAttemptAt.Format(time.RFC3339))
	}
	return s.begin(ctx, c, model.CollectionDue, c.LastMethod)
}

type RetryResult struct {
	Collection   *model.CommissionCollection `json:"-"`
	NewStatus    model.CollectionStatus      `json:"new_status"`
	RetryAttempt int                         `json:"retry_attempt"`
}

// Retry is the manual path. It never re-claims transactions: the collection keeps the set
// it was created with. A collected collection is a no-op; failed may go back to
// processing only here.
func (s *CollectionService) Retry(ctx context.Context, id, method string) (*RetryResult, error) {
	c, err := s.store.GetCollection(ctx, id)
	if err != nil {
		return nil, err
	}

	switch c.Status {
	case model.CollectionCollected, model.CollectionProcessing:
		return &RetryResult{Collection: c, NewStatus: c.Status, RetryAttempt: c.RetryCount}, nil
	case model.CollectionFailed, model.CollectionDue:
	default:
		return nil, fmt.Errorf("%w: collection %s is %s", ErrInvalidTransition, id, c.Status)
	}

	attempt := c.RetryCount + 1
	out, err := s.begin(ctx, c, c.Status, method)
	if err != nil {
		return nil, err
	}
	log.Info().Str("collection_id", id).Int("attempt", attempt).Str("status", string(out.Status)).Msg("manual collection retry")
	return &RetryResult{Collection: out, NewStatus: out.Status, RetryAttempt: attempt}, nil
}

// begin claims the collection for a charge attempt by moving it to processing.
func (s *CollectionService) begin(ctx context.Context, c *model.CommissionCollection, from model.CollectionStatus, method string) (*model.CommissionCollection, error) {
	next := *c
	next.Status = model.CollectionProcessing
	next.LastMethod = method
	next.Recoveries = 0
	if err := s.store.TransitionCollection(ctx, &next, from); err != nil {
		if errors.Is(err, repository.ErrStale) {
			return nil, fmt.Errorf("%w: collection %s changed concurrently", ErrInvalidTransition, c.ID)
		}
		return nil, fmt.Errorf("start collection %s: %w", c.ID, err)
	}
	return s.charge(ctx, &next, false)
}

// charge makes attempt RetryCount+1 for a processing collection. The idempotency key
// depends only on the collection and attempt number, so re-driving an ambiguous attempt
// can never double-charge. A re-drive that is still ambiguous is counted; at
// MaxRecoveries the collection fails instead of staying in processing.
func (s *CollectionService) charge(ctx context.Context, c *model.CommissionCollection, recovering bool) (*model.CommissionCollection, error) {
	attempt := c.RetryCount + 1
	logger := log.With().Str("collection_id", c.ID).Str("merchant_id", c.MerchantID).Int("attempt", attempt).Logger()

	var chargeErr error
	var res *processor.ChargeResult
	cfg, err := s.configs.GetMerchantConfig(ctx, c.MerchantID)
	if err != nil {
		chargeErr = fmt.Errorf("%w: %v", ErrConfiguration, err)
	} else {
		callCtx, cancel := context.WithTimeout(ctx, s.opts.ChargeTimeout)
		res, chargeErr = s.charger.Charge(callCtx, processor.ChargeRequest{
			Amount:         c.Amount,
			Currency:       c.Currency,
			Customer:       cfg.BillingCustomerID,
			Source:         c.LastMethod,
			Description:    "Platform commission " + c.ID,
			IdempotencyKey: fmt.Sprintf("collection:%s:attempt:%d", c.ID, attempt),
			Metadata:       map[string]string{"collection_id": c.ID, "merchant_id": c.MerchantID},
		})
		cancel()
	}

	next := *c
	now := s.now()
	switch {
	case chargeErr == nil:
		next.Status = model.CollectionCollected
		next.CollectedAt = &now
		next.NextAttemptAt = nil
		next.FailedReason = ""
		next.ProcessorChargeID = res.ChargeID

	case processor.IsAmbiguous(chargeErr) && !recovering:
		logger.Warn().Err(chargeErr).Msg("collection charge outcome unknown, left in processing")
		return c, nil

	case processor.IsAmbiguous(chargeErr):
		next.Recoveries = c.Recoveries + 1
		if next.Recoveries >= s.opts.MaxRecoveries {
			next.RetryCount = attempt
			next.FailedReason = fmt.Sprintf("charge outcome unknown after %d recoveries: %v", next.Recoveries, chargeErr)
			next.Status = model.CollectionFailed
			next.NextAttemptAt = nil
		}

	default:
		next.RetryCount = attempt
		next.FailedReason = chargeErr.Error()
		if next.RetryCount >= s.opts.MaxAttempts {
			next.Status = model.CollectionFailed
			next.NextAttemptAt = nil
		} else {
			at := now.Add(s.backoff(next.RetryCount))
			next.Status = model.CollectionDue
			next.NextAttemptAt = &at
		}
	}

	if err := s.store.TransitionCollection(ctx, &next, model.CollectionProcessing); err != nil {
		if errors.Is(err, repository.ErrStale) {
			// another worker settled the same attempt
			return s.store.GetCollection(ctx, c.ID)
		}
		return nil, fmt.Errorf("record collection %s outcome: %w", c.ID, err)
	}

	switch next.Status {
	case model.CollectionProcessing:
		logger.Warn().Err(chargeErr).Int("recoveries", next.Recoveries).Msg("collection charge still unresolved, left in processing")
	case model.CollectionCollected:
		logger.Info().Int64("amount", next.Amount).Str("charge_id", next.ProcessorChargeID).Msg("commission collected")
	case model.CollectionDue:
		logger.Warn().Err(chargeErr).Time("next_attempt_at", *next.NextAttemptAt).Msg("collection attempt failed, retry scheduled")
	case model.CollectionFailed:
		logger.Error().Err(fmt.Errorf("%w: %v", ErrCollectionFailure, chargeErr)).Msg("collection failed, manual intervention required")
		s.notifier.Publish(notify.Event{
			Type:       notify.EventCollectionFailed,
			MerchantID: next.MerchantID,
			Data: map[string]interface{}{
				"collection_id": next.ID,
				"amount":        next.Amount,
				"currency":      next.Currency,
				"retry_count":   next.RetryCount,
				"recoveries":    next.Recoveries,
				"reason":        next.FailedReason,
			},
		})
	}
	return &next, nil
}

func (s *CollectionService) backoff(failures int) time.Duration {
	i := failures - 1
	if i >= len(s.opts.Backoff) {
		i = len(s.opts.Backoff) - 1
	}
	if i < 0 {
		i = 0
	}
	return s.opts.Backoff[i]
}

// RecoverStuck re-drives charges left in processing by an ambiguous outcome or a crash,
// reusing the attempt's idempotency key. Each unresolved re-drive restarts the
// StuckAfter clock.
func (s *CollectionService) RecoverStuck(ctx context.Context) (int, error) {
	stuck, err := s.store.ListReady(ctx, model.CollectionProcessing, s.now().Add(-s.opts.StuckAfter))
	if err != nil {
		return 0, fmt.Errorf("list processing collections: %w", err)
	}
	n := 0
	for i := range stuck {
		if _, err := s.charge(ctx, &stuck[i], true); err != nil {
			log.Error().Err(err).Str("collection_id", stuck[i].ID).Msg("recover collection failed")
			continue
		}
		n++
	}
	return n, nil
}

type RunSummary struct {
	Created     int `json:"created"`
	Deferred    int `json:"deferred"`
	Executed    int `json:"executed"`
	Collected   int `json:"collected"`
	Rescheduled int `json:"rescheduled"`
	Failed      int `json:"failed"`
	Recovered   int `json:"recovered"`
}

type summary struct {
	mu sync.Mutex
	RunSummary
}

func (s *summary) add(fn func(r *RunSummary)) {
	s.mu.Lock()
	fn(&s.RunSummary)
	s.mu.Unlock()
}

// RunForMerchant creates collections for the merchant's due transactions and charges
// whatever of theirs is ready.
func (s *CollectionService) RunForMerchant(ctx context.Context, merchantID string, asOf time.Time) (*RunSummary, error) {
	sum := &summary{}
	if err := s.collectMerchant(ctx, merchantID, asOf, sum); err != nil {
		return nil, err
	}
	if _, err := s.PromoteDue(ctx); err != nil {
		return nil, err
	}
	if err := s.executeReady(ctx, merchantID, sum); err != nil {
		return nil, err
	}
	return &sum.RunSummary, nil
}

// RunAll is the scheduler tick: create for every auto-collect merchant, promote, recover
// stuck charges, then execute everything ready.
func (s *CollectionService) RunAll(ctx context.Context, asOf time.Time) (*RunSummary, error) {
	merchants, err := s.configs.ListAutoCollectMerchants(ctx)
	if err != nil {
		return nil, fmt.Errorf("list auto-collect merchants: %w", err)
	}

	sum := &summary{}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for _, id := range merchants {
		id := id
		g.Go(func() error {
			if err := s.collectMerchant(gctx, id, asOf, sum); err != nil {
				log.Error().Err(err).Str("merchant_id", id).Msg("collection run failed for merchant")
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if _, err := s.PromoteDue(ctx); err != nil {
		return nil, err
	}
	recovered, err := s.RecoverStuck(ctx)
	if err != nil {
		return nil, err
	}
	sum.Recovered = recovered
	if err := s.executeReady(ctx, "", sum); err != nil {
		return nil, err
	}
	log.Info().Interface("summary", sum.RunSummary).Msg("collection run complete")
	return &sum.RunSummary, nil
}

func (s *CollectionService) collectMerchant(ctx context.Context, merchantID string, asOf time.Time, sum *summary) error {
	release, err := s.lease(ctx, merchantID)
	if err != nil {
		return err
	}
	defer release()

	txs, err := s.IdentifyDue(ctx, merchantID, asOf)
	if err != nil {
		return err
	}

	byCurrency := map[string][]model.ExternalTransaction{}
	for _, tx := range txs {
		byCurrency[tx.Currency] = append(byCurrency[tx.Currency], tx)
	}
	currencies := make([]string, 0, len(byCurrency))
	for cur := range byCurrency {
		currencies = append(currencies, cur)
	}
	sort.Strings(currencies)

	for _, cur := range currencies {
		_, err := s.create(ctx, merchantID, byCurrency[cur])
		switch {
		case errors.Is(err, ErrBelowMinimum):
			log.Debug().Err(err).Str("merchant_id", merchantID).Msg("collection deferred")
			sum.add(func(r *RunSummary) { r.Deferred++ })
		case err != nil:
			return err
		default:
			sum.add(func(r *RunSummary) { r.Created++ })
		}
	}
	return nil
}

func (s *CollectionService) executeReady(ctx context.Context, merchantID string, sum *summary) error {
	ready, err := s.store.ListReady(ctx, model.CollectionDue, s.now())
	if err != nil {
		return fmt.Errorf("list due collections: %w", err)
	}
	for _, c := range ready {
		if merchantID != "" && c.MerchantID != merchantID {
			continue
		}
		out, err := s.ExecuteCollection(ctx, c.ID)
		if err != nil {
			if errors.Is(err, ErrInvalidTransition) {
				continue
			}
			return err
		}
		sum.Executed++
		switch out.Status {
		case model.CollectionCollected:
			sum.Collected++
		case model.CollectionDue:
			sum.Rescheduled++
		case model.CollectionFailed:
			sum.Failed++
		}
	}
	return nil
}

func (s *CollectionService) GetCollection(ctx context.Context, id string) (*model.CommissionCollection, error) {
	return s.store.GetCollection(ctx, id)
}

func (s *CollectionService) ListCollections(ctx context.Context, f repository.CollectionFilter) ([]model.CommissionCollection, int, error) {
	return s.store.ListCollections(ctx, f)
}
