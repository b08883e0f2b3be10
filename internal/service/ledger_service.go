package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/c50bossio/hybrid-payments/internal/booking"
	"github.com/c50bossio/hybrid-payments/internal/cache"
	"github.com/c50bossio/hybrid-payments/internal/lock"
	"github.com/c50bossio/hybrid-payments/internal/model"
	"github.com/c50bossio/hybrid-payments/internal/money"
	"github.com/c50bossio/hybrid-payments/internal/processor"
	"github.com/c50bossio/hybrid-payments/internal/repository"
)

type BookingLookup interface {
	GetBooking(ctx context.Context, bookingRef string) (*model.BookingContext, error)
}

type LedgerOptions struct {
	SyncLeaseTTL    time.Duration
	SyncConcurrency int
	// InitialSyncWindow is how far back the first sync of a connection reaches.
	InitialSyncWindow time.Duration
	Retry             processor.RetryPolicy
}

type LedgerService struct {
	store    LedgerStore
	conns    ConnectionStore
	configs  cache.Loader
	adapters *processor.Registry
	locker   lock.Locker
	bookings BookingLookup
	opts     LedgerOptions
	now      func() time.Time
}

func NewLedgerService(store LedgerStore, conns ConnectionStore, configs cache.Loader, adapters *processor.Registry,
	locker lock.Locker, bookings BookingLookup, opts LedgerOptions) *LedgerService {
	if opts.SyncLeaseTTL <= 0 {
		opts.SyncLeaseTTL = 10 * time.Minute
	}
	if opts.SyncConcurrency <= 0 {
		opts.SyncConcurrency = 4
	}
	if opts.InitialSyncWindow <= 0 {
		opts.InitialSyncWindow = 30 * 24 * time.Hour
	}
	if opts.Retry.Attempts == 0 {
		opts.Retry = processor.DefaultRetryPolicy()
	}
	return &LedgerService{
		store: store, conns: conns, configs: configs, adapters: adapters,
		locker: locker, bookings: bookings, opts: opts, now: time.Now,
	}
}

// Ingest applies one processor event to the ledger. Only forward status moves are written;
// a repeat or backward event returns the stored row with applied=false.
func (s *LedgerService) Ingest(ctx context.Context, conn *model.ProcessorConnection, ev processor.TransactionEvent) (*model.ExternalTransaction, bool, error) {
	if ev.ExternalTransactionID == "" {
		return nil, false, fmt.Errorf("%w: event without transaction id", ErrValidation)
	}
	if !ev.Status.Valid() {
		return nil, false, fmt.Errorf("%w: status %q", ErrValidation, ev.Status)
	}

	// A merchant without a config still gets its rows; the rate stays unset and the
	// collection falls back to whatever rate is configured when it is created.
	var cfg *model.MerchantPaymentConfig
	if ev.Status == model.TxCompleted || ev.Status == model.TxRefunded {
		var err error
		cfg, err = s.configs.GetMerchantConfig(ctx, conn.MerchantID)
		switch {
		case errors.Is(err, repository.ErrNotFound):
			log.Warn().Str("merchant_id", conn.MerchantID).Str("external_transaction_id", ev.ExternalTransactionID).
				Msg("no merchant config, ingesting without a commission rate")
			cfg = nil
		case err != nil:
			return nil, false, fmt.Errorf("load merchant config %s: %w", conn.MerchantID, err)
		}
	}

	occurred := ev.OccurredAt
	if occurred.IsZero() {
		occurred = s.now()
	}

	stored, applied, err := s.store.IngestTransaction(ctx, conn.ProcessorType, ev.ExternalTransactionID,
		func(cur *model.ExternalTransaction) (*model.ExternalTransaction, repository.TotalsDelta, error) {
			if cur == nil {
				return firstSighting(conn, ev, occurred, cfg)
			}
			if !cur.Status.IsForward(ev.Status) {
				return nil, repository.TotalsDelta{}, nil
			}
			return advance(cur, ev, occurred, cfg)
		})
	if err != nil {
		return nil, false, err
	}

	logger := log.With().Str("connection_id", conn.ID).Str("merchant_id", conn.MerchantID).
		Str("external_transaction_id", ev.ExternalTransactionID).Logger()
	if !applied {
		logger.Debug().Str("status", string(ev.Status)).Msg("duplicate ledger event ignored")
		return stored, false, nil
	}
	logger.Info().Str("status", string(stored.Status)).Int64("amount", stored.Amount).Msg("ledger updated")
	return stored, true, nil
}

func firstSighting(conn *model.ProcessorConnection, ev processor.TransactionEvent, at time.Time, cfg *model.MerchantPaymentConfig) (*model.ExternalTransaction, repository.TotalsDelta, error) {
	if ev.Status == model.TxRefunded && ev.Amount == 0 {
		return nil, repository.TotalsDelta{}, fmt.Errorf("%w: %s", ErrOrphanRefund, ev.ExternalTransactionID)
	}
	tx := &model.ExternalTransaction{
		ConnectionID:          conn.ID,
		ProcessorType:         conn.ProcessorType,
		ExternalTransactionID: ev.ExternalTransactionID,
		MerchantID:            conn.MerchantID,
		Amount:                ev.Amount,
		Currency:              strings.ToUpper(ev.Currency),
		Status:                ev.Status,
		BookingRef:            ev.BookingRef,
		ProcessorFees:         ev.ProcessorFees,
		ProcessedAt:           at,
		ReconciliationStatus:  model.ReconUnmatched,
	}
	delta := repository.TotalsDelta{At: &at}
	switch ev.Status {
	case model.TxCompleted:
		lockRate(tx, cfg)
		delta.Volume, delta.Count = tx.Amount, 1
	case model.TxRefunded:
		lockRate(tx, cfg)
		delta.Volume, delta.Count, delta.Refunded = tx.Amount, 1, tx.Amount
	}
	return tx, delta, nil
}

func advance(cur *model.ExternalTransaction, ev processor.TransactionEvent, at time.Time, cfg *model.MerchantPaymentConfig) (*model.ExternalTransaction, repository.TotalsDelta, error) {
	next := *cur
	next.Status = ev.Status
	delta := repository.TotalsDelta{At: &at}

	// A claimed row may only advance its status.
	if cur.CollectionID == nil {
		if ev.Amount > 0 && cur.Status == model.TxPending {
			next.Amount = ev.Amount
		}
		if ev.ProcessorFees > 0 {
			next.ProcessorFees = ev.ProcessorFees
		}
		if next.BookingRef == "" {
			next.BookingRef = ev.BookingRef
		}
	}

	switch {
	case cur.Status == model.TxPending && ev.Status == model.TxCompleted:
		next.ProcessedAt = at
		lockRate(&next, cfg)
		delta.Volume, delta.Count = next.Amount, 1
	case cur.Status == model.TxCompleted && ev.Status == model.TxRefunded:
		delta.Refunded = next.Amount
	}
	return &next, delta, nil
}

// lockRate fixes the commission rate the first time a row is captured.
func lockRate(tx *model.ExternalTransaction, cfg *model.MerchantPaymentConfig) {
	if tx.CommissionRateAtCapture != nil || cfg == nil {
		return
	}
	r := cfg.CommissionRate
	tx.CommissionRateAtCapture = &r
}

type SyncResult struct {
	ConnectionID string    `json:"connection_id"`
	Since        time.Time `json:"since"`
	Pages        int       `json:"pages"`
	Applied      int       `json:"applied"`
	Duplicates   int       `json:"duplicates"`
	Skipped      int       `json:"skipped"`
	StartedAt    time.Time `json:"started_at"`
}

// Sync pulls the processor's transaction list from since (or the last sync) and ingests
// every page. Syncs of one connection never overlap; last_sync_at moves to the start
// time only after every page is ingested.
func (s *LedgerService) Sync(ctx context.Context, connectionID string, since *time.Time) (*SyncResult, error) {
	release, err := s.locker.Acquire(ctx, "sync:"+connectionID, s.opts.SyncLeaseTTL)
	if errors.Is(err, lock.ErrHeld) {
		return nil, fmt.Errorf("%w: %s", ErrSyncInProgress, connectionID)
	}
	if err != nil {
		return nil, fmt.Errorf("acquire sync lease: %w", err)
	}
	defer release()

	conn, err := s.conns.GetConnection(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if conn.Status != model.ConnectionConnected {
		return nil, fmt.Errorf("%w: connection %s is %s", ErrConnectionUnavailable, conn.ID, conn.Status)
	}
	adapter, err := s.adapters.Get(conn.ProcessorType)
	if err != nil {
		return nil, err
	}

	res := &SyncResult{ConnectionID: conn.ID, StartedAt: s.now()}
	switch {
	case since != nil:
		res.Since = *since
	case conn.LastSyncAt != nil:
		res.Since = *conn.LastSyncAt
	default:
		res.Since = conn.CreatedAt.Add(-s.opts.InitialSyncWindow)
	}

	logger := log.With().Str("connection_id", conn.ID).Str("merchant_id", conn.MerchantID).Logger()

	cursor := ""
	for {
		var page *processor.Page
		err := s.opts.Retry.Do(ctx, func(ctx context.Context) error {
			var err error
			page, err = adapter.ListTransactions(ctx, conn.Credentials, res.Since, cursor)
			return err
		})
		if errors.Is(err, processor.ErrInvalidPayload) {
			return res, fmt.Errorf("%w: list transactions page %d: %v", ErrValidation, res.Pages+1, err)
		}
		if err != nil {
			return res, fmt.Errorf("list transactions page %d: %w", res.Pages+1, err)
		}
		res.Pages++

		for _, ev := range page.Events {
			_, applied, err := s.Ingest(ctx, conn, ev)
			switch {
			case errors.Is(err, ErrOrphanRefund):
				res.Skipped++
				logger.Warn().Err(err).Msg("refund without transaction skipped")
			case err != nil:
				return res, fmt.Errorf("ingest %s: %w", ev.ExternalTransactionID, err)
			case applied:
				res.Applied++
			default:
				res.Duplicates++
			}
		}

		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	if err := s.conns.SetLastSync(ctx, conn.ID, res.StartedAt); err != nil {
		return res, fmt.Errorf("advance last sync: %w", err)
	}
	logger.Info().Int("pages", res.Pages).Int("applied", res.Applied).Int("duplicates", res.Duplicates).Msg("sync complete")
	return res, nil
}

// SyncAll syncs every connected connection; different connections run in parallel.
func (s *LedgerService) SyncAll(ctx context.Context) ([]SyncResult, error) {
	conns, err := s.conns.ListConnectionsByStatus(ctx, model.ConnectionConnected)
	if err != nil {
		return nil, fmt.Errorf("list connected: %w", err)
	}

	results := make([]*SyncResult, len(conns))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.SyncConcurrency)
	for i := range conns {
		i, id := i, conns[i].ID
		g.Go(func() error {
			res, err := s.Sync(gctx, id, nil)
			switch {
			case errors.Is(err, ErrSyncInProgress):
				log.Debug().Str("connection_id", id).Msg("sync already running, skipped")
			case err != nil:
				log.Error().Err(err).Str("connection_id", id).Msg("sync failed")
			default:
				results[i] = res
			}
			return nil
		})
	}
	_ = g.Wait()

	var out []SyncResult
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out, ctx.Err()
}

// Reconcile matches a completed row against its booking. A mismatch is recorded with a
// review issue and is not an error; a booking-service failure leaves the row unmatched.
func (s *LedgerService) Reconcile(ctx context.Context, tx *model.ExternalTransaction) (model.ReconciliationStatus, error) {
	if tx.Status != model.TxCompleted {
		return tx.ReconciliationStatus, nil
	}

	var (
		expected *int64
		reason   string
	)
	if tx.BookingRef == "" {
		reason = "missing_booking_ref"
	} else {
		b, err := s.bookings.GetBooking(ctx, tx.BookingRef)
		switch {
		case errors.Is(err, booking.ErrNotFound):
			reason = "booking_not_found"
		case err != nil:
			return model.ReconUnmatched, fmt.Errorf("booking lookup %s: %w", tx.BookingRef, err)
		default:
			amount := b.Amount
			expected = &amount
			reason = mismatchReason(tx, b)
		}
	}

	if reason == "" {
		if err := s.store.SetReconciliation(ctx, tx.ID, model.ReconMatched, nil); err != nil {
			return model.ReconUnmatched, err
		}
		return model.ReconMatched, nil
	}

	issue := &model.ReconciliationIssue{
		TransactionID:  tx.ID,
		MerchantID:     tx.MerchantID,
		BookingRef:     tx.BookingRef,
		ExpectedAmount: expected,
		ActualAmount:   tx.Amount,
		Reason:         reason,
		DetectedAt:     s.now(),
	}
	if err := s.store.SetReconciliation(ctx, tx.ID, model.ReconMismatched, issue); err != nil {
		return model.ReconUnmatched, err
	}
	log.Warn().Err(ErrReconciliationMismatch).Str("transaction_id", tx.ID).Str("merchant_id", tx.MerchantID).
		Str("booking_ref", tx.BookingRef).Str("reason", reason).Msg("transaction flagged for review")
	return model.ReconMismatched, nil
}

func mismatchReason(tx *model.ExternalTransaction, b *model.BookingContext) string {
	switch {
	case b.MerchantID != tx.MerchantID:
		return "merchant_mismatch"
	case !strings.EqualFold(b.Currency, tx.Currency):
		return "currency_mismatch"
	case !money.Within(tx.Amount, b.Amount, money.Tolerance):
		return "amount_mismatch"
	}
	return ""
}

type ReconcileSummary struct {
	Matched    int `json:"matched"`
	Mismatched int `json:"mismatched"`
	Deferred   int `json:"deferred"`
}

// ReconcilePending works through unmatched rows. The pass stops at the first
// booking-service failure and leaves the rest for the next run.
func (s *LedgerService) ReconcilePending(ctx context.Context, limit int) (*ReconcileSummary, error) {
	txs, err := s.store.ListUnreconciled(ctx, limit)
	if err != nil {
		return nil, err
	}
	var sum ReconcileSummary
	for i := range txs {
		status, err := s.Reconcile(ctx, &txs[i])
		if err != nil {
			sum.Deferred = len(txs) - i
			log.Warn().Err(err).Int("deferred", sum.Deferred).Msg("reconciliation pass stopped")
			return &sum, nil
		}
		switch status {
		case model.ReconMatched:
			sum.Matched++
		case model.ReconMismatched:
			sum.Mismatched++
		}
	}
	return &sum, nil
}

func (s *LedgerService) GetTransaction(ctx context.Context, id string) (*model.ExternalTransaction, error) {
	return s.store.GetTransaction(ctx, id)
}

func (s *LedgerService) ListTransactions(ctx context.Context, f repository.TransactionFilter) ([]model.ExternalTransaction, int, error) {
	return s.store.ListTransactions(ctx, f)
}

func (s *LedgerService) ListIssues(ctx context.Context, merchantID string, openOnly bool) ([]model.ReconciliationIssue, error) {
	return s.store.ListIssues(ctx, merchantID, openOnly)
}

func (s *LedgerService) ResolveIssue(ctx context.Context, id string) (*model.ReconciliationIssue, error) {
	issue, err := s.store.ResolveIssue(ctx, id, s.now())
	if errors.Is(err, repository.ErrStale) {
		return nil, fmt.Errorf("%w: issue %s already resolved", ErrInvalidTransition, id)
	}
	return issue, err
}
