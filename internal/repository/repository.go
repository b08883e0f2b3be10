package repository

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/c50bossio/hybrid-payments/internal/model"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is a unique or ownership violation.
	ErrConflict = errors.New("conflict")
	// ErrStale means a compare-and-set found a different status than expected.
	ErrStale = errors.New("stale state")
)

// TotalsDelta is the change applied to a connection's running totals alongside a
// ledger write.
type TotalsDelta struct {
	Volume   int64
	Refunded int64
	Count    int64
	At       *time.Time
}

func (d TotalsDelta) IsZero() bool {
	return d.Volume == 0 && d.Refunded == 0 && d.Count == 0 && d.At == nil
}

// IngestFunc decides the next state of a ledger row. current is nil for a first sighting.
// Returning a nil next leaves the row untouched.
type IngestFunc func(current *model.ExternalTransaction) (next *model.ExternalTransaction, delta TotalsDelta, err error)

type TransactionFilter struct {
	MerchantID     string
	ConnectionID   string
	Status         model.TransactionStatus
	Reconciliation model.ReconciliationStatus
	From           *time.Time
	To             *time.Time
	Limit          int
	Offset         int
}

type CollectionFilter struct {
	MerchantID string
	Status     model.CollectionStatus
	Limit      int
	Offset     int
}

// PathTotals summarises one payment path for a merchant over a window.
type PathTotals struct {
	Volume         int64
	Refunded       int64
	Attempts       int64
	Succeeded      int64
	ProcessingFees int64
	// Commission is unrounded.
	Commission decimal.Decimal
}

type CollectionTotals struct {
	Collected   int64
	Outstanding int64
	Failed      int64
}

// mapError folds driver errors into the package sentinels.
func mapError(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%s: %w: %s", op, ErrConflict, pgErr.ConstraintName)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

func parseNullDecimal(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func nullDecimal(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func limitOrDefault(limit int) int {
	if limit <= 0 || limit > 500 {
		return 100
	}
	return limit
}
