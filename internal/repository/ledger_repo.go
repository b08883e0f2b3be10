package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/c50bossio/hybrid-payments/internal/model"
)

const transactionColumns = `id, connection_id, processor_type, external_transaction_id, merchant_id,
	amount, currency, status, booking_ref, processor_fees, commission_rate_at_capture::text,
	processed_at, reconciliation_status, collection_id, created_at, updated_at`

type LedgerRepository struct {
	pool *pgxpool.Pool
}

func NewLedgerRepository(pool *pgxpool.Pool) *LedgerRepository {
	return &LedgerRepository{pool: pool}
}

func scanTransaction(row pgx.Row) (*model.ExternalTransaction, error) {
	var (
		t    model.ExternalTransaction
		rate *string
	)
	err := row.Scan(&t.ID, &t.ConnectionID, &t.ProcessorType, &t.ExternalTransactionID, &t.MerchantID,
		&t.Amount, &t.Currency, &t.Status, &t.BookingRef, &t.ProcessorFees, &rate,
		&t.ProcessedAt, &t.ReconciliationStatus, &t.CollectionID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if t.CommissionRateAtCapture, err = parseNullDecimal(rate); err != nil {
		return nil, fmt.Errorf("parse commission rate for %s: %w", t.ID, err)
	}
	return &t, nil
}

// IngestTransaction locks the row for (processorType, externalID), hands it to fn and
// persists the result together with the connection totals delta. A racing first insert
// is retried once against the winner's row.
func (r *LedgerRepository) IngestTransaction(ctx context.Context, processorType model.ProcessorType, externalID string, fn IngestFunc) (*model.ExternalTransaction, bool, error) {
	for attempt := 0; ; attempt++ {
		stored, changed, err := r.ingestOnce(ctx, processorType, externalID, fn)
		if err != nil && isUniqueViolation(err) && attempt == 0 {
			continue
		}
		return stored, changed, err
	}
}

func (r *LedgerRepository) ingestOnce(ctx context.Context, processorType model.ProcessorType, externalID string, fn IngestFunc) (*model.ExternalTransaction, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin ingest: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := scanTransaction(tx.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM external_transactions
		WHERE processor_type = $1 AND external_transaction_id = $2 FOR UPDATE`,
		processorType, externalID))
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("load transaction: %w", err)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		current = nil
	}

	next, delta, err := fn(current)
	if err != nil {
		return nil, false, err
	}
	if next == nil {
		return current, false, tx.Commit(ctx)
	}

	if current == nil {
		if next.ID == "" {
			next.ID = uuid.NewString()
		}
		err = tx.QueryRow(ctx,
			`INSERT INTO external_transactions (id, connection_id, processor_type, external_transaction_id, merchant_id,
				amount, currency, status, booking_ref, processor_fees, commission_rate_at_capture,
				processed_at, reconciliation_status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::numeric, $12, $13)
			RETURNING created_at, updated_at`,
			next.ID, next.ConnectionID, next.ProcessorType, next.ExternalTransactionID, next.MerchantID,
			next.Amount, next.Currency, next.Status, next.BookingRef, next.ProcessorFees,
			nullDecimal(next.CommissionRateAtCapture), next.ProcessedAt, next.ReconciliationStatus,
		).Scan(&next.CreatedAt, &next.UpdatedAt)
		if err != nil {
			return nil, false, fmt.Errorf("insert transaction: %w", err)
		}
	} else {
		err = tx.QueryRow(ctx,
			`UPDATE external_transactions SET
				amount = $2, status = $3, booking_ref = $4, processor_fees = $5,
				commission_rate_at_capture = $6::numeric, processed_at = $7, updated_at = NOW()
			WHERE id = $1
			RETURNING updated_at`,
			next.ID, next.Amount, next.Status, next.BookingRef, next.ProcessorFees,
			nullDecimal(next.CommissionRateAtCapture), next.ProcessedAt,
		).Scan(&next.UpdatedAt)
		if err != nil {
			return nil, false, fmt.Errorf("update transaction: %w", err)
		}
	}

	if !delta.IsZero() {
		if _, err := tx.Exec(ctx,
			`UPDATE processor_connections SET
				total_volume = total_volume + $2,
				total_refunded = total_refunded + $3,
				transaction_count = transaction_count + $4,
				last_transaction_at = GREATEST(last_transaction_at, $5),
				updated_at = NOW()
			WHERE id = $1`,
			next.ConnectionID, delta.Volume, delta.Refunded, delta.Count, delta.At,
		); err != nil {
			return nil, false, fmt.Errorf("update connection totals: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit ingest: %w", err)
	}
	return next, true, nil
}

func (r *LedgerRepository) GetTransaction(ctx context.Context, id string) (*model.ExternalTransaction, error) {
	t, err := scanTransaction(r.pool.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM external_transactions WHERE id = $1`, id))
	if err != nil {
		return nil, mapError(err, "get transaction")
	}
	return t, nil
}

func (r *LedgerRepository) ListTransactions(ctx context.Context, f TransactionFilter) ([]model.ExternalTransaction, int, error) {
	where, args := transactionWhere(f)

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM external_transactions`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count transactions: %w", err)
	}

	args = append(args, limitOrDefault(f.Limit), f.Offset)
	rows, err := r.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM external_transactions%s ORDER BY processed_at DESC, id LIMIT $%d OFFSET $%d`,
			transactionColumns, where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var out []model.ExternalTransaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, *t)
	}
	return out, total, rows.Err()
}

func transactionWhere(f TransactionFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.MerchantID != "" {
		add("merchant_id = $%d", f.MerchantID)
	}
	if f.ConnectionID != "" {
		add("connection_id = $%d", f.ConnectionID)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.Reconciliation != "" {
		add("reconciliation_status = $%d", f.Reconciliation)
	}
	if f.From != nil {
		add("processed_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("processed_at < $%d", *f.To)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// ListUnreconciled returns completed rows still awaiting a booking match.
func (r *LedgerRepository) ListUnreconciled(ctx context.Context, limit int) ([]model.ExternalTransaction, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+transactionColumns+` FROM external_transactions
		WHERE reconciliation_status = 'unmatched' AND status = 'completed'
		ORDER BY processed_at LIMIT $1`, limitOrDefault(limit))
	if err != nil {
		return nil, fmt.Errorf("query unreconciled: %w", err)
	}
	defer rows.Close()

	var out []model.ExternalTransaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// SetReconciliation records the match outcome and, for a mismatch, opens a review issue.
// At most one issue per transaction is open at a time.
func (r *LedgerRepository) SetReconciliation(ctx context.Context, txID string, status model.ReconciliationStatus, issue *model.ReconciliationIssue) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin reconciliation: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE external_transactions SET reconciliation_status = $2, updated_at = NOW() WHERE id = $1`,
		txID, status)
	if err != nil {
		return fmt.Errorf("set reconciliation status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set reconciliation %s: %w", txID, ErrNotFound)
	}

	if issue != nil {
		if issue.ID == "" {
			issue.ID = uuid.NewString()
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO reconciliation_issues (id, transaction_id, merchant_id, booking_ref,
				expected_amount, actual_amount, reason, detected_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (transaction_id) WHERE resolved_at IS NULL DO NOTHING`,
			issue.ID, txID, issue.MerchantID, issue.BookingRef,
			issue.ExpectedAmount, issue.ActualAmount, issue.Reason, issue.DetectedAt,
		); err != nil {
			return fmt.Errorf("insert reconciliation issue: %w", err)
		}
	}

	return tx.Commit(ctx)
}

func (r *LedgerRepository) ListIssues(ctx context.Context, merchantID string, openOnly bool) ([]model.ReconciliationIssue, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, transaction_id, merchant_id, booking_ref, expected_amount, actual_amount,
			reason, detected_at, resolved_at
		FROM reconciliation_issues
		WHERE ($1 = '' OR merchant_id = $1) AND (NOT $2 OR resolved_at IS NULL)
		ORDER BY detected_at DESC, id`, merchantID, openOnly)
	if err != nil {
		return nil, fmt.Errorf("query issues: %w", err)
	}
	defer rows.Close()

	var out []model.ReconciliationIssue
	for rows.Next() {
		var i model.ReconciliationIssue
		if err := rows.Scan(&i.ID, &i.TransactionID, &i.MerchantID, &i.BookingRef, &i.ExpectedAmount,
			&i.ActualAmount, &i.Reason, &i.DetectedAt, &i.ResolvedAt); err != nil {
			return nil, fmt.Errorf("scan issue: %w", err)
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

// ResolveIssue closes an open issue and marks its transaction matched.
func (r *LedgerRepository) ResolveIssue(ctx context.Context, id string, at time.Time) (*model.ReconciliationIssue, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin resolve: %w", err)
	}
	defer tx.Rollback(ctx)

	var i model.ReconciliationIssue
	err = tx.QueryRow(ctx,
		`UPDATE reconciliation_issues SET resolved_at = $2
		WHERE id = $1 AND resolved_at IS NULL
		RETURNING id, transaction_id, merchant_id, booking_ref, expected_amount, actual_amount,
			reason, detected_at, resolved_at`, id, at,
	).Scan(&i.ID, &i.TransactionID, &i.MerchantID, &i.BookingRef, &i.ExpectedAmount,
		&i.ActualAmount, &i.Reason, &i.DetectedAt, &i.ResolvedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if qErr := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM reconciliation_issues WHERE id = $1)`, id).Scan(&exists); qErr != nil {
			return nil, fmt.Errorf("check issue: %w", qErr)
		}
		if exists {
			return nil, fmt.Errorf("resolve issue %s: %w", id, ErrStale)
		}
		return nil, fmt.Errorf("resolve issue %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve issue: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE external_transactions SET reconciliation_status = 'matched', updated_at = NOW() WHERE id = $1`,
		i.TransactionID); err != nil {
		return nil, fmt.Errorf("mark transaction matched: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit resolve: %w", err)
	}
	return &i, nil
}
