package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/c50bossio/hybrid-payments/internal/model"
)

const collectionColumns = `c.id, c.merchant_id, c.amount, c.currency, c.status,
	ARRAY(SELECT t.id FROM external_transactions t WHERE t.collection_id = c.id ORDER BY t.id),
	c.due_date, c.next_attempt_at, c.collected_at, c.retry_count, c.recoveries, c.failed_reason,
	c.processor_charge_id, c.last_method, c.created_at, c.updated_at`

type CollectionRepository struct {
	pool *pgxpool.Pool
}

func NewCollectionRepository(pool *pgxpool.Pool) *CollectionRepository {
	return &CollectionRepository{pool: pool}
}

func scanCollection(row pgx.Row) (*model.CommissionCollection, error) {
	var c model.CommissionCollection
	err := row.Scan(&c.ID, &c.MerchantID, &c.Amount, &c.Currency, &c.Status, &c.TransactionIDs,
		&c.DueDate, &c.NextAttemptAt, &c.CollectedAt, &c.RetryCount, &c.Recoveries, &c.FailedReason,
		&c.ProcessorChargeID, &c.LastMethod, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListUncollected returns completed, unclaimed transactions processed at or before cutoff.
func (r *CollectionRepository) ListUncollected(ctx context.Context, merchantID string, cutoff time.Time) ([]model.ExternalTransaction, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+transactionColumns+` FROM external_transactions
		WHERE merchant_id = $1 AND status = 'completed' AND collection_id IS NULL AND processed_at <= $2
		ORDER BY processed_at, id`, merchantID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query uncollected: %w", err)
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

// CreateCollectionClaim inserts c and claims every id in c.TransactionIDs in one
// transaction. If any id is already owned, no longer completed or belongs to another
// merchant, nothing is written and ErrConflict is returned.
func (r *CollectionRepository) CreateCollectionClaim(ctx context.Context, c *model.CommissionCollection) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx,
		`INSERT INTO commission_collections (id, merchant_id, amount, currency, status, due_date, next_attempt_at, retry_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at`,
		c.ID, c.MerchantID, c.Amount, c.Currency, c.Status, c.DueDate, c.NextAttemptAt, c.RetryCount,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return mapError(err, "insert collection")
	}

	tag, err := tx.Exec(ctx,
		`UPDATE external_transactions SET collection_id = $1, updated_at = NOW()
		WHERE id = ANY($2) AND merchant_id = $3 AND collection_id IS NULL AND status = 'completed'`,
		c.ID, c.TransactionIDs, c.MerchantID)
	if err != nil {
		return fmt.Errorf("claim transactions: %w", err)
	}
	if int(tag.RowsAffected()) != len(c.TransactionIDs) {
		return fmt.Errorf("claimed %d of %d transactions: %w", tag.RowsAffected(), len(c.TransactionIDs), ErrConflict)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit claim: %w", err)
	}
	return nil
}

func (r *CollectionRepository) GetCollection(ctx context.Context, id string) (*model.CommissionCollection, error) {
	c, err := scanCollection(r.pool.QueryRow(ctx,
		`SELECT `+collectionColumns+` FROM commission_collections c WHERE c.id = $1`, id))
	if err != nil {
		return nil, mapError(err, "get collection")
	}
	return c, nil
}

func (r *CollectionRepository) ListCollections(ctx context.Context, f CollectionFilter) ([]model.CommissionCollection, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM commission_collections c
		WHERE ($1 = '' OR c.merchant_id = $1) AND ($2 = '' OR c.status = $2)`,
		f.MerchantID, string(f.Status)).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count collections: %w", err)
	}

	out, err := r.list(ctx,
		`SELECT `+collectionColumns+` FROM commission_collections c
		WHERE ($1 = '' OR c.merchant_id = $1) AND ($2 = '' OR c.status = $2)
		ORDER BY c.created_at DESC, c.id LIMIT $3 OFFSET $4`,
		f.MerchantID, string(f.Status), limitOrDefault(f.Limit), f.Offset)
	return out, total, err
}

// ListReady returns collections in status whose next step is due at asOf: pending rows
// past their due date, due rows past their next attempt, and processing rows last
// touched before asOf.
func (r *CollectionRepository) ListReady(ctx context.Context, status model.CollectionStatus, asOf time.Time) ([]model.CommissionCollection, error) {
	return r.list(ctx,
		`SELECT `+collectionColumns+` FROM commission_collections c
		WHERE c.status = $1 AND (CASE c.status
			WHEN 'pending' THEN c.due_date
			WHEN 'due' THEN COALESCE(c.next_attempt_at, c.due_date)
			ELSE c.updated_at END) <= $2
		ORDER BY c.due_date, c.id`, status, asOf)
}

func (r *CollectionRepository) list(ctx context.Context, query string, args ...any) ([]model.CommissionCollection, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query collections: %w", err)
	}
	defer rows.Close()

	var out []model.CommissionCollection
	for rows.Next() {
		c, err := scanCollection(rows)
		if err != nil {
			return nil, fmt.Errorf("scan collection: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// TransitionCollection writes c only if the stored status still equals from.
func (r *CollectionRepository) TransitionCollection(ctx context.Context, c *model.CommissionCollection, from model.CollectionStatus) error {
	err := r.pool.QueryRow(ctx,
		`UPDATE commission_collections SET
			status = $3, next_attempt_at = $4, collected_at = $5, retry_count = $6,
			failed_reason = $7, processor_charge_id = $8, last_method = $9, recoveries = $10, updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING updated_at`,
		c.ID, from, c.Status, c.NextAttemptAt, c.CollectedAt, c.RetryCount,
		c.FailedReason, c.ProcessorChargeID, c.LastMethod, c.Recoveries,
	).Scan(&c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := r.GetCollection(ctx, c.ID); getErr != nil {
			return getErr
		}
		return fmt.Errorf("transition collection %s from %s: %w", c.ID, from, ErrStale)
	}
	return mapError(err, "transition collection")
}
