package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/c50bossio/hybrid-payments/internal/model"
)

const connectionColumns = `id, merchant_id, processor_type, external_account_id, status, status_reason,
	cap_payments, cap_refunds, cap_recurring, credentials::text, webhook_secret, webhook_endpoint_id,
	consecutive_failures, last_health_check_at, last_sync_at, last_transaction_at,
	total_volume, total_refunded, transaction_count, created_at, updated_at`

type ConnectionRepository struct {
	pool *pgxpool.Pool
}

func NewConnectionRepository(pool *pgxpool.Pool) *ConnectionRepository {
	return &ConnectionRepository{pool: pool}
}

func scanConnection(row pgx.Row) (*model.ProcessorConnection, error) {
	var (
		c     model.ProcessorConnection
		creds string
	)
	err := row.Scan(&c.ID, &c.MerchantID, &c.ProcessorType, &c.ExternalAccountID, &c.Status, &c.StatusReason,
		&c.Capabilities.Payments, &c.Capabilities.Refunds, &c.Capabilities.Recurring, &creds,
		&c.WebhookSecret, &c.WebhookEndpointID, &c.ConsecutiveFailures,
		&c.LastHealthCheckAt, &c.LastSyncAt, &c.LastTransactionAt,
		&c.TotalVolume, &c.TotalRefunded, &c.TransactionCount, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(creds), &c.Credentials); err != nil {
		return nil, fmt.Errorf("decode credentials for %s: %w", c.ID, err)
	}
	return &c, nil
}

func (r *ConnectionRepository) CreateConnection(ctx context.Context, c *model.ProcessorConnection) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	creds, err := json.Marshal(c.Credentials)
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	err = r.pool.QueryRow(ctx,
		`INSERT INTO processor_connections (id, merchant_id, processor_type, external_account_id, status, status_reason,
			cap_payments, cap_refunds, cap_recurring, credentials, webhook_secret, webhook_endpoint_id,
			consecutive_failures, last_health_check_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb, $11, $12, $13, $14)
		RETURNING created_at, updated_at`,
		c.ID, c.MerchantID, c.ProcessorType, c.ExternalAccountID, c.Status, c.StatusReason,
		c.Capabilities.Payments, c.Capabilities.Refunds, c.Capabilities.Recurring, string(creds),
		c.WebhookSecret, c.WebhookEndpointID, c.ConsecutiveFailures, c.LastHealthCheckAt,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	return mapError(err, "create connection")
}

func (r *ConnectionRepository) GetConnection(ctx context.Context, id string) (*model.ProcessorConnection, error) {
	c, err := scanConnection(r.pool.QueryRow(ctx,
		`SELECT `+connectionColumns+` FROM processor_connections WHERE id = $1`, id))
	if err != nil {
		return nil, mapError(err, "get connection")
	}
	return c, nil
}

// ListConnections returns a merchant's connections, or every connection when merchantID is empty.
func (r *ConnectionRepository) ListConnections(ctx context.Context, merchantID string) ([]model.ProcessorConnection, error) {
	return r.list(ctx,
		`SELECT `+connectionColumns+` FROM processor_connections
		WHERE ($1 = '' OR merchant_id = $1) ORDER BY created_at, id`, merchantID)
}

func (r *ConnectionRepository) ListConnectionsByStatus(ctx context.Context, statuses ...model.ConnectionStatus) ([]model.ProcessorConnection, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	return r.list(ctx,
		`SELECT `+connectionColumns+` FROM processor_connections
		WHERE status = ANY($1) ORDER BY id`, names)
}

func (r *ConnectionRepository) list(ctx context.Context, query string, args ...any) ([]model.ProcessorConnection, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query connections: %w", err)
	}
	defer rows.Close()

	var out []model.ProcessorConnection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("scan connection: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// UpdateConnection writes lifecycle fields only if the stored status still equals expect.
// Totals and sync markers are owned by the ledger and are not touched.
func (r *ConnectionRepository) UpdateConnection(ctx context.Context, c *model.ProcessorConnection, expect model.ConnectionStatus) error {
	creds, err := json.Marshal(c.Credentials)
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	err = r.pool.QueryRow(ctx,
		`UPDATE processor_connections SET
			external_account_id = $3, status = $4, status_reason = $5,
			cap_payments = $6, cap_refunds = $7, cap_recurring = $8,
			credentials = $9::jsonb, webhook_secret = $10, webhook_endpoint_id = $11,
			consecutive_failures = $12, last_health_check_at = $13, updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING updated_at`,
		c.ID, expect, c.ExternalAccountID, c.Status, c.StatusReason,
		c.Capabilities.Payments, c.Capabilities.Refunds, c.Capabilities.Recurring,
		string(creds), c.WebhookSecret, c.WebhookEndpointID,
		c.ConsecutiveFailures, c.LastHealthCheckAt,
	).Scan(&c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := r.GetConnection(ctx, c.ID); getErr != nil {
			return getErr
		}
		return fmt.Errorf("update connection %s from %s: %w", c.ID, expect, ErrStale)
	}
	return mapError(err, "update connection")
}

func (r *ConnectionRepository) SetLastSync(ctx context.Context, id string, at time.Time) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE processor_connections SET last_sync_at = $2, updated_at = NOW() WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("set last sync: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set last sync %s: %w", id, ErrNotFound)
	}
	return nil
}
