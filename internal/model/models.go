package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Amounts are integer minor currency units throughout.

type MerchantPaymentConfig struct {
	MerchantID            string              `json:"merchant_id"`
	PaymentMode           PaymentMode         `json:"payment_mode"`
	PreferredProcessor    ProcessorType       `json:"preferred_processor,omitempty"`
	FallbackEnabled       bool                `json:"fallback_enabled"`
	MinExternalAmount     int64               `json:"min_external_amount"`
	MaxPlatformAmount     int64               `json:"max_platform_amount"`
	CommissionRate        decimal.Decimal     `json:"commission_rate"`
	CollectionFrequency   CollectionFrequency `json:"collection_frequency"`
	AutoCollectionEnabled bool                `json:"auto_collection_enabled"`
	Currency              string              `json:"currency"`
	BillingCustomerID     string              `json:"billing_customer_id,omitempty"`
	UpdatedAt             time.Time           `json:"updated_at"`
}

type Capabilities struct {
	Payments  bool `json:"payments"`
	Refunds   bool `json:"refunds"`
	Recurring bool `json:"recurring"`
}

type Credentials struct {
	APIKey    string `json:"api_key"`
	AccountID string `json:"account_id,omitempty"`
}

type ProcessorConnection struct {
	ID                  string           `json:"id"`
	MerchantID          string           `json:"merchant_id"`
	ProcessorType       ProcessorType    `json:"processor_type"`
	ExternalAccountID   string           `json:"external_account_id"`
	Status              ConnectionStatus `json:"status"`
	StatusReason        string           `json:"status_reason,omitempty"`
	Capabilities        Capabilities     `json:"capabilities"`
	Credentials         Credentials      `json:"-"`
	WebhookSecret       string           `json:"-"`
	WebhookEndpointID   string           `json:"webhook_endpoint_id,omitempty"`
	ConsecutiveFailures int              `json:"consecutive_failures"`
	LastHealthCheckAt   *time.Time       `json:"last_health_check_at,omitempty"`
	LastSyncAt          *time.Time       `json:"last_sync_at,omitempty"`
	LastTransactionAt   *time.Time       `json:"last_transaction_at,omitempty"`
	TotalVolume         int64            `json:"total_volume"`
	TotalRefunded       int64            `json:"total_refunded"`
	TransactionCount    int64            `json:"transaction_count"`
	CreatedAt           time.Time        `json:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at"`
}

// Healthy reports whether the router may send payments through this connection.
func (c *ProcessorConnection) Healthy() bool {
	return c.Status == ConnectionConnected && c.Capabilities.Payments
}

type ExternalTransaction struct {
	ID                      string               `json:"id"`
	ConnectionID            string               `json:"connection_id"`
	ProcessorType           ProcessorType        `json:"processor_type"`
	ExternalTransactionID   string               `json:"external_transaction_id"`
	MerchantID              string               `json:"merchant_id"`
	Amount                  int64                `json:"amount"`
	Currency                string               `json:"currency"`
	Status                  TransactionStatus    `json:"status"`
	BookingRef              string               `json:"booking_ref,omitempty"`
	ProcessorFees           int64                `json:"processor_fees"`
	CommissionRateAtCapture *decimal.Decimal     `json:"commission_rate_at_capture,omitempty"`
	ProcessedAt             time.Time            `json:"processed_at"`
	ReconciliationStatus    ReconciliationStatus `json:"reconciliation_status"`
	CollectionID            *string              `json:"collection_id,omitempty"`
	CreatedAt               time.Time            `json:"created_at"`
	UpdatedAt               time.Time            `json:"updated_at"`
}

type CommissionCollection struct {
	ID                string           `json:"id"`
	MerchantID        string           `json:"merchant_id"`
	Amount            int64            `json:"amount"`
	Currency          string           `json:"currency"`
	Status            CollectionStatus `json:"status"`
	TransactionIDs    []string         `json:"transaction_ids"`
	DueDate           time.Time        `json:"due_date"`
	NextAttemptAt     *time.Time       `json:"next_attempt_at,omitempty"`
	CollectedAt       *time.Time       `json:"collected_at,omitempty"`
	RetryCount        int              `json:"retry_count"`
	Recoveries        int              `json:"recoveries"`
	FailedReason      string           `json:"failed_reason,omitempty"`
	ProcessorChargeID string           `json:"processor_charge_id,omitempty"`
	LastMethod        string           `json:"last_method,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

type RoutingDecisionRecord struct {
	ID               string        `json:"id"`
	MerchantID       string        `json:"merchant_id"`
	Amount           int64         `json:"amount"`
	Currency         string        `json:"currency"`
	ClientPreference string        `json:"client_preference,omitempty"`
	Decision         RouteKind     `json:"decision"`
	ProcessorType    ProcessorType `json:"processor_type"`
	ConnectionID     string        `json:"connection_id,omitempty"`
	Reason           string        `json:"reason"`
	ProcessingFee    int64         `json:"processing_fee"`
	CommissionFee    int64         `json:"commission_fee"`
	DecidedAt        time.Time     `json:"decided_at"`
}

type ReconciliationIssue struct {
	ID             string     `json:"id"`
	TransactionID  string     `json:"transaction_id"`
	MerchantID     string     `json:"merchant_id"`
	BookingRef     string     `json:"booking_ref,omitempty"`
	ExpectedAmount *int64     `json:"expected_amount,omitempty"`
	ActualAmount   int64      `json:"actual_amount"`
	Reason         string     `json:"reason"`
	DetectedAt     time.Time  `json:"detected_at"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}

type PlatformPayment struct {
	ID            string    `json:"id"`
	MerchantID    string    `json:"merchant_id"`
	Amount        int64     `json:"amount"`
	Currency      string    `json:"currency"`
	Status        string    `json:"status"`
	ProcessingFee int64     `json:"processing_fee"`
	CommissionFee int64     `json:"commission_fee"`
	ProcessedAt   time.Time `json:"processed_at"`
}

// BookingContext is the opaque booking view supplied by the booking service.
type BookingContext struct {
	MerchantID string `json:"merchant_id"`
	BookingRef string `json:"booking_ref"`
	Amount     int64  `json:"amount"`
	Currency   string `json:"currency"`
}
