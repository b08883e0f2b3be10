package dto

import (
	"time"

	"github.com/shopspring/decimal"
)

type RouteRequest struct {
	MerchantID       string `json:"merchant_id" binding:"required"`
	Amount           int64  `json:"amount" binding:"required,gt=0"`
	Currency         string `json:"currency" binding:"omitempty,len=3"`
	ClientPreference string `json:"client_preference"`
}

type CreateConnectionRequest struct {
	MerchantID    string `json:"merchant_id" binding:"required"`
	ProcessorType string `json:"processor_type" binding:"required,oneof=stripe square paypal"`
	APIKey        string `json:"api_key" binding:"required"`
	AccountID     string `json:"account_id"`
}

// ReconnectRequest rotates credentials when APIKey is set; otherwise the stored ones
// are re-probed.
type ReconnectRequest struct {
	APIKey    string `json:"api_key"`
	AccountID string `json:"account_id"`
}

type SyncRequest struct {
	Since *time.Time `json:"since"`
}

type RetryCollectionRequest struct {
	Method string `json:"method"`
}

type RunCollectionsRequest struct {
	MerchantID string     `json:"merchant_id"`
	AsOf       *time.Time `json:"as_of"`
}

type PaymentConfigRequest struct {
	PaymentMode           string          `json:"payment_mode" binding:"required,oneof=centralized external hybrid"`
	PreferredProcessor    string          `json:"preferred_processor" binding:"omitempty,oneof=stripe square paypal"`
	FallbackEnabled       bool            `json:"fallback_enabled"`
	MinExternalAmount     int64           `json:"min_external_amount" binding:"gte=0"`
	MaxPlatformAmount     int64           `json:"max_platform_amount" binding:"gte=0"`
	CommissionRate        decimal.Decimal `json:"commission_rate"`
	CollectionFrequency   string          `json:"collection_frequency" binding:"omitempty,oneof=daily weekly monthly"`
	AutoCollectionEnabled bool            `json:"auto_collection_enabled"`
	Currency              string          `json:"currency" binding:"omitempty,len=3"`
	BillingCustomerID     string          `json:"billing_customer_id"`
}

type PlatformPaymentRequest struct {
	MerchantID    string     `json:"merchant_id" binding:"required"`
	Amount        int64      `json:"amount" binding:"required,gt=0"`
	Currency      string     `json:"currency" binding:"omitempty,len=3"`
	Status        string     `json:"status" binding:"required,oneof=succeeded failed refunded"`
	ProcessingFee int64      `json:"processing_fee" binding:"gte=0"`
	CommissionFee int64      `json:"commission_fee" binding:"gte=0"`
	ProcessedAt   *time.Time `json:"processed_at"`
}
