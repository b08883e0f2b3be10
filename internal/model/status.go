package model

import (
	"fmt"
	"time"
)

type PaymentMode string

const (
	ModeCentralized PaymentMode = "centralized"
	ModeExternal    PaymentMode = "external"
	ModeHybrid      PaymentMode = "hybrid"
)

func (m PaymentMode) Valid() bool {
	switch m {
	case ModeCentralized, ModeExternal, ModeHybrid:
		return true
	}
	return false
}

type ProcessorType string

const (
	ProcessorStripe ProcessorType = "stripe"
	ProcessorSquare ProcessorType = "square"
	ProcessorPayPal ProcessorType = "paypal"
	// ProcessorPlatform is the platform-held processor account.
	ProcessorPlatform ProcessorType = "platform"
)

// ExternalProcessorTypes is the closed set a merchant may connect.
var ExternalProcessorTypes = []ProcessorType{ProcessorStripe, ProcessorSquare, ProcessorPayPal}

func ParseProcessorType(s string) (ProcessorType, error) {
	for _, t := range ExternalProcessorTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown processor type %q", s)
}

type RouteKind string

const (
	RouteCentralized RouteKind = "centralized"
	RouteExternal    RouteKind = "external"
)

type ConnectionStatus string

const (
	ConnectionPending      ConnectionStatus = "pending"
	ConnectionConnected    ConnectionStatus = "connected"
	ConnectionError        ConnectionStatus = "error"
	ConnectionExpired      ConnectionStatus = "expired"
	ConnectionDisconnected ConnectionStatus = "disconnected"
)

var connectionTransitions = map[ConnectionStatus][]ConnectionStatus{
	ConnectionPending:   {ConnectionConnected, ConnectionError},
	ConnectionConnected: {ConnectionError, ConnectionExpired, ConnectionDisconnected},
	ConnectionError:     {ConnectionConnected, ConnectionDisconnected},
	ConnectionExpired:   {ConnectionConnected, ConnectionDisconnected},
}

// CanTransition reports whether a connection may move from one status to another.
// Onboarding failure moves pending to error; disconnected is terminal.
func (s ConnectionStatus) CanTransition(to ConnectionStatus) bool {
	for _, next := range connectionTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

type TransactionStatus string

const (
	TxPending   TransactionStatus = "pending"
	TxCompleted TransactionStatus = "completed"
	TxFailed    TransactionStatus = "failed"
	TxRefunded  TransactionStatus = "refunded"
)

func (s TransactionStatus) Valid() bool {
	switch s {
	case TxPending, TxCompleted, TxFailed, TxRefunded:
		return true
	}
	return false
}

// IsForward reports whether moving from s to next advances the ledger.
// Equal or backward moves are duplicates.
func (s TransactionStatus) IsForward(next TransactionStatus) bool {
	switch s {
	case TxPending:
		return next == TxCompleted || next == TxFailed
	case TxCompleted:
		return next == TxRefunded
	}
	return false
}

type ReconciliationStatus string

const (
	ReconUnmatched  ReconciliationStatus = "unmatched"
	ReconMatched    ReconciliationStatus = "matched"
	ReconMismatched ReconciliationStatus = "mismatched"
)

type CollectionStatus string

const (
	CollectionPending    CollectionStatus = "pending"
	CollectionDue        CollectionStatus = "due"
	CollectionProcessing CollectionStatus = "processing"
	CollectionCollected  CollectionStatus = "collected"
	CollectionFailed     CollectionStatus = "failed"
)

func (s CollectionStatus) Terminal() bool {
	return s == CollectionCollected || s == CollectionFailed
}

type CollectionFrequency string

const (
	FrequencyDaily   CollectionFrequency = "daily"
	FrequencyWeekly  CollectionFrequency = "weekly"
	FrequencyMonthly CollectionFrequency = "monthly"
)

func (f CollectionFrequency) Duration() time.Duration {
	switch f {
	case FrequencyDaily:
		return 24 * time.Hour
	case FrequencyMonthly:
		return 30 * 24 * time.Hour
	default:
		return 7 * 24 * time.Hour
	}
}

func (f CollectionFrequency) Valid() bool {
	switch f {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly:
		return true
	}
	return false
}
