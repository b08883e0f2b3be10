package service

import (
	"errors"

	"github.com/c50bossio/hybrid-payments/internal/repository"
)

var (
	// ErrConfiguration means the merchant config is missing or invalid. The router
	// recovers from it by routing centralized.
	ErrConfiguration = errors.New("merchant payment configuration unavailable")
	// ErrConnectionUnavailable is returned to the caller when no healthy external
	// connection exists and fallback is disabled.
	ErrConnectionUnavailable = errors.New("no healthy external processor connection")
	// ErrDuplicateEvent marks an already-applied or backward ledger update. It is
	// deduplicated, never surfaced.
	ErrDuplicateEvent         = errors.New("duplicate ledger event")
	ErrReconciliationMismatch = errors.New("reconciliation mismatch")
	ErrCollectionFailure      = errors.New("commission collection failed")
	ErrSignatureInvalid       = errors.New("webhook signature invalid")

	ErrNotFound          = repository.ErrNotFound
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrClaimConflict     = errors.New("transactions already claimed by another collection")
	ErrBelowMinimum      = errors.New("commission below minimum collection amount")
	ErrSyncInProgress    = errors.New("sync already running for connection")
	ErrBackpressure      = errors.New("webhook intake saturated")
	ErrValidation        = errors.New("invalid request")
	// ErrOrphanRefund is a refund for a transaction the ledger has never seen. The
	// next sync creates the row with its full history.
	ErrOrphanRefund = errors.New("refund for unknown transaction")
)
