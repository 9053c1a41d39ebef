// Package ledger defines the driver earnings and client wallet repository.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"payrecon/internal/ledger/domain"
)

// Repository mutates the ledger aggregates. Every mutating method is a
// single conditional update: it returns true when it took effect, false when
// the same change was already applied, and an error when the aggregate is
// missing or does not match the request.
type Repository interface {
	GetDriverEarnings(ctx context.Context, driverID string) (*domain.DriverEarnings, error)
	GetClientWallet(ctx context.Context, clientID string) (*domain.ClientWallet, error)
	CreateDriverEarnings(ctx context.Context, e *domain.DriverEarnings) error
	CreateClientWallet(ctx context.Context, w *domain.ClientWallet) error

	FindPendingTransferByReference(ctx context.Context, driverID, reference string) (*domain.PendingTransfer, error)
	ReservePayout(ctx context.Context, driverID, transactionID, reference string, amount int64, at time.Time) (bool, error)
	TouchPendingTransfer(ctx context.Context, driverID, reference string, at time.Time, response json.RawMessage) (bool, error)
	ApplyPayoutCompletion(ctx context.Context, s domain.Settlement) (bool, error)
	ApplyPayoutFailure(ctx context.Context, s domain.Settlement) (bool, error)
	CreditWalletOnce(ctx context.Context, clientID, transactionID string, amount int64, at time.Time) (bool, error)

	Totals(ctx context.Context) (*Totals, error)
}

// Totals are aggregate balances across all drivers and clients.
type Totals struct {
	DriverAvailable int64 `json:"driver_available"`
	DriverPending   int64 `json:"driver_pending"`
	DriverWithdrawn int64 `json:"driver_withdrawn"`
	ClientWallets   int64 `json:"client_wallets"`
	Drivers         int   `json:"drivers"`
	Wallets         int   `json:"wallets"`
}

// IsInconsistency reports whether err means the ledger does not agree with
// the transaction being reconciled.
func IsInconsistency(err error) bool {
	return errors.Is(err, domain.ErrEarningsNotFound) ||
		errors.Is(err, domain.ErrWalletNotFound) ||
		errors.Is(err, domain.ErrTransferNotFound) ||
		errors.Is(err, domain.ErrTransferMismatch) ||
		errors.Is(err, domain.ErrInsufficientFunds) ||
		errors.Is(err, domain.ErrInvalidAmount)
}
