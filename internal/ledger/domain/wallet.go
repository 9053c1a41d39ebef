package domain

import (
	"slices"
	"time"

	"payrecon/internal/common/money"
)

// WalletEntry records a credited transaction. The list of entries is the
// idempotency guard for deposits, so it is never truncated.
type WalletEntry struct {
	TransactionID string    `json:"transaction_id"`
	Amount        int64     `json:"amount"`
	At            time.Time `json:"at"`
}

// ClientWallet is the per-client prepaid balance.
type ClientWallet struct {
	ClientID           string         `json:"client_id"`
	Currency           money.Currency `json:"currency"`
	Balance            int64          `json:"balance"`
	RecentTransactions []WalletEntry  `json:"recent_transactions"`
	Version            int64          `json:"version"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// NewClientWallet creates an empty wallet.
func NewClientWallet(clientID string, currency money.Currency, at time.Time) *ClientWallet {
	return &ClientWallet{
		ClientID:  clientID,
		Currency:  currency,
		Version:   1,
		CreatedAt: at,
		UpdatedAt: at,
	}
}

// HasTransaction reports whether transactionID was already credited.
func (w *ClientWallet) HasTransaction(transactionID string) bool {
	return slices.ContainsFunc(w.RecentTransactions, func(e WalletEntry) bool {
		return e.TransactionID == transactionID
	})
}

// CreditOnce adds amount unless transactionID was already credited.
func (w *ClientWallet) CreditOnce(transactionID string, amount int64, at time.Time) (bool, error) {
	if amount <= 0 {
		return false, ErrInvalidAmount
	}
	if w.HasTransaction(transactionID) {
		return false, nil
	}
	w.Balance += amount
	w.RecentTransactions = append(w.RecentTransactions, WalletEntry{
		TransactionID: transactionID,
		Amount:        amount,
		At:            at,
	})
	w.Version++
	w.UpdatedAt = at
	return true, nil
}

// Clone returns a deep copy.
func (w *ClientWallet) Clone() *ClientWallet {
	c := *w
	c.RecentTransactions = slices.Clone(w.RecentTransactions)
	return &c
}
