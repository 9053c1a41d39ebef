package domain

import (
	"encoding/json"
	"errors"
	"slices"
	"time"

	"payrecon/internal/common/money"
)

var (
	ErrEarningsNotFound  = errors.New("driver earnings not found")
	ErrWalletNotFound    = errors.New("client wallet not found")
	ErrTransferNotFound  = errors.New("pending transfer not found")
	ErrTransferMismatch  = errors.New("pending transfer does not match payout")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("amount must be positive")
)

// TransferStatus is the state of one payout held in pendingTransfers.
type TransferStatus string

const (
	TransferPending    TransferStatus = "pending"
	TransferProcessing TransferStatus = "processing"
	TransferCompleted  TransferStatus = "completed"
	TransferFailed     TransferStatus = "failed"
)

// IsOpen returns true while the transfer still holds funds in pending.
func (s TransferStatus) IsOpen() bool {
	return s == TransferPending || s == TransferProcessing
}

// Earnings are the driver's current balances, in minor units.
type Earnings struct {
	Available int64 `json:"available"`
	Withdrawn int64 `json:"withdrawn"`
	Pending   int64 `json:"pending"`
}

// Lifetime totals only ever grow.
type Lifetime struct {
	TotalWithdrawn int64 `json:"total_withdrawn"`
	TotalEarned    int64 `json:"total_earned"`
}

// PendingTransfer is a payout that has been reserved but not yet settled.
type PendingTransfer struct {
	PaystackReference string          `json:"paystack_reference"`
	TransactionID     string          `json:"transaction_id"`
	RequestedAmount   int64           `json:"requested_amount"`
	Status            TransferStatus  `json:"status"`
	RequestedAt       time.Time       `json:"requested_at"`
	LastVerifiedAt    *time.Time      `json:"last_verified_at,omitempty"`
	PaystackResponse  json.RawMessage `json:"paystack_response,omitempty"`
}

// PayoutRecord is the settled outcome of a payout.
type PayoutRecord struct {
	TransactionID string         `json:"transaction_id"`
	Status        TransferStatus `json:"status"`
	Amount        int64          `json:"amount"`
	ProcessedAt   time.Time      `json:"processed_at"`
}

// DriverEarnings is the per-driver earnings aggregate.
type DriverEarnings struct {
	DriverID         string            `json:"driver_id"`
	Currency         money.Currency    `json:"currency"`
	Earnings         Earnings          `json:"earnings"`
	Lifetime         Lifetime          `json:"lifetime"`
	PendingTransfers []PendingTransfer `json:"pending_transfers"`
	RecentPayouts    []PayoutRecord    `json:"recent_payouts"`
	Version          int64             `json:"version"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// NewDriverEarnings creates an aggregate with totalEarned already available.
func NewDriverEarnings(driverID string, currency money.Currency, earned int64, at time.Time) *DriverEarnings {
	return &DriverEarnings{
		DriverID:  driverID,
		Currency:  currency,
		Earnings:  Earnings{Available: earned},
		Lifetime:  Lifetime{TotalEarned: earned},
		Version:   1,
		CreatedAt: at,
		UpdatedAt: at,
	}
}

// Settlement identifies the payout a gateway verdict applies to.
type Settlement struct {
	DriverID      string
	TransactionID string
	Reference     string
	Amount        int64
	At            time.Time
	Response      json.RawMessage
}

// Balanced reports whether the balances stay within lifetime earnings.
func (d *DriverEarnings) Balanced() bool {
	e := d.Earnings
	return e.Available >= 0 && e.Pending >= 0 && e.Withdrawn >= 0 &&
		e.Available+e.Withdrawn+e.Pending <= d.Lifetime.TotalEarned
}

// FindTransfer returns the index of the transfer with reference, or -1.
func (d *DriverEarnings) FindTransfer(reference string) int {
	return slices.IndexFunc(d.PendingTransfers, func(p PendingTransfer) bool {
		return p.PaystackReference == reference
	})
}

// Reserve holds amount for a new payout: available moves to pending. It
// returns false when the reference is already reserved.
func (d *DriverEarnings) Reserve(transactionID, reference string, amount int64, at time.Time) (bool, error) {
	if amount <= 0 {
		return false, ErrInvalidAmount
	}
	if d.FindTransfer(reference) >= 0 {
		return false, nil
	}
	if d.Earnings.Available < amount {
		return false, ErrInsufficientFunds
	}
	d.Earnings.Available -= amount
	d.Earnings.Pending += amount
	d.PendingTransfers = append(d.PendingTransfers, PendingTransfer{
		PaystackReference: reference,
		TransactionID:     transactionID,
		RequestedAmount:   amount,
		Status:            TransferPending,
		RequestedAt:       at,
	})
	d.touch(at)
	return true, nil
}

// settleable finds the open transfer a settlement targets. It returns -1
// with a nil error when the transfer was already settled.
func (d *DriverEarnings) settleable(s Settlement) (int, error) {
	i := d.FindTransfer(s.Reference)
	if i < 0 {
		return -1, ErrTransferNotFound
	}
	t := d.PendingTransfers[i]
	if !t.Status.IsOpen() {
		return -1, nil
	}
	if t.RequestedAmount != s.Amount {
		return -1, ErrTransferMismatch
	}
	if d.Earnings.Pending < s.Amount {
		return -1, ErrInsufficientFunds
	}
	return i, nil
}

// CompletePayout settles a successful transfer: pending becomes withdrawn.
func (d *DriverEarnings) CompletePayout(s Settlement) (bool, error) {
	i, err := d.settleable(s)
	if err != nil || i < 0 {
		return false, err
	}
	d.Earnings.Pending -= s.Amount
	d.Earnings.Withdrawn += s.Amount
	d.Lifetime.TotalWithdrawn += s.Amount
	d.closeTransfer(i, TransferCompleted, s)
	return true, nil
}

// FailPayout settles a failed transfer: pending returns to available.
func (d *DriverEarnings) FailPayout(s Settlement) (bool, error) {
	i, err := d.settleable(s)
	if err != nil || i < 0 {
		return false, err
	}
	d.Earnings.Pending -= s.Amount
	d.Earnings.Available += s.Amount
	d.closeTransfer(i, TransferFailed, s)
	return true, nil
}

// TouchTransfer records a non-final verification on an open transfer.
func (d *DriverEarnings) TouchTransfer(reference string, at time.Time, response json.RawMessage) (bool, error) {
	i := d.FindTransfer(reference)
	if i < 0 {
		return false, ErrTransferNotFound
	}
	t := &d.PendingTransfers[i]
	if !t.Status.IsOpen() {
		return false, nil
	}
	verified := at
	t.LastVerifiedAt = &verified
	if len(response) > 0 {
		t.PaystackResponse = slices.Clone(response)
	}
	d.touch(at)
	return true, nil
}

func (d *DriverEarnings) closeTransfer(i int, status TransferStatus, s Settlement) {
	t := &d.PendingTransfers[i]
	t.Status = status
	verified := s.At
	t.LastVerifiedAt = &verified
	if len(s.Response) > 0 {
		t.PaystackResponse = slices.Clone(s.Response)
	}

	d.RecentPayouts = slices.DeleteFunc(d.RecentPayouts, func(p PayoutRecord) bool {
		return p.TransactionID == s.TransactionID
	})
	d.RecentPayouts = append(d.RecentPayouts, PayoutRecord{
		TransactionID: s.TransactionID,
		Status:        status,
		Amount:        s.Amount,
		ProcessedAt:   s.At,
	})
	d.touch(s.At)
}

func (d *DriverEarnings) touch(at time.Time) {
	d.Version++
	d.UpdatedAt = at
}

// Clone returns a deep copy.
func (d *DriverEarnings) Clone() *DriverEarnings {
	c := *d
	c.PendingTransfers = make([]PendingTransfer, len(d.PendingTransfers))
	for i, t := range d.PendingTransfers {
		if t.LastVerifiedAt != nil {
			at := *t.LastVerifiedAt
			t.LastVerifiedAt = &at
		}
		t.PaystackResponse = slices.Clone(t.PaystackResponse)
		c.PendingTransfers[i] = t
	}
	c.RecentPayouts = slices.Clone(d.RecentPayouts)
	return &c
}
