// Package transaction holds the canonical financial transaction record and its store.
package transaction

import (
	"errors"
	"maps"
	"time"

	"payrecon/internal/common/money"
)

// Type is the kind of money movement a transaction records.
type Type string

const (
	TypeClientPayment   Type = "client_payment"
	TypeWalletDeposit   Type = "wallet_deposit"
	TypeDriverPayout    Type = "driver_payout"
	TypeDriverEarning   Type = "driver_earning"
	TypePlatformRevenue Type = "platform_revenue"
	TypeRefund          Type = "refund"
)

// Valid reports whether t is a known transaction type.
func (t Type) Valid() bool {
	switch t {
	case TypeClientPayment, TypeWalletDeposit, TypeDriverPayout,
		TypeDriverEarning, TypePlatformRevenue, TypeRefund:
		return true
	}
	return false
}

// Status is the reconciliation status of a transaction.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusReversed   Status = "reversed"
)

// IsTerminal returns true for completed, failed and reversed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusReversed
}

// OpenStatuses are the statuses a transition may start from.
var OpenStatuses = []Status{StatusPending, StatusProcessing}

// ErrTerminal is returned when a write targets a terminal transaction.
var ErrTerminal = errors.New("transaction already in terminal state")

// Amount is expressed in minor units.
type Amount struct {
	Gross    int64          `json:"gross"`
	Fees     int64          `json:"fees"`
	Net      int64          `json:"net"`
	Currency money.Currency `json:"currency"`
}

// NetMoney returns the net amount as Money.
func (a Amount) NetMoney() money.Money {
	return money.New(a.Net, a.Currency)
}

// Metadata is what the last gateway verification reported. Extra carries
// provider fields that have no dedicated slot.
type Metadata struct {
	LastVerifiedAt  *time.Time        `json:"last_verified_at,omitempty"`
	GatewayStatus   string            `json:"gateway_status,omitempty"`
	GatewayResponse string            `json:"gateway_response,omitempty"`
	PaidAt          string            `json:"paid_at,omitempty"`
	FailureReason   string            `json:"failure_reason,omitempty"`
	TransferCode    string            `json:"transfer_code,omitempty"`
	Extra           map[string]string `json:"extra,omitempty"`
}

// Merge overlays the non-empty fields of other onto m.
func (m Metadata) Merge(other Metadata) Metadata {
	out := m
	if other.LastVerifiedAt != nil {
		at := *other.LastVerifiedAt
		out.LastVerifiedAt = &at
	}
	if other.GatewayStatus != "" {
		out.GatewayStatus = other.GatewayStatus
	}
	if other.GatewayResponse != "" {
		out.GatewayResponse = other.GatewayResponse
	}
	if other.PaidAt != "" {
		out.PaidAt = other.PaidAt
	}
	if other.FailureReason != "" {
		out.FailureReason = other.FailureReason
	}
	if other.TransferCode != "" {
		out.TransferCode = other.TransferCode
	}
	if other.Extra != nil {
		out.Extra = maps.Clone(other.Extra)
	} else if m.Extra != nil {
		out.Extra = maps.Clone(m.Extra)
	}
	return out
}

// Gateway identifies the attempt at the payment provider.
type Gateway struct {
	Provider  string   `json:"provider"`
	Reference string   `json:"reference"`
	Channel   string   `json:"channel,omitempty"`
	Metadata  Metadata `json:"metadata"`
}

// Payout is present on driver_payout transactions only.
type Payout struct {
	RequestedAmount     int64  `json:"requested_amount"`
	TransferFee         int64  `json:"transfer_fee"`
	NetAmount           int64  `json:"net_amount"`
	TransferStatus      string `json:"transfer_status,omitempty"`
	PaystackTransferRef string `json:"paystack_transfer_ref,omitempty"`
}

// FinancialTransaction is the canonical record of one money movement.
type FinancialTransaction struct {
	ID          string     `json:"id"`
	Type        Type       `json:"transaction_type"`
	Status      Status     `json:"status"`
	DriverID    string     `json:"driver_id,omitempty"`
	ClientID    string     `json:"client_id,omitempty"`
	Amount      Amount     `json:"amount"`
	Gateway     Gateway    `json:"gateway"`
	Payout      *Payout    `json:"payout,omitempty"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// IsTerminal returns true if the transaction is in a terminal state.
func (t *FinancialTransaction) IsTerminal() bool {
	return t.Status.IsTerminal()
}

// StoredReference is the reference verification should use when the caller
// supplies none. Payouts prefer the transfer reference.
func (t *FinancialTransaction) StoredReference() string {
	if t.Type == TypeDriverPayout && t.Payout != nil && t.Payout.PaystackTransferRef != "" {
		return t.Payout.PaystackTransferRef
	}
	return t.Gateway.Reference
}

// MatchesReference reports whether ref names this transaction's gateway attempt.
func (t *FinancialTransaction) MatchesReference(ref string) bool {
	if ref == t.Gateway.Reference {
		return true
	}
	return t.Payout != nil && ref == t.Payout.PaystackTransferRef
}

// Clone returns a deep copy.
func (t *FinancialTransaction) Clone() *FinancialTransaction {
	c := *t
	c.Gateway.Metadata = t.Gateway.Metadata.Merge(Metadata{})
	if t.Payout != nil {
		p := *t.Payout
		c.Payout = &p
	}
	if t.ProcessedAt != nil {
		at := *t.ProcessedAt
		c.ProcessedAt = &at
	}
	return &c
}

// Transition describes a status change and the gateway facts observed with it.
type Transition struct {
	To             Status
	At             time.Time
	Channel        string
	Metadata       Metadata
	TransferStatus string
}

// Apply moves an open transaction to tr.To. It is the in-memory mirror of
// the store's conditional update.
func (t *FinancialTransaction) Apply(tr Transition) error {
	if t.IsTerminal() {
		return ErrTerminal
	}
	t.Status = tr.To
	t.UpdatedAt = tr.At
	if tr.To.IsTerminal() {
		at := tr.At
		t.ProcessedAt = &at
	}
	if tr.Channel != "" {
		t.Gateway.Channel = tr.Channel
	}
	t.Gateway.Metadata = t.Gateway.Metadata.Merge(tr.Metadata)
	if t.Payout != nil && tr.TransferStatus != "" {
		t.Payout.TransferStatus = tr.TransferStatus
	}
	return nil
}

// Touch records a verification that did not change the status.
func (t *FinancialTransaction) Touch(meta Metadata, at time.Time) error {
	if t.IsTerminal() {
		return ErrTerminal
	}
	t.Gateway.Metadata = t.Gateway.Metadata.Merge(meta)
	t.UpdatedAt = at
	return nil
}

// Stats are the counts the health report is built from.
type Stats struct {
	PendingPayouts     int `json:"pending_payouts"`
	PendingPayments    int `json:"pending_payments"`
	OldPendingPayouts  int `json:"old_pending_payouts"`
	OldPendingPayments int `json:"old_pending_payments"`
	Completed          int `json:"completed"`
	Failed             int `json:"failed"`
}
