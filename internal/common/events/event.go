package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// envelopeVersion is bumped when the envelope fields change shape.
const envelopeVersion = 1

// Event is the envelope for everything the reconciler publishes or
// consumes. Data holds the type-specific payload.
type Event struct {
	ID            string          `json:"event_id"`
	Type          string          `json:"type"`
	Version       int             `json:"version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id"`
	CausationID   string          `json:"causation_id,omitempty"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent stamps a fresh ULID and the current time on payload.
func NewEvent(eventType, aggregateType, aggregateID string, payload any) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", eventType, err)
	}
	return &Event{
		ID:            ulid.Make().String(),
		Type:          eventType,
		Version:       envelopeVersion,
		OccurredAt:    time.Now().UTC(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Data:          data,
	}, nil
}

func (e *Event) WithCorrelation(correlationID, causationID string) *Event {
	e.CorrelationID, e.CausationID = correlationID, causationID
	return e
}

// DecodeData unmarshals the payload into v.
func (e *Event) DecodeData(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s %s has no data", e.Type, e.ID)
	}
	return json.Unmarshal(e.Data, v)
}

// EventPublisher publishes events to a message broker
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
}

// NopPublisher drops every event. Used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, *Event) error { return nil }

// Event types
const (
	EventTransactionCompleted = "reconciliation.transaction.completed"
	EventTransactionFailed    = "reconciliation.transaction.failed"
	EventTransactionReversed  = "reconciliation.transaction.reversed"
	EventPayoutSettled        = "reconciliation.payout.settled"
	EventWalletCredited       = "reconciliation.wallet.credited"
	EventReviewRequired       = "reconciliation.review_required"
	EventSweepCompleted       = "reconciliation.sweep.completed"
)

// Command types consumed from commands.<type>
const (
	CommandVerifyTransaction = "reconciliation.verify"
)

// Aggregate types
const (
	AggregateTransaction = "financial_transaction"
	AggregateSweep       = "sweep"
)

// TransactionSettledData is the data for reconciliation.transaction.* events
type TransactionSettledData struct {
	TransactionID   string    `json:"transaction_id"`
	TransactionType string    `json:"transaction_type"`
	Status          string    `json:"status"`
	Reference       string    `json:"reference"`
	GatewayStatus   string    `json:"gateway_status"`
	AmountNet       int64     `json:"amount_net"`
	Currency        string    `json:"currency"`
	DriverID        string    `json:"driver_id,omitempty"`
	ClientID        string    `json:"client_id,omitempty"`
	ProcessedAt     time.Time `json:"processed_at"`
}

// PayoutSettledData is the data for reconciliation.payout.settled events
type PayoutSettledData struct {
	TransactionID   string `json:"transaction_id"`
	DriverID        string `json:"driver_id"`
	Reference       string `json:"reference"`
	Outcome         string `json:"outcome"`
	RequestedAmount int64  `json:"requested_amount"`
	Currency        string `json:"currency"`
}

// WalletCreditedData is the data for reconciliation.wallet.credited events
type WalletCreditedData struct {
	TransactionID string `json:"transaction_id"`
	ClientID      string `json:"client_id"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
}

// ReviewRequiredData is the data for reconciliation.review_required events
type ReviewRequiredData struct {
	TransactionID   string        `json:"transaction_id"`
	TransactionType string        `json:"transaction_type"`
	Status          string        `json:"status"`
	Age             time.Duration `json:"age_ns"`
	LastOutcome     string        `json:"last_outcome"`
}

// SweepCompletedData is the data for reconciliation.sweep.completed events
type SweepCompletedData struct {
	Total            int   `json:"total"`
	Completed        int   `json:"completed"`
	Failed           int   `json:"failed"`
	StillPending     int   `json:"still_pending"`
	AlreadyProcessed int   `json:"already_processed"`
	Errors           int   `json:"errors"`
	NeedsReview      int   `json:"needs_review"`
	DurationMS       int64 `json:"duration_ms"`
}

// VerifyRequestedData is the payload of a reconciliation.verify command
type VerifyRequestedData struct {
	TransactionID string `json:"transaction_id"`
	Reference     string `json:"reference,omitempty"`
}
