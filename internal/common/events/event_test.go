package events

import (
	"context"
	"testing"
)

func TestNewEventRoundTrip(t *testing.T) {
	evt, err := NewEvent(EventWalletCredited, AggregateTransaction, "tx_1", WalletCreditedData{
		TransactionID: "tx_1",
		ClientID:      "client_1",
		Amount:        5000,
		Currency:      "NGN",
	})
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	if evt.ID == "" || evt.Version != 1 || evt.OccurredAt.IsZero() {
		t.Fatalf("envelope not populated: %+v", evt)
	}

	evt.WithCorrelation("corr", "cause")
	if evt.CorrelationID != "corr" || evt.CausationID != "cause" {
		t.Fatalf("correlation not set: %+v", evt)
	}

	var data WalletCreditedData
	if err := evt.DecodeData(&data); err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	if data.Amount != 5000 || data.ClientID != "client_1" {
		t.Fatalf("decoded = %+v", data)
	}
}

func TestNopPublisher(t *testing.T) {
	var p EventPublisher = NopPublisher{}
	if err := p.Publish(context.Background(), &Event{}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
}
