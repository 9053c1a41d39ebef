package nats

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"payrecon/internal/common/events"
)

func TestConfigEnabled(t *testing.T) {
	if (Config{}).Enabled() {
		t.Error("empty URL should disable the broker")
	}
	if !(Config{URL: "nats://localhost:4222"}).Enabled() {
		t.Error("URL should enable the broker")
	}
}

func TestSubjects(t *testing.T) {
	if got := CommandSubject(events.CommandVerifyTransaction); got != "commands.reconciliation.verify" {
		t.Errorf("CommandSubject = %q", got)
	}
	if got := EventSubject(events.EventPayoutSettled); got != "events.reconciliation.payout.settled" {
		t.Errorf("EventSubject = %q", got)
	}
}

func TestStreamAndConsumerConfig(t *testing.T) {
	c := &Client{cfg: Config{
		Stream:       "RECON",
		StreamMaxAge: time.Hour,
		Consumer:     "verify",
		MaxDeliver:   4,
		AckWait:      30 * time.Second,
	}, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}

	sc := c.streamConfig()
	if sc.Name != "RECON" || sc.MaxAge != time.Hour || len(sc.Subjects) != 2 || sc.Duplicates == 0 {
		t.Errorf("stream config = %+v", sc)
	}

	cc := c.verifyConsumerConfig("commands.reconciliation.verify")
	if cc.Durable != "verify" || cc.MaxDeliver != 4 || cc.AckWait != 30*time.Second {
		t.Errorf("consumer config = %+v", cc)
	}
	if cc.AckPolicy != jetstream.AckExplicitPolicy || cc.MaxAckPending != 1 {
		t.Errorf("consumer ack settings = %v / %d", cc.AckPolicy, cc.MaxAckPending)
	}
}

func TestDispose(t *testing.T) {
	tests := []struct {
		err  error
		want disposition
	}{
		{nil, ack},
		{errors.New("gateway down"), nak},
		{fmt.Errorf("%w: bad payload", ErrPermanent), term},
	}
	for _, tt := range tests {
		if got := dispose(tt.err); got != tt.want {
			t.Errorf("dispose(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestRedeliveryDelay(t *testing.T) {
	if got := redeliveryDelay(1); got != 5*time.Second {
		t.Errorf("first redelivery = %v", got)
	}
	if got := redeliveryDelay(100); got != time.Minute {
		t.Errorf("capped redelivery = %v", got)
	}
}

func TestEnvelopeMsg(t *testing.T) {
	evt, err := events.NewEvent(events.EventSweepCompleted, events.AggregateSweep, "s1", events.SweepCompletedData{Total: 2})
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	evt.WithCorrelation("corr-1", "")

	msg, err := envelopeMsg(evt)
	if err != nil {
		t.Fatalf("envelopeMsg: %v", err)
	}
	if msg.Subject != "events.reconciliation.sweep.completed" {
		t.Errorf("subject = %q", msg.Subject)
	}
	if msg.Header.Get(correlationHeader) != "corr-1" {
		t.Errorf("correlation header = %q", msg.Header.Get(correlationHeader))
	}
	if len(msg.Data) == 0 {
		t.Error("empty payload")
	}
}
