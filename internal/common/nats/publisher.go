package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"payrecon/internal/common/events"
)

// correlationHeader mirrors the HTTP header so consumers can trace a message
// without decoding the body.
const correlationHeader = "X-Correlation-ID"

// Publisher writes event envelopes to JetStream.
type Publisher struct {
	js     jetstream.JetStream
	logger *slog.Logger
}

var _ events.EventPublisher = (*Publisher)(nil)

func NewPublisher(client *Client, logger *slog.Logger) *Publisher {
	return &Publisher{js: client.js, logger: logger}
}

// Publish waits for the stream ack. The event ID is the message ID, so a
// retried publish inside the duplicate window is dropped by the server.
func (p *Publisher) Publish(ctx context.Context, event *events.Event) error {
	msg, err := envelopeMsg(event)
	if err != nil {
		return err
	}

	ack, err := p.js.PublishMsg(ctx, msg, jetstream.WithMsgID(event.ID))
	if err != nil {
		return fmt.Errorf("publishing %s: %w", event.Type, err)
	}

	p.logger.Debug("event published",
		"event_id", event.ID,
		"type", event.Type,
		"stream", ack.Stream,
		"seq", ack.Sequence,
		"duplicate", ack.Duplicate,
	)
	return nil
}

func envelopeMsg(event *events.Event) (*nats.Msg, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshaling event %s: %w", event.ID, err)
	}
	msg := nats.NewMsg(EventSubject(event.Type))
	msg.Data = data
	if event.CorrelationID != "" {
		msg.Header.Set(correlationHeader, event.CorrelationID)
	}
	return msg, nil
}
