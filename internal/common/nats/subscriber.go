package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"payrecon/internal/common/events"
)

// ErrPermanent marks a handler failure that redelivery cannot fix.
var ErrPermanent = errors.New("permanent failure")

// MessageHandler handles one decoded envelope.
type MessageHandler func(ctx context.Context, event *events.Event) error

type disposition int

const (
	ack disposition = iota
	nak
	term
)

// dispose decides what happens to a message after its handler returned err.
func dispose(err error) disposition {
	switch {
	case err == nil:
		return ack
	case errors.Is(err, ErrPermanent):
		return term
	default:
		return nak
	}
}

// redeliveryDelay backs off linearly with the delivery count, capped at a
// minute.
func redeliveryDelay(numDelivered uint64) time.Duration {
	d := time.Duration(numDelivered) * 5 * time.Second
	if d > time.Minute {
		d = time.Minute
	}
	return d
}

// Subscriber drives a pull consumer.
type Subscriber struct {
	consumer jetstream.Consumer
	logger   *slog.Logger
}

func NewSubscriber(consumer jetstream.Consumer, logger *slog.Logger) *Subscriber {
	return &Subscriber{consumer: consumer, logger: logger}
}

// Start consumes until ctx is cancelled and returns ctx.Err() then.
// Undecodable messages and ErrPermanent failures are terminated. Any other
// handler error is redelivered after a delay.
func (s *Subscriber) Start(ctx context.Context, handler MessageHandler) error {
	cc, err := s.consumer.Consume(func(msg jetstream.Msg) {
		s.handle(ctx, msg, handler)
	})
	if err != nil {
		return fmt.Errorf("starting consumer: %w", err)
	}

	<-ctx.Done()
	cc.Stop()
	return ctx.Err()
}

func (s *Subscriber) handle(ctx context.Context, msg jetstream.Msg, handler MessageHandler) {
	var event events.Event
	if err := json.Unmarshal(msg.Data(), &event); err != nil {
		s.logger.Error("dropping undecodable message", "subject", msg.Subject(), "error", err)
		_ = msg.Term()
		return
	}

	err := handler(ctx, &event)
	switch dispose(err) {
	case ack:
		if err := msg.Ack(); err != nil {
			s.logger.Error("acknowledging message", "event_id", event.ID, "error", err)
		}
	case term:
		s.logger.Error("command rejected", "event_id", event.ID, "type", event.Type, "error", err)
		_ = msg.Term()
	case nak:
		var delivered uint64 = 1
		if md, mdErr := msg.Metadata(); mdErr == nil {
			delivered = md.NumDelivered
		}
		s.logger.Warn("command failed, redelivering",
			"event_id", event.ID,
			"type", event.Type,
			"delivery", delivered,
			"error", err,
		)
		_ = msg.NakWithDelay(redeliveryDelay(delivered))
	}
}
