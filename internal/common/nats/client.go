// Package nats connects the reconciler to JetStream: outbound domain events
// and the inbound verify command queue share one stream.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Config holds NATS configuration. An empty URL disables the broker.
type Config struct {
	URL           string        `envconfig:"NATS_URL"`
	Name          string        `envconfig:"NATS_CLIENT_NAME" default:"payrecon"`
	MaxReconnects int           `envconfig:"NATS_MAX_RECONNECTS" default:"10"`
	ReconnectWait time.Duration `envconfig:"NATS_RECONNECT_WAIT" default:"2s"`

	Stream       string        `envconfig:"NATS_STREAM" default:"RECONCILIATION"`
	StreamMaxAge time.Duration `envconfig:"NATS_STREAM_MAX_AGE" default:"168h"`
	Consumer     string        `envconfig:"NATS_VERIFY_CONSUMER" default:"reconciler-verify"`
	MaxDeliver   int           `envconfig:"NATS_MAX_DELIVER" default:"5"`
	AckWait      time.Duration `envconfig:"NATS_ACK_WAIT" default:"1m"`
}

func (c Config) Enabled() bool {
	return c.URL != ""
}

// Subject prefixes on the reconciliation stream.
const (
	eventPrefix   = "events."
	commandPrefix = "commands."
)

// StreamSubjects are the wildcards the reconciliation stream captures.
var StreamSubjects = []string{
	eventPrefix + "reconciliation.>",
	commandPrefix + "reconciliation.>",
}

// EventSubject maps an event type to its subject.
func EventSubject(eventType string) string { return eventPrefix + eventType }

// CommandSubject maps a command type to its subject.
func CommandSubject(commandType string) string { return commandPrefix + commandType }

// Client is a connection plus its JetStream context.
type Client struct {
	cfg    Config
	conn   *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

// Connect dials the broker. Reconnects are handled by the nats client and
// surface only as log lines.
func Connect(cfg Config, logger *slog.Logger) (*Client, error) {
	conn, err := nats.Connect(cfg.URL, connOptions(cfg, logger)...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}

	logger.Info("NATS connection established", "url", conn.ConnectedUrl(), "stream", cfg.Stream)
	return &Client{cfg: cfg, conn: conn, js: js, logger: logger}, nil
}

func connOptions(cfg Config, logger *slog.Logger) []nats.Option {
	return []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			attrs := []any{"error", err}
			if sub != nil {
				attrs = append(attrs, "subject", sub.Subject)
			}
			logger.Error("NATS async error", attrs...)
		}),
	}
}

// Drain flushes pending publishes before closing.
func (c *Client) Drain() {
	if err := c.conn.Drain(); err != nil {
		c.logger.Warn("draining NATS connection", "error", err)
		c.conn.Close()
	}
}

func (c *Client) HealthCheck() error {
	if !c.conn.IsConnected() {
		return errors.New("NATS not connected")
	}
	return nil
}

// streamConfig is the reconciliation stream. The duplicate window lets
// retried publishes of one envelope collapse on its event ID.
func (c *Client) streamConfig() jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:       c.cfg.Stream,
		Subjects:   StreamSubjects,
		MaxAge:     c.cfg.StreamMaxAge,
		Retention:  jetstream.LimitsPolicy,
		Storage:    jetstream.FileStorage,
		Replicas:   1,
		Duplicates: 2 * time.Minute,
	}
}

// verifyConsumerConfig is the durable pull consumer for verify commands.
func (c *Client) verifyConsumerConfig(filterSubject string) jetstream.ConsumerConfig {
	return jetstream.ConsumerConfig{
		Name:          c.cfg.Consumer,
		Durable:       c.cfg.Consumer,
		FilterSubject: filterSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		MaxDeliver:    c.cfg.MaxDeliver,
		AckWait:       c.cfg.AckWait,
		// One command at a time keeps gateway calls sequential.
		MaxAckPending: 1,
	}
}

// EnsureStream creates the stream or brings an existing one up to date.
func (c *Client) EnsureStream(ctx context.Context) error {
	sc := c.streamConfig()
	if _, err := c.js.CreateOrUpdateStream(ctx, sc); err != nil {
		return fmt.Errorf("ensuring stream %s: %w", sc.Name, err)
	}
	c.logger.Info("stream ensured", "name", sc.Name, "subjects", sc.Subjects)
	return nil
}

// VerifyConsumer ensures the durable consumer for commandType and returns it.
func (c *Client) VerifyConsumer(ctx context.Context, commandType string) (jetstream.Consumer, error) {
	cc := c.verifyConsumerConfig(CommandSubject(commandType))
	consumer, err := c.js.CreateOrUpdateConsumer(ctx, c.cfg.Stream, cc)
	if err != nil {
		return nil, fmt.Errorf("ensuring consumer %s: %w", cc.Name, err)
	}
	c.logger.Info("consumer ensured", "name", cc.Name, "stream", c.cfg.Stream, "filter", cc.FilterSubject)
	return consumer, nil
}
