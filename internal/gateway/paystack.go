// Package gateway verifies payments and transfers against a Paystack-compatible API.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Config holds gateway client configuration.
type Config struct {
	BaseURL   string        `envconfig:"PAYSTACK_BASE_URL" default:"https://api.paystack.co"`
	SecretKey string        `envconfig:"PAYSTACK_SECRET_KEY"`
	Timeout   time.Duration `envconfig:"PAYSTACK_TIMEOUT" default:"15s"`
}

// Kind selects the verification endpoint.
type Kind string

const (
	KindTransaction Kind = "transaction"
	KindTransfer    Kind = "transfer"
)

// Gateway-reported statuses.
const (
	StatusSuccess    = "success"
	StatusFailed     = "failed"
	StatusAbandoned  = "abandoned"
	StatusReversed   = "reversed"
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusOngoing    = "ongoing"
	StatusQueued     = "queued"
	StatusOTP        = "otp"
)

var (
	// ErrNotYetVisible means the gateway has not indexed the reference yet (HTTP 404).
	ErrNotYetVisible = errors.New("gateway: reference not yet visible")
	// ErrInconclusive means the attempt timed out; the outcome is unknown.
	ErrInconclusive = errors.New("gateway: verification inconclusive")
)

// Error is a failed verification attempt: a non-2xx response other than 404,
// or a body the client could not make sense of.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("gateway error: status=%d message=%s", e.StatusCode, e.Message)
}

// Result is the normalized verification payload.
type Result struct {
	Status          string          `json:"status"`
	Reference       string          `json:"reference"`
	Amount          int64           `json:"amount"`
	Currency        string          `json:"currency,omitempty"`
	GatewayResponse string          `json:"gateway_response,omitempty"`
	Channel         string          `json:"channel,omitempty"`
	PaidAt          string          `json:"paid_at,omitempty"`
	TransferCode    string          `json:"transfer_code,omitempty"`
	Reason          string          `json:"reason,omitempty"`
	Message         string          `json:"message,omitempty"`
	Raw             json.RawMessage `json:"-"`
}

type envelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type verifyData struct {
	Status          string `json:"status"`
	Reference       string `json:"reference"`
	Amount          int64  `json:"amount"`
	Currency        string `json:"currency"`
	GatewayResponse string `json:"gateway_response"`
	Channel         string `json:"channel"`
	PaidAt          string `json:"paid_at"`
	TransferCode    string `json:"transfer_code"`
	Reason          string `json:"reason"`
}

// Client calls the gateway's verify endpoints.
type Client struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a gateway client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	return NewClientWithHTTP(cfg, &http.Client{Timeout: cfg.Timeout}, logger)
}

// NewClientWithHTTP lets callers supply the transport.
func NewClientWithHTTP(cfg Config, httpClient *http.Client, logger *slog.Logger) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{config: cfg, httpClient: httpClient, logger: logger}
}

// Verify fetches the gateway's view of reference.
func (c *Client) Verify(ctx context.Context, kind Kind, reference string) (*Result, error) {
	if reference == "" {
		return nil, &Error{Message: "empty reference"}
	}

	endpoint := fmt.Sprintf("%s/%s/verify/%s", c.config.BaseURL, kind, url.PathEscape(reference))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.config.SecretKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: %v", ErrInconclusive, err)
		}
		return nil, &Error{Message: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: %v", ErrInconclusive, err)
		}
		return nil, &Error{StatusCode: resp.StatusCode, Message: "read response: " + err.Error()}
	}

	if resp.StatusCode == http.StatusNotFound {
		c.logger.Debug("gateway reference not yet visible", "kind", kind, "reference", reference)
		return nil, ErrNotYetVisible
	}

	var env envelope
	decodeErr := json.Unmarshal(body, &env)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(body))
		if decodeErr == nil && env.Message != "" {
			msg = env.Message
		}
		return nil, &Error{StatusCode: resp.StatusCode, Message: msg}
	}
	if decodeErr != nil {
		return nil, &Error{StatusCode: resp.StatusCode, Message: "malformed response: " + decodeErr.Error()}
	}
	if !env.Status {
		return nil, &Error{StatusCode: resp.StatusCode, Message: env.Message}
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil, &Error{StatusCode: resp.StatusCode, Message: "response missing data"}
	}

	var data verifyData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, &Error{StatusCode: resp.StatusCode, Message: "malformed data: " + err.Error()}
	}
	if data.Status == "" {
		return nil, &Error{StatusCode: resp.StatusCode, Message: "response missing data.status"}
	}

	return &Result{
		Status:          strings.ToLower(data.Status),
		Reference:       data.Reference,
		Amount:          data.Amount,
		Currency:        data.Currency,
		GatewayResponse: data.GatewayResponse,
		Channel:         data.Channel,
		PaidAt:          data.PaidAt,
		TransferCode:    data.TransferCode,
		Reason:          data.Reason,
		Message:         env.Message,
		Raw:             env.Data,
	}, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
