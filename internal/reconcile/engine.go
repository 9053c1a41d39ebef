// Package reconcile verifies open financial transactions against the payment
// gateway and applies the verdict to the transaction and the ledger.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"payrecon/internal/common/database"
	"payrecon/internal/common/events"
	"payrecon/internal/common/middleware"
	"payrecon/internal/common/money"
	"payrecon/internal/gateway"
	"payrecon/internal/ledger"
	"payrecon/internal/ledger/domain"
	"payrecon/internal/storage"
	"payrecon/internal/transaction"
)

// Config holds engine settings.
type Config struct {
	MinVerifyAge   time.Duration `envconfig:"ENGINE_MIN_VERIFY_AGE" default:"5m"`
	GatewayTimeout time.Duration `envconfig:"ENGINE_GATEWAY_TIMEOUT" default:"20s"`
}

var (
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrLedgerInconsistency = errors.New("ledger inconsistent with transaction")
)

// Verifier looks up a reference at the gateway. *gateway.Client implements it.
type Verifier interface {
	Verify(ctx context.Context, kind gateway.Kind, reference string) (*gateway.Result, error)
}

// Outcome classifies a verification result.
type Outcome string

const (
	OutcomeCompleted           Outcome = "completed"
	OutcomeFailed              Outcome = "failed"
	OutcomeReversed            Outcome = "reversed"
	OutcomeStillPending        Outcome = "still_pending"
	OutcomeAlreadyProcessed    Outcome = "already_processed"
	OutcomeNotYetVisible       Outcome = "not_yet_visible"
	OutcomeInconclusive        Outcome = "inconclusive"
	OutcomeGatewayError        Outcome = "gateway_error"
	OutcomeLedgerInconsistency Outcome = "ledger_inconsistency"
	OutcomeUnknownStatus       Outcome = "unknown_gateway_status"
	OutcomeReferenceMismatch   Outcome = "reference_mismatch"
	OutcomeMissingReference    Outcome = "missing_reference"
)

// Result is what one verification reports. Success is true only when the
// transaction is in a terminal state once the call returns.
type Result struct {
	TransactionID     string             `json:"transaction_id"`
	Success           bool               `json:"success"`
	Status            transaction.Status `json:"status"`
	Outcome           Outcome            `json:"outcome"`
	Message           string             `json:"message"`
	Suggestion        string             `json:"suggestion,omitempty"`
	AlreadyProcessed  bool               `json:"already_processed,omitempty"`
	StillPending      bool               `json:"still_pending,omitempty"`
	GatewayStatus     string             `json:"gateway_status,omitempty"`
	RetryAfterSeconds int                `json:"retry_after_seconds,omitempty"`
}

// Engine is safe for concurrent use. Concurrent verifications of the same
// transaction are arbitrated by the store's conditional transition.
type Engine struct {
	uow       storage.UnitOfWork
	gateway   Verifier
	publisher events.EventPublisher
	metrics   *Metrics
	config    Config
	logger    *slog.Logger
	now       func() time.Time
}

// NewEngine creates an engine. A nil publisher disables events.
func NewEngine(uow storage.UnitOfWork, gw Verifier, publisher events.EventPublisher, metrics *Metrics, cfg Config, logger *slog.Logger) *Engine {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Engine{
		uow:       uow,
		gateway:   gw,
		publisher: publisher,
		metrics:   metrics,
		config:    cfg,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// VerifyTransaction checks one transaction with the gateway and applies the
// verdict. reference may be empty, in which case the stored one is used.
// The returned error is set only for a missing transaction or an
// infrastructure failure; every gateway verdict is reported in the Result.
func (e *Engine) VerifyTransaction(ctx context.Context, transactionID, reference string) (*Result, error) {
	tx, err := e.uow.Transactions().Get(ctx, transactionID)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, transactionID)
		}
		return nil, fmt.Errorf("loading transaction: %w", err)
	}

	res, err := e.verify(ctx, tx, reference)
	if err != nil {
		return nil, err
	}
	e.metrics.observeResult(string(tx.Type), res.Outcome)
	return res, nil
}

func (e *Engine) verify(ctx context.Context, tx *transaction.FinancialTransaction, reference string) (*Result, error) {
	if tx.IsTerminal() {
		return alreadyProcessed(tx.ID, tx.Status), nil
	}

	ref, res := e.resolveReference(tx, reference)
	if res != nil {
		return res, nil
	}

	kind := gateway.KindTransaction
	if tx.Type == transaction.TypeDriverPayout {
		kind = gateway.KindTransfer
	}

	gctx, cancel := context.WithTimeout(ctx, e.config.GatewayTimeout)
	start := time.Now()
	gres, err := e.gateway.Verify(gctx, kind, ref)
	cancel()
	e.metrics.observeGateway(kind, gatewayResultLabel(err), time.Since(start))

	if err != nil {
		return e.gatewayFailure(ctx, tx, ref, err)
	}

	if tx.Type == transaction.TypeDriverPayout {
		return e.applyPayout(ctx, tx, ref, gres)
	}
	return e.applyPayment(ctx, tx, ref, gres)
}

func (e *Engine) resolveReference(tx *transaction.FinancialTransaction, reference string) (string, *Result) {
	stored := tx.StoredReference()
	switch {
	case reference == "" && stored == "":
		return "", &Result{
			TransactionID: tx.ID,
			Status:        tx.Status,
			Outcome:       OutcomeMissingReference,
			Message:       "transaction has no gateway reference",
			Suggestion:    "supply the gateway reference",
		}
	case reference == "":
		return stored, nil
	case stored != "" && !tx.MatchesReference(reference):
		e.logger.Warn("reference does not match transaction",
			"transaction_id", tx.ID,
			"reference", reference,
		)
		return "", &Result{
			TransactionID: tx.ID,
			Status:        tx.Status,
			Outcome:       OutcomeReferenceMismatch,
			Message:       "reference does not belong to this transaction",
			Suggestion:    "check the reference",
		}
	}
	return reference, nil
}

func (e *Engine) gatewayFailure(ctx context.Context, tx *transaction.FinancialTransaction, ref string, err error) (*Result, error) {
	switch {
	case errors.Is(err, gateway.ErrNotYetVisible):
		return &Result{
			TransactionID:     tx.ID,
			Status:            tx.Status,
			Outcome:           OutcomeNotYetVisible,
			Message:           "not yet visible",
			Suggestion:        "wait",
			StillPending:      true,
			RetryAfterSeconds: e.retryAfter(tx),
		}, nil

	case errors.Is(err, gateway.ErrInconclusive):
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e.logger.Warn("gateway verification inconclusive",
			"transaction_id", tx.ID,
			"reference", ref,
			"error", err,
		)
		return &Result{
			TransactionID: tx.ID,
			Status:        tx.Status,
			Outcome:       OutcomeInconclusive,
			Message:       "verification inconclusive",
			Suggestion:    "retry",
			StillPending:  true,
		}, nil
	}

	e.logger.Warn("gateway verification failed",
		"transaction_id", tx.ID,
		"reference", ref,
		"error", err,
	)
	return &Result{
		TransactionID: tx.ID,
		Status:        tx.Status,
		Outcome:       OutcomeGatewayError,
		Message:       err.Error(),
		Suggestion:    "retry",
	}, nil
}

func (e *Engine) retryAfter(tx *transaction.FinancialTransaction) int {
	remaining := e.config.MinVerifyAge - e.now().Sub(tx.CreatedAt)
	if remaining <= 0 {
		return 0
	}
	return int(math.Ceil(remaining.Seconds()))
}

// ledgerEffect runs inside the unit of work after the status CAS succeeded.
type ledgerEffect func(ctx context.Context, repo ledger.Repository) error

func (e *Engine) applyPayout(ctx context.Context, tx *transaction.FinancialTransaction, ref string, g *gateway.Result) (*Result, error) {
	if tx.Payout == nil {
		return e.inconsistent(ctx, tx, fmt.Errorf("%w: payout details missing", ErrLedgerInconsistency)), nil
	}
	// The ledger keys the reservation by the transfer reference, even when
	// the caller verified through the payment reference.
	ledgerRef := tx.Payout.PaystackTransferRef
	if ledgerRef == "" {
		ledgerRef = ref
	}
	s := domain.Settlement{
		DriverID:      tx.DriverID,
		TransactionID: tx.ID,
		Reference:     ledgerRef,
		Amount:        tx.Payout.RequestedAmount,
		At:            e.now(),
		Response:      g.Raw,
	}

	switch g.Status {
	case gateway.StatusSuccess:
		return e.settle(ctx, tx, g, transaction.StatusCompleted, func(ctx context.Context, repo ledger.Repository) error {
			applied, err := repo.ApplyPayoutCompletion(ctx, s)
			if err == nil && !applied {
				e.logger.Warn("payout completion already in ledger", "transaction_id", tx.ID, "reference", ref)
			}
			return err
		})

	case gateway.StatusFailed, gateway.StatusReversed:
		return e.settle(ctx, tx, g, transaction.StatusFailed, func(ctx context.Context, repo ledger.Repository) error {
			applied, err := repo.ApplyPayoutFailure(ctx, s)
			if err == nil && !applied {
				e.logger.Warn("payout failure already in ledger", "transaction_id", tx.ID, "reference", ref)
			}
			return err
		})

	case gateway.StatusPending, gateway.StatusProcessing, gateway.StatusOTP, gateway.StatusQueued:
		_, err := e.uow.Ledger().TouchPendingTransfer(ctx, tx.DriverID, ledgerRef, s.At, g.Raw)
		if err != nil {
			if ledger.IsInconsistency(err) {
				return e.inconsistent(ctx, tx, err), nil
			}
			return nil, fmt.Errorf("touching pending transfer: %w", err)
		}
		return stillPending(tx, g.Status), nil
	}

	return e.unknownStatus(tx, g.Status), nil
}

func (e *Engine) applyPayment(ctx context.Context, tx *transaction.FinancialTransaction, ref string, g *gateway.Result) (*Result, error) {
	if g.Amount != 0 && g.Amount != tx.Amount.Gross {
		e.logger.Warn("gateway amount differs from transaction",
			"transaction_id", tx.ID,
			"reference", ref,
			"gateway_amount", g.Amount,
			"amount_gross", tx.Amount.Gross,
		)
	}
	if g.Currency != "" {
		if c, err := money.ParseCurrency(g.Currency); err != nil || c != tx.Amount.Currency {
			e.logger.Warn("gateway currency differs from transaction",
				"transaction_id", tx.ID,
				"reference", ref,
				"gateway_currency", g.Currency,
				"currency", tx.Amount.Currency,
			)
		}
	}

	switch g.Status {
	case gateway.StatusSuccess:
		var effect ledgerEffect
		if tx.Type == transaction.TypeWalletDeposit {
			effect = func(ctx context.Context, repo ledger.Repository) error {
				_, err := repo.CreditWalletOnce(ctx, tx.ClientID, tx.ID, tx.Amount.Net, e.now())
				return err
			}
		}
		return e.settle(ctx, tx, g, transaction.StatusCompleted, effect)

	case gateway.StatusFailed, gateway.StatusAbandoned:
		return e.settle(ctx, tx, g, transaction.StatusFailed, nil)

	case gateway.StatusReversed:
		return e.settle(ctx, tx, g, transaction.StatusReversed, nil)

	case gateway.StatusPending, gateway.StatusProcessing, gateway.StatusOngoing, gateway.StatusQueued:
		if _, err := e.uow.Transactions().Touch(ctx, tx.ID, metadataFrom(g, e.now()), e.now()); err != nil {
			return nil, fmt.Errorf("touching transaction: %w", err)
		}
		return stillPending(tx, g.Status), nil
	}

	return e.unknownStatus(tx, g.Status), nil
}

// settle moves the transaction to a terminal status and applies effect in
// the same unit of work.
func (e *Engine) settle(ctx context.Context, tx *transaction.FinancialTransaction, g *gateway.Result, to transaction.Status, effect ledgerEffect) (*Result, error) {
	now := e.now()
	tr := transaction.Transition{
		To:       to,
		At:       now,
		Channel:  g.Channel,
		Metadata: metadataFrom(g, now),
	}
	if tx.Type == transaction.TypeDriverPayout {
		tr.TransferStatus = g.Status
	}

	var applied bool
	err := e.uow.Atomic(ctx, func(ctx context.Context, s storage.Stores) error {
		ok, err := s.Transactions().Transition(ctx, tx.ID, tr)
		if err != nil || !ok {
			applied = false
			return err
		}
		applied = true
		if effect != nil {
			return effect(ctx, s.Ledger())
		}
		return nil
	})
	if err != nil {
		if ledger.IsInconsistency(err) {
			return e.inconsistent(ctx, tx, err), nil
		}
		return nil, fmt.Errorf("applying %s verdict: %w", to, err)
	}

	if !applied {
		current, err := e.uow.Transactions().Get(ctx, tx.ID)
		if err != nil {
			return nil, fmt.Errorf("reloading transaction: %w", err)
		}
		return alreadyProcessed(tx.ID, current.Status), nil
	}

	e.logger.Info("transaction reconciled",
		"transaction_id", tx.ID,
		"type", tx.Type,
		"status", to,
		"gateway_status", g.Status,
		"amount", tx.Amount.NetMoney().String(),
	)
	e.publishSettled(ctx, tx, tr, g.Status)

	return &Result{
		TransactionID: tx.ID,
		Success:       true,
		Status:        to,
		Outcome:       outcomeFor(to),
		Message:       "transaction " + string(to),
		GatewayStatus: g.Status,
	}, nil
}

func (e *Engine) inconsistent(ctx context.Context, tx *transaction.FinancialTransaction, err error) *Result {
	e.logger.Error("ledger inconsistency, verification rolled back",
		"transaction_id", tx.ID,
		"type", tx.Type,
		"error", err,
	)
	e.publish(ctx, events.EventReviewRequired, tx.ID, events.ReviewRequiredData{
		TransactionID:   tx.ID,
		TransactionType: string(tx.Type),
		Status:          string(tx.Status),
		Age:             e.now().Sub(tx.CreatedAt),
		LastOutcome:     string(OutcomeLedgerInconsistency),
	})
	return &Result{
		TransactionID: tx.ID,
		Status:        tx.Status,
		Outcome:       OutcomeLedgerInconsistency,
		Message:       err.Error(),
		Suggestion:    "manual review",
	}
}

func (e *Engine) unknownStatus(tx *transaction.FinancialTransaction, status string) *Result {
	e.logger.Warn("unknown gateway status", "transaction_id", tx.ID, "gateway_status", status)
	return &Result{
		TransactionID: tx.ID,
		Status:        tx.Status,
		Outcome:       OutcomeUnknownStatus,
		Message:       fmt.Sprintf("unknown gateway status %q", status),
		Suggestion:    "manual review",
		GatewayStatus: status,
	}
}

func alreadyProcessed(id string, status transaction.Status) *Result {
	return &Result{
		TransactionID:    id,
		Success:          true,
		Status:           status,
		Outcome:          OutcomeAlreadyProcessed,
		Message:          "transaction already " + string(status),
		AlreadyProcessed: true,
	}
}

func stillPending(tx *transaction.FinancialTransaction, gatewayStatus string) *Result {
	return &Result{
		TransactionID: tx.ID,
		Status:        tx.Status,
		Outcome:       OutcomeStillPending,
		Message:       "transaction still " + gatewayStatus + " at gateway",
		Suggestion:    "retry later",
		StillPending:  true,
		GatewayStatus: gatewayStatus,
	}
}

func outcomeFor(s transaction.Status) Outcome {
	switch s {
	case transaction.StatusCompleted:
		return OutcomeCompleted
	case transaction.StatusReversed:
		return OutcomeReversed
	}
	return OutcomeFailed
}

func metadataFrom(g *gateway.Result, at time.Time) transaction.Metadata {
	m := transaction.Metadata{
		LastVerifiedAt:  &at,
		GatewayStatus:   g.Status,
		GatewayResponse: g.GatewayResponse,
		PaidAt:          g.PaidAt,
		FailureReason:   g.Reason,
		TransferCode:    g.TransferCode,
	}
	if m.GatewayResponse == "" {
		m.GatewayResponse = g.Message
	}
	return m
}

func gatewayResultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, gateway.ErrNotYetVisible):
		return "not_found"
	case errors.Is(err, gateway.ErrInconclusive):
		return "inconclusive"
	}
	return "error"
}

// publishSettled announces the transition tr that was just committed for tx.
// tx is the row as it was loaded, before tr.
func (e *Engine) publishSettled(ctx context.Context, tx *transaction.FinancialTransaction, tr transaction.Transition, gatewayStatus string) {
	var eventType string
	switch tr.To {
	case transaction.StatusCompleted:
		eventType = events.EventTransactionCompleted
	case transaction.StatusReversed:
		eventType = events.EventTransactionReversed
	default:
		eventType = events.EventTransactionFailed
	}
	e.publish(ctx, eventType, tx.ID, events.TransactionSettledData{
		TransactionID:   tx.ID,
		TransactionType: string(tx.Type),
		Status:          string(tr.To),
		Reference:       tx.StoredReference(),
		GatewayStatus:   gatewayStatus,
		AmountNet:       tx.Amount.Net,
		Currency:        string(tx.Amount.Currency),
		DriverID:        tx.DriverID,
		ClientID:        tx.ClientID,
		ProcessedAt:     tr.At,
	})

	switch {
	case tx.Type == transaction.TypeDriverPayout && tx.Payout != nil:
		e.publish(ctx, events.EventPayoutSettled, tx.ID, events.PayoutSettledData{
			TransactionID:   tx.ID,
			DriverID:        tx.DriverID,
			Reference:       tx.StoredReference(),
			Outcome:         string(tr.To),
			RequestedAmount: tx.Payout.RequestedAmount,
			Currency:        string(tx.Amount.Currency),
		})
	case tx.Type == transaction.TypeWalletDeposit && tr.To == transaction.StatusCompleted:
		e.publish(ctx, events.EventWalletCredited, tx.ID, events.WalletCreditedData{
			TransactionID: tx.ID,
			ClientID:      tx.ClientID,
			Amount:        tx.Amount.Net,
			Currency:      string(tx.Amount.Currency),
		})
	}
}

// publish is best effort; the state change has already committed.
func (e *Engine) publish(ctx context.Context, eventType, aggregateID string, data interface{}) {
	evt, err := events.NewEvent(eventType, events.AggregateTransaction, aggregateID, data)
	if err != nil {
		e.logger.Error("building event", "type", eventType, "error", err)
		return
	}
	evt.WithCorrelation(middleware.GetCorrelationID(ctx), "")
	if err := e.publisher.Publish(ctx, evt); err != nil {
		e.logger.Warn("publishing event", "type", eventType, "aggregate_id", aggregateID, "error", err)
	}
}
