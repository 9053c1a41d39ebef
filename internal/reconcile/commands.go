package reconcile

import (
	"context"
	"errors"
	"fmt"

	"payrecon/internal/common/events"
	"payrecon/internal/common/middleware"
	"payrecon/internal/common/nats"
)

// HandleVerifyCommand is the broker entrypoint for reconciliation.verify
// commands. Malformed commands and unknown transactions are permanent
// failures; anything else is returned for redelivery.
func (e *Engine) HandleVerifyCommand(ctx context.Context, evt *events.Event) error {
	if evt.Type != events.CommandVerifyTransaction {
		return fmt.Errorf("%w: unexpected command %q", nats.ErrPermanent, evt.Type)
	}
	var cmd events.VerifyRequestedData
	if err := evt.DecodeData(&cmd); err != nil {
		return fmt.Errorf("%w: decoding command: %v", nats.ErrPermanent, err)
	}
	if cmd.TransactionID == "" {
		return fmt.Errorf("%w: transaction_id is required", nats.ErrPermanent)
	}

	correlationID := evt.CorrelationID
	if correlationID == "" {
		correlationID = evt.ID
	}
	ctx = middleware.WithCorrelationID(ctx, correlationID)

	res, err := e.VerifyTransaction(ctx, cmd.TransactionID, cmd.Reference)
	if err != nil {
		if errors.Is(err, ErrTransactionNotFound) {
			return fmt.Errorf("%w: %v", nats.ErrPermanent, err)
		}
		return err
	}

	e.logger.Info("verify command handled",
		"transaction_id", res.TransactionID,
		"outcome", res.Outcome,
		"status", res.Status,
		"command_id", evt.ID,
	)
	return nil
}
