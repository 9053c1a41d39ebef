package transaction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"payrecon/internal/common/database"
	"payrecon/internal/common/money"
)

// Store persists financial transactions. Transition and Touch only apply to
// open transactions and report whether they did.
type Store interface {
	Get(ctx context.Context, id string) (*FinancialTransaction, error)
	Create(ctx context.Context, tx *FinancialTransaction) error
	Transition(ctx context.Context, id string, tr Transition) (bool, error)
	Touch(ctx context.Context, id string, meta Metadata, at time.Time) (bool, error)
	ListStuck(ctx context.Context, createdBefore time.Time, limit int) ([]*FinancialTransaction, error)
	Stats(ctx context.Context, since, staleBefore time.Time) (*Stats, error)
}

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db database.Querier
}

// NewPostgresStore creates a store over a pool or an open transaction.
func NewPostgresStore(db database.Querier) *PostgresStore {
	return &PostgresStore{db: db}
}

const selectColumns = `
	id, transaction_type, status, driver_id, client_id,
	amount_gross, amount_fees, amount_net, currency,
	gateway_provider, gateway_reference, gateway_channel, gateway_metadata,
	payout, processed_at, created_at, updated_at`

// Get retrieves a transaction by ID.
func (s *PostgresStore) Get(ctx context.Context, id string) (*FinancialTransaction, error) {
	row := s.db.QueryRow(ctx, `SELECT `+selectColumns+` FROM financial_transactions WHERE id = $1`, id)
	tx, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("transaction %s: %w", id, database.ErrNotFound)
		}
		return nil, fmt.Errorf("getting transaction: %w", err)
	}
	return tx, nil
}

// Create inserts a new transaction.
func (s *PostgresStore) Create(ctx context.Context, tx *FinancialTransaction) error {
	meta, err := json.Marshal(tx.Gateway.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	var payout []byte
	if tx.Payout != nil {
		if payout, err = json.Marshal(tx.Payout); err != nil {
			return fmt.Errorf("marshal payout: %w", err)
		}
	}

	query := `
		INSERT INTO financial_transactions (
			id, transaction_type, status, driver_id, client_id,
			amount_gross, amount_fees, amount_net, currency,
			gateway_provider, gateway_reference, gateway_channel, gateway_metadata,
			payout, processed_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17
		)
	`
	_, err = s.db.Exec(ctx, query,
		tx.ID, tx.Type, tx.Status, nullStr(tx.DriverID), nullStr(tx.ClientID),
		tx.Amount.Gross, tx.Amount.Fees, tx.Amount.Net, tx.Amount.Currency,
		tx.Gateway.Provider, nullStr(tx.Gateway.Reference), nullStr(tx.Gateway.Channel), meta,
		payout, tx.ProcessedAt, tx.CreatedAt, tx.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("transaction %s: %w", tx.ID, database.ErrAlreadyExists)
		}
		return fmt.Errorf("creating transaction: %w", err)
	}
	return nil
}

// Transition is a compare-and-swap on status: it applies only while the row
// is still pending or processing.
func (s *PostgresStore) Transition(ctx context.Context, id string, tr Transition) (bool, error) {
	meta, err := json.Marshal(tr.Metadata)
	if err != nil {
		return false, fmt.Errorf("marshal metadata: %w", err)
	}

	query := `
		UPDATE financial_transactions SET
			status = $2,
			processed_at = CASE WHEN $2 IN ('completed', 'failed', 'reversed') THEN $3 ELSE processed_at END,
			updated_at = $3,
			gateway_channel = COALESCE(NULLIF($4, ''), gateway_channel),
			gateway_metadata = gateway_metadata || $5::jsonb,
			payout = CASE
				WHEN payout IS NULL OR $6 = '' THEN payout
				ELSE jsonb_set(payout, '{transfer_status}', to_jsonb($6::text))
			END
		WHERE id = $1 AND status IN ('pending', 'processing')
	`
	tag, err := s.db.Exec(ctx, query, id, string(tr.To), tr.At, tr.Channel, meta, tr.TransferStatus)
	if err != nil {
		return false, fmt.Errorf("transitioning transaction: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Touch merges verification metadata into an open transaction.
func (s *PostgresStore) Touch(ctx context.Context, id string, meta Metadata, at time.Time) (bool, error) {
	raw, err := json.Marshal(meta)
	if err != nil {
		return false, fmt.Errorf("marshal metadata: %w", err)
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE financial_transactions
		SET gateway_metadata = gateway_metadata || $2::jsonb, updated_at = $3
		WHERE id = $1 AND status IN ('pending', 'processing')
	`, id, raw, at)
	if err != nil {
		return false, fmt.Errorf("touching transaction: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListStuck returns open transactions created before the cutoff, oldest first.
// A limit of zero or less returns all of them.
func (s *PostgresStore) ListStuck(ctx context.Context, createdBefore time.Time, limit int) ([]*FinancialTransaction, error) {
	// LIMIT NULL is no limit.
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+selectColumns+`
		FROM financial_transactions
		WHERE status IN ('pending', 'processing') AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2
	`, createdBefore, lim)
	if err != nil {
		return nil, fmt.Errorf("listing stuck transactions: %w", err)
	}
	defer rows.Close()

	var out []*FinancialTransaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning transaction: %w", err)
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

// Stats counts open transactions plus terminal outcomes processed since the given time.
func (s *PostgresStore) Stats(ctx context.Context, since, staleBefore time.Time) (*Stats, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status IN ('pending', 'processing') AND transaction_type = 'driver_payout'),
			COUNT(*) FILTER (WHERE status IN ('pending', 'processing') AND transaction_type <> 'driver_payout'),
			COUNT(*) FILTER (WHERE status IN ('pending', 'processing') AND transaction_type = 'driver_payout' AND created_at < $2),
			COUNT(*) FILTER (WHERE status IN ('pending', 'processing') AND transaction_type <> 'driver_payout' AND created_at < $2),
			COUNT(*) FILTER (WHERE status = 'completed' AND processed_at >= $1),
			COUNT(*) FILTER (WHERE status = 'failed' AND processed_at >= $1)
		FROM financial_transactions
	`
	var st Stats
	err := s.db.QueryRow(ctx, query, since, staleBefore).Scan(
		&st.PendingPayouts, &st.PendingPayments,
		&st.OldPendingPayouts, &st.OldPendingPayments,
		&st.Completed, &st.Failed,
	)
	if err != nil {
		return nil, fmt.Errorf("computing transaction stats: %w", err)
	}
	return &st, nil
}

func scanTransaction(row pgx.Row) (*FinancialTransaction, error) {
	var (
		tx                               FinancialTransaction
		driverID, clientID, ref, channel *string
		currency                         string
		meta, payout                     []byte
	)
	err := row.Scan(
		&tx.ID, &tx.Type, &tx.Status, &driverID, &clientID,
		&tx.Amount.Gross, &tx.Amount.Fees, &tx.Amount.Net, &currency,
		&tx.Gateway.Provider, &ref, &channel, &meta,
		&payout, &tx.ProcessedAt, &tx.CreatedAt, &tx.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	tx.DriverID = derefStr(driverID)
	tx.ClientID = derefStr(clientID)
	tx.Gateway.Reference = derefStr(ref)
	tx.Gateway.Channel = derefStr(channel)
	tx.Amount.Currency = money.Currency(currency)

	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &tx.Gateway.Metadata); err != nil {
			return nil, fmt.Errorf("decoding gateway metadata: %w", err)
		}
	}
	if len(payout) > 0 {
		var p Payout
		if err := json.Unmarshal(payout, &p); err != nil {
			return nil, fmt.Errorf("decoding payout: %w", err)
		}
		tx.Payout = &p
	}
	return &tx, nil
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
