package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"payrecon/internal/common/database"
	"payrecon/internal/ledger"
	"payrecon/internal/ledger/domain"
)

// Store implements ledger.Repository on PostgreSQL. Embedded lists live in
// JSONB columns and are rewritten inside the same UPDATE that moves balances.
type Store struct {
	db database.Querier
}

var _ ledger.Repository = (*Store)(nil)

// New creates a ledger store over a pool or an open transaction.
func New(db database.Querier) *Store {
	return &Store{db: db}
}

// GetDriverEarnings retrieves a driver's earnings aggregate.
func (s *Store) GetDriverEarnings(ctx context.Context, driverID string) (*domain.DriverEarnings, error) {
	row := s.db.QueryRow(ctx, `
		SELECT driver_id, currency, available, withdrawn, pending,
			   total_withdrawn, total_earned, pending_transfers, recent_payouts,
			   version, created_at, updated_at
		FROM driver_earnings
		WHERE driver_id = $1
	`, driverID)

	var (
		e                  domain.DriverEarnings
		transfers, payouts []byte
	)
	err := row.Scan(
		&e.DriverID, &e.Currency, &e.Earnings.Available, &e.Earnings.Withdrawn, &e.Earnings.Pending,
		&e.Lifetime.TotalWithdrawn, &e.Lifetime.TotalEarned, &transfers, &payouts,
		&e.Version, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("driver %s: %w", driverID, domain.ErrEarningsNotFound)
		}
		return nil, fmt.Errorf("getting driver earnings: %w", err)
	}
	if err := json.Unmarshal(transfers, &e.PendingTransfers); err != nil {
		return nil, fmt.Errorf("decoding pending transfers: %w", err)
	}
	if err := json.Unmarshal(payouts, &e.RecentPayouts); err != nil {
		return nil, fmt.Errorf("decoding recent payouts: %w", err)
	}
	return &e, nil
}

// GetClientWallet retrieves a client's wallet.
func (s *Store) GetClientWallet(ctx context.Context, clientID string) (*domain.ClientWallet, error) {
	row := s.db.QueryRow(ctx, `
		SELECT client_id, currency, balance, recent_transactions, version, created_at, updated_at
		FROM client_wallets
		WHERE client_id = $1
	`, clientID)

	var (
		w       domain.ClientWallet
		entries []byte
	)
	err := row.Scan(&w.ClientID, &w.Currency, &w.Balance, &entries, &w.Version, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("client %s: %w", clientID, domain.ErrWalletNotFound)
		}
		return nil, fmt.Errorf("getting client wallet: %w", err)
	}
	if err := json.Unmarshal(entries, &w.RecentTransactions); err != nil {
		return nil, fmt.Errorf("decoding wallet entries: %w", err)
	}
	return &w, nil
}

// CreateDriverEarnings inserts a driver's earnings aggregate.
func (s *Store) CreateDriverEarnings(ctx context.Context, e *domain.DriverEarnings) error {
	transfers, err := jsonList(e.PendingTransfers)
	if err != nil {
		return err
	}
	payouts, err := jsonList(e.RecentPayouts)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO driver_earnings (
			driver_id, currency, available, withdrawn, pending,
			total_withdrawn, total_earned, pending_transfers, recent_payouts,
			version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		e.DriverID, e.Currency, e.Earnings.Available, e.Earnings.Withdrawn, e.Earnings.Pending,
		e.Lifetime.TotalWithdrawn, e.Lifetime.TotalEarned, transfers, payouts,
		e.Version, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("driver %s: %w", e.DriverID, database.ErrAlreadyExists)
		}
		return fmt.Errorf("creating driver earnings: %w", err)
	}
	return nil
}

// CreateClientWallet inserts a client wallet.
func (s *Store) CreateClientWallet(ctx context.Context, w *domain.ClientWallet) error {
	entries, err := jsonList(w.RecentTransactions)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO client_wallets (client_id, currency, balance, recent_transactions, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, w.ClientID, w.Currency, w.Balance, entries, w.Version, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("client %s: %w", w.ClientID, database.ErrAlreadyExists)
		}
		return fmt.Errorf("creating client wallet: %w", err)
	}
	return nil
}

// FindPendingTransferByReference returns the transfer entry for reference.
func (s *Store) FindPendingTransferByReference(ctx context.Context, driverID, reference string) (*domain.PendingTransfer, error) {
	e, err := s.GetDriverEarnings(ctx, driverID)
	if err != nil {
		return nil, err
	}
	i := e.FindTransfer(reference)
	if i < 0 {
		return nil, fmt.Errorf("reference %s: %w", reference, domain.ErrTransferNotFound)
	}
	t := e.PendingTransfers[i]
	return &t, nil
}

// ReservePayout moves amount from available to pending and appends the
// transfer entry, unless the reference is already reserved.
func (s *Store) ReservePayout(ctx context.Context, driverID, transactionID, reference string, amount int64, at time.Time) (bool, error) {
	if amount <= 0 {
		return false, domain.ErrInvalidAmount
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE driver_earnings SET
			available = available - $4,
			pending = pending + $4,
			pending_transfers = pending_transfers || jsonb_build_array(jsonb_build_object(
				'paystack_reference', $2::text,
				'transaction_id', $3::text,
				'requested_amount', $4::bigint,
				'status', 'pending',
				'requested_at', $5::timestamptz)),
			version = version + 1,
			updated_at = $5
		WHERE driver_id = $1
		  AND available >= $4
		  AND NOT EXISTS (
			SELECT 1 FROM jsonb_array_elements(pending_transfers) AS p(elem)
			WHERE p.elem->>'paystack_reference' = $2::text)
	`, driverID, reference, transactionID, amount, at)
	if err != nil {
		return false, balanceError("reserving payout", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	return s.diagnose(ctx, driverID, "reserving payout "+reference, func(e *domain.DriverEarnings) (bool, error) {
		return e.Reserve(transactionID, reference, amount, at)
	})
}

// TouchPendingTransfer stamps lastVerifiedAt and the raw gateway payload
// onto an open transfer entry. Balances are untouched.
func (s *Store) TouchPendingTransfer(ctx context.Context, driverID, reference string, at time.Time, response json.RawMessage) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE driver_earnings SET
			pending_transfers = (
				SELECT COALESCE(jsonb_agg(
					CASE WHEN t.elem->>'paystack_reference' = $2::text
						THEN t.elem || jsonb_strip_nulls(jsonb_build_object(
							'last_verified_at', $3::timestamptz,
							'paystack_response', $4::jsonb))
						ELSE t.elem
					END ORDER BY t.ord), '[]'::jsonb)
				FROM jsonb_array_elements(driver_earnings.pending_transfers) WITH ORDINALITY AS t(elem, ord)
			),
			version = version + 1,
			updated_at = $3
		WHERE driver_id = $1
		  AND EXISTS (
			SELECT 1 FROM jsonb_array_elements(pending_transfers) AS p(elem)
			WHERE p.elem->>'paystack_reference' = $2::text
			  AND p.elem->>'status' IN ('pending', 'processing'))
	`, driverID, reference, at, nullJSON(response))
	if err != nil {
		return false, fmt.Errorf("touching pending transfer: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	return s.diagnose(ctx, driverID, "touching transfer "+reference, func(e *domain.DriverEarnings) (bool, error) {
		return e.TouchTransfer(reference, at, response)
	})
}

// settleSet rewrites the matched transfer entry and upserts recentPayouts.
// $2 reference, $3 transaction id, $4 amount, $5 time, $6 payload, $7 status.
const settleSet = `
	pending_transfers = (
		SELECT COALESCE(jsonb_agg(
			CASE WHEN t.elem->>'paystack_reference' = $2::text
				THEN t.elem || jsonb_strip_nulls(jsonb_build_object(
					'status', $7::text,
					'last_verified_at', $5::timestamptz,
					'paystack_response', $6::jsonb))
				ELSE t.elem
			END ORDER BY t.ord), '[]'::jsonb)
		FROM jsonb_array_elements(driver_earnings.pending_transfers) WITH ORDINALITY AS t(elem, ord)
	),
	recent_payouts = (
		SELECT COALESCE(jsonb_agg(r.elem ORDER BY r.ord), '[]'::jsonb)
		FROM jsonb_array_elements(driver_earnings.recent_payouts) WITH ORDINALITY AS r(elem, ord)
		WHERE r.elem->>'transaction_id' <> $3::text
	) || jsonb_build_array(jsonb_build_object(
		'transaction_id', $3::text,
		'status', $7::text,
		'amount', $4::bigint,
		'processed_at', $5::timestamptz)),
	version = version + 1,
	updated_at = $5`

// openTransferGuard matches only while the exact transfer is still open and
// its amount is still held in pending.
const openTransferGuard = `
	driver_id = $1
	AND pending >= $4::bigint
	AND EXISTS (
		SELECT 1 FROM jsonb_array_elements(pending_transfers) AS p(elem)
		WHERE p.elem->>'paystack_reference' = $2::text
		  AND (p.elem->>'requested_amount')::bigint = $4::bigint
		  AND p.elem->>'status' IN ('pending', 'processing'))`

// ApplyPayoutCompletion moves a settled payout from pending to withdrawn.
func (s *Store) ApplyPayoutCompletion(ctx context.Context, st domain.Settlement) (bool, error) {
	query := `
		UPDATE driver_earnings SET
			pending = pending - $4::bigint,
			withdrawn = withdrawn + $4::bigint,
			total_withdrawn = total_withdrawn + $4::bigint,` + settleSet + `
		WHERE` + openTransferGuard
	return s.settle(ctx, query, st, domain.TransferCompleted, func(e *domain.DriverEarnings) (bool, error) {
		return e.CompletePayout(st)
	})
}

// ApplyPayoutFailure returns a failed payout's amount from pending to available.
func (s *Store) ApplyPayoutFailure(ctx context.Context, st domain.Settlement) (bool, error) {
	query := `
		UPDATE driver_earnings SET
			pending = pending - $4::bigint,
			available = available + $4::bigint,` + settleSet + `
		WHERE` + openTransferGuard
	return s.settle(ctx, query, st, domain.TransferFailed, func(e *domain.DriverEarnings) (bool, error) {
		return e.FailPayout(st)
	})
}

func (s *Store) settle(ctx context.Context, query string, st domain.Settlement, status domain.TransferStatus, apply func(*domain.DriverEarnings) (bool, error)) (bool, error) {
	tag, err := s.db.Exec(ctx, query,
		st.DriverID, st.Reference, st.TransactionID, st.Amount, st.At, nullJSON(st.Response), string(status),
	)
	if err != nil {
		return false, balanceError("settling payout "+st.Reference, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	return s.diagnose(ctx, st.DriverID, "settling payout "+st.Reference, apply)
}

// balanceError wraps a failed balance UPDATE. A CHECK violation means a
// balance column would have gone negative, which the guards should have
// ruled out, so it surfaces as insufficient funds.
func balanceError(op string, err error) error {
	if database.IsCheckViolation(err) {
		return fmt.Errorf("%s: %w: %w", op, domain.ErrInsufficientFunds, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// diagnose explains a zero-row update by replaying it on a fresh read: the
// domain method yields "already applied" (false) or the inconsistency error.
func (s *Store) diagnose(ctx context.Context, driverID, op string, apply func(*domain.DriverEarnings) (bool, error)) (bool, error) {
	e, err := s.GetDriverEarnings(ctx, driverID)
	if err != nil {
		return false, err
	}
	applied, err := apply(e)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	if applied {
		return false, fmt.Errorf("%s: %w", op, database.ErrConflict)
	}
	return false, nil
}

// CreditWalletOnce credits amount unless transactionID is already recorded.
func (s *Store) CreditWalletOnce(ctx context.Context, clientID, transactionID string, amount int64, at time.Time) (bool, error) {
	if amount <= 0 {
		return false, domain.ErrInvalidAmount
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE client_wallets SET
			balance = balance + $3,
			recent_transactions = recent_transactions || jsonb_build_array(jsonb_build_object(
				'transaction_id', $2::text,
				'amount', $3::bigint,
				'at', $4::timestamptz)),
			version = version + 1,
			updated_at = $4
		WHERE client_id = $1
		  AND NOT recent_transactions @> jsonb_build_array(jsonb_build_object('transaction_id', $2::text))
	`, clientID, transactionID, amount, at)
	if err != nil {
		return false, balanceError("crediting wallet", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM client_wallets WHERE client_id = $1)`, clientID).Scan(&exists); err != nil {
		return false, fmt.Errorf("checking wallet: %w", err)
	}
	if !exists {
		return false, fmt.Errorf("client %s: %w", clientID, domain.ErrWalletNotFound)
	}
	return false, nil
}

// Totals sums balances across all aggregates.
func (s *Store) Totals(ctx context.Context) (*ledger.Totals, error) {
	var t ledger.Totals
	err := s.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(available), 0)::bigint, COALESCE(SUM(pending), 0)::bigint,
		       COALESCE(SUM(withdrawn), 0)::bigint, COUNT(*)
		FROM driver_earnings
	`).Scan(&t.DriverAvailable, &t.DriverPending, &t.DriverWithdrawn, &t.Drivers)
	if err != nil {
		return nil, fmt.Errorf("summing driver earnings: %w", err)
	}
	err = s.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(balance), 0)::bigint, COUNT(*) FROM client_wallets
	`).Scan(&t.ClientWallets, &t.Wallets)
	if err != nil {
		return nil, fmt.Errorf("summing client wallets: %w", err)
	}
	return &t, nil
}

func jsonList[T any](items []T) ([]byte, error) {
	if len(items) == 0 {
		return []byte("[]"), nil
	}
	b, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("marshal list: %w", err)
	}
	return b, nil
}

func nullJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
