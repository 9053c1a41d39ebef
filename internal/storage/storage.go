// Package storage binds the transaction store and the ledger repository into
// one unit of work, so a status transition and its ledger effect commit together.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"payrecon/internal/common/database"
	"payrecon/internal/ledger"
	ledgerstore "payrecon/internal/ledger/store"
	"payrecon/internal/transaction"
)

// Stores exposes the repositories.
type Stores interface {
	Transactions() transaction.Store
	Ledger() ledger.Repository
}

// UnitOfWork runs fn atomically: any error discards every write fn made.
type UnitOfWork interface {
	Stores
	Atomic(ctx context.Context, fn func(ctx context.Context, s Stores) error) error
}

type stores struct {
	transactions transaction.Store
	ledger       ledger.Repository
}

func (s stores) Transactions() transaction.Store { return s.transactions }
func (s stores) Ledger() ledger.Repository       { return s.ledger }

// Postgres is a UnitOfWork backed by a pgx pool.
type Postgres struct {
	stores
	db          *database.DB
	maxAttempts int
	logger      *slog.Logger
}

var _ UnitOfWork = (*Postgres)(nil)

// NewPostgres creates a Postgres unit of work.
func NewPostgres(db *database.DB, logger *slog.Logger) *Postgres {
	return &Postgres{
		stores:      newPostgresStores(db.Pool()),
		db:          db,
		maxAttempts: 3,
		logger:      logger,
	}
}

func newPostgresStores(q database.Querier) stores {
	return stores{
		transactions: transaction.NewPostgresStore(q),
		ledger:       ledgerstore.New(q),
	}
}

// Atomic runs fn in one READ COMMITTED transaction and retries it on
// serialization failures and deadlocks.
func (p *Postgres) Atomic(ctx context.Context, fn func(ctx context.Context, s Stores) error) error {
	attempt := 0
	err := database.Retry(ctx, p.maxAttempts, func() error {
		attempt++
		if attempt > 1 {
			p.logger.Warn("retrying unit of work", "attempt", attempt)
		}
		return p.db.WithTx(ctx, func(tx pgx.Tx) error {
			return fn(ctx, newPostgresStores(tx))
		})
	})
	if err != nil {
		return fmt.Errorf("unit of work: %w", err)
	}
	return nil
}
