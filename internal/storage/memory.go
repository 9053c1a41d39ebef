package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"payrecon/internal/common/database"
	"payrecon/internal/ledger"
	"payrecon/internal/ledger/domain"
	"payrecon/internal/transaction"
)

// Memory is an in-process UnitOfWork. Atomic holds one mutex for the whole
// unit and works on a staged copy that replaces the live state on success.
type Memory struct {
	mu sync.Mutex
	st *state
}

var _ UnitOfWork = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{st: newState()}
}

func (m *Memory) Transactions() transaction.Store {
	return &memTransactions{st: m.st, lock: &m.mu}
}

func (m *Memory) Ledger() ledger.Repository {
	return &memLedger{st: m.st, lock: &m.mu}
}

func (m *Memory) Atomic(ctx context.Context, fn func(ctx context.Context, s Stores) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	staged := m.st.clone()
	s := stores{
		transactions: &memTransactions{st: staged, lock: nopLocker{}},
		ledger:       &memLedger{st: staged, lock: nopLocker{}},
	}
	if err := fn(ctx, s); err != nil {
		return fmt.Errorf("unit of work: %w", err)
	}
	*m.st = *staged
	return nil
}

type state struct {
	txs      map[string]*transaction.FinancialTransaction
	earnings map[string]*domain.DriverEarnings
	wallets  map[string]*domain.ClientWallet
}

func newState() *state {
	return &state{
		txs:      make(map[string]*transaction.FinancialTransaction),
		earnings: make(map[string]*domain.DriverEarnings),
		wallets:  make(map[string]*domain.ClientWallet),
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.txs {
		c.txs[k] = v.Clone()
	}
	for k, v := range s.earnings {
		c.earnings[k] = v.Clone()
	}
	for k, v := range s.wallets {
		c.wallets[k] = v.Clone()
	}
	return c
}

type nopLocker struct{}

func (nopLocker) Lock()   {}
func (nopLocker) Unlock() {}

type memTransactions struct {
	st   *state
	lock sync.Locker
}

func (s *memTransactions) Get(_ context.Context, id string) (*transaction.FinancialTransaction, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	tx, ok := s.st.txs[id]
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", id, database.ErrNotFound)
	}
	return tx.Clone(), nil
}

func (s *memTransactions) Create(_ context.Context, tx *transaction.FinancialTransaction) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if _, ok := s.st.txs[tx.ID]; ok {
		return fmt.Errorf("transaction %s: %w", tx.ID, database.ErrAlreadyExists)
	}
	if ref := tx.Gateway.Reference; ref != "" {
		for _, other := range s.st.txs {
			if other.Gateway.Reference == ref {
				return fmt.Errorf("reference %s: %w", ref, database.ErrAlreadyExists)
			}
		}
	}
	s.st.txs[tx.ID] = tx.Clone()
	return nil
}

func (s *memTransactions) Transition(_ context.Context, id string, tr transaction.Transition) (bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	tx, ok := s.st.txs[id]
	if !ok || tx.IsTerminal() {
		return false, nil
	}
	if err := tx.Apply(tr); err != nil {
		return false, err
	}
	return true, nil
}

func (s *memTransactions) Touch(_ context.Context, id string, meta transaction.Metadata, at time.Time) (bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	tx, ok := s.st.txs[id]
	if !ok || tx.IsTerminal() {
		return false, nil
	}
	return true, tx.Touch(meta, at)
}

func (s *memTransactions) ListStuck(_ context.Context, createdBefore time.Time, limit int) ([]*transaction.FinancialTransaction, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	var out []*transaction.FinancialTransaction
	for _, tx := range s.st.txs {
		if !tx.IsTerminal() && tx.CreatedAt.Before(createdBefore) {
			out = append(out, tx.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memTransactions) Stats(_ context.Context, since, staleBefore time.Time) (*transaction.Stats, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	var st transaction.Stats
	for _, tx := range s.st.txs {
		payout := tx.Type == transaction.TypeDriverPayout
		old := tx.CreatedAt.Before(staleBefore)
		recent := tx.ProcessedAt != nil && !tx.ProcessedAt.Before(since)

		switch {
		case !tx.IsTerminal() && payout:
			st.PendingPayouts++
			if old {
				st.OldPendingPayouts++
			}
		case !tx.IsTerminal():
			st.PendingPayments++
			if old {
				st.OldPendingPayments++
			}
		case tx.Status == transaction.StatusCompleted && recent:
			st.Completed++
		case tx.Status == transaction.StatusFailed && recent:
			st.Failed++
		}
	}
	return &st, nil
}

type memLedger struct {
	st   *state
	lock sync.Locker
}

func (l *memLedger) GetDriverEarnings(_ context.Context, driverID string) (*domain.DriverEarnings, error) {
	l.lock.Lock()
	defer l.lock.Unlock()

	e, ok := l.st.earnings[driverID]
	if !ok {
		return nil, fmt.Errorf("driver %s: %w", driverID, domain.ErrEarningsNotFound)
	}
	return e.Clone(), nil
}

func (l *memLedger) GetClientWallet(_ context.Context, clientID string) (*domain.ClientWallet, error) {
	l.lock.Lock()
	defer l.lock.Unlock()

	w, ok := l.st.wallets[clientID]
	if !ok {
		return nil, fmt.Errorf("client %s: %w", clientID, domain.ErrWalletNotFound)
	}
	return w.Clone(), nil
}

func (l *memLedger) CreateDriverEarnings(_ context.Context, e *domain.DriverEarnings) error {
	l.lock.Lock()
	defer l.lock.Unlock()

	if _, ok := l.st.earnings[e.DriverID]; ok {
		return fmt.Errorf("driver %s: %w", e.DriverID, database.ErrAlreadyExists)
	}
	l.st.earnings[e.DriverID] = e.Clone()
	return nil
}

func (l *memLedger) CreateClientWallet(_ context.Context, w *domain.ClientWallet) error {
	l.lock.Lock()
	defer l.lock.Unlock()

	if _, ok := l.st.wallets[w.ClientID]; ok {
		return fmt.Errorf("client %s: %w", w.ClientID, database.ErrAlreadyExists)
	}
	l.st.wallets[w.ClientID] = w.Clone()
	return nil
}

func (l *memLedger) FindPendingTransferByReference(_ context.Context, driverID, reference string) (*domain.PendingTransfer, error) {
	l.lock.Lock()
	defer l.lock.Unlock()

	e, ok := l.st.earnings[driverID]
	if !ok {
		return nil, fmt.Errorf("driver %s: %w", driverID, domain.ErrEarningsNotFound)
	}
	i := e.FindTransfer(reference)
	if i < 0 {
		return nil, fmt.Errorf("reference %s: %w", reference, domain.ErrTransferNotFound)
	}
	t := e.Clone().PendingTransfers[i]
	return &t, nil
}

// withEarnings runs fn on the live aggregate. Domain methods only mutate
// after their checks pass, so an error leaves the aggregate untouched.
func (l *memLedger) withEarnings(driverID, op string, fn func(*domain.DriverEarnings) (bool, error)) (bool, error) {
	l.lock.Lock()
	defer l.lock.Unlock()

	e, ok := l.st.earnings[driverID]
	if !ok {
		return false, fmt.Errorf("driver %s: %w", driverID, domain.ErrEarningsNotFound)
	}
	applied, err := fn(e)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return applied, nil
}

func (l *memLedger) ReservePayout(_ context.Context, driverID, transactionID, reference string, amount int64, at time.Time) (bool, error) {
	return l.withEarnings(driverID, "reserving payout "+reference, func(e *domain.DriverEarnings) (bool, error) {
		return e.Reserve(transactionID, reference, amount, at)
	})
}

func (l *memLedger) TouchPendingTransfer(_ context.Context, driverID, reference string, at time.Time, response json.RawMessage) (bool, error) {
	return l.withEarnings(driverID, "touching transfer "+reference, func(e *domain.DriverEarnings) (bool, error) {
		return e.TouchTransfer(reference, at, response)
	})
}

func (l *memLedger) ApplyPayoutCompletion(_ context.Context, s domain.Settlement) (bool, error) {
	return l.withEarnings(s.DriverID, "settling payout "+s.Reference, func(e *domain.DriverEarnings) (bool, error) {
		return e.CompletePayout(s)
	})
}

func (l *memLedger) ApplyPayoutFailure(_ context.Context, s domain.Settlement) (bool, error) {
	return l.withEarnings(s.DriverID, "settling payout "+s.Reference, func(e *domain.DriverEarnings) (bool, error) {
		return e.FailPayout(s)
	})
}

func (l *memLedger) CreditWalletOnce(_ context.Context, clientID, transactionID string, amount int64, at time.Time) (bool, error) {
	l.lock.Lock()
	defer l.lock.Unlock()

	w, ok := l.st.wallets[clientID]
	if !ok {
		return false, fmt.Errorf("client %s: %w", clientID, domain.ErrWalletNotFound)
	}
	return w.CreditOnce(transactionID, amount, at)
}

func (l *memLedger) Totals(context.Context) (*ledger.Totals, error) {
	l.lock.Lock()
	defer l.lock.Unlock()

	var t ledger.Totals
	for _, e := range l.st.earnings {
		t.DriverAvailable += e.Earnings.Available
		t.DriverPending += e.Earnings.Pending
		t.DriverWithdrawn += e.Earnings.Withdrawn
		t.Drivers++
	}
	for _, w := range l.st.wallets {
		t.ClientWallets += w.Balance
		t.Wallets++
	}
	return &t, nil
}
