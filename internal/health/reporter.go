// Package health builds the financial health snapshot operators poll.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"payrecon/internal/ledger"
	"payrecon/internal/storage"
)

// Config holds health thresholds.
type Config struct {
	StaleAfter           time.Duration `envconfig:"HEALTH_STALE_AFTER" default:"24h"`
	PendingPayoutCeiling int           `envconfig:"HEALTH_PENDING_PAYOUT_CEILING" default:"100"`
}

// Window is the settlement activity of the last 24 hours.
type Window struct {
	Completed   int     `json:"completed"`
	Failed      int     `json:"failed"`
	SuccessRate float64 `json:"success_rate"`
}

// Snapshot is a point-in-time view of reconciliation health.
type Snapshot struct {
	PendingPayouts     int           `json:"pending_payouts"`
	PendingPayments    int           `json:"pending_payments"`
	OldPendingPayouts  int           `json:"old_pending_payouts"`
	OldPendingPayments int           `json:"old_pending_payments"`
	Last24h            Window        `json:"last_24h"`
	Balances           ledger.Totals `json:"balances"`
	Healthy            bool          `json:"healthy"`
	Issues             []string      `json:"issues"`
	GeneratedAt        time.Time     `json:"generated_at"`
}

type Reporter struct {
	stores storage.Stores
	config Config
	logger *slog.Logger
	now    func() time.Time
}

func NewReporter(stores storage.Stores, cfg Config, logger *slog.Logger) *Reporter {
	return &Reporter{
		stores: stores,
		config: cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// FinancialHealthReport reads counts and balances. It makes no writes.
func (r *Reporter) FinancialHealthReport(ctx context.Context) (*Snapshot, error) {
	now := r.now()
	stats, err := r.stores.Transactions().Stats(ctx, now.Add(-24*time.Hour), now.Add(-r.config.StaleAfter))
	if err != nil {
		return nil, fmt.Errorf("reading transaction stats: %w", err)
	}
	totals, err := r.stores.Ledger().Totals(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading ledger totals: %w", err)
	}

	s := &Snapshot{
		PendingPayouts:     stats.PendingPayouts,
		PendingPayments:    stats.PendingPayments,
		OldPendingPayouts:  stats.OldPendingPayouts,
		OldPendingPayments: stats.OldPendingPayments,
		Last24h: Window{
			Completed:   stats.Completed,
			Failed:      stats.Failed,
			SuccessRate: SuccessRate(stats.Completed, stats.Failed),
		},
		Balances:    *totals,
		Issues:      []string{},
		GeneratedAt: now,
	}

	if s.OldPendingPayouts > 0 {
		s.Issues = append(s.Issues, fmt.Sprintf("%d payouts pending for more than %s", s.OldPendingPayouts, r.config.StaleAfter))
	}
	if s.PendingPayouts >= r.config.PendingPayoutCeiling {
		s.Issues = append(s.Issues, fmt.Sprintf("%d payouts pending, ceiling is %d", s.PendingPayouts, r.config.PendingPayoutCeiling))
	}
	if s.OldPendingPayments > 0 {
		s.Issues = append(s.Issues, fmt.Sprintf("%d payments pending for more than %s", s.OldPendingPayments, r.config.StaleAfter))
	}
	s.Healthy = s.OldPendingPayouts == 0 && s.PendingPayouts < r.config.PendingPayoutCeiling

	if !s.Healthy {
		r.logger.Warn("financial health degraded", "issues", s.Issues)
	}
	return s, nil
}

// SuccessRate is completed/(completed+failed) as a percentage with two
// decimals, or 100 when nothing settled.
func SuccessRate(completed, failed int) float64 {
	total := completed + failed
	if total == 0 {
		return 100
	}
	return math.Round(float64(completed)/float64(total)*10000) / 100
}
