// Package sweep periodically re-verifies transactions that have stayed open
// longer than expected.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"payrecon/internal/common/events"
	"payrecon/internal/common/middleware"
	"payrecon/internal/common/redislock"
	"payrecon/internal/reconcile"
	"payrecon/internal/transaction"
)

// Config holds sweep settings.
type Config struct {
	Enabled         bool          `envconfig:"SWEEP_ENABLED" default:"true"`
	Interval        time.Duration `envconfig:"SWEEP_INTERVAL" default:"10m"`
	OlderThan       time.Duration `envconfig:"SWEEP_OLDER_THAN" default:"30m"`
	BatchSize       int           `envconfig:"SWEEP_BATCH_SIZE" default:"100"`
	RequestInterval time.Duration `envconfig:"SWEEP_REQUEST_INTERVAL" default:"1s"`
	EscalateAfter   time.Duration `envconfig:"SWEEP_ESCALATE_AFTER" default:"24h"`
	LockTTL         time.Duration `envconfig:"SWEEP_LOCK_TTL" default:"15m"`
}

const lockResource = "sweep"

// ErrLockLost stops a sweep whose lease could not be renewed. Another
// replica may already be sweeping, so the batch ends where it is.
var ErrLockLost = errors.New("sweep lock lost")

// Verifier is the part of the reconciliation engine a sweep drives.
type Verifier interface {
	VerifyTransaction(ctx context.Context, transactionID, reference string) (*reconcile.Result, error)
}

// Candidates lists the transactions a sweep visits.
type Candidates interface {
	ListStuck(ctx context.Context, createdBefore time.Time, limit int) ([]*transaction.FinancialTransaction, error)
}

// Detail is the per-transaction line of a BatchResult.
type Detail struct {
	TransactionID string             `json:"transaction_id"`
	Type          transaction.Type   `json:"transaction_type"`
	Outcome       reconcile.Outcome  `json:"outcome,omitempty"`
	Status        transaction.Status `json:"status"`
	Message       string             `json:"message,omitempty"`
	NeedsReview   bool               `json:"needs_review,omitempty"`
	Error         string             `json:"error,omitempty"`
}

// BatchResult summarizes one sweep.
type BatchResult struct {
	Total            int       `json:"total"`
	Completed        int       `json:"completed"`
	Failed           int       `json:"failed"`
	StillPending     int       `json:"still_pending"`
	AlreadyProcessed int       `json:"already_processed"`
	Errors           int       `json:"errors"`
	NeedsReview      int       `json:"needs_review"`
	Skipped          bool      `json:"skipped,omitempty"`
	LockLost         bool      `json:"lock_lost,omitempty"`
	Details          []Detail  `json:"details"`
	StartedAt        time.Time `json:"started_at"`
	FinishedAt       time.Time `json:"finished_at"`
}

// Scheduler runs sweeps. At most one sweep runs at a time across all
// replicas sharing the locker, and within a sweep gateway calls are
// sequential and rate limited.
type Scheduler struct {
	candidates Candidates
	verifier   Verifier
	locker     redislock.Locker
	publisher  events.EventPublisher
	metrics    *Metrics
	config     Config
	logger     *slog.Logger
	now        func() time.Time
}

func NewScheduler(candidates Candidates, verifier Verifier, locker redislock.Locker, publisher events.EventPublisher, metrics *Metrics, cfg Config, logger *slog.Logger) *Scheduler {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Scheduler{
		candidates: candidates,
		verifier:   verifier,
		locker:     locker,
		publisher:  publisher,
		metrics:    metrics,
		config:     cfg,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// DefaultOlderThan is the age threshold Run uses.
func (s *Scheduler) DefaultOlderThan() time.Duration {
	return s.config.OlderThan
}

// Run sweeps every Interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("sweep scheduler started",
		"interval", s.config.Interval,
		"older_than", s.config.OlderThan,
		"batch_size", s.config.BatchSize,
	)
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweep scheduler stopped")
			return nil
		case <-ticker.C:
			if _, err := s.ReconcileStuckTransactions(ctx, s.config.OlderThan); err != nil && ctx.Err() == nil {
				s.logger.Error("sweep failed", "error", err)
			}
		}
	}
}

// ReconcileStuckTransactions verifies every open transaction created more
// than olderThan ago, up to BatchSize of them. If ctx is cancelled midway
// the partial result is returned together with the context error.
func (s *Scheduler) ReconcileStuckTransactions(ctx context.Context, olderThan time.Duration) (*BatchResult, error) {
	result := &BatchResult{StartedAt: s.now(), Details: []Detail{}}

	lock, err := s.locker.Acquire(ctx, lockResource, s.config.LockTTL)
	if errors.Is(err, redislock.ErrNotAcquired) {
		s.logger.Info("sweep skipped, another sweep holds the lock")
		result.Skipped = true
		result.FinishedAt = s.now()
		s.metrics.runs.WithLabelValues("skipped").Inc()
		return result, nil
	}
	if err != nil {
		s.metrics.runs.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("acquiring sweep lock: %w", err)
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := lock.Release(rctx); err != nil {
			s.logger.Warn("releasing sweep lock", "error", err)
		}
	}()

	if middleware.GetCorrelationID(ctx) == "" {
		ctx = middleware.WithCorrelationID(ctx, "")
	}

	stuck, err := s.candidates.ListStuck(ctx, result.StartedAt.Add(-olderThan), s.config.BatchSize)
	if err != nil {
		s.metrics.runs.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("listing stuck transactions: %w", err)
	}
	result.Total = len(stuck)

	s.logger.Info("sweep started",
		"candidates", result.Total,
		"older_than", olderThan,
		"correlation_id", middleware.GetCorrelationID(ctx),
	)

	err = s.drain(ctx, lock, stuck, result)
	result.FinishedAt = s.now()

	if errors.Is(err, ErrLockLost) {
		result.LockLost = true
		s.metrics.runs.WithLabelValues("lost_lock").Inc()
		s.logger.Error("sweep stopped, lock lost", "processed", len(result.Details), "total", result.Total)
		return result, err
	}
	if err != nil {
		s.metrics.runs.WithLabelValues("cancelled").Inc()
		s.logger.Warn("sweep interrupted", "processed", len(result.Details), "total", result.Total, "error", err)
		return result, err
	}

	s.metrics.runs.WithLabelValues("completed").Inc()
	s.metrics.duration.Observe(result.FinishedAt.Sub(result.StartedAt).Seconds())
	s.metrics.lastSuccess.Set(float64(result.FinishedAt.Unix()))
	s.logger.Info("sweep completed",
		"total", result.Total,
		"completed", result.Completed,
		"failed", result.Failed,
		"still_pending", result.StillPending,
		"already_processed", result.AlreadyProcessed,
		"errors", result.Errors,
		"needs_review", result.NeedsReview,
	)
	s.publish(ctx, events.EventSweepCompleted, ulid.Make().String(), events.SweepCompletedData{
		Total:            result.Total,
		Completed:        result.Completed,
		Failed:           result.Failed,
		StillPending:     result.StillPending,
		AlreadyProcessed: result.AlreadyProcessed,
		Errors:           result.Errors,
		NeedsReview:      result.NeedsReview,
		DurationMS:       result.FinishedAt.Sub(result.StartedAt).Milliseconds(),
	})
	return result, nil
}

// drain feeds candidates through a queue to a single worker. Only the
// worker writes to result. A third goroutine renews the lease every third
// of its TTL and cancels the batch with ErrLockLost when renewal fails.
func (s *Scheduler) drain(ctx context.Context, lock redislock.Lock, stuck []*transaction.FinancialTransaction, result *BatchResult) error {
	limit := rate.Inf
	if s.config.RequestInterval > 0 {
		limit = rate.Every(s.config.RequestInterval)
	}
	limiter := rate.NewLimiter(limit, 1)

	queue := make(chan *transaction.FinancialTransaction)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(queue)
		for _, tx := range stuck {
			select {
			case queue <- tx:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	done := make(chan struct{})
	if s.config.LockTTL > 0 {
		g.Go(func() error {
			return s.keepLease(gctx, lock, done)
		})
	}

	g.Go(func() error {
		defer close(done)
		for tx := range queue {
			if err := limiter.Wait(gctx); err != nil {
				return err
			}
			d, err := s.visit(gctx, tx)
			if err != nil {
				return err
			}
			result.record(d)
			s.metrics.transactions.WithLabelValues(metricOutcome(d)).Inc()
		}
		return nil
	})

	err := g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (s *Scheduler) keepLease(ctx context.Context, lock redislock.Lock, done <-chan struct{}) error {
	ticker := time.NewTicker(s.config.LockTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := lock.Extend(ctx, s.config.LockTTL); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Warn("renewing sweep lock", "error", err)
				return fmt.Errorf("%w: %v", ErrLockLost, err)
			}
		}
	}
}

// visit verifies one transaction. It returns an error only when ctx is done.
func (s *Scheduler) visit(ctx context.Context, tx *transaction.FinancialTransaction) (Detail, error) {
	d := Detail{TransactionID: tx.ID, Type: tx.Type, Status: tx.Status}

	res, err := s.verifier.VerifyTransaction(ctx, tx.ID, "")
	if err != nil {
		if ctx.Err() != nil {
			return d, ctx.Err()
		}
		s.logger.Error("sweep verification failed", "transaction_id", tx.ID, "error", err)
		d.Error = err.Error()
	} else {
		d.Outcome = res.Outcome
		d.Status = res.Status
		d.Message = res.Message
	}

	if !d.Status.IsTerminal() {
		if age := s.now().Sub(tx.CreatedAt); age >= s.config.EscalateAfter {
			d.NeedsReview = true
			s.logger.Warn("transaction needs manual review",
				"transaction_id", tx.ID,
				"type", tx.Type,
				"status", d.Status,
				"age", age.Round(time.Minute),
				"outcome", d.Outcome,
			)
			s.publish(ctx, events.EventReviewRequired, tx.ID, events.ReviewRequiredData{
				TransactionID:   tx.ID,
				TransactionType: string(tx.Type),
				Status:          string(d.Status),
				Age:             age,
				LastOutcome:     string(d.Outcome),
			})
		}
	}
	return d, nil
}

func (r *BatchResult) record(d Detail) {
	r.Details = append(r.Details, d)
	if d.NeedsReview {
		r.NeedsReview++
	}
	if d.Error != "" {
		r.Errors++
		return
	}
	switch d.Outcome {
	case reconcile.OutcomeCompleted:
		r.Completed++
	case reconcile.OutcomeFailed, reconcile.OutcomeReversed:
		r.Failed++
	case reconcile.OutcomeAlreadyProcessed:
		r.AlreadyProcessed++
	case reconcile.OutcomeStillPending, reconcile.OutcomeNotYetVisible, reconcile.OutcomeInconclusive:
		r.StillPending++
	default:
		r.Errors++
	}
}

func metricOutcome(d Detail) string {
	if d.Error != "" {
		return "error"
	}
	return string(d.Outcome)
}

func (s *Scheduler) publish(ctx context.Context, eventType, aggregateID string, data interface{}) {
	aggregate := events.AggregateTransaction
	if eventType == events.EventSweepCompleted {
		aggregate = events.AggregateSweep
	}
	evt, err := events.NewEvent(eventType, aggregate, aggregateID, data)
	if err != nil {
		s.logger.Error("building event", "type", eventType, "error", err)
		return
	}
	evt.WithCorrelation(middleware.GetCorrelationID(ctx), "")
	if err := s.publisher.Publish(ctx, evt); err != nil {
		s.logger.Warn("publishing event", "type", eventType, "error", err)
	}
}
