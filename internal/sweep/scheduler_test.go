package sweep

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"payrecon/internal/common/events"
	"payrecon/internal/common/money"
	"payrecon/internal/common/redislock"
	"payrecon/internal/gateway"
	"payrecon/internal/reconcile"
	"payrecon/internal/storage"
	"payrecon/internal/transaction"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubGateway struct {
	mu       sync.Mutex
	statuses map[string]string
}

func (g *stubGateway) Verify(_ context.Context, _ gateway.Kind, ref string) (*gateway.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	status, ok := g.statuses[ref]
	if !ok {
		return nil, gateway.ErrNotYetVisible
	}
	return &gateway.Result{Status: status, Reference: ref, Raw: json.RawMessage(`{}`)}, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e *events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) count(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

func testConfig() Config {
	return Config{
		Interval:      time.Minute,
		OlderThan:     30 * time.Minute,
		BatchSize:     100,
		EscalateAfter: 24 * time.Hour,
		LockTTL:       time.Minute,
	}
}

func seedPayment(t *testing.T, uow storage.UnitOfWork, id string, age time.Duration) {
	t.Helper()
	created := time.Now().UTC().Add(-age)
	tx := &transaction.FinancialTransaction{
		ID:        id,
		Type:      transaction.TypeClientPayment,
		Status:    transaction.StatusPending,
		ClientID:  "cli_" + id,
		Amount:    transaction.Amount{Gross: 1_000, Net: 1_000, Currency: money.NGN},
		Gateway:   transaction.Gateway{Provider: "paystack", Reference: "ref_" + id},
		CreatedAt: created,
		UpdatedAt: created,
	}
	if err := uow.Transactions().Create(context.Background(), tx); err != nil {
		t.Fatalf("Create %s: %v", id, err)
	}
}

func newEngineScheduler(t *testing.T, uow storage.UnitOfWork, statuses map[string]string, pub events.EventPublisher, cfg Config) *Scheduler {
	t.Helper()
	logger := testLogger()
	reg := prometheus.NewRegistry()
	engine := reconcile.NewEngine(uow, &stubGateway{statuses: statuses}, pub, reconcile.NewMetrics(reg),
		reconcile.Config{MinVerifyAge: 5 * time.Minute, GatewayTimeout: time.Second}, logger)
	return NewScheduler(uow.Transactions(), engine, redislock.NewLocalLocker(), pub, NewMetrics(reg), cfg, logger)
}

func TestSweepCountsOutcomes(t *testing.T) {
	uow := storage.NewMemory()
	seedPayment(t, uow, "tx_ok", time.Hour)
	seedPayment(t, uow, "tx_bad", time.Hour)
	seedPayment(t, uow, "tx_wait", time.Hour)
	seedPayment(t, uow, "tx_fresh", time.Minute)

	pub := &recordingPublisher{}
	s := newEngineScheduler(t, uow, map[string]string{
		"ref_tx_ok":    gateway.StatusSuccess,
		"ref_tx_bad":   gateway.StatusFailed,
		"ref_tx_wait":  gateway.StatusPending,
		"ref_tx_fresh": gateway.StatusSuccess,
	}, pub, testConfig())

	res, err := s.ReconcileStuckTransactions(context.Background(), 30*time.Minute)
	if err != nil {
		t.Fatalf("ReconcileStuckTransactions: %v", err)
	}
	if res.Total != 3 || res.Completed != 1 || res.Failed != 1 || res.StillPending != 1 || res.Errors != 0 {
		t.Fatalf("result = %+v", res)
	}
	if len(res.Details) != 3 || res.NeedsReview != 0 || res.Skipped {
		t.Errorf("details = %+v", res.Details)
	}
	if res.FinishedAt.Before(res.StartedAt) {
		t.Errorf("finished %v before started %v", res.FinishedAt, res.StartedAt)
	}

	fresh, _ := uow.Transactions().Get(context.Background(), "tx_fresh")
	if fresh.Status != transaction.StatusPending {
		t.Errorf("fresh transaction was visited: %s", fresh.Status)
	}
	if pub.count(events.EventSweepCompleted) != 1 {
		t.Errorf("sweep.completed events = %d", pub.count(events.EventSweepCompleted))
	}

	// A second sweep only sees the one still pending.
	res, err = s.ReconcileStuckTransactions(context.Background(), 30*time.Minute)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if res.Total != 1 || res.StillPending != 1 {
		t.Errorf("second sweep = %+v", res)
	}
}

func TestSweepEscalatesOldTransactions(t *testing.T) {
	uow := storage.NewMemory()
	seedPayment(t, uow, "tx_ancient", 25*time.Hour)
	seedPayment(t, uow, "tx_old_done", 25*time.Hour)

	pub := &recordingPublisher{}
	s := newEngineScheduler(t, uow, map[string]string{
		"ref_tx_ancient":  gateway.StatusProcessing,
		"ref_tx_old_done": gateway.StatusSuccess,
	}, pub, testConfig())

	res, err := s.ReconcileStuckTransactions(context.Background(), 30*time.Minute)
	if err != nil {
		t.Fatalf("ReconcileStuckTransactions: %v", err)
	}
	if res.NeedsReview != 1 || res.Completed != 1 {
		t.Fatalf("result = %+v", res)
	}
	for _, d := range res.Details {
		if d.NeedsReview != (d.TransactionID == "tx_ancient") {
			t.Errorf("detail %+v", d)
		}
	}
	if pub.count(events.EventReviewRequired) != 1 {
		t.Errorf("review_required events = %d, want 1", pub.count(events.EventReviewRequired))
	}
	got, _ := uow.Transactions().Get(context.Background(), "tx_ancient")
	if got.Status != transaction.StatusPending {
		t.Errorf("escalation changed status to %s", got.Status)
	}
}

type scriptedVerifier struct {
	mu       sync.Mutex
	inFlight int
	maxSeen  int
	calls    []string
	onCall   func(n int)
	results  map[string]*reconcile.Result
	errs     map[string]error
}

func (v *scriptedVerifier) VerifyTransaction(_ context.Context, id, _ string) (*reconcile.Result, error) {
	v.mu.Lock()
	v.inFlight++
	if v.inFlight > v.maxSeen {
		v.maxSeen = v.inFlight
	}
	v.calls = append(v.calls, id)
	n := len(v.calls)
	hook := v.onCall
	v.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	time.Sleep(time.Millisecond)

	v.mu.Lock()
	defer v.mu.Unlock()
	v.inFlight--
	if err, ok := v.errs[id]; ok {
		return nil, err
	}
	if r, ok := v.results[id]; ok {
		return r, nil
	}
	return &reconcile.Result{TransactionID: id, Success: true, Status: transaction.StatusCompleted, Outcome: reconcile.OutcomeCompleted}, nil
}

func TestSweepIsSequentialAndRateLimited(t *testing.T) {
	uow := storage.NewMemory()
	for _, id := range []string{"tx_a", "tx_b", "tx_c", "tx_d"} {
		seedPayment(t, uow, id, time.Hour)
	}
	v := &scriptedVerifier{}
	cfg := testConfig()
	cfg.RequestInterval = 20 * time.Millisecond
	s := NewScheduler(uow.Transactions(), v, redislock.NewLocalLocker(), nil, NewMetrics(prometheus.NewRegistry()), cfg, testLogger())

	start := time.Now()
	res, err := s.ReconcileStuckTransactions(context.Background(), 30*time.Minute)
	if err != nil {
		t.Fatalf("ReconcileStuckTransactions: %v", err)
	}
	if res.Completed != 4 {
		t.Fatalf("result = %+v", res)
	}
	if v.maxSeen != 1 {
		t.Errorf("max concurrent verifications = %d, want 1", v.maxSeen)
	}
	// Burst of one: the first call is immediate, the other three wait a token each.
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("sweep took %v, want at least 50ms", elapsed)
	}
	want := []string{"tx_a", "tx_b", "tx_c", "tx_d"}
	for i, id := range want {
		if v.calls[i] != id {
			t.Errorf("call order = %v, want %v", v.calls, want)
			break
		}
	}
}

func TestSweepCountsErrorsWithoutAborting(t *testing.T) {
	uow := storage.NewMemory()
	seedPayment(t, uow, "tx_1", 2*time.Hour)
	seedPayment(t, uow, "tx_2", time.Hour)
	seedPayment(t, uow, "tx_3", time.Hour-time.Minute)

	v := &scriptedVerifier{
		errs: map[string]error{"tx_1": errors.New("database unavailable")},
		results: map[string]*reconcile.Result{
			"tx_2": {TransactionID: "tx_2", Status: transaction.StatusPending, Outcome: reconcile.OutcomeGatewayError},
			"tx_3": {TransactionID: "tx_3", Success: true, Status: transaction.StatusFailed, AlreadyProcessed: true, Outcome: reconcile.OutcomeAlreadyProcessed},
		},
	}
	s := NewScheduler(uow.Transactions(), v, redislock.NewLocalLocker(), nil, NewMetrics(prometheus.NewRegistry()), testConfig(), testLogger())

	res, err := s.ReconcileStuckTransactions(context.Background(), 30*time.Minute)
	if err != nil {
		t.Fatalf("ReconcileStuckTransactions: %v", err)
	}
	if res.Total != 3 || res.Errors != 2 || res.AlreadyProcessed != 1 {
		t.Fatalf("result = %+v", res)
	}
	if res.Details[0].Error == "" {
		t.Errorf("first detail has no error: %+v", res.Details[0])
	}
}

func TestSweepCancellationReturnsPartialResult(t *testing.T) {
	uow := storage.NewMemory()
	for _, id := range []string{"tx_a", "tx_b", "tx_c"} {
		seedPayment(t, uow, id, time.Hour)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	v := &scriptedVerifier{onCall: func(n int) {
		if n == 1 {
			cancel()
		}
	}}
	s := NewScheduler(uow.Transactions(), v, redislock.NewLocalLocker(), nil, NewMetrics(prometheus.NewRegistry()), testConfig(), testLogger())

	res, err := s.ReconcileStuckTransactions(ctx, 30*time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if res == nil || res.Total != 3 || len(res.Details) != 1 || res.Completed != 1 {
		t.Fatalf("partial result = %+v", res)
	}
}

func TestSweepSkipsWhenLockHeld(t *testing.T) {
	uow := storage.NewMemory()
	seedPayment(t, uow, "tx_a", time.Hour)

	locker := redislock.NewLocalLocker()
	held, err := locker.Acquire(context.Background(), lockResource, time.Minute)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	v := &scriptedVerifier{}
	s := NewScheduler(uow.Transactions(), v, locker, nil, NewMetrics(prometheus.NewRegistry()), testConfig(), testLogger())

	res, err := s.ReconcileStuckTransactions(context.Background(), 30*time.Minute)
	if err != nil {
		t.Fatalf("ReconcileStuckTransactions: %v", err)
	}
	if !res.Skipped || len(v.calls) != 0 {
		t.Fatalf("result = %+v calls = %v", res, v.calls)
	}

	if err := held.Release(context.Background()); err != nil {
		t.Fatalf("Release: %v", err)
	}
	res, err = s.ReconcileStuckTransactions(context.Background(), 30*time.Minute)
	if err != nil || res.Skipped || res.Completed != 1 {
		t.Fatalf("after release: res=%+v err=%v", res, err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	uow := storage.NewMemory()
	seedPayment(t, uow, "tx_a", time.Hour)
	v := &scriptedVerifier{}
	cfg := testConfig()
	cfg.Interval = 5 * time.Millisecond
	s := NewScheduler(uow.Transactions(), v, redislock.NewLocalLocker(), nil, NewMetrics(prometheus.NewRegistry()), cfg, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for {
		v.mu.Lock()
		n := len(v.calls)
		v.mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("Run never swept")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestSweepRenewsLeaseForLongBatches(t *testing.T) {
	uow := storage.NewMemory()
	for _, id := range []string{"tx_a", "tx_b", "tx_c", "tx_d", "tx_e"} {
		seedPayment(t, uow, id, time.Hour)
	}
	v := &scriptedVerifier{onCall: func(int) { time.Sleep(40 * time.Millisecond) }}
	locker := redislock.NewLocalLocker()
	cfg := testConfig()
	cfg.LockTTL = 60 * time.Millisecond

	first := NewScheduler(uow.Transactions(), v, locker, nil, NewMetrics(prometheus.NewRegistry()), cfg, testLogger())
	second := NewScheduler(uow.Transactions(), v, locker, nil, NewMetrics(prometheus.NewRegistry()), cfg, testLogger())

	type outcome struct {
		res *BatchResult
		err error
	}
	firstDone := make(chan outcome, 1)
	go func() {
		res, err := first.ReconcileStuckTransactions(context.Background(), 30*time.Minute)
		firstDone <- outcome{res, err}
	}()

	// Well past the initial TTL, with the first batch still running.
	time.Sleep(100 * time.Millisecond)
	res, err := second.ReconcileStuckTransactions(context.Background(), 30*time.Minute)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if !res.Skipped {
		t.Errorf("second sweep ran while the first held the lease: %+v", res)
	}

	got := <-firstDone
	if got.err != nil || got.res.Completed != 5 {
		t.Fatalf("first sweep: res=%+v err=%v", got.res, got.err)
	}
	if v.maxSeen != 1 {
		t.Errorf("max concurrent verifications = %d, want 1", v.maxSeen)
	}
}

// expiringLocker hands out leases that cannot be renewed.
type expiringLocker struct{}

func (expiringLocker) Acquire(context.Context, string, time.Duration) (redislock.Lock, error) {
	return expiringLock{}, nil
}

type expiringLock struct{}

func (expiringLock) Extend(context.Context, time.Duration) error { return redislock.ErrNotOwned }
func (expiringLock) Release(context.Context) error               { return redislock.ErrNotOwned }

func TestSweepStopsWhenLeaseLost(t *testing.T) {
	uow := storage.NewMemory()
	for _, id := range []string{"tx_a", "tx_b", "tx_c", "tx_d", "tx_e"} {
		seedPayment(t, uow, id, time.Hour)
	}
	v := &scriptedVerifier{onCall: func(int) { time.Sleep(30 * time.Millisecond) }}
	cfg := testConfig()
	cfg.LockTTL = 30 * time.Millisecond
	s := NewScheduler(uow.Transactions(), v, expiringLocker{}, nil, NewMetrics(prometheus.NewRegistry()), cfg, testLogger())

	res, err := s.ReconcileStuckTransactions(context.Background(), 30*time.Minute)
	if !errors.Is(err, ErrLockLost) {
		t.Fatalf("err = %v, want ErrLockLost", err)
	}
	if res == nil || !res.LockLost || res.Total != 5 || len(res.Details) >= 5 {
		t.Fatalf("partial result = %+v", res)
	}
	if len(v.calls) >= 5 {
		t.Errorf("verifier kept running after the lease was lost: %v", v.calls)
	}
}
