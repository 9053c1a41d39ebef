package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"

	"payrecon/internal/common/events"
	"payrecon/internal/common/money"
	"payrecon/internal/common/nats"
	"payrecon/internal/gateway"
	"payrecon/internal/ledger/domain"
	"payrecon/internal/storage"
	"payrecon/internal/transaction"
)

type fakeGateway struct {
	mu      sync.Mutex
	results map[string]*gateway.Result
	errs    map[string]error
	calls   int
	kinds   []gateway.Kind
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{results: map[string]*gateway.Result{}, errs: map[string]error{}}
}

func (f *fakeGateway) set(ref, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[ref] = &gateway.Result{
		Status:    status,
		Reference: ref,
		Raw:       json.RawMessage(`{"status":"` + status + `","reference":"` + ref + `"}`),
	}
}

func (f *fakeGateway) fail(ref string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[ref] = err
}

func (f *fakeGateway) Verify(_ context.Context, kind gateway.Kind, ref string) (*gateway.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.kinds = append(f.kinds, kind)
	if err, ok := f.errs[ref]; ok {
		return nil, err
	}
	if r, ok := f.results[ref]; ok {
		c := *r
		return &c, nil
	}
	return nil, gateway.ErrNotYetVisible
}

func (f *fakeGateway) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
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

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type fixture struct {
	uow    *storage.Memory
	gw     *fakeGateway
	pub    *recordingPublisher
	engine *Engine
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		uow: storage.NewMemory(),
		gw:  newFakeGateway(),
		pub: &recordingPublisher{},
		now: time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := Config{MinVerifyAge: 5 * time.Minute, GatewayTimeout: time.Second}
	f.engine = NewEngine(f.uow, f.gw, f.pub, NewMetrics(prometheus.NewRegistry()), cfg, logger)
	f.engine.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) seedPayout(t *testing.T, earned, amount int64) *transaction.FinancialTransaction {
	t.Helper()
	ctx := context.Background()
	id := ulid.Make().String()
	ref := "trf_" + id
	created := f.now.Add(-time.Hour)

	e := domain.NewDriverEarnings("drv_"+id, money.NGN, earned, created)
	if err := f.uow.Ledger().CreateDriverEarnings(ctx, e); err != nil {
		t.Fatalf("CreateDriverEarnings: %v", err)
	}
	tx := &transaction.FinancialTransaction{
		ID:        "tx_" + id,
		Type:      transaction.TypeDriverPayout,
		Status:    transaction.StatusPending,
		DriverID:  e.DriverID,
		Amount:    transaction.Amount{Gross: amount, Net: amount, Currency: money.NGN},
		Gateway:   transaction.Gateway{Provider: "paystack", Reference: "pay_" + id},
		Payout:    &transaction.Payout{RequestedAmount: amount, NetAmount: amount, PaystackTransferRef: ref},
		CreatedAt: created,
		UpdatedAt: created,
	}
	if err := f.uow.Transactions().Create(ctx, tx); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if ok, err := f.uow.Ledger().ReservePayout(ctx, e.DriverID, tx.ID, ref, amount, created); err != nil || !ok {
		t.Fatalf("ReservePayout: ok=%v err=%v", ok, err)
	}
	return tx
}

func (f *fixture) seedPayment(t *testing.T, typ transaction.Type, amount int64) *transaction.FinancialTransaction {
	t.Helper()
	ctx := context.Background()
	id := ulid.Make().String()
	created := f.now.Add(-time.Hour)

	tx := &transaction.FinancialTransaction{
		ID:        "tx_" + id,
		Type:      typ,
		Status:    transaction.StatusPending,
		ClientID:  "cli_" + id,
		Amount:    transaction.Amount{Gross: amount, Net: amount, Currency: money.NGN},
		Gateway:   transaction.Gateway{Provider: "paystack", Reference: "ref_" + id},
		CreatedAt: created,
		UpdatedAt: created,
	}
	if typ == transaction.TypeWalletDeposit {
		if err := f.uow.Ledger().CreateClientWallet(ctx, domain.NewClientWallet(tx.ClientID, money.NGN, created)); err != nil {
			t.Fatalf("CreateClientWallet: %v", err)
		}
	}
	if err := f.uow.Transactions().Create(ctx, tx); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return tx
}

func (f *fixture) status(t *testing.T, id string) transaction.Status {
	t.Helper()
	tx, err := f.uow.Transactions().Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return tx.Status
}

func (f *fixture) earnings(t *testing.T, driverID string) *domain.DriverEarnings {
	t.Helper()
	e, err := f.uow.Ledger().GetDriverEarnings(context.Background(), driverID)
	if err != nil {
		t.Fatalf("GetDriverEarnings: %v", err)
	}
	return e
}

func TestPayoutSuccessMovesPendingToWithdrawn(t *testing.T) {
	f := newFixture(t)
	tx := f.seedPayout(t, 50_000, 5_000)
	f.gw.set(tx.Payout.PaystackTransferRef, gateway.StatusSuccess)

	res, err := f.engine.VerifyTransaction(context.Background(), tx.ID, "")
	if err != nil {
		t.Fatalf("VerifyTransaction: %v", err)
	}
	if !res.Success || res.Status != transaction.StatusCompleted || res.Outcome != OutcomeCompleted {
		t.Fatalf("result = %+v", res)
	}
	if f.gw.kinds[0] != gateway.KindTransfer {
		t.Errorf("verified with kind %s, want transfer", f.gw.kinds[0])
	}

	e := f.earnings(t, tx.DriverID)
	want := domain.Earnings{Available: 45_000, Withdrawn: 5_000, Pending: 0}
	if e.Earnings != want {
		t.Errorf("earnings = %+v, want %+v", e.Earnings, want)
	}
	if e.Lifetime.TotalWithdrawn != 5_000 {
		t.Errorf("total withdrawn = %d, want 5000", e.Lifetime.TotalWithdrawn)
	}
	if e.PendingTransfers[0].Status != domain.TransferCompleted {
		t.Errorf("transfer status = %s", e.PendingTransfers[0].Status)
	}

	got, _ := f.uow.Transactions().Get(context.Background(), tx.ID)
	if got.Payout.TransferStatus != gateway.StatusSuccess || got.Gateway.Metadata.LastVerifiedAt == nil {
		t.Errorf("transaction = %+v", got)
	}

	types := f.pub.types()
	if len(types) != 2 || types[0] != events.EventTransactionCompleted || types[1] != events.EventPayoutSettled {
		t.Errorf("events = %v", types)
	}
}

func TestSettledEventsDescribeTheTransition(t *testing.T) {
	f := newFixture(t)
	tx := f.seedPayout(t, 50_000, 5_000)
	f.gw.set(tx.Payout.PaystackTransferRef, gateway.StatusReversed)

	if _, err := f.engine.VerifyTransaction(context.Background(), tx.ID, ""); err != nil {
		t.Fatalf("VerifyTransaction: %v", err)
	}

	f.pub.mu.Lock()
	defer f.pub.mu.Unlock()
	if len(f.pub.events) != 2 {
		t.Fatalf("events = %d, want 2", len(f.pub.events))
	}
	var settled events.TransactionSettledData
	if err := f.pub.events[0].DecodeData(&settled); err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	if f.pub.events[0].Type != events.EventTransactionFailed || settled.Status != string(transaction.StatusFailed) {
		t.Errorf("settled event = %s %+v", f.pub.events[0].Type, settled)
	}
	if !settled.ProcessedAt.Equal(f.now) || settled.GatewayStatus != gateway.StatusReversed {
		t.Errorf("settled event = %+v, want processed at %v", settled, f.now)
	}

	var payout events.PayoutSettledData
	if err := f.pub.events[1].DecodeData(&payout); err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	if payout.Outcome != string(transaction.StatusFailed) || payout.RequestedAmount != 5_000 {
		t.Errorf("payout event = %+v", payout)
	}
}

func TestPayoutFailureRestoresFunds(t *testing.T) {
	for _, status := range []string{gateway.StatusFailed, gateway.StatusReversed} {
		t.Run(status, func(t *testing.T) {
			f := newFixture(t)
			tx := f.seedPayout(t, 50_000, 5_000)
			f.gw.set(tx.Payout.PaystackTransferRef, status)

			res, err := f.engine.VerifyTransaction(context.Background(), tx.ID, "")
			if err != nil {
				t.Fatalf("VerifyTransaction: %v", err)
			}
			if res.Status != transaction.StatusFailed || res.Outcome != OutcomeFailed {
				t.Fatalf("result = %+v", res)
			}

			e := f.earnings(t, tx.DriverID)
			want := domain.Earnings{Available: 50_000, Withdrawn: 0, Pending: 0}
			if e.Earnings != want {
				t.Errorf("earnings = %+v, want %+v", e.Earnings, want)
			}
			if len(e.RecentPayouts) != 1 || e.RecentPayouts[0].Status != domain.TransferFailed {
				t.Errorf("recent payouts = %+v", e.RecentPayouts)
			}
		})
	}
}

func TestPayoutStillPendingTouchesTransferOnly(t *testing.T) {
	f := newFixture(t)
	tx := f.seedPayout(t, 50_000, 5_000)
	f.gw.set(tx.Payout.PaystackTransferRef, gateway.StatusOTP)

	res, err := f.engine.VerifyTransaction(context.Background(), tx.ID, "")
	if err != nil {
		t.Fatalf("VerifyTransaction: %v", err)
	}
	if res.Success || !res.StillPending || res.Outcome != OutcomeStillPending {
		t.Fatalf("result = %+v", res)
	}

	e := f.earnings(t, tx.DriverID)
	if e.Earnings.Pending != 5_000 || e.Earnings.Available != 45_000 {
		t.Errorf("earnings = %+v", e.Earnings)
	}
	tr := e.PendingTransfers[0]
	if tr.LastVerifiedAt == nil || !tr.LastVerifiedAt.Equal(f.now) || len(tr.PaystackResponse) == 0 {
		t.Errorf("transfer = %+v", tr)
	}

	got, _ := f.uow.Transactions().Get(context.Background(), tx.ID)
	if got.Status != transaction.StatusPending || got.Gateway.Metadata.GatewayStatus != "" {
		t.Errorf("transaction changed: %+v", got)
	}
}

func TestPayoutWithoutTransferEntryIsInconsistent(t *testing.T) {
	f := newFixture(t)
	tx := f.seedPayout(t, 50_000, 5_000)

	// A second payout transaction whose reservation never happened.
	orphan := tx.Clone()
	orphan.ID = "tx_orphan"
	orphan.Gateway.Reference = "pay_orphan"
	orphan.Payout.PaystackTransferRef = "trf_orphan"
	if err := f.uow.Transactions().Create(context.Background(), orphan); err != nil {
		t.Fatalf("Create: %v", err)
	}
	f.gw.set("trf_orphan", gateway.StatusSuccess)

	res, err := f.engine.VerifyTransaction(context.Background(), orphan.ID, "")
	if err != nil {
		t.Fatalf("VerifyTransaction: %v", err)
	}
	if res.Outcome != OutcomeLedgerInconsistency || res.Success {
		t.Fatalf("result = %+v", res)
	}
	if s := f.status(t, orphan.ID); s != transaction.StatusPending {
		t.Errorf("status = %s, want pending after rollback", s)
	}
	if e := f.earnings(t, tx.DriverID); e.Earnings.Withdrawn != 0 {
		t.Errorf("earnings changed: %+v", e.Earnings)
	}
	if types := f.pub.types(); len(types) != 1 || types[0] != events.EventReviewRequired {
		t.Errorf("events = %v", types)
	}
}

func TestPayoutMissingEarningsRollsBack(t *testing.T) {
	f := newFixture(t)
	tx := &transaction.FinancialTransaction{
		ID:        "tx_noearnings",
		Type:      transaction.TypeDriverPayout,
		Status:    transaction.StatusProcessing,
		DriverID:  "drv_missing",
		Amount:    transaction.Amount{Gross: 1_000, Net: 1_000, Currency: money.NGN},
		Gateway:   transaction.Gateway{Provider: "paystack", Reference: "trf_noearnings"},
		Payout:    &transaction.Payout{RequestedAmount: 1_000, NetAmount: 1_000},
		CreatedAt: f.now.Add(-time.Hour),
	}
	if err := f.uow.Transactions().Create(context.Background(), tx); err != nil {
		t.Fatalf("Create: %v", err)
	}
	f.gw.set("trf_noearnings", gateway.StatusFailed)

	res, err := f.engine.VerifyTransaction(context.Background(), tx.ID, "")
	if err != nil {
		t.Fatalf("VerifyTransaction: %v", err)
	}
	if res.Outcome != OutcomeLedgerInconsistency {
		t.Fatalf("outcome = %s, want ledger_inconsistency", res.Outcome)
	}
	if s := f.status(t, tx.ID); s != transaction.StatusProcessing {
		t.Errorf("status = %s, want processing", s)
	}
}

func TestWalletDepositCreditedOnce(t *testing.T) {
	f := newFixture(t)
	tx := f.seedPayment(t, transaction.TypeWalletDeposit, 2_000)
	f.gw.set(tx.Gateway.Reference, gateway.StatusSuccess)

	for i := 0; i < 3; i++ {
		res, err := f.engine.VerifyTransaction(context.Background(), tx.ID, tx.Gateway.Reference)
		if err != nil {
			t.Fatalf("VerifyTransaction #%d: %v", i, err)
		}
		if !res.Success || res.Status != transaction.StatusCompleted {
			t.Fatalf("result #%d = %+v", i, res)
		}
		if (i > 0) != res.AlreadyProcessed {
			t.Errorf("call #%d alreadyProcessed = %v", i, res.AlreadyProcessed)
		}
	}

	w, err := f.uow.Ledger().GetClientWallet(context.Background(), tx.ClientID)
	if err != nil {
		t.Fatalf("GetClientWallet: %v", err)
	}
	if w.Balance != 2_000 || len(w.RecentTransactions) != 1 {
		t.Errorf("wallet = %+v", w)
	}
	if n := f.gw.callCount(); n != 1 {
		t.Errorf("gateway calls = %d, want 1", n)
	}
	types := f.pub.types()
	if len(types) != 2 || types[1] != events.EventWalletCredited {
		t.Errorf("events = %v", types)
	}
}

func TestPaymentStatusMapping(t *testing.T) {
	tests := []struct {
		gatewayStatus string
		wantStatus    transaction.Status
		wantOutcome   Outcome
		wantSuccess   bool
	}{
		{gateway.StatusSuccess, transaction.StatusCompleted, OutcomeCompleted, true},
		{gateway.StatusFailed, transaction.StatusFailed, OutcomeFailed, true},
		{gateway.StatusAbandoned, transaction.StatusFailed, OutcomeFailed, true},
		{gateway.StatusReversed, transaction.StatusReversed, OutcomeReversed, true},
		{gateway.StatusPending, transaction.StatusPending, OutcomeStillPending, false},
		{gateway.StatusProcessing, transaction.StatusPending, OutcomeStillPending, false},
		{gateway.StatusOngoing, transaction.StatusPending, OutcomeStillPending, false},
		{gateway.StatusQueued, transaction.StatusPending, OutcomeStillPending, false},
		{"mystery", transaction.StatusPending, OutcomeUnknownStatus, false},
	}

	for _, tt := range tests {
		t.Run(tt.gatewayStatus, func(t *testing.T) {
			f := newFixture(t)
			tx := f.seedPayment(t, transaction.TypeClientPayment, 7_500)
			f.gw.set(tx.Gateway.Reference, tt.gatewayStatus)

			res, err := f.engine.VerifyTransaction(context.Background(), tx.ID, "")
			if err != nil {
				t.Fatalf("VerifyTransaction: %v", err)
			}
			if res.Status != tt.wantStatus || res.Outcome != tt.wantOutcome || res.Success != tt.wantSuccess {
				t.Errorf("result = %+v", res)
			}
			if s := f.status(t, tx.ID); s != tt.wantStatus {
				t.Errorf("stored status = %s, want %s", s, tt.wantStatus)
			}
		})
	}
}

func TestStillPendingPaymentRecordsVerification(t *testing.T) {
	f := newFixture(t)
	tx := f.seedPayment(t, transaction.TypeClientPayment, 1_000)
	f.gw.set(tx.Gateway.Reference, gateway.StatusOngoing)

	if _, err := f.engine.VerifyTransaction(context.Background(), tx.ID, ""); err != nil {
		t.Fatalf("VerifyTransaction: %v", err)
	}
	got, _ := f.uow.Transactions().Get(context.Background(), tx.ID)
	m := got.Gateway.Metadata
	if m.GatewayStatus != gateway.StatusOngoing || m.LastVerifiedAt == nil || !m.LastVerifiedAt.Equal(f.now) {
		t.Errorf("metadata = %+v", m)
	}
}

func TestUnknownStatusLeavesEverythingUnchanged(t *testing.T) {
	f := newFixture(t)
	tx := f.seedPayout(t, 50_000, 5_000)
	f.gw.set(tx.Payout.PaystackTransferRef, "blocked")

	res, err := f.engine.VerifyTransaction(context.Background(), tx.ID, "")
	if err != nil {
		t.Fatalf("VerifyTransaction: %v", err)
	}
	if res.Outcome != OutcomeUnknownStatus || res.GatewayStatus != "blocked" {
		t.Fatalf("result = %+v", res)
	}
	e := f.earnings(t, tx.DriverID)
	if e.PendingTransfers[0].LastVerifiedAt != nil || e.Earnings.Pending != 5_000 {
		t.Errorf("earnings touched: %+v", e)
	}
}

func TestNotYetVisible(t *testing.T) {
	f := newFixture(t)
	tx := f.seedPayment(t, transaction.TypeClientPayment, 1_000)
	// Created two minutes ago: three minutes remain of the minimum age.
	young := tx.Clone()
	young.ID = "tx_young"
	young.Gateway.Reference = "ref_young"
	young.CreatedAt = f.now.Add(-2 * time.Minute)
	if err := f.uow.Transactions().Create(context.Background(), young); err != nil {
		t.Fatalf("Create: %v", err)
	}

	res, err := f.engine.VerifyTransaction(context.Background(), young.ID, "")
	if err != nil {
		t.Fatalf("VerifyTransaction: %v", err)
	}
	if res.Success || res.Message != "not yet visible" || res.Suggestion != "wait" {
		t.Fatalf("result = %+v", res)
	}
	if res.RetryAfterSeconds != 180 {
		t.Errorf("retry after = %d, want 180", res.RetryAfterSeconds)
	}

	res, err = f.engine.VerifyTransaction(context.Background(), tx.ID, "")
	if err != nil {
		t.Fatalf("VerifyTransaction: %v", err)
	}
	if res.Outcome != OutcomeNotYetVisible || res.RetryAfterSeconds != 0 {
		t.Errorf("old transaction result = %+v", res)
	}
}

func TestGatewayFailuresLeaveStatusUnchanged(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		outcome Outcome
	}{
		{"http error", &gateway.Error{StatusCode: 500, Message: "upstream down"}, OutcomeGatewayError},
		{"inconclusive", gateway.ErrInconclusive, OutcomeInconclusive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tx := f.seedPayout(t, 50_000, 5_000)
			f.gw.fail(tx.Payout.PaystackTransferRef, tt.err)

			res, err := f.engine.VerifyTransaction(context.Background(), tx.ID, "")
			if err != nil {
				t.Fatalf("VerifyTransaction: %v", err)
			}
			if res.Success || res.Outcome != tt.outcome || res.Status != transaction.StatusPending {
				t.Errorf("result = %+v", res)
			}
			if s := f.status(t, tx.ID); s != transaction.StatusPending {
				t.Errorf("status = %s", s)
			}
		})
	}
}

func TestInconclusiveAfterCancelReturnsContextError(t *testing.T) {
	f := newFixture(t)
	tx := f.seedPayment(t, transaction.TypeClientPayment, 1_000)
	f.gw.fail(tx.Gateway.Reference, gateway.ErrInconclusive)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.engine.VerifyTransaction(ctx, tx.ID, ""); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestReferenceResolution(t *testing.T) {
	f := newFixture(t)
	tx := f.seedPayout(t, 50_000, 5_000)
	f.gw.set(tx.Payout.PaystackTransferRef, gateway.StatusPending)
	f.gw.set(tx.Gateway.Reference, gateway.StatusPending)

	res, err := f.engine.VerifyTransaction(context.Background(), tx.ID, "somebody_else")
	if err != nil {
		t.Fatalf("VerifyTransaction: %v", err)
	}
	if res.Outcome != OutcomeReferenceMismatch || f.gw.callCount() != 0 {
		t.Fatalf("mismatch result = %+v calls = %d", res, f.gw.callCount())
	}

	// The payment reference of a payout is still its own.
	if _, err := f.engine.VerifyTransaction(context.Background(), tx.ID, tx.Gateway.Reference); err != nil {
		t.Fatalf("VerifyTransaction: %v", err)
	}
	if f.gw.callCount() != 1 {
		t.Errorf("gateway calls = %d, want 1", f.gw.callCount())
	}

	bare := &transaction.FinancialTransaction{
		ID:        "tx_bare",
		Type:      transaction.TypeClientPayment,
		Status:    transaction.StatusPending,
		CreatedAt: f.now.Add(-time.Hour),
	}
	if err := f.uow.Transactions().Create(context.Background(), bare); err != nil {
		t.Fatalf("Create: %v", err)
	}
	res, err = f.engine.VerifyTransaction(context.Background(), bare.ID, "")
	if err != nil {
		t.Fatalf("VerifyTransaction: %v", err)
	}
	if res.Outcome != OutcomeMissingReference {
		t.Errorf("outcome = %s, want missing_reference", res.Outcome)
	}
}

func TestTerminalTransactionSkipsGateway(t *testing.T) {
	f := newFixture(t)
	tx := f.seedPayment(t, transaction.TypeClientPayment, 1_000)
	if _, err := f.uow.Transactions().Transition(context.Background(), tx.ID, transaction.Transition{To: transaction.StatusFailed, At: f.now}); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	res, err := f.engine.VerifyTransaction(context.Background(), tx.ID, "")
	if err != nil {
		t.Fatalf("VerifyTransaction: %v", err)
	}
	if !res.Success || !res.AlreadyProcessed || res.Status != transaction.StatusFailed {
		t.Errorf("result = %+v", res)
	}
	if f.gw.callCount() != 0 {
		t.Errorf("gateway called %d times", f.gw.callCount())
	}
}

func TestTransactionNotFound(t *testing.T) {
	f := newFixture(t)
	if _, err := f.engine.VerifyTransaction(context.Background(), "nope", ""); !errors.Is(err, ErrTransactionNotFound) {
		t.Fatalf("err = %v, want ErrTransactionNotFound", err)
	}
}

func TestConcurrentVerificationSettlesOnce(t *testing.T) {
	f := newFixture(t)
	tx := f.seedPayout(t, 50_000, 5_000)
	f.gw.set(tx.Payout.PaystackTransferRef, gateway.StatusSuccess)

	const workers = 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		settled int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.engine.VerifyTransaction(context.Background(), tx.ID, "")
			if err != nil {
				t.Errorf("VerifyTransaction: %v", err)
				return
			}
			if !res.Success || res.Status != transaction.StatusCompleted {
				t.Errorf("result = %+v", res)
			}
			if !res.AlreadyProcessed {
				mu.Lock()
				settled++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if settled != 1 {
		t.Fatalf("settled %d times, want 1", settled)
	}
	e := f.earnings(t, tx.DriverID)
	if e.Earnings.Withdrawn != 5_000 || e.Lifetime.TotalWithdrawn != 5_000 || len(e.RecentPayouts) != 1 {
		t.Errorf("earnings = %+v", e)
	}
}

func TestHandleVerifyCommand(t *testing.T) {
	f := newFixture(t)
	tx := f.seedPayment(t, transaction.TypeClientPayment, 1_000)
	f.gw.set(tx.Gateway.Reference, gateway.StatusSuccess)

	cmd := func(t *testing.T, typ string, data interface{}) *events.Event {
		t.Helper()
		evt, err := events.NewEvent(typ, events.AggregateTransaction, "", data)
		if err != nil {
			t.Fatalf("NewEvent: %v", err)
		}
		return evt
	}

	err := f.engine.HandleVerifyCommand(context.Background(), cmd(t, "something.else", events.VerifyRequestedData{TransactionID: tx.ID}))
	if !errors.Is(err, nats.ErrPermanent) {
		t.Errorf("wrong type err = %v", err)
	}
	err = f.engine.HandleVerifyCommand(context.Background(), cmd(t, events.CommandVerifyTransaction, events.VerifyRequestedData{}))
	if !errors.Is(err, nats.ErrPermanent) {
		t.Errorf("missing id err = %v", err)
	}
	err = f.engine.HandleVerifyCommand(context.Background(), cmd(t, events.CommandVerifyTransaction, events.VerifyRequestedData{TransactionID: "missing"}))
	if !errors.Is(err, nats.ErrPermanent) {
		t.Errorf("not found err = %v", err)
	}

	evt := cmd(t, events.CommandVerifyTransaction, events.VerifyRequestedData{TransactionID: tx.ID})
	evt.WithCorrelation("corr-123", "")
	if err := f.engine.HandleVerifyCommand(context.Background(), evt); err != nil {
		t.Fatalf("HandleVerifyCommand: %v", err)
	}
	if s := f.status(t, tx.ID); s != transaction.StatusCompleted {
		t.Errorf("status = %s", s)
	}
	f.pub.mu.Lock()
	defer f.pub.mu.Unlock()
	if len(f.pub.events) == 0 || f.pub.events[0].CorrelationID != "corr-123" {
		t.Errorf("events not correlated: %+v", f.pub.events)
	}
}
