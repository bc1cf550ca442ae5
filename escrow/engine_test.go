package escrow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"paketd/ledger"
)

type memStore struct {
	mu       sync.Mutex
	packages map[string]*Package
	events   map[string][]Event

	failAppend error
	failFreeze error
}

func newMemStore() *memStore {
	return &memStore{
		packages: make(map[string]*Package),
		events:   make(map[string][]Event),
	}
}

func (m *memStore) CreatePackage(_ context.Context, pkg *Package) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.packages[pkg.EscrowPubKey]; ok {
		return fmt.Errorf("duplicate %s: %w", pkg.EscrowPubKey, ErrConflict)
	}
	clone := *pkg
	m.packages[pkg.EscrowPubKey] = &clone
	m.events[pkg.EscrowPubKey] = []Event{NewLaunchedEvent(pkg.EscrowPubKey, pkg.LauncherPubKey, pkg.Location, pkg.CreatedAt)}
	return nil
}

func (m *memStore) GetPackage(_ context.Context, escrowPubKey string) (*Package, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pkg, ok := m.packages[escrowPubKey]
	if !ok {
		return nil, fmt.Errorf("package %s: %w", escrowPubKey, ErrNotFound)
	}
	clone := *pkg
	return &clone, nil
}

func (m *memStore) ListPackages(_ context.Context, identity string) ([]*Package, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Package
	for _, pkg := range m.packages {
		if identity == "" || pkg.Participant(identity) {
			clone := *pkg
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (m *memStore) AppendEvent(_ context.Context, evt Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAppend != nil {
		return m.failAppend
	}
	existing, ok := m.events[evt.EscrowPubKey]
	if !ok {
		return fmt.Errorf("package %s: %w", evt.EscrowPubKey, ErrNotFound)
	}
	status, _, err := DeriveState(existing)
	if err != nil {
		return err
	}
	if status.Terminal() {
		return fmt.Errorf("package %s already %s: %w", evt.EscrowPubKey, status, ErrConflict)
	}
	next := append(append([]Event(nil), existing...), evt)
	newStatus, courier, err := DeriveState(next)
	if err != nil {
		return err
	}
	m.events[evt.EscrowPubKey] = next
	pkg := m.packages[evt.EscrowPubKey]
	pkg.Status = newStatus
	if courier != "" {
		pkg.CourierPubKey = courier
	}
	return nil
}

func (m *memStore) ListEvents(_ context.Context, escrowPubKey string, _ int) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events[escrowPubKey]...), nil
}

func (m *memStore) FreezePackage(_ context.Context, escrowPubKey string, at int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failFreeze != nil {
		return m.failFreeze
	}
	if pkg, ok := m.packages[escrowPubKey]; ok && pkg.FrozenAt == 0 {
		pkg.FrozenAt = at
	}
	return nil
}

type mockLedger struct {
	mu         sync.Mutex
	balance    int64
	prepareErr error
	submitErr  error
	submitted  []string
}

func (m *mockLedger) PrepareEscrow(_ context.Context, terms ledger.EscrowTerms) (*ledger.PreparedEscrow, error) {
	if m.prepareErr != nil {
		return nil, m.prepareErr
	}
	return &ledger.PreparedEscrow{
		EscrowPubKey:          terms.EscrowPubKey,
		SetOptionsTransaction: "set-options-xdr",
		RefundTransaction:     "refund-xdr",
		MergeTransaction:      "merge-xdr",
		PaymentTransaction:    "payment-xdr",
	}, nil
}

func (m *mockLedger) PrepareRelayPayment(_ context.Context, from, to string, amountBULs int64) (*ledger.UnsignedTransaction, error) {
	if m.prepareErr != nil {
		return nil, m.prepareErr
	}
	return &ledger.UnsignedTransaction{Envelope: fmt.Sprintf("relay:%s->%s:%d", from, to, amountBULs)}, nil
}

func (m *mockLedger) SubmitTransaction(_ context.Context, signedTx string) (*ledger.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.submitErr != nil {
		return nil, m.submitErr
	}
	m.submitted = append(m.submitted, signedTx)
	return &ledger.Receipt{Hash: "txhash", Ledger: 42}, nil
}

func (m *mockLedger) GetAccount(_ context.Context, identity string) (*ledger.AccountInfo, error) {
	return &ledger.AccountInfo{PubKey: identity, BULBalance: m.balance, Sequence: 7}, nil
}

const (
	testLauncher  = "pkt1launcher"
	testCourier   = "pkt1courier"
	testRelayed   = "pkt1secondcourier"
	testRecipient = "pkt1recipient"
	testEscrow    = "pkt1escrow"
)

func newTestEngine(store Store, lc LedgerClient) *Engine {
	eng := NewEngine(store, lc, nil)
	clock := int64(1700000000)
	eng.SetNowFunc(func() int64 {
		clock++
		return clock
	})
	return eng
}

func launchTestPackage(t *testing.T, eng *Engine) *Package {
	t.Helper()
	pkg, prepared, err := eng.Launch(context.Background(), testLauncher, LaunchTerms{
		EscrowPubKey:    testEscrow,
		RecipientPubKey: testRecipient,
		CourierPubKey:   testCourier,
		PaymentBULs:     50,
		CollateralBULs:  100,
		Deadline:        1700100000,
		Location:        "depot",
	})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	if prepared.RefundTransaction == "" {
		t.Fatalf("expected prepared refund transaction")
	}
	return pkg
}

func TestFullDeliveryLifecycle(t *testing.T) {
	store := newMemStore()
	lc := &mockLedger{balance: 150}
	eng := newTestEngine(store, lc)
	ctx := context.Background()

	pkg := launchTestPackage(t, eng)
	if pkg.Status != StatusLaunched {
		t.Fatalf("status after launch = %s", pkg.Status)
	}
	assertEventCount(t, eng, 1)

	pkg, err := eng.Accept(ctx, testCourier, testEscrow, "pickup point", "")
	if err != nil {
		t.Fatalf("courier accept: %v", err)
	}
	if pkg.Status != StatusInTransit {
		t.Fatalf("status after courier accept = %s", pkg.Status)
	}
	assertEventCount(t, eng, 2)

	offer, err := eng.Relay(ctx, testCourier, testEscrow, testRelayed, 20)
	if err != nil {
		t.Fatalf("relay: %v", err)
	}
	if offer.Envelope == "" {
		t.Fatalf("expected relay payment offer")
	}
	assertEventCount(t, eng, 3)

	stored, err := eng.Package(ctx, testEscrow)
	if err != nil {
		t.Fatalf("get package: %v", err)
	}
	if stored.CourierPubKey != testRelayed {
		t.Fatalf("courier after relay = %s, want %s", stored.CourierPubKey, testRelayed)
	}

	pkg, err = eng.Accept(ctx, testRecipient, testEscrow, "front door", "signed-payment-xdr")
	if err != nil {
		t.Fatalf("recipient accept: %v", err)
	}
	if pkg.Status != StatusDelivered {
		t.Fatalf("status after receive = %s", pkg.Status)
	}
	if len(lc.submitted) != 1 || lc.submitted[0] != "signed-payment-xdr" {
		t.Fatalf("submitted transactions = %v", lc.submitted)
	}
	assertEventCount(t, eng, 4)

	if err := eng.RecordLocation(ctx, testLauncher, testEscrow, "too late"); !errors.Is(err, ErrConflict) {
		t.Fatalf("record location after delivery = %v, want ErrConflict", err)
	}
	assertEventCount(t, eng, 4)
}

func TestLaunchDuplicateConflicts(t *testing.T) {
	store := newMemStore()
	eng := newTestEngine(store, &mockLedger{balance: 150})
	launchTestPackage(t, eng)

	_, _, err := eng.Launch(context.Background(), testLauncher, LaunchTerms{
		EscrowPubKey:    testEscrow,
		RecipientPubKey: testRecipient,
		CourierPubKey:   testCourier,
		PaymentBULs:     1,
		CollateralBULs:  1,
		Deadline:        1700100000,
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate launch = %v, want ErrConflict", err)
	}
}

func TestAcceptRejectsStrangers(t *testing.T) {
	store := newMemStore()
	eng := newTestEngine(store, &mockLedger{balance: 150})
	launchTestPackage(t, eng)

	if _, err := eng.Accept(context.Background(), "pkt1stranger", testEscrow, "", ""); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("stranger accept = %v, want ErrUnauthorized", err)
	}
}

func TestAcceptRequiresCollateral(t *testing.T) {
	store := newMemStore()
	eng := newTestEngine(store, &mockLedger{balance: 149})
	launchTestPackage(t, eng)

	if _, err := eng.Accept(context.Background(), testCourier, testEscrow, "", ""); !errors.Is(err, ErrCollateralUnmet) {
		t.Fatalf("underfunded accept = %v, want ErrCollateralUnmet", err)
	}
	assertEventCount(t, eng, 1)
}

func TestRecipientAcceptRequiresPaymentTransaction(t *testing.T) {
	store := newMemStore()
	eng := newTestEngine(store, &mockLedger{balance: 150})
	launchTestPackage(t, eng)

	if _, err := eng.Accept(context.Background(), testRecipient, testEscrow, "", ""); !errors.Is(err, ErrPaymentRequired) {
		t.Fatalf("accept without payment tx = %v, want ErrPaymentRequired", err)
	}
}

func TestRelayRequiresCurrentCourier(t *testing.T) {
	store := newMemStore()
	eng := newTestEngine(store, &mockLedger{balance: 150})
	launchTestPackage(t, eng)
	ctx := context.Background()

	if _, err := eng.Relay(ctx, testCourier, testEscrow, testRelayed, 20); !errors.Is(err, ErrConflict) {
		t.Fatalf("relay before pickup = %v, want ErrConflict", err)
	}
	if _, err := eng.Accept(ctx, testCourier, testEscrow, "", ""); err != nil {
		t.Fatalf("courier accept: %v", err)
	}
	if _, err := eng.Relay(ctx, testLauncher, testEscrow, testRelayed, 20); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("relay by launcher = %v, want ErrUnauthorized", err)
	}
	if _, err := eng.Relay(ctx, testCourier, testEscrow, testRelayed, 20); err != nil {
		t.Fatalf("relay by courier: %v", err)
	}
	// After the handover only the new courier may relay again.
	if _, err := eng.Relay(ctx, testCourier, testEscrow, "pkt1thirdcourier", 5); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("relay by replaced courier = %v, want ErrUnauthorized", err)
	}
}

func TestRefundTerminalAndAuthorized(t *testing.T) {
	store := newMemStore()
	lc := &mockLedger{balance: 150}
	eng := newTestEngine(store, lc)
	launchTestPackage(t, eng)
	ctx := context.Background()

	if _, err := eng.Refund(ctx, "pkt1stranger", testEscrow, "signed-refund-xdr"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("stranger refund = %v, want ErrUnauthorized", err)
	}
	pkg, err := eng.Refund(ctx, testLauncher, testEscrow, "signed-refund-xdr")
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if pkg.Status != StatusRefunded {
		t.Fatalf("status after refund = %s", pkg.Status)
	}
	if _, err := eng.Refund(ctx, testLauncher, testEscrow, "signed-refund-xdr"); !errors.Is(err, ErrConflict) {
		t.Fatalf("second refund = %v, want ErrConflict", err)
	}
	if len(lc.submitted) != 1 {
		t.Fatalf("submitted %d transactions, want 1", len(lc.submitted))
	}
}

func TestLedgerFailureLeavesStateUntouched(t *testing.T) {
	store := newMemStore()
	lc := &mockLedger{balance: 150, submitErr: &ledger.Error{Code: ledger.CodeInsufficientFunds, Message: "insufficient funds"}}
	eng := newTestEngine(store, lc)
	launchTestPackage(t, eng)

	_, err := eng.Accept(context.Background(), testRecipient, testEscrow, "", "signed-payment-xdr")
	var ledgerErr *ledger.Error
	if !errors.As(err, &ledgerErr) {
		t.Fatalf("accept with failing ledger = %v, want ledger.Error", err)
	}
	assertEventCount(t, eng, 1)

	pkg, getErr := eng.Package(context.Background(), testEscrow)
	if getErr != nil {
		t.Fatalf("get package: %v", getErr)
	}
	if pkg.Status != StatusLaunched {
		t.Fatalf("status after failed submit = %s, want launched", pkg.Status)
	}
}

func TestConcurrentRecipientAcceptsOneWins(t *testing.T) {
	store := newMemStore()
	lc := &mockLedger{balance: 150}
	eng := newTestEngine(store, lc)
	launchTestPackage(t, eng)
	ctx := context.Background()

	// Two racing accepts for the same escrow: the store's terminal guard
	// picks the winner, the loser gets a plain conflict.
	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := eng.Accept(ctx, testRecipient, testEscrow, "front door", "signed-payment-xdr")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var won, conflicts int
	for err := range errs {
		switch {
		case err == nil:
			won++
		case errors.Is(err, ErrConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if won != 1 || conflicts != 1 {
		t.Fatalf("won=%d conflicts=%d, want exactly one of each", won, conflicts)
	}
	// The loser's conflict is not a divergence and must not halt the escrow.
	if quarantined := eng.Quarantined(); len(quarantined) != 0 {
		t.Fatalf("quarantined = %v, want none", quarantined)
	}
	assertEventCount(t, eng, 2)
}

func TestConflictAfterLedgerIsNotDivergence(t *testing.T) {
	store := newMemStore()
	lc := &mockLedger{balance: 150}
	eng := newTestEngine(store, lc)
	launchTestPackage(t, eng)

	store.failAppend = fmt.Errorf("already delivered: %w", ErrConflict)
	_, err := eng.Accept(context.Background(), testRecipient, testEscrow, "", "signed-payment-xdr")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("conflicting append = %v, want ErrConflict", err)
	}
	if errors.Is(err, ErrStateDiverged) {
		t.Fatalf("conflicting append must not diverge: %v", err)
	}
	if quarantined := eng.Quarantined(); len(quarantined) != 0 {
		t.Fatalf("quarantined = %v, want none", quarantined)
	}

	// A consistent log means later transitions still work.
	store.failAppend = nil
	if _, err := eng.Accept(context.Background(), testRecipient, testEscrow, "", "signed-payment-xdr"); err != nil {
		t.Fatalf("accept after cleared conflict: %v", err)
	}
}

func TestDivergenceQuarantinesEscrow(t *testing.T) {
	store := newMemStore()
	lc := &mockLedger{balance: 150}
	eng := newTestEngine(store, lc)
	launchTestPackage(t, eng)
	ctx := context.Background()

	// The ledger payment succeeds but the local event append fails, so the
	// two views have diverged.
	store.failAppend = errors.New("disk full")
	_, err := eng.Accept(ctx, testRecipient, testEscrow, "", "signed-payment-xdr")
	if !errors.Is(err, ErrStateDiverged) {
		t.Fatalf("accept with failing store = %v, want ErrStateDiverged", err)
	}
	if len(lc.submitted) != 1 {
		t.Fatalf("payment should have been submitted before the divergence")
	}

	quarantined := eng.Quarantined()
	if len(quarantined) != 1 || quarantined[0] != testEscrow {
		t.Fatalf("quarantined = %v", quarantined)
	}

	// Every further transition on the escrow is refused.
	store.failAppend = nil
	if _, err := eng.Accept(ctx, testRecipient, testEscrow, "", "signed-payment-xdr"); !errors.Is(err, ErrStateDiverged) {
		t.Fatalf("accept on quarantined escrow = %v, want ErrStateDiverged", err)
	}
	if err := eng.RecordLocation(ctx, testLauncher, testEscrow, "anywhere"); !errors.Is(err, ErrStateDiverged) {
		t.Fatalf("record location on quarantined escrow = %v, want ErrStateDiverged", err)
	}
}

func TestFrozenPackageRefusesTransitions(t *testing.T) {
	store := newMemStore()
	eng := newTestEngine(store, &mockLedger{balance: 150})
	launchTestPackage(t, eng)
	ctx := context.Background()

	// A quarantine persisted by another process instance shows up as the
	// frozen column, not the in-memory set.
	if err := store.FreezePackage(ctx, testEscrow, 1700000500); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	if _, err := eng.Accept(ctx, testCourier, testEscrow, "", ""); !errors.Is(err, ErrStateDiverged) {
		t.Fatalf("accept on frozen escrow = %v, want ErrStateDiverged", err)
	}
}

func assertEventCount(t *testing.T, eng *Engine, want int) {
	t.Helper()
	events, err := eng.Events(context.Background(), testEscrow, 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != want {
		t.Fatalf("event count = %d, want %d", len(events), want)
	}
}
