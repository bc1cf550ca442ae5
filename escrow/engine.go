package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"paketd/ledger"
	"paketd/observability/logging"
)

// Store is the durable package registry and event ledger consumed by the
// engine. CreatePackage and AppendEvent must be transactional: the registry
// row and the event row commit or roll back together, and AppendEvent
// enforces the ordering invariants (first event launched, nothing after a
// terminal event) independently of engine logic.
type Store interface {
	CreatePackage(ctx context.Context, pkg *Package) error
	GetPackage(ctx context.Context, escrowPubKey string) (*Package, error)
	ListPackages(ctx context.Context, identity string) ([]*Package, error)
	AppendEvent(ctx context.Context, evt Event) error
	ListEvents(ctx context.Context, escrowPubKey string, limit int) ([]Event, error)
	FreezePackage(ctx context.Context, escrowPubKey string, at int64) error
}

// LedgerClient is the subset of the ledger adapter the engine drives.
type LedgerClient interface {
	PrepareEscrow(ctx context.Context, terms ledger.EscrowTerms) (*ledger.PreparedEscrow, error)
	PrepareRelayPayment(ctx context.Context, from, to string, amountBULs int64) (*ledger.UnsignedTransaction, error)
	SubmitTransaction(ctx context.Context, signedTx string) (*ledger.Receipt, error)
	GetAccount(ctx context.Context, identity string) (*ledger.AccountInfo, error)
}

// Emitter receives every committed event. Implementations must not block the
// request path.
type Emitter interface {
	Emit(Event)
}

// NoopEmitter discards events.
type NoopEmitter struct{}

func (NoopEmitter) Emit(Event) {}

// Engine is the escrow lifecycle orchestrator. It validates transition
// legality against the registry, drives the ledger adapter, and commits the
// registry and event ledger updates. Per-escrow serialization is provided by
// the store's transactions; the engine itself keeps no cross-request state
// beyond the quarantine set.
type Engine struct {
	store   Store
	ledger  LedgerClient
	emitter Emitter
	logger  *slog.Logger
	nowFn   func() int64

	quarantineMu sync.Mutex
	quarantined  map[string]struct{}
}

// NewEngine wires the orchestrator with its collaborators. A nil emitter is
// replaced with a no-op one.
func NewEngine(store Store, ledgerClient LedgerClient, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:       store,
		ledger:      ledgerClient,
		emitter:     NoopEmitter{},
		logger:      logger,
		nowFn:       func() int64 { return time.Now().Unix() },
		quarantined: make(map[string]struct{}),
	}
}

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (e *Engine) SetEmitter(emitter Emitter) {
	if emitter == nil {
		e.emitter = NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source. Primarily intended for tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// LaunchTerms are the caller-supplied static terms of a new delivery contract.
type LaunchTerms struct {
	EscrowPubKey    string
	RecipientPubKey string
	CourierPubKey   string
	PaymentBULs     int64
	CollateralBULs  int64
	Deadline        int64
	Location        string
}

// Launch creates a new package: it asks the ledger adapter to prepare the
// escrow-funding transaction set and, on success, persists the package row
// together with the opening launched event. Duplicate creates fail with
// ErrConflict and produce no ledger call.
func (e *Engine) Launch(ctx context.Context, launcher string, terms LaunchTerms) (*Package, *ledger.PreparedEscrow, error) {
	escrowID := strings.TrimSpace(terms.EscrowPubKey)
	if escrowID == "" {
		return nil, nil, fmt.Errorf("escrow pubkey required")
	}
	if _, err := e.store.GetPackage(ctx, escrowID); err == nil {
		return nil, nil, fmt.Errorf("package %s already exists: %w", escrowID, ErrConflict)
	}
	prepared, err := e.ledger.PrepareEscrow(ctx, ledger.EscrowTerms{
		EscrowPubKey:    escrowID,
		LauncherPubKey:  launcher,
		CourierPubKey:   terms.CourierPubKey,
		RecipientPubKey: terms.RecipientPubKey,
		PaymentBULs:     terms.PaymentBULs,
		CollateralBULs:  terms.CollateralBULs,
		Deadline:        terms.Deadline,
	})
	if err != nil {
		return nil, nil, err
	}
	pkg := &Package{
		EscrowPubKey:    escrowID,
		LauncherPubKey:  launcher,
		RecipientPubKey: terms.RecipientPubKey,
		CourierPubKey:   terms.CourierPubKey,
		PaymentBULs:     terms.PaymentBULs,
		CollateralBULs:  terms.CollateralBULs,
		Deadline:        terms.Deadline,
		Location:        terms.Location,
		Status:          StatusLaunched,
		Transactions: PreparedTransactions{
			SetOptions: prepared.SetOptionsTransaction,
			Refund:     prepared.RefundTransaction,
			Merge:      prepared.MergeTransaction,
			Payment:    prepared.PaymentTransaction,
		},
		CreatedAt: e.nowFn(),
	}
	sanitized, err := SanitizePackage(pkg)
	if err != nil {
		return nil, nil, err
	}
	if err := e.store.CreatePackage(ctx, sanitized); err != nil {
		// Preparing an escrow reserves nothing on the ledger, so a failed
		// local create is an ordinary conflict, not a divergence.
		return nil, nil, err
	}
	e.emitter.Emit(NewLaunchedEvent(escrowID, launcher, terms.Location, sanitized.CreatedAt))
	return sanitized, prepared, nil
}

// Accept handles both acceptance flavours. When the actor is the package's
// recipient this is the terminal received transition: collateral must already
// be satisfied on-ledger and the caller-signed payment transaction releases
// the escrow funds. When the actor is the current courier it confirms
// physical custody; if the package carries collateral the ledger lock is
// confirmed before the event commits. Any other identity is rejected.
func (e *Engine) Accept(ctx context.Context, actor, escrowPubKey, location, paymentTransaction string) (*Package, error) {
	pkg, err := e.guardedPackage(ctx, escrowPubKey)
	if err != nil {
		return nil, err
	}
	if pkg.Status.Terminal() {
		return nil, fmt.Errorf("package %s already %s: %w", escrowPubKey, pkg.Status, ErrConflict)
	}
	switch actor {
	case pkg.RecipientPubKey:
		return e.acceptAsRecipient(ctx, actor, pkg, location, paymentTransaction)
	case pkg.CourierPubKey:
		return e.acceptAsCourier(ctx, actor, pkg, location)
	default:
		return nil, fmt.Errorf("%s is neither recipient nor current courier of %s: %w", actor, escrowPubKey, ErrUnauthorized)
	}
}

func (e *Engine) acceptAsRecipient(ctx context.Context, actor string, pkg *Package, location, paymentTransaction string) (*Package, error) {
	if err := e.confirmCollateral(ctx, pkg); err != nil {
		return nil, err
	}
	if strings.TrimSpace(paymentTransaction) == "" {
		return nil, ErrPaymentRequired
	}
	if _, err := e.ledger.SubmitTransaction(ctx, paymentTransaction); err != nil {
		return nil, err
	}
	evt := NewReceivedEvent(pkg.EscrowPubKey, actor, location, e.nowFn())
	if err := e.commitAfterLedger(ctx, pkg.EscrowPubKey, evt); err != nil {
		return nil, err
	}
	pkg.Status = StatusDelivered
	return pkg, nil
}

func (e *Engine) acceptAsCourier(ctx context.Context, actor string, pkg *Package, location string) (*Package, error) {
	if err := e.confirmCollateral(ctx, pkg); err != nil {
		return nil, err
	}
	evt := NewCourieredEvent(pkg.EscrowPubKey, actor, location, e.nowFn())
	if err := e.store.AppendEvent(ctx, evt); err != nil {
		return nil, err
	}
	e.emitter.Emit(evt)
	pkg.Status = StatusInTransit
	return pkg, nil
}

// Relay hands custody from the current courier to a new one. The payment
// offer transaction is prepared but not executed; it is returned to the
// caller for co-signing. The courier column and the relayed event commit
// atomically.
func (e *Engine) Relay(ctx context.Context, actor, escrowPubKey, newCourier string, paymentBULs int64) (*ledger.UnsignedTransaction, error) {
	pkg, err := e.guardedPackage(ctx, escrowPubKey)
	if err != nil {
		return nil, err
	}
	if pkg.Status != StatusInTransit {
		return nil, fmt.Errorf("package %s is %s, relay requires in-transit: %w", escrowPubKey, pkg.Status, ErrConflict)
	}
	if actor != pkg.CourierPubKey {
		return nil, fmt.Errorf("%s is not the current courier of %s: %w", actor, escrowPubKey, ErrUnauthorized)
	}
	offer, err := e.ledger.PrepareRelayPayment(ctx, actor, newCourier, paymentBULs)
	if err != nil {
		return nil, err
	}
	evt := NewRelayedEvent(escrowPubKey, actor, newCourier, e.nowFn())
	if err := e.store.AppendEvent(ctx, evt); err != nil {
		return nil, err
	}
	e.emitter.Emit(evt)
	return offer, nil
}

// Refund submits a pre-built, caller-signed refund transaction and records
// the terminal refunded event on ledger confirmation. The deadline rule is
// enforced by the ledger itself: the refund envelope carries a time bound the
// network rejects before expiry.
func (e *Engine) Refund(ctx context.Context, actor, escrowPubKey, refundTransaction string) (*Package, error) {
	pkg, err := e.guardedPackage(ctx, escrowPubKey)
	if err != nil {
		return nil, err
	}
	if pkg.Status.Terminal() {
		return nil, fmt.Errorf("package %s already %s: %w", escrowPubKey, pkg.Status, ErrConflict)
	}
	if !pkg.Participant(actor) {
		return nil, fmt.Errorf("%s is not a party of %s: %w", actor, escrowPubKey, ErrUnauthorized)
	}
	if strings.TrimSpace(refundTransaction) == "" {
		return nil, ErrPaymentRequired
	}
	if _, err := e.ledger.SubmitTransaction(ctx, refundTransaction); err != nil {
		return nil, err
	}
	evt := NewRefundedEvent(escrowPubKey, actor, e.nowFn())
	if err := e.commitAfterLedger(ctx, escrowPubKey, evt); err != nil {
		return nil, err
	}
	pkg.Status = StatusRefunded
	return pkg, nil
}

// RecordLocation appends a changed_location event without a lifecycle change.
// Legal for any current party while the package is non-terminal.
func (e *Engine) RecordLocation(ctx context.Context, actor, escrowPubKey, location string) error {
	pkg, err := e.guardedPackage(ctx, escrowPubKey)
	if err != nil {
		return err
	}
	if pkg.Status.Terminal() {
		return fmt.Errorf("package %s already %s: %w", escrowPubKey, pkg.Status, ErrConflict)
	}
	if !pkg.Participant(actor) {
		return fmt.Errorf("%s is not a party of %s: %w", actor, escrowPubKey, ErrUnauthorized)
	}
	evt := NewChangedLocationEvent(escrowPubKey, actor, location, e.nowFn())
	if err := e.store.AppendEvent(ctx, evt); err != nil {
		return err
	}
	e.emitter.Emit(evt)
	return nil
}

// Package returns the registry view of a single escrow.
func (e *Engine) Package(ctx context.Context, escrowPubKey string) (*Package, error) {
	return e.store.GetPackage(ctx, escrowPubKey)
}

// Packages lists packages, optionally filtered to those the identity
// participates in.
func (e *Engine) Packages(ctx context.Context, identity string) ([]*Package, error) {
	return e.store.ListPackages(ctx, identity)
}

// Events lists event ledger entries, optionally scoped to one escrow.
func (e *Engine) Events(ctx context.Context, escrowPubKey string, limit int) ([]Event, error) {
	return e.store.ListEvents(ctx, escrowPubKey, limit)
}

// Quarantined returns the escrows currently halted after a state divergence.
func (e *Engine) Quarantined() []string {
	e.quarantineMu.Lock()
	defer e.quarantineMu.Unlock()
	ids := make([]string, 0, len(e.quarantined))
	for id := range e.quarantined {
		ids = append(ids, id)
	}
	return ids
}

func (e *Engine) guardedPackage(ctx context.Context, escrowPubKey string) (*Package, error) {
	if e.isQuarantined(escrowPubKey) {
		return nil, fmt.Errorf("package %s: %w", escrowPubKey, ErrStateDiverged)
	}
	pkg, err := e.store.GetPackage(ctx, escrowPubKey)
	if err != nil {
		return nil, err
	}
	if pkg.Frozen() {
		return nil, fmt.Errorf("package %s: %w", escrowPubKey, ErrStateDiverged)
	}
	return pkg, nil
}

// confirmCollateral checks on-ledger that the escrow account holds the full
// payment plus collateral. Ledger confirmation precedes the local event
// append so a divergence never becomes the common path.
func (e *Engine) confirmCollateral(ctx context.Context, pkg *Package) error {
	if pkg.CollateralBULs == 0 {
		return nil
	}
	account, err := e.ledger.GetAccount(ctx, pkg.EscrowPubKey)
	if err != nil {
		return err
	}
	required := pkg.PaymentBULs + pkg.CollateralBULs
	if account.BULBalance < required {
		return fmt.Errorf("escrow %s holds %d of %d BULs: %w", pkg.EscrowPubKey, account.BULBalance, required, ErrCollateralUnmet)
	}
	return nil
}

// commitAfterLedger appends an event whose ledger-side effect has already
// happened. The store refusing the append on its own invariant checks means
// the log already holds a consistent competing outcome, so the loser of a
// per-escrow race gets its conflict back untouched. Any other local failure
// is fatal for the escrow: the two views have diverged, so the escrow is
// quarantined and an operator alerted.
func (e *Engine) commitAfterLedger(ctx context.Context, escrowPubKey string, evt Event) error {
	err := e.store.AppendEvent(ctx, evt)
	if err == nil {
		e.emitter.Emit(evt)
		return nil
	}
	if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
		return err
	}
	e.quarantine(ctx, escrowPubKey, err)
	return fmt.Errorf("commit %s event for %s: %v: %w", evt.Type, escrowPubKey, err, ErrStateDiverged)
}

func (e *Engine) quarantine(ctx context.Context, escrowPubKey string, cause error) {
	e.quarantineMu.Lock()
	e.quarantined[escrowPubKey] = struct{}{}
	e.quarantineMu.Unlock()
	logging.Divergence(e.logger, escrowPubKey, cause)
	// Best effort: the store may be the thing that is failing.
	if err := e.store.FreezePackage(ctx, escrowPubKey, e.nowFn()); err != nil {
		e.logger.Error("persist quarantine flag", "escrow", escrowPubKey, "error", err)
	}
}

func (e *Engine) isQuarantined(escrowPubKey string) bool {
	e.quarantineMu.Lock()
	defer e.quarantineMu.Unlock()
	_, ok := e.quarantined[escrowPubKey]
	return ok
}
