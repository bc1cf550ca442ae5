package escrow

import "errors"

// Sentinel errors forming the lifecycle error taxonomy. The API layer maps
// these to transport statuses; callers should test with errors.Is.
var (
	// ErrNotFound is returned when no package exists for the requested escrow.
	ErrNotFound = errors.New("escrow: package not found")
	// ErrConflict is returned for duplicate creates and for transitions that
	// lost a race or arrived after a terminal event. Callers should re-query
	// state and retry with a fresh signature if appropriate.
	ErrConflict = errors.New("escrow: conflicting transition")
	// ErrUnauthorized is returned when the acting identity holds no role that
	// permits the requested transition.
	ErrUnauthorized = errors.New("escrow: identity not allowed for this action")
	// ErrCollateralUnmet is returned when the escrow account has not yet been
	// funded with the collateral the transition requires.
	ErrCollateralUnmet = errors.New("escrow: collateral not satisfied on ledger")
	// ErrPaymentRequired is returned when a transition needs a caller-signed
	// transaction envelope that was not supplied.
	ErrPaymentRequired = errors.New("escrow: signed transaction envelope required")
	// ErrStateDiverged is fatal for the affected escrow: the ledger operation
	// succeeded but the local commit failed, so the on-ledger and off-ledger
	// views disagree. The escrow is quarantined until an operator intervenes.
	ErrStateDiverged = errors.New("escrow: ledger and local state diverged")
)
