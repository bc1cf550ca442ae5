package escrow

import (
	"fmt"
	"strings"
)

// Status represents the lifecycle states of a delivery package. Status is
// always derivable from the event ledger; stored copies are caches only.
type Status string

const (
	StatusLaunched  Status = "launched"
	StatusInTransit Status = "in-transit"
	StatusDelivered Status = "delivered"
	StatusRefunded  Status = "refunded"
)

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	switch s {
	case StatusLaunched, StatusInTransit, StatusDelivered, StatusRefunded:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further lifecycle transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusRefunded
}

// EventType identifies a single entry in the append-only event ledger.
type EventType string

const (
	EventLaunched        EventType = "launched"
	EventCouriered       EventType = "couriered"
	EventRelayed         EventType = "relayed"
	EventReceived        EventType = "received"
	EventRefunded        EventType = "refunded"
	EventChangedLocation EventType = "changed_location"
)

// Valid reports whether the event type is one of the supported values.
func (t EventType) Valid() bool {
	switch t {
	case EventLaunched, EventCouriered, EventRelayed, EventReceived, EventRefunded, EventChangedLocation:
		return true
	default:
		return false
	}
}

// Terminal reports whether the event closes the escrow. No event may follow a
// terminal event for the same escrow.
func (t EventType) Terminal() bool {
	return t == EventReceived || t == EventRefunded
}

// Package captures the static terms and cached lifecycle view of one delivery
// contract backed by one escrow account on the ledger. The escrow's own
// address is the primary key and never changes; the courier column tracks the
// current courier only, with hand-off history reconstructable from events.
type Package struct {
	EscrowPubKey    string
	LauncherPubKey  string
	RecipientPubKey string
	CourierPubKey   string
	PaymentBULs     int64
	CollateralBULs  int64
	Deadline        int64
	Location        string
	Status          Status
	Transactions    PreparedTransactions
	FrozenAt        int64
	CreatedAt       int64
}

// PreparedTransactions holds the unsigned transaction envelopes produced by
// the ledger when the escrow was set up. They are kept with the package so
// parties can retrieve and co-sign them later; the service never signs any of
// them.
type PreparedTransactions struct {
	SetOptions string
	Refund     string
	Merge      string
	Payment    string
}

// Frozen reports whether the package has been quarantined after a state
// divergence and must not accept further transitions.
func (p *Package) Frozen() bool {
	return p != nil && p.FrozenAt > 0
}

// Participant reports whether the identity is currently associated with the
// package as launcher, recipient or current courier.
func (p *Package) Participant(identity string) bool {
	if p == nil {
		return false
	}
	return identity == p.LauncherPubKey || identity == p.RecipientPubKey || identity == p.CourierPubKey
}

// Event is one append-only, time-ordered ledger entry. Counterparty is set
// only for relayed events and names the courier taking over custody; for
// every other type it is empty.
type Event struct {
	ID                 int64
	EscrowPubKey       string
	ActorPubKey        string
	Type               EventType
	CounterpartyPubKey string
	Location           string
	OccurredAt         int64
}

// SanitizePackage validates and normalises a package definition without
// mutating the input. Amounts must be non-negative and all party identities
// present.
func SanitizePackage(p *Package) (*Package, error) {
	if p == nil {
		return nil, fmt.Errorf("nil package")
	}
	clone := *p
	clone.EscrowPubKey = strings.TrimSpace(clone.EscrowPubKey)
	clone.LauncherPubKey = strings.TrimSpace(clone.LauncherPubKey)
	clone.RecipientPubKey = strings.TrimSpace(clone.RecipientPubKey)
	clone.CourierPubKey = strings.TrimSpace(clone.CourierPubKey)
	if clone.EscrowPubKey == "" || clone.LauncherPubKey == "" || clone.RecipientPubKey == "" || clone.CourierPubKey == "" {
		return nil, fmt.Errorf("package parties must be set")
	}
	if clone.PaymentBULs < 0 || clone.CollateralBULs < 0 {
		return nil, fmt.Errorf("package amounts must be non-negative")
	}
	if clone.Deadline <= 0 {
		return nil, fmt.Errorf("package deadline must be set")
	}
	if clone.Status == "" {
		clone.Status = StatusLaunched
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("invalid package status: %s", clone.Status)
	}
	return &clone, nil
}

// DeriveState replays the event log and returns the lifecycle status and the
// current courier. The event ledger is the single source of truth; cached
// package columns must always be rebuildable through this function.
func DeriveState(events []Event) (Status, string, error) {
	if len(events) == 0 {
		return "", "", fmt.Errorf("no events to derive state from")
	}
	if events[0].Type != EventLaunched {
		return "", "", fmt.Errorf("first event must be %s, got %s", EventLaunched, events[0].Type)
	}
	status := StatusLaunched
	courier := ""
	for i, evt := range events {
		if i > 0 && status.Terminal() {
			return "", "", fmt.Errorf("event %s recorded after terminal state %s", evt.Type, status)
		}
		switch evt.Type {
		case EventLaunched:
			if i != 0 {
				return "", "", fmt.Errorf("duplicate launched event")
			}
		case EventCouriered:
			status = StatusInTransit
			courier = evt.ActorPubKey
		case EventRelayed:
			status = StatusInTransit
			courier = evt.CounterpartyPubKey
		case EventReceived:
			status = StatusDelivered
		case EventRefunded:
			status = StatusRefunded
		case EventChangedLocation:
			// Location updates never change lifecycle state.
		default:
			return "", "", fmt.Errorf("unknown event type %s", evt.Type)
		}
	}
	return status, courier, nil
}
