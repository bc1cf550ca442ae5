package escrow

// Constructors for the canonical event ledger entries. Timestamps are filled
// in by the engine so tests can pin the clock.

// NewLaunchedEvent returns the opening entry of an escrow's event log,
// attributed to the launcher.
func NewLaunchedEvent(escrowPubKey, launcher, location string, at int64) Event {
	return Event{
		EscrowPubKey: escrowPubKey,
		ActorPubKey:  launcher,
		Type:         EventLaunched,
		Location:     location,
		OccurredAt:   at,
	}
}

// NewCourieredEvent records a courier confirming physical custody.
func NewCourieredEvent(escrowPubKey, courier, location string, at int64) Event {
	return Event{
		EscrowPubKey: escrowPubKey,
		ActorPubKey:  courier,
		Type:         EventCouriered,
		Location:     location,
		OccurredAt:   at,
	}
}

// NewRelayedEvent records a hand-off from the current courier to a new one.
// The counterparty is the courier taking over custody.
func NewRelayedEvent(escrowPubKey, courier, newCourier string, at int64) Event {
	return Event{
		EscrowPubKey:       escrowPubKey,
		ActorPubKey:        courier,
		Type:               EventRelayed,
		CounterpartyPubKey: newCourier,
		OccurredAt:         at,
	}
}

// NewReceivedEvent records terminal acceptance by the recipient.
func NewReceivedEvent(escrowPubKey, recipient, location string, at int64) Event {
	return Event{
		EscrowPubKey: escrowPubKey,
		ActorPubKey:  recipient,
		Type:         EventReceived,
		Location:     location,
		OccurredAt:   at,
	}
}

// NewRefundedEvent records the terminal refund of the escrow to the launcher.
func NewRefundedEvent(escrowPubKey, actor string, at int64) Event {
	return Event{
		EscrowPubKey: escrowPubKey,
		ActorPubKey:  actor,
		Type:         EventRefunded,
		OccurredAt:   at,
	}
}

// NewChangedLocationEvent records a geoposition update without a lifecycle
// change.
func NewChangedLocationEvent(escrowPubKey, actor, location string, at int64) Event {
	return Event{
		EscrowPubKey: escrowPubKey,
		ActorPubKey:  actor,
		Type:         EventChangedLocation,
		Location:     location,
		OccurredAt:   at,
	}
}
