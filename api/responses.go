package api

import (
	"encoding/json"
	"net/http"

	"paketd/escrow"
	"paketd/ledger"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// PackageView is the wire shape of a package.
type PackageView struct {
	EscrowPubKey    string `json:"escrow_pubkey"`
	LauncherPubKey  string `json:"launcher_pubkey"`
	RecipientPubKey string `json:"recipient_pubkey"`
	CourierPubKey   string `json:"courier_pubkey"`
	PaymentBULs     int64  `json:"payment_buls"`
	CollateralBULs  int64  `json:"collateral_buls"`
	Deadline        int64  `json:"deadline_timestamp"`
	Location        string `json:"location,omitempty"`
	Status          string `json:"status"`
	Frozen          bool   `json:"frozen,omitempty"`
	CreatedAt       int64  `json:"created_at"`
}

func packageView(pkg *escrow.Package) PackageView {
	return PackageView{
		EscrowPubKey:    pkg.EscrowPubKey,
		LauncherPubKey:  pkg.LauncherPubKey,
		RecipientPubKey: pkg.RecipientPubKey,
		CourierPubKey:   pkg.CourierPubKey,
		PaymentBULs:     pkg.PaymentBULs,
		CollateralBULs:  pkg.CollateralBULs,
		Deadline:        pkg.Deadline,
		Location:        pkg.Location,
		Status:          string(pkg.Status),
		Frozen:          pkg.Frozen(),
		CreatedAt:       pkg.CreatedAt,
	}
}

func packagesView(packages []*escrow.Package) []PackageView {
	views := make([]PackageView, 0, len(packages))
	for _, pkg := range packages {
		views = append(views, packageView(pkg))
	}
	return views
}

// PreparedView carries the unsigned transaction set for a new escrow. The
// launcher signs and submits these client side.
type PreparedView struct {
	SetOptions string `json:"set_options_transaction"`
	Refund     string `json:"refund_transaction"`
	Merge      string `json:"merge_transaction"`
	Payment    string `json:"payment_transaction"`
}

func preparedView(prepared *ledger.PreparedEscrow) PreparedView {
	return PreparedView{
		SetOptions: prepared.SetOptionsTransaction,
		Refund:     prepared.RefundTransaction,
		Merge:      prepared.MergeTransaction,
		Payment:    prepared.PaymentTransaction,
	}
}

// EventView is the wire shape of one event ledger entry.
type EventView struct {
	EscrowPubKey       string `json:"escrow_pubkey"`
	ActorPubKey        string `json:"actor_pubkey"`
	Type               string `json:"event_type"`
	CounterpartyPubKey string `json:"counterparty_pubkey,omitempty"`
	Location           string `json:"location,omitempty"`
	OccurredAt         int64  `json:"occurred_at"`
}

func eventsView(events []escrow.Event) []EventView {
	views := make([]EventView, 0, len(events))
	for _, evt := range events {
		views = append(views, EventView{
			EscrowPubKey:       evt.EscrowPubKey,
			ActorPubKey:        evt.ActorPubKey,
			Type:               string(evt.Type),
			CounterpartyPubKey: evt.CounterpartyPubKey,
			Location:           evt.Location,
			OccurredAt:         evt.OccurredAt,
		})
	}
	return views
}
