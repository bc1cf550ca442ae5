package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"paketd/escrow"
)

// Store persists packages, the append-only event ledger, and user profiles in
// SQLite. Write transactions take the database write lock up front
// (_txlock=immediate) so per-escrow transitions are linearized by the store:
// at most one racing transition commits, the loser observes the committed
// state and fails its guard.
type Store struct {
	db *sql.DB
}

const defaultEventLimit = 100

func NewStore(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	store := &Store{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS packages (
            escrow_pubkey TEXT PRIMARY KEY,
            launcher_pubkey TEXT NOT NULL,
            recipient_pubkey TEXT NOT NULL,
            courier_pubkey TEXT NOT NULL,
            payment_buls INTEGER NOT NULL,
            collateral_buls INTEGER NOT NULL,
            deadline INTEGER NOT NULL,
            location TEXT,
            status TEXT NOT NULL,
            set_options_transaction TEXT,
            refund_transaction TEXT,
            merge_transaction TEXT,
            payment_transaction TEXT,
            frozen_at INTEGER,
            created_at INTEGER NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS events (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            escrow_pubkey TEXT NOT NULL,
            actor_pubkey TEXT NOT NULL,
            event_type TEXT NOT NULL,
            counterparty_pubkey TEXT,
            location TEXT,
            occurred_at INTEGER NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS events_escrow_idx ON events(escrow_pubkey, id);`,
		`CREATE TABLE IF NOT EXISTS profiles (
            pubkey TEXT PRIMARY KEY,
            full_name TEXT NOT NULL,
            phone_number TEXT NOT NULL,
            registered_at INTEGER NOT NULL
        );`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// CreatePackage inserts the package row and its opening launched event in one
// transaction. A duplicate escrow pubkey fails with escrow.ErrConflict and
// writes nothing.
func (s *Store) CreatePackage(ctx context.Context, pkg *escrow.Package) error {
	sanitized, err := escrow.SanitizePackage(pkg)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM packages WHERE escrow_pubkey = ?`, sanitized.EscrowPubKey).Scan(&exists)
	switch {
	case err == nil:
		return fmt.Errorf("package %s already exists: %w", sanitized.EscrowPubKey, escrow.ErrConflict)
	case !errors.Is(err, sql.ErrNoRows):
		return err
	}

	const insertPkg = `INSERT INTO packages(
        escrow_pubkey, launcher_pubkey, recipient_pubkey, courier_pubkey,
        payment_buls, collateral_buls, deadline, location, status,
        set_options_transaction, refund_transaction, merge_transaction, payment_transaction,
        created_at
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, insertPkg,
		sanitized.EscrowPubKey, sanitized.LauncherPubKey, sanitized.RecipientPubKey, sanitized.CourierPubKey,
		sanitized.PaymentBULs, sanitized.CollateralBULs, sanitized.Deadline, nullString(sanitized.Location), string(escrow.StatusLaunched),
		nullString(sanitized.Transactions.SetOptions), nullString(sanitized.Transactions.Refund),
		nullString(sanitized.Transactions.Merge), nullString(sanitized.Transactions.Payment),
		sanitized.CreatedAt,
	); err != nil {
		return err
	}

	launched := escrow.NewLaunchedEvent(sanitized.EscrowPubKey, sanitized.LauncherPubKey, sanitized.Location, sanitized.CreatedAt)
	if err := insertEvent(ctx, tx, launched); err != nil {
		return err
	}
	return tx.Commit()
}

// GetPackage returns the registry view of one escrow, or escrow.ErrNotFound.
func (s *Store) GetPackage(ctx context.Context, escrowPubKey string) (*escrow.Package, error) {
	const query = `SELECT escrow_pubkey, launcher_pubkey, recipient_pubkey, courier_pubkey,
        payment_buls, collateral_buls, deadline, location, status,
        set_options_transaction, refund_transaction, merge_transaction, payment_transaction,
        frozen_at, created_at
        FROM packages WHERE escrow_pubkey = ?`
	pkg, err := scanPackage(s.db.QueryRowContext(ctx, query, escrowPubKey))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("package %s: %w", escrowPubKey, escrow.ErrNotFound)
	}
	return pkg, err
}

// ListPackages returns all packages, or only those the identity participates
// in as launcher, current courier or recipient.
func (s *Store) ListPackages(ctx context.Context, identity string) ([]*escrow.Package, error) {
	query := `SELECT escrow_pubkey, launcher_pubkey, recipient_pubkey, courier_pubkey,
        payment_buls, collateral_buls, deadline, location, status,
        set_options_transaction, refund_transaction, merge_transaction, payment_transaction,
        frozen_at, created_at
        FROM packages`
	var args []interface{}
	if strings.TrimSpace(identity) != "" {
		query += ` WHERE launcher_pubkey = ? OR courier_pubkey = ? OR recipient_pubkey = ?`
		args = append(args, identity, identity, identity)
	}
	query += ` ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var packages []*escrow.Package
	for rows.Next() {
		pkg, err := scanPackage(rows)
		if err != nil {
			return nil, err
		}
		packages = append(packages, pkg)
	}
	return packages, rows.Err()
}

// AppendEvent writes one event ledger entry and refreshes the cached
// status/courier columns, all in a single transaction. This is the single
// enforcement point for the ordering invariants: the first event for an
// escrow must be launched (only CreatePackage writes it, so an append to an
// unknown escrow is not-found), and nothing may follow a terminal event.
func (s *Store) AppendEvent(ctx context.Context, evt escrow.Event) error {
	if !evt.Type.Valid() {
		return fmt.Errorf("unknown event type %q", evt.Type)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	existing, err := listEventsTx(ctx, tx, evt.EscrowPubKey, 0)
	if err != nil {
		return err
	}
	if len(existing) == 0 {
		return fmt.Errorf("no launched event for %s: %w", evt.EscrowPubKey, escrow.ErrNotFound)
	}
	if evt.Type == escrow.EventLaunched {
		return fmt.Errorf("duplicate launched event for %s: %w", evt.EscrowPubKey, escrow.ErrConflict)
	}
	status, _, err := escrow.DeriveState(existing)
	if err != nil {
		return err
	}
	if status.Terminal() {
		return fmt.Errorf("package %s already %s: %w", evt.EscrowPubKey, status, escrow.ErrConflict)
	}
	if err := insertEvent(ctx, tx, evt); err != nil {
		return err
	}
	newStatus, courier, err := escrow.DeriveState(append(existing, evt))
	if err != nil {
		return err
	}
	if courier == "" {
		// Courier unchanged until a couriered or relayed event names one.
		if _, err := tx.ExecContext(ctx, `UPDATE packages SET status = ? WHERE escrow_pubkey = ?`, string(newStatus), evt.EscrowPubKey); err != nil {
			return err
		}
	} else if _, err := tx.ExecContext(ctx, `UPDATE packages SET status = ?, courier_pubkey = ? WHERE escrow_pubkey = ?`, string(newStatus), courier, evt.EscrowPubKey); err != nil {
		return err
	}
	return tx.Commit()
}

// ListEvents returns ledger entries in append order, optionally scoped to one
// escrow. A non-positive limit defaults to 100.
func (s *Store) ListEvents(ctx context.Context, escrowPubKey string, limit int) ([]escrow.Event, error) {
	if limit <= 0 {
		limit = defaultEventLimit
	}
	query := `SELECT id, escrow_pubkey, actor_pubkey, event_type, counterparty_pubkey, location, occurred_at FROM events`
	var args []interface{}
	if strings.TrimSpace(escrowPubKey) != "" {
		query += ` WHERE escrow_pubkey = ?`
		args = append(args, escrowPubKey)
	}
	query += ` ORDER BY occurred_at, id LIMIT ?`
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

// RebuildStatus recomputes the cached status and courier columns from the
// event ledger. The event ledger is the source of truth; this repairs the
// cache after any suspicion of drift.
func (s *Store) RebuildStatus(ctx context.Context, escrowPubKey string) (escrow.Status, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	events, err := listEventsTx(ctx, tx, escrowPubKey, 0)
	if err != nil {
		return "", err
	}
	if len(events) == 0 {
		return "", fmt.Errorf("no events for %s: %w", escrowPubKey, escrow.ErrNotFound)
	}
	status, courier, err := escrow.DeriveState(events)
	if err != nil {
		return "", err
	}
	if courier == "" {
		if _, err := tx.ExecContext(ctx, `UPDATE packages SET status = ? WHERE escrow_pubkey = ?`, string(status), escrowPubKey); err != nil {
			return "", err
		}
	} else if _, err := tx.ExecContext(ctx, `UPDATE packages SET status = ?, courier_pubkey = ? WHERE escrow_pubkey = ?`, string(status), courier, escrowPubKey); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return status, nil
}

// FreezePackage marks an escrow quarantined after a state divergence.
func (s *Store) FreezePackage(ctx context.Context, escrowPubKey string, at int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE packages SET frozen_at = ? WHERE escrow_pubkey = ? AND frozen_at IS NULL`, at, escrowPubKey)
	if err != nil {
		return err
	}
	if _, err := res.RowsAffected(); err != nil {
		return err
	}
	return nil
}

// Profile is the mutable contact record keyed by identity. Not part of the
// escrow core; the pubkey itself remains the only identity.
type Profile struct {
	PubKey       string `json:"pubkey"`
	FullName     string `json:"full_name"`
	PhoneNumber  string `json:"phone_number"`
	RegisteredAt int64  `json:"registered_at"`
}

// CreateProfile registers contact details for an identity.
func (s *Store) CreateProfile(ctx context.Context, profile Profile) error {
	const stmt = `INSERT INTO profiles(pubkey, full_name, phone_number, registered_at) VALUES (?, ?, ?, ?)
        ON CONFLICT(pubkey) DO UPDATE SET full_name = excluded.full_name, phone_number = excluded.phone_number`
	if strings.TrimSpace(profile.PubKey) == "" {
		return fmt.Errorf("profile pubkey required")
	}
	if profile.RegisteredAt == 0 {
		profile.RegisteredAt = time.Now().Unix()
	}
	_, err := s.db.ExecContext(ctx, stmt, profile.PubKey, profile.FullName, profile.PhoneNumber, profile.RegisteredAt)
	return err
}

// GetProfile returns the contact record for an identity, or escrow.ErrNotFound.
func (s *Store) GetProfile(ctx context.Context, pubkey string) (*Profile, error) {
	const query = `SELECT pubkey, full_name, phone_number, registered_at FROM profiles WHERE pubkey = ?`
	var p Profile
	err := s.db.QueryRowContext(ctx, query, pubkey).Scan(&p.PubKey, &p.FullName, &p.PhoneNumber, &p.RegisteredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("profile %s: %w", pubkey, escrow.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPackage(row rowScanner) (*escrow.Package, error) {
	var pkg escrow.Package
	var location, setOpts, refund, merge, payment sql.NullString
	var frozenAt sql.NullInt64
	var status string
	if err := row.Scan(
		&pkg.EscrowPubKey, &pkg.LauncherPubKey, &pkg.RecipientPubKey, &pkg.CourierPubKey,
		&pkg.PaymentBULs, &pkg.CollateralBULs, &pkg.Deadline, &location, &status,
		&setOpts, &refund, &merge, &payment,
		&frozenAt, &pkg.CreatedAt,
	); err != nil {
		return nil, err
	}
	pkg.Location = location.String
	pkg.Status = escrow.Status(status)
	pkg.Transactions = escrow.PreparedTransactions{
		SetOptions: setOpts.String,
		Refund:     refund.String,
		Merge:      merge.String,
		Payment:    payment.String,
	}
	if frozenAt.Valid {
		pkg.FrozenAt = frozenAt.Int64
	}
	return &pkg, nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, evt escrow.Event) error {
	const stmt = `INSERT INTO events(escrow_pubkey, actor_pubkey, event_type, counterparty_pubkey, location, occurred_at)
        VALUES (?, ?, ?, ?, ?, ?)`
	_, err := tx.ExecContext(ctx, stmt,
		evt.EscrowPubKey, evt.ActorPubKey, string(evt.Type),
		nullString(evt.CounterpartyPubKey), nullString(evt.Location), evt.OccurredAt)
	return err
}

func listEventsTx(ctx context.Context, tx *sql.Tx, escrowPubKey string, limit int) ([]escrow.Event, error) {
	query := `SELECT id, escrow_pubkey, actor_pubkey, event_type, counterparty_pubkey, location, occurred_at
        FROM events WHERE escrow_pubkey = ? ORDER BY occurred_at, id`
	args := []interface{}{escrowPubKey}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

func collectEvents(rows *sql.Rows) ([]escrow.Event, error) {
	var events []escrow.Event
	for rows.Next() {
		var evt escrow.Event
		var counterparty, location sql.NullString
		var eventType string
		if err := rows.Scan(&evt.ID, &evt.EscrowPubKey, &evt.ActorPubKey, &eventType, &counterparty, &location, &evt.OccurredAt); err != nil {
			return nil, err
		}
		evt.Type = escrow.EventType(eventType)
		evt.CounterpartyPubKey = counterparty.String
		evt.Location = location.String
		events = append(events, evt)
	}
	return events, rows.Err()
}

func nullString(v string) interface{} {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
