/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements all persistence interfaces (entrance.Store, entrance.PriceStore,
  payments.Store) using SQLite. In production, the same patterns apply to
  PostgreSQL - only minor SQL dialect differences.

ATOMIC UNITS:
  Composite methods (a transaction plus the payment's derived status, a
  refund completion and everything it cascades to) run inside one SQL
  transaction. A failed row rolls back the whole unit.

OPTIMISTIC CONCURRENCY:
  Every UPDATE carries "AND version = ?" and bumps the version column.
  Zero rows affected on an existing row means a concurrent writer won;
  the caller gets core.ErrStaleState and must re-read.

REFERENCE NUMBERS:
  All public reference numbers share one namespace through the refs
  table; its primary key turns a duplicate into core.ErrReferenceCollision
  for the bounded retry in core.GenerateRef.

AUDIT TABLES:
  status_history, edit_history and refund rows take no UPDATE beyond
  status/version and never a DELETE.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) and foreign keys on.

USAGE:
  store, err := sqlite.New("./data/entry.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - entrance/store.go, payments/store.go: Interface definitions
  - store/memory: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/farmgate/entry-engine/core"
	"github.com/farmgate/entry-engine/entrance"
	"github.com/farmgate/entry-engine/payments"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var (
	_ entrance.Store      = (*Store)(nil)
	_ entrance.PriceStore = (*Store)(nil)
	_ payments.Store      = (*Store)(nil)
)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- One namespace for every public reference number
	CREATE TABLE IF NOT EXISTS refs (
		ref TEXT PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS tickets (
		id TEXT PRIMARY KEY,
		ref_number TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL,
		vehicle_id TEXT NOT NULL,
		payment_id TEXT NOT NULL DEFAULT '',
		removed BOOLEAN NOT NULL DEFAULT FALSE,
		version INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tickets_status ON tickets(status);
	CREATE INDEX IF NOT EXISTS idx_tickets_vehicle ON tickets(vehicle_id);
	CREATE INDEX IF NOT EXISTS idx_tickets_payment ON tickets(payment_id) WHERE payment_id != '';

	CREATE TABLE IF NOT EXISTS re_entries (
		id TEXT PRIMARY KEY,
		ref_number TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL,
		ticket_id TEXT NOT NULL REFERENCES tickets(id),
		vehicle_id TEXT NOT NULL,
		payment_id TEXT NOT NULL DEFAULT '',
		visitors_left INTEGER NOT NULL,
		visitors_returned INTEGER,
		completed_at TEXT,
		removed BOOLEAN NOT NULL DEFAULT FALSE,
		version INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_re_entries_ticket ON re_entries(ticket_id);
	CREATE INDEX IF NOT EXISTS idx_re_entries_payment ON re_entries(payment_id) WHERE payment_id != '';

	CREATE TABLE IF NOT EXISTS items (
		id TEXT PRIMARY KEY,
		record_kind TEXT NOT NULL,
		record_id TEXT NOT NULL,
		category TEXT NOT NULL,
		visitor_count INTEGER NOT NULL,
		applied_price TEXT,
		created_by TEXT NOT NULL,
		removed BOOLEAN NOT NULL DEFAULT FALSE,
		version INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_items_record ON items(record_kind, record_id);

	-- Append-only audit tables
	CREATE TABLE IF NOT EXISTS status_history (
		id TEXT PRIMARY KEY,
		record_kind TEXT NOT NULL,
		record_id TEXT NOT NULL,
		prev_status TEXT NOT NULL,
		new_status TEXT NOT NULL,
		performed_by TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_status_history_record ON status_history(record_kind, record_id);

	CREATE TABLE IF NOT EXISTS edit_history (
		id TEXT PRIMARY KEY,
		item_id TEXT NOT NULL,
		field TEXT NOT NULL,
		prev_value TEXT NOT NULL,
		new_value TEXT NOT NULL,
		performed_by TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_edit_history_item ON edit_history(item_id);

	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		ref_number TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		shift_id TEXT NOT NULL,
		completed_at TEXT,
		removed BOOLEAN NOT NULL DEFAULT FALSE,
		version INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_payments_shift ON payments(shift_id);

	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		payment_id TEXT NOT NULL REFERENCES payments(id),
		method TEXT NOT NULL,
		amount TEXT NOT NULL,
		visitor_count INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		cash_tendered TEXT,
		rrn TEXT NOT NULL DEFAULT '',
		card_transaction_id TEXT NOT NULL DEFAULT '',
		card_number TEXT NOT NULL DEFAULT '',
		cardholder_name TEXT NOT NULL DEFAULT '',
		performed_by TEXT NOT NULL,
		shift_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_payment ON transactions(payment_id);

	CREATE TABLE IF NOT EXISTS refunds (
		id TEXT PRIMARY KEY,
		ref_number TEXT NOT NULL UNIQUE,
		payment_id TEXT NOT NULL REFERENCES payments(id),
		status TEXT NOT NULL,
		reason TEXT NOT NULL,
		requested_by TEXT NOT NULL,
		settled_by TEXT NOT NULL DEFAULT '',
		completed_at TEXT,
		version INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_refunds_payment ON refunds(payment_id);

	CREATE TABLE IF NOT EXISTS allocations (
		id TEXT PRIMARY KEY,
		refund_id TEXT NOT NULL REFERENCES refunds(id),
		record_kind TEXT NOT NULL,
		record_id TEXT NOT NULL,
		visitor_count INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		version INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_allocations_refund ON allocations(refund_id);
	CREATE INDEX IF NOT EXISTS idx_allocations_record ON allocations(record_kind, record_id);

	CREATE TABLE IF NOT EXISTS refund_transactions (
		id TEXT PRIMARY KEY,
		refund_id TEXT NOT NULL REFERENCES refunds(id),
		transaction_id TEXT NOT NULL REFERENCES transactions(id),
		visitor_count INTEGER NOT NULL DEFAULT 0,
		amount TEXT NOT NULL,
		status TEXT NOT NULL,
		processed_by TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_refund_transactions_refund ON refund_transactions(refund_id);
	CREATE INDEX IF NOT EXISTS idx_refund_transactions_transaction ON refund_transactions(transaction_id);

	CREATE TABLE IF NOT EXISTS price_rules (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		start_date TEXT NOT NULL,
		end_date TEXT NOT NULL,
		amount TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_price_rules_dates ON price_rules(start_date, end_date);
	`

	_, err := s.db.Exec(schema)
	return err
}

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// TICKETS
// =============================================================================

func (s *Store) InsertTicket(ctx context.Context, t *entrance.Ticket, h *entrance.StatusHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := claimRef(ctx, tx, t.RefNumber); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO tickets (id, ref_number, status, vehicle_id, payment_id, removed, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.RefNumber, t.Status, t.VehicleID, t.Payment, t.Removed, t.Version,
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert ticket: %w", err)
	}
	if err := insertHistory(ctx, tx, h); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) GetTicket(ctx context.Context, id core.ID) (*entrance.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getTicket(ctx, s.db, "id = ?", id)
}

func (s *Store) GetTicketByRef(ctx context.Context, ref string) (*entrance.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getTicket(ctx, s.db, "ref_number = ?", ref)
}

func getTicket(ctx context.Context, q dbtx, where string, arg any) (*entrance.Ticket, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, ref_number, status, vehicle_id, payment_id, removed, version, created_at, updated_at
		FROM tickets WHERE `+where, arg)
	t, err := scanTicket(row.Scan)
	if err == sql.ErrNoRows {
		return nil, &core.NotFoundError{Entity: "ticket", ID: core.ID(fmt.Sprint(arg))}
	}
	return t, err
}

func scanTicket(scan func(...any) error) (*entrance.Ticket, error) {
	var t entrance.Ticket
	var createdAt, updatedAt string
	if err := scan(&t.ID, &t.RefNumber, &t.Status, &t.VehicleID, &t.Payment,
		&t.Removed, &t.Version, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return &t, nil
}

func (s *Store) UpdateTicket(ctx context.Context, t *entrance.Ticket, h *entrance.StatusHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := updateTicket(ctx, tx, t); err != nil {
		return err
	}
	if h != nil {
		if err := insertHistory(ctx, tx, h); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func updateTicket(ctx context.Context, q dbtx, t *entrance.Ticket) error {
	res, err := q.ExecContext(ctx, `
		UPDATE tickets SET status = ?, payment_id = ?, removed = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		t.Status, t.Payment, t.Removed, formatTime(t.UpdatedAt), t.ID, t.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update ticket: %w", err)
	}
	if err := requireOneRow(ctx, q, res, "tickets", "ticket", t.ID); err != nil {
		return err
	}
	t.Version++
	return nil
}

func (s *Store) ListTicketsByStatus(ctx context.Context, status entrance.TicketStatus) ([]entrance.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryTickets(ctx, "status = ? AND removed = FALSE", status)
}

func (s *Store) ListTicketsByVehicle(ctx context.Context, vehicleID core.ID) ([]entrance.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryTickets(ctx, "vehicle_id = ? AND removed = FALSE", vehicleID)
}

func (s *Store) ListTicketsByDay(ctx context.Context, day time.Time) ([]entrance.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	start := time.Date(day.UTC().Year(), day.UTC().Month(), day.UTC().Day(), 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)
	return s.queryTickets(ctx, "created_at >= ? AND created_at < ? AND removed = FALSE",
		formatTime(start), formatTime(end))
}

func (s *Store) queryTickets(ctx context.Context, where string, args ...any) ([]entrance.Ticket, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ref_number, status, vehicle_id, payment_id, removed, version, created_at, updated_at
		FROM tickets WHERE `+where+` ORDER BY created_at ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tickets: %w", err)
	}
	defer rows.Close()

	var out []entrance.Ticket
	for rows.Next() {
		t, err := scanTicket(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// =============================================================================
// RE-ENTRIES
// =============================================================================

func (s *Store) InsertReEntry(ctx context.Context, r *entrance.ReEntry, h *entrance.StatusHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := claimRef(ctx, tx, r.RefNumber); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO re_entries (id, ref_number, status, ticket_id, vehicle_id, payment_id,
			visitors_left, visitors_returned, completed_at, removed, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.RefNumber, r.Status, r.TicketID, r.VehicleID, r.Payment,
		r.VisitorsLeft, nullInt(r.VisitorsReturned), nullTime(r.CompletedAt),
		r.Removed, r.Version, formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert re-entry: %w", err)
	}
	if err := insertHistory(ctx, tx, h); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) GetReEntry(ctx context.Context, id core.ID) (*entrance.ReEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getReEntry(ctx, s.db, id)
}

func getReEntry(ctx context.Context, q dbtx, id core.ID) (*entrance.ReEntry, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, ref_number, status, ticket_id, vehicle_id, payment_id,
		       visitors_left, visitors_returned, completed_at, removed, version, created_at, updated_at
		FROM re_entries WHERE id = ?`, id)
	r, err := scanReEntry(row.Scan)
	if err == sql.ErrNoRows {
		return nil, &core.NotFoundError{Entity: "re-entry", ID: id}
	}
	return r, err
}

func scanReEntry(scan func(...any) error) (*entrance.ReEntry, error) {
	var r entrance.ReEntry
	var returned sql.NullInt64
	var completedAt sql.NullString
	var createdAt, updatedAt string
	if err := scan(&r.ID, &r.RefNumber, &r.Status, &r.TicketID, &r.VehicleID, &r.Payment,
		&r.VisitorsLeft, &returned, &completedAt, &r.Removed, &r.Version, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if returned.Valid {
		n := int(returned.Int64)
		r.VisitorsReturned = &n
	}
	if completedAt.Valid {
		t := parseTime(completedAt.String)
		r.CompletedAt = &t
	}
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	return &r, nil
}

func (s *Store) UpdateReEntry(ctx context.Context, r *entrance.ReEntry, h *entrance.StatusHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := updateReEntry(ctx, tx, r); err != nil {
		return err
	}
	if h != nil {
		if err := insertHistory(ctx, tx, h); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func updateReEntry(ctx context.Context, q dbtx, r *entrance.ReEntry) error {
	res, err := q.ExecContext(ctx, `
		UPDATE re_entries SET status = ?, payment_id = ?, visitors_returned = ?, completed_at = ?,
			removed = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		r.Status, r.Payment, nullInt(r.VisitorsReturned), nullTime(r.CompletedAt),
		r.Removed, formatTime(r.UpdatedAt), r.ID, r.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update re-entry: %w", err)
	}
	if err := requireOneRow(ctx, q, res, "re_entries", "re-entry", r.ID); err != nil {
		return err
	}
	r.Version++
	return nil
}

func (s *Store) ListReEntriesByTicket(ctx context.Context, ticketID core.ID) ([]entrance.ReEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryReEntries(ctx, "ticket_id = ? AND removed = FALSE", ticketID)
}

func (s *Store) queryReEntries(ctx context.Context, where string, args ...any) ([]entrance.ReEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ref_number, status, ticket_id, vehicle_id, payment_id,
		       visitors_left, visitors_returned, completed_at, removed, version, created_at, updated_at
		FROM re_entries WHERE `+where+` ORDER BY created_at ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query re-entries: %w", err)
	}
	defer rows.Close()

	var out []entrance.ReEntry
	for rows.Next() {
		r, err := scanReEntry(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// =============================================================================
// ITEMS AND HISTORY
// =============================================================================

func (s *Store) InsertItem(ctx context.Context, item *entrance.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO items (id, record_kind, record_id, category, visitor_count, applied_price,
			created_by, removed, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.RecordKind, item.RecordID, item.Category, item.VisitorCount,
		nullMoney(item.AppliedPrice), item.CreatedBy, item.Removed, item.Version,
		formatTime(item.CreatedAt), formatTime(item.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert item: %w", err)
	}
	return nil
}

func (s *Store) GetItem(ctx context.Context, id core.ID) (*entrance.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, record_kind, record_id, category, visitor_count, applied_price,
		       created_by, removed, version, created_at, updated_at
		FROM items WHERE id = ?`, id)
	item, err := scanItem(row.Scan)
	if err == sql.ErrNoRows {
		return nil, &core.NotFoundError{Entity: "item", ID: id}
	}
	return item, err
}

func scanItem(scan func(...any) error) (*entrance.Item, error) {
	var item entrance.Item
	var price sql.NullString
	var createdAt, updatedAt string
	if err := scan(&item.ID, &item.RecordKind, &item.RecordID, &item.Category, &item.VisitorCount,
		&price, &item.CreatedBy, &item.Removed, &item.Version, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if price.Valid {
		m, err := core.MoneyFromString(price.String)
		if err != nil {
			return nil, err
		}
		item.AppliedPrice = &m
	}
	item.CreatedAt = parseTime(createdAt)
	item.UpdatedAt = parseTime(updatedAt)
	return &item, nil
}

func (s *Store) UpdateItem(ctx context.Context, item *entrance.Item, edits []entrance.EditHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE items SET category = ?, visitor_count = ?, applied_price = ?, removed = ?,
			updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		item.Category, item.VisitorCount, nullMoney(item.AppliedPrice), item.Removed,
		formatTime(item.UpdatedAt), item.ID, item.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update item: %w", err)
	}
	if err := requireOneRow(ctx, tx, res, "items", "item", item.ID); err != nil {
		return err
	}
	for i := range edits {
		e := &edits[i]
		_, err := tx.ExecContext(ctx, `
			INSERT INTO edit_history (id, item_id, field, prev_value, new_value, performed_by, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.ItemID, e.Field, e.PrevValue, e.NewValue, e.PerformedBy, formatTime(e.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert edit history: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	item.Version++
	return nil
}

func (s *Store) ListItems(ctx context.Context, kind entrance.RecordKind, recordID core.ID, includeRemoved bool) ([]entrance.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	where := "record_kind = ? AND record_id = ?"
	if !includeRemoved {
		where += " AND removed = FALSE"
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, record_kind, record_id, category, visitor_count, applied_price,
		       created_by, removed, version, created_at, updated_at
		FROM items WHERE `+where+` ORDER BY created_at ASC`, kind, recordID)
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	defer rows.Close()

	var out []entrance.Item
	for rows.Next() {
		item, err := scanItem(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *item)
	}
	return out, rows.Err()
}

func insertHistory(ctx context.Context, q dbtx, h *entrance.StatusHistory) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO status_history (id, record_kind, record_id, prev_status, new_status, performed_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.RecordKind, h.RecordID, h.PrevStatus, h.NewStatus, h.PerformedBy, formatTime(h.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert status history: %w", err)
	}
	return nil
}

func (s *Store) ListStatusHistory(ctx context.Context, kind entrance.RecordKind, recordID core.ID) ([]entrance.StatusHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, record_kind, record_id, prev_status, new_status, performed_by, created_at
		FROM status_history WHERE record_kind = ? AND record_id = ? ORDER BY created_at ASC`,
		kind, recordID)
	if err != nil {
		return nil, fmt.Errorf("failed to query status history: %w", err)
	}
	defer rows.Close()

	var out []entrance.StatusHistory
	for rows.Next() {
		var h entrance.StatusHistory
		var createdAt string
		if err := rows.Scan(&h.ID, &h.RecordKind, &h.RecordID, &h.PrevStatus, &h.NewStatus,
			&h.PerformedBy, &createdAt); err != nil {
			return nil, err
		}
		h.CreatedAt = parseTime(createdAt)
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *Store) ListEditHistory(ctx context.Context, itemID core.ID) ([]entrance.EditHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, item_id, field, prev_value, new_value, performed_by, created_at
		FROM edit_history WHERE item_id = ? ORDER BY created_at ASC`, itemID)
	if err != nil {
		return nil, fmt.Errorf("failed to query edit history: %w", err)
	}
	defer rows.Close()

	var out []entrance.EditHistory
	for rows.Next() {
		var h entrance.EditHistory
		var createdAt string
		if err := rows.Scan(&h.ID, &h.ItemID, &h.Field, &h.PrevValue, &h.NewValue,
			&h.PerformedBy, &createdAt); err != nil {
			return nil, err
		}
		h.CreatedAt = parseTime(createdAt)
		out = append(out, h)
	}
	return out, rows.Err()
}

// =============================================================================
// PRICE CALENDAR
// =============================================================================

// SavePriceRule inserts or replaces a calendar row.
func (s *Store) SavePriceRule(ctx context.Context, r entrance.PriceRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO price_rules (id, kind, start_date, end_date, amount)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			start_date = excluded.start_date,
			end_date = excluded.end_date,
			amount = excluded.amount`,
		r.ID, r.Kind, r.Start.Format("2006-01-02"), r.End.Format("2006-01-02"), r.Amount.String(),
	)
	return err
}

func (s *Store) ListPriceRules(ctx context.Context, at time.Time) ([]entrance.PriceRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	day := at.Format("2006-01-02")
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, start_date, end_date, amount
		FROM price_rules WHERE start_date <= ? AND end_date >= ?`, day, day)
	if err != nil {
		return nil, fmt.Errorf("failed to query price rules: %w", err)
	}
	defer rows.Close()

	var out []entrance.PriceRule
	for rows.Next() {
		var r entrance.PriceRule
		var start, end, amount string
		if err := rows.Scan(&r.ID, &r.Kind, &start, &end, &amount); err != nil {
			return nil, err
		}
		r.Start, _ = time.Parse("2006-01-02", start)
		r.End, _ = time.Parse("2006-01-02", end)
		m, err := core.MoneyFromString(amount)
		if err != nil {
			return nil, err
		}
		r.Amount = m
		out = append(out, r)
	}
	return out, rows.Err()
}

// =============================================================================
// PAYMENTS
// =============================================================================

func (s *Store) InsertPayment(ctx context.Context, p *payments.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := claimRef(ctx, tx, p.RefNumber); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO payments (id, ref_number, status, owner_id, shift_id, completed_at, removed, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.RefNumber, p.Status, p.OwnerID, p.ShiftID, nullTime(p.CompletedAt),
		p.Removed, p.Version, formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	return tx.Commit()
}

func (s *Store) GetPayment(ctx context.Context, id core.ID) (*payments.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getPayment(ctx, s.db, "id = ?", id)
}

func (s *Store) GetPaymentByRef(ctx context.Context, ref string) (*payments.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getPayment(ctx, s.db, "ref_number = ?", ref)
}

func getPayment(ctx context.Context, q dbtx, where string, arg any) (*payments.Payment, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, ref_number, status, owner_id, shift_id, completed_at, removed, version, created_at, updated_at
		FROM payments WHERE `+where, arg)
	p, err := scanPayment(row.Scan)
	if err == sql.ErrNoRows {
		return nil, &core.NotFoundError{Entity: "payment", ID: core.ID(fmt.Sprint(arg))}
	}
	return p, err
}

func scanPayment(scan func(...any) error) (*payments.Payment, error) {
	var p payments.Payment
	var completedAt sql.NullString
	var createdAt, updatedAt string
	if err := scan(&p.ID, &p.RefNumber, &p.Status, &p.OwnerID, &p.ShiftID, &completedAt,
		&p.Removed, &p.Version, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if completedAt.Valid {
		t := parseTime(completedAt.String)
		p.CompletedAt = &t
	}
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

func (s *Store) UpdatePayment(ctx context.Context, p *payments.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updatePayment(ctx, s.db, p)
}

func updatePayment(ctx context.Context, q dbtx, p *payments.Payment) error {
	res, err := q.ExecContext(ctx, `
		UPDATE payments SET status = ?, completed_at = ?, removed = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		p.Status, nullTime(p.CompletedAt), p.Removed, formatTime(p.UpdatedAt), p.ID, p.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update payment: %w", err)
	}
	if err := requireOneRow(ctx, q, res, "payments", "payment", p.ID); err != nil {
		return err
	}
	p.Version++
	return nil
}

func (s *Store) ListPaymentsByShift(ctx context.Context, shiftID core.ID) ([]payments.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ref_number, status, owner_id, shift_id, completed_at, removed, version, created_at, updated_at
		FROM payments WHERE shift_id = ? AND removed = FALSE ORDER BY created_at ASC`, shiftID)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()

	var out []payments.Payment
	for rows.Next() {
		p, err := scanPayment(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *Store) ListOpenPayments(ctx context.Context) ([]payments.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ref_number, status, owner_id, shift_id, completed_at, removed, version, created_at, updated_at
		FROM payments WHERE status IN (?, ?) AND removed = FALSE ORDER BY created_at ASC`,
		payments.PaymentPendingSettlement, payments.PaymentPartiallySettled)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()

	var out []payments.Payment
	for rows.Next() {
		p, err := scanPayment(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// =============================================================================
// RECORD LINKAGE
// =============================================================================

func (s *Store) GetRecord(ctx context.Context, kind entrance.RecordKind, id core.ID) (entrance.Record, error) {
	switch kind {
	case entrance.KindTicket:
		return s.GetTicket(ctx, id)
	case entrance.KindReEntry:
		return s.GetReEntry(ctx, id)
	}
	return nil, &core.NotFoundError{Entity: string(kind), ID: id}
}

func (s *Store) UpdateRecordPayment(ctx context.Context, rec entrance.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateRecord(ctx, s.db, rec)
}

func updateRecord(ctx context.Context, q dbtx, rec entrance.Record) error {
	switch r := rec.(type) {
	case *entrance.Ticket:
		return updateTicket(ctx, q, r)
	case *entrance.ReEntry:
		return updateReEntry(ctx, q, r)
	}
	return &core.NotFoundError{Entity: "record", ID: rec.RecordID()}
}

func (s *Store) ListRecordsByPayment(ctx context.Context, paymentID core.ID) ([]entrance.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tickets, err := s.queryTickets(ctx, "payment_id = ? AND removed = FALSE", paymentID)
	if err != nil {
		return nil, err
	}
	reEntries, err := s.queryReEntries(ctx, "payment_id = ? AND removed = FALSE", paymentID)
	if err != nil {
		return nil, err
	}

	out := make([]entrance.Record, 0, len(tickets)+len(reEntries))
	for i := range tickets {
		out = append(out, &tickets[i])
	}
	for i := range reEntries {
		out = append(out, &reEntries[i])
	}
	return out, nil
}

func (s *Store) ListRecordItems(ctx context.Context, kind entrance.RecordKind, recordID core.ID) ([]entrance.Item, error) {
	return s.ListItems(ctx, kind, recordID, false)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func (s *Store) InsertTransaction(ctx context.Context, txItem *payments.TransactionItem, p *payments.Payment,
	records []entrance.Record, histories []*entrance.StatusHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO transactions (id, payment_id, method, amount, visitor_count, status,
			cash_tendered, rrn, card_transaction_id, card_number, cardholder_name,
			performed_by, shift_id, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		txItem.ID, txItem.PaymentID, txItem.Method, txItem.Amount.String(), txItem.VisitorCount,
		txItem.Status, nullMoney(txItem.CashTendered), txItem.RRN, txItem.CardTransactionID,
		txItem.CardNumber, txItem.CardholderName, txItem.PerformedBy, txItem.ShiftID,
		txItem.Version, formatTime(txItem.CreatedAt), formatTime(txItem.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	if err := updatePayment(ctx, tx, p); err != nil {
		return err
	}
	for _, rec := range records {
		if err := updateRecord(ctx, tx, rec); err != nil {
			return err
		}
	}
	for _, h := range histories {
		if err := insertHistory(ctx, tx, h); err != nil {
			return err
		}
	}
	return tx.Commit()
}

const transactionSelect = `
	SELECT id, payment_id, method, amount, visitor_count, status, cash_tendered,
	       rrn, card_transaction_id, card_number, cardholder_name,
	       performed_by, shift_id, version, created_at, updated_at
	FROM transactions`

func (s *Store) GetTransaction(ctx context.Context, id core.ID) (*payments.TransactionItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, transactionSelect+" WHERE id = ?", id)
	t, err := scanTransaction(row.Scan)
	if err == sql.ErrNoRows {
		return nil, &core.NotFoundError{Entity: "transaction", ID: id}
	}
	return t, err
}

func scanTransaction(scan func(...any) error) (*payments.TransactionItem, error) {
	var t payments.TransactionItem
	var amount string
	var tendered sql.NullString
	var createdAt, updatedAt string
	if err := scan(&t.ID, &t.PaymentID, &t.Method, &amount, &t.VisitorCount, &t.Status, &tendered,
		&t.RRN, &t.CardTransactionID, &t.CardNumber, &t.CardholderName,
		&t.PerformedBy, &t.ShiftID, &t.Version, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	m, err := core.MoneyFromString(amount)
	if err != nil {
		return nil, err
	}
	t.Amount = m
	if tendered.Valid {
		m, err := core.MoneyFromString(tendered.String)
		if err != nil {
			return nil, err
		}
		t.CashTendered = &m
	}
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return &t, nil
}

func (s *Store) ListTransactions(ctx context.Context, paymentID core.ID) ([]payments.TransactionItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, transactionSelect+" WHERE payment_id = ? ORDER BY created_at ASC", paymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var out []payments.TransactionItem
	for rows.Next() {
		t, err := scanTransaction(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func updateTransaction(ctx context.Context, q dbtx, t *payments.TransactionItem) error {
	res, err := q.ExecContext(ctx, `
		UPDATE transactions SET status = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		t.Status, formatTime(t.UpdatedAt), t.ID, t.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update transaction: %w", err)
	}
	if err := requireOneRow(ctx, q, res, "transactions", "transaction", t.ID); err != nil {
		return err
	}
	t.Version++
	return nil
}

// =============================================================================
// REFUNDS
// =============================================================================

func (s *Store) InsertRefund(ctx context.Context, r *payments.Refund, seed *payments.VehicleAllocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := claimRef(ctx, tx, r.RefNumber); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO refunds (id, ref_number, payment_id, status, reason, requested_by, settled_by,
			completed_at, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.RefNumber, r.PaymentID, r.Status, r.Reason, r.RequestedBy, r.SettledBy,
		nullTime(r.CompletedAt), r.Version, formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert refund: %w", err)
	}
	if seed != nil {
		if err := insertAllocation(ctx, tx, seed); err != nil {
			return err
		}
	}
	return tx.Commit()
}

const refundSelect = `
	SELECT id, ref_number, payment_id, status, reason, requested_by, settled_by,
	       completed_at, version, created_at, updated_at
	FROM refunds`

func (s *Store) GetRefund(ctx context.Context, id core.ID) (*payments.Refund, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, refundSelect+" WHERE id = ?", id)
	r, err := scanRefund(row.Scan)
	if err == sql.ErrNoRows {
		return nil, &core.NotFoundError{Entity: "refund", ID: id}
	}
	return r, err
}

func (s *Store) GetActiveRefund(ctx context.Context, paymentID core.ID) (*payments.Refund, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, refundSelect+`
		WHERE payment_id = ? AND status IN (?, ?, ?) LIMIT 1`,
		paymentID, payments.RefundPendingAllocations, payments.RefundPendingTransactions,
		payments.RefundPendingSettlement)
	r, err := scanRefund(row.Scan)
	if err == sql.ErrNoRows {
		return nil, &core.NotFoundError{Entity: "refund", ParentID: paymentID}
	}
	return r, err
}

func (s *Store) ListRefundsByPayment(ctx context.Context, paymentID core.ID) ([]payments.Refund, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, refundSelect+" WHERE payment_id = ? ORDER BY created_at ASC", paymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query refunds: %w", err)
	}
	defer rows.Close()

	var out []payments.Refund
	for rows.Next() {
		r, err := scanRefund(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func scanRefund(scan func(...any) error) (*payments.Refund, error) {
	var r payments.Refund
	var completedAt sql.NullString
	var createdAt, updatedAt string
	if err := scan(&r.ID, &r.RefNumber, &r.PaymentID, &r.Status, &r.Reason, &r.RequestedBy,
		&r.SettledBy, &completedAt, &r.Version, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if completedAt.Valid {
		t := parseTime(completedAt.String)
		r.CompletedAt = &t
	}
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	return &r, nil
}

func updateRefund(ctx context.Context, q dbtx, r *payments.Refund) error {
	res, err := q.ExecContext(ctx, `
		UPDATE refunds SET status = ?, settled_by = ?, completed_at = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		r.Status, r.SettledBy, nullTime(r.CompletedAt), formatTime(r.UpdatedAt), r.ID, r.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update refund: %w", err)
	}
	if err := requireOneRow(ctx, q, res, "refunds", "refund", r.ID); err != nil {
		return err
	}
	r.Version++
	return nil
}

// =============================================================================
// ALLOCATIONS
// =============================================================================

func (s *Store) InsertAllocation(ctx context.Context, a *payments.VehicleAllocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return insertAllocation(ctx, s.db, a)
}

func insertAllocation(ctx context.Context, q dbtx, a *payments.VehicleAllocation) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO allocations (id, refund_id, record_kind, record_id, visitor_count, status, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.RefundID, a.RecordKind, a.RecordID, a.VisitorCount, a.Status, a.Version,
		formatTime(a.CreatedAt), formatTime(a.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert allocation: %w", err)
	}
	return nil
}

const allocationSelect = `
	SELECT id, refund_id, record_kind, record_id, visitor_count, status, version, created_at, updated_at
	FROM allocations`

func (s *Store) GetAllocation(ctx context.Context, id core.ID) (*payments.VehicleAllocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, allocationSelect+" WHERE id = ?", id)
	a, err := scanAllocation(row.Scan)
	if err == sql.ErrNoRows {
		return nil, &core.NotFoundError{Entity: "allocation", ID: id}
	}
	return a, err
}

func (s *Store) ListAllocations(ctx context.Context, refundID core.ID) ([]payments.VehicleAllocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryAllocations(ctx, "refund_id = ?", refundID)
}

func (s *Store) ListAllocationsByRecord(ctx context.Context, kind entrance.RecordKind, recordID core.ID) ([]payments.VehicleAllocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryAllocations(ctx, "record_kind = ? AND record_id = ?", kind, recordID)
}

func (s *Store) queryAllocations(ctx context.Context, where string, args ...any) ([]payments.VehicleAllocation, error) {
	rows, err := s.db.QueryContext(ctx, allocationSelect+" WHERE "+where+" ORDER BY created_at ASC", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query allocations: %w", err)
	}
	defer rows.Close()

	var out []payments.VehicleAllocation
	for rows.Next() {
		a, err := scanAllocation(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func scanAllocation(scan func(...any) error) (*payments.VehicleAllocation, error) {
	var a payments.VehicleAllocation
	var createdAt, updatedAt string
	if err := scan(&a.ID, &a.RefundID, &a.RecordKind, &a.RecordID, &a.VisitorCount,
		&a.Status, &a.Version, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return &a, nil
}

func (s *Store) UpdateAllocation(ctx context.Context, a *payments.VehicleAllocation, r *payments.Refund) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := updateAllocation(ctx, tx, a); err != nil {
		return err
	}
	if r != nil {
		if err := updateRefund(ctx, tx, r); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func updateAllocation(ctx context.Context, q dbtx, a *payments.VehicleAllocation) error {
	res, err := q.ExecContext(ctx, `
		UPDATE allocations SET visitor_count = ?, status = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		a.VisitorCount, a.Status, formatTime(a.UpdatedAt), a.ID, a.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update allocation: %w", err)
	}
	if err := requireOneRow(ctx, q, res, "allocations", "allocation", a.ID); err != nil {
		return err
	}
	a.Version++
	return nil
}

// =============================================================================
// REFUND TRANSACTIONS
// =============================================================================

func (s *Store) InsertRefundTransactions(ctx context.Context, rows []payments.RefundTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for i := range rows {
		rt := &rows[i]
		_, err := tx.ExecContext(ctx, `
			INSERT INTO refund_transactions (id, refund_id, transaction_id, visitor_count, amount, status, processed_by, version, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rt.ID, rt.RefundID, rt.TransactionID, rt.VisitorCount, rt.Amount.String(), rt.Status,
			rt.ProcessedBy, rt.Version, formatTime(rt.CreatedAt), formatTime(rt.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert refund transaction: %w", err)
		}
	}
	return tx.Commit()
}

const refundTxSelect = `
	SELECT id, refund_id, transaction_id, visitor_count, amount, status, processed_by, version, created_at, updated_at
	FROM refund_transactions`

func (s *Store) GetRefundTransaction(ctx context.Context, id core.ID) (*payments.RefundTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, refundTxSelect+" WHERE id = ?", id)
	rt, err := scanRefundTx(row.Scan)
	if err == sql.ErrNoRows {
		return nil, &core.NotFoundError{Entity: "refund transaction", ID: id}
	}
	return rt, err
}

func (s *Store) ListRefundTransactions(ctx context.Context, refundID core.ID) ([]payments.RefundTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryRefundTxs(ctx, "refund_id = ?", refundID)
}

func (s *Store) ListRefundTransactionsByTransaction(ctx context.Context, transactionID core.ID) ([]payments.RefundTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryRefundTxs(ctx, "transaction_id = ?", transactionID)
}

func (s *Store) queryRefundTxs(ctx context.Context, where string, args ...any) ([]payments.RefundTransaction, error) {
	rows, err := s.db.QueryContext(ctx, refundTxSelect+" WHERE "+where+" ORDER BY created_at ASC", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query refund transactions: %w", err)
	}
	defer rows.Close()

	var out []payments.RefundTransaction
	for rows.Next() {
		rt, err := scanRefundTx(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *rt)
	}
	return out, rows.Err()
}

func scanRefundTx(scan func(...any) error) (*payments.RefundTransaction, error) {
	var rt payments.RefundTransaction
	var amount string
	var createdAt, updatedAt string
	if err := scan(&rt.ID, &rt.RefundID, &rt.TransactionID, &rt.VisitorCount, &amount, &rt.Status,
		&rt.ProcessedBy, &rt.Version, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	m, err := core.MoneyFromString(amount)
	if err != nil {
		return nil, err
	}
	rt.Amount = m
	rt.CreatedAt = parseTime(createdAt)
	rt.UpdatedAt = parseTime(updatedAt)
	return &rt, nil
}

func (s *Store) UpdateRefundTransaction(ctx context.Context, rt *payments.RefundTransaction, r *payments.Refund) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := updateRefundTx(ctx, tx, rt); err != nil {
		return err
	}
	if r != nil {
		if err := updateRefund(ctx, tx, r); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func updateRefundTx(ctx context.Context, q dbtx, rt *payments.RefundTransaction) error {
	res, err := q.ExecContext(ctx, `
		UPDATE refund_transactions SET status = ?, processed_by = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		rt.Status, rt.ProcessedBy, formatTime(rt.UpdatedAt), rt.ID, rt.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update refund transaction: %w", err)
	}
	if err := requireOneRow(ctx, q, res, "refund_transactions", "refund transaction", rt.ID); err != nil {
		return err
	}
	rt.Version++
	return nil
}

// =============================================================================
// COMPOSITE REFUND UNITS
// =============================================================================

func (s *Store) UpdateRefundCascade(ctx context.Context, r *payments.Refund,
	allocs []payments.VehicleAllocation, refundTxs []payments.RefundTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := applyRefundCascade(ctx, tx, r, allocs, refundTxs); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) CompleteRefund(ctx context.Context, r *payments.Refund,
	allocs []payments.VehicleAllocation, refundTxs []payments.RefundTransaction,
	txs []payments.TransactionItem, p *payments.Payment,
	records []entrance.Record, histories []*entrance.StatusHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := applyRefundCascade(ctx, tx, r, allocs, refundTxs); err != nil {
		return err
	}
	for i := range txs {
		if err := updateTransaction(ctx, tx, &txs[i]); err != nil {
			return err
		}
	}
	if err := updatePayment(ctx, tx, p); err != nil {
		return err
	}
	for _, rec := range records {
		if err := updateRecord(ctx, tx, rec); err != nil {
			return err
		}
	}
	for _, h := range histories {
		if err := insertHistory(ctx, tx, h); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func applyRefundCascade(ctx context.Context, tx dbtx, r *payments.Refund,
	allocs []payments.VehicleAllocation, refundTxs []payments.RefundTransaction) error {
	if err := updateRefund(ctx, tx, r); err != nil {
		return err
	}
	for i := range allocs {
		if err := updateAllocation(ctx, tx, &allocs[i]); err != nil {
			return err
		}
	}
	for i := range refundTxs {
		if err := updateRefundTx(ctx, tx, &refundTxs[i]); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// claimRef inserts the reference into the shared namespace; a duplicate
// surfaces as core.ErrReferenceCollision for the bounded retry.
func claimRef(ctx context.Context, q dbtx, ref string) error {
	_, err := q.ExecContext(ctx, "INSERT INTO refs (ref) VALUES (?)", ref)
	if err != nil {
		if isUniqueConstraintError(err) {
			return core.ErrReferenceCollision
		}
		return fmt.Errorf("failed to claim reference: %w", err)
	}
	return nil
}

// requireOneRow classifies a zero-row UPDATE: missing row or stale version.
func requireOneRow(ctx context.Context, q dbtx, res sql.Result, table, entity string, id core.ID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var count int
	if err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table+" WHERE id = ?", id).Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		return &core.NotFoundError{Entity: entity, ID: id}
	}
	return core.ErrStaleState
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullInt(n *int) any {
	if n == nil {
		return nil
	}
	return *n
}

func nullMoney(m *core.Money) any {
	if m == nil {
		return nil
	}
	return m.String()
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
