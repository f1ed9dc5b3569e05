// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides banking and call-record persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One connection serializes writers, so transfers never see SQLITE_BUSY
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id            TEXT PRIMARY KEY,
			name          TEXT NOT NULL,
			email         TEXT NOT NULL DEFAULT '',
			address       TEXT NOT NULL DEFAULT '',
			date_of_birth TEXT NOT NULL DEFAULT '',
			created_at    TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS accounts (
			id            TEXT PRIMARY KEY,
			user_id       TEXT NOT NULL,
			type          TEXT NOT NULL,
			balance_cents INTEGER NOT NULL,
			created_at    TEXT NOT NULL,
			FOREIGN KEY (user_id) REFERENCES users(id),
			CHECK (balance_cents >= 0)
		);

		CREATE INDEX IF NOT EXISTS idx_accounts_user_id ON accounts(user_id);

		CREATE TABLE IF NOT EXISTS statements (
			account_id            TEXT NOT NULL,
			period                TEXT NOT NULL,
			closing_balance_cents INTEGER NOT NULL,
			document_url          TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (account_id, period),
			FOREIGN KEY (account_id) REFERENCES accounts(id)
		);

		CREATE TABLE IF NOT EXISTS payments (
			id           TEXT PRIMARY KEY,
			from_account TEXT NOT NULL,
			to_account   TEXT NOT NULL,
			amount_cents INTEGER NOT NULL,
			date         TEXT NOT NULL,
			status       TEXT NOT NULL,
			created_at   TEXT NOT NULL,

			CHECK (status IN ('Pending', 'Completed', 'Scheduled', 'Canceled'))
		);

		CREATE TABLE IF NOT EXISTS applications (
			id           TEXT PRIMARY KEY,
			user_id      TEXT NOT NULL,
			kind         TEXT NOT NULL,
			amount_cents INTEGER NOT NULL,
			purpose      TEXT NOT NULL DEFAULT '',
			term_years   INTEGER NOT NULL DEFAULT 0,
			card_type    TEXT NOT NULL DEFAULT '',
			status       TEXT NOT NULL,
			created_at   TEXT NOT NULL,

			CHECK (kind IN ('loan', 'credit_card'))
		);

		CREATE TABLE IF NOT EXISTS calls (
			call_id       TEXT PRIMARY KEY,
			from_number   TEXT NOT NULL DEFAULT '',
			user_id       TEXT NOT NULL DEFAULT '',
			final_handler TEXT NOT NULL DEFAULT '',
			turns         INTEGER NOT NULL DEFAULT 0,
			transcript    TEXT NOT NULL DEFAULT '[]',
			started_at    TEXT NOT NULL,
			ended_at      TEXT NOT NULL
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// migrations are applied in order; PRAGMA user_version records how many ran.
var migrations = []string{
	`CREATE INDEX IF NOT EXISTS idx_payments_from_account ON payments(from_account)`,
	`CREATE INDEX IF NOT EXISTS idx_applications_user_id ON applications(user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_calls_started_at ON calls(started_at)`,
}

// runMigrations applies schema changes for databases created by older versions
func (s *SQLiteStore) runMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	for i := version; i < len(migrations); i++ {
		if _, err := s.db.Exec(migrations[i]); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		// PRAGMA does not accept bound parameters
		if _, err := s.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			return fmt.Errorf("recording schema version %d: %w", i+1, err)
		}
		s.logger.Debug("applied migration", "version", i+1)
	}

	return nil
}

// Ping checks that the database is reachable
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// GetUser retrieves a user by ID (normalized phone number)
func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*User, error) {
	var u User
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, email, address, date_of_birth, created_at
		FROM users WHERE id = ?
	`, id).Scan(&u.ID, &u.Name, &u.Email, &u.Address, &u.DateOfBirth, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}

	u.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing user created_at: %w", err)
	}
	return &u, nil
}

// PutUser inserts or replaces a user
func (s *SQLiteStore) PutUser(ctx context.Context, user *User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, email, address, date_of_birth, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			address = excluded.address,
			date_of_birth = excluded.date_of_birth
	`, user.ID, user.Name, user.Email, user.Address, user.DateOfBirth,
		user.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("saving user: %w", err)
	}
	return nil
}

// GetAccount retrieves an account by ID
func (s *SQLiteStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, type, balance_cents, created_at
		FROM accounts WHERE id = ?
	`, id)
	acct, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying account: %w", err)
	}
	return acct, nil
}

// ListAccounts returns a user's accounts ordered by ID
func (s *SQLiteStore) ListAccounts(ctx context.Context, userID string) ([]*Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, type, balance_cents, created_at
		FROM accounts WHERE user_id = ?
		ORDER BY id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning account: %w", err)
		}
		accounts = append(accounts, acct)
	}
	return accounts, rows.Err()
}

// PutAccount inserts or replaces an account
func (s *SQLiteStore) PutAccount(ctx context.Context, account *Account) error {
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, user_id, type, balance_cents, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			type = excluded.type,
			balance_cents = excluded.balance_cents
	`, account.ID, account.UserID, account.Type, account.BalanceCents,
		account.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("saving account: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*Account, error) {
	var a Account
	var createdAt string
	if err := row.Scan(&a.ID, &a.UserID, &a.Type, &a.BalanceCents, &createdAt); err != nil {
		return nil, err
	}
	var err error
	a.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing account created_at: %w", err)
	}
	return &a, nil
}

// ListStatements returns an account's statements, newest period first
func (s *SQLiteStore) ListStatements(ctx context.Context, accountID string) ([]*Statement, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT account_id, period, closing_balance_cents, document_url
		FROM statements WHERE account_id = ?
		ORDER BY period DESC
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("querying statements: %w", err)
	}
	defer rows.Close()

	var stmts []*Statement
	for rows.Next() {
		var st Statement
		if err := rows.Scan(&st.AccountID, &st.Period, &st.ClosingBalanceCents, &st.DocumentURL); err != nil {
			return nil, fmt.Errorf("scanning statement: %w", err)
		}
		stmts = append(stmts, &st)
	}
	return stmts, rows.Err()
}

// PutStatement inserts or replaces a statement
func (s *SQLiteStore) PutStatement(ctx context.Context, stmt *Statement) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO statements (account_id, period, closing_balance_cents, document_url)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(account_id, period) DO UPDATE SET
			closing_balance_cents = excluded.closing_balance_cents,
			document_url = excluded.document_url
	`, stmt.AccountID, stmt.Period, stmt.ClosingBalanceCents, stmt.DocumentURL)
	if err != nil {
		return fmt.Errorf("saving statement: %w", err)
	}
	return nil
}

// Transfer moves funds between two accounts in one transaction and records a
// Completed payment. Returns ErrNotFound for an unknown account and
// ErrInsufficientFunds when the source balance is too low.
func (s *SQLiteStore) Transfer(ctx context.Context, fromID, toID string, amountCents int64) (*Payment, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transfer: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var fromBalance int64
	err = tx.QueryRowContext(ctx, `SELECT balance_cents FROM accounts WHERE id = ?`, fromID).Scan(&fromBalance)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("source account %s: %w", fromID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading source balance: %w", err)
	}

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM accounts WHERE id = ?`, toID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("destination account %s: %w", toID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading destination account: %w", err)
	}

	if fromBalance < amountCents {
		return nil, ErrInsufficientFunds
	}

	if _, err := tx.ExecContext(ctx, `UPDATE accounts SET balance_cents = balance_cents - ? WHERE id = ?`, amountCents, fromID); err != nil {
		return nil, fmt.Errorf("debiting source: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE accounts SET balance_cents = balance_cents + ? WHERE id = ?`, amountCents, toID); err != nil {
		return nil, fmt.Errorf("crediting destination: %w", err)
	}

	payment := &Payment{
		FromAccount: fromID,
		ToAccount:   toID,
		AmountCents: amountCents,
		Date:        today(),
		Status:      PaymentCompleted,
		CreatedAt:   time.Now(),
	}
	if err := insertPayment(ctx, tx, payment); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transfer: %w", err)
	}
	return payment, nil
}

// CreatePayment records a payment without moving funds (scheduled or pending).
// An empty ID is assigned the next PAY### value.
func (s *SQLiteStore) CreatePayment(ctx context.Context, payment *Payment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning payment: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = time.Now()
	}
	if err := insertPayment(ctx, tx, payment); err != nil {
		return err
	}
	return tx.Commit()
}

func insertPayment(ctx context.Context, tx *sql.Tx, payment *Payment) error {
	if payment.ID == "" {
		id, err := nextPaymentID(ctx, tx)
		if err != nil {
			return err
		}
		payment.ID = id
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO payments (id, from_account, to_account, amount_cents, date, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, payment.ID, payment.FromAccount, payment.ToAccount, payment.AmountCents,
		payment.Date, string(payment.Status), payment.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("inserting payment: %w", err)
	}
	return nil
}

func nextPaymentID(ctx context.Context, tx *sql.Tx) (string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM payments WHERE id LIKE 'PAY%'`)
	if err != nil {
		return "", fmt.Errorf("reading payment ids: %w", err)
	}
	defer rows.Close()

	highest := 0
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", fmt.Errorf("scanning payment id: %w", err)
		}
		if n, err := strconv.Atoi(strings.TrimPrefix(id, "PAY")); err == nil && n > highest {
			highest = n
		}
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	return formatPaymentID(highest + 1), nil
}

// GetPayment retrieves a payment by ID
func (s *SQLiteStore) GetPayment(ctx context.Context, id string) (*Payment, error) {
	return getPayment(ctx, s.db, id)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getPayment(ctx context.Context, q queryRower, id string) (*Payment, error) {
	var p Payment
	var status, createdAt string
	err := q.QueryRowContext(ctx, `
		SELECT id, from_account, to_account, amount_cents, date, status, created_at
		FROM payments WHERE id = ?
	`, id).Scan(&p.ID, &p.FromAccount, &p.ToAccount, &p.AmountCents, &p.Date, &status, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying payment: %w", err)
	}
	p.Status = PaymentStatus(status)
	p.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing payment created_at: %w", err)
	}
	return &p, nil
}

// CancelPayment marks a pending or scheduled payment as Canceled
func (s *SQLiteStore) CancelPayment(ctx context.Context, id string) (*Payment, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning cancel: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	p, err := getPayment(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if !p.Status.Cancelable() {
		return nil, fmt.Errorf("payment %s is %s: %w", id, p.Status, ErrNotCancelable)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE payments SET status = ? WHERE id = ?`, string(PaymentCanceled), id); err != nil {
		return nil, fmt.Errorf("canceling payment: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing cancel: %w", err)
	}

	p.Status = PaymentCanceled
	return p, nil
}

// CreateApplication stores a new application
func (s *SQLiteStore) CreateApplication(ctx context.Context, app *Application) error {
	if app.CreatedAt.IsZero() {
		app.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO applications (id, user_id, kind, amount_cents, purpose, term_years, card_type, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, app.ID, app.UserID, app.Kind, app.AmountCents, app.Purpose, app.TermYears,
		app.CardType, app.Status, app.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("inserting application: %w", err)
	}
	return nil
}

// GetApplication retrieves an application by ID
func (s *SQLiteStore) GetApplication(ctx context.Context, id string) (*Application, error) {
	var a Application
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, kind, amount_cents, purpose, term_years, card_type, status, created_at
		FROM applications WHERE id = ?
	`, id).Scan(&a.ID, &a.UserID, &a.Kind, &a.AmountCents, &a.Purpose, &a.TermYears,
		&a.CardType, &a.Status, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying application: %w", err)
	}
	a.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing application created_at: %w", err)
	}
	return &a, nil
}

// SaveCall inserts or replaces a call record
func (s *SQLiteStore) SaveCall(ctx context.Context, call *CallRecord) error {
	transcript := call.Transcript
	if transcript == "" {
		transcript = "[]"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO calls (call_id, from_number, user_id, final_handler, turns, transcript, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(call_id) DO UPDATE SET
			from_number = excluded.from_number,
			user_id = excluded.user_id,
			final_handler = excluded.final_handler,
			turns = calls.turns + excluded.turns,
			transcript = excluded.transcript,
			ended_at = excluded.ended_at
	`, call.CallID, call.FromNumber, call.UserID, call.FinalHandler, call.Turns, transcript,
		call.StartedAt.UTC().Format(time.RFC3339Nano), call.EndedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("saving call: %w", err)
	}
	return nil
}

// GetCall retrieves a call record by call ID
func (s *SQLiteStore) GetCall(ctx context.Context, callID string) (*CallRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT call_id, from_number, user_id, final_handler, turns, transcript, started_at, ended_at
		FROM calls WHERE call_id = ?
	`, callID)
	call, err := scanCall(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying call: %w", err)
	}
	return call, nil
}

// ListCalls returns the most recent call records, newest first
func (s *SQLiteStore) ListCalls(ctx context.Context, limit int) ([]*CallRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT call_id, from_number, user_id, final_handler, turns, transcript, started_at, ended_at
		FROM calls
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying calls: %w", err)
	}
	defer rows.Close()

	var calls []*CallRecord
	for rows.Next() {
		call, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning call: %w", err)
		}
		calls = append(calls, call)
	}
	return calls, rows.Err()
}

func scanCall(row rowScanner) (*CallRecord, error) {
	var c CallRecord
	var startedAt, endedAt string
	if err := row.Scan(&c.CallID, &c.FromNumber, &c.UserID, &c.FinalHandler, &c.Turns,
		&c.Transcript, &startedAt, &endedAt); err != nil {
		return nil, err
	}
	var err error
	if c.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
		return nil, fmt.Errorf("parsing call started_at: %w", err)
	}
	if c.EndedAt, err = time.Parse(time.RFC3339Nano, endedAt); err != nil {
		return nil, fmt.Errorf("parsing call ended_at: %w", err)
	}
	return &c, nil
}

// Compile-time check that SQLiteStore implements Store
var _ Store = (*SQLiteStore)(nil)
