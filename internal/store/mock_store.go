// ABOUTME: Mock Store implementation for testing and database-less runs
// ABOUTME: Keeps all banking data in memory behind a single mutex

package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation.
// It backs tests and the gateway when no database path is configured.
type MockStore struct {
	mu           sync.RWMutex
	users        map[string]*User        // keyed by user ID (phone)
	accounts     map[string]*Account     // keyed by account ID
	statements   map[string][]*Statement // keyed by account ID
	payments     map[string]*Payment     // keyed by payment ID
	applications map[string]*Application // keyed by application ID
	calls        map[string]*CallRecord  // keyed by call ID

	// TransferHook, when set, runs before a transfer and can inject a failure.
	TransferHook func(fromID, toID string, amountCents int64) error
}

// NewMockStore creates a new empty MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		users:        make(map[string]*User),
		accounts:     make(map[string]*Account),
		statements:   make(map[string][]*Statement),
		payments:     make(map[string]*Payment),
		applications: make(map[string]*Application),
		calls:        make(map[string]*CallRecord),
	}
}

// GetUser retrieves a user by ID.
func (m *MockStore) GetUser(ctx context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

// PutUser inserts or replaces a user.
func (m *MockStore) PutUser(ctx context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now()
	}
	cp := *user
	m.users[cp.ID] = &cp
	return nil
}

// GetAccount retrieves an account by ID.
func (m *MockStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

// ListAccounts returns a user's accounts ordered by ID.
func (m *MockStore) ListAccounts(ctx context.Context, userID string) ([]*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Account
	for _, a := range m.accounts {
		if a.UserID == userID {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// PutAccount inserts or replaces an account.
func (m *MockStore) PutAccount(ctx context.Context, account *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now()
	}
	cp := *account
	m.accounts[cp.ID] = &cp
	return nil
}

// ListStatements returns an account's statements, newest period first.
func (m *MockStore) ListStatements(ctx context.Context, accountID string) ([]*Statement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	src := m.statements[accountID]
	out := make([]*Statement, 0, len(src))
	for _, st := range src {
		cp := *st
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Period > out[j].Period })
	return out, nil
}

// PutStatement inserts or replaces a statement.
func (m *MockStore) PutStatement(ctx context.Context, stmt *Statement) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *stmt
	existing := m.statements[cp.AccountID]
	for i, st := range existing {
		if st.Period == cp.Period {
			existing[i] = &cp
			return nil
		}
	}
	m.statements[cp.AccountID] = append(existing, &cp)
	return nil
}

// Transfer moves funds atomically and records a Completed payment.
func (m *MockStore) Transfer(ctx context.Context, fromID, toID string, amountCents int64) (*Payment, error) {
	if m.TransferHook != nil {
		if err := m.TransferHook(fromID, toID, amountCents); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	from, ok := m.accounts[fromID]
	if !ok {
		return nil, fmt.Errorf("source account %s: %w", fromID, ErrNotFound)
	}
	to, ok := m.accounts[toID]
	if !ok {
		return nil, fmt.Errorf("destination account %s: %w", toID, ErrNotFound)
	}
	if from.BalanceCents < amountCents {
		return nil, ErrInsufficientFunds
	}

	from.BalanceCents -= amountCents
	to.BalanceCents += amountCents

	p := &Payment{
		ID:          m.nextPaymentIDLocked(),
		FromAccount: fromID,
		ToAccount:   toID,
		AmountCents: amountCents,
		Date:        today(),
		Status:      PaymentCompleted,
		CreatedAt:   time.Now(),
	}
	m.payments[p.ID] = p
	cp := *p
	return &cp, nil
}

// CreatePayment records a payment without moving funds.
func (m *MockStore) CreatePayment(ctx context.Context, payment *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if payment.ID == "" {
		payment.ID = m.nextPaymentIDLocked()
	}
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = time.Now()
	}
	if _, exists := m.payments[payment.ID]; exists {
		return fmt.Errorf("payment %s already exists", payment.ID)
	}
	cp := *payment
	m.payments[cp.ID] = &cp
	return nil
}

func (m *MockStore) nextPaymentIDLocked() string {
	highest := 0
	for id := range m.payments {
		if n, err := strconv.Atoi(strings.TrimPrefix(id, "PAY")); err == nil && n > highest {
			highest = n
		}
	}
	return formatPaymentID(highest + 1)
}

// GetPayment retrieves a payment by ID.
func (m *MockStore) GetPayment(ctx context.Context, id string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.payments[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// CancelPayment marks a pending or scheduled payment as Canceled.
func (m *MockStore) CancelPayment(ctx context.Context, id string) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !p.Status.Cancelable() {
		return nil, fmt.Errorf("payment %s is %s: %w", id, p.Status, ErrNotCancelable)
	}
	p.Status = PaymentCanceled
	cp := *p
	return &cp, nil
}

// CreateApplication stores a new application.
func (m *MockStore) CreateApplication(ctx context.Context, app *Application) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if app.CreatedAt.IsZero() {
		app.CreatedAt = time.Now()
	}
	cp := *app
	m.applications[cp.ID] = &cp
	return nil
}

// GetApplication retrieves an application by ID.
func (m *MockStore) GetApplication(ctx context.Context, id string) (*Application, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.applications[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

// SaveCall inserts or replaces a call record, accumulating turns across reconnects.
func (m *MockStore) SaveCall(ctx context.Context, call *CallRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *call
	if prev, ok := m.calls[cp.CallID]; ok {
		cp.Turns += prev.Turns
		cp.StartedAt = prev.StartedAt
	}
	m.calls[cp.CallID] = &cp
	return nil
}

// GetCall retrieves a call record by call ID.
func (m *MockStore) GetCall(ctx context.Context, callID string) (*CallRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.calls[callID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// ListCalls returns the most recent call records, newest first.
func (m *MockStore) ListCalls(ctx context.Context, limit int) ([]*CallRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*CallRecord, 0, len(m.calls))
	for _, c := range m.calls {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Ping always succeeds.
func (m *MockStore) Ping(ctx context.Context) error { return nil }

// Close is a no-op.
func (m *MockStore) Close() error { return nil }

// Compile-time check that MockStore implements Store
var _ Store = (*MockStore)(nil)
