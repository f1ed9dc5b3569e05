// ABOUTME: Store interface and data types for the banking data collaborator
// ABOUTME: Defines users, accounts, statements, payments, applications and call records

package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrInsufficientFunds is returned when a transfer would overdraw the source account
var ErrInsufficientFunds = errors.New("insufficient funds")

// ErrNotCancelable is returned when cancelling a payment that already settled or was canceled
var ErrNotCancelable = errors.New("payment cannot be canceled")

// AccountType constants for bank account kinds
const (
	AccountChecking = "checking"
	AccountSavings  = "savings"
)

// PaymentStatus is the lifecycle state of a payment
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "Pending"
	PaymentCompleted PaymentStatus = "Completed"
	PaymentScheduled PaymentStatus = "Scheduled"
	PaymentCanceled  PaymentStatus = "Canceled"
)

// Cancelable reports whether a payment in this status may still be canceled.
func (s PaymentStatus) Cancelable() bool {
	return s == PaymentPending || s == PaymentScheduled
}

// ApplicationKind constants
const (
	ApplicationLoan       = "loan"
	ApplicationCreditCard = "credit_card"
)

// ApplicationSubmitted is the status every new application starts in
const ApplicationSubmitted = "Submitted"

// User is a bank customer. ID is the caller's phone number in +1-XXX-XXX-XXXX form.
type User struct {
	ID          string
	Name        string
	Email       string
	Address     string
	DateOfBirth string
	CreatedAt   time.Time
}

// Account is a deposit account owned by a user. Balances are kept in cents.
type Account struct {
	ID           string
	UserID       string
	Type         string
	BalanceCents int64
	CreatedAt    time.Time
}

// Statement is a monthly statement for an account. Period is "YYYY-MM".
type Statement struct {
	AccountID           string
	Period              string
	ClosingBalanceCents int64
	DocumentURL         string
}

// Payment is a transfer between two accounts, immediate or scheduled.
type Payment struct {
	ID          string
	FromAccount string
	ToAccount   string
	AmountCents int64
	Date        string // YYYY-MM-DD
	Status      PaymentStatus
	CreatedAt   time.Time
}

// Application is a loan or credit card application.
// AmountCents holds the loan amount or the requested credit limit.
type Application struct {
	ID          string
	UserID      string
	Kind        string
	AmountCents int64
	Purpose     string // loan only
	TermYears   int    // loan only
	CardType    string // credit card only
	Status      string
	CreatedAt   time.Time
}

// CallRecord is the persisted summary of one voice session.
type CallRecord struct {
	CallID       string
	FromNumber   string
	UserID       string
	FinalHandler string
	Turns        int
	Transcript   string // JSON array of {speaker, text}
	StartedAt    time.Time
	EndedAt      time.Time
}

// Store defines the banking data operations used by the voice gateway.
// Implementations make Transfer and CancelPayment atomic.
type Store interface {
	// Users
	GetUser(ctx context.Context, id string) (*User, error)
	PutUser(ctx context.Context, user *User) error

	// Accounts
	GetAccount(ctx context.Context, id string) (*Account, error)
	ListAccounts(ctx context.Context, userID string) ([]*Account, error)
	PutAccount(ctx context.Context, account *Account) error

	// Statements, newest period first
	ListStatements(ctx context.Context, accountID string) ([]*Statement, error)
	PutStatement(ctx context.Context, stmt *Statement) error

	// Payments
	Transfer(ctx context.Context, fromID, toID string, amountCents int64) (*Payment, error)
	CreatePayment(ctx context.Context, payment *Payment) error
	GetPayment(ctx context.Context, id string) (*Payment, error)
	CancelPayment(ctx context.Context, id string) (*Payment, error)

	// Applications
	CreateApplication(ctx context.Context, app *Application) error
	GetApplication(ctx context.Context, id string) (*Application, error)

	// Call records
	SaveCall(ctx context.Context, call *CallRecord) error
	GetCall(ctx context.Context, callID string) (*CallRecord, error)
	ListCalls(ctx context.Context, limit int) ([]*CallRecord, error)

	Ping(ctx context.Context) error
	Close() error
}

// formatPaymentID renders the numeric payment sequence as PAY001, PAY002, ...
func formatPaymentID(n int) string {
	return fmt.Sprintf("PAY%03d", n)
}

// today returns the current date in payment date format.
func today() string {
	return time.Now().Format("2006-01-02")
}
