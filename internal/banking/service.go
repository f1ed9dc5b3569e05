// ABOUTME: Banking domain actions invoked by the conversation handlers
// ABOUTME: Validates caller ownership and arguments, then reads or mutates the store

package banking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Youmanvi/bankAssistant/internal/store"
)

// Business rejections surfaced to the reasoning step as action results.
var (
	ErrUnknownCaller      = errors.New("the caller is not a verified customer")
	ErrUnknownAccount     = errors.New("no matching account")
	ErrInvalidAmount      = errors.New("the amount must be greater than zero")
	ErrSameAccount        = errors.New("the source and destination accounts are the same")
	ErrInvalidDate        = errors.New("the date must be a future day in YYYY-MM-DD form")
	ErrUnknownPayment     = errors.New("no matching payment")
	ErrUnknownApplication = errors.New("no matching application")
	ErrInvalidArgument    = errors.New("invalid argument")
)

// BankStore defines what the service needs from storage
type BankStore interface {
	GetAccount(ctx context.Context, id string) (*store.Account, error)
	ListAccounts(ctx context.Context, userID string) ([]*store.Account, error)
	ListStatements(ctx context.Context, accountID string) ([]*store.Statement, error)
	Transfer(ctx context.Context, fromID, toID string, amountCents int64) (*store.Payment, error)
	CreatePayment(ctx context.Context, payment *store.Payment) error
	GetPayment(ctx context.Context, id string) (*store.Payment, error)
	CancelPayment(ctx context.Context, id string) (*store.Payment, error)
	CreateApplication(ctx context.Context, app *store.Application) error
	GetApplication(ctx context.Context, id string) (*store.Application, error)
}

// Card products offered over the phone.
var cardTypes = map[string]bool{"standard": true, "gold": true, "platinum": true, "rewards": true}

const (
	defaultCreditLimitCents = 500000
	maxCreditLimitCents     = 5000000
	defaultLoanTermYears    = 5
	maxLoanTermYears        = 30
)

// Service implements the banking actions. It is stateless apart from its
// store and safe for concurrent use by every session.
type Service struct {
	store  BankStore
	logger *slog.Logger
	now    func() time.Time
}

// New creates a banking Service
func New(s BankStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  s,
		logger: logger.With("component", "banking"),
		now:    time.Now,
	}
}

// Balance describes one account, or every account of the caller when ref is empty.
func (s *Service) Balance(ctx context.Context, userID, ref string) (string, error) {
	if userID == "" {
		return "", ErrUnknownCaller
	}

	if strings.TrimSpace(ref) == "" {
		accounts, err := s.store.ListAccounts(ctx, userID)
		if err != nil {
			return "", fmt.Errorf("listing accounts: %w", err)
		}
		if len(accounts) == 0 {
			return "", ErrUnknownAccount
		}
		parts := make([]string, 0, len(accounts))
		for _, a := range accounts {
			parts = append(parts, fmt.Sprintf("%s account %s has %s", a.Type, a.ID, FormatCents(a.BalanceCents)))
		}
		return "Your " + strings.Join(parts, ", and your ") + ".", nil
	}

	acct, err := s.resolveOwned(ctx, userID, ref)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Your %s account %s has a balance of %s.", acct.Type, acct.ID, FormatCents(acct.BalanceCents)), nil
}

// Statement describes the statement for period ("YYYY-MM"), or the latest one.
func (s *Service) Statement(ctx context.Context, userID, ref, period string) (string, error) {
	if userID == "" {
		return "", ErrUnknownCaller
	}
	acct, err := s.resolveOwned(ctx, userID, defaultRef(ref, store.AccountChecking))
	if err != nil {
		return "", err
	}

	stmts, err := s.store.ListStatements(ctx, acct.ID)
	if err != nil {
		return "", fmt.Errorf("listing statements: %w", err)
	}
	period = strings.TrimSpace(period)
	for _, st := range stmts {
		if period == "" || st.Period == period {
			return fmt.Sprintf("Your %s statement for %s closed at %s. It is available at %s.",
				acct.ID, st.Period, FormatCents(st.ClosingBalanceCents), st.DocumentURL), nil
		}
	}
	if period == "" {
		return fmt.Sprintf("There are no statements yet for account %s.", acct.ID), nil
	}
	return fmt.Sprintf("There is no statement for %s on account %s.", period, acct.ID), nil
}

// TransferFunds moves money immediately from one of the caller's accounts.
func (s *Service) TransferFunds(ctx context.Context, userID, fromRef, toRef string, amountCents int64) (string, error) {
	from, to, err := s.transferLegs(ctx, userID, fromRef, toRef, amountCents)
	if err != nil {
		return "", err
	}

	p, err := s.store.Transfer(ctx, from.ID, to.ID, amountCents)
	if errors.Is(err, store.ErrInsufficientFunds) {
		return "", fmt.Errorf("%w: %s has %s available", store.ErrInsufficientFunds, from.ID, FormatCents(from.BalanceCents))
	}
	if err != nil {
		return "", fmt.Errorf("transferring funds: %w", err)
	}

	s.logger.Info("funds transferred", "payment_id", p.ID, "from", from.ID, "to", to.ID, "amount_cents", amountCents)
	return fmt.Sprintf("Done. I moved %s from %s to %s. The confirmation number is %s.",
		FormatCents(amountCents), from.ID, to.ID, p.ID), nil
}

// SchedulePayment records a future-dated transfer.
func (s *Service) SchedulePayment(ctx context.Context, userID, fromRef, toRef string, amountCents int64, date string) (string, error) {
	from, to, err := s.transferLegs(ctx, userID, fromRef, toRef, amountCents)
	if err != nil {
		return "", err
	}

	day, err := time.ParseInLocation("2006-01-02", strings.TrimSpace(date), time.Local)
	if err != nil {
		return "", ErrInvalidDate
	}
	now := s.now()
	todayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.Local)
	if !day.After(todayStart) {
		return "", ErrInvalidDate
	}

	p := &store.Payment{
		FromAccount: from.ID,
		ToAccount:   to.ID,
		AmountCents: amountCents,
		Date:        day.Format("2006-01-02"),
		Status:      store.PaymentScheduled,
	}
	if err := s.store.CreatePayment(ctx, p); err != nil {
		return "", fmt.Errorf("scheduling payment: %w", err)
	}

	s.logger.Info("payment scheduled", "payment_id", p.ID, "date", p.Date, "amount_cents", amountCents)
	return fmt.Sprintf("Scheduled %s from %s to %s on %s. The payment number is %s.",
		FormatCents(amountCents), from.ID, to.ID, p.Date, p.ID), nil
}

// CancelPayment cancels a pending or scheduled payment drawn on the caller's account.
func (s *Service) CancelPayment(ctx context.Context, userID, paymentID string) (string, error) {
	if userID == "" {
		return "", ErrUnknownCaller
	}
	paymentID = strings.ToUpper(strings.TrimSpace(paymentID))
	if paymentID == "" {
		return "", fmt.Errorf("%w: payment_id is required", ErrInvalidArgument)
	}

	p, err := s.store.GetPayment(ctx, paymentID)
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrUnknownPayment
	}
	if err != nil {
		return "", fmt.Errorf("loading payment: %w", err)
	}
	if _, err := s.resolveOwned(ctx, userID, p.FromAccount); err != nil {
		return "", ErrUnknownPayment
	}

	canceled, err := s.store.CancelPayment(ctx, paymentID)
	if err != nil {
		if errors.Is(err, store.ErrNotCancelable) {
			return "", fmt.Errorf("%w: %s is already %s", store.ErrNotCancelable, paymentID, p.Status)
		}
		return "", fmt.Errorf("canceling payment: %w", err)
	}

	s.logger.Info("payment canceled", "payment_id", canceled.ID)
	return fmt.Sprintf("Payment %s for %s has been canceled.", canceled.ID, FormatCents(canceled.AmountCents)), nil
}

// ApplyForLoan submits a loan application for the caller.
func (s *Service) ApplyForLoan(ctx context.Context, userID string, amountCents int64, purpose string, termYears int) (string, error) {
	if userID == "" {
		return "", ErrUnknownCaller
	}
	if amountCents <= 0 {
		return "", ErrInvalidAmount
	}
	if termYears == 0 {
		termYears = defaultLoanTermYears
	}
	if termYears < 0 || termYears > maxLoanTermYears {
		return "", fmt.Errorf("%w: term must be between 1 and %d years", ErrInvalidArgument, maxLoanTermYears)
	}
	purpose = strings.TrimSpace(purpose)
	if purpose == "" {
		purpose = "general purposes"
	}

	app := &store.Application{
		ID:          newApplicationID(),
		UserID:      userID,
		Kind:        store.ApplicationLoan,
		AmountCents: amountCents,
		Purpose:     purpose,
		TermYears:   termYears,
		Status:      store.ApplicationSubmitted,
	}
	if err := s.store.CreateApplication(ctx, app); err != nil {
		return "", fmt.Errorf("submitting loan application: %w", err)
	}

	s.logger.Info("loan application submitted", "application_id", app.ID, "amount_cents", amountCents)
	return fmt.Sprintf("Your application for a %s loan for %s over %d years is submitted. The application number is %s.",
		FormatCents(amountCents), purpose, termYears, app.ID), nil
}

// ApplyForCreditCard submits a credit card application for the caller.
func (s *Service) ApplyForCreditCard(ctx context.Context, userID, cardType string, limitCents int64) (string, error) {
	if userID == "" {
		return "", ErrUnknownCaller
	}
	cardType = strings.ToLower(strings.TrimSpace(cardType))
	if cardType == "" {
		cardType = "standard"
	}
	if !cardTypes[cardType] {
		return "", fmt.Errorf("%w: we offer standard, gold, platinum and rewards cards", ErrInvalidArgument)
	}
	if limitCents == 0 {
		limitCents = defaultCreditLimitCents
	}
	if limitCents < 0 {
		return "", ErrInvalidAmount
	}
	if limitCents > maxCreditLimitCents {
		return "", fmt.Errorf("%w: the highest limit we can request is %s", ErrInvalidArgument, FormatCents(maxCreditLimitCents))
	}

	app := &store.Application{
		ID:          newApplicationID(),
		UserID:      userID,
		Kind:        store.ApplicationCreditCard,
		AmountCents: limitCents,
		CardType:    cardType,
		Status:      store.ApplicationSubmitted,
	}
	if err := s.store.CreateApplication(ctx, app); err != nil {
		return "", fmt.Errorf("submitting card application: %w", err)
	}

	s.logger.Info("credit card application submitted", "application_id", app.ID, "card_type", cardType)
	return fmt.Sprintf("Your %s card application with a %s limit is submitted. The application number is %s.",
		cardType, FormatCents(limitCents), app.ID), nil
}

// ApplicationStatus reports the status of one of the caller's applications.
func (s *Service) ApplicationStatus(ctx context.Context, userID, applicationID string) (string, error) {
	if userID == "" {
		return "", ErrUnknownCaller
	}
	applicationID = strings.ToUpper(strings.TrimSpace(applicationID))
	app, err := s.store.GetApplication(ctx, applicationID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && app.UserID != userID) {
		return "", ErrUnknownApplication
	}
	if err != nil {
		return "", fmt.Errorf("loading application: %w", err)
	}

	what := "loan"
	if app.Kind == store.ApplicationCreditCard {
		what = app.CardType + " card"
	}
	return fmt.Sprintf("Your %s application %s is %s.", what, app.ID, app.Status), nil
}

func (s *Service) transferLegs(ctx context.Context, userID, fromRef, toRef string, amountCents int64) (*store.Account, *store.Account, error) {
	if userID == "" {
		return nil, nil, ErrUnknownCaller
	}
	if amountCents <= 0 {
		return nil, nil, ErrInvalidAmount
	}
	from, err := s.resolveOwned(ctx, userID, fromRef)
	if err != nil {
		return nil, nil, fmt.Errorf("source: %w", err)
	}
	to, err := s.resolveDestination(ctx, userID, toRef)
	if err != nil {
		return nil, nil, fmt.Errorf("destination: %w", err)
	}
	if from.ID == to.ID {
		return nil, nil, ErrSameAccount
	}
	return from, to, nil
}

// resolveOwned finds one of the caller's accounts by ID or by type word.
func (s *Service) resolveOwned(ctx context.Context, userID, ref string) (*store.Account, error) {
	accounts, err := s.store.ListAccounts(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}
	if acct := matchAccount(accounts, ref); acct != nil {
		return acct, nil
	}
	return nil, ErrUnknownAccount
}

// resolveDestination accepts the caller's own accounts by type word, or any
// existing account by ID.
func (s *Service) resolveDestination(ctx context.Context, userID, ref string) (*store.Account, error) {
	if acct, err := s.resolveOwned(ctx, userID, ref); err == nil {
		return acct, nil
	}
	acct, err := s.store.GetAccount(ctx, normalizeAccountID(ref))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnknownAccount
	}
	if err != nil {
		return nil, fmt.Errorf("loading account: %w", err)
	}
	return acct, nil
}

func matchAccount(accounts []*store.Account, ref string) *store.Account {
	ref = strings.ToLower(strings.TrimSpace(ref))
	if ref == "" {
		return nil
	}
	id := normalizeAccountID(ref)
	for _, a := range accounts {
		if a.ID == id {
			return a
		}
	}
	for _, a := range accounts {
		if strings.Contains(ref, a.Type) {
			return a
		}
	}
	return nil
}

// normalizeAccountID turns "chk1001" or "chk 1001" into "CHK-1001".
func normalizeAccountID(ref string) string {
	id := strings.ToUpper(strings.Join(strings.Fields(ref), ""))
	if len(id) > 3 && !strings.Contains(id, "-") {
		id = id[:3] + "-" + id[3:]
	}
	return id
}

func defaultRef(ref, fallback string) string {
	if strings.TrimSpace(ref) == "" {
		return fallback
	}
	return ref
}

func newApplicationID() string {
	return "APP-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}
