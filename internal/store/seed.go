// ABOUTME: Demo banking data loaded by `voice-gateway init` and the in-memory store
// ABOUTME: Two callers with checking and savings accounts, statements, and a pending payment

package store

import (
	"context"
	"fmt"
)

// Demo caller phone numbers in normalized form.
const (
	DemoCallerAlex   = "+1-555-010-0001"
	DemoCallerJordan = "+1-555-010-0002"
)

// SeedDemo writes the demo data set into s. It is idempotent.
func SeedDemo(ctx context.Context, s Store) error {
	users := []*User{
		{ID: DemoCallerAlex, Name: "Alex Morgan", Email: "alex.morgan@example.com",
			Address: "12 Harbor Lane, Portland, OR", DateOfBirth: "1988-04-12"},
		{ID: DemoCallerJordan, Name: "Jordan Lee", Email: "jordan.lee@example.com",
			Address: "301 Pine Street, Austin, TX", DateOfBirth: "1993-11-02"},
	}
	accounts := []*Account{
		{ID: "CHK-1001", UserID: DemoCallerAlex, Type: AccountChecking, BalanceCents: 250000},
		{ID: "SAV-1002", UserID: DemoCallerAlex, Type: AccountSavings, BalanceCents: 1250000},
		{ID: "CHK-2001", UserID: DemoCallerJordan, Type: AccountChecking, BalanceCents: 4210},
		{ID: "SAV-2002", UserID: DemoCallerJordan, Type: AccountSavings, BalanceCents: 90000},
	}
	statements := []*Statement{
		{AccountID: "CHK-1001", Period: "2026-08", ClosingBalanceCents: 231540,
			DocumentURL: "https://statements.example.com/CHK-1001/2026-08.pdf"},
		{AccountID: "CHK-1001", Period: "2026-09", ClosingBalanceCents: 250000,
			DocumentURL: "https://statements.example.com/CHK-1001/2026-09.pdf"},
		{AccountID: "SAV-1002", Period: "2026-09", ClosingBalanceCents: 1250000,
			DocumentURL: "https://statements.example.com/SAV-1002/2026-09.pdf"},
		{AccountID: "CHK-2001", Period: "2026-09", ClosingBalanceCents: 10210,
			DocumentURL: "https://statements.example.com/CHK-2001/2026-09.pdf"},
	}

	for _, u := range users {
		if err := s.PutUser(ctx, u); err != nil {
			return fmt.Errorf("seeding user %s: %w", u.ID, err)
		}
	}
	for _, a := range accounts {
		if err := s.PutAccount(ctx, a); err != nil {
			return fmt.Errorf("seeding account %s: %w", a.ID, err)
		}
	}
	for _, st := range statements {
		if err := s.PutStatement(ctx, st); err != nil {
			return fmt.Errorf("seeding statement %s/%s: %w", st.AccountID, st.Period, err)
		}
	}

	if _, err := s.GetPayment(ctx, "PAY001"); err == nil {
		return nil
	}
	pending := &Payment{
		ID:          "PAY001",
		FromAccount: "CHK-1001",
		ToAccount:   "SAV-1002",
		AmountCents: 20000,
		Date:        "2026-12-01",
		Status:      PaymentScheduled,
	}
	if err := s.CreatePayment(ctx, pending); err != nil {
		return fmt.Errorf("seeding payment: %w", err)
	}
	return nil
}
