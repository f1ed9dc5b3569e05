// ABOUTME: JSON-argument adapters exposing the banking Service as named actions
// ABOUTME: Each action decodes its arguments and returns a sentence for the reasoning step

package banking

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
)

// Action names. Handlers expose these to the reasoning step.
const (
	ActionAccountBalance    = "handle_account_balance"
	ActionBankStatement     = "retrieve_bank_statement"
	ActionTransferFunds     = "transfer_funds"
	ActionSchedulePayment   = "schedule_payment"
	ActionCancelPayment     = "cancel_payment"
	ActionApplyLoan         = "apply_for_loan"
	ActionApplyCreditCard   = "apply_for_credit_card"
	ActionApplicationStatus = "get_application_status"
)

// Invocation carries one action call: who is calling and the raw JSON arguments.
type Invocation struct {
	UserID string
	Args   json.RawMessage
}

// ActionFunc executes a domain action.
type ActionFunc func(ctx context.Context, inv Invocation) (string, error)

// Actions returns the domain actions keyed by name.
func (s *Service) Actions() map[string]ActionFunc {
	return map[string]ActionFunc{
		ActionAccountBalance: func(ctx context.Context, inv Invocation) (string, error) {
			var args struct {
				Account string `json:"account"`
			}
			if err := decodeArgs(inv.Args, &args); err != nil {
				return "", err
			}
			return s.Balance(ctx, inv.UserID, args.Account)
		},
		ActionBankStatement: func(ctx context.Context, inv Invocation) (string, error) {
			var args struct {
				Account string `json:"account"`
				Period  string `json:"period"`
			}
			if err := decodeArgs(inv.Args, &args); err != nil {
				return "", err
			}
			return s.Statement(ctx, inv.UserID, args.Account, args.Period)
		},
		ActionTransferFunds: func(ctx context.Context, inv Invocation) (string, error) {
			var args transferArgs
			if err := decodeArgs(inv.Args, &args); err != nil {
				return "", err
			}
			return s.TransferFunds(ctx, inv.UserID, args.FromAccount, args.ToAccount, ToCents(args.Amount))
		},
		ActionSchedulePayment: func(ctx context.Context, inv Invocation) (string, error) {
			var args struct {
				transferArgs
				Date string `json:"date"`
			}
			if err := decodeArgs(inv.Args, &args); err != nil {
				return "", err
			}
			return s.SchedulePayment(ctx, inv.UserID, args.FromAccount, args.ToAccount, ToCents(args.Amount), args.Date)
		},
		ActionCancelPayment: func(ctx context.Context, inv Invocation) (string, error) {
			var args struct {
				PaymentID string `json:"payment_id"`
			}
			if err := decodeArgs(inv.Args, &args); err != nil {
				return "", err
			}
			return s.CancelPayment(ctx, inv.UserID, args.PaymentID)
		},
		ActionApplyLoan: func(ctx context.Context, inv Invocation) (string, error) {
			var args struct {
				Amount    float64 `json:"amount"`
				Purpose   string  `json:"purpose"`
				TermYears int     `json:"term_years"`
			}
			if err := decodeArgs(inv.Args, &args); err != nil {
				return "", err
			}
			return s.ApplyForLoan(ctx, inv.UserID, ToCents(args.Amount), args.Purpose, args.TermYears)
		},
		ActionApplyCreditCard: func(ctx context.Context, inv Invocation) (string, error) {
			var args struct {
				CardType    string  `json:"card_type"`
				CreditLimit float64 `json:"credit_limit"`
			}
			if err := decodeArgs(inv.Args, &args); err != nil {
				return "", err
			}
			return s.ApplyForCreditCard(ctx, inv.UserID, args.CardType, ToCents(args.CreditLimit))
		},
		ActionApplicationStatus: func(ctx context.Context, inv Invocation) (string, error) {
			var args struct {
				ApplicationID string `json:"application_id"`
			}
			if err := decodeArgs(inv.Args, &args); err != nil {
				return "", err
			}
			return s.ApplicationStatus(ctx, inv.UserID, args.ApplicationID)
		},
	}
}

type transferArgs struct {
	FromAccount string  `json:"from_account"`
	ToAccount   string  `json:"to_account"`
	Amount      float64 `json:"amount"`
}

func decodeArgs(raw json.RawMessage, dst any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return nil
}
