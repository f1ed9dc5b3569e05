// ABOUTME: Builds the four banking handlers and their action tables
// ABOUTME: Validates at startup that every hand-off follows a declared edge

package handler

import (
	"fmt"

	"github.com/Youmanvi/bankAssistant/internal/banking"
	"github.com/Youmanvi/bankAssistant/internal/profile"
)

// Hand-off and control action names.
const (
	ActionTransferToAccounts     = "transfer_to_accounts"
	ActionTransferToPayments     = "transfer_to_payments"
	ActionTransferToApplications = "transfer_to_applications"
	ActionTransferBackToTriage   = "transfer_back_to_triage"
	ActionEndCall                = "end_call"
	ActionTransferToHuman        = "transfer_to_human"
)

// Registry holds the process-wide handler set. It is read-only after
// construction and safe for concurrent use.
type Registry struct {
	handlers    map[ID]*Handler
	humanNumber string
}

// NewRegistry builds the handlers, binding domain actions by name from
// actions. humanNumber is the redirect target for transfer_to_human; when
// empty that action is not offered.
func NewRegistry(actions map[string]banking.ActionFunc, humanNumber string) (*Registry, error) {
	bind := func(name string) (banking.ActionFunc, error) {
		fn, ok := actions[name]
		if !ok {
			return nil, fmt.Errorf("domain action %q is not provided", name)
		}
		return fn, nil
	}

	specs := map[ID]*Handler{
		Triage: {
			ID:           Triage,
			Name:         "Triage",
			Instructions: triageInstructions,
			Actions: []Action{
				handoff(ActionTransferToAccounts, Accounts, "Hand the caller to the accounts specialist for balances and statements."),
				handoff(ActionTransferToPayments, Payments, "Hand the caller to the payments specialist for transfers and scheduled payments."),
				handoff(ActionTransferToApplications, Applications, "Hand the caller to the applications specialist for loans and credit cards."),
			},
		},
		Accounts: {
			ID:           Accounts,
			Name:         "Accounts",
			Instructions: accountsInstructions,
			Actions: []Action{
				domain(banking.ActionAccountBalance, "Look up the balance of one account, or all of the caller's accounts when account is empty.",
					Param{Name: "account", Type: "string", Description: "Account ID like CHK-1001, or a type word like checking or savings."}),
				domain(banking.ActionBankStatement, "Find a monthly statement for an account.",
					Param{Name: "account", Type: "string", Description: "Account ID or type word. Defaults to checking."},
					Param{Name: "period", Type: "string", Description: "Statement month as YYYY-MM. Empty for the latest."}),
				handoff(ActionTransferToPayments, Payments, "Hand the caller to the payments specialist to move money."),
			},
		},
		Payments: {
			ID:           Payments,
			Name:         "Payments",
			Instructions: paymentsInstructions,
			Actions: []Action{
				domain(banking.ActionTransferFunds, "Move money now from one of the caller's accounts.",
					Param{Name: "from_account", Type: "string", Description: "Source account ID or type word.", Required: true},
					Param{Name: "to_account", Type: "string", Description: "Destination account ID or type word.", Required: true},
					Param{Name: "amount", Type: "number", Description: "Amount in dollars.", Required: true}),
				domain(banking.ActionSchedulePayment, "Schedule a transfer for a future date.",
					Param{Name: "from_account", Type: "string", Description: "Source account ID or type word.", Required: true},
					Param{Name: "to_account", Type: "string", Description: "Destination account ID or type word.", Required: true},
					Param{Name: "amount", Type: "number", Description: "Amount in dollars.", Required: true},
					Param{Name: "date", Type: "string", Description: "Future date as YYYY-MM-DD.", Required: true}),
				domain(banking.ActionCancelPayment, "Cancel a pending or scheduled payment.",
					Param{Name: "payment_id", Type: "string", Description: "Payment number like PAY001.", Required: true}),
				handoff(ActionTransferBackToTriage, Triage, "Return the caller to triage once the payment request is finished or is not about payments.",
					Param{Name: "reason", Type: "string", Description: "done when finished, reroute when the request belongs elsewhere.", Enum: []string{"done", "reroute"}}),
			},
		},
		Applications: {
			ID:           Applications,
			Name:         "Applications",
			Instructions: applicationsInstructions,
			Actions: []Action{
				domain(banking.ActionApplyLoan, "Submit a loan application.",
					Param{Name: "amount", Type: "number", Description: "Loan amount in dollars.", Required: true},
					Param{Name: "purpose", Type: "string", Description: "What the loan is for."},
					Param{Name: "term_years", Type: "integer", Description: "Repayment term in years, 1 to 30."}),
				domain(banking.ActionApplyCreditCard, "Submit a credit card application.",
					Param{Name: "card_type", Type: "string", Description: "Card product.", Enum: []string{"standard", "gold", "platinum", "rewards"}},
					Param{Name: "credit_limit", Type: "number", Description: "Requested limit in dollars."}),
				domain(banking.ActionApplicationStatus, "Check the status of an application.",
					Param{Name: "application_id", Type: "string", Description: "Application number like APP-1A2B3C4D.", Required: true}),
				handoff(ActionTransferBackToTriage, Triage, "Return the caller to triage once the application request is finished or is not about applications.",
					Param{Name: "reason", Type: "string", Description: "done when finished, reroute when the request belongs elsewhere.", Enum: []string{"done", "reroute"}}),
			},
		},
	}

	r := &Registry{handlers: make(map[ID]*Handler, len(specs)), humanNumber: humanNumber}
	for _, id := range All {
		h := specs[id]
		h.Actions = append(h.Actions, control(ActionEndCall, ControlEndCall,
			"End the call after the caller says goodbye or has nothing else."))
		if humanNumber != "" {
			h.Actions = append(h.Actions, control(ActionTransferToHuman, ControlTransferToHuman,
				"Transfer the call to a human banker when the caller asks for a person."))
		}

		h.byName = make(map[string]int, len(h.Actions))
		for i := range h.Actions {
			a := &h.Actions[i]
			if _, dup := h.byName[a.Name]; dup {
				return nil, fmt.Errorf("handler %s declares %s twice", id, a.Name)
			}
			switch a.Kind {
			case KindDomain:
				fn, err := bind(a.Name)
				if err != nil {
					return nil, fmt.Errorf("handler %s: %w", id, err)
				}
				a.Exec = fn
			case KindHandoff:
				if !CanTransition(id, a.Target) {
					return nil, fmt.Errorf("handler %s: %s targets %s outside its transitions", id, a.Name, a.Target)
				}
			}
			h.byName[a.Name] = i
		}
		r.handlers[id] = h
	}
	return r, nil
}

// Get returns the handler for id.
func (r *Registry) Get(id ID) (*Handler, bool) {
	h, ok := r.handlers[id]
	return h, ok
}

// HumanNumber returns the redirect target used by transfer_to_human.
func (r *Registry) HumanNumber() string {
	return r.humanNumber
}

// Greeting is the opening line spoken at sequence 0. A nil profile gets the
// anonymous form.
func Greeting(p *profile.Profile) string {
	name := p.FirstName()
	if name == "" {
		name = "there"
	}
	return fmt.Sprintf("Hey %s, thanks for calling. How can I help you with your banking today?", name)
}

// CallerContext is the system utterance seeded into the transcript at session start.
func CallerContext(p *profile.Profile) string {
	if p == nil {
		return "The caller could not be identified from their phone number. " +
			"Do not share or change account information; offer general help."
	}
	return fmt.Sprintf("The caller is %s, a verified customer calling from %s.", p.Name, p.RoutingKey)
}

func handoff(name string, target ID, desc string, params ...Param) Action {
	return Action{Name: name, Description: desc, Kind: KindHandoff, Target: target, Params: params}
}

func domain(name, desc string, params ...Param) Action {
	return Action{Name: name, Description: desc, Kind: KindDomain, Params: params}
}

func control(name string, c Control, desc string) Action {
	return Action{Name: name, Description: desc, Kind: KindControl, Control: c}
}
