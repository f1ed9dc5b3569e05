// ABOUTME: Deterministic reasoning backend driven by keywords and slot patterns
// ABOUTME: Lets the engine run end to end without a language model

package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Youmanvi/bankAssistant/internal/banking"
	"github.com/Youmanvi/bankAssistant/internal/handler"
	"github.com/Youmanvi/bankAssistant/internal/reasoner"
)

const (
	menuPrompt     = "I can help with balances, statements, transfers, payments, loans and credit cards. What would you like to do?"
	anythingElse   = "Is there anything else I can help you with?"
	goodbyeLine    = "Thanks for calling. Goodbye!"
	humanLine      = "Let me connect you with a banker."
	reminderLine   = "Are you still there? I'm happy to help whenever you're ready."
	failurePreface = "I'm sorry, I couldn't complete that."
)

var handoffActions = map[string]bool{
	handler.ActionTransferToAccounts:     true,
	handler.ActionTransferToPayments:     true,
	handler.ActionTransferToApplications: true,
	handler.ActionTransferBackToTriage:   true,
}

// Reasoner answers each step from the latest user utterance.
type Reasoner struct {
	logger *slog.Logger
}

// New creates a rules reasoner.
func New(logger *slog.Logger) *Reasoner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reasoner{logger: logger.With("component", "rules")}
}

// Step decides the next text and action for req.
func (r *Reasoner) Step(ctx context.Context, req *reasoner.Request) (reasoner.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	st := newState(req)
	rep := st.decide()
	r.logger.Debug("rules step", "handler", req.Handler, "action", rep.call, "has_text", rep.text != "")
	return rep.stream(fmt.Sprintf("call_%s_%d", req.Handler, len(req.Messages)))
}

// state is the view of a request the rules work from.
type state struct {
	handler handler.ID
	raw     string // latest user utterance
	utter   string // lowercased raw
	waiting bool   // the agent spoke last and the user has not answered

	working  []reasoner.Message // messages of the current turn after the user spoke
	lastTool *reasoner.Message
	tools    map[string]bool
}

func newState(req *reasoner.Request) *state {
	st := &state{handler: req.Handler, tools: make(map[string]bool, len(req.Tools))}
	for _, t := range req.Tools {
		st.tools[t.Name] = true
	}

	lastUser := -1
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == reasoner.RoleUser {
			lastUser = i
			break
		}
	}
	if lastUser >= 0 {
		st.raw = req.Messages[lastUser].Content
		st.utter = strings.ToLower(st.raw)
		st.working = req.Messages[lastUser+1:]
	}

	for i := len(st.working) - 1; i >= 0; i-- {
		if st.working[i].Role == reasoner.RoleTool {
			st.lastTool = &st.working[i]
			break
		}
	}

	// A prior agent utterance with no tool traffic after it means the client is
	// asking for a nudge rather than answering new user input.
	if n := len(st.working); n > 0 {
		last := st.working[n-1]
		st.waiting = last.Role == reasoner.RoleAgent && len(last.Calls) == 0 && st.lastTool == nil
	}
	return st
}

func (st *state) decide() reply {
	if st.waiting {
		return reply{text: reminderLine}
	}
	if st.utter == "" {
		return reply{text: menuPrompt}
	}
	if st.lastTool == nil {
		if goodbyeRe.MatchString(st.utter) && st.tools[handler.ActionEndCall] {
			return reply{text: goodbyeLine, call: handler.ActionEndCall}
		}
		if humanRe.MatchString(st.utter) && st.tools[handler.ActionTransferToHuman] {
			return reply{text: humanLine, call: handler.ActionTransferToHuman}
		}
	}

	switch st.handler {
	case handler.Triage:
		return st.triage()
	case handler.Accounts:
		return st.accounts()
	case handler.Payments:
		return st.payments()
	case handler.Applications:
		return st.applications()
	}
	return reply{text: menuPrompt}
}

func (st *state) triage() reply {
	if lt := st.lastTool; lt != nil && lt.Name == handler.ActionTransferBackToTriage {
		if st.callArg(lt.CallID, "reason") != "reroute" {
			return reply{text: anythingElse}
		}
	}
	action := classify(st.utter)
	if action == "" || st.called(action) {
		return reply{text: menuPrompt}
	}
	return reply{call: action}
}

func (st *state) accounts() reply {
	if res := st.domainResult(); res != nil {
		text := speak(res.Content)
		if paymentsRe.MatchString(st.utter) && !st.called(handler.ActionTransferToPayments) {
			return reply{text: text, call: handler.ActionTransferToPayments}
		}
		return reply{text: text}
	}

	account := ""
	if refs := accountRefs(st.raw); len(refs) > 0 {
		account = refs[0].ref
	}
	switch {
	case statementRe.MatchString(st.utter):
		return reply{call: banking.ActionBankStatement, args: map[string]string{
			"account": account,
			"period":  statementPeriod(st.utter),
		}}
	case balanceRe.MatchString(st.utter) || !paymentsRe.MatchString(st.utter):
		return reply{call: banking.ActionAccountBalance, args: map[string]string{"account": account}}
	}
	return reply{call: handler.ActionTransferToPayments}
}

func (st *state) payments() reply {
	if res := st.domainResult(); res != nil {
		return reply{text: speak(res.Content), call: handler.ActionTransferBackToTriage, args: map[string]string{"reason": "done"}}
	}

	amount, hasAmount := parseAmount(st.raw)
	date := dateRe.FindString(st.utter)

	switch {
	case cancelRe.MatchString(st.utter):
		id := paymentID(st.utter)
		if id == "" {
			return reply{text: "Which payment would you like to cancel? Please tell me the payment number."}
		}
		return reply{call: banking.ActionCancelPayment, args: map[string]string{"payment_id": id}}

	case scheduleRe.MatchString(st.utter) || date != "":
		from, to := transferEnds(st.raw)
		switch {
		case !hasAmount:
			return reply{text: "How much would you like to schedule?"}
		case from == "" || to == "":
			return reply{text: "Which accounts should the payment go between?"}
		case date == "":
			return reply{text: "What date should the payment go out? Please say it as year, month and day."}
		}
		return reply{call: banking.ActionSchedulePayment, args: map[string]any{
			"from_account": from, "to_account": to, "amount": amount, "date": date,
		}}

	case transferRe.MatchString(st.utter) || hasAmount:
		from, to := transferEnds(st.raw)
		switch {
		case !hasAmount:
			return reply{text: "How much would you like to transfer?"}
		case from == "" || to == "":
			return reply{text: "Which accounts should I move the money between?"}
		}
		return reply{call: banking.ActionTransferFunds, args: map[string]any{
			"from_account": from, "to_account": to, "amount": amount,
		}}
	}
	return reply{call: handler.ActionTransferBackToTriage, args: map[string]string{"reason": "reroute"}}
}

func (st *state) applications() reply {
	if res := st.domainResult(); res != nil {
		return reply{text: speak(res.Content), call: handler.ActionTransferBackToTriage, args: map[string]string{"reason": "done"}}
	}

	amount, hasAmount := parseAmount(st.raw)

	switch {
	case statusRe.MatchString(st.utter) || appIDRe.MatchString(st.utter):
		id := strings.ToUpper(appIDRe.FindString(st.utter))
		if id == "" {
			return reply{text: "What is your application number?"}
		}
		return reply{call: banking.ActionApplicationStatus, args: map[string]string{"application_id": id}}

	case loanRe.MatchString(st.utter):
		if !hasAmount {
			return reply{text: "How much would you like to borrow?"}
		}
		args := map[string]any{"amount": amount}
		if p := loanPurpose(st.utter); p != "" {
			args["purpose"] = p
		}
		if years := termYears(st.utter); years > 0 {
			args["term_years"] = years
		}
		return reply{call: banking.ActionApplyLoan, args: args}

	case cardRe.MatchString(st.utter):
		args := map[string]any{"card_type": cardType(st.utter)}
		if hasAmount {
			args["credit_limit"] = amount
		}
		return reply{call: banking.ActionApplyCreditCard, args: args}
	}
	return reply{call: handler.ActionTransferBackToTriage, args: map[string]string{"reason": "reroute"}}
}

// domainResult returns the last tool message when it answers a domain action.
func (st *state) domainResult() *reasoner.Message {
	lt := st.lastTool
	if lt == nil || handoffActions[lt.Name] || lt.Name == handler.ActionEndCall || lt.Name == handler.ActionTransferToHuman {
		return nil
	}
	return lt
}

func (st *state) called(name string) bool {
	for _, m := range st.working {
		for _, c := range m.Calls {
			if c.Name == name {
				return true
			}
		}
	}
	return false
}

func (st *state) callArg(callID, key string) string {
	for _, m := range st.working {
		for _, c := range m.Calls {
			if c.ID != callID {
				continue
			}
			var args map[string]any
			if err := json.Unmarshal(c.Args, &args); err != nil {
				return ""
			}
			s, _ := args[key].(string)
			return s
		}
	}
	return ""
}

// speak turns an action result into a spoken sentence.
func speak(result string) string {
	msg, failed := strings.CutPrefix(result, "error: ")
	if !failed {
		return result
	}
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return failurePreface
	}
	msg = strings.ToUpper(msg[:1]) + msg[1:]
	if !strings.HasSuffix(msg, ".") {
		msg += "."
	}
	return failurePreface + " " + msg
}

type reply struct {
	text string
	call string
	args any
}

func (r reply) stream(callID string) (reasoner.Stream, error) {
	var events []reasoner.Event
	if r.text != "" {
		for _, w := range strings.SplitAfter(r.text, " ") {
			events = append(events, reasoner.Event{Type: reasoner.EventText, Text: w})
		}
	}
	if r.call != "" {
		args := []byte("{}")
		if r.args != nil {
			b, err := json.Marshal(r.args)
			if err != nil {
				return nil, fmt.Errorf("encoding %s arguments: %w", r.call, err)
			}
			args = b
		}
		events = append(events, reasoner.Event{
			Type: reasoner.EventCall,
			Call: reasoner.Call{ID: callID, Name: r.call, Args: args},
		})
	}
	return reasoner.NewSliceStream(events...), nil
}
