// Package handler defines the fixed set of conversation handlers.
//
// Handlers are triage, accounts, payments and applications. Each carries
// instructions for the reasoning step and a static action table. Actions are
// a tagged variant:
//
//   - KindDomain: calls a banking action and returns its result
//   - KindHandoff: names a target handler; the turn engine performs the switch
//   - KindControl: ends the call or redirects it to a human
//
// Hand-off edges are a static adjacency list checked by CanTransition:
//
//	triage       -> accounts, payments, applications
//	accounts     -> payments
//	payments     -> triage
//	applications -> triage
//
// NewRegistry rejects any hand-off action that does not follow an edge.
package handler
