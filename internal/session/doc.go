// Package session holds per-call conversation state.
//
// A Session owns the transcript, the active handler, the highest requested
// response sequence and the resolved caller. Handlers are stateless, so all
// mutable state of a call lives here and is passed explicitly to the turn
// engine. The transcript is append-only under the session mutex. The active
// handler changes only through a compare-and-swap Handoff, and the highest
// sequence only rises.
//
// Manager keeps the live sessions of the process, keyed by call ID.
package session
