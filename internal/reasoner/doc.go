// Package reasoner defines the reasoning entry point used by every handler.
//
// A step receives a handler's instructions, the conversation so far and the
// handler's actions as tools. It streams text deltas and action calls. The
// turn engine executes the calls, appends their results as tool messages and
// runs the next step, so a domain action is a synchronous call-and-continue
// inside one turn.
//
// Two backends exist: rules, a deterministic keyword matcher, and openai, a
// streaming chat-completions client.
package reasoner
