// Package rules is a deterministic reasoning backend.
//
// It reads the latest user utterance, matches intent keywords for the active
// handler and fills action arguments from simple slot patterns (dollar
// amounts, account references such as CHK-1001 or "savings", ISO dates,
// payment and application IDs). Domain results are spoken back verbatim and
// failures are prefixed with an apology. It is the default backend and the
// one the turn engine's tests run against.
package rules
