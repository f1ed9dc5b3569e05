// Package banking implements the domain actions the conversation handlers may call.
//
// Every action takes the caller's user ID and JSON arguments and returns a
// plain sentence describing the outcome. Business rejections (insufficient
// funds, unknown account, a payment that already settled) are returned as
// errors. The turn engine turns them into ordinary action results so the
// conversation can recover from them.
//
// Account references accept an exact ID ("CHK-1001"), a loose ID ("chk 1001"),
// or a type word ("checking", "my savings"). Source accounts must belong to the
// caller. Destinations may be any existing account.
package banking
