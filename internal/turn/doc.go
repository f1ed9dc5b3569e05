// Package turn is the response engine of a voice session.
//
// The Dispatcher interprets each inbound event. Keepalives are echoed at once,
// session init seeds the caller context and speaks the opening line at sequence
// 0, transcript updates are merged, and response requests are validated and
// handed to the Generator on a session goroutine.
//
// The Generator runs reasoning steps for the active handler, executes the
// actions it asks for, follows hand-offs within the same sequence and streams
// sentences out as fragments.
//
// Every fragment passes through the Controller. A fragment is dropped once a
// newer sequence has been accepted, and each sequence gets at most one final
// fragment. Accepting a sequence and delivering a fragment share one lock per
// session, so a raise can never interleave with a delivery.
package turn
