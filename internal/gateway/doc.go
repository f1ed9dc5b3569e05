// Package gateway serves voice calls and the admin surface of voice-gateway.
//
// # Overview
//
// The Gateway owns the store, the live session registry, the turn engine
// (dispatcher, generator and preemption controller) and the servers the
// outside world talks to:
//
//   - GET /llm-websocket/{call_id}: one voice session per websocket
//   - GET /health and GET /health/ready: liveness and store readiness
//   - GET /metrics: Prometheus exposition (metrics.enabled)
//   - GET /admin/calls, GET /admin/calls/{call_id}: live and recorded calls
//   - GET /admin/events: server-sent mirror of call activity
//   - gRPC health service on server.grpc_addr
//
// Listeners are plain TCP or, with tailscale.enabled, a tsnet node. Funnel
// exposes the websocket publicly so a hosted voice platform can dial in.
//
// # Voice connections
//
// Each upgraded websocket is bound to a fresh session. The handler sends the
// config frame, then runs two loops:
//
//   - The read loop decodes frames, applies the inbound rate limit and hands
//     events to the dispatcher in arrival order. Malformed frames are logged
//     and skipped.
//   - The writer drains a bounded outbound queue. Response fragments whose
//     sequence was superseded while queued are dropped at write time. After
//     a final fragment with end_call the connection closes normally.
//
// Teardown cancels the session, waits for its goroutines, removes it from the
// registry, persists a call record and publishes call_ended. A reconnect with
// the same call ID replaces the older session.
//
// # Admin events
//
// Events are streamed as SSE:
//
//	event: handoff
//	data: {"type":"handoff","call_id":"c1","from":"triage","to":"accounts",...}
//
// A comment line is sent every 15 seconds to keep proxies from timing out.
package gateway
