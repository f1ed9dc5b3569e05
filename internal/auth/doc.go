// Package auth authenticates operators of the voice-gateway admin endpoints.
//
// Operators present an HS256 JWT in the Authorization header:
//
//	Authorization: Bearer <token>
//
// Tokens are minted with `voice-gateway token --operator <name>` using the configured
// admin.jwt_secret. They carry the operator name in "sub" and a fixed
// "role" claim of "operator"; tokens without it are rejected.
//
// The voice websocket itself is not authenticated here. The voice platform
// reaches it over a tailnet or Funnel address.
package auth
