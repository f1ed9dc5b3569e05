// Package profile resolves the caller behind a voice session.
//
// The session-init event carries the caller's origin number in E.164 form.
// Customers are keyed by the dashed form (+1-XXX-XXX-XXXX), so Lookup
// normalizes first. CachingResolver layers github.com/patrickmn/go-cache over
// any Resolver and remembers both hits and misses for the configured TTL.
package profile
