// Package dedupe provides a bounded TTL set. The gateway uses it to skip the
// opening greeting when a call reconnects inside the greeting window.
package dedupe
