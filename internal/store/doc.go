// Package store provides the banking data collaborator for the voice gateway.
//
// # Architecture
//
// Store is a single interface with two implementations:
//
//   - SQLiteStore: modernc.org/sqlite with WAL, created schema and numbered migrations
//   - MockStore: in-memory maps behind one mutex, used by tests and database-less runs
//
// # Data Models
//
//   - User: caller identity keyed by normalized phone number (+1-XXX-XXX-XXXX)
//   - Account: checking or savings account, balance in cents
//   - Statement: monthly closing balance and document link
//   - Payment: transfer record with PAY### identifiers and a PaymentStatus
//   - Application: loan or credit card application
//   - CallRecord: summary of one voice session
//
// # Atomicity
//
// Transfer and CancelPayment are atomic at this boundary. The SQLite store runs
// them inside a transaction and the mock holds its mutex for the duration. The
// session engine performs no cross-session locking of its own.
//
// # Errors
//
//   - ErrNotFound: unknown entity (wrapped with context for transfers)
//   - ErrInsufficientFunds: transfer would overdraw the source
//   - ErrNotCancelable: payment already completed or canceled
package store
