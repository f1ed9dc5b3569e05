// ABOUTME: Request context carrying the authenticated operator
// ABOUTME: Set by the HTTP middleware and read by admin handlers for audit logging

package auth

import "context"

type operatorKey struct{}

// WithOperator returns a context carrying the operator name.
func WithOperator(ctx context.Context, operator string) context.Context {
	return context.WithValue(ctx, operatorKey{}, operator)
}

// OperatorFrom returns the operator name, or "" for unauthenticated requests.
func OperatorFrom(ctx context.Context) string {
	op, _ := ctx.Value(operatorKey{}).(string)
	return op
}
