// Package shared carries the per-request caller context through every
// domain call in place of thread-locals, per SPEC_FULL.md §9 design notes.
package shared

import "context"

// RequestContext is the immutable, authenticated caller identity attached to
// every inbound operation. Audit writes and authorization checks consume it.
type RequestContext struct {
	UserID             string
	TradingAccountID   string
	AccessibleAccounts []string
	TraceID            string
	RequestID          string
}

// AccountAccessible reports whether the caller's token grants access to
// tradingAccountID.
func (r RequestContext) AccountAccessible(tradingAccountID string) bool {
	for _, id := range r.AccessibleAccounts {
		if id == tradingAccountID {
			return true
		}
	}
	return false
}

type requestContextKey struct{}

// WithRequestContext attaches rc to ctx.
func WithRequestContext(ctx context.Context, rc RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// FromContext extracts the RequestContext previously attached with
// WithRequestContext. The second return value is false if none is present.
func FromContext(ctx context.Context) (RequestContext, bool) {
	rc, ok := ctx.Value(requestContextKey{}).(RequestContext)
	return rc, ok
}
