// Package requestcontext provides HTTP-independent context accessors for
// request-scoped values. Middleware sets them, services read them, and tests
// inject them without running the HTTP stack.
package requestcontext

import (
	"context"
	"time"
)

type (
	ownerKey       struct{}
	requestIDKey   struct{}
	requestTimeKey struct{}
)

// Owner identifies the caller context a record is created under. Ownership is
// asserted at creation and never reassigned.
type Owner struct {
	UserID        string
	InstitutionID string
}

// IsZero reports whether no authenticated owner is present.
func (o Owner) IsZero() bool { return o.UserID == "" && o.InstitutionID == "" }

// WithOwner injects the authenticated owner into the context.
func WithOwner(ctx context.Context, owner Owner) context.Context {
	return context.WithValue(ctx, ownerKey{}, owner)
}

// OwnerFrom retrieves the authenticated owner. The zero Owner means
// unauthenticated.
func OwnerFrom(ctx context.Context) Owner {
	if o, ok := ctx.Value(ownerKey{}).(Owner); ok {
		return o
	}
	return Owner{}
}

// WithRequestID injects a request ID into the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID retrieves the request ID, or "" if unset.
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// WithTime pins the request clock. Tests use this to make time-dependent
// behavior (retry budgets, score decay) deterministic.
func WithTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, requestTimeKey{}, t)
}

// Now returns the pinned request time if present, otherwise the wall clock.
// All boundary timestamps are UTC.
func Now(ctx context.Context) time.Time {
	if t, ok := ctx.Value(requestTimeKey{}).(time.Time); ok {
		return t.UTC()
	}
	return time.Now().UTC()
}
