package request

import "context"

// Identity names the customer and session a workflow runs for.
type Identity struct {
	CustomerID string
	SessionID  string
}

type identityKey struct{}

// WithIdentity returns a context carrying id. The dispatcher installs it at
// workflow entry so components invoked deep inside a turn (builtin tools in
// particular) can scope their work without threading identifiers through
// every signature.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom extracts the identity installed by WithIdentity. ok is false
// when the context does not belong to a workflow.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}
