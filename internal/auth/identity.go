package auth

import "context"

// Identity is the verified caller of a dashboard request.
type Identity struct {
	Subject string
	GroupID string
	Role    Role
}

// ScopeGroup returns the group the caller is confined to. Admins and
// anonymous callers are unscoped and get an empty string.
func (id Identity) ScopeGroup() string {
	if id.Role == RoleAdmin {
		return ""
	}
	return id.GroupID
}

type identityKey struct{}

// ContextWithIdentity attaches id to ctx.
func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the identity on ctx, or the zero Identity when the
// request was not authenticated.
func IdentityFrom(ctx context.Context) Identity {
	if ctx == nil {
		return Identity{}
	}
	id, _ := ctx.Value(identityKey{}).(Identity)
	return id
}
