// Package auditctx carries the acting identity of a request through
// context.Context so the audit trail can attribute moderation actions
// without every service method taking actor parameters. The auth
// middleware stores the actor; AuditService.Log reads it back to fill
// any entry fields the caller left blank.
package auditctx

import "context"

// Actor identifies who performed a request and from where.
type Actor struct {
	UserID    string
	Username  string
	IPAddress string
	UserAgent string
}

type actorContextKey struct{}

// WithActor returns a context carrying the actor for downstream audit logging.
func WithActor(ctx context.Context, actor Actor) context.Context {
	if ctx == nil {
		return context.WithValue(context.Background(), actorContextKey{}, actor)
	}
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// FromContext returns the actor stored by WithActor, if any.
func FromContext(ctx context.Context) (Actor, bool) {
	if ctx == nil {
		return Actor{}, false
	}
	actor, ok := ctx.Value(actorContextKey{}).(Actor)
	return actor, ok
}
