package access

import "context"

type actorContextKey struct{}
type overrideContextKey struct{}

// ContextWithActor attaches the authenticated actor to the context. Used by
// the HTTP layer only; engine APIs take the actor as an explicit parameter.
func ContextWithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, &actor)
}

// ActorFromContext extracts the authenticated actor from the context.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	if ctx == nil {
		return Actor{}, false
	}
	v, ok := ctx.Value(actorContextKey{}).(*Actor)
	if !ok || v == nil {
		return Actor{}, false
	}
	return *v, true
}

// ContextWithOverride stores the requested campus override, if any.
func ContextWithOverride(ctx context.Context, campusID string) context.Context {
	if campusID == "" {
		return ctx
	}
	return context.WithValue(ctx, overrideContextKey{}, campusID)
}

// OverrideFromContext returns the requested campus override.
func OverrideFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(overrideContextKey{}).(string)
	return v
}
