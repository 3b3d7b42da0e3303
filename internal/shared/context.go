package shared

import (
	"context"
	"net/http"
	"strconv"
	"strings"
)

// ActorHeader carries the authenticated user id set by the upstream auth proxy.
const ActorHeader = "X-Actor-ID"

type actorContextKey struct{}

// ContextWithActor stores the acting user id in context.
func ContextWithActor(ctx context.Context, actorID int64) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actorID)
}

// ActorFromContext extracts the acting user id from context.
func ActorFromContext(ctx context.Context) int64 {
	id, _ := ctx.Value(actorContextKey{}).(int64)
	return id
}

// ActorMiddleware copies the actor header into the request context.
func ActorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get(ActorHeader))
		if raw != "" {
			if id, err := strconv.ParseInt(raw, 10, 64); err == nil && id > 0 {
				r = r.WithContext(ContextWithActor(r.Context(), id))
			}
		}
		next.ServeHTTP(w, r)
	})
}
