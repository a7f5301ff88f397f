package middleware

import (
	"context"
	"strings"

	"github.com/labstack/echo/v4"
)

// Headers carrying the acting user. Authentication happens upstream; the
// engine only records who acted.
const (
	ActorIDHeader   = "X-Actor-ID"
	ActorNameHeader = "X-Actor-Name"
)

type actorCtxKey struct{}

// ActorInfo is the acting user taken from the request.
type ActorInfo struct {
	ID   string
	Name string
}

// WithActor stores the acting user in ctx.
func WithActor(ctx context.Context, a ActorInfo) context.Context {
	return context.WithValue(ctx, actorCtxKey{}, a)
}

// ActorFromContext returns the acting user stored by the Actor middleware.
func ActorFromContext(ctx context.Context) (ActorInfo, bool) {
	a, ok := ctx.Value(actorCtxKey{}).(ActorInfo)
	return a, ok && a.ID != ""
}

// Actor copies the actor headers into the request context. Requests without
// an actor pass through; operations that mutate reject them later.
func Actor() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			id := strings.TrimSpace(req.Header.Get(ActorIDHeader))
			if id == "" {
				return next(c)
			}
			a := ActorInfo{ID: id, Name: strings.TrimSpace(req.Header.Get(ActorNameHeader))}
			c.Set("actor_id", id)
			c.SetRequest(req.WithContext(WithActor(req.Context(), a)))
			return next(c)
		}
	}
}
