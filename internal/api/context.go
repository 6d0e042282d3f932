package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// entityIDContextKey is the context key for the resolved entity id.
type entityIDContextKey struct{}

// ErrNoEntityInContext indicates no entity id was found in the context.
var ErrNoEntityInContext = errors.New("no entity id in context")

// WithEntityID returns a new context with the entity id attached.
func WithEntityID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, entityIDContextKey{}, id)
}

// EntityIDFromContext extracts the entity id from the context.
// Returns ErrNoEntityInContext if not present.
func EntityIDFromContext(ctx context.Context) (int64, error) {
	id, ok := ctx.Value(entityIDContextKey{}).(int64)
	if !ok || id <= 0 {
		return 0, ErrNoEntityInContext
	}
	return id, nil
}

// MustEntityIDFromContext extracts the entity id or panics.
// Use only when EntityMiddleware guarantees its presence.
func MustEntityIDFromContext(ctx context.Context) int64 {
	id, err := EntityIDFromContext(ctx)
	if err != nil {
		panic("entity id not in context: middleware misconfiguration")
	}
	return id
}

// EntityMiddleware parses the {id} URL parameter into the request context.
// Returns 400 for ids that are not positive integers.
func EntityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil || id <= 0 {
			WriteProblem(w, r, http.StatusBadRequest, "Entity id must be a positive integer")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithEntityID(r.Context(), id)))
	})
}
