package middleware

import (
	"context"
	"net/http"

	"github.com/chronicle-db/chronicle/internal/entityloader"
	"github.com/chronicle-db/chronicle/internal/repository"
)

type ctxKey string

const referenceLoaderKey ctxKey = "referenceLoader"

// ReferenceLoader attaches a per-request batching loader to the context, so
// reference resolution within one request collapses into few queries and
// the loader cache never outlives the request.
func ReferenceLoader(repo repository.EntityRepository) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			loader := entityloader.NewReferenceLoader(repo)
			ctx := context.WithValue(r.Context(), referenceLoaderKey, loader)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ReferenceLoaderFromContext retrieves the request's loader, or nil when
// the middleware is not installed.
func ReferenceLoaderFromContext(ctx context.Context) *entityloader.ReferenceLoader {
	if l, ok := ctx.Value(referenceLoaderKey).(*entityloader.ReferenceLoader); ok {
		return l
	}
	return nil
}
