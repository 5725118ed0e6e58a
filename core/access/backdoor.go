package access

import (
	"net/http"

	"github.com/gorilla/mux"
)

// BackdoorMiddlewareBuilder is a helper builder for NewBackdoorMiddleware
type BackdoorMiddlewareBuilder struct {
	// Backdoors is a mapping from a bearer token to an actual authorization
	Backdoors map[string]Authorization
}

// NewBackdoorMiddleware returns a middleware handler for a backdoor
//
// The key for the backdoors map is the bearer token passed with the request.
//
// Example: if you specify the backdoor
//
//	"please": Authorization{Roles:[]string{"admin"}}
//
// then any request with an authorization bearer token consisting of the single
// magic word "please" will be authorized with the admin role.
//
// With curl, use -H 'Authorization: Bearer please' or pass a cookie with
// -b 'Hotelier-JWT=please'
//
// Install it before the JWT middleware, which then skips requests that are
// already authorized.
func NewBackdoorMiddleware(bmb *BackdoorMiddlewareBuilder) mux.MiddlewareFunc {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if AuthorizationFromContext(r.Context()) != nil || len(bmb.Backdoors) == 0 {
				h.ServeHTTP(w, r)
				return
			}
			tokenString, _ := tokenFromRequest(r)
			if len(tokenString) == 0 {
				h.ServeHTTP(w, r)
				return
			}
			if backdoor, ok := bmb.Backdoors[tokenString]; ok {
				auth := backdoor
				ctx := ContextWithIdentity(r.Context(), auth.Identity)
				r = r.WithContext(auth.ContextWithAuthorization(ctx))
			}
			h.ServeHTTP(w, r)
		})
	}
}
