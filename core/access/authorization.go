/*Package access provides utilities for access control
 */
package access

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/hotelier/core"
	"github.com/relabs-tech/hotelier/core/logger"
)

// contextKey is the type for context keys. Go linter does not like plain strings
type contextKey string

// the predefined context keys
const (
	contextKeyAuthorization contextKey = "_authorization_"
	contextKeyIdentity      contextKey = "_identity_"
)

// The staff roles. RoleEverybody and RolePublic are pseudo roles for permits only.
const (
	RoleAdmin        = "admin"
	RoleManager      = "manager"
	RoleFrontDesk    = "front_desk"
	RoleHousekeeping = "housekeeping"
	RoleMaintenance  = "maintenance"

	// RoleEverybody matches every authenticated request
	RoleEverybody = "everybody"
	// RolePublic matches every request, including anonymous ones
	RolePublic = "public"
)

// StaffRoles lists the roles that can be assigned to an account
var StaffRoles = []string{RoleAdmin, RoleManager, RoleFrontDesk, RoleHousekeeping, RoleMaintenance}

/*Authorization is a context object which stores authorization information
for staff members.

An authorization carries the identity it was issued for and a list of roles. It
can also carry additional properties.

Authorizations are added to a request context with

	ctx = auth.ContextWithAuthorization(ctx)

and retrieved with

	auth := AuthorizationFromContext(ctx)

Authorization objects are added to the context by the JWT and backdoor
middlewares, depending on the token in the HTTP request. Tokens are accepted as
"Authorization: Bearer" header or, for the benefit of the server rendered
pages, as Hotelier-JWT cookie.
*/
type Authorization struct {
	Identity   string            `json:"identity,omitempty"`
	Roles      []string          `json:"roles"`
	Properties map[string]string `json:"properties,omitempty"`
}

// Permit grants operations to a role
type Permit struct {
	Role       string           `json:"role"`
	Operations []core.Operation `json:"operations"`
}

// HasRole returns true if the authorization contains the requested role;
// otherwise it returns false.
func (a *Authorization) HasRole(role string) bool {
	if a == nil || a.Roles == nil {
		return false
	}
	for _, hasRole := range a.Roles {
		if role == hasRole {
			return true
		}
	}
	return false
}

// HasAnyRole returns true if the authorization contains at least one of the roles
func (a *Authorization) HasAnyRole(roles ...string) bool {
	for _, role := range roles {
		if a.HasRole(role) {
			return true
		}
	}
	return false
}

// Property returns the value for the requested property; if the
// property does not exist, it returns an empty string and false.
func (a *Authorization) Property(name string) (string, bool) {
	if a == nil || a.Properties == nil {
		return "", false
	}
	value, ok := a.Properties[name]
	return value, ok
}

// IsAuthorized returns true if the authorization is authorized for the requested
// operation according to the passed permits.
//
// The "admin" role is always authorized by default, unless a permit for admin is given.
// A permit given to "everybody" applies to all authenticated roles, a permit given to
// "public" also applies to anonymous requests. A nil authorization is anonymous.
func (a *Authorization) IsAuthorized(operation core.Operation, permits []Permit) bool {
	var roles []string
	if a != nil {
		roles = a.Roles
	}

	adminHasPermit := false
	for _, permit := range permits {
		if permit.Role == RoleAdmin {
			adminHasPermit = true
		}
	}
	if !adminHasPermit && a.HasRole(RoleAdmin) {
		return true // admin by default is always authorized
	}

	for _, permit := range permits {
		applies := permit.Role == RolePublic ||
			(permit.Role == RoleEverybody && len(roles) > 0) ||
			a.HasRole(permit.Role)
		if !applies {
			continue
		}
		for _, permitted := range permit.Operations {
			if permitted == operation {
				return true
			}
		}
	}
	return false
}

// ContextWithAuthorization returns a new context with this authorization added to it
func (a *Authorization) ContextWithAuthorization(ctx context.Context) context.Context {
	return context.WithValue(ctx, contextKeyAuthorization, a)
}

// ContextWithAuthorization returns a new context with the authorization added to it
func ContextWithAuthorization(ctx context.Context, auth *Authorization) context.Context {
	return context.WithValue(ctx, contextKeyAuthorization, auth)
}

// AuthorizationFromContext retrieves an authorization from the context
func AuthorizationFromContext(ctx context.Context) *Authorization {
	a, ok := ctx.Value(contextKeyAuthorization).(*Authorization)
	if ok {
		return a
	}
	return nil
}

// ContextWithIdentity returns a new context with the authenticated identity added to it
func ContextWithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, contextKeyIdentity, identity)
}

// IdentityFromContext retrieves the authenticated identity from the context
func IdentityFromContext(ctx context.Context) string {
	identity, _ := ctx.Value(contextKeyIdentity).(string)
	return identity
}

type cachedAuthorization struct {
	auth    *Authorization
	expires time.Time
}

// AuthorizationCache is an in-memory cache for authorizations. It is used by
// the jwt middleware to cache authorization objects for bearer tokens, so that
// a token is verified only once.
type AuthorizationCache struct {
	mutex sync.RWMutex
	cache map[string]cachedAuthorization
}

// NewAuthorizationCache creates a new authorization cache
func NewAuthorizationCache() *AuthorizationCache {
	return &AuthorizationCache{cache: make(map[string]cachedAuthorization)}
}

// Read returns an authorization from in-process cache, or nil if there is none or
// it has expired. This function is go-routine safe
func (a *AuthorizationCache) Read(token string) *Authorization {
	a.mutex.RLock()
	entry, ok := a.cache[token]
	a.mutex.RUnlock()
	if !ok {
		return nil
	}
	if time.Now().After(entry.expires) {
		a.mutex.Lock()
		delete(a.cache, token)
		a.mutex.Unlock()
		return nil
	}
	return entry.auth
}

// Write stores an authorization in the in-memory cache until expires.
// This function is go-routine safe
func (a *AuthorizationCache) Write(token string, auth *Authorization, expires time.Time) {
	a.mutex.Lock()
	a.cache[token] = cachedAuthorization{auth: auth, expires: expires}
	a.mutex.Unlock()
}

// Invalidate removes a token from the cache
func (a *AuthorizationCache) Invalidate(token string) {
	a.mutex.Lock()
	delete(a.cache, token)
	a.mutex.Unlock()
}

// HandleAuthorizationRoute adds a route /authorization GET to the router
//
// The route returns the current authorization for provided bearer token.
func HandleAuthorizationRoute(router *mux.Router) {
	rlog := logger.Default()
	rlog.Debugln("authorization")
	rlog.Debugln("  handle route: /authorization GET")
	router.HandleFunc("/authorization", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		auth := AuthorizationFromContext(r.Context())
		if auth == nil {
			w.WriteHeader(http.StatusNoContent)
		} else {
			jsonData, _ := json.MarshalIndent(auth, "", " ")
			w.Header().Set("Content-Type", "application/json")
			w.Write(jsonData)
		}
	}).Methods(http.MethodGet)
}
