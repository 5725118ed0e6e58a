package access

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/relabs-tech/hotelier/core"
)

func TestAuthorization_Admin(t *testing.T) {
	auth := &Authorization{
		Roles: []string{"admin"},
	}
	if !auth.IsAuthorized(core.OperationCreate, nil) {
		t.Fatal("admin not authorized")
	}

	// an explicit admin permit restricts admin
	permits := []Permit{{Role: RoleAdmin, Operations: []core.Operation{core.OperationRead}}}
	if auth.IsAuthorized(core.OperationDelete, permits) {
		t.Fatal("admin should not delete")
	}
	if !auth.IsAuthorized(core.OperationRead, permits) {
		t.Fatal("admin not authorized for read")
	}
}

func TestAuthorization_Public(t *testing.T) {
	auth := &Authorization{
		Roles: []string{"someone"},
	}
	permits := []Permit{{Role: RolePublic, Operations: []core.Operation{core.OperationRead}}}

	if auth.IsAuthorized(core.OperationCreate, permits) {
		t.Fatal("public should not create")
	}
	if !auth.IsAuthorized(core.OperationRead, permits) {
		t.Fatal("public not authorized for read")
	}

	// now try without any authorization, this should also work
	auth = nil
	if auth.IsAuthorized(core.OperationCreate, permits) {
		t.Fatal("public should not create")
	}
	if !auth.IsAuthorized(core.OperationRead, permits) {
		t.Fatal("public not authorized for read")
	}
}

func TestAuthorization_Everybody(t *testing.T) {
	auth := &Authorization{
		Roles: []string{RoleHousekeeping},
	}
	permits := []Permit{{Role: RoleEverybody, Operations: []core.Operation{core.OperationRead}}}

	if auth.IsAuthorized(core.OperationCreate, permits) {
		t.Fatal("everybody should not create")
	}
	if !auth.IsAuthorized(core.OperationRead, permits) {
		t.Fatal("everybody not authorized for read")
	}

	// now try without any authorization, this should not work
	auth = nil
	if auth.IsAuthorized(core.OperationRead, permits) {
		t.Fatal("anonymous should not read")
	}
}

func TestAuthorization_Role(t *testing.T) {
	permits := []Permit{
		{Role: RoleManager, Operations: []core.Operation{core.OperationCreate, core.OperationUpdate}},
		{Role: RoleFrontDesk, Operations: []core.Operation{core.OperationRead}},
	}
	frontDesk := &Authorization{Roles: []string{RoleFrontDesk}}
	assert.True(t, frontDesk.IsAuthorized(core.OperationRead, permits))
	assert.False(t, frontDesk.IsAuthorized(core.OperationUpdate, permits))

	both := &Authorization{Roles: []string{RoleFrontDesk, RoleManager}}
	assert.True(t, both.IsAuthorized(core.OperationUpdate, permits))
	assert.False(t, both.IsAuthorized(core.OperationDelete, permits))
	assert.True(t, both.HasAnyRole(RoleAdmin, RoleManager))
}

func TestAuthorizationCacheExpiry(t *testing.T) {
	cache := NewAuthorizationCache()
	auth := &Authorization{Identity: "anna@hotel.example"}
	cache.Write("valid", auth, time.Now().Add(time.Minute))
	cache.Write("expired", auth, time.Now().Add(-time.Minute))

	assert.Equal(t, auth, cache.Read("valid"))
	assert.Nil(t, cache.Read("expired"))
	cache.Invalidate("valid")
	assert.Nil(t, cache.Read("valid"))
}

func TestTokenIssuer(t *testing.T) {
	issuer := NewTokenIssuer("secret", "hotelier", time.Hour)
	token, expires, err := issuer.Issue(Authorization{
		Identity:   "anna@hotel.example",
		Roles:      []string{RoleManager},
		Properties: map[string]string{"name": "Anna"},
	})
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expires, 5*time.Second)

	auth, _, err := issuer.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "anna@hotel.example", auth.Identity)
	assert.Equal(t, []string{RoleManager}, auth.Roles)
	assert.Equal(t, "Anna", auth.Properties["name"])

	_, _, err = NewTokenIssuer("other", "hotelier", time.Hour).Verify(token)
	assert.Error(t, err, "wrong secret")
	_, _, err = NewTokenIssuer("secret", "someone-else", time.Hour).Verify(token)
	assert.Error(t, err, "wrong issuer")

	expired, _, err := NewTokenIssuer("secret", "hotelier", -time.Minute).Issue(Authorization{Identity: "x"})
	require.NoError(t, err)
	_, _, err = issuer.Verify(expired)
	assert.Error(t, err, "expired token")
}

func authorizationEcho() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := AuthorizationFromContext(r.Context())
		if auth == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Write([]byte(auth.Identity))
	})
}

func TestJwtMiddleware(t *testing.T) {
	issuer := NewTokenIssuer("secret", "hotelier", time.Hour)
	token, _, err := issuer.Issue(Authorization{Identity: "anna@hotel.example", Roles: []string{RoleAdmin}})
	require.NoError(t, err)

	router := mux.NewRouter()
	router.Use(NewJwtMiddleware(&JwtMiddlewareBuilder{Issuer: issuer}))
	router.Handle("/whoami", authorizationEcho())

	request := func(modify func(r *http.Request)) *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodGet, "/whoami", nil)
		modify(r)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, r)
		return w
	}

	w := request(func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) })
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "anna@hotel.example", w.Body.String())

	w = request(func(r *http.Request) { r.AddCookie(&http.Cookie{Name: CookieName, Value: token}) })
	assert.Equal(t, "anna@hotel.example", w.Body.String())

	w = request(func(r *http.Request) { r.Header.Set("Authorization", "Bearer garbage") })
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// a stale cookie falls through unauthenticated
	w = request(func(r *http.Request) { r.AddCookie(&http.Cookie{Name: CookieName, Value: "garbage"}) })
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = request(func(r *http.Request) {})
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestBackdoorMiddleware(t *testing.T) {
	router := mux.NewRouter()
	router.Use(NewBackdoorMiddleware(&BackdoorMiddlewareBuilder{
		Backdoors: map[string]Authorization{"please": {Identity: "backdoor", Roles: []string{RoleAdmin}}},
	}))
	router.Handle("/whoami", authorizationEcho())

	r := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	r.Header.Set("Authorization", "Bearer please")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)
	assert.Equal(t, "backdoor", w.Body.String())

	r = httptest.NewRequest(http.MethodGet, "/whoami", nil)
	r.Header.Set("Authorization", "Bearer pretty please")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, r)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestRateLimiter(t *testing.T) {
	limiter := NewRateLimiter(rate.Every(time.Hour), 3)
	for i := 0; i < 3; i++ {
		assert.True(t, limiter.Allow("10.0.0.1"), "attempt %d", i)
	}
	assert.False(t, limiter.Allow("10.0.0.1"))
	assert.True(t, limiter.Allow("10.0.0.2"))
}
