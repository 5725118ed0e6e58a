package access

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/hotelier/core/logger"
)

// CookieName is the name of the cookie that carries the token for browser sessions
const CookieName = "Hotelier-JWT"

// TokenIssuer issues and verifies HS256 signed tokens for staff accounts
type TokenIssuer struct {
	secret   []byte
	issuer   string
	validity time.Duration
}

type tokenClaims struct {
	Roles      []string          `json:"roles"`
	Properties map[string]string `json:"properties,omitempty"`
	jwt.StandardClaims
}

// NewTokenIssuer returns a token issuer. Tokens are valid for the given duration.
func NewTokenIssuer(secret, issuer string, validity time.Duration) *TokenIssuer {
	if len(secret) == 0 {
		panic("token issuer requires a secret")
	}
	return &TokenIssuer{secret: []byte(secret), issuer: issuer, validity: validity}
}

// Issue returns a signed token for the authorization and its expiry time
func (t *TokenIssuer) Issue(auth Authorization) (string, time.Time, error) {
	now := time.Now()
	expires := now.Add(t.validity)
	claims := tokenClaims{
		Roles:      auth.Roles,
		Properties: auth.Properties,
		StandardClaims: jwt.StandardClaims{
			Subject:   auth.Identity,
			Issuer:    t.issuer,
			IssuedAt:  now.Unix(),
			ExpiresAt: expires.Unix(),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", expires, fmt.Errorf("cannot sign token: %w", err)
	}
	return token, expires, nil
}

// Verify parses a token and returns the authorization it carries and its expiry time
func (t *TokenIssuer) Verify(tokenString string) (*Authorization, time.Time, error) {
	var claims tokenClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid || claims.Issuer != t.issuer {
		return nil, time.Time{}, errors.New("invalid token")
	}
	auth := &Authorization{
		Identity:   claims.Subject,
		Roles:      claims.Roles,
		Properties: claims.Properties,
	}
	return auth, time.Unix(claims.ExpiresAt, 0), nil
}

// tokenFromRequest returns the bearer token or the session cookie
func tokenFromRequest(r *http.Request) (token string, fromCookie bool) {
	bearer := r.Header.Get("Authorization")
	if len(bearer) > 0 && bearer != "null" {
		if len(bearer) >= 8 && strings.ToLower(bearer[:7]) == "bearer " {
			return bearer[7:], false
		}
		return bearer, false
	}
	if cookie, _ := r.Cookie(CookieName); cookie != nil {
		return cookie.Value, true
	}
	return "", false
}

// JwtMiddlewareBuilder is a helper builder for NewJwtMiddleware
type JwtMiddlewareBuilder struct {
	Issuer *TokenIssuer
	// Cache is optional, a fresh cache is used if nil
	Cache *AuthorizationCache
}

// NewJwtMiddleware returns a middleware handler to validate JWT tokens.
//
// Tokens are accepted as "Authorization: Bearer" header or as Hotelier-JWT cookie.
//
// This is a final handler with regards to the bearer token. It will return
// http.StatusUnauthorized when a bearer token is available but invalid. An
// invalid cookie is ignored, so that an expired browser session ends up on the
// login page instead of an error.
func NewJwtMiddleware(jmb *JwtMiddlewareBuilder) mux.MiddlewareFunc {
	authCache := jmb.Cache
	if authCache == nil {
		authCache = NewAuthorizationCache()
	}

	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if AuthorizationFromContext(r.Context()) != nil { // already authorized?
				h.ServeHTTP(w, r)
				return
			}

			tokenString, fromCookie := tokenFromRequest(r)
			if len(tokenString) == 0 {
				h.ServeHTTP(w, r) // no token no auth, moving on
				return
			}

			auth := authCache.Read(tokenString)
			if auth == nil {
				var (
					expires time.Time
					err     error
				)
				auth, expires, err = jmb.Issuer.Verify(tokenString)
				if err != nil {
					if fromCookie {
						h.ServeHTTP(w, r)
						return
					}
					logger.FromContext(r.Context()).WithError(err).Debugln("rejected bearer token")
					http.Error(w, "invalid token", http.StatusUnauthorized)
					return
				}
				authCache.Write(tokenString, auth, expires)
			}

			ctx := ContextWithIdentity(r.Context(), auth.Identity)
			ctx, _ = logger.ContextWithLoggerIdentity(ctx, auth.Identity)
			ctx = ContextWithAuthorization(ctx, auth)
			h.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
