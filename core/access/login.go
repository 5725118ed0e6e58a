package access

import (
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/relabs-tech/hotelier/core"
	"github.com/relabs-tech/hotelier/core/docstore"
	"github.com/relabs-tech/hotelier/core/logger"
)

// RateLimiter hands out one token bucket per key
type RateLimiter struct {
	mutex    sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*limiterEntry
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows burst events per key, refilled at limit events per second
func NewRateLimiter(limit rate.Limit, burst int) *RateLimiter {
	return &RateLimiter{limit: limit, burst: burst, limiters: map[string]*limiterEntry{}}
}

// Allow reports whether an event for key may happen now
func (l *RateLimiter) Allow(key string) bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	now := time.Now()
	entry, ok := l.limiters[key]
	if !ok {
		// forget idle keys so the map does not grow forever
		for k, e := range l.limiters {
			if now.Sub(e.lastSeen) > 10*time.Minute {
				delete(l.limiters, k)
			}
		}
		entry = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter.Allow()
}

func remoteAddress(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// LoginAPI serves the login, logout and account routes
type LoginAPI struct {
	Accounts *Accounts
	Issuer   *TokenIssuer
	Cache    *AuthorizationCache
	Limiter  *RateLimiter
	// SecureCookie marks the session cookie secure, set it when served over https
	SecureCookie bool
}

// LoginRequest is the body of POST /login
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResponse is returned by POST /login
type LoginResponse struct {
	Token         string        `json:"token"`
	ExpiresAt     time.Time     `json:"expires_at"`
	Authorization Authorization `json:"authorization"`
}

// Login authenticates the credentials for the remote address and issues a token.
// It is shared by the JSON route and the login page.
func (l *LoginAPI) Login(r *http.Request, email, password string) (*LoginResponse, error) {
	if l.Limiter != nil && !l.Limiter.Allow(remoteAddress(r)) {
		return nil, ErrTooManyAttempts
	}
	account, err := l.Accounts.Authenticate(r.Context(), email, password)
	if err != nil {
		return nil, err
	}
	auth := account.Authorization()
	token, expires, err := l.Issuer.Issue(auth)
	if err != nil {
		return nil, err
	}
	return &LoginResponse{Token: token, ExpiresAt: expires, Authorization: auth}, nil
}

// ErrTooManyAttempts is returned by Login when the remote address is throttled
var ErrTooManyAttempts = errors.New("too many login attempts")

// SetSessionCookie stores the token in the session cookie
func (l *LoginAPI) SetSessionCookie(w http.ResponseWriter, token string, expires time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   l.SecureCookie,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearSessionCookie removes the session cookie and forgets the token
func (l *LoginAPI) ClearSessionCookie(w http.ResponseWriter, r *http.Request) {
	if token, _ := tokenFromRequest(r); token != "" && l.Cache != nil {
		l.Cache.Invalidate(token)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   l.SecureCookie,
		SameSite: http.SameSiteLaxMode,
	})
}

func writeJSON(w http.ResponseWriter, status int, object interface{}) {
	jsonData, _ := json.Marshal(object)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(jsonData)
}

var accountPermits = []Permit{{Role: RoleManager, Operations: []core.Operation{core.OperationList, core.OperationRead}}}

// HandleRoutes adds the following routes to the router
//
//	POST /login
//	POST /logout
//	GET  /accounts
//	POST /accounts
//	GET  /accounts/{account_id}
//	PUT  /accounts/{account_id}/active
func (l *LoginAPI) HandleRoutes(router *mux.Router) {
	rlog := logger.Default()
	rlog.Debugln("login")
	rlog.Debugln("  handle route: /login POST")
	rlog.Debugln("  handle route: /logout POST")
	rlog.Debugln("  handle route: /accounts GET,POST")

	router.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		rlog := logger.FromContext(r.Context())
		rlog.Infoln("called route for", r.URL, r.Method)
		var req LoginRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
			http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
			return
		}
		res, err := l.Login(r, req.Email, req.Password)
		switch {
		case errors.Is(err, ErrTooManyAttempts):
			http.Error(w, err.Error(), http.StatusTooManyRequests)
			return
		case errors.Is(err, ErrInvalidCredentials):
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		case err != nil:
			rlog.WithError(err).Errorln("Error 4730: login")
			http.Error(w, "Error 4730", http.StatusInternalServerError)
			return
		}
		l.SetSessionCookie(w, res.Token, res.ExpiresAt)
		writeJSON(w, http.StatusOK, res)
	}).Methods(http.MethodPost)

	router.HandleFunc("/logout", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		l.ClearSessionCookie(w, r)
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodPost)

	router.HandleFunc("/accounts", func(w http.ResponseWriter, r *http.Request) {
		rlog := logger.FromContext(r.Context())
		rlog.Infoln("called route for", r.URL, r.Method)
		if !AuthorizationFromContext(r.Context()).IsAuthorized(core.OperationList, accountPermits) {
			http.Error(w, "not authorized", http.StatusUnauthorized)
			return
		}
		accounts, _, err := l.Accounts.List(r.Context(), docstore.ListOptions{})
		if err != nil {
			rlog.WithError(err).Errorln("Error 4731: list accounts")
			http.Error(w, "Error 4731", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, accounts)
	}).Methods(http.MethodGet)

	router.HandleFunc("/accounts", func(w http.ResponseWriter, r *http.Request) {
		rlog := logger.FromContext(r.Context())
		rlog.Infoln("called route for", r.URL, r.Method)
		if !AuthorizationFromContext(r.Context()).IsAuthorized(core.OperationCreate, accountPermits) {
			http.Error(w, "not authorized", http.StatusUnauthorized)
			return
		}
		var na NewAccount
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&na); err != nil {
			http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
			return
		}
		account, err := l.Accounts.CreateAccount(r.Context(), na)
		if errors.Is(err, docstore.ErrConflict) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusCreated, account.Public())
	}).Methods(http.MethodPost)

	router.HandleFunc("/accounts/{account_id}", func(w http.ResponseWriter, r *http.Request) {
		rlog := logger.FromContext(r.Context())
		rlog.Infoln("called route for", r.URL, r.Method)
		if !AuthorizationFromContext(r.Context()).IsAuthorized(core.OperationRead, accountPermits) {
			http.Error(w, "not authorized", http.StatusUnauthorized)
			return
		}
		id, err := uuid.Parse(mux.Vars(r)["account_id"])
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		account, err := l.Accounts.Read(r.Context(), id)
		if errors.Is(err, docstore.ErrNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		if err != nil {
			rlog.WithError(err).Errorln("Error 4732: read account")
			http.Error(w, "Error 4732", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, account.Public())
	}).Methods(http.MethodGet)

	router.HandleFunc("/accounts/{account_id}/active", func(w http.ResponseWriter, r *http.Request) {
		rlog := logger.FromContext(r.Context())
		rlog.Infoln("called route for", r.URL, r.Method)
		if !AuthorizationFromContext(r.Context()).HasRole(RoleAdmin) {
			http.Error(w, "not authorized", http.StatusUnauthorized)
			return
		}
		id, err := uuid.Parse(mux.Vars(r)["account_id"])
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var active bool
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10)).Decode(&active); err != nil {
			http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
			return
		}
		account, err := l.Accounts.SetActive(r.Context(), id, active)
		if errors.Is(err, docstore.ErrNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		if err != nil {
			rlog.WithError(err).Errorln("Error 4733: update account")
			http.Error(w, "Error 4733", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, account.Public())
	}).Methods(http.MethodPut)
}
