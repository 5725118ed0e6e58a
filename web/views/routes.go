package views

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/mux"

	"github.com/relabs-tech/hotelier/core"
	"github.com/relabs-tech/hotelier/core/access"
	"github.com/relabs-tech/hotelier/core/docstore"
	"github.com/relabs-tech/hotelier/core/logger"
	"github.com/relabs-tech/hotelier/core/rest"
	"github.com/relabs-tech/hotelier/hotel/settings"
)

var (
	everybody = []access.Permit{
		{Role: access.RoleEverybody, Operations: []core.Operation{core.OperationRead}},
	}
	frontOffice = []access.Permit{
		{Role: access.RoleManager, Operations: []core.Operation{core.OperationRead}},
		{Role: access.RoleFrontDesk, Operations: []core.Operation{core.OperationRead}},
	}
	backOffice = []access.Permit{
		{Role: access.RoleManager, Operations: []core.Operation{core.OperationRead}},
		{Role: access.RoleHousekeeping, Operations: []core.Operation{core.OperationRead}},
		{Role: access.RoleMaintenance, Operations: []core.Operation{core.OperationRead}},
	}
)

// LoginPath is where anonymous requests are sent
const LoginPath = "/admin/login"

// authorize redirects anonymous requests to the login page and rejects staff
// without a permit for the page
func (v *Views) authorize(w http.ResponseWriter, r *http.Request, permits []access.Permit) (string, bool) {
	auth := access.AuthorizationFromContext(r.Context())
	if auth == nil || len(auth.Roles) == 0 {
		http.Redirect(w, r, LoginPath+"?next="+url.QueryEscape(r.URL.RequestURI()), http.StatusFound)
		return "", false
	}
	if !auth.IsAuthorized(core.OperationRead, permits) {
		http.Error(w, "this page is not available for your role", http.StatusForbidden)
		return "", false
	}
	identity := auth.Identity
	if identity == "" {
		identity = strings.Join(auth.Roles, ", ")
	}
	return identity, true
}

// safeNext only allows redirects into the admin pages
func safeNext(next string) string {
	if next == "" || !strings.HasPrefix(next, "/admin") || strings.HasPrefix(next, "//") {
		return "/admin"
	}
	return next
}

func (v *Views) writePage(w http.ResponseWriter, r *http.Request, hotel settings.Settings, status int, name string, data page) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := v.render(w, hotel, name, data); err != nil {
		logger.FromContext(r.Context()).WithError(err).Errorf("Error 5601: cannot render page %s", name)
	}
}

// HandleRoutes adds the following routes to the router
//
//	GET,POST /admin/login
//	POST /admin/logout
//	GET /admin
//	GET /admin/inventory
//	GET /admin/inventory/{item_id}
//	GET /admin/orders
//	GET /admin/requests
//	GET /admin/members
//	GET /admin/invoices
func (v *Views) HandleRoutes(router *mux.Router) {
	logger.Default().Debugln("admin pages")
	logger.Default().Debugln("  handle route: /admin/login GET,POST")
	logger.Default().Debugln("  handle route: /admin/logout POST")
	logger.Default().Debugln("  handle route: /admin GET")
	logger.Default().Debugln("  handle route: /admin/inventory GET")
	logger.Default().Debugln("  handle route: /admin/inventory/{item_id} GET")
	logger.Default().Debugln("  handle route: /admin/orders GET")
	logger.Default().Debugln("  handle route: /admin/requests GET")
	logger.Default().Debugln("  handle route: /admin/members GET")
	logger.Default().Debugln("  handle route: /admin/invoices GET")

	// handlePage wraps a page handler with authorization and the settings
	handlePage := func(path string, permits []access.Permit, handler func(w http.ResponseWriter, r *http.Request, identity string, hotel settings.Settings)) {
		router.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
			logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
			identity, ok := v.authorize(w, r, permits)
			if !ok {
				return
			}
			hotel, err := v.settings.Load(r.Context())
			if err != nil {
				rest.WriteError(w, r, err)
				return
			}
			handler(w, r, identity, hotel)
		}).Methods(http.MethodGet)
	}

	router.HandleFunc(LoginPath, func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		hotel, err := v.settings.Load(r.Context())
		if err != nil {
			rest.WriteError(w, r, err)
			return
		}
		v.writePage(w, r, hotel, http.StatusOK, "login", page{
			Title: "Sign in",
			Data:  map[string]string{"Next": safeNext(r.URL.Query().Get("next")), "Email": "", "Error": ""},
		})
	}).Methods(http.MethodGet)

	router.HandleFunc(LoginPath, func(w http.ResponseWriter, r *http.Request) {
		rlog := logger.FromContext(r.Context())
		rlog.Infoln("called route for", r.URL, r.Method)
		hotel, err := v.settings.Load(r.Context())
		if err != nil {
			rest.WriteError(w, r, err)
			return
		}
		if err := r.ParseForm(); err != nil {
			http.Error(w, "invalid form", http.StatusBadRequest)
			return
		}
		email := strings.TrimSpace(r.PostForm.Get("email"))
		next := safeNext(r.PostForm.Get("next"))
		if v.login == nil {
			http.Error(w, "login is not configured", http.StatusNotImplemented)
			return
		}
		res, err := v.login.Login(r, email, r.PostForm.Get("password"))
		if err != nil {
			status, message := http.StatusUnauthorized, "Invalid email or password"
			if errors.Is(err, access.ErrTooManyAttempts) {
				status, message = http.StatusTooManyRequests, "Too many attempts, try again in a minute"
			}
			rlog.WithError(err).Warnln("admin login failed for", email)
			v.writePage(w, r, hotel, status, "login", page{
				Title: "Sign in",
				Data:  map[string]string{"Next": next, "Email": email, "Error": message},
			})
			return
		}
		v.login.SetSessionCookie(w, res.Token, res.ExpiresAt)
		http.Redirect(w, r, next, http.StatusSeeOther)
	}).Methods(http.MethodPost)

	router.HandleFunc("/admin/logout", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if v.login != nil {
			v.login.ClearSessionCookie(w, r)
		}
		http.Redirect(w, r, LoginPath, http.StatusSeeOther)
	}).Methods(http.MethodPost)

	handlePage("/admin", frontOffice, func(w http.ResponseWriter, r *http.Request, identity string, hotel settings.Settings) {
		summary, err := v.dashboard.Summary(r.Context())
		if err != nil {
			rest.WriteError(w, r, err)
			return
		}
		v.writePage(w, r, hotel, http.StatusOK, "dashboard", page{
			Title:    "Dashboard",
			Identity: identity,
			Refresh:  []string{"dashboard_refresh"},
			Data:     summary,
		})
	})

	handlePage("/admin/inventory", everybody, func(w http.ResponseWriter, r *http.Request, identity string, hotel settings.Settings) {
		opts, parameters, err := rest.ParseListOptions(r, "status", "category_id")
		if err != nil {
			rest.WriteError(w, r, err)
			return
		}
		for property, value := range parameters {
			opts.Filters = append(opts.Filters, docstore.Equal(property, value))
		}
		items, pagination, err := v.inventory.ListItems(r.Context(), opts)
		if err != nil {
			rest.WriteError(w, r, err)
			return
		}
		v.writePage(w, r, hotel, http.StatusOK, "inventory", page{
			Title:    "Inventory",
			Identity: identity,
			Refresh:  []string{"inventory_update"},
			Data: map[string]interface{}{
				"Items":      items,
				"Pagination": pagination,
			},
		})
	})

	handlePage("/admin/inventory/{item_id}", everybody, func(w http.ResponseWriter, r *http.Request, identity string, hotel settings.Settings) {
		id, err := rest.PathID(r, "item_id")
		if err != nil {
			rest.WriteError(w, r, err)
			return
		}
		item, err := v.inventory.ReadItem(r.Context(), id)
		if err != nil {
			rest.WriteError(w, r, err)
			return
		}
		opts, _, err := rest.ParseListOptions(r)
		if err != nil {
			rest.WriteError(w, r, err)
			return
		}
		opts.Filters = append(opts.Filters, docstore.Equal("item_id", id.String()))
		adjustments, pagination, err := v.inventory.ListAdjustments(r.Context(), opts)
		if err != nil {
			rest.WriteError(w, r, err)
			return
		}
		v.writePage(w, r, hotel, http.StatusOK, "item", page{
			Title:    item.Name,
			Identity: identity,
			Refresh:  []string{"inventory_update"},
			Data: map[string]interface{}{
				"Item":        item,
				"Adjustments": adjustments,
				"Pagination":  pagination,
			},
		})
	})

	handlePage("/admin/orders", backOffice, func(w http.ResponseWriter, r *http.Request, identity string, hotel settings.Settings) {
		opts, parameters, err := rest.ParseListOptions(r, "status", "supplier_id")
		if err != nil {
			rest.WriteError(w, r, err)
			return
		}
		for property, value := range parameters {
			opts.Filters = append(opts.Filters, docstore.Equal(property, value))
		}
		orders, pagination, err := v.orders.List(r.Context(), opts)
		if err != nil {
			rest.WriteError(w, r, err)
			return
		}
		v.writePage(w, r, hotel, http.StatusOK, "orders", page{
			Title:    "Purchase orders",
			Identity: identity,
			Refresh:  []string{"order_update"},
			Data: map[string]interface{}{
				"Orders":     orders,
				"Pagination": pagination,
			},
		})
	})

	handlePage("/admin/requests", everybody, func(w http.ResponseWriter, r *http.Request, identity string, hotel settings.Settings) {
		opts, parameters, err := rest.ParseListOptions(r, "status", "type", "priority", "room_number")
		if err != nil {
			rest.WriteError(w, r, err)
			return
		}
		for property, value := range parameters {
			opts.Filters = append(opts.Filters, docstore.Equal(property, value))
		}
		requests, pagination, err := v.requests.List(r.Context(), opts)
		if err != nil {
			rest.WriteError(w, r, err)
			return
		}
		v.writePage(w, r, hotel, http.StatusOK, "requests", page{
			Title:    "Guest requests",
			Identity: identity,
			Refresh:  []string{"request_update"},
			Data: map[string]interface{}{
				"Requests":   requests,
				"Pagination": pagination,
			},
		})
	})

	handlePage("/admin/members", frontOffice, func(w http.ResponseWriter, r *http.Request, identity string, hotel settings.Settings) {
		opts, parameters, err := rest.ParseListOptions(r, "tier", "status")
		if err != nil {
			rest.WriteError(w, r, err)
			return
		}
		for property, value := range parameters {
			opts.Filters = append(opts.Filters, docstore.Equal(property, value))
		}
		members, pagination, err := v.members.ListMembers(r.Context(), opts)
		if err != nil {
			rest.WriteError(w, r, err)
			return
		}
		v.writePage(w, r, hotel, http.StatusOK, "members", page{
			Title:    "Loyalty members",
			Identity: identity,
			Refresh:  []string{"loyalty_update"},
			Data: map[string]interface{}{
				"Members":    members,
				"Pagination": pagination,
			},
		})
	})

	handlePage("/admin/invoices", frontOffice, func(w http.ResponseWriter, r *http.Request, identity string, hotel settings.Settings) {
		opts, parameters, err := rest.ParseListOptions(r, "status", "room_number")
		if err != nil {
			rest.WriteError(w, r, err)
			return
		}
		for property, value := range parameters {
			opts.Filters = append(opts.Filters, docstore.Equal(property, value))
		}
		invoices, pagination, err := v.invoices.List(r.Context(), opts)
		if err != nil {
			rest.WriteError(w, r, err)
			return
		}
		v.writePage(w, r, hotel, http.StatusOK, "invoices", page{
			Title:    "Invoices",
			Identity: identity,
			Refresh:  []string{"invoice_update"},
			Data: map[string]interface{}{
				"Invoices":   invoices,
				"Pagination": pagination,
			},
		})
	})
}
