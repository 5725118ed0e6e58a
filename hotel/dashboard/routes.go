package dashboard

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/relabs-tech/hotelier/core"
	"github.com/relabs-tech/hotelier/core/access"
	"github.com/relabs-tech/hotelier/core/logger"
	"github.com/relabs-tech/hotelier/core/rest"
)

var permits = []access.Permit{
	{Role: access.RoleManager, Operations: []core.Operation{core.OperationRead}},
	{Role: access.RoleFrontDesk, Operations: []core.Operation{core.OperationRead}},
}

// HandleRoutes adds GET /dashboard to the router
func (d *Dashboard) HandleRoutes(router *mux.Router) {
	logger.Default().Debugln("dashboard")
	logger.Default().Debugln("  handle route: /dashboard GET")

	router.HandleFunc("/dashboard", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !rest.Authorize(w, r, core.OperationRead, permits) {
			return
		}
		s, err := d.Summary(r.Context())
		if err != nil {
			rest.WriteError(w, r, err)
			return
		}
		rest.WriteJSON(w, r, http.StatusOK, s)
	}).Methods(http.MethodGet)
}
