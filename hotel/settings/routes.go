package settings

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/relabs-tech/hotelier/core"
	"github.com/relabs-tech/hotelier/core/access"
	"github.com/relabs-tech/hotelier/core/logger"
	"github.com/relabs-tech/hotelier/core/rest"
)

var permits = []access.Permit{
	{Role: access.RoleEverybody, Operations: []core.Operation{core.OperationRead}},
}

// HandleRoutes adds the following routes to the router
//
//	GET /settings
//	PUT /settings (admin)
func (s *Store) HandleRoutes(router *mux.Router) {
	logger.Default().Debugln("settings")
	logger.Default().Debugln("  handle route: /settings GET,PUT")

	router.HandleFunc("/settings", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !rest.Authorize(w, r, core.OperationRead, permits) {
			return
		}
		settings, err := s.Load(r.Context())
		if err != nil {
			rest.WriteError(w, r, err)
			return
		}
		rest.WriteJSON(w, r, http.StatusOK, settings)
	}).Methods(http.MethodGet)

	router.HandleFunc("/settings", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !rest.Authorize(w, r, core.OperationUpdate, permits) {
			return
		}
		settings := Default()
		if err := rest.DecodeBody(r, &settings); err != nil {
			rest.WriteError(w, r, err)
			return
		}
		if err := settings.Validate(); err != nil {
			rest.WriteError(w, r, rest.WithStatus(http.StatusBadRequest, err))
			return
		}
		settings, err := s.Save(r.Context(), settings)
		if err != nil {
			rest.WriteError(w, r, err)
			return
		}
		rest.WriteJSON(w, r, http.StatusOK, settings)
	}).Methods(http.MethodPut)
}
