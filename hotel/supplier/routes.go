package supplier

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/relabs-tech/hotelier/core"
	"github.com/relabs-tech/hotelier/core/access"
	"github.com/relabs-tech/hotelier/core/docstore"
	"github.com/relabs-tech/hotelier/core/logger"
	"github.com/relabs-tech/hotelier/core/rest"
)

var permits = []access.Permit{
	{Role: access.RoleEverybody, Operations: []core.Operation{core.OperationRead, core.OperationList}},
	{Role: access.RoleManager, Operations: []core.Operation{core.OperationCreate, core.OperationRead,
		core.OperationUpdate, core.OperationDelete, core.OperationList}},
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, ErrSupplierInUse) {
		err = rest.WithStatus(http.StatusConflict, err)
	}
	rest.WriteError(w, r, err)
}

// HandleRoutes adds the following routes to the router
//
//	GET,POST /suppliers
//	GET,PUT,DELETE /suppliers/{supplier_id}
//	GET /suppliers/{supplier_id}/items
//	GET /suppliers/{supplier_id}/performance
func (a *API) HandleRoutes(router *mux.Router) {
	logger.Default().Debugln("suppliers")
	logger.Default().Debugln("  handle route: /suppliers GET,POST")
	logger.Default().Debugln("  handle route: /suppliers/{supplier_id} GET,PUT,DELETE")

	router.HandleFunc("/suppliers", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !rest.Authorize(w, r, core.OperationList, permits) {
			return
		}
		opts, parameters, err := rest.ParseListOptions(r, "status", "name")
		if err != nil {
			writeError(w, r, err)
			return
		}
		if status, ok := parameters["status"]; ok {
			opts.Filters = append(opts.Filters, docstore.Equal("status", status))
		}
		if name, ok := parameters["name"]; ok {
			opts.Filters = append(opts.Filters, docstore.Filter{Property: "name", Operator: docstore.OperatorLike, Value: name})
		}
		suppliers, pagination, err := a.List(r.Context(), opts)
		if err != nil {
			writeError(w, r, err)
			return
		}
		rest.WritePage(w, r, suppliers, pagination)
	}).Methods(http.MethodGet)

	router.HandleFunc("/suppliers", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !rest.Authorize(w, r, core.OperationCreate, permits) {
			return
		}
		s := &Supplier{Status: StatusActive}
		if err := rest.DecodeBody(r, s); err != nil {
			writeError(w, r, err)
			return
		}
		if err := a.Create(r.Context(), s); err != nil {
			writeError(w, r, err)
			return
		}
		rest.WriteJSON(w, r, http.StatusCreated, s)
	}).Methods(http.MethodPost)

	router.HandleFunc("/suppliers/{supplier_id}", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !rest.Authorize(w, r, core.OperationRead, permits) {
			return
		}
		id, err := rest.PathID(r, "supplier_id")
		if err != nil {
			writeError(w, r, err)
			return
		}
		s, err := a.Read(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		rest.WriteJSON(w, r, http.StatusOK, s)
	}).Methods(http.MethodGet)

	router.HandleFunc("/suppliers/{supplier_id}", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !rest.Authorize(w, r, core.OperationUpdate, permits) {
			return
		}
		id, err := rest.PathID(r, "supplier_id")
		if err != nil {
			writeError(w, r, err)
			return
		}
		s, err := a.Read(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if err := rest.DecodeBody(r, s); err != nil {
			writeError(w, r, err)
			return
		}
		s.SupplierID = id
		cascaded, err := a.Update(r.Context(), s)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if cascaded > 0 {
			w.Header().Set("Cascaded-Items", strconv.Itoa(cascaded))
		}
		rest.WriteJSON(w, r, http.StatusOK, s)
	}).Methods(http.MethodPut)

	router.HandleFunc("/suppliers/{supplier_id}", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !rest.Authorize(w, r, core.OperationDelete, permits) {
			return
		}
		id, err := rest.PathID(r, "supplier_id")
		if err != nil {
			writeError(w, r, err)
			return
		}
		if err := a.Delete(r.Context(), id); err != nil {
			writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodDelete)

	router.HandleFunc("/suppliers/{supplier_id}/items", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !rest.Authorize(w, r, core.OperationList, permits) {
			return
		}
		id, err := rest.PathID(r, "supplier_id")
		if err != nil {
			writeError(w, r, err)
			return
		}
		opts, _, err := rest.ParseListOptions(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		opts.Filters = append(opts.Filters, docstore.Equal("supplier_id", id.String()))
		items, pagination, err := a.inventory.ListItems(r.Context(), opts)
		if err != nil {
			writeError(w, r, err)
			return
		}
		rest.WritePage(w, r, items, pagination)
	}).Methods(http.MethodGet)

	router.HandleFunc("/suppliers/{supplier_id}/performance", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !rest.Authorize(w, r, core.OperationRead, permits) {
			return
		}
		id, err := rest.PathID(r, "supplier_id")
		if err != nil {
			writeError(w, r, err)
			return
		}
		p, err := a.Performance(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		rest.WriteJSON(w, r, http.StatusOK, p)
	}).Methods(http.MethodGet)
}
