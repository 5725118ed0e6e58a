package order

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/relabs-tech/hotelier/core"
	"github.com/relabs-tech/hotelier/core/access"
	"github.com/relabs-tech/hotelier/core/docstore"
	"github.com/relabs-tech/hotelier/core/logger"
	"github.com/relabs-tech/hotelier/core/rest"
	"github.com/relabs-tech/hotelier/hotel/inventory"
)

var permits = []access.Permit{
	{Role: access.RoleManager, Operations: []core.Operation{core.OperationCreate, core.OperationRead,
		core.OperationUpdate, core.OperationDelete, core.OperationList}},
	{Role: access.RoleHousekeeping, Operations: []core.Operation{core.OperationRead, core.OperationList}},
	{Role: access.RoleMaintenance, Operations: []core.Operation{core.OperationRead, core.OperationList}},
}

// receivePermits allow the staff taking deliveries to book them
var receivePermits = []access.Permit{
	{Role: access.RoleManager, Operations: []core.Operation{core.OperationUpdate}},
	{Role: access.RoleHousekeeping, Operations: []core.Operation{core.OperationUpdate}},
	{Role: access.RoleMaintenance, Operations: []core.Operation{core.OperationUpdate}},
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrInvalidTransition):
		err = rest.WithStatus(http.StatusBadRequest, err)
	case errors.Is(err, ErrLocked), errors.Is(err, inventory.ErrInactiveItem):
		err = rest.WithStatus(http.StatusConflict, err)
	}
	rest.WriteError(w, r, err)
}

// HandleRoutes adds the following routes to the router
//
//	GET,POST /orders
//	GET,PUT,DELETE /orders/{order_id}
//	POST /orders/{order_id}/status
//	POST /orders/{order_id}/receive
//	GET /orders/reports/summary
func (a *API) HandleRoutes(router *mux.Router) {
	logger.Default().Debugln("purchase orders")
	logger.Default().Debugln("  handle route: /orders GET,POST")
	logger.Default().Debugln("  handle route: /orders/{order_id} GET,PUT,DELETE")
	logger.Default().Debugln("  handle route: /orders/{order_id}/status POST")
	logger.Default().Debugln("  handle route: /orders/{order_id}/receive POST")

	router.HandleFunc("/orders/reports/summary", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !rest.Authorize(w, r, core.OperationRead, permits[:1]) {
			return
		}
		now := time.Now().UTC()
		from, until, err := rest.ParseTimeRange(r, now.AddDate(0, -1, 0), now)
		if err != nil {
			writeError(w, r, err)
			return
		}
		summary, err := a.Summary(r.Context(), from, until)
		if err != nil {
			writeError(w, r, err)
			return
		}
		rest.WriteJSON(w, r, http.StatusOK, summary)
	}).Methods(http.MethodGet)

	router.HandleFunc("/orders", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !rest.Authorize(w, r, core.OperationList, permits) {
			return
		}
		opts, parameters, err := rest.ParseListOptions(r, "supplier_id", "status", "order_number")
		if err != nil {
			writeError(w, r, err)
			return
		}
		for property, value := range parameters {
			opts.Filters = append(opts.Filters, docstore.Equal(property, value))
		}
		orders, pagination, err := a.List(r.Context(), opts)
		if err != nil {
			writeError(w, r, err)
			return
		}
		rest.WritePage(w, r, orders, pagination)
	}).Methods(http.MethodGet)

	router.HandleFunc("/orders", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !rest.Authorize(w, r, core.OperationCreate, permits) {
			return
		}
		o := &Order{}
		if err := rest.DecodeBody(r, o); err != nil {
			writeError(w, r, err)
			return
		}
		if err := a.Create(r.Context(), o); err != nil {
			writeError(w, r, err)
			return
		}
		rest.WriteJSON(w, r, http.StatusCreated, o)
	}).Methods(http.MethodPost)

	router.HandleFunc("/orders/{order_id}", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !rest.Authorize(w, r, core.OperationRead, permits) {
			return
		}
		id, err := rest.PathID(r, "order_id")
		if err != nil {
			writeError(w, r, err)
			return
		}
		o, err := a.Read(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		rest.WriteJSON(w, r, http.StatusOK, o)
	}).Methods(http.MethodGet)

	router.HandleFunc("/orders/{order_id}", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !rest.Authorize(w, r, core.OperationUpdate, permits) {
			return
		}
		id, err := rest.PathID(r, "order_id")
		if err != nil {
			writeError(w, r, err)
			return
		}
		o, err := a.Read(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if err := rest.DecodeBody(r, o); err != nil {
			writeError(w, r, err)
			return
		}
		o.OrderID = id
		if err := a.Update(r.Context(), o); err != nil {
			writeError(w, r, err)
			return
		}
		rest.WriteJSON(w, r, http.StatusOK, o)
	}).Methods(http.MethodPut)

	router.HandleFunc("/orders/{order_id}", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !rest.Authorize(w, r, core.OperationDelete, permits) {
			return
		}
		id, err := rest.PathID(r, "order_id")
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

	router.HandleFunc("/orders/{order_id}/status", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !rest.Authorize(w, r, core.OperationUpdate, permits) {
			return
		}
		id, err := rest.PathID(r, "order_id")
		if err != nil {
			writeError(w, r, err)
			return
		}
		var body struct {
			Status string `json:"status"`
		}
		if err := rest.DecodeBody(r, &body); err != nil {
			writeError(w, r, err)
			return
		}
		o, err := a.Transition(r.Context(), id, body.Status)
		if err != nil {
			writeError(w, r, err)
			return
		}
		rest.WriteJSON(w, r, http.StatusOK, o)
	}).Methods(http.MethodPost)

	router.HandleFunc("/orders/{order_id}/receive", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !rest.Authorize(w, r, core.OperationUpdate, receivePermits) {
			return
		}
		id, err := rest.PathID(r, "order_id")
		if err != nil {
			writeError(w, r, err)
			return
		}
		var body struct {
			Lines []ReceiveLine `json:"lines"`
		}
		if err := rest.DecodeBody(r, &body); err != nil {
			writeError(w, r, err)
			return
		}
		o, err := a.Receive(r.Context(), id, body.Lines)
		if err != nil {
			writeError(w, r, err)
			return
		}
		rest.WriteJSON(w, r, http.StatusOK, o)
	}).Methods(http.MethodPost)
}
