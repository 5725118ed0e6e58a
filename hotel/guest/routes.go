package guest

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
	{Role: access.RoleEverybody, Operations: []core.Operation{core.OperationCreate, core.OperationRead,
		core.OperationUpdate, core.OperationList}},
	{Role: access.RoleManager, Operations: []core.Operation{core.OperationDelete}},
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrInvalidTransition):
		err = rest.WithStatus(http.StatusBadRequest, err)
	case errors.Is(err, inventory.ErrInsufficientStock), errors.Is(err, inventory.ErrInactiveItem):
		err = rest.WithStatus(http.StatusConflict, err)
	case errors.Is(err, ErrNoStorage):
		err = rest.WithStatus(http.StatusNotImplemented, err)
	}
	rest.WriteError(w, r, err)
}

// requestView is a request with download URLs for its attachments
type requestView struct {
	*Request
	AttachmentURLs []Attachment `json:"attachment_urls"`
}

// HandleRoutes adds the following routes to the router
//
//	GET,POST /guest_requests
//	GET /guest_requests/stats
//	GET,PUT,DELETE /guest_requests/{request_id}
//	POST /guest_requests/{request_id}/status
//	POST /guest_requests/{request_id}/assign
//	POST /guest_requests/{request_id}/attachments
func (a *API) HandleRoutes(router *mux.Router) {
	logger.Default().Debugln("guest requests")
	logger.Default().Debugln("  handle route: /guest_requests GET,POST")
	logger.Default().Debugln("  handle route: /guest_requests/stats GET")
	logger.Default().Debugln("  handle route: /guest_requests/{request_id} GET,PUT,DELETE")
	logger.Default().Debugln("  handle route: /guest_requests/{request_id}/{status,assign,attachments} POST")

	router.HandleFunc("/guest_requests", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !rest.Authorize(w, r, core.OperationList, permits) {
			return
		}
		opts, parameters, err := rest.ParseListOptions(r, "type", "room_number", "priority", "status", "assigned_to")
		if err != nil {
			writeError(w, r, err)
			return
		}
		for property, value := range parameters {
			opts.Filters = append(opts.Filters, docstore.Equal(property, value))
		}
		requests, pagination, err := a.List(r.Context(), opts)
		if err != nil {
			writeError(w, r, err)
			return
		}
		rest.WritePage(w, r, requests, pagination)
	}).Methods(http.MethodGet)

	router.HandleFunc("/guest_requests", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !rest.Authorize(w, r, core.OperationCreate, permits) {
			return
		}
		request := &Request{}
		if err := rest.DecodeBody(r, request); err != nil {
			writeError(w, r, err)
			return
		}
		if err := a.Create(r.Context(), request); err != nil {
			writeError(w, r, err)
			return
		}
		rest.WriteJSON(w, r, http.StatusCreated, request)
	}).Methods(http.MethodPost)

	router.HandleFunc("/guest_requests/stats", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !rest.Authorize(w, r, core.OperationRead, permits) {
			return
		}
		now := time.Now().UTC()
		from, until, err := rest.ParseTimeRange(r, now.AddDate(0, 0, -7), now)
		if err != nil {
			writeError(w, r, err)
			return
		}
		stats, err := a.Stats(r.Context(), from, until)
		if err != nil {
			writeError(w, r, err)
			return
		}
		rest.WriteJSON(w, r, http.StatusOK, stats)
	}).Methods(http.MethodGet)

	router.HandleFunc("/guest_requests/{request_id}", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !rest.Authorize(w, r, core.OperationRead, permits) {
			return
		}
		id, err := rest.PathID(r, "request_id")
		if err != nil {
			writeError(w, r, err)
			return
		}
		request, err := a.Read(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		urls, err := a.AttachmentURLs(request)
		if err != nil {
			writeError(w, r, err)
			return
		}
		rest.WriteJSON(w, r, http.StatusOK, requestView{Request: request, AttachmentURLs: urls})
	}).Methods(http.MethodGet)

	router.HandleFunc("/guest_requests/{request_id}", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !rest.Authorize(w, r, core.OperationUpdate, permits) {
			return
		}
		id, err := rest.PathID(r, "request_id")
		if err != nil {
			writeError(w, r, err)
			return
		}
		request, err := a.Read(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if err := rest.DecodeBody(r, request); err != nil {
			writeError(w, r, err)
			return
		}
		request.RequestID = id
		if err := a.Update(r.Context(), request); err != nil {
			writeError(w, r, err)
			return
		}
		rest.WriteJSON(w, r, http.StatusOK, request)
	}).Methods(http.MethodPut)

	router.HandleFunc("/guest_requests/{request_id}", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !rest.Authorize(w, r, core.OperationDelete, permits) {
			return
		}
		id, err := rest.PathID(r, "request_id")
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

	router.HandleFunc("/guest_requests/{request_id}/status", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !rest.Authorize(w, r, core.OperationUpdate, permits) {
			return
		}
		id, err := rest.PathID(r, "request_id")
		if err != nil {
			writeError(w, r, err)
			return
		}
		var change StatusChange
		if err := rest.DecodeBody(r, &change); err != nil {
			writeError(w, r, err)
			return
		}
		request, err := a.Transition(r.Context(), id, change)
		if err != nil {
			writeError(w, r, err)
			return
		}
		rest.WriteJSON(w, r, http.StatusOK, request)
	}).Methods(http.MethodPost)

	router.HandleFunc("/guest_requests/{request_id}/assign", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !rest.Authorize(w, r, core.OperationUpdate, permits) {
			return
		}
		id, err := rest.PathID(r, "request_id")
		if err != nil {
			writeError(w, r, err)
			return
		}
		var body struct {
			AssignedTo string `json:"assigned_to"`
		}
		if err := rest.DecodeBody(r, &body); err != nil {
			writeError(w, r, err)
			return
		}
		request, err := a.Assign(r.Context(), id, body.AssignedTo)
		if err != nil {
			writeError(w, r, err)
			return
		}
		rest.WriteJSON(w, r, http.StatusOK, request)
	}).Methods(http.MethodPost)

	router.HandleFunc("/guest_requests/{request_id}/attachments", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !rest.Authorize(w, r, core.OperationUpdate, permits) {
			return
		}
		id, err := rest.PathID(r, "request_id")
		if err != nil {
			writeError(w, r, err)
			return
		}
		var body struct {
			Filename string `json:"filename"`
		}
		if err := rest.DecodeBody(r, &body); err != nil {
			writeError(w, r, err)
			return
		}
		attachment, err := a.AddAttachment(r.Context(), id, body.Filename)
		if err != nil {
			writeError(w, r, err)
			return
		}
		rest.WriteJSON(w, r, http.StatusCreated, attachment)
	}).Methods(http.MethodPost)
}
