package billing

import (
	"bytes"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/relabs-tech/hotelier/core"
	"github.com/relabs-tech/hotelier/core/access"
	"github.com/relabs-tech/hotelier/core/docstore"
	"github.com/relabs-tech/hotelier/core/logger"
	"github.com/relabs-tech/hotelier/core/rest"
)

var (
	permits = []access.Permit{
		{Role: access.RoleManager, Operations: []core.Operation{core.OperationCreate, core.OperationRead,
			core.OperationUpdate, core.OperationDelete, core.OperationList}},
		{Role: access.RoleFrontDesk, Operations: []core.Operation{core.OperationCreate, core.OperationRead,
			core.OperationUpdate, core.OperationList}},
	}
	// voidPermits are for managers only
	voidPermits = permits[:1]
)

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrOverpayment), errors.Is(err, ErrInvoiceClosed), errors.Is(err, ErrNotIssued):
		err = rest.WithStatus(http.StatusConflict, err)
	}
	rest.WriteError(w, r, err)
}

// HandleRoutes adds the following routes to the router
//
//	GET,POST /invoices
//	GET,PUT,DELETE /invoices/{invoice_id}
//	POST /invoices/{invoice_id}/issue
//	POST /invoices/{invoice_id}/void
//	GET,POST /invoices/{invoice_id}/payments
//	GET /invoices/{invoice_id}/document
//	GET /billing/reports/revenue
//	GET /billing/reports/outstanding
func (a *API) HandleRoutes(router *mux.Router) {
	logger.Default().Debugln("billing")
	logger.Default().Debugln("  handle route: /invoices GET,POST")
	logger.Default().Debugln("  handle route: /invoices/{invoice_id} GET,PUT,DELETE")
	logger.Default().Debugln("  handle route: /invoices/{invoice_id}/issue POST")
	logger.Default().Debugln("  handle route: /invoices/{invoice_id}/void POST")
	logger.Default().Debugln("  handle route: /invoices/{invoice_id}/payments GET,POST")
	logger.Default().Debugln("  handle route: /invoices/{invoice_id}/document GET")
	logger.Default().Debugln("  handle route: /billing/reports/revenue GET")
	logger.Default().Debugln("  handle route: /billing/reports/outstanding GET")

	router.HandleFunc("/invoices", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !rest.Authorize(w, r, core.OperationList, permits) {
			return
		}
		opts, parameters, err := rest.ParseListOptions(r, "member_id", "room_number", "status", "invoice_number")
		if err != nil {
			writeError(w, r, err)
			return
		}
		for property, value := range parameters {
			opts.Filters = append(opts.Filters, docstore.Equal(property, value))
		}
		invoices, pagination, err := a.List(r.Context(), opts)
		if err != nil {
			writeError(w, r, err)
			return
		}
		rest.WritePage(w, r, invoices, pagination)
	}).Methods(http.MethodGet)

	router.HandleFunc("/invoices", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !rest.Authorize(w, r, core.OperationCreate, permits) {
			return
		}
		i := &Invoice{}
		if err := rest.DecodeBody(r, i); err != nil {
			writeError(w, r, err)
			return
		}
		if err := a.Create(r.Context(), i); err != nil {
			writeError(w, r, err)
			return
		}
		rest.WriteJSON(w, r, http.StatusCreated, i)
	}).Methods(http.MethodPost)

	router.HandleFunc("/invoices/{invoice_id}", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !rest.Authorize(w, r, core.OperationRead, permits) {
			return
		}
		id, err := rest.PathID(r, "invoice_id")
		if err != nil {
			writeError(w, r, err)
			return
		}
		i, err := a.Read(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		rest.WriteJSON(w, r, http.StatusOK, i)
	}).Methods(http.MethodGet)

	router.HandleFunc("/invoices/{invoice_id}", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !rest.Authorize(w, r, core.OperationUpdate, permits) {
			return
		}
		id, err := rest.PathID(r, "invoice_id")
		if err != nil {
			writeError(w, r, err)
			return
		}
		i, err := a.Read(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if err := rest.DecodeBody(r, i); err != nil {
			writeError(w, r, err)
			return
		}
		i.InvoiceID = id
		if err := a.Update(r.Context(), i); err != nil {
			writeError(w, r, err)
			return
		}
		rest.WriteJSON(w, r, http.StatusOK, i)
	}).Methods(http.MethodPut)

	router.HandleFunc("/invoices/{invoice_id}", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !rest.Authorize(w, r, core.OperationDelete, permits) {
			return
		}
		id, err := rest.PathID(r, "invoice_id")
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

	router.HandleFunc("/invoices/{invoice_id}/issue", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !rest.Authorize(w, r, core.OperationUpdate, permits) {
			return
		}
		id, err := rest.PathID(r, "invoice_id")
		if err != nil {
			writeError(w, r, err)
			return
		}
		i, err := a.Issue(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		rest.WriteJSON(w, r, http.StatusOK, i)
	}).Methods(http.MethodPost)

	router.HandleFunc("/invoices/{invoice_id}/void", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !rest.Authorize(w, r, core.OperationUpdate, voidPermits) {
			return
		}
		id, err := rest.PathID(r, "invoice_id")
		if err != nil {
			writeError(w, r, err)
			return
		}
		i, err := a.Void(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		rest.WriteJSON(w, r, http.StatusOK, i)
	}).Methods(http.MethodPost)

	router.HandleFunc("/invoices/{invoice_id}/payments", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !rest.Authorize(w, r, core.OperationCreate, permits) {
			return
		}
		id, err := rest.PathID(r, "invoice_id")
		if err != nil {
			writeError(w, r, err)
			return
		}
		p := &Payment{}
		if err := rest.DecodeBody(r, p); err != nil {
			writeError(w, r, err)
			return
		}
		i, err := a.RecordPayment(r.Context(), id, p)
		if err != nil {
			writeError(w, r, err)
			return
		}
		rest.WriteJSON(w, r, http.StatusCreated, struct {
			Payment *Payment `json:"payment"`
			Invoice *Invoice `json:"invoice"`
		}{p, i})
	}).Methods(http.MethodPost)

	router.HandleFunc("/invoices/{invoice_id}/payments", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !rest.Authorize(w, r, core.OperationList, permits) {
			return
		}
		id, err := rest.PathID(r, "invoice_id")
		if err != nil {
			writeError(w, r, err)
			return
		}
		payments, err := a.ListPayments(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if payments == nil {
			payments = []Payment{}
		}
		rest.WriteJSON(w, r, http.StatusOK, payments)
	}).Methods(http.MethodGet)

	router.HandleFunc("/invoices/{invoice_id}/document", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !rest.Authorize(w, r, core.OperationRead, permits) {
			return
		}
		id, err := rest.PathID(r, "invoice_id")
		if err != nil {
			writeError(w, r, err)
			return
		}
		i, err := a.Read(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		url, err := a.DocumentURL(i)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if url != "" {
			http.Redirect(w, r, url, http.StatusTemporaryRedirect)
			return
		}
		if a.renderer == nil {
			http.Error(w, "invoice documents are not configured", http.StatusNotImplemented)
			return
		}
		var document bytes.Buffer
		if err := a.Render(r.Context(), &document, i); err != nil {
			writeError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write(document.Bytes())
	}).Methods(http.MethodGet)

	router.HandleFunc("/billing/reports/revenue", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !rest.Authorize(w, r, core.OperationRead, voidPermits) {
			return
		}
		now := time.Now().UTC()
		from, until, err := rest.ParseTimeRange(r, now.AddDate(0, 0, -30), now)
		if err != nil {
			writeError(w, r, err)
			return
		}
		report, err := a.Revenue(r.Context(), from, until)
		if err != nil {
			writeError(w, r, err)
			return
		}
		rest.WriteJSON(w, r, http.StatusOK, report)
	}).Methods(http.MethodGet)

	router.HandleFunc("/billing/reports/outstanding", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !rest.Authorize(w, r, core.OperationRead, voidPermits) {
			return
		}
		o, err := a.Outstanding(r.Context(), time.Now().UTC())
		if err != nil {
			writeError(w, r, err)
			return
		}
		rest.WriteJSON(w, r, http.StatusOK, o)
	}).Methods(http.MethodGet)
}
