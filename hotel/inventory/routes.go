package inventory

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/relabs-tech/hotelier/core"
	"github.com/relabs-tech/hotelier/core/access"
	"github.com/relabs-tech/hotelier/core/docstore"
	"github.com/relabs-tech/hotelier/core/logger"
	"github.com/relabs-tech/hotelier/core/rest"
)

var (
	readOnly       = []core.Operation{core.OperationRead, core.OperationList}
	allOperations  = []core.Operation{core.OperationCreate, core.OperationRead, core.OperationUpdate, core.OperationDelete, core.OperationList}
	catalogPermits = []access.Permit{
		{Role: access.RoleEverybody, Operations: readOnly},
		{Role: access.RoleManager, Operations: allOperations},
	}
	adjustmentPermits = []access.Permit{
		{Role: access.RoleEverybody, Operations: readOnly},
		{Role: access.RoleManager, Operations: []core.Operation{core.OperationCreate}},
		{Role: access.RoleHousekeeping, Operations: []core.Operation{core.OperationCreate}},
		{Role: access.RoleFrontDesk, Operations: []core.Operation{core.OperationCreate}},
		{Role: access.RoleMaintenance, Operations: []core.Operation{core.OperationCreate}},
	}
	reportPermits = []access.Permit{
		{Role: access.RoleManager, Operations: readOnly},
	}
)

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrInsufficientStock), errors.Is(err, ErrInactiveItem), errors.Is(err, ErrCategoryInUse):
		err = rest.WithStatus(http.StatusConflict, err)
	case errors.Is(err, ErrInvalidAdjustment):
		err = rest.WithStatus(http.StatusBadRequest, err)
	}
	rest.WriteError(w, r, err)
}

// listFilters turns the named query parameters into equality filters. A
// parameter "name" becomes a substring match.
func listFilters(opts *docstore.ListOptions, parameters map[string]string) {
	for property, value := range parameters {
		if property == "name" {
			opts.Filters = append(opts.Filters, docstore.Filter{Property: property, Operator: docstore.OperatorLike, Value: value})
			continue
		}
		opts.Filters = append(opts.Filters, docstore.Equal(property, value))
	}
}

// HandleRoutes adds the following routes to the router
//
//	GET,POST /categories
//	GET,PUT,DELETE /categories/{category_id}
//	GET,POST /items
//	GET,PUT,DELETE /items/{item_id}
//	GET /items/{item_id}/history
//	GET,POST /items/{item_id}/adjustments
//	GET /adjustments
//	GET /inventory/reports/stock
//	GET /inventory/reports/adjustments
//	GET /inventory/reports/low_stock
func (a *API) HandleRoutes(router *mux.Router) {
	rlog := logger.Default()
	rlog.Debugln("inventory")
	rlog.Debugln("  handle route: /categories GET,POST")
	rlog.Debugln("  handle route: /categories/{category_id} GET,PUT,DELETE")
	rlog.Debugln("  handle route: /items GET,POST")
	rlog.Debugln("  handle route: /items/{item_id} GET,PUT,DELETE")
	rlog.Debugln("  handle route: /items/{item_id}/adjustments GET,POST")
	rlog.Debugln("  handle route: /inventory/reports/{report} GET")

	a.handleCategoryRoutes(router)
	a.handleItemRoutes(router)
	a.handleAdjustmentRoutes(router)
	a.handleReportRoutes(router)
}

func (a *API) handleCategoryRoutes(router *mux.Router) {
	router.HandleFunc("/categories", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !rest.Authorize(w, r, core.OperationList, catalogPermits) {
			return
		}
		opts, parameters, err := rest.ParseListOptions(r, "name", "parent_id", "active")
		if err != nil {
			writeError(w, r, err)
			return
		}
		listFilters(&opts, parameters)
		categories, pagination, err := a.ListCategories(r.Context(), opts)
		if err != nil {
			writeError(w, r, err)
			return
		}
		rest.WritePage(w, r, categories, pagination)
	}).Methods(http.MethodGet)

	router.HandleFunc("/categories", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !rest.Authorize(w, r, core.OperationCreate, catalogPermits) {
			return
		}
		category := &Category{Active: true}
		if err := rest.DecodeBody(r, category); err != nil {
			writeError(w, r, err)
			return
		}
		if err := a.CreateCategory(r.Context(), category); err != nil {
			writeError(w, r, err)
			return
		}
		rest.WriteJSON(w, r, http.StatusCreated, category)
	}).Methods(http.MethodPost)

	router.HandleFunc("/categories/{category_id}", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !rest.Authorize(w, r, core.OperationRead, catalogPermits) {
			return
		}
		id, err := rest.PathID(r, "category_id")
		if err != nil {
			writeError(w, r, err)
			return
		}
		category, err := a.ReadCategory(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		rest.WriteJSON(w, r, http.StatusOK, category)
	}).Methods(http.MethodGet)

	router.HandleFunc("/categories/{category_id}", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !rest.Authorize(w, r, core.OperationUpdate, catalogPermits) {
			return
		}
		id, err := rest.PathID(r, "category_id")
		if err != nil {
			writeError(w, r, err)
			return
		}
		category, err := a.ReadCategory(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if err := rest.DecodeBody(r, category); err != nil {
			writeError(w, r, err)
			return
		}
		category.CategoryID = id
		cascaded, err := a.UpdateCategory(r.Context(), category)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if cascaded > 0 {
			w.Header().Set("Cascaded-Items", strconv.Itoa(cascaded))
		}
		rest.WriteJSON(w, r, http.StatusOK, category)
	}).Methods(http.MethodPut)

	router.HandleFunc("/categories/{category_id}", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !rest.Authorize(w, r, core.OperationDelete, catalogPermits) {
			return
		}
		id, err := rest.PathID(r, "category_id")
		if err != nil {
			writeError(w, r, err)
			return
		}
		if err := a.DeleteCategory(r.Context(), id); err != nil {
			writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodDelete)
}

func (a *API) handleItemRoutes(router *mux.Router) {
	router.HandleFunc("/items", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !rest.Authorize(w, r, core.OperationList, catalogPermits) {
			return
		}
		opts, parameters, err := rest.ParseListOptions(r, "category_id", "supplier_id", "status", "sku", "name", "active")
		if err != nil {
			writeError(w, r, err)
			return
		}
		listFilters(&opts, parameters)
		items, pagination, err := a.ListItems(r.Context(), opts)
		if err != nil {
			writeError(w, r, err)
			return
		}
		rest.WritePage(w, r, items, pagination)
	}).Methods(http.MethodGet)

	router.HandleFunc("/items", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !rest.Authorize(w, r, core.OperationCreate, catalogPermits) {
			return
		}
		item, err := a.NewItem(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		if err := rest.DecodeBody(r, item); err != nil {
			writeError(w, r, err)
			return
		}
		if err := a.CreateItem(r.Context(), item); err != nil {
			writeError(w, r, err)
			return
		}
		rest.WriteJSON(w, r, http.StatusCreated, item)
	}).Methods(http.MethodPost)

	router.HandleFunc("/items/{item_id}", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !rest.Authorize(w, r, core.OperationRead, catalogPermits) {
			return
		}
		id, err := rest.PathID(r, "item_id")
		if err != nil {
			writeError(w, r, err)
			return
		}
		item, err := a.ReadItem(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		rest.WriteJSON(w, r, http.StatusOK, item)
	}).Methods(http.MethodGet)

	router.HandleFunc("/items/{item_id}", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !rest.Authorize(w, r, core.OperationUpdate, catalogPermits) {
			return
		}
		id, err := rest.PathID(r, "item_id")
		if err != nil {
			writeError(w, r, err)
			return
		}
		item, err := a.ReadItem(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if err := rest.DecodeBody(r, item); err != nil {
			writeError(w, r, err)
			return
		}
		item.ItemID = id
		if err := a.UpdateItem(r.Context(), item); err != nil {
			writeError(w, r, err)
			return
		}
		rest.WriteJSON(w, r, http.StatusOK, item)
	}).Methods(http.MethodPut)

	router.HandleFunc("/items/{item_id}", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !rest.Authorize(w, r, core.OperationDelete, catalogPermits) {
			return
		}
		id, err := rest.PathID(r, "item_id")
		if err != nil {
			writeError(w, r, err)
			return
		}
		if err := a.DeleteItem(r.Context(), id); err != nil {
			writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodDelete)

	router.HandleFunc("/items/{item_id}/history", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !rest.Authorize(w, r, core.OperationList, reportPermits) {
			return
		}
		id, err := rest.PathID(r, "item_id")
		if err != nil {
			writeError(w, r, err)
			return
		}
		limit := 0
		if v := r.URL.Query().Get("limit"); v != "" {
			if limit, err = strconv.Atoi(v); err != nil {
				writeError(w, r, rest.BadRequest("parameter 'limit': %v", err))
				return
			}
		}
		revisions, next, err := a.ItemHistory(r.Context(), id, r.URL.Query().Get("cursor"), limit)
		if err != nil {
			writeError(w, r, rest.BadRequest("%v", err))
			return
		}
		if next != "" {
			w.Header().Set("Pagination-Next", next)
		}
		rest.WriteJSON(w, r, http.StatusOK, revisions)
	}).Methods(http.MethodGet)
}

func (a *API) handleAdjustmentRoutes(router *mux.Router) {
	router.HandleFunc("/items/{item_id}/adjustments", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !rest.Authorize(w, r, core.OperationCreate, adjustmentPermits) {
			return
		}
		id, err := rest.PathID(r, "item_id")
		if err != nil {
			writeError(w, r, err)
			return
		}
		var request AdjustmentRequest
		if err := rest.DecodeBody(r, &request); err != nil {
			writeError(w, r, err)
			return
		}
		request.PerformedBy = performedBy(r.Context())
		item, adjustment, err := a.AdjustStock(r.Context(), id, request)
		if err != nil {
			writeError(w, r, err)
			return
		}
		rest.WriteJSON(w, r, http.StatusCreated, struct {
			Item       *Item       `json:"item"`
			Adjustment *Adjustment `json:"adjustment"`
		}{item, adjustment})
	}).Methods(http.MethodPost)

	router.HandleFunc("/items/{item_id}/adjustments", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !rest.Authorize(w, r, core.OperationList, adjustmentPermits) {
			return
		}
		id, err := rest.PathID(r, "item_id")
		if err != nil {
			writeError(w, r, err)
			return
		}
		opts, parameters, err := rest.ParseListOptions(r, "type")
		if err != nil {
			writeError(w, r, err)
			return
		}
		parameters["item_id"] = id.String()
		listFilters(&opts, parameters)
		adjustments, pagination, err := a.ListAdjustments(r.Context(), opts)
		if err != nil {
			writeError(w, r, err)
			return
		}
		rest.WritePage(w, r, adjustments, pagination)
	}).Methods(http.MethodGet)

	router.HandleFunc("/adjustments", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !rest.Authorize(w, r, core.OperationList, adjustmentPermits) {
			return
		}
		opts, parameters, err := rest.ParseListOptions(r, "item_id", "type", "reference")
		if err != nil {
			writeError(w, r, err)
			return
		}
		listFilters(&opts, parameters)
		adjustments, pagination, err := a.ListAdjustments(r.Context(), opts)
		if err != nil {
			writeError(w, r, err)
			return
		}
		rest.WritePage(w, r, adjustments, pagination)
	}).Methods(http.MethodGet)
}

func (a *API) handleReportRoutes(router *mux.Router) {
	router.HandleFunc("/inventory/reports/stock", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !rest.Authorize(w, r, core.OperationRead, reportPermits) {
			return
		}
		if date := r.URL.Query().Get("date"); date != "" {
			day, err := time.Parse("2006-01-02", date)
			if err != nil {
				writeError(w, r, rest.BadRequest("parameter 'date': %v", err))
				return
			}
			report, err := a.ReadDailyReport(r.Context(), day)
			if err != nil {
				writeError(w, r, err)
				return
			}
			if report == nil {
				http.Error(w, "no report for "+date, http.StatusNotFound)
				return
			}
			rest.WriteJSON(w, r, http.StatusOK, report)
			return
		}
		report, err := a.StockReport(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		rest.WriteJSON(w, r, http.StatusOK, report)
	}).Methods(http.MethodGet)

	router.HandleFunc("/inventory/reports/adjustments", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !rest.Authorize(w, r, core.OperationRead, reportPermits) {
			return
		}
		now := time.Now().UTC()
		from, until, err := rest.ParseTimeRange(r, now.AddDate(0, 0, -30), now)
		if err != nil {
			writeError(w, r, err)
			return
		}
		report, err := a.AdjustmentReport(r.Context(), from, until)
		if err != nil {
			writeError(w, r, err)
			return
		}
		rest.WriteJSON(w, r, http.StatusOK, report)
	}).Methods(http.MethodGet)

	router.HandleFunc("/inventory/reports/low_stock", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !rest.Authorize(w, r, core.OperationRead, reportPermits) {
			return
		}
		entries, err := a.LowStock(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		rest.WriteJSON(w, r, http.StatusOK, entries)
	}).Methods(http.MethodGet)
}
