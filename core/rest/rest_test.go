package rest

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/hotelier/core"
	"github.com/relabs-tech/hotelier/core/access"
	"github.com/relabs-tech/hotelier/core/docstore"
	"github.com/relabs-tech/hotelier/core/schema"
)

func TestParseListOptions(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/items?limit=20&page=2&order=asc&filter=status=low_stock&filter=name~towel&from=2025-01-01T00:00:00Z", nil)
	opts, _, err := ParseListOptions(r)
	require.NoError(t, err)
	assert.Equal(t, 20, opts.Limit)
	assert.Equal(t, 2, opts.Page)
	assert.True(t, opts.Ascending)
	assert.Equal(t, 2025, opts.From.Year())
	assert.Equal(t, []docstore.Filter{
		docstore.Equal("status", "low_stock"),
		{Property: "name", Operator: docstore.OperatorLike, Value: "towel"},
	}, opts.Filters)

	for _, query := range []string{"limit=0", "limit=101", "page=0", "order=up", "limit=1&limit=2", "unknown=1", "filter=Bad=1", "until=yesterday"} {
		r := httptest.NewRequest(http.MethodGet, "/items?"+query, nil)
		_, _, err := ParseListOptions(r)
		assert.Error(t, err, query)
		assert.Equal(t, http.StatusBadRequest, StatusCode(err), query)
	}

	r = httptest.NewRequest(http.MethodGet, "/adjustments?type=usage", nil)
	_, parameters, err := ParseListOptions(r, "type")
	require.NoError(t, err)
	assert.Equal(t, "usage", parameters["type"])
}

func TestStatusCode(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, StatusCode(fmt.Errorf("no such item: %w", docstore.ErrNotFound)))
	assert.Equal(t, http.StatusConflict, StatusCode(fmt.Errorf("sku: %w", docstore.ErrConflict)))
	assert.Equal(t, http.StatusConflict, StatusCode(docstore.ErrRevisionMismatch))
	assert.Equal(t, http.StatusBadRequest, StatusCode(&schema.ValidationError{SchemaID: "x"}))
	assert.Equal(t, http.StatusConflict, StatusCode(WithStatus(http.StatusConflict, errors.New("insufficient stock"))))
	assert.Equal(t, http.StatusInternalServerError, StatusCode(errors.New("boom")))
}

func TestWriteErrorHidesInternals(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, httptest.NewRequest(http.MethodGet, "/items", nil), errors.New("pq: connection refused"))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "Error 4700")
	assert.NotContains(t, w.Body.String(), "pq")
}

func TestWriteJSONEtag(t *testing.T) {
	object := map[string]string{"name": "Towel & Robe"}

	w := httptest.NewRecorder()
	WriteJSON(w, httptest.NewRequest(http.MethodGet, "/items/1", nil), http.StatusOK, object)
	require.Equal(t, http.StatusOK, w.Code)
	etag := w.Header().Get("Etag")
	require.NotEmpty(t, etag)
	assert.JSONEq(t, `{"name":"Towel & Robe"}`, w.Body.String())
	assert.Contains(t, w.Body.String(), "&", "no html escaping")

	r := httptest.NewRequest(http.MethodGet, "/items/1", nil)
	r.Header.Set("If-None-Match", `"other", `+etag)
	w = httptest.NewRecorder()
	WriteJSON(w, r, http.StatusOK, object)
	assert.Equal(t, http.StatusNotModified, w.Code)
	assert.Empty(t, w.Body.String())

	w = httptest.NewRecorder()
	WriteJSON(w, httptest.NewRequest(http.MethodPost, "/items", nil), http.StatusCreated, object)
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Empty(t, w.Header().Get("Etag"))
}

func TestWritePage(t *testing.T) {
	w := httptest.NewRecorder()
	WritePage(w, httptest.NewRequest(http.MethodGet, "/items", nil), []string{"a", "b"},
		docstore.Pagination{Limit: 2, TotalCount: 5, PageCount: 3, CurrentPage: 1})
	assert.Equal(t, "2", w.Header().Get("Pagination-Limit"))
	assert.Equal(t, "5", w.Header().Get("Pagination-Total-Count"))
	assert.Equal(t, "3", w.Header().Get("Pagination-Page-Count"))
	assert.Equal(t, "1", w.Header().Get("Pagination-Current-Page"))
	assert.JSONEq(t, `["a","b"]`, w.Body.String())
}

func TestAuthorize(t *testing.T) {
	permits := []access.Permit{{Role: access.RoleFrontDesk, Operations: []core.Operation{core.OperationRead}}}

	r := httptest.NewRequest(http.MethodGet, "/items", nil)
	w := httptest.NewRecorder()
	assert.False(t, Authorize(w, r, core.OperationRead, permits))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	auth := &access.Authorization{Roles: []string{access.RoleFrontDesk}}
	r = r.WithContext(auth.ContextWithAuthorization(r.Context()))
	w = httptest.NewRecorder()
	assert.True(t, Authorize(w, r, core.OperationRead, permits))
}
