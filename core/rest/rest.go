/*Package rest holds the request and response plumbing shared by all APIs:
list query parsing, pagination headers, entity tags, error mapping and
authorization checks.
*/
package rest

import (
	"crypto/md5"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/hotelier/core"
	"github.com/relabs-tech/hotelier/core/access"
	"github.com/relabs-tech/hotelier/core/docstore"
	"github.com/relabs-tech/hotelier/core/logger"
	"github.com/relabs-tech/hotelier/core/schema"
)

// MaxBodySize is the largest request body accepted by DecodeBody
const MaxBodySize = 1 << 20

// BadRequestError marks errors caused by invalid input
type BadRequestError struct {
	Err error
}

func (e *BadRequestError) Error() string { return e.Err.Error() }
func (e *BadRequestError) Unwrap() error { return e.Err }

// BadRequest wraps an error so WriteError answers with http.StatusBadRequest
func BadRequest(format string, a ...interface{}) error {
	return &BadRequestError{Err: fmt.Errorf(format, a...)}
}

// StatusError carries an explicit status code for domain errors
type StatusError struct {
	Status int
	Err    error
}

func (e *StatusError) Error() string { return e.Err.Error() }
func (e *StatusError) Unwrap() error { return e.Err }

// WithStatus binds a domain error to an HTTP status code
func WithStatus(status int, err error) error {
	return &StatusError{Status: status, Err: err}
}

// StatusCode returns the HTTP status for err
func StatusCode(err error) int {
	var (
		statusErr     *StatusError
		badRequestErr *BadRequestError
		validationErr *schema.ValidationError
	)
	switch {
	case errors.As(err, &statusErr):
		return statusErr.Status
	case errors.As(err, &badRequestErr), errors.As(err, &validationErr):
		return http.StatusBadRequest
	case errors.Is(err, docstore.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, docstore.ErrConflict), errors.Is(err, docstore.ErrRevisionMismatch):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// WriteError answers the request with the status that matches err. Internal
// errors are logged and answered with a numbered error only.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusCode(err)
	if status == http.StatusInternalServerError {
		logger.FromContext(r.Context()).WithError(err).Errorf("Error 4700: %s %s", r.Method, r.URL.Path)
		http.Error(w, "Error 4700", status)
		return
	}
	logger.FromContext(r.Context()).Debugf("%s %s: %d %s", r.Method, r.URL.Path, status, err.Error())
	http.Error(w, err.Error(), status)
}

// Authorize returns true if the request is authorized for the operation according to
// the permits. Otherwise it answers with http.StatusUnauthorized and returns false.
func Authorize(w http.ResponseWriter, r *http.Request, operation core.Operation, permits []access.Permit) bool {
	auth := access.AuthorizationFromContext(r.Context())
	if !auth.IsAuthorized(operation, permits) {
		http.Error(w, "not authorized", http.StatusUnauthorized)
		return false
	}
	return true
}

// DecodeBody decodes the JSON request body into v
func DecodeBody(r *http.Request, v interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxBodySize))
	if err != nil {
		return BadRequest("cannot read body: %v", err)
	}
	if len(body) == 0 {
		return BadRequest("empty body")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return BadRequest("invalid body: %v", err)
	}
	return nil
}

// PathID returns the uuid path parameter with the given name
func PathID(r *http.Request, name string) (uuid.UUID, error) {
	value := mux.Vars(r)[name]
	id, err := uuid.Parse(value)
	if err != nil {
		return id, BadRequest("invalid %s '%s'", name, value)
	}
	return id, nil
}

func bytesToEtag(data []byte) string {
	return fmt.Sprintf("\"%x\"", md5.Sum(data))
}

// ifNoneMatchFound returns true if etag is found in ifNoneMatch. The format of ifNoneMatch is one
// of the following:
// If-None-Match: "<etag_value>"
// If-None-Match: "<etag_value>", "<etag_value>", …
// If-None-Match: *
func ifNoneMatchFound(ifNoneMatch, etag string) bool {
	ifNoneMatch = strings.Trim(ifNoneMatch, " ")
	if len(ifNoneMatch) == 0 {
		return false
	}
	if ifNoneMatch == "*" {
		return true
	}
	t := strings.Trim(etag, " \"")
	for _, s := range strings.Split(ifNoneMatch, ",") {
		if strings.Trim(s, " \"") == t {
			return true
		}
	}
	return false
}

// WriteJSON writes object as JSON. Successful reads carry an Etag and are answered
// with http.StatusNotModified when the client already has the current version.
func WriteJSON(w http.ResponseWriter, r *http.Request, status int, object interface{}) {
	jsonData, err := json.MarshalWithOption(object, json.DisableHTMLEscape())
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if status == http.StatusOK && r.Method == http.MethodGet {
		etag := bytesToEtag(jsonData)
		w.Header().Set("Etag", etag)
		if ifNoneMatchFound(r.Header.Get("If-None-Match"), etag) {
			w.WriteHeader(http.StatusNotModified)
			return
		}
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(jsonData)
}

// WritePage writes a list response with pagination headers
func WritePage(w http.ResponseWriter, r *http.Request, items interface{}, p docstore.Pagination) {
	w.Header().Set("Pagination-Limit", strconv.Itoa(p.Limit))
	w.Header().Set("Pagination-Total-Count", strconv.Itoa(p.TotalCount))
	w.Header().Set("Pagination-Page-Count", strconv.Itoa(p.PageCount))
	w.Header().Set("Pagination-Current-Page", strconv.Itoa(p.CurrentPage))
	if !p.Until.IsZero() {
		w.Header().Set("Pagination-Until", p.Until.Format(time.RFC3339Nano))
	}
	WriteJSON(w, r, http.StatusOK, items)
}

// ParseListOptions parses the list query parameters limit, page, from, until, order
// and filter. filter may be repeated. Parameters named in extra are accepted and
// returned as they are; any other parameter is an error.
func ParseListOptions(r *http.Request, extra ...string) (docstore.ListOptions, map[string]string, error) {
	var (
		opts       docstore.ListOptions
		parameters = map[string]string{}
		err        error
	)
	for key, array := range r.URL.Query() {
		if key != "filter" && len(array) > 1 {
			return opts, nil, BadRequest("illegal parameter array '%s'", key)
		}
		value := array[0]
		switch key {
		case "limit":
			opts.Limit, err = strconv.Atoi(value)
			if err == nil && (opts.Limit < 1 || opts.Limit > 100) {
				err = fmt.Errorf("out of range")
			}
		case "page":
			opts.Page, err = strconv.Atoi(value)
			if err == nil && opts.Page < 1 {
				err = fmt.Errorf("out of range")
			}
		case "from":
			opts.From, err = time.Parse(time.RFC3339, value)
		case "until":
			opts.Until, err = time.Parse(time.RFC3339, value)
		case "order":
			if value != "asc" && value != "desc" {
				err = fmt.Errorf("order must be asc or desc")
			}
			opts.Ascending = value == "asc"
		case "filter":
			for _, value := range array {
				var f docstore.Filter
				f, err = docstore.ParseFilter(value)
				if err != nil {
					break
				}
				opts.Filters = append(opts.Filters, f)
			}
		default:
			known := false
			for _, e := range extra {
				if e == key {
					known = true
					parameters[key] = value
				}
			}
			if !known {
				err = fmt.Errorf("unknown query parameter")
			}
		}
		if err != nil {
			return opts, nil, BadRequest("parameter '%s': %v", key, err)
		}
	}
	return opts, parameters, nil
}

// ParseTimeRange parses the from and until query parameters. Missing values default
// to the given range.
func ParseTimeRange(r *http.Request, defaultFrom, defaultUntil time.Time) (from, until time.Time, err error) {
	from, until = defaultFrom, defaultUntil
	q := r.URL.Query()
	if v := q.Get("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			return from, until, BadRequest("parameter 'from': %v", err)
		}
	}
	if v := q.Get("until"); v != "" {
		if until, err = time.Parse(time.RFC3339, v); err != nil {
			return from, until, BadRequest("parameter 'until': %v", err)
		}
	}
	if until.Before(from) {
		return from, until, BadRequest("until must not be before from")
	}
	return from, until, nil
}
