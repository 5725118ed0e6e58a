/*
Package client provides easy and fast in-process access to the REST api

Instead of marshalling HTTP, the client talks directly to the mux router. The client
is the tool of choice if one request handler needs to call other handlers to fulfill
its task. It is also perfectly suited for unit tests. With NewWithURL the same
calls go over the network.
*/
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/hotelier/core/access"
)

// Client provides easy access to the REST API.
type Client struct {
	router     *mux.Router
	httpClient *http.Client
	url        string
	token      string
	auth       *access.Authorization
	ctx        context.Context

	defaultHeaders map[string]string
}

// NewWithRouter creates a client to make pseudo-REST requests to the backend,
// through the mux router
//
// WithAuthorization() adds an authorization to the request context.
// WithContext() specifies a different base context all together.
func NewWithRouter(router *mux.Router) Client {
	return Client{
		router:         router,
		defaultHeaders: map[string]string{},
	}
}

// NewWithURL creates a client to make REST requests to the backend
//
// WithToken adds an authorization token to the request header.
func NewWithURL(url string) Client {
	return Client{
		url:            strings.TrimSuffix(url, "/"),
		httpClient:     &http.Client{Timeout: 20 * time.Second},
		defaultHeaders: map[string]string{},
	}
}

// WithHeader returns a new client with a default header added
func (c Client) WithHeader(key string, value string) Client {
	headers := make(map[string]string, len(c.defaultHeaders)+1)
	for k, v := range c.defaultHeaders {
		headers[k] = v
	}
	headers[key] = value
	c.defaultHeaders = headers
	return c
}

// WithToken returns a new client which sends the token as bearer
func (c Client) WithToken(token string) Client {
	c.token = token
	return c
}

// WithAdminAuthorization returns a new client with admin authorizations
// (this works only directly against the mux router, for a normal client
// use WithToken())
func (c Client) WithAdminAuthorization() Client {
	return c.WithRole(access.RoleAdmin)
}

// WithRole returns a new client with role authorization
// (this works only directly against the mux router, for a normal client
// use WithToken())
func (c Client) WithRole(role string) Client {
	c.auth = &access.Authorization{
		Identity: role,
		Roles:    []string{role},
	}
	return c
}

// WithAuthorization returns a new client with specific authorizations
// (this works only directly against the mux router, for a normal client
// use WithToken())
func (c Client) WithAuthorization(auth *access.Authorization) Client {
	c.auth = auth
	return c
}

// WithContext returns a new client with specific request context
func (c Client) WithContext(ctx context.Context) Client {
	c.ctx = ctx
	return c
}

// Context returns the request context including the client's authorization
func (c Client) Context() context.Context {
	ctx := c.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if c.auth != nil {
		ctx = access.ContextWithAuthorization(ctx, c.auth)
	}
	return ctx
}

// StatusError is returned for responses outside the 2xx range
type StatusError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: handler returned status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

func encodeBody(body interface{}) (io.Reader, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return bytes.NewReader(b), nil
	case io.Reader:
		return b, nil
	}
	j, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(j), nil
}

// Do sends a request and returns status, header and raw body. Any status
// outside 2xx is returned as *StatusError.
func (c Client) Do(method, path string, header map[string]string, body interface{}) (int, http.Header, []byte, error) {
	reader, err := encodeBody(body)
	if err != nil {
		return http.StatusBadRequest, nil, nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	r, err := http.NewRequestWithContext(c.Context(), method, c.url+path, reader)
	if err != nil {
		return http.StatusBadRequest, nil, nil, err
	}
	if reader != nil {
		if _, raw := body.([]byte); !raw {
			r.Header.Set("Content-Type", "application/json")
		}
	}
	for key, value := range c.defaultHeaders {
		r.Header.Set(key, value)
	}
	for key, value := range header {
		r.Header.Set(key, value)
	}

	var (
		status  int
		resHead http.Header
		resBody []byte
	)
	if c.router != nil {
		rec := httptest.NewRecorder()
		c.router.ServeHTTP(rec, r)
		res := rec.Result()
		status, resHead, resBody = res.StatusCode, res.Header, rec.Body.Bytes()
	} else {
		if c.token != "" {
			r.Header.Set("Authorization", "Bearer "+c.token)
		}
		res, err := c.httpClient.Do(r)
		if err != nil {
			return http.StatusInternalServerError, nil, nil, err
		}
		defer res.Body.Close()
		resBody, err = io.ReadAll(res.Body)
		if err != nil {
			return res.StatusCode, res.Header, nil, err
		}
		status, resHead = res.StatusCode, res.Header
	}
	if status < 200 || status > 299 {
		return status, resHead, resBody, &StatusError{Method: method, Path: path, Status: status, Body: strings.TrimSpace(string(resBody))}
	}
	return status, resHead, resBody, nil
}

func (c Client) call(method, path string, header map[string]string, body, result interface{}) (int, http.Header, error) {
	status, resHead, resBody, err := c.Do(method, path, header, body)
	if err != nil || status == http.StatusNoContent || result == nil || len(resBody) == 0 {
		return status, resHead, err
	}
	if raw, ok := result.(*[]byte); ok {
		*raw = resBody
		return status, resHead, nil
	}
	if err := json.Unmarshal(resBody, result); err != nil {
		return status, resHead, fmt.Errorf("%s %s: cannot decode response: %w", method, path, err)
	}
	return status, resHead, nil
}

// RawGet gets the resource from path. Returns the actual http status code.
//
// The path can be extend with query strings.
//
// result can be any json target or a raw *[]byte. result can be nil.
func (c Client) RawGet(path string, result interface{}) (int, error) {
	status, _, err := c.call(http.MethodGet, path, nil, nil, result)
	return status, err
}

// RawGetWithHeader is RawGet with additional request headers. It also returns the response header.
func (c Client) RawGetWithHeader(path string, header map[string]string, result interface{}) (int, http.Header, error) {
	return c.call(http.MethodGet, path, header, nil, result)
}

// RawPost posts body to path. body can also be a []byte, result can also be raw *[]byte.
func (c Client) RawPost(path string, body interface{}, result interface{}) (int, error) {
	status, _, err := c.call(http.MethodPost, path, nil, body, result)
	return status, err
}

// RawPostWithHeader is RawPost with additional request headers
func (c Client) RawPostWithHeader(path string, header map[string]string, body interface{}, result interface{}) (int, http.Header, error) {
	return c.call(http.MethodPost, path, header, body, result)
}

// RawPut puts body to path
func (c Client) RawPut(path string, body interface{}, result interface{}) (int, error) {
	status, _, err := c.call(http.MethodPut, path, nil, body, result)
	return status, err
}

// RawPatch patches path with body
func (c Client) RawPatch(path string, body interface{}, result interface{}) (int, error) {
	status, _, err := c.call(http.MethodPatch, path, nil, body, result)
	return status, err
}

// RawDelete deletes the resource at path
func (c Client) RawDelete(path string) (int, error) {
	status, _, err := c.call(http.MethodDelete, path, nil, nil, nil)
	return status, err
}

// Collection represents a collection route, e.g. "/items"
type Collection struct {
	client     Client
	path       string
	parameters url.Values
}

// Collection returns a new collection client for path
func (c Client) Collection(path string) Collection {
	return Collection{client: c, path: "/" + strings.Trim(path, "/"), parameters: url.Values{}}
}

// WithParameter returns a new collection with a query parameter added
func (r Collection) WithParameter(key string, value string) Collection {
	parameters := url.Values{}
	for k, v := range r.parameters {
		parameters[k] = append([]string{}, v...)
	}
	parameters.Add(key, value)
	r.parameters = parameters
	return r
}

// WithFilter is a shortcut for WithParameter("filter", key+"="+value)
func (r Collection) WithFilter(key string, value string) Collection {
	return r.WithParameter("filter", key+"="+value)
}

// CollectionPath returns the path including query parameters
func (r Collection) CollectionPath() string {
	if len(r.parameters) == 0 {
		return r.path
	}
	return r.path + "?" + r.parameters.Encode()
}

// Create creates a new item
func (r Collection) Create(body interface{}, result interface{}) (int, error) {
	return r.client.RawPost(r.path, body, result)
}

// List lists the collection, result is usually a pointer to a slice
func (r Collection) List(result interface{}) (int, error) {
	return r.client.RawGet(r.CollectionPath(), result)
}

// Item is a single item of a collection
type Item struct {
	client Client
	path   string
}

// Item returns the item with id
func (r Collection) Item(id uuid.UUID) Item {
	return Item{client: r.client, path: r.path + "/" + id.String()}
}

// Path returns the item's path
func (r Item) Path() string {
	return r.path
}

// Read reads the item
func (r Item) Read(result interface{}) (int, error) {
	return r.client.RawGet(r.path, result)
}

// Update puts body to the item
func (r Item) Update(body interface{}, result interface{}) (int, error) {
	return r.client.RawPut(r.path, body, result)
}

// Delete deletes the item
func (r Item) Delete() (int, error) {
	return r.client.RawDelete(r.path)
}

// Action posts body to a sub path of the item, e.g. "status"
func (r Item) Action(action string, body interface{}, result interface{}) (int, error) {
	return r.client.RawPost(r.path+"/"+action, body, result)
}
