package kss_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/hotelier/core/kss"
)

func newLocal(t *testing.T) (*kss.LocalFilesystem, *mux.Router) {
	router := mux.NewRouter()
	u, err := url.Parse("https://localhost")
	require.NoError(t, err)
	f, err := kss.NewLocalFilesystem(router, kss.LocalConfiguration{BasePath: t.TempDir()}, *u)
	require.NoError(t, err)
	return f, router
}

func do(router *mux.Router, method, target string, body []byte, header http.Header) *httptest.ResponseRecorder {
	r := httptest.NewRequest(method, target, bytes.NewReader(body))
	for k, v := range header {
		r.Header[k] = v
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)
	return w
}

func TestLocalPresignedURLPutGet(t *testing.T) {
	f, router := newLocal(t)
	key := "invoices/42/document.html"

	pushURL, err := f.GetPreSignedURL(kss.Put, key, time.Minute)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(pushURL, "https://localhost/hotelier/filesystem?"))

	w := do(router, http.MethodPut, pushURL, []byte("<h1>42</h1>"), http.Header{"Content-Type": {"text/html"}})
	require.Equal(t, http.StatusNoContent, w.Code)

	getURL, err := f.GetPreSignedURL(kss.Get, key, time.Minute)
	require.NoError(t, err)
	w = do(router, http.MethodGet, getURL, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "<h1>42</h1>", w.Body.String())
	assert.Equal(t, "text/html", w.Header().Get("Content-Type"))

	// a PUT URL cannot be used to read
	w = do(router, http.MethodGet, pushURL, nil, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestLocalTaintedAndExpiredURL(t *testing.T) {
	f, router := newLocal(t)

	pushURL, err := f.GetPreSignedURL(kss.Put, "some_key", time.Minute)
	require.NoError(t, err)
	tainted, err := url.Parse(pushURL)
	require.NoError(t, err)
	v := tainted.Query()
	v.Set("key", "another_key")
	tainted.RawQuery = v.Encode()
	w := do(router, http.MethodPut, tainted.String(), []byte("123"), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	expired, err := f.GetPreSignedURL(kss.Put, "some_key", -time.Second)
	require.NoError(t, err)
	w = do(router, http.MethodPut, expired, []byte("123"), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestLocalInvalidKeys(t *testing.T) {
	f, _ := newLocal(t)
	for _, key := range []string{"", "../etc/passwd", "/absolute", "a/../../b"} {
		_, err := f.GetPreSignedURL(kss.Get, key, time.Minute)
		assert.ErrorIs(t, err, kss.ErrInvalidKey, key)
		assert.ErrorIs(t, f.Upload(context.Background(), key, "", strings.NewReader("x")), kss.ErrInvalidKey, key)
	}
}

func TestLocalListAndDelete(t *testing.T) {
	f, router := newLocal(t)
	ctx := context.Background()
	for _, key := range []string{"requests/1/photo", "requests/2/photo", "invoices/1/document.html"} {
		require.NoError(t, f.Upload(ctx, key, "", strings.NewReader(key)))
	}

	keys, err := f.List(ctx, "requests/")
	require.NoError(t, err)
	assert.Equal(t, []string{"requests/1/photo", "requests/2/photo"}, keys)

	require.NoError(t, f.Delete(ctx, "requests/1/photo"))
	getURL, err := f.GetPreSignedURL(kss.Get, "requests/1/photo", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, do(router, http.MethodGet, getURL, nil, nil).Code)

	require.NoError(t, f.DeleteAllWithPrefix(ctx, "requests/"))
	keys, err = f.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"invoices/1/document.html"}, keys)
}

func TestNewDriver(t *testing.T) {
	router := mux.NewRouter()
	driver, err := kss.New(router, kss.Configuration{}, url.URL{})
	assert.NoError(t, err)
	assert.Nil(t, driver)

	_, err = kss.New(router, kss.Configuration{DriverType: kss.DriverTypeLocal}, url.URL{})
	assert.Error(t, err)

	_, err = kss.New(router, kss.Configuration{DriverType: "FTP"}, url.URL{})
	assert.Error(t, err)

	driver, err = kss.New(router, kss.Configuration{
		DriverType:         kss.DriverTypeLocal,
		LocalConfiguration: &kss.LocalConfiguration{BasePath: t.TempDir()},
	}, url.URL{})
	require.NoError(t, err)
	assert.IsType(t, &kss.LocalFilesystem{}, driver)
}
