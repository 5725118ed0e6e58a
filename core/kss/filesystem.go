package kss

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/relabs-tech/hotelier/core/logger"
)

const (
	filesystemRoute = "/hotelier/filesystem"
	dataFile        = "file"
	contentTypeFile = "content-type"
	maxUploadSize   = 200 << 20
)

// LocalFilesystem stores files below a base folder and serves them through
// signed URLs on /hotelier/filesystem
type LocalFilesystem struct {
	baseFolder string
	publicURL  url.URL
	privateKey *rsa.PrivateKey
}

// NewLocalFilesystem returns a new LocalFilesystem and registers its route
func NewLocalFilesystem(router *mux.Router, config LocalConfiguration, publicURL url.URL) (*LocalFilesystem, error) {
	var privateKey *rsa.PrivateKey
	if len(config.KeyPEM) > 0 {
		block, _ := pem.Decode(config.KeyPEM)
		if block == nil {
			return nil, errors.New("kss key is not PEM encoded")
		}
		var err error
		privateKey, err = x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("cannot parse kss key: %w", err)
		}
	} else {
		logger.Default().Warn("No private key provided to sign URLs, a random one will be generated")
		logger.Default().Warn("This can only work when running in a single instance configuration")
		var err error
		privateKey, err = rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(config.BasePath, 0700); err != nil {
		return nil, err
	}
	f := &LocalFilesystem{baseFolder: config.BasePath, publicURL: publicURL, privateKey: privateKey}

	logger.Default().Debugln("filesystem routes enabled")
	logger.Default().Debugln("  handle route: " + filesystemRoute + " GET,PUT")
	router.HandleFunc(filesystemRoute, f.handler).Methods(http.MethodGet, http.MethodPut)
	return f, nil
}

func (f *LocalFilesystem) handler(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context())
	v := r.URL.Query()
	key := v.Get("key")

	if err := f.verify(Method(r.Method), v); err != nil {
		rlog.WithError(err).Errorf("invalid signed URL for %s key '%s'", r.Method, key)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	rlog.Infof("Filesystem: [%s] key: '%s'", r.Method, key)

	switch r.Method {
	case http.MethodGet:
		filePath := filepath.Join(f.baseFolder, key, dataFile)
		if _, err := os.Stat(filePath); err != nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if contentType, err := os.ReadFile(filepath.Join(f.baseFolder, key, contentTypeFile)); err == nil {
			w.Header().Set("Content-Type", string(contentType))
		}
		http.ServeFile(w, r, filePath)
	case http.MethodPut:
		body := http.MaxBytesReader(w, r.Body, maxUploadSize)
		if err := f.Upload(r.Context(), key, r.Header.Get("Content-Type"), body); err != nil {
			rlog.WithError(err).Errorf("Error 1201: Could not store key: '%s'", key)
			http.Error(w, "Error 1201", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// GetPreSignedURL returns a pre-signed URL that can be used with the given
// method until expireIn has passed
func (f *LocalFilesystem) GetPreSignedURL(method Method, key string, expireIn time.Duration) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	if method != Get && method != Put {
		return "", fmt.Errorf("%s unsupported method to presign '%s'", method, key)
	}
	expiry := time.Now().Add(expireIn).UTC().Format(time.RFC3339Nano)
	signature, err := f.sign(method, key, expiry)
	if err != nil {
		return "", err
	}
	v := url.Values{}
	v.Set("key", key)
	v.Set("expiry", expiry)
	v.Set("method", string(method))
	v.Set("signature", signature)
	u := url.URL{
		Scheme:   f.publicURL.Scheme,
		Host:     f.publicURL.Host,
		Path:     strings.TrimSuffix(f.publicURL.Path, "/") + filesystemRoute,
		RawQuery: v.Encode(),
	}
	return u.String(), nil
}

func signedData(method Method, key, expiry string) []byte {
	hashed := sha256.Sum256([]byte(string(method) + "\n" + key + "\n" + expiry))
	return hashed[:]
}

func (f *LocalFilesystem) sign(method Method, key, expiry string) (string, error) {
	signature, err := rsa.SignPKCS1v15(rand.Reader, f.privateKey, crypto.SHA256, signedData(method, key, expiry))
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(signature), nil
}

// verify checks the signature, the method and the expiry of a signed URL's query
func (f *LocalFilesystem) verify(method Method, v url.Values) error {
	key := v.Get("key")
	if err := validateKey(key); err != nil {
		return err
	}
	if Method(v.Get("method")) != method {
		return fmt.Errorf("signature valid for %s, but was used for %s", v.Get("method"), method)
	}
	expiryStr := v.Get("expiry")
	expiry, err := time.Parse(time.RFC3339Nano, expiryStr)
	if err != nil {
		return fmt.Errorf("invalid expiry: %w", err)
	}
	if expiry.Before(time.Now()) {
		return errors.New("signed URL expired")
	}
	signature, err := base64.RawURLEncoding.DecodeString(v.Get("signature"))
	if err != nil {
		return fmt.Errorf("invalid signature encoding: %w", err)
	}
	return rsa.VerifyPKCS1v15(&f.privateKey.PublicKey, crypto.SHA256, signedData(method, key, expiryStr), signature)
}

// Upload stores the body under key
func (f *LocalFilesystem) Upload(ctx context.Context, key, contentType string, body io.Reader) error {
	if err := validateKey(key); err != nil {
		return err
	}
	folder := filepath.Join(f.baseFolder, key)
	if err := os.MkdirAll(folder, 0700); err != nil {
		return fmt.Errorf("could not create `%s`: %w", folder, err)
	}
	// write to a temporary file first so that readers never see partial data
	tmp, err := os.CreateTemp(folder, dataFile+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		return fmt.Errorf("could not write `%s`: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if contentType != "" {
		if err := os.WriteFile(filepath.Join(folder, contentTypeFile), []byte(contentType), 0600); err != nil {
			return err
		}
	}
	return os.Rename(tmp.Name(), filepath.Join(folder, dataFile))
}

// Delete deletes the key's file
func (f *LocalFilesystem) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	return os.RemoveAll(filepath.Join(f.baseFolder, key))
}

// DeleteAllWithPrefix deletes every key starting with prefix
func (f *LocalFilesystem) DeleteAllWithPrefix(ctx context.Context, prefix string) error {
	keys, err := f.List(ctx, prefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := f.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// List returns all keys starting with prefix in lexical order
func (f *LocalFilesystem) List(ctx context.Context, prefix string) ([]string, error) {
	keys := []string{}
	err := filepath.WalkDir(f.baseFolder, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Name() != dataFile {
			return nil
		}
		rel, err := filepath.Rel(f.baseFolder, filepath.Dir(path))
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	sort.Strings(keys)
	return keys, err
}
