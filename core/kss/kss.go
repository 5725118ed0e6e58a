// Package kss stores large files outside of the database. Documents keep a key
// and hand out pre-signed URLs, clients up- and download the data directly.
//
// There are two drivers: a local filesystem served by the service itself and
// AWS S3.
package kss

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/mux"
)

// Method is the HTTP method a pre-signed URL is valid for
type Method string

// Supported methods for pre-signed URLs
const (
	Get Method = "GET"
	Put Method = "PUT"
)

// ErrInvalidKey is returned for empty keys and keys escaping the store
var ErrInvalidKey = errors.New("invalid key")

// Driver defines the interface for the KSS service
type Driver interface {
	GetPreSignedURL(method Method, key string, expireIn time.Duration) (URL string, err error)
	Upload(ctx context.Context, key, contentType string, body io.Reader) error
	Delete(ctx context.Context, key string) error
	DeleteAllWithPrefix(ctx context.Context, prefix string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// DriverType represents the different type of KSS Drivers
type DriverType string

// DriverTypeLocal is the local filesystem implementation of the KSS service
const DriverTypeLocal DriverType = "Local"

// DriverTypeAWSS3 is the AWS S3 implementation of the KSS service
const DriverTypeAWSS3 DriverType = "AWSS3"

// None is used when there is no KSS implementation
const None DriverType = ""

// Configuration contains the configuration for the KSS service
type Configuration struct {
	DriverType         DriverType
	LocalConfiguration *LocalConfiguration
	S3Configuration    *S3Configuration
}

// LocalConfiguration contains the configuration for the local filesystem KSS service
type LocalConfiguration struct {
	BasePath string
	// KeyPEM is an optional PKCS1 RSA private key used to sign URLs. Without
	// it a key is generated, which only works with a single instance.
	KeyPEM []byte
}

// S3Configuration contains the configuration for the AWS S3 KSS service
type S3Configuration struct {
	AWSBucketName string
	AWSRegion     string
	AccessID      string
	AccessKey     string
	KeyPrefix     string
}

// New returns the driver for the configuration, or nil for DriverType None.
// The local driver registers its routes on router.
func New(router *mux.Router, config Configuration, publicURL url.URL) (Driver, error) {
	switch config.DriverType {
	case None:
		return nil, nil
	case DriverTypeLocal:
		if config.LocalConfiguration == nil {
			return nil, fmt.Errorf("kss driver %s requires a local configuration", config.DriverType)
		}
		return NewLocalFilesystem(router, *config.LocalConfiguration, publicURL)
	case DriverTypeAWSS3:
		if config.S3Configuration == nil {
			return nil, fmt.Errorf("kss driver %s requires an S3 configuration", config.DriverType)
		}
		return NewS3(context.Background(), *config.S3Configuration)
	}
	return nil, fmt.Errorf("unknown kss driver '%s'", config.DriverType)
}

func validateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "..") {
		return fmt.Errorf("%w: '%s'", ErrInvalidKey, key)
	}
	return nil
}
