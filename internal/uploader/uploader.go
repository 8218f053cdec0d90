// Package uploader delivers encoded snapshots to their destination.
package uploader

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/tendant/simple-snapshot-pipeline/pkg/pipeline"
)

// ErrUploadFailed is wrapped by every upload error
var ErrUploadFailed = errors.New("upload failed")

// Uploader sends one encoded blob. Implementations make a single attempt.
type Uploader interface {
	Upload(ctx context.Context, blob *pipeline.EncodedBlob) error
}

// Func adapts a plain function to the Uploader interface
type Func func(ctx context.Context, blob *pipeline.EncodedBlob) error

// Upload implements Uploader
func (f Func) Upload(ctx context.Context, blob *pipeline.EncodedBlob) error {
	return f(ctx, blob)
}

// Default timeouts for upload HTTP clients
const (
	DefaultTimeout        = 30 * time.Second
	DefaultConnectTimeout = 10 * time.Second
	DefaultKeepAlive      = 30 * time.Second
)

// NewHTTPClient creates an HTTP client with explicit dial, TLS and overall timeouts.
// A zero timeout selects DefaultTimeout.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   DefaultConnectTimeout,
				KeepAlive: DefaultKeepAlive,
			}).DialContext,
			MaxIdleConns:          10,
			MaxIdleConnsPerHost:   2,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}
