package uploader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tendant/simple-snapshot-pipeline/pkg/pipeline"
)

// SnapshotPath is appended to the base URL for every upload
const SnapshotPath = "/c/snapshot"

// maxErrorBody caps how much of a failed response ends up in the error
const maxErrorBody = 512

// HTTPConfig configures an HTTPUploader
type HTTPConfig struct {
	BaseURL     string
	Token       string
	Fingerprint string
	Client      *http.Client
	Logger      *slog.Logger
}

// HTTPUploader PUTs snapshots to {BaseURL}/c/snapshot
type HTTPUploader struct {
	url        string
	headers    http.Header
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPUploader creates an uploader. The identifying headers are fixed here
// and reused by every request.
func NewHTTPUploader(cfg HTTPConfig) (*HTTPUploader, error) {
	var errs []error
	if cfg.BaseURL == "" {
		errs = append(errs, errors.New("base URL is required"))
	}
	if cfg.Token == "" {
		errs = append(errs, errors.New("token is required"))
	}
	if cfg.Fingerprint == "" {
		errs = append(errs, errors.New("fingerprint is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("uploader: %w", err)
	}

	if cfg.Client == nil {
		cfg.Client = NewHTTPClient(0)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	headers := make(http.Header)
	headers.Set("Token", cfg.Token)
	headers.Set("Fingerprint", cfg.Fingerprint)

	return &HTTPUploader{
		url:        strings.TrimRight(cfg.BaseURL, "/") + SnapshotPath,
		headers:    headers,
		httpClient: cfg.Client,
		logger:     cfg.Logger.With("component", "http-uploader"),
	}, nil
}

// URL returns the upload endpoint
func (u *HTTPUploader) URL() string {
	return u.url
}

// Upload implements Uploader
func (u *HTTPUploader) Upload(ctx context.Context, blob *pipeline.EncodedBlob) error {
	if blob.Len() == 0 {
		return fmt.Errorf("%w: empty blob", ErrUploadFailed)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u.url, bytes.NewReader(blob.Data))
	if err != nil {
		return fmt.Errorf("%w: failed to create request: %w", ErrUploadFailed, err)
	}
	for k, v := range u.headers {
		req.Header[k] = v
	}
	contentType := blob.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUploadFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("%w: status %d: %s", ErrUploadFailed, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	io.Copy(io.Discard, resp.Body)

	u.logger.Debug("snapshot uploaded", "status", resp.StatusCode, "bytes", blob.Len())
	return nil
}
