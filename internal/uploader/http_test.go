package uploader

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tendant/simple-snapshot-pipeline/pkg/pipeline"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordedRequest struct {
	method      string
	path        string
	token       string
	fingerprint string
	contentType string
	body        []byte
}

func recordingServer(t *testing.T, status int, respBody string) (*httptest.Server, func() []recordedRequest) {
	t.Helper()
	var (
		mu   sync.Mutex
		reqs []recordedRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		reqs = append(reqs, recordedRequest{
			method:      r.Method,
			path:        r.URL.Path,
			token:       r.Header.Get("Token"),
			fingerprint: r.Header.Get("Fingerprint"),
			contentType: r.Header.Get("Content-Type"),
			body:        body,
		})
		mu.Unlock()
		w.WriteHeader(status)
		io.WriteString(w, respBody)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []recordedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]recordedRequest(nil), reqs...)
	}
}

func newTestUploader(t *testing.T, baseURL string) *HTTPUploader {
	t.Helper()
	u, err := NewHTTPUploader(HTTPConfig{
		BaseURL:     baseURL,
		Token:       "tok-123",
		Fingerprint: "ABCDEF0123",
		Logger:      discardLogger(),
	})
	if err != nil {
		t.Fatalf("NewHTTPUploader: %v", err)
	}
	return u
}

func TestHTTPUploaderPutsSnapshot(t *testing.T) {
	srv, requests := recordingServer(t, http.StatusNoContent, "")
	u := newTestUploader(t, srv.URL+"/")

	blob := &pipeline.EncodedBlob{Data: []byte("jpeg-bytes"), ContentType: "image/jpeg"}
	if err := u.Upload(context.Background(), blob); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	reqs := requests()
	if len(reqs) != 1 {
		t.Fatalf("got %d requests, want 1", len(reqs))
	}
	r := reqs[0]
	if r.method != http.MethodPut || r.path != "/c/snapshot" {
		t.Errorf("got %s %s, want PUT /c/snapshot", r.method, r.path)
	}
	if r.token != "tok-123" || r.fingerprint != "ABCDEF0123" {
		t.Errorf("headers Token=%q Fingerprint=%q", r.token, r.fingerprint)
	}
	if r.contentType != "image/jpeg" {
		t.Errorf("Content-Type = %q", r.contentType)
	}
	if string(r.body) != "jpeg-bytes" {
		t.Errorf("body = %q", r.body)
	}
}

func TestHTTPUploaderReusesHeaders(t *testing.T) {
	srv, requests := recordingServer(t, http.StatusOK, "")
	u := newTestUploader(t, srv.URL)

	for i := 0; i < 3; i++ {
		if err := u.Upload(context.Background(), &pipeline.EncodedBlob{Data: []byte{1}, ContentType: "image/jpeg"}); err != nil {
			t.Fatalf("Upload %d: %v", i, err)
		}
	}
	for i, r := range requests() {
		if r.token != "tok-123" || r.fingerprint != "ABCDEF0123" {
			t.Errorf("request %d: Token=%q Fingerprint=%q", i, r.token, r.fingerprint)
		}
	}
}

func TestHTTPUploaderNon2xx(t *testing.T) {
	srv, requests := recordingServer(t, http.StatusUnauthorized, "invalid token\n")
	u := newTestUploader(t, srv.URL)

	err := u.Upload(context.Background(), &pipeline.EncodedBlob{Data: []byte{1}, ContentType: "image/jpeg"})
	if !errors.Is(err, ErrUploadFailed) {
		t.Fatalf("got %v, want ErrUploadFailed", err)
	}
	if !strings.Contains(err.Error(), "401") || !strings.Contains(err.Error(), "invalid token") {
		t.Errorf("error %q lacks status or body", err)
	}
	if n := len(requests()); n != 1 {
		t.Errorf("got %d requests, want exactly one attempt", n)
	}
}

func TestHTTPUploaderTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	u := newTestUploader(t, url)
	err := u.Upload(context.Background(), &pipeline.EncodedBlob{Data: []byte{1}})
	if !errors.Is(err, ErrUploadFailed) {
		t.Errorf("got %v, want ErrUploadFailed", err)
	}
}

func TestHTTPUploaderCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	u := newTestUploader(t, srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := u.Upload(ctx, &pipeline.EncodedBlob{Data: []byte{1}})
	if !errors.Is(err, ErrUploadFailed) || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("got %v, want ErrUploadFailed wrapping deadline", err)
	}
}

func TestHTTPUploaderEmptyBlob(t *testing.T) {
	srv, requests := recordingServer(t, http.StatusOK, "")
	u := newTestUploader(t, srv.URL)

	if err := u.Upload(context.Background(), &pipeline.EncodedBlob{}); !errors.Is(err, ErrUploadFailed) {
		t.Errorf("got %v, want ErrUploadFailed", err)
	}
	if len(requests()) != 0 {
		t.Error("empty blob must not be sent")
	}
}

func TestNewHTTPUploaderValidation(t *testing.T) {
	_, err := NewHTTPUploader(HTTPConfig{})
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"base URL", "token", "fingerprint"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}

func TestHTTPUploaderURL(t *testing.T) {
	u := newTestUploader(t, "https://connect.prusa3d.com/")
	if got := u.URL(); got != "https://connect.prusa3d.com/c/snapshot" {
		t.Errorf("URL() = %q", got)
	}
}

func TestFuncAdapter(t *testing.T) {
	var got *pipeline.EncodedBlob
	var up Uploader = Func(func(ctx context.Context, blob *pipeline.EncodedBlob) error {
		got = blob
		return nil
	})
	blob := &pipeline.EncodedBlob{Data: []byte{1}}
	if err := up.Upload(context.Background(), blob); err != nil {
		t.Fatal(err)
	}
	if got != blob {
		t.Error("blob not passed through")
	}
}
