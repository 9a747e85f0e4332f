package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/trace/noop"

	"s3-proxy-go/internal/client"
	"s3-proxy-go/internal/config"
	"s3-proxy-go/internal/model"
	"s3-proxy-go/internal/service"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(baseURL string) *config.Config {
	return &config.Config{
		Upstream: config.UpstreamConfig{
			BaseURL:         baseURL,
			TimeoutSeconds:  10,
			MaxRetries:      1,
			IdleConnections: 10,
		},
	}
}

func newTestService(t *testing.T, up service.Upstream, cfg *config.Config) *service.ProxyService {
	t.Helper()
	svc, err := service.NewProxyService(up, nil, cfg, testLogger(), nil, noop.NewTracerProvider())
	if err != nil {
		t.Fatalf("NewProxyService() error = %v", err)
	}
	return svc
}

// newClientHandler wires a ProxyHandler to a real upstream client.
func newClientHandler(t *testing.T, cfg *config.Config) *ProxyHandler {
	t.Helper()
	uc, err := client.NewUpstreamClient(cfg, testLogger(), nil)
	if err != nil {
		t.Fatalf("NewUpstreamClient() error = %v", err)
	}
	return NewProxyHandler(newTestService(t, uc, cfg), testLogger())
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return body["error"]
}

type upstreamFunc func(ctx context.Context, fr *model.ForwardedRequest) (*model.ProxyResponse, error)

func (f upstreamFunc) Do(ctx context.Context, fr *model.ForwardedRequest) (*model.ProxyResponse, error) {
	return f(ctx, fr)
}

type failingReader struct{ err error }

func (r failingReader) Read([]byte) (int, error) { return 0, r.err }

func TestProxyHandler_Handle_Forwards(t *testing.T) {
	var upstreamHost string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method = %q, want PUT", r.Method)
		}
		if got := r.URL.EscapedPath(); got != "/bucket/dir%2Ffile.txt" {
			t.Errorf("path = %q, want %q", got, "/bucket/dir%2Ffile.txt")
		}
		if r.URL.RawQuery != "versionId=7&tag=a%2Bb" {
			t.Errorf("query = %q, want %q", r.URL.RawQuery, "versionId=7&tag=a%2Bb")
		}
		if r.Header.Get("X-Amz-Meta-Owner") != "alice" {
			t.Errorf("X-Amz-Meta-Owner = %q, want %q", r.Header.Get("X-Amz-Meta-Owner"), "alice")
		}
		upstreamHost = r.Host

		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Etag", `"abc"`)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("stored " + string(body)))
	}))
	defer upstream.Close()

	h := newClientHandler(t, testConfig(upstream.URL))

	e := echo.New()
	req := httptest.NewRequest(http.MethodPut, "http://proxy.local/bucket/dir%2Ffile.txt?versionId=7&tag=a%2Bb", strings.NewReader("hello"))
	req.Header.Set("X-Amz-Meta-Owner", "alice")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusCreated)
	}
	if rec.Body.String() != "stored hello" {
		t.Errorf("body = %q, want %q", rec.Body.String(), "stored hello")
	}
	if rec.Header().Get("Etag") != `"abc"` {
		t.Errorf("Etag = %q, want %q", rec.Header().Get("Etag"), `"abc"`)
	}
	if rec.Header().Get("Content-Length") != "12" {
		t.Errorf("Content-Length = %q, want %q", rec.Header().Get("Content-Length"), "12")
	}
	if want := strings.TrimPrefix(upstream.URL, "http://"); upstreamHost != want {
		t.Errorf("upstream Host = %q, want %q", upstreamHost, want)
	}
}

func TestProxyHandler_Handle_StatusPassthrough(t *testing.T) {
	const noSuchKey = `<?xml version="1.0"?><Error><Code>NoSuchKey</Code></Error>`
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(noSuchKey))
	}))
	defer upstream.Close()

	h := newClientHandler(t, testConfig(upstream.URL))

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/bucket/missing", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	if rec.Body.String() != noSuchKey {
		t.Errorf("body = %q, want %q", rec.Body.String(), noSuchKey)
	}
	if rec.Header().Get("Content-Type") != "application/xml" {
		t.Errorf("Content-Type = %q, want %q", rec.Header().Get("Content-Type"), "application/xml")
	}
}

func TestProxyHandler_Handle_Head(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("method = %q, want HEAD", r.Method)
		}
		w.Header().Set("Content-Length", "1234")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	h := newClientHandler(t, testConfig(upstream.URL))

	e := echo.New()
	req := httptest.NewRequest(http.MethodHead, "/bucket/object", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec.Header().Get("Content-Length") != "1234" {
		t.Errorf("Content-Length = %q, want upstream value %q", rec.Header().Get("Content-Length"), "1234")
	}
	if rec.Body.Len() != 0 {
		t.Errorf("HEAD body length = %d, want 0", rec.Body.Len())
	}
}

func TestProxyHandler_Handle_UpstreamUnavailable(t *testing.T) {
	h := newClientHandler(t, testConfig("http://127.0.0.1:1"))

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/bucket/key", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	if msg := decodeError(t, rec); msg != "upstream unavailable" {
		t.Errorf("error = %q, want %q", msg, "upstream unavailable")
	}
}

func TestProxyHandler_Handle_UpstreamTimeout(t *testing.T) {
	up := upstreamFunc(func(ctx context.Context, _ *model.ForwardedRequest) (*model.ProxyResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	cfg := testConfig("https://store.example")
	cfg.Upstream.TimeoutSeconds = 1
	h := NewProxyHandler(newTestService(t, up, cfg), testLogger())

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/bucket/slow", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusGatewayTimeout)
	}
	if msg := decodeError(t, rec); msg != "upstream request timed out" {
		t.Errorf("error = %q, want %q", msg, "upstream request timed out")
	}
}

func TestProxyHandler_Handle_CanceledContext(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer upstream.Close()

	h := newClientHandler(t, testConfig(upstream.URL))

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/bucket/key", http.NoBody)
	ctx, cancel := context.WithCancel(req.Context())
	cancel()
	req = req.WithContext(ctx)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	if msg := decodeError(t, rec); msg != "client disconnected" {
		t.Errorf("error = %q, want %q", msg, "client disconnected")
	}
}

func TestProxyHandler_Handle_UnreadableBody(t *testing.T) {
	called := false
	up := upstreamFunc(func(context.Context, *model.ForwardedRequest) (*model.ProxyResponse, error) {
		called = true
		return &model.ProxyResponse{StatusCode: http.StatusOK, Header: http.Header{}}, nil
	})
	h := NewProxyHandler(newTestService(t, up, testConfig("https://store.example")), testLogger())

	e := echo.New()
	req := httptest.NewRequest(http.MethodPut, "/bucket/key", failingReader{err: errors.New("connection reset")})
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if called {
		t.Error("upstream called for a request whose body could not be read")
	}
}

func TestProxyHandler_Handle_BodyTooLarge(t *testing.T) {
	up := upstreamFunc(func(context.Context, *model.ForwardedRequest) (*model.ProxyResponse, error) {
		t.Error("upstream called for an oversized body")
		return nil, errors.New("unexpected")
	})
	h := NewProxyHandler(newTestService(t, up, testConfig("https://store.example")), testLogger())

	e := echo.New()
	req := httptest.NewRequest(http.MethodPut, "/bucket/key", failingReader{err: echo.ErrStatusRequestEntityTooLarge})
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := h.Handle(c)
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("Handle() error = %v, want 413 HTTPError", err)
	}
}

func TestProxyHandler_Handle_ValidationRejected(t *testing.T) {
	up := upstreamFunc(func(context.Context, *model.ForwardedRequest) (*model.ProxyResponse, error) {
		t.Error("upstream called for a rejected request")
		return nil, errors.New("unexpected")
	})
	reject := service.ValidatorFunc(func(*model.IncomingRequest) error {
		return errors.New("bucket not allowed")
	})
	cfg := testConfig("https://store.example")
	svc, err := service.NewProxyService(up, reject, cfg, testLogger(), nil, noop.NewTracerProvider())
	if err != nil {
		t.Fatalf("NewProxyService() error = %v", err)
	}
	h := NewProxyHandler(svc, testLogger())

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/private/key", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid request", fmt.Errorf("%w: bad", service.ErrInvalidRequest), http.StatusBadRequest},
		{"uri construction", fmt.Errorf("%w: parse", service.ErrURIConstruction), http.StatusInternalServerError},
		{"upstream unavailable", fmt.Errorf("%w after 3 attempts: refused", service.ErrUpstreamUnavailable), http.StatusBadGateway},
		{"upstream timeout", fmt.Errorf("%w after 3 attempts: deadline", service.ErrUpstreamTimeout), http.StatusGatewayTimeout},
		{"client canceled", fmt.Errorf("forward aborted: %w", context.Canceled), http.StatusBadGateway},
		{"request deadline", fmt.Errorf("forward aborted: %w", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{"timeout wins over deadline", fmt.Errorf("%w: %w", service.ErrUpstreamTimeout, context.DeadlineExceeded), http.StatusGatewayTimeout},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got, _ := statusFor(tt.err); got != tt.want {
				t.Errorf("statusFor() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestProxyHandler_mapError_JSONBody(t *testing.T) {
	h := &ProxyHandler{logger: testLogger()}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/bucket/key", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := fmt.Errorf("%w after 3 attempts: %w", service.ErrUpstreamUnavailable, errors.New(`Get "https://s3/b?X-Amz-Signature=secret": EOF`))
	if err := h.mapError(c, err); err != nil {
		t.Fatalf("mapError() returned error: %v", err)
	}

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	if !strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		t.Errorf("Content-Type = %q, want application/json", rec.Header().Get("Content-Type"))
	}
	if msg := decodeError(t, rec); strings.Contains(msg, "secret") {
		t.Errorf("error body leaks upstream detail: %q", msg)
	}
}
