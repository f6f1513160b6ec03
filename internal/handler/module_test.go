package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/sony/gobreaker/v2"

	"module-gateway/internal/client"
	"module-gateway/internal/config"
	"module-gateway/internal/namespace"
	"module-gateway/internal/service"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	return &config.Config{
		JSONP: config.JSONPConfig{CallbackParam: "callback"},
		Upstream: config.UpstreamConfig{
			TimeoutSeconds:  10,
			IdleConnections: 10,
			MaxBodyBytes:    1 << 20,
		},
	}
}

// newTestModuleHandler wires the real dispatcher and fetchers against rootURI.
func newTestModuleHandler(t *testing.T, rootURI string) *ModuleHandler {
	t.Helper()
	cfg := testConfig()
	logger := testLogger()

	ns, err := namespace.New(namespace.Options{RootURI: rootURI})
	if err != nil {
		t.Fatalf("namespace.New() error = %v", err)
	}
	fc, err := client.NewFileClient(cfg, ns.Locations(), logger, nil)
	if err != nil {
		t.Fatalf("NewFileClient() error = %v", err)
	}
	t.Cleanup(func() { _ = fc.Close() })

	router := client.NewRouter(client.NewHTTPClient(cfg, logger, nil), fc)
	d := service.NewDispatcher(cfg, ns, router, logger, nil)
	return NewModuleHandler(d, logger)
}

// recordingUpstream serves exports.x=1 for every path and records requests.
type recordingUpstream struct {
	mu      sync.Mutex
	methods []string
	paths   []string
}

func (u *recordingUpstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	u.mu.Lock()
	u.methods = append(u.methods, r.Method)
	u.paths = append(u.paths, r.URL.Path)
	u.mu.Unlock()

	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set("Set-Cookie", "session=1")
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = w.Write([]byte("exports.x=1"))
	}
}

func serve(h *ModuleHandler, method, target string) *httptest.ResponseRecorder {
	e := echo.New()
	req := httptest.NewRequest(method, target, http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	_ = h.Handle(c)
	return rec
}

func TestModuleHandler_Direct(t *testing.T) {
	up := &recordingUpstream{}
	srv := httptest.NewServer(up)
	defer srv.Close()

	h := newTestModuleHandler(t, srv.URL+"/")
	rec := serve(h, http.MethodGet, "/root/a.js")

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/javascript; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	if rec.Body.String() != "exports.x=1" {
		t.Errorf("body = %q, want %q", rec.Body.String(), "exports.x=1")
	}
	if rec.Header().Get("Set-Cookie") != "" {
		t.Error("Set-Cookie must not be relayed")
	}
	if len(up.paths) != 1 || up.paths[0] != "/a.js" {
		t.Errorf("upstream paths = %v, want [/a.js]", up.paths)
	}
}

func TestModuleHandler_Wrapped(t *testing.T) {
	up := &recordingUpstream{}
	srv := httptest.NewServer(up)
	defer srv.Close()

	h := newTestModuleHandler(t, srv.URL+"/")
	rec := serve(h, http.MethodGet, "/root/a.js?callback=cb")

	want := "cb({\n\"/a.js\": function (require, exports, module) {\nexports.x=1\n}\n});\n"
	if rec.Body.String() != want {
		t.Errorf("body = %q, want %q", rec.Body.String(), want)
	}
	if got := fmt.Sprint(up.methods); got != "[HEAD GET]" {
		t.Errorf("upstream methods = %s, want [HEAD GET]", got)
	}
	if cl := rec.Header().Get("Content-Length"); cl != fmt.Sprint(len(want)) {
		t.Errorf("Content-Length = %q, want %d", cl, len(want))
	}
}

func TestModuleHandler_WrappedHead(t *testing.T) {
	up := &recordingUpstream{}
	srv := httptest.NewServer(up)
	defer srv.Close()

	h := newTestModuleHandler(t, srv.URL+"/")
	rec := serve(h, http.MethodHead, "/root/a.js?callback=cb")

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("body = %q, want none for HEAD", rec.Body.String())
	}
	if got := fmt.Sprint(up.methods); got != "[HEAD]" {
		t.Errorf("upstream methods = %s, want [HEAD]", got)
	}
}

func TestModuleHandler_PathNormalization(t *testing.T) {
	tests := []struct {
		target string
		want   string
	}{
		{"/root//lib/./a.js", "/lib/a.js"},
		{"/root/x/../a.js", "/a.js"},
		{"/root/a%20b.js", "/a b.js"},
	}

	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			up := &recordingUpstream{}
			srv := httptest.NewServer(up)
			defer srv.Close()

			h := newTestModuleHandler(t, srv.URL+"/")
			rec := serve(h, http.MethodGet, tt.target)

			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
			}
			if len(up.paths) != 1 || up.paths[0] != tt.want {
				t.Errorf("upstream paths = %v, want [%s]", up.paths, tt.want)
			}
		})
	}
}

func TestModuleHandler_TraversalStaysInNamespace(t *testing.T) {
	up := &recordingUpstream{}
	srv := httptest.NewServer(up)
	defer srv.Close()

	h := newTestModuleHandler(t, srv.URL+"/")
	rec := serve(h, http.MethodGet, "/root/../etc/passwd")

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if len(up.methods) != 0 {
		t.Errorf("upstream contacted: %v", up.methods)
	}
}

func TestModuleHandler_EncodedTraversalHTTP(t *testing.T) {
	for _, target := range []string{
		"/root/%2e%2e/secret.txt",
		"/root/%2E%2E/%2e%2e/etc/passwd",
		"/root/..%2fsecret.txt",
		"/root/..%2Fsecret.txt?callback=cb",
		"/root/..%5csecret.txt",
	} {
		t.Run(target, func(t *testing.T) {
			up := &recordingUpstream{}
			srv := httptest.NewServer(up)
			defer srv.Close()

			h := newTestModuleHandler(t, srv.URL+"/app/")
			rec := serve(h, http.MethodGet, target)

			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
			}
			if len(up.methods) != 0 {
				t.Errorf("upstream contacted: %v %v", up.methods, up.paths)
			}
		})
	}
}

func TestModuleHandler_EncodedDotSegmentWithinNamespace(t *testing.T) {
	up := &recordingUpstream{}
	srv := httptest.NewServer(up)
	defer srv.Close()

	h := newTestModuleHandler(t, srv.URL+"/app/")
	rec := serve(h, http.MethodGet, "/root/sub/%2e%2e/a.js")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if len(up.paths) != 1 || up.paths[0] != "/app/a.js" {
		t.Errorf("upstream paths = %v, want [/app/a.js]", up.paths)
	}
}

func TestModuleHandler_EncodedTraversalFile(t *testing.T) {
	parent := t.TempDir()
	if err := os.WriteFile(filepath.Join(parent, "secret.txt"), []byte("TOPSECRET"), 0o644); err != nil {
		t.Fatal(err)
	}
	dir := filepath.Join(parent, "srv")
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatal(err)
	}

	h := newTestModuleHandler(t, "file://"+filepath.ToSlash(dir)+"/")

	for _, target := range []string{
		"/root/%2e%2e/secret.txt",
		"/root/..%2fsecret.txt",
		"/root/..%2fsecret.txt?callback=cb",
		"/root/%2e%2e%2fsecret.txt",
	} {
		t.Run(target, func(t *testing.T) {
			rec := serve(h, http.MethodGet, target)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
			}
			if strings.Contains(rec.Body.String(), "TOPSECRET") {
				t.Fatal("file outside the namespace was served")
			}
		})
	}
}

func TestModuleHandler_NonASCIIModuleID(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "été.js"), []byte("1"), 0o644); err != nil {
		t.Fatal(err)
	}

	h := newTestModuleHandler(t, "file://"+filepath.ToSlash(dir)+"/")
	rec := serve(h, http.MethodGet, "/root/%C3%A9t%C3%A9.js?callback=cb")

	want := "cb({\n\"/%C3%A9t%C3%A9.js\": function (require, exports, module) {\n1\n}\n});\n"
	if rec.Body.String() != want {
		t.Errorf("body = %q, want %q", rec.Body.String(), want)
	}
}

func TestModuleHandler_FileLocation(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.js"), []byte("exports.y=2"), 0o644); err != nil {
		t.Fatal(err)
	}

	h := newTestModuleHandler(t, "file://"+filepath.ToSlash(dir)+"/")
	rec := serve(h, http.MethodGet, "/root/a.js?callback=cb")

	want := "cb({\n\"/a.js\": function (require, exports, module) {\nexports.y=2\n}\n});\n"
	if rec.Body.String() != want {
		t.Errorf("body = %q, want %q", rec.Body.String(), want)
	}
}

func TestModuleHandler_UpstreamUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL + "/"
	srv.Close()

	h := newTestModuleHandler(t, base)

	for _, target := range []string{"/root/a.js", "/root/a.js?callback=cb"} {
		t.Run(target, func(t *testing.T) {
			rec := serve(h, http.MethodGet, target)
			if rec.Code != http.StatusBadGateway {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusBadGateway)
			}
			if rec.Body.String() != "502: The upstream resource could not be retrieved." {
				t.Errorf("body = %q", rec.Body.String())
			}
		})
	}
}

func TestModuleHandler_CanceledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	h := newTestModuleHandler(t, srv.URL+"/")

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/root/a.js", http.NoBody)
	ctx, cancel := context.WithCancel(req.Context())
	cancel()
	req = req.WithContext(ctx)
	rec := httptest.NewRecorder()

	if err := h.Handle(e.NewContext(req, rec)); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if rec.Code == http.StatusOK {
		t.Error("expected non-200 status for canceled context")
	}
}

func TestModuleHandler_mapError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantBody   string
	}{
		{
			"deadline",
			fmt.Errorf("fetch: %w", context.DeadlineExceeded),
			http.StatusGatewayTimeout,
			"504: The upstream request timed out.",
		},
		{
			"client timeout",
			&url.Error{Op: "Get", URL: "http://u/a.js", Err: timeoutError{}},
			http.StatusGatewayTimeout,
			"504: The upstream request timed out.",
		},
		{
			"breaker open",
			fmt.Errorf("probe: %w", gobreaker.ErrOpenState),
			http.StatusServiceUnavailable,
			"503: The upstream is temporarily unavailable.",
		},
		{
			"breaker half-open",
			gobreaker.ErrTooManyRequests,
			http.StatusServiceUnavailable,
			"503: The upstream is temporarily unavailable.",
		},
		{
			"connection refused",
			&url.Error{Op: "Get", URL: "http://u/a.js", Err: errors.New("connection refused")},
			http.StatusBadGateway,
			"502: The upstream resource could not be retrieved.",
		},
		{
			"body too large",
			fmt.Errorf("fetch: %w", client.ErrBodyTooLarge),
			http.StatusBadGateway,
			"502: The upstream resource could not be retrieved.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &ModuleHandler{logger: testLogger()}

			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/root/a.js", http.NoBody)
			rec := httptest.NewRecorder()

			if err := h.mapError(e.NewContext(req, rec), tt.err); err != nil {
				t.Fatalf("mapError() returned error: %v", err)
			}
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if rec.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
			if ct := rec.Header().Get("Content-Type"); ct != echo.MIMETextPlainCharsetUTF8 {
				t.Errorf("Content-Type = %q", ct)
			}
		})
	}
}

func TestModuleHandler_mapErrorHead(t *testing.T) {
	h := &ModuleHandler{logger: testLogger()}

	e := echo.New()
	req := httptest.NewRequest(http.MethodHead, "/root/a.js", http.NoBody)
	rec := httptest.NewRecorder()

	if err := h.mapError(e.NewContext(req, rec), errors.New("boom")); err != nil {
		t.Fatalf("mapError() returned error: %v", err)
	}
	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("body = %q, want none for HEAD", rec.Body.String())
	}
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }
