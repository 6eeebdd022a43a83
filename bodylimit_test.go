package secgw

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewBodyLimiter(t *testing.T) {
	bl := NewBodyLimiter(5 * MB)
	if bl.MaxSize != 5*MB {
		t.Errorf("want MaxSize 5MB, got %d", bl.MaxSize)
	}
}

func TestBodyLimiter_Middleware_ContentLength(t *testing.T) {
	called := false
	h := NewBodyLimiter(10).Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called = true
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/gateway/x", strings.NewReader(strings.Repeat("a", 11))))

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("want 413, got %d", rec.Code)
	}
	if rec.Body.String() != `{"error":"Request body too large"}` {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
	if called {
		t.Error("handler should not run for a declared oversize body")
	}
}

func TestBodyLimiter_Middleware_Streaming(t *testing.T) {
	var readErr error
	h := NewBodyLimiter(10).Middleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		_, readErr = io.ReadAll(r.Body)
	}))

	req := httptest.NewRequest(http.MethodPost, "/gateway/x", io.NopCloser(strings.NewReader(strings.Repeat("a", 50))))
	req.ContentLength = -1
	h.ServeHTTP(httptest.NewRecorder(), req)

	var maxErr *http.MaxBytesError
	if !errors.As(readErr, &maxErr) {
		t.Fatalf("want *http.MaxBytesError, got %v", readErr)
	}
	if maxErr.Limit != 10 {
		t.Errorf("want limit 10, got %d", maxErr.Limit)
	}
}

func TestBodyLimiter_Middleware_WithinLimit(t *testing.T) {
	var got string
	h := NewBodyLimiter(10).Middleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got = string(b)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/gateway/x", strings.NewReader("exactly10!")))

	if rec.Code != http.StatusOK {
		t.Errorf("want 200, got %d", rec.Code)
	}
	if got != "exactly10!" {
		t.Errorf("body altered: %q", got)
	}
}

func TestBodyLimiter_ZeroLimit(t *testing.T) {
	var n int
	h := NewBodyLimiter(0).Middleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		n = len(b)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/gateway/x", strings.NewReader(strings.Repeat("a", 4096))))
	if n != 4096 {
		t.Errorf("zero limit should not cap bodies, read %d", n)
	}
}

func TestSizeConstants(t *testing.T) {
	if KB != 1024 {
		t.Errorf("KB = %d, want 1024", KB)
	}
	if MB != 1024*1024 {
		t.Errorf("MB = %d, want 1048576", MB)
	}
}
