package secgw

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	m := NewMetrics()
	if m == nil {
		t.Fatal("NewMetrics() returned nil")
	}
	if m.registry == nil {
		t.Fatal("registry should not be nil")
	}
}

func TestNewMetrics_IndependentRegistries(t *testing.T) {
	// Private registries allow more than one gateway per process.
	a, b := NewMetrics(), NewMetrics()
	a.RecordRateLimited()
	if got := testutil.ToFloat64(b.rateLimited); got != 0 {
		t.Errorf("registries should be independent, got %v", got)
	}
}

func TestMetrics_RecordRequest(t *testing.T) {
	m := NewMetrics()
	m.RecordRequest(RouteForward, "GET", 200)
	m.RecordRequest(RouteForward, "GET", 200)
	m.RecordRequest(RouteForward, "POST", 502)

	if got := testutil.ToFloat64(m.requestsTotal.WithLabelValues(RouteForward, "GET", "200")); got != 2 {
		t.Errorf("GET 200 = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.requestsTotal.WithLabelValues(RouteForward, "POST", "502")); got != 1 {
		t.Errorf("POST 502 = %v, want 1", got)
	}
}

func TestMetrics_RecordRequest_UnknownMethods(t *testing.T) {
	m := NewMetrics()
	m.RecordRequest(RouteOther, "PROPFIND", 405)
	m.RecordRequest(RouteOther, "X-RANDOM-1", 405)
	m.RecordRequest(RouteOther, "X-RANDOM-2", 405)
	m.RecordRequest(RouteForward, http.MethodOptions, 204)

	if got := testutil.ToFloat64(m.requestsTotal.WithLabelValues(RouteOther, "OTHER", "405")); got != 3 {
		t.Errorf("OTHER 405 = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.requestsTotal.WithLabelValues(RouteForward, "OPTIONS", "204")); got != 1 {
		t.Errorf("OPTIONS 204 = %v, want 1", got)
	}
	// Two series: OTHER and OPTIONS.
	if n := testutil.CollectAndCount(m.requestsTotal); n != 2 {
		t.Errorf("want 2 series, got %d", n)
	}
}

func TestMetrics_RecordAuthDenied(t *testing.T) {
	m := NewMetrics()
	m.RecordAuthDenied(RouteForward)
	if got := testutil.ToFloat64(m.authDenied.WithLabelValues(RouteForward)); got != 1 {
		t.Errorf("auth denied = %v, want 1", got)
	}
}

func TestMetrics_RecordForward(t *testing.T) {
	m := NewMetrics()
	m.RecordForward("GET", 200, 50*time.Millisecond)
	m.RecordForward("GET", 404, 10*time.Millisecond)

	if n := testutil.CollectAndCount(m.forwardDuration); n != 2 {
		t.Errorf("want 2 histogram series, got %d", n)
	}
}

func TestMetrics_RecordUpstreamError(t *testing.T) {
	m := NewMetrics()
	m.RecordUpstreamError("dial")
	m.RecordUpstreamError("dial")
	m.RecordUpstreamError("tls")

	if got := testutil.ToFloat64(m.upstreamErrors.WithLabelValues("dial")); got != 2 {
		t.Errorf("dial = %v, want 2", got)
	}
}

func TestMetrics_ActiveRequests(t *testing.T) {
	m := NewMetrics()
	m.IncActiveRequests()
	m.IncActiveRequests()
	m.DecActiveRequests()

	if got := testutil.ToFloat64(m.activeRequests); got != 1 {
		t.Errorf("active = %v, want 1", got)
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics()
	m.RecordRequest(RouteHealth, "GET", 200)
	m.RecordUpstreamError("timeout")
	m.RecordRateLimited()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	body := rec.Body.String()
	for _, want := range []string{
		"secgw_requests_total",
		"secgw_upstream_errors_total",
		"secgw_rate_limited_total",
		"secgw_active_requests",
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
