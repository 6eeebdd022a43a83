package secgw

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHandleHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("want 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("want application/json, got %q", ct)
	}
	if rec.Body.String() != `{"status":"UP","service":"Security Gateway"}` {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
}

func TestHandleInfo(t *testing.T) {
	s := &Server{}

	tests := []struct {
		name string
		in   *InboundTLS
		id   ClientIdentity
		want string
	}{
		{"plaintext anonymous", nil, Anonymous(), `{"service":"Security Gateway","mtls":"disabled","client":"No certificate"}`},
		{"tls without client certs", &InboundTLS{policy: tls.NoClientCert}, Anonymous(), `{"service":"Security Gateway","mtls":"disabled","client":"No certificate"}`},
		{"mtls anonymous", &InboundTLS{policy: tls.VerifyClientCertIfGiven}, Anonymous(), `{"service":"Security Gateway","mtls":"enabled","client":"No certificate"}`},
		{"mtls caller", &InboundTLS{policy: tls.RequireAndVerifyClientCert}, ClientIdentity{CommonName: "store-42", Authenticated: true}, `{"service":"Security Gateway","mtls":"enabled","client":"store-42"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s.InboundTLS = tt.in
			req := httptest.NewRequest(http.MethodGet, "/info", nil)
			req = req.WithContext(WithIdentity(req.Context(), tt.id))
			rec := httptest.NewRecorder()
			s.handleInfo(rec, req)

			if rec.Body.String() != tt.want {
				t.Errorf("want %s, got %s", tt.want, rec.Body.String())
			}
		})
	}
}

func TestServer_HealthMethodNotAllowed(t *testing.T) {
	s := newTestServer(t, "http://"+closedAddr(t))

	rec := serve(s.Handler(), httptest.NewRequest(http.MethodPost, "/health", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("want 405, got %d", rec.Code)
	}
	if rec.Body.String() != `{"error":"Method not allowed"}` {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
}
