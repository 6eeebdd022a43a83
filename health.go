package secgw

import (
	"crypto/tls"
	"net/http"
)

// ServiceName identifies the gateway in diagnostic responses.
const ServiceName = "Security Gateway"

// HealthResponse is the JSON body returned by /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// InfoResponse is the JSON body returned by /info.
type InfoResponse struct {
	Service string `json:"service"`
	// MTLS is "enabled" when the listener terminates TLS and requests
	// client certificates, "disabled" otherwise.
	MTLS string `json:"mtls"`
	// Client is the caller's CN, or "No certificate".
	Client string `json:"client"`
}

// NoCertificate is reported by /info for anonymous callers.
const NoCertificate = "No certificate"

// handleHealth handles the /health endpoint. It always reports UP while
// the process serves requests and does not probe the upstream.
func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "UP", Service: ServiceName})
}

// handleInfo handles the /info endpoint.
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	resp := InfoResponse{
		Service: ServiceName,
		MTLS:    "disabled",
		Client:  NoCertificate,
	}
	if s.InboundTLS != nil && s.InboundTLS.Policy() != tls.NoClientCert {
		resp.MTLS = "enabled"
	}
	if id := IdentityFromContext(r.Context()); id.Authenticated {
		resp.Client = id.CommonName
	}
	writeJSON(w, http.StatusOK, resp)
}
