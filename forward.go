package secgw

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Headers injected into every forwarded request.
const (
	HeaderClientCN         = "X-Client-CN"
	HeaderGatewayForwarded = "X-Gateway-Forwarded"
)

// DefaultContentType is sent upstream when the caller did not supply one.
const DefaultContentType = "application/json"

// ProxyRequest is a single inbound call to relay to the upstream.
type ProxyRequest struct {
	Method Method

	// Path is the upstream path, already stripped of the gateway prefix.
	Path string

	// RawQuery is relayed verbatim.
	RawQuery string

	// ContentType defaults to [DefaultContentType] when empty.
	ContentType string

	Body []byte
}

// ProxyResponse is the upstream's answer, relayed unchanged.
type ProxyResponse struct {
	Status      int
	Body        []byte
	ContentType string
}

// Forwarder relays requests under Prefix to the single fixed upstream.
//
// Every request gets exactly one attempt. Transport failures (refused
// connections, failed TLS handshakes, timeouts, truncated bodies) become a
// 502 [GatewayError]; statuses returned by the upstream itself, including
// 4xx and 5xx, are relayed as they are.
type Forwarder struct {
	// Upstream is the base URL of the upstream service.
	Upstream *url.URL

	// Prefix is the mount prefix stripped from inbound paths, e.g. "/gateway".
	Prefix string

	// Transport carries outbound requests. Use a [TransportPool] built
	// from the gateway's [OutboundTLSContext].
	Transport http.RoundTripper

	// Timeout bounds each forwarded call, from dial to the last body byte.
	// Zero means no timeout beyond the inbound request's own context.
	Timeout time.Duration

	// MaxResponseBytes caps buffered upstream bodies. Zero means no limit.
	MaxResponseBytes int64

	Logger  *slog.Logger
	Metrics *Metrics
}

// NewForwarder creates a Forwarder for upstream mounted at prefix.
func NewForwarder(upstream *url.URL, prefix string, transport http.RoundTripper) *Forwarder {
	return &Forwarder{
		Upstream:         upstream,
		Prefix:           strings.TrimSuffix(prefix, "/"),
		Transport:        transport,
		Timeout:          30 * time.Second,
		MaxResponseBytes: 10 * MB,
		Logger:           slog.Default(),
	}
}

// ResolveTarget returns the upstream path for an inbound path under
// prefix. The target is the literal suffix after the prefix; the prefix
// itself maps to "/". ok is false for paths outside the prefix.
func ResolveTarget(prefix, path string) (target string, ok bool) {
	prefix = strings.TrimSuffix(prefix, "/")
	switch {
	case path == prefix || path == prefix+"/":
		return "/", true
	case strings.HasPrefix(path, prefix+"/"):
		return path[len(prefix):], true
	}
	return "", false
}

// Forward performs the outbound call for req on behalf of id.
func (f *Forwarder) Forward(ctx context.Context, req ProxyRequest, id ClientIdentity) (*ProxyResponse, error) {
	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}

	target := *f.Upstream
	target.Path = strings.TrimSuffix(target.Path, "/") + req.Path
	target.RawPath = ""
	target.RawQuery = req.RawQuery

	outReq, err := http.NewRequestWithContext(ctx, req.Method.String(), target.String(), nil)
	if err != nil {
		return nil, newBadGateway(fmt.Errorf("build upstream request: %w", err))
	}
	setOneShotBody(outReq, req.Body)

	contentType := req.ContentType
	if contentType == "" {
		contentType = DefaultContentType
	}
	outReq.Header.Set("Content-Type", contentType)
	outReq.Header.Set(HeaderClientCN, id.CommonName)
	outReq.Header.Set(HeaderGatewayForwarded, "true")

	start := time.Now()
	resp, err := f.Transport.RoundTrip(outReq)
	if err != nil {
		return nil, f.fail(req, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := f.readBody(resp.Body)
	if err != nil {
		return nil, f.fail(req, err)
	}

	if f.Metrics != nil {
		f.Metrics.RecordForward(req.Method.String(), resp.StatusCode, time.Since(start))
	}

	return &ProxyResponse{
		Status:      resp.StatusCode,
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

// setOneShotBody attaches body so that the transport never replays the
// request on a reused connection: Body is never http.NoBody and GetBody is
// nil. An empty POST or PUT keeps http.NoBody so it is not sent chunked;
// those methods are not replayed once anything reached the upstream.
func setOneShotBody(r *http.Request, body []byte) {
	r.GetBody = nil
	if len(body) == 0 && r.Method != http.MethodGet && r.Method != http.MethodDelete {
		r.Body = http.NoBody
		r.ContentLength = 0
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	r.ContentLength = int64(len(body))
}

func (f *Forwarder) readBody(r io.Reader) ([]byte, error) {
	if f.MaxResponseBytes <= 0 {
		return io.ReadAll(r)
	}
	body, err := io.ReadAll(io.LimitReader(r, f.MaxResponseBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > f.MaxResponseBytes {
		return nil, fmt.Errorf("%w: limit %d bytes", ErrResponseTooLarge, f.MaxResponseBytes)
	}
	return body, nil
}

func (f *Forwarder) fail(req ProxyRequest, err error) error {
	reason := classifyTransportError(err)
	f.Logger.Error("backend request failed", "error", err, "reason", reason,
		"method", req.Method.String(), "path", req.Path)
	if f.Metrics != nil {
		f.Metrics.RecordUpstreamError(reason)
	}
	return newBadGateway(fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err))
}

// ServeHTTP forwards r, which must already have passed the access policy.
func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := IdentityFromContext(r.Context())

	method, err := ParseMethod(r.Method)
	if err != nil {
		w.Header().Set("Allow", allowHeader())
		writeError(w, http.StatusMethodNotAllowed, MsgMethodNotAllowed)
		return
	}

	target, ok := ResolveTarget(f.Prefix, r.URL.Path)
	if !ok {
		writeError(w, http.StatusNotFound, MsgNotFound)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) || errors.Is(err, ErrBodyTooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, MsgBodyTooLarge)
			return
		}
		writeError(w, http.StatusBadRequest, MsgBadRequest)
		return
	}

	f.Logger.Info("gateway request", "client", id.CommonName, "method", method.String(), "path", target)

	resp, err := f.Forward(r.Context(), ProxyRequest{
		Method:      method,
		Path:        target,
		RawQuery:    r.URL.RawQuery,
		ContentType: r.Header.Get("Content-Type"),
		Body:        body,
	}, id)
	if err != nil {
		writeGatewayError(w, err)
		return
	}

	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	} else {
		// Suppress content sniffing so an untyped body stays untyped.
		w.Header()["Content-Type"] = nil
	}
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

// classifyTransportError names the failure class for logs and metrics.
func classifyTransportError(err error) string {
	var (
		netErr      net.Error
		opErr       *net.OpError
		verifyErr   *tls.CertificateVerificationError
		unknownAuth x509.UnknownAuthorityError
		recordErr   tls.RecordHeaderError
	)
	switch {
	case errors.Is(err, ErrResponseTooLarge):
		return "response_too_large"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &verifyErr), errors.As(err, &unknownAuth), errors.As(err, &recordErr):
		return "tls"
	case errors.As(err, &netErr) && netErr.Timeout():
		return "timeout"
	case errors.As(err, &opErr) && opErr.Op == "dial":
		return "dial"
	case strings.Contains(err.Error(), "tls:"):
		return "tls"
	default:
		return "transport"
	}
}
