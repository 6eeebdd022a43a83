package secgw

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
)

// Route labels used in metrics and access logs.
const (
	RouteHealth  = "health"
	RouteInfo    = "info"
	RouteMetrics = "metrics"
	RouteForward = "forward"
	RouteOther   = "other"
)

// Server is the gateway's HTTP front end. It terminates inbound TLS,
// resolves the caller identity, applies the access policy and hands
// requests under Prefix to the Forwarder.
type Server struct {
	// Addr is the address to listen on (e.g., ":8443")
	Addr string

	// Prefix is the forwarding mount prefix, e.g. "/gateway".
	Prefix string

	// Policy decides which paths require an authenticated identity.
	Policy *AccessPolicy

	// Forwarder relays requests under Prefix.
	Forwarder *Forwarder

	// InboundTLS terminates TLS on the listener. When nil the gateway
	// serves plaintext and every caller is anonymous.
	InboundTLS *InboundTLS

	// TransportPool is the outbound pool; idle connections are closed on
	// shutdown (optional).
	TransportPool *TransportPool

	// BodyLimiter caps forwarded request bodies (optional).
	BodyLimiter *BodyLimiter

	// RateLimiter throttles forwarded requests per caller (optional).
	RateLimiter *RateLimiter

	// Metrics collects Prometheus metrics and serves /metrics (optional).
	Metrics *Metrics

	// AccessLog writes one entry per request (optional).
	AccessLog *AccessLogger

	// CORS configures cross-origin handling.
	CORS cors.Options

	Logger *slog.Logger

	ReadTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration

	mu       sync.Mutex
	listener net.Listener
	srv      *http.Server
}

// NewServer creates a Server forwarding prefix through fwd under policy.
// CORS defaults to allowing any origin with the forwardable methods.
func NewServer(addr, prefix string, policy *AccessPolicy, fwd *Forwarder) *Server {
	return &Server{
		Addr:      addr,
		Prefix:    strings.TrimSuffix(prefix, "/"),
		Policy:    policy,
		Forwarder: fwd,
		CORS: cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		},
		Logger:            slog.Default(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// NewServerFromConfig loads key material and assembles a Server with all
// of its collaborators from cfg. Any key material failure is returned as a
// *ConfigurationError and the gateway must not start.
func NewServerFromConfig(cfg *Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	upstream, err := cfg.UpstreamURL()
	if err != nil {
		return nil, err
	}
	policy, err := cfg.BuildAccessPolicy()
	if err != nil {
		return nil, err
	}

	var outbound *OutboundTLSContext
	if cfg.Upstream.TLS.Enabled() {
		outbound, err = LoadOutboundTLS(cfg.Upstream.TLS)
		if err != nil {
			return nil, err
		}
		logger.Info("loaded outbound identity",
			"subject", outbound.Leaf().Subject.String(),
			"trusted_cas", outbound.TrustedCACount())
	}

	pool := NewTransportPool(outbound)
	pool.MaxIdleConns = cfg.Upstream.MaxIdleConns
	pool.MaxIdleConnsPerHost = cfg.Upstream.MaxIdleConnsPerHost
	pool.IdleConnTimeout = cfg.Upstream.IdleConnTimeout
	pool.DialTimeout = cfg.Upstream.DialTimeout
	pool.TLSHandshakeTimeout = cfg.Upstream.TLSHandshakeTimeout
	pool.Build()

	fwd := NewForwarder(upstream, cfg.Gateway.Prefix, pool.Transport())
	fwd.Timeout = cfg.Upstream.Timeout
	fwd.MaxResponseBytes = cfg.Upstream.MaxResponseBytes
	fwd.Logger = logger

	s := NewServer(cfg.Server.Addr, cfg.Gateway.Prefix, policy, fwd)
	s.Logger = logger
	s.TransportPool = pool
	s.AccessLog = NewAccessLogger(logger)
	s.ReadTimeout = cfg.Server.ReadTimeout
	s.ReadHeaderTimeout = cfg.Server.ReadHeaderTimeout
	s.WriteTimeout = cfg.Server.WriteTimeout
	s.IdleTimeout = cfg.Server.IdleTimeout
	s.CORS = cors.Options{
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		AllowedMethods: cfg.CORS.AllowedMethods,
		AllowedHeaders: cfg.CORS.AllowedHeaders,
	}

	if cfg.Server.TLS.Enabled {
		in, err := NewInboundTLSFromFiles(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile, cfg.Server.TLS.ClientCAFile)
		if err != nil {
			return nil, err
		}
		authType, err := ParseClientAuthType(cfg.Server.TLS.ClientAuth)
		if err != nil {
			return nil, &ConfigurationError{Op: "client auth", Err: err}
		}
		in.SetPolicy(authType)
		s.InboundTLS = in
	}

	if cfg.Gateway.MaxBodyBytes > 0 {
		s.BodyLimiter = NewBodyLimiter(cfg.Gateway.MaxBodyBytes)
	}

	if cfg.Metrics.Enabled {
		s.Metrics = NewMetrics()
		fwd.Metrics = s.Metrics
	}

	if cfg.RateLimit.Rate > 0 {
		s.RateLimiter = NewRateLimiter(cfg.RateLimit.Rate, cfg.RateLimit.Burst)
		s.RateLimiter.Metrics = s.Metrics
	}

	return s, nil
}

// Handler builds the gateway's request router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(requestID)
	r.Use(s.recoverer)
	r.Use(canonicalPath)
	r.Use(identify)
	r.Use(s.observe)
	r.Use(cors.Handler(s.CORS))

	// Diagnostics are answered locally and never consult the policy.
	r.Get("/health", handleHealth)
	r.Get("/info", s.handleInfo)

	r.Group(func(r chi.Router) {
		r.Use(s.authorize)

		if s.Metrics != nil {
			r.Method(http.MethodGet, "/metrics", s.Metrics.Handler())
		}

		r.Group(func(r chi.Router) {
			if s.BodyLimiter != nil {
				r.Use(s.BodyLimiter.Middleware)
			}
			if s.RateLimiter != nil {
				r.Use(s.RateLimiter.Middleware)
			}
			r.Handle(s.Prefix, s.Forwarder)
			r.Handle(s.Prefix+"/*", s.Forwarder)
		})
	})

	r.NotFound(s.authorize(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, MsgNotFound)
	})).ServeHTTP)
	r.MethodNotAllowed(s.authorize(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, MsgMethodNotAllowed)
	})).ServeHTTP)

	return r
}

// ListenAndServe binds Addr and serves until Shutdown is called.
func (s *Server) ListenAndServe() error {
	listener, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return s.Serve(listener)
}

// Serve accepts connections on listener. When InboundTLS is set the
// listener is wrapped so every connection completes the TLS handshake
// before any HTTP traffic.
func (s *Server) Serve(listener net.Listener) error {
	if s.InboundTLS != nil {
		listener = s.InboundTLS.WrapListener(listener)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       s.ReadTimeout,
		ReadHeaderTimeout: s.ReadHeaderTimeout,
		WriteTimeout:      s.WriteTimeout,
		IdleTimeout:       s.IdleTimeout,
		ErrorLog:          slog.NewLogLogger(s.Logger.Handler(), slog.LevelWarn),
	}

	s.mu.Lock()
	s.listener = listener
	s.srv = srv
	s.mu.Unlock()

	s.Logger.Info("gateway listening", "addr", listener.Addr().String(),
		"mtls", s.InboundTLS != nil, "prefix", s.Prefix)

	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAddr returns the bound listener address, or nil before Serve.
func (s *Server) ListenAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown gracefully stops the server, then releases the rate limiter
// and pooled upstream connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	if s.RateLimiter != nil {
		s.RateLimiter.Close()
	}
	if s.TransportPool != nil {
		s.TransportPool.CloseIdleConnections()
	}
	return err
}

// authorize applies the access policy to the request path.
func (s *Server) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := IdentityFromContext(r.Context())
		d := s.Policy.Authorize(r.URL.Path, id)
		if !d.Allowed {
			s.Logger.Warn("request rejected - no valid client certificate",
				"method", r.Method, "path", r.URL.Path, "rule", d.Rule.Pattern,
				"remote", r.RemoteAddr)
			if s.Metrics != nil {
				s.Metrics.RecordAuthDenied(s.routeOf(r.URL.Path))
			}
			writeError(w, http.StatusUnauthorized, d.Reason)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// observe records metrics and the access log entry for every request.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		if s.Metrics != nil {
			s.Metrics.IncActiveRequests()
			defer s.Metrics.DecActiveRequests()
		}

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := s.routeOf(r.URL.Path)

		if s.Metrics != nil {
			s.Metrics.RecordRequest(route, r.Method, status)
		}
		if s.AccessLog != nil {
			id := IdentityFromContext(r.Context())
			s.AccessLog.Log(AccessLogEntry{
				Timestamp:     start,
				RequestID:     middleware.GetReqID(r.Context()),
				Method:        r.Method,
				Path:          r.URL.Path,
				Route:         route,
				StatusCode:    status,
				Duration:      time.Since(start),
				BytesWritten:  int64(ww.BytesWritten()),
				ClientAddr:    r.RemoteAddr,
				ClientCN:      id.CommonName,
				Authenticated: id.Authenticated,
				UserAgent:     r.UserAgent(),
			})
		}
	})
}

// recoverer turns handler panics into a JSON 500.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			s.Logger.Error("panic serving request", "panic", rec,
				"method", r.Method, "path", r.URL.Path,
				"request_id", middleware.GetReqID(r.Context()))
			writeError(w, http.StatusInternalServerError, MsgInternal)
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) routeOf(p string) string {
	switch p {
	case "/health":
		return RouteHealth
	case "/info":
		return RouteInfo
	case "/metrics":
		return RouteMetrics
	}
	if _, ok := ResolveTarget(s.Prefix, p); ok {
		return RouteForward
	}
	return RouteOther
}

// maxRequestIDLen bounds caller-supplied request ids.
const maxRequestIDLen = 128

// requestID propagates the caller's X-Request-Id or assigns a new one.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(middleware.RequestIDHeader)
		if id == "" || len(id) > maxRequestIDLen {
			id = uuid.NewString()
		}
		w.Header().Set(middleware.RequestIDHeader, id)
		ctx := context.WithValue(r.Context(), middleware.RequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// canonicalPath cleans dot segments and duplicate slashes so that routing,
// the access policy and the forwarded path all see the same path. A
// trailing slash is kept. Paths containing an encoded slash are rejected
// with 400, since decoding it would change the forwarded segments.
func canonicalPath(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(strings.ToLower(r.URL.RawPath), "%2f") {
			writeError(w, http.StatusBadRequest, MsgBadRequest)
			return
		}
		p := r.URL.Path
		if p == "" {
			p = "/"
		}
		clean := path.Clean("/" + p)
		if strings.HasSuffix(p, "/") && clean != "/" {
			clean += "/"
		}
		if clean != r.URL.Path || r.URL.RawPath != "" {
			r2 := r.Clone(r.Context())
			r2.URL.Path = clean
			r2.URL.RawPath = ""
			r = r2
		}
		next.ServeHTTP(w, r)
	})
}
