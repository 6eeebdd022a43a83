// Package secgw provides an mTLS-authenticated reverse-proxy gateway that
// sits between internal callers and a single upstream service. Callers
// identify themselves with a TLS client certificate; the gateway resolves
// the certificate's Subject CN into a [ClientIdentity], applies an ordered
// [AccessPolicy] and relays requests under a fixed prefix to the upstream
// over its own outbound mTLS identity.
//
// # Architecture
//
// The listener requests, but does not require, a client certificate
// ([tls.VerifyClientCertIfGiven]). A presented certificate must chain to
// the inbound trusted CAs or the handshake fails; callers without one are
// anonymous. The access policy then decides per path whether an
// authenticated identity is required:
//
//	/health, /info          always public, answered locally
//	/gateway/**             authenticated, forwarded upstream
//	anything else           public, 404
//
// Forwarded requests carry exactly one X-Client-CN header with the
// caller's CN and X-Gateway-Forwarded: true. Each request gets exactly one
// outbound attempt; transport failures become
// 502 {"error":"Backend service unavailable"} while upstream statuses are
// relayed verbatim.
//
// # Basic Gateway
//
//	cfg, err := secgw.LoadConfig("secgw.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	srv, err := secgw.NewServerFromConfig(cfg, slog.Default())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(srv.ListenAndServe())
//
// # Outbound Identity
//
// The gateway's client certificate and the CAs it trusts for the upstream
// are loaded once at startup from PKCS#12 or PEM stores:
//
//	out, err := secgw.LoadOutboundTLS(secgw.UpstreamTLSConfig{
//	    KeyStore:           "certs/gateway-keystore.p12",
//	    KeyStorePassword:   "changeit",
//	    TrustStore:         "certs/gateway-truststore.p12",
//	    TrustStorePassword: "changeit",
//	})
//
// Any failure is a *[ConfigurationError] and the gateway must not start.
//
// # Access Rules
//
// Rules use Ant-style patterns and the first match wins. A permissive
// catch-all is appended automatically:
//
//	policy, err := secgw.NewAccessPolicy(
//	    secgw.AccessRule{Pattern: "/gateway/**", RequiresAuth: true},
//	    secgw.AccessRule{Pattern: "/metrics", RequiresAuth: true},
//	)
//
// # Development Certificates
//
// [WriteDevPKI] writes a throwaway CA with server, client and upstream
// certificates plus PKCS#12 stores, enough to run the gateway locally.
//
// # Graceful Shutdown
//
//	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
//	defer cancel()
//	if err := srv.Shutdown(ctx); err != nil {
//	    log.Printf("shutdown error: %v", err)
//	}
package secgw
