package secgw

import (
	"context"
	"crypto/x509"
	"net/http"
	"regexp"
)

// AnonymousCN is the identity name used when no client certificate was
// presented. It is also the X-Client-CN value sent upstream for such callers.
const AnonymousCN = "anonymous"

// ClientIdentity is the caller's identity as resolved from its TLS client
// certificate. It lives for the duration of a single request.
type ClientIdentity struct {
	CommonName    string
	Authenticated bool
}

// Anonymous returns the identity for callers without a usable certificate.
func Anonymous() ClientIdentity {
	return ClientIdentity{CommonName: AnonymousCN}
}

// subjectCN captures everything between "CN=" and the next comma or the
// end of the subject string.
var subjectCN = regexp.MustCompile(`CN=(.*?)(?:,|$)`)

// ExtractIdentity derives the identity from a verified peer certificate
// chain. The leaf is chain[0]. An empty chain, or a leaf whose subject has
// no CN, yields [Anonymous].
func ExtractIdentity(chain []*x509.Certificate) ClientIdentity {
	if len(chain) == 0 || chain[0] == nil {
		return Anonymous()
	}
	m := subjectCN.FindStringSubmatch(chain[0].Subject.String())
	if m == nil || m[1] == "" {
		return Anonymous()
	}
	return ClientIdentity{CommonName: m[1], Authenticated: true}
}

// IdentityFromRequest resolves the identity of the connection r arrived on.
// Peer certificates are only present once the TLS layer has verified them
// against the inbound trusted CAs, so plaintext requests and TLS requests
// without a certificate are anonymous.
func IdentityFromRequest(r *http.Request) ClientIdentity {
	if r.TLS == nil {
		return Anonymous()
	}
	return ExtractIdentity(r.TLS.PeerCertificates)
}

type identityKey struct{}

// WithIdentity attaches id to ctx.
func WithIdentity(ctx context.Context, id ClientIdentity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the identity stored in ctx, or [Anonymous]
// when none was attached.
func IdentityFromContext(ctx context.Context) ClientIdentity {
	id, ok := ctx.Value(identityKey{}).(ClientIdentity)
	if !ok {
		return Anonymous()
	}
	return id
}

// identify is middleware that resolves the caller's identity once per
// request and stores it on the request context.
func identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := IdentityFromRequest(r)
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}
