package httpmw

import (
	"net/http"
	"strings"

	"github.com/keithlinneman/proxyfix/internal/cryptoutil"
	"github.com/keithlinneman/proxyfix/internal/log"
)

// Headers set by a trusted edge proxy that knows the shared token.
const (
	HeaderProxyToken    = "Warehouse-Token"
	HeaderProxyProto    = "Warehouse-Proto"
	HeaderProxyIP       = "Warehouse-Ip"
	HeaderProxyHashedIP = "Warehouse-Hashed-Ip"
	HeaderProxyHost     = "Warehouse-Host"
)

// Standard forwarding headers, used when the request is not token-authenticated.
const (
	HeaderForwardedProto = "X-Forwarded-Proto"
	HeaderForwardedFor   = "X-Forwarded-For"
	HeaderForwardedHost  = "X-Forwarded-Host"
	HeaderForwardedPort  = "X-Forwarded-Port"
)

// proxyHeaders are removed from every request after resolution, whichever
// path was taken. X-Forwarded-Port is never read but still stripped.
var proxyHeaders = [...]string{
	HeaderForwardedProto,
	HeaderForwardedFor,
	HeaderForwardedHost,
	HeaderForwardedPort,
	HeaderProxyToken,
	HeaderProxyProto,
	HeaderProxyIP,
	HeaderProxyHashedIP,
	HeaderProxyHost,
}

// Resolution sources reported to ProxyFixObserver.
const (
	SourceTrusted   = "trusted"
	SourceForwarded = "forwarded"
)

// ProxyFixObserver receives per-request resolution outcomes. Implementations
// must be safe for concurrent use.
type ProxyFixObserver interface {
	// ObserveProxyFix is called once per request with SourceTrusted or SourceForwarded.
	ObserveProxyFix(source string)
	// IncProxyTokenRejected is called when a token header was presented but did not match.
	IncProxyTokenRejected()
	// IncForwardedChainShort is called when X-Forwarded-For had fewer hops than NumProxies.
	IncForwardedChainShort()
}

type nopObserver struct{}

func (nopObserver) ObserveProxyFix(string)  {}
func (nopObserver) IncProxyTokenRejected()  {}
func (nopObserver) IncForwardedChainShort() {}

// ProxyFixOptions configures ProxyFix. Values are captured at construction.
type ProxyFixOptions struct {
	// Token is the secret shared with trusted edge proxies. Empty disables
	// the trusted path: every request is resolved from X-Forwarded-* headers.
	Token string

	// NumProxies is how many proxies we operate in front of the app.
	// 1 takes the rightmost X-Forwarded-For entry, 2 the one before it, etc.
	// Values below 1 mean 1.
	NumProxies int

	Observer ProxyFixObserver
	Logger   log.Logger
}

// resolution is the outcome of reading one request's proxy headers.
type resolution struct {
	identity       Identity
	tokenPresented bool
	forwardedFor   bool
	chainTooShort  bool
}

// ProxyFix returns middleware that resolves the client's scheme, address,
// hashed address and host from proxy headers, writes the non-empty results
// onto the request, strips every proxy header, and then calls next.
//
// A request carrying a Warehouse-Token equal to opts.Token is trusted and its
// Warehouse-* values are taken verbatim, including the pre-hashed address.
// Anything else falls back to X-Forwarded-*, where the address is chosen by
// ForwardedValue and hashed here.
func ProxyFix(opts ProxyFixOptions) func(http.Handler) http.Handler {
	numProxies := opts.NumProxies
	if numProxies < 1 {
		numProxies = 1
	}
	obs := opts.Observer
	if obs == nil {
		obs = nopObserver{}
	}
	L := opts.Logger
	if L == nil {
		L = log.Nop()
	}
	token := opts.Token

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			state, r := ensureState(r)

			res := resolveProxyHeaders(r.Header, token, numProxies)
			applyIdentity(r, state, res.identity)

			for _, h := range proxyHeaders {
				r.Header.Del(h)
			}

			if res.identity.Trusted {
				obs.ObserveProxyFix(SourceTrusted)
			} else {
				obs.ObserveProxyFix(SourceForwarded)
				if res.tokenPresented {
					obs.IncProxyTokenRejected()
					L.Debug(r.Context(), "proxy token rejected, using forwarded headers")
				}
				if res.chainTooShort {
					obs.IncForwardedChainShort()
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

// resolveProxyHeaders only reads h; it never mutates it.
func resolveProxyHeaders(h http.Header, token string, numProxies int) resolution {
	var res resolution

	presented := h.Values(HeaderProxyToken)
	res.tokenPresented = len(presented) > 0

	if token != "" && res.tokenPresented && cryptoutil.ConstantTimeEqual(token, presented[0]) {
		res.identity = Identity{
			Scheme:           h.Get(HeaderProxyProto),
			RemoteAddr:       h.Get(HeaderProxyIP),
			RemoteAddrHashed: h.Get(HeaderProxyHashedIP),
			Host:             h.Get(HeaderProxyHost),
			Trusted:          true,
		}
		return res
	}

	xff := h.Values(HeaderForwardedFor)
	res.forwardedFor = len(xff) > 0
	addr, ok := ForwardedValue(strings.Join(xff, ","), numProxies)
	res.chainTooShort = res.forwardedFor && !ok

	var hashed string
	if addr != "" {
		hashed = cryptoutil.SHA256HexString(addr)
	}
	res.identity = Identity{
		Scheme:           h.Get(HeaderForwardedProto),
		RemoteAddr:       addr,
		RemoteAddrHashed: hashed,
		Host:             h.Get(HeaderForwardedHost),
	}
	return res
}

// applyIdentity writes non-empty values only; empty ones keep whatever the
// request or an earlier resolution already had. A trusted resolution is
// never downgraded by a later pass.
func applyIdentity(r *http.Request, s *requestState, id Identity) {
	if id.Trusted {
		s.identity.Trusted = true
	}
	if id.RemoteAddr != "" {
		r.RemoteAddr = id.RemoteAddr
		s.identity.RemoteAddr = id.RemoteAddr
	}
	if id.RemoteAddrHashed != "" {
		s.identity.RemoteAddrHashed = id.RemoteAddrHashed
	}
	if id.Host != "" {
		r.Host = id.Host
		s.identity.Host = id.Host
	}
	if id.Scheme != "" {
		if r.URL != nil {
			r.URL.Scheme = id.Scheme
		}
		s.identity.Scheme = id.Scheme
	}
}
