// Package httpmw holds the HTTP middleware for the public listener.
//
// ProxyFix is the centrepiece: it decides whether a request came through a
// token-authenticated edge proxy or only through ordinary forwarders, writes
// the resolved scheme, client address and host back onto the request, and
// strips every raw proxy header so nothing downstream can read them.
// Handlers get the result through IdentityFromContext and RemoteAddrHashed.
//
// httpserver.NewHandler composes the stack, outermost first: security
// headers, panic recovery, request ID, X-Vhm-Root stripping, ProxyFix, rate
// limiting, OTel tracing, trace response headers, metrics, logger
// enrichment and the chi router.
//
// Logged fields never include raw client addresses, presented tokens or
// other user-supplied header values. The hashed address stands in for the
// client.
package httpmw
