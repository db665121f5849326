package httpmw

import (
	"context"
	"net/http"
	"sync"
)

// Identity is the canonical client identity resolved by ProxyFix.
type Identity struct {
	Scheme           string
	RemoteAddr       string
	RemoteAddrHashed string
	Host             string
	// Trusted is true when the values came from a token-authenticated proxy.
	Trusted bool
}

// requestState is the per-request identity record ProxyFix writes and the
// accessors below read. It lives in the request context so every handler in
// the chain sees the same instance.
type requestState struct {
	identity Identity

	hashedOnce sync.Once
	hashed     string
}

type requestStateKey struct{}

func stateFromContext(ctx context.Context) *requestState {
	s, _ := ctx.Value(requestStateKey{}).(*requestState)
	return s
}

// ensureState returns the request's state, attaching a fresh one if needed.
func ensureState(r *http.Request) (*requestState, *http.Request) {
	if s := stateFromContext(r.Context()); s != nil {
		return s, r
	}
	s := &requestState{}
	return s, r.WithContext(context.WithValue(r.Context(), requestStateKey{}, s))
}

// IdentityFromContext returns the identity resolved for this request.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	s := stateFromContext(ctx)
	if s == nil {
		return Identity{}, false
	}
	return s.identity, true
}

// RemoteAddrHashed returns the hashed client address for r, or "" when none
// was resolved. The first call in a request fixes the value; later calls
// return the same string.
func RemoteAddrHashed(r *http.Request) string {
	s := stateFromContext(r.Context())
	if s == nil {
		return ""
	}
	s.hashedOnce.Do(func() {
		s.hashed = s.identity.RemoteAddrHashed
	})
	return s.hashed
}
