// Package identityhttp serves the client identity ProxyFix resolved for the
// current request. It is the application-facing consumer of the hashed
// address accessor and doubles as a deployment check for proxy setups.
package identityhttp

import (
	"encoding/json"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/proxyfix/internal/httpmw"
	"github.com/keithlinneman/proxyfix/internal/log"
)

const PathIdentity = "/api/identity"

type API struct {
	logger log.Logger
}

func NewAPI(logger log.Logger) *API {
	if logger == nil {
		logger = log.Nop()
	}
	return &API{logger: logger}
}

func (api *API) RegisterRoutes(r chi.Router) {
	r.With(httpmw.Scope("identity")).Get(PathIdentity, api.HandleIdentity)
}

// IdentityResponse echoes the request's resolved identity. RemoteAddr is
// the caller's own address, so returning it discloses nothing new.
type IdentityResponse struct {
	Scheme           string `json:"scheme"`
	Host             string `json:"host"`
	RemoteAddr       string `json:"remote_addr"`
	RemoteAddrHashed string `json:"remote_addr_hashed"`
	Trusted          bool   `json:"trusted"`
}

func (api *API) HandleIdentity(w http.ResponseWriter, r *http.Request) {
	id, ok := httpmw.IdentityFromContext(r.Context())
	if !ok {
		log.FromContext(r.Context()).Debug(r.Context(), "identity requested without proxy resolution")
	}

	resp := IdentityResponse{
		Scheme:           requestScheme(r),
		Host:             r.Host,
		RemoteAddr:       hostOnly(r.RemoteAddr),
		RemoteAddrHashed: httpmw.RemoteAddrHashed(r),
		Trusted:          id.Trusted,
	}
	api.writeJSON(w, r, http.StatusOK, resp)
}

func requestScheme(r *http.Request) string {
	if r.URL != nil && r.URL.Scheme != "" {
		return r.URL.Scheme
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

// hostOnly strips a port; ProxyFix writes bare addresses but the peer
// address from net/http carries one.
func hostOnly(addr string) string {
	if h, _, err := net.SplitHostPort(addr); err == nil {
		return h
	}
	return addr
}

func (api *API) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.FromContext(r.Context()).Error(r.Context(), err, "encode identity response")
	}
}
