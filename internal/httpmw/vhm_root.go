package httpmw

import "net/http"

// HeaderVhmRoot is the Zope-era virtual host monster root header. Nothing
// downstream should ever act on it.
const HeaderVhmRoot = "X-Vhm-Root"

// VhmRootRemover drops X-Vhm-Root before calling next.
func VhmRootRemover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Header.Del(HeaderVhmRoot)
		next.ServeHTTP(w, r)
	})
}
