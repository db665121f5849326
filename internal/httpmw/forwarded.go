package httpmw

import "strings"

// ForwardedValue picks the hop numProxies places from the right of a
// comma-separated forwarded-for chain. Clients can prepend anything they like,
// so only entries appended by our own proxies are trustworthy, counting from
// the end.
//
// Each element is whitespace-trimmed. The second result is false when the
// chain has fewer than numProxies entries. An empty input is a chain of one
// empty hop, so ForwardedValue("", 1) returns ("", true).
func ForwardedValue(values string, numProxies int) (string, bool) {
	if numProxies < 1 {
		return "", false
	}
	hops := strings.Split(values, ",")
	if len(hops) < numProxies {
		return "", false
	}
	return strings.TrimSpace(hops[len(hops)-numProxies]), true
}
