package security

import (
	"net"
	"net/http"
	"strings"
)

// GetClientIP returns the address of the party that sent r.
//
// With trustProxy set, X-Forwarded-For is consulted first. The header reads
// "client, proxy1, proxy2" and the rightmost trustedProxyCount entries were
// appended by our own proxies, so the client is the entry just left of them.
// A trustedProxyCount of 0 means one proxy. X-Real-IP is the fallback.
// Without trustProxy only RemoteAddr is used.
func GetClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := clientFromForwardedFor(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(ip) != nil {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func clientFromForwardedFor(header string, trustedProxyCount int) string {
	if header == "" {
		return ""
	}
	if trustedProxyCount <= 0 {
		trustedProxyCount = 1
	}

	hops := strings.Split(header, ",")
	idx := len(hops) - trustedProxyCount - 1
	if idx < 0 {
		idx = 0
	}

	ip := strings.TrimSpace(hops[idx])
	if net.ParseIP(ip) == nil {
		return ""
	}
	return ip
}
