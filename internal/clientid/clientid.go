// Package clientid derives a best-effort client IP and user agent from the
// untrusted forwarding headers an edge request arrives with.
//
// The result is heuristic only: it keys rate-limit buckets, denylist lookups,
// and logs. It must never drive an authorization decision, because every one
// of these headers can be forged by anyone who can reach the node directly.
package clientid

import (
	"context"
	"net/http"
	"strings"

	"github.com/coinatlas/edge-gatekeeper/internal/policy"
)

// UnknownIP is returned when no forwarding header is present. Absence of all
// headers is a normal case (direct connection, synthetic health checks), not
// an error.
const UnknownIP = "unknown"

// Header precedence, most trusted first:
//
//	True-Client-IP    injected by our own edge proxy, closest to authoritative
//	CF-Connecting-IP  set by the CDN when traffic enters through it
//	X-Forwarded-For   generic; only the first entry, the rest of the chain is
//	                  client-controlled beyond the nearest trusted hop
//	X-Real-IP         generic single-value fallback
var ipHeaders = []string{
	"True-Client-IP",
	"CF-Connecting-IP",
	"X-Forwarded-For",
	"X-Real-IP",
}

// Resolve extracts the client identity from request headers. Never errors.
func Resolve(r *http.Request) policy.Identity {
	return policy.Identity{
		IP:        resolveIP(r),
		UserAgent: r.Header.Get("User-Agent"),
	}
}

func resolveIP(r *http.Request) string {
	for _, h := range ipHeaders {
		v := r.Header.Get(h)
		if v == "" {
			continue
		}
		if h == "X-Forwarded-For" {
			// first entry only; later entries are appended by proxies we
			// did not configure and anything earlier is client-supplied
			if i := strings.IndexByte(v, ','); i >= 0 {
				v = v[:i]
			}
		}
		if ip := strings.TrimSpace(v); ip != "" {
			return ip
		}
	}
	return UnknownIP
}

type identityKey struct{}

// WithIdentity stores the resolved identity in the context.
func WithIdentity(ctx context.Context, id policy.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext returns the identity stored by the pipeline, or a zero value.
func FromContext(ctx context.Context) policy.Identity {
	id, _ := ctx.Value(identityKey{}).(policy.Identity)
	return id
}
