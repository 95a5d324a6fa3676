package httpmw

import (
	"net/http"
	"strings"

	"github.com/coinatlas/edge-gatekeeper/internal/routes"
	"github.com/coinatlas/edge-gatekeeper/internal/rules"
)

// SecurityHeaders decorates every response, including pipeline denials and
// redirects, which is why it sits outermost in the chain.
//
// Frame policy is decided per path before headers are attached: embeddable
// route prefixes (widgets meant for third-party iframes) get a permissive
// frame-ancestors CSP instead of the deny, everything else is not frameable.
func SecurityHeaders(holder *rules.Holder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()

			// Disable MIME type sniffing for integrity/security
			h.Set("X-Content-Type-Options", "nosniff")

			// Legacy reflected-XSS filter for older browsers
			h.Set("X-XSS-Protection", "1; mode=block")

			// Referrer policy to control information sent in Referer header
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")

			// Permissions policy to disable powerful features the app never uses
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")

			if embeddable(holder.Current(), routes.Normalize(r.URL.Path)) {
				h.Set("Content-Security-Policy", "frame-ancestors *")
			} else {
				// Clickjacking protection - dont allow embedding in frames
				h.Set("X-Frame-Options", "DENY")
			}

			next.ServeHTTP(w, r)
		})
	}
}

func embeddable(r *rules.Compiled, path string) bool {
	for _, p := range r.EmbeddablePrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}
