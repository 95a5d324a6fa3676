package httpserver

import (
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/coinatlas/edge-gatekeeper/internal/log"
)

// NewProxy builds the pass-through handler to the application upstream.
// Requests arrive here only after the full pipeline allowed them; the proxy
// forwards them unchanged apart from standard forwarding headers, and strips
// server-identifying response headers on the way back.
func NewProxy(upstream *url.URL) http.Handler {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(upstream)
			pr.SetXForwarded()
			// preserve the public host; the app uses it for absolute URLs
			pr.Out.Host = pr.In.Host
		},
		ModifyResponse: func(resp *http.Response) error {
			resp.Header.Del("Server")
			resp.Header.Del("X-Powered-By")
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			log.FromContext(r.Context()).Error(r.Context(), err, "upstream proxy error",
				"url.path", r.URL.Path,
			)
			http.Error(w, "bad gateway", http.StatusBadGateway)
		},
	}
}
