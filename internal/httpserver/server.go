package httpserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/coinatlas/edge-gatekeeper/internal/health"
	"github.com/coinatlas/edge-gatekeeper/internal/httpmw"
	"github.com/coinatlas/edge-gatekeeper/internal/rules"
	"github.com/coinatlas/edge-gatekeeper/internal/xerrors"
)

// DefaultMaxBodyBytes caps proxied request bodies. Large enough for form
// posts and JSON APIs, small enough to stop upload abuse at the edge.
const DefaultMaxBodyBytes = 10 << 20

// NewHandler builds the edge handler: ambient middleware, the policy
// pipeline, and the upstream pass-through.
// main() owns *http.Server so it can do graceful shutdown
func NewHandler(opts *Options) http.Handler {
	r := chi.NewRouter()

	// Compress text responses coming back from the upstream
	r.Use(middleware.Compress(5,
		"text/html",
		"text/css",
		"application/javascript",
		"text/javascript",
		"application/json",
		"image/svg+xml",
		"image/x-icon",
	))

	// everything else passes through to the upstream
	if opts.Upstream != nil {
		r.NotFound(opts.Upstream.ServeHTTP)
		r.MethodNotAllowed(opts.Upstream.ServeHTTP)
	}

	// Middleware (outermost first in wrapping order)
	var h http.Handler = r

	maxBody := opts.MaxBodyBytes
	if maxBody == 0 {
		maxBody = DefaultMaxBodyBytes
	}
	h = httpmw.MaxBody(maxBody)(h)

	// The policy gate: denylist, rate limit, auth wall, content filter.
	// Inside the logging middlewares so denials are logged and measured.
	if opts.Pipeline != nil {
		h = opts.Pipeline.Middleware(h)
	}

	// Health endpoints answer ahead of the policy gate and are never
	// proxied: a probe must get its answer even when the node is draining
	// or the probe would otherwise be auth-walled
	h = probeRoutes(opts.Health, opts.Readiness)(h)

	// Access log sees pipeline denials as well as proxied responses
	h = httpmw.AccessLog()(h)

	// Request-scoped logging (inner so it sees trace_id, etc)
	h = httpmw.WithLogger(opts.Logger)(h)

	// Metrics middleware for prometheus instrumentation
	if opts.MetricsMW != nil {
		h = opts.MetricsMW(h)
	}

	// Decide which requests get traced
	shouldTrace := func(p string) bool {
		if p == "/favicon.ico" || p == "/robots.txt" {
			return false
		}
		if p == "/-/healthy" || p == "/-/ready" {
			return false
		}
		ext := strings.ToLower(path.Ext(p))
		switch ext {
		case ".css", ".js", ".png", ".jpg", ".jpeg", ".webp", ".svg", ".ico", ".woff", ".woff2", ".map":
			return false
		}
		return true
	}

	h = otelhttp.NewHandler(
		h,
		"http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return shouldTrace(r.URL.Path)
		}),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(r *http.Request) bool { return true }),
	)

	// Request ID (outer so everything downstream sees it)
	h = httpmw.RequestID("X-Request-Id")(h)

	// Recovery middleware to log panics and serve 500 response
	h = httpmw.Recover(opts.Logger, opts.OnPanic)(h)

	// Security headers outermost so every response carries them, including
	// pipeline denials and redirects
	holder := opts.Rules
	if holder == nil {
		holder = rules.NewHolder() // compiled-in defaults
	}
	h = httpmw.SecurityHeaders(holder)(h)

	return h
}

// probeRoutes answers the local health endpoints before any policy runs.
func probeRoutes(live, ready health.Probe) func(http.Handler) http.Handler {
	var healthz, readyz http.HandlerFunc
	if live != nil {
		healthz = health.HealthzHandler(live)
	}
	if ready != nil {
		readyz = health.ReadyzHandler(ready)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead {
				switch r.URL.Path {
				case "/-/healthy":
					if healthz != nil {
						healthz(w, r)
						return
					}
				case "/-/ready":
					if readyz != nil {
						readyz(w, r)
						return
					}
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Server timeout defaults, shared with opshttp.
const (
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultReadTimeout       = 10 * time.Second
	DefaultWriteTimeout      = 30 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
	DefaultMaxHeaderBytes    = 1 << 20 // 1 MB
)

func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		ReadTimeout:       DefaultReadTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		MaxHeaderBytes:    DefaultMaxHeaderBytes,
	}
}

// Start public HTTP server
// Returns stop(ctx) for graceful shutdown
func Start(ctx context.Context, opts *Options) (func(context.Context) error, error) {
	port := opts.Port
	if port == 0 {
		port = 8080
	}
	addr := fmt.Sprintf(":%d", port)

	handler := NewHandler(opts)
	srv := NewServer(addr, handler)

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp4", addr)
	if err != nil {
		return nil, xerrors.EnsureTrace(err)
	}

	go func() {
		opts.Logger.Info(ctx, "http server listening", "addr", addr)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			opts.Logger.Error(ctx, err, "http server error")
		}
	}()

	var once sync.Once
	stop := func(sctx context.Context) (retErr error) {
		once.Do(func() {
			opts.Logger.Info(sctx, "http server shutting down")
			c, cancel := context.WithTimeout(sctx, 5*time.Second)
			defer cancel()
			retErr = srv.Shutdown(c)
		})
		return retErr
	}
	return stop, nil
}
