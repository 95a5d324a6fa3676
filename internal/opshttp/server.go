// Package opshttp is the admin server: health probes, metrics, pprof, and
// rules provenance. It binds separately from the edge listener so none of
// these endpoints pass through the policy pipeline.
package opshttp

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/coinatlas/edge-gatekeeper/internal/health"
	"github.com/coinatlas/edge-gatekeeper/internal/httpmw"
	"github.com/coinatlas/edge-gatekeeper/internal/log"
	"github.com/coinatlas/edge-gatekeeper/internal/rules"
	"github.com/coinatlas/edge-gatekeeper/internal/xerrors"
)

type Options struct {
	Port        int
	Metrics     http.Handler
	EnablePprof bool
	Health      health.Probe
	Readiness   health.Probe

	// Rules, when set, serves active-snapshot provenance at /-/rules
	Rules *rules.Holder

	// OnPanic is called when the recover middleware catches a panic, e.g.
	// to increment a prometheus counter
	OnPanic func()
}

// Start brings up the admin HTTP server.
// Returns stop(ctx) for graceful shutdown.
func Start(ctx context.Context, L log.Logger, opts Options) (func(context.Context) error, error) {
	port := opts.Port
	if port == 0 {
		port = 9000
	}
	addr := fmt.Sprintf(":%d", port)

	r := chi.NewRouter()
	r.Use(httpmw.Recover(L, opts.OnPanic))

	r.Get("/-/healthy", health.HealthzHandler(opts.Health))
	r.Get("/-/ready", health.ReadyzHandler(opts.Readiness))

	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	}

	if opts.Rules != nil {
		r.Get("/-/rules", rulesHandler(opts.Rules))
	}

	// pprof (or shadow with 404s)
	if opts.EnablePprof {
		RegisterPprof(r)
	} else {
		r.HandleFunc("/debug/pprof/*", func(w http.ResponseWriter, r *http.Request) {
			http.NotFound(w, r)
		})
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "could not listen for admin port on addr=%v", addr)
	}

	go func() {
		L.Info(ctx, "ops http server listening", "addr", addr)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			L.Error(ctx, err, "ops http server error")
		}
	}()

	var once sync.Once
	stop := func(sctx context.Context) (retErr error) {
		once.Do(func() {
			L.Info(sctx, "ops http server shutting down")
			c, cancel := context.WithTimeout(sctx, 5*time.Second)
			defer cancel()
			retErr = srv.Shutdown(c)
		})
		return retErr
	}
	return stop, nil
}

// rulesHandler reports which policy document this node is enforcing, so an
// operator can tell at a glance whether a fleet has converged after a push.
func rulesHandler(h *rules.Holder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		source, hash, loadedAt := h.Meta()
		out := struct {
			Source   string `json:"source"`
			Hash     string `json:"hash,omitempty"`
			LoadedAt string `json:"loaded_at,omitempty"`
		}{
			Source: string(source),
			Hash:   hash,
		}
		if !loadedAt.IsZero() {
			out.LoadedAt = loadedAt.UTC().Format(time.RFC3339)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	}
}
