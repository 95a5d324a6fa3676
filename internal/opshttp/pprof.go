package opshttp

import (
	"net/http/pprof"

	"github.com/go-chi/chi/v5"
)

// RegisterPprof mounts the net/http/pprof handlers. Only wired when pprof is
// explicitly enabled; the admin port is not internet-facing but the profile
// endpoints still leak more than we want by default.
func RegisterPprof(r chi.Router) {
	r.HandleFunc("/debug/pprof", pprof.Index)
	r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	r.HandleFunc("/debug/pprof/profile", pprof.Profile)
	r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	r.HandleFunc("/debug/pprof/trace", pprof.Trace)
	// Index also serves the named runtime profiles (heap, goroutine, ...)
	r.HandleFunc("/debug/pprof/*", pprof.Index)
}
