package httpserver

import (
	"net/http"

	"github.com/coinatlas/edge-gatekeeper/internal/health"
	"github.com/coinatlas/edge-gatekeeper/internal/log"
	"github.com/coinatlas/edge-gatekeeper/internal/policy"
	"github.com/coinatlas/edge-gatekeeper/internal/rules"
)

type Options struct {
	Logger log.Logger
	Port   int

	// Pipeline is the policy gate every request passes through
	Pipeline *policy.Pipeline

	// Rules feeds the security-header decorator (embeddable prefixes)
	Rules *rules.Holder

	// Upstream handles requests the pipeline allows, normally the reverse
	// proxy to the application
	Upstream http.Handler

	MetricsMW func(http.Handler) http.Handler
	Health    health.Probe
	Readiness health.Probe

	// MaxBodyBytes caps request bodies ahead of the upstream. 0 uses the
	// default.
	MaxBodyBytes int64

	OnPanic func()
}
