// Package httpmw provides HTTP middleware for the edge server.
//
// Middleware is composed in a specific order in httpserver.NewHandler:
// security headers outermost, then request ID, body size cap, OTEL tracing,
// metrics, structured logging, the policy pipeline, and finally the upstream
// proxy. Each middleware is an independent function that can be tested,
// reordered, or removed individually. User-supplied data beyond method and
// path is intentionally excluded from logs to prevent PII leaks and log
// injection.
package httpmw
