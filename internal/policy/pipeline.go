package policy

import (
	"context"
	"net/http"

	"github.com/coinatlas/edge-gatekeeper/internal/log"
)

// Identity is the resolved client identity for a request.
type Identity struct {
	IP        string
	UserAgent string
}

// ResolveFunc derives a best-effort client identity from the raw request.
type ResolveFunc func(*http.Request) Identity

// NormalizeFunc normalizes a URL path before stages see it.
type NormalizeFunc func(string) string

// Pipeline folds an ordered list of stages over each request.
type Pipeline struct {
	stages    []Stage
	resolve   ResolveFunc
	normalize NormalizeFunc

	// OnDeny is called for every terminal Deny/Redirect, used for metrics.
	// Called with the stage name and matched rule; never raw client input.
	OnDeny func(stage, rule string)
}

type Option func(*Pipeline)

// WithOnDeny sets the denial callback, e.g. to increment prometheus counters.
func WithOnDeny(fn func(stage, rule string)) Option {
	return func(p *Pipeline) { p.OnDeny = fn }
}

// New builds a pipeline. Stage order is the evaluation order.
func New(resolve ResolveFunc, normalize NormalizeFunc, stages []Stage, opts ...Option) *Pipeline {
	p := &Pipeline{
		stages:    stages,
		resolve:   resolve,
		normalize: normalize,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// StageNames returns the evaluation order, for tests and startup logging.
func (p *Pipeline) StageNames() []string {
	out := make([]string, len(p.stages))
	for i, s := range p.stages {
		out[i] = s.Name()
	}
	return out
}

type userKey struct{}

// UserFromContext returns the authenticated user resolved by the session
// gate, or nil for anonymous requests.
func UserFromContext(ctx context.Context) *User {
	u, _ := ctx.Value(userKey{}).(*User)
	return u
}

// Middleware runs the pipeline in front of next. On the first non-Allow
// result it writes the terminal response itself; otherwise the request is
// forwarded with the resolved identity and user attached to the context.
func (p *Pipeline) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ident := p.resolve(r)
		req := &Request{
			HTTP:      r,
			IP:        ident.IP,
			UserAgent: ident.UserAgent,
			Path:      p.normalize(r.URL.Path),
		}

		var cookies []*http.Cookie
		for _, s := range p.stages {
			res := s.Evaluate(req)

			// cookie mutations survive a later deny
			cookies = append(cookies, res.Cookies...)

			if res.Decision == DecisionAllow {
				continue
			}

			p.terminate(w, req, s.Name(), res, cookies)
			return
		}

		applyCookies(w, cookies)

		ctx := r.Context()
		if req.User != nil {
			ctx = context.WithValue(ctx, userKey{}, req.User)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// terminate writes the stage's terminal response, after applying any cookie
// mutations collected so far.
func (p *Pipeline) terminate(w http.ResponseWriter, req *Request, stage string, res Result, cookies []*http.Cookie) {
	applyCookies(w, cookies)

	ctx := req.HTTP.Context()
	L := log.FromContext(ctx)

	// enough context for denylist curation, never cookie or token values
	switch res.Decision {
	case DecisionRedirect:
		L.Info(ctx, "auth wall redirect",
			"stage", stage,
			"ip", req.IP,
			"path", req.Path,
		)
	default:
		L.Warn(ctx, "request denied",
			"stage", stage,
			"rule", res.Rule,
			"ip", req.IP,
			"path", req.Path,
			"status", res.Status,
		)
	}

	if p.OnDeny != nil {
		p.OnDeny(stage, res.Rule)
	}

	for k, v := range res.Header {
		w.Header().Set(k, v)
	}

	if res.Decision == DecisionRedirect {
		http.Redirect(w, req.HTTP, res.Location, res.Status)
		return
	}

	status := res.Status
	if status == 0 {
		status = http.StatusForbidden
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	if res.Body != "" {
		_, _ = w.Write([]byte(res.Body + "\n"))
	}
}

func applyCookies(w http.ResponseWriter, cookies []*http.Cookie) {
	for _, c := range cookies {
		if c == nil {
			continue
		}
		http.SetCookie(w, c)
	}
}
