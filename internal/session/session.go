// Package session resolves the authenticated user for a request and
// enforces the auth wall on protected routes.
//
// The gatekeeper never parses or validates tokens itself: session cookies
// are opaque values handed to the identity provider, which answers with a
// user projection and optionally rotated cookies. Any provider failure is
// treated as "not authenticated" for protected routes — fail closed, never
// fail open, never surface a 500 for a policy question.
package session

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/coinatlas/edge-gatekeeper/internal/log"
	"github.com/coinatlas/edge-gatekeeper/internal/policy"
	"github.com/coinatlas/edge-gatekeeper/internal/routes"
	"github.com/coinatlas/edge-gatekeeper/internal/rules"
)

const stageName = "session"

// LoginPath is where unauthenticated requests for protected routes land.
const LoginPath = "/login"

// Resolution is a provider's answer for one request: the user (nil for
// anonymous) and any cookie mutations the caller must apply, e.g. rotated
// tokens after a refresh.
type Resolution struct {
	User    *policy.User
	Cookies []*http.Cookie
}

// Provider resolves a user from request cookies. One bounded attempt per
// request; implementations must respect ctx cancellation and never retry.
type Provider interface {
	Resolve(ctx context.Context, r *http.Request) (Resolution, error)
}

// Gate is the auth-wall pipeline stage.
type Gate struct {
	provider Provider
	holder   *rules.Holder
	timeout  time.Duration
	onError  func()

	// throttles the misconfiguration error so a missing provider does not
	// emit one error line per request
	misconfigOnce *rate.Sometimes
}

// GateOptions configures a Gate. Provider may be nil when the identity
// service is not configured; the gate then fails closed on protected routes.
type GateOptions struct {
	Provider Provider
	Holder   *rules.Holder

	// Timeout bounds one provider attempt. Defaults to 3s.
	Timeout time.Duration

	// OnProviderError is called once per failed provider attempt, e.g. to
	// increment a prometheus counter
	OnProviderError func()
}

func NewGate(opts GateOptions) *Gate {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Gate{
		provider:      opts.Provider,
		holder:        opts.Holder,
		timeout:       timeout,
		onError:       opts.OnProviderError,
		misconfigOnce: &rate.Sometimes{First: 1, Interval: time.Minute},
	}
}

func (g *Gate) Name() string { return stageName }

func (g *Gate) Evaluate(req *policy.Request) policy.Result {
	class := routes.Classify(g.holder.Current(), req.Path)
	ctx := req.HTTP.Context()
	L := log.FromContext(ctx)

	if g.provider == nil {
		if class == routes.Public {
			return policy.Allow()
		}
		g.misconfigOnce.Do(func() {
			L.Error(ctx, nil, "session provider not configured, failing closed",
				"path", req.Path,
			)
		})
		return g.authWall(req)
	}

	rctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	res, err := g.provider.Resolve(rctx, req.HTTP)
	if err != nil {
		if g.onError != nil {
			g.onError()
		}
		if class == routes.Public {
			L.Warn(ctx, "session resolution failed on public route",
				"path", req.Path,
				"error", err.Error(),
			)
			return policy.Allow()
		}
		L.Error(ctx, err, "session resolution failed, failing closed",
			"ip", req.IP,
			"path", req.Path,
		)
		return g.authWall(req)
	}

	req.User = res.User

	if res.User != nil || class == routes.Public {
		return policy.AllowWithCookies(res.Cookies)
	}

	wall := g.authWall(req)
	wall.Cookies = res.Cookies
	return wall
}

func (g *Gate) authWall(req *policy.Request) policy.Result {
	loc := LoginPath + "?next=" + url.QueryEscape(req.Path)
	return policy.Redirect(loc, "auth-required")
}
