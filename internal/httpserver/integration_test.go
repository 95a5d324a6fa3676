package httpserver

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coinatlas/edge-gatekeeper/internal/clientid"
	"github.com/coinatlas/edge-gatekeeper/internal/contentfilter"
	"github.com/coinatlas/edge-gatekeeper/internal/denylist"
	"github.com/coinatlas/edge-gatekeeper/internal/health"
	"github.com/coinatlas/edge-gatekeeper/internal/log"
	"github.com/coinatlas/edge-gatekeeper/internal/policy"
	"github.com/coinatlas/edge-gatekeeper/internal/ratelimit"
	"github.com/coinatlas/edge-gatekeeper/internal/routes"
	"github.com/coinatlas/edge-gatekeeper/internal/rules"
	"github.com/coinatlas/edge-gatekeeper/internal/session"
)

type fixedProvider struct {
	user *policy.User
}

func (p *fixedProvider) Resolve(ctx context.Context, r *http.Request) (session.Resolution, error) {
	return session.Resolution{User: p.user}, nil
}

type edgeFixture struct {
	handler  http.Handler
	upstream *countingUpstream
}

type countingUpstream struct {
	calls int
	last  *http.Request
}

func (u *countingUpstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	u.calls++
	u.last = r
	w.Header().Set("X-Upstream", "yes")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("upstream response"))
}

// newEdge assembles the full middleware stack with all four pipeline stages,
// the way main() does it.
func newEdge(t *testing.T, doc string, user *policy.User) *edgeFixture {
	t.Helper()

	compiled, err := rules.Parse([]byte(doc))
	if err != nil {
		t.Fatalf("parse rules: %v", err)
	}
	holder := rules.NewHolder()
	holder.Set(rules.Snapshot{Compiled: compiled, Source: rules.SourceFile})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	limiter := ratelimit.New(ctx)

	pipe := policy.New(
		clientid.Resolve,
		routes.Normalize,
		[]policy.Stage{
			denylist.NewStage(holder),
			ratelimit.NewStage(limiter, holder),
			contentfilter.NewPathStage(holder),
			session.NewGate(session.GateOptions{Provider: &fixedProvider{user: user}, Holder: holder}),
			contentfilter.NewStage(holder),
		},
	)

	upstream := &countingUpstream{}
	handler := NewHandler(&Options{
		Logger:    log.Nop(),
		Pipeline:  pipe,
		Rules:     holder,
		Upstream:  upstream,
		Health:    health.Fixed(true, ""),
		Readiness: health.Fixed(true, ""),
	})
	return &edgeFixture{handler: handler, upstream: upstream}
}

const testRules = `
denylist:
  - 203.0.113.66
rate_limits:
  default:
    limit: 100
    window: 1m
  sensitive:
    limit: 3
    window: 1m
`

func edgeGet(f *edgeFixture, path, ip, ua string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("True-Client-IP", ip)
	if ua != "" {
		req.Header.Set("User-Agent", ua)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestAllowedRequestReachesUpstream(t *testing.T) {
	f := newEdge(t, testRules, nil)

	rec := edgeGet(f, "/pricing", "198.51.100.1", "Mozilla/5.0")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %q", rec.Code, rec.Body.String())
	}
	if f.upstream.calls != 1 {
		t.Fatalf("upstream calls = %d, want 1", f.upstream.calls)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Error("response missing X-Request-Id")
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("response missing security headers")
	}
}

func TestDenylistedIPBlocked(t *testing.T) {
	f := newEdge(t, testRules, nil)

	rec := edgeGet(f, "/pricing", "203.0.113.66", "Mozilla/5.0")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if f.upstream.calls != 0 {
		t.Fatal("denied request reached upstream")
	}
	// denials carry the security headers too
	if rec.Header().Get("X-Frame-Options") != "DENY" {
		t.Error("denial missing security headers")
	}
}

func TestRateLimitWithRetryAfter(t *testing.T) {
	f := newEdge(t, testRules, &policy.User{ID: "u1"})

	var last *httptest.ResponseRecorder
	for i := 0; i < 4; i++ {
		last = edgeGet(f, "/api/auth/login", "198.51.100.1", "Mozilla/5.0")
	}
	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429 after sensitive quota", last.Code)
	}
	if last.Header().Get("Retry-After") == "" {
		t.Error("429 missing Retry-After")
	}
}

func TestAuthWallRedirect(t *testing.T) {
	f := newEdge(t, testRules, nil)

	rec := edgeGet(f, "/dashboard", "198.51.100.1", "Mozilla/5.0")
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "/login?next=%2Fdashboard" {
		t.Fatalf("Location = %q", loc)
	}
	if f.upstream.calls != 0 {
		t.Fatal("unauthenticated request reached upstream")
	}
}

func TestAuthenticatedProtectedRequest(t *testing.T) {
	f := newEdge(t, testRules, &policy.User{ID: "u1", Email: "a@b.c"})

	rec := edgeGet(f, "/dashboard", "198.51.100.1", "Mozilla/5.0")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

// Suspicious paths answer 404 for anonymous and authenticated requests
// alike: the auth wall must never leak a login redirect for them.
func TestSuspiciousPath404(t *testing.T) {
	for name, user := range map[string]*policy.User{
		"anonymous":     nil,
		"authenticated": {ID: "u1"},
	} {
		t.Run(name, func(t *testing.T) {
			f := newEdge(t, testRules, user)

			for _, path := range []string{"/.env", "/wp-admin/setup.php"} {
				rec := edgeGet(f, path, "198.51.100.1", "Mozilla/5.0")
				if rec.Code != http.StatusNotFound {
					t.Fatalf("%s: status = %d, want 404", path, rec.Code)
				}
			}
			if f.upstream.calls != 0 {
				t.Fatal("probe reached upstream")
			}
		})
	}
}

func TestBotUADeniedOnAPI(t *testing.T) {
	f := newEdge(t, testRules, nil)

	rec := edgeGet(f, "/api/prices/btc", "198.51.100.1", "curl/8.4.0")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

// A scripted register attempt with a wrong content type is denied with 400
// on every attempt: the content-type guard runs before the bot UA check, so
// repeated retries see a stable answer.
func TestScriptedRegisterDeterministicDenial(t *testing.T) {
	// generous quotas so only the content filter speaks
	f := newEdge(t, strings.Replace(testRules, "limit: 3", "limit: 100", 1), nil)

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/user/register", strings.NewReader("x=1"))
		req.Header.Set("True-Client-IP", "198.51.100.7")
		req.Header.Set("User-Agent", "curl/8.4.0")
		req.Header.Set("Content-Type", "text/plain")
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("attempt %d: status = %d, want 400 every time", i+1, rec.Code)
		}
	}
}

func TestHealthEndpointsAnswerLocally(t *testing.T) {
	f := newEdge(t, testRules, nil)

	for _, path := range []string{"/-/healthy", "/-/ready"} {
		rec := edgeGet(f, path, "198.51.100.1", "kube-probe/1.29")
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status = %d", path, rec.Code)
		}
	}
	if f.upstream.calls != 0 {
		t.Fatal("health check proxied to upstream")
	}
}

// Probes bypass the policy gate entirely: an anonymous kube-probe must see
// the readiness answer, including a 503 during drain, never an auth-wall
// redirect.
func TestProbesBypassPolicyGate(t *testing.T) {
	f := newEdge(t, testRules, nil)

	rec := edgeGet(f, "/-/healthy", "198.51.100.1", "kube-probe/1.29")
	if rec.Code != http.StatusOK {
		t.Fatalf("healthy: status = %d, want 200", rec.Code)
	}

	holder := rules.NewHolder()
	holder.Set(rules.Snapshot{Compiled: rules.MustDefault(), Source: rules.SourceDefault})
	draining := NewHandler(&Options{
		Logger:    log.Nop(),
		Rules:     holder,
		Health:    health.Fixed(true, ""),
		Readiness: health.Fixed(false, "draining"),
	})

	req := httptest.NewRequest(http.MethodGet, "/-/ready", nil)
	rec = httptest.NewRecorder()
	draining.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("draining ready: status = %d, want 503", rec.Code)
	}
	if rec.Body.String() != "draining\n" {
		t.Fatalf("draining ready body = %q", rec.Body.String())
	}
}

func TestProxyForwardsAndStripsServerHeader(t *testing.T) {
	app := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", "SecretApp/1.0")
		w.Header().Set("X-Powered-By", "magic")
		_, _ = w.Write([]byte("hello from app"))
	}))
	t.Cleanup(app.Close)

	target, err := url.Parse(app.URL)
	if err != nil {
		t.Fatal(err)
	}
	proxy := NewProxy(target)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "http://edge.example.com/some/path", nil)
	proxy.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Body.String() != "hello from app" {
		t.Fatalf("body = %q", rec.Body.String())
	}
	if rec.Header().Get("Server") != "" || rec.Header().Get("X-Powered-By") != "" {
		t.Fatal("server-identifying headers not stripped")
	}
}

func TestProxyBadGateway(t *testing.T) {
	target, _ := url.Parse("http://127.0.0.1:1")
	proxy := NewProxy(target)

	rec := httptest.NewRecorder()
	proxy.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("free port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}

func TestStartAndGracefulShutdown(t *testing.T) {
	holder := rules.NewHolder()
	holder.Set(rules.Snapshot{Compiled: rules.MustDefault(), Source: rules.SourceDefault})

	stop, err := Start(context.Background(), &Options{
		Logger: log.Nop(),
		Port:   freePort(t),
		Rules:  holder,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
}
