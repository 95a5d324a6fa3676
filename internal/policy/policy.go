// Package policy is the request gatekeeper pipeline.
//
// Every inbound request passes through an ordered list of stages before any
// application handler runs. Each stage returns a Result; the driver folds the
// list left-to-right and stops at the first non-Allow result. Stage ordering
// is a first-class artifact: it is fixed at construction time and asserted in
// tests rather than implied by control flow.
package policy

import "net/http"

// Decision is the outcome class of a single stage evaluation.
type Decision int

const (
	DecisionAllow Decision = iota
	DecisionDeny
	DecisionRedirect
)

func (d Decision) String() string {
	switch d {
	case DecisionAllow:
		return "allow"
	case DecisionDeny:
		return "deny"
	case DecisionRedirect:
		return "redirect"
	}
	return "unknown"
}

// Result is what a stage returns. Exactly one of the three shapes:
//   - Allow: request continues to the next stage
//   - Deny: terminal, Status + Body written to the client
//   - Redirect: terminal, 302 to Location
//
// Cookies are mutations the stage wants applied to the outgoing response
// regardless of the final outcome (session token rotation must survive a
// later deny, or browsers end up logged out sporadically).
type Result struct {
	Decision Decision
	Status   int
	Body     string
	Location string

	// Rule names what matched, for denial logs and metrics. Bounded
	// cardinality: rule classes, never raw client input.
	Rule string

	// Header entries are set on terminal responses (e.g. Retry-After).
	Header map[string]string

	Cookies []*http.Cookie
}

// Allow passes the request to the next stage.
func Allow() Result { return Result{Decision: DecisionAllow} }

// AllowWithCookies passes the request on and schedules cookie mutations.
func AllowWithCookies(cookies []*http.Cookie) Result {
	return Result{Decision: DecisionAllow, Cookies: cookies}
}

// Deny terminates the pipeline with the given status.
func Deny(status int, body, rule string) Result {
	return Result{Decision: DecisionDeny, Status: status, Body: body, Rule: rule}
}

// Redirect terminates the pipeline with a 302 to location.
func Redirect(location, rule string) Result {
	return Result{Decision: DecisionRedirect, Status: http.StatusFound, Location: location, Rule: rule}
}

// User is the identity resolved by the session gate. The gatekeeper never
// inspects session contents beyond this projection.
type User struct {
	ID    string
	Email string
}

// Request is the per-request view handed to stages. Identity fields are
// best-effort and heuristic only; they must never drive authorization.
type Request struct {
	HTTP *http.Request

	// IP and UserAgent come from the client identity resolver.
	IP        string
	UserAgent string

	// Path is the trailing-slash-normalized URL path.
	Path string

	// User is set by the session gate once resolved, nil if unauthenticated.
	User *User
}

// Stage is one policy in the pipeline.
type Stage interface {
	// Name identifies the stage in logs and metrics.
	Name() string

	// Evaluate inspects the request and returns a Result. It must not write
	// to any response writer; the driver owns the response.
	Evaluate(req *Request) Result
}

// StageFunc adapts a named function into a Stage.
type StageFunc struct {
	StageName string
	Fn        func(req *Request) Result
}

func (s StageFunc) Name() string                 { return s.StageName }
func (s StageFunc) Evaluate(req *Request) Result { return s.Fn(req) }
