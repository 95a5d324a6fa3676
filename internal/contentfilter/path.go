package contentfilter

import (
	"net/http"

	"github.com/coinatlas/edge-gatekeeper/internal/policy"
	"github.com/coinatlas/edge-gatekeeper/internal/rules"
)

const pathStageName = "pathfilter"

// PathStage rejects requests whose path matches a suspicious pattern
// (/.env, wp-admin, dotfiles and friends). It runs ahead of the auth wall:
// a probe for a secrets file gets the same 404 whether or not the request
// carries a session, so scanners can't use the login redirect to map which
// paths exist.
type PathStage struct {
	holder *rules.Holder
}

func NewPathStage(holder *rules.Holder) *PathStage {
	return &PathStage{holder: holder}
}

func (s *PathStage) Name() string { return pathStageName }

func (s *PathStage) Evaluate(req *policy.Request) policy.Result {
	r := s.holder.Current()

	// 404, not 403: a scanner learns nothing about whether the path class
	// is interesting
	for _, re := range r.SuspiciousRe {
		if re.MatchString(req.Path) {
			return policy.Deny(http.StatusNotFound, "not found", RuleSuspiciousPath)
		}
	}
	return policy.Allow()
}
