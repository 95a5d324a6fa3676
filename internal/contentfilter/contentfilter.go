// Package contentfilter holds the request-shape stages: cheap heuristics
// that cut down scanner and scraper noise before it reaches the
// application.
//
// The checks run in a fixed order across the pipeline: suspicious path
// (PathStage, placed before the session gate), then content-type guard,
// then bot user-agent (Stage, placed last). A probe for /.env with a curl
// user-agent is reported as a suspicious path, not a bot, so denial
// metrics stay stable when the bot list changes.
package contentfilter

import (
	"mime"
	"net/http"
	"strings"

	"github.com/coinatlas/edge-gatekeeper/internal/policy"
	"github.com/coinatlas/edge-gatekeeper/internal/rules"
)

const stageName = "contentfilter"

// Rule names, bounded to these three classes.
const (
	RuleSuspiciousPath = "suspicious-path"
	RuleContentType    = "content-type"
	RuleBotUA          = "bot-user-agent"
)

type Stage struct {
	holder *rules.Holder
}

func NewStage(holder *rules.Holder) *Stage {
	return &Stage{holder: holder}
}

func (s *Stage) Name() string { return stageName }

func (s *Stage) Evaluate(req *policy.Request) policy.Result {
	r := s.holder.Current()

	if res, ok := s.checkContentType(req, r); !ok {
		return res
	}

	if res, ok := s.checkUserAgent(req, r); !ok {
		return res
	}

	return policy.Allow()
}

// checkContentType enforces the declared body type on guarded POST routes.
// Scripted abuse against register/login style endpoints routinely omits or
// fakes the content type; browsers and legitimate clients never do.
func (s *Stage) checkContentType(req *policy.Request, r *rules.Compiled) (policy.Result, bool) {
	if req.HTTP.Method != http.MethodPost {
		return policy.Result{}, true
	}
	if _, guarded := r.GuardRoutes[req.Path]; !guarded {
		return policy.Result{}, true
	}

	ct := req.HTTP.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(ct)
	if err == nil {
		for _, accepted := range r.GuardAccepted {
			if mediaType == accepted {
				return policy.Result{}, true
			}
		}
	}
	return policy.Deny(http.StatusBadRequest, "unsupported content type", RuleContentType), false
}

// checkUserAgent denies known non-browser client signatures on API paths.
// Internal prefixes are exempt: cron and service-to-service callers are
// scripted clients on purpose.
func (s *Stage) checkUserAgent(req *policy.Request, r *rules.Compiled) (policy.Result, bool) {
	if !strings.HasPrefix(req.Path, "/api/") {
		return policy.Result{}, true
	}
	for _, p := range r.InternalPrefixes {
		if strings.HasPrefix(req.Path, p) {
			return policy.Result{}, true
		}
	}

	ua := strings.ToLower(req.UserAgent)
	if ua == "" {
		return policy.Result{}, true
	}
	for _, sig := range r.BotUALower {
		if strings.Contains(ua, sig) {
			return policy.Deny(http.StatusForbidden, "forbidden", RuleBotUA), false
		}
	}
	return policy.Result{}, true
}
