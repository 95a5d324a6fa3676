// Package denylist rejects requests from statically blocklisted IPs.
//
// Membership is O(1) over the operator-maintained set in the active rules
// snapshot. The set is eventually consistent across the fleet only at the
// level of "operator ships a new rules document"; counters and discoveries
// are never synchronized between nodes.
package denylist

import (
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/coinatlas/edge-gatekeeper/internal/log"
	"github.com/coinatlas/edge-gatekeeper/internal/policy"
	"github.com/coinatlas/edge-gatekeeper/internal/rules"
)

const stageName = "denylist"

// Stage is the pipeline stage. One warning log per interval rather than per
// denied request, so a blocklisted scraper can't flood the logs.
type Stage struct {
	holder  *rules.Holder
	logOnce *rate.Sometimes
}

func NewStage(holder *rules.Holder) *Stage {
	return &Stage{
		holder:  holder,
		logOnce: &rate.Sometimes{First: 1, Interval: 30 * time.Second},
	}
}

func (s *Stage) Name() string { return stageName }

func (s *Stage) Evaluate(req *policy.Request) policy.Result {
	r := s.holder.Current()
	if _, blocked := r.DenyIPs[req.IP]; !blocked {
		return policy.Allow()
	}

	ctx := req.HTTP.Context()
	s.logOnce.Do(func() {
		log.FromContext(ctx).Warn(ctx, "denylisted ip rejected",
			"ip", req.IP,
			"path", req.Path,
		)
	})

	return policy.Deny(http.StatusForbidden, "forbidden", "ip-denylist")
}
