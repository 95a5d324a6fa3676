package ratelimit

import (
	"net/http"
	"strings"

	"github.com/coinatlas/edge-gatekeeper/internal/policy"
	"github.com/coinatlas/edge-gatekeeper/internal/rules"
)

const stageName = "ratelimit"

// Stage enforces the per-(ip, bucket) quota from the active rules snapshot.
// Sensitive route prefixes (auth, payments, webhooks) get the tighter quota.
type Stage struct {
	limiter *Limiter
	holder  *rules.Holder
}

func NewStage(limiter *Limiter, holder *rules.Holder) *Stage {
	return &Stage{limiter: limiter, holder: holder}
}

func (s *Stage) Name() string { return stageName }

func (s *Stage) Evaluate(req *policy.Request) policy.Result {
	r := s.holder.Current()

	bucket := BucketFor(req.Path)
	quota := r.RateLimits.Default
	for _, p := range r.SensitivePrefixes {
		if strings.HasPrefix(req.Path, p) {
			quota = r.RateLimits.Sensitive
			break
		}
	}

	if s.limiter.Allow(Key(req.IP, bucket), quota.Limit, quota.Window.Std()) {
		return policy.Allow()
	}

	// intentionally no detail about limits, remaining budget, or reset time
	res := policy.Deny(http.StatusTooManyRequests, "too many requests", "window-exceeded")
	res.Header = map[string]string{"Retry-After": retryAfterSeconds}
	return res
}

// retryAfterSeconds is advertised on 429 responses. Coarse on purpose: the
// precise reset time would leak window boundaries to probers.
const retryAfterSeconds = "30"
