// Package rules holds the operator-maintained gatekeeper policy: the IP
// denylist, route classification lists, bot and attack-probe signatures, and
// rate-limit quotas.
//
// Rules are deploy-time configuration, not runtime-mutable state. They load
// from a local YAML file in dev, or from an S3 bundle whose current hash is
// pinned in an SSM parameter in production. A compiled-in default set keeps
// the gatekeeper enforcing something sane if neither source is available.
package rules

import (
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coinatlas/edge-gatekeeper/internal/xerrors"
)

// Duration wraps time.Duration for YAML ("30s", "1m").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return xerrors.Wrapf(err, "parse duration %q", s)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Quota is one fixed-window rate-limit class.
type Quota struct {
	Limit  int      `yaml:"limit"`
	Window Duration `yaml:"window"`
}

// PublicRoutes partitions paths into PUBLIC vs PROTECTED. Anything that
// matches none of the three lists is PROTECTED.
type PublicRoutes struct {
	Exact    []string `yaml:"exact"`
	Prefixes []string `yaml:"prefixes"`

	// AssetExtensions is a regex matched against the full path, for static
	// asset suffixes that are public wherever they appear.
	AssetExtensions string `yaml:"asset_extensions"`
}

// ContentTypeGuard lists the POST routes whose declared body content type
// must be one of Accepted.
type ContentTypeGuard struct {
	Routes   []string `yaml:"routes"`
	Accepted []string `yaml:"accepted"`
}

// RateLimits carries the two quota classes. Sensitive applies to buckets
// under SensitivePrefixes, Default to everything else.
type RateLimits struct {
	Default   Quota `yaml:"default"`
	Sensitive Quota `yaml:"sensitive"`
}

// Rules is the full operator policy document.
type Rules struct {
	Denylist []string `yaml:"denylist"`

	PublicRoutes PublicRoutes `yaml:"public_routes"`

	// SensitivePrefixes select the tighter rate-limit quota.
	SensitivePrefixes []string `yaml:"sensitive_prefixes"`

	// InternalPrefixes bypass the bot user-agent filter: server-to-server
	// and scheduled-job callers are non-browser clients by design.
	InternalPrefixes []string `yaml:"internal_prefixes"`

	// EmbeddablePrefixes are served without the frame-deny header.
	EmbeddablePrefixes []string `yaml:"embeddable_prefixes"`

	BotUserAgents   []string `yaml:"bot_user_agents"`
	SuspiciousPaths []string `yaml:"suspicious_paths"`

	ContentTypeGuard ContentTypeGuard `yaml:"content_type_guard"`

	RateLimits RateLimits `yaml:"rate_limits"`
}

// Compiled is a Rules document with its matchers precompiled. Stages hold a
// *Holder and load the current *Compiled once per request.
type Compiled struct {
	Rules

	DenyIPs       map[string]struct{}
	PublicExact   map[string]struct{}
	AssetExtRe    *regexp.Regexp
	SuspiciousRe  []*regexp.Regexp
	BotUALower    []string
	GuardRoutes   map[string]struct{}
	GuardAccepted []string
}

// IsPublicExact reports whether path is in the exact public route list.
func (c *Compiled) IsPublicExact(path string) bool {
	_, ok := c.PublicExact[path]
	return ok
}

// PublicPrefixes returns the public route prefixes.
func (c *Compiled) PublicPrefixes() []string {
	return c.PublicRoutes.Prefixes
}

// IsAssetPath reports whether path ends in a static asset extension.
func (c *Compiled) IsAssetPath(path string) bool {
	return c.AssetExtRe != nil && c.AssetExtRe.MatchString(path)
}

// Compile validates r and precompiles its matchers.
func Compile(r Rules) (*Compiled, error) {
	c := &Compiled{
		Rules:       r,
		DenyIPs:     make(map[string]struct{}, len(r.Denylist)),
		PublicExact: make(map[string]struct{}, len(r.PublicRoutes.Exact)),
		GuardRoutes: make(map[string]struct{}, len(r.ContentTypeGuard.Routes)),
	}

	for _, ip := range r.Denylist {
		ip = strings.TrimSpace(ip)
		if ip != "" {
			c.DenyIPs[ip] = struct{}{}
		}
	}
	for _, p := range r.PublicRoutes.Exact {
		c.PublicExact[p] = struct{}{}
	}
	for _, p := range r.ContentTypeGuard.Routes {
		c.GuardRoutes[p] = struct{}{}
	}

	if r.PublicRoutes.AssetExtensions != "" {
		re, err := regexp.Compile(r.PublicRoutes.AssetExtensions)
		if err != nil {
			return nil, xerrors.Wrapf(err, "compile asset_extensions %q", r.PublicRoutes.AssetExtensions)
		}
		c.AssetExtRe = re
	}

	c.SuspiciousRe = make([]*regexp.Regexp, 0, len(r.SuspiciousPaths))
	for _, pat := range r.SuspiciousPaths {
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, xerrors.Wrapf(err, "compile suspicious_paths pattern %q", pat)
		}
		c.SuspiciousRe = append(c.SuspiciousRe, re)
	}

	c.BotUALower = make([]string, 0, len(r.BotUserAgents))
	for _, ua := range r.BotUserAgents {
		if ua = strings.ToLower(strings.TrimSpace(ua)); ua != "" {
			c.BotUALower = append(c.BotUALower, ua)
		}
	}

	c.GuardAccepted = make([]string, 0, len(r.ContentTypeGuard.Accepted))
	for _, ct := range r.ContentTypeGuard.Accepted {
		if ct = strings.ToLower(strings.TrimSpace(ct)); ct != "" {
			c.GuardAccepted = append(c.GuardAccepted, ct)
		}
	}

	if err := validateQuotas(r.RateLimits); err != nil {
		return nil, err
	}

	return c, nil
}

func validateQuotas(rl RateLimits) error {
	for _, q := range []struct {
		name  string
		quota Quota
	}{
		{"default", rl.Default},
		{"sensitive", rl.Sensitive},
	} {
		if q.quota.Limit <= 0 {
			return xerrors.Newf("rate_limits.%s.limit must be > 0 (got %d)", q.name, q.quota.Limit)
		}
		if q.quota.Window.Std() <= 0 {
			return xerrors.Newf("rate_limits.%s.window must be > 0 (got %s)", q.name, q.quota.Window.Std())
		}
	}
	return nil
}

// Parse decodes a YAML rules document and compiles it.
func Parse(data []byte) (*Compiled, error) {
	// start from defaults so a partial document only overrides what it names
	r := Default()
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, xerrors.Wrap(err, "unmarshal rules yaml")
	}
	return Compile(r)
}
