package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coinatlas/edge-gatekeeper/internal/log"
)

type App struct {
	LogJSON         bool
	LogLevel        string
	StacktraceLevel string

	HTTPPort  int
	AdminPort int

	UpstreamURL  string
	MaxBodyBytes int64
	DrainDelay   time.Duration

	IdentityURL     string
	IdentityAPIKey  string
	IdentityTimeout time.Duration

	RulesFile          string
	EnableRulesUpdates bool
	RulesSSMParam      string
	RulesS3Bucket      string
	RulesS3Prefix      string
	RulesSigningKeyARN string
	RulesPollInterval  time.Duration

	EnablePprof     bool
	EnableTracing   bool
	EnablePyroscope bool
	PyroServer      string
	PyroTenantID    string
	OTLPEndpoint    string
	TraceSample     float64
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.StringVar(&c.UpstreamURL, "upstream-url", "http://127.0.0.1:3000", "application origin requests are proxied to")
	fs.Int64Var(&c.MaxBodyBytes, "max-body-bytes", 10<<20, "request body cap in bytes (1..1GiB)")
	fs.DurationVar(&c.DrainDelay, "drain-delay", 5*time.Second, "time to fail readiness before shutdown begins")
	fs.StringVar(&c.IdentityURL, "identity-url", "", "identity provider base URL (empty disables the session gate provider)")
	fs.StringVar(&c.IdentityAPIKey, "identity-api-key", "", "identity provider publishable API key")
	fs.DurationVar(&c.IdentityTimeout, "identity-timeout", 3*time.Second, "per-request identity provider deadline")
	fs.StringVar(&c.RulesFile, "rules-file", "", "local rules document, overrides SSM/S3 loading")
	fs.BoolVar(&c.EnableRulesUpdates, "enable-rules-updates", true, "Enable refreshing rules documents from S3/SSM")
	fs.StringVar(&c.RulesSSMParam, "rules-ssm-param", "/app/edge-gatekeeper/rules/stable/release/id", "ssm parameter name to get rules document hash from")
	fs.StringVar(&c.RulesS3Bucket, "rules-s3-bucket", "coinatlas-prod-use2-deployment-artifacts", "s3 bucket name to get rules documents from")
	fs.StringVar(&c.RulesS3Prefix, "rules-s3-prefix", "apps/edge-gatekeeper/rules/documents", "s3 prefix (key) to get rules documents from")
	fs.StringVar(&c.RulesSigningKeyARN, "rules-signing-key-arn", "", "KMS key ARN for rules document signature verification (empty skips verification)")
	fs.DurationVar(&c.RulesPollInterval, "rules-poll-interval", time.Minute, "how often to check SSM for a new rules hash")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	// Ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}

	// Log levels
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}

	// Upstream
	if c.UpstreamURL == "" {
		errs = append(errs, fmt.Errorf("UPSTREAM_URL is required"))
	} else if u, err := url.Parse(c.UpstreamURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("UPSTREAM_URL must be an http(s) URL (got %q)", c.UpstreamURL))
	}
	if c.MaxBodyBytes < 1 || c.MaxBodyBytes > 1<<30 {
		errs = append(errs, fmt.Errorf("MAX_BODY_BYTES must be 1..1073741824 (got %d)", c.MaxBodyBytes))
	}
	if c.DrainDelay < 0 || c.DrainDelay > time.Minute {
		errs = append(errs, fmt.Errorf("DRAIN_DELAY must be 0..1m (got %s)", c.DrainDelay))
	}

	// Identity provider: both halves or neither
	if c.IdentityURL != "" {
		if u, err := url.Parse(c.IdentityURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("IDENTITY_URL must be an http(s) URL (got %q)", c.IdentityURL))
		}
		if c.IdentityAPIKey == "" {
			errs = append(errs, fmt.Errorf("IDENTITY_API_KEY required when IDENTITY_URL is set"))
		}
		if c.IdentityTimeout < 100*time.Millisecond || c.IdentityTimeout > 30*time.Second {
			errs = append(errs, fmt.Errorf("IDENTITY_TIMEOUT must be 100ms..30s (got %s)", c.IdentityTimeout))
		}
	}

	// Rules source: a local file and remote updates are mutually exclusive
	if c.RulesFile != "" && c.EnableRulesUpdates {
		errs = append(errs, fmt.Errorf("RULES_FILE and ENABLE_RULES_UPDATES=true are mutually exclusive"))
	}
	if c.EnableRulesUpdates {
		if c.RulesSSMParam == "" {
			errs = append(errs, fmt.Errorf("RULES_SSM_PARAM is required"))
		}
		if c.RulesS3Bucket == "" {
			errs = append(errs, fmt.Errorf("RULES_S3_BUCKET is required"))
		}
		if c.RulesS3Prefix == "" {
			errs = append(errs, fmt.Errorf("RULES_S3_PREFIX is required"))
		}
		if c.RulesPollInterval < 5*time.Second || c.RulesPollInterval > time.Hour {
			errs = append(errs, fmt.Errorf("RULES_POLL_INTERVAL must be 5s..1h (got %s)", c.RulesPollInterval))
		}
	}

	// Tracing sample
	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

	// Pyroscope (URL and scheme)
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	// OTLP tracing (grpc exporter wants host:port, no scheme)
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
