package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/coinatlas/edge-gatekeeper/internal/cfg"
	"github.com/coinatlas/edge-gatekeeper/internal/clientid"
	"github.com/coinatlas/edge-gatekeeper/internal/contentfilter"
	"github.com/coinatlas/edge-gatekeeper/internal/cryptoutil"
	"github.com/coinatlas/edge-gatekeeper/internal/denylist"
	"github.com/coinatlas/edge-gatekeeper/internal/health"
	"github.com/coinatlas/edge-gatekeeper/internal/httpserver"
	"github.com/coinatlas/edge-gatekeeper/internal/log"
	"github.com/coinatlas/edge-gatekeeper/internal/metrics"
	"github.com/coinatlas/edge-gatekeeper/internal/opshttp"
	"github.com/coinatlas/edge-gatekeeper/internal/otelx"
	"github.com/coinatlas/edge-gatekeeper/internal/policy"
	"github.com/coinatlas/edge-gatekeeper/internal/prof"
	"github.com/coinatlas/edge-gatekeeper/internal/ratelimit"
	"github.com/coinatlas/edge-gatekeeper/internal/routes"
	"github.com/coinatlas/edge-gatekeeper/internal/rules"
	"github.com/coinatlas/edge-gatekeeper/internal/session"
	v "github.com/coinatlas/edge-gatekeeper/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	// Parse config from flags and env
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf(
			"%s %s (commit=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Version, vi.Commit, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		os.Exit(0)
	}

	// Fill in config from environment variables with prefix GATEKEEPER_ and validate
	cfg.FillFromEnv(flag.CommandLine, "GATEKEEPER_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// Setup logging
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %s: %v\n", conf.LogLevel, err)
		os.Exit(1)
	}
	stLvl, err := log.ParseLevel(conf.StacktraceLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid stacktrace level %s: %v\n", conf.StacktraceLevel, err)
		os.Exit(1)
	}
	lg, err := log.New(log.Options{
		App:             v.AppName,
		Level:           lvl,
		StacktraceLevel: stLvl,
		JsonFormat:      conf.LogJSON,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer lg.Sync()
	L := lg.With("component", "gatekeeper")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing gatekeeper",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"upstream_url", conf.UpstreamURL,
		"identity_url", conf.IdentityURL,
		"identity_timeout", conf.IdentityTimeout,
		"rules_file", conf.RulesFile,
		"enable_rules_updates", conf.EnableRulesUpdates,
		"rules_ssm_param", conf.RulesSSMParam,
		"rules_s3_bucket", conf.RulesS3Bucket,
		"rules_s3_prefix", conf.RulesS3Prefix,
		"rules_signing_key_arn", conf.RulesSigningKeyARN,
		"rules_poll_interval", conf.RulesPollInterval,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"otlp_endpoint", conf.OTLPEndpoint,
		"trace_sample", conf.TraceSample,
	)

	// Setup pyroscope profiling
	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":     v.AppName,
			"version": vi.Version,
			"commit":  vi.Commit,
			"source":  "go-agent",
		},
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer func() { stopProf() }()

	// Setup otel for tracing
	// Insecure is true because we are only writing to a collector on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:  conf.EnableTracing,
		Endpoint: conf.OTLPEndpoint,
		Insecure: true,
		Sample:   conf.TraceSample,
		Service:  v.AppName,
		Version:  vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	m := metrics.New()
	m.SetBuildInfoFromVersion(&vi)
	m.SetProfilingActive(conf.EnablePyroscope)

	// Load the enforcement rules. Three sources, in order of operator
	// intent: a local file, the SSM/S3 pipeline, or compiled-in defaults.
	holder := rules.NewHolder()

	switch {
	case conf.RulesFile != "":
		compiled, err := rules.FromFile(conf.RulesFile)
		if err != nil {
			L.Error(ctx, err, "failed to load rules file", "path", conf.RulesFile)
			os.Exit(1)
		}
		holder.Set(rules.Snapshot{Compiled: compiled, Source: rules.SourceFile})
		L.Info(ctx, "loaded rules from file", "path", conf.RulesFile)

	case conf.EnableRulesUpdates:
		awsCfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			L.Error(ctx, err, "failed to load AWS config")
			os.Exit(1)
		}
		s3Client := s3.NewFromConfig(awsCfg)
		ssmClient := ssm.NewFromConfig(awsCfg)

		var verifier rules.SignatureVerifier
		if conf.RulesSigningKeyARN != "" {
			kmsClient := kms.NewFromConfig(awsCfg)
			verifier = cryptoutil.NewKMSVerifier(kmsClient, conf.RulesSigningKeyARN)
		}

		loader, err := rules.NewLoader(rules.LoaderOptions{
			Logger:    L,
			SSMParam:  conf.RulesSSMParam,
			S3Bucket:  conf.RulesS3Bucket,
			S3Prefix:  conf.RulesS3Prefix,
			S3Client:  s3Client,
			SSMClient: ssmClient,
			Verifier:  verifier,
		})
		if err != nil {
			L.Error(ctx, err, "failed to create rules loader")
			os.Exit(1)
		}

		snap, err := loader.Load(ctx)
		if err != nil {
			// A node that cannot fetch its bundle still enforces the
			// compiled-in policy; the watcher keeps retrying.
			L.Error(ctx, err, "failed to load rules document, enforcing defaults")
			holder.Set(rules.Snapshot{Compiled: rules.MustDefault(), Source: rules.SourceDefault})
		} else {
			holder.Set(*snap)
			L.Info(ctx, "loaded rules document from S3", "hash", snap.Hash)
		}

		watcher := rules.NewWatcher(rules.WatcherOptions{
			Logger:       L,
			Loader:       loader,
			Holder:       holder,
			PollInterval: conf.RulesPollInterval,
			OnSwap: func(hash string) {
				m.SetRulesDocument(hash)
				m.SetRulesSource(string(rules.SourceS3))
				m.SetRulesLoadedTimestamp(time.Now())
			},
			Metrics: m,
		})
		go watcher.Run(ctx)

	default:
		holder.Set(rules.Snapshot{Compiled: rules.MustDefault(), Source: rules.SourceDefault})
		L.Info(ctx, "rules updates disabled, enforcing compiled-in defaults")
	}

	src, hash, loadedAt := holder.Meta()
	m.SetRulesSource(string(src))
	m.SetRulesDocument(hash)
	if !loadedAt.IsZero() {
		m.SetRulesLoadedTimestamp(loadedAt)
	}

	// Rate limiter with per-key fixed windows
	limiter := ratelimit.New(ctx,
		ratelimit.WithOnDenied(func(key string) {
			m.IncRateLimitDenied()
		}),
		// only log the first denial per window to keep abusive bursts out
		// of the log volume
		ratelimit.WithOnFirstDenied(func(key string) {
			L.Warn(ctx, "rate limit triggered", "key", key)
		}),
	)

	// Session gate. Without an identity provider the gate fails closed on
	// protected routes, which is still correct behavior for an edge node
	// that lost its config.
	var provider session.Provider
	if conf.IdentityURL != "" {
		p, err := session.NewHTTPProvider(session.HTTPProviderOptions{
			BaseURL: conf.IdentityURL,
			APIKey:  conf.IdentityAPIKey,
		})
		if err != nil {
			L.Error(ctx, err, "failed to create identity provider")
			os.Exit(1)
		}
		provider = p
	}
	gate := session.NewGate(session.GateOptions{
		Provider:        provider,
		Holder:          holder,
		Timeout:         conf.IdentityTimeout,
		OnProviderError: m.IncSessionProviderError,
	})

	// The policy pipeline, evaluated in order on every request
	pipeline := policy.New(
		clientid.Resolve,
		routes.Normalize,
		[]policy.Stage{
			denylist.NewStage(holder),
			ratelimit.NewStage(limiter, holder),
			// path probes answer 404 before the auth wall can leak a
			// login redirect for them
			contentfilter.NewPathStage(holder),
			gate,
			contentfilter.NewStage(holder),
		},
		policy.WithOnDeny(m.IncDenial),
	)

	upstreamURL, err := url.Parse(conf.UpstreamURL)
	if err != nil {
		L.Error(ctx, err, "invalid upstream url", "upstream_url", conf.UpstreamURL)
		os.Exit(1)
	}
	proxy := httpserver.NewProxy(upstreamURL)

	// setup toggle for server shutdown
	var shutdownGate health.ShutdownGate

	// Readiness requires a loaded rules snapshot and an open shutdown gate
	readiness := health.All(
		shutdownGate.Probe(),
		health.CheckFunc(func(ctx context.Context) error {
			return holder.ReadyErr()
		}),
	)

	edgeStop, err := httpserver.Start(ctx, &httpserver.Options{
		Logger:       L,
		Port:         conf.HTTPPort,
		Pipeline:     pipeline,
		Rules:        holder,
		Upstream:     proxy,
		MetricsMW:    m.Middleware,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		MaxBodyBytes: conf.MaxBodyBytes,
		OnPanic:      m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start edge http listener")
		os.Exit(1)
	}
	defer func() { _ = edgeStop(context.Background()) }()

	// admin/ops listener for metrics, health checks, pprof and rules
	// provenance; sg restricts inbound to internal monitoring infrastructure
	opsStop, err := opshttp.Start(ctx, L, opshttp.Options{
		Port:        conf.AdminPort,
		Metrics:     m.Handler(),
		EnablePprof: conf.EnablePprof,
		Health:      health.Fixed(true, ""),
		Readiness:   readiness,
		Rules:       holder,
		OnPanic:     m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsStop(context.Background()) }()

	// notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		// log and dont exit, worst case systemd will kill the process after timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// block until signal so we dont exit
	sigCtx, sigStop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer sigStop()
	<-sigCtx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	L.Info(context.Background(), "shutdown signal received")

	// fail readiness so the load balancer stops sending new requests, then
	// wait for in-flight requests to finish
	shutdownGate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed, draining", "drain_delay", conf.DrainDelay)

	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(conf.DrainDelay):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	if err := edgeStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "edge http server shutdown")
	}
	if err := opsStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}
	stopProf()

	L.Info(context.Background(), "shutdown complete")
	os.Exit(0)
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	conn.Write([]byte("READY=1"))
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
