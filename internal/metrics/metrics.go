package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coinatlas/edge-gatekeeper/internal/version"
)

type ServerMetrics struct {
	reg            *prometheus.Registry
	handler        http.Handler
	inflight       prometheus.Gauge
	reqTotal       *prometheus.CounterVec
	reqDur         *prometheus.HistogramVec
	respBytes      *prometheus.HistogramVec
	httpPanicTotal prometheus.Counter
	buildInfo      *prometheus.GaugeVec

	// policy pipeline
	denialsTotal          *prometheus.CounterVec
	ratelimitDeniedTotal  prometheus.Counter
	sessionProviderErrors prometheus.Counter

	// active rules snapshot provenance
	rulesSource          *prometheus.GaugeVec
	rulesLoadedTimestamp prometheus.Gauge
	rulesDocInfo         *prometheus.GaugeVec

	errorsTotal *prometheus.CounterVec

	profilingActive prometheus.Gauge

	// rules watcher metrics
	rulesPollsTotal    prometheus.Counter
	rulesSwapsTotal    prometheus.Counter
	rulesErrorsTotal   *prometheus.CounterVec
	rulesLastSuccessTs prometheus.Gauge
}

// New returns a fresh registry + standard collectors + HTTP metrics
// safe labels only (method, route, code, stage, rule class) to avoid
// path/cardinality explosions
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 52428800},
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered httpserver panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "version", "commit", "build_date", "vcs_dirty", "go_version"}),
		denialsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_denials_total",
			Help: "Requests terminated by the policy pipeline, by stage and rule class",
		}, []string{"stage", "rule"}),
		ratelimitDeniedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_total",
			Help: "Total requests rejected by rate limiter",
		}),
		sessionProviderErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gatekeeper_session_provider_errors_total",
			Help: "Identity provider calls that failed or timed out",
		}),
		rulesSource: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rules_source_info",
			Help: "Current rules source (label carries value, gauge is always 1)",
		}, []string{"source"}),
		rulesLoadedTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rules_loaded_timestamp_seconds",
			Help: "Unix timestamp of when the active rules document was loaded",
		}),
		rulesDocInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rules_document_info",
			Help: "Currently active rules document (label carries identity, value is always 1)",
		}, []string{"sha256"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by method and route (SLI)",
		}, []string{"method", "route"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		rulesPollsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rules_watcher_polls_total",
			Help: "Total number of watcher poll cycles",
		}),
		rulesSwapsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rules_watcher_swaps_total",
			Help: "Total number of successful rules document swaps",
		}),
		rulesErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rules_watcher_errors_total",
			Help: "Total watcher errors by type",
		}, []string{"type"}),
		rulesLastSuccessTs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rules_watcher_last_success_timestamp_seconds",
			Help: "Unix timestamp of the last successful SSM poll",
		}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.httpPanicTotal,
		m.buildInfo,
		m.denialsTotal,
		m.ratelimitDeniedTotal,
		m.sessionProviderErrors,
		m.rulesSource,
		m.rulesLoadedTimestamp,
		m.rulesDocInfo,
		m.errorsTotal,
		m.profilingActive,
		m.rulesPollsTotal,
		m.rulesSwapsTotal,
		m.rulesErrorsTotal,
		m.rulesLastSuccessTs,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *ServerMetrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

func (m *ServerMetrics) Handler() http.Handler {
	return m.handler
}

// set once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(vi *version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":        vi.AppName,
		"version":    vi.Version,
		"commit":     vi.Commit,
		"build_date": vi.BuildDate,
		"go_version": vi.GoVersion,
		"vcs_dirty":  dirty,
	}).Set(1)
}

// IncDenial records a pipeline termination. Labels are stage names and rule
// classes, both bounded sets.
func (m *ServerMetrics) IncDenial(stage, rule string) {
	m.denialsTotal.WithLabelValues(stage, rule).Inc()
}

func (m *ServerMetrics) IncRateLimitDenied() {
	m.ratelimitDeniedTotal.Inc()
}

func (m *ServerMetrics) IncSessionProviderError() {
	m.sessionProviderErrors.Inc()
}

func (m *ServerMetrics) SetRulesSource(source string) {
	m.rulesSource.Reset() // clear previous label value
	m.rulesSource.WithLabelValues(source).Set(1)
}

func (m *ServerMetrics) SetRulesLoadedTimestamp(t time.Time) {
	m.rulesLoadedTimestamp.Set(float64(t.Unix()))
}

func (m *ServerMetrics) SetRulesDocument(sha256 string) {
	m.rulesDocInfo.Reset()
	m.rulesDocInfo.WithLabelValues(sha256).Set(1)
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	if active {
		m.profilingActive.Set(1)
	} else {
		m.profilingActive.Set(0)
	}
}

// rules.WatcherMetrics implementation

func (m *ServerMetrics) IncRulesPolls() {
	m.rulesPollsTotal.Inc()
}

func (m *ServerMetrics) IncRulesSwaps() {
	m.rulesSwapsTotal.Inc()
}

func (m *ServerMetrics) IncRulesError(errType string) {
	m.rulesErrorsTotal.WithLabelValues(errType).Inc()
}

func (m *ServerMetrics) SetRulesLastSuccess(unixSeconds float64) {
	m.rulesLastSuccessTs.Set(unixSeconds)
}
