package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/dmora/agentexec"
)

const resultSuccess = "success"

// breakerStates lists the label values of the breaker state gauge.
var breakerStates = []string{"closed", "open", "half_open"}

// Metrics provides Prometheus metrics for agentexec engines. It implements
// agentexec.Observer and agentexec.BreakerObserver; install it with
// cli.WithObserver. A disabled Metrics records nothing.
type Metrics struct {
	config MetricsConfig

	executionsStarted  prometheus.Counter
	executionsFinished *prometheus.CounterVec
	activeExecutions   prometheus.Gauge

	attempts        *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	retries         *prometheus.CounterVec

	circuitRejections  prometheus.Counter
	breakerState       *prometheus.GaugeVec
	breakerTransitions *prometheus.CounterVec

	registry *prometheus.Registry
}

var (
	_ agentexec.Observer        = (*Metrics)(nil)
	_ agentexec.BreakerObserver = (*Metrics)(nil)
)

// NewMetrics creates a metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) *Metrics {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}
	}

	namespace := cfg.Namespace
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()
	m := &Metrics{
		config:   cfg,
		registry: registry,

		executionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_started_total",
			Help:      "Total number of executions started",
		}),
		executionsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_finished_total",
				Help:      "Total number of executions finished, by result",
			},
			[]string{"result"},
		),
		activeExecutions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_executions",
			Help:      "Number of executions currently running",
		}),

		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "attempts_total",
				Help:      "Total number of process attempts, by result",
			},
			[]string{"result"},
		),
		attemptDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "attempt_duration_seconds",
				Help:      "Duration of process attempts in seconds",
				Buckets:   buckets,
			},
			[]string{"result"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_total",
				Help:      "Total number of retries, by the class of the failure retried",
			},
			[]string{"error_class"},
		),

		circuitRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_rejections_total",
			Help:      "Total number of executions rejected by an open circuit",
		}),
		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "breaker_state",
				Help:      "Current circuit breaker state (1 for the active state)",
			},
			[]string{"state"},
		),
		breakerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "breaker_transitions_total",
				Help:      "Total number of circuit breaker state transitions",
			},
			[]string{"from", "to"},
		),
	}

	registry.MustRegister(
		m.executionsStarted,
		m.executionsFinished,
		m.activeExecutions,
		m.attempts,
		m.attemptDuration,
		m.retries,
		m.circuitRejections,
		m.breakerState,
		m.breakerTransitions,
	)
	m.setBreakerState("closed")
	return m
}

// Enabled reports whether m records anything.
func (m *Metrics) Enabled() bool { return m.registry != nil }

// Registry returns the underlying Prometheus registry, nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// WatchResources exports registry accounting as gauges read at scrape time.
func (m *Metrics) WatchResources(stats func() agentexec.ResourceStats) error {
	if m.registry == nil {
		return nil
	}
	ns := m.config.Namespace
	return errors.Join(
		m.registry.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "registered_processes",
			Help:      "Process handles currently in the registry",
		}, func() float64 { return float64(stats().RegisteredResources) })),
		m.registry.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "tracked_resources",
			Help:      "Process handles plus their attached pipes and timers",
		}, func() float64 { return float64(stats().TotalResources) })),
	)
}

func (m *Metrics) ExecutionStarted(context.Context, string, string) {
	if m.registry == nil {
		return
	}
	m.executionsStarted.Inc()
	m.activeExecutions.Inc()
}

func (m *Metrics) AttemptStarted(context.Context, agentexec.Attempt) {}

func (m *Metrics) AttemptFinished(_ context.Context, a agentexec.Attempt) {
	if m.registry == nil {
		return
	}
	result := resultLabel(a.Err)
	m.attempts.WithLabelValues(result).Inc()
	m.attemptDuration.WithLabelValues(result).Observe(a.Duration().Seconds())
}

func (m *Metrics) Retrying(_ context.Context, a agentexec.Attempt, _ time.Duration) {
	if m.registry == nil {
		return
	}
	m.retries.WithLabelValues(resultLabel(a.Err)).Inc()
}

func (m *Metrics) CircuitRejected(context.Context, string) {
	if m.registry == nil {
		return
	}
	m.circuitRejections.Inc()
}

func (m *Metrics) ExecutionFinished(_ context.Context, _ string, err error) {
	if m.registry == nil {
		return
	}
	m.activeExecutions.Dec()
	m.executionsFinished.WithLabelValues(resultLabel(err)).Inc()
}

// BreakerStateChanged records a breaker transition and moves the state gauge.
func (m *Metrics) BreakerStateChanged(from, to string) {
	if m.registry == nil {
		return
	}
	m.breakerTransitions.WithLabelValues(from, to).Inc()
	m.setBreakerState(to)
}

func (m *Metrics) setBreakerState(current string) {
	for _, s := range breakerStates {
		v := 0.0
		if s == current {
			v = 1
		}
		m.breakerState.WithLabelValues(s).Set(v)
	}
}

// resultLabel is "success" for nil and the error class otherwise.
func resultLabel(err error) string {
	if err == nil {
		return resultSuccess
	}
	return string(agentexec.ClassOf(err))
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Serve exposes the metrics endpoint until ctx is done. It returns nil
// immediately when metrics are disabled.
func (m *Metrics) Serve(ctx context.Context, log zerolog.Logger) error {
	if m.registry == nil {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	log.Info().Str("addr", m.config.ListenAddress).Str("path", path).Msg("metrics endpoint listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
