package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Collectors are package level so the engine and its supporting loops can
// record without threading a handle through every constructor. Registration
// happens once at init; tests that build several engines share the set.
var (
	checksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "velro_authz_checks_total",
			Help: "Total number of authorization checks",
		},
		[]string{"tier", "outcome"},
	)
	checkDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "velro_authz_check_duration_seconds",
			Help:    "Authorization check duration in seconds",
			Buckets: []float64{.0001, .00025, .0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"tier"},
	)
	invalidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "velro_authz_invalidations_total",
			Help: "Total number of scope invalidations",
		},
		[]string{"scope_type"},
	)
	flushesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "velro_authz_decision_flushes_total",
			Help: "Total number of full decision namespace flushes",
		},
	)
	versionDriftTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "velro_authz_version_drift_total",
			Help: "Total number of version counter drift detections",
		},
		[]string{"scope_type"},
	)
	warmedEntriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "velro_authz_warmed_entries_total",
			Help: "Total number of cache entries written by the warmer",
		},
	)
	degradedMode = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "velro_authz_mode",
			Help: "Current engine mode, one-hot per mode label",
		},
		[]string{"mode"},
	)
	breakerState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "velro_authz_breaker_state",
			Help: "Computation circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
	)
	snapshotAge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "velro_authz_snapshot_age_seconds",
			Help: "Age of the access snapshot since its last refresh",
		},
	)
	monitorAlerts = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "velro_authz_monitor_alerts",
			Help: "Active performance monitor alerts, 1 while firing",
		},
		[]string{"metric"},
	)
	l1Entries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "velro_authz_l1_entries",
			Help: "Number of entries currently held by the local cache",
		},
	)
)

func init() {
	prometheus.MustRegister(
		checksTotal,
		checkDuration,
		invalidationsTotal,
		flushesTotal,
		versionDriftTotal,
		warmedEntriesTotal,
		degradedMode,
		breakerState,
		snapshotAge,
		monitorAlerts,
		l1Entries,
	)
}

func RecordAuthzCheck(tier, outcome string, latency time.Duration) {
	checksTotal.WithLabelValues(tier, outcome).Inc()
	checkDuration.WithLabelValues(tier).Observe(latency.Seconds())
}

func RecordInvalidation(scopeType string) {
	invalidationsTotal.WithLabelValues(scopeType).Inc()
}

func RecordDecisionFlush() {
	flushesTotal.Inc()
}

func RecordVersionDrift(scopeType string) {
	versionDriftTotal.WithLabelValues(scopeType).Inc()
}

func RecordWarmedEntries(n int) {
	warmedEntriesTotal.Add(float64(n))
}

var knownModes = []string{"normal", "degraded_no_cache", "degraded_fail_closed"}

// SetMode keeps the mode gauge one-hot across the known mode labels so
// dashboards can plot transitions without a state mapping.
func SetMode(mode string) {
	for _, m := range knownModes {
		v := 0.0
		if m == mode {
			v = 1.0
		}
		degradedMode.WithLabelValues(m).Set(v)
	}
}

func SetBreakerState(state string) {
	switch state {
	case "open":
		breakerState.Set(2)
	case "half-open":
		breakerState.Set(1)
	default:
		breakerState.Set(0)
	}
}

func SetSnapshotAge(age time.Duration) {
	snapshotAge.Set(age.Seconds())
}

func SetMonitorAlert(metric string, active bool) {
	v := 0.0
	if active {
		v = 1.0
	}
	monitorAlerts.WithLabelValues(metric).Set(v)
}

func SetL1Entries(n int) {
	l1Entries.Set(float64(n))
}

// ServeMetrics runs the Prometheus scrape endpoint until ctx is cancelled.
func ServeMetrics(ctx context.Context, port int, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	logger.Info("metrics server starting", zap.Int("port", port))

	errChan := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
