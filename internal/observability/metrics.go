package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	lockAcquireTotal *prometheus.CounterVec
	lockWaitDuration *prometheus.HistogramVec
	activeLocks      prometheus.Gauge
	queuedRequests   prometheus.Gauge
	expiredLocks     prometheus.Counter

	loopIterationsTotal prometheus.Counter
	loopStopsTotal      *prometheus.CounterVec
	turnDuration        prometheus.Histogram
	antiParalysisTotal  *prometheus.CounterVec

	activeRuns     prometheus.Gauge
	runsTotal      *prometheus.CounterVec
	runsSweptTotal prometheus.Counter
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			lockAcquireTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "runcore_lock_acquire_total",
					Help: "Lock acquisition outcomes by mode and outcome (granted, queued_granted, timeout, cancelled).",
				},
				[]string{"mode", "outcome"},
			),
			lockWaitDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "runcore_lock_wait_seconds",
					Help:    "Time spent queued before a lock request resolved.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"mode"},
			),
			activeLocks: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "runcore_active_locks",
					Help: "Current number of held resource locks.",
				},
			),
			queuedRequests: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "runcore_lock_queue_size",
					Help: "Current number of pending lock requests across all paths.",
				},
			),
			expiredLocks: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "runcore_lock_expired_total",
					Help: "Locks removed by the expiry sweep.",
				},
			),
			loopIterationsTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "runcore_loop_iterations_total",
					Help: "Total agent loop turns executed.",
				},
			),
			loopStopsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "runcore_loop_stops_total",
					Help: "Agent loop terminations by stop reason.",
				},
				[]string{"reason"},
			),
			turnDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "runcore_turn_duration_seconds",
					Help:    "Wall-clock duration of a single agent turn.",
					Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
				},
			),
			antiParalysisTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "runcore_anti_paralysis_total",
					Help: "Anti-paralysis verdicts on repeated large-file reads.",
				},
				[]string{"action"},
			),
			activeRuns: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "runcore_active_runs",
					Help: "Runs currently tracked in an active status.",
				},
			),
			runsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "runcore_runs_total",
					Help: "Runs reaching a terminal status.",
				},
				[]string{"status"},
			),
			runsSweptTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "runcore_runs_swept_total",
					Help: "Terminal runs removed by the TTL sweep.",
				},
			),
		}

		prometheus.MustRegister(
			m.lockAcquireTotal,
			m.lockWaitDuration,
			m.activeLocks,
			m.queuedRequests,
			m.expiredLocks,
			m.loopIterationsTotal,
			m.loopStopsTotal,
			m.turnDuration,
			m.antiParalysisTotal,
			m.activeRuns,
			m.runsTotal,
			m.runsSweptTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordLockAcquire(mode, outcome string, waited time.Duration) {
	m := getMetrics()
	m.lockAcquireTotal.WithLabelValues(mode, outcome).Inc()
	if waited > 0 {
		m.lockWaitDuration.WithLabelValues(mode).Observe(waited.Seconds())
	}
}

func SetLockGauges(active, queued int) {
	m := getMetrics()
	m.activeLocks.Set(float64(active))
	m.queuedRequests.Set(float64(queued))
}

func RecordExpiredLocks(count int) {
	m := getMetrics()
	m.expiredLocks.Add(float64(count))
}

func RecordTurn(duration time.Duration) {
	m := getMetrics()
	m.loopIterationsTotal.Inc()
	m.turnDuration.Observe(duration.Seconds())
}

func RecordLoopStop(reason string) {
	m := getMetrics()
	m.loopStopsTotal.WithLabelValues(reason).Inc()
}

func RecordAntiParalysis(action string) {
	m := getMetrics()
	m.antiParalysisTotal.WithLabelValues(action).Inc()
}

func SetActiveRuns(count int) {
	m := getMetrics()
	m.activeRuns.Set(float64(count))
}

func RecordRunFinished(status string) {
	m := getMetrics()
	m.runsTotal.WithLabelValues(status).Inc()
}

func RecordRunsSwept(count int) {
	m := getMetrics()
	m.runsSweptTotal.Add(float64(count))
}
