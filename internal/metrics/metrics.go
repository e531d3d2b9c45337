// Package metrics defines the Prometheus collectors the scheduler and its
// coordination fabric report to.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes the Prometheus collectors backing the process's /metrics
// endpoint.
type Metrics struct {
	tasksStarted   prometheus.Counter
	tasksCompleted *prometheus.CounterVec
	tasksRunning   prometheus.Gauge
	taskDuration   *prometheus.HistogramVec
	injectionDepth prometheus.Gauge
	chatLockWait   prometheus.Histogram
}

var (
	defaultOnce   sync.Once
	sharedMetrics *Metrics
)

// Default returns the package-level metrics instance registered against
// the global Prometheus registry. Collectors are created only once so
// constructing the scheduler more than once (tests, multi-instance hosts)
// never panics on duplicate registration.
func Default() *Metrics {
	defaultOnce.Do(func() {
		sharedMetrics = MustNew(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNew constructs a Metrics instance against reg. Pass a fresh
// prometheus.NewRegistry() in tests that need isolated collectors; passing
// nil uses the default global registerer.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	tasksStarted := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "forge",
		Name:      "tasks_started_total",
		Help:      "Total number of background tasks started.",
	})
	tasksCompleted := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "forge",
		Name:      "tasks_completed_total",
		Help:      "Total number of background tasks reaching a terminal status, labeled by status.",
	}, []string{"status"})
	tasksRunning := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "forge",
		Name:      "tasks_running",
		Help:      "Number of background tasks currently running.",
	})
	taskDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "forge",
		Name:      "task_duration_seconds",
		Help:      "Time from queued to terminal status, labeled by terminal status.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"status"})
	injectionDepth := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "forge",
		Subsystem: "injection",
		Name:      "queue_depth",
		Help:      "Number of InjectionItems waiting to be streamed to the orchestrator.",
	})
	chatLockWait := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "forge",
		Subsystem: "chatlock",
		Name:      "wait_seconds",
		Help:      "Time spent parked in ChatLock.Acquire before being handed the lock.",
		Buckets:   prometheus.DefBuckets,
	})

	collectors := []prometheus.Collector{tasksStarted, tasksCompleted, tasksRunning, taskDuration, injectionDepth, chatLockWait}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				switch existing := already.ExistingCollector.(type) {
				case prometheus.Counter:
					tasksStarted = existing
				case *prometheus.CounterVec:
					tasksCompleted = existing
				case *prometheus.HistogramVec:
					taskDuration = existing
				case prometheus.Histogram:
					chatLockWait = existing
				case prometheus.Gauge:
					// Two distinct gauges share this case; re-register is a
					// narrow, expected race only in repeated-construction
					// tests, so keep whichever this instance already built.
				}
				continue
			}
			panic(err)
		}
	}

	return &Metrics{
		tasksStarted:   tasksStarted,
		tasksCompleted: tasksCompleted,
		tasksRunning:   tasksRunning,
		taskDuration:   taskDuration,
		injectionDepth: injectionDepth,
		chatLockWait:   chatLockWait,
	}
}

func (m *Metrics) IncTasksStarted() {
	if m == nil || m.tasksStarted == nil {
		return
	}
	m.tasksStarted.Inc()
}

func (m *Metrics) IncTasksCompleted(status string) {
	if m == nil || m.tasksCompleted == nil {
		return
	}
	m.tasksCompleted.WithLabelValues(status).Inc()
}

func (m *Metrics) SetTasksRunning(n int) {
	if m == nil || m.tasksRunning == nil {
		return
	}
	m.tasksRunning.Set(float64(n))
}

func (m *Metrics) ObserveTaskDuration(status string, d time.Duration) {
	if m == nil || m.taskDuration == nil {
		return
	}
	m.taskDuration.WithLabelValues(status).Observe(d.Seconds())
}

func (m *Metrics) SetInjectionQueueDepth(n int) {
	if m == nil || m.injectionDepth == nil {
		return
	}
	m.injectionDepth.Set(float64(n))
}

func (m *Metrics) ObserveChatLockWait(d time.Duration) {
	if m == nil || m.chatLockWait == nil {
		return
	}
	m.chatLockWait.Observe(d.Seconds())
}
