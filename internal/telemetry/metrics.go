// Package telemetry holds the Prometheus collectors for one host.
//
// Every method is safe on a nil *Metrics, so components accept an optional
// metrics value and never branch on it.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "framesync"

// Outcome labels.
const (
	OutcomeOK       = "ok"
	OutcomeFailed   = "failed"
	OutcomeResolved = "resolved"
	OutcomeRejected = "rejected"
)

// Metrics groups the collectors of a single host.
type Metrics struct {
	Frames               prometheus.Counter
	RedundantFrameCalls  *prometheus.CounterVec
	DeferredActions      *prometheus.CounterVec
	ExportWaits          prometheus.Counter
	ExportWaitSeconds    prometheus.Histogram
	ResourcesLive        prometheus.Gauge
	ResourcesCreated     prometheus.Counter
	ResourcesDestroyed   prometheus.Counter
	ResourceCreateErrors *prometheus.CounterVec
	Publications         *prometheus.CounterVec
}

// New builds the collectors and registers them on reg. A nil reg leaves them
// unregistered, which is handy in tests that only read values back.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Frames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Frames finished by the frame controller.",
		}),
		RedundantFrameCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frame_redundant_calls_total",
			Help:      "StartFrame/FinishFrame calls that were no-ops.",
		}, []string{"call"}),
		DeferredActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deferred_actions_total",
			Help:      "Deferred actions executed, by queue and outcome.",
		}, []string{"queue", "outcome"}),
		ExportWaits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "export_waits_total",
			Help:      "Synchronous GPU completion waits performed for export frames.",
		}),
		ExportWaitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "export_wait_seconds",
			Help:      "Time the render thread spent blocked on export sentinels.",
			Buckets:   prometheus.DefBuckets,
		}),
		ResourcesLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "resources_live",
			Help:      "Resources currently held by the registry.",
		}),
		ResourcesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resources_created_total",
			Help:      "Resources successfully created.",
		}),
		ResourcesDestroyed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resources_destroyed_total",
			Help:      "Resources removed from the registry.",
		}),
		ResourceCreateErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resource_create_errors_total",
			Help:      "Failed resource creations, by reason.",
		}, []string{"reason"}),
		Publications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publications_total",
			Help:      "Settled resource publications, by outcome.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		for _, c := range m.collectors() {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

// ForHost wraps reg so every collector carries a host label. Multiple hosts
// can then share one registry.
func ForHost(reg prometheus.Registerer, hostID string) prometheus.Registerer {
	if reg == nil {
		return nil
	}
	return prometheus.WrapRegistererWith(prometheus.Labels{"host": hostID}, reg)
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Frames,
		m.RedundantFrameCalls,
		m.DeferredActions,
		m.ExportWaits,
		m.ExportWaitSeconds,
		m.ResourcesLive,
		m.ResourcesCreated,
		m.ResourcesDestroyed,
		m.ResourceCreateErrors,
		m.Publications,
	}
}

// Unregister removes the collectors from reg.
func (m *Metrics) Unregister(reg prometheus.Registerer) {
	if m == nil || reg == nil {
		return
	}
	for _, c := range m.collectors() {
		reg.Unregister(c)
	}
}

func (m *Metrics) FrameFinished() {
	if m == nil {
		return
	}
	m.Frames.Inc()
}

// RedundantCall records a no-op StartFrame ("start") or FinishFrame ("finish").
func (m *Metrics) RedundantCall(call string) {
	if m == nil {
		return
	}
	m.RedundantFrameCalls.WithLabelValues(call).Inc()
}

func (m *Metrics) ActionExecuted(queue string, failed bool) {
	if m == nil {
		return
	}
	outcome := OutcomeOK
	if failed {
		outcome = OutcomeFailed
	}
	m.DeferredActions.WithLabelValues(queue, outcome).Inc()
}

func (m *Metrics) ExportWaited(d time.Duration) {
	if m == nil {
		return
	}
	m.ExportWaits.Inc()
	m.ExportWaitSeconds.Observe(d.Seconds())
}

func (m *Metrics) ResourceCreated() {
	if m == nil {
		return
	}
	m.ResourcesCreated.Inc()
	m.ResourcesLive.Inc()
}

func (m *Metrics) ResourceDestroyed() {
	if m == nil {
		return
	}
	m.ResourcesDestroyed.Inc()
	m.ResourcesLive.Dec()
}

// ResourceCreateFailed records a failed creation; reason is "duplicate" or
// "factory".
func (m *Metrics) ResourceCreateFailed(reason string) {
	if m == nil {
		return
	}
	m.ResourceCreateErrors.WithLabelValues(reason).Inc()
}

func (m *Metrics) PublicationSettled(rejected bool) {
	if m == nil {
		return
	}
	outcome := OutcomeResolved
	if rejected {
		outcome = OutcomeRejected
	}
	m.Publications.WithLabelValues(outcome).Inc()
}

// NewServer serves g on addr at /metrics.
func NewServer(addr string, g prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  15 * time.Second,
	}
}
