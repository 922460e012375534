package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Violation kinds, used as the "kind" label of ViolationsTotal.
const (
	KindAccess      = "access"
	KindDestruction = "destruction"
)

// Destruction paths, used as the "path" label of DestroyedTotal.
const (
	PathInline   = "inline"
	PathEager    = "eager"
	PathTeardown = "teardown"
)

// Leak reasons, used as the "reason" label of LeakedTotal.
const (
	ReasonAbnormalExit = "abnormal_exit"
	ReasonOwnerGone    = "owner_gone"
	ReasonSweep        = "sweep"
)

// Metrics is the set of collectors maintained by the library.
type Metrics struct {
	ViolationsTotal *prometheus.CounterVec
	DeferredTotal   prometheus.Counter
	DestroyedTotal  *prometheus.CounterVec
	LeakedTotal     *prometheus.CounterVec
	PendingEntries  prometheus.Gauge
	Registries      prometheus.Gauge
}

var (
	registry = prometheus.NewRegistry()
	metrics  = newMetrics(registry)
)

func newMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ViolationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "confine_violations_total",
			Help: "Total number of confinement violations by kind",
		}, []string{"kind"}),
		DeferredTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "confine_deferred_total",
			Help: "Total number of values handed to their origin goroutine for later destruction",
		}),
		DestroyedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "confine_destroyed_total",
			Help: "Total number of confined values destroyed, by path",
		}, []string{"path"}),
		LeakedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "confine_leaked_total",
			Help: "Total number of confined values abandoned without destruction, by reason",
		}, []string{"reason"}),
		PendingEntries: f.NewGauge(prometheus.GaugeOpts{
			Name: "confine_pending_entries",
			Help: "Current number of values waiting in goroutine registries",
		}),
		Registries: f.NewGauge(prometheus.GaugeOpts{
			Name: "confine_registries",
			Help: "Current number of live goroutine registries",
		}),
	}
}

// M returns the library metrics.
func M() *Metrics {
	return metrics
}

// Registry returns the registry holding the library collectors, so an
// application can expose them with promhttp or merge them via a Gatherers.
func Registry() *prometheus.Registry {
	return registry
}

// IncViolation counts one confinement violation.
func (m *Metrics) IncViolation(kind string) {
	m.ViolationsTotal.WithLabelValues(kind).Inc()
}

// IncDeferred counts one off-goroutine drop turned into a deferral.
func (m *Metrics) IncDeferred() {
	m.DeferredTotal.Inc()
}

// AddDestroyed counts n destroyed values.
func (m *Metrics) AddDestroyed(path string, n int) {
	if n > 0 {
		m.DestroyedTotal.WithLabelValues(path).Add(float64(n))
	}
}

// AddLeaked counts n abandoned values.
func (m *Metrics) AddLeaked(reason string, n int) {
	if n > 0 {
		m.LeakedTotal.WithLabelValues(reason).Add(float64(n))
	}
}

// AddPending moves the pending gauge by delta.
func (m *Metrics) AddPending(delta int) {
	m.PendingEntries.Add(float64(delta))
}

// AddRegistries moves the registry gauge by delta.
func (m *Metrics) AddRegistries(delta int) {
	m.Registries.Add(float64(delta))
}
