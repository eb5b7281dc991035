package manager

import (
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
)

// managerMetrics holds the Prometheus metrics of a Manager. A nil *managerMetrics records nothing.
type managerMetrics struct {
	storesCreated  *prometheus.CounterVec // By persistence
	storesDisposed prometheus.Counter
	liveStores     prometheus.Gauge

	sweeps        *prometheus.CounterVec // By store
	sweepFailures *prometheus.CounterVec // By store
	evicted       *prometheus.CounterVec // By store
}

// newManagerMetrics creates and registers the metrics with reg.
func newManagerMetrics(reg prometheus.Registerer) (*managerMetrics, error) {
	if reg == nil {
		return nil, nil // Metrics disabled
	}
	m := &managerMetrics{
		storesCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "objstore",
			Subsystem: "manager",
			Name:      "stores_created_total",
			Help:      "Total number of object stores created",
		}, []string{"persistent"}),
		storesDisposed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "objstore",
			Subsystem: "manager",
			Name:      "stores_disposed_total",
			Help:      "Total number of object stores disposed",
		}),
		liveStores: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "objstore",
			Subsystem: "manager",
			Name:      "live_stores",
			Help:      "Number of object stores currently managed",
		}),
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "objstore",
			Subsystem: "manager",
			Name:      "sweeps_total",
			Help:      "Total number of expiration sweeps run",
		}, []string{"store"}),
		sweepFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "objstore",
			Subsystem: "manager",
			Name:      "sweep_failures_total",
			Help:      "Total number of partition expirations that failed",
		}, []string{"store"}),
		evicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "objstore",
			Subsystem: "manager",
			Name:      "evicted_entries_total",
			Help:      "Total number of entries evicted by expiration sweeps",
		}, []string{"store"}),
	}
	collectors := []prometheus.Collector{
		m.storesCreated, m.storesDisposed, m.liveStores, m.sweeps, m.sweepFailures, m.evicted,
	}
	var errs *multierror.Error
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *managerMetrics) storeCreated(persistent bool) {
	if m == nil {
		return
	}
	label := "false"
	if persistent {
		label = "true"
	}
	m.storesCreated.WithLabelValues(label).Inc()
	m.liveStores.Inc()
}

func (m *managerMetrics) storeDisposed() {
	if m == nil {
		return
	}
	m.storesDisposed.Inc()
	m.liveStores.Dec()
}

func (m *managerMetrics) storeClosed() {
	if m == nil {
		return
	}
	m.liveStores.Dec()
}

func (m *managerMetrics) sweepRun(store string, evicted int) {
	if m == nil {
		return
	}
	m.sweeps.WithLabelValues(store).Inc()
	m.evicted.WithLabelValues(store).Add(float64(evicted))
}

func (m *managerMetrics) sweepFailed(store string) {
	if m == nil {
		return
	}
	m.sweepFailures.WithLabelValues(store).Inc()
}
