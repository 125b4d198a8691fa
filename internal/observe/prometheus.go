package observe

import "github.com/prometheus/client_golang/prometheus"

// PrometheusObserver implements Observer using Prometheus metrics. All
// metrics are prefixed with "{namespace}_botstore_".
type PrometheusObserver struct {
	leaseAcquired *prometheus.CounterVec
	lockConflicts *prometheus.CounterVec
	stateSaves    *prometheus.CounterVec
	pagesServed   *prometheus.CounterVec
	pageRows      *prometheus.HistogramVec
	tokensIssued  *prometheus.CounterVec
}

// NewPrometheusObserver creates a Prometheus observer registered on the
// given registerer.
func NewPrometheusObserver(namespace string, registerer prometheus.Registerer) *PrometheusObserver {
	if namespace == "" {
		namespace = "botstore"
	}

	leaseAcquired := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "botstore",
			Name:      "lease_acquired_total",
			Help:      "Total number of conversation lease acquisitions",
		},
		[]string{"page_id", "created"},
	)

	lockConflicts := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "botstore",
			Name:      "lock_conflicts_total",
			Help:      "Total number of lease acquisitions rejected by an unexpired lock",
		},
		[]string{"page_id"},
	)

	stateSaves := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "botstore",
			Name:      "state_saves_total",
			Help:      "Total number of state save/release writes",
		},
		[]string{"page_id"},
	)

	pagesServed := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "botstore",
			Name:      "pages_served_total",
			Help:      "Total number of listing pages served",
		},
		[]string{"page_id"},
	)

	pageRows := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "botstore",
			Name:      "page_rows",
			Help:      "Rows returned per listing page",
			Buckets:   []float64{1, 5, 10, 20, 50, 100},
		},
		[]string{"page_id"},
	)

	tokensIssued := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "botstore",
			Name:      "tokens_issued_total",
			Help:      "Total number of newly persisted tokens",
		},
		[]string{"page_id"},
	)

	registerer.MustRegister(
		leaseAcquired,
		lockConflicts,
		stateSaves,
		pagesServed,
		pageRows,
		tokensIssued,
	)

	return &PrometheusObserver{
		leaseAcquired: leaseAcquired,
		lockConflicts: lockConflicts,
		stateSaves:    stateSaves,
		pagesServed:   pagesServed,
		pageRows:      pageRows,
		tokensIssued:  tokensIssued,
	}
}

func (o *PrometheusObserver) LeaseAcquired(pageID string, created bool) {
	label := "false"
	if created {
		label = "true"
	}
	o.leaseAcquired.WithLabelValues(pageID, label).Inc()
}

func (o *PrometheusObserver) LockConflict(pageID string) {
	o.lockConflicts.WithLabelValues(pageID).Inc()
}

func (o *PrometheusObserver) StateSaved(pageID string) {
	o.stateSaves.WithLabelValues(pageID).Inc()
}

func (o *PrometheusObserver) PageServed(pageID string, rows int) {
	o.pagesServed.WithLabelValues(pageID).Inc()
	o.pageRows.WithLabelValues(pageID).Observe(float64(rows))
}

func (o *PrometheusObserver) TokenIssued(pageID string) {
	o.tokensIssued.WithLabelValues(pageID).Inc()
}
