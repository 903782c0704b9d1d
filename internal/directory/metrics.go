package directory

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of one Server.
type Metrics struct {
	Operations        *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	ActiveConnections prometheus.Gauge
	Connections       prometheus.Counter
	EntriesImported   prometheus.Counter
	Entries           prometheus.GaugeFunc
}

// NewMetrics registers the server collectors with registry. entries
// reports the current store size.
func NewMetrics(registry prometheus.Registerer, entries func() float64) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		Operations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "embedded_ldap_operations_total",
				Help: "Total number of LDAP operations by operation and result code",
			},
			[]string{"operation", "result"},
		),
		OperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "embedded_ldap_operation_duration_seconds",
				Help:    "LDAP operation latency",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
			},
			[]string{"operation"},
		),
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "embedded_ldap_connections_active",
			Help: "Number of open client connections",
		}),
		Connections: factory.NewCounter(prometheus.CounterOpts{
			Name: "embedded_ldap_connections_total",
			Help: "Total number of accepted client connections",
		}),
		EntriesImported: factory.NewCounter(prometheus.CounterOpts{
			Name: "embedded_ldap_entries_imported_total",
			Help: "Total number of entries imported from LDIF",
		}),
		Entries: factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "embedded_ldap_entries",
			Help: "Number of entries currently in the directory",
		}, entries),
	}
}
