// Package metrics provides Prometheus metrics for the shmstore daemon.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registry for all shmstore metrics.
var Registry = prometheus.NewRegistry()

func init() {
	// Register standard Go metrics
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// StoreMetrics holds all Prometheus metrics for the object store.
type StoreMetrics struct {
	// Lifecycle counters
	ObjectsCreated prometheus.Counter
	ObjectsSealed  prometheus.Counter
	ObjectsAborted prometheus.Counter
	ObjectsDeleted prometheus.Counter
	ObjectsEvicted prometheus.Counter

	// Failure counters
	OutOfMemoryErrors prometheus.Counter
	UnderflowErrors   prometheus.Counter

	// Usage gauges (labeled by device)
	ObjectsLive *prometheus.GaugeVec
	BytesInUse  *prometheus.GaugeVec

	// Transport gauges
	ConnectedClients prometheus.Gauge
	Subscribers      prometheus.Gauge
}

// InitMetrics initializes all store metrics with the store name as a
// constant label.
func InitMetrics(storeName string) *StoreMetrics {
	constLabels := prometheus.Labels{
		"store": storeName,
	}

	return &StoreMetrics{
		ObjectsCreated: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "shmstore_objects_created_total",
			Help:        "Total objects created",
			ConstLabels: constLabels,
		}),
		ObjectsSealed: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "shmstore_objects_sealed_total",
			Help:        "Total objects sealed",
			ConstLabels: constLabels,
		}),
		ObjectsAborted: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "shmstore_objects_aborted_total",
			Help:        "Total unsealed objects aborted by their creator",
			ConstLabels: constLabels,
		}),
		ObjectsDeleted: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "shmstore_objects_deleted_total",
			Help:        "Total sealed objects explicitly deleted",
			ConstLabels: constLabels,
		}),
		ObjectsEvicted: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "shmstore_objects_evicted_total",
			Help:        "Total objects reclaimed under capacity pressure",
			ConstLabels: constLabels,
		}),

		OutOfMemoryErrors: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "shmstore_out_of_memory_total",
			Help:        "Creates that failed even after eviction",
			ConstLabels: constLabels,
		}),
		UnderflowErrors: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "shmstore_refcount_underflow_total",
			Help:        "Releases rejected because the reference count was already zero",
			ConstLabels: constLabels,
		}),

		ObjectsLive: promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
			Name:        "shmstore_objects_live",
			Help:        "Objects currently present in the directory",
			ConstLabels: constLabels,
		}, []string{"device"}),
		BytesInUse: promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
			Name:        "shmstore_bytes_in_use",
			Help:        "Granularity-rounded bytes allocated to live objects",
			ConstLabels: constLabels,
		}, []string{"device"}),

		ConnectedClients: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name:        "shmstore_connected_clients",
			Help:        "Number of connected client sessions",
			ConstLabels: constLabels,
		}),
		Subscribers: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name:        "shmstore_notification_subscribers",
			Help:        "Number of clients subscribed to seal notifications",
			ConstLabels: constLabels,
		}),
	}
}

// DeviceLabel formats a device number as a metric label value.
func DeviceLabel(device int) string {
	return strconv.Itoa(device)
}

// Handler returns an HTTP handler serving the store registry in Prometheus
// exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
