package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shellgate",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests handled by shellgate",
		},
		[]string{"route", "method", "code"},
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "shellgate",
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests handled by shellgate",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	fetchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shellgate",
			Name:      "offline_fetch_total",
			Help:      "Intercepted fetches by strategy and the source that answered them",
		},
		[]string{"strategy", "source"},
	)

	revalidations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shellgate",
			Name:      "revalidations_total",
			Help:      "Background stale-while-revalidate refreshes by result",
		},
		[]string{"result"},
	)

	installedAssets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shellgate",
			Name:      "install_assets_total",
			Help:      "Shell manifest assets seeded during install by result",
		},
		[]string{"result"},
	)

	workerState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "shellgate",
			Name:      "worker_state",
			Help:      "Current offline worker lifecycle state (0 parsed .. 4 redundant)",
		},
	)

	dataCacheOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shellgate",
			Name:      "datacache_events_total",
			Help:      "Application data cache events (hit, miss, eviction, expiration)",
		},
		[]string{"cache", "event"},
	)

	clusterUnhealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "shellgate",
			Name:      "cluster_unhealthy_endpoints",
			Help:      "Number of unhealthy endpoints per cluster",
		},
		[]string{"cluster"},
	)
)

var initOnce sync.Once

// Init registers the collectors with the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			requestTotal,
			requestDuration,
			fetchTotal,
			revalidations,
			installedAssets,
			workerState,
			dataCacheOps,
			clusterUnhealthy,
		)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func ObserveRequest(route, method, code string, d time.Duration) {
	requestTotal.WithLabelValues(route, method, code).Inc()
	requestDuration.WithLabelValues(route, method).Observe(d.Seconds())
}

func IncFetch(strategy, source string) {
	fetchTotal.WithLabelValues(strategy, source).Inc()
}

func IncRevalidation(result string) {
	revalidations.WithLabelValues(result).Inc()
}

func IncInstalledAsset(result string) {
	installedAssets.WithLabelValues(result).Inc()
}

func SetWorkerState(state int) {
	workerState.Set(float64(state))
}

func SetClusterUnhealthy(cluster string, value float64) {
	clusterUnhealthy.WithLabelValues(cluster).Set(value)
}

// DataCache reports events of one named data cache. It satisfies datacache.Observer.
type DataCache struct {
	Name string
}

func (d DataCache) Hit()        { dataCacheOps.WithLabelValues(d.Name, "hit").Inc() }
func (d DataCache) Miss()       { dataCacheOps.WithLabelValues(d.Name, "miss").Inc() }
func (d DataCache) Eviction()   { dataCacheOps.WithLabelValues(d.Name, "eviction").Inc() }
func (d DataCache) Expiration() { dataCacheOps.WithLabelValues(d.Name, "expiration").Inc() }
