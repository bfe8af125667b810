package task

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the pipeline.
type Metrics struct {
	Submitted      prometheus.Counter
	Outcomes       *prometheus.CounterVec
	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	LateCacheHits  prometheus.Counter
	BytesFetched   prometheus.Counter
	DecodeAttempts prometheus.Counter
	CacheBytes     prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the provided registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	submitted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pixpipe_requests_submitted_total",
		Help: "Total requests accepted by Submit",
	})

	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pixpipe_requests_finished_total",
		Help: "Total requests that reached a terminal state",
	}, []string{"outcome"})

	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pixpipe_cache_hits_total",
		Help: "Byte cache lookups that avoided a fetch",
	})

	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pixpipe_cache_misses_total",
		Help: "Byte cache lookups that required a fetch",
	})

	lateCacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pixpipe_download_cache_hits_total",
		Help: "Counted misses that a download worker then found cached, skipping the fetch",
	})

	bytesFetched := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pixpipe_fetched_bytes_total",
		Help: "Total bytes read from fetch bodies",
	})

	decodeAttempts := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pixpipe_decode_attempts_total",
		Help: "Total decode function invocations, retries included",
	})

	cacheBytes := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pixpipe_cache_resident_bytes",
		Help: "Bytes currently held by the byte cache",
	})

	reg.MustRegister(submitted, outcomes, cacheHits, cacheMisses, lateCacheHits, bytesFetched, decodeAttempts, cacheBytes)

	return &Metrics{
		Submitted:      submitted,
		Outcomes:       outcomes,
		CacheHits:      cacheHits,
		CacheMisses:    cacheMisses,
		LateCacheHits:  lateCacheHits,
		BytesFetched:   bytesFetched,
		DecodeAttempts: decodeAttempts,
		CacheBytes:     cacheBytes,
	}
}
