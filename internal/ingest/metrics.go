package ingest

import "github.com/prometheus/client_golang/prometheus"

var (
	recordsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "childguard", Subsystem: "ingest", Name: "records_processed_total",
		Help: "Raw records successfully classified and published.",
	}, []string{"producer"})

	lateRecords = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "childguard", Subsystem: "ingest", Name: "late_records_total",
		Help: "Records dropped for arriving older than the reorder window.",
	}, []string{"producer"})

	duplicateRecords = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "childguard", Subsystem: "ingest", Name: "duplicate_records_total",
		Help: "Records dropped by the dedup LRU.",
	}, []string{"producer"})

	overflowDrops = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "childguard", Subsystem: "ingest", Name: "overflow_drops_total",
		Help: "Events dropped due to downstream queue backpressure.",
	}, []string{"queue"})

	producerErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "childguard", Subsystem: "ingest", Name: "producer_errors_total",
		Help: "Ring buffer read errors per producer.",
	}, []string{"producer"})

	producerUnhealthy = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "childguard", Subsystem: "ingest", Name: "producer_unhealthy",
		Help: "1 if a producer has exceeded its consecutive-error threshold, else 0.",
	}, []string{"producer"})
)

func init() {
	prometheus.MustRegister(recordsProcessed, lateRecords, duplicateRecords, overflowDrops, producerErrors, producerUnhealthy)
}
