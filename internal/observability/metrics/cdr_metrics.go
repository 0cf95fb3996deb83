package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	FlushTriggerSize     = "size"
	FlushTriggerTime     = "time"
	FlushTriggerSubmit   = "submit"
	FlushTriggerShutdown = "shutdown"
)

// CDRMetrics captures engine health signals.
type CDRMetrics struct {
	recordsCreated   prometheus.Counter
	recordsFinalized prometheus.Counter
	recordsPosted    prometheus.Counter
	recordsFiltered  prometheus.Counter
	recordsDropped   prometheus.Counter
	activeChannels   prometheus.Gauge
	batchFlushes     *prometheus.CounterVec
	batchSize        prometheus.Histogram
	backendErrors    *prometheus.CounterVec
	backendLatency   prometheus.Histogram
}

var (
	cdrMetricsOnce sync.Once
	cdrMetrics     *CDRMetrics
)

// CDR returns the singleton engine metrics registry.
func CDR() *CDRMetrics {
	cdrMetricsOnce.Do(func() {
		cdrMetrics = newCDRMetrics(prometheus.DefaultRegisterer)
	})
	return cdrMetrics
}

func newCDRMetrics(reg prometheus.Registerer) *CDRMetrics {
	m := &CDRMetrics{
		recordsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cadence_records_created_total",
			Help: "CDR records created across all chains.",
		}),
		recordsFinalized: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cadence_records_finalized_total",
			Help: "CDR records finalized.",
		}),
		recordsPosted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cadence_records_posted_total",
			Help: "CDR records that passed the post filter and were handed to the registered backends.",
		}),
		recordsFiltered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cadence_records_filtered_total",
			Help: "CDR records suppressed by the post filter.",
		}),
		recordsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cadence_records_dropped_total",
			Help: "CDR records dropped because the engine is disabled.",
		}),
		activeChannels: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cadence_active_channels",
			Help: "Channels with a live CDR chain.",
		}),
		batchFlushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cadence_batch_flushes_total",
			Help: "Batch drains by trigger.",
		}, []string{"trigger"}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cadence_batch_size_records",
			Help:    "Records per drained batch.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
		backendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cadence_backend_errors_total",
			Help: "Backend write failures by backend name.",
		}, []string{"backend"}),
		backendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cadence_backend_write_seconds",
			Help:    "Latency of a single backend write.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		m.recordsCreated,
		m.recordsFinalized,
		m.recordsPosted,
		m.recordsFiltered,
		m.recordsDropped,
		m.activeChannels,
		m.batchFlushes,
		m.batchSize,
		m.backendErrors,
		m.backendLatency,
	)

	return m
}

func (m *CDRMetrics) IncRecordsCreated()   { m.recordsCreated.Inc() }
func (m *CDRMetrics) IncRecordsFinalized() { m.recordsFinalized.Inc() }
func (m *CDRMetrics) IncRecordsPosted()    { m.recordsPosted.Inc() }
func (m *CDRMetrics) IncRecordsFiltered()  { m.recordsFiltered.Inc() }
func (m *CDRMetrics) IncRecordsDropped()   { m.recordsDropped.Inc() }

func (m *CDRMetrics) SetActiveChannels(n int) { m.activeChannels.Set(float64(n)) }

func (m *CDRMetrics) IncBatchFlush(trigger string, size int) {
	m.batchFlushes.WithLabelValues(trigger).Inc()
	m.batchSize.Observe(float64(size))
}

func (m *CDRMetrics) IncBackendError(backend string) {
	m.backendErrors.WithLabelValues(backend).Inc()
}

func (m *CDRMetrics) ObserveBackendWrite(d time.Duration) {
	m.backendLatency.Observe(d.Seconds())
}
