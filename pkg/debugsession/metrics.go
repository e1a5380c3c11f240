package debugsession

import "github.com/prometheus/client_golang/prometheus"

type sessionMetrics struct {
	interruptsSent   *prometheus.CounterVec
	fifoEntries      prometheus.Counter
	fifoEntryRetries prometheus.Counter
	eventsEnqueued   *prometheus.CounterVec
	resumes          *prometheus.CounterVec
	resumeAckPolls   prometheus.Histogram
	threadsStopped   prometheus.Gauge
}

func newMetrics(r prometheus.Registerer) *sessionMetrics {
	m := &sessionMetrics{}

	m.interruptsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gpudebug_interrupts_sent_total",
		Help: "Hardware interrupts issued to tiles.",
	}, []string{"outcome"})
	m.fifoEntries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gpudebug_attention_fifo_entries_total",
		Help: "Entries drained from attention FIFOs.",
	})
	m.fifoEntryRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gpudebug_fifo_entry_retries_total",
		Help: "Re-reads of attention FIFO entries not yet marked valid.",
	})
	m.eventsEnqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gpudebug_events_enqueued_total",
		Help: "Debug events queued for clients.",
	}, []string{"type"})
	m.resumes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gpudebug_resumes_total",
		Help: "Per tile resume attempts.",
	}, []string{"outcome"})
	m.resumeAckPolls = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gpudebug_resume_ack_polls",
		Help:    "Reads of the system routine counter needed to observe a resume.",
		Buckets: prometheus.ExponentialBuckets(1, 4, 10),
	})
	m.threadsStopped = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gpudebug_threads_stopped",
		Help: "Hardware threads currently known to be stopped.",
	})

	if r != nil {
		r.MustRegister(
			m.interruptsSent,
			m.fifoEntries,
			m.fifoEntryRetries,
			m.eventsEnqueued,
			m.resumes,
			m.resumeAckPolls,
			m.threadsStopped,
		)
	}
	return m
}
