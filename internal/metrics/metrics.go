// Package metrics exposes Prometheus collectors for the prediction pipeline
// and the dispatch channel. A nil *Metrics records nothing.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "predictions"

type Metrics struct {
	mu         sync.Mutex
	registerer prometheus.Registerer
	registered bool

	jobsFinalized   *prometheus.CounterVec
	creditsCharged  prometheus.Counter
	pipelineSeconds prometheus.Histogram
	dispatched      *prometheus.CounterVec
	rpcTimeouts     prometheus.Counter
	lateReplies     prometheus.Counter
	pendingCalls    prometheus.Gauge
	workerMessages  *prometheus.CounterVec
}

func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newCounter(subsystem, name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	})
}

// New builds the collectors. A nil registerer selects the default one.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Metrics{
		registerer:     registerer,
		jobsFinalized:  newCounterVec("jobs", "finalized_total", "Prediction jobs that reached a terminal status", []string{"status"}),
		creditsCharged: newCounter("ledger", "credits_charged_total", "Credits debited for predictions"),
		pipelineSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "pipeline_seconds",
			Help:      "Time spent running the prediction pipeline for one job",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}),
		dispatched:  newCounterVec("dispatch", "messages_total", "Prediction requests published", []string{"mode"}),
		rpcTimeouts: newCounter("dispatch", "rpc_timeouts_total", "Synchronous calls that gave up waiting for a reply"),
		lateReplies: newCounter("dispatch", "late_replies_total", "Replies that arrived after their caller stopped waiting"),
		pendingCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "pending_calls",
			Help:      "Synchronous calls currently waiting for a reply",
		}),
		workerMessages: newCounterVec("worker", "messages_total", "Messages handled by workers by outcome", []string{"outcome"}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.jobsFinalized,
		m.creditsCharged,
		m.pipelineSeconds,
		m.dispatched,
		m.rpcTimeouts,
		m.lateReplies,
		m.pendingCalls,
		m.workerMessages,
	}
	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

func (m *Metrics) JobFinalized(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.jobsFinalized.WithLabelValues(status).Inc()
	m.pipelineSeconds.Observe(elapsed.Seconds())
}

func (m *Metrics) CreditsCharged(amount int64) {
	if m == nil || amount <= 0 {
		return
	}
	m.creditsCharged.Add(float64(amount))
}

func (m *Metrics) Dispatched(mode string) {
	if m == nil {
		return
	}
	m.dispatched.WithLabelValues(mode).Inc()
}

func (m *Metrics) RPCTimeout() {
	if m == nil {
		return
	}
	m.rpcTimeouts.Inc()
}

func (m *Metrics) LateReply() {
	if m == nil {
		return
	}
	m.lateReplies.Inc()
}

func (m *Metrics) SetPendingCalls(n int) {
	if m == nil {
		return
	}
	m.pendingCalls.Set(float64(n))
}

func (m *Metrics) WorkerMessage(outcome string) {
	if m == nil {
		return
	}
	m.workerMessages.WithLabelValues(outcome).Inc()
}
